package arp

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kdoe/tapstack/ethernet"
	"github.com/kdoe/tapstack/internal/metrics"
)

// entryState is the lifecycle state of a Cache entry.
type entryState uint8

const (
	stateAbsent entryState = iota
	statePending
	stateResolved
	stateStale
)

const (
	maxPendingPerEntry = 8
	maxRequestAttempts = 3
	requestRetryDelay  = time.Second
	staleAfter         = 60 * time.Second
	evictAfter         = 5 * time.Minute
)

var (
	ErrNotResolved = errors.New("arp: address not resolved")
	ErrCacheClosed = errors.New("arp: cache closed")
)

// entry holds the resolution state for a single protocol address.
type entry struct {
	state      entryState
	hwaddr     [6]byte
	attempts   int
	lastSeen   time.Time
	refreshing bool // a unicast refresh was sent while Stale and no reply has arrived yet
	pending    [][]byte // frames waiting on resolution, oldest first, bound maxPendingPerEntry
	waiters    []chan struct{}
}

// Cache implements the spec's Absent -> Pending -> Resolved <-> Stale state
// machine for IPv4 address resolution. Unlike the non-blocking poll-style
// Handler this supersedes, resolution callers block (via Resolve) until an
// answer or a timeout arrives instead of re-polling Encapsulate/Demux
// themselves; a background goroutine owns retries and expiry.
type Cache struct {
	ourHW  [6]byte
	ourIP  netip.Addr
	tx     TxFunc
	logger *slog.Logger

	mu      sync.Mutex
	entries map[netip.Addr]*entry
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// TxFunc transmits a raw ARP packet (not wrapped in an Ethernet header --
// the caller is responsible for framing it, broadcasting requests and
// unicasting replies to the resolved hardware address).
type TxFunc func(arpPacket []byte) error

// NewCache constructs a Cache that will announce itself as ourHW/ourIP and
// send outgoing requests/replies via tx.
func NewCache(ourHW [6]byte, ourIP netip.Addr, tx TxFunc, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		ourHW:   ourHW,
		ourIP:   ourIP,
		tx:      tx,
		logger:  logger,
		entries: make(map[netip.Addr]*entry),
	}
}

// Run starts the background expiry/retry goroutine and blocks until ctx is
// canceled. It also sends a gratuitous ARP announcement on startup.
func (c *Cache) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return ErrCacheClosed
	}
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()
	defer close(c.done)

	if err := c.announceGratuitous(); err != nil {
		c.logger.Error("arp: gratuitous announce failed", slog.String("err", err.Error()))
	}

	ticker := time.NewTicker(requestRetryDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.tick()
		}
	}
}

// SetOurIP updates the protocol address the cache answers ARP requests for
// and announces on the next gratuitous broadcast. Called once a DHCP lease
// replaces the interface's provisional (often unspecified) address.
func (c *Cache) SetOurIP(ip netip.Addr) {
	c.mu.Lock()
	c.ourIP = ip
	c.mu.Unlock()
}

// Close stops the background goroutine and releases any callers blocked in
// Resolve.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	cancel := c.cancel
	done := c.done
	for _, e := range c.entries {
		for _, w := range e.waiters {
			close(w)
		}
		e.waiters = nil
	}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Resolve returns the hardware address for addr, blocking until it is
// resolved, ctx is done, or the cache is closed. If addr is Absent, it
// transitions to Pending and a request is emitted immediately.
func (c *Cache) Resolve(ctx context.Context, addr netip.Addr) ([6]byte, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return [6]byte{}, ErrCacheClosed
	}
	e, ok := c.entries[addr]
	if !ok {
		e = &entry{state: stateAbsent}
		c.entries[addr] = e
	}
	switch e.state {
	case stateResolved:
		hw := e.hwaddr
		c.mu.Unlock()
		return hw, nil
	case stateStale:
		// Usable immediately: the cached mapping is returned as-is, and a
		// unicast refresh is kicked off (at most one in flight at a time)
		// to bring the entry back to Resolved.
		hw := e.hwaddr
		needRefresh := !e.refreshing
		if needRefresh {
			e.refreshing = true
		}
		c.mu.Unlock()
		if needRefresh {
			if err := c.sendRefreshRequest(addr, hw); err != nil {
				c.logger.Error("arp: stale refresh send failed", slog.String("addr", addr.String()), slog.String("err", err.Error()))
			}
		}
		return hw, nil
	}
	wait := make(chan struct{})
	e.waiters = append(e.waiters, wait)
	needSend := e.state == stateAbsent
	if needSend {
		e.state = statePending
		e.attempts = 1
	}
	c.mu.Unlock()

	if needSend {
		if err := c.sendRequest(addr); err != nil {
			c.logger.Error("arp: request send failed", slog.String("addr", addr.String()), slog.String("err", err.Error()))
		}
	}

	select {
	case <-wait:
	case <-ctx.Done():
		return [6]byte{}, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok = c.entries[addr]
	if !ok || (e.state != stateResolved && e.state != stateStale) {
		return [6]byte{}, ErrNotResolved
	}
	return e.hwaddr, nil
}

// Enqueue attaches frame to addr's pending queue so it can be flushed once
// resolution completes, dropping the oldest queued frame if the bound of
// maxPendingPerEntry is exceeded.
func (c *Cache) Enqueue(addr netip.Addr, frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[addr]
	if !ok {
		e = &entry{state: stateAbsent}
		c.entries[addr] = e
	}
	if len(e.pending) >= maxPendingPerEntry {
		e.pending = e.pending[1:]
	}
	cp := append([]byte(nil), frame...)
	e.pending = append(e.pending, cp)
}

// HandleFrame processes an inbound ARP packet: answering requests for our
// own address and resolving/refreshing cache entries on replies or
// gratuitous announcements.
func (c *Cache) HandleFrame(afrm Frame) error {
	_, senderProto := afrm.Sender()
	senderAddr, ok := netip.AddrFromSlice(senderProto)
	if !ok || !senderAddr.Is4() {
		return nil
	}
	senderHW, _ := afrm.Sender4()

	switch afrm.Operation() {
	case OpRequest:
		_, targetProto := afrm.Target()
		targetAddr, ok := netip.AddrFromSlice(targetProto)
		if ok && targetAddr == c.ourIP {
			c.learn(senderAddr, *senderHW)
			return c.sendReply(senderAddr, *senderHW)
		}
		c.learn(senderAddr, *senderHW) // gratuitous / passive learning
	case OpReply:
		c.learn(senderAddr, *senderHW)
	}
	return nil
}

func (c *Cache) learn(addr netip.Addr, hw [6]byte) {
	c.mu.Lock()
	e, ok := c.entries[addr]
	if !ok {
		e = &entry{}
		c.entries[addr] = e
	}
	e.state = stateResolved
	e.hwaddr = hw
	e.attempts = 0
	e.refreshing = false
	e.lastSeen = time.Now()
	waiters := e.waiters
	e.waiters = nil
	pending := e.pending
	e.pending = nil
	c.mu.Unlock()

	c.logger.Debug("arp: learned mapping", slog.String("addr", addr.String()),
		slog.String("hwaddr", string(ethernet.AppendAddr(nil, hw))))

	for _, w := range waiters {
		close(w)
	}
	for _, frame := range pending {
		if c.tx != nil {
			if err := c.tx(frame); err != nil {
				c.logger.Error("arp: flush pending frame failed", slog.String("err", err.Error()))
			}
		}
	}
}

// tick is invoked once per requestRetryDelay: it retries pending entries up
// to maxRequestAttempts (failing them past that) and demotes resolved
// entries that have gone unseen past staleAfter, evicting ones unseen past
// evictAfter.
func (c *Cache) tick() {
	now := time.Now()
	type retry struct {
		addr netip.Addr
	}
	type refresh struct {
		addr netip.Addr
		hw   [6]byte
	}
	var toRetry []retry
	var toRefresh []refresh
	var toFail []netip.Addr

	c.mu.Lock()
	for addr, e := range c.entries {
		switch e.state {
		case statePending:
			if e.attempts >= maxRequestAttempts {
				toFail = append(toFail, addr)
			} else {
				e.attempts++
				toRetry = append(toRetry, retry{addr})
			}
		case stateResolved:
			if now.Sub(e.lastSeen) > staleAfter {
				e.state = stateStale
			}
		case stateStale:
			if now.Sub(e.lastSeen) > evictAfter {
				delete(c.entries, addr)
			} else if e.refreshing {
				// No reply to the last unicast refresh yet: resend until
				// one arrives (learn clears refreshing) or the entry is
				// evicted above.
				toRefresh = append(toRefresh, refresh{addr, e.hwaddr})
			}
		}
	}
	c.mu.Unlock()

	for _, addr := range toFail {
		c.mu.Lock()
		e, ok := c.entries[addr]
		var waiters []chan struct{}
		if ok {
			waiters = e.waiters
			e.waiters = nil
			delete(c.entries, addr)
		}
		c.mu.Unlock()
		for _, w := range waiters {
			close(w)
		}
		c.logger.Warn("arp: resolution failed, attempts exhausted", slog.String("addr", addr.String()))
		metrics.ArpResolutionTimeouts.Inc()
	}
	for _, r := range toRetry {
		if err := c.sendRequest(r.addr); err != nil {
			c.logger.Error("arp: retry send failed", slog.String("addr", r.addr.String()), slog.String("err", err.Error()))
		}
	}
	for _, r := range toRefresh {
		if err := c.sendRefreshRequest(r.addr, r.hw); err != nil {
			c.logger.Error("arp: stale refresh resend failed", slog.String("addr", r.addr.String()), slog.String("err", err.Error()))
		}
	}

	c.mu.Lock()
	metrics.ArpCacheEntries.Set(float64(len(c.entries)))
	c.mu.Unlock()
}

func (c *Cache) sendRequest(addr netip.Addr) error {
	a4 := addr.As4()
	buf := make([]byte, sizeHeaderv4)
	frm, err := NewFrame(buf)
	if err != nil {
		return err
	}
	frm.SetHardware(1, 6)
	frm.SetProtocol(ethernet.TypeIPv4, 4)
	frm.SetOperation(OpRequest)
	senderHW, senderProto := frm.Sender4()
	*senderHW = c.ourHW
	*senderProto = c.ourIP.As4()
	targetHW, targetProto := frm.Target4()
	*targetHW = [6]byte{}
	*targetProto = a4
	metrics.ArpRequestsSent.Inc()
	return c.tx(buf)
}

// sendRefreshRequest issues a unicast refresh for a Stale entry: an ARP
// request whose target hardware field already carries the known (if
// possibly outdated) address, which Handler.SendARP uses to address the
// frame directly at knownHW instead of broadcasting it.
func (c *Cache) sendRefreshRequest(addr netip.Addr, knownHW [6]byte) error {
	a4 := addr.As4()
	buf := make([]byte, sizeHeaderv4)
	frm, err := NewFrame(buf)
	if err != nil {
		return err
	}
	frm.SetHardware(1, 6)
	frm.SetProtocol(ethernet.TypeIPv4, 4)
	frm.SetOperation(OpRequest)
	senderHW, senderProto := frm.Sender4()
	*senderHW = c.ourHW
	*senderProto = c.ourIP.As4()
	targetHW, targetProto := frm.Target4()
	*targetHW = knownHW
	*targetProto = a4
	metrics.ArpRequestsSent.Inc()
	return c.tx(buf)
}

func (c *Cache) sendReply(dst netip.Addr, dstHW [6]byte) error {
	buf := make([]byte, sizeHeaderv4)
	frm, err := NewFrame(buf)
	if err != nil {
		return err
	}
	frm.SetHardware(1, 6)
	frm.SetProtocol(ethernet.TypeIPv4, 4)
	frm.SetOperation(OpReply)
	senderHW, senderProto := frm.Sender4()
	*senderHW = c.ourHW
	*senderProto = c.ourIP.As4()
	targetHW, targetProto := frm.Target4()
	*targetHW = dstHW
	*targetProto = dst.As4()
	return c.tx(buf)
}

func (c *Cache) announceGratuitous() error {
	return c.sendRequestWithBackoff(c.ourIP)
}

func (c *Cache) sendRequestWithBackoff(addr netip.Addr) error {
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(requestRetryDelay), maxRequestAttempts-1)
	return backoff.Retry(func() error { return c.sendRequest(addr) }, bo)
}
