// Package socket implements the UDP socket abstraction: a multiplexer that
// demultiplexes inbound UDP datagrams to bound sockets by (local address,
// local port), and a Socket type applications read/write through.
package socket

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"sync"

	"github.com/kdoe/tapstack/internal/metrics"
)

const rxQueueCapacity = 64

var (
	ErrPortInUse   = errors.New("socket: local port already bound")
	ErrSocketClosed = errors.New("socket: closed")
	ErrNoRoute     = errors.New("socket: destination unreachable, no tx function configured")
)

// Datagram is a received UDP payload tagged with its origin.
type Datagram struct {
	Payload  []byte
	RemoteIP netip.Addr
	RemotePort uint16
}

// TxFunc transmits a UDP payload to dst from the socket's bound local
// address/port. Implemented by stack.Handler in production.
type TxFunc func(localIP netip.Addr, localPort uint16, dstIP netip.Addr, dstPort uint16, payload []byte) error

// Multiplexer demultiplexes inbound datagrams to bound Sockets keyed by
// (local_ip, local_port), falling back to a socket bound to the wildcard
// address 0.0.0.0 if no exact match exists, matching a normal BSD socket
// layer's behavior for unconnected UDP sockets.
type Multiplexer struct {
	tx TxFunc

	mu      sync.Mutex
	sockets map[key]*Socket
}

type key struct {
	ip   netip.Addr
	port uint16
}

// NewMultiplexer constructs a Multiplexer that sends outgoing datagrams
// via tx.
func NewMultiplexer(tx TxFunc) *Multiplexer {
	return &Multiplexer{tx: tx, sockets: make(map[key]*Socket)}
}

// Bind reserves localPort on localIP (which may be the unspecified address)
// and returns a Socket for sending/receiving on it.
func (m *Multiplexer) Bind(localIP netip.Addr, localPort uint16) (*Socket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{ip: localIP, port: localPort}
	if _, exists := m.sockets[k]; exists {
		return nil, ErrPortInUse
	}
	s := &Socket{
		mux:      m,
		localIP:  localIP,
		localPort: localPort,
	}
	s.cond = sync.NewCond(&s.mu)
	m.sockets[k] = s
	return s, nil
}

// unbind removes s from the multiplexer. Called from Socket.Close.
func (m *Multiplexer) unbind(s *Socket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sockets, key{ip: s.localIP, port: s.localPort})
}

// Deliver routes an inbound datagram to the socket bound to (dstIP,
// dstPort), falling back to the wildcard-address binding for dstPort. It
// returns false if no socket wants the datagram (callers should emit an
// ICMP Port Unreachable in that case).
func (m *Multiplexer) Deliver(dstIP netip.Addr, dstPort uint16, dg Datagram) bool {
	m.mu.Lock()
	s, ok := m.sockets[key{ip: dstIP, port: dstPort}]
	if !ok {
		s, ok = m.sockets[key{ip: netip.IPv4Unspecified(), port: dstPort}]
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.push(dg)
	return true
}

// UnreachableKind classifies an inbound ICMP Destination Unreachable
// surfaced to a socket, mirroring the subset of RFC 792 codes relevant to
// UDP senders.
type UnreachableKind uint8

const (
	UnreachableNet UnreachableKind = iota
	UnreachableHost
	UnreachablePort
)

func (k UnreachableKind) String() string {
	switch k {
	case UnreachableNet:
		return "net"
	case UnreachableHost:
		return "host"
	case UnreachablePort:
		return "port"
	default:
		return "unknown"
	}
}

// Unreachable is the error a Socket's Receive returns once an inbound ICMP
// Destination Unreachable quotes a datagram this socket sent.
type Unreachable struct {
	Kind       UnreachableKind
	RemoteIP   netip.Addr
	RemotePort uint16
}

func (e Unreachable) Error() string {
	return fmt.Sprintf("socket: %s unreachable (%s:%d)", e.Kind, e.RemoteIP, e.RemotePort)
}

// Unreachable surfaces an inbound ICMP Destination Unreachable to the
// socket that sent the datagram quoted in the message. The socket is found
// by the same (local ip, local port) key Deliver uses -- an unconnected UDP
// socket has no separate table of remote peers it is "awaiting a reply
// from", so the quoted remote tuple is carried onto the error for the
// caller's benefit rather than used as a lookup key. Returns false if no
// socket is bound on the quoted local address/port.
func (m *Multiplexer) Unreachable(localIP netip.Addr, localPort uint16, remoteIP netip.Addr, remotePort uint16, kind UnreachableKind) bool {
	m.mu.Lock()
	s, ok := m.sockets[key{ip: localIP, port: localPort}]
	if !ok {
		s, ok = m.sockets[key{ip: netip.IPv4Unspecified(), port: localPort}]
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.setUnreachable(Unreachable{Kind: kind, RemoteIP: remoteIP, RemotePort: remotePort})
	return true
}

// Socket is a bound UDP endpoint. The zero value is not usable; obtain one
// via Multiplexer.Bind.
type Socket struct {
	mux       *Multiplexer
	localIP   netip.Addr
	localPort uint16

	mu          sync.Mutex
	cond        *sync.Cond
	queue       []Datagram
	closed      bool
	unreachable error
}

// LocalAddr returns the address/port this socket is bound to.
func (s *Socket) LocalAddr() (netip.Addr, uint16) { return s.localIP, s.localPort }

// Send transmits payload to dstIP:dstPort.
func (s *Socket) Send(dstIP netip.Addr, dstPort uint16, payload []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSocketClosed
	}
	if s.mux.tx == nil {
		return ErrNoRoute
	}
	return s.mux.tx(s.localIP, s.localPort, dstIP, dstPort, payload)
}

// push enqueues an inbound datagram, dropping the oldest queued datagram if
// the socket's rxQueueCapacity bound is exceeded, and wakes any blocked
// Receive caller.
func (s *Socket) push(dg Datagram) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.queue) >= rxQueueCapacity {
		s.queue = s.queue[1:]
		metrics.SocketRxQueueDrops.WithLabelValues(strconv.Itoa(int(s.localPort))).Inc()
	}
	s.queue = append(s.queue, dg)
	s.cond.Signal()
}

// setUnreachable records an ICMP Destination Unreachable surfaced for this
// socket and wakes any blocked Receive caller. A closed socket has nothing
// left to wake.
func (s *Socket) setUnreachable(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.unreachable = err
	s.cond.Signal()
}

// Receive blocks until a datagram arrives, an ICMP Destination Unreachable
// is surfaced for this socket, ctx is done, or the socket is closed. A
// surfaced Unreachable error is returned exactly once and then cleared, so
// a subsequent Receive resumes waiting on datagrams/closure as normal.
func (s *Socket) Receive(ctx context.Context) (Datagram, error) {
	done := make(chan struct{})
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.mu.Lock()
				s.cond.Broadcast()
				s.mu.Unlock()
			case <-done:
			}
		}()
		defer close(done)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed && s.unreachable == nil {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return Datagram{}, ctx.Err()
			default:
			}
		}
		s.cond.Wait()
	}
	if s.unreachable != nil {
		err := s.unreachable
		s.unreachable = nil
		return Datagram{}, err
	}
	if s.closed && len(s.queue) == 0 {
		return Datagram{}, ErrSocketClosed
	}
	if ctx != nil {
		select {
		case <-ctx.Done():
			if len(s.queue) == 0 {
				return Datagram{}, ctx.Err()
			}
		default:
		}
	}
	dg := s.queue[0]
	s.queue = s.queue[1:]
	return dg, nil
}

// Close releases the socket's bound port and wakes any blocked Receive
// callers with ErrSocketClosed.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.mux.unbind(s)
	return nil
}

func (s *Socket) String() string {
	return fmt.Sprintf("udp socket %s:%d", s.localIP, s.localPort)
}
