package arp

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/kdoe/tapstack"
	"github.com/kdoe/tapstack/ethernet"
)

func TestFrameRoundTrip(t *testing.T) {
	buf := make([]byte, sizeHeaderv4)
	frm, err := NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	frm.SetHardware(1, 6)
	frm.SetProtocol(ethernet.TypeIPv4, 4)
	frm.SetOperation(OpRequest)
	senderHW, senderProto := frm.Sender4()
	*senderHW = [6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x00}
	*senderProto = [4]byte{192, 168, 1, 1}
	targetHW, targetProto := frm.Target4()
	*targetHW = [6]byte{}
	*targetProto = [4]byte{192, 168, 1, 2}

	validateARP(t, buf)

	hwtyp, hwlen := frm.Hardware()
	if hwtyp != 1 || hwlen != 6 {
		t.Fatalf("hardware type/len mismatch: %d %d", hwtyp, hwlen)
	}
	proto, plen := frm.Protocol()
	if proto != ethernet.TypeIPv4 || plen != 4 {
		t.Fatalf("protocol type/len mismatch: %v %d", proto, plen)
	}
	if frm.Operation() != OpRequest {
		t.Fatalf("expected OpRequest, got %v", frm.Operation())
	}
	gotHW, gotProto := frm.Sender()
	if !bytes.Equal(gotHW, senderHW[:]) || !bytes.Equal(gotProto, senderProto[:]) {
		t.Fatal("sender fields did not round-trip")
	}
}

func TestFrameSwapTargetSender(t *testing.T) {
	buf := make([]byte, sizeHeaderv4)
	frm, err := NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	frm.SetHardware(1, 6)
	frm.SetProtocol(ethernet.TypeIPv4, 4)
	senderHW, senderProto := frm.Sender4()
	*senderHW = [6]byte{1, 2, 3, 4, 5, 6}
	*senderProto = [4]byte{10, 0, 0, 1}
	targetHW, targetProto := frm.Target4()
	*targetHW = [6]byte{6, 5, 4, 3, 2, 1}
	*targetProto = [4]byte{10, 0, 0, 2}

	frm.SwapTargetSender()

	gotSenderHW, gotSenderProto := frm.Sender4()
	if *gotSenderHW != [6]byte{6, 5, 4, 3, 2, 1} || *gotSenderProto != [4]byte{10, 0, 0, 2} {
		t.Fatal("swap did not move target into sender")
	}
}

func TestFrameValidateSizeTooShort(t *testing.T) {
	buf := make([]byte, sizeHeaderv4)
	frm, err := NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	frm.SetHardware(1, 6)
	frm.SetProtocol(ethernet.TypeIPv4, 4)

	var vld tapstack.Validator
	frm.ValidateSize(&vld)
	if vld.HasError() {
		t.Fatalf("unexpected validation error on well-formed frame: %v", vld.Err())
	}

	_, err = NewFrame(buf[:4])
	if err == nil {
		t.Fatal("expected error constructing frame from undersized buffer")
	}
}

func validateARP(t *testing.T, buf []byte) {
	t.Helper()
	afrm, err := NewFrame(buf)
	if err != nil {
		t.Error(err)
		return
	}
	var vld tapstack.Validator
	afrm.ValidateSize(&vld)
	if vld.HasError() {
		t.Errorf("invalid arp: %s", vld.Err())
	}
}

func TestCacheResolveViaReply(t *testing.T) {
	ourIP := netip.MustParseAddr("192.168.1.1")
	peerIP := netip.MustParseAddr("192.168.1.2")
	peerHW := [6]byte{0xc0, 0xff, 0xee, 0xc0, 0xff, 0xee}

	var mu sync.Mutex
	var sent [][]byte
	tx := func(frame []byte) error {
		mu.Lock()
		sent = append(sent, append([]byte(nil), frame...))
		mu.Unlock()
		return nil
	}

	c := NewCache([6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x00}, ourIP, tx, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resultCh := make(chan [6]byte, 1)
	errCh := make(chan error, 1)
	go func() {
		hw, err := c.Resolve(ctx, peerIP)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- hw
	}()

	// Wait for the request to be sent, then synthesize the reply.
	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(sent)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for ARP request to be sent")
		case <-time.After(10 * time.Millisecond):
		}
	}

	replyBuf := make([]byte, sizeHeaderv4)
	reply, _ := NewFrame(replyBuf)
	reply.SetHardware(1, 6)
	reply.SetProtocol(ethernet.TypeIPv4, 4)
	reply.SetOperation(OpReply)
	senderHW, senderProto := reply.Sender4()
	*senderHW = peerHW
	*senderProto = peerIP.As4()
	targetHW, targetProto := reply.Target4()
	*targetHW = [6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x00}
	*targetProto = ourIP.As4()
	if err := c.HandleFrame(reply); err != nil {
		t.Fatal(err)
	}

	select {
	case hw := <-resultCh:
		if hw != peerHW {
			t.Fatalf("resolved %x, want %x", hw, peerHW)
		}
	case err := <-errCh:
		t.Fatal(err)
	case <-ctx.Done():
		t.Fatal("resolve did not complete before context timeout")
	}
}

func TestCacheAnswersIncomingRequest(t *testing.T) {
	ourIP := netip.MustParseAddr("192.168.1.1")
	ourHW := [6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x00}
	peerIP := netip.MustParseAddr("192.168.1.2")
	peerHW := [6]byte{0xc0, 0xff, 0xee, 0xc0, 0xff, 0xee}

	var mu sync.Mutex
	var sent [][]byte
	tx := func(frame []byte) error {
		mu.Lock()
		sent = append(sent, append([]byte(nil), frame...))
		mu.Unlock()
		return nil
	}
	c := NewCache(ourHW, ourIP, tx, nil)

	reqBuf := make([]byte, sizeHeaderv4)
	req, _ := NewFrame(reqBuf)
	req.SetHardware(1, 6)
	req.SetProtocol(ethernet.TypeIPv4, 4)
	req.SetOperation(OpRequest)
	senderHW, senderProto := req.Sender4()
	*senderHW = peerHW
	*senderProto = peerIP.As4()
	targetHW, targetProto := req.Target4()
	*targetHW = [6]byte{}
	*targetProto = ourIP.As4()

	if err := c.HandleFrame(req); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one reply sent, got %d", len(sent))
	}
	reply, err := NewFrame(sent[0])
	if err != nil {
		t.Fatal(err)
	}
	if reply.Operation() != OpReply {
		t.Fatalf("expected OpReply, got %v", reply.Operation())
	}
	gotHW, gotProto := reply.Sender4()
	if *gotHW != ourHW || *gotProto != ourIP.As4() {
		t.Fatal("reply sender fields do not match our own address")
	}
}

func TestCacheResolvePendingExhaustsRetries(t *testing.T) {
	ourIP := netip.MustParseAddr("192.168.1.1")
	peerIP := netip.MustParseAddr("192.168.1.2")

	var mu sync.Mutex
	var sent [][]byte
	tx := func(frame []byte) error {
		mu.Lock()
		sent = append(sent, append([]byte(nil), frame...))
		mu.Unlock()
		return nil
	}
	c := NewCache([6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x00}, ourIP, tx, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Resolve(ctx, peerIP)
		errCh <- err
	}()

	// Wait for the initial request (Resolve's own send), then drive
	// maxRequestAttempts-1 retries and the final failure entirely through
	// tick(), which does not wait on requestRetryDelay's real duration.
	waitSent(t, &mu, &sent, 1)
	for i := 0; i < maxRequestAttempts-1; i++ {
		c.tick()
	}
	waitSent(t, &mu, &sent, maxRequestAttempts)
	c.tick()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrNotResolved) {
			t.Fatalf("expected ErrNotResolved after exhausting retries, got %v", err)
		}
	case <-ctx.Done():
		t.Fatal("resolve did not fail before context timeout")
	}

	c.mu.Lock()
	_, exists := c.entries[peerIP]
	c.mu.Unlock()
	if exists {
		t.Fatal("expected entry to be removed once retries are exhausted")
	}
}

func TestCacheStaleResolveSendsSingleUnicastRefresh(t *testing.T) {
	ourIP := netip.MustParseAddr("192.168.1.1")
	peerIP := netip.MustParseAddr("192.168.1.2")
	peerHW := [6]byte{0xc0, 0xff, 0xee, 0xc0, 0xff, 0xee}

	var mu sync.Mutex
	var sent [][]byte
	tx := func(frame []byte) error {
		mu.Lock()
		sent = append(sent, append([]byte(nil), frame...))
		mu.Unlock()
		return nil
	}
	c := NewCache([6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x00}, ourIP, tx, nil)

	// Fast-forward peerIP straight to a long-idle Resolved entry and let
	// tick demote it, rather than re-deriving TestCacheResolveViaReply's
	// request/reply dance.
	c.mu.Lock()
	c.entries[peerIP] = &entry{state: stateResolved, hwaddr: peerHW, lastSeen: time.Now().Add(-2 * staleAfter)}
	c.mu.Unlock()
	c.tick()

	c.mu.Lock()
	if c.entries[peerIP].state != stateStale {
		c.mu.Unlock()
		t.Fatal("expected entry to be demoted to Stale")
	}
	c.mu.Unlock()

	hw, err := c.Resolve(context.Background(), peerIP)
	if err != nil {
		t.Fatal(err)
	}
	if hw != peerHW {
		t.Fatalf("resolved %x while refreshing, want cached %x to stay usable", hw, peerHW)
	}

	mu.Lock()
	if len(sent) != 1 {
		mu.Unlock()
		t.Fatalf("expected exactly one unicast refresh request, got %d", len(sent))
	}
	refreshFrm, err := NewFrame(sent[0])
	mu.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	if refreshFrm.Operation() != OpRequest {
		t.Fatal("expected the refresh to be an ARP request")
	}
	targetHW, _ := refreshFrm.Target4()
	if *targetHW != peerHW {
		t.Fatal("expected the refresh's target hardware field to carry the known address for unicast addressing")
	}

	// A second Resolve while the refresh is still outstanding must not send
	// a duplicate.
	if _, err := c.Resolve(context.Background(), peerIP); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 1 {
		t.Fatalf("expected refreshing to suppress duplicate unicast refresh requests, got %d sends", len(sent))
	}
}

func TestCacheStaleEntryResendsRefreshUntilEvicted(t *testing.T) {
	ourIP := netip.MustParseAddr("192.168.1.1")
	peerIP := netip.MustParseAddr("192.168.1.2")
	peerHW := [6]byte{0xc0, 0xff, 0xee, 0xc0, 0xff, 0xee}

	var mu sync.Mutex
	var sent [][]byte
	tx := func(frame []byte) error {
		mu.Lock()
		sent = append(sent, append([]byte(nil), frame...))
		mu.Unlock()
		return nil
	}
	c := NewCache([6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x00}, ourIP, tx, nil)

	c.mu.Lock()
	c.entries[peerIP] = &entry{state: stateStale, hwaddr: peerHW, refreshing: true, lastSeen: time.Now()}
	c.mu.Unlock()

	c.tick()
	mu.Lock()
	if len(sent) != 1 {
		mu.Unlock()
		t.Fatalf("expected a refresh resend while still awaiting a reply, got %d sends", len(sent))
	}
	mu.Unlock()

	c.mu.Lock()
	c.entries[peerIP].lastSeen = time.Now().Add(-2 * evictAfter)
	c.mu.Unlock()
	c.tick()

	c.mu.Lock()
	_, exists := c.entries[peerIP]
	c.mu.Unlock()
	if exists {
		t.Fatal("expected a stale entry unseen past evictAfter to be evicted even while refreshing")
	}
}

// waitSent blocks until at least want frames have been recorded in sent, or
// fails the test after one second.
func waitSent(t *testing.T, mu *sync.Mutex, sent *[][]byte, want int) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(*sent)
		mu.Unlock()
		if n >= want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d sent frames, got %d", want, n)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
