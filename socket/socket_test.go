package socket

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"
)

func TestBindSendReceive(t *testing.T) {
	var mu sync.Mutex
	var lastSent Datagram
	tx := func(localIP netip.Addr, localPort uint16, dstIP netip.Addr, dstPort uint16, payload []byte) error {
		mu.Lock()
		lastSent = Datagram{Payload: append([]byte(nil), payload...), RemoteIP: dstIP, RemotePort: dstPort}
		mu.Unlock()
		return nil
	}
	mux := NewMultiplexer(tx)
	sock, err := mux.Bind(netip.MustParseAddr("10.0.0.1"), 7)
	if err != nil {
		t.Fatal(err)
	}
	defer sock.Close()

	if err := sock.Send(netip.MustParseAddr("10.0.0.2"), 9000, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	got := lastSent
	mu.Unlock()
	if string(got.Payload) != "hi" || got.RemotePort != 9000 {
		t.Fatalf("unexpected send: %+v", got)
	}

	ok := mux.Deliver(netip.MustParseAddr("10.0.0.1"), 7, Datagram{Payload: []byte("world"), RemoteIP: netip.MustParseAddr("10.0.0.2"), RemotePort: 9000})
	if !ok {
		t.Fatal("expected delivery to succeed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	dg, err := sock.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(dg.Payload) != "world" {
		t.Fatalf("got payload %q, want %q", dg.Payload, "world")
	}
}

func TestWildcardFallback(t *testing.T) {
	mux := NewMultiplexer(nil)
	sock, err := mux.Bind(netip.IPv4Unspecified(), 68)
	if err != nil {
		t.Fatal(err)
	}
	defer sock.Close()

	ok := mux.Deliver(netip.MustParseAddr("192.168.1.5"), 68, Datagram{Payload: []byte("lease")})
	if !ok {
		t.Fatal("expected wildcard-bound socket to receive datagram addressed elsewhere")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	dg, err := sock.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(dg.Payload) != "lease" {
		t.Fatal("wrong payload delivered via wildcard binding")
	}
}

func TestBindDuplicatePortFails(t *testing.T) {
	mux := NewMultiplexer(nil)
	addr := netip.MustParseAddr("10.0.0.1")
	s1, err := mux.Bind(addr, 53)
	if err != nil {
		t.Fatal(err)
	}
	defer s1.Close()
	_, err = mux.Bind(addr, 53)
	if err != ErrPortInUse {
		t.Fatalf("expected ErrPortInUse, got %v", err)
	}
}

func TestCloseUnblocksReceive(t *testing.T) {
	mux := NewMultiplexer(nil)
	sock, err := mux.Bind(netip.MustParseAddr("10.0.0.1"), 12345)
	if err != nil {
		t.Fatal(err)
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := sock.Receive(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	sock.Close()
	select {
	case err := <-errCh:
		if err != ErrSocketClosed {
			t.Fatalf("expected ErrSocketClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not unblock after Close")
	}
}

func TestUnreachableSurfacesToReceive(t *testing.T) {
	mux := NewMultiplexer(nil)
	sock, err := mux.Bind(netip.MustParseAddr("10.0.0.1"), 5353)
	if err != nil {
		t.Fatal(err)
	}
	defer sock.Close()

	remote := netip.MustParseAddr("10.0.0.9")
	if !mux.Unreachable(netip.MustParseAddr("10.0.0.1"), 5353, remote, 53, UnreachablePort) {
		t.Fatal("expected Unreachable to find the bound socket")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = sock.Receive(ctx)
	var unreach Unreachable
	if !errors.As(err, &unreach) {
		t.Fatalf("expected Unreachable error, got %v", err)
	}
	if unreach.Kind != UnreachablePort || unreach.RemoteIP != remote || unreach.RemotePort != 53 {
		t.Fatalf("unexpected unreachable details: %+v", unreach)
	}

	// A surfaced error is consumed exactly once; the socket resumes waiting
	// on datagrams/closure afterward.
	mux.Deliver(netip.MustParseAddr("10.0.0.1"), 5353, Datagram{Payload: []byte("ok")})
	dg, err := sock.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(dg.Payload) != "ok" {
		t.Fatalf("got payload %q after consuming unreachable error, want %q", dg.Payload, "ok")
	}
}

func TestUnreachableNoMatchingSocket(t *testing.T) {
	mux := NewMultiplexer(nil)
	if mux.Unreachable(netip.MustParseAddr("10.0.0.1"), 5353, netip.MustParseAddr("10.0.0.9"), 53, UnreachableHost) {
		t.Fatal("expected Unreachable to report no match for an unbound local address/port")
	}
}

func TestRxQueueDropsOldestWhenFull(t *testing.T) {
	mux := NewMultiplexer(nil)
	sock, err := mux.Bind(netip.MustParseAddr("10.0.0.1"), 1111)
	if err != nil {
		t.Fatal(err)
	}
	defer sock.Close()
	for i := 0; i < rxQueueCapacity+10; i++ {
		mux.Deliver(netip.MustParseAddr("10.0.0.1"), 1111, Datagram{Payload: []byte{byte(i)}})
	}
	sock.mu.Lock()
	n := len(sock.queue)
	first := sock.queue[0].Payload[0]
	sock.mu.Unlock()
	if n != rxQueueCapacity {
		t.Fatalf("queue length = %d, want %d", n, rxQueueCapacity)
	}
	if first != 10 {
		t.Fatalf("oldest retained entry = %d, want 10 (first 10 dropped)", first)
	}
}
