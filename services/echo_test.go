package services

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/kdoe/tapstack/socket"
)

func TestEchoRepliesWithSamePayload(t *testing.T) {
	var mu sync.Mutex
	var sent []byte
	var sentDst netip.Addr
	var sentPort uint16
	done := make(chan struct{}, 1)

	mux := socket.NewMultiplexer(func(localIP netip.Addr, localPort uint16, dstIP netip.Addr, dstPort uint16, payload []byte) error {
		mu.Lock()
		sent = append([]byte(nil), payload...)
		sentDst, sentPort = dstIP, dstPort
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	echo, err := NewEcho(mux, netip.MustParseAddr("10.0.0.1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go echo.Run(ctx)
	defer echo.Close()

	ok := mux.Deliver(netip.MustParseAddr("10.0.0.1"), EchoPort, socket.Datagram{
		Payload:    []byte("ping"),
		RemoteIP:   netip.MustParseAddr("10.0.0.2"),
		RemotePort: 54321,
	})
	if !ok {
		t.Fatal("expected datagram to be delivered to echo socket")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("echo did not reply in time")
	}

	mu.Lock()
	defer mu.Unlock()
	if string(sent) != "ping" {
		t.Fatalf("echoed payload = %q, want %q", sent, "ping")
	}
	if sentDst != netip.MustParseAddr("10.0.0.2") || sentPort != 54321 {
		t.Fatalf("echoed to %s:%d, want 10.0.0.2:54321", sentDst, sentPort)
	}
}

func TestEchoCloseStopsRun(t *testing.T) {
	mux := socket.NewMultiplexer(nil)
	echo, err := NewEcho(mux, netip.MustParseAddr("10.0.0.1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- echo.Run(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	echo.Close()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned %v, want nil after Close", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}
