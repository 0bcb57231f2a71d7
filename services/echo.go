// Package services holds small reference UDP applications built on top of
// the socket package, demonstrating end-to-end use of the stack.
package services

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"

	"github.com/kdoe/tapstack/socket"
)

// EchoPort is the well-known UDP Echo Protocol port (RFC 862).
const EchoPort = 7

// Echo answers every datagram it receives by sending the same payload back
// to the sender, on the UDP/7 socket it is bound to.
type Echo struct {
	sock   *socket.Socket
	logger *slog.Logger
}

// NewEcho binds an Echo service to addr:EchoPort on mux.
func NewEcho(mux *socket.Multiplexer, addr netip.Addr, logger *slog.Logger) (*Echo, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sock, err := mux.Bind(addr, EchoPort)
	if err != nil {
		return nil, err
	}
	return &Echo{sock: sock, logger: logger}, nil
}

// Run reads datagrams until ctx is done or the socket is closed, sending
// each payload back to its sender.
func (e *Echo) Run(ctx context.Context) error {
	for {
		dg, err := e.sock.Receive(ctx)
		if err != nil {
			if errors.Is(err, socket.ErrSocketClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := e.sock.Send(dg.RemoteIP, dg.RemotePort, dg.Payload); err != nil {
			e.logger.Warn("services: echo reply failed",
				slog.String("dst", dg.RemoteIP.String()), slog.String("err", err.Error()))
		}
	}
}

// Close releases the Echo service's bound socket.
func (e *Echo) Close() error {
	return e.sock.Close()
}
