// Command tapstack runs a userspace TCP/IP host over a Linux tap device:
// Ethernet framing, ARP resolution, IPv4, ICMPv4 and UDP sockets, with an
// optional DHCPv4 client supplying the interface address when none is
// configured statically.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/kdoe/tapstack/arp"
	"github.com/kdoe/tapstack/dhcpv4"
	"github.com/kdoe/tapstack/internal"
	"github.com/kdoe/tapstack/internal/config"
	"github.com/kdoe/tapstack/internal/metrics"
	"github.com/kdoe/tapstack/services"
	"github.com/kdoe/tapstack/socket"
	"github.com/kdoe/tapstack/stack"
)

// tapReadBufSize is the size of the buffer tap reads are copied into before
// being handed to the ring buffer, sized for the largest frame the ring
// accepts (see stack.maxFrameSize).
const tapReadBufSize = 1518

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return 1
	}

	level := new(slog.LevelVar)
	level.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	logger.Info("tapstack starting",
		slog.String("interface", cfg.InterfaceName),
		slog.String("metrics_addr", cfg.Metrics.Addr))

	if err := serve(cfg, logger); err != nil {
		logger.Error("tapstack exited with error", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("tapstack stopped")
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.DefaultConfig(), nil
}

// serve brings up the tap device, wires the packet path together and runs
// it until a termination signal arrives.
func serve(cfg *config.Config, logger *slog.Logger) error {
	tap, err := internal.NewTap(cfg.InterfaceName, netip.Prefix{})
	if err != nil {
		return fmt.Errorf("open tap device %s: %w", cfg.InterfaceName, err)
	}
	defer tap.Close()

	if err := bringLinkUp(cfg.InterfaceName); err != nil {
		return fmt.Errorf("bring up %s: %w", cfg.InterfaceName, err)
	}

	hwAddr, err := resolveHardwareAddr(cfg, tap)
	if err != nil {
		return fmt.Errorf("resolve hardware address: %w", err)
	}

	routing := stack.NewRoutingState(hwAddr)
	var staticAddr netip.Prefix
	if len(cfg.Addresses) > 0 {
		staticAddr, err = netip.ParsePrefix(cfg.Addresses[0])
		if err != nil {
			return fmt.Errorf("parse configured address %q: %w", cfg.Addresses[0], err)
		}
		routing.SetAddress(staticAddr)
	}

	h := stack.NewHandler(routing, nil, nil, logger)
	cacheIP := netip.IPv4Unspecified()
	if staticAddr.IsValid() {
		cacheIP = staticAddr.Addr()
	}
	cache := arp.NewCache(hwAddr, cacheIP, h.SendARP, logger)
	mux := socket.NewMultiplexer(h.SendUDP)
	h.ArpCache = cache
	h.Sockets = mux

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return tapReadLoop(gCtx, tap, h, logger) })
	g.Go(func() error { return tapWriteLoop(gCtx, tap, h, logger) })
	g.Go(func() error { return h.Run(gCtx) })
	g.Go(func() error { return cache.Run(gCtx) })
	g.Go(func() error { return serveMetrics(gCtx, cfg.Metrics) })

	if !staticAddr.IsValid() {
		if err := acquireLease(gCtx, cfg, mux, hwAddr, routing, cache, logger); err != nil {
			return fmt.Errorf("dhcp lease: %w", err)
		}
	}

	echo, err := services.NewEcho(mux, routingAddr(routing), logger)
	if err != nil {
		return fmt.Errorf("start echo service: %w", err)
	}
	defer echo.Close()
	g.Go(func() error { return echo.Run(gCtx) })

	err = g.Wait()
	if ctx.Err() != nil {
		// Shutdown was signal-initiated: goroutines returning ctx.Err()
		// on the way out are expected, not a failure.
		return nil
	}
	return err
}

// routingAddr returns the host's current address, or the unspecified
// address if none is configured (the echo service then answers on every
// address via the multiplexer's wildcard fallback).
func routingAddr(routing *stack.RoutingState) netip.Addr {
	if addr, ok := routing.Address(); ok {
		return addr.Addr()
	}
	return netip.IPv4Unspecified()
}

// resolveHardwareAddr returns the MAC address to run the stack with:
// the configured one if set, otherwise the tap device's own, as assigned
// by the kernel when the interface was created.
func resolveHardwareAddr(cfg *config.Config, tap *internal.Tap) ([6]byte, error) {
	if cfg.MACAddress != "" {
		return config.ParseMAC(cfg.MACAddress)
	}
	return tap.HardwareAddress6()
}

// bringLinkUp brings the tap interface up via the "ip" command, mirroring
// the way internal.NewTap configures a static address when one is given --
// here there may be none yet (DHCP supplies it later), but the link still
// needs to be up to exchange frames at all.
func bringLinkUp(name string) error {
	return exec.Command("ip", "link", "set", "dev", name, "up").Run()
}

// tapReadLoop copies frames from the tap device into the handler's Rx ring
// until ctx is done.
func tapReadLoop(ctx context.Context, tap *internal.Tap, h *stack.Handler, logger *slog.Logger) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		buf := stack.GetFrameBuffer()
		n, err := tap.Read((*buf)[:tapReadBufSize])
		if err != nil {
			stack.PutFrameBuffer(buf)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("tap read: %w", err)
		}
		if !h.Rx.TryPush(stack.Frame{Buf: buf, N: n}) {
			logger.Warn("tapstack: dropped inbound frame, rx ring full")
			stack.PutFrameBuffer(buf)
		}
	}
}

// tapWriteLoop writes frames popped off the handler's Tx ring to the tap
// device until ctx is done.
func tapWriteLoop(ctx context.Context, tap *internal.Tap, h *stack.Handler, logger *slog.Logger) error {
	for {
		f, err := h.Tx.Pop(ctx)
		if err != nil {
			return err
		}
		_, err = tap.Write(f.Bytes())
		f.Release()
		if err != nil {
			logger.Error("tapstack: tap write failed", slog.String("err", err.Error()))
		}
	}
}

// serveMetrics exposes the Prometheus metrics endpoint until ctx is done.
func serveMetrics(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	}
}

// dhcpClientTimeout bounds how long startup waits for a DHCP lease before
// giving up.
const dhcpClientTimeout = 30 * time.Second

// acquireLease binds the DHCP client port, negotiates a lease, and applies
// the result to routing and the ARP cache.
func acquireLease(ctx context.Context, cfg *config.Config, mux *socket.Multiplexer, hwAddr [6]byte, routing *stack.RoutingState, cache *arp.Cache, logger *slog.Logger) error {
	sock, err := mux.Bind(netip.IPv4Unspecified(), dhcpv4.DefaultClientPort)
	if err != nil {
		return fmt.Errorf("bind dhcp client port: %w", err)
	}
	defer sock.Close()

	client := dhcpv4.NewClient(sock, logger)
	leaseCtx, cancel := context.WithTimeout(ctx, dhcpClientTimeout)
	defer cancel()

	lease, err := client.Lease(leaseCtx, dhcpv4.RequestConfig{
		ClientHardwareAddr: hwAddr,
		Hostname:           cfg.DHCP.Hostname,
	})
	if err != nil {
		return err
	}

	routing.SetAddress(lease.Address)
	if lease.Gateway.IsValid() {
		routing.SetGateway(lease.Gateway)
	}
	cache.SetOurIP(lease.Address.Addr())
	metrics.DhcpLeaseState.WithLabelValues(cfg.InterfaceName).Set(1)

	logger.Info("tapstack: dhcp lease applied",
		slog.String("address", lease.Address.String()),
		slog.String("gateway", lease.Gateway.String()),
		slog.Duration("lease_time", lease.LeaseTime))
	return nil
}
