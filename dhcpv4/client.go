package dhcpv4

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/bits"
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kdoe/tapstack/socket"
)

const (
	packetBufSize    = 576
	exchangeTimeout  = 2 * time.Second
	exchangeAttempts = 4
)

var broadcastIP = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// RequestConfig parameterizes a lease request.
type RequestConfig struct {
	RequestedAddr      [4]byte
	ClientHardwareAddr [6]byte
	// Hostname, if set, is sent via OptHostName.
	Hostname string
	// ClientID, if empty, defaults to ClientHardwareAddr.
	ClientID string
}

// Lease is the configuration handed back by a successful Client.Lease call.
type Lease struct {
	Address       netip.Prefix
	Gateway       netip.Addr
	Server        netip.Addr
	DNS           []netip.Addr
	NTP           []netip.Addr
	LeaseTime     time.Duration
	RenewalTime   time.Duration
	RebindingTime time.Duration
}

type addr4 struct {
	addr  [4]byte
	valid bool
}

func (a *addr4) unpack() (netip.Addr, bool) {
	if !a.valid {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4(a.addr), true
}

func (a *addr4) setmaybe(data []byte) {
	if len(data) == 4 {
		a.set4([4]byte(data[:4]))
	}
}

func (a *addr4) set4(addr [4]byte) {
	a.valid = true
	a.addr = addr
}

// Client drives a single Discover->Offer->Request->Ack exchange over a UDP
// socket bound to the client port, blocking the calling goroutine for the
// duration of the lease negotiation. Unlike the teacher's original
// poll-driven state machine (Encapsulate/Demux called repeatedly by an
// external stack loop), framing is delegated entirely to the socket: the
// Client only ever sees and builds raw DHCP payloads.
type Client struct {
	sock     *socket.Socket
	logger   *slog.Logger
	clientID []byte
	hostname string
	mac      [6]byte

	xid    uint32
	offer  addr4
	svip   addr4
	siip   addr4
	router addr4
	subnet addr4
	broadcast addr4
	gateway  addr4
	dns      []netip.Addr
	ntps     []netip.Addr
	tRenew, tRebind, tIPLease uint32
}

// NewClient constructs a Client that sends/receives DHCP messages over
// sock, which callers must have bound to (0.0.0.0, DefaultClientPort).
func NewClient(sock *socket.Socket, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{sock: sock, logger: logger}
}

// Lease runs the full Discover/Offer/Request/Ack exchange, retrying each
// step with a constant backoff, and returns the negotiated configuration.
// It blocks until a lease is obtained, ctx is done, or the server NAKs the
// request.
func (c *Client) Lease(ctx context.Context, cfg RequestConfig) (Lease, error) {
	if len(cfg.Hostname) > 36 {
		return Lease{}, errors.New("dhcpv4: requested hostname too long")
	}
	c.mac = cfg.ClientHardwareAddr
	c.hostname = cfg.Hostname
	if cfg.ClientID != "" {
		c.clientID = []byte(cfg.ClientID)
	} else {
		c.clientID = append([]byte(nil), c.mac[:]...)
	}
	c.xid = rand.Uint32()
	if c.xid == 0 {
		c.xid = 1
	}

	c.logger.Info("dhcpv4: starting discover", slog.Uint64("xid", uint64(c.xid)))
	offer, err := c.exchange(ctx, func(buf []byte) (int, error) {
		return c.buildDiscover(buf, cfg)
	}, func(mt MessageType) bool { return mt == MsgOffer })
	if err != nil {
		return Lease{}, fmt.Errorf("dhcpv4: discover: %w", err)
	}
	c.applyOffer(offer)

	c.logger.Info("dhcpv4: requesting offer", slog.String("addr", netip.AddrFrom4(c.offer.addr).String()))
	ack, err := c.exchange(ctx, c.buildRequest, func(mt MessageType) bool { return mt == MsgAck })
	if err != nil {
		return Lease{}, fmt.Errorf("dhcpv4: request: %w", err)
	}
	if err := c.applyOptions(ack); err != nil {
		return Lease{}, fmt.Errorf("dhcpv4: parsing ack options: %w", err)
	}

	cidrBits := c.subnetCIDRBits()
	addr := netip.PrefixFrom(netip.AddrFrom4(c.offer.addr), int(cidrBits))
	if !addr.IsValid() {
		return Lease{}, errors.New("dhcpv4: invalid subnet mask")
	}
	gw, _ := c.gateway.unpack()
	if !gw.IsValid() || gw.IsUnspecified() {
		gw, _ = c.router.unpack()
	}
	srv, _ := c.svip.unpack()
	lease := Lease{
		Address:       addr,
		Gateway:       gw,
		Server:        srv,
		DNS:           append([]netip.Addr(nil), c.dns...),
		NTP:           append([]netip.Addr(nil), c.ntps...),
		LeaseTime:     time.Duration(c.tIPLease) * time.Second,
		RenewalTime:   time.Duration(c.tRenew) * time.Second,
		RebindingTime: time.Duration(c.tRebind) * time.Second,
	}
	c.logger.Info("dhcpv4: lease acquired", slog.String("addr", lease.Address.String()),
		slog.String("gateway", lease.Gateway.String()))
	return lease, nil
}

// exchange sends the packet built by build and retries with a constant
// backoff (bounded at exchangeAttempts tries) until a reply accepted by
// accept arrives, a NAK is received, or ctx is done.
func (c *Client) exchange(ctx context.Context, build func([]byte) (int, error), accept func(MessageType) bool) (Frame, error) {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(exchangeTimeout), exchangeAttempts-1), ctx)
	var result Frame
	err := backoff.Retry(func() error {
		buf := make([]byte, packetBufSize)
		n, err := build(buf)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := c.sock.Send(broadcastIP, DefaultServerPort, buf[:n]); err != nil {
			return backoff.Permanent(fmt.Errorf("send: %w", err))
		}

		rctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
		defer cancel()
		dg, err := c.sock.Receive(rctx)
		if err != nil {
			return fmt.Errorf("awaiting reply: %w", err)
		}
		frm, err := NewFrame(dg.Payload)
		if err != nil {
			return fmt.Errorf("malformed reply: %w", err)
		}
		if frm.XID() != c.xid || frm.MagicCookie() != MagicCookie {
			return errors.New("stray reply, ignoring")
		}
		mt := c.messageType(frm)
		if mt == MsgNack {
			return backoff.Permanent(errors.New("server sent NAK"))
		}
		if !accept(mt) {
			return fmt.Errorf("unexpected message type %d", mt)
		}
		result = frm
		return nil
	}, bo)
	if err != nil {
		return Frame{}, err
	}
	return result, nil
}

func (c *Client) buildDiscover(buf []byte, cfg RequestConfig) (int, error) {
	frm, err := NewFrame(buf)
	if err != nil {
		return 0, err
	}
	c.setHeader(frm, [4]byte{})
	opts := frm.OptionsPayload()
	if len(opts) < 64 {
		return 0, errors.New("buffer too short for options")
	}
	n := 0
	w, _ := EncodeOption(opts[n:], OptMessageType, byte(MsgDiscover))
	n += w
	w, _ = EncodeOption(opts[n:], OptParameterRequestList, defaultParamReqList...)
	n += w
	maxlen := len(buf)
	if maxlen > math.MaxUint16 {
		maxlen = math.MaxUint16
	}
	w, _ = EncodeOption16(opts[n:], OptMaximumMessageSize, uint16(maxlen))
	n += w
	if cfg.RequestedAddr != ([4]byte{}) {
		w, _ = EncodeOption(opts[n:], OptRequestedIPaddress, cfg.RequestedAddr[:]...)
		n += w
	}
	n += c.encodeTrailer(opts[n:])
	return OptionsOffset + n, nil
}

func (c *Client) buildRequest(buf []byte) (int, error) {
	frm, err := NewFrame(buf)
	if err != nil {
		return 0, err
	}
	c.setHeader(frm, c.offer.addr)
	opts := frm.OptionsPayload()
	if len(opts) < 64 {
		return 0, errors.New("buffer too short for options")
	}
	n := 0
	w, _ := EncodeOption(opts[n:], OptMessageType, byte(MsgRequest))
	n += w
	w, _ = EncodeOption(opts[n:], OptRequestedIPaddress, c.offer.addr[:]...)
	n += w
	w, _ = EncodeOption(opts[n:], OptServerIdentification, c.svip.addr[:]...)
	n += w
	n += c.encodeTrailer(opts[n:])
	return OptionsOffset + n, nil
}

func (c *Client) encodeTrailer(opts []byte) int {
	n := 0
	w, _ := EncodeOption(opts[n:], OptClientIdentifier, c.clientID...)
	n += w
	if len(c.hostname) > 0 {
		w, _ := EncodeOptionString(opts[n:], OptHostName, c.hostname)
		n += w
	}
	opts[n] = byte(OptEnd)
	n++
	return n
}

func (c *Client) setHeader(frm Frame, ciaddr [4]byte) {
	frm.ClearHeader()
	frm.SetOp(OpRequest)
	frm.SetXID(c.xid)
	frm.SetHardware(1, 6, 0)
	frm.SetSecs(1)
	frm.SetFlags(FlagBroadcast)
	*frm.CIAddr() = ciaddr
	copy(frm.CHAddrAs6()[:], c.mac[:])
	frm.SetMagicCookie(MagicCookie)
}

func (c *Client) messageType(frm Frame) MessageType {
	var mt MessageType
	frm.ForEachOption(func(opt OptNum, data []byte) error {
		if opt == OptMessageType && len(data) == 1 {
			mt = MessageType(data[0])
			return io.EOF
		}
		return nil
	})
	return mt
}

func (c *Client) applyOffer(frm Frame) {
	c.gateway.set4(*frm.GIAddr())
	c.offer.set4(*frm.YIAddr())
	c.siip.set4(*frm.SIAddr())
	c.applyOptions(frm)
}

func (c *Client) applyOptions(frm Frame) error {
	return frm.ForEachOption(func(opt OptNum, data []byte) error {
		switch opt {
		case OptRenewTimeValue:
			c.tRenew = maybeU32(data)
		case OptIPAddressLeaseTime:
			c.tIPLease = maybeU32(data)
		case OptRebindingTimeValue:
			c.tRebind = maybeU32(data)
		case OptServerIdentification:
			c.svip.setmaybe(data)
		case OptRouter:
			c.router.setmaybe(data)
		case OptBroadcastAddress:
			c.broadcast.setmaybe(data)
		case OptSubnetMask:
			c.subnet.setmaybe(data)
		case OptDNSServers:
			if len(c.dns) > 0 || len(data)%4 != 0 {
				return nil
			}
			for i := 0; i < len(data); i += 4 {
				c.dns = append(c.dns, netip.AddrFrom4([4]byte(data[i:i+4])))
			}
		case OptNTPServersAddresses:
			if len(c.ntps) > 0 || len(data)%4 != 0 {
				return nil
			}
			for i := 0; i < len(data); i += 4 {
				c.ntps = append(c.ntps, netip.AddrFrom4([4]byte(data[i:i+4])))
			}
		}
		return nil
	})
}

func (c *Client) subnetCIDRBits() uint8 {
	if !c.subnet.valid {
		return 24
	}
	v := binary.BigEndian.Uint32(c.subnet.addr[:])
	return 32 - uint8(bits.TrailingZeros32(v))
}

var defaultParamReqList = []byte{
	byte(OptSubnetMask),
	byte(OptTimeOffset),
	byte(OptRouter),
	byte(OptInterfaceMTUSize),
	byte(OptBroadcastAddress),
	byte(OptDNSServers),
	byte(OptDomainName),
	byte(OptNTPServersAddresses),
}

func maybeU32(b []byte) uint32 {
	if len(b) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
