package stack

import (
	"context"
	"encoding/binary"
	"log/slog"
	"net/netip"

	"github.com/kdoe/tapstack"
	"github.com/kdoe/tapstack/arp"
	"github.com/kdoe/tapstack/ethernet"
	"github.com/kdoe/tapstack/internal/metrics"
	"github.com/kdoe/tapstack/ipv4"
	"github.com/kdoe/tapstack/ipv4/icmpv4"
	"github.com/kdoe/tapstack/socket"
	"github.com/kdoe/tapstack/udp"
)

// ipv4BroadcastAddr is the limited broadcast address (255.255.255.255):
// datagrams addressed to it (DHCP discover/request before a lease is held)
// go out to the Ethernet broadcast address directly, without ARP
// resolution -- there is no host to resolve.
var ipv4BroadcastAddr = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// Handler is the packet handler at the center of the stack: it owns the
// RX/TX rings, the ARP cache and the UDP socket multiplexer, and drives the
// demultiplexing of inbound frames to the right protocol layer and the
// construction of outbound ones.
type Handler struct {
	Routing *RoutingState
	ArpCache *arp.Cache
	Sockets *socket.Multiplexer
	Rx      *Ring
	Tx      *Ring
	Logger  *slog.Logger
}

// NewHandler wires rx/tx rings, arp cache and socket multiplexer into a
// Handler; the rings are created here. ArpCache's tx func and Sockets' tx
// func are typically Handler.SendARP and Handler.SendUDP respectively, so
// callers construct the Handler first with a nil cache and multiplexer, then
// build ArpCache/Multiplexer from its methods and assign them.
func NewHandler(routing *RoutingState, cache *arp.Cache, mux *socket.Multiplexer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Routing: routing,
		ArpCache: cache,
		Sockets: mux,
		Rx:      NewRing("rx"),
		Tx:      NewRing("tx"),
		Logger:  logger,
	}
}

// Run reads inbound frames off Rx until ctx is done, dispatching each to
// handleInbound. This is the single goroutine that owns the demultiplexing
// path; TX is driven independently by whatever emits into Tx (ArpCache,
// ICMP echo replies, UDP sends, the DHCP client).
func (h *Handler) Run(ctx context.Context) error {
	for {
		f, err := h.Rx.Pop(ctx)
		if err != nil {
			return err
		}
		h.handleInbound(f)
		f.Release()
	}
}

// handleInbound demultiplexes a single Ethernet frame read from the tap
// device.
func (h *Handler) handleInbound(f Frame) {
	data := f.Bytes()
	efrm, err := ethernet.NewFrame(data)
	if err != nil {
		h.Logger.Debug("stack: dropped short ethernet frame", slog.Int("len", len(data)))
		return
	}
	var vld tapstack.Validator
	efrm.ValidateSize(&vld)
	if vld.HasError() {
		h.Logger.Debug("stack: dropped invalid ethernet frame", slog.String("err", vld.Err().Error()))
		return
	}

	switch efrm.EtherTypeOrSize() {
	case ethernet.TypeARP:
		h.handleARP(efrm.Payload())
	case ethernet.TypeIPv4:
		h.handleIPv4(efrm.Payload())
	default:
		h.Logger.Debug("stack: dropped frame with unhandled ethertype", slog.Any("ethertype", efrm.EtherTypeOrSize()))
	}
}

func (h *Handler) handleARP(payload []byte) {
	afrm, err := arp.NewFrame(payload)
	if err != nil {
		h.Logger.Debug("stack: dropped short arp packet", slog.String("err", err.Error()))
		return
	}
	if err := h.ArpCache.HandleFrame(afrm); err != nil {
		h.Logger.Debug("stack: arp handling failed", slog.String("err", err.Error()))
	}
}

func (h *Handler) handleIPv4(payload []byte) {
	ifrm, err := ipv4.NewFrame(payload)
	if err != nil {
		h.Logger.Debug("stack: dropped short ipv4 packet", slog.String("err", err.Error()))
		return
	}
	var vld tapstack.Validator
	ifrm.ValidateExceptCRC(&vld)
	if vld.HasError() {
		h.Logger.Debug("stack: dropped invalid ipv4 packet", slog.String("err", vld.Err().Error()))
		return
	}
	clipped, _ := ipv4.NewFrame(payload[:ifrm.TotalLength()])
	var hdrSum tapstack.CRC791
	if hl := clipped.HeaderLength(); hl > len(clipped.RawData()) || hdrSum.PayloadSum16(clipped.RawData()[:hl]) != 0 {
		h.Logger.Debug("stack: dropped ipv4 packet with bad header checksum")
		return
	}
	dst := netip.AddrFrom4(*clipped.DestinationAddr())
	if !h.acceptsDestination(dst) {
		h.Logger.Debug("stack: dropped ipv4 packet not addressed to this host", slog.String("dst", dst.String()))
		return
	}
	switch clipped.Protocol() {
	case tapstack.IPProtoICMP:
		h.handleICMP(clipped)
	case tapstack.IPProtoUDP:
		h.handleUDP(clipped)
	case tapstack.IPProtoTCP:
		// TCP is not implemented by this stack; acknowledged and
		// dropped rather than silently ignored so operators can see
		// it in logs.
		h.Logger.Debug("stack: dropped TCP segment, protocol not implemented",
			slog.String("src", netip.AddrFrom4(*clipped.SourceAddr()).String()))
	default:
		h.Logger.Debug("stack: dropped ipv4 packet with unhandled protocol", slog.Any("proto", clipped.Protocol()))
	}
}

// acceptsDestination reports whether dst is a destination this host
// answers: its own configured address, the subnet's directed broadcast, or
// the IPv4 limited broadcast. Multicast is never accepted -- this stack
// joins no multicast groups, so "broadcast/multicast for a known group"
// collapses to "no known groups".
func (h *Handler) acceptsDestination(dst netip.Addr) bool {
	if dst == ipv4BroadcastAddr {
		return true
	}
	if addr, ok := h.Routing.Address(); ok {
		if dst == addr.Addr() || dst == subnetBroadcastAddr(addr) {
			return true
		}
	}
	return false
}

// isMulticast reports whether addr falls in the IPv4 multicast range
// 224.0.0.0/4 (class D).
func isMulticast(addr netip.Addr) bool {
	return addr.Is4() && addr.As4()[0]&0xf0 == 0xe0
}

// subnetBroadcastAddr returns the directed broadcast address of prefix,
// e.g. 192.168.1.255 for 192.168.1.0/24. Returns the zero Addr if prefix is
// invalid.
func subnetBroadcastAddr(prefix netip.Prefix) netip.Addr {
	if !prefix.IsValid() {
		return netip.Addr{}
	}
	base := prefix.Masked().Addr().As4()
	hostBits := 32 - prefix.Bits()
	if hostBits <= 0 {
		return netip.AddrFrom4(base)
	}
	var mask uint32 = 1<<uint(hostBits) - 1
	v := binary.BigEndian.Uint32(base[:]) | mask
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], v)
	return netip.AddrFrom4(out)
}

// isUnreachableSourceOrDest reports whether the offending datagram that
// triggered a would-be port-unreachable reply had a broadcast or multicast
// source or destination -- replying to either would be answering a
// broadcast with a unicast ICMP error (or worse, participating in a
// reflection storm against a spoofed multicast/broadcast source), so the
// reply must be suppressed rather than sent.
func (h *Handler) isUnreachableSourceOrDest(src, dst netip.Addr) bool {
	if isMulticast(src) || isMulticast(dst) {
		return true
	}
	if dst == ipv4BroadcastAddr || src == ipv4BroadcastAddr {
		return true
	}
	if addr, ok := h.Routing.Address(); ok {
		if b := subnetBroadcastAddr(addr); dst == b || src == b {
			return true
		}
	}
	return false
}

func (h *Handler) handleICMP(ifrm ipv4.Frame) {
	base, err := icmpv4.NewFrame(ifrm.Payload())
	if err != nil {
		h.Logger.Debug("stack: dropped short icmp packet", slog.String("err", err.Error()))
		return
	}
	if !base.VerifyChecksum() {
		h.Logger.Debug("stack: dropped icmp packet with bad checksum")
		return
	}
	switch kind := base.Kind().(type) {
	case icmpv4.FrameEcho:
		if kind.Type() != icmpv4.TypeEcho {
			return // echo reply to our own requests; nothing to do yet (no ping client).
		}
		h.replyEcho(ifrm, kind)
	case icmpv4.FrameDestinationUnreachable:
		h.handleDestinationUnreachable(kind)
	default:
		h.Logger.Debug("stack: dropped unhandled icmp message", slog.Any("type", base.Type()))
	}
}

// handleDestinationUnreachable surfaces an inbound ICMP Destination
// Unreachable to whichever bound UDP socket sent the datagram quoted in the
// message, identified by parsing the quoted IPv4+UDP headers back into a
// 5-tuple.
func (h *Handler) handleDestinationUnreachable(frm icmpv4.FrameDestinationUnreachable) {
	quoted := frm.OriginalDatagram()
	qfrm, err := ipv4.NewFrame(quoted)
	if err != nil {
		h.Logger.Debug("stack: dropped icmp unreachable with short quoted datagram", slog.String("err", err.Error()))
		return
	}
	hdrLen := qfrm.HeaderLength()
	if hdrLen <= 0 || len(quoted) < hdrLen+4 {
		h.Logger.Debug("stack: dropped icmp unreachable, quoted datagram too short to identify flow")
		return
	}
	if qfrm.Protocol() != tapstack.IPProtoUDP {
		return // only UDP sockets await a reply on a quoted 5-tuple
	}
	udpHdr := quoted[hdrLen:]
	localIP := netip.AddrFrom4(*qfrm.SourceAddr())
	localPort := binary.BigEndian.Uint16(udpHdr[0:2])
	remoteIP := netip.AddrFrom4(*qfrm.DestinationAddr())
	remotePort := binary.BigEndian.Uint16(udpHdr[2:4])

	kind := socket.UnreachableHost
	switch icmpv4.CodeDestinationUnreachable(frm.Code()) {
	case icmpv4.CodeNetUnreachable:
		kind = socket.UnreachableNet
	case icmpv4.CodePortUnreachable:
		kind = socket.UnreachablePort
	}
	if !h.Sockets.Unreachable(localIP, localPort, remoteIP, remotePort, kind) {
		h.Logger.Debug("stack: icmp unreachable quoted a datagram with no bound socket, dropped",
			slog.String("local", localIP.String()), slog.Uint64("port", uint64(localPort)))
	}
}

func (h *Handler) replyEcho(reqIP ipv4.Frame, req icmpv4.FrameEcho) {
	src := *reqIP.SourceAddr()
	replyLen := len(req.RawData())
	buf := make([]byte, 20+replyLen)
	out, _ := ipv4.NewFrame(buf)
	out.SetVersionAndIHL(4, 5)
	out.SetTotalLength(uint16(len(buf)))
	out.SetTTL(64)
	out.SetProtocol(tapstack.IPProtoICMP)
	addr, ok := h.Routing.Address()
	if !ok {
		h.Logger.Debug("stack: cannot reply to echo request, no address configured yet")
		return
	}
	*out.SourceAddr() = addr.Addr().As4()
	*out.DestinationAddr() = src
	out.SetCRC(0)
	out.SetCRC(out.CalculateHeaderCRC())

	reply, _ := icmpv4.NewFrame(out.Payload())
	copy(reply.RawData(), req.RawData())
	reply.SetType(icmpv4.TypeEchoReply)
	reply.SetCRC(0)
	reply.SetCRC(reply.CalculateChecksum())

	if err := h.SendIPv4(netip.AddrFrom4(src), buf); err != nil {
		h.Logger.Error("stack: failed to send echo reply", slog.String("err", err.Error()))
		return
	}
	metrics.IcmpEchoRepliesSent.Inc()
}

func (h *Handler) handleUDP(ifrm ipv4.Frame) {
	ufrm, err := udp.NewFrame(ifrm.Payload())
	if err != nil {
		h.Logger.Debug("stack: dropped short udp packet", slog.String("err", err.Error()))
		return
	}
	var vld tapstack.Validator
	ufrm.ValidateSize(&vld)
	if vld.HasError() {
		h.Logger.Debug("stack: dropped invalid udp packet", slog.String("err", vld.Err().Error()))
		return
	}
	if !ufrm.VerifyIPv4Checksum(ifrm) {
		h.Logger.Debug("stack: dropped udp packet with bad checksum")
		return
	}
	dst := netip.AddrFrom4(*ifrm.DestinationAddr())
	src := netip.AddrFrom4(*ifrm.SourceAddr())
	dg := socket.Datagram{
		Payload:    append([]byte(nil), ufrm.Payload()...),
		RemoteIP:   src,
		RemotePort: ufrm.SourcePort(),
	}
	if !h.Sockets.Deliver(dst, ufrm.DestinationPort(), dg) {
		h.Logger.Debug("stack: no socket bound for udp datagram, dropped",
			slog.Uint64("port", uint64(ufrm.DestinationPort())))
		if h.isUnreachableSourceOrDest(src, dst) {
			return
		}
		h.sendPortUnreachable(ifrm, src.As4())
	}
}

// sendPortUnreachable replies to src with an ICMP Destination Unreachable
// (port unreachable), embedding the offending IPv4 datagram as required by
// RFC 792.
func (h *Handler) sendPortUnreachable(offending ipv4.Frame, src [4]byte) {
	addr, ok := h.Routing.Address()
	if !ok {
		return
	}
	orig := offending.RawData()
	embedLen := len(orig)
	if embedLen > 520-8 {
		embedLen = 520 - 8
	}
	buf := make([]byte, 20+8+embedLen)
	out, _ := ipv4.NewFrame(buf)
	out.SetVersionAndIHL(4, 5)
	out.SetTotalLength(uint16(len(buf)))
	out.SetTTL(64)
	out.SetProtocol(tapstack.IPProtoICMP)
	*out.SourceAddr() = addr.Addr().As4()
	*out.DestinationAddr() = src

	reply, _ := icmpv4.NewFrame(out.Payload())
	reply.SetType(icmpv4.TypeDestinationUnreachable)
	unreach := icmpv4.FrameDestinationUnreachable{Frame: reply}
	unreach.SetCode(icmpv4.CodePortUnreachable)
	unreach.SetOriginalDatagram(orig)
	reply.SetCRC(0)
	reply.SetCRC(reply.CalculateChecksum())

	out.SetCRC(0)
	out.SetCRC(out.CalculateHeaderCRC())

	if err := h.SendIPv4(netip.AddrFrom4(src), buf); err != nil {
		h.Logger.Error("stack: failed to send port unreachable", slog.String("err", err.Error()))
		return
	}
	metrics.IcmpDestinationUnreachableSent.WithLabelValues("port").Inc()
}

// SendARP wraps a raw ARP packet in an Ethernet frame and pushes it onto
// Tx: broadcast for requests (the destination hardware address is not yet
// known), unicast to the resolved target for replies. Its signature
// matches arp.TxFunc, so an *arp.Cache can be wired directly with
// arp.NewCache(mac, ip, handler.SendARP, logger).
func (h *Handler) SendARP(arpPacket []byte) error {
	afrm, err := arp.NewFrame(arpPacket)
	if err != nil {
		return err
	}
	frame := GetFrameBuffer()
	ethLen := 14 + len(arpPacket)
	if ethLen > cap(*frame) {
		PutFrameBuffer(frame)
		return tapstack.ErrPacketDrop
	}
	*frame = (*frame)[:ethLen]
	efrm, _ := ethernet.NewFrame(*frame)
	efrm.SetEtherType(ethernet.TypeARP)
	*efrm.SourceHardwareAddr() = h.Routing.HardwareAddr()
	copy(efrm.Payload(), arpPacket)

	dstHW := ethernet.BroadcastAddr()
	targetHW, _ := afrm.Target4()
	if afrm.Operation() == arp.OpReply || *targetHW != ([6]byte{}) {
		// A request whose target hardware field is already populated is a
		// Cache unicast refresh for a Stale entry (see Cache.sendRefreshRequest);
		// address it directly instead of broadcasting.
		dstHW = *targetHW
	}
	*efrm.DestinationHardwareAddr() = dstHW

	return h.Tx.Push(context.Background(), Frame{Buf: frame, N: ethLen})
}

// SendUDP builds a UDP datagram wrapped in an IPv4 packet and hands it to
// SendIPv4. Its signature matches socket.TxFunc, so a Handler can be wired
// directly as a Multiplexer's transmit function: socket.NewMultiplexer(h.SendUDP).
func (h *Handler) SendUDP(localIP netip.Addr, localPort uint16, dstIP netip.Addr, dstPort uint16, payload []byte) error {
	udpLen := 8 + len(payload)
	buf := make([]byte, 20+udpLen)
	out, _ := ipv4.NewFrame(buf)
	out.SetVersionAndIHL(4, 5)
	out.SetTotalLength(uint16(len(buf)))
	out.SetTTL(64)
	out.SetProtocol(tapstack.IPProtoUDP)
	*out.SourceAddr() = localIP.As4()
	*out.DestinationAddr() = dstIP.As4()

	ufrm, _ := udp.NewFrame(out.Payload())
	ufrm.SetSourcePort(localPort)
	ufrm.SetDestinationPort(dstPort)
	ufrm.SetLength(uint16(udpLen))
	copy(ufrm.Payload(), payload)
	ufrm.SetCRC(0)
	ufrm.SetCRC(ufrm.CalculateIPv4Checksum(out))

	out.SetCRC(0)
	out.SetCRC(out.CalculateHeaderCRC())

	return h.SendIPv4(dstIP, buf)
}

// SendIPv4 wraps an already-built IPv4 datagram (buf) in an Ethernet frame
// addressed to dst's resolved hardware address and pushes it onto Tx. The
// ARP lookup runs in a separate goroutine per datagram, which blocks in
// ArpCache.Resolve and pushes the frame once resolution completes, or drops
// it if resolution fails. Datagrams are not queued on the ARP cache entry,
// and datagrams waiting on the same destination are not kept in submission
// order.
func (h *Handler) SendIPv4(dst netip.Addr, buf []byte) error {
	frame := GetFrameBuffer()
	ethLen := 14 + len(buf)
	if ethLen > cap(*frame) {
		PutFrameBuffer(frame)
		return tapstack.ErrPacketDrop
	}
	*frame = (*frame)[:ethLen]
	efrm, _ := ethernet.NewFrame(*frame)
	efrm.SetEtherType(ethernet.TypeIPv4)
	*efrm.SourceHardwareAddr() = h.Routing.HardwareAddr()
	copy(efrm.Payload(), buf)

	if dst == ipv4BroadcastAddr {
		*efrm.DestinationHardwareAddr() = ethernet.BroadcastAddr()
		return h.Tx.Push(context.Background(), Frame{Buf: frame, N: ethLen})
	}

	nextHop, ok := h.Routing.NextHop(dst)
	if !ok {
		nextHop = dst
	}
	go func() {
		ctx := context.Background()
		hw, err := h.ArpCache.Resolve(ctx, nextHop)
		if err != nil {
			h.Logger.Error("stack: arp resolution failed, dropping outbound packet",
				slog.String("dst", nextHop.String()), slog.String("err", err.Error()))
			PutFrameBuffer(frame)
			return
		}
		*efrm.DestinationHardwareAddr() = hw
		if err := h.Tx.Push(ctx, Frame{Buf: frame, N: ethLen}); err != nil {
			h.Logger.Error("stack: failed to enqueue outbound frame", slog.String("err", err.Error()))
			PutFrameBuffer(frame)
		}
	}()
	return nil
}
