// Package stack wires the codecs, ARP cache, and UDP socket multiplexer
// together into a running host: RxRing and TxRing feed frames to and from
// the tap device, and Handler dispatches each inbound frame to the right
// protocol layer.
package stack

import (
	"net/netip"
	"sync"
)

// RoutingState holds this host's interface configuration: its own hardware
// and protocol addresses, the subnet it is attached to, and its default
// gateway. Reads (the common case, consulted on every outbound packet) take
// a read lock; writes (an address change from DHCP, at most a few times an
// hour) take the exclusive lock.
type RoutingState struct {
	mu      sync.RWMutex
	hwAddr  [6]byte
	addr    netip.Prefix
	gateway netip.Addr
}

// NewRoutingState constructs a RoutingState with a fixed hardware address
// and no IP configuration yet (as if freshly attached to the tap device,
// awaiting static configuration or a DHCP lease).
func NewRoutingState(hwAddr [6]byte) *RoutingState {
	return &RoutingState{hwAddr: hwAddr}
}

// HardwareAddr returns this host's MAC address.
func (r *RoutingState) HardwareAddr() [6]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hwAddr
}

// Address returns the host's current IPv4 address and subnet, and whether
// one has been configured yet.
func (r *RoutingState) Address() (netip.Prefix, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.addr, r.addr.IsValid()
}

// Gateway returns the configured default gateway, if any.
func (r *RoutingState) Gateway() (netip.Addr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gateway, r.gateway.IsValid()
}

// SetAddress configures the host's IPv4 address and subnet, as applied by
// static configuration or a DHCP lease.
func (r *RoutingState) SetAddress(addr netip.Prefix) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addr = addr
}

// SetGateway configures the default gateway.
func (r *RoutingState) SetGateway(gw netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateway = gw
}

// NextHop returns the address a packet to dst should be sent to at the link
// layer: dst itself if it is on-link, otherwise the configured gateway.
func (r *RoutingState) NextHop(dst netip.Addr) (netip.Addr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.addr.IsValid() && r.addr.Contains(dst) {
		return dst, true
	}
	if r.gateway.IsValid() {
		return r.gateway, true
	}
	return netip.Addr{}, false
}
