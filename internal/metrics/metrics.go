// Package metrics exposes the Prometheus counters and gauges tapstack
// instruments its packet path with.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RingPushDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tapstack_ring_push_drops_total", Help: "Frames dropped because a ring buffer was full.",
	}, []string{"ring"})

	ArpRequestsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tapstack_arp_requests_sent_total", Help: "ARP requests sent, including retries.",
	})
	ArpResolutionTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tapstack_arp_resolution_timeouts_total", Help: "ARP resolutions that exhausted all retry attempts.",
	})
	ArpCacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tapstack_arp_cache_entries", Help: "Current number of entries in the ARP cache.",
	})

	SocketRxQueueDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tapstack_socket_rx_queue_drops_total", Help: "Datagrams dropped because a socket's receive queue was full.",
	}, []string{"port"})

	IcmpEchoRepliesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tapstack_icmp_echo_replies_sent_total", Help: "ICMP echo replies sent.",
	})
	IcmpDestinationUnreachableSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tapstack_icmp_destination_unreachable_sent_total", Help: "ICMP destination unreachable messages sent, by code.",
	}, []string{"code"})

	DhcpLeaseState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tapstack_dhcp_lease_state", Help: "1 if the DHCP client currently holds a bound lease, else 0.",
	}, []string{"interface"})
)
