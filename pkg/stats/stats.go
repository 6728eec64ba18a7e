// Package stats is the abstract-counters facade spec.md references wherever
// pool exhaustion, datapath drops, retransmits, or ARP resolutions are
// observable but out of scope to instrument in detail. Grounded on
// runZeroInc-sockstats/conniver's exporter packages: a handful of
// prometheus vectors registered once, incremented from the datapath with no
// branching on whether a collector is attached.
package stats

import "github.com/prometheus/client_golang/prometheus"

var (
	PoolInUse = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lwipgo",
		Subsystem: "memp",
		Name:      "pool_in_use",
		Help:      "Objects currently checked out of a memp pool, by pool name.",
	}, []string{"pool"})

	PoolPeak = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lwipgo",
		Subsystem: "memp",
		Name:      "pool_peak",
		Help:      "High-water mark of objects checked out of a memp pool.",
	}, []string{"pool"})

	PoolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lwipgo",
		Subsystem: "memp",
		Name:      "pool_errors_total",
		Help:      "Allocation attempts against an exhausted memp pool.",
	}, []string{"pool"})

	IPDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lwipgo",
		Subsystem: "ip",
		Name:      "drops_total",
		Help:      "IPv4 datagrams dropped on input, by reason.",
	}, []string{"reason"})

	TCPRetransmits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lwipgo",
		Subsystem: "tcp",
		Name:      "retransmits_total",
		Help:      "TCP segments retransmitted, by cause.",
	}, []string{"cause"})

	ARPResolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lwipgo",
		Subsystem: "arp",
		Name:      "resolutions_total",
		Help:      "ARP resolution outcomes.",
	}, []string{"outcome"})

	TCPSegmentsOut = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lwipgo",
		Subsystem: "tcp",
		Name:      "segments_out_total",
		Help:      "TCP segments transmitted.",
	})

	TCPAborts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lwipgo",
		Subsystem: "tcp",
		Name:      "aborts_total",
		Help:      "TCP connections torn down via RST or a fatal error.",
	})
)

// Registry is the set of collectors cmd/loopdemo registers against its
// /metrics handler. Library packages never register themselves; that stays
// the embedder's call, the way conniver/sockstats leave registration to the
// exporter binary rather than an init().
func Registry() []prometheus.Collector {
	return []prometheus.Collector{
		PoolInUse, PoolPeak, PoolErrors, IPDrops, TCPRetransmits, ARPResolutions,
		TCPSegmentsOut, TCPAborts,
	}
}
