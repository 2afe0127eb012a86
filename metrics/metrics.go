// Package metrics registers the prometheus instrumentation the ambient
// stack carries even though the core has no HTTP interface to expose it
// on (spec §1 excludes "any ... network interface", not in-process
// counters). Grounded on talyz-systemd_exporter's use of
// github.com/prometheus/client_golang/prometheus, the sibling pack repo
// whose go.mod this core's logging/metrics choices are lifted from.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// BcacheHits/BcacheMisses count buffer cache lookups (spec §4.1).
	BcacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vmcore",
		Subsystem: "bcache",
		Name:      "hits_total",
		Help:      "Buffer cache lookups served by an existing entry.",
	})
	BcacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vmcore",
		Subsystem: "bcache",
		Name:      "misses_total",
		Help:      "Buffer cache lookups that allocated a new entry.",
	})
	BcacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vmcore",
		Subsystem: "bcache",
		Name:      "evictions_total",
		Help:      "Buffer cache entries reused via the clock sweep.",
	})
	BcacheWriteBacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vmcore",
		Subsystem: "bcache",
		Name:      "writebacks_total",
		Help:      "Dirty buffer cache entries flushed to the device.",
	})

	// FrameEvictions/FrameOccupancy instrument the frame table (spec §4.3).
	FrameEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vmcore",
		Subsystem: "frame",
		Name:      "evictions_total",
		Help:      "Frames reclaimed via the clock eviction sweep.",
	})
	FrameOccupancy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vmcore",
		Subsystem: "frame",
		Name:      "occupied",
		Help:      "Frames currently held by the frame table.",
	})

	// SwapOccupancy instruments the swap table (spec §4.3).
	SwapOccupancy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vmcore",
		Subsystem: "swap",
		Name:      "slots_used",
		Help:      "Swap slots currently allocated.",
	})

	// PageFaults is a per-outcome page-fault counter (spec §4.3's
	// protocol). It is registered, but spt.Table.PageFault does not
	// increment it.
	PageFaults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vmcore",
		Subsystem: "spt",
		Name:      "page_faults_total",
		Help:      "Page faults handled, labeled by outcome.",
	}, []string{"outcome"})
)

// Registry is a private registry (never served over HTTP) holding every
// collector above, so tests can assert on counter deltas without
// polluting the default global registry.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		BcacheHits, BcacheMisses, BcacheEvictions, BcacheWriteBacks,
		FrameEvictions, FrameOccupancy, SwapOccupancy, PageFaults,
	)
}
