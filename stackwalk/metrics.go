// ABOUTME: Prometheus metrics for stack scanning
// ABOUTME: Counts frames, lookup misses and reported roots

package stackwalk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the counters a Walker updates. A nil *Metrics disables them.
type Metrics struct {
	framesScanned   prometheus.Counter
	framesUnmanaged prometheus.Counter
	lookupMisses    prometheus.Counter
	roots           *prometheus.CounterVec
	offsetsResolved prometheus.Counter
	scanFailures    prometheus.Counter
}

// NewMetrics registers the walker counters with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		framesScanned: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "rootmap_frames_scanned_total",
			Help: "Managed frames whose safepoint record was enumerated.",
		}),
		framesUnmanaged: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "rootmap_frames_unmanaged_total",
			Help: "Frames skipped because no published method contains their pc.",
		}),
		lookupMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "rootmap_lookup_misses_total",
			Help: "Managed frames whose pc has no safepoint record.",
		}),
		roots: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "rootmap_roots_reported_total",
			Help: "Roots reported to the collector.",
		}, []string{"kind"}),
		offsetsResolved: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "rootmap_offsets_resolved_total",
			Help: "Interior pointer offsets computed during enumeration.",
		}),
		scanFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "rootmap_scan_failures_total",
			Help: "Stack scans aborted by an inconsistent frame.",
		}),
	}
}
