// ABOUTME: Walks captured frames and reports their roots to the collector
// ABOUTME: Maps each pc to its method, locates the record and enumerates it

package stackwalk

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/prateek/rootmap/codec"
	"github.com/prateek/rootmap/enumerate"
	"github.com/prateek/rootmap/gcmap"
	"github.com/prateek/rootmap/methodinfo"
)

// Frame is one captured activation. PC is the return address for frames
// suspended in a call and the faulting instruction for the frame that
// trapped.
type Frame struct {
	PC      gcmap.Address
	Trapped bool
	Slots   enumerate.Resolver
}

// Result summarises one scan.
type Result struct {
	enumerate.Stats
	Frames    int // managed frames enumerated
	Unmanaged int
	Misses    int
}

// Walker scans stacks against the methods of an index.
type Walker struct {
	index   *methodinfo.Index
	metrics *Metrics
	logger  log.Logger
}

// New returns a walker. metrics and logger may be nil.
func New(index *methodinfo.Index, metrics *Metrics, logger log.Logger) *Walker {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Walker{index: index, metrics: metrics, logger: logger}
}

// Scan reports the roots of every managed frame to c, innermost first.
// Frames outside any published method and frames without a record
// contribute no roots. An enumeration failure aborts the scan; roots of the
// failing frame are not reported, those of earlier frames already were.
func (w *Walker) Scan(frames []Frame, mem enumerate.Memory, c enumerate.Collector) (Result, error) {
	var res Result
	for depth, f := range frames {
		m, ok := w.method(f)
		if !ok {
			res.Unmanaged++
			w.inc(func(mt *Metrics) prometheus.Counter { return mt.framesUnmanaged })
			continue
		}
		sp, err := m.Roots.Find(f.PC)
		if errors.Is(err, codec.ErrNotFound) {
			res.Misses++
			w.inc(func(mt *Metrics) prometheus.Counter { return mt.lookupMisses })
			level.Debug(w.logger).Log("msg", "no safepoint record, frame has no roots", "method", m.Info.Name, "pc", f.PC, "depth", depth)
			continue
		}
		if err != nil {
			w.inc(func(mt *Metrics) prometheus.Counter { return mt.scanFailures })
			return res, errors.Wrapf(err, "frame %d in %s", depth, m.Info.Name)
		}

		stats, err := enumerate.Enumerate(sp, f.Slots, mem, c)
		if err != nil {
			w.inc(func(mt *Metrics) prometheus.Counter { return mt.scanFailures })
			level.Error(w.logger).Log("msg", "inconsistent frame", "method", m.Info.Name, "pc", f.PC, "depth", depth, "err", err)
			return res, errors.Wrapf(err, "frame %d in %s", depth, m.Info.Name)
		}
		res.Frames++
		res.Add(stats)
		w.observe(stats)
	}
	level.Debug(w.logger).Log("msg", "scanned stack", "frames", len(frames), "managed", res.Frames,
		"misses", res.Misses, "objects", res.Objects, "interior", res.Interior)
	return res, nil
}

func (w *Walker) method(f Frame) (*methodinfo.Method, bool) {
	if f.Trapped {
		return w.index.Lookup(f.PC)
	}
	return w.index.LookupReturn(f.PC)
}

func (w *Walker) observe(s enumerate.Stats) {
	if w.metrics == nil {
		return
	}
	w.metrics.framesScanned.Inc()
	w.metrics.roots.WithLabelValues(gcmap.KindObject.String()).Add(float64(s.Objects))
	w.metrics.roots.WithLabelValues(gcmap.KindManagedPointer.String()).Add(float64(s.Interior))
	w.metrics.offsetsResolved.Add(float64(s.Resolved))
}

func (w *Walker) inc(counter func(*Metrics) prometheus.Counter) {
	if w.metrics != nil {
		counter(w.metrics).Inc()
	}
}
