package soplog

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/CVDpl/go-soplog/pkg/soplog/compaction"
)

// Metrics records flush and compaction activity of one set. All methods
// are safe on a nil receiver.
type Metrics struct {
	flushes            *prometheus.CounterVec
	flushDuration      prometheus.Histogram
	flushedBytes       prometheus.Counter
	bufferBytes        prometheus.Gauge
	compactions        *prometheus.CounterVec
	compactionDuration prometheus.Histogram
	compactedBytes     prometheus.Counter
	activeSegments     *prometheus.GaugeVec
	retiredSegments    prometheus.Counter
}

var _ compaction.Tracker = (*Metrics)(nil)

// NewMetrics registers the set's collectors on reg with a constant store
// label. Collectors already registered for the same store are reused.
func NewMetrics(reg prometheus.Registerer, store string) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}
	labels := prometheus.Labels{"store": store}

	m := &Metrics{
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "soplog_flushes_total",
			Help:        "Write buffer flushes by outcome.",
			ConstLabels: labels,
		}, []string{"status"}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "soplog_flush_duration_seconds",
			Help:        "Time to write one flushed segment.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		flushedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "soplog_flushed_bytes_total",
			Help:        "Bytes written by flushes.",
			ConstLabels: labels,
		}),
		bufferBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "soplog_buffer_bytes",
			Help:        "Bytes held in the live write buffer.",
			ConstLabels: labels,
		}),
		compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "soplog_compactions_total",
			Help:        "Compactions by outcome.",
			ConstLabels: labels,
		}, []string{"status"}),
		compactionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "soplog_compaction_duration_seconds",
			Help:        "Time spent in one compaction.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		compactedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "soplog_compacted_bytes_total",
			Help:        "Bytes written by compactions.",
			ConstLabels: labels,
		}),
		activeSegments: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "soplog_active_segments",
			Help:        "Active segments per generation.",
			ConstLabels: labels,
		}, []string{"generation"}),
		retiredSegments: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "soplog_retired_segments_total",
			Help:        "Segments removed from the active set.",
			ConstLabels: labels,
		}),
	}

	var err error
	if m.flushes, err = register(reg, m.flushes); err != nil {
		return nil, err
	}
	if m.flushDuration, err = register(reg, m.flushDuration); err != nil {
		return nil, err
	}
	if m.flushedBytes, err = register(reg, m.flushedBytes); err != nil {
		return nil, err
	}
	if m.bufferBytes, err = register(reg, m.bufferBytes); err != nil {
		return nil, err
	}
	if m.compactions, err = register(reg, m.compactions); err != nil {
		return nil, err
	}
	if m.compactionDuration, err = register(reg, m.compactionDuration); err != nil {
		return nil, err
	}
	if m.compactedBytes, err = register(reg, m.compactedBytes); err != nil {
		return nil, err
	}
	if m.activeSegments, err = register(reg, m.activeSegments); err != nil {
		return nil, err
	}
	if m.retiredSegments, err = register(reg, m.retiredSegments); err != nil {
		return nil, err
	}
	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func status(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}

// FlushFinished records one flush.
func (m *Metrics) FlushFinished(bytes int64, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(status(err)).Inc()
	if err == nil {
		m.flushDuration.Observe(elapsed.Seconds())
		m.flushedBytes.Add(float64(bytes))
	}
}

// BufferSize records the live buffer size.
func (m *Metrics) BufferSize(bytes int64) {
	if m == nil {
		return
	}
	m.bufferBytes.Set(float64(bytes))
}

func (m *Metrics) FileAdded(path string, generation int) {
	if m == nil {
		return
	}
	m.activeSegments.WithLabelValues(strconv.Itoa(generation)).Inc()
}

func (m *Metrics) FileRemoved(path string, generation int) {
	if m == nil {
		return
	}
	m.activeSegments.WithLabelValues(strconv.Itoa(generation)).Dec()
	m.retiredSegments.Inc()
}

func (m *Metrics) CompactionFinished(generation, inputs int, bytes int64, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.compactions.WithLabelValues(status(err)).Inc()
	if err == nil {
		m.compactionDuration.Observe(elapsed.Seconds())
		m.compactedBytes.Add(float64(bytes))
	}
}
