package winsys

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of a Winsys.
// A nil *Metrics records nothing.
type Metrics struct {
	submissions      *prometheus.CounterVec
	rejections       *prometheus.CounterVec
	emptyFlushes     *prometheus.CounterVec
	ibBytes          *prometheus.CounterVec
	bufferListSize   *prometheus.HistogramVec
	transportSeconds *prometheus.HistogramVec
	segmentBytes     *prometheus.CounterVec
	fencesElided     *prometheus.CounterVec
	fencesDropped    prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
// Pass prometheus.DefaultRegisterer to expose them on the default registry.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "winsys",
				Name:      "submissions_total",
				Help:      "Command submissions accepted by the device, by ring",
			},
			[]string{"ring"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "winsys",
				Name:      "rejections_total",
				Help:      "Command submissions rejected or canceled, by ring and reason",
			},
			[]string{"ring", "reason"},
		),
		emptyFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "winsys",
				Name:      "empty_flushes_total",
				Help:      "Flushes that had nothing to submit, by ring",
			},
			[]string{"ring"},
		),
		ibBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "winsys",
				Name:      "ib_bytes_total",
				Help:      "Instruction buffer bytes flushed, by ring",
			},
			[]string{"ring"},
		),
		bufferListSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "winsys",
				Name:      "buffer_list_entries",
				Help:      "Buffers in the kernel buffer list of a submission, by ring",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"ring"},
		),
		transportSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "winsys",
				Name:      "transport_seconds",
				Help:      "Time spent submitting to the device, by ring",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"ring"},
		),
		segmentBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "winsys",
				Name:      "segment_alloc_bytes_total",
				Help:      "Bytes of instruction buffer segments allocated, by ring",
			},
			[]string{"ring"},
		),
		fencesElided: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "winsys",
				Name:      "fences_elided_total",
				Help:      "Fence dependencies dropped as already implied, by ring",
			},
			[]string{"ring"},
		),
		fencesDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "winsys",
				Name:      "buffer_fences_dropped_total",
				Help:      "Buffer fences dropped because a buffer reached its fence cap",
			},
		),
	}

	for _, c := range []prometheus.Collector{
		m.submissions, m.rejections, m.emptyFlushes, m.ibBytes, m.bufferListSize,
		m.transportSeconds, m.segmentBytes, m.fencesElided, m.fencesDropped,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("winsys: register metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) submitted(ring RingType, ibBytes uint32, buffers int, d time.Duration) {
	if m == nil {
		return
	}
	label := ring.String()
	m.submissions.WithLabelValues(label).Inc()
	m.ibBytes.WithLabelValues(label).Add(float64(ibBytes))
	m.bufferListSize.WithLabelValues(label).Observe(float64(buffers))
	m.transportSeconds.WithLabelValues(label).Observe(d.Seconds())
}

func (m *Metrics) rejected(ring RingType, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(ring.String(), reason).Inc()
}

func (m *Metrics) emptyFlush(ring RingType) {
	if m == nil {
		return
	}
	m.emptyFlushes.WithLabelValues(ring.String()).Inc()
}

func (m *Metrics) segmentAllocated(ring RingType, size uint64) {
	if m == nil {
		return
	}
	m.segmentBytes.WithLabelValues(ring.String()).Add(float64(size))
}

func (m *Metrics) fenceElided(ring RingType) {
	if m == nil {
		return
	}
	m.fencesElided.WithLabelValues(ring.String()).Inc()
}

func (m *Metrics) droppedFences(n int) {
	if m == nil {
		return
	}
	m.fencesDropped.Add(float64(n))
}
