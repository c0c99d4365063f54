package stream

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeError     Outcome = "error"
)

// OutcomeOf classifies the error returned by Run.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeCompleted
	case IsAbort(err):
		return OutcomeAborted
	case IsTimeout(err):
		return OutcomeTimeout
	default:
		return OutcomeError
	}
}

// Metrics are the prometheus collectors updated by a Coordinator.
type Metrics struct {
	Streams       *prometheus.CounterVec
	Duration      prometheus.Histogram
	ContentEvents prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Streams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbor_streams_total",
			Help: "Streaming operations by outcome.",
		}, []string{"outcome"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arbor_stream_duration_seconds",
			Help:    "Wall clock duration of streaming operations.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
		}),
		ContentEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arbor_stream_content_events_total",
			Help: "Content events applied to accumulators.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Streams, m.Duration, m.ContentEvents)
	}
	return m
}

func (m *Metrics) observe(err error, started time.Time) {
	if m == nil {
		return
	}
	m.Streams.WithLabelValues(string(OutcomeOf(err))).Inc()
	m.Duration.Observe(time.Since(started).Seconds())
}
