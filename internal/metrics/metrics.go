// Package metrics exposes prometheus collectors for the generation engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cinder"

// Forward pass phases.
const (
	PhasePrefill = "prefill"
	PhaseDecode  = "decode"
)

// Metrics is a prometheus collector for engine activity. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	started  prometheus.Counter
	finished *prometheus.CounterVec
	tokens   prometheus.Counter
	forward  *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

// New creates the collectors. Register them with Register or pass the
// result to a prometheus.Registerer directly.
func New() *Metrics {
	return &Metrics{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of generation sessions started.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Total number of generation sessions that ended, by stop reason.",
		}, []string{"reason"}),
		tokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_emitted_total",
			Help:      "Total number of tokens delivered to consumers.",
		}),
		forward: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forward_seconds",
			Help:      "Latency of model forward passes.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"phase"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_in_flight",
			Help:      "Number of generation sessions currently running.",
		}),
	}
}

// Register creates the collectors and registers them with reg.
func Register(reg prometheus.Registerer) (*Metrics, error) {
	m := New()
	if err := reg.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.started.Describe(ch)
	m.finished.Describe(ch)
	m.tokens.Describe(ch)
	m.forward.Describe(ch)
	m.inFlight.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.started.Collect(ch)
	m.finished.Collect(ch)
	m.tokens.Collect(ch)
	m.forward.Collect(ch)
	m.inFlight.Collect(ch)
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.started.Inc()
	m.inFlight.Inc()
}

func (m *Metrics) SessionFinished(reason string) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(reason).Inc()
	m.inFlight.Dec()
}

func (m *Metrics) TokenEmitted() {
	if m == nil {
		return
	}
	m.tokens.Inc()
}

func (m *Metrics) ObserveForward(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.forward.WithLabelValues(phase).Observe(d.Seconds())
}
