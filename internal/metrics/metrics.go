// Package metrics holds the Prometheus instruments for the request pipeline
// and the refresh coordinator.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "medrec"

// Metrics groups the client-side instruments.
type Metrics struct {
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlight        prometheus.Gauge
	Retries         prometheus.Counter
	RefreshRounds   *prometheus.CounterVec
	RefreshWaiters  prometheus.Counter
	SessionTeardown prometheus.Counter
}

// New creates the instruments and registers them with reg. A nil reg
// leaves them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Backend requests issued through the pipeline, by method and outcome kind.",
		}, []string{"method", "kind"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Latency of single dispatches, excluding refresh waits.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Requests currently inside the pipeline.",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_retries_total",
			Help:      "Requests re-dispatched after a successful refresh.",
		}),
		RefreshRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_rounds_total",
			Help:      "Refresh exchanges performed, by outcome.",
		}, []string{"outcome"}),
		RefreshWaiters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_waiters_total",
			Help:      "Refresh requests, including those that joined a round in flight.",
		}),
		SessionTeardown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_teardowns_total",
			Help:      "Sessions ended by an unrecoverable authentication failure.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Requests, m.RequestDuration, m.InFlight, m.Retries,
			m.RefreshRounds, m.RefreshWaiters, m.SessionTeardown)
	}
	return m
}

// ObserveRequest records one classified dispatch.
func (m *Metrics) ObserveRequest(method, kind string, took time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(method, kind).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(took.Seconds())
}

// TrackInFlight increments the in-flight gauge and returns its decrement.
func (m *Metrics) TrackInFlight() func() {
	if m == nil {
		return func() {}
	}
	m.InFlight.Inc()
	return m.InFlight.Dec
}

// IncRetry records a re-dispatch.
func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

// ObserveRefreshRound records a settled refresh exchange.
func (m *Metrics) ObserveRefreshRound(outcome string) {
	if m == nil {
		return
	}
	m.RefreshRounds.WithLabelValues(outcome).Inc()
}

// IncRefreshWaiter records a refresh demand.
func (m *Metrics) IncRefreshWaiter() {
	if m == nil {
		return
	}
	m.RefreshWaiters.Inc()
}

// IncTeardown records a forced logout.
func (m *Metrics) IncTeardown() {
	if m == nil {
		return
	}
	m.SessionTeardown.Inc()
}
