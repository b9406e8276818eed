// Package metrics defines the instrumentation hooks limiters report through.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives limiter observations.
type Recorder interface {
	ObserveDecision(algorithm string, allowed, degraded bool, elapsed time.Duration)
	ObserveStoreError(algorithm, op string)
	ObserveLevel(algorithm string, level float64)
}

// Noop discards every observation so limiters never nil-check their recorder.
type Noop struct{}

func (Noop) ObserveDecision(string, bool, bool, time.Duration) {}
func (Noop) ObserveStoreError(string, string) {}
func (Noop) ObserveLevel(string, float64) {}

// Prometheus exports observations as Prometheus collectors.
type Prometheus struct {
	decisions      *prometheus.CounterVec
	storeErrors    *prometheus.CounterVec
	level          *prometheus.GaugeVec
	decideDuration *prometheus.HistogramVec
}

// NewPrometheus registers the turnstile collectors on reg. A nil reg uses the
// default registerer.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Prometheus{
		decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstile_decisions_total",
				Help: "Admission decisions by algorithm and result",
			},
			[]string{"algorithm", "result"},
		),
		storeErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstile_store_errors_total",
				Help: "Shared state store failures by algorithm and operation",
			},
			[]string{"algorithm", "op"},
		),
		level: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "turnstile_level",
				Help: "Current count, tokens or queue depth after the last evaluation",
			},
			[]string{"algorithm"},
		),
		decideDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "turnstile_decide_duration_seconds",
				Help:    "Duration of admission decisions in seconds",
				Buckets: prometheus.ExponentialBuckets(0.00001, 2, 16), // 10µs to ~330ms
			},
			[]string{"algorithm"},
		),
	}
}

// ObserveDecision counts a decision and records its latency.
func (p *Prometheus) ObserveDecision(algorithm string, allowed, degraded bool, elapsed time.Duration) {
	p.decisions.WithLabelValues(algorithm, Result(allowed, degraded)).Inc()
	p.decideDuration.WithLabelValues(algorithm).Observe(elapsed.Seconds())
}

// ObserveStoreError counts a failed store operation.
func (p *Prometheus) ObserveStoreError(algorithm, op string) {
	p.storeErrors.WithLabelValues(algorithm, op).Inc()
}

// ObserveLevel sets the level gauge.
func (p *Prometheus) ObserveLevel(algorithm string, level float64) {
	p.level.WithLabelValues(algorithm).Set(level)
}

// Result maps a decision to its result label.
func Result(allowed, degraded bool) string {
	switch {
	case degraded && allowed:
		return "degraded_allowed"
	case degraded:
		return "degraded_denied"
	case allowed:
		return "allowed"
	default:
		return "denied"
	}
}
