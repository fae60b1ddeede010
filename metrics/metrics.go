// Package metrics records admission outcomes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for decisions.
const (
	OutcomeAllowed  = "allowed"
	OutcomeDenied   = "denied"
	OutcomeBlocked  = "blocked"
	OutcomeDegraded = "degraded"
)

const namespace = "api_bouncer"

// Recorder receives admission events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	ObserveDecision(algorithm, outcome string, duration time.Duration)
	IncViolations()
	IncBlocks()
	IncStoreErrors(op string)
}

var (
	_ Recorder = (*Prometheus)(nil)
	_ Recorder = Noop{}
)

// Prometheus manages the Prometheus metrics.
type Prometheus struct {
	Decisions        *prometheus.CounterVec
	DecisionDuration *prometheus.HistogramVec
	Violations       prometheus.Counter
	Blocks           prometheus.Counter
	StoreErrors      *prometheus.CounterVec
}

// NewPrometheus creates the metrics and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)

	return &Prometheus{
		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Total number of admission decisions.",
			},
			[]string{"algorithm", "outcome"},
		),
		DecisionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "decision_duration_seconds",
				Help:      "Latency of admission decisions.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"algorithm"},
		),
		Violations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violations_total",
			Help:      "Total number of recorded violations.",
		}),
		Blocks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_total",
			Help:      "Total number of identifiers blocked.",
		}),
		StoreErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Total number of failed store calls.",
			},
			[]string{"op"},
		),
	}
}

// ObserveDecision records one decision and its latency.
func (m *Prometheus) ObserveDecision(algorithm, outcome string, duration time.Duration) {
	m.Decisions.WithLabelValues(algorithm, outcome).Inc()
	m.DecisionDuration.WithLabelValues(algorithm).Observe(duration.Seconds())
}

func (m *Prometheus) IncViolations() {
	m.Violations.Inc()
}

func (m *Prometheus) IncBlocks() {
	m.Blocks.Inc()
}

func (m *Prometheus) IncStoreErrors(op string) {
	m.StoreErrors.WithLabelValues(op).Inc()
}

// Noop discards every event.
type Noop struct{}

func (Noop) ObserveDecision(string, string, time.Duration) {}
func (Noop) IncViolations()                                 {}
func (Noop) IncBlocks()                                     {}
func (Noop) IncStoreErrors(string)                          {}
