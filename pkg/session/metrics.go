package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the prometheus counters of the event loop.
type Metrics struct {
	// events counts debug events by event kind
	events *prometheus.CounterVec
	// decisions counts resumptions by decision
	decisions *prometheus.CounterVec
	// hits counts breakpoint hits by breakpoint kind
	hits *prometheus.CounterVec
	// traced counts instructions recorded by the trace recorder
	traced prometheus.Counter
	// errors counts failures that did not stop the event loop
	errors *prometheus.CounterVec
}

// NewMetrics creates the session counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		events: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlvcore_debug_events_total",
				Help: "Total debug events received by event kind",
			},
			[]string{"kind"},
		),
		decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlvcore_decisions_total",
				Help: "Total debug events resumed by decision",
			},
			[]string{"decision"},
		),
		hits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlvcore_breakpoint_hits_total",
				Help: "Total breakpoint hits by breakpoint kind",
			},
			[]string{"kind"},
		),
		traced: f.NewCounter(
			prometheus.CounterOpts{
				Name: "dlvcore_traced_instructions_total",
				Help: "Total instructions recorded by the trace recorder",
			},
		),
		errors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlvcore_errors_total",
				Help: "Total non fatal errors by operation",
			},
			[]string{"op"},
		),
	}
}

func (m *Metrics) recordEvent(kind, decision string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
	m.decisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) recordHit(kind string) {
	if m == nil {
		return
	}
	m.hits.WithLabelValues(kind).Inc()
}

func (m *Metrics) recordTraced(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.traced.Add(float64(n))
}

func (m *Metrics) recordError(op string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(op).Inc()
}
