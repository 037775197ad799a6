package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"moneymarket/core/events"
)

// EventMetrics counts committed protocol events by type. It satisfies
// events.Emitter so it can sit in a fanout next to the event log.
type EventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *EventMetrics

	_ events.Emitter = (*EventMetrics)(nil)
)

// Events returns the process-wide event counter.
func Events() *EventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = NewEventMetrics(prometheus.DefaultRegisterer)
	})
	return eventRegistry
}

// NewEventMetrics builds the counter and registers it with reg.
func NewEventMetrics(reg prometheus.Registerer) *EventMetrics {
	m := &EventMetrics{
		emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moneymarket",
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Count of committed protocol events segmented by type.",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.emitted)
	}
	return m
}

// Emit implements events.Emitter.
func (m *EventMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	kind := evt.EventType()
	if kind == "" {
		kind = "unknown"
	}
	m.emitted.WithLabelValues(kind).Inc()
}
