package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	operations *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking service level events. Counts
// include calls whose changes were later rolled back.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ledger",
				Subsystem: "events",
				Name:      "service_operations_total",
				Help:      "Count of service operations segmented by service and operation.",
			}, []string{"service", "operation"}),
		}
		prometheus.MustRegister(eventRegistry.operations)
	})
	return eventRegistry
}

// RecordOperation increments the counter for a service operation.
func (m *eventMetrics) RecordOperation(service, operation string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(normalizeLabel(service), strings.ToLower(strings.TrimSpace(operation))).Inc()
}
