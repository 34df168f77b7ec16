package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ExecutionMetrics instruments the block execution pipeline.
type ExecutionMetrics struct {
	blocks       prometheus.Counter
	transactions *prometheus.CounterVec
	hookFailures *prometheus.CounterVec
	createPatch  prometheus.Histogram
	height       prometheus.Gauge
}

// StorageMetrics instruments patch merges.
type StorageMetrics struct {
	merges      prometheus.Histogram
	mergeErrors prometheus.Counter
	patchSize   prometheus.Histogram
}

var (
	executionMetricsOnce sync.Once
	executionRegistry    *ExecutionMetrics

	storageMetricsOnce sync.Once
	storageRegistry    *StorageMetrics
)

// Execution returns the lazily-initialised execution metrics registry.
func Execution() *ExecutionMetrics {
	executionMetricsOnce.Do(func() {
		executionRegistry = &ExecutionMetrics{
			blocks: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ledger",
				Subsystem: "execution",
				Name:      "blocks_total",
				Help:      "Count of block patches produced.",
			}),
			transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ledger",
				Subsystem: "execution",
				Name:      "transactions_total",
				Help:      "Count of executed transactions segmented by result status.",
			}, []string{"status"}),
			hookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ledger",
				Subsystem: "execution",
				Name:      "hook_failures_total",
				Help:      "Count of before-commit hooks that failed and were rolled back.",
			}, []string{"instance"}),
			createPatch: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "ledger",
				Subsystem: "execution",
				Name:      "create_patch_seconds",
				Help:      "Time spent executing a block into a patch.",
				Buckets:   prometheus.DefBuckets,
			}),
			height: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "ledger",
				Subsystem: "execution",
				Name:      "height",
				Help:      "Height of the last merged block.",
			}),
		}
		prometheus.MustRegister(
			executionRegistry.blocks,
			executionRegistry.transactions,
			executionRegistry.hookFailures,
			executionRegistry.createPatch,
			executionRegistry.height,
		)
	})
	return executionRegistry
}

// RecordTransaction counts a transaction outcome. Status should be the
// string form of the result status.
func (m *ExecutionMetrics) RecordTransaction(status string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(normalizeLabel(status)).Inc()
}

// RecordHookFailure counts a failed before-commit hook of instance.
func (m *ExecutionMetrics) RecordHookFailure(instance string) {
	if m == nil {
		return
	}
	m.hookFailures.WithLabelValues(normalizeLabel(instance)).Inc()
}

// ObserveBlock records a produced block and how long it took.
func (m *ExecutionMetrics) ObserveBlock(duration time.Duration) {
	if m == nil {
		return
	}
	m.blocks.Inc()
	m.createPatch.Observe(duration.Seconds())
}

// SetHeight updates the merged height gauge.
func (m *ExecutionMetrics) SetHeight(height uint64) {
	if m == nil {
		return
	}
	m.height.Set(float64(height))
}

// Storage returns the lazily-initialised storage metrics registry.
func Storage() *StorageMetrics {
	storageMetricsOnce.Do(func() {
		storageRegistry = &StorageMetrics{
			merges: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "ledger",
				Subsystem: "storage",
				Name:      "merge_seconds",
				Help:      "Latency distribution of patch merges.",
				Buckets:   prometheus.DefBuckets,
			}),
			mergeErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ledger",
				Subsystem: "storage",
				Name:      "merge_errors_total",
				Help:      "Count of patch merges that failed.",
			}),
			patchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "ledger",
				Subsystem: "storage",
				Name:      "patch_changes",
				Help:      "Number of changes per merged patch.",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
			}),
		}
		prometheus.MustRegister(storageRegistry.merges, storageRegistry.mergeErrors, storageRegistry.patchSize)
	})
	return storageRegistry
}

// ObserveMerge records a merge of a patch with changes entries.
func (m *StorageMetrics) ObserveMerge(changes int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.mergeErrors.Inc()
		return
	}
	m.merges.Observe(duration.Seconds())
	m.patchSize.Observe(float64(changes))
}

func normalizeLabel(v string) string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}
