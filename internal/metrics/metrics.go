// Package metrics holds the Prometheus collectors shared by the pipeline,
// the dashboard and the Group Registry.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for pharmadir.
type Metrics struct {
	// Pipeline
	RunsTotal     *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	RowsRemoved   *prometheus.CounterVec
	RowsKept      prometheus.Counter
	RowsWritten   prometheus.Gauge

	// Dashboard snapshot cache
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
	CacheEvictions   prometheus.Counter

	// Group Registry
	RegistryMutations *prometheus.CounterVec
}

// New returns the process-wide metrics, registering them with the default
// registry on first use.
//
// Metrics:
//   - pharmadir_pipeline_runs_total{status} - runs by terminal status
//   - pharmadir_pipeline_stage_duration_seconds{stage} - stage wall time
//   - pharmadir_filter_rows_removed_total{predicate} - rows removed per predicate
//   - pharmadir_filter_rows_kept_total - rows surviving the filter
//   - pharmadir_directory_rows - rows in the last written snapshot
//   - pharmadir_dashboard_cache_hits_total / _misses_total / _evictions_total
//   - pharmadir_registry_mutations_total{op} - Group Registry writes
func New() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = newMetrics(promauto.With(prometheus.DefaultRegisterer))
	})
	return globalMetrics
}

// NewWithRegistry registers a fresh set of metrics with reg. Tests use it to
// read values back without touching the default registry.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetrics(promauto.With(reg))
}

func newMetrics(f promauto.Factory) *Metrics {
	return &Metrics{
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pharmadir_pipeline_runs_total",
				Help: "Total number of pipeline runs by terminal status",
			},
			[]string{"status"}, // "done", "no_matches", "failed"
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pharmadir_pipeline_stage_duration_seconds",
				Help:    "Duration of pipeline stages in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800, 3600},
			},
			[]string{"stage"},
		),
		RowsRemoved: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pharmadir_filter_rows_removed_total",
				Help: "Rows removed by the record filter, by predicate",
			},
			[]string{"predicate"},
		),
		RowsKept: f.NewCounter(prometheus.CounterOpts{
			Name: "pharmadir_filter_rows_kept_total",
			Help: "Rows kept by the record filter",
		}),
		RowsWritten: f.NewGauge(prometheus.GaugeOpts{
			Name: "pharmadir_directory_rows",
			Help: "Rows in the most recently written directory snapshot",
		}),
		CacheHitsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pharmadir_dashboard_cache_hits_total",
			Help: "Snapshot cache hits",
		}),
		CacheMissesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pharmadir_dashboard_cache_misses_total",
			Help: "Snapshot cache misses",
		}),
		CacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "pharmadir_dashboard_cache_evictions_total",
			Help: "Snapshot cache evictions after a file changed on disk",
		}),
		RegistryMutations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pharmadir_registry_mutations_total",
				Help: "Group Registry mutations by operation",
			},
			[]string{"op"}, // "append", "delete", "update_dates"
		),
	}
}
