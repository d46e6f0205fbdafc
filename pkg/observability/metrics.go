package observability

import (
	"database/sql"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Permission evaluation
	PermissionChecksTotal   *prometheus.CounterVec
	PermissionCheckDuration *prometheus.HistogramVec
	EvaluationErrorsTotal   *prometheus.CounterVec

	// Snapshot loading and caching
	SnapshotLoadsTotal    *prometheus.CounterVec
	SnapshotLoadDuration  prometheus.Histogram
	SnapshotCacheHits     prometheus.Counter
	SnapshotCacheMisses   prometheus.Counter
	SnapshotInvalidations prometheus.Counter

	// API keys
	APIKeyValidationsTotal *prometheus.CounterVec
	APIKeysDeactivated     prometheus.Counter
	JanitorRunsTotal       *prometheus.CounterVec

	// Database
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
	DBWaitCount         prometheus.Gauge
}

// NewMetrics creates and registers all metrics on registry
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		PermissionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridguard_permission_checks_total",
				Help: "Total number of permission checks by scope, operation and result",
			},
			[]string{"scope", "operation", "result"},
		),
		PermissionCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gridguard_permission_check_duration_seconds",
				Help:    "Permission check latency in seconds",
				Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
			},
			[]string{"scope"},
		),
		EvaluationErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridguard_evaluation_errors_total",
				Help: "Total number of permission checks that failed to evaluate",
			},
			[]string{"scope"},
		),

		SnapshotLoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridguard_snapshot_loads_total",
				Help: "Total number of workspace snapshot loads",
			},
			[]string{"status"},
		),
		SnapshotLoadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gridguard_snapshot_load_duration_seconds",
				Help:    "Workspace snapshot load latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		SnapshotCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gridguard_snapshot_cache_hits_total",
				Help: "Total number of snapshot cache hits",
			},
		),
		SnapshotCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gridguard_snapshot_cache_misses_total",
				Help: "Total number of snapshot cache misses",
			},
		),
		SnapshotInvalidations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gridguard_snapshot_invalidations_total",
				Help: "Total number of snapshot cache invalidations",
			},
		),

		APIKeyValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridguard_api_key_validations_total",
				Help: "Total number of API key validations by result",
			},
			[]string{"result"},
		),
		APIKeysDeactivated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gridguard_api_keys_deactivated_total",
				Help: "Total number of expired API keys deactivated",
			},
		),
		JanitorRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridguard_janitor_runs_total",
				Help: "Total number of janitor runs",
			},
			[]string{"status"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gridguard_db_connections_active",
				Help: "Number of in-use database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gridguard_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gridguard_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
	}

	registry.MustRegister(
		m.PermissionChecksTotal,
		m.PermissionCheckDuration,
		m.EvaluationErrorsTotal,
		m.SnapshotLoadsTotal,
		m.SnapshotLoadDuration,
		m.SnapshotCacheHits,
		m.SnapshotCacheMisses,
		m.SnapshotInvalidations,
		m.APIKeyValidationsTotal,
		m.APIKeysDeactivated,
		m.JanitorRunsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBWaitCount,
	)

	return m
}

// RecordDBStats copies the pool statistics of db into the database gauges
func (m *Metrics) RecordDBStats(db *sql.DB) {
	stats := db.Stats()
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBWaitCount.Set(float64(stats.WaitCount))
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
