package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Authentication metrics
	AuthAttemptsTotal *prometheus.CounterVec

	// Routing metrics
	RouteLookupsTotal      *prometheus.CounterVec
	ScatterGatherDuration  *prometheus.HistogramVec
	ScatterPartialFailures *prometheus.CounterVec

	// Migration metrics
	MigrationsTotal      *prometheus.CounterVec
	MigrationsActive     prometheus.Gauge
	MigrationChunksTotal prometheus.Counter

	// Backup/restore metrics
	BackupsTotal     *prometheus.CounterVec
	BackupBytes      prometheus.Counter
	BackupDuration   *prometheus.HistogramVec
	RestoresTotal    *prometheus.CounterVec
	RestoreAttempts  prometheus.Counter
	RetentionDeletes prometheus.Counter
}

// NewMetrics creates and registers Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		AuthAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_auth_attempts_total",
				Help: "Total number of authentication attempts",
			},
			[]string{"origin", "outcome"},
		),

		RouteLookupsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_route_lookups_total",
				Help: "Total number of tenant route lookups",
			},
			[]string{"outcome"},
		),

		ScatterGatherDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "core_scatter_gather_duration_seconds",
				Help:    "Duration of scatter-gather queries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),

		ScatterPartialFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_scatter_partial_failures_total",
				Help: "Total number of per-partition failures absorbed by scatter-gather",
			},
			[]string{"partition_id", "reason"},
		),

		MigrationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_migrations_total",
				Help: "Total number of tenant migrations by terminal status",
			},
			[]string{"status"},
		),

		MigrationsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "core_migrations_active",
				Help: "Number of migrations currently in flight",
			},
		),

		MigrationChunksTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "core_migration_chunks_total",
				Help: "Total number of backfill chunks committed",
			},
		),

		BackupsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_backups_total",
				Help: "Total number of backup artifacts by terminal status",
			},
			[]string{"status"},
		),

		BackupBytes: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "core_backup_bytes_total",
				Help: "Total bytes uploaded to backup storage",
			},
		),

		BackupDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "core_backup_duration_seconds",
				Help:    "Duration of backup creation",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"status"},
		),

		RestoresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_restores_total",
				Help: "Total number of restore jobs by terminal status",
			},
			[]string{"status"},
		),

		RestoreAttempts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "core_restore_download_attempts_total",
				Help: "Total number of artifact download attempts",
			},
		),

		RetentionDeletes: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "core_retention_deletes_total",
				Help: "Total number of artifacts deleted by retention sweeps",
			},
		),
	}
}
