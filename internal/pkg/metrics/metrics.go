package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics
var (
	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelcore_pipeline_runs_total",
			Help: "Total number of pipeline runs by final status",
		},
		[]string{"status"}, // "completed", "completed_with_fallback", "failed"
	)

	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pixelcore_pipeline_duration_seconds",
			Help:    "Duration of a complete pipeline run in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pixelcore_stage_duration_seconds",
			Help:    "Duration of a single pipeline stage in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"stage", "outcome"}, // outcome: "ok", "fallback", "degraded", "failed", "skipped"
	)

	PipelineInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pixelcore_pipeline_in_flight",
			Help: "Number of pipeline runs currently executing",
		},
	)

	CompressionRatio = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pixelcore_compression_ratio",
			Help:    "Compressed size divided by input size",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1},
		},
	)
)

// Fallback metrics
var (
	FallbackAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelcore_fallback_attempts_total",
			Help: "Fallback strategy attempts by stage, strategy and result",
		},
		[]string{"stage", "strategy", "result"},
	)

	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelcore_errors_total",
			Help: "Classified processing errors by stage and kind",
		},
		[]string{"stage", "kind"},
	)
)

// Cache metrics
var (
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelcore_cache_hits_total",
			Help: "Cache hits by tier",
		},
		[]string{"tier"}, // "memory", "disk", "redis"
	)

	CacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pixelcore_cache_misses_total",
			Help: "Cache lookups that missed every tier",
		},
	)

	CacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelcore_cache_evictions_total",
			Help: "Cache entries removed by eviction or expiry",
		},
		[]string{"tier", "reason"}, // reason: "lru", "expired", "invalidated"
	)

	CacheMemoryBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pixelcore_cache_memory_bytes",
			Help: "Bytes held by the in-memory cache tier",
		},
	)
)

// Queue metrics
var (
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pixelcore_queue_depth",
			Help: "Pending tasks by priority",
		},
		[]string{"priority"},
	)

	QueueTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelcore_queue_tasks_total",
			Help: "Task state transitions by resulting status",
		},
		[]string{"status"},
	)

	QueueRunningTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pixelcore_queue_running_tasks",
			Help: "Tasks currently being processed by workers",
		},
	)
)

// Temp file metrics
var (
	TempFilesTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pixelcore_tempfiles_tracked",
			Help: "Number of tracked temporary files and directories",
		},
	)

	TempFilesRemovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelcore_tempfiles_removed_total",
			Help: "Temporary entries removed by reason",
		},
		[]string{"reason"}, // "release", "expired", "orphan", "purpose", "tags", "all"
	)
)

// Monitor metrics
var (
	MonitorAlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelcore_monitor_alerts_total",
			Help: "Threshold alerts raised by the processing monitor",
		},
		[]string{"type", "severity"},
	)

	StorageUsedBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pixelcore_storage_used_bytes",
			Help: "Bytes used by managed working storage",
		},
	)

	DegradationPercent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pixelcore_degradation_percent",
			Help: "Recent versus baseline degradation in percent",
		},
		[]string{"dimension"}, // "latency", "throughput"
	)
)
