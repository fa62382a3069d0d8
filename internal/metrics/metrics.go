// Package metrics holds the Prometheus collectors for each service. Every
// collector registers on the default registry via promauto; mains expose it
// with promhttp.Handler().
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GatewayMetrics covers the capture-facing gRPC surface and the bus relays.
type GatewayMetrics struct {
	FramesReceived  *prometheus.CounterVec // device_id
	FramesRejected  *prometheus.CounterVec // reason: breaker, payload, publish
	FramesPublished prometheus.Counter
	BreakerState    prometheus.Gauge       // 0 closed, 1 half-open, 2 open
	BreakerTrips    prometheus.Counter
	RelayRequests   *prometheus.CounterVec // route, status
	RelayDuration   *prometheus.HistogramVec
	ResultsFanned   prometheus.Counter
	WSClients       prometheus.Gauge
}

// NewGateway registers and returns the gateway collectors.
func NewGateway() *GatewayMetrics {
	return &GatewayMetrics{
		FramesReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eyed_gateway_frames_received_total",
				Help: "Frames accepted from capture agents over gRPC",
			},
			[]string{"device_id"},
		),
		FramesRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eyed_gateway_frames_rejected_total",
				Help: "Frames rejected before reaching the bus",
			},
			[]string{"reason"}, // reason: breaker, payload, publish
		),
		FramesPublished: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "eyed_gateway_frames_published_total",
				Help: "Frames published on eyed.analyze",
			},
		),
		BreakerState: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "eyed_gateway_breaker_state",
				Help: "Publish breaker state (0 closed, 1 half-open, 2 open)",
			},
		),
		BreakerTrips: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "eyed_gateway_breaker_trips_total",
				Help: "Times the publish breaker opened",
			},
		),
		RelayRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eyed_gateway_relay_requests_total",
				Help: "REST relay requests by route and outcome",
			},
			[]string{"route", "status"},
		),
		RelayDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eyed_gateway_relay_duration_seconds",
				Help:    "REST relay round-trip time over the bus",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		ResultsFanned: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "eyed_gateway_results_fanned_total",
				Help: "Analyze results broadcast to WebSocket clients",
			},
		),
		WSClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "eyed_gateway_ws_clients",
				Help: "Connected WebSocket result clients",
			},
		),
	}
}

// EngineMetrics covers pipeline dispatch, matching, enrollment, and the
// cache drain.
type EngineMetrics struct {
	FramesAnalyzed  *prometheus.CounterVec // outcome: ok, error, rejected
	AnalyzeLatency  prometheus.Histogram
	PoolBusy        prometheus.Gauge
	GallerySize     prometheus.Gauge
	GalleryReloads  prometheus.Counter
	Enrollments     *prometheus.CounterVec // outcome: enrolled, duplicate, error
	QueueDepth      prometheus.Gauge
	DrainBatches    prometheus.Counter
	DrainBatchSize  prometheus.Histogram
	DrainDeadLetter prometheus.Counter
	KeyCalls        *prometheus.CounterVec // op, outcome
}

// NewEngine registers and returns the engine collectors.
func NewEngine() *EngineMetrics {
	return &EngineMetrics{
		FramesAnalyzed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eyed_engine_frames_analyzed_total",
				Help: "Analyze requests by outcome",
			},
			[]string{"outcome"}, // outcome: ok, error, rejected
		),
		AnalyzeLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "eyed_engine_analyze_latency_seconds",
				Help:    "End-to-end analyze latency inside the engine",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		PoolBusy: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "eyed_engine_pool_busy",
				Help: "Pipeline workers currently occupied",
			},
		),
		GallerySize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "eyed_engine_gallery_size",
				Help: "Templates in the in-memory gallery snapshot",
			},
		),
		GalleryReloads: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "eyed_engine_gallery_reloads_total",
				Help: "Gallery reloads triggered by templates.changed",
			},
		),
		Enrollments: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eyed_engine_enrollments_total",
				Help: "Enrollment attempts by outcome",
			},
			[]string{"outcome"}, // outcome: enrolled, duplicate, error
		),
		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "eyed_engine_enroll_queue_depth",
				Help: "Pending enrollments in the Redis write-through queue",
			},
		),
		DrainBatches: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "eyed_engine_drain_batches_total",
				Help: "Drain batches flushed to Postgres",
			},
		),
		DrainBatchSize: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "eyed_engine_drain_batch_size",
				Help:    "Items per drain flush",
				Buckets: []float64{1, 2, 5, 10, 20, 50},
			},
		),
		DrainDeadLetter: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "eyed_engine_drain_dead_letter_total",
				Help: "Enrollments parked on the dead-letter list",
			},
		),
		KeyCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eyed_engine_key_calls_total",
				Help: "Key-service round trips by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
	}
}

// StorageMetrics covers the archive sink.
type StorageMetrics struct {
	FramesArchived prometheus.Counter
	ArchiveErrors  prometheus.Counter
	PurgedDirs     prometheus.Counter
	PurgedBytes    prometheus.Counter
}

// NewStorage registers and returns the storage collectors.
func NewStorage() *StorageMetrics {
	return &StorageMetrics{
		FramesArchived: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "eyed_storage_frames_archived_total",
				Help: "Frames written to the archive",
			},
		),
		ArchiveErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "eyed_storage_archive_errors_total",
				Help: "Archive messages that failed to persist",
			},
		),
		PurgedDirs: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "eyed_storage_purged_dirs_total",
				Help: "Date directories removed by the retention purger",
			},
		),
		PurgedBytes: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "eyed_storage_purged_bytes_total",
				Help: "Bytes freed by the retention purger",
			},
		),
	}
}
