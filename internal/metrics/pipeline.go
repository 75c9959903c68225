package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics. All metrics are low-cardinality: labels are component or
// queue names, never camera ids or batch ids.

var (
	// InferenceTotal counts AI inference calls by target and outcome
	InferenceTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_inference_total",
			Help: "Total AI inference calls by target service and outcome",
		},
		[]string{"target", "outcome"},
	)

	// InferenceLatency tracks inference latency
	InferenceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_inference_latency_ms",
			Help:    "Inference latency in milliseconds",
			Buckets: []float64{50, 100, 200, 500, 1000, 2000, 5000, 15000, 60000},
		},
		[]string{"target"},
	)

	// QueueDepth is the current length per queue
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_queue_depth",
			Help: "Current queue length by queue name",
		},
		[]string{"queue"},
	)

	// QueueDroppedTotal counts items dropped by overflow policy
	QueueDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_queue_dropped_total",
			Help: "Items dropped due to queue overflow",
		},
		[]string{"queue"},
	)

	// QueueDLQTotal counts items moved to a dead-letter queue
	QueueDLQTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_queue_dlq_total",
			Help: "Items moved to a dead-letter queue",
		},
		[]string{"queue", "reason"},
	)

	// EventsEmittedTotal counts persisted risk events
	EventsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_events_emitted_total",
			Help: "Risk events persisted, by risk level and path",
		},
		[]string{"risk_level", "path"},
	)

	// BatchesClosedTotal counts closed batches by trigger
	BatchesClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_batches_closed_total",
			Help: "Batches closed, by trigger (window, idle, manual)",
		},
		[]string{"trigger"},
	)

	// WorkerErrorsTotal counts worker-level failures by class
	WorkerErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_worker_errors_total",
			Help: "Worker errors by worker name and error class",
		},
		[]string{"worker", "class"},
	)

	// GPUMemoryPressure is the current pressure level (0=normal 1=warning 2=critical)
	GPUMemoryPressure = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_gpu_memory_pressure_level",
			Help: "Current GPU memory pressure level (0=normal, 1=warning, 2=critical)",
		},
	)

	// InferencePermits is the number of currently available semaphore permits
	InferencePermits = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_inference_permits_available",
			Help: "Available inference semaphore permits",
		},
	)

	// ServiceUp reports dependency health (detector, nemotron)
	ServiceUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_dependency_up",
			Help: "External AI dependency health (1=up, 0=down)",
		},
		[]string{"service"},
	)
)

func RecordInference(target, outcome string) {
	InferenceTotal.WithLabelValues(target, outcome).Inc()
}

func RecordInferenceLatency(target string, latencyMs float64) {
	InferenceLatency.WithLabelValues(target).Observe(latencyMs)
}

func RecordEvent(riskLevel string, fastPath bool) {
	path := "batch"
	if fastPath {
		path = "fast_path"
	}
	EventsEmittedTotal.WithLabelValues(riskLevel, path).Inc()
}

func SetDependencyUp(service string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	ServiceUp.WithLabelValues(service).Set(v)
}
