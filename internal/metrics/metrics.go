package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GRPCServerHandlingSeconds is a histogram for gRPC server request latencies
	GRPCServerHandlingSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grpc_server_handling_seconds",
			Help:    "Histogram of response latency (seconds) of gRPC that had been application-level handled by the server.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "code"},
	)

	// PipelineProcessSeconds tracks end-to-end latency of one object through a pipeline
	PipelineProcessSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_process_seconds",
			Help:    "Histogram of map-reduce pipeline latency (seconds) per object.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"pipeline", "outcome"},
	)

	// PredictorLatencySeconds is a histogram for one predictor invocation
	PredictorLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "predictor_latency_seconds",
			Help:    "Histogram of predictor latency (seconds), input assembly plus inference.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"model"},
	)

	// GroupOutcomes counts reduced ensemble groups by outcome
	GroupOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ensemble_group_outcomes_total",
			Help: "Number of ensemble groups reduced, by group and outcome (ok, unavailable).",
		},
		[]string{"group", "outcome"},
	)

	// ModalityCacheRequests counts modality resolutions by cache result
	ModalityCacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modality_cache_requests_total",
			Help: "Modality resolutions by modality and result (hit, miss, error).",
		},
		[]string{"modality", "result"},
	)

	// HealthStatus is a gauge indicating the health status of the service
	HealthStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "health_status",
			Help: "Health status of the service (1 = healthy, 0 = unhealthy).",
		},
	)
)

// RecordGRPCLatency records the latency of a gRPC method call
func RecordGRPCLatency(method, code string, seconds float64) {
	GRPCServerHandlingSeconds.WithLabelValues(method, code).Observe(seconds)
}

// RecordPipeline records the latency of one Process call
func RecordPipeline(pipeline, outcome string, seconds float64) {
	PipelineProcessSeconds.WithLabelValues(pipeline, outcome).Observe(seconds)
}

// RecordPredictorLatency records the latency of one predictor invocation
func RecordPredictorLatency(model string, seconds float64) {
	PredictorLatencySeconds.WithLabelValues(model).Observe(seconds)
}

// RecordGroupOutcome counts one reduced group
func RecordGroupOutcome(group, outcome string) {
	GroupOutcomes.WithLabelValues(group, outcome).Inc()
}

// RecordModalityCache counts one modality resolution
func RecordModalityCache(modality, result string) {
	ModalityCacheRequests.WithLabelValues(modality, result).Inc()
}

// SetHealthy sets the health status to healthy
func SetHealthy() {
	HealthStatus.Set(1)
}

// SetUnhealthy sets the health status to unhealthy
func SetUnhealthy() {
	HealthStatus.Set(0)
}
