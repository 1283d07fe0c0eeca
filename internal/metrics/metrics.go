package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TokensGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_tokens_generated_total",
		Help: "The total number of tokens generated",
	}, []string{"model"})

	PromptTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_prompt_tokens_total",
		Help: "The total number of prompt tokens processed",
	}, []string{"model"})

	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_queries_total",
		Help: "Queries by model and outcome",
	}, []string{"model", "outcome"})

	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mesh_query_duration_seconds",
		Help:    "Wall time of a query from submission to the last token",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"model"})

	WorkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mesh_work_duration_seconds",
		Help:    "Duration of one work request by segment type",
		Buckets: prometheus.DefBuckets,
	}, []string{"segment"})

	WorkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_work_errors_total",
		Help: "Failed work requests by segment type",
	}, []string{"segment"})

	KVCacheEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mesh_kv_cache_entries",
		Help: "Entries per head group held by an attention layer's KV cache",
	}, []string{"model", "decoder"})

	KVCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_kv_cache_evictions_total",
		Help: "KV cache entries evicted by sliding window attention",
	})

	ModelsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mesh_models",
		Help: "Models known to the server by state",
	}, []string{"state"})

	ModelLoadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mesh_model_load_duration_seconds",
		Help:    "Time from open request to activation or failure",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"model", "outcome"})

	SegmentLoadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mesh_segment_load_duration_seconds",
		Help:    "Time a worker spends materializing one segment",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
	}, []string{"segment"})

	ParameterBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mesh_parameter_bytes",
		Help: "Bytes of parameters held by a worker per model",
	}, []string{"model"})

	PlannerFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_planner_failures_total",
		Help: "Plans rejected for insufficient capacity",
	})

	PlannedSegments = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mesh_planned_segments",
		Help:    "Number of segments per planned model",
		Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16},
	})

	WorkersRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_workers_registered",
		Help: "Workers that joined the server",
	})

	WorkerProbeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_worker_probe_failures_total",
		Help: "Worker health probes that did not report SERVING",
	})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_http_requests_total",
		Help: "HTTP requests by route and status",
	}, []string{"route", "status"})
)

func RecordTokens(model string, prompt, generated int) {
	PromptTokens.WithLabelValues(model).Add(float64(prompt))
	TokensGenerated.WithLabelValues(model).Add(float64(generated))
}

func RecordQuery(model, outcome string, duration time.Duration) {
	QueriesTotal.WithLabelValues(model, outcome).Inc()
	QueryDuration.WithLabelValues(model).Observe(duration.Seconds())
}

func RecordWork(segment string, duration time.Duration, err error) {
	WorkDuration.WithLabelValues(segment).Observe(duration.Seconds())
	if err != nil {
		WorkErrors.WithLabelValues(segment).Inc()
	}
}

func RecordKVCacheSize(model string, decoder, entries int) {
	KVCacheEntries.WithLabelValues(model, strconv.Itoa(decoder)).Set(float64(entries))
}

func RecordKVCacheEviction() {
	KVCacheEvictions.Inc()
}

// RecordModelTransition moves one model between state gauges. An empty
// from state only increments.
func RecordModelTransition(from, to string) {
	if from != "" {
		ModelsByState.WithLabelValues(from).Dec()
	}
	ModelsByState.WithLabelValues(to).Inc()
}

func RecordModelLoad(model, outcome string, duration time.Duration) {
	ModelLoadDuration.WithLabelValues(model, outcome).Observe(duration.Seconds())
}

func RecordSegmentLoad(segment string, duration time.Duration, bytes int64, model string) {
	SegmentLoadDuration.WithLabelValues(segment).Observe(duration.Seconds())
	ParameterBytes.WithLabelValues(model).Set(float64(bytes))
}

func RecordPlan(segments int, err error) {
	if err != nil {
		PlannerFailures.Inc()
		return
	}
	PlannedSegments.Observe(float64(segments))
}

func RecordWorkerJoined(total int) {
	WorkersRegistered.Set(float64(total))
}

func RecordProbeFailure() {
	WorkerProbeFailures.Inc()
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordHTTPRequest(route string, status int) {
	HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
