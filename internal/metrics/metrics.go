package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_requests_total",
			Help: "Total number of chat requests processed",
		},
		[]string{"provider", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aigateway_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"provider", "model", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_cost_usd_total",
			Help: "Total cost in USD",
		},
		[]string{"provider", "model"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_provider_errors_total",
			Help: "Total number of provider errors",
		},
		[]string{"provider", "error_type"},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_retries_total",
			Help: "Total number of same-hop retries",
		},
		[]string{"provider", "model"},
	)

	FailoversTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_failovers_total",
			Help: "Total number of fallback-chain hops taken",
		},
		[]string{"from_provider", "to_provider"},
	)

	FallbackExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aigateway_fallback_exhausted_total",
			Help: "Total number of calls that exhausted the fallback chain",
		},
	)

	ModelSwitchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_model_switches_total",
			Help: "Total number of runtime model switches",
		},
		[]string{"provider", "model"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_rate_limit_hits_total",
			Help: "Total number of inbound rate limit rejections",
		},
		[]string{"caller"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aigateway_active_streams",
			Help: "Number of active streaming calls",
		},
	)

	StreamChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_stream_chunks_total",
			Help: "Total number of stream chunks emitted",
		},
		[]string{"provider", "type"},
	)
)

func RecordRequest(provider, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(provider, model, status).Inc()
	RequestDuration.WithLabelValues(provider, model).Observe(durationSec)
}

func RecordTokens(provider, model string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
}

func RecordCost(provider, model string, costUSD float64) {
	CostTotal.WithLabelValues(provider, model).Add(costUSD)
}

func RecordProviderError(provider, errorType string) {
	ProviderErrors.WithLabelValues(provider, errorType).Inc()
}

func RecordRetry(provider, model string) {
	RetriesTotal.WithLabelValues(provider, model).Inc()
}

func RecordFailover(fromProvider, toProvider string) {
	FailoversTotal.WithLabelValues(fromProvider, toProvider).Inc()
}

func RecordFallbackExhausted() {
	FallbackExhaustedTotal.Inc()
}

func RecordModelSwitch(provider, model string) {
	ModelSwitchesTotal.WithLabelValues(provider, model).Inc()
}

func RecordRateLimitHit(caller string) {
	RateLimitHits.WithLabelValues(caller).Inc()
}

func RecordStreamChunk(provider, chunkType string) {
	StreamChunksTotal.WithLabelValues(provider, chunkType).Inc()
}

func IncrementActiveStreams() {
	ActiveStreams.Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.Dec()
}
