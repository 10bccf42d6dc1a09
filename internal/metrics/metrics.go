// Package metrics holds the Prometheus collectors for generation and the
// HTTP surface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	GenerationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "epicrisis_generations_total",
		Help: "Generations finished, by outcome",
	}, []string{"outcome"})

	TokensGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "epicrisis_tokens_generated_total",
		Help: "The total number of tokens sampled",
	})

	PromptTokens = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "epicrisis_prompt_tokens",
		Help:    "Distribution of encoded prompt lengths",
		Buckets: []float64{8, 32, 128, 512, 1024, 2048, 4096, 8192},
	})

	StepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "epicrisis_step_duration_seconds",
		Help:    "Duration of one decode step, engine call included",
		Buckets: prometheus.DefBuckets,
	})

	CacheSeqLen = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "epicrisis_kv_cache_seq_len",
		Help:    "KV cache sequence length at the end of a generation",
		Buckets: []float64{16, 64, 256, 1024, 2048, 4096, 8192, 16384},
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "epicrisis_http_requests_total",
		Help: "HTTP requests served, by route and status code",
	}, []string{"route", "code"})

	ModelsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "epicrisis_models_loaded",
		Help: "Models currently held in the server cache",
	})

	ModelEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "epicrisis_model_evictions_total",
		Help: "Models evicted from the server cache",
	})
)

// Outcome labels for GenerationsTotal.
const (
	OutcomeOK            = "ok"
	OutcomeConfiguration = "configuration_error"
	OutcomeTokenization  = "tokenization_error"
	OutcomeEngineOutput  = "engine_output_error"
	OutcomeCanceled      = "canceled"
	OutcomeError         = "error"
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
