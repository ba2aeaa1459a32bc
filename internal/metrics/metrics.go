package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Routing metrics
	RequestsRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_requests_routed_total",
			Help: "Total number of requests routed",
		},
		[]string{"model", "status"},
	)

	RouteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelmux_route_duration_seconds",
			Help:    "End-to-end routing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	FallbacksUsed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modelmux_fallbacks_total",
			Help: "Total number of requests served by a fallback candidate",
		},
	)

	CandidatesExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modelmux_candidates_exhausted_total",
			Help: "Total number of requests where every candidate failed",
		},
	)

	// Provider metrics
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_provider_calls_total",
			Help: "Total number of provider calls",
		},
		[]string{"provider", "model", "status"},
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelmux_provider_call_duration_ms",
			Help:    "Provider call duration in milliseconds",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		},
		[]string{"provider", "model"},
	)

	ProviderRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_provider_retries_total",
			Help: "Total number of adapter-level retries",
		},
		[]string{"provider", "kind"},
	)

	// Rate limiter metrics
	RateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_rate_limit_denials_total",
			Help: "Total number of rate limiter denials",
		},
		[]string{"model"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modelmux_cache_hits_total",
			Help: "Total number of response cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modelmux_cache_misses_total",
			Help: "Total number of response cache misses",
		},
	)

	// Ledger metrics
	CreditsCharged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modelmux_credits_charged_total",
			Help: "Total credits charged across all users",
		},
	)

	CreditsRefunded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modelmux_credits_refunded_total",
			Help: "Total credits refunded across all users",
		},
	)

	InsufficientCredits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modelmux_insufficient_credits_total",
			Help: "Total number of requests rejected for insufficient credits",
		},
	)

	LedgerTxFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modelmux_ledger_tx_failures_total",
			Help: "Total number of failed ledger transactions",
		},
	)

	// Pricing metrics
	PricingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_pricing_fallbacks_total",
			Help: "Count of cost computations that fell back to default pricing",
		},
		[]string{"reason"},
	)

	// Token metrics
	TokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "modelmux_tokens_used",
			Help:    "Number of tokens used per routed request",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 50000},
		},
	)

	// Circuit breaker metrics
	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_circuit_breaker_trips_total",
			Help: "Total number of per-model circuit breaker trips",
		},
		[]string{"model"},
	)

	// Session metrics
	SessionAppendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modelmux_session_append_failures_total",
			Help: "Total number of failed session persistence attempts",
		},
	)
)
