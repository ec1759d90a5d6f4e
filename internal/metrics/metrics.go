// Package metrics exposes the Prometheus collectors record and replay
// operations report against, grounded in the operator metrics pattern:
// package-level collectors registered once in init, small label sets,
// plain functions to record an observation rather than exposing the
// collectors themselves.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	recordLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ouli_record_request_duration_seconds",
		Help:    "End-to-end latency of a recorded request, from accept to response returned.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
	}, []string{"endpoint"})

	replayLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ouli_replay_request_duration_seconds",
		Help:    "End-to-end latency of a replayed request, from accept to response returned.",
		Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20),
	}, []string{"endpoint"})

	replayCacheResult = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ouli_replay_cache_result_total",
		Help: "Replay response cache lookups, labeled by hit or miss.",
	}, []string{"endpoint", "result"})

	chainErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ouli_chain_errors_total",
		Help: "Chain-related errors, labeled by error kind (ChainMismatch, ChainDepthExceeded, ...).",
	}, []string{"endpoint", "kind"})

	interactionsRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ouli_interactions_recorded_total",
		Help: "Interactions successfully appended to a recording.",
	}, []string{"endpoint"})

	redactionHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ouli_redaction_hits_total",
		Help: "Number of times a configured redaction pattern matched, labeled by endpoint.",
	}, []string{"endpoint"})

	openSessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ouli_open_sessions",
		Help: "Number of sessions currently open, labeled by endpoint and mode.",
	}, []string{"endpoint", "mode"})

	connectionPoolRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ouli_connection_pool_rejections_total",
		Help: "Connections refused because the endpoint's connection limit was reached.",
	}, []string{"endpoint"})

	poolActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ouli_endpoint_pool_active",
		Help: "Client connections on an endpoint's listener currently handling a request, supplemented from original_source's connection pool metrics.",
	}, []string{"endpoint"})

	poolIdle = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ouli_endpoint_pool_idle",
		Help: "Client connections on an endpoint's listener open but idle between requests (HTTP keep-alive).",
	}, []string{"endpoint"})
)

func init() {
	prometheus.MustRegister(
		recordLatency,
		replayLatency,
		replayCacheResult,
		chainErrors,
		interactionsRecorded,
		redactionHits,
		openSessions,
		connectionPoolRejections,
		poolActive,
		poolIdle,
	)
}

// ObserveRecordLatency reports how long a recorded request took end to end.
func ObserveRecordLatency(endpoint string, seconds float64) {
	recordLatency.WithLabelValues(endpoint).Observe(seconds)
}

// ObserveReplayLatency reports how long a replayed request took end to end.
func ObserveReplayLatency(endpoint string, seconds float64) {
	replayLatency.WithLabelValues(endpoint).Observe(seconds)
}

// RecordCacheResult increments the replay cache hit/miss counter.
func RecordCacheResult(endpoint string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	replayCacheResult.WithLabelValues(endpoint, result).Inc()
}

// RecordChainError increments the chain error counter for a given kind
// string, as produced by oulierr.Kind.String() (e.g. "ChainMismatch",
// "ChainDepthExceeded").
func RecordChainError(endpoint, kind string) {
	chainErrors.WithLabelValues(endpoint, kind).Inc()
}

// IncInteractionsRecorded increments the count of interactions appended to
// a recording for an endpoint.
func IncInteractionsRecorded(endpoint string) {
	interactionsRecorded.WithLabelValues(endpoint).Inc()
}

// AddRedactionHits adds n to the redaction hit counter for an endpoint.
func AddRedactionHits(endpoint string, n uint64) {
	if n == 0 {
		return
	}
	redactionHits.WithLabelValues(endpoint).Add(float64(n))
}

// SetOpenSessions sets the open-session gauge for an endpoint/mode pair.
func SetOpenSessions(endpoint, mode string, n int) {
	openSessions.WithLabelValues(endpoint, mode).Set(float64(n))
}

// IncConnectionPoolRejection increments the connection-pool rejection
// counter for an endpoint.
func IncConnectionPoolRejection(endpoint string) {
	connectionPoolRejections.WithLabelValues(endpoint).Inc()
}

// SetPoolActive sets the active-connection gauge for an endpoint.
func SetPoolActive(endpoint string, n int) {
	poolActive.WithLabelValues(endpoint).Set(float64(n))
}

// SetPoolIdle sets the idle-connection gauge for an endpoint.
func SetPoolIdle(endpoint string, n int) {
	poolIdle.WithLabelValues(endpoint).Set(float64(n))
}
