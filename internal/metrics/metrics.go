// Package metrics provides Prometheus metrics for the proxy.
// It tracks dispatch outcomes, upstream latencies, waterfall selection,
// quota decisions, and configuration cache effectiveness.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "llmgate"

// LatencyBuckets defines histogram buckets for latency metrics (in seconds).
// Upper buckets reach the 5-minute upstream deadline.
var LatencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
	20.0, 30.0, 60.0, 120.0, 180.0, 240.0, 300.0,
}

var (
	// RequestsTotal counts dispatched requests by route and status code.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of proxied requests",
		},
		[]string{"route", "status_code"},
	)

	// UpstreamLatency tracks upstream call latency by source kind.
	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Upstream request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"source_kind", "stream"},
	)

	// SourceSelections counts waterfall outcomes by source kind.
	// Kinds: pinned, default, backup, queued_default, exhausted.
	SourceSelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_selections_total",
			Help:      "Waterfall source selection outcomes",
		},
		[]string{"kind"},
	)

	// InFlight tracks currently open upstream requests by source.
	InFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_requests",
			Help:      "Currently open upstream requests",
		},
		[]string{"source"},
	)

	// UsageDenials counts requests denied by the daily quota.
	UsageDenials = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_denials_total",
			Help:      "Requests denied because the daily limit was reached",
		},
	)

	// UsageDeduped counts increments skipped by conversation-turn dedup.
	UsageDeduped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_deduped_total",
			Help:      "Usage increments skipped as same-conversation retries",
		},
	)

	// CacheHits counts config cache hits by entity.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_cache_hits_total",
			Help:      "Read-through config cache hits",
		},
		[]string{"entity"},
	)

	// CacheMisses counts config cache misses by entity.
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_cache_misses_total",
			Help:      "Read-through config cache misses",
		},
		[]string{"entity"},
	)

	// HeartbeatsSent counts SSE heartbeat comments written to callers.
	HeartbeatsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "SSE heartbeat comments written to callers",
		},
	)

	// UpstreamErrors counts upstream failures by class.
	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream failures by class",
		},
		[]string{"class"},
	)
)
