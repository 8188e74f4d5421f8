// Package metrics registers the service's Prometheus collectors with the
// default registry. Collectors are package variables so every binary exposes
// the same names.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pln"

// HTTPRequestsTotal labels: method, route (gin full path), status code.
var HTTPRequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests served.",
	},
	[]string{"method", "route", "status"},
)

var HTTPRequestDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Latency of HTTP requests.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route"},
)

// LoansOpenedTotal labels: source ("direct" or "router").
var LoansOpenedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "loans_opened_total",
		Help:      "Total number of loans originated.",
	},
	[]string{"source"},
)

// LoansResolvedTotal labels: status ("repaid" or "liquidated").
var LoansResolvedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "loans_resolved_total",
		Help:      "Total number of loans reaching a terminal status.",
	},
	[]string{"status"},
)

// EffectsProcessedTotal labels: topic, result ("applied", "duplicate", "retry", "failed").
var EffectsProcessedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "effects_processed_total",
		Help:      "Outbox effects handled by the worker, by outcome.",
	},
	[]string{"topic", "result"},
)

var EffectProcessingDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "effect_processing_duration_seconds",
		Help:      "Time spent applying a single outbox effect.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"topic"},
)

// EffectDedupTotal labels: result ("hit" or "miss").
var EffectDedupTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "effect_dedup_total",
		Help:      "Dedup cache lookups for outbox effects.",
	},
	[]string{"result"},
)

// RouterRebalancesTotal labels: decision ("route", "passive", "hold").
var RouterRebalancesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "router_rebalances_total",
		Help:      "Allocation policy evaluations by decision.",
	},
	[]string{"decision"},
)

// KeeperActionsTotal labels: action ("liquidate", "match"), result ("ok", "skipped", "error").
var KeeperActionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "keeper_actions_total",
		Help:      "Keeper scan actions by outcome.",
	},
	[]string{"action", "result"},
)

var WSConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_connections",
		Help:      "Open websocket connections.",
	},
)

// WSDroppedTotal counts clients disconnected for falling behind.
var WSDroppedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_dropped_total",
		Help:      "Websocket clients dropped because their outbound buffer was full.",
	},
)
