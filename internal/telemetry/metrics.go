package telemetry

import "github.com/prometheus/client_golang/prometheus"

// HTTPRequestDuration records request latency by method, route pattern,
// and response status, observed by the httpserver Metrics middleware.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tokenvault",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"method", "route", "status"},
)

// TokensRefreshedTotal counts successful just-in-time and sweeper-driven
// access token refreshes, by trigger and livemode.
var TokensRefreshedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tokenvault",
		Subsystem: "tokens",
		Name:      "refreshed_total",
		Help:      "Total number of access tokens refreshed.",
	},
	[]string{"trigger", "livemode"},
)

// TokensRefreshFailedTotal counts refresh attempts that failed, leaving the
// stored row untouched.
var TokensRefreshFailedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tokenvault",
		Subsystem: "tokens",
		Name:      "refresh_failed_total",
		Help:      "Total number of failed access token refresh attempts.",
	},
	[]string{"trigger"},
)

// ProvisioningTicksTotal counts provisioning FSM ticks by outcome
// (ok, error, lock_busy).
var ProvisioningTicksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tokenvault",
		Subsystem: "provisioning",
		Name:      "ticks_total",
		Help:      "Total number of provisioning FSM ticks.",
	},
	[]string{"outcome"},
)

// ProvisioningTickDuration records how long each tick takes, to surface
// slow control-plane calls.
var ProvisioningTickDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "tokenvault",
		Subsystem: "provisioning",
		Name:      "tick_duration_seconds",
		Help:      "Provisioning FSM tick duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
)

// SweeperRunDuration records how long each sweeper run takes end to end.
var SweeperRunDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "tokenvault",
		Subsystem: "sweeper",
		Name:      "run_duration_seconds",
		Help:      "Bulk token sweeper run duration in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
	},
)

// SweeperLastRunSummary surfaces the outcome counts of the most recent
// sweeper run as gauges, for dashboards that don't want to parse logs.
var SweeperLastRunSummary = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "tokenvault",
		Subsystem: "sweeper",
		Name:      "last_run_connections",
		Help:      "Connection counts from the most recent sweeper run, by outcome.",
	},
	[]string{"outcome"},
)

// All returns every collector for registration against a single registry.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		TokensRefreshedTotal,
		TokensRefreshFailedTotal,
		ProvisioningTicksTotal,
		ProvisioningTickDuration,
		SweeperRunDuration,
		SweeperLastRunSummary,
	}
}
