// Package metrics provides Prometheus metrics for skyway-agent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReconcileLoopDuration tracks the duration of one full tick.
	ReconcileLoopDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "skyway",
			Name:      "reconcile_loop_duration_seconds",
			Help:      "Duration of complete reconciliation tick",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	// Ticks counts ticks by outcome (ok, aborted, failed, skipped).
	Ticks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skyway",
			Name:      "reconcile_ticks_total",
			Help:      "Total reconciliation ticks grouped by outcome",
		},
		[]string{"outcome"},
	)

	// ActionTaken counts lifecycle actions per class.
	// action=provision|ready|release|reclaim|quarantine|adopt
	ActionTaken = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skyway",
			Name:      "action_taken_total",
			Help:      "Total number of node actions executed",
		},
		[]string{"class", "action"},
	)

	// NodesByState tracks registry records per class and state.
	NodesByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "skyway",
			Name:      "nodes",
			Help:      "Registry records grouped by node class and lifecycle state",
		},
		[]string{"class", "state"},
	)

	// BudgetExhausted counts scale-up decisions blocked by the rate cap.
	BudgetExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skyway",
			Name:      "budget_exhausted_total",
			Help:      "Scale-up decisions that found no rate headroom",
		},
		[]string{"class"},
	)

	// InvariantViolations counts ticks aborted by registry conflicts or illegal transitions.
	InvariantViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "skyway",
			Name:      "invariant_violations_total",
			Help:      "Registry invariant violations that aborted a tick",
		},
	)

	// Orphans counts provider instances found without a registry record.
	// disposition=adopted|manual_review
	Orphans = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skyway",
			Name:      "orphans_total",
			Help:      "Provider instances found without a registry record",
		},
		[]string{"disposition"},
	)

	// CommittedRateUSD tracks the hourly rate of non-terminal nodes.
	CommittedRateUSD = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "skyway",
			Name:      "committed_rate_usd_hourly",
			Help:      "Sum of hourly unit prices of live nodes",
		},
		[]string{"account"},
	)

	// RateCapUSD tracks the configured hourly rate cap.
	RateCapUSD = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "skyway",
			Name:      "rate_cap_usd_hourly",
			Help:      "Configured hourly spending rate cap",
		},
		[]string{"account"},
	)

	// BudgetSpentUSD tracks cumulative recorded usage.
	BudgetSpentUSD = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "skyway",
			Name:      "budget_spent_usd",
			Help:      "Cumulative recorded usage cost",
		},
		[]string{"account"},
	)

	// BudgetUsedRatio tracks spent / allocated.
	BudgetUsedRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "skyway",
			Name:      "budget_used_ratio",
			Help:      "Fraction of the allocation spent (1 = exhausted)",
		},
		[]string{"account"},
	)

	// UnitPriceUSD tracks the resolved hourly price per node class.
	UnitPriceUSD = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "skyway",
			Name:      "unit_price_usd",
			Help:      "Current unit price in USD per hour",
		},
		[]string{"class"},
	)

	// ProviderCallDuration tracks provider API latency.
	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "skyway",
			Name:      "provider_call_duration_seconds",
			Help:      "Latency of provider API calls",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"vendor", "op"},
	)

	// ProviderErrors counts provider call failures.
	// kind=transient|permanent|timeout
	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skyway",
			Name:      "provider_errors_total",
			Help:      "Provider call failures grouped by op and kind",
		},
		[]string{"vendor", "op", "kind"},
	)

	// DryRunSimulated counts mutating calls suppressed by dry-run mode.
	DryRunSimulated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skyway",
			Name:      "dry_run_simulated_total",
			Help:      "Mutating provider calls simulated in dry-run mode",
		},
		[]string{"op"},
	)
)

// RecordBudget sets the rate and spend gauges for an account.
func RecordBudget(account string, committed, rateCap, spent, allocated float64) {
	CommittedRateUSD.WithLabelValues(account).Set(committed)
	RateCapUSD.WithLabelValues(account).Set(rateCap)
	BudgetSpentUSD.WithLabelValues(account).Set(spent)
	if allocated > 0 {
		BudgetUsedRatio.WithLabelValues(account).Set(spent / allocated)
	} else {
		BudgetUsedRatio.WithLabelValues(account).Set(1)
	}
}
