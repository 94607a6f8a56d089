// Package metrics exposes Prometheus metrics and health endpoints.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "quant_runner"

var (
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_total",
		Help:      "Order state transitions by kind and status.",
	}, []string{"kind", "status"})

	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fills_total",
		Help:      "De-duplicated fills applied to positions.",
	}, []string{"symbol", "side"})

	DuplicateFillsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicate_fills_total",
		Help:      "Fill events ignored as already applied.",
	})

	ReconciliationConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconciliation_conflicts_total",
		Help:      "Orders whose remote fill count was behind the local one.",
	})

	SubmitRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "submit_retries_total",
		Help:      "Venue calls retried after a transient failure.",
	}, []string{"op"})

	StrategyErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "strategy_errors_total",
		Help:      "Strategy cycles that errored or panicked.",
	}, []string{"strategy"})

	CandlesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "candles_total",
		Help:      "Candles processed.",
	}, []string{"symbol"})

	DataGapsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "data_gaps_total",
		Help:      "Candle stream gaps detected.",
	}, []string{"symbol"})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Errors by type.",
	}, []string{"type"})

	HyperoptRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hyperopt_runs_total",
		Help:      "Completed hyperopt parameter sets.",
	})

	PositionQty = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "position_qty",
		Help:      "Net signed position.",
	}, []string{"symbol"})

	RealizedPnL = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "realized_pnl",
		Help:      "Realized PnL.",
	}, []string{"symbol"})

	UnrealizedPnL = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "unrealized_pnl",
		Help:      "Unrealized PnL at the last price.",
	}, []string{"symbol"})

	Balance = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "balance",
		Help:      "Cash balance.",
	})

	Equity = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "equity",
		Help:      "Balance plus unrealized PnL.",
	})

	Drawdown = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "drawdown",
		Help:      "Drawdown from the equity peak, as a ratio.",
	})

	ActiveOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_orders",
		Help:      "Non-terminal orders.",
	})

	AdapterConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "adapter_connected",
		Help:      "1 when the execution stream is connected.",
	})

	KillSwitchActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "kill_switch_active",
		Help:      "1 when new risk is blocked.",
	})

	SubmitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "submit_latency_seconds",
		Help:      "Engine submit latency including venue round trips.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	StrategyLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "strategy_latency_seconds",
		Help:      "Strategy computation time per candle.",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
	}, []string{"strategy"})

	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build metadata; always 1.",
	}, []string{"version", "commit", "date"})
)

// SetBuildInfo publishes build metadata.
func SetBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
}
