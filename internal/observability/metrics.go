package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the future-cash service.
type Metrics struct {
	// --- Execution ---
	BatchesExecuted  prometheus.Counter
	BatchesRejected  *prometheus.CounterVec
	BatchDuration    prometheus.Histogram
	TradesExecuted   *prometheus.CounterVec
	TradeNotional    *prometheus.CounterVec
	LiquidityTokens  *prometheus.GaugeVec
	CollateralChecks prometheus.Counter
	CollateralFails  prometheus.Counter

	// --- Accounts ---
	Deposits    *prometheus.CounterVec
	Withdrawals *prometheus.CounterVec

	// --- Risk ---
	SettlementsExecuted  *prometheus.CounterVec
	SettlementShortfall  *prometheus.CounterVec
	LiquidationsExecuted prometheus.Counter
	LiquidationsPartial  prometheus.Counter
	ReserveBalance       *prometheus.GaugeVec

	// --- Stream & persistence ---
	PublishDrops        prometheus.Counter
	PersistEventsWritten prometheus.Counter
	PersistBatchSize    prometheus.Histogram
	PersistBatchDur     prometheus.Histogram
	PersistErrors       *prometheus.CounterVec
	PersistRetry        prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		BatchesExecuted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fc_batches_executed_total",
			Help: "Batches committed by the engine",
		}),

		BatchesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fc_batches_rejected_total",
			Help: "Batches rejected or rolled back",
		}, []string{"reason"}),

		BatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fc_batch_duration_seconds",
			Help:    "Time to execute one batch",
			Buckets: latencyBuckets,
		}),

		TradesExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fc_trades_executed_total",
			Help: "Market trades by type",
		}, []string{"type", "group"}),

		TradeNotional: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fc_trade_notional_total",
			Help: "Future-cash notional traded",
		}, []string{"type", "group"}),

		LiquidityTokens: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fc_pool_liquidity_tokens",
			Help: "Outstanding liquidity tokens per pool",
		}, []string{"group", "maturity"}),

		CollateralChecks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fc_free_collateral_checks_total",
			Help: "Aggregate free-collateral checks run",
		}),

		CollateralFails: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fc_free_collateral_failures_total",
			Help: "Free-collateral checks that came back negative",
		}),

		Deposits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fc_deposits_total",
			Help: "Deposits credited",
		}, []string{"currency"}),

		Withdrawals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fc_withdrawals_total",
			Help: "Withdrawals completed",
		}, []string{"currency"}),

		SettlementsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fc_cash_settlements_total",
			Help: "Cash settlements by funding tier",
		}, []string{"tier"}),

		SettlementShortfall: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fc_settlement_shortfall_total",
			Help: "Settlement value left unsettled after all tiers",
		}, []string{"currency"}),

		LiquidationsExecuted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fc_liquidations_total",
			Help: "Liquidations that closed a shortfall",
		}),

		LiquidationsPartial: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fc_liquidations_partial_total",
			Help: "Liquidations that left residual shortfall",
		}),

		ReserveBalance: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fc_reserve_balance",
			Help: "Protocol reserve balance per currency",
		}, []string{"currency"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fc_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fc_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fc_persist_batch_size",
			Help:    "Events per Postgres batch write",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fc_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fc_persist_errors_total",
			Help: "Postgres write errors by kind",
		}, []string{"kind"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fc_persist_retries_total",
			Help: "Postgres batch write retries",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fc_query_requests_total",
			Help: "Query API requests by endpoint",
		}, []string{"endpoint"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fc_query_duration_seconds",
			Help:    "Query API request duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fc_query_errors_total",
			Help: "Query API errors by endpoint and status",
		}, []string{"endpoint", "status"}),
	}
}
