package events

import (
	"strconv"

	"FutureCash/internal/observability"
)

// MetricsPublisher observes the event stream to keep the trade, liquidity
// and account counters current, then forwards each event downstream.
type MetricsPublisher struct {
	metrics *observability.Metrics
	next    Publisher
}

func NewMetricsPublisher(m *observability.Metrics, next Publisher) *MetricsPublisher {
	return &MetricsPublisher{metrics: m, next: next}
}

var _ Publisher = (*MetricsPublisher)(nil)

func (p *MetricsPublisher) Publish(e Event) {
	switch ev := e.(type) {
	case TradeExecuted:
		group := strconv.Itoa(int(ev.Group))
		p.metrics.TradesExecuted.WithLabelValues(ev.Kind, group).Inc()
		p.metrics.TradeNotional.WithLabelValues(ev.Kind, group).Add(float64(ev.FutureCash))
	case LiquidityChanged:
		group := strconv.Itoa(int(ev.Group))
		maturity := strconv.FormatInt(ev.Maturity, 10)
		p.metrics.LiquidityTokens.WithLabelValues(group, maturity).Add(float64(ev.Tokens))
	case Deposited:
		p.metrics.Deposits.WithLabelValues(strconv.Itoa(int(ev.Currency))).Inc()
	case Withdrawn:
		p.metrics.Withdrawals.WithLabelValues(strconv.Itoa(int(ev.Currency))).Inc()
	}
	p.next.Publish(e)
}
