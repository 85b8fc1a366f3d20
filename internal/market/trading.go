package market

import (
	"fmt"

	"FutureCash/internal/fixed"
	"FutureCash/internal/portfolio"
)

// TradeResult reports an executed user trade. Collateral is the gross
// curve-priced current-cash leg, Fee the transaction fee owed to the
// reserve, ImpliedRate the period-normalized rate the trade implied.
type TradeResult struct {
	Collateral  int64
	Fee         int64
	ImpliedRate uint32
}

// TakeCollateral borrows from the pool: the account commits futureCash as
// a payer obligation and receives the priced collateral minus the
// transaction fee. maxImpliedRate bounds the rate paid.
func (d *Directory) TakeCollateral(group portfolio.GroupID, maturity, futureCash int64, maxImpliedRate uint32, blockTime int64) (TradeResult, error) {
	g, m, err := d.activePool(group, maturity, blockTime, futureCash)
	if err != nil {
		return TradeResult{}, err
	}
	p := d.params[group]
	ttm := maturity - blockTime

	q := priceTrade(m, p, futureCash, ttm, g.PeriodSize)
	if !q.ok {
		return TradeResult{}, ErrTradeFailed
	}
	implied, ok := tradeImpliedRate(q.rate, ttm, g.PeriodSize)
	if !ok {
		return TradeResult{}, ErrTradeFailed
	}
	if implied > maxImpliedRate {
		return TradeResult{}, fmt.Errorf("%w: implied %d > max %d", ErrRateBounds, implied, maxImpliedRate)
	}
	if !execute(m, q, futureCash, ttm, g.PeriodSize) {
		return TradeResult{}, ErrTradeFailed
	}
	fee, ok := fixed.MulDiv(q.collateral, p.TransactionFee, fixed.InstrumentPrecision)
	if !ok || fee >= q.collateral {
		return TradeResult{}, ErrTradeFailed
	}
	d.logTrade("take_collateral", group, maturity, futureCash, q.collateral, implied)
	return TradeResult{Collateral: q.collateral - fee, Fee: fee, ImpliedRate: implied}, nil
}

// TakeFutureCash lends to the pool: the account pays the priced collateral
// plus the transaction fee and receives a futureCash receiver claim.
// minImpliedRate bounds the rate earned.
func (d *Directory) TakeFutureCash(group portfolio.GroupID, maturity, futureCash int64, minImpliedRate uint32, blockTime int64) (TradeResult, error) {
	g, m, err := d.activePool(group, maturity, blockTime, futureCash)
	if err != nil {
		return TradeResult{}, err
	}
	p := d.params[group]
	ttm := maturity - blockTime

	q := priceTrade(m, p, -futureCash, ttm, g.PeriodSize)
	if !q.ok {
		return TradeResult{}, ErrTradeFailed
	}
	implied, ok := tradeImpliedRate(q.rate, ttm, g.PeriodSize)
	if !ok {
		return TradeResult{}, ErrTradeFailed
	}
	if implied < minImpliedRate {
		return TradeResult{}, fmt.Errorf("%w: implied %d < min %d", ErrRateBounds, implied, minImpliedRate)
	}
	if !execute(m, q, -futureCash, ttm, g.PeriodSize) {
		return TradeResult{}, ErrTradeFailed
	}
	fee, ok := fixed.MulDiv(q.collateral, p.TransactionFee, fixed.InstrumentPrecision)
	if !ok {
		return TradeResult{}, ErrTradeFailed
	}
	cost, ok := fixed.Add(q.collateral, fee)
	if !ok {
		return TradeResult{}, ErrTradeFailed
	}
	d.logTrade("take_future_cash", group, maturity, futureCash, cost, implied)
	return TradeResult{Collateral: cost, Fee: fee, ImpliedRate: implied}, nil
}

// RateView prices a hypothetical signed trade without mutating the pool.
// amount > 0 quotes the borrow side, amount < 0 the lend side, amount == 0
// the resting rate. Returns the fee-adjusted exchange rate and its
// period-normalized form.
func (d *Directory) RateView(group portfolio.GroupID, maturity, amount, blockTime int64) (rate int64, implied uint32, ok bool) {
	g, gok := d.groups.Get(group)
	m, mok := d.pools[PoolKey{Group: group, Maturity: maturity}]
	if !gok || !mok || !m.Initialized() {
		return 0, 0, false
	}
	if blockTime >= maturity {
		// Matured pools trade cash for cash.
		return fixed.InstrumentPrecision, 0, true
	}
	ttm := maturity - blockTime
	if amount == 0 {
		anchor, aok := rolledAnchor(m, ttm, g.PeriodSize)
		if !aok {
			return 0, 0, false
		}
		r, rok := exchangeRate(m, anchor, int64(m.RateScalar), 0)
		if !rok {
			return 0, 0, false
		}
		implied, rok = tradeImpliedRate(r, ttm, g.PeriodSize)
		return r, implied, rok
	}
	q := priceTrade(m, d.params[group], amount, ttm, g.PeriodSize)
	if !q.ok {
		return 0, 0, false
	}
	implied, ok = tradeImpliedRate(q.rate, ttm, g.PeriodSize)
	return q.rate, implied, ok
}

func (d *Directory) activePool(group portfolio.GroupID, maturity, blockTime, amount int64) (portfolio.Group, *Market, error) {
	g, m, _, err := d.resolve(group, maturity)
	if err != nil {
		return portfolio.Group{}, nil, err
	}
	if amount <= 0 {
		return portfolio.Group{}, nil, ErrInvalidAmount
	}
	if m == nil || !m.Initialized() {
		return portfolio.Group{}, nil, ErrMarketUninitialized
	}
	if blockTime >= maturity {
		return portfolio.Group{}, nil, ErrMarketMatured
	}
	if _, ok := d.params[group]; !ok {
		return portfolio.Group{}, nil, fmt.Errorf("%w: no params for group %d", ErrUnknownGroup, group)
	}
	return g, m, nil
}

func tradeImpliedRate(rate, timeToMaturity, periodSize int64) (uint32, bool) {
	implied, ok := fixed.MulDiv(rate-fixed.InstrumentPrecision, periodSize, timeToMaturity)
	if !ok || implied < 0 || implied > fixed.MaxCurveRate {
		return 0, false
	}
	return uint32(implied), true
}

func (d *Directory) logTrade(kind string, group portfolio.GroupID, maturity, futureCash, collateral int64, implied uint32) {
	d.log.Debug().
		Str("kind", kind).
		Uint16("group", uint16(group)).
		Int64("maturity", maturity).
		Int64("future_cash", futureCash).
		Int64("collateral", collateral).
		Uint32("implied_rate", implied).
		Msg("trade executed")
}

// ---------------------------------------------------------------------------
// Privileged trading
// ---------------------------------------------------------------------------

// TraderAt binds the directory to a block time for privileged portfolio
// trades. These calls execute during settlement and liquidation and must
// not fail the enclosing operation: any condition that would reject a
// user trade instead reports zero executed amounts.
func (d *Directory) TraderAt(blockTime int64) portfolio.Trader {
	return &session{d: d, blockTime: blockTime}
}

type session struct {
	d         *Directory
	blockTime int64
}

var _ portfolio.Trader = (*session)(nil)

// ExtractCollateral burns up to maxTokens of pool share to raise required
// collateral. The share's future cash is released alongside.
func (s *session) ExtractCollateral(group portfolio.GroupID, maturity int64, required, maxTokens int64) (collateral, futureCash, tokensRemoved int64) {
	m, ok := s.d.pools[PoolKey{Group: group, Maturity: maturity}]
	if !ok || !m.Initialized() || required <= 0 || maxTokens <= 0 {
		return 0, 0, 0
	}
	// Tokens needed for the required collateral, rounded up.
	need, ok2 := fixed.MulDiv(required, m.TotalLiquidity, m.TotalCollateral)
	if !ok2 {
		return 0, 0, 0
	}
	need++
	tokens := min64(need, min64(maxTokens, m.TotalLiquidity))
	if tokens <= 0 {
		return 0, 0, 0
	}
	collateral, futureCash, ok2 = proRata(m, tokens)
	if !ok2 {
		return 0, 0, 0
	}
	burn(m, tokens, collateral, futureCash)
	return collateral, futureCash, tokens
}

// SellFutureCash sells up to maxFutureCash of a receiver claim into the
// pool, aiming to raise required collateral.
func (s *session) SellFutureCash(group portfolio.GroupID, maturity int64, maxFutureCash, required int64) (collateral, sold int64) {
	g, m, p, ttm, ok := s.tradable(group, maturity)
	if !ok || maxFutureCash <= 0 || required <= 0 {
		return 0, 0
	}
	est, ok := estimateFutureCash(m, required, ttm, g.PeriodSize)
	if !ok {
		return 0, 0
	}
	sold = min64(est, maxFutureCash)
	q := priceTrade(m, p, sold, ttm, g.PeriodSize)
	if !q.ok || !execute(m, q, sold, ttm, g.PeriodSize) {
		return 0, 0
	}
	return q.collateral, sold
}

// BuyFutureCash buys up to maxFutureCash from the pool to close a payer
// obligation, spending at most budget collateral. If the estimated size
// overshoots the budget it is scaled down and repriced once.
func (s *session) BuyFutureCash(group portfolio.GroupID, maturity int64, maxFutureCash, budget int64) (futureCash, cost int64) {
	g, m, p, ttm, ok := s.tradable(group, maturity)
	if !ok || maxFutureCash <= 0 || budget <= 0 {
		return 0, 0
	}
	est, ok := estimateFutureCash(m, budget, ttm, g.PeriodSize)
	if !ok {
		return 0, 0
	}
	amount := min64(est, maxFutureCash)
	for try := 0; try < 2 && amount > 0; try++ {
		q := priceTrade(m, p, -amount, ttm, g.PeriodSize)
		if !q.ok {
			return 0, 0
		}
		if q.collateral <= budget {
			if !execute(m, q, -amount, ttm, g.PeriodSize) {
				return 0, 0
			}
			return amount, q.collateral
		}
		scaled, sok := fixed.MulDiv(amount, budget, q.collateral)
		if !sok {
			return 0, 0
		}
		amount = scaled
	}
	return 0, 0
}

func (s *session) tradable(group portfolio.GroupID, maturity int64) (portfolio.Group, *Market, Params, int64, bool) {
	g, gok := s.d.groups.Get(group)
	m, mok := s.d.pools[PoolKey{Group: group, Maturity: maturity}]
	p, pok := s.d.params[group]
	if !gok || !mok || !pok || !m.Initialized() || s.blockTime >= maturity {
		return portfolio.Group{}, nil, Params{}, 0, false
	}
	return g, m, p, maturity - s.blockTime, true
}

// estimateFutureCash sizes a future-cash amount whose collateral leg is
// near target, using the pool's resting implied rate.
func estimateFutureCash(m *Market, target, timeToMaturity, periodSize int64) (int64, bool) {
	premium, ok := fixed.MulDiv(int64(m.LastImpliedRate), timeToMaturity, periodSize)
	if !ok {
		return 0, false
	}
	rate, ok := fixed.Add(fixed.InstrumentPrecision, premium)
	if !ok {
		return 0, false
	}
	amount, ok := fixed.MulDiv(target, rate, fixed.InstrumentPrecision)
	if !ok || amount <= 0 {
		return 0, false
	}
	return amount, true
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
