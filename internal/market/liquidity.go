package market

import (
	"fmt"

	"FutureCash/internal/fixed"
	"FutureCash/internal/portfolio"
)

// LiquidityResult describes the position legs minted or burned by a
// liquidity operation. Tokens is the liquidity-token leg, FutureCash the
// paired cash obligation or claim, Collateral the current-cash leg paid
// into or out of the pool.
type LiquidityResult struct {
	Tokens     int64
	FutureCash int64
	Collateral int64
}

// AddLiquidity deposits collateral into a pool, minting liquidity tokens
// and a matching future-cash obligation. The first provision initializes
// the pool: the provider's maxFutureCash sets the initial proportion, the
// group params freeze the rate scalar, and the anchor is scaled by time to
// maturity. Later provisions mint proportionally to existing balances.
//
// minImpliedRate and maxImpliedRate bound the pool's implied rate after
// the deposit; a violation returns ErrRateBounds with no state change.
func (d *Directory) AddLiquidity(group portfolio.GroupID, maturity, collateral, maxFutureCash int64, minImpliedRate, maxImpliedRate uint32, blockTime int64) (LiquidityResult, error) {
	g, m, key, err := d.resolve(group, maturity)
	if err != nil {
		return LiquidityResult{}, err
	}
	if !g.ValidMaturity(maturity, blockTime) {
		return LiquidityResult{}, fmt.Errorf("%w: %d", ErrInvalidMaturity, maturity)
	}
	if collateral <= 0 || maxFutureCash < 0 {
		return LiquidityResult{}, ErrInvalidAmount
	}
	timeToMaturity := maturity - blockTime

	p, ok := d.params[group]
	if !ok {
		return LiquidityResult{}, fmt.Errorf("%w: no params for group %d", ErrUnknownGroup, group)
	}

	if m == nil || !m.Initialized() {
		anchor, ok := initialAnchor(p, timeToMaturity, g.PeriodSize)
		if !ok {
			return LiquidityResult{}, ErrTradeFailed
		}
		fresh := &Market{
			TotalFutureCash: maxFutureCash,
			TotalCollateral: collateral,
			TotalLiquidity:  collateral,
			RateScalar:      p.RateScalar,
			RateAnchor:      anchor,
		}
		implied, ok := impliedRate(fresh, anchor, int64(p.RateScalar), timeToMaturity, g.PeriodSize)
		if !ok {
			return LiquidityResult{}, ErrTradeFailed
		}
		if implied < minImpliedRate || implied > maxImpliedRate {
			return LiquidityResult{}, ErrRateBounds
		}
		fresh.LastImpliedRate = implied
		d.pools[key] = fresh
		d.log.Info().
			Uint16("group", uint16(group)).
			Int64("maturity", maturity).
			Int64("collateral", collateral).
			Int64("future_cash", maxFutureCash).
			Uint32("implied_rate", implied).
			Msg("market initialized")
		return LiquidityResult{Tokens: collateral, FutureCash: maxFutureCash, Collateral: collateral}, nil
	}

	if blockTime >= maturity {
		return LiquidityResult{}, ErrMarketMatured
	}

	tokens, ok := fixed.MulDiv(m.TotalLiquidity, collateral, m.TotalCollateral)
	if !ok || tokens <= 0 {
		return LiquidityResult{}, ErrTradeFailed
	}
	futureCash, ok := fixed.MulDiv(m.TotalFutureCash, collateral, m.TotalCollateral)
	if !ok {
		return LiquidityResult{}, ErrTradeFailed
	}
	if futureCash > maxFutureCash {
		return LiquidityResult{}, fmt.Errorf("%w: deposit requires %d future cash, cap %d", ErrRateBounds, futureCash, maxFutureCash)
	}
	implied, ok := impliedRate(m, m.RateAnchor, int64(m.RateScalar), timeToMaturity, g.PeriodSize)
	if !ok {
		return LiquidityResult{}, ErrTradeFailed
	}
	if implied < minImpliedRate || implied > maxImpliedRate {
		return LiquidityResult{}, ErrRateBounds
	}

	newColl, ok1 := fixed.Add(m.TotalCollateral, collateral)
	newFC, ok2 := fixed.Add(m.TotalFutureCash, futureCash)
	newLiq, ok3 := fixed.Add(m.TotalLiquidity, tokens)
	if !ok1 || !ok2 || !ok3 {
		return LiquidityResult{}, ErrTradeFailed
	}
	m.TotalCollateral, m.TotalFutureCash, m.TotalLiquidity = newColl, newFC, newLiq
	return LiquidityResult{Tokens: tokens, FutureCash: futureCash, Collateral: collateral}, nil
}

// RemoveLiquidity burns tokens for the proportional share of the pool's
// collateral and future cash. Only active pools may be drawn down here;
// matured pools release their share through SettleLiquidity.
func (d *Directory) RemoveLiquidity(group portfolio.GroupID, maturity, tokens, blockTime int64) (LiquidityResult, error) {
	_, m, _, err := d.resolve(group, maturity)
	if err != nil {
		return LiquidityResult{}, err
	}
	if m == nil || !m.Initialized() {
		return LiquidityResult{}, ErrMarketUninitialized
	}
	if blockTime >= maturity {
		return LiquidityResult{}, ErrMarketMatured
	}
	if tokens <= 0 || tokens > m.TotalLiquidity {
		return LiquidityResult{}, ErrInvalidAmount
	}
	collateral, futureCash, ok := proRata(m, tokens)
	if !ok {
		return LiquidityResult{}, ErrTradeFailed
	}
	burn(m, tokens, collateral, futureCash)
	return LiquidityResult{Tokens: tokens, FutureCash: futureCash, Collateral: collateral}, nil
}

var _ portfolio.LiquiditySettler = (*Directory)(nil)

// PreviewSettleLiquidity prices a matured token redemption without
// burning it. The settlement sweep prices its whole batch before
// committing any burn.
func (d *Directory) PreviewSettleLiquidity(group portfolio.GroupID, maturity, tokens int64) (int64, int64, error) {
	_, collateral, futureCash, err := d.settleShare(group, maturity, tokens)
	return collateral, futureCash, err
}

// SettleLiquidity redeems matured liquidity tokens for their pro-rata
// share of the pool. It implements the portfolio settlement hook and, like
// the other privileged calls, reports failure through zero values rather
// than errors other than structural ones.
func (d *Directory) SettleLiquidity(group portfolio.GroupID, maturity, tokens int64) (int64, int64, error) {
	m, collateral, futureCash, err := d.settleShare(group, maturity, tokens)
	if err != nil {
		return 0, 0, err
	}
	burn(m, tokens, collateral, futureCash)
	return collateral, futureCash, nil
}

func (d *Directory) settleShare(group portfolio.GroupID, maturity, tokens int64) (*Market, int64, int64, error) {
	_, m, _, err := d.resolve(group, maturity)
	if err != nil {
		return nil, 0, 0, err
	}
	if m == nil || !m.Initialized() {
		return nil, 0, 0, ErrMarketUninitialized
	}
	if tokens <= 0 || tokens > m.TotalLiquidity {
		return nil, 0, 0, ErrInvalidAmount
	}
	collateral, futureCash, ok := proRata(m, tokens)
	if !ok {
		return nil, 0, 0, ErrTradeFailed
	}
	return m, collateral, futureCash, nil
}

func proRata(m *Market, tokens int64) (collateral, futureCash int64, ok bool) {
	collateral, ok = fixed.MulDiv(m.TotalCollateral, tokens, m.TotalLiquidity)
	if !ok {
		return 0, 0, false
	}
	futureCash, ok = fixed.MulDiv(m.TotalFutureCash, tokens, m.TotalLiquidity)
	if !ok {
		return 0, 0, false
	}
	return collateral, futureCash, true
}

func burn(m *Market, tokens, collateral, futureCash int64) {
	m.TotalLiquidity -= tokens
	m.TotalCollateral -= collateral
	m.TotalFutureCash -= futureCash
}
