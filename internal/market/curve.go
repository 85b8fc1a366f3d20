package market

import (
	"FutureCash/internal/fixed"
)

// quote is the result of pricing a trade against a pool. ok=false means
// the trade cannot execute at any price: pool too shallow, proportion out
// of range, curve overflow, or a rate below the identity rate. Callers at
// user entry points convert ok=false into ErrTradeFailed; privileged
// portfolio-settlement callers treat it as "skip this pool".
type quote struct {
	// collateral is the current-cash leg for the priced future-cash
	// amount. Always non-negative; zero only when ok=false.
	collateral int64

	// rate is the fee-adjusted exchange rate applied to the trade.
	rate int64

	// anchor is the rolled-down rate anchor to store on execution.
	anchor uint32

	ok bool
}

var failedQuote = quote{}

// priceTrade prices a signed future-cash amount against the pool.
// amount > 0 means future cash flows into the pool (borrow / sell side):
// the pool pays out collateral. amount < 0 means future cash flows out of
// the pool (lend / buy side): the pool receives collateral.
//
// The pool is not mutated; execute applies a successful quote.
func priceTrade(m *Market, p Params, amount, timeToMaturity, periodSize int64) quote {
	if amount == 0 || timeToMaturity <= 0 {
		return failedQuote
	}
	// A lend cannot withdraw more future cash than the pool holds.
	if amount < 0 && -amount >= m.TotalFutureCash {
		return failedQuote
	}

	anchor, ok := rolledAnchor(m, timeToMaturity, periodSize)
	if !ok {
		return failedQuote
	}

	rate, ok := exchangeRate(m, anchor, int64(m.RateScalar), amount)
	if !ok {
		return failedQuote
	}

	// The liquidity fee widens the spread in the pool's favour and decays
	// linearly as maturity approaches.
	fee, ok := fixed.MulDiv(p.LiquidityFee, timeToMaturity, periodSize)
	if !ok {
		return failedQuote
	}
	feeRate := rate
	if amount > 0 {
		feeRate, ok = fixed.Add(rate, fee)
	} else {
		feeRate, ok = fixed.Sub(rate, fee)
	}
	if !ok || feeRate < fixed.InstrumentPrecision {
		// Exchange rates below 1.0 would mean negative interest.
		return failedQuote
	}

	mag, ok := fixed.Abs(amount)
	if !ok {
		return failedQuote
	}
	collateral, ok := fixed.MulDiv(mag, fixed.InstrumentPrecision, feeRate)
	if !ok || collateral <= 0 {
		return failedQuote
	}
	// A payout must leave the pool with collateral remaining.
	if amount > 0 && collateral >= m.TotalCollateral {
		return failedQuote
	}
	return quote{collateral: collateral, rate: feeRate, anchor: anchor, ok: true}
}

// execute applies a quote to the pool and refreshes the stored rate state.
func execute(m *Market, q quote, amount, timeToMaturity, periodSize int64) bool {
	if !q.ok || q.collateral <= 0 {
		return false
	}
	fc, ok := fixed.Add(m.TotalFutureCash, amount)
	if !ok {
		return false
	}
	var coll int64
	if amount > 0 {
		coll, ok = fixed.Sub(m.TotalCollateral, q.collateral)
	} else {
		coll, ok = fixed.Add(m.TotalCollateral, q.collateral)
	}
	if !ok || fc < 0 || coll <= 0 {
		return false
	}

	// Price the post-trade rate on a scratch copy first; a pricing failure
	// must not leave a half-applied pool behind.
	next := *m
	next.TotalFutureCash = fc
	next.TotalCollateral = coll
	next.RateAnchor = q.anchor
	implied, ok := impliedRate(&next, q.anchor, int64(next.RateScalar), timeToMaturity, periodSize)
	if !ok {
		return false
	}
	next.LastImpliedRate = implied
	*m = next
	return true
}

// rolledAnchor decays the anchor so that the rate implied by the current
// pool proportion at this time-to-maturity matches the last traded implied
// rate. Without the roll-down a static pool's exchange rate would not
// converge to 1.0 at maturity.
func rolledAnchor(m *Market, timeToMaturity, periodSize int64) (uint32, bool) {
	implied, ok := impliedRate(m, m.RateAnchor, int64(m.RateScalar), timeToMaturity, periodSize)
	if !ok {
		return 0, false
	}
	diff, ok := fixed.MulDiv(int64(implied)-int64(m.LastImpliedRate), timeToMaturity, periodSize)
	if !ok {
		return 0, false
	}
	anchor := int64(m.RateAnchor) - diff
	if anchor < 0 || anchor > fixed.MaxCurveRate {
		return 0, false
	}
	return uint32(anchor), true
}

// exchangeRate evaluates the curve for a signed trade amount:
// ln(p/(1-p)) / rateScalar + anchor, where p is the post-trade future-cash
// proportion of the pool.
func exchangeRate(m *Market, anchor uint32, rateScalar, amount int64) (int64, bool) {
	numer, ok := fixed.Add(m.TotalFutureCash, amount)
	if !ok {
		return 0, false
	}
	denom, ok := fixed.Add(m.TotalFutureCash, m.TotalCollateral)
	if !ok || denom <= 0 {
		return 0, false
	}
	proportion, ok := fixed.MulDivFloor(numer, fixed.InstrumentPrecision, denom)
	if !ok || proportion <= 0 || proportion >= fixed.InstrumentPrecision {
		return 0, false
	}
	odds, ok := fixed.MulDivFloor(proportion, fixed.InstrumentPrecision, fixed.InstrumentPrecision-proportion)
	if !ok {
		return 0, false
	}
	lnOdds, ok := fixed.Ln(odds)
	if !ok {
		return 0, false
	}
	rate, ok := fixed.Add(lnOdds/rateScalar, int64(anchor))
	if !ok || rate < 0 || rate > fixed.MaxCurveRate {
		return 0, false
	}
	return rate, true
}

// impliedRate is the period-normalized rate at the pool's resting
// proportion: (exchangeRate - 1) * periodSize / timeToMaturity.
func impliedRate(m *Market, anchor uint32, rateScalar, timeToMaturity, periodSize int64) (uint32, bool) {
	rate, ok := exchangeRate(m, anchor, rateScalar, 0)
	if !ok {
		return 0, false
	}
	annualized, ok := fixed.MulDiv(rate-fixed.InstrumentPrecision, periodSize, timeToMaturity)
	if !ok || annualized < 0 || annualized > fixed.MaxCurveRate {
		return 0, false
	}
	return uint32(annualized), true
}

// initialAnchor scales the governance anchor premium by time to maturity
// for a newly initialized pool.
func initialAnchor(p Params, timeToMaturity, periodSize int64) (uint32, bool) {
	premium, ok := fixed.MulDiv(int64(p.RateAnchor)-fixed.InstrumentPrecision, timeToMaturity, periodSize)
	if !ok {
		return 0, false
	}
	anchor := fixed.InstrumentPrecision + premium
	if anchor > fixed.MaxCurveRate {
		return 0, false
	}
	return uint32(anchor), true
}
