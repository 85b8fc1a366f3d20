// Package risk values portfolios. It walks a sorted position list, builds
// a per-group cash ladder bucketed by period offset, and reports for each
// currency the collateral requirement its negative buckets demand plus the
// present value of its claims.
package risk

import (
	"math"

	"github.com/rs/zerolog"

	"FutureCash/internal/fixed"
	"FutureCash/internal/portfolio"
)

// PoolStats exposes the pool balances needed to value liquidity tokens.
// Implemented by the market directory.
type PoolStats interface {
	PoolBalances(group portfolio.GroupID, maturity int64) (futureCash, collateral, liquidity int64, ok bool)
}

// Requirement is one currency's valuation: the collateral the portfolio's
// obligations demand and the present value of its claims. Both are at
// fixed.InstrumentPrecision scale in the currency's own unit.
type Requirement struct {
	Currency    portfolio.CurrencyID
	Requirement int64
	NPV         int64
}

// Engine computes portfolio requirements. Haircut is the multiplier
// applied to negative cash-ladder buckets, at fixed.RatePrecision scale
// (must be >= 1e18 so obligations are never under-reserved).
type Engine struct {
	groups  *portfolio.GroupDirectory
	pools   PoolStats
	haircut int64
	log     zerolog.Logger
}

func NewEngine(groups *portfolio.GroupDirectory, pools PoolStats, haircut int64, log zerolog.Logger) *Engine {
	return &Engine{groups: groups, pools: pools, haircut: haircut, log: log}
}

// Haircut returns the configured portfolio haircut.
func (e *Engine) Haircut() int64 { return e.haircut }

// SetHaircut updates the portfolio haircut. Governance only.
func (e *Engine) SetHaircut(h int64) { e.haircut = h }

// GetRequirement values a sorted portfolio at blockTime, one entry per
// currency with any exposure. The portfolio must already be settled; a
// matured cash leg that slipped through is counted at face value in NPV
// rather than bucketed.
//
// Each position contributes to its group's cash ladder at the offset
// (maturity - blockTime) / periodSize. Liquidity tokens split into a
// pro-rata collateral claim (counted in NPV) and a pro-rata future-cash
// claim (bucketed like a receiver). Negative buckets, after netting,
// demand |bucket| * haircut of collateral.
func (e *Engine) GetRequirement(positions []portfolio.Position, blockTime int64) []Requirement {
	byCurrency := make(map[portfolio.CurrencyID]*Requirement)
	acc := func(c portfolio.CurrencyID) *Requirement {
		r, ok := byCurrency[c]
		if !ok {
			r = &Requirement{Currency: c}
			byCurrency[c] = r
		}
		return r
	}

	// Positions are sorted by group, so each group's ladder is contiguous.
	var (
		ladder   map[int64]int64
		ladderID portfolio.GroupID
	)
	flush := func() {
		if ladder == nil {
			return
		}
		g, ok := e.groups.Get(ladderID)
		if !ok {
			e.log.Error().Uint16("group", uint16(ladderID)).Msg("requirement for unknown group")
			return
		}
		r := acc(g.Currency)
		for _, bucket := range ladder {
			if bucket >= 0 {
				continue
			}
			charge, ok := fixed.MulDivRate(-bucket, e.haircut, fixed.RatePrecision)
			if !ok {
				// An unrepresentable requirement saturates; it must never
				// understate the obligation.
				charge = math.MaxInt64
			}
			next, ok := fixed.Add(r.Requirement, charge)
			if !ok {
				next = math.MaxInt64
			}
			r.Requirement = next
		}
		ladder = nil
	}

	for _, pos := range positions {
		g, ok := e.groups.Get(pos.Key.Group)
		if !ok {
			continue
		}
		if ladder == nil || ladderID != pos.Key.Group {
			flush()
			ladder = make(map[int64]int64)
			ladderID = pos.Key.Group
		}
		r := acc(g.Currency)

		if pos.Key.Maturity <= blockTime {
			// Stale matured entry; face value only.
			r.NPV += pos.Cash
			continue
		}
		offset := (pos.Key.Maturity - blockTime) / g.PeriodSize

		if pos.Cash != 0 {
			ladder[offset] += pos.Cash
		}
		if pos.Tokens > 0 {
			collateral, futureCash := e.tokenClaims(pos)
			r.NPV += collateral
			ladder[offset] += futureCash
		}
	}
	flush()

	out := make([]Requirement, 0, len(byCurrency))
	for _, r := range byCurrency {
		out = append(out, *r)
	}
	return out
}

// tokenClaims values a liquidity-token holding as its pro-rata pool share.
// An unknown or empty pool values at zero rather than failing: valuation
// runs inside settlement and liquidation flows.
func (e *Engine) tokenClaims(pos portfolio.Position) (collateral, futureCash int64) {
	poolFC, poolColl, poolLiq, ok := e.pools.PoolBalances(pos.Key.Group, pos.Key.Maturity)
	if !ok || poolLiq <= 0 {
		return 0, 0
	}
	collateral, ok = fixed.MulDiv(poolColl, pos.Tokens, poolLiq)
	if !ok {
		return 0, 0
	}
	futureCash, ok = fixed.MulDiv(poolFC, pos.Tokens, poolLiq)
	if !ok {
		return collateral, 0
	}
	return collateral, futureCash
}
