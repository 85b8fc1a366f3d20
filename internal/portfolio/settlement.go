package portfolio

import (
	"fmt"

	"github.com/google/uuid"

	"FutureCash/internal/fixed"
)

// LiquiditySettler converts a matured pool share into collateral plus the
// share of the pool's future cash. Implemented by the market directory; the
// portfolio only ever calls it for maturities that have passed. Preview
// prices the redemption without burning it, so the sweep can price its
// whole batch before committing anything.
type LiquiditySettler interface {
	PreviewSettleLiquidity(group GroupID, maturity int64, tokens int64) (collateral int64, futureCash int64, err error)
	SettleLiquidity(group GroupID, maturity int64, tokens int64) (collateral int64, futureCash int64, err error)
}

// SettlementSink receives the per-currency cash deltas a settlement sweep
// produced. Implemented by the collateral ledger. The sweep batches all
// deltas into one call so the sink performs a single balance mutation.
type SettlementSink interface {
	PostSettlement(account uuid.UUID, deltas map[CurrencyID]int64) error
}

// SettleMatured converts every matured position in the account's portfolio
// into realized cash and pushes the accumulated per-currency deltas to the
// sink in one batched call. Matured cash legs convert 1:1; matured
// liquidity tokens are settled through the market first.
//
// The sweep is idempotent: with nothing matured it mutates nothing, calls
// the sink with nothing, and reports settled=false so callers skip event
// emission.
func (l *Ledger) SettleMatured(account uuid.UUID, blockTime int64, amm LiquiditySettler, sink SettlementSink) (settled bool, err error) {
	positions := l.accounts[account]
	if len(positions) == 0 {
		return false, nil
	}

	// The sweep is staged: price every matured position first, post the
	// batched deltas, and only then burn tokens and clear positions. A
	// settler or sink failure leaves the portfolio and the pools exactly
	// as they were.
	deltas := make(map[CurrencyID]int64)
	matured := make([]PositionKey, 0, len(positions))

	for key, pos := range positions {
		if key.Maturity > blockTime {
			continue
		}
		group, ok := l.groups.Get(key.Group)
		if !ok {
			return false, fmt.Errorf("%w: group %d during settlement", ErrUnknownGroup, key.Group)
		}

		realized := pos.Cash
		if pos.Tokens > 0 {
			collateral, futureCash, serr := amm.PreviewSettleLiquidity(key.Group, key.Maturity, pos.Tokens)
			if serr != nil {
				return false, fmt.Errorf("settle liquidity %+v: %w", key, serr)
			}
			// Past maturity the pool's future cash is itself due, so both
			// claims realize as cash.
			claim, ok := fixed.Add(collateral, futureCash)
			if !ok {
				return false, fmt.Errorf("portfolio: settlement overflow at %+v", key)
			}
			realized, ok = fixed.Add(realized, claim)
			if !ok {
				return false, fmt.Errorf("portfolio: settlement overflow at %+v", key)
			}
		}
		next, ok := fixed.Add(deltas[group.Currency], realized)
		if !ok {
			return false, fmt.Errorf("portfolio: settlement overflow in currency %d", group.Currency)
		}
		deltas[group.Currency] = next
		matured = append(matured, key)
	}

	if len(matured) == 0 {
		return false, nil
	}
	if err := sink.PostSettlement(account, deltas); err != nil {
		return false, fmt.Errorf("post settlement for %s: %w", account, err)
	}

	for _, key := range matured {
		pos := positions[key]
		if pos.Tokens > 0 {
			if _, _, serr := amm.SettleLiquidity(key.Group, key.Maturity, pos.Tokens); serr != nil {
				// Cannot fail after a successful preview in the
				// single-threaded core; the claim is already credited, so
				// the tokens are cleared regardless.
				l.log.Error().Err(serr).
					Uint16("group", uint16(key.Group)).
					Int64("maturity", key.Maturity).
					Msg("token burn after settlement preview")
			}
		}
		pos.Tokens = 0
		pos.Cash = 0
	}
	l.compact(account)
	return true, nil
}

// HasMatured reports whether the account holds any position at or past
// maturity. The risk engine requires a settled portfolio; callers use this
// to decide whether a mutating sweep is needed first.
func (l *Ledger) HasMatured(account uuid.UUID, blockTime int64) bool {
	for key := range l.accounts[account] {
		if key.Maturity <= blockTime {
			return true
		}
	}
	return false
}
