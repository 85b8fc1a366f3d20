package portfolio

import (
	"fmt"

	"github.com/google/uuid"
)

// TradeFilter selects which position kinds a portfolio trade may touch.
type TradeFilter int32

const (
	// FilterLiquidity unwinds liquidity tokens only.
	FilterLiquidity TradeFilter = iota
	// FilterReceivers sells receiver claims only.
	FilterReceivers
	// FilterRaise unwinds liquidity tokens first, then sells receivers.
	FilterRaise
	// FilterPayers buys future cash to close payer obligations (repay path).
	FilterPayers
)

// Trader is the privileged market surface used to extract value from or
// repay value into positions. Implementations must never fail on pricing:
// an illiquid or overflowing price degrades to zero amounts and the caller
// moves on to the next position or fallback tier.
type Trader interface {
	// ExtractCollateral removes up to maxTokens of pool share to raise up to
	// required collateral. futureCash is the share of pool future cash
	// released alongside, which becomes a receiver claim.
	ExtractCollateral(group GroupID, maturity int64, required, maxTokens int64) (collateral, futureCash, tokensRemoved int64)

	// SellFutureCash sells up to maxFutureCash of a receiver claim for
	// collateral, aiming at required.
	SellFutureCash(group GroupID, maturity int64, maxFutureCash, required int64) (collateral, sold int64)

	// BuyFutureCash buys up to maxFutureCash to close a payer obligation,
	// spending at most budget collateral.
	BuyFutureCash(group GroupID, maturity int64, maxFutureCash, budget int64) (futureCash, cost int64)
}

// CollateralGate is notified of aggregate collateral crossing the market
// boundary. The portfolio batches notifications per group so consecutive
// positions sharing a market cost one call, not one per position.
type CollateralGate interface {
	// Unlock reports collateral released from a group's markets.
	Unlock(currency CurrencyID, amount int64)
	// Lock reports collateral paid into a group's markets.
	Lock(currency CurrencyID, amount int64)
}

// TradePortfolio walks the account's sorted positions and trades the ones
// matching (currency, filter) against their markets until amount is met or
// eligible positions are exhausted. It returns the portion of amount still
// unmet; callers treat a non-zero remainder as a signal to continue down
// their fallback chain, not as an error.
//
// For raise filters, amount is collateral to raise; for FilterPayers it is
// the collateral budget available to spend on closing obligations.
func (l *Ledger) TradePortfolio(account uuid.UUID, currency CurrencyID, amount int64, filter TradeFilter, amm Trader, gate CollateralGate) (int64, error) {
	if amount <= 0 {
		return amount, nil
	}

	remaining := amount
	positions := l.Portfolio(account)

	// Collateral crossing the market boundary, flushed at group edges.
	var pendingUnlock, pendingLock int64
	var pendingGroup GroupID
	flush := func() {
		if pendingUnlock > 0 {
			gate.Unlock(currency, pendingUnlock)
			pendingUnlock = 0
		}
		if pendingLock > 0 {
			gate.Lock(currency, pendingLock)
			pendingLock = 0
		}
	}

	for i := range positions {
		if remaining <= 0 {
			break
		}
		key := positions[i].Key
		group, ok := l.groups.Get(key.Group)
		if !ok {
			return remaining, fmt.Errorf("%w: group %d", ErrUnknownGroup, key.Group)
		}
		if group.Currency != currency {
			continue
		}

		if key.Group != pendingGroup {
			flush()
			pendingGroup = key.Group
		}

		pos := l.mutate(account, key)

		switch filter {
		case FilterLiquidity, FilterRaise:
			if pos.Tokens > 0 {
				collateral, futureCash, removed := amm.ExtractCollateral(key.Group, key.Maturity, remaining, pos.Tokens)
				if removed > 0 {
					pos.Tokens -= removed
					pos.Cash += futureCash
					remaining -= collateral
					pendingUnlock += collateral
				}
			}
			if filter == FilterLiquidity {
				continue
			}
			fallthrough

		case FilterReceivers:
			if pos.Cash > 0 && remaining > 0 {
				collateral, sold := amm.SellFutureCash(key.Group, key.Maturity, pos.Cash, remaining)
				if sold > 0 {
					pos.Cash -= sold
					remaining -= collateral
					pendingUnlock += collateral
				}
			}

		case FilterPayers:
			if pos.Cash < 0 {
				obligation := -pos.Cash
				futureCash, cost := amm.BuyFutureCash(key.Group, key.Maturity, obligation, remaining)
				if futureCash > 0 {
					pos.Cash += futureCash
					remaining -= cost
					pendingLock += cost
				}
			}
		}
	}

	flush()
	l.compact(account)
	return remaining, nil
}
