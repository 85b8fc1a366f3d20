package escrow

import (
	"github.com/google/uuid"

	"FutureCash/internal/events"
	"FutureCash/internal/fixed"
	"FutureCash/internal/portfolio"
)

// FreeCollateral settles the account's matured positions and returns its
// aggregate free collateral in the quote unit, the per-currency net
// figures after folding in portfolio requirements, and the portfolio's
// net present value. An aggregate >= 0 means solvent.
func (l *Ledger) FreeCollateral(account uuid.UUID, blockTime int64) (int64, map[portfolio.CurrencyID]int64, int64, error) {
	net, per, npv, err := l.freeCollateral(account, blockTime, true, true)
	return net, per, npv, err
}

// FreeCollateralView is FreeCollateral without the settlement sweep or
// events. Read-only queries must not mutate account state.
func (l *Ledger) FreeCollateralView(account uuid.UUID, blockTime int64) (int64, map[portfolio.CurrencyID]int64, int64, error) {
	return l.freeCollateral(account, blockTime, false, false)
}

// freeCollateral is the shared implementation. settle sweeps matured
// positions first; emit publishes the sweep's settlement event. The
// liquidation flow settles without emitting to avoid duplicate events.
func (l *Ledger) freeCollateral(account uuid.UUID, blockTime int64, settle, emit bool) (int64, map[portfolio.CurrencyID]int64, int64, error) {
	if settle {
		if err := l.settleAccount(account, blockTime, emit); err != nil {
			return 0, nil, 0, err
		}
	}

	per := make(map[portfolio.CurrencyID]int64)
	for currency, b := range l.balances[account] {
		if n := b.Net(); n != 0 {
			per[currency] = n
		}
	}

	var totalNPV int64
	if positions := l.positions.Portfolio(account); len(positions) > 0 {
		for _, req := range l.rsk.GetRequirement(positions, blockTime) {
			adj, ok := fixed.Add(req.NPV, -req.Requirement)
			if !ok {
				return 0, nil, 0, ErrOverflow
			}
			next, ok := fixed.Add(per[req.Currency], adj)
			if !ok {
				return 0, nil, 0, ErrOverflow
			}
			per[req.Currency] = next
			totalNPV, ok = fixed.Add(totalNPV, req.NPV)
			if !ok {
				return 0, nil, 0, ErrOverflow
			}
		}
	}

	var aggregate int64
	for currency, local := range per {
		value, err := l.toQuote(currency, local)
		if err != nil {
			return 0, nil, 0, err
		}
		if value < 0 {
			// Debt is grossed up by the currency haircut; collateral value
			// is never inflated.
			entry, ok := l.rates.Get(currency)
			if !ok {
				return 0, nil, 0, ErrUnknownCurrency
			}
			value, err = convertSigned(value, entry.Haircut, fixed.RatePrecision)
			if err != nil {
				return 0, nil, 0, err
			}
		}
		var ok bool
		aggregate, ok = fixed.Add(aggregate, value)
		if !ok {
			return 0, nil, 0, ErrOverflow
		}
	}
	return aggregate, per, totalNPV, nil
}

// settleAccount sweeps matured positions into cash and publishes the
// settlement event when the sweep realized anything.
func (l *Ledger) settleAccount(account uuid.UUID, blockTime int64, emit bool) error {
	before := l.accountCash(account)
	settled, err := l.positions.SettleMatured(account, blockTime, l.amm, l)
	if err != nil {
		return err
	}
	if !settled || !emit {
		return nil
	}
	deltas := make(map[uint16]int64)
	for currency, cash := range l.accountCash(account) {
		if d := cash - before[currency]; d != 0 {
			deltas[uint16(currency)] = d
		}
	}
	l.events.Publish(events.PortfolioSettled{
		Account:   account,
		Deltas:    deltas,
		BlockTime: blockTime,
	})
	return nil
}

func (l *Ledger) accountCash(account uuid.UUID) map[portfolio.CurrencyID]int64 {
	out := make(map[portfolio.CurrencyID]int64)
	for currency, b := range l.balances[account] {
		out[currency] = b.Cash
	}
	return out
}
