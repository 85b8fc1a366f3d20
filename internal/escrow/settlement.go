package escrow

import (
	"fmt"

	"github.com/google/uuid"

	"FutureCash/internal/events"
	"FutureCash/internal/fixed"
	"FutureCash/internal/portfolio"
)

// accountGate credits and debits an account's cash balance as the
// portfolio walker unlocks and locks pool collateral. Used where raised
// collateral belongs to the account directly (liquidation raises, repay
// flows).
type accountGate struct {
	l        *Ledger
	account  uuid.UUID
	overflow bool
}

// GateFor returns a collateral gate bound to an account.
func (l *Ledger) GateFor(account uuid.UUID) portfolio.CollateralGate {
	return &accountGate{l: l, account: account}
}

func (g *accountGate) Unlock(currency portfolio.CurrencyID, amount int64) {
	if err := g.l.AdjustCash(g.account, currency, amount); err != nil {
		g.overflow = true
		g.l.log.Error().Err(err).Str("account", g.account.String()).Msg("gate unlock failed")
	}
}

func (g *accountGate) Lock(currency portfolio.CurrencyID, amount int64) {
	if err := g.l.AdjustCash(g.account, currency, -amount); err != nil {
		g.overflow = true
		g.l.log.Error().Err(err).Str("account", g.account.String()).Msg("gate lock failed")
	}
}

// collectorGate diverts unlocked collateral into a settlement purse
// instead of the account, so the settlement flow controls where the raised
// cash ends up and can credit any surplus back explicitly.
type collectorGate struct {
	currency  portfolio.CurrencyID
	collected int64
}

func (g *collectorGate) Unlock(currency portfolio.CurrencyID, amount int64) {
	if currency == g.currency {
		g.collected += amount
	}
}

func (g *collectorGate) Lock(currency portfolio.CurrencyID, amount int64) {
	if currency == g.currency {
		g.collected -= amount
	}
}

// SettlementResult reports how a payer's cash debt was covered.
type SettlementResult struct {
	// Settled is the portion of the requested value actually paid.
	Settled int64
	// FromDeposits, FromTokens, FromSales and FromReserve break Settled
	// down by funding tier. FromPurchase is the deposit-currency
	// collateral the counterpart accepted in lieu of local currency.
	FromDeposits int64
	FromTokens   int64
	FromPurchase int64
	FromSales    int64
	FromReserve  int64
}

// SettleCash settles up to value of the payer's negative cash balance in
// currency against the counterpart's positive claim. Funding tiers, in
// order: the payer's own deposited collateral, collateral raised from the
// payer's liquidity tokens, a discounted purchase of the payer's
// secondary deposit collateral (solvent payers only), force-selling the
// payer's future-cash claims, and finally a partial draw on the protocol
// reserve. A result short of value is not an error; the remainder stays
// on the books.
func (l *Ledger) SettleCash(counterpart, payer uuid.UUID, currency, deposit portfolio.CurrencyID, value, blockTime int64) (SettlementResult, error) {
	var res SettlementResult
	if value <= 0 {
		return res, ErrInvalidAmount
	}
	if counterpart == payer {
		return res, fmt.Errorf("escrow: counterpart and payer are the same account")
	}

	// Touched state: payer and counterpart balances, the reserve, the
	// payer's positions and the pools its tokens trade against. An abort
	// after tier funding must put all of it back.
	cp := l.checkpointFor(payer, payer, counterpart, l.reserve)

	// Settle matured positions without emitting; the cash-settled event
	// below covers this flow.
	net, _, _, err := l.freeCollateral(payer, blockTime, true, false)
	if err != nil {
		cp.restore()
		return res, err
	}

	payerBal := l.balance(payer, currency, true)
	counterBal := l.balance(counterpart, currency, true)
	need := min64(value, -payerBal.Cash)
	need = min64(need, max64(counterBal.Cash, 0))
	if need <= 0 {
		return res, nil
	}
	remaining := need

	// Tier 1: the payer's own deposited local currency.
	res.FromDeposits = min64(remaining, payerBal.Deposited)
	payerBal.Deposited -= res.FromDeposits
	remaining -= res.FromDeposits

	// Tier 2: raise from the payer's liquidity tokens.
	if remaining > 0 {
		res.FromTokens = l.raise(payer, currency, remaining, portfolio.FilterLiquidity, blockTime)
		remaining -= min64(res.FromTokens, remaining)
	}

	if remaining > 0 {
		if net >= 0 && deposit != 0 && deposit != currency {
			// Tier 3: a solvent payer's secondary collateral buys local
			// currency at the settlement discount.
			purchased, covered, perr := l.purchase(payer, counterpart, currency, deposit, remaining, settlementTier)
			if perr != nil {
				cp.restore()
				return SettlementResult{}, perr
			}
			res.FromPurchase = purchased
			remaining -= covered
		} else {
			// Tier 4: force-sell the insolvent payer's future-cash claims.
			res.FromSales = l.raise(payer, currency, remaining, portfolio.FilterReceivers, blockTime)
			remaining -= min64(res.FromSales, remaining)

			// Tier 5: partial reserve draw. Never overdraw the reserve.
			if remaining > 0 {
				reserveBal := l.balance(l.reserve, currency, true)
				res.FromReserve = min64(remaining, reserveBal.Deposited)
				reserveBal.Deposited -= res.FromReserve
				remaining -= res.FromReserve
			}
		}
	}

	res.Settled = need - remaining
	if res.Settled > 0 {
		// Debt relief on the payer, claim redemption on the counterpart.
		payerBal.Cash += res.Settled
		counterBal.Cash -= res.Settled
		// The purchased tier already delivered deposit-currency collateral.
		delivered := res.Settled - coveredByPurchase(res)
		counterBal.Deposited += delivered
	}

	l.events.Publish(events.CashSettled{
		Payer:       payer,
		Counterpart: counterpart,
		Currency:    uint16(currency),
		Requested:   value,
		Settled:     res.Settled,
		BlockTime:   blockTime,
	})
	return res, nil
}

// SettleCashBatch runs SettleCash for each payer, accumulating results.
// Individual failures abort the batch; partial coverage does not.
func (l *Ledger) SettleCashBatch(counterpart uuid.UUID, payers []uuid.UUID, currency, deposit portfolio.CurrencyID, values []int64, blockTime int64) ([]SettlementResult, error) {
	if len(payers) != len(values) {
		return nil, fmt.Errorf("escrow: %d payers but %d values", len(payers), len(values))
	}
	out := make([]SettlementResult, len(payers))
	for i, payer := range payers {
		res, err := l.SettleCash(counterpart, payer, currency, deposit, values[i], blockTime)
		if err != nil {
			return nil, fmt.Errorf("settle payer %s: %w", payer, err)
		}
		out[i] = res
	}
	return out, nil
}

// raise trades the account's portfolio to produce local currency, parking
// the proceeds in a purse. The purse funds the settlement need; any
// overshoot from lumpy token sales is credited back to the account.
func (l *Ledger) raise(account uuid.UUID, currency portfolio.CurrencyID, need int64, filter portfolio.TradeFilter, blockTime int64) int64 {
	purse := &collectorGate{currency: currency}
	_, err := l.positions.TradePortfolio(account, currency, need, filter, l.amm.TraderAt(blockTime), purse)
	if err != nil {
		l.log.Error().Err(err).Str("account", account.String()).Msg("portfolio raise failed")
		return 0
	}
	if purse.collected <= 0 {
		return 0
	}
	raised := purse.collected
	if raised > need {
		if err := l.AdjustCash(account, currency, raised-need); err == nil {
			raised = need
		}
	}
	return raised
}

type exchangeTier int

const (
	settlementTier exchangeTier = iota
	liquidationTier
)

// purchase swaps the holder's deposit-currency collateral for local
// currency at the tier's discount. The buyer receives the discounted
// collateral; covered is the local-currency value satisfied. Capped by the
// holder's deposit balance, so covered may be less than need.
func (l *Ledger) purchase(holder, buyer uuid.UUID, local, deposit portfolio.CurrencyID, need int64, tier exchangeTier) (purchased, covered int64, err error) {
	entry, ok := l.rates.Get(deposit)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %d", ErrUnknownCurrency, deposit)
	}
	discount := entry.SettlementDiscount
	if tier == liquidationTier {
		discount = entry.LiquidationDiscount
	}
	cross, err := l.crossRate(local, deposit)
	if err != nil {
		return 0, 0, err
	}
	if err := l.checkDivergence(local, deposit, cross, discount); err != nil {
		return 0, 0, err
	}

	holderBal := l.balance(holder, deposit, true)
	covered = need
	purchased, ok = exchangeValue(covered, cross, discount)
	if !ok {
		return 0, 0, ErrOverflow
	}
	if purchased > holderBal.Deposited {
		// Scale the exchange down to what the holder's collateral covers.
		covered, ok = fixed.MulDiv(need, holderBal.Deposited, purchased)
		if !ok {
			return 0, 0, ErrOverflow
		}
		purchased, ok = exchangeValue(covered, cross, discount)
		if !ok || purchased > holderBal.Deposited {
			return 0, 0, ErrOverflow
		}
	}
	if covered <= 0 || purchased <= 0 {
		return 0, 0, nil
	}
	holderBal.Deposited -= purchased
	buyerBal := l.balance(buyer, deposit, true)
	next, ok := fixed.Add(buyerBal.Deposited, purchased)
	if !ok {
		return 0, 0, ErrOverflow
	}
	buyerBal.Deposited = next
	return purchased, covered, nil
}

// exchangeValue converts a local amount at cross rate then applies the
// discount multiplier.
func exchangeValue(local, cross, discount int64) (int64, bool) {
	v, ok := fixed.MulDivRate(local, cross, fixed.RatePrecision)
	if !ok {
		return 0, false
	}
	return fixed.MulDivRate(v, discount, fixed.RatePrecision)
}

func coveredByPurchase(res SettlementResult) int64 {
	// FromPurchase is deposit-currency units; the covered local value is
	// Settled minus the tiers that delivered local currency.
	return res.Settled - res.FromDeposits - res.FromTokens - res.FromSales - res.FromReserve
}
