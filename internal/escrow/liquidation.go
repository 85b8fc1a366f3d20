package escrow

import (
	"fmt"

	"github.com/google/uuid"

	"FutureCash/internal/events"
	"FutureCash/internal/fixed"
	"FutureCash/internal/portfolio"
)

// LiquidationResult reports how much of the shortfall a liquidation
// closed.
type LiquidationResult struct {
	// Shortfall is the local-currency value the account was short,
	// grossed up by the currency haircut.
	Shortfall int64
	// FromTokens is local currency raised from the account's own
	// liquidity tokens.
	FromTokens int64
	// Covered is the local currency the liquidator paid in.
	Covered int64
	// Purchased is the deposit-currency collateral the liquidator
	// received at the liquidation discount.
	Purchased int64
}

// Closed is the local currency restored to the account.
func (r LiquidationResult) Closed() int64 {
	return r.FromTokens + r.Covered
}

// Liquidate closes an undercollateralized account's shortfall in local
// currency. The account's own liquidity tokens are consumed first; the
// liquidator then buys the remainder's worth of the account's deposit
// collateral at the liquidation discount, paying in local currency that is
// credited to the liquidated account. Only accounts with negative
// aggregate free collateral may be liquidated, and never by themselves.
func (l *Ledger) Liquidate(liquidator, account uuid.UUID, local, deposit portfolio.CurrencyID, blockTime int64) (LiquidationResult, error) {
	var res LiquidationResult
	if liquidator == account {
		return res, ErrSelfLiquidation
	}

	// Touched state: the account's and liquidator's balances, the
	// account's positions and the pools its tokens trade against. An
	// abort after the token raise must put all of it back.
	cp := l.checkpointFor(account, account, liquidator)

	// Settle without emitting; the liquidation event covers this flow.
	net, _, _, err := l.freeCollateral(account, blockTime, true, false)
	if err != nil {
		cp.restore()
		return res, err
	}
	if net >= 0 {
		cp.restore()
		return res, fmt.Errorf("%w: free collateral %d", ErrAccountSolvent, net)
	}

	entry, ok := l.rates.Get(local)
	if !ok {
		cp.restore()
		return res, fmt.Errorf("%w: %d", ErrUnknownCurrency, local)
	}
	localShort, err := l.fromQuote(local, -net)
	if err != nil {
		cp.restore()
		return res, err
	}
	res.Shortfall, err = convertSigned(localShort, entry.Haircut, fixed.RatePrecision)
	if err != nil {
		cp.restore()
		return res, err
	}
	if res.Shortfall <= 0 {
		return res, nil
	}

	// Tier 1: the account's own liquidity tokens, credited straight back
	// to its cash balance.
	remainder, err := l.positions.TradePortfolio(account, local, res.Shortfall, portfolio.FilterLiquidity, l.amm.TraderAt(blockTime), l.GateFor(account))
	if err != nil {
		cp.restore()
		return res, err
	}
	res.FromTokens = res.Shortfall - remainder
	remaining := max64(remainder, 0)

	// Tier 2: the liquidator purchases deposit collateral at the
	// liquidation discount, capped by what the liquidator can pay.
	if remaining > 0 && deposit != 0 && deposit != local {
		liqBal := l.balance(liquidator, local, true)
		capacity := liqBal.Deposited + max64(liqBal.Cash, 0)
		remaining = min64(remaining, capacity)
		if remaining > 0 {
			purchased, covered, perr := l.purchase(account, liquidator, local, deposit, remaining, liquidationTier)
			if perr != nil {
				cp.restore()
				return LiquidationResult{}, perr
			}
			if covered > 0 {
				fromDeposit := min64(covered, liqBal.Deposited)
				liqBal.Deposited -= fromDeposit
				liqBal.Cash -= covered - fromDeposit
				if err := l.AdjustCash(account, local, covered); err != nil {
					cp.restore()
					return LiquidationResult{}, err
				}
				res.Covered = covered
				res.Purchased = purchased
			}
		}
	}

	l.events.Publish(events.Liquidated{
		Account:    account,
		Liquidator: liquidator,
		Currency:   uint16(local),
		Deposit:    uint16(deposit),
		Raised:     res.Closed(),
		Purchased:  res.Purchased,
		BlockTime:  blockTime,
	})
	l.log.Info().
		Str("account", account.String()).
		Str("liquidator", liquidator.String()).
		Int64("shortfall", res.Shortfall).
		Int64("closed", res.Closed()).
		Msg("liquidation")
	return res, nil
}

// LiquidateBatch liquidates each account in turn for the caller.
func (l *Ledger) LiquidateBatch(liquidator uuid.UUID, accounts []uuid.UUID, local, deposit portfolio.CurrencyID, blockTime int64) ([]LiquidationResult, error) {
	out := make([]LiquidationResult, len(accounts))
	for i, account := range accounts {
		res, err := l.Liquidate(liquidator, account, local, deposit, blockTime)
		if err != nil {
			return nil, fmt.Errorf("liquidate %s: %w", account, err)
		}
		out[i] = res
	}
	return out, nil
}
