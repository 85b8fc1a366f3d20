package engine

import (
	"github.com/google/uuid"

	"FutureCash/internal/escrow"
	"FutureCash/internal/portfolio"
)

// Keeper entry points. Settlement and liquidation are permissionless:
// any account may run them against eligible targets, the ledger enforces
// eligibility (negative free collateral, no self-liquidation) itself.

// Liquidate closes the shortfall of each account in turn, with the caller
// acting as liquidator. An ineligible account fails the whole call.
func (e *Engine) Liquidate(caller uuid.UUID, accounts []uuid.UUID, local, deposit portfolio.CurrencyID, blockTime int64) ([]escrow.LiquidationResult, error) {
	results, err := e.collateral.LiquidateBatch(caller, accounts, local, deposit, blockTime)
	if err != nil {
		return nil, err
	}
	e.log.Info().
		Str("liquidator", caller.String()).
		Int("accounts", len(accounts)).
		Uint16("currency", uint16(local)).
		Msg("liquidation batch")
	return results, nil
}

// SettleCash settles each payer's cash debt in currency against the
// caller's positive claim. Partial coverage is a valid result, not an
// error.
func (e *Engine) SettleCash(caller uuid.UUID, payers []uuid.UUID, currency, deposit portfolio.CurrencyID, values []int64, blockTime int64) ([]escrow.SettlementResult, error) {
	results, err := e.collateral.SettleCashBatch(caller, payers, currency, deposit, values, blockTime)
	if err != nil {
		return nil, err
	}
	e.log.Info().
		Str("counterpart", caller.String()).
		Int("payers", len(payers)).
		Uint16("currency", uint16(currency)).
		Msg("settlement batch")
	return results, nil
}
