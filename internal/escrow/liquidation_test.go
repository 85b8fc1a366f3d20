package escrow

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"FutureCash/internal/market"
	"FutureCash/internal/portfolio"
)

// insolventTarget sets up an account whose payer obligation outweighs its
// deposit collateral: requirement 880 in local currency against 1000 of
// deposit-currency collateral, for an aggregate of -320.
func insolventTarget(t *testing.T, f *fixture) uuid.UUID {
	t.Helper()
	target := uuid.New()
	err := f.positions.Upsert(target, portfolio.Trade{
		Group: 1, Instrument: 1, Maturity: testMaturity,
		Kind: portfolio.KindCashPayer, Notional: 800,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := f.ledger.Deposit(target, depositCur, 1_000, testBlock); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	net, _, _, err := f.ledger.FreeCollateralView(target, testBlock)
	if err != nil {
		t.Fatalf("free collateral: %v", err)
	}
	if net != -320 {
		t.Fatalf("fixture net = %d, want -320", net)
	}
	return target
}

func TestLiquidate(t *testing.T) {
	f := newFixture(t)
	target := insolventTarget(t, f)
	liquidator := uuid.New()
	if _, err := f.ledger.Deposit(liquidator, localCur, 10_000, testBlock); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	res, err := f.ledger.Liquidate(liquidator, target, localCur, depositCur, testBlock)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	// Shortfall 320 in the quote unit, grossed by the 1.5 local haircut.
	if res.Shortfall != 480 {
		t.Fatalf("shortfall = %d, want 480", res.Shortfall)
	}
	if res.Covered != 480 {
		t.Fatalf("covered = %d, want 480", res.Covered)
	}
	// Deposit collateral priced at the 1.05 liquidation discount.
	if res.Purchased != 504 {
		t.Fatalf("purchased = %d, want 504", res.Purchased)
	}

	if b := f.ledger.Balance(liquidator, localCur); b.Deposited != 9_520 {
		t.Fatalf("liquidator local = %d, want 9520", b.Deposited)
	}
	if b := f.ledger.Balance(liquidator, depositCur); b.Deposited != 504 {
		t.Fatalf("liquidator deposit collateral = %d, want 504", b.Deposited)
	}
	if b := f.ledger.Balance(target, localCur); b.Cash != 480 {
		t.Fatalf("target local cash = %d, want 480", b.Cash)
	}
	if b := f.ledger.Balance(target, depositCur); b.Deposited != 496 {
		t.Fatalf("target deposit collateral = %d, want 496", b.Deposited)
	}
	if f.pub.count("fc.accounts.liquidated") != 1 {
		t.Fatal("missing liquidation event")
	}
}

func TestLiquidate_Guards(t *testing.T) {
	f := newFixture(t)
	target := insolventTarget(t, f)
	solvent := uuid.New()
	if _, err := f.ledger.Deposit(solvent, localCur, 1_000, testBlock); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if _, err := f.ledger.Liquidate(target, target, localCur, depositCur, testBlock); !errors.Is(err, ErrSelfLiquidation) {
		t.Fatalf("self err = %v, want ErrSelfLiquidation", err)
	}
	if _, err := f.ledger.Liquidate(target, solvent, localCur, depositCur, testBlock); !errors.Is(err, ErrAccountSolvent) {
		t.Fatalf("solvent err = %v, want ErrAccountSolvent", err)
	}
}

func TestLiquidate_CappedByLiquidatorFunds(t *testing.T) {
	f := newFixture(t)
	target := insolventTarget(t, f)
	liquidator := uuid.New()
	if _, err := f.ledger.Deposit(liquidator, localCur, 100, testBlock); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	res, err := f.ledger.Liquidate(liquidator, target, localCur, depositCur, testBlock)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if res.Covered != 100 {
		t.Fatalf("covered = %d, want 100 (liquidator cap)", res.Covered)
	}
	if res.Purchased != 105 {
		t.Fatalf("purchased = %d, want 105", res.Purchased)
	}
	if b := f.ledger.Balance(liquidator, localCur); b.Deposited != 0 || b.Cash != 0 {
		t.Fatalf("liquidator local = %+v, want fully spent", b)
	}
	if b := f.ledger.Balance(target, localCur); b.Cash != 100 {
		t.Fatalf("target local cash = %d, want 100", b.Cash)
	}
}

func TestLiquidate_AbortRestoresTokenRaise(t *testing.T) {
	// Tier 2 aborts on divergence after tier 1 consumed the account's
	// liquidity tokens; the abort must hand positions, balances and the
	// pool back.
	f := newFixtureVenue(t, &stubVenue{spot: 2 * rateOne})
	if _, err := f.amm.AddLiquidity(1, testMaturity, 1_000_000, 1_000_000, 0, market.MaxRate, testBlock); err != nil {
		t.Fatalf("seed pool: %v", err)
	}
	target := uuid.New()
	err := f.positions.UpsertAll(target, []portfolio.Trade{
		{Group: 1, Instrument: 1, Maturity: testMaturity, Kind: portfolio.KindLiquidityToken, Notional: 50_000},
		{Group: 1, Instrument: 1, Maturity: testMaturity, Kind: portfolio.KindCashPayer, Notional: 2_000_000},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := f.ledger.Deposit(target, depositCur, 1_000, testBlock); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	liquidator := uuid.New()
	if _, err := f.ledger.Deposit(liquidator, localCur, 10_000, testBlock); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	poolBefore, _ := f.amm.Snapshot(1, testMaturity)

	_, err = f.ledger.Liquidate(liquidator, target, localCur, depositCur, testBlock)
	if !errors.Is(err, ErrPriceDivergence) {
		t.Fatalf("err = %v, want ErrPriceDivergence", err)
	}

	key := portfolio.PositionKey{Group: 1, Instrument: 1, Maturity: testMaturity}
	pos, ok := f.positions.Get(target, key)
	if !ok || pos.Tokens != 50_000 {
		t.Fatalf("token position after abort = %+v (ok=%v), want 50000 tokens", pos, ok)
	}
	if b := f.ledger.Balance(target, localCur); b.Cash != 0 {
		t.Fatalf("target local cash after abort = %d, want 0", b.Cash)
	}
	if b := f.ledger.Balance(liquidator, localCur); b.Deposited != 10_000 || b.Cash != 0 {
		t.Fatalf("liquidator balance after abort = %+v", b)
	}
	if poolAfter, _ := f.amm.Snapshot(1, testMaturity); poolAfter != poolBefore {
		t.Fatalf("pool after abort = %+v, want %+v", poolAfter, poolBefore)
	}
}

func TestLiquidateBatch(t *testing.T) {
	f := newFixture(t)
	targets := []uuid.UUID{insolventTarget(t, f), insolventTarget(t, f)}
	liquidator := uuid.New()
	if _, err := f.ledger.Deposit(liquidator, localCur, 10_000, testBlock); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	results, err := f.ledger.LiquidateBatch(liquidator, targets, localCur, depositCur, testBlock)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	for i, res := range results {
		if res.Covered != 480 {
			t.Fatalf("target %d covered = %d, want 480", i, res.Covered)
		}
	}
}
