package escrow

import (
	"testing"

	"github.com/google/uuid"

	"FutureCash/internal/market"
	"FutureCash/internal/portfolio"
)

func TestFreeCollateral_NegativeBalanceHaircut(t *testing.T) {
	f := newFixture(t)
	acct := uuid.New()

	// -500 cash in a currency with a 1.5 haircut contributes -750.
	if err := f.ledger.AdjustCash(acct, localCur, -500); err != nil {
		t.Fatalf("adjust cash: %v", err)
	}
	net, per, npv, err := f.ledger.FreeCollateral(acct, testBlock)
	if err != nil {
		t.Fatalf("free collateral: %v", err)
	}
	if net != -750 {
		t.Fatalf("net = %d, want -750", net)
	}
	if per[localCur] != -500 {
		t.Fatalf("per-currency = %d, want -500", per[localCur])
	}
	if npv != 0 {
		t.Fatalf("npv = %d, want 0", npv)
	}
}

func TestFreeCollateral_PositiveNotInflated(t *testing.T) {
	f := newFixture(t)
	acct := uuid.New()
	if err := f.ledger.AdjustCash(acct, localCur, 500); err != nil {
		t.Fatalf("adjust cash: %v", err)
	}
	net, _, _, err := f.ledger.FreeCollateral(acct, testBlock)
	if err != nil {
		t.Fatalf("free collateral: %v", err)
	}
	if net != 500 {
		t.Fatalf("net = %d, want 500 (no haircut on collateral)", net)
	}
}

func TestFreeCollateral_FoldsRequirement(t *testing.T) {
	f := newFixture(t)
	acct := uuid.New()

	// A payer obligation demands haircut-grossed collateral.
	err := f.positions.Upsert(acct, portfolio.Trade{
		Group: 1, Instrument: 1, Maturity: testMaturity,
		Kind: portfolio.KindCashPayer, Notional: 1_000,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	net, per, _, err := f.ledger.FreeCollateral(acct, testBlock)
	if err != nil {
		t.Fatalf("free collateral: %v", err)
	}
	// Requirement 1100 in local currency, then the 1.5 currency haircut on
	// the resulting debt.
	if per[localCur] != -1_100 {
		t.Fatalf("per-currency = %d, want -1100", per[localCur])
	}
	if net != -1_650 {
		t.Fatalf("net = %d, want -1650", net)
	}
}

func TestFreeCollateral_SettlesAndEmits(t *testing.T) {
	f := newFixture(t)
	acct := uuid.New()

	err := f.positions.Upsert(acct, portfolio.Trade{
		Group: 1, Instrument: 1, Maturity: testMaturity,
		Kind: portfolio.KindCashReceiver, Notional: 400,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	after := testMaturity + 1
	net, _, _, err := f.ledger.FreeCollateral(acct, after)
	if err != nil {
		t.Fatalf("free collateral: %v", err)
	}
	if net != 400 {
		t.Fatalf("net = %d, want 400 matured cash", net)
	}
	if b := f.ledger.Balance(acct, localCur); b.Cash != 400 {
		t.Fatalf("cash = %d, want 400", b.Cash)
	}
	if f.pub.count("fc.accounts.settled") != 1 {
		t.Fatal("missing settlement event")
	}

	// Second sweep is a no-op and must not emit again.
	if _, _, _, err := f.ledger.FreeCollateral(acct, after); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if f.pub.count("fc.accounts.settled") != 1 {
		t.Fatal("idempotent sweep emitted a second event")
	}
}

func TestFreeCollateralView_NoMutation(t *testing.T) {
	f := newFixture(t)
	acct := uuid.New()
	err := f.positions.Upsert(acct, portfolio.Trade{
		Group: 1, Instrument: 1, Maturity: testMaturity,
		Kind: portfolio.KindCashReceiver, Notional: 400,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, _, _, err := f.ledger.FreeCollateralView(acct, testMaturity+1); err != nil {
		t.Fatalf("view: %v", err)
	}
	if b := f.ledger.Balance(acct, localCur); b.Cash != 0 {
		t.Fatalf("view settled the portfolio: cash %d", b.Cash)
	}
	if len(f.positions.Portfolio(acct)) != 1 {
		t.Fatal("view removed positions")
	}
}

func TestFreeCollateral_OracleFailure(t *testing.T) {
	f := newFixture(t)
	acct := uuid.New()
	if err := f.ledger.AdjustCash(acct, localCur, -500); err != nil {
		t.Fatalf("adjust cash: %v", err)
	}
	f.oracle.rates[localCur] = 0
	if _, _, _, err := f.ledger.FreeCollateral(acct, testBlock); err == nil {
		t.Fatal("non-positive oracle rate accepted")
	}
}

func TestFreeCollateral_TokenNPV(t *testing.T) {
	f := newFixture(t)
	lp := uuid.New()

	// Seed the pool and hand the account its liquidity position.
	if _, err := f.amm.AddLiquidity(1, testMaturity, 1_000_000, 1_000_000, 0, market.MaxRate, testBlock); err != nil {
		t.Fatalf("seed pool: %v", err)
	}
	trades := []portfolio.Trade{
		{Group: 1, Instrument: 1, Maturity: testMaturity, Kind: portfolio.KindLiquidityToken, Notional: 100_000},
		{Group: 1, Instrument: 1, Maturity: testMaturity, Kind: portfolio.KindCashPayer, Notional: 100_000},
	}
	if err := f.positions.UpsertAll(lp, trades); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	net, _, npv, err := f.ledger.FreeCollateral(lp, testBlock)
	if err != nil {
		t.Fatalf("free collateral: %v", err)
	}
	if npv != 100_000 {
		t.Fatalf("npv = %d, want 100000 pool collateral share", npv)
	}
	// The token's future-cash share exactly offsets the payer leg, so the
	// whole position nets to its collateral claim.
	if net != 100_000 {
		t.Fatalf("net = %d, want 100000", net)
	}
}
