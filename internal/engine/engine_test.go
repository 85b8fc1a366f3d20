package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"FutureCash/internal/escrow"
	"FutureCash/internal/events"
	"FutureCash/internal/fixed"
	"FutureCash/internal/market"
	"FutureCash/internal/portfolio"
	"FutureCash/internal/risk"
)

const (
	localCur = portfolio.CurrencyID(1)
	quoteCur = portfolio.CurrencyID(9)

	testPeriod   = int64(2_592_000)
	testBlock    = testPeriod
	testMaturity = 2 * testPeriod

	rateOne = fixed.RatePrecision
)

type stubCustody struct {
	withdraws []int64
	failNext  bool
}

func (c *stubCustody) Deposit(_ uuid.UUID, _ portfolio.CurrencyID, amount int64) (int64, error) {
	return amount, nil
}

func (c *stubCustody) Withdraw(_ uuid.UUID, _ portfolio.CurrencyID, amount int64) error {
	if c.failNext {
		c.failNext = false
		return errors.New("transfer rejected")
	}
	c.withdraws = append(c.withdraws, amount)
	return nil
}

type stubOracle struct{}

func (stubOracle) LatestRate(base, _ portfolio.CurrencyID) (int64, error) {
	if base == localCur {
		return rateOne, nil
	}
	return 0, fmt.Errorf("no feed for %d", base)
}

type capturePub struct {
	evts []events.Event
}

func (p *capturePub) Publish(e events.Event) { p.evts = append(p.evts, e) }

func (p *capturePub) count(subject string) int {
	n := 0
	for _, e := range p.evts {
		if e.Subject() == subject {
			n++
		}
	}
	return n
}

type fixture struct {
	engine     *Engine
	collateral *escrow.Ledger
	positions  *portfolio.Ledger
	amm        *market.Directory
	custody    *stubCustody
	pub        *capturePub
	admin      uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	groups := portfolio.NewGroupDirectory()
	if err := groups.Put(portfolio.Group{ID: 1, Currency: localCur, NumPeriods: 4, PeriodSize: testPeriod}); err != nil {
		t.Fatalf("put group: %v", err)
	}
	positions := portfolio.NewLedger(groups, 20, zerolog.Nop())
	amm := market.NewDirectory(groups, zerolog.Nop())
	if err := amm.SetParams(1, market.Params{RateScalar: 100, RateAnchor: 1_050_000_000}); err != nil {
		t.Fatalf("set params: %v", err)
	}
	rsk := risk.NewEngine(groups, amm, 1_100_000_000_000_000_000, zerolog.Nop())

	rates := escrow.NewRateTable(nil)
	if err := rates.Set(escrow.ExchangeRate{
		Base: localCur, Quote: quoteCur,
		Haircut: rateOne + rateOne/2, SettlementDiscount: rateOne, LiquidationDiscount: rateOne,
	}); err != nil {
		t.Fatalf("set rate: %v", err)
	}

	custody := &stubCustody{}
	pub := &capturePub{}
	ledger := escrow.NewLedger(positions, rsk, amm, rates, custody, stubOracle{}, quoteCur, uuid.New(), pub, zerolog.Nop())

	admin := uuid.New()
	eng := New(groups, positions, amm, ledger, rates, rsk, NewAuthorizer(admin), pub, zerolog.Nop())
	return &fixture{
		engine: eng, collateral: ledger, positions: positions, amm: amm,
		custody: custody, pub: pub, admin: admin,
	}
}

// seedPool gives the fixture's market a balanced resting pool funded by a
// throwaway liquidity provider.
func seedPool(t *testing.T, f *fixture) {
	t.Helper()
	if _, err := f.amm.AddLiquidity(1, testMaturity, 1_000_000, 1_000_000, 0, market.MaxRate, testBlock); err != nil {
		t.Fatalf("seed pool: %v", err)
	}
}

func tradeEvent(t *testing.T, pub *capturePub) events.TradeExecuted {
	t.Helper()
	for _, e := range pub.evts {
		if ev, ok := e.(events.TradeExecuted); ok {
			return ev
		}
	}
	t.Fatal("no trade event published")
	return events.TradeExecuted{}
}

func withdrawnEvent(t *testing.T, pub *capturePub) events.Withdrawn {
	t.Helper()
	for _, e := range pub.evts {
		if ev, ok := e.(events.Withdrawn); ok {
			return ev
		}
	}
	t.Fatal("no withdrawn event published")
	return events.Withdrawn{}
}

// ---------------------------------------------------------------------------
// Batch execution
// ---------------------------------------------------------------------------

func TestExecute_DepositLendWithdrawResidual(t *testing.T) {
	f := newFixture(t)
	seedPool(t, f)
	acct := uuid.New()

	err := f.engine.Execute(acct, Batch{
		Account: acct,
		Deposits: []Deposit{
			{Currency: localCur, Amount: 100_000},
		},
		Trades: []Trade{
			{Type: TradeLend, Group: 1, Instrument: 1, Maturity: testMaturity, Amount: 100_000},
		},
		Withdraws: []Withdraw{
			{Currency: localCur, Amount: 0},
		},
	}, testBlock)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	ev := tradeEvent(t, f.pub)
	cost := ev.Collateral // fee-inclusive for lends
	if cost < 95_000 || cost > 96_000 {
		t.Fatalf("lend cost = %d, want ~95.4k", cost)
	}

	// Residual withdraw drains everything the trade left behind.
	wd := withdrawnEvent(t, f.pub)
	if wd.Amount != 100_000-cost {
		t.Fatalf("withdrawn = %d, want %d", wd.Amount, 100_000-cost)
	}
	if len(f.custody.withdraws) != 1 || f.custody.withdraws[0] != wd.Amount {
		t.Fatalf("custody withdraws = %v", f.custody.withdraws)
	}
	if net := f.collateral.Balance(acct, localCur).Net(); net != 0 {
		t.Fatalf("residual balance = %d, want 0", net)
	}

	pos, ok := f.positions.Get(acct, portfolio.PositionKey{Group: 1, Instrument: 1, Maturity: testMaturity})
	if !ok || pos.Cash != 100_000 {
		t.Fatalf("receiver position = %+v", pos)
	}
}

func TestExecute_ResidualWithdrawSkippedWhenEmpty(t *testing.T) {
	f := newFixture(t)
	acct := uuid.New()

	err := f.engine.Execute(acct, Batch{
		Account:   acct,
		Withdraws: []Withdraw{{Currency: localCur, Amount: 0}},
	}, testBlock)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(f.custody.withdraws) != 0 {
		t.Fatalf("unexpected custody withdraws %v", f.custody.withdraws)
	}
	if f.pub.count("fc.accounts.withdrawn") != 0 {
		t.Fatal("unexpected withdrawn event")
	}
}

func TestExecute_DeadlineRejectedBeforeMutation(t *testing.T) {
	f := newFixture(t)
	acct := uuid.New()

	err := f.engine.Execute(acct, Batch{
		Account:  acct,
		Deadline: testBlock,
		Deposits: []Deposit{{Currency: localCur, Amount: 1_000}},
	}, testBlock)
	if !errors.Is(err, ErrDeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if b := f.collateral.Balance(acct, localCur); b.Deposited != 0 {
		t.Fatalf("expired batch credited %d", b.Deposited)
	}
}

func TestExecute_UnauthorizedCaller(t *testing.T) {
	f := newFixture(t)
	acct := uuid.New()

	err := f.engine.Execute(uuid.New(), Batch{Account: acct}, testBlock)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v", err)
	}
}

func TestExecute_OperatorApproval(t *testing.T) {
	f := newFixture(t)
	acct := uuid.New()
	operator := uuid.New()

	batch := Batch{
		Account:  acct,
		Deposits: []Deposit{{Currency: localCur, Amount: 1_000}},
	}
	if err := f.engine.Execute(operator, batch, testBlock); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("pre-approval err = %v", err)
	}

	f.engine.Auth().Approve(acct, operator)
	if err := f.engine.Execute(operator, batch, testBlock); err != nil {
		t.Fatalf("approved operator: %v", err)
	}

	f.engine.Auth().Revoke(acct, operator)
	if err := f.engine.Execute(operator, batch, testBlock); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("post-revoke err = %v", err)
	}
}

func TestExecute_UndercollateralizedBorrowRollsBack(t *testing.T) {
	f := newFixture(t)
	seedPool(t, f)
	acct := uuid.New()

	before, _ := f.amm.Snapshot(1, testMaturity)

	// An uncollateralized borrow: the payout is worth less than the
	// haircut requirement on the minted obligation.
	err := f.engine.Execute(acct, Batch{
		Account: acct,
		Trades: []Trade{
			{Type: TradeBorrow, Group: 1, Instrument: 1, Maturity: testMaturity, Amount: 500_000, MaxImpliedRate: market.MaxRate},
		},
	}, testBlock)
	if !errors.Is(err, escrow.ErrUndercollateralized) {
		t.Fatalf("err = %v", err)
	}

	if b := f.collateral.Balance(acct, localCur); b.Cash != 0 || b.Deposited != 0 {
		t.Fatalf("balance not restored: %+v", b)
	}
	if !f.positions.Empty(acct) {
		t.Fatal("positions not restored")
	}
	after, _ := f.amm.Snapshot(1, testMaturity)
	if after != before {
		t.Fatalf("pool not restored: %+v != %+v", after, before)
	}
}

func TestExecute_DepositsSurviveAbortedTrades(t *testing.T) {
	f := newFixture(t)
	seedPool(t, f)
	acct := uuid.New()

	err := f.engine.Execute(acct, Batch{
		Account:  acct,
		Deposits: []Deposit{{Currency: localCur, Amount: 5_000}},
		Trades: []Trade{
			{Type: TradeBorrow, Group: 1, Instrument: 1, Maturity: testMaturity, Amount: 500_000, MaxImpliedRate: market.MaxRate},
		},
	}, testBlock)
	if !errors.Is(err, escrow.ErrUndercollateralized) {
		t.Fatalf("err = %v", err)
	}
	// External funds already arrived; only the trade legs unwind.
	if b := f.collateral.Balance(acct, localCur); b.Deposited != 5_000 {
		t.Fatalf("deposit rolled back: %+v", b)
	}
}

func TestExecute_FailedTradeUnwindsWholeBatch(t *testing.T) {
	f := newFixture(t)
	seedPool(t, f)
	acct := uuid.New()

	err := f.engine.Execute(acct, Batch{
		Account:  acct,
		Deposits: []Deposit{{Currency: localCur, Amount: 200_000}},
		Trades: []Trade{
			{Type: TradeLend, Group: 1, Instrument: 1, Maturity: testMaturity, Amount: 100_000},
			{Type: TradeLend, Group: 1, Instrument: 1, Maturity: testMaturity, Amount: 0},
		},
	}, testBlock)
	if err == nil {
		t.Fatal("invalid second trade accepted")
	}
	if !f.positions.Empty(acct) {
		t.Fatal("first trade's position survived the abort")
	}
	if b := f.collateral.Balance(acct, localCur); b.Cash != 0 || b.Deposited != 200_000 {
		t.Fatalf("balance = %+v, want untouched deposit", b)
	}
}

func TestExecute_AddRemoveLiquidity(t *testing.T) {
	f := newFixture(t)
	acct := uuid.New()

	err := f.engine.Execute(acct, Batch{
		Account:  acct,
		Deposits: []Deposit{{Currency: localCur, Amount: 1_000_000}},
		Trades: []Trade{
			{Type: TradeAddLiquidity, Group: 1, Instrument: 1, Maturity: testMaturity, Amount: 1_000_000, MaxFutureCash: 1_000_000, MaxImpliedRate: market.MaxRate},
		},
	}, testBlock)
	if err != nil {
		t.Fatalf("add liquidity: %v", err)
	}
	if f.pub.count("fc.markets.initialized") != 1 {
		t.Fatal("missing market initialized event")
	}
	if f.pub.count("fc.markets.liquidity") != 1 {
		t.Fatal("missing liquidity event")
	}
	pos, ok := f.positions.Get(acct, portfolio.PositionKey{Group: 1, Instrument: 1, Maturity: testMaturity})
	if !ok || pos.Tokens != 1_000_000 || pos.Cash != -1_000_000 {
		t.Fatalf("liquidity position = %+v", pos)
	}

	err = f.engine.Execute(acct, Batch{
		Account: acct,
		Trades: []Trade{
			{Type: TradeRemoveLiquidity, Group: 1, Instrument: 1, Maturity: testMaturity, Amount: 400_000},
		},
	}, testBlock)
	if err != nil {
		t.Fatalf("remove liquidity: %v", err)
	}
	pos, _ = f.positions.Get(acct, portfolio.PositionKey{Group: 1, Instrument: 1, Maturity: testMaturity})
	if pos.Tokens != 600_000 || pos.Cash != -600_000 {
		t.Fatalf("post-removal position = %+v", pos)
	}
	if b := f.collateral.Balance(acct, localCur); b.Net() != 400_000 {
		t.Fatalf("post-removal balance = %+v", b)
	}
}

func TestExecute_FailedTransferRecredits(t *testing.T) {
	f := newFixture(t)
	acct := uuid.New()

	f.custody.failNext = true
	err := f.engine.Execute(acct, Batch{
		Account:   acct,
		Deposits:  []Deposit{{Currency: localCur, Amount: 1_000}},
		Withdraws: []Withdraw{{Currency: localCur, Amount: 500}},
	}, testBlock)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if b := f.collateral.Balance(acct, localCur); b.Deposited != 1_000 {
		t.Fatalf("deposited = %d, want funds re-credited", b.Deposited)
	}
}

// ---------------------------------------------------------------------------
// Governance
// ---------------------------------------------------------------------------

func TestGovernance_AdminOnly(t *testing.T) {
	f := newFixture(t)
	outsider := uuid.New()

	if err := f.engine.PutGroup(outsider, portfolio.Group{ID: 7, Currency: localCur, NumPeriods: 2, PeriodSize: testPeriod}); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("put group err = %v", err)
	}
	if err := f.engine.SetMarketParams(outsider, 1, market.Params{RateScalar: 50, RateAnchor: 1_100_000_000}); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("set params err = %v", err)
	}
	if err := f.engine.ListCurrency(outsider, escrow.ExchangeRate{Base: 5, Quote: quoteCur, Haircut: rateOne, SettlementDiscount: rateOne, LiquidationDiscount: rateOne}); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("list currency err = %v", err)
	}
	if err := f.engine.SetPortfolioHaircut(outsider, 2*rateOne); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("set haircut err = %v", err)
	}
}

func TestGovernance_AdminUpdates(t *testing.T) {
	f := newFixture(t)

	if err := f.engine.PutGroup(f.admin, portfolio.Group{ID: 7, Currency: localCur, NumPeriods: 2, PeriodSize: testPeriod}); err != nil {
		t.Fatalf("put group: %v", err)
	}
	if err := f.engine.SetMarketParams(f.admin, 7, market.Params{RateScalar: 50, RateAnchor: 1_100_000_000}); err != nil {
		t.Fatalf("set params: %v", err)
	}
	if p, ok := f.engine.Markets().GetParams(7); !ok || p.RateScalar != 50 {
		t.Fatalf("params not stored: %+v", p)
	}

	if err := f.engine.SetPortfolioHaircut(f.admin, rateOne+rateOne/5); err != nil {
		t.Fatalf("set haircut: %v", err)
	}
	if err := f.engine.SetPortfolioHaircut(f.admin, rateOne/2); err == nil {
		t.Fatal("sub-par haircut accepted")
	}
}
