package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"FutureCash/internal/engine"
	"FutureCash/internal/escrow"
	"FutureCash/internal/events"
	"FutureCash/internal/market"
	"FutureCash/internal/observability"
	"FutureCash/internal/portfolio"
	"FutureCash/internal/query"
	"FutureCash/internal/risk"
)

const (
	localCur = portfolio.CurrencyID(1)
	quoteCur = portfolio.CurrencyID(9)

	testPeriod   = int64(2_592_000)
	testBlock    = testPeriod
	testMaturity = 2 * testPeriod

	rateOne = int64(1_000_000_000_000_000_000)
)

type passCustody struct{}

func (passCustody) Deposit(_ uuid.UUID, _ portfolio.CurrencyID, amount int64) (int64, error) {
	return amount, nil
}

func (passCustody) Withdraw(uuid.UUID, portfolio.CurrencyID, int64) error { return nil }

type parOracle struct{}

func (parOracle) LatestRate(base, _ portfolio.CurrencyID) (int64, error) {
	if base == localCur {
		return rateOne, nil
	}
	return 0, fmt.Errorf("no feed for %d", base)
}

var testMetrics = observability.NewMetrics()

type fixture struct {
	srv   *httptest.Server
	eng   *engine.Engine
	amm   *market.Directory
	admin uuid.UUID
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

	ledger := escrow.NewLedger(positions, rsk, amm, rates, passCustody{}, parOracle{}, quoteCur, uuid.New(), events.Nop{}, zerolog.Nop())

	admin := uuid.New()
	eng := engine.New(groups, positions, amm, ledger, rates, rsk, engine.NewAuthorizer(admin), events.Nop{}, zerolog.Nop())

	state := query.NewState(eng, func() int64 { return testBlock })
	srv := New(state, query.NewService(nil), observability.NewHealthChecker(), testMetrics, zerolog.Nop())

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &fixture{srv: ts, eng: eng, amm: amm, admin: admin}
}

func (f *fixture) get(t *testing.T, path string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (f *fixture) post(t *testing.T, path, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	b := make([]byte, 4096)
	n, _ := resp.Body.Read(b)
	return resp.StatusCode, string(b[:n])
}

func seedPool(t *testing.T, f *fixture) {
	t.Helper()
	if _, err := f.amm.AddLiquidity(1, testMaturity, 1_000_000, 1_000_000, 0, market.MaxRate, testBlock); err != nil {
		t.Fatalf("seed pool: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Read side
// ---------------------------------------------------------------------------

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)

	if code := f.get(t, "/healthz", nil); code != http.StatusOK {
		t.Fatalf("healthz = %d", code)
	}
	// Not marked ready in the fixture.
	if code := f.get(t, "/readyz", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz = %d", code)
	}
}

func TestMarketsEndpoint(t *testing.T) {
	f := newFixture(t)
	seedPool(t, f)

	var markets []query.MarketResponse
	if code := f.get(t, "/v1/markets", &markets); code != http.StatusOK {
		t.Fatalf("markets = %d", code)
	}
	if len(markets) != 1 {
		t.Fatalf("markets = %+v", markets)
	}
	m := markets[0]
	if m.Group != 1 || m.Maturity != testMaturity || m.Matured {
		t.Fatalf("market = %+v", m)
	}
	if m.TotalLiquidity != "0.001" {
		t.Fatalf("liquidity = %s, want 0.001 (1e6 at 1e9 scale)", m.TotalLiquidity)
	}
}

func TestRateEndpoint(t *testing.T) {
	f := newFixture(t)
	seedPool(t, f)

	var rate query.RateResponse
	if code := f.get(t, fmt.Sprintf("/v1/markets/1/%d/rate", testMaturity), &rate); code != http.StatusOK {
		t.Fatalf("rate = %d", code)
	}
	if rate.ImpliedRate != 50_000_000 {
		t.Fatalf("resting implied = %d", rate.ImpliedRate)
	}
	if rate.ExchangeRate != "1.05" {
		t.Fatalf("resting rate = %s", rate.ExchangeRate)
	}

	if code := f.get(t, "/v1/markets/1/999/rate", nil); code != http.StatusNotFound {
		t.Fatalf("missing market rate = %d", code)
	}
}

func TestCurrenciesEndpoint(t *testing.T) {
	f := newFixture(t)

	var currencies []query.CurrencyResponse
	if code := f.get(t, "/v1/currencies", &currencies); code != http.StatusOK {
		t.Fatalf("currencies = %d", code)
	}
	if len(currencies) != 1 || currencies[0].Currency != uint16(localCur) {
		t.Fatalf("currencies = %+v", currencies)
	}
	if currencies[0].Haircut != "1.5" {
		t.Fatalf("haircut = %s", currencies[0].Haircut)
	}
}

// ---------------------------------------------------------------------------
// Write side
// ---------------------------------------------------------------------------

func TestSubmitBatch_DepositAndLend(t *testing.T) {
	f := newFixture(t)
	seedPool(t, f)
	acct := uuid.New()

	body := fmt.Sprintf(`{
		"caller": %q, "account": %q, "block_time": %d,
		"deposits": [{"currency": 1, "amount": 100000}],
		"trades": [{"type": "lend", "group": 1, "instrument": 1, "maturity": %d, "amount": 100000}]
	}`, acct, acct, testBlock, testMaturity)

	code, resp := f.post(t, "/v1/batches", body)
	if code != http.StatusOK {
		t.Fatalf("submit = %d: %s", code, resp)
	}

	var balances []query.BalanceResponse
	if code := f.get(t, "/v1/accounts/"+acct.String()+"/balances", &balances); code != http.StatusOK {
		t.Fatalf("balances = %d", code)
	}
	if len(balances) != 1 || balances[0].Currency != uint16(localCur) {
		t.Fatalf("balances = %+v", balances)
	}

	var portfolioResp []query.PositionResponse
	if code := f.get(t, "/v1/accounts/"+acct.String()+"/portfolio", &portfolioResp); code != http.StatusOK {
		t.Fatalf("portfolio = %d", code)
	}
	if len(portfolioResp) != 1 || portfolioResp[0].Cash != "0.0001" {
		t.Fatalf("portfolio = %+v", portfolioResp)
	}

	var fc query.FreeCollateralResponse
	if code := f.get(t, "/v1/accounts/"+acct.String()+"/free-collateral", &fc); code != http.StatusOK {
		t.Fatalf("free-collateral = %d", code)
	}
	if !fc.Solvent {
		t.Fatalf("free collateral = %+v", fc)
	}
}

func TestSubmitBatch_Rejections(t *testing.T) {
	f := newFixture(t)
	seedPool(t, f)
	acct := uuid.New()

	// Unauthorized caller.
	body := fmt.Sprintf(`{"caller": %q, "account": %q, "block_time": %d}`, uuid.New(), acct, testBlock)
	if code, _ := f.post(t, "/v1/batches", body); code != http.StatusForbidden {
		t.Fatalf("unauthorized = %d", code)
	}

	// Expired deadline.
	body = fmt.Sprintf(`{"caller": %q, "account": %q, "block_time": %d, "deadline": %d}`, acct, acct, testBlock, testBlock)
	if code, _ := f.post(t, "/v1/batches", body); code != http.StatusRequestTimeout {
		t.Fatalf("deadline = %d", code)
	}

	// Unknown trade type.
	body = fmt.Sprintf(`{"caller": %q, "account": %q, "trades": [{"type": "short"}]}`, acct, acct)
	if code, _ := f.post(t, "/v1/batches", body); code != http.StatusBadRequest {
		t.Fatalf("trade type = %d", code)
	}

	// Undercollateralized borrow.
	body = fmt.Sprintf(`{
		"caller": %q, "account": %q, "block_time": %d,
		"trades": [{"type": "borrow", "group": 1, "instrument": 1, "maturity": %d, "amount": 500000}]
	}`, acct, acct, testBlock, testMaturity)
	if code, _ := f.post(t, "/v1/batches", body); code != http.StatusUnprocessableEntity {
		t.Fatalf("undercollateralized = %d", code)
	}

	// Invalid account id in path.
	if code := f.get(t, "/v1/accounts/not-a-uuid/balances", nil); code != http.StatusBadRequest {
		t.Fatalf("bad account = %d", code)
	}
}
