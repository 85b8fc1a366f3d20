package query

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"FutureCash/internal/engine"
	"FutureCash/internal/portfolio"
)

// Clock supplies the block time for read-side views. The engine itself
// never reads the wall clock; the HTTP layer injects one.
type Clock func() int64

// State serves live ledger and market views. The engine core is
// single-threaded, so every read goes through the same mutex the write
// path uses; views copy what they need and release the gate before
// formatting.
type State struct {
	mu    sync.Mutex
	eng   *engine.Engine
	clock Clock
}

func NewState(eng *engine.Engine, clock Clock) *State {
	return &State{eng: eng, clock: clock}
}

// Gate runs fn while holding the engine gate. The write path (HTTP batch
// submission) uses this to serialize against reads.
func (s *State) Gate(fn func(*engine.Engine) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.eng)
}

// Balances returns all currency balances for an account.
func (s *State) Balances(account uuid.UUID) []BalanceResponse {
	s.mu.Lock()
	balances := s.eng.Collateral().Balances(account)
	s.mu.Unlock()

	out := make([]BalanceResponse, 0, len(balances))
	for currency, b := range balances {
		out = append(out, BalanceResponse{
			Account:   account,
			Currency:  uint16(currency),
			Cash:      formatAmount(b.Cash),
			Deposited: formatAmount(b.Deposited),
			Net:       formatAmount(b.Net()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

// Portfolio returns an account's positions in canonical order.
func (s *State) Portfolio(account uuid.UUID) []PositionResponse {
	s.mu.Lock()
	positions := s.eng.Positions().Portfolio(account)
	s.mu.Unlock()

	out := make([]PositionResponse, 0, len(positions))
	for _, p := range positions {
		out = append(out, PositionResponse{
			Account:    account,
			Group:      uint16(p.Key.Group),
			Instrument: uint16(p.Key.Instrument),
			Maturity:   p.Key.Maturity,
			Cash:       formatAmount(p.Cash),
			Tokens:     formatAmount(p.Tokens),
		})
	}
	return out
}

// FreeCollateral returns the aggregate solvency view without settling or
// mutating the account.
func (s *State) FreeCollateral(account uuid.UUID) (FreeCollateralResponse, error) {
	s.mu.Lock()
	net, perCurrency, _, err := s.eng.Collateral().FreeCollateralView(account, s.clock())
	s.mu.Unlock()
	if err != nil {
		return FreeCollateralResponse{}, err
	}

	per := make(map[uint16]string, len(perCurrency))
	for currency, v := range perCurrency {
		per[uint16(currency)] = formatAmount(v)
	}
	return FreeCollateralResponse{
		Account:     account,
		Aggregate:   formatAmount(net),
		PerCurrency: per,
		Solvent:     net >= 0,
	}, nil
}

// Markets returns the state of every pool.
func (s *State) Markets() []MarketResponse {
	now := s.clock()
	s.mu.Lock()
	pools := s.eng.Markets().Pools()
	s.mu.Unlock()

	out := make([]MarketResponse, 0, len(pools))
	for key, m := range pools {
		out = append(out, MarketResponse{
			Group:           uint16(key.Group),
			Maturity:        key.Maturity,
			TotalFutureCash: formatAmount(m.TotalFutureCash),
			TotalCollateral: formatAmount(m.TotalCollateral),
			TotalLiquidity:  formatAmount(m.TotalLiquidity),
			RateAnchor:      m.RateAnchor,
			LastImpliedRate: m.LastImpliedRate,
			Matured:         now >= key.Maturity,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Maturity < out[j].Maturity
	})
	return out
}

// Rate prices a hypothetical signed trade against a pool. amount > 0
// quotes the borrow side, amount < 0 the lend side, zero the resting
// rate.
func (s *State) Rate(group portfolio.GroupID, maturity, amount int64) (RateResponse, bool) {
	s.mu.Lock()
	rate, implied, ok := s.eng.Markets().RateView(group, maturity, amount, s.clock())
	s.mu.Unlock()
	if !ok {
		return RateResponse{}, false
	}
	return RateResponse{
		Group:        uint16(group),
		Maturity:     maturity,
		Amount:       formatAmount(amount),
		ExchangeRate: formatAmount(rate),
		ImpliedRate:  implied,
	}, true
}

// Currencies returns the governance exchange-rate listings.
func (s *State) Currencies() []CurrencyResponse {
	s.mu.Lock()
	listed := s.eng.Rates().Entries()
	s.mu.Unlock()

	out := make([]CurrencyResponse, 0, len(listed))
	for _, r := range listed {
		out = append(out, CurrencyResponse{
			Currency:            uint16(r.Base),
			Haircut:             formatRate(r.Haircut),
			SettlementDiscount:  formatRate(r.SettlementDiscount),
			LiquidationDiscount: formatRate(r.LiquidationDiscount),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}
