package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"FutureCash/internal/engine"
	"FutureCash/internal/escrow"
	"FutureCash/internal/portfolio"
	"FutureCash/internal/query"
)

// ---------------------------------------------------------------------------
// Keeper surface: cash settlement and liquidation
// ---------------------------------------------------------------------------

// SettlementRequest asks the engine to settle each payer's cash debt in
// currency against the caller's positive claim.
type SettlementRequest struct {
	Caller          string   `json:"caller"`
	Payers          []string `json:"payers"`
	Currency        uint16   `json:"currency"`
	DepositCurrency uint16   `json:"deposit_currency"`
	Values          []int64  `json:"values"`
	BlockTime       int64    `json:"block_time"`
}

// SettlementResponse breaks one payer's settlement down by funding tier.
type SettlementResponse struct {
	Payer        string `json:"payer"`
	Requested    string `json:"requested"`
	Settled      string `json:"settled"`
	FromDeposits string `json:"from_deposits"`
	FromTokens   string `json:"from_tokens"`
	FromPurchase string `json:"from_purchase"`
	FromSales    string `json:"from_sales"`
	FromReserve  string `json:"from_reserve"`
}

// LiquidationRequest asks the engine to liquidate each account, with the
// caller acting as liquidator.
type LiquidationRequest struct {
	Caller          string   `json:"caller"`
	Accounts        []string `json:"accounts"`
	Currency        uint16   `json:"currency"`
	DepositCurrency uint16   `json:"deposit_currency"`
	BlockTime       int64    `json:"block_time"`
}

// LiquidationResponse reports how much of one account's shortfall closed.
type LiquidationResponse struct {
	Account    string `json:"account"`
	Shortfall  string `json:"shortfall"`
	FromTokens string `json:"from_tokens"`
	Covered    string `json:"covered"`
	Purchased  string `json:"purchased"`
}

func (s *Server) handleSettlements(w http.ResponseWriter, r *http.Request) {
	var req SettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "settle_cash", "invalid request body", http.StatusBadRequest)
		return
	}

	caller, err := uuid.Parse(req.Caller)
	if err != nil {
		s.writeError(w, "settle_cash", "invalid caller", http.StatusBadRequest)
		return
	}
	payers, ok := s.parseAccounts(w, "settle_cash", req.Payers)
	if !ok {
		return
	}
	if len(req.Values) != len(payers) {
		s.writeError(w, "settle_cash", "values and payers length mismatch", http.StatusBadRequest)
		return
	}

	blockTime := req.BlockTime
	if blockTime == 0 {
		blockTime = time.Now().Unix()
	}

	var results []escrow.SettlementResult
	execErr := s.state.Gate(func(e *engine.Engine) error {
		var err error
		results, err = e.SettleCash(caller, payers,
			portfolio.CurrencyID(req.Currency), portfolio.CurrencyID(req.DepositCurrency),
			req.Values, blockTime)
		if err == nil {
			// Reserve draws happen only on this path.
			s.updateReserveGauge(e, []portfolio.CurrencyID{portfolio.CurrencyID(req.Currency)})
		}
		return err
	})
	if execErr != nil {
		s.writeError(w, "settle_cash", execErr.Error(), keeperStatus(execErr))
		return
	}

	currencyLabel := strconv.Itoa(int(req.Currency))
	out := make([]SettlementResponse, len(results))
	for i, res := range results {
		s.countSettlement(res)
		if short := req.Values[i] - res.Settled; short > 0 {
			s.metrics.SettlementShortfall.WithLabelValues(currencyLabel).Add(float64(short))
		}
		out[i] = SettlementResponse{
			Payer:        payers[i].String(),
			Requested:    query.Amount(req.Values[i]),
			Settled:      query.Amount(res.Settled),
			FromDeposits: query.Amount(res.FromDeposits),
			FromTokens:   query.Amount(res.FromTokens),
			FromPurchase: query.Amount(res.FromPurchase),
			FromSales:    query.Amount(res.FromSales),
			FromReserve:  query.Amount(res.FromReserve),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLiquidations(w http.ResponseWriter, r *http.Request) {
	var req LiquidationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "liquidate", "invalid request body", http.StatusBadRequest)
		return
	}

	caller, err := uuid.Parse(req.Caller)
	if err != nil {
		s.writeError(w, "liquidate", "invalid caller", http.StatusBadRequest)
		return
	}
	accounts, ok := s.parseAccounts(w, "liquidate", req.Accounts)
	if !ok {
		return
	}

	blockTime := req.BlockTime
	if blockTime == 0 {
		blockTime = time.Now().Unix()
	}

	var results []escrow.LiquidationResult
	execErr := s.state.Gate(func(e *engine.Engine) error {
		var err error
		results, err = e.Liquidate(caller, accounts,
			portfolio.CurrencyID(req.Currency), portfolio.CurrencyID(req.DepositCurrency),
			blockTime)
		return err
	})
	if execErr != nil {
		s.writeError(w, "liquidate", execErr.Error(), keeperStatus(execErr))
		return
	}

	out := make([]LiquidationResponse, len(results))
	for i, res := range results {
		s.metrics.LiquidationsExecuted.Inc()
		if res.Closed() < res.Shortfall {
			s.metrics.LiquidationsPartial.Inc()
		}
		out[i] = LiquidationResponse{
			Account:    accounts[i].String(),
			Shortfall:  query.Amount(res.Shortfall),
			FromTokens: query.Amount(res.FromTokens),
			Covered:    query.Amount(res.Covered),
			Purchased:  query.Amount(res.Purchased),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) countSettlement(res escrow.SettlementResult) {
	tiers := []struct {
		name   string
		amount int64
	}{
		{"deposits", res.FromDeposits},
		{"tokens", res.FromTokens},
		{"purchase", res.FromPurchase},
		{"sales", res.FromSales},
		{"reserve", res.FromReserve},
	}
	for _, t := range tiers {
		if t.amount > 0 {
			s.metrics.SettlementsExecuted.WithLabelValues(t.name).Inc()
		}
	}
}

func (s *Server) parseAccounts(w http.ResponseWriter, endpoint string, raw []string) ([]uuid.UUID, bool) {
	if len(raw) == 0 {
		s.writeError(w, endpoint, "no accounts given", http.StatusBadRequest)
		return nil, false
	}
	out := make([]uuid.UUID, len(raw))
	for i, r := range raw {
		id, err := uuid.Parse(r)
		if err != nil {
			s.writeError(w, endpoint, "invalid account id "+r, http.StatusBadRequest)
			return nil, false
		}
		out[i] = id
	}
	return out, true
}

func keeperStatus(err error) int {
	switch {
	case errors.Is(err, escrow.ErrSelfLiquidation):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrAccountSolvent),
		errors.Is(err, escrow.ErrInsufficientBalance),
		errors.Is(err, escrow.ErrPriceDivergence):
		return http.StatusUnprocessableEntity
	case errors.Is(err, escrow.ErrUnknownCurrency),
		errors.Is(err, escrow.ErrInvalidAmount):
		return http.StatusBadRequest
	default:
		return http.StatusBadRequest
	}
}
