// Package server is the HTTP/JSON surface: batch submission, read-side
// queries, health probes. Reads go through the query layer; writes are
// serialized onto the engine through the same gate.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"FutureCash/internal/engine"
	"FutureCash/internal/escrow"
	"FutureCash/internal/market"
	"FutureCash/internal/observability"
	"FutureCash/internal/portfolio"
	"FutureCash/internal/query"
)

// Server hosts the HTTP API.
type Server struct {
	state   *query.State
	history *query.Service
	health  *observability.HealthChecker
	metrics *observability.Metrics
	log     zerolog.Logger
}

func New(
	state *query.State,
	history *query.Service,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Server {
	return &Server{state: state, history: history, health: health, metrics: metrics, log: log}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/accounts/{account}", func(r chi.Router) {
			r.Get("/balances", s.instrument("balances", s.handleBalances))
			r.Get("/portfolio", s.instrument("portfolio", s.handlePortfolio))
			r.Get("/free-collateral", s.instrument("free_collateral", s.handleFreeCollateral))
			r.Get("/trades", s.instrument("trade_history", s.handleTradeHistory))
			r.Get("/events", s.instrument("event_history", s.handleEventHistory))
		})
		r.Get("/markets", s.instrument("markets", s.handleMarkets))
		r.Get("/markets/{group}/{maturity}/rate", s.instrument("rate", s.handleRate))
		r.Get("/currencies", s.instrument("currencies", s.handleCurrencies))
		r.Post("/batches", s.instrument("submit_batch", s.handleSubmitBatch))
		r.Post("/settlements", s.instrument("settle_cash", s.handleSettlements))
		r.Post("/liquidations", s.instrument("liquidate", s.handleLiquidations))

		r.Route("/admin", func(r chi.Router) {
			r.Post("/groups", s.instrument("admin_group", s.handlePutGroup))
			r.Post("/currencies", s.instrument("admin_currency", s.handlePutCurrency))
			r.Post("/haircut", s.instrument("admin_haircut", s.handleSetHaircut))
		})
		r.Post("/operators/approve", s.instrument("operator_approve", s.handleOperator(true)))
		r.Post("/operators/revoke", s.instrument("operator_revoke", s.handleOperator(false)))
	})

	return r
}

// instrument wraps a handler with request counting and latency metrics.
func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
		h(w, r)
		s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

// ---------------------------------------------------------------------------
// Read side
// ---------------------------------------------------------------------------

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	account, ok := s.accountParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.state.Balances(account))
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	account, ok := s.accountParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.state.Portfolio(account))
}

func (s *Server) handleFreeCollateral(w http.ResponseWriter, r *http.Request) {
	account, ok := s.accountParam(w, r)
	if !ok {
		return
	}
	resp, err := s.state.FreeCollateral(account)
	if err != nil {
		s.writeError(w, "free_collateral", err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTradeHistory(w http.ResponseWriter, r *http.Request) {
	account, ok := s.accountParam(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	trades, err := s.history.TradeHistory(r.Context(), account, limit)
	if err != nil {
		s.writeError(w, "trade_history", "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	account, ok := s.accountParam(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.history.EventHistory(r.Context(), account, limit)
	if err != nil {
		s.writeError(w, "event_history", "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state.Markets())
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	group, err := strconv.ParseUint(chi.URLParam(r, "group"), 10, 16)
	if err != nil {
		s.writeError(w, "rate", "invalid group", http.StatusBadRequest)
		return
	}
	maturity, err := strconv.ParseInt(chi.URLParam(r, "maturity"), 10, 64)
	if err != nil {
		s.writeError(w, "rate", "invalid maturity", http.StatusBadRequest)
		return
	}
	// amount is a signed instrument-precision quantity; omitted means the
	// resting rate.
	var amount int64
	if q := r.URL.Query().Get("amount"); q != "" {
		amount, err = strconv.ParseInt(q, 10, 64)
		if err != nil {
			s.writeError(w, "rate", "invalid amount", http.StatusBadRequest)
			return
		}
	}

	resp, ok := s.state.Rate(portfolio.GroupID(group), maturity, amount)
	if !ok {
		s.writeError(w, "rate", "market not found or not priceable", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCurrencies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state.Currencies())
}

// ---------------------------------------------------------------------------
// Write side
// ---------------------------------------------------------------------------

// BatchRequest is the JSON form of an execution batch.
type BatchRequest struct {
	Caller    string            `json:"caller"`
	Account   string            `json:"account"`
	Deadline  int64             `json:"deadline"`
	BlockTime int64             `json:"block_time"`
	Deposits  []DepositRequest  `json:"deposits"`
	Trades    []TradeRequest    `json:"trades"`
	Withdraws []WithdrawRequest `json:"withdraws"`
}

type DepositRequest struct {
	Currency uint16 `json:"currency"`
	Amount   int64  `json:"amount"`
}

type TradeRequest struct {
	Type           string `json:"type"`
	Group          uint16 `json:"group"`
	Instrument     uint16 `json:"instrument"`
	Maturity       int64  `json:"maturity"`
	Amount         int64  `json:"amount"`
	MaxFutureCash  int64  `json:"max_future_cash"`
	MinImpliedRate uint32 `json:"min_implied_rate"`
	MaxImpliedRate uint32 `json:"max_implied_rate"`
}

type WithdrawRequest struct {
	Currency uint16 `json:"currency"`
	Amount   int64  `json:"amount"`
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "submit_batch", "invalid request body", http.StatusBadRequest)
		return
	}

	caller, err := uuid.Parse(req.Caller)
	if err != nil {
		s.writeError(w, "submit_batch", "invalid caller", http.StatusBadRequest)
		return
	}
	account, err := uuid.Parse(req.Account)
	if err != nil {
		s.writeError(w, "submit_batch", "invalid account", http.StatusBadRequest)
		return
	}

	batch := engine.Batch{
		Account:  account,
		Deadline: req.Deadline,
	}
	for _, d := range req.Deposits {
		batch.Deposits = append(batch.Deposits, engine.Deposit{
			Currency: portfolio.CurrencyID(d.Currency),
			Amount:   d.Amount,
		})
	}
	for _, t := range req.Trades {
		tradeType, ok := parseTradeType(t.Type)
		if !ok {
			s.writeError(w, "submit_batch", fmt.Sprintf("unknown trade type %q", t.Type), http.StatusBadRequest)
			return
		}
		maxImplied := t.MaxImpliedRate
		if maxImplied == 0 {
			maxImplied = market.MaxRate
		}
		batch.Trades = append(batch.Trades, engine.Trade{
			Type:           tradeType,
			Group:          portfolio.GroupID(t.Group),
			Instrument:     portfolio.InstrumentID(t.Instrument),
			Maturity:       t.Maturity,
			Amount:         t.Amount,
			MaxFutureCash:  t.MaxFutureCash,
			MinImpliedRate: t.MinImpliedRate,
			MaxImpliedRate: maxImplied,
		})
	}
	for _, wd := range req.Withdraws {
		batch.Withdraws = append(batch.Withdraws, engine.Withdraw{
			Currency: portfolio.CurrencyID(wd.Currency),
			Amount:   wd.Amount,
		})
	}

	blockTime := req.BlockTime
	if blockTime == 0 {
		blockTime = time.Now().Unix()
	}

	start := time.Now()
	execErr := s.state.Gate(func(e *engine.Engine) error {
		if err := e.Execute(caller, batch, blockTime); err != nil {
			return err
		}
		s.updateReserveGauge(e, batchCurrencies(e, batch))
		return nil
	})
	s.metrics.BatchDuration.Observe(time.Since(start).Seconds())

	if execErr != nil {
		if errors.Is(execErr, escrow.ErrUndercollateralized) {
			s.metrics.CollateralChecks.Inc()
			s.metrics.CollateralFails.Inc()
		}
		s.metrics.BatchesRejected.WithLabelValues(rejectionReason(execErr)).Inc()
		s.writeError(w, "submit_batch", execErr.Error(), rejectionStatus(execErr))
		return
	}

	s.metrics.CollateralChecks.Inc()
	s.metrics.BatchesExecuted.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "executed"})
}

// batchCurrencies collects every currency a batch can touch, including the
// local currency of each traded group.
func batchCurrencies(e *engine.Engine, b engine.Batch) []portfolio.CurrencyID {
	seen := make(map[portfolio.CurrencyID]bool)
	for _, d := range b.Deposits {
		seen[d.Currency] = true
	}
	for _, wd := range b.Withdraws {
		seen[wd.Currency] = true
	}
	for _, tr := range b.Trades {
		if g, ok := e.Groups().Get(tr.Group); ok {
			seen[g.Currency] = true
		}
	}
	out := make([]portfolio.CurrencyID, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	return out
}

// updateReserveGauge refreshes the reserve balance gauge for the given
// currencies. Called inside the state gate after a successful mutation.
func (s *Server) updateReserveGauge(e *engine.Engine, currencies []portfolio.CurrencyID) {
	ledger := e.Collateral()
	reserve := ledger.Reserve()
	for _, c := range currencies {
		bal := ledger.Balance(reserve, c)
		s.metrics.ReserveBalance.WithLabelValues(strconv.Itoa(int(c))).Set(float64(bal.Deposited))
	}
}

func parseTradeType(t string) (engine.TradeType, bool) {
	switch t {
	case "borrow":
		return engine.TradeBorrow, true
	case "lend":
		return engine.TradeLend, true
	case "add_liquidity":
		return engine.TradeAddLiquidity, true
	case "remove_liquidity":
		return engine.TradeRemoveLiquidity, true
	default:
		return engine.TradeUnknown, false
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, engine.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, engine.ErrDeadlineExceeded):
		return "deadline"
	case errors.Is(err, escrow.ErrUndercollateralized):
		return "undercollateralized"
	case errors.Is(err, market.ErrRateBounds):
		return "rate_bounds"
	default:
		return "other"
	}
}

func rejectionStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrDeadlineExceeded):
		return http.StatusRequestTimeout
	case errors.Is(err, escrow.ErrUndercollateralized),
		errors.Is(err, market.ErrRateBounds),
		errors.Is(err, escrow.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *Server) accountParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	account, err := uuid.Parse(chi.URLParam(r, "account"))
	if err != nil {
		s.writeError(w, "account", "invalid account id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return account, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, endpoint, msg string, status int) {
	s.metrics.QueryErrors.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	writeJSON(w, status, map[string]string{"error": msg})
}
