package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"FutureCash/internal/engine"
	"FutureCash/internal/escrow"
	"FutureCash/internal/market"
	"FutureCash/internal/portfolio"
)

// ---------------------------------------------------------------------------
// Governance surface
// ---------------------------------------------------------------------------

// GroupRequest lists or updates an instrument group and its curve
// parameters.
type GroupRequest struct {
	Caller         string `json:"caller"`
	ID             uint16 `json:"id"`
	Currency       uint16 `json:"currency"`
	NumPeriods     int    `json:"num_periods"`
	PeriodSize     int64  `json:"period_size"`
	RateScalar     uint16 `json:"rate_scalar"`
	RateAnchor     uint32 `json:"rate_anchor"`
	LiquidityFee   int64  `json:"liquidity_fee"`
	TransactionFee int64  `json:"transaction_fee"`
}

// CurrencyRequest lists or updates a currency's exchange-rate entry.
// Rates are at 1e18 scale.
type CurrencyRequest struct {
	Caller              string `json:"caller"`
	Currency            uint16 `json:"currency"`
	Haircut             int64  `json:"haircut"`
	SettlementDiscount  int64  `json:"settlement_discount"`
	LiquidationDiscount int64  `json:"liquidation_discount"`
}

// HaircutRequest updates the portfolio-bucket haircut, at 1e18 scale.
type HaircutRequest struct {
	Caller  string `json:"caller"`
	Haircut int64  `json:"haircut"`
}

// OperatorRequest approves or revokes an operator on the caller's own
// account.
type OperatorRequest struct {
	Caller   string `json:"caller"`
	Operator string `json:"operator"`
}

func (s *Server) handlePutGroup(w http.ResponseWriter, r *http.Request) {
	var req GroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "admin_group", "invalid request body", http.StatusBadRequest)
		return
	}
	caller, err := uuid.Parse(req.Caller)
	if err != nil {
		s.writeError(w, "admin_group", "invalid caller", http.StatusBadRequest)
		return
	}

	execErr := s.state.Gate(func(e *engine.Engine) error {
		if err := e.PutGroup(caller, portfolio.Group{
			ID:         portfolio.GroupID(req.ID),
			Currency:   portfolio.CurrencyID(req.Currency),
			NumPeriods: req.NumPeriods,
			PeriodSize: req.PeriodSize,
		}); err != nil {
			return err
		}
		return e.SetMarketParams(caller, portfolio.GroupID(req.ID), market.Params{
			RateScalar:     req.RateScalar,
			RateAnchor:     req.RateAnchor,
			LiquidityFee:   req.LiquidityFee,
			TransactionFee: req.TransactionFee,
		})
	})
	if execErr != nil {
		s.writeError(w, "admin_group", execErr.Error(), adminStatus(execErr))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "listed"})
}

func (s *Server) handlePutCurrency(w http.ResponseWriter, r *http.Request) {
	var req CurrencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "admin_currency", "invalid request body", http.StatusBadRequest)
		return
	}
	caller, err := uuid.Parse(req.Caller)
	if err != nil {
		s.writeError(w, "admin_currency", "invalid caller", http.StatusBadRequest)
		return
	}

	execErr := s.state.Gate(func(e *engine.Engine) error {
		return e.ListCurrency(caller, escrow.ExchangeRate{
			Base:                portfolio.CurrencyID(req.Currency),
			Quote:               e.Collateral().Quote(),
			Haircut:             req.Haircut,
			SettlementDiscount:  req.SettlementDiscount,
			LiquidationDiscount: req.LiquidationDiscount,
		})
	})
	if execErr != nil {
		s.writeError(w, "admin_currency", execErr.Error(), adminStatus(execErr))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "listed"})
}

func (s *Server) handleSetHaircut(w http.ResponseWriter, r *http.Request) {
	var req HaircutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "admin_haircut", "invalid request body", http.StatusBadRequest)
		return
	}
	caller, err := uuid.Parse(req.Caller)
	if err != nil {
		s.writeError(w, "admin_haircut", "invalid caller", http.StatusBadRequest)
		return
	}

	execErr := s.state.Gate(func(e *engine.Engine) error {
		return e.SetPortfolioHaircut(caller, req.Haircut)
	})
	if execErr != nil {
		s.writeError(w, "admin_haircut", execErr.Error(), adminStatus(execErr))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleOperator(approve bool) http.HandlerFunc {
	endpoint := "operator_revoke"
	if approve {
		endpoint = "operator_approve"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req OperatorRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, endpoint, "invalid request body", http.StatusBadRequest)
			return
		}
		caller, err := uuid.Parse(req.Caller)
		if err != nil {
			s.writeError(w, endpoint, "invalid caller", http.StatusBadRequest)
			return
		}
		operator, err := uuid.Parse(req.Operator)
		if err != nil {
			s.writeError(w, endpoint, "invalid operator", http.StatusBadRequest)
			return
		}

		s.state.Gate(func(e *engine.Engine) error {
			if approve {
				e.ApproveOperator(caller, operator)
			} else {
				e.RevokeOperator(caller, operator)
			}
			return nil
		})
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func adminStatus(err error) int {
	if errors.Is(err, engine.ErrNotAdmin) {
		return http.StatusForbidden
	}
	return http.StatusBadRequest
}
