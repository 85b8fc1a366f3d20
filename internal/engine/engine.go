// Package engine is the serialized execution core: it authorizes callers,
// runs batched account operations atomically, and carries the governance
// surface. One operation runs to completion at a time; callers supply the
// block time so execution stays deterministic and replayable.
package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"FutureCash/internal/escrow"
	"FutureCash/internal/events"
	"FutureCash/internal/fixed"
	"FutureCash/internal/market"
	"FutureCash/internal/portfolio"
	"FutureCash/internal/risk"
)

var (
	// ErrUnauthorized is returned when the caller is neither the account
	// owner nor an approved operator.
	ErrUnauthorized = errors.New("engine: caller not authorized for account")

	// ErrNotAdmin is returned for governance calls from a non-admin.
	ErrNotAdmin = errors.New("engine: caller is not the administrator")

	// ErrDeadlineExceeded is returned when a batch's deadline is at or
	// before the current block time. Checked before any mutation.
	ErrDeadlineExceeded = errors.New("engine: deadline exceeded")

	// ErrUnknownTradeType is returned for a trade with no recognized type.
	ErrUnknownTradeType = errors.New("engine: unknown trade type")
)

// Authorizer tracks the administrator role and per-account operator
// approvals. An account always authorizes itself.
type Authorizer struct {
	admin     uuid.UUID
	operators map[uuid.UUID]map[uuid.UUID]bool
}

func NewAuthorizer(admin uuid.UUID) *Authorizer {
	return &Authorizer{admin: admin, operators: make(map[uuid.UUID]map[uuid.UUID]bool)}
}

// Approve lets operator act on owner's account.
func (a *Authorizer) Approve(owner, operator uuid.UUID) {
	ops, ok := a.operators[owner]
	if !ok {
		ops = make(map[uuid.UUID]bool)
		a.operators[owner] = ops
	}
	ops[operator] = true
}

// Revoke removes an operator approval.
func (a *Authorizer) Revoke(owner, operator uuid.UUID) {
	delete(a.operators[owner], operator)
}

// Authorized reports whether caller may act on account.
func (a *Authorizer) Authorized(caller, account uuid.UUID) bool {
	return caller == account || a.operators[account][caller]
}

// IsAdmin reports whether caller holds the administrator role.
func (a *Authorizer) IsAdmin(caller uuid.UUID) bool {
	return caller == a.admin
}

// Engine wires the ledgers together behind the authorized entry points.
type Engine struct {
	groups     *portfolio.GroupDirectory
	positions  *portfolio.Ledger
	amm        *market.Directory
	collateral *escrow.Ledger
	rates      *escrow.RateTable
	rsk        *risk.Engine
	auth       *Authorizer
	events     events.Publisher
	log        zerolog.Logger
}

func New(
	groups *portfolio.GroupDirectory,
	positions *portfolio.Ledger,
	amm *market.Directory,
	collateral *escrow.Ledger,
	rates *escrow.RateTable,
	rsk *risk.Engine,
	auth *Authorizer,
	pub events.Publisher,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		groups:     groups,
		positions:  positions,
		amm:        amm,
		collateral: collateral,
		rates:      rates,
		rsk:        rsk,
		auth:       auth,
		events:     pub,
		log:        log,
	}
}

// Collateral exposes the collateral ledger for query surfaces.
func (e *Engine) Collateral() *escrow.Ledger { return e.collateral }

// Positions exposes the portfolio ledger for query surfaces.
func (e *Engine) Positions() *portfolio.Ledger { return e.positions }

// Markets exposes the market directory for query surfaces.
func (e *Engine) Markets() *market.Directory { return e.amm }

// Groups exposes the group directory for query surfaces.
func (e *Engine) Groups() *portfolio.GroupDirectory { return e.groups }

// Rates exposes the exchange-rate table for query surfaces.
func (e *Engine) Rates() *escrow.RateTable { return e.rates }

// Auth exposes the authorizer.
func (e *Engine) Auth() *Authorizer { return e.auth }

// ---------------------------------------------------------------------------
// Governance
// ---------------------------------------------------------------------------

// PutGroup registers or updates an instrument group. Admin only.
func (e *Engine) PutGroup(caller uuid.UUID, g portfolio.Group) error {
	if !e.auth.IsAdmin(caller) {
		return ErrNotAdmin
	}
	if err := e.groups.Put(g); err != nil {
		return err
	}
	e.log.Info().Uint16("group", uint16(g.ID)).Uint16("currency", uint16(g.Currency)).Msg("group listed")
	return nil
}

// SetMarketParams installs curve parameters for a group. Admin only.
func (e *Engine) SetMarketParams(caller uuid.UUID, group portfolio.GroupID, p market.Params) error {
	if !e.auth.IsAdmin(caller) {
		return ErrNotAdmin
	}
	return e.amm.SetParams(group, p)
}

// ListCurrency lists or updates a currency's exchange-rate entry. Admin
// only.
func (e *Engine) ListCurrency(caller uuid.UUID, r escrow.ExchangeRate) error {
	if !e.auth.IsAdmin(caller) {
		return ErrNotAdmin
	}
	return e.rates.Set(r)
}

// SetPortfolioHaircut updates the risk engine's bucket haircut. Admin
// only.
func (e *Engine) SetPortfolioHaircut(caller uuid.UUID, haircut int64) error {
	if !e.auth.IsAdmin(caller) {
		return ErrNotAdmin
	}
	if haircut < fixed.RatePrecision {
		return fmt.Errorf("engine: haircut %d below 1.0", haircut)
	}
	e.rsk.SetHaircut(haircut)
	return nil
}

// ApproveOperator lets an operator act on the caller's account.
func (e *Engine) ApproveOperator(caller, operator uuid.UUID) {
	e.auth.Approve(caller, operator)
}

// RevokeOperator removes an operator approval from the caller's account.
func (e *Engine) RevokeOperator(caller, operator uuid.UUID) {
	e.auth.Revoke(caller, operator)
}
