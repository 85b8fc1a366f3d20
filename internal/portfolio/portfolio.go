// Package portfolio maintains each account's future-cash and liquidity-token
// positions. Positions are stored in a map keyed by (group, instrument,
// maturity) holding one signed cash notional and one non-negative token
// notional, so payer/receiver netting is ordinary signed arithmetic rather
// than a scan-and-flip over a flat list.
package portfolio

import (
	"fmt"
)

// CurrencyID identifies a collateral currency in the protocol catalog.
type CurrencyID uint16

// GroupID identifies a future-cash group: a currency plus the period grid
// its markets trade on.
type GroupID uint16

// InstrumentID distinguishes instruments within a group. The current
// product line has a single zero-coupon instrument per group, but the key
// carries the field so richer instruments do not force a storage migration.
type InstrumentID uint16

// TradeKind discriminates the position-altering legs a trade can carry.
type TradeKind int32

const (
	KindUnknown TradeKind = iota
	// KindCashPayer is an obligation to deliver collateral at maturity.
	KindCashPayer
	// KindCashReceiver is an entitlement to collateral at maturity.
	KindCashReceiver
	// KindLiquidityToken credits pool-share tokens (paired with an implicit
	// payer obligation minted by the market).
	KindLiquidityToken
	// KindLiquidityTokenRemoval debits pool-share tokens. Token holdings can
	// never go negative; a removal without a matching holding is rejected.
	KindLiquidityTokenRemoval
)

func (k TradeKind) String() string {
	switch k {
	case KindCashPayer:
		return "CashPayer"
	case KindCashReceiver:
		return "CashReceiver"
	case KindLiquidityToken:
		return "LiquidityToken"
	case KindLiquidityTokenRemoval:
		return "LiquidityTokenRemoval"
	default:
		return "Unknown"
	}
}

// Trade is a single position-altering leg produced by a market or by
// settlement. Notional is always positive; direction comes from Kind.
type Trade struct {
	Group      GroupID
	Instrument InstrumentID
	Maturity   int64 // unix seconds, aligned to the group's period grid
	Kind       TradeKind
	Notional   int64
}

// PositionKey uniquely locates a position within one account's portfolio.
type PositionKey struct {
	Group      GroupID
	Instrument InstrumentID
	Maturity   int64
}

// Position is the netted holding at one key. Cash > 0 is a receiver
// entitlement, Cash < 0 a payer obligation. Tokens is a liquidity-token
// holding and is never negative.
type Position struct {
	Key    PositionKey
	Cash   int64
	Tokens int64
}

// Empty reports whether the position nets to nothing and can be removed.
func (p *Position) Empty() bool {
	return p.Cash == 0 && p.Tokens == 0
}

// Group binds a group id to its currency and maturity grid. PeriodSize is
// in seconds; markets exist at maturities now..now+NumPeriods*PeriodSize
// aligned to the grid.
type Group struct {
	ID         GroupID
	Currency   CurrencyID
	NumPeriods int
	PeriodSize int64
}

// MaturityWindow returns the first and last tradable maturities at
// blockTime. Maturities are aligned to PeriodSize boundaries.
func (g Group) MaturityWindow(blockTime int64) (first, last int64) {
	base := blockTime - blockTime%g.PeriodSize
	return base + g.PeriodSize, base + int64(g.NumPeriods)*g.PeriodSize
}

// ValidMaturity reports whether m is a tradable maturity at blockTime.
func (g Group) ValidMaturity(m, blockTime int64) bool {
	if m%g.PeriodSize != 0 {
		return false
	}
	first, last := g.MaturityWindow(blockTime)
	return m >= first && m <= last
}

// GroupDirectory is the governance-maintained catalog of future-cash groups.
type GroupDirectory struct {
	groups map[GroupID]Group
}

func NewGroupDirectory() *GroupDirectory {
	return &GroupDirectory{groups: make(map[GroupID]Group)}
}

// Put registers or updates a group. Period parameters must be coordinated
// with the bound market, so validation is strict.
func (d *GroupDirectory) Put(g Group) error {
	if g.ID == 0 {
		return fmt.Errorf("group id must be non-zero")
	}
	if g.Currency == 0 {
		return fmt.Errorf("group %d: currency must be non-zero", g.ID)
	}
	if g.NumPeriods <= 0 {
		return fmt.Errorf("group %d: num_periods must be > 0, got %d", g.ID, g.NumPeriods)
	}
	if g.PeriodSize <= 0 {
		return fmt.Errorf("group %d: period_size must be > 0, got %d", g.ID, g.PeriodSize)
	}
	d.groups[g.ID] = g
	return nil
}

// Get returns the group for an id.
func (d *GroupDirectory) Get(id GroupID) (Group, bool) {
	g, ok := d.groups[id]
	return g, ok
}

// All returns every registered group.
func (d *GroupDirectory) All() []Group {
	out := make([]Group, 0, len(d.groups))
	for _, g := range d.groups {
		out = append(out, g)
	}
	return out
}
