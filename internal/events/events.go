// Package events defines the protocol's published event stream. Events
// are JSON-encoded and published to NATS JetStream subjects under the
// "fc." prefix, one subject per event type so consumers can subscribe
// selectively.
package events

import (
	"github.com/google/uuid"
)

// Event is anything publishable on the stream.
type Event interface {
	Subject() string
}

// TradeExecuted is emitted for every user trade against a pool.
type TradeExecuted struct {
	Account     uuid.UUID `json:"account"`
	Group       uint16    `json:"group"`
	Maturity    int64     `json:"maturity"`
	Kind        string    `json:"kind"`
	FutureCash  int64     `json:"future_cash"`
	Collateral  int64     `json:"collateral"`
	Fee         int64     `json:"fee"`
	ImpliedRate uint32    `json:"implied_rate"`
	BlockTime   int64     `json:"block_time"`
}

func (TradeExecuted) Subject() string { return "fc.trades.executed" }

// LiquidityChanged is emitted when liquidity is added to or removed from
// a pool. Tokens is negative for removals.
type LiquidityChanged struct {
	Account    uuid.UUID `json:"account"`
	Group      uint16    `json:"group"`
	Maturity   int64     `json:"maturity"`
	Tokens     int64     `json:"tokens"`
	FutureCash int64     `json:"future_cash"`
	Collateral int64     `json:"collateral"`
	BlockTime  int64     `json:"block_time"`
}

func (LiquidityChanged) Subject() string { return "fc.markets.liquidity" }

// Deposited is emitted after custody confirms a deposit. Amount is the
// amount actually received, which may differ from the amount requested.
type Deposited struct {
	Account   uuid.UUID `json:"account"`
	Currency  uint16    `json:"currency"`
	Requested int64     `json:"requested"`
	Amount    int64     `json:"amount"`
	BlockTime int64     `json:"block_time"`
}

func (Deposited) Subject() string { return "fc.accounts.deposited" }

// Withdrawn is emitted after a successful withdrawal.
type Withdrawn struct {
	Account   uuid.UUID `json:"account"`
	Currency  uint16    `json:"currency"`
	Amount    int64     `json:"amount"`
	BlockTime int64     `json:"block_time"`
}

func (Withdrawn) Subject() string { return "fc.accounts.withdrawn" }

// PortfolioSettled is emitted once per settlement sweep that realized at
// least one matured position.
type PortfolioSettled struct {
	Account   uuid.UUID        `json:"account"`
	Deltas    map[uint16]int64 `json:"deltas"`
	BlockTime int64            `json:"block_time"`
}

func (PortfolioSettled) Subject() string { return "fc.accounts.settled" }

// CashSettled is emitted when a payer's negative cash balance is settled
// against a counterpart.
type CashSettled struct {
	Payer       uuid.UUID `json:"payer"`
	Counterpart uuid.UUID `json:"counterpart"`
	Currency    uint16    `json:"currency"`
	Requested   int64     `json:"requested"`
	Settled     int64     `json:"settled"`
	BlockTime   int64     `json:"block_time"`
}

func (CashSettled) Subject() string { return "fc.accounts.cash_settled" }

// Liquidated is emitted after a liquidation closed some of an account's
// shortfall.
type Liquidated struct {
	Account    uuid.UUID `json:"account"`
	Liquidator uuid.UUID `json:"liquidator"`
	Currency   uint16    `json:"currency"`
	Deposit    uint16    `json:"deposit_currency"`
	Raised     int64     `json:"raised"`
	Purchased  int64     `json:"purchased"`
	BlockTime  int64     `json:"block_time"`
}

func (Liquidated) Subject() string { return "fc.accounts.liquidated" }

// MarketInitialized is emitted when a pool receives its first liquidity.
type MarketInitialized struct {
	Group       uint16 `json:"group"`
	Maturity    int64  `json:"maturity"`
	RateScalar  uint16 `json:"rate_scalar"`
	RateAnchor  uint32 `json:"rate_anchor"`
	ImpliedRate uint32 `json:"implied_rate"`
	BlockTime   int64  `json:"block_time"`
}

func (MarketInitialized) Subject() string { return "fc.markets.initialized" }

// Publisher delivers events to the stream. Implementations must not block
// protocol execution on delivery.
type Publisher interface {
	Publish(Event)
}

// Nop discards events. Used in tests and when the stream is disabled.
type Nop struct{}

func (Nop) Publish(Event) {}
