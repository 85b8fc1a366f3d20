package query

import "github.com/google/uuid"

// BalanceResponse is one currency balance. Amounts are decimal strings at
// instrument precision.
type BalanceResponse struct {
	Account   uuid.UUID `json:"account"`
	Currency  uint16    `json:"currency"`
	Cash      string    `json:"cash"`
	Deposited string    `json:"deposited"`
	Net       string    `json:"net"`
}

// PositionResponse is one portfolio position.
type PositionResponse struct {
	Account    uuid.UUID `json:"account"`
	Group      uint16    `json:"group"`
	Instrument uint16    `json:"instrument"`
	Maturity   int64     `json:"maturity"`
	Cash       string    `json:"cash"`
	Tokens     string    `json:"tokens"`
}

// FreeCollateralResponse is the aggregate solvency view of an account.
type FreeCollateralResponse struct {
	Account     uuid.UUID         `json:"account"`
	Aggregate   string            `json:"aggregate"`
	PerCurrency map[uint16]string `json:"per_currency"`
	Solvent     bool              `json:"solvent"`
}

// MarketResponse is the state of one pool.
type MarketResponse struct {
	Group           uint16 `json:"group"`
	Maturity        int64  `json:"maturity"`
	TotalFutureCash string `json:"total_future_cash"`
	TotalCollateral string `json:"total_collateral"`
	TotalLiquidity  string `json:"total_liquidity"`
	RateAnchor      uint32 `json:"rate_anchor"`
	LastImpliedRate uint32 `json:"last_implied_rate"`
	Matured         bool   `json:"matured"`
}

// RateResponse prices a hypothetical trade without executing it.
type RateResponse struct {
	Group        uint16 `json:"group"`
	Maturity     int64  `json:"maturity"`
	Amount       string `json:"amount"`
	ExchangeRate string `json:"exchange_rate"`
	ImpliedRate  uint32 `json:"implied_rate"`
}

// CurrencyResponse is one exchange-rate listing. Rates are decimal
// strings at rate precision.
type CurrencyResponse struct {
	Currency            uint16 `json:"currency"`
	Haircut             string `json:"haircut"`
	SettlementDiscount  string `json:"settlement_discount"`
	LiquidationDiscount string `json:"liquidation_discount"`
}

// TradeHistoryEntry is one executed trade from the history projection.
type TradeHistoryEntry struct {
	Sequence    int64  `json:"sequence"`
	Account     string `json:"account"`
	Group       uint16 `json:"group"`
	Maturity    int64  `json:"maturity"`
	Kind        string `json:"kind"`
	FutureCash  string `json:"future_cash"`
	Collateral  string `json:"collateral"`
	Fee         string `json:"fee"`
	ImpliedRate int64  `json:"implied_rate"`
	BlockTime   int64  `json:"block_time"`
}

// EventHistoryEntry is one raw event from the log.
type EventHistoryEntry struct {
	Sequence   int64  `json:"sequence"`
	Subject    string `json:"subject"`
	Payload    []byte `json:"payload"`
	RecordedAt int64  `json:"recorded_at"`
}
