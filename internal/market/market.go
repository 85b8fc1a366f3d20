// Package market implements the per-maturity future-cash AMM. Each pool
// holds future cash against collateral and prices trades on a logarithmic
// curve: rate = ln(proportion/(1-proportion))/rateScalar + rateAnchor.
//
// A pool passes through three states. Until the first liquidity provision
// it is uninitialized (TotalLiquidity == 0) and cannot price. The first
// addLiquidity freezes the rate scalar and sets the initial anchor scaled
// by time to maturity. Once blockTime reaches the maturity the pool is
// permanently inert: pricing is the identity 1:1 rate and new trades are
// rejected; only settlement may touch it.
package market

import (
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"FutureCash/internal/fixed"
	"FutureCash/internal/portfolio"
)

// MaxRate is the widest implied-rate slippage bound a caller can pass.
const MaxRate uint32 = math.MaxUint32

var (
	// ErrMarketMatured is returned for trades against a pool at or past
	// maturity.
	ErrMarketMatured = errors.New("market: matured")

	// ErrMarketUninitialized is returned for trades against a pool with no
	// liquidity.
	ErrMarketUninitialized = errors.New("market: uninitialized")

	// ErrTradeFailed is returned when pricing produced no collateral: the
	// pool is too shallow or the curve failed. User-facing entry points
	// convert the pricing sentinel into this error.
	ErrTradeFailed = errors.New("market: trade failed, insufficient liquidity")

	// ErrRateBounds is returned when the post-trade implied rate violates
	// the caller's slippage bound.
	ErrRateBounds = errors.New("market: implied rate outside bounds")

	// ErrInvalidMaturity is returned for maturities off the group's grid.
	ErrInvalidMaturity = errors.New("market: invalid maturity")

	// ErrInvalidAmount is returned for non-positive trade amounts.
	ErrInvalidAmount = errors.New("market: amount must be positive")

	// ErrUnknownGroup is returned for operations against an unregistered group.
	ErrUnknownGroup = errors.New("market: unknown group")
)

// Market is one maturity's pool state. Quantities are at
// fixed.InstrumentPrecision scale. RateScalar is frozen at first liquidity
// provision; RateAnchor decays toward the identity rate as maturity
// approaches; LastImpliedRate is the period-normalized rate implied by the
// last trade.
type Market struct {
	TotalFutureCash int64
	TotalCollateral int64
	TotalLiquidity  int64
	RateScalar      uint16
	RateAnchor      uint32
	LastImpliedRate uint32
}

// Initialized reports whether liquidity has ever been provided.
func (m *Market) Initialized() bool {
	return m.TotalLiquidity != 0
}

// Params are the governance-set curve parameters for a group's markets.
type Params struct {
	// RateScalar controls curve sensitivity to pool imbalance. Frozen into
	// each pool at first liquidity provision.
	RateScalar uint16

	// RateAnchor is the annualized (per-period) anchor rate at
	// InstrumentPrecision scale, e.g. 1_050_000_000 for 1.05. New pools
	// scale it by time-to-maturity.
	RateAnchor uint32

	// LiquidityFee is added to (borrow) or subtracted from (lend) the
	// exchange rate, decaying linearly with time to maturity.
	// InstrumentPrecision scale.
	LiquidityFee int64

	// TransactionFee is the proportional fee siphoned to the reserve on
	// user trades. InstrumentPrecision scale (e.g. 1_000_000 = 10bp).
	TransactionFee int64
}

// Validate rejects parameter sets that cannot price.
func (p Params) Validate() error {
	if p.RateScalar == 0 {
		return fmt.Errorf("rate_scalar must be > 0")
	}
	if int64(p.RateAnchor) < fixed.InstrumentPrecision {
		return fmt.Errorf("rate_anchor %d below identity rate", p.RateAnchor)
	}
	if p.LiquidityFee < 0 || p.LiquidityFee >= fixed.InstrumentPrecision {
		return fmt.Errorf("liquidity_fee %d out of range", p.LiquidityFee)
	}
	if p.TransactionFee < 0 || p.TransactionFee >= fixed.InstrumentPrecision {
		return fmt.Errorf("transaction_fee %d out of range", p.TransactionFee)
	}
	return nil
}

// PoolKey locates one pool.
type PoolKey struct {
	Group    portfolio.GroupID
	Maturity int64
}

// Directory owns every pool and the per-group curve parameters. Pools are
// created lazily on first liquidity provision.
type Directory struct {
	pools  map[PoolKey]*Market
	params map[portfolio.GroupID]Params
	groups *portfolio.GroupDirectory
	log    zerolog.Logger
}

func NewDirectory(groups *portfolio.GroupDirectory, log zerolog.Logger) *Directory {
	return &Directory{
		pools:  make(map[PoolKey]*Market),
		params: make(map[portfolio.GroupID]Params),
		groups: groups,
		log:    log,
	}
}

// SetParams installs curve parameters for a group. Existing pools keep
// their frozen scalar; new pools pick up the update.
func (d *Directory) SetParams(group portfolio.GroupID, p Params) error {
	if _, ok := d.groups.Get(group); !ok {
		return fmt.Errorf("%w: %d", ErrUnknownGroup, group)
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("params for group %d: %w", group, err)
	}
	d.params[group] = p
	return nil
}

// GetParams returns the group's curve parameters.
func (d *Directory) GetParams(group portfolio.GroupID) (Params, bool) {
	p, ok := d.params[group]
	return p, ok
}

// Snapshot returns a copy of a pool's state for valuation and queries.
func (d *Directory) Snapshot(group portfolio.GroupID, maturity int64) (Market, bool) {
	m, ok := d.pools[PoolKey{Group: group, Maturity: maturity}]
	if !ok {
		return Market{}, false
	}
	return *m, true
}

// PoolBalances reports a pool's balances for valuation.
func (d *Directory) PoolBalances(group portfolio.GroupID, maturity int64) (futureCash, collateral, liquidity int64, ok bool) {
	m, found := d.pools[PoolKey{Group: group, Maturity: maturity}]
	if !found || !m.Initialized() {
		return 0, 0, 0, false
	}
	return m.TotalFutureCash, m.TotalCollateral, m.TotalLiquidity, true
}

// Pools returns a snapshot of every initialized pool.
func (d *Directory) Pools() map[PoolKey]Market {
	out := make(map[PoolKey]Market, len(d.pools))
	for k, m := range d.pools {
		out[k] = *m
	}
	return out
}

// Checkpoint copies every pool's state so a failed batch can roll the
// directory back.
func (d *Directory) Checkpoint() map[PoolKey]Market {
	return d.Pools()
}

// RestoreCheckpoint rolls all pools back to a checkpoint.
func (d *Directory) RestoreCheckpoint(snap map[PoolKey]Market) {
	pools := make(map[PoolKey]*Market, len(snap))
	for k, m := range snap {
		cp := m
		pools[k] = &cp
	}
	d.pools = pools
}

// resolve validates the group/maturity pair and returns the group, the
// pool (nil if never initialized) and its key.
func (d *Directory) resolve(group portfolio.GroupID, maturity int64) (portfolio.Group, *Market, PoolKey, error) {
	g, ok := d.groups.Get(group)
	if !ok {
		return portfolio.Group{}, nil, PoolKey{}, fmt.Errorf("%w: %d", ErrUnknownGroup, group)
	}
	key := PoolKey{Group: group, Maturity: maturity}
	return g, d.pools[key], key, nil
}
