// Package fixed provides the checked fixed-point arithmetic the protocol
// ledgers are built on. Two scales are used throughout:
//
//   - InstrumentPrecision (1e9): future cash, collateral, pool quantities,
//     and the implied/exchange rates on the AMM curve.
//   - RatePrecision (1e18): oracle exchange rates, haircuts, and discounts.
//
// Balance mutations must never wrap, so every operation here reports
// overflow explicitly. Curve internals treat a failed operation as a
// pricing-failure sentinel; ledger code treats it as a hard error.
package fixed

import (
	"math"
	"math/big"

	"github.com/holiman/uint256"
)

const (
	// InstrumentPrecision is the scale of instrument-denominated quantities
	// and of curve rates (an exchange rate of 1.05 is stored as 1.05e9).
	InstrumentPrecision int64 = 1_000_000_000

	// RatePrecision is the scale of oracle exchange rates, haircuts and
	// discounts (a 5% discount is stored as 1.05e18).
	RatePrecision int64 = 1_000_000_000_000_000_000

	// MaxCurveRate bounds curve rates to the width of their storage type.
	// Rate anchors and implied rates are persisted as uint32; a roll-down
	// that exceeds this is a pricing failure, not a wrap.
	MaxCurveRate int64 = math.MaxUint32
)

// Add returns a+b, reporting overflow.
func Add(a, b int64) (int64, bool) {
	s := a + b
	if (a > 0 && b > 0 && s < 0) || (a < 0 && b < 0 && s >= 0) {
		return 0, false
	}
	return s, true
}

// Sub returns a-b, reporting overflow.
func Sub(a, b int64) (int64, bool) {
	if b == math.MinInt64 {
		return 0, false
	}
	return Add(a, -b)
}

// Mul returns a*b, reporting overflow.
func Mul(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	p := a * b
	if p/b != a {
		return 0, false
	}
	return p, true
}

// Div returns a/b truncated toward zero, reporting division by zero and
// the single overflowing case (MinInt64 / -1).
func Div(a, b int64) (int64, bool) {
	if b == 0 {
		return 0, false
	}
	if a == math.MinInt64 && b == -1 {
		return 0, false
	}
	return a / b, true
}

// MulDiv returns a*b/den with the intermediate product held in a big.Int,
// so a*b may exceed 64 bits. Division truncates toward zero. The result
// must fit in an int64.
func MulDiv(a, b, den int64) (int64, bool) {
	if den == 0 {
		return 0, false
	}
	p := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	p.Quo(p, big.NewInt(den))
	if !p.IsInt64() {
		return 0, false
	}
	return p.Int64(), true
}

// MulDivFloor is MulDiv with flooring (round toward negative infinity).
// The AMM proportion calculation depends on floor rounding; truncation and
// flooring differ for negative intermediates.
func MulDivFloor(a, b, den int64) (int64, bool) {
	if den == 0 {
		return 0, false
	}
	p := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	q, m := new(big.Int).QuoRem(p, big.NewInt(den), new(big.Int))
	if m.Sign() != 0 && (p.Sign() < 0) != (den < 0) {
		q.Sub(q, big.NewInt(1))
	}
	if !q.IsInt64() {
		return 0, false
	}
	return q.Int64(), true
}

// MulDivRate converts a non-negative magnitude through a RatePrecision
// factor: mag * rate / den. Intermediates are carried in a uint256 so the
// full 1e18-scale product never truncates. Both rate and den must be
// positive.
func MulDivRate(mag int64, rate int64, den int64) (int64, bool) {
	if mag < 0 || rate <= 0 || den <= 0 {
		return 0, false
	}
	p := new(uint256.Int).Mul(uint256.NewInt(uint64(mag)), uint256.NewInt(uint64(rate)))
	p.Div(p, uint256.NewInt(uint64(den)))
	if !p.IsUint64() || p.Uint64() > math.MaxInt64 {
		return 0, false
	}
	return int64(p.Uint64()), true
}

// Abs returns |v|. MinInt64 has no positive counterpart and reports failure.
func Abs(v int64) (int64, bool) {
	if v == math.MinInt64 {
		return 0, false
	}
	if v < 0 {
		return -v, true
	}
	return v, true
}
