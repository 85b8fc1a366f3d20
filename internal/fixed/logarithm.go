package fixed

import "math/big"

// ln2_64x64 is ln(2) in 64.64 fixed point (0xB17217F7D1CF79AB).
var ln2_64x64 = new(big.Int).SetUint64(0xB17217F7D1CF79AB)

var (
	one64x64  = new(big.Int).Lsh(big.NewInt(1), 64)  // 2^64
	two64x64  = new(big.Int).Lsh(big.NewInt(1), 65)  // 2^65
	max64x64  = new(big.Int).Lsh(big.NewInt(1), 128) // squaring stays below this
	precision = big.NewInt(InstrumentPrecision)
)

// Ln computes the natural logarithm of x, where x is a positive quantity
// at InstrumentPrecision scale, returning the result at the same scale
// (signed: x < 1e9 yields a negative logarithm).
//
// The computation converts x to 64.64 fixed point, takes log2 by the
// classic bit-by-bit squaring method, and scales by ln(2). All steps
// round toward negative infinity, matching the curve derivation; changing
// the rounding direction here shifts value between traders and liquidity
// providers.
//
// Ln never panics: a non-positive input reports failure so settlement and
// liquidation paths that price through the curve stay unblockable.
func Ln(x int64) (int64, bool) {
	if x <= 0 {
		return 0, false
	}

	// x in 64.64: x * 2^64 / 1e9, floored.
	v := new(big.Int).Mul(big.NewInt(x), one64x64)
	v.Div(v, precision)
	if v.Sign() <= 0 {
		return 0, false
	}

	// Integer part of log2 is msb - 64 (may be negative).
	msb := v.BitLen() - 1
	result := new(big.Int).Lsh(big.NewInt(int64(msb-64)), 64)

	// Normalize v into [1, 2) in 64.64.
	if msb > 64 {
		v.Rsh(v, uint(msb-64))
	} else if msb < 64 {
		v.Lsh(v, uint(64-msb))
	}

	// Fractional bits: square and compare against 2.
	bit := new(big.Int).Lsh(big.NewInt(1), 63)
	for i := 0; i < 64 && v.Cmp(one64x64) != 0; i++ {
		v.Mul(v, v)
		v.Rsh(v, 64)
		if v.Cmp(max64x64) >= 0 {
			return 0, false
		}
		if v.Cmp(two64x64) >= 0 {
			v.Rsh(v, 1)
			result.Add(result, bit)
		}
		bit.Rsh(bit, 1)
	}

	// ln(x) = log2(x) * ln(2), both in 64.64.
	result.Mul(result, ln2_64x64)
	result.Rsh(result, 64)

	// Back to InstrumentPrecision. Rsh floors for negative values, which
	// is the rounding direction the curve derivation assumes.
	result.Mul(result, precision)
	result.Rsh(result, 64)

	if !result.IsInt64() {
		return 0, false
	}
	return result.Int64(), true
}
