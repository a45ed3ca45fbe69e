package math

import (
	stdmath "math"
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// NAVConfig is the scale for NAV amounts (the common accounting denomination).
	NAVConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}
	// UnitConfig is the scale for tranche units (the underlying deposited asset).
	UnitConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}
)

// Wad is the fixed-point scale for ratios and rates (coverage, beta, LLTV,
// fee rates, yield shares, conversion rates): 18 decimal digits.
const Wad int64 = 1_000_000_000_000_000_000

// MaxUtilization is the saturated utilization value used when Junior's
// effective NAV is zero while covered exposure is positive.
const MaxUtilization int64 = stdmath.MaxInt64

// bigPool holds pooled big.Ints for intermediate calculations
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	bigPool.Put(v)
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// MulInt128 performs a * b using big.Int to prevent overflow.
// The caller must release the result with putBig via DivInt128.
func MulInt128(a, b int64) *big.Int {
	result := getBig()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivInt128 performs numerator / denominator with rounding and releases numerator.
// Quotients outside the int64 range saturate at MaxInt64 / MinInt64 instead of
// truncating: callers comparing against thresholds (utilization, LLTV) must
// never see a wrapped sign.
func DivInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	neg := numerator.Sign() < 0
	abs := getBig()
	abs.Abs(numerator)

	denom := big.NewInt(denominator)
	quotient := getBig()
	remainder := getBig()
	quotient.DivMod(abs, denom, remainder)

	if !quotient.IsInt64() || quotient.Int64() == stdmath.MaxInt64 {
		putBig(abs)
		putBig(quotient)
		putBig(remainder)
		putBig(numerator)
		if neg {
			return stdmath.MinInt64
		}
		return stdmath.MaxInt64
	}

	result := quotient.Int64()

	switch roundingMode {
	case RoundHalfEven:
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)
		if cmp > 0 {
			result++
		} else if cmp == 0 && denominator%2 == 0 {
			if result%2 != 0 {
				result++
			}
		}
	case RoundUp:
		if remainder.Sign() != 0 {
			result++
		}
	case RoundDown:
		// Truncate
	}

	if neg {
		result = -result
	}

	putBig(abs)
	putBig(quotient)
	putBig(remainder)
	putBig(numerator)

	return result
}

// MulDiv computes a * b / denominator with an int128 intermediate.
func MulDiv(a, b, denominator int64, mode RoundingMode) int64 {
	if denominator == 0 {
		if a == 0 || b == 0 {
			return 0
		}
		return MaxUtilization
	}
	num := MulInt128(a, b)
	return DivInt128(num, denominator, mode)
}

// WadMul computes amount * wadFraction / 1e18 with banker's rounding.
func WadMul(amount, wadFraction int64) int64 {
	return MulDiv(amount, wadFraction, Wad, RoundHalfEven)
}

// WadDiv computes a * 1e18 / b with banker's rounding.
// A zero denominator saturates to MaxUtilization (treated as +inf by callers).
func WadDiv(a, b int64) int64 {
	if b == 0 {
		if a == 0 {
			return 0
		}
		return MaxUtilization
	}
	num := MulInt128(a, Wad)
	return DivInt128(num, b, RoundHalfEven)
}

// SubSat computes a - b saturating at zero.
func SubSat(a, b int64) int64 {
	if b >= a {
		return 0
	}
	return a - b
}

// Min returns the smaller of two int64 values.
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// CoveredExposure computes (rawST + beta*rawJT) * coverage in NAV units.
func CoveredExposure(rawST, rawJT, betaWad, coverageWad int64) int64 {
	exposure := rawST + WadMul(rawJT, betaWad)
	return WadMul(exposure, coverageWad)
}

// UtilizationWad computes covered exposure / effectiveJT as a WAD fraction.
// INVARIANT C-01: utilization <= Wad after every coverage-gated operation.
// A zero Junior effective NAV with positive covered exposure saturates to
// MaxUtilization — coverage always fails in that state.
func UtilizationWad(rawST, rawJT, betaWad, coverageWad, effectiveJT int64) int64 {
	covered := CoveredExposure(rawST, rawJT, betaWad, coverageWad)
	if effectiveJT <= 0 {
		if covered == 0 {
			return 0
		}
		return MaxUtilization
	}
	return WadDiv(covered, effectiveJT)
}

// ToNAVUnits converts tranche units to NAV units at a WAD conversion rate.
func ToNAVUnits(trancheUnits, rateWad int64) int64 {
	return MulDiv(trancheUnits, rateWad, Wad, RoundHalfEven)
}

// ToTrancheUnits converts NAV units back to tranche units at a WAD rate.
func ToTrancheUnits(navUnits, rateWad int64) int64 {
	if rateWad == 0 {
		return 0
	}
	num := MulInt128(navUnits, Wad)
	return DivInt128(num, rateWad, RoundHalfEven)
}

// SharesForNAV converts a NAV amount into tranche shares at the current
// effective-NAV-per-share ratio. A zero supply bootstraps 1:1.
func SharesForNAV(nav, totalShares, effectiveNAV int64) int64 {
	if totalShares == 0 || effectiveNAV == 0 {
		return nav
	}
	return MulDiv(nav, totalShares, effectiveNAV, RoundDown)
}

// NAVForShares converts tranche shares into a NAV amount.
func NAVForShares(shares, totalShares, effectiveNAV int64) int64 {
	if totalShares == 0 {
		return 0
	}
	return MulDiv(shares, effectiveNAV, totalShares, RoundDown)
}
