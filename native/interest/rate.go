package interest

import (
	"errors"

	"github.com/holiman/uint256"
)

// Rates and accumulators use 27 fractional decimal digits ("ray") held in
// 256-bit unsigned integers. Every multiply and divide is overflow checked; a
// result that does not fit aborts the calling operation instead of wrapping,
// since a wrapped value would misstate debt.
var (
	ray     = uint256.MustFromDecimal("1000000000000000000000000000")
	twoRay  = uint256.MustFromDecimal("2000000000000000000000000000")
	oneUint = uint256.NewInt(1)
)

// SecondsPerYear is the accrual year used when deriving per-second rates from
// annual figures.
const SecondsPerYear = 31_536_000

var (
	ErrOverflow     = errors.New("interest: arithmetic overflow")
	ErrUnderflow    = errors.New("interest: arithmetic underflow")
	ErrDivideByZero = errors.New("interest: division by zero")
	ErrInvalidRate  = errors.New("interest: rate outside supported range")
	ErrTimeReversal = errors.New("interest: accrual time before last update")
)

// Ray returns the fixed-point one, i.e. a compounding factor of exactly 1.
func Ray() *uint256.Int { return ray.Clone() }

// RayMul multiplies two ray-scaled values with full intermediate precision.
func RayMul(a, b *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).MulDivOverflow(a, b, ray)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// RayDiv divides two ray-scaled values, i.e. computes a*ray/b.
func RayDiv(a, b *uint256.Int) (*uint256.Int, error) {
	if b == nil || b.IsZero() {
		return nil, ErrDivideByZero
	}
	out, overflow := new(uint256.Int).MulDivOverflow(a, ray, b)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// MulDiv computes a*b/d without ray scaling, used when moving values between
// two accumulators in one step to avoid double rounding.
func MulDiv(a, b, d *uint256.Int) (*uint256.Int, error) {
	if d == nil || d.IsZero() {
		return nil, ErrDivideByZero
	}
	out, overflow := new(uint256.Int).MulDivOverflow(a, b, d)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// MulDivRound computes a*b/d rounded to nearest instead of floored. A debt
// renormalized away and back must land within one minimal unit of where it
// started; flooring both legs would drift by up to two.
func MulDivRound(a, b, d *uint256.Int) (*uint256.Int, error) {
	out, err := MulDiv(a, b, d)
	if err != nil {
		return nil, err
	}
	rem := new(uint256.Int).MulMod(a, b, d)
	// Round up when rem >= ceil(d/2); 2*rem could overflow, ceil(d/2) cannot.
	half := new(uint256.Int).Rsh(d, 1)
	if d[0]&1 == 1 {
		half.Add(half, oneUint)
	}
	if !rem.Lt(half) {
		if _, overflow := out.AddOverflow(out, oneUint); overflow {
			return nil, ErrOverflow
		}
	}
	return out, nil
}

// RayPow raises a ray-scaled base to an integer power by square-and-multiply,
// costing O(log exp) checked multiplications.
func RayPow(base *uint256.Int, exp uint64) (*uint256.Int, error) {
	result := ray.Clone()
	if exp == 0 {
		return result, nil
	}
	sq := base.Clone()
	for {
		if exp&1 == 1 {
			next, err := RayMul(result, sq)
			if err != nil {
				return nil, err
			}
			result = next
		}
		exp >>= 1
		if exp == 0 {
			return result, nil
		}
		next, err := RayMul(sq, sq)
		if err != nil {
			return nil, err
		}
		sq = next
	}
}

// ValidateRate rejects per-second compounding factors that cannot represent a
// sane interest rate: zero, exactly one (no accrual, the factor would alias an
// unreferenced bucket) and anything doubling debt every second or faster.
func ValidateRate(perSecond *uint256.Int) error {
	if perSecond == nil || perSecond.IsZero() {
		return ErrInvalidRate
	}
	if perSecond.Eq(ray) {
		return ErrInvalidRate
	}
	if !perSecond.Lt(twoRay) {
		return ErrInvalidRate
	}
	return nil
}

// AccumulatedRateAt rolls an accumulator forward: acc * perSecond^(now-last).
// The caller supplies the bucket fields so the computation stays pure and
// testable; overflow is fatal and reported, never saturated.
func AccumulatedRateAt(perSecond, acc *uint256.Int, lastUpdated, now int64) (*uint256.Int, error) {
	if now < lastUpdated {
		return nil, ErrTimeReversal
	}
	if now == lastUpdated {
		return acc.Clone(), nil
	}
	factor, err := RayPow(perSecond, uint64(now-lastUpdated))
	if err != nil {
		return nil, err
	}
	return RayMul(acc, factor)
}

// RatePerSecondForAnnual derives the per-second compounding factor whose
// yearly compound equals the supplied annual growth factor (ray scaled, e.g.
// 1.10 ray for ten percent). The factor is found by bisection over the
// fixed-point range, so compounding it for a full year reproduces the annual
// figure to within one minimal unit.
func RatePerSecondForAnnual(annual *uint256.Int) (*uint256.Int, error) {
	if annual == nil || !annual.Gt(ray) {
		return nil, ErrInvalidRate
	}
	lo := ray.Clone()
	hi := annual.Clone()
	if !hi.Lt(twoRay) {
		hi = new(uint256.Int).Sub(twoRay, oneUint)
	}
	for lo.Lt(hi) {
		mid := new(uint256.Int).Add(lo, hi)
		mid.Add(mid, oneUint)
		mid.Rsh(mid, 1)
		compound, err := RayPow(mid, SecondsPerYear)
		if err != nil || compound.Gt(annual) {
			hi = new(uint256.Int).Sub(mid, oneUint)
			continue
		}
		lo = mid
	}
	if err := ValidateRate(lo); err != nil {
		return nil, err
	}
	return lo, nil
}
