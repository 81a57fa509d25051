package loans

import (
	"errors"

	"github.com/holiman/uint256"
)

// Status tracks the loan lifecycle. Created is transient: the loan exists but
// no principal has been drawn yet.
type Status uint8

const (
	StatusCreated Status = iota + 1
	StatusActive
	StatusClosedRepaid
	StatusClosedWrittenOff
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusActive, StatusClosedRepaid, StatusClosedWrittenOff:
		return true
	default:
		return false
	}
}

// Perquintill expresses a proportion in parts per quintillion (1e18 = 100%).
type Perquintill uint64

// PerquintillOne is the whole, one hundred percent.
const PerquintillOne Perquintill = 1_000_000_000_000_000_000

var perquintillDen = uint256.NewInt(uint64(PerquintillOne))

var (
	errPerquintillRange = errors.New("loans: proportion exceeds one")
	errAmountOverflow   = errors.New("loans: amount overflow")
)

// Valid reports whether the proportion is at most one.
func (p Perquintill) Valid() bool { return p <= PerquintillOne }

// MulBalance scales a balance by the proportion with checked arithmetic.
func (p Perquintill) MulBalance(v *uint256.Int) (*uint256.Int, error) {
	if !p.Valid() {
		return nil, errPerquintillRange
	}
	if v == nil {
		return uint256.NewInt(0), nil
	}
	out, overflow := new(uint256.Int).MulDivOverflow(v, uint256.NewInt(uint64(p)), perquintillDen)
	if overflow {
		return nil, errPerquintillRange
	}
	return out, nil
}

// Complement returns one minus the proportion, clamped at zero.
func (p Perquintill) Complement() Perquintill {
	if p >= PerquintillOne {
		return 0
	}
	return PerquintillOne - p
}

// InterestPayments selects how accrued interest is expected to be serviced.
type InterestPayments uint8

const (
	// InterestPaymentsNone leaves interest uncategorised; repayments reduce
	// principal first.
	InterestPaymentsNone InterestPayments = iota + 1
	// InterestPaymentsOnceAtMaturity expects interest in a single payment, so
	// repayments settle accrued interest before principal.
	InterestPaymentsOnceAtMaturity
)

// PayDownSchedule selects how principal is expected to amortise.
type PayDownSchedule uint8

const (
	// PayDownNone imposes no principal schedule before maturity.
	PayDownNone PayDownSchedule = iota + 1
)

// Schedule fixes the repayment expectations agreed at origination.
type Schedule struct {
	// Maturity is the unix second the loan falls due.
	Maturity int64
	// InterestPayments governs how Repay apportions cash to interest.
	InterestPayments InterestPayments
	// PayDown governs how Repay apportions cash to principal.
	PayDown PayDownSchedule
}

// BorrowRestriction gates further draw-downs.
type BorrowRestriction uint8

const (
	// BorrowNotWrittenOff blocks borrowing once the loan carries a write-off.
	BorrowNotWrittenOff BorrowRestriction = iota + 1
	// BorrowFreshPrice blocks borrowing unless the oracle price is inside the
	// freshness window. Only meaningful for externally priced loans.
	BorrowFreshPrice
)

// RepayRestriction gates repayments.
type RepayRestriction uint8

const (
	// RepayNone accepts any partial repayment; the loan stays active at zero
	// debt until explicitly closed.
	RepayNone RepayRestriction = iota + 1
	// RepayFullOnce only accepts a single repayment of the full outstanding
	// debt, which also closes the loan.
	RepayFullOnce
)

// Restrictions bundles the borrow and repay policies of a loan.
type Restrictions struct {
	Borrow BorrowRestriction
	Repay  RepayRestriction
}

// ValuationMethod selects how an internally priced loan is valued.
type ValuationMethod uint8

const (
	// ValuationOutstandingDebt values the loan at its current debt.
	ValuationOutstandingDebt ValuationMethod = iota + 1
	// ValuationCollateralCapped values the loan at its current debt capped by
	// the pledged collateral value.
	ValuationCollateralCapped
)

// MaxBorrowPolicy selects the ceiling applied when drawing principal against
// collateral.
type MaxBorrowPolicy uint8

const (
	// MaxBorrowUpToTotalBorrowed caps the cumulative borrowed amount at the
	// advance-rate-scaled collateral value.
	MaxBorrowUpToTotalBorrowed MaxBorrowPolicy = iota + 1
	// MaxBorrowUpToOutstandingDebt caps current debt plus the new draw at the
	// advance-rate-scaled collateral value, so repayments free up headroom.
	MaxBorrowUpToOutstandingDebt
)

// InternalPricing values a loan from its pledged collateral.
type InternalPricing struct {
	// CollateralValue is the appraised collateral backing the loan.
	CollateralValue *uint256.Int
	// Valuation selects the reporting valuation method.
	Valuation ValuationMethod
	// MaxBorrow selects the borrow ceiling policy.
	MaxBorrow MaxBorrowPolicy
	// AdvanceRate scales the collateral value into the borrow ceiling.
	AdvanceRate Perquintill
	// InterestRate is the current effective ray-scaled per-second compounding
	// factor, penalty included.
	InterestRate *uint256.Int
	// NormalizedDebt is the loan debt at bucket inception scale.
	NormalizedDebt *uint256.Int
}

// Clone returns a deep copy.
func (p *InternalPricing) Clone() *InternalPricing {
	if p == nil {
		return nil
	}
	clone := *p
	if p.CollateralValue != nil {
		clone.CollateralValue = p.CollateralValue.Clone()
	}
	if p.InterestRate != nil {
		clone.InterestRate = p.InterestRate.Clone()
	}
	if p.NormalizedDebt != nil {
		clone.NormalizedDebt = p.NormalizedDebt.Clone()
	}
	return &clone
}

// ExternalPricing values a loan as an oracle-fed price times an outstanding
// quantity of units.
type ExternalPricing struct {
	// PriceID names the oracle feed quoting the unit price.
	PriceID string
	// Quantity is the ray-scaled outstanding units. It tracks exposure for
	// valuation; the normalized debt remains authoritative for accounting.
	Quantity *uint256.Int
	// InterestRate is the current effective ray-scaled per-second compounding
	// factor, penalty included.
	InterestRate *uint256.Int
	// NormalizedDebt is the loan debt at bucket inception scale.
	NormalizedDebt *uint256.Int
}

// Clone returns a deep copy.
func (p *ExternalPricing) Clone() *ExternalPricing {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Quantity != nil {
		clone.Quantity = p.Quantity.Clone()
	}
	if p.InterestRate != nil {
		clone.InterestRate = p.InterestRate.Clone()
	}
	if p.NormalizedDebt != nil {
		clone.NormalizedDebt = p.NormalizedDebt.Clone()
	}
	return &clone
}

// LoanInfo carries the origination terms submitted by a borrower. Exactly one
// of Internal or External must be set.
type LoanInfo struct {
	Schedule     Schedule
	Restrictions Restrictions
	Internal     *InternalPricing
	External     *ExternalPricing
}

// ActiveLoan is the full runtime record of a loan. The pricing union is
// pointer tagged: exactly one of Internal or External is non-nil.
type ActiveLoan struct {
	ID           uint64
	Borrower     [20]byte
	OriginatedAt int64
	Schedule     Schedule
	Restrictions Restrictions
	Internal     *InternalPricing
	External     *ExternalPricing

	// TotalBorrowed and the Repaid counters aggregate cash movements for
	// apportioning repayments and enforcing borrow ceilings.
	TotalBorrowed     *uint256.Int
	RepaidPrincipal   *uint256.Int
	RepaidInterest    *uint256.Int
	RepaidUnscheduled *uint256.Int

	// WrittenOff marks that a write-off status has been applied. The
	// percentage marks down the valuation; PenaltyRate records the ray-scaled
	// per-second increment folded into the effective interest rate.
	WrittenOff         bool
	WriteOffPercentage Perquintill
	PenaltyRate        *uint256.Int

	Status Status
}

// Clone returns a deep copy so callers can stage changes without touching the
// stored instance.
func (l *ActiveLoan) Clone() *ActiveLoan {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Internal = l.Internal.Clone()
	clone.External = l.External.Clone()
	if l.TotalBorrowed != nil {
		clone.TotalBorrowed = l.TotalBorrowed.Clone()
	}
	if l.RepaidPrincipal != nil {
		clone.RepaidPrincipal = l.RepaidPrincipal.Clone()
	}
	if l.RepaidInterest != nil {
		clone.RepaidInterest = l.RepaidInterest.Clone()
	}
	if l.RepaidUnscheduled != nil {
		clone.RepaidUnscheduled = l.RepaidUnscheduled.Clone()
	}
	if l.PenaltyRate != nil {
		clone.PenaltyRate = l.PenaltyRate.Clone()
	}
	return &clone
}

// interestRate returns the effective per-second rate of whichever pricing arm
// is set.
func (l *ActiveLoan) interestRate() *uint256.Int {
	switch {
	case l.Internal != nil:
		return l.Internal.InterestRate
	case l.External != nil:
		return l.External.InterestRate
	default:
		return nil
	}
}

func (l *ActiveLoan) setInterestRate(rate *uint256.Int) {
	switch {
	case l.Internal != nil:
		l.Internal.InterestRate = rate
	case l.External != nil:
		l.External.InterestRate = rate
	}
}

// normalizedDebt returns the normalized debt of whichever pricing arm is set.
func (l *ActiveLoan) normalizedDebt() *uint256.Int {
	switch {
	case l.Internal != nil:
		if l.Internal.NormalizedDebt == nil {
			return uint256.NewInt(0)
		}
		return l.Internal.NormalizedDebt
	case l.External != nil:
		if l.External.NormalizedDebt == nil {
			return uint256.NewInt(0)
		}
		return l.External.NormalizedDebt
	default:
		return uint256.NewInt(0)
	}
}

func (l *ActiveLoan) setNormalizedDebt(v *uint256.Int) {
	switch {
	case l.Internal != nil:
		l.Internal.NormalizedDebt = v
	case l.External != nil:
		l.External.NormalizedDebt = v
	}
}

// RepaidAmount is the apportioning of one repayment.
type RepaidAmount struct {
	Principal   *uint256.Int
	Interest    *uint256.Int
	Unscheduled *uint256.Int
}

// Total sums the three buckets; the inputs are bounded by the repayment
// amount, so the checked addition cannot realistically overflow but stays
// checked for uniformity.
func (r RepaidAmount) Total() (*uint256.Int, error) {
	sum := uint256.NewInt(0)
	for _, part := range []*uint256.Int{r.Principal, r.Interest, r.Unscheduled} {
		if part == nil {
			continue
		}
		if _, overflow := sum.AddOverflow(sum, part); overflow {
			return nil, errAmountOverflow
		}
	}
	return sum, nil
}
