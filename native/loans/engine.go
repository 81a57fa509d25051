package loans

import (
	"errors"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"loanledger/core/events"
	"loanledger/native/common"
	"loanledger/native/interest"
	"loanledger/native/pricefeed"
)

var (
	errNilState  = errors.New("loans engine: state not configured")
	errNilCache  = errors.New("loans engine: interest cache not configured")
	errNoPool    = errors.New("loans engine: pool identifier not configured")
	errNilPrices = errors.New("loans engine: price oracle not configured")

	ErrLoanNotFound           = errors.New("loans engine: loan not found")
	ErrLoanNotActive          = errors.New("loans engine: loan not active")
	ErrNotBorrower            = errors.New("loans engine: caller is not the borrower")
	ErrPricingShape           = errors.New("loans engine: exactly one pricing arm required")
	ErrCollateralRequired     = errors.New("loans engine: collateral value must be positive")
	ErrPriceIDRequired        = errors.New("loans engine: price identifier required")
	ErrInvalidSchedule        = errors.New("loans engine: malformed schedule")
	ErrInvalidRestrictions    = errors.New("loans engine: malformed restrictions")
	ErrMaturityInPast         = errors.New("loans engine: maturity must be in the future")
	ErrMaturityPassed         = errors.New("loans engine: loan past maturity")
	ErrBorrowExceeded         = errors.New("loans engine: borrow amount exceeds ceiling")
	ErrBorrowWrittenOff       = errors.New("loans engine: written-off loan cannot borrow")
	ErrInvalidAmount          = errors.New("loans engine: amount must be positive")
	ErrRepayAboveDebt         = errors.New("loans engine: repayment above outstanding debt")
	ErrPartialRepayNotAllowed = errors.New("loans engine: restriction requires full repayment")
	ErrNoApplicableRule       = errors.New("loans engine: no write-off rule applies")
	ErrLessSevere             = errors.New("loans engine: write-off status less severe than current")
	ErrCloseWithDebt          = errors.New("loans engine: loan still carries debt")
	ErrPolicyTooLong          = errors.New("loans engine: write-off policy exceeds rule limit")
)

const moduleName = "loans"

type engineState interface {
	LoanNextID(pool string) (uint64, error)
	LoanGet(pool string, id uint64) (*ActiveLoan, bool, error)
	LoanPut(pool string, loan *ActiveLoan) error
	LoanDelete(pool string, id uint64) error
	ClosedLoanPut(pool string, loan *ActiveLoan) error
	WriteOffPolicyGet(pool string) (WriteOffPolicy, bool, error)
	WriteOffPolicyPut(pool string, policy WriteOffPolicy) error
}

// Engine owns the loan lifecycle for one pool. Debt bookkeeping is delegated
// to the interest cache; distress pricing to the oracle aggregator; deferred
// mutations to the change guard.
type Engine struct {
	state          engineState
	cache          *interest.Cache
	prices         *pricefeed.Aggregator
	guard          changeGuard
	emitter        events.Emitter
	pauses         common.PauseView
	perms          common.PermissionOracle
	poolID         string
	maxPolicyRules int
	nowFn          func() int64
}

// NewEngine constructs a loans engine with a no-op emitter and the wall clock.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetCache wires the interest accrual cache.
func (e *Engine) SetCache(cache *interest.Cache) { e.cache = cache }

// SetPrices wires the oracle aggregator used for external pricing.
func (e *Engine) SetPrices(prices *pricefeed.Aggregator) { e.prices = prices }

// SetPauses wires the module pause view.
func (e *Engine) SetPauses(p common.PauseView) { e.pauses = p }

// SetPermissions wires the permission oracle consulted before mutating
// operations. Nil grants everything.
func (e *Engine) SetPermissions(o common.PermissionOracle) { e.perms = o }

// SetPoolID assigns the pool scope subsequent operations act on.
func (e *Engine) SetPoolID(poolID string) { e.poolID = strings.TrimSpace(poolID) }

// PoolID returns the configured pool scope.
func (e *Engine) PoolID() string { return e.poolID }

// SetMaxPolicyRules bounds the write-off policy length. Zero disables the
// bound.
func (e *Engine) SetMaxPolicyRules(n int) { e.maxPolicyRules = n }

// SetEmitter configures the event emitter. Nil restores the no-op emitter.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the clock. Nil restores the wall clock.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(event events.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(event)
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.cache == nil {
		return errNilCache
	}
	if e.poolID == "" {
		return errNoPool
	}
	return common.Guard(e.pauses, moduleName)
}

func (e *Engine) loadLoan(id uint64) (*ActiveLoan, error) {
	loan, ok, err := e.state.LoanGet(e.poolID, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLoanNotFound
	}
	return loan.Clone(), nil
}

func validateInfo(info LoanInfo, now int64) error {
	if (info.Internal == nil) == (info.External == nil) {
		return ErrPricingShape
	}
	if info.Schedule.Maturity <= now {
		return ErrMaturityInPast
	}
	switch info.Schedule.InterestPayments {
	case InterestPaymentsNone, InterestPaymentsOnceAtMaturity:
	default:
		return ErrInvalidSchedule
	}
	if info.Schedule.PayDown != PayDownNone {
		return ErrInvalidSchedule
	}
	switch info.Restrictions.Borrow {
	case BorrowNotWrittenOff, BorrowFreshPrice:
	default:
		return ErrInvalidRestrictions
	}
	switch info.Restrictions.Repay {
	case RepayNone, RepayFullOnce:
	default:
		return ErrInvalidRestrictions
	}
	if info.Internal != nil {
		p := info.Internal
		if p.CollateralValue == nil || p.CollateralValue.IsZero() {
			return ErrCollateralRequired
		}
		if !p.AdvanceRate.Valid() {
			return errPerquintillRange
		}
		switch p.Valuation {
		case ValuationOutstandingDebt, ValuationCollateralCapped:
		default:
			return ErrInvalidSchedule
		}
		switch p.MaxBorrow {
		case MaxBorrowUpToTotalBorrowed, MaxBorrowUpToOutstandingDebt:
		default:
			return ErrInvalidSchedule
		}
		return interest.ValidateRate(p.InterestRate)
	}
	if strings.TrimSpace(info.External.PriceID) == "" {
		return ErrPriceIDRequired
	}
	return interest.ValidateRate(info.External.InterestRate)
}

// Create validates the origination terms, reserves an identifier and stores
// the loan in the transient Created state.
func (e *Engine) Create(borrower [20]byte, info LoanInfo) (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	if err := common.Allow(e.perms, e.poolID, borrower, common.RoleBorrower); err != nil {
		return 0, err
	}
	now := e.now()
	if err := validateInfo(info, now); err != nil {
		return 0, err
	}
	if info.External != nil {
		if e.prices == nil {
			return 0, errNilPrices
		}
		if _, err := e.prices.Latest(info.External.PriceID); err != nil {
			return 0, err
		}
	}

	id, err := e.state.LoanNextID(e.poolID)
	if err != nil {
		return 0, err
	}
	loan := &ActiveLoan{
		ID:                id,
		Borrower:          borrower,
		OriginatedAt:      now,
		Schedule:          info.Schedule,
		Restrictions:      info.Restrictions,
		Internal:          info.Internal.Clone(),
		External:          info.External.Clone(),
		TotalBorrowed:     uint256.NewInt(0),
		RepaidPrincipal:   uint256.NewInt(0),
		RepaidInterest:    uint256.NewInt(0),
		RepaidUnscheduled: uint256.NewInt(0),
		PenaltyRate:       uint256.NewInt(0),
		Status:            StatusCreated,
	}
	loan.setNormalizedDebt(uint256.NewInt(0))
	if loan.External != nil {
		loan.External.Quantity = uint256.NewInt(0)
	}
	if err := e.state.LoanPut(e.poolID, loan); err != nil {
		return 0, err
	}
	e.emit(events.LoanCreated{Pool: e.poolID, LoanID: id, Borrower: borrower, Maturity: info.Schedule.Maturity})
	return id, nil
}

// maxBorrowHeadroom reports whether the draw stays inside the collateral
// ceiling for internally priced loans.
func (e *Engine) checkBorrowCeiling(loan *ActiveLoan, amount *uint256.Int) error {
	p := loan.Internal
	if p == nil {
		return nil
	}
	ceiling, err := p.AdvanceRate.MulBalance(p.CollateralValue)
	if err != nil {
		return err
	}
	var used *uint256.Int
	switch p.MaxBorrow {
	case MaxBorrowUpToTotalBorrowed:
		used = loan.TotalBorrowed
	case MaxBorrowUpToOutstandingDebt:
		debt, err := e.cache.CurrentDebt(p.InterestRate, p.NormalizedDebt)
		if err != nil && !errors.Is(err, interest.ErrRateNotReferenced) {
			return err
		}
		if debt == nil {
			debt = uint256.NewInt(0)
		}
		used = debt
	default:
		return ErrInvalidSchedule
	}
	projected := new(uint256.Int)
	if _, overflow := projected.AddOverflow(used, amount); overflow {
		return ErrBorrowExceeded
	}
	if projected.Gt(ceiling) {
		return ErrBorrowExceeded
	}
	return nil
}

// Borrow draws principal against the loan, activating it on the first draw.
func (e *Engine) Borrow(caller [20]byte, id uint64, amount *uint256.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := common.Allow(e.perms, e.poolID, caller, common.RoleBorrower); err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	loan, err := e.loadLoan(id)
	if err != nil {
		return err
	}
	if caller != loan.Borrower {
		return ErrNotBorrower
	}
	if loan.Status != StatusCreated && loan.Status != StatusActive {
		return ErrLoanNotActive
	}
	// The write-off bar is permanent and outranks the maturity cutoff.
	if loan.Restrictions.Borrow == BorrowNotWrittenOff && loan.WrittenOff {
		return ErrBorrowWrittenOff
	}
	now := e.now()
	if now >= loan.Schedule.Maturity {
		return ErrMaturityPassed
	}
	if loan.Restrictions.Borrow == BorrowFreshPrice && loan.External != nil {
		if e.prices == nil {
			return errNilPrices
		}
		if _, err := e.prices.Fresh(loan.External.PriceID); err != nil {
			return err
		}
	}
	if err := e.checkBorrowCeiling(loan, amount); err != nil {
		return err
	}

	newTotal := new(uint256.Int)
	if _, overflow := newTotal.AddOverflow(loan.TotalBorrowed, amount); overflow {
		return errAmountOverflow
	}

	// Track exposure in units for external pricing before the debt math.
	if loan.External != nil {
		if e.prices == nil {
			return errNilPrices
		}
		quote, err := e.prices.Latest(loan.External.PriceID)
		if err != nil {
			return err
		}
		units, err := interest.RayDiv(amount, quote.Price)
		if err != nil {
			return err
		}
		quantity := new(uint256.Int)
		if _, overflow := quantity.AddOverflow(loan.External.Quantity, units); overflow {
			return errAmountOverflow
		}
		loan.External.Quantity = quantity
	}

	rate := loan.interestRate()
	activated := false
	if loan.Status == StatusCreated {
		if err := e.cache.Reference(rate); err != nil {
			return err
		}
		loan.Status = StatusActive
		activated = true
	}
	normalized, err := e.cache.AdjustNormalizedDebt(rate, loan.normalizedDebt(), interest.Increase(amount))
	if err != nil {
		// Drop the fresh reference again so a failed first draw leaves no
		// orphaned bucket behind.
		if activated {
			_ = e.cache.Unreference(rate)
		}
		return err
	}
	loan.setNormalizedDebt(normalized)
	loan.TotalBorrowed = newTotal

	if err := e.state.LoanPut(e.poolID, loan); err != nil {
		if activated {
			_ = e.cache.Unreference(rate)
		}
		return err
	}
	e.emit(events.LoanBorrowed{Pool: e.poolID, LoanID: id, Amount: amount.Clone()})
	return nil
}

// apportion splits a repayment between principal, interest and unscheduled
// buckets according to the schedule's interest-payment mode. The split is
// reporting-level only; the accrual math is untouched by it.
func apportion(loan *ActiveLoan, amount, currentDebt *uint256.Int) RepaidAmount {
	outstanding := new(uint256.Int)
	if loan.TotalBorrowed.Gt(loan.RepaidPrincipal) {
		outstanding.Sub(loan.TotalBorrowed, loan.RepaidPrincipal)
	}
	accrued := new(uint256.Int)
	if currentDebt.Gt(outstanding) {
		accrued.Sub(currentDebt, outstanding)
	}

	minOf := func(a, b *uint256.Int) *uint256.Int {
		if a.Lt(b) {
			return a.Clone()
		}
		return b.Clone()
	}

	rest := amount.Clone()
	split := RepaidAmount{
		Principal:   uint256.NewInt(0),
		Interest:    uint256.NewInt(0),
		Unscheduled: uint256.NewInt(0),
	}
	if loan.Schedule.InterestPayments == InterestPaymentsOnceAtMaturity {
		split.Interest = minOf(rest, accrued)
		rest.Sub(rest, split.Interest)
		split.Principal = minOf(rest, outstanding)
		rest.Sub(rest, split.Principal)
	} else {
		split.Principal = minOf(rest, outstanding)
		rest.Sub(rest, split.Principal)
		split.Interest = minOf(rest, accrued)
		rest.Sub(rest, split.Interest)
	}
	split.Unscheduled = rest
	return split
}

// Repay pays the loan down. Full repayment drives the normalized debt to
// exactly zero; under the full-once restriction it also closes the loan.
func (e *Engine) Repay(caller [20]byte, id uint64, amount *uint256.Int) (RepaidAmount, error) {
	var zero RepaidAmount
	if err := e.ready(); err != nil {
		return zero, err
	}
	if err := common.Allow(e.perms, e.poolID, caller, common.RoleBorrower); err != nil {
		return zero, err
	}
	if amount == nil || amount.IsZero() {
		return zero, ErrInvalidAmount
	}
	loan, err := e.loadLoan(id)
	if err != nil {
		return zero, err
	}
	if caller != loan.Borrower {
		return zero, ErrNotBorrower
	}
	if loan.Status != StatusActive {
		return zero, ErrLoanNotActive
	}

	rate := loan.interestRate()
	currentDebt, err := e.cache.CurrentDebt(rate, loan.normalizedDebt())
	if err != nil {
		return zero, err
	}
	if amount.Gt(currentDebt) {
		return zero, ErrRepayAboveDebt
	}
	fullRepay := amount.Eq(currentDebt)
	if loan.Restrictions.Repay == RepayFullOnce && !fullRepay {
		return zero, ErrPartialRepayNotAllowed
	}

	split := apportion(loan, amount, currentDebt)

	if fullRepay {
		// Settle at exactly zero so rounding can never strand dust.
		loan.setNormalizedDebt(uint256.NewInt(0))
	} else {
		normalized, err := e.cache.AdjustNormalizedDebt(rate, loan.normalizedDebt(), interest.Decrease(amount))
		if err != nil {
			return zero, err
		}
		loan.setNormalizedDebt(normalized)
	}

	loan.RepaidPrincipal = new(uint256.Int).Add(loan.RepaidPrincipal, split.Principal)
	loan.RepaidInterest = new(uint256.Int).Add(loan.RepaidInterest, split.Interest)
	loan.RepaidUnscheduled = new(uint256.Int).Add(loan.RepaidUnscheduled, split.Unscheduled)

	if loan.External != nil && e.prices != nil {
		if quote, err := e.prices.Latest(loan.External.PriceID); err == nil {
			if units, err := interest.RayDiv(amount, quote.Price); err == nil {
				if units.Gt(loan.External.Quantity) {
					loan.External.Quantity = uint256.NewInt(0)
				} else {
					loan.External.Quantity = new(uint256.Int).Sub(loan.External.Quantity, units)
				}
			}
		}
	}

	closed := false
	if loan.normalizedDebt().IsZero() && loan.Restrictions.Repay == RepayFullOnce {
		if err := e.cache.Unreference(rate); err != nil {
			return zero, err
		}
		loan.Status = StatusClosedRepaid
		if err := e.state.ClosedLoanPut(e.poolID, loan); err != nil {
			return zero, err
		}
		if err := e.state.LoanDelete(e.poolID, loan.ID); err != nil {
			return zero, err
		}
		closed = true
	} else {
		if err := e.state.LoanPut(e.poolID, loan); err != nil {
			return zero, err
		}
	}

	e.emit(events.LoanRepaid{
		Pool:        e.poolID,
		LoanID:      id,
		Principal:   split.Principal.Clone(),
		Interest:    split.Interest.Clone(),
		Unscheduled: split.Unscheduled.Clone(),
	})
	if closed {
		e.emit(events.LoanClosed{Pool: e.poolID, LoanID: id})
	}
	return split, nil
}

// signals derives the observable distress inputs for policy evaluation.
func (e *Engine) signals(loan *ActiveLoan) DistressSignals {
	now := e.now()
	var s DistressSignals
	if now > loan.Schedule.Maturity {
		s.HasOverdue = true
		s.OverdueSeconds = now - loan.Schedule.Maturity
	}
	if loan.External != nil && e.prices != nil {
		if quote, err := e.prices.Latest(loan.External.PriceID); err == nil {
			s.HasPriceAge = true
			s.PriceAge = quote.Age(now)
		}
	}
	return s
}

// switchRate moves an active loan's debt onto a different rate bucket while
// preserving its current value. Created loans just carry the new rate.
func (e *Engine) switchRate(loan *ActiveLoan, newRate *uint256.Int) error {
	oldRate := loan.interestRate()
	if err := interest.ValidateRate(newRate); err != nil {
		return err
	}
	if oldRate.Eq(newRate) {
		return nil
	}
	if loan.Status != StatusActive {
		loan.setInterestRate(newRate.Clone())
		return nil
	}
	if err := e.cache.Reference(newRate); err != nil {
		return err
	}
	normalized, err := e.cache.RenormalizeDebt(oldRate, newRate, loan.normalizedDebt())
	if err != nil {
		_ = e.cache.Unreference(newRate)
		return err
	}
	if err := e.cache.Unreference(oldRate); err != nil {
		_ = e.cache.Unreference(newRate)
		return err
	}
	loan.setInterestRate(newRate.Clone())
	loan.setNormalizedDebt(normalized)
	return nil
}

// applyWriteOffStatus lands a status on the loan. Severity only ever
// increases: a lower percentage or penalty than the current one is rejected.
func (e *Engine) applyWriteOffStatus(loan *ActiveLoan, status WriteOffStatus) error {
	penalty := status.penalty()
	if loan.WrittenOff {
		if status.Percentage < loan.WriteOffPercentage || penalty.Lt(loan.PenaltyRate) {
			return ErrLessSevere
		}
	}
	base := new(uint256.Int).Sub(loan.interestRate(), loan.PenaltyRate)
	effective := new(uint256.Int)
	if _, overflow := effective.AddOverflow(base, penalty); overflow {
		return errAmountOverflow
	}
	if err := e.switchRate(loan, effective); err != nil {
		return err
	}
	loan.WrittenOff = true
	loan.WriteOffPercentage = status.Percentage
	loan.PenaltyRate = penalty.Clone()
	return nil
}

// WriteOff applies the policy-selected status to a distressed loan. It is
// deliberately permissionless: anyone may trigger a write-off the policy
// already authorises.
func (e *Engine) WriteOff(id uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	loan, err := e.loadLoan(id)
	if err != nil {
		return err
	}
	if loan.Status != StatusActive {
		return ErrLoanNotActive
	}
	policy, _, err := e.state.WriteOffPolicyGet(e.poolID)
	if err != nil {
		return err
	}
	status, ok := EvaluateWriteOff(policy, e.signals(loan))
	if !ok {
		return ErrNoApplicableRule
	}
	if err := e.applyWriteOffStatus(loan, status); err != nil {
		return err
	}
	if err := e.state.LoanPut(e.poolID, loan); err != nil {
		return err
	}
	e.emit(events.LoanWrittenOff{Pool: e.poolID, LoanID: id, Percentage: uint64(loan.WriteOffPercentage)})
	return nil
}

// AdminWriteOff lets a loan admin impose an explicit status. The status must
// be at least as severe as whatever the policy would currently select, so an
// admin cannot quietly understate distress.
func (e *Engine) AdminWriteOff(caller [20]byte, id uint64, status WriteOffStatus) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := common.Allow(e.perms, e.poolID, caller, common.RoleLoanAdmin); err != nil {
		return err
	}
	if !status.Percentage.Valid() {
		return errPerquintillRange
	}
	loan, err := e.loadLoan(id)
	if err != nil {
		return err
	}
	if loan.Status != StatusActive {
		return ErrLoanNotActive
	}
	policy, _, err := e.state.WriteOffPolicyGet(e.poolID)
	if err != nil {
		return err
	}
	if fromPolicy, ok := EvaluateWriteOff(policy, e.signals(loan)); ok {
		if status.Percentage < fromPolicy.Percentage || status.penalty().Lt(fromPolicy.penalty()) {
			return ErrLessSevere
		}
	}
	if err := e.applyWriteOffStatus(loan, status); err != nil {
		return err
	}
	if err := e.state.LoanPut(e.poolID, loan); err != nil {
		return err
	}
	e.emit(events.LoanWrittenOff{Pool: e.poolID, LoanID: id, Percentage: uint64(loan.WriteOffPercentage)})
	return nil
}

// Close retires a loan. Legal from a zero-debt state, or from a fully
// written-off loan whose remaining debt the pool has already marked down to
// nothing.
func (e *Engine) Close(caller [20]byte, id uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := common.Allow(e.perms, e.poolID, caller, common.RoleBorrower); err != nil {
		return err
	}
	loan, err := e.loadLoan(id)
	if err != nil {
		return err
	}
	if caller != loan.Borrower {
		return ErrNotBorrower
	}
	switch loan.Status {
	case StatusCreated:
		loan.Status = StatusClosedRepaid
	case StatusActive:
		rate := loan.interestRate()
		debt, err := e.cache.CurrentDebt(rate, loan.normalizedDebt())
		if err != nil {
			return err
		}
		if !debt.IsZero() {
			if !loan.WrittenOff || loan.WriteOffPercentage != PerquintillOne {
				return ErrCloseWithDebt
			}
		}
		if err := e.cache.Unreference(rate); err != nil {
			return err
		}
		if loan.WrittenOff {
			loan.Status = StatusClosedWrittenOff
		} else {
			loan.Status = StatusClosedRepaid
		}
	default:
		return ErrLoanNotActive
	}
	if err := e.state.ClosedLoanPut(e.poolID, loan); err != nil {
		return err
	}
	if err := e.state.LoanDelete(e.poolID, loan.ID); err != nil {
		return err
	}
	e.emit(events.LoanClosed{Pool: e.poolID, LoanID: id})
	return nil
}

// CurrentDebt reports the loan's present outstanding debt.
func (e *Engine) CurrentDebt(id uint64) (*uint256.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	loan, err := e.loadLoan(id)
	if err != nil {
		return nil, err
	}
	if loan.Status != StatusActive {
		return uint256.NewInt(0), nil
	}
	return e.cache.CurrentDebt(loan.interestRate(), loan.normalizedDebt())
}

// Valuation reports the loan's marked-down reporting value: current debt net
// of the write-off percentage, further shaped by the valuation method for
// internally priced loans.
func (e *Engine) Valuation(id uint64) (*uint256.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	loan, err := e.loadLoan(id)
	if err != nil {
		return nil, err
	}
	if loan.Status != StatusActive {
		return uint256.NewInt(0), nil
	}
	debt, err := e.cache.CurrentDebt(loan.interestRate(), loan.normalizedDebt())
	if err != nil {
		return nil, err
	}
	value, err := loan.WriteOffPercentage.Complement().MulBalance(debt)
	if err != nil {
		return nil, err
	}
	if loan.Internal != nil && loan.Internal.Valuation == ValuationCollateralCapped {
		if value.Gt(loan.Internal.CollateralValue) {
			value = loan.Internal.CollateralValue.Clone()
		}
	}
	return value, nil
}
