package loans

import (
	"encoding/json"
	"errors"

	"github.com/holiman/uint256"

	"loanledger/core/events"
	"loanledger/native/changeguard"
	"loanledger/native/common"
	"loanledger/native/interest"
)

// Payload kinds routed through the change guard.
const (
	PayloadLoanMutation = "loan.mutation"
	PayloadPolicyUpdate = "policy.update"
	PayloadDebtTransfer = "debt.transfer"
)

var (
	errNilGuard          = errors.New("loans engine: change guard not configured")
	ErrUnexpectedPayload = errors.New("loans engine: released payload of unexpected kind")
	ErrUnknownMutation   = errors.New("loans engine: unknown mutation kind")
)

// changeGuard is the slice of the guard engine the loans module needs. Apply
// paths read the payload with Peek and call Consume only once the whole
// application has succeeded, so a rejected payload stays pending.
type changeGuard interface {
	Note(scope string, payload changeguard.Payload) ([32]byte, error)
	Peek(scope string, id [32]byte, ready changeguard.Condition) (changeguard.Payload, error)
	Consume(scope string, id [32]byte) error
}

// SetChangeGuard wires the two-phase gate for deferred mutations.
func (e *Engine) SetChangeGuard(guard changeGuard) { e.guard = guard }

// MutationKind selects which loan attribute a mutation touches.
type MutationKind uint8

const (
	MutateMaturity MutationKind = iota + 1
	MutateInterestRate
	MutateInterestPayments
	MutatePayDown
	MutateCollateralValue
	MutateValuation
	MutateAdvanceRate
	MutateMaxBorrow
)

// LoanMutation is a single attribute change. Only the field matching Kind is
// read when the mutation is applied.
type LoanMutation struct {
	Kind             MutationKind     `json:"kind"`
	Maturity         int64            `json:"maturity,omitempty"`
	InterestRate     *uint256.Int     `json:"interestRate,omitempty"`
	InterestPayments InterestPayments `json:"interestPayments,omitempty"`
	PayDown          PayDownSchedule  `json:"payDown,omitempty"`
	CollateralValue  *uint256.Int     `json:"collateralValue,omitempty"`
	Valuation        ValuationMethod  `json:"valuation,omitempty"`
	AdvanceRate      Perquintill      `json:"advanceRate,omitempty"`
	MaxBorrow        MaxBorrowPolicy  `json:"maxBorrow,omitempty"`
}

type mutationEnvelope struct {
	LoanID   uint64       `json:"loanId"`
	Mutation LoanMutation `json:"mutation"`
}

type policyEnvelope struct {
	Rules WriteOffPolicy `json:"rules"`
}

type transferEnvelope struct {
	FromLoanID uint64       `json:"fromLoanId"`
	ToLoanID   uint64       `json:"toLoanId"`
	Amount     *uint256.Int `json:"amount"`
}

// NoteMutation proposes a loan mutation. The change waits in the guard until
// the host's readiness condition (epoch close, governance approval) holds.
func (e *Engine) NoteMutation(caller [20]byte, id uint64, mutation LoanMutation) ([32]byte, error) {
	var zero [32]byte
	if err := e.ready(); err != nil {
		return zero, err
	}
	if e.guard == nil {
		return zero, errNilGuard
	}
	if err := common.Allow(e.perms, e.poolID, caller, common.RoleLoanAdmin); err != nil {
		return zero, err
	}
	loan, err := e.loadLoan(id)
	if err != nil {
		return zero, err
	}
	// Surface obviously invalid proposals at note time already.
	if err := e.validateMutation(loan, mutation); err != nil {
		return zero, err
	}
	data, err := json.Marshal(mutationEnvelope{LoanID: id, Mutation: mutation})
	if err != nil {
		return zero, err
	}
	changeID, err := e.guard.Note(e.poolID, changeguard.Payload{Kind: PayloadLoanMutation, Data: data})
	if err != nil {
		return zero, err
	}
	e.emit(events.ChangeNoted{Scope: e.poolID, ID: changeID, Kind: PayloadLoanMutation})
	return changeID, nil
}

// ApplyMutation releases a noted loan mutation and applies it. The change is
// consumed last: a mutation that no longer applies (the proposed maturity has
// passed, the rate switch overflows) leaves the record pending instead of
// burning it.
func (e *Engine) ApplyMutation(changeID [32]byte, ready changeguard.Condition) error {
	if err := e.ready(); err != nil {
		return err
	}
	if e.guard == nil {
		return errNilGuard
	}
	payload, err := e.guard.Peek(e.poolID, changeID, ready)
	if err != nil {
		return err
	}
	if payload.Kind != PayloadLoanMutation {
		return ErrUnexpectedPayload
	}
	var envelope mutationEnvelope
	if err := json.Unmarshal(payload.Data, &envelope); err != nil {
		return err
	}
	loan, err := e.loadLoan(envelope.LoanID)
	if err != nil {
		return err
	}
	if err := e.applyMutation(loan, envelope.Mutation); err != nil {
		return err
	}
	if err := e.state.LoanPut(e.poolID, loan); err != nil {
		return err
	}
	if err := e.guard.Consume(e.poolID, changeID); err != nil {
		return err
	}
	e.emit(events.ChangeReleased{Scope: e.poolID, ID: changeID, Kind: PayloadLoanMutation})
	return nil
}

func (e *Engine) validateMutation(loan *ActiveLoan, m LoanMutation) error {
	switch m.Kind {
	case MutateMaturity:
		if m.Maturity <= e.now() {
			return ErrMaturityInPast
		}
	case MutateInterestRate:
		return interest.ValidateRate(m.InterestRate)
	case MutateInterestPayments:
		switch m.InterestPayments {
		case InterestPaymentsNone, InterestPaymentsOnceAtMaturity:
		default:
			return ErrInvalidSchedule
		}
	case MutatePayDown:
		if m.PayDown != PayDownNone {
			return ErrInvalidSchedule
		}
	case MutateCollateralValue:
		if loan.Internal == nil {
			return ErrPricingShape
		}
		if m.CollateralValue == nil || m.CollateralValue.IsZero() {
			return ErrCollateralRequired
		}
	case MutateValuation:
		if loan.Internal == nil {
			return ErrPricingShape
		}
		switch m.Valuation {
		case ValuationOutstandingDebt, ValuationCollateralCapped:
		default:
			return ErrInvalidSchedule
		}
	case MutateAdvanceRate:
		if loan.Internal == nil {
			return ErrPricingShape
		}
		if !m.AdvanceRate.Valid() {
			return errPerquintillRange
		}
	case MutateMaxBorrow:
		if loan.Internal == nil {
			return ErrPricingShape
		}
		switch m.MaxBorrow {
		case MaxBorrowUpToTotalBorrowed, MaxBorrowUpToOutstandingDebt:
		default:
			return ErrInvalidSchedule
		}
	default:
		return ErrUnknownMutation
	}
	return nil
}

func (e *Engine) applyMutation(loan *ActiveLoan, m LoanMutation) error {
	if err := e.validateMutation(loan, m); err != nil {
		return err
	}
	switch m.Kind {
	case MutateMaturity:
		loan.Schedule.Maturity = m.Maturity
	case MutateInterestRate:
		// The loan's effective rate keeps carrying any write-off penalty on
		// top of the new base.
		effective := new(uint256.Int)
		if _, overflow := effective.AddOverflow(m.InterestRate, loan.PenaltyRate); overflow {
			return errAmountOverflow
		}
		if err := e.switchRate(loan, effective); err != nil {
			return err
		}
	case MutateInterestPayments:
		loan.Schedule.InterestPayments = m.InterestPayments
	case MutatePayDown:
		loan.Schedule.PayDown = m.PayDown
	case MutateCollateralValue:
		loan.Internal.CollateralValue = m.CollateralValue.Clone()
	case MutateValuation:
		loan.Internal.Valuation = m.Valuation
	case MutateAdvanceRate:
		loan.Internal.AdvanceRate = m.AdvanceRate
	case MutateMaxBorrow:
		loan.Internal.MaxBorrow = m.MaxBorrow
	}
	return nil
}

// NotePolicyUpdate proposes replacing the pool's write-off policy.
func (e *Engine) NotePolicyUpdate(caller [20]byte, rules WriteOffPolicy) ([32]byte, error) {
	var zero [32]byte
	if err := e.ready(); err != nil {
		return zero, err
	}
	if e.guard == nil {
		return zero, errNilGuard
	}
	if err := common.Allow(e.perms, e.poolID, caller, common.RolePolicyAdmin); err != nil {
		return zero, err
	}
	if e.maxPolicyRules > 0 && len(rules) > e.maxPolicyRules {
		return zero, ErrPolicyTooLong
	}
	if err := rules.Validate(); err != nil {
		return zero, err
	}
	data, err := json.Marshal(policyEnvelope{Rules: rules})
	if err != nil {
		return zero, err
	}
	changeID, err := e.guard.Note(e.poolID, changeguard.Payload{Kind: PayloadPolicyUpdate, Data: data})
	if err != nil {
		return zero, err
	}
	e.emit(events.ChangeNoted{Scope: e.poolID, ID: changeID, Kind: PayloadPolicyUpdate})
	return changeID, nil
}

// ApplyPolicyUpdate releases a noted policy replacement and installs it.
func (e *Engine) ApplyPolicyUpdate(changeID [32]byte, ready changeguard.Condition) error {
	if err := e.ready(); err != nil {
		return err
	}
	if e.guard == nil {
		return errNilGuard
	}
	payload, err := e.guard.Peek(e.poolID, changeID, ready)
	if err != nil {
		return err
	}
	if payload.Kind != PayloadPolicyUpdate {
		return ErrUnexpectedPayload
	}
	var envelope policyEnvelope
	if err := json.Unmarshal(payload.Data, &envelope); err != nil {
		return err
	}
	if err := envelope.Rules.Validate(); err != nil {
		return err
	}
	if err := e.state.WriteOffPolicyPut(e.poolID, envelope.Rules); err != nil {
		return err
	}
	if err := e.guard.Consume(e.poolID, changeID); err != nil {
		return err
	}
	e.emit(events.ChangeReleased{Scope: e.poolID, ID: changeID, Kind: PayloadPolicyUpdate})
	e.emit(events.PolicyUpdated{Pool: e.poolID, Rules: len(envelope.Rules)})
	return nil
}

// NoteDebtTransfer proposes moving outstanding debt between two loans of the
// pool, e.g. when restructuring replaces one exposure with another.
func (e *Engine) NoteDebtTransfer(caller [20]byte, fromID, toID uint64, amount *uint256.Int) ([32]byte, error) {
	var zero [32]byte
	if err := e.ready(); err != nil {
		return zero, err
	}
	if e.guard == nil {
		return zero, errNilGuard
	}
	if err := common.Allow(e.perms, e.poolID, caller, common.RoleLoanAdmin); err != nil {
		return zero, err
	}
	if amount == nil || amount.IsZero() {
		return zero, ErrInvalidAmount
	}
	if fromID == toID {
		return zero, ErrInvalidAmount
	}
	if _, err := e.loadLoan(fromID); err != nil {
		return zero, err
	}
	if _, err := e.loadLoan(toID); err != nil {
		return zero, err
	}
	data, err := json.Marshal(transferEnvelope{FromLoanID: fromID, ToLoanID: toID, Amount: amount})
	if err != nil {
		return zero, err
	}
	changeID, err := e.guard.Note(e.poolID, changeguard.Payload{Kind: PayloadDebtTransfer, Data: data})
	if err != nil {
		return zero, err
	}
	e.emit(events.ChangeNoted{Scope: e.poolID, ID: changeID, Kind: PayloadDebtTransfer})
	return changeID, nil
}

// ApplyDebtTransfer releases a noted debt transfer and moves the debt. The
// transfer bypasses borrow/repay restrictions, which were already checked
// when the change became ready, but never bypasses the checked debt math. A
// transfer the source can no longer cover leaves the change pending, so it
// stays retryable once the source carries debt again.
func (e *Engine) ApplyDebtTransfer(changeID [32]byte, ready changeguard.Condition) error {
	if err := e.ready(); err != nil {
		return err
	}
	if e.guard == nil {
		return errNilGuard
	}
	payload, err := e.guard.Peek(e.poolID, changeID, ready)
	if err != nil {
		return err
	}
	if payload.Kind != PayloadDebtTransfer {
		return ErrUnexpectedPayload
	}
	var envelope transferEnvelope
	if err := json.Unmarshal(payload.Data, &envelope); err != nil {
		return err
	}
	from, err := e.loadLoan(envelope.FromLoanID)
	if err != nil {
		return err
	}
	to, err := e.loadLoan(envelope.ToLoanID)
	if err != nil {
		return err
	}
	if from.Status != StatusActive {
		return ErrLoanNotActive
	}
	if to.Status != StatusCreated && to.Status != StatusActive {
		return ErrLoanNotActive
	}
	amount := envelope.Amount
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}

	fromRate := from.interestRate()
	debt, err := e.cache.CurrentDebt(fromRate, from.normalizedDebt())
	if err != nil {
		return err
	}
	if amount.Gt(debt) {
		return ErrRepayAboveDebt
	}
	if amount.Eq(debt) {
		from.setNormalizedDebt(uint256.NewInt(0))
	} else {
		normalized, err := e.cache.AdjustNormalizedDebt(fromRate, from.normalizedDebt(), interest.Decrease(amount))
		if err != nil {
			return err
		}
		from.setNormalizedDebt(normalized)
	}
	outstanding := new(uint256.Int)
	if from.TotalBorrowed.Gt(from.RepaidPrincipal) {
		outstanding.Sub(from.TotalBorrowed, from.RepaidPrincipal)
	}
	principalPart := amount.Clone()
	if principalPart.Gt(outstanding) {
		principalPart = outstanding
	}
	from.RepaidPrincipal = new(uint256.Int).Add(from.RepaidPrincipal, principalPart)
	from.RepaidUnscheduled = new(uint256.Int).Add(from.RepaidUnscheduled, new(uint256.Int).Sub(amount, principalPart))

	toRate := to.interestRate()
	newTotal := new(uint256.Int)
	if _, overflow := newTotal.AddOverflow(to.TotalBorrowed, amount); overflow {
		return errAmountOverflow
	}
	activated := false
	if to.Status == StatusCreated {
		if err := e.cache.Reference(toRate); err != nil {
			return err
		}
		to.Status = StatusActive
		activated = true
	}
	normalized, err := e.cache.AdjustNormalizedDebt(toRate, to.normalizedDebt(), interest.Increase(amount))
	if err != nil {
		if activated {
			_ = e.cache.Unreference(toRate)
		}
		return err
	}
	to.setNormalizedDebt(normalized)
	to.TotalBorrowed = newTotal

	if err := e.state.LoanPut(e.poolID, from); err != nil {
		if activated {
			_ = e.cache.Unreference(toRate)
		}
		return err
	}
	if err := e.state.LoanPut(e.poolID, to); err != nil {
		return err
	}
	if err := e.guard.Consume(e.poolID, changeID); err != nil {
		return err
	}
	e.emit(events.ChangeReleased{Scope: e.poolID, ID: changeID, Kind: PayloadDebtTransfer})
	return nil
}

// WriteOffPolicy returns the pool's installed policy.
func (e *Engine) WriteOffPolicy() (WriteOffPolicy, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	policy, _, err := e.state.WriteOffPolicyGet(e.poolID)
	return policy, err
}
