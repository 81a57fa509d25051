package events

import (
	"encoding/hex"
	"strconv"

	"github.com/holiman/uint256"
)

const (
	TypeLoanCreated    = "loan.created"
	TypeLoanBorrowed   = "loan.borrowed"
	TypeLoanRepaid     = "loan.repaid"
	TypeLoanWrittenOff = "loan.written_off"
	TypeLoanClosed     = "loan.closed"
	TypeChangeNoted    = "change.noted"
	TypeChangeReleased = "change.released"
	TypePolicyUpdated  = "policy.updated"
)

func formatAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func formatAccount(a [20]byte) string {
	return hex.EncodeToString(a[:])
}

// LoanCreated is emitted when a loan is originated.
type LoanCreated struct {
	Pool     string
	LoanID   uint64
	Borrower [20]byte
	Maturity int64
}

func (LoanCreated) EventType() string { return TypeLoanCreated }

func (e LoanCreated) Attributes() map[string]string {
	return map[string]string{
		"pool":     e.Pool,
		"loanId":   strconv.FormatUint(e.LoanID, 10),
		"borrower": formatAccount(e.Borrower),
		"maturity": strconv.FormatInt(e.Maturity, 10),
	}
}

// LoanBorrowed is emitted when principal is drawn down.
type LoanBorrowed struct {
	Pool   string
	LoanID uint64
	Amount *uint256.Int
}

func (LoanBorrowed) EventType() string { return TypeLoanBorrowed }

func (e LoanBorrowed) Attributes() map[string]string {
	return map[string]string{
		"pool":   e.Pool,
		"loanId": strconv.FormatUint(e.LoanID, 10),
		"amount": formatAmount(e.Amount),
	}
}

// LoanRepaid is emitted after a repayment has been apportioned.
type LoanRepaid struct {
	Pool        string
	LoanID      uint64
	Principal   *uint256.Int
	Interest    *uint256.Int
	Unscheduled *uint256.Int
}

func (LoanRepaid) EventType() string { return TypeLoanRepaid }

func (e LoanRepaid) Attributes() map[string]string {
	return map[string]string{
		"pool":        e.Pool,
		"loanId":      strconv.FormatUint(e.LoanID, 10),
		"principal":   formatAmount(e.Principal),
		"interest":    formatAmount(e.Interest),
		"unscheduled": formatAmount(e.Unscheduled),
	}
}

// LoanWrittenOff is emitted when a write-off status lands on a loan.
type LoanWrittenOff struct {
	Pool       string
	LoanID     uint64
	Percentage uint64
}

func (LoanWrittenOff) EventType() string { return TypeLoanWrittenOff }

func (e LoanWrittenOff) Attributes() map[string]string {
	return map[string]string{
		"pool":       e.Pool,
		"loanId":     strconv.FormatUint(e.LoanID, 10),
		"percentage": strconv.FormatUint(e.Percentage, 10),
	}
}

// LoanClosed is emitted when a loan leaves active state for good.
type LoanClosed struct {
	Pool   string
	LoanID uint64
}

func (LoanClosed) EventType() string { return TypeLoanClosed }

func (e LoanClosed) Attributes() map[string]string {
	return map[string]string{
		"pool":   e.Pool,
		"loanId": strconv.FormatUint(e.LoanID, 10),
	}
}

// ChangeNoted is emitted when a mutation enters the change guard.
type ChangeNoted struct {
	Scope string
	ID    [32]byte
	Kind  string
}

func (ChangeNoted) EventType() string { return TypeChangeNoted }

func (e ChangeNoted) Attributes() map[string]string {
	return map[string]string{
		"scope": e.Scope,
		"id":    hex.EncodeToString(e.ID[:]),
		"kind":  e.Kind,
	}
}

// ChangeReleased is emitted when a noted mutation is consumed and applied.
type ChangeReleased struct {
	Scope string
	ID    [32]byte
	Kind  string
}

func (ChangeReleased) EventType() string { return TypeChangeReleased }

func (e ChangeReleased) Attributes() map[string]string {
	return map[string]string{
		"scope": e.Scope,
		"id":    hex.EncodeToString(e.ID[:]),
		"kind":  e.Kind,
	}
}

// PolicyUpdated is emitted after a write-off policy replacement took effect.
type PolicyUpdated struct {
	Pool  string
	Rules int
}

func (PolicyUpdated) EventType() string { return TypePolicyUpdated }

func (e PolicyUpdated) Attributes() map[string]string {
	return map[string]string{
		"pool":  e.Pool,
		"rules": strconv.Itoa(e.Rules),
	}
}
