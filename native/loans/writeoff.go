package loans

import (
	"errors"

	"github.com/holiman/uint256"

	"loanledger/native/interest"
)

// TriggerKind names the distress signal a write-off rule watches.
type TriggerKind uint8

const (
	// TriggerOverdueBy fires once the loan has been past maturity for at
	// least the threshold number of seconds.
	TriggerOverdueBy TriggerKind = iota + 1
	// TriggerPriceOutdatedBy fires once the newest oracle price is at least
	// the threshold number of seconds old.
	TriggerPriceOutdatedBy
)

// WriteOffTrigger pairs a signal with its threshold in seconds.
type WriteOffTrigger struct {
	Kind      TriggerKind
	Threshold int64
}

// WriteOffStatus is the outcome a matching rule applies to a loan.
type WriteOffStatus struct {
	// Percentage marks down the loan valuation.
	Percentage Perquintill
	// Penalty is a ray-scaled per-second rate increment layered on top of
	// the loan's base rate.
	Penalty *uint256.Int
}

// Clone returns a deep copy.
func (s WriteOffStatus) Clone() WriteOffStatus {
	clone := WriteOffStatus{Percentage: s.Percentage}
	if s.Penalty != nil {
		clone.Penalty = s.Penalty.Clone()
	} else {
		clone.Penalty = uint256.NewInt(0)
	}
	return clone
}

// penalty returns the increment, defaulting to zero.
func (s WriteOffStatus) penalty() *uint256.Int {
	if s.Penalty == nil {
		return uint256.NewInt(0)
	}
	return s.Penalty
}

// WriteOffRule ties a trigger to the status it imposes.
type WriteOffRule struct {
	Trigger WriteOffTrigger
	Status  WriteOffStatus
}

// WriteOffPolicy is the ordered rule set of a pool. Order matters only for
// tie-breaking: the most severe matching percentage always wins, ties go to
// the earliest rule.
type WriteOffPolicy []WriteOffRule

var errInvalidWriteOffRule = errors.New("loans: invalid write-off rule")

// Validate checks every rule for representable percentages and penalties. The
// penalty must leave room in the per-second rate range even when stacked on a
// maximal base rate step, so a rule can never push a bucket rate out of the
// validated interval by itself.
func (p WriteOffPolicy) Validate() error {
	for _, rule := range p {
		switch rule.Trigger.Kind {
		case TriggerOverdueBy, TriggerPriceOutdatedBy:
		default:
			return errInvalidWriteOffRule
		}
		if rule.Trigger.Threshold < 0 {
			return errInvalidWriteOffRule
		}
		if !rule.Status.Percentage.Valid() {
			return errInvalidWriteOffRule
		}
		penalty := rule.Status.penalty()
		if !penalty.IsZero() {
			shifted := new(uint256.Int).Add(interest.Ray(), penalty)
			if err := interest.ValidateRate(shifted); err != nil {
				return errInvalidWriteOffRule
			}
		}
	}
	return nil
}

// DistressSignals carries the observable inputs to policy evaluation. A
// signal that cannot be observed (no maturity passed, no oracle feed) is
// absent rather than zero.
type DistressSignals struct {
	HasOverdue     bool
	OverdueSeconds int64
	HasPriceAge    bool
	PriceAge       int64
}

func (r WriteOffRule) matches(signals DistressSignals) bool {
	switch r.Trigger.Kind {
	case TriggerOverdueBy:
		return signals.HasOverdue && signals.OverdueSeconds >= r.Trigger.Threshold
	case TriggerPriceOutdatedBy:
		return signals.HasPriceAge && signals.PriceAge >= r.Trigger.Threshold
	default:
		return false
	}
}

// EvaluateWriteOff selects the applicable status for the given signals. Among
// all matching rules the one with the largest write-off percentage wins, so a
// later harsher rule is never shadowed by an earlier mild one; equal
// percentages resolve to the first declared rule. The second return is false
// when no rule matches.
func EvaluateWriteOff(policy WriteOffPolicy, signals DistressSignals) (WriteOffStatus, bool) {
	var best WriteOffStatus
	found := false
	for _, rule := range policy {
		if !rule.matches(signals) {
			continue
		}
		if !found || rule.Status.Percentage > best.Percentage {
			best = rule.Status.Clone()
			found = true
		}
	}
	return best, found
}
