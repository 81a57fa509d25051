package core

import (
	"errors"
	"fmt"
	"os"

	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"loanledger/native/interest"
	"loanledger/native/loans"
)

// Policy bundles let operators keep a pool's write-off rules in a reviewable
// YAML file. The bundle is only a transport shape: installing it still runs
// through the change guard like any other policy update.
type policyBundle struct {
	Rules []policyBundleRule `yaml:"rules"`
}

type policyBundleRule struct {
	Trigger              string `yaml:"trigger"`
	ThresholdSeconds     int64  `yaml:"threshold_seconds"`
	WriteOffPercent      uint64 `yaml:"write_off_percent"`
	PenaltyAnnualPercent uint64 `yaml:"penalty_annual_percent"`
}

const (
	triggerOverdueBy       = "overdue-by"
	triggerPriceOutdatedBy = "price-outdated-by"
)

var (
	errUnknownTrigger  = errors.New("core: unknown write-off trigger")
	errPercentTooLarge = errors.New("core: write-off percent above 100")
)

// LoadPolicyBundle reads a YAML write-off policy bundle and converts it into
// the ordered rule set the loans engine evaluates.
func LoadPolicyBundle(path string) (loans.WriteOffPolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var bundle policyBundle
	if err := yaml.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("core: parse policy bundle %s: %w", path, err)
	}
	policy := make(loans.WriteOffPolicy, 0, len(bundle.Rules))
	for i, rule := range bundle.Rules {
		converted, err := rule.convert()
		if err != nil {
			return nil, fmt.Errorf("core: policy bundle rule %d: %w", i, err)
		}
		policy = append(policy, converted)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return policy, nil
}

func (r policyBundleRule) convert() (loans.WriteOffRule, error) {
	var out loans.WriteOffRule
	switch r.Trigger {
	case triggerOverdueBy:
		out.Trigger.Kind = loans.TriggerOverdueBy
	case triggerPriceOutdatedBy:
		out.Trigger.Kind = loans.TriggerPriceOutdatedBy
	default:
		return out, fmt.Errorf("%w: %q", errUnknownTrigger, r.Trigger)
	}
	out.Trigger.Threshold = r.ThresholdSeconds
	if r.WriteOffPercent > 100 {
		return out, fmt.Errorf("%w: %d", errPercentTooLarge, r.WriteOffPercent)
	}
	out.Status.Percentage = loans.Perquintill(r.WriteOffPercent * (uint64(loans.PerquintillOne) / 100))
	out.Status.Penalty = uint256.NewInt(0)
	if r.PenaltyAnnualPercent > 0 {
		annual := new(uint256.Int).Mul(interest.Ray(), uint256.NewInt(100+r.PenaltyAnnualPercent))
		annual.Div(annual, uint256.NewInt(100))
		perSecond, err := interest.RatePerSecondForAnnual(annual)
		if err != nil {
			return out, err
		}
		out.Status.Penalty = new(uint256.Int).Sub(perSecond, interest.Ray())
	}
	return out, nil
}

// NotePolicyBundle loads a bundle file and proposes it through the change
// guard. The returned identifier releases via ApplyPolicyUpdate.
func (l *Ledger) NotePolicyBundle(caller [20]byte, path string) ([32]byte, error) {
	policy, err := LoadPolicyBundle(path)
	if err != nil {
		l.record("policy.bundle", err)
		return [32]byte{}, err
	}
	return l.NotePolicyUpdate(caller, policy)
}
