package loans

import (
	"testing"

	"github.com/holiman/uint256"

	"loanledger/native/interest"
)

func pct(hundredths uint64) Perquintill {
	return Perquintill(hundredths * (uint64(PerquintillOne) / 100))
}

func TestEvaluateWriteOffPicksMostSevere(t *testing.T) {
	policy := WriteOffPolicy{
		{Trigger: WriteOffTrigger{Kind: TriggerOverdueBy, Threshold: 10}, Status: WriteOffStatus{Percentage: pct(20)}},
		{Trigger: WriteOffTrigger{Kind: TriggerOverdueBy, Threshold: 30}, Status: WriteOffStatus{Percentage: pct(50)}},
	}
	status, ok := EvaluateWriteOff(policy, DistressSignals{HasOverdue: true, OverdueSeconds: 40})
	if !ok {
		t.Fatalf("expected a matching rule")
	}
	if status.Percentage != pct(50) {
		t.Fatalf("expected the harsher rule to win, got %d", status.Percentage)
	}
}

func TestEvaluateWriteOffTieBreaksOnDeclarationOrder(t *testing.T) {
	first := WriteOffStatus{Percentage: pct(30), Penalty: uint256.NewInt(7)}
	second := WriteOffStatus{Percentage: pct(30), Penalty: uint256.NewInt(9)}
	policy := WriteOffPolicy{
		{Trigger: WriteOffTrigger{Kind: TriggerOverdueBy, Threshold: 5}, Status: first},
		{Trigger: WriteOffTrigger{Kind: TriggerOverdueBy, Threshold: 5}, Status: second},
	}
	status, ok := EvaluateWriteOff(policy, DistressSignals{HasOverdue: true, OverdueSeconds: 10})
	if !ok {
		t.Fatalf("expected a matching rule")
	}
	if status.Penalty.Uint64() != 7 {
		t.Fatalf("tie must resolve to the first declared rule, got penalty %s", status.Penalty.Dec())
	}
}

func TestEvaluateWriteOffNoMatch(t *testing.T) {
	policy := WriteOffPolicy{
		{Trigger: WriteOffTrigger{Kind: TriggerOverdueBy, Threshold: 100}, Status: WriteOffStatus{Percentage: pct(10)}},
	}
	if _, ok := EvaluateWriteOff(policy, DistressSignals{HasOverdue: true, OverdueSeconds: 99}); ok {
		t.Fatalf("threshold not reached, expected no match")
	}
	if _, ok := EvaluateWriteOff(policy, DistressSignals{}); ok {
		t.Fatalf("absent signal must not match")
	}
}

func TestEvaluateWriteOffMixedTriggers(t *testing.T) {
	policy := WriteOffPolicy{
		{Trigger: WriteOffTrigger{Kind: TriggerOverdueBy, Threshold: 60}, Status: WriteOffStatus{Percentage: pct(25)}},
		{Trigger: WriteOffTrigger{Kind: TriggerPriceOutdatedBy, Threshold: 120}, Status: WriteOffStatus{Percentage: pct(75)}},
	}
	status, ok := EvaluateWriteOff(policy, DistressSignals{
		HasOverdue: true, OverdueSeconds: 90,
		HasPriceAge: true, PriceAge: 300,
	})
	if !ok || status.Percentage != pct(75) {
		t.Fatalf("expected the stale-price rule to win, got %+v ok=%v", status, ok)
	}
}

func TestWriteOffPolicyValidate(t *testing.T) {
	good := WriteOffPolicy{
		{Trigger: WriteOffTrigger{Kind: TriggerOverdueBy, Threshold: 60}, Status: WriteOffStatus{Percentage: pct(25), Penalty: uint256.NewInt(1_000)}},
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid policy rejected: %v", err)
	}

	badPct := WriteOffPolicy{
		{Trigger: WriteOffTrigger{Kind: TriggerOverdueBy, Threshold: 60}, Status: WriteOffStatus{Percentage: PerquintillOne + 1}},
	}
	if err := badPct.Validate(); err == nil {
		t.Fatalf("percentage above one must be rejected")
	}

	badPenalty := WriteOffPolicy{
		{Trigger: WriteOffTrigger{Kind: TriggerOverdueBy, Threshold: 60}, Status: WriteOffStatus{Percentage: pct(10), Penalty: interest.Ray()}},
	}
	if err := badPenalty.Validate(); err == nil {
		t.Fatalf("penalty doubling the rate must be rejected")
	}

	badTrigger := WriteOffPolicy{{Status: WriteOffStatus{Percentage: pct(10)}}}
	if err := badTrigger.Validate(); err == nil {
		t.Fatalf("unknown trigger must be rejected")
	}
}
