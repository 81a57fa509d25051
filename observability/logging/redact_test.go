package logging

import "testing"

func TestMaskFieldRedactsNonAllowlistedKeys(t *testing.T) {
	masked := MaskField("borrower", "0102030405060708090a0b0c0d0e0f1011121314")
	if masked.Value.String() != RedactedValue {
		t.Fatalf("borrower must be redacted, got %q", masked.Value.String())
	}
	open := MaskField("pool", "pool-1")
	if open.Value.String() != "pool-1" {
		t.Fatalf("allowlisted key must pass through, got %q", open.Value.String())
	}
	empty := MaskField("borrower", "")
	if empty.Value.String() != "" {
		t.Fatalf("empty values stay empty, got %q", empty.Value.String())
	}
}

func TestIsAllowlistedIgnoresCase(t *testing.T) {
	if !IsAllowlisted("LoanId") {
		t.Fatalf("allowlist lookup must be case insensitive")
	}
	if IsAllowlisted("borrower") {
		t.Fatalf("borrower must not be allowlisted")
	}
}

func TestRedactionAllowlistKeepsIdentifiersMasked(t *testing.T) {
	for _, key := range RedactionAllowlist() {
		if key == "borrower" || key == "caller" {
			t.Fatalf("account identifier %q leaked into the allowlist", key)
		}
	}
}
