package model

import "testing"

func TestWorstTier(t *testing.T) {
	tests := []struct {
		a, b, want TrustTier
	}{
		{TierTrusted, TierTrusted, TierTrusted},
		{TierTrusted, TierHostile, TierHostile},
		{TierHostile, TierTrusted, TierHostile},
		{TierSemiTrusted, TierUntrusted, TierUntrusted},
		{TierUntrusted, TierSemiTrusted, TierUntrusted},
	}

	for _, tt := range tests {
		if got := WorstTier(tt.a, tt.b); got != tt.want {
			t.Errorf("WorstTier(%s, %s) = %s, want %s", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSideEffecting(t *testing.T) {
	sideEffecting := map[ActionType]bool{
		ActionWriteFile:      true,
		ActionExecuteCommand: true,
		ActionCallAPI:        true,
		ActionSendMessage:    true,
	}

	for _, at := range AllActionTypes {
		if got := SideEffecting(at); got != sideEffecting[at] {
			t.Errorf("SideEffecting(%s) = %v, want %v", at, got, sideEffecting[at])
		}
	}
}

func TestReadType(t *testing.T) {
	for _, at := range AllActionTypes {
		want := at == ActionReadFile || at == ActionReadMemory
		if got := ReadType(at); got != want {
			t.Errorf("ReadType(%s) = %v, want %v", at, got, want)
		}
	}
}

func TestParseDecisionFailsClosed(t *testing.T) {
	tests := []struct {
		in   string
		want Decision
	}{
		{"allow", Allow},
		{"deny", Deny},
		{"allow_with_constraints", AllowWithConstraints},
		{"require_confirmation", RequireConfirmation},
		{"escalate", Escalate},
		{"sanitize", Sanitize},
		{"ALLOW", Deny},
		{"permit", Deny},
		{"", Deny},
		{"allow ", Deny},
	}

	for _, tt := range tests {
		if got := ParseDecision(tt.in); got != tt.want {
			t.Errorf("ParseDecision(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestDecisionActionable(t *testing.T) {
	tests := []struct {
		d    Decision
		want bool
	}{
		{Allow, true},
		{AllowWithConstraints, true},
		{Sanitize, true},
		{Deny, false},
		{RequireConfirmation, false},
		{Escalate, false},
	}

	for _, tt := range tests {
		if got := tt.d.Actionable(); got != tt.want {
			t.Errorf("%s.Actionable() = %v, want %v", tt.d, got, tt.want)
		}
	}
}

func TestWorstRisk(t *testing.T) {
	if got := WorstRisk(RiskLow, RiskCritical); got != RiskCritical {
		t.Errorf("WorstRisk(low, critical) = %s, want critical", got)
	}
	if got := WorstRisk(RiskHigh, RiskMedium); got != RiskHigh {
		t.Errorf("WorstRisk(high, medium) = %s, want high", got)
	}
}
