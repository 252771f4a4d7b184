package model

// ConstraintType names a typed execution constraint attached to an
// allowed action.
type ConstraintType string

const (
	ConstraintDomainAllowlist ConstraintType = "domain_allowlist"
	ConstraintMaxBytes        ConstraintType = "max_bytes"
	ConstraintRateLimit       ConstraintType = "rate_limit"
	ConstraintMaxAmount       ConstraintType = "max_amount"
	ConstraintReadOnly        ConstraintType = "read_only"
	ConstraintNote            ConstraintType = "note"
)

// Constraint carries one typed restriction. Only the field matching the
// type is populated; the rest stay at their zero values.
type Constraint struct {
	Type    ConstraintType `json:"type"`
	Domains []string       `json:"domains,omitempty"`
	Limit   int64          `json:"limit,omitempty"`
	Amount  float64        `json:"amount,omitempty"`
	Note    string         `json:"note,omitempty"`
}

// AllowedAction names an intent the decision permits, with constraints.
type AllowedAction struct {
	IntentID    string       `json:"intent_id"`
	Constraints []Constraint `json:"constraints,omitempty"`
}

// DeniedAction names an intent the decision rejects, with a machine-
// readable category and a human-readable detail.
type DeniedAction struct {
	IntentID string         `json:"intent_id"`
	Reason   ReasonCategory `json:"reason"`
	Detail   string         `json:"detail,omitempty"`
}

// PolicyResult is the deterministic engine's verdict for one intent.
type PolicyResult struct {
	Decision     Decision       `json:"decision"`
	Reason       ReasonCategory `json:"reason,omitempty"`
	Detail       string         `json:"detail,omitempty"`
	PolicyID     string         `json:"policy_id,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Constraints  []Constraint   `json:"constraints,omitempty"`
	TokenID      string         `json:"token_id,omitempty"`
}

// Blocked reports whether the result stops the intent before the
// semantic stage.
func (r PolicyResult) Blocked() bool {
	return r.Decision == Deny || r.Decision == Escalate
}

// EnhancedPolicyDecision is the canonical decision schema: produced by the
// semantic evaluator (parsed strictly from JSON), by the conservative
// fallback, and rewritten by hard-rule enforcement. A decision is
// immutable once audited; corrections are new decisions.
type EnhancedPolicyDecision struct {
	Decision             Decision        `json:"decision"`
	RiskLevel            RiskLevel       `json:"risk_level"`
	Reasons              []string        `json:"reasons"`
	AllowedActions       []AllowedAction `json:"allowed_actions"`
	DeniedActions        []DeniedAction  `json:"denied_actions"`
	RequiredUserPrompts  []string        `json:"required_user_prompts,omitempty"`
	SafeResponseGuidance string          `json:"safe_response_guidance,omitempty"`
	Source               string          `json:"source,omitempty"`
}

// Decision sources recorded on EnhancedPolicyDecision.
const (
	DecisionSourceSemantic      = "semantic"
	DecisionSourceFallback      = "fallback"
	DecisionSourceDeterministic = "deterministic"
)

// Clone returns a deep copy. Hard-rule enforcement mutates the copy and
// leaves the audited original untouched.
func (d EnhancedPolicyDecision) Clone() EnhancedPolicyDecision {
	out := d
	out.Reasons = append([]string(nil), d.Reasons...)
	out.RequiredUserPrompts = append([]string(nil), d.RequiredUserPrompts...)
	out.AllowedActions = make([]AllowedAction, len(d.AllowedActions))
	for i, a := range d.AllowedActions {
		out.AllowedActions[i] = AllowedAction{
			IntentID:    a.IntentID,
			Constraints: append([]Constraint(nil), a.Constraints...),
		}
	}
	out.DeniedActions = append([]DeniedAction(nil), d.DeniedActions...)
	return out
}

// Allows reports whether the decision permits the given intent id.
func (d EnhancedPolicyDecision) Allows(intentID string) bool {
	for _, a := range d.AllowedActions {
		if a.IntentID == intentID {
			return true
		}
	}
	return false
}

// ConstraintsFor returns the constraints attached to an allowed intent.
func (d EnhancedPolicyDecision) ConstraintsFor(intentID string) []Constraint {
	for _, a := range d.AllowedActions {
		if a.IntentID == intentID {
			return a.Constraints
		}
	}
	return nil
}

// DenialFor returns the denial record for an intent id, if present.
func (d EnhancedPolicyDecision) DenialFor(intentID string) (DeniedAction, bool) {
	for _, den := range d.DeniedActions {
		if den.IntentID == intentID {
			return den, true
		}
	}
	return DeniedAction{}, false
}
