package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActionIntent is the only unit the policy layer evaluates. Planners emit
// intents, never free text; anything that does not validate is rejected
// before any policy evaluation with a field-level reason.
type ActionIntent struct {
	ID        string     `json:"id"`
	Type      ActionType `json:"action_type"`
	Target    string     `json:"target"`
	Params    Params     `json:"-"`
	Rationale string     `json:"rationale,omitempty"`
	Risk      RiskLevel  `json:"risk_level"`
	AgentID   string     `json:"agent_id"`
	SessionID string     `json:"session_id"`
	Citations []Citation `json:"citations,omitempty"`
}

// NewIntent constructs an intent with a generated id. The target is
// derived from the params when empty so callers cannot desynchronize the
// two representations of the same value.
func NewIntent(agentID, sessionID string, p Params, risk RiskLevel) *ActionIntent {
	in := &ActionIntent{
		ID:        uuid.NewString(),
		Type:      p.ActionType(),
		Params:    p,
		Risk:      risk,
		AgentID:   agentID,
		SessionID: sessionID,
	}
	in.Target = TargetOf(p)
	return in
}

// TargetOf extracts the canonical target string for a parameter variant.
func TargetOf(p Params) string {
	switch v := p.(type) {
	case ReadFileParams:
		return v.Path
	case WriteFileParams:
		return v.Path
	case ExecuteCommandParams:
		return v.Command
	case QueryDatabaseParams:
		return v.Query
	case CallAPIParams:
		return v.URL
	case DelegateTaskParams:
		return v.TargetAgent
	case ReadMemoryParams:
		return v.Key
	case WriteMemoryParams:
		return v.Key
	case SearchWebParams:
		return v.Query
	case SendMessageParams:
		return v.Recipient
	default:
		return ""
	}
}

// intentWire is the JSON shape of an intent with raw parameters.
type intentWire struct {
	ID         string          `json:"id"`
	Type       ActionType      `json:"action_type"`
	Target     string          `json:"target"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Rationale  string          `json:"rationale,omitempty"`
	Risk       RiskLevel       `json:"risk_level"`
	AgentID    string          `json:"agent_id"`
	SessionID  string          `json:"session_id"`
	Citations  []Citation      `json:"citations,omitempty"`
}

// MarshalJSON emits the typed parameters under the "parameters" key.
func (in *ActionIntent) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if in.Params != nil {
		b, err := json.Marshal(in.Params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s parameters: %w", in.Type, err)
		}
		raw = b
	}
	return json.Marshal(intentWire{
		ID:         in.ID,
		Type:       in.Type,
		Target:     in.Target,
		Parameters: raw,
		Rationale:  in.Rationale,
		Risk:       in.Risk,
		AgentID:    in.AgentID,
		SessionID:  in.SessionID,
		Citations:  in.Citations,
	})
}

// UnmarshalJSON decodes parameters into the typed variant for the declared
// action type. A parameter block that does not decode is a validation
// failure, not a tolerated shape.
func (in *ActionIntent) UnmarshalJSON(data []byte) error {
	var w intentWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p, err := DecodeParams(w.Type, w.Parameters)
	if err != nil {
		return err
	}
	in.ID = w.ID
	in.Type = w.Type
	in.Target = w.Target
	in.Params = p
	in.Rationale = w.Rationale
	in.Risk = w.Risk
	in.AgentID = w.AgentID
	in.SessionID = w.SessionID
	in.Citations = w.Citations
	if in.Target == "" {
		in.Target = TargetOf(p)
	}
	return nil
}

// Validate checks the intent before any policy evaluation. Every failure
// names the offending field.
func (in *ActionIntent) Validate() error {
	if in.ID == "" {
		return fmt.Errorf("intent id is required")
	}
	if !ValidActionType(in.Type) {
		return fmt.Errorf("intent %s: unknown action type %q", in.ID, in.Type)
	}
	if in.AgentID == "" {
		return fmt.Errorf("intent %s: agent_id is required", in.ID)
	}
	if in.SessionID == "" {
		return fmt.Errorf("intent %s: session_id is required", in.ID)
	}
	if in.Risk == "" {
		in.Risk = RiskLow
	}
	if !ValidRiskLevel(in.Risk) {
		return fmt.Errorf("intent %s: unknown risk level %q", in.ID, in.Risk)
	}
	if in.Params == nil {
		return fmt.Errorf("intent %s: parameters are required", in.ID)
	}
	if in.Params.ActionType() != in.Type {
		return fmt.Errorf("intent %s: parameters are for %s, action type is %s",
			in.ID, in.Params.ActionType(), in.Type)
	}
	if err := in.Params.Validate(); err != nil {
		return fmt.Errorf("intent %s: %w", in.ID, err)
	}
	if in.Target == "" {
		return fmt.Errorf("intent %s: target is required", in.ID)
	}
	for i, c := range in.Citations {
		if c.SourceType != SourceUserRequest && c.SourceType != SourceEvidenceChunk {
			return fmt.Errorf("intent %s: citation %d: unknown source type %q", in.ID, i, c.SourceType)
		}
		if c.SourceID == "" {
			return fmt.Errorf("intent %s: citation %d: source_id is required", in.ID, i)
		}
		if !ValidTier(c.Tier) {
			return fmt.Errorf("intent %s: citation %d: unknown trust tier %q", in.ID, i, c.Tier)
		}
	}
	return nil
}

// WantsSanitize reports whether this intent's parameters request the
// sanitation hook.
func (in *ActionIntent) WantsSanitize() bool {
	return WantsSanitize(in.Params)
}

// BestCitationTier returns the most trusted tier among the citations, or
// false when the intent cites nothing.
func (in *ActionIntent) BestCitationTier() (TrustTier, bool) {
	if len(in.Citations) == 0 {
		return "", false
	}
	best := in.Citations[0].Tier
	for _, c := range in.Citations[1:] {
		if TierRank[c.Tier] < TierRank[best] {
			best = c.Tier
		}
	}
	return best, true
}

// OnlyUntrustedCitations reports whether the intent cites at least one
// source and every cited tier is T2 or T3. Side-effecting intents in this
// state are vetoed regardless of what any evaluator said.
func (in *ActionIntent) OnlyUntrustedCitations() bool {
	if len(in.Citations) == 0 {
		return false
	}
	for _, c := range in.Citations {
		if TierRank[c.Tier] < TierRank[TierUntrusted] {
			return false
		}
	}
	return true
}

// HasTrustedCitation reports whether any citation carries tier T0.
func (in *ActionIntent) HasTrustedCitation() bool {
	for _, c := range in.Citations {
		if c.Tier == TierTrusted {
			return true
		}
	}
	return false
}

// ActionBatch is the unit a planner submits: the verbatim trusted user
// request, boundary identity, and the proposed intents.
type ActionBatch struct {
	ID               string          `json:"id"`
	UserRequest      string          `json:"user_request"`
	Identity         Identity        `json:"identity"`
	Intents          []*ActionIntent `json:"intents"`
	EvidenceBundleID string          `json:"evidence_bundle_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// NewBatch constructs a batch with a generated id and timestamp.
func NewBatch(userRequest string, ident Identity, intents ...*ActionIntent) *ActionBatch {
	return &ActionBatch{
		ID:          uuid.NewString(),
		UserRequest: userRequest,
		Identity:    ident,
		Intents:     intents,
		CreatedAt:   time.Now().UTC(),
	}
}

// Validate checks batch shape and every member intent.
func (b *ActionBatch) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("batch id is required")
	}
	if len(b.Intents) == 0 {
		return fmt.Errorf("batch %s: at least one intent is required", b.ID)
	}
	if b.Identity.SessionID == "" {
		return fmt.Errorf("batch %s: identity session_id is required", b.ID)
	}
	for _, in := range b.Intents {
		if in == nil {
			return fmt.Errorf("batch %s: nil intent", b.ID)
		}
		if err := in.Validate(); err != nil {
			return fmt.Errorf("batch %s: %w", b.ID, err)
		}
		if in.SessionID != b.Identity.SessionID {
			return fmt.Errorf("batch %s: intent %s session %q does not match batch session %q",
				b.ID, in.ID, in.SessionID, b.Identity.SessionID)
		}
	}
	return nil
}
