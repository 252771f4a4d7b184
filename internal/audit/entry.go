package audit

import "github.com/ppiankov/toolgate/internal/model"

// Event classifies an audit entry.
type Event string

// Entries for one intent appear in pipeline order: intent, then decision,
// then execution. Token issuance is recorded on the decision entry via
// TokenID; only revocation stands alone.
const (
	EventIntent         Event = "intent"
	EventDecision       Event = "decision"
	EventExecution      Event = "execution"
	EventEvidenceAccess Event = "evidence_access"
	EventTokenRevoked   Event = "token_revoked"
	EventConfirmation   Event = "confirmation"
	EventEscalation     Event = "escalation"
)

// AuditAction is the flattened action recorded in each audit entry.
type AuditAction struct {
	Type   model.ActionType `json:"type,omitempty"`
	Target string           `json:"target,omitempty"`
}

// AuditEntry is one line in the hash-chained JSONL audit log.
// All fields are structs (no map[string]any) to guarantee deterministic
// json.Marshal field order for reproducible hashing. Entries are never
// mutated after Record; corrections are new entries.
type AuditEntry struct {
	Timestamp  string               `json:"ts"`
	Event      Event                `json:"event"`
	BatchID    string               `json:"batch_id,omitempty"`
	IntentID   string               `json:"intent_id,omitempty"`
	DecisionID string               `json:"decision_id,omitempty"`
	TokenID    string               `json:"token_id,omitempty"`
	AgentID    string               `json:"agent_id,omitempty"`
	SessionID  string               `json:"session_id,omitempty"`
	Action     AuditAction          `json:"action,omitzero"`
	Decision   model.Decision       `json:"decision,omitempty"`
	Reason     model.ReasonCategory `json:"reason,omitempty"`
	Result     string               `json:"result,omitempty"`
	Risk       model.RiskLevel      `json:"risk,omitempty"`
	Flagged    bool                 `json:"flagged,omitempty"`
	FlagReason string               `json:"flag_reason,omitempty"`
	PolicyHash string               `json:"policy_hash,omitempty"`
	PrevHash   string               `json:"prev_hash"`
}
