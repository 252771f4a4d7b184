package model

import "time"

// TrustTier classifies content's right to issue instructions.
// Ordered by decreasing trust; the tier is always computed from origin and
// detector output, never self-declared by the content's source.
type TrustTier string

const (
	TierTrusted     TrustTier = "T0_Trusted"
	TierSemiTrusted TrustTier = "T1_SemiTrusted"
	TierUntrusted   TrustTier = "T2_Untrusted"
	TierHostile     TrustTier = "T3_Hostile"
)

// TierRank maps trust tiers to comparable integers. Higher means less
// trusted; escalation toward T3 is monotone and never reversed.
var TierRank = map[TrustTier]int{
	TierTrusted:     0,
	TierSemiTrusted: 1,
	TierUntrusted:   2,
	TierHostile:     3,
}

// ValidTier reports whether t is one of the four defined tiers.
func ValidTier(t TrustTier) bool {
	_, ok := TierRank[t]
	return ok
}

// WorstTier returns the less trusted of a and b.
func WorstTier(a, b TrustTier) TrustTier {
	if TierRank[b] > TierRank[a] {
		return b
	}
	return a
}

// Origin identifies where a piece of content entered the system.
type Origin string

const (
	OriginSystem     Origin = "system"
	OriginDeveloper  Origin = "developer"
	OriginUserChat   Origin = "user_chat"
	OriginUserAPI    Origin = "user_api"
	OriginDatabase   Origin = "database"
	OriginConfig     Origin = "config"
	OriginWeb        Origin = "web"
	OriginEmail      Origin = "email"
	OriginFile       Origin = "file"
	OriginToolOutput Origin = "tool_output"
	OriginAgent      Origin = "agent"
	OriginUnknown    Origin = "unknown"
)

// AllOrigins lists every defined origin.
var AllOrigins = []Origin{
	OriginSystem, OriginDeveloper, OriginUserChat, OriginUserAPI,
	OriginDatabase, OriginConfig, OriginWeb, OriginEmail,
	OriginFile, OriginToolOutput, OriginAgent, OriginUnknown,
}

// ValidOrigin reports whether o is one of the defined origins.
func ValidOrigin(o Origin) bool {
	for _, known := range AllOrigins {
		if o == known {
			return true
		}
	}
	return false
}

// AuthStrength describes how strongly the requesting user authenticated.
type AuthStrength string

const (
	AuthNone     AuthStrength = "none"
	AuthPassword AuthStrength = "password"
	AuthToken    AuthStrength = "token"
	AuthMFA      AuthStrength = "mfa"
)

// Identity is attached once at the system boundary and never mutated
// downstream. All fields are value-copied; nothing exposes a setter.
type Identity struct {
	UserID    string       `json:"user_id"`
	OrgID     string       `json:"org_id,omitempty"`
	SessionID string       `json:"session_id"`
	Origin    Origin       `json:"origin"`
	Auth      AuthStrength `json:"auth_strength"`
	Scopes    []string     `json:"scopes,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// ActionType enumerates every operation an agent may propose.
type ActionType string

const (
	ActionReadFile       ActionType = "read_file"
	ActionWriteFile      ActionType = "write_file"
	ActionExecuteCommand ActionType = "execute_command"
	ActionQueryDatabase  ActionType = "query_database"
	ActionCallAPI        ActionType = "call_api"
	ActionDelegateTask   ActionType = "delegate_task"
	ActionReadMemory     ActionType = "read_memory"
	ActionWriteMemory    ActionType = "write_memory"
	ActionSearchWeb      ActionType = "search_web"
	ActionSendMessage    ActionType = "send_message"
)

// AllActionTypes lists every action type in declaration order.
var AllActionTypes = []ActionType{
	ActionReadFile,
	ActionWriteFile,
	ActionExecuteCommand,
	ActionQueryDatabase,
	ActionCallAPI,
	ActionDelegateTask,
	ActionReadMemory,
	ActionWriteMemory,
	ActionSearchWeb,
	ActionSendMessage,
}

// ValidActionType reports whether t is a defined action type.
func ValidActionType(t ActionType) bool {
	for _, a := range AllActionTypes {
		if a == t {
			return true
		}
	}
	return false
}

// SideEffecting reports whether the action type can change state outside
// the agent or transmit data externally. Intents of these types supported
// only by untrusted evidence must never reach a tool.
func SideEffecting(t ActionType) bool {
	switch t {
	case ActionWriteFile, ActionExecuteCommand, ActionCallAPI, ActionSendMessage:
		return true
	default:
		return false
	}
}

// ReadType reports whether the action type only reads local state. The
// conservative fallback evaluator permits nothing else.
func ReadType(t ActionType) bool {
	return t == ActionReadFile || t == ActionReadMemory
}

// RiskLevel grades an intent's declared or assessed risk.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskRank maps risk levels to comparable integers for ceiling checks.
var RiskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// ValidRiskLevel reports whether r is a defined risk level.
func ValidRiskLevel(r RiskLevel) bool {
	_, ok := RiskRank[r]
	return ok
}

// WorstRisk returns the higher of a and b.
func WorstRisk(a, b RiskLevel) RiskLevel {
	if RiskRank[b] > RiskRank[a] {
		return b
	}
	return a
}

// Decision is a policy evaluation outcome.
type Decision string

const (
	Allow                Decision = "allow"
	Deny                 Decision = "deny"
	AllowWithConstraints Decision = "allow_with_constraints"
	RequireConfirmation  Decision = "require_confirmation"
	Escalate             Decision = "escalate"
	Sanitize             Decision = "sanitize"
)

// ValidDecision reports whether d is a defined outcome.
func ValidDecision(d Decision) bool {
	switch d {
	case Allow, Deny, AllowWithConstraints, RequireConfirmation, Escalate, Sanitize:
		return true
	default:
		return false
	}
}

// Actionable reports whether the outcome permits execution (with or
// without conditions). Everything else blocks.
func (d Decision) Actionable() bool {
	switch d {
	case Allow, AllowWithConstraints, Sanitize:
		return true
	default:
		return false
	}
}

// ParseDecision converts a string to a Decision. Unknown values fail closed
// to Deny so a typo in config or evaluator output can never widen access.
func ParseDecision(s string) Decision {
	d := Decision(s)
	if ValidDecision(d) {
		return d
	}
	return Deny
}

// ReasonCategory is the machine-readable classification of a denial,
// escalation, or failure. Human-readable detail travels alongside it.
type ReasonCategory string

const (
	ReasonPolicyViolation   ReasonCategory = "policy_violation"
	ReasonRiskCeiling       ReasonCategory = "risk_ceiling"
	ReasonUntrustedEvidence ReasonCategory = "untrusted_evidence"
	ReasonToolRisk          ReasonCategory = "tool_risk"
	ReasonHardRule          ReasonCategory = "hard_rule_violation"
	ReasonSystemError       ReasonCategory = "system_error"
	ReasonValidation        ReasonCategory = "validation_error"
	ReasonConfirmation      ReasonCategory = "confirmation_required"
)

// SourceType names what a citation points at. Citations never carry the
// cited content itself, only its identity and trust tier.
type SourceType string

const (
	SourceUserRequest   SourceType = "user_request"
	SourceEvidenceChunk SourceType = "evidence_chunk"
)

// Citation links an intent to the content that justifies it.
type Citation struct {
	SourceType SourceType `json:"source_type"`
	SourceID   string     `json:"source_id"`
	Tier       TrustTier  `json:"trust_tier"`
}

// TokenScope bounds how many times a capability token may be consumed.
type TokenScope string

const (
	ScopeSingleUse TokenScope = "single_use"
	ScopeSession   TokenScope = "session"
	ScopePermanent TokenScope = "permanent"
)
