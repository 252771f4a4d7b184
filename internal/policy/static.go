package policy

import (
	"fmt"
	"sync/atomic"

	"github.com/ppiankov/toolgate/internal/audit"
	"github.com/ppiankov/toolgate/internal/model"
	"github.com/ppiankov/toolgate/internal/token"
)

// Recorder receives the audit entry each standalone evaluation appends.
type Recorder interface {
	Record(entry *audit.AuditEntry) error
}

type state struct {
	policy *SecurityPolicy
	hash   string
}

// Engine is the deterministic policy engine. The active table is swapped
// atomically on reload, so in-flight evaluations always see one
// consistent policy.
type Engine struct {
	state  atomic.Pointer[state]
	tokens *token.Manager
	rec    Recorder
}

// NewEngine creates an engine over a policy table. tokens may be nil when
// the engine is used purely for dry-run checks; rec may be nil when the
// caller owns auditing (the kernel writes its own decision entries).
func NewEngine(pol *SecurityPolicy, hash string, tokens *token.Manager, rec Recorder) *Engine {
	e := &Engine{tokens: tokens, rec: rec}
	e.Reload(pol, hash)
	return e
}

// Reload atomically swaps the active policy table.
func (e *Engine) Reload(pol *SecurityPolicy, hash string) {
	if pol == nil {
		pol = DefaultPolicy()
	}
	e.state.Store(&state{policy: pol, hash: hash})
}

// Policy returns the active policy table.
func (e *Engine) Policy() *SecurityPolicy {
	return e.state.Load().policy
}

// PolicyHash returns the hash of the active policy table.
func (e *Engine) PolicyHash() string {
	return e.state.Load().hash
}

// EvaluateIntent runs the deterministic table checks for one intent.
// Pure: no token is minted and no audit entry is written.
//
// Evaluation order (must not be changed):
//  1. Risk ceiling — intent risk above the action type's max_risk denies
//  2. Per-type dispatch — deny wins over allow within each table
//  3. Sanitization — requires_sanitization turns ALLOW into SANITIZE
func (e *Engine) EvaluateIntent(intent *model.ActionIntent) model.PolicyResult {
	pol := e.Policy().For(intent.Type)

	// Step 1: risk ceiling
	if model.RiskRank[intent.Risk] > model.RiskRank[pol.MaxRisk] {
		return model.PolicyResult{
			Decision: model.Deny,
			Reason:   model.ReasonRiskCeiling,
			Detail:   fmt.Sprintf("risk %s exceeds %s ceiling for %s", intent.Risk, pol.MaxRisk, intent.Type),
			PolicyID: "risk.ceiling",
		}
	}

	// Step 2: per-type dispatch
	res := dispatch(intent, pol)
	if res.Decision != model.Allow {
		return res
	}
	res.Capabilities = []string{token.Capability(intent.Type)}

	// Step 3: sanitization
	if pol.RequiresSanitization || intent.WantsSanitize() {
		res.Decision = model.Sanitize
		// The obligation travels on the minted token so the runner
		// applies the hook even when the intent did not ask for it.
		res.Constraints = append(res.Constraints, model.Constraint{
			Type: model.ConstraintNote,
			Note: "sanitize",
		})
	}
	return res
}

// Decide is the audited standalone evaluation used by dry-run checks:
// EvaluateIntent plus a token mint on ALLOW/SANITIZE plus one audit
// entry per call.
func (e *Engine) Decide(intent *model.ActionIntent) model.PolicyResult {
	res := e.EvaluateIntent(intent)

	if res.Decision.Actionable() && e.tokens != nil {
		tok, err := e.MintFor(intent, res.Constraints)
		if err != nil {
			res = model.PolicyResult{
				Decision: model.Deny,
				Reason:   model.ReasonSystemError,
				Detail:   fmt.Sprintf("token mint failed: %v", err),
				PolicyID: "token.mint_failed",
			}
		} else {
			res.TokenID = tok.ID
		}
	}

	if e.rec != nil {
		entry := &audit.AuditEntry{
			Event:      audit.EventDecision,
			IntentID:   intent.ID,
			AgentID:    intent.AgentID,
			SessionID:  intent.SessionID,
			Action:     audit.AuditAction{Type: intent.Type, Target: intent.Target},
			Decision:   res.Decision,
			Reason:     res.Reason,
			Result:     res.Detail,
			Risk:       intent.Risk,
			TokenID:    res.TokenID,
			PolicyHash: e.PolicyHash(),
		}
		if err := e.rec.Record(entry); err != nil {
			// An unauditable allow must not stand.
			if res.Decision.Actionable() {
				if res.TokenID != "" {
					e.tokens.RevokeID(res.TokenID)
				}
				return model.PolicyResult{
					Decision: model.Deny,
					Reason:   model.ReasonSystemError,
					Detail:   fmt.Sprintf("audit record failed: %v", err),
					PolicyID: "audit.failed",
				}
			}
		}
	}
	return res
}

// MintFor mints the capability token for an allowed intent, using the
// scope and TTL table for its action type.
func (e *Engine) MintFor(intent *model.ActionIntent, constraints []model.Constraint) (*token.Token, error) {
	if e.tokens == nil {
		return nil, fmt.Errorf("no token manager configured")
	}
	scope, ttl, maxUses := token.GrantFor(intent.Type)
	return e.tokens.Mint(intent.AgentID, intent.Type, intent.Target, intent.ID, constraints, ttl, scope, maxUses)
}

func dispatch(intent *model.ActionIntent, pol *ActionPolicy) model.PolicyResult {
	switch intent.Type {
	case model.ActionReadFile, model.ActionWriteFile:
		return checkPath(intent.Target, pol)
	case model.ActionExecuteCommand:
		return checkCommand(intent.Target, pol)
	case model.ActionQueryDatabase:
		return checkQuery(intent.Target, pol)
	case model.ActionCallAPI:
		return checkDomain(intent.Target, pol)
	case model.ActionDelegateTask:
		return checkAgent(intent.Target, pol)
	case model.ActionSendMessage:
		return checkRecipient(intent.Target, pol)
	case model.ActionReadMemory, model.ActionWriteMemory, model.ActionSearchWeb:
		return tableDecision(intent.Type, pol)
	default:
		return model.PolicyResult{
			Decision: model.Deny,
			Reason:   model.ReasonValidation,
			Detail:   fmt.Sprintf("unknown action type %q", intent.Type),
			PolicyID: "type.unknown",
		}
	}
}
