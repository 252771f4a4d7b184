// Package kernel wires the decision pipeline end to end: intent
// validation, trust classification, the deterministic policy engine, the
// semantic evaluator, hard-rule enforcement, capability minting, and the
// audit trail. ProcessBatch is the only door a planner knocks on;
// Execute redeems a minted token through the runner.
package kernel

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ppiankov/toolgate/internal/alert"
	"github.com/ppiankov/toolgate/internal/audit"
	"github.com/ppiankov/toolgate/internal/confirm"
	"github.com/ppiankov/toolgate/internal/escalate"
	"github.com/ppiankov/toolgate/internal/evidence"
	"github.com/ppiankov/toolgate/internal/identity"
	"github.com/ppiankov/toolgate/internal/model"
	"github.com/ppiankov/toolgate/internal/policy"
	"github.com/ppiankov/toolgate/internal/rules"
	"github.com/ppiankov/toolgate/internal/runner"
	"github.com/ppiankov/toolgate/internal/semantic"
	"github.com/ppiankov/toolgate/internal/token"
	"github.com/ppiankov/toolgate/internal/trust"
)

// Config assembles a kernel. Engine, Tokens, and Log are required; every
// other component degrades to a safe absence (a nil Evaluator becomes the
// conservative fallback, a nil Registry skips agent checks, a nil Runner
// rejects Execute).
type Config struct {
	Registry     *identity.Registry
	Engine       *policy.Engine
	Evaluator    *semantic.Evaluator
	Tokens       *token.Manager
	Runner       *runner.Runner
	Log          *audit.Log
	Confirms     *confirm.Store
	Alerts       *alert.Dispatcher
	Escalations  *escalate.Outbox
	Evidence     *evidence.Store
	SessionQuota int
}

// Kernel is the security kernel. All fields are set at construction and
// never replaced; sessions is the only mutable state.
type Kernel struct {
	registry    *identity.Registry
	engine      *policy.Engine
	evaluator   *semantic.Evaluator
	tokens      *token.Manager
	runner      *runner.Runner
	log         *audit.Log
	confirms    *confirm.Store
	alerts      *alert.Dispatcher
	escalations *escalate.Outbox
	evidence    *evidence.Store
	sessions    sync.Map
	quota       int
}

// New validates the configuration and returns a ready kernel.
func New(cfg Config) (*Kernel, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("kernel: policy engine is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("kernel: token manager is required")
	}
	if cfg.Log == nil {
		return nil, fmt.Errorf("kernel: audit log is required")
	}
	ev := cfg.Evaluator
	if ev == nil {
		engine := cfg.Engine
		ev = semantic.New(semantic.Config{
			Ceiling: func(t model.ActionType) model.RiskLevel {
				return engine.Policy().For(t).MaxRisk
			},
		})
	}
	quota := cfg.SessionQuota
	if quota <= 0 {
		quota = DefaultSessionQuota
	}
	return &Kernel{
		registry:    cfg.Registry,
		engine:      cfg.Engine,
		evaluator:   ev,
		tokens:      cfg.Tokens,
		runner:      cfg.Runner,
		log:         cfg.Log,
		confirms:    cfg.Confirms,
		alerts:      cfg.Alerts,
		escalations: cfg.Escalations,
		evidence:    cfg.Evidence,
		quota:       quota,
	}, nil
}

// IntentOutcome is the per-intent verdict a planner receives.
type IntentOutcome struct {
	IntentID        string               `json:"intent_id"`
	Action          model.ActionType     `json:"action"`
	Target          string               `json:"target"`
	Decision        model.Decision       `json:"decision"`
	Reason          model.ReasonCategory `json:"reason,omitempty"`
	Detail          string               `json:"detail,omitempty"`
	TokenID         string               `json:"token_id,omitempty"`
	ConfirmationKey string               `json:"confirmation_key,omitempty"`
	Constraints     []model.Constraint   `json:"constraints,omitempty"`
}

// BatchResult is the full answer to one ProcessBatch call. Decision is
// the worst per-intent verdict; Outcomes preserve submission order.
type BatchResult struct {
	BatchID      string          `json:"batch_id"`
	Decision     model.Decision  `json:"decision"`
	Risk         model.RiskLevel `json:"risk"`
	Reasons      []string        `json:"reasons,omitempty"`
	Source       string          `json:"source"`
	Outcomes     []IntentOutcome `json:"outcomes"`
	EscalationID string          `json:"escalation_id,omitempty"`
}

// intentState tracks one intent through the pipeline phases.
type intentState struct {
	intent  *model.ActionIntent
	out     IntentOutcome
	decided bool
	confirm bool               // held for operator approval
	det     model.PolicyResult // deterministic verdict, kept for surviving intents
}

func (st *intentState) deny(reason model.ReasonCategory, detail string) {
	st.out.Decision = model.Deny
	st.out.Reason = reason
	st.out.Detail = detail
	st.out.TokenID = ""
	st.out.Constraints = nil
	st.decided = true
}

// ProcessBatch runs the whole pipeline over one submitted batch.
//
// Phase order, which must not change:
//  1. shape checks, then one intent audit entry per proposed action
//  2. session quota and boundary trust classification
//  3. per-intent validation and agent registry checks
//  4. deterministic pre-filter (denied intents never reach the evaluator)
//  5. the single suspension point: one semantic evaluation for all
//     surviving intents, skipped when nothing survives
//  6. hard rules over every intent in the batch
//  7. merge, mint, and one decision audit entry per intent
//
// An error return means the batch could not be processed at all; every
// policy verdict, including total denial, comes back as a BatchResult.
func (k *Kernel) ProcessBatch(ctx context.Context, batch *model.ActionBatch) (*BatchResult, error) {
	if batch == nil {
		return nil, fmt.Errorf("kernel: nil batch")
	}
	if batch.ID == "" {
		return nil, fmt.Errorf("kernel: batch id is required")
	}
	if batch.Identity.SessionID == "" {
		return nil, fmt.Errorf("kernel: batch %s: identity session_id is required", batch.ID)
	}
	if len(batch.Intents) == 0 {
		return nil, fmt.Errorf("kernel: batch %s: at least one intent is required", batch.ID)
	}
	for _, in := range batch.Intents {
		if in == nil {
			return nil, fmt.Errorf("kernel: batch %s: nil intent", batch.ID)
		}
	}

	sessionID := batch.Identity.SessionID
	sess := k.session(sessionID)

	// The boundary identity's tier gates the whole batch; evidence chunk
	// tiers only color the session record and the evaluator's context.
	identTier := trust.Classify(batch.Identity.Origin, &batch.Identity, 0, nil)
	sess.observeTier(identTier)

	var bundleSummary string
	if batch.EvidenceBundleID != "" && k.evidence != nil {
		refs, err := k.evidence.References(ctx, batch.EvidenceBundleID)
		if err != nil {
			return nil, fmt.Errorf("kernel: batch %s: evidence bundle %s: %w",
				batch.ID, batch.EvidenceBundleID, err)
		}
		bundleSummary = evidence.SummarizeRefs(refs)
		for _, ref := range refs {
			sess.observeTier(ref.Tier)
		}
	}

	// Intake: every proposed intent is on the record before any verdict.
	for _, in := range batch.Intents {
		if err := k.log.Record(&audit.AuditEntry{
			Event:      audit.EventIntent,
			BatchID:    batch.ID,
			IntentID:   in.ID,
			AgentID:    in.AgentID,
			SessionID:  sessionID,
			Action:     audit.AuditAction{Type: in.Type, Target: in.Target},
			Risk:       in.Risk,
			PolicyHash: k.engine.PolicyHash(),
		}); err != nil {
			return nil, fmt.Errorf("kernel: batch %s: audit intake: %w", batch.ID, err)
		}
	}

	states := make([]*intentState, len(batch.Intents))
	for i, in := range batch.Intents {
		states[i] = &intentState{
			intent: in,
			out:    IntentOutcome{IntentID: in.ID, Action: in.Type, Target: in.Target},
		}
	}

	if !sess.admit(len(batch.Intents), k.quota) {
		detail := fmt.Sprintf("session %s exceeded its intent quota of %d", sessionID, k.quota)
		for _, st := range states {
			st.deny(model.ReasonPolicyViolation, detail)
		}
		return k.finish(batch, states, model.EnhancedPolicyDecision{}, nil, false, sess)
	}

	// Per-intent validation. A malformed intent is denied with the field
	// that failed; the rest of the batch keeps going.
	for _, st := range states {
		in := st.intent
		if err := in.Validate(); err != nil {
			st.deny(model.ReasonValidation, err.Error())
			continue
		}
		if in.SessionID != sessionID {
			st.deny(model.ReasonValidation, fmt.Sprintf(
				"intent session %q does not match batch session %q", in.SessionID, sessionID))
		}
	}

	if !trust.CanExecuteTools(identTier) {
		detail := fmt.Sprintf("submitting identity classified %s; tool execution requires %s",
			identTier, model.TierTrusted)
		for _, st := range states {
			if !st.decided {
				st.deny(model.ReasonUntrustedEvidence, detail)
			}
		}
	}

	if k.registry != nil {
		for _, st := range states {
			if st.decided {
				continue
			}
			in := st.intent
			if !k.registry.IsRegistered(in.AgentID) {
				st.deny(model.ReasonValidation, fmt.Sprintf("agent %q is not registered", in.AgentID))
				continue
			}
			if !k.registry.AllowsAction(in.AgentID, in.Type) {
				st.deny(model.ReasonPolicyViolation,
					fmt.Sprintf("agent %q may not propose %s", in.AgentID, in.Type))
				continue
			}
			if ceiling := k.registry.MaxRiskFor(in.AgentID); model.RiskRank[in.Risk] > model.RiskRank[ceiling] {
				st.deny(model.ReasonRiskCeiling,
					fmt.Sprintf("intent risk %s exceeds agent %q ceiling %s", in.Risk, in.AgentID, ceiling))
			}
		}
	}

	// Deterministic pre-filter. Whatever dies here never reaches the
	// evaluator; whatever needs an operator is parked for confirmation.
	var survivors []*model.ActionIntent
	for _, st := range states {
		if st.decided {
			continue
		}
		res := k.engine.EvaluateIntent(st.intent)
		switch {
		case res.Decision == model.Deny:
			st.deny(res.Reason, res.Detail)
		case res.Decision == model.RequireConfirmation,
			res.Decision == model.Escalate && res.Reason == model.ReasonConfirmation:
			st.confirm = true
			st.det = res
		case res.Decision == model.Escalate:
			st.out.Decision = model.Escalate
			st.out.Reason = res.Reason
			st.out.Detail = res.Detail
			st.decided = true
		default:
			st.det = res
			survivors = append(survivors, st.intent)
		}
	}

	// The single suspension point. Skipped entirely when the pre-filter
	// left nothing to judge.
	var dec model.EnhancedPolicyDecision
	evaluated := false
	if len(survivors) > 0 {
		dec = k.evaluator.Evaluate(ctx, batch.UserRequest, survivors, bundleSummary, batch.Identity)
		evaluated = true
	}

	// Hard rules run over the full batch before any token exists.
	dec, violations := rules.Enforce(dec, batch.Intents)

	return k.finish(batch, states, dec, violations, evaluated, sess)
}

// finish merges verdicts, mints tokens, writes decision entries, and
// assembles the batch result. It never returns an error: by this point
// every failure is a per-intent denial.
func (k *Kernel) finish(batch *model.ActionBatch, states []*intentState,
	dec model.EnhancedPolicyDecision, violations []rules.Violation,
	evaluated bool, sess *sessionState) (*BatchResult, error) {

	for _, st := range states {
		switch {
		case st.decided:
		case st.confirm:
			k.resolveConfirmation(st)
		default:
			k.resolveSemantic(st, dec)
		}
		k.recordDecision(batch, st)
	}

	result := &BatchResult{
		BatchID:  batch.ID,
		Decision: model.Allow,
		Risk:     model.RiskLow,
		Source:   model.DecisionSourceDeterministic,
	}
	if evaluated {
		result.Source = dec.Source
		result.Reasons = append(result.Reasons, dec.Reasons...)
		result.Risk = model.WorstRisk(result.Risk, dec.RiskLevel)
	}

	denials := 0
	for _, st := range states {
		result.Outcomes = append(result.Outcomes, st.out)
		result.Decision = worseDecision(result.Decision, st.out.Decision)
		if st.out.Decision == model.Deny {
			denials++
			result.Risk = model.WorstRisk(result.Risk, st.intent.Risk)
		}
	}
	sess.addDenials(denials)

	if result.Decision == model.Escalate {
		k.escalateBatch(batch, result, dec, evaluated)
	}
	k.alertBatch(batch, result, violations)

	return result, nil
}

// resolveSemantic settles a surviving intent against the evaluated (and
// hard-rule-enforced) decision. An intent the decision names in neither
// list fails closed.
func (k *Kernel) resolveSemantic(st *intentState, dec model.EnhancedPolicyDecision) {
	in := st.intent
	if d, ok := dec.DenialFor(in.ID); ok {
		detail := d.Detail
		if detail == "" {
			detail = string(d.Reason)
		}
		st.deny(d.Reason, detail)
		return
	}
	if !dec.Allows(in.ID) {
		// An intent the escalating evaluator named in neither list is
		// held for the operator; under any other decision the silence
		// fails closed.
		if dec.Decision == model.Escalate {
			st.out.Decision = model.Escalate
			st.out.Detail = "held for operator review"
			st.decided = true
			return
		}
		st.deny(model.ReasonToolRisk, "evaluator returned no verdict for this intent")
		return
	}

	constraints := append(append([]model.Constraint(nil), st.det.Constraints...),
		dec.ConstraintsFor(in.ID)...)
	tok, err := k.engine.MintFor(in, constraints)
	if err != nil {
		// An allow with no token is an invariant fault, not a grant.
		st.deny(model.ReasonSystemError, fmt.Sprintf("token mint failed: %v", err))
		return
	}
	st.out.TokenID = tok.ID
	st.out.Constraints = constraints
	switch {
	case st.det.Decision == model.Sanitize:
		st.out.Decision = model.Sanitize
	case len(constraints) > 0:
		st.out.Decision = model.AllowWithConstraints
	default:
		st.out.Decision = model.Allow
	}
	st.decided = true
}

// resolveConfirmation settles an approval-gated intent. A granted
// confirmation converts to a token on this submission and is consumed;
// anything else leaves (or creates) a pending request.
func (k *Kernel) resolveConfirmation(st *intentState) {
	in := st.intent
	key := confirm.KeyFor(in.AgentID, in.Type, in.Target)
	st.out.ConfirmationKey = key

	if k.confirms == nil {
		st.deny(model.ReasonConfirmation, "confirmation required but no confirmation store is configured")
		return
	}

	status, err := k.confirms.Check(key)
	switch {
	case err == nil && status == confirm.StatusGranted:
		if cerr := k.confirms.Consume(key); cerr != nil {
			st.deny(model.ReasonSystemError, fmt.Sprintf("consume confirmation: %v", cerr))
			return
		}
		tok, merr := k.engine.MintFor(in, st.det.Constraints)
		if merr != nil {
			st.deny(model.ReasonSystemError, fmt.Sprintf("token mint failed: %v", merr))
			return
		}
		st.out.TokenID = tok.ID
		st.out.Constraints = st.det.Constraints
		st.out.Decision = model.Allow
		st.out.Detail = fmt.Sprintf("confirmation %s consumed", key)
		st.decided = true
		return
	case err == nil && status == confirm.StatusDenied:
		st.deny(model.ReasonConfirmation, "confirmation was denied by the operator")
		return
	}

	// Missing, pending, expired, or consumed: hold the intent and make
	// sure a request exists for the operator to act on.
	if rerr := k.confirms.Request(confirm.Confirmation{
		Key:        key,
		IntentID:   in.ID,
		AgentID:    in.AgentID,
		ActionType: in.Type,
		Target:     in.Target,
		Reason:     st.det.Detail,
	}); rerr != nil {
		st.deny(model.ReasonSystemError, fmt.Sprintf("create confirmation request: %v", rerr))
		return
	}
	st.out.Decision = model.RequireConfirmation
	st.out.Reason = model.ReasonConfirmation
	st.out.Detail = st.det.Detail
	st.decided = true
}

// recordDecision writes the decision entry for one settled intent. An
// allow whose entry cannot be written is revoked and flipped to a
// system-error denial; an unaudited grant must not stand.
func (k *Kernel) recordDecision(batch *model.ActionBatch, st *intentState) {
	in := st.intent
	err := k.log.Record(&audit.AuditEntry{
		Event:      audit.EventDecision,
		BatchID:    batch.ID,
		IntentID:   in.ID,
		AgentID:    in.AgentID,
		SessionID:  batch.Identity.SessionID,
		Action:     audit.AuditAction{Type: in.Type, Target: in.Target},
		Decision:   st.out.Decision,
		Reason:     st.out.Reason,
		Result:     st.out.Detail,
		Risk:       in.Risk,
		TokenID:    st.out.TokenID,
		PolicyHash: k.engine.PolicyHash(),
	})
	if err != nil {
		if st.out.Decision.Actionable() {
			if st.out.TokenID != "" {
				k.tokens.RevokeID(st.out.TokenID)
			}
			st.deny(model.ReasonSystemError, fmt.Sprintf("audit record failed: %v", err))
		}
		fmt.Fprintf(os.Stderr, "toolgate: audit decision entry for %s: %v\n", in.ID, err)
		return
	}

	if st.out.Decision == model.RequireConfirmation {
		if err := k.log.Record(&audit.AuditEntry{
			Event:     audit.EventConfirmation,
			BatchID:   batch.ID,
			IntentID:  in.ID,
			AgentID:   in.AgentID,
			SessionID: batch.Identity.SessionID,
			Action:    audit.AuditAction{Type: in.Type, Target: in.Target},
			Decision:  model.RequireConfirmation,
			Result:    "pending: " + st.out.ConfirmationKey,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "toolgate: audit confirmation entry for %s: %v\n", in.ID, err)
		}
	}
}

// escalateBatch writes the escalation report for a batch whose overall
// decision is escalate, saves it to the outbox, and records the event.
func (k *Kernel) escalateBatch(batch *model.ActionBatch, result *BatchResult,
	dec model.EnhancedPolicyDecision, evaluated bool) {

	// The report view reflects the post-merge verdicts, not the raw
	// evaluator output. Malformed intents cannot appear on report lines.
	view := model.EnhancedPolicyDecision{
		Decision:  model.Escalate,
		RiskLevel: result.Risk,
		Reasons:   result.Reasons,
		Source:    result.Source,
	}
	if evaluated {
		view.RequiredUserPrompts = dec.RequiredUserPrompts
		view.SafeResponseGuidance = dec.SafeResponseGuidance
	}
	var reportable []*model.ActionIntent
	for i, out := range result.Outcomes {
		in := batch.Intents[i]
		if !model.ValidActionType(in.Type) {
			continue
		}
		reportable = append(reportable, in)
		switch {
		case out.Decision.Actionable():
			view.AllowedActions = append(view.AllowedActions, model.AllowedAction{
				IntentID: out.IntentID, Constraints: out.Constraints,
			})
		case out.Decision == model.Deny:
			view.DeniedActions = append(view.DeniedActions, model.DeniedAction{
				IntentID: out.IntentID, Reason: out.Reason, Detail: out.Detail,
			})
		}
	}
	if len(reportable) == 0 {
		return
	}

	agentID := batch.Intents[0].AgentID
	rep, err := escalate.Generate(&view, reportable, escalate.Meta{
		BatchID:     batch.ID,
		SessionID:   batch.Identity.SessionID,
		AgentID:     agentID,
		UserRequest: batch.UserRequest,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "toolgate: escalation report for batch %s: %v\n", batch.ID, err)
		return
	}
	if k.escalations != nil {
		if _, err := k.escalations.Save(rep); err != nil {
			fmt.Fprintf(os.Stderr, "toolgate: save escalation %s: %v\n", rep.ID, err)
		}
	}
	result.EscalationID = rep.ID

	if err := k.log.Record(&audit.AuditEntry{
		Event:      audit.EventEscalation,
		BatchID:    batch.ID,
		AgentID:    agentID,
		SessionID:  batch.Identity.SessionID,
		Decision:   model.Escalate,
		Result:     rep.ID,
		Risk:       rep.Risk,
		PolicyHash: k.engine.PolicyHash(),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "toolgate: audit escalation entry for batch %s: %v\n", batch.ID, err)
	}
}

// alertBatch fans denied and escalated verdicts out to the webhook
// dispatcher. Hard-rule vetoes carry the rule name.
func (k *Kernel) alertBatch(batch *model.ActionBatch, result *BatchResult, violations []rules.Violation) {
	if k.alerts == nil {
		return
	}
	byIntent := make(map[string]rules.Violation, len(violations))
	for _, v := range violations {
		byIntent[v.IntentID] = v
	}
	now := time.Now().UTC().Format(time.RFC3339)

	for i, out := range result.Outcomes {
		if out.Decision != model.Deny && out.Decision != model.Escalate {
			continue
		}
		ev := alert.Event{
			Timestamp:  now,
			BatchID:    batch.ID,
			IntentID:   out.IntentID,
			AgentID:    batch.Intents[i].AgentID,
			SessionID:  batch.Identity.SessionID,
			Action:     string(out.Action),
			Target:     out.Target,
			Decision:   string(out.Decision),
			Reason:     out.Reason,
			Detail:     out.Detail,
			Risk:       batch.Intents[i].Risk,
			PolicyHash: k.engine.PolicyHash(),
		}
		if v, ok := byIntent[out.IntentID]; ok {
			ev.Type = "hard_rule_violation"
			ev.Rule = v.Rule
		}
		k.alerts.Dispatch(ev)
	}

	if result.Decision == model.Escalate && result.EscalationID != "" {
		k.alerts.Dispatch(alert.Event{
			Timestamp: now,
			BatchID:   batch.ID,
			SessionID: batch.Identity.SessionID,
			Decision:  string(model.Escalate),
			Type:      "escalation",
			Detail:    "escalation report " + result.EscalationID,
			Risk:      result.Risk,
		})
	}
}

// Execute redeems a token by running its intent through the runner. The
// runner re-verifies every binding the decision promised before the
// side effect happens.
func (k *Kernel) Execute(ctx context.Context, intent *model.ActionIntent, tokenID string) (runner.ExecutionResult, error) {
	if k.runner == nil {
		return runner.ExecutionResult{}, fmt.Errorf("kernel: no runner configured")
	}
	if intent == nil {
		return runner.ExecutionResult{}, fmt.Errorf("kernel: nil intent")
	}
	return k.runner.Execute(ctx, intent, tokenID), nil
}

// decisionSeverity orders outcomes from most to least permissive; the
// batch reports the worst one.
var decisionSeverity = map[model.Decision]int{
	model.Allow:                0,
	model.AllowWithConstraints: 1,
	model.Sanitize:             2,
	model.RequireConfirmation:  3,
	model.Escalate:             4,
	model.Deny:                 5,
}

func worseDecision(a, b model.Decision) model.Decision {
	if decisionSeverity[b] > decisionSeverity[a] {
		return b
	}
	return a
}
