package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/toolgate/internal/audit"
	"github.com/ppiankov/toolgate/internal/model"
	"github.com/ppiankov/toolgate/internal/rules"
	"github.com/ppiankov/toolgate/internal/runner"
)

// --- Input/Output types ---

// CitationSpec names one provenance source backing an intent.
type CitationSpec struct {
	SourceType string `json:"source_type" jsonschema:"user_request or evidence_chunk"`
	SourceID   string `json:"source_id" jsonschema:"id of the cited source"`
	TrustTier  string `json:"trust_tier,omitempty" jsonschema:"trust tier of the source (T0/T1/T2/T3)"`
}

// IntentSpec is one proposed action inside a gate_submit batch. The
// target is always derived from the parameters, never declared, so an
// intent cannot claim one resource and touch another.
type IntentSpec struct {
	IntentID   string         `json:"intent_id,omitempty" jsonschema:"optional stable id, generated when empty"`
	Action     string         `json:"action" jsonschema:"action type (read_file/write_file/execute_command/query_database/call_api/delegate_task/read_memory/write_memory/search_web/send_message)"`
	Parameters map[string]any `json:"parameters,omitempty" jsonschema:"typed parameters for the action"`
	Rationale  string         `json:"rationale,omitempty" jsonschema:"why the agent wants this action"`
	Risk       string         `json:"risk,omitempty" jsonschema:"self-assessed risk (low/medium/high/critical), defaults to low"`
	Citations  []CitationSpec `json:"citations,omitempty" jsonschema:"sources this intent is derived from"`
}

// SubmitInput defines parameters for the gate_submit tool.
type SubmitInput struct {
	AgentID     string       `json:"agent_id,omitempty" jsonschema:"submitting agent id, defaults to mcp-agent"`
	SessionID   string       `json:"session_id,omitempty" jsonschema:"session to evaluate under, defaults to the server session"`
	UserRequest string       `json:"user_request,omitempty" jsonschema:"the verbatim user request this batch serves"`
	Intents     []IntentSpec `json:"intents" jsonschema:"proposed actions, evaluated together as one batch"`
}

// ConstraintItem is one restriction attached to an allowed intent.
type ConstraintItem struct {
	Type    string   `json:"type"`
	Domains []string `json:"domains,omitempty"`
	Limit   int64    `json:"limit,omitempty"`
	Amount  float64  `json:"amount,omitempty"`
	Note    string   `json:"note,omitempty"`
}

// OutcomeItem is the per-intent verdict inside a SubmitOutput.
type OutcomeItem struct {
	IntentID        string           `json:"intent_id"`
	Action          string           `json:"action"`
	Target          string           `json:"target"`
	Decision        string           `json:"decision"`
	Reason          string           `json:"reason,omitempty"`
	Detail          string           `json:"detail,omitempty"`
	TokenID         string           `json:"token_id,omitempty"`
	ConfirmationKey string           `json:"confirmation_key,omitempty"`
	Constraints     []ConstraintItem `json:"constraints,omitempty"`
}

// SubmitOutput contains the batch verdict and per-intent outcomes.
// Allowed intents carry a token id redeemable with gate_execute.
type SubmitOutput struct {
	BatchID      string        `json:"batch_id"`
	SessionID    string        `json:"session_id"`
	Decision     string        `json:"decision"`
	Risk         string        `json:"risk"`
	Reasons      []string      `json:"reasons,omitempty"`
	Source       string        `json:"source,omitempty"`
	Outcomes     []OutcomeItem `json:"outcomes"`
	EscalationID string        `json:"escalation_id,omitempty"`
}

// ExecuteInput defines parameters for the gate_execute tool. The intent
// is replayed from the same fields that were submitted; the runner
// rejects any drift from what the token was minted for.
type ExecuteInput struct {
	TokenID    string         `json:"token_id" jsonschema:"capability token id returned by gate_submit"`
	IntentID   string         `json:"intent_id" jsonschema:"id of the allowed intent the token is bound to"`
	Action     string         `json:"action" jsonschema:"action type, must match the submitted intent"`
	Parameters map[string]any `json:"parameters,omitempty" jsonschema:"parameters, must match the submitted intent"`
	AgentID    string         `json:"agent_id,omitempty" jsonschema:"agent id used at submit time, defaults to mcp-agent"`
	SessionID  string         `json:"session_id,omitempty" jsonschema:"session id used at submit time, defaults to the server session"`
}

// ExecuteOutput contains the execution result or the rejection reason.
type ExecuteOutput struct {
	IntentID   string `json:"intent_id,omitempty"`
	Status     string `json:"status"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	ExitCode   int    `json:"exit_code,omitempty"`
	Sanitized  bool   `json:"sanitized,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// CheckInput defines parameters for the gate_check tool.
type CheckInput struct {
	Action     string         `json:"action" jsonschema:"action type to check"`
	Parameters map[string]any `json:"parameters,omitempty" jsonschema:"typed parameters for the action"`
	Risk       string         `json:"risk,omitempty" jsonschema:"self-assessed risk, defaults to low"`
	AgentID    string         `json:"agent_id,omitempty" jsonschema:"agent id, defaults to mcp-agent"`
}

// CheckOutput contains the dry-run verdict. No token is minted and
// nothing is written to the audit log.
type CheckOutput struct {
	Decision    string           `json:"decision"`
	Reason      string           `json:"reason,omitempty"`
	Detail      string           `json:"detail,omitempty"`
	PolicyID    string           `json:"policy_id,omitempty"`
	Constraints []ConstraintItem `json:"constraints,omitempty"`
}

// ConfirmInput defines parameters for the gate_confirm tool.
type ConfirmInput struct {
	Key        string `json:"key" jsonschema:"confirmation key from a held intent"`
	Resolution string `json:"resolution" jsonschema:"grant or deny"`
	Duration   string `json:"duration,omitempty" jsonschema:"grant window (e.g. 5m), omit for one-time"`
}

// ConfirmOutput confirms the resolution.
type ConfirmOutput struct {
	Key      string `json:"key"`
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
}

// PendingInput is empty; no parameters needed.
type PendingInput struct{}

// PendingOutput lists confirmations awaiting an operator.
type PendingOutput struct {
	Confirmations []PendingItem `json:"confirmations"`
}

// PendingItem describes a single confirmation request.
type PendingItem struct {
	Key       string `json:"key"`
	Status    string `json:"status"`
	AgentID   string `json:"agent_id"`
	Action    string `json:"action"`
	Target    string `json:"target"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt string `json:"created_at"`
}

// AuditVerifyInput defines parameters for the gate_audit_verify tool.
type AuditVerifyInput struct {
	Path string `json:"path,omitempty" jsonschema:"audit log path, defaults to the server audit log"`
}

// AuditVerifyOutput contains the hash chain verification result.
type AuditVerifyOutput struct {
	Path      string `json:"path"`
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// --- Handlers ---

func (s *Server) handleSubmit(ctx context.Context, req *mcpsdk.CallToolRequest, input SubmitInput) (*mcpsdk.CallToolResult, SubmitOutput, error) {
	if len(input.Intents) == 0 {
		return nil, SubmitOutput{}, fmt.Errorf("at least one intent is required")
	}

	agentID := input.AgentID
	if agentID == "" {
		agentID = defaultAgentID
	}
	sessionID := input.SessionID
	if sessionID == "" {
		sessionID = s.sessionID
	}

	intents := make([]*model.ActionIntent, 0, len(input.Intents))
	for i, spec := range input.Intents {
		in, err := buildIntent(spec, agentID, sessionID)
		if err != nil {
			return nil, SubmitOutput{}, fmt.Errorf("intent %d: %w", i, err)
		}
		intents = append(intents, in)
	}

	batch := model.NewBatch(input.UserRequest, model.Identity{
		UserID:    s.userID,
		SessionID: sessionID,
		Origin:    model.OriginUserChat,
		Auth:      model.AuthToken,
		Timestamp: time.Now().UTC(),
	}, intents...)

	result, err := s.gate.Kernel().ProcessBatch(ctx, batch)
	if err != nil {
		return nil, SubmitOutput{}, err
	}

	out := SubmitOutput{
		BatchID:      result.BatchID,
		SessionID:    sessionID,
		Decision:     string(result.Decision),
		Risk:         string(result.Risk),
		Reasons:      result.Reasons,
		Source:       result.Source,
		EscalationID: result.EscalationID,
	}
	for _, o := range result.Outcomes {
		out.Outcomes = append(out.Outcomes, OutcomeItem{
			IntentID:        o.IntentID,
			Action:          string(o.Action),
			Target:          o.Target,
			Decision:        string(o.Decision),
			Reason:          string(o.Reason),
			Detail:          o.Detail,
			TokenID:         o.TokenID,
			ConfirmationKey: o.ConfirmationKey,
			Constraints:     constraintItems(o.Constraints),
		})
	}

	if !result.Decision.Actionable() {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handleExecute(ctx context.Context, req *mcpsdk.CallToolRequest, input ExecuteInput) (*mcpsdk.CallToolResult, ExecuteOutput, error) {
	if input.TokenID == "" {
		return nil, ExecuteOutput{}, fmt.Errorf("token_id is required")
	}
	if input.IntentID == "" {
		return nil, ExecuteOutput{}, fmt.Errorf("intent_id is required")
	}

	params, err := decodeParams(input.Action, input.Parameters)
	if err != nil {
		return nil, ExecuteOutput{}, err
	}

	agentID := input.AgentID
	if agentID == "" {
		agentID = defaultAgentID
	}
	sessionID := input.SessionID
	if sessionID == "" {
		sessionID = s.sessionID
	}

	in := model.NewIntent(agentID, sessionID, params, model.RiskLow)
	in.ID = input.IntentID

	res, err := s.gate.Kernel().Execute(ctx, in, input.TokenID)
	if err != nil {
		return nil, ExecuteOutput{}, err
	}

	out := ExecuteOutput{
		IntentID:   res.IntentID,
		Status:     string(res.Status),
		Output:     res.Output,
		Error:      res.Error,
		ExitCode:   res.ExitCode,
		Sanitized:  res.Sanitized,
		DurationMs: res.DurationMs,
	}
	if res.Status == runner.StatusRejected {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handleCheck(ctx context.Context, req *mcpsdk.CallToolRequest, input CheckInput) (*mcpsdk.CallToolResult, CheckOutput, error) {
	params, err := decodeParams(input.Action, input.Parameters)
	if err != nil {
		return nil, CheckOutput{}, err
	}

	agentID := input.AgentID
	if agentID == "" {
		agentID = defaultAgentID
	}
	risk := model.RiskLevel(input.Risk)
	if risk == "" {
		risk = model.RiskLow
	}

	in := model.NewIntent(agentID, s.sessionID, params, risk)
	if err := in.Validate(); err != nil {
		return nil, CheckOutput{Decision: "invalid", Detail: err.Error()}, nil
	}

	res := s.gate.Engine().EvaluateIntent(in)
	out := CheckOutput{
		Reason:      string(res.Reason),
		Detail:      res.Detail,
		PolicyID:    res.PolicyID,
		Constraints: constraintItems(res.Constraints),
	}
	switch {
	case res.Decision == model.Deny:
		out.Decision = "deny"
	case res.Decision == model.RequireConfirmation,
		res.Decision == model.Escalate && res.Reason == model.ReasonConfirmation:
		out.Decision = "require_confirmation"
	case res.Decision == model.Escalate:
		out.Decision = "escalate"
	case res.Decision == model.Sanitize:
		out.Decision = "sanitize"
	default:
		out.Decision = "allow"
	}

	// A table allow is not final until the hard rules agree.
	if out.Decision == "allow" || out.Decision == "sanitize" {
		dec := model.EnhancedPolicyDecision{
			Decision:       model.Allow,
			RiskLevel:      in.Risk,
			Reasons:        []string{"deterministic allow"},
			AllowedActions: []model.AllowedAction{{IntentID: in.ID, Constraints: res.Constraints}},
			Source:         model.DecisionSourceDeterministic,
		}
		enforced, _ := rules.Enforce(dec, []*model.ActionIntent{in})
		if den, ok := enforced.DenialFor(in.ID); ok {
			out.Decision = "deny"
			out.Reason = string(den.Reason)
			out.Detail = den.Detail
			out.Constraints = nil
		}
	}

	return nil, out, nil
}

func (s *Server) handleConfirm(ctx context.Context, req *mcpsdk.CallToolRequest, input ConfirmInput) (*mcpsdk.CallToolResult, ConfirmOutput, error) {
	if input.Key == "" {
		return nil, ConfirmOutput{}, fmt.Errorf("key is required")
	}

	switch input.Resolution {
	case "grant":
		var duration time.Duration
		if input.Duration != "" {
			var err error
			duration, err = time.ParseDuration(input.Duration)
			if err != nil {
				return nil, ConfirmOutput{}, fmt.Errorf("invalid duration %q: %w", input.Duration, err)
			}
		}
		if err := s.gate.Confirms().Grant(input.Key, duration); err != nil {
			return nil, ConfirmOutput{}, err
		}
		out := ConfirmOutput{Key: input.Key, Status: "granted"}
		if duration > 0 {
			out.Duration = duration.String()
		}
		return nil, out, nil
	case "deny":
		if err := s.gate.Confirms().Deny(input.Key); err != nil {
			return nil, ConfirmOutput{}, err
		}
		return nil, ConfirmOutput{Key: input.Key, Status: "denied"}, nil
	default:
		return nil, ConfirmOutput{}, fmt.Errorf("resolution must be grant or deny, got %q", input.Resolution)
	}
}

func (s *Server) handlePending(ctx context.Context, req *mcpsdk.CallToolRequest, input PendingInput) (*mcpsdk.CallToolResult, PendingOutput, error) {
	list, err := s.gate.Confirms().Pending()
	if err != nil {
		return nil, PendingOutput{}, err
	}

	items := make([]PendingItem, len(list))
	for i, c := range list {
		items[i] = PendingItem{
			Key:       c.Key,
			Status:    string(c.Status),
			AgentID:   c.AgentID,
			Action:    string(c.ActionType),
			Target:    c.Target,
			Reason:    c.Reason,
			CreatedAt: c.CreatedAt.Format(time.RFC3339),
		}
	}

	return nil, PendingOutput{Confirmations: items}, nil
}

func (s *Server) handleAuditVerify(ctx context.Context, req *mcpsdk.CallToolRequest, input AuditVerifyInput) (*mcpsdk.CallToolResult, AuditVerifyOutput, error) {
	path := input.Path
	if path == "" {
		path = s.gate.AuditPath()
	}

	res := audit.Verify(path)
	out := AuditVerifyOutput{
		Path:      path,
		Valid:     res.Valid,
		Lines:     res.Lines,
		Error:     res.Error,
		ErrorLine: res.ErrorLine,
	}
	if !res.Valid {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

// --- Helpers ---

const defaultAgentID = "mcp-agent"

// decodeParams maps a raw parameter object onto the typed variant for
// the action. Unknown action types and malformed parameter blocks are
// protocol errors; parameters that decode but do not validate go to the
// kernel, so the denial lands on the audit record.
func decodeParams(action string, params map[string]any) (model.Params, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}
	return model.DecodeParams(model.ActionType(action), raw)
}

// buildIntent turns one submitted spec into a validated-shape intent.
func buildIntent(spec IntentSpec, agentID, sessionID string) (*model.ActionIntent, error) {
	p, err := decodeParams(spec.Action, spec.Parameters)
	if err != nil {
		return nil, err
	}
	risk := model.RiskLevel(spec.Risk)
	if risk == "" {
		risk = model.RiskLow
	}
	in := model.NewIntent(agentID, sessionID, p, risk)
	if spec.IntentID != "" {
		in.ID = spec.IntentID
	}
	in.Rationale = spec.Rationale
	for _, c := range spec.Citations {
		in.Citations = append(in.Citations, model.Citation{
			SourceType: model.SourceType(c.SourceType),
			SourceID:   c.SourceID,
			Tier:       model.TrustTier(c.TrustTier),
		})
	}
	return in, nil
}

func constraintItems(cs []model.Constraint) []ConstraintItem {
	if len(cs) == 0 {
		return nil
	}
	items := make([]ConstraintItem, len(cs))
	for i, c := range cs {
		items[i] = ConstraintItem{
			Type:    string(c.Type),
			Domains: c.Domains,
			Limit:   c.Limit,
			Amount:  c.Amount,
			Note:    c.Note,
		}
	}
	return items
}
