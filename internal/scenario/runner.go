package scenario

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/toolgate/internal/model"
	"github.com/ppiankov/toolgate/internal/policy"
	"github.com/ppiankov/toolgate/internal/profile"
	"github.com/ppiankov/toolgate/internal/rules"
)

// Run evaluates all cases in a scenario against the given policy table.
// Each case gets a fresh intent and session (cases are independent).
// Cases that survive the deterministic table are also run through the
// hard rules, so provenance and exfiltration expectations can be written
// in scenario files without a live evaluator.
func Run(s *Scenario, pol *policy.SecurityPolicy) *RunResult {
	evalPol := pol

	// Apply scenario-level profile if specified
	if s.Profile != "" {
		p, err := profile.Load(s.Profile)
		if err == nil {
			evalPol = profile.Apply(p, evalPol)
		}
	}

	eng := policy.NewEngine(evalPol, "scenario", nil, nil)

	result := &RunResult{
		Name:  s.Name,
		Total: len(s.Cases),
	}

	for i, c := range s.Cases {
		cr := evalCase(eng, i, c)
		if cr.Actual == cr.Expected {
			cr.Passed = true
			result.Passed++
		} else {
			result.Failed++
		}
		result.Cases = append(result.Cases, cr)
	}

	return result
}

// evalCase builds one intent, runs it through the deterministic table
// and the hard rules, and reduces the outcome to an expectation label.
func evalCase(eng *policy.Engine, idx int, c Case) CaseResult {
	cr := CaseResult{
		Index:    idx + 1,
		Type:     c.Action.Type,
		Target:   c.Action.Target,
		Expected: strings.ToLower(c.Expect),
	}

	agent := c.Agent
	if agent == "" {
		agent = "scenario-agent"
	}
	risk := model.RiskLevel(strings.ToLower(c.Risk))
	if risk == "" {
		risk = model.RiskLow
	}

	params, err := buildParams(c.Action, c.Body)
	if err != nil {
		cr.Actual = "invalid"
		cr.Reason = err.Error()
		return cr
	}

	in := model.NewIntent(agent, fmt.Sprintf("scenario-%d", idx), params, risk)
	in.Citations = buildCitations(c.Citations)
	if err := in.Validate(); err != nil {
		cr.Actual = "invalid"
		cr.Reason = err.Error()
		return cr
	}

	res := eng.EvaluateIntent(in)
	switch {
	case res.Decision == model.Deny:
		cr.Actual = "deny"
	case res.Decision == model.RequireConfirmation,
		res.Decision == model.Escalate && res.Reason == model.ReasonConfirmation:
		cr.Actual = "require_confirmation"
	case res.Decision == model.Escalate:
		cr.Actual = "escalate"
	case res.Decision == model.Sanitize:
		cr.Actual = "sanitize"
	default:
		cr.Actual = "allow"
	}
	cr.Reason = res.Detail
	if cr.Reason == "" {
		cr.Reason = res.PolicyID
	}

	if cr.Actual == "allow" || cr.Actual == "sanitize" {
		dec := model.EnhancedPolicyDecision{
			Decision:       model.Allow,
			RiskLevel:      in.Risk,
			Reasons:        []string{"deterministic allow"},
			AllowedActions: []model.AllowedAction{{IntentID: in.ID, Constraints: res.Constraints}},
			Source:         model.DecisionSourceDeterministic,
		}
		enforced, _ := rules.Enforce(dec, []*model.ActionIntent{in})
		if den, ok := enforced.DenialFor(in.ID); ok {
			cr.Actual = "deny"
			cr.Reason = den.Detail
		}
	}

	return cr
}

// buildParams maps an action type plus target onto the typed parameter
// variant the policy layer evaluates.
func buildParams(a ScenarioAction, body string) (model.Params, error) {
	switch model.ActionType(a.Type) {
	case model.ActionReadFile:
		return model.ReadFileParams{Path: a.Target}, nil
	case model.ActionWriteFile:
		if body == "" {
			body = "scenario content"
		}
		return model.WriteFileParams{Path: a.Target, Content: body}, nil
	case model.ActionExecuteCommand:
		return model.ExecuteCommandParams{Command: a.Target}, nil
	case model.ActionQueryDatabase:
		return model.QueryDatabaseParams{Query: a.Target}, nil
	case model.ActionCallAPI:
		p := model.CallAPIParams{Method: "GET", URL: a.Target}
		if body != "" {
			p.Method = "POST"
			p.Body = body
		}
		return p, nil
	case model.ActionDelegateTask:
		return model.DelegateTaskParams{TargetAgent: a.Target, Task: "scenario task"}, nil
	case model.ActionReadMemory:
		return model.ReadMemoryParams{Key: a.Target}, nil
	case model.ActionWriteMemory:
		if body == "" {
			body = "scenario value"
		}
		return model.WriteMemoryParams{Key: a.Target, Value: body}, nil
	case model.ActionSearchWeb:
		return model.SearchWebParams{Query: a.Target}, nil
	case model.ActionSendMessage:
		if body == "" {
			body = "scenario message"
		}
		return model.SendMessageParams{Recipient: a.Target, Body: body}, nil
	default:
		return nil, fmt.Errorf("unknown action type %q", a.Type)
	}
}

// buildCitations turns the YAML tier shorthand into intent citations.
func buildCitations(cs []ScenarioCitation) []model.Citation {
	if len(cs) == 0 {
		return nil
	}
	out := make([]model.Citation, 0, len(cs))
	for i, c := range cs {
		src := c.Source
		if src == "" {
			src = fmt.Sprintf("scenario-source-%d", i+1)
		}
		out = append(out, model.Citation{
			SourceType: model.SourceEvidenceChunk,
			SourceID:   src,
			Tier:       model.TrustTier(strings.ToUpper(c.Tier)),
		})
	}
	return out
}

// LoadAndRun loads a scenario YAML file, loads the policy table, and runs.
func LoadAndRun(path, policyPath string) (*RunResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}

	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}

	pol, err := policy.Load(policyPath)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	result := Run(&s, pol)
	result.File = path

	return result, nil
}
