package semantic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ppiankov/toolgate/internal/model"
)

// ParseResponse extracts a policy decision from raw evaluator output.
// The decision JSON comes from an external LLM, so it is untrusted input
// even though it drives security logic: anything that does not parse into
// a well-formed decision with known enum values is a parse failure, and
// parse failures fall back, never default to allow.
func ParseResponse(raw string) (model.EnhancedPolicyDecision, error) {
	var dec model.EnhancedPolicyDecision

	cleaned := cleanJSON(raw)
	if cleaned == "" {
		return dec, fmt.Errorf("empty evaluator response")
	}

	if err := json.Unmarshal([]byte(cleaned), &dec); err != nil {
		return dec, fmt.Errorf("cannot parse evaluator response: %w: %s", err, truncate(cleaned, 200))
	}

	if !model.ValidDecision(dec.Decision) {
		return model.EnhancedPolicyDecision{}, fmt.Errorf("unknown decision %q", dec.Decision)
	}
	if dec.RiskLevel != "" && !model.ValidRiskLevel(dec.RiskLevel) {
		return model.EnhancedPolicyDecision{}, fmt.Errorf("unknown risk level %q", dec.RiskLevel)
	}
	for _, a := range dec.AllowedActions {
		if a.IntentID == "" {
			return model.EnhancedPolicyDecision{}, fmt.Errorf("allowed action without intent_id")
		}
	}
	for _, d := range dec.DeniedActions {
		if d.IntentID == "" {
			return model.EnhancedPolicyDecision{}, fmt.Errorf("denied action without intent_id")
		}
	}

	if dec.RiskLevel == "" {
		dec.RiskLevel = model.RiskMedium
	}
	dec.Source = model.DecisionSourceSemantic
	return dec, nil
}

// cleanJSON strips markdown fences and leading/trailing whitespace.
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
