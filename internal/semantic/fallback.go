package semantic

import (
	"fmt"

	"github.com/ppiankov/toolgate/internal/model"
)

// FallbackCause names why the conservative evaluator decided instead of
// the semantic one.
type FallbackCause string

const (
	CauseTimeout     FallbackCause = "timeout"
	CauseParse       FallbackCause = "parse_failure"
	CauseTransport   FallbackCause = "transport_failure"
	CauseUnavailable FallbackCause = "unavailable"
)

// denialReason maps a cause to the category stamped on denied actions.
// Transport and configuration failures are system errors; timeouts and
// unparseable output deny on tool risk.
func (c FallbackCause) denialReason() model.ReasonCategory {
	switch c {
	case CauseTransport, CauseUnavailable:
		return model.ReasonSystemError
	default:
		return model.ReasonToolRisk
	}
}

// Fallback is the conservative rule-based decision used whenever the
// semantic evaluator cannot answer: only read_file and read_memory
// proceed, each under a read_only constraint, and everything else is
// denied. Never an implicit allow.
//
// ceiling, when non-nil, supplies the per-action-type risk ceiling from
// the active security policy; reads above their ceiling are denied even
// here.
func Fallback(intents []*model.ActionIntent, cause FallbackCause, detail string, ceiling func(model.ActionType) model.RiskLevel) model.EnhancedPolicyDecision {
	reason := cause.denialReason()

	dec := model.EnhancedPolicyDecision{
		Reasons: []string{
			fmt.Sprintf("semantic evaluator %s: %s", cause, detail),
			"conservative fallback: read-only operations permitted",
		},
		SafeResponseGuidance: "The policy evaluator was unavailable, so only read operations were permitted. Ask the user to retry the remaining actions.",
		Source:               model.DecisionSourceFallback,
	}

	for _, in := range intents {
		if in.Type == model.ActionReadFile || in.Type == model.ActionReadMemory {
			if ceiling != nil && model.RiskRank[in.Risk] > model.RiskRank[ceiling(in.Type)] {
				dec.DeniedActions = append(dec.DeniedActions, model.DeniedAction{
					IntentID: in.ID,
					Reason:   reason,
					Detail:   fmt.Sprintf("%s risk %s exceeds policy ceiling in fallback", in.Type, in.Risk),
				})
				continue
			}
			dec.AllowedActions = append(dec.AllowedActions, model.AllowedAction{
				IntentID:    in.ID,
				Constraints: []model.Constraint{{Type: model.ConstraintReadOnly}},
			})
			continue
		}
		dec.DeniedActions = append(dec.DeniedActions, model.DeniedAction{
			IntentID: in.ID,
			Reason:   reason,
			Detail:   fmt.Sprintf("%s denied by conservative fallback", in.Type),
		})
	}

	if len(dec.DeniedActions) > 0 {
		dec.Decision = model.Deny
		dec.RiskLevel = model.RiskHigh
	} else {
		dec.Decision = model.Allow
		dec.RiskLevel = model.RiskLow
	}
	return dec
}
