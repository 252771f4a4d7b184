// Package rules is the deterministic veto layer over the semantic
// evaluator. It runs unconditionally after every semantic decision and
// can only tighten: move intents from allowed to denied and upgrade the
// overall outcome, never the reverse. The checks are plain substring
// matches over the target and parameter JSON, so the veto has no parsing
// ambiguity an adversarial payload could exploit.
package rules

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ppiankov/toolgate/internal/model"
)

// Rule names, recorded on violations and audit entries.
const (
	RuleMoneyMovement     = "money-movement-requires-t0"
	RuleSecretExfil       = "no-secret-exfiltration"
	RuleUntrustedEvidence = "untrusted-evidence-cannot-trigger-tools"
)

// Violation records one hard-rule hit for audit and alerting.
type Violation struct {
	Rule     string `json:"rule"`
	IntentID string `json:"intent_id"`
	Detail   string `json:"detail"`
}

// moneyKeywords flag movement of funds in a target or parameters.
var moneyKeywords = []string{
	"payment", "transfer", "payout", " pay ", "wire ",
	"invoice", "refund", "withdraw", "deposit",
	"iban", "swift", "bitcoin", "crypto", "wallet",
	"venmo", "paypal", "zelle", "routing number", "bank account",
}

// secretKeywords flag credential material in a target or parameters.
var secretKeywords = []string{
	"api_key", "apikey", "api-key", "secret", "password", "passwd",
	"credential", "private_key", "ssh_key", "access_key",
	"bearer ", "auth_token", "session_token", ".env", "id_rsa",
}

// sideEffecting lists the action types an untrusted citation must never
// be able to trigger.
var sideEffecting = map[model.ActionType]bool{
	model.ActionWriteFile:      true,
	model.ActionExecuteCommand: true,
	model.ActionCallAPI:        true,
	model.ActionSendMessage:    true,
}

// Enforce applies the three hard security rules to a semantic decision
// and returns the tightened copy plus every violation found. The input
// decision is never mutated; the audited original stays intact.
//
// Rule order (must not be changed):
//  1. money-movement-requires-t0 — money keywords without a T0 citation
//  2. no-secret-exfiltration — secret keywords leaving via call_api or
//     send_message, denied regardless of citations
//  3. untrusted-evidence-cannot-trigger-tools — side-effecting intents
//     whose every citation is T2 or T3
func Enforce(dec model.EnhancedPolicyDecision, intents []*model.ActionIntent) (model.EnhancedPolicyDecision, []Violation) {
	out := dec.Clone()
	var violations []Violation

	for _, in := range intents {
		v, ok := checkIntent(in)
		if !ok {
			continue
		}
		violations = append(violations, v)
		deny(&out, in.ID, v)
	}

	if len(violations) > 0 {
		out.Decision = model.Deny
		out.RiskLevel = model.RiskCritical
		out.Reasons = append(out.Reasons,
			fmt.Sprintf("%d hard rule violation(s) vetoed the semantic decision", len(violations)))
	}
	return out, violations
}

// checkIntent runs the rules against one intent and returns the first
// violation.
func checkIntent(in *model.ActionIntent) (Violation, bool) {
	text := intentText(in)

	// Rule 1: money movement requires a T0 citation
	if kw := firstMatch(text, moneyKeywords); kw != "" && !in.HasTrustedCitation() {
		return Violation{
			Rule:     RuleMoneyMovement,
			IntentID: in.ID,
			Detail:   fmt.Sprintf("money-movement keyword %q without trusted justification", strings.TrimSpace(kw)),
		}, true
	}

	// Rule 2: secrets never leave, no citation can authorize it
	if in.Type == model.ActionCallAPI || in.Type == model.ActionSendMessage {
		if kw := firstMatch(text, secretKeywords); kw != "" {
			return Violation{
				Rule:     RuleSecretExfil,
				IntentID: in.ID,
				Detail:   fmt.Sprintf("secret keyword %q in outbound %s", strings.TrimSpace(kw), in.Type),
			}, true
		}
	}

	// Rule 3: untrusted evidence cannot trigger side effects
	if sideEffecting[in.Type] && in.OnlyUntrustedCitations() {
		return Violation{
			Rule:     RuleUntrustedEvidence,
			IntentID: in.ID,
			Detail:   fmt.Sprintf("%s justified only by untrusted evidence", in.Type),
		}, true
	}

	return Violation{}, false
}

// deny moves an intent out of allowed_actions and records the violation.
// An intent the evaluator already denied keeps its original entry.
func deny(dec *model.EnhancedPolicyDecision, intentID string, v Violation) {
	kept := dec.AllowedActions[:0]
	for _, a := range dec.AllowedActions {
		if a.IntentID != intentID {
			kept = append(kept, a)
		}
	}
	dec.AllowedActions = kept

	if _, already := dec.DenialFor(intentID); already {
		return
	}
	dec.DeniedActions = append(dec.DeniedActions, model.DeniedAction{
		IntentID: intentID,
		Reason:   model.ReasonHardRule,
		Detail:   fmt.Sprintf("%s: %s", v.Rule, v.Detail),
	})
}

// intentText is the lowercased haystack the keyword rules scan: the
// target plus the parameter JSON, padded so word-edge keywords like
// " pay " match at the boundaries.
func intentText(in *model.ActionIntent) string {
	var params string
	if in.Params != nil {
		if b, err := json.Marshal(in.Params); err == nil {
			params = string(b)
		}
	}
	return " " + strings.ToLower(in.Target+" "+params) + " "
}

func firstMatch(text string, keywords []string) string {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return kw
		}
	}
	return ""
}
