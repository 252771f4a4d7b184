package policy

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ppiankov/toolgate/internal/model"
)

// checkPath enforces the file tables: denied prefixes win over allowed
// prefixes, and a path matching no allowed prefix is denied. Denied
// patterns starting with "." or "~" also match anywhere in the path, so
// ".env" catches "config/.env". Paths are cleaned first, which collapses
// traversal like "workspace/../../etc/passwd" before matching.
func checkPath(target string, pol *ActionPolicy) model.PolicyResult {
	clean := filepath.Clean(target)
	lower := strings.ToLower(clean)

	for _, denied := range pol.DeniedPathPrefixes {
		d := strings.ToLower(denied)
		hit := strings.HasPrefix(lower, d)
		if !hit && (strings.HasPrefix(d, ".") || strings.HasPrefix(d, "~")) {
			hit = strings.Contains(lower, strings.TrimPrefix(d, "~/"))
		}
		if hit {
			return model.PolicyResult{
				Decision: model.Deny,
				Reason:   model.ReasonPolicyViolation,
				Detail:   fmt.Sprintf("path matches denied prefix %q", denied),
				PolicyID: "path.denied",
			}
		}
	}

	for _, allowed := range pol.AllowedPathPrefixes {
		if strings.HasPrefix(lower, strings.ToLower(allowed)) {
			return model.PolicyResult{Decision: model.Allow, PolicyID: "path.allowed"}
		}
	}

	return model.PolicyResult{
		Decision: model.Deny,
		Reason:   model.ReasonPolicyViolation,
		Detail:   fmt.Sprintf("path %q matches no allowed prefix", target),
		PolicyID: "path.unlisted",
	}
}

// checkCommand matches the literal command string against denied
// substrings first (case-insensitive), then allowed prefixes. A command
// matching neither escalates when approval is required, otherwise denies.
// Pipe-to-shell download chains are denied structurally.
func checkCommand(command string, pol *ActionPolicy) model.PolicyResult {
	lower := strings.ToLower(strings.TrimSpace(command))

	for _, denied := range pol.DeniedCommands {
		if strings.Contains(lower, strings.ToLower(denied)) {
			return model.PolicyResult{
				Decision: model.Deny,
				Reason:   model.ReasonPolicyViolation,
				Detail:   fmt.Sprintf("command matches denied pattern %q", denied),
				PolicyID: "command.denied",
			}
		}
	}
	if isPipeToShell(lower) {
		return model.PolicyResult{
			Decision: model.Deny,
			Reason:   model.ReasonPolicyViolation,
			Detail:   "pipe-to-shell execution detected",
			PolicyID: "command.pipe_to_shell",
		}
	}

	for _, allowed := range pol.AllowedCommands {
		a := strings.ToLower(allowed)
		if lower == strings.TrimSpace(a) || strings.HasPrefix(lower, a) {
			return model.PolicyResult{Decision: model.Allow, PolicyID: "command.allowed"}
		}
	}

	if pol.ApprovalRequired {
		return model.PolicyResult{
			Decision: model.Escalate,
			Reason:   model.ReasonConfirmation,
			Detail:   fmt.Sprintf("command %q not in allowlist, approval required", command),
			PolicyID: "command.unlisted.escalate",
		}
	}
	return model.PolicyResult{
		Decision: model.Deny,
		Reason:   model.ReasonPolicyViolation,
		Detail:   fmt.Sprintf("command %q not in allowlist", command),
		PolicyID: "command.unlisted",
	}
}

// checkQuery scans the uppercased query text for denied SQL verbs.
func checkQuery(query string, pol *ActionPolicy) model.PolicyResult {
	upper := strings.ToUpper(query)
	for _, verb := range pol.DeniedSQLVerbs {
		if strings.Contains(upper, strings.ToUpper(verb)) {
			return model.PolicyResult{
				Decision: model.Deny,
				Reason:   model.ReasonPolicyViolation,
				Detail:   fmt.Sprintf("query contains denied SQL verb %q", verb),
				PolicyID: "sql.denied_verb",
			}
		}
	}
	return model.PolicyResult{Decision: model.Allow, PolicyID: "sql.allowed"}
}

// checkDomain matches the target URL against allowed-domain substrings.
func checkDomain(target string, pol *ActionPolicy) model.PolicyResult {
	lower := strings.ToLower(target)
	for _, domain := range pol.AllowedDomains {
		if strings.Contains(lower, strings.ToLower(domain)) {
			res := model.PolicyResult{Decision: model.Allow, PolicyID: "domain.allowed"}
			res.Constraints = []model.Constraint{{
				Type:    model.ConstraintDomainAllowlist,
				Domains: pol.AllowedDomains,
			}}
			return res
		}
	}
	return model.PolicyResult{
		Decision: model.Deny,
		Reason:   model.ReasonPolicyViolation,
		Detail:   fmt.Sprintf("domain of %q not in allowlist", target),
		PolicyID: "domain.unlisted",
	}
}

// checkAgent enforces the delegate_task agent allowlist. "*" allows any.
func checkAgent(agent string, pol *ActionPolicy) model.PolicyResult {
	for _, allowed := range pol.AllowedAgents {
		if allowed == "*" || strings.EqualFold(allowed, agent) {
			return model.PolicyResult{Decision: model.Allow, PolicyID: "agent.allowed"}
		}
	}
	return model.PolicyResult{
		Decision: model.Deny,
		Reason:   model.ReasonPolicyViolation,
		Detail:   fmt.Sprintf("agent %q not in delegation allowlist", agent),
		PolicyID: "agent.unlisted",
	}
}

// checkRecipient applies the messaging table: allowlisted recipients are
// allowed, everything else follows the row's decision (escalate unless
// the row says allow).
func checkRecipient(recipient string, pol *ActionPolicy) model.PolicyResult {
	for _, allowed := range pol.AllowedRecipients {
		if strings.EqualFold(allowed, recipient) {
			return model.PolicyResult{
				Decision: model.Allow,
				PolicyID: "recipient.allowed",
				Constraints: []model.Constraint{{
					Type:  model.ConstraintRateLimit,
					Limit: 5,
				}},
			}
		}
	}
	if pol.Decision == "allow" {
		return model.PolicyResult{Decision: model.Allow, PolicyID: "recipient.open"}
	}
	return model.PolicyResult{
		Decision: model.Escalate,
		Reason:   model.ReasonConfirmation,
		Detail:   fmt.Sprintf("recipient %q not in allowlist", recipient),
		PolicyID: "recipient.unlisted.escalate",
	}
}

// tableDecision resolves the simple allow/escalate rows
// (read_memory, write_memory, search_web).
func tableDecision(t model.ActionType, pol *ActionPolicy) model.PolicyResult {
	switch pol.Decision {
	case "allow":
		return model.PolicyResult{Decision: model.Allow, PolicyID: "table.allow"}
	case "escalate":
		return model.PolicyResult{
			Decision: model.Escalate,
			Reason:   model.ReasonConfirmation,
			Detail:   fmt.Sprintf("%s requires approval by policy", t),
			PolicyID: "table.escalate",
		}
	default:
		// Missing row decision fails closed.
		return model.PolicyResult{
			Decision: model.Deny,
			Reason:   model.ReasonPolicyViolation,
			Detail:   fmt.Sprintf("no policy decision configured for %s", t),
			PolicyID: "table.unconfigured",
		}
	}
}

// isPipeToShell detects download-pipe-to-shell chains like
// "curl ... | sh" or "wget ... | bash".
func isPipeToShell(cmd string) bool {
	if !strings.Contains(cmd, "|") {
		return false
	}
	shells := []string{"sh", "bash", "zsh", "fish"}
	downloaders := []string{"curl", "wget"}

	hasDownloader := false
	for _, d := range downloaders {
		if strings.Contains(cmd, d) {
			hasDownloader = true
			break
		}
	}
	if !hasDownloader {
		return false
	}

	parts := strings.Split(cmd, "|")
	for i := 1; i < len(parts); i++ {
		trimmed := strings.TrimSpace(parts[i])
		for _, s := range shells {
			if trimmed == s || strings.HasPrefix(trimmed, s+" ") {
				return true
			}
		}
	}
	return false
}
