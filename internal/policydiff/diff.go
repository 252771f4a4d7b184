// Package policydiff compares two security policy tables row by row and
// labels each change stricter or looser, so a review can see at a glance
// whether an edit widens what agents may do.
package policydiff

import (
	"fmt"

	"github.com/ppiankov/toolgate/internal/model"
	"github.com/ppiankov/toolgate/internal/policy"
)

// Change represents a scalar field change on one action row.
type Change struct {
	Field   string `json:"field"`
	Old     string `json:"old"`
	New     string `json:"new"`
	Comment string `json:"comment,omitempty"`
}

// ListChange represents an allowlist or denylist entry added or removed.
type ListChange struct {
	Type    string `json:"type"` // "added", "removed"
	Field   string `json:"field"`
	Value   string `json:"value"`
	Comment string `json:"comment,omitempty"`
}

// DiffResult holds the comparison of two security policies.
type DiffResult struct {
	OldPath     string       `json:"old_path"`
	NewPath     string       `json:"new_path"`
	Changes     []Change     `json:"changes"`
	ListChanges []ListChange `json:"list_changes"`
	HasChanges  bool         `json:"has_changes"`
}

// Diff compares two security policies row by row.
func Diff(oldPol, newPol *policy.SecurityPolicy) *DiffResult {
	r := &DiffResult{}

	for _, t := range model.AllActionTypes {
		oldRow := oldPol.For(t)
		newRow := newPol.For(t)
		diffRow(r, t, oldRow, newRow)
	}

	r.HasChanges = len(r.Changes) > 0 || len(r.ListChanges) > 0
	return r
}

func diffRow(r *DiffResult, t model.ActionType, oldRow, newRow *policy.ActionPolicy) {
	prefix := string(t) + "."

	if oldRow.Decision != newRow.Decision {
		r.Changes = append(r.Changes, Change{
			Field:   prefix + "decision",
			Old:     orDefault(oldRow.Decision),
			New:     orDefault(newRow.Decision),
			Comment: decisionComment(oldRow.Decision, newRow.Decision),
		})
	}

	if oldRow.MaxRisk != newRow.MaxRisk {
		r.Changes = append(r.Changes, Change{
			Field:   prefix + "max_risk",
			Old:     string(oldRow.MaxRisk),
			New:     string(newRow.MaxRisk),
			Comment: riskComment(oldRow.MaxRisk, newRow.MaxRisk),
		})
	}

	diffBool(r, prefix+"approval_required", oldRow.ApprovalRequired, newRow.ApprovalRequired, true)
	diffBool(r, prefix+"requires_sanitization", oldRow.RequiresSanitization, newRow.RequiresSanitization, true)

	diffList(r, prefix+"allowed_path_prefixes", oldRow.AllowedPathPrefixes, newRow.AllowedPathPrefixes, false)
	diffList(r, prefix+"denied_path_prefixes", oldRow.DeniedPathPrefixes, newRow.DeniedPathPrefixes, true)
	diffList(r, prefix+"allowed_commands", oldRow.AllowedCommands, newRow.AllowedCommands, false)
	diffList(r, prefix+"denied_commands", oldRow.DeniedCommands, newRow.DeniedCommands, true)
	diffList(r, prefix+"denied_sql_verbs", oldRow.DeniedSQLVerbs, newRow.DeniedSQLVerbs, true)
	diffList(r, prefix+"allowed_domains", oldRow.AllowedDomains, newRow.AllowedDomains, false)
	diffList(r, prefix+"allowed_agents", oldRow.AllowedAgents, newRow.AllowedAgents, false)
	diffList(r, prefix+"allowed_recipients", oldRow.AllowedRecipients, newRow.AllowedRecipients, false)
	diffList(r, prefix+"allowed_engines", oldRow.AllowedEngines, newRow.AllowedEngines, false)
}

func diffBool(r *DiffResult, field string, oldVal, newVal, trueIsStricter bool) {
	if oldVal == newVal {
		return
	}
	comment := "looser"
	if newVal == trueIsStricter {
		comment = "stricter"
	}
	r.Changes = append(r.Changes, Change{
		Field:   field,
		Old:     fmt.Sprintf("%t", oldVal),
		New:     fmt.Sprintf("%t", newVal),
		Comment: comment,
	})
}

// diffList reports entries present in one list and not the other. An
// entry added to a denylist tightens the row; an entry added to an
// allowlist widens it.
func diffList(r *DiffResult, field string, oldList, newList []string, isDenylist bool) {
	oldSet := toSet(oldList)
	newSet := toSet(newList)

	addComment, removeComment := "looser", "stricter"
	if isDenylist {
		addComment, removeComment = "stricter", "looser"
	}

	for _, v := range newList {
		if !oldSet[v] {
			r.ListChanges = append(r.ListChanges, ListChange{
				Type: "added", Field: field, Value: v, Comment: addComment,
			})
		}
	}
	for _, v := range oldList {
		if !newSet[v] {
			r.ListChanges = append(r.ListChanges, ListChange{
				Type: "removed", Field: field, Value: v, Comment: removeComment,
			})
		}
	}
}

func toSet(list []string) map[string]bool {
	set := make(map[string]bool, len(list))
	for _, v := range list {
		set[v] = true
	}
	return set
}

// decisionRank orders decisions loosest to strictest. The empty string
// is the fail-closed default and ranks as deny.
func decisionRank(d string) int {
	switch d {
	case "allow":
		return 0
	case "escalate":
		return 1
	default:
		return 2
	}
}

func decisionComment(oldD, newD string) string {
	if decisionRank(newD) > decisionRank(oldD) {
		return "stricter"
	}
	return "looser"
}

// riskComment treats a lower ceiling as stricter.
func riskComment(oldR, newR model.RiskLevel) string {
	if model.RiskRank[newR] < model.RiskRank[oldR] {
		return "stricter"
	}
	return "looser"
}

func orDefault(d string) string {
	if d == "" {
		return "(deterministic)"
	}
	return d
}
