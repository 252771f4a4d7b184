package profile

import (
	"crypto/sha256"
	"encoding/hex"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/toolgate/internal/model"
	"github.com/ppiankov/toolgate/internal/policy"
)

// Apply merges profile overlays into a policy table. Denied lists are
// additive; allowed lists, decision, max_risk and the flag fields replace
// the base row value when the overlay sets them. Returns a new policy and
// does not mutate the input.
func Apply(p *Profile, pol *policy.SecurityPolicy) *policy.SecurityPolicy {
	if p == nil || len(p.Actions) == 0 {
		return pol
	}

	merged := &policy.SecurityPolicy{
		Actions: make(map[model.ActionType]*policy.ActionPolicy),
	}
	if pol != nil {
		for t, row := range pol.Actions {
			if row == nil {
				continue
			}
			c := *row
			merged.Actions[t] = &c
		}
	}

	for t, ov := range p.Actions {
		if ov == nil {
			continue
		}
		row, ok := merged.Actions[t]
		if !ok {
			base := *pol.For(t)
			row = &base
			merged.Actions[t] = row
		}

		if ov.Decision != "" {
			row.Decision = ov.Decision
		}
		if ov.MaxRisk != "" {
			row.MaxRisk = ov.MaxRisk
		}
		if ov.ApprovalRequired != nil {
			row.ApprovalRequired = *ov.ApprovalRequired
		}
		if ov.RequiresSanitization != nil {
			row.RequiresSanitization = *ov.RequiresSanitization
		}
		if len(ov.AllowedPathPrefixes) > 0 {
			row.AllowedPathPrefixes = append([]string(nil), ov.AllowedPathPrefixes...)
		}
		if len(ov.AllowedCommands) > 0 {
			row.AllowedCommands = append([]string(nil), ov.AllowedCommands...)
		}
		if len(ov.AllowedDomains) > 0 {
			row.AllowedDomains = append([]string(nil), ov.AllowedDomains...)
		}
		if len(ov.AllowedAgents) > 0 {
			row.AllowedAgents = append([]string(nil), ov.AllowedAgents...)
		}
		if len(ov.AllowedRecipients) > 0 {
			row.AllowedRecipients = append([]string(nil), ov.AllowedRecipients...)
		}
		if len(ov.AllowedEngines) > 0 {
			row.AllowedEngines = append([]string(nil), ov.AllowedEngines...)
		}
		row.DeniedPathPrefixes = appendUnique(row.DeniedPathPrefixes, ov.DeniedPathPrefixes)
		row.DeniedCommands = appendUnique(row.DeniedCommands, ov.DeniedCommands)
		row.DeniedSQLVerbs = appendUnique(row.DeniedSQLVerbs, ov.DeniedSQLVerbs)
	}

	return merged
}

// Stamp folds the applied profile into the policy hash so audit entries
// pin both the table and the posture it ran under. A nil profile returns
// the hash unchanged.
func Stamp(hash string, p *Profile) string {
	if p == nil {
		return hash
	}
	raw, err := yaml.Marshal(p)
	if err != nil {
		raw = []byte(p.Name)
	}
	h := sha256.New()
	h.Write([]byte(hash))
	h.Write([]byte{'\n'})
	h.Write(raw)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// appendUnique appends extra entries not already in base, always
// allocating a fresh slice so the base row's backing array is never
// written through.
func appendUnique(base, extra []string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	out = append(out, base...)
	for _, e := range extra {
		if e == "" {
			continue
		}
		dup := false
		for _, have := range out {
			if have == e {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, e)
		}
	}
	return out
}
