package audit

import (
	"fmt"
	"strings"
)

// FormatTimeline renders entries as a human-readable timeline,
// one line per entry, for the audit CLI.
func FormatTimeline(entries []AuditEntry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(formatEntry(&e))
		b.WriteString("\n")
	}
	return b.String()
}

func formatEntry(e *AuditEntry) string {
	var parts []string
	parts = append(parts, e.Timestamp, string(e.Event))

	if e.Action.Type != "" {
		act := string(e.Action.Type)
		if e.Action.Target != "" {
			act += " " + e.Action.Target
		}
		parts = append(parts, act)
	}
	if e.Decision != "" {
		parts = append(parts, "decision="+string(e.Decision))
	}
	if e.Reason != "" {
		parts = append(parts, "reason="+string(e.Reason))
	}
	if e.Result != "" {
		parts = append(parts, "result="+e.Result)
	}
	if e.TokenID != "" {
		parts = append(parts, "token="+short(e.TokenID))
	}
	if e.IntentID != "" {
		parts = append(parts, "intent="+short(e.IntentID))
	}
	if e.Flagged {
		flag := "FLAGGED"
		if e.FlagReason != "" {
			flag += ":" + e.FlagReason
		}
		parts = append(parts, flag)
	}
	return strings.Join(parts, "  ")
}

// FormatSummary renders a query summary as a short report.
func FormatSummary(s QuerySummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "entries: %d\n", s.Total)
	for _, ev := range []Event{EventIntent, EventDecision, EventExecution, EventEvidenceAccess, EventTokenRevoked, EventConfirmation, EventEscalation} {
		if n := s.ByEvent[ev]; n > 0 {
			fmt.Fprintf(&b, "  %s: %d\n", ev, n)
		}
	}
	if len(s.ByDecision) > 0 {
		b.WriteString("decisions:\n")
		for _, d := range []string{"allow", "allow_with_constraints", "sanitize", "require_confirmation", "escalate", "deny"} {
			if n := s.ByDecision[d]; n > 0 {
				fmt.Fprintf(&b, "  %s: %d\n", d, n)
			}
		}
	}
	if s.Flagged > 0 {
		fmt.Fprintf(&b, "flagged: %d\n", s.Flagged)
	}
	if s.First != "" {
		fmt.Fprintf(&b, "window: %s .. %s\n", s.First, s.Last)
	}
	return b.String()
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
