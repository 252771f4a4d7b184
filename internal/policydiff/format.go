package policydiff

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatText renders the diff result as human-readable text, grouped by
// action type.
func FormatText(r *DiffResult) string {
	if !r.HasChanges {
		return fmt.Sprintf("Policy diff: %s → %s\n\nNo changes detected.\n", r.OldPath, r.NewPath)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Policy diff: %s → %s\n", r.OldPath, r.NewPath)

	for _, action := range changedActions(r) {
		fmt.Fprintf(&b, "\n  %s:\n", action)

		for _, c := range r.Changes {
			if actionOf(c.Field) != action {
				continue
			}
			fmt.Fprintf(&b, "    %-24s %s → %s", fieldOf(c.Field)+":", c.Old, c.New)
			if c.Comment != "" {
				fmt.Fprintf(&b, "  (%s)", c.Comment)
			}
			b.WriteString("\n")
		}

		for _, lc := range r.ListChanges {
			if actionOf(lc.Field) != action {
				continue
			}
			sign := "+"
			if lc.Type == "removed" {
				sign = "-"
			}
			fmt.Fprintf(&b, "    %s %s: %s", sign, fieldOf(lc.Field), lc.Value)
			if lc.Comment != "" {
				fmt.Fprintf(&b, "  (%s)", lc.Comment)
			}
			b.WriteString("\n")
		}
	}

	stricter, looser := 0, 0
	for _, c := range r.Changes {
		countComment(c.Comment, &stricter, &looser)
	}
	for _, lc := range r.ListChanges {
		countComment(lc.Comment, &stricter, &looser)
	}
	fmt.Fprintf(&b, "\n%d stricter, %d looser.\n", stricter, looser)

	return b.String()
}

// FormatJSON renders the diff result as JSON.
func FormatJSON(r *DiffResult) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal diff result: %w", err)
	}
	return string(data), nil
}

// changedActions returns the action prefixes with at least one change,
// in first-appearance order.
func changedActions(r *DiffResult) []string {
	var order []string
	seen := make(map[string]bool)
	note := func(field string) {
		a := actionOf(field)
		if !seen[a] {
			seen[a] = true
			order = append(order, a)
		}
	}
	for _, c := range r.Changes {
		note(c.Field)
	}
	for _, lc := range r.ListChanges {
		note(lc.Field)
	}
	return order
}

func actionOf(field string) string {
	if i := strings.IndexByte(field, '.'); i >= 0 {
		return field[:i]
	}
	return field
}

func fieldOf(field string) string {
	if i := strings.IndexByte(field, '.'); i >= 0 {
		return field[i+1:]
	}
	return field
}

func countComment(comment string, stricter, looser *int) {
	switch comment {
	case "stricter":
		*stricter++
	case "looser":
		*looser++
	}
}
