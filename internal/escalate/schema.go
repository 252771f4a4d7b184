// Package escalate builds the handoff artifact for decisions a human has
// to settle. A report captures what was asked, what the evaluator
// concluded per intent, and how long the request stays reviewable.
package escalate

import (
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/toolgate/internal/model"
)

// Version is the current report schema version.
const Version = "1"

// DefaultTTL is how long an escalation stays reviewable before it
// expires on its own.
const DefaultTTL = 24 * time.Hour

// Verdict is the per-intent outcome inside a report.
type Verdict string

const (
	VerdictAllowed Verdict = "allowed"
	VerdictDenied  Verdict = "denied"
	VerdictPending Verdict = "pending"
)

// IntentLine summarizes one intent for the reviewer.
type IntentLine struct {
	IntentID  string           `json:"intent_id"`
	Action    model.ActionType `json:"action"`
	Target    string           `json:"target"`
	Risk      model.RiskLevel  `json:"risk"`
	Rationale string           `json:"rationale,omitempty"`
	Verdict   Verdict          `json:"verdict"`
	Detail    string           `json:"detail,omitempty"`
}

// Report is the structured escalation document.
type Report struct {
	ReportVersion string          `json:"report_version"`
	ID            string          `json:"id"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
	BatchID       string          `json:"batch_id,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	AgentID       string          `json:"agent_id,omitempty"`
	UserRequest   string          `json:"user_request,omitempty"`
	Decision      model.Decision  `json:"decision"`
	Risk          model.RiskLevel `json:"risk"`
	Reasons       []string        `json:"reasons"`
	Intents       []IntentLine    `json:"intents"`
	Questions     []string        `json:"questions,omitempty"`
	Guidance      string          `json:"guidance,omitempty"`
	Approver      string          `json:"approver_hint,omitempty"`
}

// ValidationError collects all validation failures for a report.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("report validation failed: %s", strings.Join(e.Errors, "; "))
}

func (e *ValidationError) add(msg string) {
	e.Errors = append(e.Errors, msg)
}

// Validate checks a report for completeness. Returns nil if valid, or a
// *ValidationError listing all problems.
func Validate(r *Report) error {
	ve := &ValidationError{}

	if r.ReportVersion == "" {
		ve.add("report_version is required")
	} else if r.ReportVersion != Version {
		ve.add(fmt.Sprintf("report_version %q is not supported (expected %q)", r.ReportVersion, Version))
	}
	if r.ID == "" {
		ve.add("id is required")
	}
	if r.CreatedAt.IsZero() {
		ve.add("created_at is required")
	}
	if r.ExpiresAt.IsZero() {
		ve.add("expires_at is required")
	} else if !r.CreatedAt.IsZero() && !r.ExpiresAt.After(r.CreatedAt) {
		ve.add("expires_at must be after created_at")
	}
	if len(r.Intents) == 0 {
		ve.add("at least one intent is required")
	}
	for i, line := range r.Intents {
		prefix := fmt.Sprintf("intents[%d]", i)
		if line.IntentID == "" {
			ve.add(prefix + ": intent_id is required")
		}
		if !model.ValidActionType(line.Action) {
			ve.add(fmt.Sprintf("%s: unknown action %q", prefix, line.Action))
		}
		switch line.Verdict {
		case VerdictAllowed, VerdictDenied, VerdictPending:
		default:
			ve.add(fmt.Sprintf("%s: invalid verdict %q", prefix, line.Verdict))
		}
	}
	if len(r.Reasons) == 0 {
		ve.add("at least one reason is required")
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}
