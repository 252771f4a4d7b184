package escalate

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ppiankov/toolgate/internal/model"
)

// Meta carries the batch context the decision itself does not hold.
type Meta struct {
	BatchID     string
	SessionID   string
	AgentID     string
	UserRequest string
	TTL         time.Duration
}

// Generate builds a report from an evaluated decision and the intents it
// covers. Each intent gets one line with its verdict; intents the
// decision names in neither list are pending, which is exactly what a
// reviewer needs to look at.
func Generate(dec *model.EnhancedPolicyDecision, intents []*model.ActionIntent, meta Meta) (*Report, error) {
	if dec == nil {
		return nil, errors.New("decision is required")
	}
	if len(intents) == 0 {
		return nil, errors.New("at least one intent is required")
	}

	id, err := generateID()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}
	ttl := meta.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now().UTC()

	r := &Report{
		ReportVersion: Version,
		ID:            id,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		BatchID:       meta.BatchID,
		SessionID:     meta.SessionID,
		AgentID:       meta.AgentID,
		UserRequest:   truncate(meta.UserRequest, 500),
		Decision:      dec.Decision,
		Risk:          dec.RiskLevel,
		Reasons:       dec.Reasons,
		Questions:     dec.RequiredUserPrompts,
		Guidance:      dec.SafeResponseGuidance,
		Approver:      approverFor(dec.RiskLevel),
	}
	if len(r.Reasons) == 0 {
		r.Reasons = []string{"escalated without a recorded reason"}
	}

	for _, in := range intents {
		line := IntentLine{
			IntentID:  in.ID,
			Action:    in.Type,
			Target:    in.Target,
			Risk:      in.Risk,
			Rationale: truncate(in.Rationale, 200),
			Verdict:   VerdictPending,
		}
		if dec.Allows(in.ID) {
			line.Verdict = VerdictAllowed
		} else if d, ok := dec.DenialFor(in.ID); ok {
			line.Verdict = VerdictDenied
			line.Detail = d.Detail
			if line.Detail == "" {
				line.Detail = string(d.Reason)
			}
		}
		r.Intents = append(r.Intents, line)
	}

	if err := Validate(r); err != nil {
		return nil, fmt.Errorf("generated report is invalid: %w", err)
	}
	return r, nil
}

// approverFor names the review level a risk demands.
func approverFor(risk model.RiskLevel) string {
	switch risk {
	case model.RiskCritical:
		return "security-team"
	case model.RiskHigh:
		return "team-lead"
	default:
		return "any-operator"
	}
}

// generateID creates a random report ID like "esc-a1b2c3d4".
func generateID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "esc-" + hex.EncodeToString(b), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Outbox persists reports as JSON files for the review tooling.
type Outbox struct {
	dir string
}

// DefaultDir returns the default escalation outbox directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "toolgate-escalations")
	}
	return filepath.Join(home, ".toolgate", "escalations")
}

// NewOutbox creates the outbox directory if needed.
func NewOutbox(dir string) (*Outbox, error) {
	if dir == "" {
		return nil, errors.New("outbox dir is required")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create outbox dir: %w", err)
	}
	return &Outbox{dir: dir}, nil
}

// Save writes one report and returns its path.
func (o *Outbox) Save(r *Report) (string, error) {
	if err := Validate(r); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	path := filepath.Join(o.dir, r.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// List returns all stored reports, newest first. Unreadable files are
// skipped.
func (o *Outbox) List() ([]*Report, error) {
	entries, err := os.ReadDir(o.dir)
	if err != nil {
		return nil, fmt.Errorf("read outbox dir: %w", err)
	}
	var reports []*Report
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(o.dir, e.Name()))
		if err != nil {
			continue
		}
		var r Report
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		reports = append(reports, &r)
	}
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].CreatedAt.After(reports[j].CreatedAt)
	})
	return reports, nil
}

// Get loads one report by id.
func (o *Outbox) Get(id string) (*Report, error) {
	data, err := os.ReadFile(filepath.Join(o.dir, id+".json"))
	if err != nil {
		return nil, fmt.Errorf("read report %s: %w", id, err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", id, err)
	}
	return &r, nil
}
