package runner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/toolgate/internal/model"
)

// outboxRecord is what lands on disk for delegation and messaging. No
// transport runs here; a separate worker drains the outbox.
type outboxRecord struct {
	Kind        string    `json:"kind"`
	IntentID    string    `json:"intent_id"`
	AgentID     string    `json:"agent_id"`
	TargetAgent string    `json:"target_agent,omitempty"`
	Task        string    `json:"task,omitempty"`
	Recipient   string    `json:"recipient,omitempty"`
	Subject     string    `json:"subject,omitempty"`
	Body        string    `json:"body,omitempty"`
	Sanitized   bool      `json:"sanitized,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (r *Runner) delegateTask(intent *model.ActionIntent, p model.DelegateTaskParams) (string, error) {
	if !r.agentAllowed(p.TargetAgent) {
		return "", fmt.Errorf("agent %q is not in the delegation allowlist", p.TargetAgent)
	}
	path, err := r.dropOutbox(outboxRecord{
		Kind:        "delegation",
		IntentID:    intent.ID,
		AgentID:     intent.AgentID,
		TargetAgent: p.TargetAgent,
		Task:        p.Task,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("delegation to %s recorded at %s", p.TargetAgent, path), nil
}

func (r *Runner) sendMessage(intent *model.ActionIntent, p model.SendMessageParams, sanitize bool) (string, bool, error) {
	if !r.recipientAllowed(p.Recipient) {
		return "", false, fmt.Errorf("recipient %q is not in the allowlist", p.Recipient)
	}
	if err := r.rate.Check(p.Recipient); err != nil {
		return "", false, err
	}
	body := p.Body
	sanitized := false
	if sanitize {
		body, sanitized = Sanitize(body)
	}
	path, err := r.dropOutbox(outboxRecord{
		Kind:      "message",
		IntentID:  intent.ID,
		AgentID:   intent.AgentID,
		Recipient: p.Recipient,
		Subject:   p.Subject,
		Body:      body,
		Sanitized: sanitized,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", sanitized, err
	}
	return fmt.Sprintf("message to %s dropped at %s", p.Recipient, path), sanitized, nil
}

// agentAllowed mirrors the policy check: "*" opens delegation to any
// agent, otherwise the match is case-insensitive and exact.
func (r *Runner) agentAllowed(agent string) bool {
	for _, allowed := range r.cfg.AllowedAgents {
		if allowed == "*" || strings.EqualFold(allowed, agent) {
			return true
		}
	}
	return false
}

// recipientAllowed is exact-match only. The decision layer escalates
// unlisted recipients; by the time an intent reaches the runner an
// unlisted recipient means the configuration drifted, so it fails
// closed.
func (r *Runner) recipientAllowed(recipient string) bool {
	for _, allowed := range r.cfg.AllowedRecipients {
		if strings.EqualFold(allowed, recipient) {
			return true
		}
	}
	return false
}

// dropOutbox writes one record as a JSON file and returns its path.
func (r *Runner) dropOutbox(rec outboxRecord) (string, error) {
	if err := os.MkdirAll(r.cfg.OutboxDir, 0750); err != nil {
		return "", fmt.Errorf("create outbox: %w", err)
	}
	name := fmt.Sprintf("%s-%d-%s.json", rec.Kind, time.Now().UnixNano(), shortHash(rec.IntentID))
	path := filepath.Join(r.cfg.OutboxDir, name)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode outbox record: %w", err)
	}
	if err := writeAtomic(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write outbox record: %w", err)
	}
	return path, nil
}

func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:4])
}

// rateLimiter enforces the per-recipient send limit with state files, so
// the count survives restarts. The mutex covers concurrent sends inside
// one process.
type rateLimiter struct {
	mu       sync.Mutex
	stateDir string
	limit    int
	window   time.Duration
}

type rateState struct {
	Timestamps []time.Time `json:"timestamps"`
}

func newRateLimiter(stateDir string, limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{stateDir: stateDir, limit: limit, window: window}
}

// Check returns nil if the recipient is under the limit and records the
// attempt.
func (l *rateLimiter) Check(recipient string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.stateDir, 0750); err != nil {
		return fmt.Errorf("create rate limit dir: %w", err)
	}

	path := l.statePath(recipient)
	state := loadRateState(path)

	cutoff := time.Now().Add(-l.window)
	var recent []time.Time
	for _, ts := range state.Timestamps {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	if len(recent) >= l.limit {
		return fmt.Errorf("rate limit exceeded: %d messages to %s in the last %s",
			len(recent), recipient, l.window)
	}

	recent = append(recent, time.Now().UTC())
	state.Timestamps = recent

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return writeAtomic(path, data, 0o600)
}

// statePath hashes the recipient so addresses never become filenames.
func (l *rateLimiter) statePath(recipient string) string {
	h := sha256.Sum256([]byte(strings.ToLower(recipient)))
	return filepath.Join(l.stateDir, hex.EncodeToString(h[:8])+".json")
}

func loadRateState(path string) *rateState {
	data, err := os.ReadFile(path)
	if err != nil {
		return &rateState{}
	}
	var s rateState
	if err := json.Unmarshal(data, &s); err != nil {
		return &rateState{}
	}
	return &s
}
