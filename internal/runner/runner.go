// Package runner executes validated tool intents. It is the only part of
// the system that performs a real side effect, and it performs one only
// when presented with a token that verifies, matches the intent, carries
// the required capability, and still has uses left. Every check the
// engine made at decision time is re-made here at execution time.
package runner

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ppiankov/toolgate/internal/audit"
	"github.com/ppiankov/toolgate/internal/model"
	"github.com/ppiankov/toolgate/internal/policy"
	"github.com/ppiankov/toolgate/internal/token"
)

// Status classifies an execution outcome.
type Status string

const (
	// StatusCompleted means the operation ran and returned.
	StatusCompleted Status = "completed"
	// StatusFailed means the operation ran or started and failed. The
	// failure is carried in the result, never raised.
	StatusFailed Status = "failed"
	// StatusRejected means the token gate refused before any side effect.
	StatusRejected Status = "rejected"
)

// ExecutionResult is the outcome of one Execute call. Failures are data:
// a missing file, a non-zero exit, and an exhausted token all land here
// with Status set accordingly.
type ExecutionResult struct {
	IntentID   string    `json:"intent_id"`
	TokenID    string    `json:"token_id,omitempty"`
	Status     Status    `json:"status"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	ExitCode   int       `json:"exit_code,omitempty"`
	Sanitized  bool      `json:"sanitized,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
}

// Recorder receives one audit entry per execution attempt.
type Recorder interface {
	Record(entry *audit.AuditEntry) error
}

// Config holds the execution-time allowlists and backends. The engine
// screened targets at decision time; the runner re-checks against this
// configuration before touching anything.
type Config struct {
	// Root is the directory file operations are confined to.
	Root string
	// MemoryDir backs read_memory and write_memory.
	MemoryDir string
	// OutboxDir receives delegation records and message drops.
	OutboxDir string
	// DatabasePath is the SQLite file served to query_database.
	DatabasePath string

	AllowedDomains    []string
	AllowedAgents     []string
	AllowedRecipients []string
	AllowedEngines    []string

	CommandTimeout time.Duration
	HTTPTimeout    time.Duration
	MessageLimit   int
	MessageWindow  time.Duration
	MaxOutputBytes int
}

func (c Config) withDefaults() Config {
	if c.Root == "" {
		c.Root = "."
	}
	if c.MemoryDir == "" {
		c.MemoryDir = filepath.Join(c.Root, ".memory")
	}
	if c.OutboxDir == "" {
		c.OutboxDir = filepath.Join(c.Root, ".outbox")
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 30 * time.Second
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 15 * time.Second
	}
	if c.MessageLimit <= 0 {
		c.MessageLimit = 5
	}
	if c.MessageWindow <= 0 {
		c.MessageWindow = time.Hour
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 64 * 1024
	}
	return c
}

// ConfigFromPolicy lifts the execution allowlists out of the policy
// table so the runner and the engine agree on domains, agents,
// recipients, and engines without a second configuration file.
func ConfigFromPolicy(pol *policy.SecurityPolicy, root string) Config {
	return Config{
		Root:              root,
		AllowedDomains:    pol.For(model.ActionCallAPI).AllowedDomains,
		AllowedAgents:     pol.For(model.ActionDelegateTask).AllowedAgents,
		AllowedRecipients: pol.For(model.ActionSendMessage).AllowedRecipients,
		AllowedEngines:    pol.For(model.ActionSearchWeb).AllowedEngines,
	}
}

// Runner dispatches intents to concrete tool backends behind the token
// gate.
type Runner struct {
	cfg    Config
	tokens *token.Manager
	rec    Recorder
	client *http.Client
	rate   *rateLimiter
	db     dbHandle
}

// New creates a runner. A nil Recorder disables audit writes, which is
// only acceptable in tests.
func New(cfg Config, tokens *token.Manager, rec Recorder) *Runner {
	cfg = cfg.withDefaults()
	return &Runner{
		cfg:    cfg,
		tokens: tokens,
		rec:    rec,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		rate: newRateLimiter(
			filepath.Join(cfg.OutboxDir, "ratelimit"),
			cfg.MessageLimit,
			cfg.MessageWindow,
		),
	}
}

// outcome is what a dispatch handler produces.
type outcome struct {
	Output    string
	ExitCode  int
	Sanitized bool
}

// Execute runs one intent under one token. Gate order is fixed: look up,
// verify signature and validity, match the bound intent, check the
// capability, consume a use. Only then does any backend run. A gate
// failure is a rejected result with no side effect; a backend failure is
// a failed result. Either way exactly one audit entry is written.
func (r *Runner) Execute(ctx context.Context, intent *model.ActionIntent, tokenID string) ExecutionResult {
	started := time.Now().UTC()
	res := ExecutionResult{
		Status:    StatusRejected,
		TokenID:   tokenID,
		StartedAt: started,
	}
	if intent == nil {
		res.Error = "intent is nil"
		return res
	}
	res.IntentID = intent.ID

	defer func() {
		r.record(intent, &res)
	}()

	if err := intent.Validate(); err != nil {
		res.Error = fmt.Sprintf("invalid intent: %v", err)
		return res
	}

	tok, ok := r.tokens.Get(tokenID)
	if !ok {
		res.Error = "token not found"
		return res
	}
	if ok, reason := r.tokens.Validate(tok, intent.AgentID, intent.Type, intent.Target); !ok {
		res.Error = reason
		return res
	}
	if tok.IntentID != intent.ID {
		res.Error = fmt.Sprintf("token bound to intent %q, not %q", tok.IntentID, intent.ID)
		return res
	}
	if !tok.HasCapability(intent.Type) {
		res.Error = fmt.Sprintf("token lacks capability %q", token.Capability(intent.Type))
		return res
	}
	if ok, reason := r.tokens.Consume(tokenID); !ok {
		res.Error = reason
		return res
	}

	out, err := r.dispatch(ctx, intent, needsSanitize(intent, tok))
	res.Output = truncateOutput(out.Output, r.cfg.MaxOutputBytes)
	res.ExitCode = out.ExitCode
	res.Sanitized = out.Sanitized
	res.DurationMs = time.Since(started).Milliseconds()
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		return res
	}
	res.Status = StatusCompleted
	return res
}

// dispatch routes to the concrete backend. A panicking handler becomes a
// failed result like any other error.
func (r *Runner) dispatch(ctx context.Context, intent *model.ActionIntent, sanitize bool) (out outcome, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("handler panic: %v", v)
		}
	}()

	switch p := intent.Params.(type) {
	case model.ReadFileParams:
		out.Output, err = r.readFile(p)
	case model.WriteFileParams:
		out.Output, out.Sanitized, err = r.writeFile(p, sanitize)
	case model.ExecuteCommandParams:
		out.Output, out.ExitCode, err = r.runCommand(ctx, p)
	case model.QueryDatabaseParams:
		out.Output, err = r.queryDatabase(ctx, p)
	case model.CallAPIParams:
		out.Output, err = r.callAPI(ctx, p)
	case model.DelegateTaskParams:
		out.Output, err = r.delegateTask(intent, p)
	case model.ReadMemoryParams:
		out.Output, err = r.readMemory(p)
	case model.WriteMemoryParams:
		out.Output, out.Sanitized, err = r.writeMemory(p, sanitize)
	case model.SearchWebParams:
		out.Output, err = r.searchWeb(ctx, p)
	case model.SendMessageParams:
		out.Output, out.Sanitized, err = r.sendMessage(intent, p, sanitize)
	default:
		err = fmt.Errorf("no handler for action type %q", intent.Type)
	}
	return out, err
}

// needsSanitize reports whether the sanitation hook applies: either the
// intent asked for it, or the decision attached the obligation to the
// token.
func needsSanitize(intent *model.ActionIntent, tok *token.Token) bool {
	if intent.WantsSanitize() {
		return true
	}
	for _, c := range tok.Constraints {
		if c.Type == model.ConstraintNote && c.Note == "sanitize" {
			return true
		}
	}
	return false
}

// record writes the per-execution audit entry. The side effect, if any,
// has already happened; a write failure is reported on stderr rather
// than rewritten into the result.
func (r *Runner) record(intent *model.ActionIntent, res *ExecutionResult) {
	if r.rec == nil {
		return
	}
	entry := &audit.AuditEntry{
		Event:     audit.EventExecution,
		IntentID:  intent.ID,
		TokenID:   res.TokenID,
		AgentID:   intent.AgentID,
		SessionID: intent.SessionID,
		Action: audit.AuditAction{
			Type:   intent.Type,
			Target: intent.Target,
		},
		Result: string(res.Status),
	}
	if res.Status == StatusRejected {
		entry.Flagged = true
		entry.FlagReason = res.Error
	}
	if err := r.rec.Record(entry); err != nil {
		fmt.Fprintf(os.Stderr, "audit write failed after execution of %s: %v\n", intent.ID, err)
	}
}

func truncateOutput(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "\n[output truncated]"
}
