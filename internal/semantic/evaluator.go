package semantic

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ppiankov/toolgate/internal/model"
)

// DefaultTimeout bounds one evaluator call. On expiry the batch falls
// back to the conservative evaluator, never to an implicit allow.
const DefaultTimeout = 30 * time.Second

// Backend is one semantic evaluator transport. Complete sends a
// system/user prompt pair and returns the raw model output.
type Backend interface {
	Name() string
	Complete(ctx context.Context, system, user string) (string, error)
}

// Config parameterizes an Evaluator.
type Config struct {
	Backend Backend
	Timeout time.Duration
	// Ceiling supplies the per-action-type max risk from the active
	// security policy, consulted by the fallback. Nil skips the check.
	Ceiling func(model.ActionType) model.RiskLevel
}

// Evaluator runs the semantic policy agent over an intent batch. Every
// failure mode (no backend, transport error, timeout, unparseable output)
// resolves to the conservative fallback; the caller always gets a
// decision.
type Evaluator struct {
	backend Backend
	timeout time.Duration
	ceiling func(model.ActionType) model.RiskLevel
}

// New creates an evaluator. A nil backend is legal: every batch then
// takes the fallback path, which keeps air-gapped deployments working.
func New(cfg Config) *Evaluator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Evaluator{
		backend: cfg.Backend,
		timeout: cfg.Timeout,
		ceiling: cfg.Ceiling,
	}
}

// Evaluate sends the batch to the semantic backend and returns its parsed
// decision, or the conservative fallback when the backend cannot answer.
func (e *Evaluator) Evaluate(ctx context.Context, userRequest string, intents []*model.ActionIntent, bundleSummary string, ident model.Identity) model.EnhancedPolicyDecision {
	if e.backend == nil {
		return Fallback(intents, CauseUnavailable, "no evaluator backend configured", e.ceiling)
	}

	user, err := BuildPrompt(userRequest, intents, bundleSummary, ident)
	if err != nil {
		return Fallback(intents, CauseUnavailable, err.Error(), e.ceiling)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	raw, err := e.backend.Complete(ctx, systemInstruction, user)
	if err != nil {
		cause := CauseTransport
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			cause = CauseTimeout
		}
		fmt.Fprintf(os.Stderr, "semantic: %s backend %s: %v\n", e.backend.Name(), cause, err)
		return Fallback(intents, cause, err.Error(), e.ceiling)
	}

	dec, err := ParseResponse(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "semantic: %s backend returned unusable decision: %v\n", e.backend.Name(), err)
		return Fallback(intents, CauseParse, err.Error(), e.ceiling)
	}
	return dec
}
