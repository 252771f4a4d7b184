package toolgate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/toolgate/internal/kernel"
	"github.com/ppiankov/toolgate/internal/model"
)

// ToolFunc is the function signature that Wrap guards. The caller
// provides an Action describing the intended operation.
type ToolFunc func(ctx context.Context, action Action) (any, error)

// Wrap returns a new ToolFunc that submits each call through the kernel
// before invoking fn. A blocked call returns a *BlockedError without
// calling fn; an actionable one runs fn with Grant populated on the
// action. The returned function is safe for concurrent use.
func Wrap(k *kernel.Kernel, agentID string, fn ToolFunc, opts ...WrapOption) ToolFunc {
	cfg := wrapConfig{
		session: uuid.NewString(),
		user:    "sdk",
	}
	for _, o := range opts {
		o(&cfg)
	}

	return func(ctx context.Context, action Action) (any, error) {
		in, err := buildIntent(action, agentID, cfg.session)
		if err != nil {
			return nil, fmt.Errorf("toolgate: %w", err)
		}

		userRequest := cfg.userRequest
		if userRequest == "" {
			userRequest = action.Rationale
		}
		batch := model.NewBatch(userRequest, model.Identity{
			UserID:    cfg.user,
			SessionID: cfg.session,
			Origin:    model.OriginSystem,
			Auth:      model.AuthToken,
			Timestamp: time.Now().UTC(),
		}, in)

		result, err := k.ProcessBatch(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("toolgate: %w", err)
		}

		o := result.Outcomes[0]
		if !o.Decision.Actionable() {
			return nil, &BlockedError{
				Action:          action,
				Decision:        Decision(o.Decision),
				Reason:          string(o.Reason),
				Detail:          o.Detail,
				ConfirmationKey: o.ConfirmationKey,
				EscalationID:    result.EscalationID,
			}
		}

		granted := action
		granted.Grant = &Grant{
			IntentID:    o.IntentID,
			TokenID:     o.TokenID,
			Decision:    Decision(o.Decision),
			Constraints: toConstraints(o.Constraints),
			Sanitize:    o.Decision == model.Sanitize,
		}
		return fn(ctx, granted)
	}
}
