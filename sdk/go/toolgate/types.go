package toolgate

import (
	"encoding/json"
	"fmt"

	"github.com/ppiankov/toolgate/internal/model"
)

// Decision is the policy enforcement outcome.
type Decision string

const (
	Allow                Decision = Decision(model.Allow)
	AllowWithConstraints Decision = Decision(model.AllowWithConstraints)
	Sanitize             Decision = Decision(model.Sanitize)
	RequireConfirmation  Decision = Decision(model.RequireConfirmation)
	Escalate             Decision = Decision(model.Escalate)
	Deny                 Decision = Decision(model.Deny)
)

// Action describes what a tool call intends to do. The target is always
// derived from the parameters, never declared separately.
type Action struct {
	Type       string         // action type: "read_file", "execute_command", "search_web", ...
	Parameters map[string]any // typed parameters for the action
	Risk       string         // self-assessed risk (low/medium/high/critical), defaults to low
	Rationale  string         // why the agent wants this action
	Citations  []Citation     // sources the action is derived from

	// Grant is populated by Wrap before the guarded function runs.
	// Callers leave it nil.
	Grant *Grant
}

// Citation names one provenance source backing an action.
type Citation struct {
	SourceType string // "user_request" or "evidence_chunk"
	SourceID   string
	TrustTier  string // "T0".."T3"
}

// Constraint is one restriction attached to a granted action.
type Constraint struct {
	Type    string
	Domains []string
	Limit   int64
	Amount  float64
	Note    string
}

// Grant records what the kernel decided for an allowed call. TokenID is
// redeemable through the kernel runner while it lives; the guarded
// function is responsible for honoring the constraints.
type Grant struct {
	IntentID    string
	TokenID     string
	Decision    Decision
	Constraints []Constraint
	Sanitize    bool
}

// BlockedError is returned when the kernel refuses an action.
type BlockedError struct {
	Action          Action
	Decision        Decision
	Reason          string
	Detail          string
	ConfirmationKey string
	EscalationID    string
}

func (e *BlockedError) Error() string {
	msg := e.Detail
	if msg == "" {
		msg = e.Reason
	}
	return fmt.Sprintf("toolgate blocked (%s): %s", e.Decision, msg)
}

// buildIntent maps an SDK Action onto a typed intent.
func buildIntent(a Action, agentID, sessionID string) (*model.ActionIntent, error) {
	raw, err := json.Marshal(a.Parameters)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}
	p, err := model.DecodeParams(model.ActionType(a.Type), raw)
	if err != nil {
		return nil, err
	}
	risk := model.RiskLevel(a.Risk)
	if risk == "" {
		risk = model.RiskLow
	}
	in := model.NewIntent(agentID, sessionID, p, risk)
	in.Rationale = a.Rationale
	for _, c := range a.Citations {
		in.Citations = append(in.Citations, model.Citation{
			SourceType: model.SourceType(c.SourceType),
			SourceID:   c.SourceID,
			Tier:       model.TrustTier(c.TrustTier),
		})
	}
	return in, nil
}

// toConstraints maps kernel constraints to the SDK mirror.
func toConstraints(cs []model.Constraint) []Constraint {
	if len(cs) == 0 {
		return nil
	}
	out := make([]Constraint, len(cs))
	for i, c := range cs {
		out[i] = Constraint{
			Type:    string(c.Type),
			Domains: c.Domains,
			Limit:   c.Limit,
			Amount:  c.Amount,
			Note:    c.Note,
		}
	}
	return out
}
