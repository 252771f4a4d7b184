package identity

import (
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/toolgate/internal/model"
)

// Session is one agent's conversation with the gate. The boundary
// identity is attached at creation and never replaced afterwards.
type Session struct {
	SessionID string         `json:"session_id"`
	AgentID   string         `json:"agent_id"`
	Identity  model.Identity `json:"identity"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewSession creates a session for the given agent with a generated id.
func NewSession(agentID string, ident model.Identity) *Session {
	s := &Session{
		SessionID: uuid.NewString(),
		AgentID:   agentID,
		Identity:  ident,
		CreatedAt: time.Now().UTC(),
	}
	s.Identity.SessionID = s.SessionID
	return s
}
