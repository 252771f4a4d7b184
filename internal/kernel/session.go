package kernel

import (
	"sync"
	"time"

	"github.com/ppiankov/toolgate/internal/model"
)

// DefaultSessionQuota is the per-session intent budget when none is
// configured.
const DefaultSessionQuota = 100

// sessionState accumulates per-session counters. Tier only ever worsens;
// a session that once carried hostile content stays marked.
type sessionState struct {
	mu          sync.Mutex
	sessionID   string
	worstTier   model.TrustTier
	intentCount int
	denialCount int
	firstSeen   time.Time
	lastSeen    time.Time
}

// SessionInfo is a read-only snapshot of one session's counters.
type SessionInfo struct {
	SessionID   string          `json:"session_id"`
	WorstTier   model.TrustTier `json:"worst_tier"`
	IntentCount int             `json:"intent_count"`
	DenialCount int             `json:"denial_count"`
	FirstSeen   time.Time       `json:"first_seen"`
	LastSeen    time.Time       `json:"last_seen"`
}

// session returns the tracked state for a session id, creating it on
// first sight.
func (k *Kernel) session(sessionID string) *sessionState {
	now := time.Now().UTC()
	v, _ := k.sessions.LoadOrStore(sessionID, &sessionState{
		sessionID: sessionID,
		worstTier: model.TierTrusted,
		firstSeen: now,
		lastSeen:  now,
	})
	return v.(*sessionState)
}

// admit checks the intent quota and, if there is room, charges the
// session for the batch. The check and the charge are one step so two
// concurrent batches cannot both squeeze under the limit.
func (s *sessionState) admit(n, quota int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.intentCount+n > quota {
		return false
	}
	s.intentCount += n
	s.lastSeen = time.Now().UTC()
	return true
}

func (s *sessionState) observeTier(tier model.TrustTier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.worstTier = model.WorstTier(s.worstTier, tier)
}

func (s *sessionState) addDenials(n int) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denialCount += n
}

func (s *sessionState) snapshot() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		SessionID:   s.sessionID,
		WorstTier:   s.worstTier,
		IntentCount: s.intentCount,
		DenialCount: s.denialCount,
		FirstSeen:   s.firstSeen,
		LastSeen:    s.lastSeen,
	}
}

// Sessions lists a snapshot of every tracked session.
func (k *Kernel) Sessions() []SessionInfo {
	var out []SessionInfo
	k.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*sessionState).snapshot())
		return true
	})
	return out
}

// Session returns the snapshot for one session id.
func (k *Kernel) Session(sessionID string) (SessionInfo, bool) {
	v, ok := k.sessions.Load(sessionID)
	if !ok {
		return SessionInfo{}, false
	}
	return v.(*sessionState).snapshot(), true
}
