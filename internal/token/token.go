package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/toolgate/internal/model"
)

// Default TTLs per scope. File operations get short single-use grants,
// memory operations get session-length grants.
const (
	SingleUseTTL = 5 * time.Minute
	SessionTTL   = time.Hour
)

// maxRevocations bounds the nonce revocation set. CleanupRevocations
// drops the oldest entries past this size.
const maxRevocations = 4096

// Token is a signed, time-limited grant to run exactly one operation
// triple (agent, tool, operation). The signature covers the canonical
// claims; any field change invalidates it.
type Token struct {
	ID           string             `json:"id"`
	Issuer       string             `json:"iss"`
	IntentID     string             `json:"sub"`
	AgentID      string             `json:"agent_id"`
	Tool         model.ActionType   `json:"tool"`
	Operation    string             `json:"operation"`
	Scope        model.TokenScope   `json:"scope"`
	Capabilities []string           `json:"capabilities,omitempty"`
	Constraints  []model.Constraint `json:"constraints,omitempty"`
	IssuedAt     time.Time          `json:"iat"`
	ExpiresAt    time.Time          `json:"exp"`
	MaxUses      int                `json:"max_uses"`
	UseCount     int                `json:"use_count"`
	Nonce        string             `json:"nonce"`
	Signature    string             `json:"signature"`
}

// claims is the canonical signing payload. Field order is fixed by the
// struct; json.Marshal emits it deterministically.
type claims struct {
	Iss         string             `json:"iss"`
	Sub         string             `json:"sub"`
	AgentID     string             `json:"agent_id"`
	Tool        string             `json:"tool"`
	Operation   string             `json:"operation"`
	Constraints []model.Constraint `json:"constraints"`
	Iat         int64              `json:"iat"`
	Exp         int64              `json:"exp"`
	Nonce       string             `json:"nonce"`
}

type record struct {
	mu  sync.Mutex
	tok Token
}

// Manager mints, validates, consumes, and revokes capability tokens.
// Records live in a sync.Map with a per-record mutex, so operations on
// different tokens never block each other while a same-token
// check-then-increment stays atomic.
type Manager struct {
	secret []byte
	issuer string

	records sync.Map // token id -> *record

	revMu   sync.Mutex
	revoked map[string]time.Time // nonce -> revocation time

	now func() time.Time
}

// NewManager creates a token manager. A nil secret generates a random
// per-process one, which is fine for a single-process kernel but makes
// tokens unverifiable across restarts.
func NewManager(secret []byte) *Manager {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			panic(fmt.Sprintf("token: generate secret: %v", err))
		}
	}
	return &Manager{
		secret:  secret,
		issuer:  "toolgate",
		revoked: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Mint creates and stores a signed token for one intent.
func (m *Manager) Mint(agentID string, tool model.ActionType, operation, intentID string, constraints []model.Constraint, ttl time.Duration, scope model.TokenScope, maxUses int) (*Token, error) {
	if agentID == "" {
		return nil, errors.New("token: agent_id is required")
	}
	if !model.ValidActionType(tool) {
		return nil, fmt.Errorf("token: unknown tool %q", tool)
	}
	if intentID == "" {
		return nil, errors.New("token: intent id is required")
	}
	if ttl <= 0 {
		return nil, errors.New("token: ttl must be positive, expiry is mandatory")
	}

	now := m.now().UTC()
	tok := Token{
		ID:          uuid.NewString(),
		Issuer:      m.issuer,
		IntentID:    intentID,
		AgentID:     agentID,
		Tool:        tool,
		Operation:   operation,
		Scope:       scope,
		Constraints: constraints,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
		MaxUses:     maxUses,
		Nonce:       newNonce(),
	}
	tok.Capabilities = []string{Capability(tool)}

	sig, err := m.sign(&tok)
	if err != nil {
		return nil, err
	}
	tok.Signature = sig

	m.records.Store(tok.ID, &record{tok: tok})
	out := tok
	return &out, nil
}

// Get returns a copy of a stored token.
func (m *Manager) Get(id string) (*Token, bool) {
	v, ok := m.records.Load(id)
	if !ok {
		return nil, false
	}
	rec := v.(*record)
	rec.mu.Lock()
	tok := rec.tok
	rec.mu.Unlock()
	return &tok, true
}

// Validate checks a token against the expected execution triple.
// Check order is fixed: signature, expiry, issue time, revocation,
// then exact (agent, tool, operation) match. The first failure wins
// and is returned as the reason.
func (m *Manager) Validate(tok *Token, expectedAgent string, expectedTool model.ActionType, expectedOp string) (bool, string) {
	if tok == nil {
		return false, "token is nil"
	}

	sig, err := m.sign(tok)
	if err != nil {
		return false, "cannot compute signature"
	}
	if !hmac.Equal([]byte(sig), []byte(tok.Signature)) {
		return false, "invalid signature"
	}

	now := m.now().UTC()
	if tok.ExpiresAt.IsZero() {
		return false, "token has no expiry"
	}
	if now.After(tok.ExpiresAt) {
		return false, "token expired"
	}
	if tok.IssuedAt.After(now) {
		return false, "token issued in the future"
	}

	m.revMu.Lock()
	_, revoked := m.revoked[tok.Nonce]
	m.revMu.Unlock()
	if revoked {
		return false, "token revoked"
	}

	if tok.AgentID != expectedAgent {
		return false, fmt.Sprintf("agent mismatch: token for %q", tok.AgentID)
	}
	if tok.Tool != expectedTool {
		return false, fmt.Sprintf("tool mismatch: token for %q", tok.Tool)
	}
	if tok.Operation != expectedOp {
		return false, "operation mismatch"
	}
	return true, ""
}

// Consume atomically checks and increments a token's use count.
// Exhausted or unknown tokens fail with a reason.
func (m *Manager) Consume(id string) (bool, string) {
	v, ok := m.records.Load(id)
	if !ok {
		return false, "token not found"
	}
	rec := v.(*record)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.tok.MaxUses > 0 && rec.tok.UseCount >= rec.tok.MaxUses {
		if rec.tok.MaxUses == 1 {
			return false, "single-use token already used"
		}
		return false, "token uses exhausted"
	}
	rec.tok.UseCount++
	return true, ""
}

// Revoke adds a nonce to the revocation set and drops any stored record
// carrying it. Reports whether a live record was dropped.
func (m *Manager) Revoke(nonce string) bool {
	if nonce == "" {
		return false
	}
	m.revMu.Lock()
	m.revoked[nonce] = m.now().UTC()
	m.revMu.Unlock()

	dropped := false
	m.records.Range(func(key, value any) bool {
		rec := value.(*record)
		rec.mu.Lock()
		match := rec.tok.Nonce == nonce
		rec.mu.Unlock()
		if match {
			m.records.Delete(key)
			dropped = true
			return false
		}
		return true
	})
	return dropped
}

// RevokeID revokes a token by id.
func (m *Manager) RevokeID(id string) bool {
	tok, ok := m.Get(id)
	if !ok {
		return false
	}
	return m.Revoke(tok.Nonce)
}

// CleanupRevocations bounds the revocation set, dropping the oldest
// entries first. Returns how many were removed.
func (m *Manager) CleanupRevocations() int {
	m.revMu.Lock()
	defer m.revMu.Unlock()

	excess := len(m.revoked) - maxRevocations
	if excess <= 0 {
		return 0
	}

	type rev struct {
		nonce string
		at    time.Time
	}
	all := make([]rev, 0, len(m.revoked))
	for n, at := range m.revoked {
		all = append(all, rev{n, at})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for _, r := range all[:excess] {
		delete(m.revoked, r.nonce)
	}
	return excess
}

// Sweep evicts expired token records. Returns how many were evicted.
func (m *Manager) Sweep() int {
	now := m.now().UTC()
	evicted := 0
	m.records.Range(func(key, value any) bool {
		rec := value.(*record)
		rec.mu.Lock()
		expired := now.After(rec.tok.ExpiresAt)
		rec.mu.Unlock()
		if expired {
			m.records.Delete(key)
			evicted++
		}
		return true
	})
	return evicted
}

// ActiveCount returns the number of stored token records.
func (m *Manager) ActiveCount() int {
	n := 0
	m.records.Range(func(any, any) bool { n++; return true })
	return n
}

// RevokedCount returns the size of the revocation set.
func (m *Manager) RevokedCount() int {
	m.revMu.Lock()
	defer m.revMu.Unlock()
	return len(m.revoked)
}

func (m *Manager) sign(tok *Token) (string, error) {
	c := claims{
		Iss:         tok.Issuer,
		Sub:         tok.IntentID,
		AgentID:     tok.AgentID,
		Tool:        string(tok.Tool),
		Operation:   tok.Operation,
		Constraints: tok.Constraints,
		Iat:         tok.IssuedAt.Unix(),
		Exp:         tok.ExpiresAt.Unix(),
		Nonce:       tok.Nonce,
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("token: marshal claims: %w", err)
	}
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Capability maps a tool to the capability string carried on its tokens.
func Capability(tool model.ActionType) string {
	return "tool:" + string(tool)
}

// HasCapability reports whether the token grants the capability for a tool.
func (t *Token) HasCapability(tool model.ActionType) bool {
	want := Capability(tool)
	for _, c := range t.Capabilities {
		if c == want {
			return true
		}
	}
	return false
}

func newNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(b)
}

// GrantFor returns the scope, TTL, and use limit minted for a tool.
// Memory operations get session-length reusable grants; everything else
// gets a short single-use grant.
func GrantFor(tool model.ActionType) (model.TokenScope, time.Duration, int) {
	switch tool {
	case model.ActionReadMemory, model.ActionWriteMemory:
		return model.ScopeSession, SessionTTL, 0
	default:
		return model.ScopeSingleUse, SingleUseTTL, 1
	}
}
