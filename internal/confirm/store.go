package confirm

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/toolgate/internal/model"
)

// validKey matches alphanumeric, dash, underscore, and dot characters only.
var validKey = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// validateKey rejects keys that could cause path traversal.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("key must not contain '..'")
	}
	if !validKey.MatchString(key) {
		return fmt.Errorf("key contains invalid characters: only alphanumeric, dash, underscore, and dot are allowed")
	}
	return nil
}

// Status represents the state of a confirmation request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusGranted  Status = "granted"
	StatusDenied   Status = "denied"
	StatusConsumed Status = "consumed"
	StatusExpired  Status = "expired"
)

// Confirmation is one human sign-off request and its state.
type Confirmation struct {
	Key        string           `json:"key"`
	IntentID   string           `json:"intent_id"`
	AgentID    string           `json:"agent_id"`
	ActionType model.ActionType `json:"action_type"`
	Target     string           `json:"target"`
	Reason     string           `json:"reason"`
	Status     Status           `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	ExpiresAt  *time.Time       `json:"expires_at,omitempty"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
}

// KeyFor derives the stable confirmation key for an action. Re-submitting
// the same agent/type/target maps to the same pending request, so a grant
// made from the CLI is found when the planner retries.
func KeyFor(agentID string, t model.ActionType, target string) string {
	h := sha256.Sum256([]byte(agentID + "|" + string(t) + "|" + target))
	return "cf-" + hex.EncodeToString(h[:8])
}

// Store manages confirmation files on disk, one file per key.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a Store backed by the given directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create confirmation directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// DefaultDir returns the default confirmation store directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "toolgate-pending")
	}
	return filepath.Join(home, ".toolgate", "pending")
}

// Request creates a pending confirmation file. A pending or granted
// record, or an operator denial, is left untouched so repeated
// submissions cannot reset it. A consumed or expired record re-opens as
// pending; the next use needs a fresh sign-off, and the operator has to
// be able to see it.
func (s *Store) Request(c Confirmation) error {
	if err := validateKey(c.Key); err != nil {
		return fmt.Errorf("invalid confirmation key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(c.Key)
	if existing, err := s.read(c.Key); err == nil {
		switch existing.Status {
		case StatusConsumed, StatusExpired:
		default:
			return nil
		}
	}

	c.Status = StatusPending
	c.CreatedAt = time.Now().UTC()
	c.ExpiresAt = nil
	c.ResolvedAt = nil

	return s.writeAtomic(path, c)
}

// Grant marks a confirmation as granted. If duration > 0, sets an
// expiration; duration 0 makes it one-time (consumed on first use).
func (s *Store) Grant(key string, duration time.Duration) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("invalid confirmation key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.read(key)
	if err != nil {
		return fmt.Errorf("confirmation %q not found: %w", key, err)
	}

	c.Status = StatusGranted
	now := time.Now().UTC()
	c.ResolvedAt = &now
	if duration > 0 {
		exp := now.Add(duration)
		c.ExpiresAt = &exp
	}

	return s.writeAtomic(s.path(key), *c)
}

// Deny marks a confirmation as denied.
func (s *Store) Deny(key string) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("invalid confirmation key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.read(key)
	if err != nil {
		return fmt.Errorf("confirmation %q not found: %w", key, err)
	}

	c.Status = StatusDenied
	now := time.Now().UTC()
	c.ResolvedAt = &now

	return s.writeAtomic(s.path(key), *c)
}

// Check returns the current status of a confirmation. Granted entries
// past their deadline flip to expired on read.
func (s *Store) Check(key string) (Status, error) {
	if err := validateKey(key); err != nil {
		return "", fmt.Errorf("invalid confirmation key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.read(key)
	if err != nil {
		return "", fmt.Errorf("confirmation %q not found", key)
	}

	if c.Status == StatusGranted && c.ExpiresAt != nil && time.Now().UTC().After(*c.ExpiresAt) {
		c.Status = StatusExpired
		s.writeAtomic(s.path(key), *c)
		return StatusExpired, nil
	}

	return c.Status, nil
}

// Consume records one use of a granted confirmation. A one-time grant
// (no expiration) flips to consumed; a grant with an expiration stays
// granted until its deadline, so it can be reused for the period the
// operator approved.
func (s *Store) Consume(key string) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("invalid confirmation key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.read(key)
	if err != nil {
		return fmt.Errorf("confirmation %q not found: %w", key, err)
	}

	if c.Status == StatusConsumed {
		return fmt.Errorf("confirmation %q already consumed", key)
	}
	if c.Status != StatusGranted {
		return fmt.Errorf("confirmation %q is %s, not granted", key, c.Status)
	}

	if c.ExpiresAt != nil {
		if time.Now().UTC().After(*c.ExpiresAt) {
			c.Status = StatusExpired
			s.writeAtomic(s.path(key), *c)
			return fmt.Errorf("confirmation %q expired", key)
		}
		return nil
	}

	c.Status = StatusConsumed
	now := time.Now().UTC()
	c.ResolvedAt = &now

	return s.writeAtomic(s.path(key), *c)
}

// Get returns one confirmation by key.
func (s *Store) Get(key string) (*Confirmation, error) {
	if err := validateKey(key); err != nil {
		return nil, fmt.Errorf("invalid confirmation key: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(key)
}

// List returns all confirmations in the store.
func (s *Store) List() ([]Confirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Confirmation
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		key := strings.TrimSuffix(e.Name(), ".json")
		c, err := s.read(key)
		if err != nil {
			continue
		}
		out = append(out, *c)
	}

	return out, nil
}

// Pending returns only the unresolved confirmations.
func (s *Store) Pending() ([]Confirmation, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []Confirmation
	for _, c := range all {
		if c.Status == StatusPending {
			out = append(out, c)
		}
	}
	return out, nil
}

// Sweep removes resolved confirmations older than maxAge and expires
// granted entries past their deadline. Returns the number removed.
func (s *Store) Sweep(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	now := time.Now().UTC()
	removed := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		key := strings.TrimSuffix(e.Name(), ".json")
		c, err := s.read(key)
		if err != nil {
			continue
		}

		if c.Status == StatusGranted && c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
			c.Status = StatusExpired
			s.writeAtomic(s.path(key), *c)
		}

		resolved := c.Status == StatusDenied || c.Status == StatusConsumed || c.Status == StatusExpired
		if resolved && c.ResolvedAt != nil && now.Sub(*c.ResolvedAt) > maxAge {
			if err := os.Remove(s.path(key)); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}

	return removed, errors.Join(errs...)
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func (s *Store) read(key string) (*Confirmation, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, err
	}

	var c Confirmation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}

	return &c, nil
}

func (s *Store) writeAtomic(path string, c Confirmation) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}
