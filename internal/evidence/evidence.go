package evidence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/toolgate/internal/audit"
	"github.com/ppiankov/toolgate/internal/detect"
	"github.com/ppiankov/toolgate/internal/model"
	"github.com/ppiankov/toolgate/internal/trust"
)

// Bundle groups the evidence collected for one session.
type Bundle struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// Ref is the content-free view of one evidence item: provenance,
// trust classification, and integrity hash, never the content itself.
// Refs are what flows into evaluator prompts.
type Ref struct {
	ID            string          `json:"id"`
	BundleID      string          `json:"bundle_id"`
	Origin        model.Origin    `json:"origin"`
	ContentType   string          `json:"content_type"`
	Tier          model.TrustTier `json:"trust_tier"`
	RiskScore     float64         `json:"risk_score"`
	RiskTags      []string        `json:"risk_tags,omitempty"`
	ContentHash   string          `json:"content_hash"`
	ContentLength int             `json:"content_length"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Record is a full evidence item including its content.
type Record struct {
	Ref
	Content string `json:"content"`
}

// CreateBundle starts a new evidence bundle for a session.
func (s *Store) CreateBundle(ctx context.Context, sessionID, createdBy string) (*Bundle, error) {
	if sessionID == "" {
		return nil, errors.New("evidence: session_id is required")
	}
	if createdBy == "" {
		return nil, errors.New("evidence: created_by is required")
	}
	b := &Bundle{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		CreatedBy: createdBy,
		CreatedAt: s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bundles (id, session_id, created_by, created_at) VALUES (?, ?, ?, ?);
	`, b.ID, b.SessionID, b.CreatedBy, b.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("evidence: insert bundle: %w", err)
	}
	return b, nil
}

// GetBundle returns a bundle by id, or nil if it does not exist.
func (s *Store) GetBundle(ctx context.Context, id string) (*Bundle, error) {
	var b Bundle
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, created_by, created_at FROM bundles WHERE id = ?;
	`, id).Scan(&b.ID, &b.SessionID, &b.CreatedBy, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("evidence: get bundle: %w", err)
	}
	return &b, nil
}

// maxChunksPerBundle caps how much evidence a single bundle retains.
// Past the cap the oldest chunks are evicted.
const maxChunksPerBundle = 256

// AddEvidence ingests one piece of content into a bundle. The content is
// hashed, scanned by the risk detectors, and trust-classified at insert
// time, so later readers never re-derive provenance from content.
func (s *Store) AddEvidence(ctx context.Context, bundleID string, origin model.Origin, contentType, content string) (*Ref, error) {
	if !model.ValidOrigin(origin) {
		return nil, fmt.Errorf("evidence: unknown origin %q", origin)
	}
	if content == "" {
		return nil, errors.New("evidence: content is required")
	}
	if contentType == "" {
		contentType = "text/plain"
	}
	bundle, err := s.GetBundle(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	if bundle == nil {
		return nil, fmt.Errorf("evidence: bundle %q not found", bundleID)
	}

	score, tags := detect.Scan(content)
	tier := trust.Classify(origin, nil, score, tags)

	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("evidence: marshal risk tags: %w", err)
	}

	ref := &Ref{
		ID:            uuid.NewString(),
		BundleID:      bundleID,
		Origin:        origin,
		ContentType:   contentType,
		Tier:          tier,
		RiskScore:     score,
		RiskTags:      tags,
		ContentHash:   hashContent(content),
		ContentLength: len(content),
		CreatedAt:     s.now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO evidence (id, bundle_id, origin, content_type, trust_tier, risk_score, risk_tags, content, content_hash, content_length, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, ref.ID, ref.BundleID, string(ref.Origin), ref.ContentType, string(ref.Tier), ref.RiskScore, string(tagsJSON), content, ref.ContentHash, ref.ContentLength, ref.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("evidence: insert evidence: %w", err)
	}
	if err := s.evictOldest(ctx, bundleID); err != nil {
		return nil, err
	}
	return ref, nil
}

func (s *Store) evictOldest(ctx context.Context, bundleID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM evidence WHERE bundle_id = ? AND id NOT IN (
			SELECT id FROM evidence WHERE bundle_id = ?
			ORDER BY rowid DESC LIMIT ?
		);
	`, bundleID, bundleID, maxChunksPerBundle)
	if err != nil {
		return fmt.Errorf("evidence: evict oldest chunks: %w", err)
	}
	return nil
}

// BundleRisk returns the highest chunk risk score in a bundle.
func (s *Store) BundleRisk(ctx context.Context, bundleID string) (float64, error) {
	var risk float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(risk_score), 0.0) FROM evidence WHERE bundle_id = ?;
	`, bundleID).Scan(&risk)
	if err != nil {
		return 0, fmt.Errorf("evidence: bundle risk: %w", err)
	}
	return risk, nil
}

// References lists the content-free refs in a bundle, oldest first.
func (s *Store) References(ctx context.Context, bundleID string) ([]Ref, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bundle_id, origin, content_type, trust_tier, risk_score, risk_tags, content_hash, content_length, created_at
		FROM evidence WHERE bundle_id = ? ORDER BY rowid;
	`, bundleID)
	if err != nil {
		return nil, fmt.Errorf("evidence: list references: %w", err)
	}
	defer rows.Close()

	var refs []Ref
	for rows.Next() {
		ref, err := scanRef(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("evidence: scan reference: %w", err)
		}
		refs = append(refs, *ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("evidence: iterate references: %w", err)
	}
	return refs, nil
}

// Get returns the full evidence record, re-verifying the content hash
// stored at insert. A record whose content no longer matches its hash is
// treated as absent and the access is flagged in the audit log. Missing
// ids also return nil without error.
func (s *Store) Get(ctx context.Context, id, accessor string) (*Record, error) {
	var (
		rec       Record
		tagsJSON  string
		sessionID string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT e.id, e.bundle_id, e.origin, e.content_type, e.trust_tier, e.risk_score, e.risk_tags, e.content_hash, e.content_length, e.created_at, e.content, b.session_id
		FROM evidence e JOIN bundles b ON e.bundle_id = b.id
		WHERE e.id = ?;
	`, id).Scan(&rec.ID, &rec.BundleID, &rec.Origin, &rec.ContentType, &rec.Tier, &rec.RiskScore, &tagsJSON, &rec.ContentHash, &rec.ContentLength, &rec.CreatedAt, &rec.Content, &sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		s.record(&audit.AuditEntry{
			Event:     audit.EventEvidenceAccess,
			AgentID:   accessor,
			Action:    audit.AuditAction{Target: id},
			Result:    "not_found",
		})
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("evidence: get evidence: %w", err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &rec.RiskTags); err != nil {
		return nil, fmt.Errorf("evidence: decode risk tags: %w", err)
	}

	if hashContent(rec.Content) != rec.ContentHash {
		s.record(&audit.AuditEntry{
			Event:      audit.EventEvidenceAccess,
			AgentID:    accessor,
			SessionID:  sessionID,
			Action:     audit.AuditAction{Target: id},
			Result:     "hash_mismatch",
			Flagged:    true,
			FlagReason: "evidence content does not match stored hash",
		})
		return nil, nil
	}

	s.record(&audit.AuditEntry{
		Event:     audit.EventEvidenceAccess,
		AgentID:   accessor,
		SessionID: sessionID,
		Action:    audit.AuditAction{Target: id},
		Result:    "success",
	})
	return &rec, nil
}

func (s *Store) record(entry *audit.AuditEntry) {
	if s.rec == nil {
		return
	}
	if err := s.rec.Record(entry); err != nil {
		fmt.Fprintf(os.Stderr, "evidence: audit record failed: %v\n", err)
	}
}

func scanRef(scanFn func(dest ...any) error) (*Ref, error) {
	var (
		ref      Ref
		tagsJSON string
	)
	if err := scanFn(&ref.ID, &ref.BundleID, &ref.Origin, &ref.ContentType, &ref.Tier, &ref.RiskScore, &tagsJSON, &ref.ContentHash, &ref.ContentLength, &ref.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &ref.RiskTags); err != nil {
		return nil, err
	}
	return &ref, nil
}

func hashContent(content string) string {
	h := sha256.Sum256([]byte(content))
	return "sha256:" + hex.EncodeToString(h[:])
}

// SummarizeRefs renders refs as the one-line-per-item summary used in
// evaluator prompts. Content never appears; only provenance fields do.
func SummarizeRefs(refs []Ref) string {
	if len(refs) == 0 {
		return "no evidence attached"
	}
	var b strings.Builder
	for i, r := range refs {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "- evidence %s: origin=%s tier=%s risk=%.2f length=%d", r.ID, r.Origin, r.Tier, r.RiskScore, r.ContentLength)
		if len(r.RiskTags) > 0 {
			fmt.Fprintf(&b, " tags=%s", strings.Join(r.RiskTags, ","))
		}
	}
	return b.String()
}
