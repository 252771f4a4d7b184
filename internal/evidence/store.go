package evidence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ppiankov/toolgate/internal/audit"
)

const (
	schemaVersion  = 1
	schemaChecksum = "tg-v1-2026-07-evidence-bundles"
)

// Recorder receives audit entries for evidence accesses.
type Recorder interface {
	Record(entry *audit.AuditEntry) error
}

// Store persists evidence bundles in SQLite. Content is hashed at insert
// and re-verified at read; readers that want only provenance use
// References, which never returns content.
type Store struct {
	db  *sql.DB
	rec Recorder

	now func() time.Time
}

// DefaultDBPath returns ~/.toolgate/evidence.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".toolgate", "evidence.db")
}

// Open opens (or creates) the evidence database at path and applies the
// schema. Every evidence read is recorded through rec; a nil rec disables
// recording and is only for offline tooling.
func Open(path string, rec Recorder) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("evidence: create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("evidence: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, rec: rec, now: time.Now}
	ctx := context.Background()
	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, q := range pragmas {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("evidence: set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("evidence: begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("evidence: create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("evidence: read migration version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("evidence: db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("evidence: read migration checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("evidence: schema checksum mismatch for version %d: got %q want %q", schemaVersion, existing, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS bundles (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			created_by TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS evidence (
			id TEXT PRIMARY KEY,
			bundle_id TEXT NOT NULL REFERENCES bundles(id),
			origin TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT 'text/plain',
			trust_tier TEXT NOT NULL,
			risk_score REAL NOT NULL DEFAULT 0.0,
			risk_tags TEXT NOT NULL DEFAULT '[]',
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			content_length INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_evidence_bundle ON evidence(bundle_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_bundles_session ON bundles(session_id);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("evidence: exec migration: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("evidence: insert migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("evidence: commit migration tx: %w", err)
	}
	return nil
}
