package runner

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/ppiankov/toolgate/internal/model"
)

// maxQueryRows caps how many rows a single query may return.
const maxQueryRows = 100

// destructiveSQL matches the verbs no query may carry, whatever the
// engine decided earlier. EXECUTE is folded in with EXEC.
var destructiveSQL = regexp.MustCompile(`(?i)\b(DROP|DELETE|TRUNCATE|ALTER|EXEC(?:UTE)?)\b`)

// dbHandle opens the SQLite database once, on first use.
type dbHandle struct {
	once sync.Once
	db   *sql.DB
	err  error
}

func (r *Runner) database() (*sql.DB, error) {
	r.db.once.Do(func() {
		if r.cfg.DatabasePath == "" {
			r.db.err = errors.New("no database configured")
			return
		}
		db, err := sql.Open("sqlite", r.cfg.DatabasePath)
		if err != nil {
			r.db.err = fmt.Errorf("open database: %w", err)
			return
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
			_ = db.Close()
			r.db.err = fmt.Errorf("configure database: %w", err)
			return
		}
		r.db.db = db
	})
	return r.db.db, r.db.err
}

// queryDatabase runs a read query after the destructive-verb pre-check.
// Rows come back as one JSON array of column-keyed objects.
func (r *Runner) queryDatabase(ctx context.Context, p model.QueryDatabaseParams) (string, error) {
	if m := destructiveSQL.FindString(p.Query); m != "" {
		return "", fmt.Errorf("query contains forbidden verb %q", m)
	}
	db, err := r.database()
	if err != nil {
		return "", err
	}

	rows, err := db.QueryContext(ctx, p.Query)
	if err != nil {
		return "", fmt.Errorf("query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return "", fmt.Errorf("query columns: %w", err)
	}

	out := make([]map[string]any, 0, 16)
	for rows.Next() {
		if len(out) >= maxQueryRows {
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", fmt.Errorf("scan row: %w", err)
		}
		rec := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				rec[c] = string(b)
			} else {
				rec[c] = vals[i]
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate rows: %w", err)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encode rows: %w", err)
	}
	return string(data), nil
}
