package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/toolgate/internal/alert"
	"github.com/ppiankov/toolgate/internal/audit"
	"github.com/ppiankov/toolgate/internal/confirm"
	"github.com/ppiankov/toolgate/internal/escalate"
	"github.com/ppiankov/toolgate/internal/identity"
	"github.com/ppiankov/toolgate/internal/model"
	"github.com/ppiankov/toolgate/internal/policy"
	"github.com/ppiankov/toolgate/internal/rules"
	"github.com/ppiankov/toolgate/internal/runner"
	"github.com/ppiankov/toolgate/internal/semantic"
	"github.com/ppiankov/toolgate/internal/token"
)

type fakeBackend struct {
	mu    sync.Mutex
	reply string
	err   error
	delay time.Duration
	calls int
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Complete(ctx context.Context, system, user string) (string, error) {
	f.mu.Lock()
	f.calls++
	reply, err, delay := f.reply, f.err, f.delay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	return reply, err
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeBackend) setReply(reply string) {
	f.mu.Lock()
	f.reply = reply
	f.mu.Unlock()
}

// allowReply builds an evaluator ALLOW response covering the given
// intent ids with no constraints.
func allowReply(ids ...string) string {
	allowed := make([]string, len(ids))
	for i, id := range ids {
		allowed[i] = fmt.Sprintf(`{"intent_id":%q}`, id)
	}
	return fmt.Sprintf(
		`{"decision":"allow","risk_level":"low","reasons":["within policy"],"allowed_actions":[%s]}`,
		strings.Join(allowed, ","))
}

type harness struct {
	kernel    *Kernel
	tokens    *token.Manager
	log       *audit.Log
	auditPath string
	confirms  *confirm.Store
	outbox    *escalate.Outbox
	backend   *fakeBackend
	root      string
	workspace string
}

func newHarness(t *testing.T, backend *fakeBackend, mutate ...func(*Config)) *harness {
	t.Helper()
	root := t.TempDir()
	auditPath := filepath.Join(root, "audit.jsonl")

	log, err := audit.Open(auditPath)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	tokens := token.NewManager([]byte("kernel-test-secret"))
	engine := policy.NewEngine(policy.DefaultPolicy(), "kernel-test-hash", tokens, nil)

	confirms, err := confirm.NewStore(filepath.Join(root, "confirmations"))
	if err != nil {
		t.Fatalf("confirm.NewStore: %v", err)
	}
	outbox, err := escalate.NewOutbox(filepath.Join(root, "escalations"))
	if err != nil {
		t.Fatalf("escalate.NewOutbox: %v", err)
	}

	workspace := filepath.Join(root, "ws")
	run := runner.New(runner.ConfigFromPolicy(engine.Policy(), workspace), tokens, log)

	cfg := Config{
		Engine:      engine,
		Evaluator:   semantic.New(semantic.Config{Backend: backend, Timeout: 2 * time.Second}),
		Tokens:      tokens,
		Runner:      run,
		Log:         log,
		Confirms:    confirms,
		Escalations: outbox,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	k, err := New(cfg)
	if err != nil {
		t.Fatalf("kernel.New: %v", err)
	}
	return &harness{
		kernel:    k,
		tokens:    tokens,
		log:       log,
		auditPath: auditPath,
		confirms:  confirms,
		outbox:    outbox,
		backend:   backend,
		root:      root,
		workspace: workspace,
	}
}

func trustedIdentity(session string) model.Identity {
	return model.Identity{
		UserID:    "user-1",
		SessionID: session,
		Origin:    model.OriginUserChat,
		Auth:      model.AuthToken,
	}
}

func buildIntent(t *testing.T, agent, session string, p model.Params, risk model.RiskLevel) *model.ActionIntent {
	t.Helper()
	in := model.NewIntent(agent, session, p, risk)
	if err := in.Validate(); err != nil {
		t.Fatalf("intent: %v", err)
	}
	return in
}

func writeWorkspaceFile(t *testing.T, workspace, rel, content string) {
	t.Helper()
	full := filepath.Join(workspace, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o640); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestProcessBatchReadFileAllow(t *testing.T) {
	backend := &fakeBackend{}
	h := newHarness(t, backend)
	writeWorkspaceFile(t, h.workspace, "workspace/notes.txt", "meeting notes for tuesday\n")

	in := buildIntent(t, "research-agent", "sess-a",
		model.ReadFileParams{Path: "workspace/notes.txt"}, model.RiskLow)
	backend.setReply(allowReply(in.ID))
	batch := model.NewBatch("summarize my notes", trustedIdentity("sess-a"), in)

	res, err := h.kernel.ProcessBatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if res.Decision != model.Allow {
		t.Fatalf("batch decision = %s, want allow", res.Decision)
	}
	if len(res.Outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(res.Outcomes))
	}
	out := res.Outcomes[0]
	if out.Decision != model.Allow || out.TokenID == "" {
		t.Fatalf("outcome = %+v, want allow with token", out)
	}

	tok, ok := h.tokens.Get(out.TokenID)
	if !ok {
		t.Fatal("minted token not retrievable")
	}
	if tok.Scope != model.ScopeSingleUse || tok.MaxUses != 1 {
		t.Errorf("token scope = %s maxUses = %d, want single_use/1", tok.Scope, tok.MaxUses)
	}
	if got := tok.ExpiresAt.Sub(tok.IssuedAt); got != token.SingleUseTTL {
		t.Errorf("token ttl = %s, want %s", got, token.SingleUseTTL)
	}
	if tok.IntentID != in.ID {
		t.Errorf("token bound to %s, want %s", tok.IntentID, in.ID)
	}

	exec, err := h.kernel.Execute(context.Background(), in, out.TokenID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.Status != runner.StatusCompleted {
		t.Fatalf("execute status = %s (%s)", exec.Status, exec.Error)
	}
	if !strings.Contains(exec.Output, "meeting notes") {
		t.Errorf("output = %q, want file content", exec.Output)
	}

	q, err := audit.Query(h.auditPath, audit.QueryFilter{IntentID: in.ID})
	if err != nil {
		t.Fatalf("audit.Query: %v", err)
	}
	if q.Summary.Total != 3 {
		t.Fatalf("audit entries for intent = %d, want exactly 3", q.Summary.Total)
	}
	wantOrder := []audit.Event{audit.EventIntent, audit.EventDecision, audit.EventExecution}
	for i, e := range q.Entries {
		if e.Event != wantOrder[i] {
			t.Errorf("entry %d event = %s, want %s", i, e.Event, wantOrder[i])
		}
		if e.IntentID != in.ID {
			t.Errorf("entry %d intent = %s, want %s", i, e.IntentID, in.ID)
		}
	}
	if q.Entries[0].BatchID != batch.ID {
		t.Errorf("intent entry batch = %s, want %s", q.Entries[0].BatchID, batch.ID)
	}
	if q.Entries[1].TokenID != out.TokenID || q.Entries[2].TokenID != out.TokenID {
		t.Error("decision and execution entries must reference the minted token")
	}

	if v := audit.Verify(h.auditPath); !v.Valid {
		t.Errorf("audit chain broken: %s (line %d)", v.Error, v.ErrorLine)
	}
}

func TestProcessBatchDestructiveCommandDenied(t *testing.T) {
	backend := &fakeBackend{reply: `{"decision":"allow","risk_level":"low"}`}
	h := newHarness(t, backend)

	in := buildIntent(t, "research-agent", "sess-b",
		model.ExecuteCommandParams{Command: "rm -rf /"}, model.RiskLow)
	batch := model.NewBatch("clean up the disk", trustedIdentity("sess-b"), in)

	res, err := h.kernel.ProcessBatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	out := res.Outcomes[0]
	if out.Decision != model.Deny || out.Reason != model.ReasonPolicyViolation {
		t.Fatalf("outcome = %+v, want deterministic policy denial", out)
	}
	if !strings.Contains(out.Detail, "rm -rf") {
		t.Errorf("detail = %q, want matched pattern named", out.Detail)
	}
	if out.TokenID != "" {
		t.Error("denied intent must not carry a token")
	}
	if backend.callCount() != 0 {
		t.Errorf("evaluator invoked %d times for a deterministically denied batch", backend.callCount())
	}
	if res.Decision != model.Deny {
		t.Errorf("batch decision = %s, want deny", res.Decision)
	}

	q, err := audit.Query(h.auditPath, audit.QueryFilter{IntentID: in.ID})
	if err != nil {
		t.Fatalf("audit.Query: %v", err)
	}
	if q.Summary.Total != 2 {
		t.Fatalf("audit entries = %d, want intent and decision only", q.Summary.Total)
	}
	if q.Entries[1].Decision != model.Deny {
		t.Errorf("decision entry = %s, want deny", q.Entries[1].Decision)
	}
}

func TestProcessBatchSecretExfilVetoed(t *testing.T) {
	received := make(chan alert.Event, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev alert.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err == nil {
			received <- ev
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	backend := &fakeBackend{}
	h := newHarness(t, backend, func(cfg *Config) {
		cfg.Alerts = alert.NewDispatcher([]alert.WebhookConfig{{
			URL:    srv.URL,
			Format: "generic",
			Events: []string{"deny"},
		}})
	})

	in := buildIntent(t, "research-agent", "sess-c", model.CallAPIParams{
		Method: "POST",
		URL:    "https://api.internal.example/v1/export",
		Body:   `{"api_key":"sk-live-123","rows":"all"}`,
	}, model.RiskMedium)
	in.Citations = []model.Citation{{
		SourceType: model.SourceEvidenceChunk,
		SourceID:   "ev-web-1",
		Tier:       model.TierUntrusted,
	}}
	// A compromised or fooled evaluator says yes; the hard rule does not
	// care.
	backend.setReply(allowReply(in.ID))
	batch := model.NewBatch("send the report upstream", trustedIdentity("sess-c"), in)

	res, err := h.kernel.ProcessBatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if backend.callCount() != 1 {
		t.Errorf("evaluator calls = %d, want 1 (intent survives the pre-filter)", backend.callCount())
	}
	out := res.Outcomes[0]
	if out.Decision != model.Deny || out.Reason != model.ReasonHardRule {
		t.Fatalf("outcome = %+v, want hard rule denial over evaluator allow", out)
	}
	if !strings.Contains(out.Detail, rules.RuleSecretExfil) {
		t.Errorf("detail = %q, want rule %s named", out.Detail, rules.RuleSecretExfil)
	}
	if out.TokenID != "" {
		t.Error("vetoed intent must not carry a token")
	}

	select {
	case ev := <-received:
		if ev.Type != "hard_rule_violation" || ev.Rule != rules.RuleSecretExfil {
			t.Errorf("alert = type %q rule %q, want hard_rule_violation/%s", ev.Type, ev.Rule, rules.RuleSecretExfil)
		}
		if ev.IntentID != in.ID {
			t.Errorf("alert intent = %s, want %s", ev.IntentID, in.ID)
		}
	case <-time.After(2 * time.Second):
		t.Error("no alert delivered for hard rule violation")
	}
}

func TestProcessBatchEvaluatorTimeoutFallback(t *testing.T) {
	backend := &fakeBackend{delay: 500 * time.Millisecond, reply: `{"decision":"allow"}`}
	h := newHarness(t, backend, func(cfg *Config) {
		cfg.Evaluator = semantic.New(semantic.Config{Backend: backend, Timeout: 25 * time.Millisecond})
	})

	read := buildIntent(t, "research-agent", "sess-d",
		model.ReadFileParams{Path: "workspace/a.txt"}, model.RiskLow)
	mem := buildIntent(t, "research-agent", "sess-d",
		model.ReadMemoryParams{Key: "prefs"}, model.RiskLow)
	write := buildIntent(t, "research-agent", "sess-d",
		model.WriteFileParams{Path: "workspace/out.txt", Content: "x"}, model.RiskLow)
	cmd := buildIntent(t, "research-agent", "sess-d",
		model.ExecuteCommandParams{Command: "ls -la"}, model.RiskLow)

	batch := model.NewBatch("do all the things", trustedIdentity("sess-d"), read, mem, write, cmd)
	res, err := h.kernel.ProcessBatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if res.Source != model.DecisionSourceFallback {
		t.Fatalf("source = %s, want fallback after timeout", res.Source)
	}

	byID := make(map[string]IntentOutcome)
	for _, out := range res.Outcomes {
		byID[out.IntentID] = out
	}

	for _, in := range []*model.ActionIntent{read, mem} {
		out := byID[in.ID]
		if !out.Decision.Actionable() || out.TokenID == "" {
			t.Errorf("%s outcome = %+v, want fallback allow with token", in.Type, out)
			continue
		}
		found := false
		for _, c := range out.Constraints {
			if c.Type == model.ConstraintReadOnly {
				found = true
			}
		}
		if !found {
			t.Errorf("%s constraints = %v, want read_only", in.Type, out.Constraints)
		}
	}

	for _, in := range []*model.ActionIntent{write, cmd} {
		out := byID[in.ID]
		if out.Decision != model.Deny || out.Reason != model.ReasonToolRisk {
			t.Errorf("%s outcome = %+v, want tool_risk denial in fallback", in.Type, out)
		}
	}

	// Session-scoped memory grants survive the fallback unchanged.
	tok, ok := h.tokens.Get(byID[mem.ID].TokenID)
	if !ok || tok.Scope != model.ScopeSession {
		t.Errorf("read_memory token scope = %v, want session", tok)
	}
}

func TestProcessBatchConfirmationFlow(t *testing.T) {
	backend := &fakeBackend{}
	h := newHarness(t, backend)

	first := buildIntent(t, "research-agent", "sess-e",
		model.ExecuteCommandParams{Command: "terraform apply"}, model.RiskMedium)
	res, err := h.kernel.ProcessBatch(context.Background(),
		model.NewBatch("apply the plan", trustedIdentity("sess-e"), first))
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	out := res.Outcomes[0]
	if out.Decision != model.RequireConfirmation || out.ConfirmationKey == "" {
		t.Fatalf("outcome = %+v, want require_confirmation with key", out)
	}
	if backend.callCount() != 0 {
		t.Error("approval-gated intent must not reach the evaluator")
	}
	if status, err := h.confirms.Check(out.ConfirmationKey); err != nil || status != confirm.StatusPending {
		t.Fatalf("confirmation status = %v/%v, want pending", status, err)
	}

	q, err := audit.Query(h.auditPath, audit.QueryFilter{IntentID: first.ID, Event: audit.EventConfirmation})
	if err != nil {
		t.Fatalf("audit.Query: %v", err)
	}
	if q.Summary.Total != 1 || !strings.Contains(q.Entries[0].Result, out.ConfirmationKey) {
		t.Errorf("confirmation entry = %+v, want pending record with key", q.Entries)
	}

	if err := h.confirms.Grant(out.ConfirmationKey, time.Minute); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	// Same agent, type, and target on resubmit; a fresh intent id.
	second := buildIntent(t, "research-agent", "sess-e",
		model.ExecuteCommandParams{Command: "terraform apply"}, model.RiskMedium)
	res, err = h.kernel.ProcessBatch(context.Background(),
		model.NewBatch("apply the plan", trustedIdentity("sess-e"), second))
	if err != nil {
		t.Fatalf("ProcessBatch(resubmit): %v", err)
	}
	out = res.Outcomes[0]
	if out.Decision != model.Allow || out.TokenID == "" {
		t.Fatalf("resubmit outcome = %+v, want allow with token", out)
	}
	if status, _ := h.confirms.Check(out.ConfirmationKey); status != confirm.StatusConsumed {
		t.Errorf("confirmation status after grant redemption = %s, want consumed", status)
	}

	// A granted confirmation is one batch wide; the third submission
	// parks again.
	third := buildIntent(t, "research-agent", "sess-e",
		model.ExecuteCommandParams{Command: "terraform apply"}, model.RiskMedium)
	res, err = h.kernel.ProcessBatch(context.Background(),
		model.NewBatch("apply the plan", trustedIdentity("sess-e"), third))
	if err != nil {
		t.Fatalf("ProcessBatch(third): %v", err)
	}
	if res.Outcomes[0].Decision != model.RequireConfirmation {
		t.Errorf("third outcome = %s, want require_confirmation after consumption", res.Outcomes[0].Decision)
	}
}

func TestProcessBatchConfirmationDenied(t *testing.T) {
	backend := &fakeBackend{}
	h := newHarness(t, backend)

	in := buildIntent(t, "research-agent", "sess-f",
		model.ExecuteCommandParams{Command: "make deploy"}, model.RiskMedium)
	res, err := h.kernel.ProcessBatch(context.Background(),
		model.NewBatch("ship it", trustedIdentity("sess-f"), in))
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	key := res.Outcomes[0].ConfirmationKey
	if err := h.confirms.Deny(key); err != nil {
		t.Fatalf("Deny: %v", err)
	}

	retry := buildIntent(t, "research-agent", "sess-f",
		model.ExecuteCommandParams{Command: "make deploy"}, model.RiskMedium)
	res, err = h.kernel.ProcessBatch(context.Background(),
		model.NewBatch("ship it", trustedIdentity("sess-f"), retry))
	if err != nil {
		t.Fatalf("ProcessBatch(retry): %v", err)
	}
	out := res.Outcomes[0]
	if out.Decision != model.Deny || out.Reason != model.ReasonConfirmation {
		t.Errorf("outcome after operator denial = %+v, want confirmation denial", out)
	}
}

func TestProcessBatchEvaluatorEscalates(t *testing.T) {
	backend := &fakeBackend{reply: `{"decision":"escalate","risk_level":"high",` +
		`"reasons":["bulk outbound messaging to a new recipient set"],` +
		`"required_user_prompts":["Confirm the recipient list is intentional"]}`}
	h := newHarness(t, backend)

	in := buildIntent(t, "research-agent", "sess-g",
		model.SendMessageParams{Recipient: "team@internal.example", Subject: "report", Body: "weekly numbers"},
		model.RiskMedium)
	batch := model.NewBatch("send the weekly report", trustedIdentity("sess-g"), in)

	res, err := h.kernel.ProcessBatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if res.Decision != model.Escalate {
		t.Fatalf("batch decision = %s, want escalate", res.Decision)
	}
	if res.Outcomes[0].Decision != model.Escalate || res.Outcomes[0].TokenID != "" {
		t.Fatalf("outcome = %+v, want tokenless escalate", res.Outcomes[0])
	}
	if res.EscalationID == "" {
		t.Fatal("no escalation report id on result")
	}

	rep, err := h.outbox.Get(res.EscalationID)
	if err != nil {
		t.Fatalf("outbox.Get(%s): %v", res.EscalationID, err)
	}
	if rep.BatchID != batch.ID || len(rep.Intents) != 1 {
		t.Errorf("report = batch %s with %d intents, want %s with 1", rep.BatchID, len(rep.Intents), batch.ID)
	}
	if rep.Intents[0].Verdict != escalate.VerdictPending {
		t.Errorf("report verdict = %s, want pending", rep.Intents[0].Verdict)
	}
	if len(rep.Questions) == 0 {
		t.Error("evaluator prompts missing from report")
	}

	q, err := audit.Query(h.auditPath, audit.QueryFilter{BatchID: batch.ID, Event: audit.EventEscalation})
	if err != nil {
		t.Fatalf("audit.Query: %v", err)
	}
	if q.Summary.Total != 1 || q.Entries[0].Result != res.EscalationID {
		t.Errorf("escalation entry = %+v, want one entry naming %s", q.Entries, res.EscalationID)
	}
}

func TestProcessBatchUntrustedIdentityDenied(t *testing.T) {
	backend := &fakeBackend{}
	h := newHarness(t, backend)

	in := buildIntent(t, "research-agent", "sess-h",
		model.ReadFileParams{Path: "workspace/a.txt"}, model.RiskLow)
	ident := model.Identity{
		UserID:    "crawler",
		SessionID: "sess-h",
		Origin:    model.OriginWeb,
		Auth:      model.AuthNone,
	}

	res, err := h.kernel.ProcessBatch(context.Background(), model.NewBatch("read it", ident, in))
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	out := res.Outcomes[0]
	if out.Decision != model.Deny || out.Reason != model.ReasonUntrustedEvidence {
		t.Fatalf("outcome = %+v, want untrusted identity denial", out)
	}
	if backend.callCount() != 0 {
		t.Error("evaluator consulted for an untrusted submitter")
	}

	info, ok := h.kernel.Session("sess-h")
	if !ok {
		t.Fatal("session not tracked")
	}
	if info.WorstTier != model.TierUntrusted {
		t.Errorf("session tier = %s, want %s", info.WorstTier, model.TierUntrusted)
	}
	if info.DenialCount != 1 {
		t.Errorf("session denials = %d, want 1", info.DenialCount)
	}

	// A later trusted batch in the same session never walks the tier
	// back.
	ok2 := buildIntent(t, "research-agent", "sess-h",
		model.ReadFileParams{Path: "workspace/a.txt"}, model.RiskLow)
	backend.setReply(allowReply(ok2.ID))
	if _, err := h.kernel.ProcessBatch(context.Background(),
		model.NewBatch("read it", trustedIdentity("sess-h"), ok2)); err != nil {
		t.Fatalf("ProcessBatch(trusted): %v", err)
	}
	info, _ = h.kernel.Session("sess-h")
	if info.WorstTier != model.TierUntrusted {
		t.Errorf("session tier after trusted batch = %s, want sticky %s", info.WorstTier, model.TierUntrusted)
	}
}

func TestProcessBatchRegistryGates(t *testing.T) {
	backend := &fakeBackend{}
	reg := identity.NewRegistry(map[string]*identity.AgentConfig{
		"research-agent": {
			AllowedActions: []model.ActionType{model.ActionReadFile},
			MaxRisk:        model.RiskMedium,
		},
	})
	h := newHarness(t, backend, func(cfg *Config) { cfg.Registry = reg })

	cases := []struct {
		name   string
		intent *model.ActionIntent
		reason model.ReasonCategory
	}{
		{
			name: "unregistered agent",
			intent: buildIntent(t, "rogue-agent", "sess-i",
				model.ReadFileParams{Path: "workspace/a.txt"}, model.RiskLow),
			reason: model.ReasonValidation,
		},
		{
			name: "action outside grant",
			intent: buildIntent(t, "research-agent", "sess-i",
				model.WriteMemoryParams{Key: "prefs", Value: "x"}, model.RiskLow),
			reason: model.ReasonPolicyViolation,
		},
		{
			name: "risk above agent ceiling",
			intent: buildIntent(t, "research-agent", "sess-i",
				model.ReadFileParams{Path: "workspace/a.txt"}, model.RiskHigh),
			reason: model.ReasonRiskCeiling,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := h.kernel.ProcessBatch(context.Background(),
				model.NewBatch("try it", trustedIdentity("sess-i"), tc.intent))
			if err != nil {
				t.Fatalf("ProcessBatch: %v", err)
			}
			out := res.Outcomes[0]
			if out.Decision != model.Deny || out.Reason != tc.reason {
				t.Fatalf("outcome = %+v, want %s denial", out, tc.reason)
			}
		})
	}
	if backend.callCount() != 0 {
		t.Error("registry-rejected intents reached the evaluator")
	}
}

func TestProcessBatchSessionQuota(t *testing.T) {
	backend := &fakeBackend{}
	h := newHarness(t, backend, func(cfg *Config) { cfg.SessionQuota = 2 })

	a := buildIntent(t, "research-agent", "sess-j",
		model.ReadFileParams{Path: "workspace/a.txt"}, model.RiskLow)
	b := buildIntent(t, "research-agent", "sess-j",
		model.ReadFileParams{Path: "workspace/b.txt"}, model.RiskLow)
	backend.setReply(allowReply(a.ID, b.ID))
	if _, err := h.kernel.ProcessBatch(context.Background(),
		model.NewBatch("read both", trustedIdentity("sess-j"), a, b)); err != nil {
		t.Fatalf("ProcessBatch(first): %v", err)
	}

	c := buildIntent(t, "research-agent", "sess-j",
		model.ReadFileParams{Path: "workspace/c.txt"}, model.RiskLow)
	res, err := h.kernel.ProcessBatch(context.Background(),
		model.NewBatch("one more", trustedIdentity("sess-j"), c))
	if err != nil {
		t.Fatalf("ProcessBatch(over quota): %v", err)
	}
	out := res.Outcomes[0]
	if out.Decision != model.Deny || out.Reason != model.ReasonPolicyViolation {
		t.Fatalf("outcome = %+v, want quota denial", out)
	}
	if !strings.Contains(out.Detail, "quota") {
		t.Errorf("detail = %q, want quota named", out.Detail)
	}

	info, _ := h.kernel.Session("sess-j")
	if info.IntentCount != 2 {
		t.Errorf("session intent count = %d, want 2 (rejected batch not charged)", info.IntentCount)
	}

	// A different session is unaffected.
	d := buildIntent(t, "research-agent", "sess-k",
		model.ReadFileParams{Path: "workspace/d.txt"}, model.RiskLow)
	backend.setReply(allowReply(d.ID))
	res, err = h.kernel.ProcessBatch(context.Background(),
		model.NewBatch("read", trustedIdentity("sess-k"), d))
	if err != nil {
		t.Fatalf("ProcessBatch(other session): %v", err)
	}
	if res.Outcomes[0].Decision != model.Allow {
		t.Errorf("other session outcome = %s, want allow", res.Outcomes[0].Decision)
	}
}

func TestProcessBatchInvalidIntentContinues(t *testing.T) {
	backend := &fakeBackend{}
	h := newHarness(t, backend)

	good := buildIntent(t, "research-agent", "sess-l",
		model.ReadFileParams{Path: "workspace/a.txt"}, model.RiskLow)
	bad := &model.ActionIntent{
		ID:        "bad-1",
		Type:      model.ActionReadFile,
		Target:    "workspace/x.txt",
		Params:    model.ReadFileParams{},
		AgentID:   "research-agent",
		SessionID: "sess-l",
		Risk:      model.RiskLow,
	}
	backend.setReply(allowReply(good.ID))

	batch := model.NewBatch("mixed bag", trustedIdentity("sess-l"), good, bad)
	res, err := h.kernel.ProcessBatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if res.Decision != model.Deny {
		t.Errorf("batch decision = %s, want deny (worst outcome wins)", res.Decision)
	}

	byID := make(map[string]IntentOutcome)
	for _, out := range res.Outcomes {
		byID[out.IntentID] = out
	}
	if out := byID[good.ID]; out.Decision != model.Allow || out.TokenID == "" {
		t.Errorf("valid intent outcome = %+v, want allow with token", out)
	}
	if out := byID["bad-1"]; out.Decision != model.Deny || out.Reason != model.ReasonValidation {
		t.Errorf("invalid intent outcome = %+v, want validation denial", out)
	}
	if backend.callCount() != 1 {
		t.Errorf("evaluator calls = %d, want 1 with only the valid survivor", backend.callCount())
	}
}

func TestProcessBatchMintFailureSystemError(t *testing.T) {
	backend := &fakeBackend{}
	h := newHarness(t, backend, func(cfg *Config) {
		// An engine with no token manager cannot mint; the kernel must
		// fail the intent, not the batch.
		cfg.Engine = policy.NewEngine(policy.DefaultPolicy(), "kernel-test-hash", nil, nil)
	})

	a := buildIntent(t, "research-agent", "sess-m",
		model.ReadFileParams{Path: "workspace/a.txt"}, model.RiskLow)
	b := buildIntent(t, "research-agent", "sess-m",
		model.ReadFileParams{Path: "workspace/b.txt"}, model.RiskLow)
	backend.setReply(allowReply(a.ID, b.ID))

	res, err := h.kernel.ProcessBatch(context.Background(),
		model.NewBatch("read both", trustedIdentity("sess-m"), a, b))
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	for _, out := range res.Outcomes {
		if out.Decision != model.Deny || out.Reason != model.ReasonSystemError {
			t.Errorf("outcome = %+v, want system_error denial on mint failure", out)
		}
		if !strings.Contains(out.Detail, "token mint failed") {
			t.Errorf("detail = %q, want mint failure named", out.Detail)
		}
	}
}

func TestNewRequiresCoreComponents(t *testing.T) {
	tokens := token.NewManager([]byte("s"))
	engine := policy.NewEngine(policy.DefaultPolicy(), "h", tokens, nil)
	log, err := audit.Open(filepath.Join(t.TempDir(), "a.jsonl"))
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	defer log.Close()

	cases := []struct {
		name string
		cfg  Config
	}{
		{"no engine", Config{Tokens: tokens, Log: log}},
		{"no tokens", Config{Engine: engine, Log: log}},
		{"no log", Config{Engine: engine, Tokens: tokens}},
	}
	for _, tc := range cases {
		if _, err := New(tc.cfg); err == nil {
			t.Errorf("New(%s) accepted an incomplete config", tc.name)
		}
	}

	k, err := New(Config{Engine: engine, Tokens: tokens, Log: log})
	if err != nil {
		t.Fatalf("New(minimal): %v", err)
	}
	if _, err := k.Execute(context.Background(), &model.ActionIntent{}, "tok"); err == nil {
		t.Error("Execute without a runner must refuse")
	}
}

func TestSweepOnceRotatesAndPrunes(t *testing.T) {
	backend := &fakeBackend{}
	h := newHarness(t, backend)

	// An already expired grant disappears on the next sweep.
	if _, err := h.tokens.Mint("research-agent", model.ActionReadFile, "workspace/a.txt",
		"int-sweep", nil, time.Millisecond, model.ScopeSingleUse, 1); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	for i := 0; i < 5; i++ {
		if err := h.log.Record(&audit.AuditEntry{Event: audit.EventIntent, IntentID: fmt.Sprintf("int-%d", i)}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	h.kernel.SweepOnce(1) // any nonzero size triggers rotation

	if n := h.tokens.ActiveCount(); n != 0 {
		t.Errorf("active tokens after sweep = %d, want 0", n)
	}

	entries, err := os.ReadDir(h.root)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	rotated := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "audit.jsonl.") {
			rotated = true
		}
	}
	if !rotated {
		t.Error("audit log not rotated past the size threshold")
	}

	// The live log starts a fresh chain and stays usable.
	if err := h.log.Record(&audit.AuditEntry{Event: audit.EventIntent, IntentID: "after-rotate"}); err != nil {
		t.Fatalf("Record after rotate: %v", err)
	}
	if v := audit.Verify(h.auditPath); !v.Valid {
		t.Errorf("fresh chain invalid: %s", v.Error)
	}
}
