package audit

import (
	"os"
	"strings"
	"testing"

	"github.com/ppiankov/toolgate/internal/model"
)

func writeSampleLog(t *testing.T) string {
	t.Helper()
	path := tempLogPath(t)
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	entries := []AuditEntry{
		{Event: EventIntent, BatchID: "b1", IntentID: "int-1", SessionID: "sess-1", Action: AuditAction{Type: model.ActionReadFile, Target: "notes.md"}},
		{Event: EventDecision, BatchID: "b1", IntentID: "int-1", SessionID: "sess-1", Decision: model.Allow, TokenID: "tok-1"},
		{Event: EventExecution, BatchID: "b1", IntentID: "int-1", SessionID: "sess-1", TokenID: "tok-1", Result: "success"},
		{Event: EventIntent, BatchID: "b2", IntentID: "int-2", SessionID: "sess-2", Action: AuditAction{Type: model.ActionExecuteCommand, Target: "rm -rf /"}},
		{Event: EventDecision, BatchID: "b2", IntentID: "int-2", SessionID: "sess-2", Decision: model.Deny, Reason: model.ReasonPolicyViolation, Flagged: true, FlagReason: "denied command"},
	}
	for i := range entries {
		if err := log.Record(&entries[i]); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}
	return path
}

func TestQueryBySession(t *testing.T) {
	path := writeSampleLog(t)

	res, err := Query(path, QueryFilter{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(res.Entries))
	}
	if res.Summary.ByEvent[EventIntent] != 1 || res.Summary.ByEvent[EventDecision] != 1 || res.Summary.ByEvent[EventExecution] != 1 {
		t.Errorf("by_event = %v", res.Summary.ByEvent)
	}
	if res.Summary.ByDecision["allow"] != 1 {
		t.Errorf("by_decision = %v", res.Summary.ByDecision)
	}
}

func TestQueryByIntent(t *testing.T) {
	path := writeSampleLog(t)

	entries, err := ByIntent(path, "int-2")
	if err != nil {
		t.Fatalf("ByIntent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Event != EventIntent || entries[1].Event != EventDecision {
		t.Errorf("order = %s, %s", entries[0].Event, entries[1].Event)
	}
	if entries[1].Reason != model.ReasonPolicyViolation {
		t.Errorf("reason = %q", entries[1].Reason)
	}
}

func TestQueryFlaggedCount(t *testing.T) {
	path := writeSampleLog(t)

	res, err := Query(path, QueryFilter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Summary.Flagged != 1 {
		t.Errorf("flagged = %d, want 1", res.Summary.Flagged)
	}
	if res.Summary.Total != 5 {
		t.Errorf("total = %d, want 5", res.Summary.Total)
	}
}

func TestQuerySkipsMalformedLines(t *testing.T) {
	path := writeSampleLog(t)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString("{truncated\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	res, err := Query(path, QueryFilter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Summary.Total != 5 {
		t.Errorf("total = %d, want 5 (malformed tail skipped)", res.Summary.Total)
	}
}

func TestTail(t *testing.T) {
	path := writeSampleLog(t)

	entries, err := Tail(path, 2)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[1].Event != EventDecision || entries[1].IntentID != "int-2" {
		t.Errorf("last entry = %s %s", entries[1].Event, entries[1].IntentID)
	}
}

func TestFormatTimeline(t *testing.T) {
	path := writeSampleLog(t)

	entries, err := Tail(path, 10)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	out := FormatTimeline(entries)
	for _, want := range []string{"intent", "decision", "execution", "read_file notes.md", "decision=deny", "FLAGGED:denied command"} {
		if !strings.Contains(out, want) {
			t.Errorf("timeline missing %q:\n%s", want, out)
		}
	}
}
