//go:build fieldtest

package fieldtest

import (
	"os"
	"strings"
	"testing"
)

// Round 4 attacks the evidence instead of the gate: forged entries,
// truncation from both ends, deletion, and unchained appends. The hash
// chain anchors at a genesis value, so removing the head is as visible
// as rewriting the middle.
func TestRound4_TamperEvidence(t *testing.T) {
	arena, auditLog := newArena(t)

	readBatch := batchJSON(t, "routine project review",
		intentSpec{Action: "read_file", Params: map[string]any{"path": "workspace/notes.txt"}})
	deniedBatch := batchJSON(t, "look at host configuration",
		intentSpec{Action: "read_file", Params: map[string]any{"path": "/etc/hosts"}})

	for i := 0; i < 3; i++ {
		submitBatch(t, arena, auditLog, readBatch)
	}
	submitBatch(t, arena, auditLog, deniedBatch)

	verifyChain(t, arena, auditLog)
	snapshot, err := os.ReadFile(auditLog)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(snapshot)), "\n")
	if len(lines) != 8 {
		t.Fatalf("expected 8 entries after traffic, got %d", len(lines))
	}

	restore := func() {
		if err := os.WriteFile(auditLog, snapshot, 0o600); err != nil {
			t.Fatalf("restore audit log: %v", err)
		}
	}

	rewrite := func(ls []string) {
		if err := os.WriteFile(auditLog, []byte(strings.Join(ls, "\n")+"\n"), 0o600); err != nil {
			t.Fatalf("write tampered log: %v", err)
		}
	}

	forged := `{"ts":"2026-08-25T00:00:00Z","event":"decision","decision":"allow","prev_hash":"sha256:forged"}`

	t.Run("forged_middle_entry_detected", func(t *testing.T) {
		tampered := append([]string{}, lines...)
		tampered[3] = forged
		rewrite(tampered)
		verifyChainBroken(t, arena, auditLog)
		t.Log("PASS: middle-entry forgery detected by hash chain")
	})

	t.Run("tail_truncation_leaves_valid_prefix", func(t *testing.T) {
		restore()
		rewrite(lines[:6])
		verifyChain(t, arena, auditLog)
		if count := countEntries(t, auditLog); count != 6 {
			t.Errorf("expected 6 entries after truncation, got %d", count)
		}
		t.Log("PASS: tail truncation shows up as missing entries, not a broken chain")
	})

	t.Run("head_truncation_breaks_genesis_anchor", func(t *testing.T) {
		restore()
		rewrite(lines[1:])
		verifyChainBroken(t, arena, auditLog)
		t.Log("PASS: removing the first entry breaks the genesis anchor")
	})

	t.Run("deleted_log_fails_verification", func(t *testing.T) {
		restore()
		if err := os.Remove(auditLog); err != nil {
			t.Fatalf("remove audit log: %v", err)
		}
		_, _, code := execGate(t, arena, "audit", "verify", auditLog)
		if code == 0 {
			t.Error("verification passed on a deleted log")
		}
	})

	t.Run("appended_unchained_entry_detected", func(t *testing.T) {
		restore()
		f, err := os.OpenFile(auditLog, os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			t.Fatalf("open log: %v", err)
		}
		if _, err := f.WriteString(forged + "\n"); err != nil {
			f.Close()
			t.Fatalf("append forged entry: %v", err)
		}
		f.Close()
		verifyChainBroken(t, arena, auditLog)
		t.Log("PASS: appended unchained entry detected")
	})

	t.Run("restored_log_verifies_again", func(t *testing.T) {
		restore()
		verifyChain(t, arena, auditLog)
	})
}
