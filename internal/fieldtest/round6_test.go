//go:build fieldtest

package fieldtest

import (
	"fmt"
	"strings"
	"testing"
)

// Round 6 is volume: many short submissions against one log, then one
// oversized batch against the session quota. No entry may be lost and
// the chain must stay pinned across process restarts.
func TestRound6_RapidSequential(t *testing.T) {
	arena, auditLog := newArena(t)

	const total = 30
	expectedDeny := 0
	expectedAllow := 0

	for i := 0; i < total; i++ {
		if i%3 == 0 {
			rep, code := submitBatch(t, arena, auditLog, batchJSON(t,
				fmt.Sprintf("probe %d", i),
				intentSpec{Action: "read_file", Params: map[string]any{"path": "/etc/hosts"}}))
			if code != 77 || rep.Decision != "deny" {
				t.Fatalf("probe %d: exit %d decision %s, want 77/deny", i, code, rep.Decision)
			}
			expectedDeny++
		} else {
			rep, code := submitBatch(t, arena, auditLog, batchJSON(t,
				fmt.Sprintf("read %d", i),
				intentSpec{Action: "read_file", Params: map[string]any{"path": "workspace/notes.txt"}}))
			if code != 0 || rep.Decision != "allow_with_constraints" {
				t.Fatalf("read %d: exit %d decision %s, want 0/allow_with_constraints", i, code, rep.Decision)
			}
			expectedAllow++
		}
	}

	t.Run("no_lost_entries", func(t *testing.T) {
		if count := countEntries(t, auditLog); count != total*2 {
			t.Errorf("expected %d entries, got %d (lost %d)", total*2, count, total*2-count)
		}
	})

	t.Run("correct_decision_counts", func(t *testing.T) {
		if n := countDecisions(t, auditLog, "deny"); n != expectedDeny {
			t.Errorf("deny count = %d, want %d", n, expectedDeny)
		}
		if n := countDecisions(t, auditLog, "allow_with_constraints"); n != expectedAllow {
			t.Errorf("allow_with_constraints count = %d, want %d", n, expectedAllow)
		}
	})

	t.Run("chain_valid_across_processes", func(t *testing.T) {
		verifyChain(t, arena, auditLog)
	})
}

func TestRound6_QuotaExhaustion(t *testing.T) {
	arena, auditLog := newArena(t)

	// One intent over the default per-session quota of 100.
	intents := make([]intentSpec, 101)
	for i := range intents {
		intents[i] = intentSpec{
			Action: "read_file",
			Params: map[string]any{"path": "workspace/notes.txt"},
		}
	}

	rep, code := submitBatch(t, arena, auditLog, batchJSON(t, "read everything at once", intents...))
	if code != 77 {
		t.Fatalf("oversized batch exited %d, want 77", code)
	}
	if rep.Decision != "deny" {
		t.Errorf("batch decision = %s, want deny", rep.Decision)
	}
	if len(rep.Outcomes) != len(intents) {
		t.Fatalf("expected %d outcomes, got %d", len(intents), len(rep.Outcomes))
	}

	t.Run("every_intent_charged_to_quota", func(t *testing.T) {
		for _, o := range rep.Outcomes {
			if o.Decision != "deny" {
				t.Fatalf("outcome %s: decision = %s, want deny", o.IntentID, o.Decision)
			}
		}
		if d := rep.Outcomes[0].Detail; !strings.Contains(d, "quota") {
			t.Errorf("detail = %q, want quota note", d)
		}
	})

	t.Run("audit_chain_valid", func(t *testing.T) {
		verifyChain(t, arena, auditLog)
	})
}
