//go:build fieldtest

// Package fieldtest drives the compiled toolgate binary through
// adversarial rounds: cooperative traffic first, then perimeter probing,
// confirmation discipline, audit tampering, hard-rule pressure, and
// sustained load. Every round runs the real CLI against a throwaway
// arena directory. Run with: go test -tags fieldtest ./internal/fieldtest
package fieldtest

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// binaryPath is the compiled toolgate binary, built once in TestMain.
var binaryPath string

func TestMain(m *testing.M) {
	root := findRepoRoot()

	tmpDir, err := os.MkdirTemp("", "fieldtest-bin-*")
	if err != nil {
		panic("failed to create temp dir: " + err.Error())
	}
	defer os.RemoveAll(tmpDir)

	binaryPath = filepath.Join(tmpDir, "toolgate")
	cmd := exec.Command("go", "build", "-o", binaryPath, "./cmd/toolgate")
	cmd.Dir = root
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		panic("failed to build toolgate binary: " + err.Error())
	}

	os.Exit(m.Run())
}

// gateEnv pins the subprocess environment: HOME inside the arena so the
// confirmation store, escalation reports, and default paths stay local,
// and no evaluator backend so decisions come from the conservative
// fallback.
func gateEnv(arena string) []string {
	return []string{
		"HOME=" + arena,
		"PATH=" + os.Getenv("PATH"),
		"TOOLGATE_EVAL_BACKEND=none",
	}
}

// execGate runs the toolgate binary with the given args inside the arena
// environment. Returns stdout, stderr, and exit code.
func execGate(t *testing.T, arena string, args ...string) (string, string, int) {
	t.Helper()
	cmd := exec.Command(binaryPath, args...)
	cmd.Env = gateEnv(arena)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), exitErr.ExitCode()
		}
		t.Fatalf("exec failed: %v", err)
	}
	return stdout.String(), stderr.String(), 0
}

// intentSpec is the wire shape of one intent in a submitted batch.
type intentSpec struct {
	Action    string              `json:"action_type"`
	Params    map[string]any      `json:"parameters"`
	Rationale string              `json:"rationale,omitempty"`
	Citations []map[string]string `json:"citations,omitempty"`
}

func batchJSON(t *testing.T, goal string, intents ...intentSpec) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"user_request": goal,
		"intents":      intents,
	})
	if err != nil {
		t.Fatalf("marshal batch: %v", err)
	}
	return string(b)
}

// outcome mirrors the per-intent verdict in the submit report.
type outcome struct {
	IntentID        string `json:"intent_id"`
	Action          string `json:"action"`
	Target          string `json:"target"`
	Decision        string `json:"decision"`
	Reason          string `json:"reason"`
	Detail          string `json:"detail"`
	TokenID         string `json:"token_id"`
	ConfirmationKey string `json:"confirmation_key"`
}

// execution mirrors one runner result from submit --execute.
type execution struct {
	IntentID string `json:"intent_id"`
	Status   string `json:"status"`
	Output   string `json:"output"`
	Error    string `json:"error"`
}

// submitReport is the JSON the submit command prints.
type submitReport struct {
	BatchID      string      `json:"batch_id"`
	Decision     string      `json:"decision"`
	Risk         string      `json:"risk"`
	Source       string      `json:"source"`
	Reasons      []string    `json:"reasons"`
	EscalationID string      `json:"escalation_id"`
	Outcomes     []outcome   `json:"outcomes"`
	Executions   []execution `json:"executions"`
}

// submitBatch pipes a batch through `toolgate submit -` and parses the
// report. Exit 0 and 77 are both expected outcomes; anything else fails
// the test.
func submitBatch(t *testing.T, arena, auditLog, payload string, extra ...string) (submitReport, int) {
	t.Helper()
	return submitBatchEnv(t, arena, auditLog, payload, gateEnv(arena), extra...)
}

// submitBatchEnv is submitBatch with a caller-built environment, for
// rounds that aim the binary at a live evaluator endpoint.
func submitBatchEnv(t *testing.T, arena, auditLog, payload string, env []string, extra ...string) (submitReport, int) {
	t.Helper()
	args := []string{"submit", "--agent", "fieldbot", "--audit-log", auditLog, "--workspace", arena}
	args = append(args, extra...)
	args = append(args, "-")

	cmd := exec.Command(binaryPath, args...)
	cmd.Env = env
	cmd.Stdin = strings.NewReader(payload)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	code := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			t.Fatalf("exec submit: %v", err)
		}
		code = exitErr.ExitCode()
	}
	if code != 0 && code != 77 {
		t.Fatalf("submit exited %d: %s", code, stderr.String())
	}

	var rep submitReport
	if err := json.Unmarshal([]byte(stdout.String()), &rep); err != nil {
		t.Fatalf("parse submit report: %v\nstdout: %s\nstderr: %s", err, stdout.String(), stderr.String())
	}
	return rep, code
}

// verifyChain runs `toolgate audit verify` and asserts the chain is valid.
func verifyChain(t *testing.T, arena, auditLog string) {
	t.Helper()
	_, stderr, code := execGate(t, arena, "audit", "verify", auditLog)
	if code != 0 {
		t.Fatalf("audit chain verification failed (exit %d): %s", code, stderr)
	}
}

// verifyChainBroken runs `toolgate audit verify` and asserts it fails.
func verifyChainBroken(t *testing.T, arena, auditLog string) {
	t.Helper()
	_, _, code := execGate(t, arena, "audit", "verify", auditLog)
	if code == 0 {
		t.Fatal("expected audit chain verification to fail, but it passed")
	}
}

// countEntries counts the non-empty lines in the audit log.
func countEntries(t *testing.T, auditLog string) int {
	t.Helper()
	f, err := os.Open(auditLog)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan audit log: %v", err)
	}
	return count
}

// parseEntries parses all JSON objects from the audit log.
func parseEntries(t *testing.T, auditLog string) []map[string]any {
	t.Helper()
	f, err := os.Open(auditLog)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	var entries []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("parse audit entry: %v\nline: %s", err, line)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan audit log: %v", err)
	}
	return entries
}

// countDecisions counts audit entries carrying a specific decision value.
func countDecisions(t *testing.T, auditLog, decision string) int {
	t.Helper()
	count := 0
	for _, e := range parseEntries(t, auditLog) {
		if d, ok := e["decision"].(string); ok && d == decision {
			count++
		}
	}
	return count
}

// countEvents counts audit entries of one event type.
func countEvents(t *testing.T, auditLog, event string) int {
	t.Helper()
	count := 0
	for _, e := range parseEntries(t, auditLog) {
		if v, ok := e["event"].(string); ok && v == event {
			count++
		}
	}
	return count
}

// newArena creates a temp directory with seed files and returns the
// arena directory and audit log path. HOME points here during rounds, so
// each round gets its own confirmation store and escalation outbox.
func newArena(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()

	for _, sub := range []string{"workspace", "data", "logs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", sub, err)
		}
	}

	seeds := map[string]string{
		"workspace/notes.txt": "meeting notes: rotate the deploy keys next sprint\n",
		"data/config.json":    `{"version": "1.0", "name": "fieldtest"}`,
	}
	for name, content := range seeds {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write seed %s: %v", name, err)
		}
	}

	return dir, filepath.Join(dir, "logs", "audit.jsonl")
}

// findRepoRoot walks up from the current directory to find go.mod.
func findRepoRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		panic("getwd: " + err.Error())
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			panic("could not find go.mod in any parent directory")
		}
		dir = parent
	}
}
