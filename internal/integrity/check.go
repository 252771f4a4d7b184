// Package integrity runs the startup self-checks: the binary checksum,
// the pinned policy hash, and the audit hash chain. The expected binary
// hash is embedded at build time via ldflags; the policy pin is a
// checksum file written by "toolgate policy pin". A failed check records
// a tamper event and the process refuses to serve.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ppiankov/toolgate/internal/alert"
	"github.com/ppiankov/toolgate/internal/audit"
	"github.com/ppiankov/toolgate/internal/model"
)

// ExpectedHash is set at build time via:
//
//	-ldflags "-X github.com/ppiankov/toolgate/internal/integrity.ExpectedHash=<sha256hex>"
//
// When empty (dev builds), verification falls back to the checksum file.
var ExpectedHash string

// TamperLogDir is the directory where tamper events are written.
// Defaults to /var/log/toolgate. Override for testing.
var TamperLogDir = "/var/log/toolgate"

// ChecksumPaths are the paths checked (in order) for a sha256 checksum
// file. The file should contain a single hex-encoded SHA-256 hash of the
// binary. Override for testing.
var ChecksumPaths = []string{
	"/etc/toolgate/binary.sha256",
	"$HOME/.toolgate/binary.sha256",
}

// PolicyPinPaths are the paths checked (in order) for the pinned policy
// hash written by "toolgate policy pin". Override for testing.
var PolicyPinPaths = []string{
	"/etc/toolgate/policy.sha256",
	"$HOME/.toolgate/policy.sha256",
}

// TamperEvent records one integrity violation.
type TamperEvent struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"` // binary_tamper, policy_tamper, audit_tamper
	Subject   string `json:"subject"`
	Expected  string `json:"expected_hash,omitempty"`
	Actual    string `json:"actual_hash,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Hostname  string `json:"hostname"`
}

// Check runs the startup checks in order: binary, policy pin, audit
// chain. The first failure wins. alerts may be empty.
func Check(policyHash, auditPath string, alerts []alert.WebhookConfig) error {
	if err := VerifyBinary(alerts); err != nil {
		return err
	}
	if err := VerifyPolicyPin(policyHash, alerts); err != nil {
		return err
	}
	return VerifyAudit(auditPath, alerts)
}

// VerifyBinary checks that the running binary matches ExpectedHash.
// If ExpectedHash is empty, falls back to the checksum file at
// ChecksumPaths. Returns nil if verification passes or if no expected
// hash is available (dev mode). On mismatch, writes a tamper event
// before returning the error.
func VerifyBinary(alerts []alert.WebhookConfig) error {
	expected := ExpectedHash
	if expected == "" {
		expected = loadChecksumFile()
	}
	if expected == "" {
		fmt.Fprintf(os.Stderr, "integrity: WARNING no build-time hash or checksum file found (dev build, binary check skipped)\n")
		return nil
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("integrity: cannot resolve executable path: %w", err)
	}

	actual, err := hashFile(exePath)
	if err != nil {
		return fmt.Errorf("integrity: cannot hash binary: %w", err)
	}

	if actual == expected {
		fmt.Fprintf(os.Stderr, "integrity: binary checksum verified (%s...%s)\n",
			actual[:8], actual[len(actual)-8:])
		return nil
	}

	writeTamperEvent(TamperEvent{
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Type:      "binary_tamper",
		Subject:   exePath,
		Expected:  expected,
		Actual:    actual,
	}, alerts)

	return fmt.Errorf("integrity: binary checksum mismatch (expected %s, got %s)", expected, actual)
}

// VerifyPolicyPin compares the active policy hash against the pinned
// value. No pin file means the operator has not pinned a policy, and any
// table is acceptable.
func VerifyPolicyPin(policyHash string, alerts []alert.WebhookConfig) error {
	pinned := loadPolicyPin()
	if pinned == "" || policyHash == "" {
		return nil
	}
	if pinned == policyHash {
		fmt.Fprintf(os.Stderr, "integrity: policy hash matches pin\n")
		return nil
	}

	writeTamperEvent(TamperEvent{
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Type:      "policy_tamper",
		Subject:   "policy table",
		Expected:  pinned,
		Actual:    policyHash,
	}, alerts)

	return fmt.Errorf("integrity: policy hash mismatch (pinned %s, active %s)", pinned, policyHash)
}

// VerifyAudit validates the audit log hash chain. A log that does not
// exist yet passes (fresh install); a broken chain records a tamper
// event and fails.
func VerifyAudit(path string, alerts []alert.WebhookConfig) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	res := audit.Verify(path)
	if res.Valid {
		fmt.Fprintf(os.Stderr, "integrity: audit chain verified (%d entries)\n", res.Lines)
		return nil
	}

	writeTamperEvent(TamperEvent{
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Type:      "audit_tamper",
		Subject:   path,
		Detail:    fmt.Sprintf("%s (line %d)", res.Error, res.ErrorLine),
	}, alerts)

	return fmt.Errorf("integrity: audit chain broken at line %d: %s", res.ErrorLine, res.Error)
}

// PinPolicy writes the policy hash to the pin file and returns the path
// written. Empty path defaults to ~/.toolgate/policy.sha256.
func PinPolicy(policyHash, path string) (string, error) {
	if policyHash == "" {
		return "", fmt.Errorf("integrity: empty policy hash")
	}
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("integrity: cannot determine home dir: %w", err)
		}
		path = filepath.Join(home, ".toolgate", "policy.sha256")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("integrity: %w", err)
	}
	if err := os.WriteFile(path, []byte(policyHash+"\n"), 0600); err != nil {
		return "", fmt.Errorf("integrity: %w", err)
	}
	return path, nil
}

// HashSelf returns the SHA-256 hex digest of the running binary.
// Useful for writing the checksum file after install.
func HashSelf() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("integrity: cannot resolve executable path: %w", err)
	}
	return hashFile(exePath)
}

// loadChecksumFile reads the expected binary hash from a checksum file.
// Returns empty string if no file is found or readable.
func loadChecksumFile() string {
	for _, p := range ChecksumPaths {
		path := os.ExpandEnv(p)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		hash := strings.TrimSpace(string(data))
		if len(hash) == 64 && isHex(hash) {
			return hash
		}
	}
	return ""
}

// loadPolicyPin reads the pinned policy hash. Accepts the full
// "sha256:<hex>" form the loader records, or a bare hex digest.
func loadPolicyPin() string {
	for _, p := range PolicyPinPaths {
		path := os.ExpandEnv(p)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		hash := strings.TrimSpace(string(data))
		if rest, ok := strings.CutPrefix(hash, "sha256:"); ok {
			if len(rest) == 64 && isHex(rest) {
				return "sha256:" + strings.ToLower(rest)
			}
			continue
		}
		if len(hash) == 64 && isHex(hash) {
			return "sha256:" + strings.ToLower(hash)
		}
	}
	return ""
}

func isHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeTamperEvent appends a tamper event to the tamper log, prints to
// stderr for the journal, and posts matching webhooks synchronously (the
// process is about to exit, so the async dispatcher would lose them).
func writeTamperEvent(event TamperEvent, alerts []alert.WebhookConfig) {
	event.Hostname, _ = os.Hostname()

	line, err := json.Marshal(event)
	if err != nil {
		return
	}

	logPath := filepath.Join(TamperLogDir, "tamper.jsonl")
	if err := os.MkdirAll(TamperLogDir, 0700); err == nil {
		if f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600); err == nil {
			f.Write(append(line, '\n'))
			f.Sync()
			f.Close()
		}
	}

	fmt.Fprintf(os.Stderr, "TAMPER ALERT: %s\n", string(line))

	ev := alertEventFromTamper(event)
	for _, cfg := range alerts {
		for _, e := range cfg.Events {
			if e == event.Type || e == "deny" {
				_ = alert.Send(cfg, ev)
				break
			}
		}
	}
}

// alertEventFromTamper shapes a tamper event as a webhook alert payload.
func alertEventFromTamper(event TamperEvent) alert.Event {
	detail := event.Detail
	if detail == "" {
		detail = fmt.Sprintf("checksum mismatch: expected %s, got %s", event.Expected, event.Actual)
	}
	return alert.Event{
		Timestamp: event.Timestamp,
		Target:    event.Subject,
		Decision:  "deny",
		Detail:    detail,
		Risk:      model.RiskCritical,
		Type:      event.Type,
	}
}
