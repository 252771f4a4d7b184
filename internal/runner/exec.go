package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/ppiankov/toolgate/internal/model"
)

// runCommand executes the literal command string the policy evaluated.
// The string is handed to the shell verbatim; nothing reshapes it
// between decision and execution. The subprocess is killed at the
// deadline and the timeout is reported as a failure, never retried.
func (r *Runner) runCommand(ctx context.Context, p model.ExecuteCommandParams) (string, int, error) {
	timeout := r.cfg.CommandTimeout
	if p.TimeoutSeconds > 0 {
		if t := time.Duration(p.TimeoutSeconds) * time.Second; t < timeout {
			timeout = t
		}
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "/bin/sh", "-c", p.Command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return stdout.String(), -1, fmt.Errorf("command timed out after %s", timeout)
	}
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				exitCode = status.ExitStatus()
			}
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = "no stderr output"
			}
			return stdout.String(), exitCode, fmt.Errorf("command exited %d: %s", exitCode, firstLine(msg))
		}
		return stdout.String(), exitCode, fmt.Errorf("start command: %w", err)
	}
	return stdout.String(), 0, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
