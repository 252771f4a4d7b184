package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ppiankov/toolgate/internal/model"
)

// validMemKey constrains memory keys to filename-safe characters.
var validMemKey = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// resolvePath confines a target to the configured root. Absolute paths
// and anything that still points above the root after cleaning are
// rejected before any filesystem call.
func (r *Runner) resolvePath(target string) (string, error) {
	cleaned := filepath.Clean(target)
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("path %q is absolute, only paths under the workspace root are served", target)
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace root", target)
	}
	return filepath.Join(r.cfg.Root, cleaned), nil
}

func (r *Runner) readFile(p model.ReadFileParams) (string, error) {
	abs, err := r.resolvePath(p.Path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", p.Path, err)
	}
	return string(data), nil
}

func (r *Runner) writeFile(p model.WriteFileParams, sanitize bool) (string, bool, error) {
	abs, err := r.resolvePath(p.Path)
	if err != nil {
		return "", false, err
	}
	content := p.Content
	sanitized := false
	if sanitize {
		content, sanitized = Sanitize(content)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0750); err != nil {
		return "", sanitized, fmt.Errorf("create parent for %s: %w", p.Path, err)
	}
	if err := writeAtomic(abs, []byte(content), 0o640); err != nil {
		return "", sanitized, fmt.Errorf("write %s: %w", p.Path, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), p.Path), sanitized, nil
}

func (r *Runner) memPath(key string) (string, error) {
	if !validMemKey.MatchString(key) {
		return "", fmt.Errorf("invalid memory key %q", key)
	}
	return filepath.Join(r.cfg.MemoryDir, key), nil
}

func (r *Runner) readMemory(p model.ReadMemoryParams) (string, error) {
	path, err := r.memPath(p.Key)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("memory key %q not found", p.Key)
	}
	if err != nil {
		return "", fmt.Errorf("read memory %s: %w", p.Key, err)
	}
	return string(data), nil
}

func (r *Runner) writeMemory(p model.WriteMemoryParams, sanitize bool) (string, bool, error) {
	path, err := r.memPath(p.Key)
	if err != nil {
		return "", false, err
	}
	value := p.Value
	sanitized := false
	if sanitize {
		value, sanitized = Sanitize(value)
	}
	if err := os.MkdirAll(r.cfg.MemoryDir, 0750); err != nil {
		return "", sanitized, fmt.Errorf("create memory dir: %w", err)
	}
	if err := writeAtomic(path, []byte(value), 0o600); err != nil {
		return "", sanitized, fmt.Errorf("write memory %s: %w", p.Key, err)
	}
	return fmt.Sprintf("stored %d bytes under %s", len(value), p.Key), sanitized, nil
}

// writeAtomic writes via a temp file and rename so a crash never leaves
// a half-written target.
func writeAtomic(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
