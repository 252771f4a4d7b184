package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/toolgate/internal/model"
)

// ActionPolicy is the per-action-type row of the security policy table.
// List fields are matched deny-first; an empty allowlist fails closed for
// the types that require one.
type ActionPolicy struct {
	AllowedPathPrefixes  []string        `yaml:"allowed_path_prefixes,omitempty"`
	DeniedPathPrefixes   []string        `yaml:"denied_path_prefixes,omitempty"`
	AllowedDomains       []string        `yaml:"allowed_domains,omitempty"`
	AllowedCommands      []string        `yaml:"allowed_commands,omitempty"`
	DeniedCommands       []string        `yaml:"denied_commands,omitempty"`
	DeniedSQLVerbs       []string        `yaml:"denied_sql_verbs,omitempty"`
	AllowedAgents        []string        `yaml:"allowed_agents,omitempty"`
	AllowedRecipients    []string        `yaml:"allowed_recipients,omitempty"`
	AllowedEngines       []string        `yaml:"allowed_engines,omitempty"`
	Decision             string          `yaml:"decision,omitempty"`
	MaxRisk              model.RiskLevel `yaml:"max_risk,omitempty"`
	RequiresSanitization bool            `yaml:"requires_sanitization,omitempty"`
	ApprovalRequired     bool            `yaml:"approval_required,omitempty"`
}

// SecurityPolicy maps each action type to its policy row.
type SecurityPolicy struct {
	Actions map[model.ActionType]*ActionPolicy `yaml:"actions"`
}

// For returns the policy row for an action type. Unknown types get an
// empty row, which fails closed everywhere an allowlist is consulted.
func (p *SecurityPolicy) For(t model.ActionType) *ActionPolicy {
	if p == nil || p.Actions == nil {
		return &ActionPolicy{}
	}
	if row, ok := p.Actions[t]; ok && row != nil {
		return row
	}
	return &ActionPolicy{}
}

// DefaultPolicy returns the built-in security policy table.
func DefaultPolicy() *SecurityPolicy {
	return &SecurityPolicy{
		Actions: map[model.ActionType]*ActionPolicy{
			model.ActionReadFile: {
				AllowedPathPrefixes: []string{"workspace/", "memory/", "docs/", "data/"},
				DeniedPathPrefixes:  []string{"/etc/", "/root/", "/proc/", "~/.ssh", ".env", "secrets/"},
				MaxRisk:             model.RiskMedium,
			},
			model.ActionWriteFile: {
				AllowedPathPrefixes:  []string{"workspace/", "memory/", "output/"},
				DeniedPathPrefixes:   []string{"/etc/", "/root/", "/proc/", "~/.ssh", ".env", "secrets/"},
				MaxRisk:              model.RiskMedium,
				RequiresSanitization: true,
			},
			model.ActionExecuteCommand: {
				AllowedCommands: []string{
					"ls", "pwd", "cat ", "head ", "tail ", "wc ",
					"grep ", "git status", "git log", "git diff", "echo ",
				},
				DeniedCommands: []string{
					"rm -rf", "sudo", "chmod 777", "mkfs", "dd if=",
					"curl", "wget", "nc ", "eval", "> /dev/",
				},
				MaxRisk:          model.RiskMedium,
				ApprovalRequired: true,
			},
			model.ActionQueryDatabase: {
				DeniedSQLVerbs: []string{"DROP", "DELETE", "TRUNCATE", "ALTER"},
				MaxRisk:        model.RiskMedium,
			},
			model.ActionCallAPI: {
				AllowedDomains: []string{"api.internal.example", "localhost", "127.0.0.1"},
				MaxRisk:        model.RiskMedium,
			},
			model.ActionDelegateTask: {
				AllowedAgents: []string{"research-agent", "summarizer-agent"},
				MaxRisk:       model.RiskMedium,
			},
			model.ActionReadMemory: {
				Decision: "allow",
				MaxRisk:  model.RiskHigh,
			},
			model.ActionWriteMemory: {
				Decision:             "allow",
				MaxRisk:              model.RiskMedium,
				RequiresSanitization: true,
			},
			model.ActionSearchWeb: {
				Decision:       "allow",
				AllowedEngines: []string{"https://search.internal.example/api"},
				MaxRisk:        model.RiskMedium,
			},
			model.ActionSendMessage: {
				Decision:          "escalate",
				AllowedRecipients: []string{"team@internal.example"},
				MaxRisk:           model.RiskMedium,
			},
		},
	}
}

// DefaultPolicyPath returns ~/.toolgate/policy.yaml.
func DefaultPolicyPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, ".toolgate", "policy.yaml")
}

// Load loads the security policy from a YAML file.
// Empty path falls back to ~/.toolgate/policy.yaml.
// Missing file returns defaults. Invalid YAML returns an error.
func Load(path string) (*SecurityPolicy, error) {
	pol, _, err := LoadWithHash(path)
	return pol, err
}

// LoadWithHash loads the security policy and returns its SHA-256 hash.
// The hash is computed over the raw YAML bytes on disk; when no file
// exists (defaults used), it is the SHA-256 of empty input.
func LoadWithHash(path string) (*SecurityPolicy, string, error) {
	if path == "" {
		path = DefaultPolicyPath()
	}

	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, "", fmt.Errorf("failed to read security policy: %w", err)
		}
	}

	h := sha256.Sum256(data)
	hash := "sha256:" + hex.EncodeToString(h[:])

	if len(data) == 0 {
		return DefaultPolicy(), hash, nil
	}

	// Start with defaults, YAML overwrites only specified rows
	pol := DefaultPolicy()
	if err := yaml.Unmarshal(data, pol); err != nil {
		return nil, "", fmt.Errorf("failed to parse security policy: %w", err)
	}
	for t := range pol.Actions {
		if !model.ValidActionType(t) {
			return nil, "", fmt.Errorf("security policy: unknown action type %q", t)
		}
	}
	return pol, hash, nil
}

// DefaultPolicyYAML returns a commented YAML string for policy init.
func DefaultPolicyYAML() string {
	return `# toolgate security policy
# Generated by: toolgate policy init
#
# Evaluation order (cannot be changed):
#   1. Risk ceiling -> deny when intent risk exceeds max_risk
#   2. Per-type dispatch -> deny wins over allow within each table
#   3. requires_sanitization -> sanitize instead of allow
#
# Per action type:
#   allowed_/denied_path_prefixes  file operations (deny wins)
#   allowed_commands               command prefixes; no match escalates when
#                                  approval_required, otherwise denies
#   denied_commands                command substrings, case-insensitive
#   denied_sql_verbs               matched against the uppercased query
#   allowed_domains                substring match on the target URL
#   allowed_agents                 delegate_task allowlist
#   allowed_recipients             send_message allowlist
#   decision                       allow | escalate, for the simple types
#   max_risk                       low | medium | high | critical

actions:
  read_file:
    allowed_path_prefixes: ["workspace/", "memory/", "docs/", "data/"]
    denied_path_prefixes: ["/etc/", "/root/", "/proc/", "~/.ssh", ".env", "secrets/"]
    max_risk: medium
  write_file:
    allowed_path_prefixes: ["workspace/", "memory/", "output/"]
    denied_path_prefixes: ["/etc/", "/root/", "/proc/", "~/.ssh", ".env", "secrets/"]
    max_risk: medium
    requires_sanitization: true
  execute_command:
    allowed_commands: ["ls", "pwd", "cat ", "head ", "tail ", "wc ", "grep ", "git status", "git log", "git diff", "echo "]
    denied_commands: ["rm -rf", "sudo", "chmod 777", "mkfs", "dd if=", "curl", "wget", "nc ", "eval", "> /dev/"]
    max_risk: medium
    approval_required: true
  query_database:
    denied_sql_verbs: ["DROP", "DELETE", "TRUNCATE", "ALTER"]
    max_risk: medium
  call_api:
    allowed_domains: ["api.internal.example", "localhost", "127.0.0.1"]
    max_risk: medium
  delegate_task:
    allowed_agents: ["research-agent", "summarizer-agent"]
    max_risk: medium
  read_memory:
    decision: allow
    max_risk: high
  write_memory:
    decision: allow
    max_risk: medium
    requires_sanitization: true
  search_web:
    decision: allow
    allowed_engines: ["https://search.internal.example/api"]
    max_risk: medium
  send_message:
    decision: escalate
    allowed_recipients: ["team@internal.example"]
    max_risk: medium
`
}
