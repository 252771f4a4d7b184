package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/toolgate/internal/model"
)

// ActionOverlay patches one row of the policy table. Denied lists merge
// into the base row; allowed lists and scalar fields replace the base
// value when set. Unset fields leave the base row alone.
type ActionOverlay struct {
	Decision             string          `yaml:"decision,omitempty"`
	MaxRisk              model.RiskLevel `yaml:"max_risk,omitempty"`
	ApprovalRequired     *bool           `yaml:"approval_required,omitempty"`
	RequiresSanitization *bool           `yaml:"requires_sanitization,omitempty"`
	AllowedPathPrefixes  []string        `yaml:"allowed_path_prefixes,omitempty"`
	DeniedPathPrefixes   []string        `yaml:"denied_path_prefixes,omitempty"`
	AllowedCommands      []string        `yaml:"allowed_commands,omitempty"`
	DeniedCommands       []string        `yaml:"denied_commands,omitempty"`
	DeniedSQLVerbs       []string        `yaml:"denied_sql_verbs,omitempty"`
	AllowedDomains       []string        `yaml:"allowed_domains,omitempty"`
	AllowedAgents        []string        `yaml:"allowed_agents,omitempty"`
	AllowedRecipients    []string        `yaml:"allowed_recipients,omitempty"`
	AllowedEngines       []string        `yaml:"allowed_engines,omitempty"`
}

// Profile is a named, reusable set of policy table overlays. Profiles
// only touch the deterministic table; hard rules are compiled in and no
// profile can relax them.
type Profile struct {
	Name         string                              `yaml:"name"`
	Description  string                              `yaml:"description"`
	SessionQuota int                                 `yaml:"session_quota,omitempty"`
	Actions      map[model.ActionType]*ActionOverlay `yaml:"actions,omitempty"`
}

// Load loads a profile by name. Checks built-in profiles first,
// then falls back to ~/.toolgate/profiles/<name>.yaml.
func Load(name string) (*Profile, error) {
	if data, ok := builtinProfiles[name]; ok {
		var p Profile
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse built-in profile %q: %w", name, err)
		}
		return &p, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("profile %q not found (no built-in, cannot determine home dir)", name)
	}

	path := filepath.Join(home, ".toolgate", "profiles", name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile %q not found", name)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile %q: %w", name, err)
	}

	return &p, nil
}

// List returns sorted names of all available profiles (built-in + user).
func List() []string {
	seen := make(map[string]bool)
	for name := range builtinProfiles {
		seen[name] = true
	}

	home, err := os.UserHomeDir()
	if err == nil {
		dir := filepath.Join(home, ".toolgate", "profiles")
		entries, err := os.ReadDir(dir)
		if err == nil {
			for _, e := range entries {
				if e.IsDir() {
					continue
				}
				name := e.Name()
				if ext := filepath.Ext(name); ext == ".yaml" || ext == ".yml" {
					seen[name[:len(name)-len(ext)]] = true
				}
			}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that a profile is well-formed.
func Validate(p *Profile) error {
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	if p.SessionQuota < 0 {
		return fmt.Errorf("session_quota must not be negative")
	}

	for t, ov := range p.Actions {
		if !model.ValidActionType(t) {
			return fmt.Errorf("actions: unknown action type %q", t)
		}
		if ov == nil {
			continue
		}
		switch ov.Decision {
		case "", "allow", "escalate", "deny":
		default:
			return fmt.Errorf("actions.%s: invalid decision %q (want allow, escalate or deny)", t, ov.Decision)
		}
		if ov.MaxRisk != "" && !model.ValidRiskLevel(ov.MaxRisk) {
			return fmt.Errorf("actions.%s: invalid max_risk %q", t, ov.MaxRisk)
		}
	}

	return nil
}
