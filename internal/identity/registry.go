package identity

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/toolgate/internal/model"
)

// AgentConfig defines what a registered agent may propose.
type AgentConfig struct {
	Purposes       []string           `yaml:"purposes,omitempty" json:"purposes,omitempty"`
	AllowedActions []model.ActionType `yaml:"allowed_actions,omitempty" json:"allowed_actions,omitempty"`
	MaxRisk        model.RiskLevel    `yaml:"max_risk,omitempty" json:"max_risk,omitempty"`
}

// Registry maps agent IDs to their configurations. Intents from agents
// not in the registry are rejected at intake.
type Registry struct {
	agents map[string]*AgentConfig
}

// registryFile is the YAML shape of an agents file.
type registryFile struct {
	Agents map[string]*AgentConfig `yaml:"agents"`
}

// NewRegistry creates a Registry from an agents config map.
func NewRegistry(agents map[string]*AgentConfig) *Registry {
	if agents == nil {
		agents = make(map[string]*AgentConfig)
	}
	return &Registry{agents: agents}
}

// LoadRegistry reads an agents YAML file. A missing file returns a nil
// registry, which disables the intake check for open deployments.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read agent registry: %w", err)
	}

	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse agent registry: %w", err)
	}
	for id, cfg := range f.Agents {
		if cfg == nil {
			return nil, fmt.Errorf("agent registry: %q has no configuration", id)
		}
		for _, a := range cfg.AllowedActions {
			if a != "*" && !model.ValidActionType(a) {
				return nil, fmt.Errorf("agent registry: %q allows unknown action type %q", id, a)
			}
		}
		if cfg.MaxRisk != "" && !model.ValidRiskLevel(cfg.MaxRisk) {
			return nil, fmt.Errorf("agent registry: %q has unknown max_risk %q", id, cfg.MaxRisk)
		}
	}
	return NewRegistry(f.Agents), nil
}

// Lookup returns the AgentConfig for the given ID, or nil if not found.
func (r *Registry) Lookup(agentID string) *AgentConfig {
	if r == nil {
		return nil
	}
	return r.agents[agentID]
}

// IsRegistered returns true if the agent ID exists in the registry.
func (r *Registry) IsRegistered(agentID string) bool {
	if r == nil {
		return false
	}
	_, ok := r.agents[agentID]
	return ok
}

// AllowsAction reports whether the agent may propose the given action
// type. An empty allowed_actions list allows every type; "*" is a
// wildcard entry.
func (r *Registry) AllowsAction(agentID string, t model.ActionType) bool {
	cfg := r.Lookup(agentID)
	if cfg == nil {
		return false
	}
	if len(cfg.AllowedActions) == 0 {
		return true
	}
	for _, a := range cfg.AllowedActions {
		if a == "*" || a == t {
			return true
		}
	}
	return false
}

// ValidatePurpose checks if the agent is allowed to use the given purpose.
// An empty purpose always passes. A wildcard "*" in purposes allows any.
func (r *Registry) ValidatePurpose(agentID, purpose string) bool {
	cfg := r.Lookup(agentID)
	if cfg == nil {
		return false
	}
	if purpose == "" {
		return true
	}
	for _, p := range cfg.Purposes {
		if p == "*" || strings.EqualFold(p, purpose) {
			return true
		}
	}
	return false
}

// MaxRiskFor returns the agent's risk ceiling. An unset ceiling is the
// lowest level, so a sparse registry entry stays tight.
func (r *Registry) MaxRiskFor(agentID string) model.RiskLevel {
	cfg := r.Lookup(agentID)
	if cfg == nil || cfg.MaxRisk == "" {
		return model.RiskLow
	}
	return cfg.MaxRisk
}

// DefaultAgentsYAML returns a commented YAML string for registry init.
func DefaultAgentsYAML() string {
	return `# toolgate agent registry
# Generated by: toolgate policy init
#
# Intents from agents not listed here are rejected before any policy
# evaluation. Per agent:
#   purposes         free-form labels; "*" accepts any declared purpose
#   allowed_actions  action types the agent may propose; empty allows all
#   max_risk         low | medium | high | critical (unset means low)

agents:
  research-agent:
    purposes: ["research"]
    allowed_actions: ["read_file", "read_memory", "search_web"]
    max_risk: medium
  summarizer-agent:
    purposes: ["summaries"]
    allowed_actions: ["read_file", "read_memory", "write_memory", "write_file"]
    max_risk: medium
  ops-agent:
    purposes: ["*"]
    allowed_actions: []
    max_risk: high
`
}
