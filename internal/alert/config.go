package alert

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/toolgate/internal/model"
)

// WebhookConfig defines one alert destination.
type WebhookConfig struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events"  json:"events"` // ["deny", "escalate", "hard_rule_violation"]
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// LoadConfigs reads just the alerts section from a policy file. It is
// for callers that need webhook destinations before (or without) full
// policy initialization, such as startup integrity checks. Any failure
// returns nil: alerting is best-effort and never blocks startup.
func LoadConfigs(path string) []WebhookConfig {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var section struct {
		Alerts []WebhookConfig `yaml:"alerts"`
	}
	if err := yaml.Unmarshal(data, &section); err != nil {
		return nil
	}
	return section.Alerts
}

// Event is the payload posted to webhook endpoints.
type Event struct {
	Timestamp  string               `json:"timestamp"`
	BatchID    string               `json:"batch_id,omitempty"`
	IntentID   string               `json:"intent_id,omitempty"`
	AgentID    string               `json:"agent_id,omitempty"`
	SessionID  string               `json:"session_id,omitempty"`
	Action     string               `json:"action,omitempty"`
	Target     string               `json:"target,omitempty"`
	Decision   string               `json:"decision"`
	Reason     model.ReasonCategory `json:"reason,omitempty"`
	Detail     string               `json:"detail,omitempty"`
	Risk       model.RiskLevel      `json:"risk,omitempty"`
	Rule       string               `json:"rule,omitempty"`
	PolicyHash string               `json:"policy_hash,omitempty"`
	Type       string               `json:"type,omitempty"` // "hard_rule_violation" etc.
}
