package alert

import (
	"encoding/json"
	"fmt"

	"github.com/ppiankov/toolgate/internal/model"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event Event) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return formatGeneric(event)
	}
}

func formatGeneric(event Event) ([]byte, error) {
	return json.Marshal(event)
}

func formatSlack(event Event) ([]byte, error) {
	header := fmt.Sprintf("toolgate: %s", event.Decision)
	if event.Type != "" {
		header = fmt.Sprintf("toolgate: %s", event.Type)
	}

	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": header,
				},
			},
			map[string]any{
				"type": "section",
				"fields": []any{
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Action:* %s", event.Action)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Target:* %s", event.Target)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Agent:* %s", event.AgentID)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Risk:* %s", event.Risk)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:* %s", event.Reason)},
				},
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(event Event) ([]byte, error) {
	severity := "info"
	switch event.Risk {
	case model.RiskCritical:
		severity = "critical"
	case model.RiskHigh:
		severity = "error"
	case model.RiskMedium:
		severity = "warning"
	}

	payload := map[string]any{
		"event_action": "trigger",
		"payload": map[string]any{
			"summary":  fmt.Sprintf("toolgate %s: %s %s", event.Decision, event.Action, event.Target),
			"severity": severity,
			"source":   "toolgate",
			"custom_details": map[string]any{
				"agent_id":  event.AgentID,
				"intent_id": event.IntentID,
				"action":    event.Action,
				"target":    event.Target,
				"risk":      event.Risk,
				"reason":    event.Reason,
				"detail":    event.Detail,
				"rule":      event.Rule,
			},
		},
	}
	return json.Marshal(payload)
}
