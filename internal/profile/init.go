package profile

import "fmt"

// InitProfile returns a commented YAML starter template for a new profile.
func InitProfile(name string) string {
	return fmt.Sprintf(`name: %s
description: Custom policy posture

# Cap on intents per session. Omit to keep the kernel default.
# session_quota: 50

# Per-action overlays on the policy table. Denied lists merge into the
# base row; allowed lists and scalar fields replace it when set.
# Decisions: allow, escalate, deny. Risk levels: low, medium, high, critical.
actions:
  execute_command:
    denied_commands:
      - "ssh "
      - "scp "
    # approval_required: false
    # max_risk: low
  read_file:
    denied_path_prefixes:
      - "billing/"
    # max_risk: low
  # call_api:
  #   allowed_domains:
  #     - "api.internal.example"
  # send_message:
  #   decision: escalate
`, name)
}
