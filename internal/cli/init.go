package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/toolgate/internal/policy"
	"github.com/ppiankov/toolgate/internal/profile"
)

var (
	initProfileName string
	initForce       bool
)

func init() {
	initCmd.Flags().StringVar(&initProfileName, "profile", "", "Built-in profile to copy as an editable template (e.g., strict)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config files")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap toolgate configuration",
	Long: `Creates the config directory, default policy table, a sample agent
registry, and the profiles directory under ~/.toolgate/.

Existing files are left alone unless --force is set.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("cannot determine home directory: %w", err)
	}
	configDir := filepath.Join(home, ".toolgate")

	var created []string

	profilesDir := filepath.Join(configDir, "profiles")
	if err := os.MkdirAll(profilesDir, 0o755); err != nil {
		return fmt.Errorf("create profiles directory: %w", err)
	}

	policyPath := filepath.Join(configDir, "policy.yaml")
	if wrote, err := writeIfMissing(policyPath, policy.DefaultPolicyYAML()); err != nil {
		return err
	} else if wrote {
		created = append(created, policyPath)
	}

	agentsPath := filepath.Join(configDir, "agents.yaml")
	if wrote, err := writeIfMissing(agentsPath, defaultAgentsYAML()); err != nil {
		return err
	} else if wrote {
		created = append(created, agentsPath)
	}

	if initProfileName != "" {
		if _, err := profile.Load(initProfileName); err != nil {
			return fmt.Errorf("unknown profile %q: %w", initProfileName, err)
		}
		profPath := filepath.Join(profilesDir, initProfileName+".yaml")
		content := profile.InitProfile(initProfileName)
		if wrote, err := writeIfMissing(profPath, content); err != nil {
			return err
		} else if wrote {
			created = append(created, profPath)
		}
	}

	fmt.Println("toolgate init complete.")
	fmt.Println()
	if len(created) > 0 {
		fmt.Println("Created:")
		for _, path := range created {
			fmt.Printf("  %s\n", path)
		}
		fmt.Println()
	} else {
		fmt.Println("All files already exist (use --force to overwrite).")
		fmt.Println()
	}

	fmt.Println("Check a policy change before enforcing it:")
	fmt.Printf("  toolgate policy diff %s <edited.yaml>\n", policyPath)
	fmt.Println()
	fmt.Println("Run an action through the gate:")
	if initProfileName != "" {
		fmt.Printf("  toolgate execute read_file workspace/notes.txt --profile %s\n", initProfileName)
	} else {
		fmt.Println("  toolgate execute read_file workspace/notes.txt")
	}

	return nil
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

// defaultAgentsYAML is a commented starter registry. The registry is
// optional: without one, intake accepts any agent id and the policy
// table alone decides.
func defaultAgentsYAML() string {
	return `# Toolgate agent registry.
# Uncomment and edit to restrict which agents may submit intents.
# Intents from unregistered agents are denied at intake when this
# file lists any agent. Pass the file with --registry.
#
# agents:
#   research-agent:
#     purposes: ["research", "summarization"]
#     allowed_actions: [read_file, read_memory, search_web]
#     max_risk: medium
#   ops-agent:
#     purposes: ["maintenance"]
#     allowed_actions: ["*"]
#     max_risk: high
`
}
