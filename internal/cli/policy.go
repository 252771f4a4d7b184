package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/toolgate/internal/integrity"
	"github.com/ppiankov/toolgate/internal/policy"
	"github.com/ppiankov/toolgate/internal/policydiff"
	"github.com/ppiankov/toolgate/internal/profile"
)

var (
	policyShowPath    string
	policyShowProfile string
	policyShowFormat  string
	policyDiffFormat  string
	policyPinPath     string
)

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyInitCmd)
	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policyDiffCmd)
	policyCmd.AddCommand(policyPinCmd)
	policyShowCmd.Flags().StringVar(&policyShowPath, "policy", "", "Path to policy YAML (default: ~/.toolgate/policy.yaml)")
	policyShowCmd.Flags().StringVar(&policyShowProfile, "profile", "", "Apply a profile overlay before printing")
	policyShowCmd.Flags().StringVarP(&policyShowFormat, "format", "f", "yaml", "Output format (yaml|json)")
	policyDiffCmd.Flags().StringVarP(&policyDiffFormat, "format", "f", "text", "Output format (text|json)")
	policyPinCmd.Flags().StringVar(&policyPinPath, "policy", "", "Path to policy YAML (default: ~/.toolgate/policy.yaml)")
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Policy table operations",
	Long:  "Commands for generating, inspecting, comparing, and pinning the security policy table.",
}

var policyInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate default policy.yaml with comments",
	Long: "Creates ~/.toolgate/policy.yaml with the default per-action table.\n" +
		"Edit this file to customize which actions are allowed, denied, or held.",
	RunE: runPolicyInit,
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved policy table and its hash",
	Long: "Loads the policy file (or the built-in defaults when it does not exist),\n" +
		"applies an optional profile overlay, and prints the table the engine\n" +
		"would enforce. The hash is the value audit entries carry.",
	RunE: runPolicyShow,
}

var policyDiffCmd = &cobra.Command{
	Use:   "diff <old.yaml> <new.yaml>",
	Short: "Compare two policy files and show changes",
	Long: "Loads two policy YAML files and labels every changed row stricter or\n" +
		"looser: decisions, risk ceilings, approval and sanitization flags, and\n" +
		"allowlist/denylist entries added or removed.",
	Args: cobra.ExactArgs(2),
	RunE: runPolicyDiff,
}

var policyPinCmd = &cobra.Command{
	Use:   "pin",
	Short: "Pin the current policy hash for startup verification",
	Long: "Writes the active policy hash to ~/.toolgate/policy.sha256. Every later\n" +
		"start compares the loaded table against the pin and refuses to run on a\n" +
		"mismatch (exit 78), so silent policy swaps do not go unnoticed.",
	RunE: runPolicyPin,
}

func runPolicyInit(cmd *cobra.Command, args []string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("cannot determine home directory: %w", err)
	}

	dir := filepath.Join(home, ".toolgate")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	path := filepath.Join(dir, "policy.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("policy.yaml already exists at %s", path)
	}

	content := policy.DefaultPolicyYAML()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write policy.yaml: %w", err)
	}

	fmt.Printf("Created %s\n", path)
	return nil
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
	path := policyShowPath
	if path == "" {
		path = policy.DefaultPolicyPath()
	}

	pol, hash, err := policy.LoadWithHash(path)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	if policyShowProfile != "" {
		prof, err := profile.Load(policyShowProfile)
		if err != nil {
			return fmt.Errorf("load profile %q: %w", policyShowProfile, err)
		}
		pol = profile.Apply(prof, pol)
		hash = profile.Stamp(hash, prof)
	}

	switch policyShowFormat {
	case "json":
		out, err := json.MarshalIndent(map[string]any{
			"path":    path,
			"hash":    hash,
			"actions": pol.Actions,
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	default:
		fmt.Printf("# policy: %s\n# hash: %s\n", path, hash)
		out, err := yaml.Marshal(pol)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
	}
	return nil
}

func runPolicyDiff(cmd *cobra.Command, args []string) error {
	oldPol, _, err := policy.LoadWithHash(args[0])
	if err != nil {
		return fmt.Errorf("load old policy: %w", err)
	}

	newPol, _, err := policy.LoadWithHash(args[1])
	if err != nil {
		return fmt.Errorf("load new policy: %w", err)
	}

	result := policydiff.Diff(oldPol, newPol)
	result.OldPath = args[0]
	result.NewPath = args[1]

	switch policyDiffFormat {
	case "json":
		out, err := policydiff.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Println(out)
	default:
		fmt.Print(policydiff.FormatText(result))
	}

	return nil
}

func runPolicyPin(cmd *cobra.Command, args []string) error {
	path := policyPinPath
	if path == "" {
		path = policy.DefaultPolicyPath()
	}

	_, hash, err := policy.LoadWithHash(path)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	pinPath, err := integrity.PinPolicy(hash, "")
	if err != nil {
		return err
	}

	fmt.Printf("Pinned %s\n  to %s\n", hash, pinPath)
	return nil
}
