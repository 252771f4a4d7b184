package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/toolgate/internal/model"
	"github.com/ppiankov/toolgate/internal/profile"
)

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileListCmd)
	profileCmd.AddCommand(profileCheckCmd)
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage policy profiles",
	Long:  "List, check, and generate the named overlays applied on top of the policy table.",
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available profiles",
	RunE:  runProfileList,
}

var profileCheckCmd = &cobra.Command{
	Use:   "check <name>",
	Short: "Validate a profile loads cleanly",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileCheck,
}

func runProfileList(cmd *cobra.Command, args []string) error {
	names := profile.List()
	if len(names) == 0 {
		fmt.Println("No profiles available.")
		return nil
	}

	fmt.Println("Available profiles:")
	for _, name := range names {
		p, err := profile.Load(name)
		if err != nil {
			fmt.Printf("  %-15s (error loading: %v)\n", name, err)
			continue
		}
		fmt.Printf("  %-15s %s\n", name, p.Description)
	}
	return nil
}

func runProfileCheck(cmd *cobra.Command, args []string) error {
	name := args[0]
	p, err := profile.Load(name)
	if err != nil {
		return fmt.Errorf("failed to load profile %q: %w", name, err)
	}

	if err := profile.Validate(p); err != nil {
		return fmt.Errorf("profile %q is invalid: %w", name, err)
	}

	fmt.Printf("Profile %q (%s) is valid.\n", name, p.Name)
	fmt.Printf("  Action overlays:  %d\n", len(p.Actions))
	if p.SessionQuota > 0 {
		fmt.Printf("  Session quota:    %d\n", p.SessionQuota)
	}
	for _, t := range model.AllActionTypes {
		o := p.Actions[t]
		if o == nil {
			continue
		}
		if o.Decision != "" {
			fmt.Printf("  %-18s decision=%s\n", t, o.Decision)
		}
		if o.MaxRisk != "" {
			fmt.Printf("  %-18s max_risk=%s\n", t, o.MaxRisk)
		}
	}
	return nil
}
