package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/toolgate/internal/confirm"
)

var (
	grantDuration time.Duration
	pendingAll    bool
)

func init() {
	rootCmd.AddCommand(confirmCmd)
	confirmCmd.AddCommand(confirmGrantCmd)
	confirmCmd.AddCommand(confirmDenyCmd)
	confirmCmd.AddCommand(confirmPendingCmd)
	confirmGrantCmd.Flags().DurationVar(&grantDuration, "duration", 0, "Validity period (e.g., 5m, 1h). Default: one-time use")
	confirmPendingCmd.Flags().BoolVar(&pendingAll, "all", false, "Include granted, denied, and consumed requests")
}

var confirmCmd = &cobra.Command{
	Use:   "confirm",
	Short: "Resolve operator confirmations",
	Long:  "Grant, deny, and list the confirmations that hold require_confirmation intents.",
}

var confirmGrantCmd = &cobra.Command{
	Use:   "grant <key>",
	Short: "Grant a pending confirmation",
	Long: "Grants a held intent. Without --duration, the grant is one-time (consumed\n" +
		"on the next submission of the same agent/action/target). With --duration,\n" +
		"it stays valid for the period and can be reused.",
	Args: cobra.ExactArgs(1),
	RunE: runConfirmGrant,
}

var confirmDenyCmd = &cobra.Command{
	Use:   "deny <key>",
	Short: "Deny a pending confirmation",
	Long:  "Denies a held intent. The agent stays blocked for this agent/action/target key.",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfirmDeny,
}

var confirmPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List confirmations awaiting an operator",
	Long:  "Shows held intents with their action and target. With --all, includes\nresolved requests still inside the retention window.",
	RunE:  runConfirmPending,
}

func runConfirmGrant(cmd *cobra.Command, args []string) error {
	key := args[0]

	store, err := confirm.NewStore(confirm.DefaultDir())
	if err != nil {
		return fmt.Errorf("failed to open confirmation store: %w", err)
	}

	if err := store.Grant(key, grantDuration); err != nil {
		return err
	}

	if grantDuration > 0 {
		fmt.Printf("Granted %q for %s\n", key, grantDuration)
	} else {
		fmt.Printf("Granted %q (one-time use)\n", key)
	}
	return nil
}

func runConfirmDeny(cmd *cobra.Command, args []string) error {
	key := args[0]

	store, err := confirm.NewStore(confirm.DefaultDir())
	if err != nil {
		return fmt.Errorf("failed to open confirmation store: %w", err)
	}

	if err := store.Deny(key); err != nil {
		return err
	}

	fmt.Printf("Denied %q\n", key)
	return nil
}

func runConfirmPending(cmd *cobra.Command, args []string) error {
	store, err := confirm.NewStore(confirm.DefaultDir())
	if err != nil {
		return fmt.Errorf("failed to open confirmation store: %w", err)
	}

	var list []confirm.Confirmation
	if pendingAll {
		list, err = store.List()
	} else {
		list, err = store.Pending()
	}
	if err != nil {
		return fmt.Errorf("failed to list confirmations: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No pending confirmations.")
		return nil
	}

	fmt.Printf("%-22s %-10s %-16s %-30s %s\n", "KEY", "STATUS", "ACTION", "TARGET", "CREATED")
	for _, c := range list {
		fmt.Printf("%-22s %-10s %-16s %-30s %s\n",
			c.Key,
			c.Status,
			c.ActionType,
			truncate(c.Target, 30),
			c.CreatedAt.Format("15:04:05"),
		)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
