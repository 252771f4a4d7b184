package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/toolgate/internal/kernel"
	toolmcp "github.com/ppiankov/toolgate/internal/mcp"
	"github.com/ppiankov/toolgate/internal/server"
)

var (
	servePolicy    string
	serveProfile   string
	serveAuditLog  string
	serveWorkspace string
	serveRegistry  string
	serveQuota     int
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&servePolicy, "policy", "", "Path to policy YAML (default: ~/.toolgate/policy.yaml)")
	serveCmd.Flags().StringVar(&serveProfile, "profile", "", "Policy profile to apply (e.g., strict)")
	serveCmd.Flags().StringVar(&serveAuditLog, "audit-log", "", "Path to audit log JSONL file")
	serveCmd.Flags().StringVar(&serveWorkspace, "workspace", "", "Root directory for file operations (default: cwd)")
	serveCmd.Flags().StringVar(&serveRegistry, "registry", "", "Path to agent registry YAML")
	serveCmd.Flags().IntVar(&serveQuota, "session-quota", 0, "Max actions per session (0 = policy default)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP gate server",
	Long: "Runs toolgate as an MCP (Model Context Protocol) server over stdio.\n" +
		"Agents submit action batches as tool calls; allowed intents come back\n" +
		"with capability tokens redeemable via gate_execute in the same process.\n" +
		"Supports hot-reload of the policy file.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := server.BackendFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("configure evaluator backend: %w", err)
	}

	workspace := serveWorkspace
	if workspace == "" {
		workspace, _ = os.Getwd()
	}

	srv, err := buildServer(server.Config{
		PolicyPath:   servePolicy,
		ProfileName:  serveProfile,
		AuditPath:    serveAuditLog,
		RegistryPath: serveRegistry,
		Workspace:    workspace,
		SessionQuota: serveQuota,
		Backend:      backend,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer srv.Close()

	// Start hot-reload watcher for the policy file
	reloader, err := srv.Reloader()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: hot-reload disabled: %v\n", err)
	}
	if reloader != nil {
		go reloader.Run(ctx)
	}

	go srv.Kernel().RunSweeper(ctx, kernel.DefaultSweepInterval, kernel.DefaultRotateBytes)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down gate server...")
		cancel()
	}()

	fmt.Fprintf(os.Stderr, "toolgate MCP server on stdio (policy %s)\n", srv.PolicyHash()[:16])
	if serveProfile != "" {
		fmt.Fprintf(os.Stderr, "Profile: %s\n", serveProfile)
	}
	if backend != nil {
		fmt.Fprintf(os.Stderr, "Evaluator: %s\n", backend.Name())
	} else {
		fmt.Fprintln(os.Stderr, "Evaluator: conservative fallback (set TOOLGATE_EVAL_BACKEND to enable)")
	}
	fmt.Fprintln(os.Stderr)

	return toolmcp.New(srv).Run(ctx)
}
