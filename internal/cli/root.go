package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/toolgate/internal/alert"
	"github.com/ppiankov/toolgate/internal/integrity"
	"github.com/ppiankov/toolgate/internal/policy"
	"github.com/ppiankov/toolgate/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "Policy kernel between AI agents and their tools",
	Long: "Gates agent tool calls through deterministic policy, semantic review, and hard rules.\n" +
		"Allowed actions carry signed capability tokens; every decision lands in a\n" +
		"hash-chained audit log. Exit code 77 indicates a policy block.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := integrity.VerifyBinary(nil); err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
			os.Exit(78) // EX_CONFIG
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// buildServer runs the remaining startup integrity checks (the binary was
// already verified in PersistentPreRunE) and assembles the in-process gate.
// Any tamper finding is fatal before a single intent is evaluated.
func buildServer(cfg server.Config) (*server.Server, error) {
	policyPath := cfg.PolicyPath
	if policyPath == "" {
		policyPath = policy.DefaultPolicyPath()
	}
	auditPath := cfg.AuditPath
	if auditPath == "" {
		auditPath = server.DefaultAuditPath()
	}

	_, hash, err := policy.LoadWithHash(policyPath)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	alerts := alert.LoadConfigs(policyPath)
	if err := integrity.VerifyPolicyPin(hash, alerts); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(78)
	}
	if err := integrity.VerifyAudit(auditPath, alerts); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(78)
	}

	return server.New(cfg)
}
