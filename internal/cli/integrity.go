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

var (
	integrityPolicy   string
	integrityAuditLog string
)

var integrityCmd = &cobra.Command{
	Use:   "integrity",
	Short: "Run the full startup integrity check on demand",
	Long: "Verifies the binary checksum, the policy pin, and the audit hash chain,\n" +
		"exactly as the gate does before serving. Tamper findings fire the\n" +
		"configured alert webhooks and exit 78.",
	RunE: runIntegrity,
}

func init() {
	integrityCmd.Flags().StringVar(&integrityPolicy, "policy", "", "policy file (default ~/.toolgate/policy.yaml)")
	integrityCmd.Flags().StringVar(&integrityAuditLog, "audit-log", "", "audit log path (default ~/.toolgate/audit.jsonl)")
	rootCmd.AddCommand(integrityCmd)
}

func runIntegrity(cmd *cobra.Command, args []string) error {
	policyPath := integrityPolicy
	if policyPath == "" {
		policyPath = policy.DefaultPolicyPath()
	}
	auditPath := integrityAuditLog
	if auditPath == "" {
		auditPath = server.DefaultAuditPath()
	}

	_, hash, err := policy.LoadWithHash(policyPath)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	if err := integrity.Check(hash, auditPath, alert.LoadConfigs(policyPath)); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(78)
	}

	fmt.Printf("OK: binary, policy pin, and audit chain verified\n")
	fmt.Printf("  policy %s\n", hash)
	fmt.Printf("  audit  %s\n", auditPath)
	return nil
}
