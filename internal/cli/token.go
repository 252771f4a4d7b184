package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/toolgate/internal/audit"
	"github.com/ppiankov/toolgate/internal/server"
	"github.com/ppiankov/toolgate/internal/token"
)

var revokeAuditLog string

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenInspectCmd)
	tokenCmd.AddCommand(tokenRevokeCmd)
	tokenRevokeCmd.Flags().StringVar(&revokeAuditLog, "audit-log", "", "Path to audit log JSONL file")
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Capability token operations",
	Long:  "Commands for inspecting and revoking signed capability tokens.",
}

var tokenInspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Decode a capability token and verify its signature",
	Long: "Reads a token as JSON from a file (or stdin with '-'), prints its claims,\n" +
		"and verifies the HMAC signature against TOOLGATE_SECRET. A token minted\n" +
		"by a process with a different (or random per-process) secret fails\n" +
		"verification; the claims are still printed.",
	Args: cobra.ExactArgs(1),
	RunE: runTokenInspect,
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke <token-id>",
	Short: "Record a token revocation in the audit log",
	Long: "Appends a token_revoked entry to the audit log. Tokens live in the\n" +
		"minting process and expire within minutes; for a running gate, deny the\n" +
		"pending confirmation instead. Revocation entries keep the operator's\n" +
		"intent on the permanent record either way.",
	Args: cobra.ExactArgs(1),
	RunE: runTokenRevoke,
}

func runTokenInspect(cmd *cobra.Command, args []string) error {
	var data []byte
	var err error
	if args[0] == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}

	var tok token.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return fmt.Errorf("parse token: %w", err)
	}

	out, _ := json.MarshalIndent(&tok, "", "  ")
	fmt.Println(string(out))

	mgr := token.NewManager([]byte(os.Getenv("TOOLGATE_SECRET")))
	ok, reason := mgr.Validate(&tok, tok.AgentID, tok.Tool, tok.Operation)
	if ok {
		fmt.Printf("\nSignature: valid (expires %s)\n", tok.ExpiresAt.Format(time.RFC3339))
		return nil
	}

	fmt.Fprintf(os.Stderr, "\nSignature: INVALID (%s)\n", reason)
	if os.Getenv("TOOLGATE_SECRET") == "" {
		fmt.Fprintln(os.Stderr, "TOOLGATE_SECRET is not set; tokens from another process cannot verify.")
	}
	os.Exit(1)
	return nil
}

func runTokenRevoke(cmd *cobra.Command, args []string) error {
	id := args[0]

	path := revokeAuditLog
	if path == "" {
		path = server.DefaultAuditPath()
	}

	log, err := audit.Open(path)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer log.Close()

	entry := &audit.AuditEntry{
		Event:   audit.EventTokenRevoked,
		TokenID: id,
		Result:  "operator revocation",
	}
	if err := log.Record(entry); err != nil {
		return fmt.Errorf("record revocation: %w", err)
	}

	fmt.Printf("Revocation of token %s recorded in %s\n", id, path)
	return nil
}
