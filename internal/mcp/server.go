// Package mcp exposes the gate over the Model Context Protocol, so any
// MCP-speaking agent submits intents, redeems capability tokens, and
// resolves confirmations as tool calls on a stdio transport. Mint and
// redeem stay in this process; a token never travels further than the
// call result.
package mcp

import (
	"context"
	"os"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/google/uuid"

	"github.com/ppiankov/toolgate/internal/server"
)

// Server wraps the MCP SDK server around an assembled gate.
type Server struct {
	mcpServer *mcpsdk.Server
	gate      *server.Server
	userID    string
	sessionID string
}

// New creates an MCP server over an assembled gate. One stdio server
// serves one agent connection, so a fresh default session scopes quota
// and trust accumulation to this process; callers may override it per
// call.
func New(gate *server.Server) *Server {
	s := &Server{
		gate:      gate,
		userID:    os.Getenv("USER"),
		sessionID: uuid.NewString(),
	}

	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "toolgate",
			Version: "0.4.0",
		},
		nil,
	)

	s.registerTools()
	return s
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds the gate tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "gate_submit",
		Description: "Submit a batch of action intents for policy evaluation. Allowed intents return capability token ids redeemable with gate_execute.",
	}, s.handleSubmit)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "gate_execute",
		Description: "Redeem a capability token and run the submitted intent. The intent must match the token exactly; tokens are single-use by default.",
	}, s.handleExecute)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "gate_check",
		Description: "Check one intent against the deterministic policy table and hard rules without executing or minting anything (dry-run).",
	}, s.handleCheck)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "gate_confirm",
		Description: "Grant or deny a held require_confirmation intent by its confirmation key.",
	}, s.handleConfirm)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "gate_pending",
		Description: "List confirmations awaiting an operator.",
	}, s.handlePending)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "gate_audit_verify",
		Description: "Verify the hash chain of the audit log and report the first broken link, if any.",
	}, s.handleAuditVerify)
}
