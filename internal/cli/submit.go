package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ppiankov/toolgate/internal/kernel"
	"github.com/ppiankov/toolgate/internal/model"
	"github.com/ppiankov/toolgate/internal/runner"
	"github.com/ppiankov/toolgate/internal/server"
)

var (
	submitPolicy    string
	submitProfile   string
	submitAuditLog  string
	submitWorkspace string
	submitRegistry  string
	submitAgent     string
	submitSession   string
	submitExecute   bool
)

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().StringVar(&submitPolicy, "policy", "", "Path to policy YAML (default: ~/.toolgate/policy.yaml)")
	submitCmd.Flags().StringVar(&submitProfile, "profile", "", "Policy profile to apply (e.g., strict)")
	submitCmd.Flags().StringVar(&submitAuditLog, "audit-log", "", "Path to audit log JSONL file")
	submitCmd.Flags().StringVar(&submitWorkspace, "workspace", "", "Root directory for file operations (default: cwd)")
	submitCmd.Flags().StringVar(&submitRegistry, "registry", "", "Path to agent registry YAML")
	submitCmd.Flags().StringVar(&submitAgent, "agent", "cli-agent", "Agent id for intents that do not carry one")
	submitCmd.Flags().StringVar(&submitSession, "session", "", "Session id (default: generated)")
	submitCmd.Flags().BoolVar(&submitExecute, "execute", false, "Run allowed intents immediately and report results")
}

var submitCmd = &cobra.Command{
	Use:   "submit [file]",
	Short: "Submit an action batch for policy evaluation",
	Long: "Reads a batch of action intents as JSON from a file (or stdin with '-' or\n" +
		"no argument), runs the full decision pipeline, and prints the per-intent\n" +
		"verdicts. With --execute, allowed intents run immediately and their\n" +
		"results are included.\n\n" +
		"Exit code 77 if any intent was blocked or held for confirmation.",
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

// readBatch accepts a full batch object or just the fields a planner
// script bothers to set. Missing ids and identity are filled afterward.
func readBatch(path string) (*model.ActionBatch, error) {
	var data []byte
	var err error
	if path == "" || path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}

	var batch model.ActionBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("parse batch: %w", err)
	}
	return &batch, nil
}

// fillDefaults makes a hand-written batch submittable: generated ids,
// a user_chat identity from the environment, and the session threaded
// through every intent.
func fillDefaults(batch *model.ActionBatch) {
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	if batch.Identity.SessionID == "" {
		if submitSession != "" {
			batch.Identity.SessionID = submitSession
		} else {
			batch.Identity.SessionID = uuid.NewString()
		}
	}
	if batch.Identity.UserID == "" {
		batch.Identity.UserID = os.Getenv("USER")
	}
	if batch.Identity.Origin == "" {
		batch.Identity.Origin = model.OriginUserChat
	}
	if batch.Identity.Auth == "" {
		batch.Identity.Auth = model.AuthToken
	}
	if batch.Identity.Timestamp.IsZero() {
		batch.Identity.Timestamp = time.Now().UTC()
	}
	for _, in := range batch.Intents {
		if in == nil {
			continue
		}
		if in.ID == "" {
			in.ID = uuid.NewString()
		}
		if in.AgentID == "" {
			in.AgentID = submitAgent
		}
		if in.SessionID == "" {
			in.SessionID = batch.Identity.SessionID
		}
		if in.Risk == "" {
			in.Risk = model.RiskLow
		}
	}
}

// submitReport is the printed result: the batch verdict plus execution
// results when --execute ran anything.
type submitReport struct {
	*kernel.BatchResult
	Executions []runner.ExecutionResult `json:"executions,omitempty"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	}

	batch, err := readBatch(path)
	if err != nil {
		return err
	}
	fillDefaults(batch)

	workspace := submitWorkspace
	if workspace == "" {
		workspace, _ = os.Getwd()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := server.BackendFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("configure evaluator backend: %w", err)
	}

	srv, err := buildServer(server.Config{
		PolicyPath:   submitPolicy,
		ProfileName:  submitProfile,
		AuditPath:    submitAuditLog,
		RegistryPath: submitRegistry,
		Workspace:    workspace,
		Backend:      backend,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer srv.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	result, err := srv.Kernel().ProcessBatch(ctx, batch)
	if err != nil {
		return err
	}

	report := submitReport{BatchResult: result}
	if submitExecute {
		report.Executions = executeAllowed(ctx, srv, batch, result)
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))

	if !result.Decision.Actionable() {
		os.Exit(77)
	}
	return nil
}

// executeAllowed redeems the token of every actionable outcome. Tokens
// are per-process, so redemption must happen before this command exits.
func executeAllowed(ctx context.Context, srv *server.Server, batch *model.ActionBatch, result *kernel.BatchResult) []runner.ExecutionResult {
	byID := make(map[string]*model.ActionIntent, len(batch.Intents))
	for _, in := range batch.Intents {
		if in != nil {
			byID[in.ID] = in
		}
	}

	var execs []runner.ExecutionResult
	for _, out := range result.Outcomes {
		if !out.Decision.Actionable() || out.TokenID == "" {
			continue
		}
		intent, ok := byID[out.IntentID]
		if !ok {
			continue
		}
		res, err := srv.Kernel().Execute(ctx, intent, out.TokenID)
		if err != nil {
			res = runner.ExecutionResult{
				IntentID: out.IntentID,
				TokenID:  out.TokenID,
				Status:   runner.StatusFailed,
				Error:    err.Error(),
			}
		}
		execs = append(execs, res)
	}
	return execs
}
