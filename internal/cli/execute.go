package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ppiankov/toolgate/internal/model"
	"github.com/ppiankov/toolgate/internal/server"
)

var (
	executePolicy    string
	executeProfile   string
	executeAuditLog  string
	executeWorkspace string
	executeRegistry  string
	executeAgent     string
	executeSession   string
	executeRequest   string
	executeRisk      string
	executeBody      string
	executeSubject   string
	executeMethod    string
	executeDryRun    bool
)

func init() {
	rootCmd.AddCommand(executeCmd)
	executeCmd.Flags().StringVar(&executePolicy, "policy", "", "Path to policy YAML (default: ~/.toolgate/policy.yaml)")
	executeCmd.Flags().StringVar(&executeProfile, "profile", "", "Policy profile to apply (e.g., strict)")
	executeCmd.Flags().StringVar(&executeAuditLog, "audit-log", "", "Path to audit log JSONL file")
	executeCmd.Flags().StringVar(&executeWorkspace, "workspace", "", "Root directory for file operations (default: cwd)")
	executeCmd.Flags().StringVar(&executeRegistry, "registry", "", "Path to agent registry YAML")
	executeCmd.Flags().StringVar(&executeAgent, "agent", "cli-agent", "Agent id the intent is attributed to")
	executeCmd.Flags().StringVar(&executeSession, "session", "", "Session id (default: generated)")
	executeCmd.Flags().StringVar(&executeRequest, "request", "", "User request text the intent serves")
	executeCmd.Flags().StringVar(&executeRisk, "risk", "low", "Self-assessed risk (low|medium|high|critical)")
	executeCmd.Flags().StringVar(&executeBody, "body", "", "Content/value/task/body for write, delegate, and message actions")
	executeCmd.Flags().StringVar(&executeSubject, "subject", "", "Subject line for send_message")
	executeCmd.Flags().StringVar(&executeMethod, "method", "GET", "HTTP method for call_api")
	executeCmd.Flags().BoolVar(&executeDryRun, "dry-run", false, "Evaluate against the policy table without executing")
}

var executeCmd = &cobra.Command{
	Use:   "execute <action> <target>",
	Short: "Run one action through the full decision pipeline",
	Long: "Builds a single intent from the arguments, submits it as a one-intent\n" +
		"batch, and on an allowed verdict redeems the capability token right away.\n\n" +
		"Examples:\n" +
		"  toolgate execute read_file workspace/notes.txt\n" +
		"  toolgate execute execute_command \"git status\"\n" +
		"  toolgate execute send_message team@internal.example --body \"done\"\n\n" +
		"Blocked intents print the verdict to stderr and exit 77.",
	Args: cobra.ExactArgs(2),
	RunE: runExecute,
}

// paramsFor builds the typed parameter variant for one action type from
// the positional target plus the content flags.
func paramsFor(action model.ActionType, target string) (model.Params, error) {
	switch action {
	case model.ActionReadFile:
		return model.ReadFileParams{Path: target}, nil
	case model.ActionWriteFile:
		return model.WriteFileParams{Path: target, Content: executeBody}, nil
	case model.ActionExecuteCommand:
		return model.ExecuteCommandParams{Command: target}, nil
	case model.ActionQueryDatabase:
		return model.QueryDatabaseParams{Query: target}, nil
	case model.ActionCallAPI:
		return model.CallAPIParams{Method: executeMethod, URL: target, Body: executeBody}, nil
	case model.ActionDelegateTask:
		return model.DelegateTaskParams{TargetAgent: target, Task: executeBody}, nil
	case model.ActionReadMemory:
		return model.ReadMemoryParams{Key: target}, nil
	case model.ActionWriteMemory:
		return model.WriteMemoryParams{Key: target, Value: executeBody}, nil
	case model.ActionSearchWeb:
		return model.SearchWebParams{Query: target}, nil
	case model.ActionSendMessage:
		return model.SendMessageParams{Recipient: target, Subject: executeSubject, Body: executeBody}, nil
	default:
		return nil, fmt.Errorf("unknown action type %q (one of: %s)", action, actionTypeList())
	}
}

func actionTypeList() string {
	out := ""
	for i, t := range model.AllActionTypes {
		if i > 0 {
			out += ", "
		}
		out += string(t)
	}
	return out
}

func runExecute(cmd *cobra.Command, args []string) error {
	action := model.ActionType(args[0])
	target := args[1]

	params, err := paramsFor(action, target)
	if err != nil {
		return err
	}

	risk := model.RiskLevel(executeRisk)
	if !model.ValidRiskLevel(risk) {
		return fmt.Errorf("invalid risk level %q (low|medium|high|critical)", executeRisk)
	}

	session := executeSession
	if session == "" {
		session = uuid.NewString()
	}

	intent := model.NewIntent(executeAgent, session, params, risk)
	if executeRequest != "" {
		intent.Rationale = executeRequest
	}

	workspace := executeWorkspace
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
		PolicyPath:   executePolicy,
		ProfileName:  executeProfile,
		AuditPath:    executeAuditLog,
		RegistryPath: executeRegistry,
		Workspace:    workspace,
		Backend:      backend,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer srv.Close()

	// Dry-run: table verdict only, still audited, never executed.
	if executeDryRun {
		res := srv.Engine().Decide(intent)
		out, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(out))
		if !res.Decision.Actionable() {
			os.Exit(77)
		}
		return nil
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	request := executeRequest
	if request == "" {
		request = fmt.Sprintf("%s %s", action, target)
	}
	batch := model.NewBatch(request, model.Identity{
		UserID:    os.Getenv("USER"),
		SessionID: session,
		Origin:    model.OriginUserChat,
		Auth:      model.AuthToken,
	}, intent)

	result, err := srv.Kernel().ProcessBatch(ctx, batch)
	if err != nil {
		return err
	}

	outcome := result.Outcomes[0]
	if !outcome.Decision.Actionable() || outcome.TokenID == "" {
		blocked, _ := json.MarshalIndent(outcome, "", "  ")
		fmt.Fprintln(os.Stderr, string(blocked))
		if outcome.Decision == model.RequireConfirmation && outcome.ConfirmationKey != "" {
			fmt.Fprintf(os.Stderr, "\nTo approve, run: toolgate confirm grant %s\n", outcome.ConfirmationKey)
			fmt.Fprintln(os.Stderr, "Then re-run this command.")
		}
		os.Exit(77)
	}

	res, err := srv.Kernel().Execute(ctx, intent, outcome.TokenID)
	if err != nil {
		return err
	}

	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
	return nil
}
