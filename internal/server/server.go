// Package server assembles the kernel and its stores from one
// configuration. The CLI and the MCP transport both build on it, which
// keeps mint and redeem in a single process: capability tokens live in
// the manager's memory, so a token minted here is only redeemable here.
package server

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ppiankov/toolgate/internal/alert"
	"github.com/ppiankov/toolgate/internal/audit"
	"github.com/ppiankov/toolgate/internal/confirm"
	"github.com/ppiankov/toolgate/internal/escalate"
	"github.com/ppiankov/toolgate/internal/evidence"
	"github.com/ppiankov/toolgate/internal/identity"
	"github.com/ppiankov/toolgate/internal/kernel"
	"github.com/ppiankov/toolgate/internal/model"
	"github.com/ppiankov/toolgate/internal/policy"
	"github.com/ppiankov/toolgate/internal/profile"
	"github.com/ppiankov/toolgate/internal/runner"
	"github.com/ppiankov/toolgate/internal/semantic"
	"github.com/ppiankov/toolgate/internal/token"
)

// Config holds everything needed to assemble a kernel. Zero values fall
// back to the ~/.toolgate conventions.
type Config struct {
	PolicyPath   string
	ProfileName  string
	AuditPath    string
	ConfirmDir   string
	EscalateDir  string
	EvidencePath string
	RegistryPath string
	// Workspace confines runner file operations.
	Workspace string
	// Secret signs capability tokens. Empty falls back to the
	// TOOLGATE_SECRET environment variable, then to a random
	// per-process key.
	Secret       []byte
	SessionQuota int
	// Backend is the semantic evaluator transport. Nil keeps every
	// batch on the conservative fallback.
	Backend     semantic.Backend
	EvalTimeout time.Duration
	// Alerts overrides the webhook destinations parsed from the
	// policy file. Mostly for tests.
	Alerts []alert.WebhookConfig
}

// Server is the assembled gate: kernel, engine, token manager, and the
// durable stores, sharing one audit log.
type Server struct {
	cfg        Config
	kernel     *kernel.Kernel
	engine     *policy.Engine
	tokens     *token.Manager
	log        *audit.Log
	confirms   *confirm.Store
	outbox     *escalate.Outbox
	evidence   *evidence.Store
	registry   *identity.Registry
	profile    *profile.Profile
	policyHash string
}

// New loads policy and profile, opens the stores, and wires the kernel.
func New(cfg Config) (*Server, error) {
	if cfg.PolicyPath == "" {
		cfg.PolicyPath = policy.DefaultPolicyPath()
	}
	if cfg.AuditPath == "" {
		cfg.AuditPath = DefaultAuditPath()
	}
	if cfg.ConfirmDir == "" {
		cfg.ConfirmDir = confirm.DefaultDir()
	}
	if cfg.EscalateDir == "" {
		cfg.EscalateDir = escalate.DefaultDir()
	}
	if len(cfg.Secret) == 0 {
		if env := os.Getenv("TOOLGATE_SECRET"); env != "" {
			cfg.Secret = []byte(env)
		}
	}

	pol, hash, err := policy.LoadWithHash(cfg.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load security policy: %w", err)
	}

	var prof *profile.Profile
	if cfg.ProfileName != "" {
		prof, err = profile.Load(cfg.ProfileName)
		if err != nil {
			return nil, fmt.Errorf("failed to load profile %q: %w", cfg.ProfileName, err)
		}
		if err := profile.Validate(prof); err != nil {
			return nil, fmt.Errorf("invalid profile %q: %w", cfg.ProfileName, err)
		}
		pol = profile.Apply(prof, pol)
		hash = profile.Stamp(hash, prof)
		if cfg.SessionQuota == 0 && prof.SessionQuota > 0 {
			cfg.SessionQuota = prof.SessionQuota
		}
	}

	auditLog, err := audit.Open(cfg.AuditPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	tokens := token.NewManager(cfg.Secret)
	engine := policy.NewEngine(pol, hash, tokens, auditLog)

	confirms, err := confirm.NewStore(cfg.ConfirmDir)
	if err != nil {
		auditLog.Close()
		return nil, fmt.Errorf("failed to create confirmation store: %w", err)
	}
	confirms.Sweep(24 * time.Hour)

	outbox, err := escalate.NewOutbox(cfg.EscalateDir)
	if err != nil {
		auditLog.Close()
		return nil, fmt.Errorf("failed to create escalation outbox: %w", err)
	}

	ev, err := evidence.Open(cfg.EvidencePath, auditLog)
	if err != nil {
		auditLog.Close()
		return nil, fmt.Errorf("failed to open evidence store: %w", err)
	}

	var registry *identity.Registry
	if cfg.RegistryPath != "" {
		registry, err = identity.LoadRegistry(cfg.RegistryPath)
		if err != nil {
			ev.Close()
			auditLog.Close()
			return nil, fmt.Errorf("failed to load agent registry: %w", err)
		}
	}

	var evaluator *semantic.Evaluator
	if cfg.Backend != nil {
		evaluator = semantic.New(semantic.Config{
			Backend: cfg.Backend,
			Timeout: cfg.EvalTimeout,
			Ceiling: func(t model.ActionType) model.RiskLevel {
				return engine.Policy().For(t).MaxRisk
			},
		})
	}

	alerts := cfg.Alerts
	if alerts == nil {
		alerts = alert.LoadConfigs(cfg.PolicyPath)
	}

	run := runner.New(runner.ConfigFromPolicy(pol, cfg.Workspace), tokens, auditLog)

	k, err := kernel.New(kernel.Config{
		Registry:     registry,
		Engine:       engine,
		Evaluator:    evaluator,
		Tokens:       tokens,
		Runner:       run,
		Log:          auditLog,
		Confirms:     confirms,
		Alerts:       alert.NewDispatcher(alerts),
		Escalations:  outbox,
		Evidence:     ev,
		SessionQuota: cfg.SessionQuota,
	})
	if err != nil {
		ev.Close()
		auditLog.Close()
		return nil, err
	}

	return &Server{
		cfg:        cfg,
		kernel:     k,
		engine:     engine,
		tokens:     tokens,
		log:        auditLog,
		confirms:   confirms,
		outbox:     outbox,
		evidence:   ev,
		registry:   registry,
		profile:    prof,
		policyHash: hash,
	}, nil
}

// Kernel returns the assembled pipeline.
func (s *Server) Kernel() *kernel.Kernel { return s.kernel }

// Engine returns the deterministic policy engine.
func (s *Server) Engine() *policy.Engine { return s.engine }

// Tokens returns the capability token manager.
func (s *Server) Tokens() *token.Manager { return s.tokens }

// Confirms returns the operator confirmation store.
func (s *Server) Confirms() *confirm.Store { return s.confirms }

// Escalations returns the escalation report outbox.
func (s *Server) Escalations() *escalate.Outbox { return s.outbox }

// Evidence returns the evidence bundle store.
func (s *Server) Evidence() *evidence.Store { return s.evidence }

// AuditPath returns the resolved audit log path.
func (s *Server) AuditPath() string { return s.cfg.AuditPath }

// PolicyHash returns the active table's hash with the profile overlay
// stamped in.
func (s *Server) PolicyHash() string { return s.policyHash }

// Reloader returns a file watcher that hot-swaps the policy table on
// change. The profile overlay is reapplied to every freshly loaded
// table so a reload can never loosen the running posture. The runner's
// secondary allowlists keep their startup values: a widened table
// leaves them narrower (which fails closed), and a narrowed table
// stops minting for the removed targets before the runner would ever
// consult them.
func (s *Server) Reloader() (*policy.Reloader, error) {
	var tr policy.Transform
	if s.profile != nil {
		prof := s.profile
		tr = func(pol *policy.SecurityPolicy, hash string) (*policy.SecurityPolicy, string) {
			return profile.Apply(prof, pol), profile.Stamp(hash, prof)
		}
	}
	return policy.NewReloader(s.engine, s.cfg.PolicyPath, tr)
}

// Close releases the stores. The kernel has no goroutines of its own;
// anything started with RunSweeper stops with its context.
func (s *Server) Close() error {
	if s.evidence != nil {
		s.evidence.Close()
	}
	if s.log != nil {
		return s.log.Close()
	}
	return nil
}

// DefaultAuditPath returns ~/.toolgate/audit.log.
func DefaultAuditPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "audit.log"
	}
	return filepath.Join(home, ".toolgate", "audit.log")
}
