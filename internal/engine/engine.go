// Package engine is the public entry point of the execution service. It
// validates a request, resolves its language profile and drives the
// workspace, isolation backend and stream driver through one job,
// guaranteeing cleanup on every exit path.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dontdude/sandrun/internal/domain"
	"github.com/dontdude/sandrun/internal/language"
	"github.com/dontdude/sandrun/internal/metrics"
	"github.com/dontdude/sandrun/internal/sandbox"
	"github.com/dontdude/sandrun/internal/workspace"
)

// Default languages applied when a request leaves the field empty.
const (
	DefaultRunLanguage  = "javascript"
	DefaultTestLanguage = "python"
)

const (
	// DefaultTimeout matches the client-side bound of the container path.
	DefaultTimeout  = 120 * time.Second
	teardownTimeout = 30 * time.Second
)

// phase is a step of the per-job state machine.
type phase string

const (
	phaseValidating   phase = "validating"
	phaseResolving    phase = "resolving"
	phaseStaging      phase = "staging"
	phaseProvisioning phase = "provisioning"
	phaseStarting     phase = "starting"
	phaseExecuting    phase = "executing"
	phaseCleaningUp   phase = "cleaning_up"
	phaseDone         phase = "done"
)

// Config carries the engine's tunables.
type Config struct {
	// Timeout bounds a job from provisioning to the end of output.
	Timeout time.Duration
	Limits  sandbox.Limits
}

// Engine runs jobs. It holds no per-job state and is safe for concurrent use.
type Engine struct {
	registry   *language.Registry
	workspaces *workspace.Manager
	backend    sandbox.Backend
	cfg        Config
}

var _ domain.Executor = (*Engine)(nil)

// New wires an engine from its collaborators.
func New(registry *language.Registry, workspaces *workspace.Manager, backend sandbox.Backend, cfg Config) *Engine {
	if cfg.Limits == (sandbox.Limits{}) {
		cfg.Limits = sandbox.DefaultLimits()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Engine{
		registry:   registry,
		workspaces: workspaces,
		backend:    backend,
		cfg:        cfg,
	}
}

// Backend is the isolation strategy in use.
func (e *Engine) Backend() sandbox.Backend {
	return e.backend
}

// Execute runs req in Run mode.
func (e *Engine) Execute(ctx context.Context, req domain.ExecutionRequest) domain.ExecutionResult {
	req.Mode = domain.ModeRun
	return e.Dispatch(ctx, req)
}

// ExecuteTests runs req in Test mode.
func (e *Engine) ExecuteTests(ctx context.Context, req domain.ExecutionRequest) domain.ExecutionResult {
	req.Mode = domain.ModeTest
	return e.Dispatch(ctx, req)
}

// Dispatch runs req in the mode it names.
func (e *Engine) Dispatch(ctx context.Context, req domain.ExecutionRequest) domain.ExecutionResult {
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	if strings.TrimSpace(req.Language) == "" {
		req.Language = defaultLanguage(req.Mode)
	}

	log := slog.With("jobID", req.JobID, "language", req.Language, "mode", req.Mode)
	begin := time.Now()

	res := e.run(ctx, log, req)

	label := e.languageLabel(req.Language)
	metrics.ExecutionsTotal.WithLabelValues(label, string(req.Mode), res.Status()).Inc()
	metrics.ExecutionDuration.WithLabelValues(label, string(req.Mode)).Observe(time.Since(begin).Seconds())
	log.Info("Job finished", "status", res.Status(), "exitCode", exitCode(res), "duration", time.Since(begin))
	return res
}

func (e *Engine) run(ctx context.Context, log *slog.Logger, req domain.ExecutionRequest) (res domain.ExecutionResult) {
	// Validating and Resolving touch no resource.
	log.Debug("Job phase", "phase", phaseValidating)
	if err := validate(req); err != nil {
		return rejected(err)
	}

	log.Debug("Job phase", "phase", phaseResolving)
	profile, err := e.registry.Resolve(req.Language, req.Mode)
	if err != nil {
		return rejected(err)
	}
	if req.Mode == domain.ModeTest {
		if err := language.CheckMarkers(profile, req.Code); err != nil {
			return rejected(err)
		}
	}

	log.Debug("Job phase", "phase", phaseStaging)
	ws, err := e.workspaces.Allocate(req.JobID, profile)
	if err != nil {
		log.Error("Failed to allocate workspace", "error", err)
		return failed(err)
	}
	metrics.ActiveJobs.Inc()

	// Deferred cleanups run in reverse: environment first, then workspace.
	defer func() {
		log.Debug("Job phase", "phase", phaseCleaningUp)
		if n := e.workspaces.Release(ws); n > 0 {
			metrics.CleanupFailures.WithLabelValues("workspace").Add(float64(n))
		}
		metrics.ActiveJobs.Dec()
		log.Debug("Job phase", "phase", phaseDone)
	}()

	if err := e.workspaces.Write(ws, req.Code); err != nil {
		log.Error("Failed to write source", "error", err)
		return failed(err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	log.Debug("Job phase", "phase", phaseProvisioning)
	env, err := e.backend.Provision(ctx, sandbox.Spec{
		JobID:   req.JobID,
		Image:   profile.Image,
		Command: profile.Argv(e.backend.WorkDir(ws.Root), req.JobID),
		HostDir: ws.Root,
		Shape:   shapeFor(req.Mode),
		Limits:  e.cfg.Limits,
		Stdin:   req.Input,
	})
	if err != nil {
		log.Error("Failed to provision environment", "error", err)
		return e.infraFailure(ctx, err)
	}
	defer e.teardown(ctx, log, env)

	log.Debug("Job phase", "phase", phaseStarting, "environment", env.ID())
	if err := env.Start(ctx); err != nil {
		log.Error("Failed to start environment", "error", err)
		return e.infraFailure(ctx, err)
	}

	log.Debug("Job phase", "phase", phaseExecuting)
	capture, err := env.Run(ctx)
	if err != nil {
		log.Error("Failed to run command", "error", err)
		return e.infraFailure(ctx, err)
	}

	out := string(capture.Output)
	if errors.Is(capture.Err, domain.ErrTimedOut) {
		out += e.timeoutNotice()
	}
	if capture.Err != nil {
		log.Warn("Output collection ended early", "error", capture.Err)
	}
	return domain.ExecutionResult{Output: out, ExitCode: capture.ExitCode, Err: capture.Err}
}

// teardown never fails the job; errors are logged for follow-up.
func (e *Engine) teardown(ctx context.Context, log *slog.Logger, env sandbox.Environment) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if err := env.Teardown(ctx); err != nil {
		log.Warn("Error stopping/removing environment", "environment", env.ID(), "error", err)
		metrics.CleanupFailures.WithLabelValues("environment").Inc()
	}
}

// infraFailure reports a backend failure, or a timeout if the job's
// deadline is what made the backend call fail.
func (e *Engine) infraFailure(ctx context.Context, err error) domain.ExecutionResult {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrTimedOut) {
		err = fmt.Errorf("%w: %w", domain.ErrTimedOut, err)
	}
	if errors.Is(err, domain.ErrTimedOut) {
		return domain.ExecutionResult{Output: strings.TrimPrefix(e.timeoutNotice(), "\n"), Err: err}
	}
	return failed(err)
}

func (e *Engine) timeoutNotice() string {
	return fmt.Sprintf("\nError: Execution timed out (%s limit)", e.cfg.Timeout)
}

func validate(req domain.ExecutionRequest) error {
	if strings.TrimSpace(req.Code) == "" {
		return fmt.Errorf("%w: Code is required and must be a string", domain.ErrValidation)
	}
	switch req.Mode {
	case domain.ModeRun, domain.ModeTest:
		return nil
	default:
		return fmt.Errorf("%w: unknown mode %q", domain.ErrValidation, req.Mode)
	}
}

func rejected(err error) domain.ExecutionResult {
	msg := domain.Cause(err)
	if errors.Is(err, domain.ErrNotSupported) {
		msg = capitalize(msg) + " not supported yet"
	}
	return domain.ExecutionResult{Output: msg, Err: err}
}

func failed(err error) domain.ExecutionResult {
	return domain.ExecutionResult{Output: "Error: " + capitalize(domain.Cause(err)), Err: err}
}

// languageLabel keeps metric cardinality bounded to registered languages.
func (e *Engine) languageLabel(lang string) string {
	if _, err := e.registry.Resolve(lang, domain.ModeRun); err != nil {
		return "other"
	}
	return strings.ToLower(strings.TrimSpace(lang))
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func shapeFor(mode domain.Mode) sandbox.Shape {
	if mode == domain.ModeTest {
		return sandbox.ShapeDirect
	}
	return sandbox.ShapeExec
}

func defaultLanguage(mode domain.Mode) string {
	if mode == domain.ModeTest {
		return DefaultTestLanguage
	}
	return DefaultRunLanguage
}

func exitCode(res domain.ExecutionResult) any {
	if res.ExitCode == nil {
		return nil
	}
	return *res.ExitCode
}
