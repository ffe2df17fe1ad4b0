package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Muhumuree/code-executor-MCP/internal/audit"
	"github.com/Muhumuree/code-executor-MCP/internal/bridge"
	"github.com/Muhumuree/code-executor-MCP/internal/config"
	"github.com/Muhumuree/code-executor-MCP/internal/filter"
	"github.com/Muhumuree/code-executor-MCP/internal/toolerr"
)

// Status is the terminal state of one execution.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed-out"
	StatusCancelled Status = "cancelled"
)

// Spec describes one execution to run.
type Spec struct {
	ExecutionID  string
	ClientID     string
	Language     string
	Code         string
	AllowedTools []string

	// Timeout is the wall clock for the whole execution. Zero means the
	// configured default.
	Timeout time.Duration

	// Permissions is the validated permissions object from the request,
	// forwarded verbatim to the engine. Enforcement lives in the runtime.
	Permissions json.RawMessage
}

// Result is the outcome of one execution.
type Result struct {
	Status    Status
	Stdout    string
	Stderr    string
	Duration  time.Duration
	ToolCalls bridge.Summary
	ExitCode  int
}

// Supervisor runs sandbox executions. One supervisor serves the whole
// process; each Run gets its own bridge session and engine subprocess.
type Supervisor struct {
	cfg      config.SandboxConfig
	sampling config.SamplingConfig
	engines  *EngineSet
	caller   bridge.ToolCaller
	lister   bridge.ToolLister
	sampler  bridge.SamplingHandler
	redact   *filter.Filter
	auditor  *audit.Logger
	logger   *slog.Logger
}

// SupervisorOptions wires the supervisor's collaborators.
type SupervisorOptions struct {
	Sandbox  config.SandboxConfig
	Sampling config.SamplingConfig
	Caller   bridge.ToolCaller
	Lister   bridge.ToolLister

	// Sampler backs the bridge /sample endpoint. Nil disables sampling
	// regardless of configuration.
	Sampler bridge.SamplingHandler

	Redact  *filter.Filter
	Auditor *audit.Logger
	Logger  *slog.Logger
}

// NewSupervisor builds a supervisor. The engine set, including the wasm
// gate, is resolved here and fixed for the process lifetime.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:      opts.Sandbox,
		sampling: opts.Sampling,
		engines:  NewEngineSet(opts.Sandbox),
		caller:   opts.Caller,
		lister:   opts.Lister,
		sampler:  opts.Sampler,
		redact:   opts.Redact,
		auditor:  opts.Auditor,
		logger:   logger.With("component", "sandbox"),
	}
}

// Languages returns the languages this supervisor can execute.
func (s *Supervisor) Languages() []string {
	return s.engines.Languages()
}

// Run executes one sandbox program to completion. Validation problems
// return typed errors; runtime outcomes, including timeout and crash, are
// reported in the Result.
func (s *Supervisor) Run(ctx context.Context, spec *Spec) (*Result, error) {
	if len(spec.Code) > config.MaxCodeBytes {
		return nil, toolerr.Newf(toolerr.KindValidationFailed,
			"code size %d exceeds the %d byte limit", len(spec.Code), config.MaxCodeBytes)
	}
	engine, ok := s.engines.Lookup(spec.Language)
	if !ok {
		return nil, toolerr.Newf(toolerr.KindValidationFailed,
			"language %q has no configured engine", spec.Language)
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	if timeout < config.MinTimeout || timeout > config.MaxTimeout {
		return nil, toolerr.Newf(toolerr.KindValidationFailed,
			"timeout %v outside [%v, %v]", timeout, config.MinTimeout, config.MaxTimeout)
	}

	session, err := bridge.NewSession(bridge.SessionConfig{
		ExecutionID:  spec.ExecutionID,
		ClientID:     spec.ClientID,
		AllowedTools: spec.AllowedTools,
		CallTimeout:  s.cfg.CallTimeout,
		Caller:       s.caller,
		Lister:       s.lister,
		Auditor:      s.auditor,
		Logger:       s.logger,
		Sampling:     s.samplingGate(),
	})
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindInternal, "start bridge session", err)
	}
	defer session.Close()

	stdout := NewCaptureBuffer(s.cfg.MaxCaptureBytes)
	stderr := NewCaptureBuffer(s.cfg.MaxCaptureBytes)

	cmd := exec.Command(engine.Command, engine.Args...)
	cmd.Dir = s.cfg.WorkDir
	cmd.Stdin = strings.NewReader(spec.Code)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Own process group so the kill reaches engine children, and a bounded
	// pipe wait so an orphan holding stdout cannot stall the reap.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = time.Second
	cmd.Env = append(os.Environ(),
		"CODE_EXECUTOR_BRIDGE_URL="+session.URL(),
		"CODE_EXECUTOR_BRIDGE_TOKEN="+session.Token(),
		"CODE_EXECUTOR_ALLOWED_TOOLS="+strings.Join(spec.AllowedTools, ","),
		"CODE_EXECUTOR_TIMEOUT_MS="+strconv.FormatInt(timeout.Milliseconds(), 10),
		"CODE_EXECUTOR_CALL_TIMEOUT_MS="+strconv.FormatInt(s.cfg.CallTimeout.Milliseconds(), 10),
	)
	if len(spec.Permissions) > 0 {
		cmd.Env = append(cmd.Env, "CODE_EXECUTOR_PERMISSIONS="+string(spec.Permissions))
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, toolerr.Wrap(toolerr.KindInternal,
			fmt.Sprintf("spawn %s engine", spec.Language), err)
	}
	s.logger.Debug("sandbox started",
		"execution_id", spec.ExecutionID, "language", spec.Language, "pid", cmd.Process.Pid)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var status Status
	var waitErr error
	select {
	case waitErr = <-done:
		if waitErr == nil {
			status = StatusSucceeded
		} else {
			status = StatusFailed
		}
	case <-timer.C:
		status = StatusTimedOut
		s.kill(cmd)
		waitErr = <-done
	case <-ctx.Done():
		status = StatusCancelled
		s.kill(cmd)
		waitErr = <-done
	}
	duration := time.Since(start)

	// Close before reading the summary so no call lands mid-snapshot.
	session.Close()

	result := &Result{
		Status:    status,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  duration,
		ToolCalls: session.Summary(),
		ExitCode:  exitCode(waitErr),
	}
	s.logger.Info("sandbox finished",
		"execution_id", spec.ExecutionID,
		"status", string(status),
		"duration_ms", duration.Milliseconds(),
		"tool_calls", result.ToolCalls.Total)
	return result, nil
}

// samplingGate builds a fresh per-execution gate, or nil when sampling is
// off. Budgets reset with every execution.
func (s *Supervisor) samplingGate() *bridge.SamplingGate {
	if !s.sampling.Enabled || s.sampler == nil {
		return nil
	}
	return bridge.NewSamplingGate(bridge.SamplingPolicy{
		MaxRounds:            s.sampling.MaxRounds,
		MaxTokens:            s.sampling.MaxTokens,
		AllowedSystemPrompts: s.sampling.AllowedSystemPrompts,
	}, s.sampler, s.redact, s.auditor, s.logger)
}

// kill forcibly terminates the engine's process group.
func (s *Supervisor) kill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		cmd.Process.Kill()
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}
