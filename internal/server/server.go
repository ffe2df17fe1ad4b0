package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Muhumuree/code-executor-MCP/internal/audit"
	"github.com/Muhumuree/code-executor-MCP/internal/config"
	"github.com/Muhumuree/code-executor-MCP/internal/mcp"
	"github.com/Muhumuree/code-executor-MCP/internal/observability"
	"github.com/Muhumuree/code-executor-MCP/internal/sandbox"
	"github.com/Muhumuree/code-executor-MCP/internal/toolerr"
)

// shutdownCeiling is the hard cap on total shutdown time, regardless of the
// configured grace.
const shutdownCeiling = 10 * time.Second

// Executor runs sandbox executions. Implemented by sandbox.Supervisor.
type Executor interface {
	Run(ctx context.Context, spec *sandbox.Spec) (*sandbox.Result, error)
	Languages() []string
}

// StatusReporter exposes downstream pool health for /healthz.
type StatusReporter interface {
	Status() []mcp.ServerStatus
}

// Options wires the server's collaborators. Executor is required; the rest
// may be nil.
type Options struct {
	Config   config.ServerConfig
	Executor Executor
	Status   StatusReporter
	Metrics  *observability.Metrics
	Auditor  *audit.Logger
	Logger   *slog.Logger

	// OnShutdown runs after intake has stopped and executions are done,
	// before the process exits. The caller drains the pool and persists
	// state here. The context carries the remaining shutdown budget.
	OnShutdown func(ctx context.Context)
}

// Server is the HTTP front-end.
type Server struct {
	opts   Options
	logger *slog.Logger

	httpServer *http.Server

	mu         sync.Mutex
	draining   bool
	executions map[string]context.CancelFunc
	wg         sync.WaitGroup
}

// New creates the front-end server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		opts:       opts,
		logger:     logger.With("component", "server"),
		executions: make(map[string]context.CancelFunc),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics.Handler())
	}
	s.httpServer = &http.Server{
		Addr:              opts.Config.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully. A nil
// return means a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Config.Listen)
	if err != nil {
		return err
	}
	s.logger.Info("listening", "addr", listener.Addr().String())

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.httpServer.Serve(listener) }()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
		return s.shutdown()
	}
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Shutdown drains the server outside of Run, for the stdio front-end.
func (s *Server) Shutdown() {
	s.shutdown()
}

// shutdown implements the drain sequence: stop intake, wait out the grace,
// kill surviving sandboxes, then hand the rest of the budget to OnShutdown.
func (s *Server) shutdown() error {
	s.logger.Info("shutting down", "grace", s.opts.Config.ShutdownGrace)
	deadline := time.Now().Add(shutdownCeiling)

	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	// Shutdown closes the listener immediately but blocks on in-flight
	// handlers, so it runs alongside the grace logic below.
	intakeCtx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	intakeDone := make(chan struct{})
	go func() {
		s.httpServer.Shutdown(intakeCtx)
		close(intakeDone)
	}()

	grace := s.opts.Config.ShutdownGrace
	if grace > shutdownCeiling {
		grace = shutdownCeiling
	}
	if !s.waitExecutions(grace) {
		s.logger.Warn("grace expired, cancelling executions")
		s.cancelExecutions()
		s.waitExecutions(time.Until(deadline))
	}
	select {
	case <-intakeDone:
	case <-time.After(time.Until(deadline)):
	}

	s.recordShutdown()
	if s.opts.OnShutdown != nil {
		drainCtx, cancel := context.WithDeadline(context.Background(), deadline)
		defer cancel()
		s.opts.OnShutdown(drainCtx)
	}
	s.logger.Info("shutdown complete")
	return nil
}

func (s *Server) waitExecutions(timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Server) cancelExecutions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.executions {
		cancel()
	}
}

func (s *Server) recordShutdown() {
	if s.opts.Auditor == nil {
		return
	}
	event := &audit.Event{Kind: audit.KindShutdown, Outcome: audit.OutcomeSuccess}
	if err := s.opts.Auditor.Record(context.Background(), event); err != nil {
		s.logger.Error("audit write failed", "kind", event.Kind, "error", err)
	}
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 512*1024))
	if err := decoder.Decode(&req); err != nil {
		writeExecuteError(w, http.StatusBadRequest,
			toolerr.New(toolerr.KindValidationFailed, "request body is not valid JSON"))
		return
	}

	resp, err := s.Execute(r.Context(), &req, clientID(r))
	if err != nil {
		status := http.StatusInternalServerError
		switch toolerr.KindOf(err) {
		case toolerr.KindValidationFailed:
			status = http.StatusBadRequest
		case toolerr.KindShutdown:
			status = http.StatusServiceUnavailable
		}
		writeExecuteError(w, status, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Execute validates and runs one execution. Shared by the HTTP and stdio
// front-ends.
func (s *Server) Execute(ctx context.Context, req *ExecuteRequest, clientID string) (*ExecuteResponse, error) {
	if err := req.Validate(s.opts.Executor.Languages()); err != nil {
		return nil, err
	}

	executionID := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return nil, toolerr.New(toolerr.KindShutdown, "server is shutting down")
	}
	s.executions[executionID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.executions, executionID)
		s.mu.Unlock()
		s.wg.Done()
	}()

	if s.opts.Metrics != nil {
		s.opts.Metrics.ActiveExecutions.Inc()
		defer s.opts.Metrics.ActiveExecutions.Dec()
	}

	spec := &sandbox.Spec{
		ExecutionID:  executionID,
		ClientID:     clientID,
		Language:     req.Language,
		Code:         req.Code,
		AllowedTools: req.AllowedTools,
		Timeout:      req.Timeout(),
	}
	if req.Permissions != nil {
		raw, err := json.Marshal(req.Permissions)
		if err != nil {
			return nil, toolerr.Wrap(toolerr.KindInternal, "encode permissions", err)
		}
		spec.Permissions = raw
	}

	s.logger.Info("execution started",
		"execution_id", executionID, "language", req.Language, "client_id", clientID)

	result, err := s.opts.Executor.Run(observability.WithCorrelationID(runCtx, executionID), spec)
	if err != nil {
		return nil, err
	}

	if s.opts.Metrics != nil {
		s.opts.Metrics.Executions.WithLabelValues(string(result.Status)).Inc()
	}

	resp := &ExecuteResponse{
		Status:          string(result.Status),
		Stdout:          result.Stdout,
		Stderr:          result.Stderr,
		ExecutionTimeMs: result.Duration.Milliseconds(),
		ToolCallSummary: result.ToolCalls,
	}
	switch result.Status {
	case sandbox.StatusTimedOut:
		resp.Error = &ResponseError{
			Kind:    string(toolerr.KindSandboxTimeout),
			Message: "execution exceeded its wall clock",
		}
	case sandbox.StatusFailed:
		resp.Error = &ResponseError{
			Kind:    string(toolerr.KindSandboxCrash),
			Message: "sandbox exited non-zero",
		}
	}
	return resp, nil
}

type healthResponse struct {
	Status  string             `json:"status"`
	Servers []mcp.ServerStatus `json:"servers,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.opts.Status != nil {
		resp.Servers = s.opts.Status.Status()
	}
	s.mu.Lock()
	draining := s.draining
	s.mu.Unlock()
	code := http.StatusOK
	if draining {
		resp.Status = "draining"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

// clientID keys rate limiting for HTTP callers. Remote address is the best
// identity available without authentication on the front-end.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeExecuteError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"error": responseError(err)})
}
