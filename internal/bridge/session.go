// Package bridge runs the per-execution loopback HTTP endpoint that sandbox
// code uses to reach tools. Every session gets its own listener and its own
// single-use bearer token.
package bridge

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Muhumuree/code-executor-MCP/internal/audit"
	"github.com/Muhumuree/code-executor-MCP/internal/dispatch"
	"github.com/Muhumuree/code-executor-MCP/internal/mcp"
	"github.com/Muhumuree/code-executor-MCP/internal/toolerr"
)

// ToolCaller dispatches brokered tool calls.
type ToolCaller interface {
	Call(ctx context.Context, req *dispatch.Request) (*mcp.ToolCallResult, error)
}

// ToolLister enumerates the downstream tool universe.
type ToolLister interface {
	AllTools(ctx context.Context) ([]*mcp.Tool, error)
}

// Summary counts the tool calls a session brokered.
type Summary struct {
	Total   int            `json:"total"`
	PerTool map[string]int `json:"perTool"`
}

// SessionConfig configures one bridge session.
type SessionConfig struct {
	ExecutionID  string
	ClientID     string
	AllowedTools []string

	// CallTimeout bounds each brokered tool call.
	CallTimeout time.Duration

	Caller  ToolCaller
	Lister  ToolLister
	Auditor *audit.Logger
	Logger  *slog.Logger

	// Sampling, when non-nil, enables the /sample endpoint.
	Sampling *SamplingGate
}

// Session is one live bridge. It dies with its execution.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger

	token    string
	listener net.Listener
	server   *http.Server

	mu      sync.Mutex
	total   int
	perTool map[string]int
	closed  bool
}

// NewSession generates the session token, binds a loopback listener, and
// starts serving.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Caller == nil {
		return nil, fmt.Errorf("bridge session requires a tool caller")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, fmt.Errorf("generate bridge token: %w", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("bind bridge listener: %w", err)
	}

	s := &Session{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "bridge", "execution_id", cfg.ExecutionID),
		token:    hex.EncodeToString(tokenBytes),
		listener: listener,
		perTool:  make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /tool-call", s.withAuth(s.handleToolCall))
	mux.HandleFunc("POST /list-tools", s.withAuth(s.handleListTools))
	if cfg.Sampling != nil {
		mux.HandleFunc("POST /sample", s.withAuth(s.handleSample))
	}

	s.server = &http.Server{Handler: mux}
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("bridge server stopped", "error", err)
		}
	}()

	s.logger.Debug("bridge session started", "addr", listener.Addr().String())
	return s, nil
}

// URL returns the base URL sandbox code should call.
func (s *Session) URL() string {
	return "http://" + s.listener.Addr().String()
}

// Token returns the session bearer token.
func (s *Session) Token() string {
	return s.token
}

// Summary returns the per-tool call counts so far.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	perTool := make(map[string]int, len(s.perTool))
	for k, v := range s.perTool {
		perTool[k] = v
	}
	return Summary{Total: s.total, PerTool: perTool}
}

// Close tears the session down, aborting in-flight bridge requests.
// Requests arriving after Close are refused at the socket.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.server.Close()
}

// withAuth enforces the bearer token in constant time. Failures get an
// empty 401 and an auth-failure audit event; the token never appears in
// logs or responses.
func (s *Session) withAuth(next http.HandlerFunc) http.HandlerFunc {
	expected := []byte("Bearer " + s.token)
	return func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if len(got) != len(expected) || subtle.ConstantTimeCompare(got, expected) != 1 {
			s.auditAuthFailure(r)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Session) auditAuthFailure(r *http.Request) {
	if s.cfg.Auditor == nil {
		return
	}
	event := &audit.Event{
		CorrelationID: s.cfg.ExecutionID,
		Kind:          audit.KindAuthFailure,
		Outcome:       audit.OutcomeRejected,
		Meta:          map[string]any{"path": r.URL.Path},
	}
	if err := s.cfg.Auditor.Record(r.Context(), event); err != nil {
		s.logger.Error("audit write failed", "kind", event.Kind, "error", err)
	}
}

// toolCallRequest is the bridge wire format for one tool call.
type toolCallRequest struct {
	ToolName  string          `json:"toolName"`
	Args      json.RawMessage `json:"args,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

func (s *Session) handleToolCall(w http.ResponseWriter, r *http.Request) {
	var req toolCallRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, toolerr.New(toolerr.KindValidationFailed, "request body is not valid JSON"))
		return
	}
	if req.ToolName == "" {
		writeError(w, toolerr.New(toolerr.KindValidationFailed, "toolName is required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CallTimeout)
	defer cancel()

	result, err := s.cfg.Caller.Call(ctx, &dispatch.Request{
		ExecutionID:  s.cfg.ExecutionID,
		RequestID:    req.RequestID,
		ClientID:     s.cfg.ClientID,
		Tool:         req.ToolName,
		Args:         req.Args,
		AllowedTools: s.cfg.AllowedTools,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	s.mu.Lock()
	s.total++
	s.perTool[req.ToolName]++
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Session) handleListTools(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Lister == nil {
		writeJSON(w, http.StatusOK, map[string]any{"tools": []*mcp.Tool{}})
		return
	}
	all, err := s.cfg.Lister.AllTools(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	visible := make([]*mcp.Tool, 0, len(all))
	for _, tool := range all {
		if dispatch.ToolAllowed(s.cfg.AllowedTools, tool.Name) {
			visible = append(visible, tool)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": visible})
}

func (s *Session) handleSample(w http.ResponseWriter, r *http.Request) {
	var req mcp.SamplingRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, toolerr.New(toolerr.KindValidationFailed, "request body is not valid JSON"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CallTimeout)
	defer cancel()

	resp, err := s.cfg.Sampling.Sample(ctx, s.cfg.ExecutionID, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses. The body carries
// the kind so sandbox SDKs can branch without parsing messages.
func writeError(w http.ResponseWriter, err error) {
	kind := toolerr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case toolerr.KindValidationFailed:
		status = http.StatusBadRequest
	case toolerr.KindToolNotPermitted:
		status = http.StatusForbidden
	case toolerr.KindRateLimited:
		status = http.StatusTooManyRequests
	case toolerr.KindQueueFull, toolerr.KindQueueTimeout, toolerr.KindCircuitOpen,
		toolerr.KindDownstreamFailure, toolerr.KindSchemaUnavailable, toolerr.KindShutdown:
		status = http.StatusServiceUnavailable
	}

	body := map[string]any{
		"error": map[string]any{
			"kind":    string(kind),
			"message": err.Error(),
		},
	}
	if te := toolerr.AsError(err); te != nil && len(te.Detail) > 0 {
		body["error"].(map[string]any)["detail"] = te.Detail
	}
	writeJSON(w, status, body)
}
