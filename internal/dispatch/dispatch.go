// Package dispatch runs tool calls through the full brokering pipeline:
// audit, rate limiting, allow-list, circuit breaker, schema validation,
// admission, and the downstream call itself.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/Muhumuree/code-executor-MCP/internal/audit"
	"github.com/Muhumuree/code-executor-MCP/internal/mcp"
	"github.com/Muhumuree/code-executor-MCP/internal/observability"
	"github.com/Muhumuree/code-executor-MCP/internal/ratelimit"
	"github.com/Muhumuree/code-executor-MCP/internal/resilience"
	"github.com/Muhumuree/code-executor-MCP/internal/schema"
	"github.com/Muhumuree/code-executor-MCP/internal/toolerr"
)

// Request is one tool call to broker.
type Request struct {
	// ExecutionID identifies the sandbox execution making the call.
	ExecutionID string

	// RequestID, when set, deduplicates retries within the execution:
	// a second call with the same (ExecutionID, RequestID) attaches to the
	// in-flight first call instead of reaching downstream twice.
	RequestID string

	// ClientID keys rate limiting.
	ClientID string

	// Tool is the fully-qualified tool name, <server>.<tool>.
	Tool string

	// Args is the raw JSON argument object.
	Args json.RawMessage

	// AllowedTools are glob patterns over fully-qualified names. An empty
	// list permits nothing.
	AllowedTools []string
}

// callerPool is the surface the dispatcher needs from the connection pool.
type callerPool interface {
	Acquire(ctx context.Context, requestID, clientID, tool string) error
	Release()
	CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolCallResult, error)
}

type inflightKey struct {
	executionID string
	requestID   string
}

type inflightCall struct {
	done   chan struct{}
	result *mcp.ToolCallResult
	err    error
}

// Dispatcher brokers tool calls from sandboxes to downstream servers.
type Dispatcher struct {
	logger    *slog.Logger
	auditor   *audit.Logger
	limiter   *ratelimit.Limiter
	breakers  *resilience.Registry
	cache     *schema.Cache
	validator *schema.Validator
	pool      callerPool
	metrics   *observability.Metrics

	mu       sync.Mutex
	inflight map[inflightKey]*inflightCall
}

// New creates a dispatcher. All collaborators are required except metrics,
// which may be nil in tests.
func New(
	logger *slog.Logger,
	auditor *audit.Logger,
	limiter *ratelimit.Limiter,
	breakers *resilience.Registry,
	cache *schema.Cache,
	validator *schema.Validator,
	pool callerPool,
	metrics *observability.Metrics,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:    logger.With("component", "dispatch"),
		auditor:   auditor,
		limiter:   limiter,
		breakers:  breakers,
		cache:     cache,
		validator: validator,
		pool:      pool,
		metrics:   metrics,
		inflight:  make(map[inflightKey]*inflightCall),
	}
}

// Call brokers one tool call. Every rejection and outcome is audited; the
// pipeline order is fixed so a rate-limited caller never consumes a
// breaker probe or a pool slot.
func (d *Dispatcher) Call(ctx context.Context, req *Request) (*mcp.ToolCallResult, error) {
	if req.RequestID == "" {
		return d.doCall(ctx, req)
	}

	key := inflightKey{req.ExecutionID, req.RequestID}

	d.mu.Lock()
	if existing, ok := d.inflight[key]; ok {
		d.mu.Unlock()
		select {
		case <-existing.done:
			return existing.result, existing.err
		case <-ctx.Done():
			return nil, toolerr.Wrap(toolerr.KindInternal, "wait for duplicate request", ctx.Err())
		}
	}
	call := &inflightCall{done: make(chan struct{})}
	d.inflight[key] = call
	d.mu.Unlock()

	call.result, call.err = d.doCall(ctx, req)
	close(call.done)

	d.mu.Lock()
	delete(d.inflight, key)
	d.mu.Unlock()

	return call.result, call.err
}

func (d *Dispatcher) doCall(ctx context.Context, req *Request) (*mcp.ToolCallResult, error) {
	start := time.Now()
	argsHash := audit.HashArgs(req.Args)

	// Rate limit before anything that consumes shared capacity.
	if d.limiter != nil {
		res := d.limiter.Check(req.ClientID)
		if !res.Allowed {
			err := toolerr.New(toolerr.KindRateLimited, "rate limit exceeded").
				With("resetInMs", res.ResetIn.Milliseconds())
			d.reject(ctx, audit.KindRateLimited, req, argsHash, err)
			return nil, err
		}
	}

	if !ToolAllowed(req.AllowedTools, req.Tool) {
		err := toolerr.Newf(toolerr.KindToolNotPermitted, "tool %q is not permitted for this execution", req.Tool)
		d.reject(ctx, audit.KindToolCall, req, argsHash, err)
		return nil, err
	}

	server, _, splitErr := mcp.SplitToolName(req.Tool)
	if splitErr != nil {
		err := toolerr.Wrap(toolerr.KindValidationFailed, "invalid tool name", splitErr)
		d.reject(ctx, audit.KindToolCall, req, argsHash, err)
		return nil, err
	}

	breaker := d.breakers.For(server)
	if !breaker.Allow() {
		err := toolerr.Newf(toolerr.KindCircuitOpen, "circuit for server %q is open", server)
		d.reject(ctx, audit.KindCircuitOpen, req, argsHash, err)
		return nil, err
	}
	d.observeCircuit(server, breaker)

	// Schema validation happens before a slot is consumed.
	desc, err := d.cache.Get(ctx, req.Tool)
	if err != nil {
		d.reject(ctx, audit.KindToolCall, req, argsHash, err)
		return nil, err
	}
	if err := d.validator.Validate(req.Tool, req.Args, desc.InputSchema); err != nil {
		d.reject(ctx, audit.KindToolCall, req, argsHash, err)
		return nil, err
	}

	if err := d.pool.Acquire(ctx, req.RequestID, req.ClientID, req.Tool); err != nil {
		kind := audit.KindToolCall
		if toolerr.KindOf(err) == toolerr.KindQueueFull {
			kind = audit.KindQueueFull
		}
		d.reject(ctx, kind, req, argsHash, err)
		return nil, err
	}
	defer d.pool.Release()

	var result *mcp.ToolCallResult
	callErr := breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = d.pool.CallTool(ctx, req.Tool, req.Args)
		return err
	})
	d.observeCircuit(server, breaker)
	latency := time.Since(start)

	if callErr != nil {
		if errors.Is(callErr, resilience.ErrCircuitOpen) {
			callErr = toolerr.Newf(toolerr.KindCircuitOpen, "circuit for server %q is open", server)
		}
		d.record(ctx, &audit.Event{
			CorrelationID: req.ExecutionID,
			Kind:          audit.KindToolCall,
			Outcome:       audit.OutcomeFailure,
			Tool:          req.Tool,
			ArgsSHA256:    argsHash,
			LatencyMS:     latency.Milliseconds(),
			Error:         callErr.Error(),
		})
		d.count(req.Tool, "failure")
		d.observeDuration(server, latency)
		return nil, callErr
	}

	outcome := audit.OutcomeSuccess
	metricOutcome := "success"
	if result != nil && result.IsError {
		outcome = audit.OutcomeFailure
		metricOutcome = "failure"
	}
	d.record(ctx, &audit.Event{
		CorrelationID: req.ExecutionID,
		Kind:          audit.KindToolCall,
		Outcome:       outcome,
		Tool:          req.Tool,
		ArgsSHA256:    argsHash,
		LatencyMS:     latency.Milliseconds(),
	})
	d.count(req.Tool, metricOutcome)
	d.observeDuration(server, latency)
	return result, nil
}

// ToolAllowed matches the fully-qualified name against the allow-list
// globs. An empty list denies everything.
func ToolAllowed(patterns []string, tool string) bool {
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, tool); err == nil && ok {
			return true
		}
	}
	return false
}

// reject audits a pipeline stop before the call reached downstream. Policy
// stops (not-permitted, rate-limited, queue-full) are audited as rejected;
// everything else (validation, queue-timeout, circuit-open) as failure.
func (d *Dispatcher) reject(ctx context.Context, kind audit.Kind, req *Request, argsHash string, err error) {
	outcome := audit.OutcomeFailure
	metricOutcome := "failure"
	if toolerr.KindOf(err).Rejected() {
		outcome = audit.OutcomeRejected
		metricOutcome = "rejected"
	}
	d.record(ctx, &audit.Event{
		CorrelationID: req.ExecutionID,
		Kind:          kind,
		Outcome:       outcome,
		Tool:          req.Tool,
		ArgsSHA256:    argsHash,
		Error:         err.Error(),
	})
	d.count(req.Tool, metricOutcome)
}

// record writes an audit event. An audit write failure never fails the
// user-visible call; it is logged and the call proceeds.
func (d *Dispatcher) record(ctx context.Context, event *audit.Event) {
	if d.auditor == nil {
		return
	}
	if err := d.auditor.Record(ctx, event); err != nil {
		d.logger.Error("audit write failed", "kind", event.Kind, "error", err)
	}
}

func (d *Dispatcher) count(tool, outcome string) {
	if d.metrics != nil {
		d.metrics.ToolCalls.WithLabelValues(tool, outcome).Inc()
	}
}

func (d *Dispatcher) observeDuration(server string, latency time.Duration) {
	if d.metrics != nil {
		d.metrics.ToolCallDuration.WithLabelValues(server).Observe(latency.Seconds())
	}
}

func (d *Dispatcher) observeCircuit(server string, b *resilience.Breaker) {
	if d.metrics == nil {
		return
	}
	var v float64
	switch b.Stats().State {
	case resilience.StateHalfOpen.String():
		v = 1
	case resilience.StateOpen.String():
		v = 2
	}
	d.metrics.CircuitState.WithLabelValues(server).Set(v)
}
