package bridge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Muhumuree/code-executor-MCP/internal/audit"
	"github.com/Muhumuree/code-executor-MCP/internal/filter"
	"github.com/Muhumuree/code-executor-MCP/internal/mcp"
	"github.com/Muhumuree/code-executor-MCP/internal/toolerr"
)

// SamplingHandler produces a completion for a sampling request. In the
// server this is backed by the upstream client's sampling capability.
type SamplingHandler func(ctx context.Context, req *mcp.SamplingRequest) (*mcp.SamplingResponse, error)

// SamplingPolicy bounds what one execution may consume via /sample.
type SamplingPolicy struct {
	// MaxRounds caps how many sampling requests an execution may make.
	MaxRounds int

	// MaxTokens is the cumulative token budget across all rounds. Each
	// request draws its maxTokens from the remaining budget.
	MaxTokens int

	// AllowedSystemPrompts is an exact-match allow-list. An empty list
	// permits only requests with no system prompt.
	AllowedSystemPrompts []string
}

// SamplingGate enforces a SamplingPolicy for one execution and scrubs
// responses before they reach sandbox code.
type SamplingGate struct {
	policy  SamplingPolicy
	handler SamplingHandler
	redact  *filter.Filter
	auditor *audit.Logger
	logger  *slog.Logger

	mu         sync.Mutex
	rounds     int
	tokensLeft int
}

// NewSamplingGate builds a gate. The filter is required so responses are
// always scrubbed; the handler does the actual model call.
func NewSamplingGate(policy SamplingPolicy, handler SamplingHandler, redact *filter.Filter, auditor *audit.Logger, logger *slog.Logger) *SamplingGate {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxRounds <= 0 {
		policy.MaxRounds = 8
	}
	if policy.MaxTokens <= 0 {
		policy.MaxTokens = 32_000
	}
	return &SamplingGate{
		policy:     policy,
		handler:    handler,
		redact:     redact,
		auditor:    auditor,
		logger:     logger.With("component", "sampling"),
		tokensLeft: policy.MaxTokens,
	}
}

// Sample runs one sampling round. Budget rejections are typed errors so
// the bridge maps them onto HTTP statuses like any other pipeline
// rejection.
func (g *SamplingGate) Sample(ctx context.Context, executionID string, req *mcp.SamplingRequest) (*mcp.SamplingResponse, error) {
	if g.handler == nil {
		return nil, toolerr.New(toolerr.KindToolNotPermitted, "sampling is not enabled")
	}
	if !g.promptAllowed(req.SystemPrompt) {
		err := toolerr.New(toolerr.KindToolNotPermitted, "system prompt is not in the allow-list")
		g.audit(ctx, executionID, req, nil, audit.OutcomeRejected, err)
		return nil, err
	}

	grant, err := g.reserve(req.MaxTokens)
	if err != nil {
		g.audit(ctx, executionID, req, nil, audit.OutcomeRejected, err)
		return nil, err
	}

	bounded := *req
	bounded.MaxTokens = grant

	resp, err := g.handler(ctx, &bounded)
	if err != nil {
		err = toolerr.Wrap(toolerr.KindDownstreamFailure, "sampling request failed", err)
		g.audit(ctx, executionID, req, nil, audit.OutcomeFailure, err)
		return nil, err
	}

	if resp.Content.Type == "text" && g.redact != nil {
		resp.Content.Text = g.redact.Apply(resp.Content.Text)
	}
	g.audit(ctx, executionID, req, resp, audit.OutcomeSuccess, nil)
	return resp, nil
}

func (g *SamplingGate) promptAllowed(prompt string) bool {
	if prompt == "" {
		return true
	}
	for _, allowed := range g.policy.AllowedSystemPrompts {
		if prompt == allowed {
			return true
		}
	}
	return false
}

// reserve consumes one round and carves the request's token grant out of
// the remaining budget.
func (g *SamplingGate) reserve(requested int) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rounds >= g.policy.MaxRounds {
		return 0, toolerr.Newf(toolerr.KindRateLimited, "sampling round budget of %d exhausted", g.policy.MaxRounds)
	}
	if g.tokensLeft <= 0 {
		return 0, toolerr.Newf(toolerr.KindRateLimited, "sampling token budget of %d exhausted", g.policy.MaxTokens)
	}

	grant := requested
	if grant <= 0 || grant > g.tokensLeft {
		grant = g.tokensLeft
	}
	g.rounds++
	g.tokensLeft -= grant
	return grant, nil
}

// audit records the round with prompt and response hashes. Text content is
// never written to the trail.
func (g *SamplingGate) audit(ctx context.Context, executionID string, req *mcp.SamplingRequest, resp *mcp.SamplingResponse, outcome audit.Outcome, cause error) {
	if g.auditor == nil {
		return
	}
	meta := map[string]any{
		"prompt_sha256": hashSamplingPrompt(req),
	}
	if resp != nil {
		meta["response_sha256"] = audit.HashArgs([]byte(resp.Content.Text))
	}
	event := &audit.Event{
		CorrelationID: executionID,
		Kind:          audit.KindSampling,
		Outcome:       outcome,
		Meta:          meta,
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	if err := g.auditor.Record(ctx, event); err != nil {
		g.logger.Error("audit write failed", "kind", event.Kind, "error", err)
	}
}

func hashSamplingPrompt(req *mcp.SamplingRequest) string {
	var buf []byte
	buf = append(buf, req.SystemPrompt...)
	for _, msg := range req.Messages {
		buf = append(buf, msg.Role...)
		buf = append(buf, msg.Content.Text...)
	}
	return audit.HashArgs(buf)
}
