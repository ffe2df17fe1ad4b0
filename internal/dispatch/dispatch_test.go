package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Muhumuree/code-executor-MCP/internal/audit"
	"github.com/Muhumuree/code-executor-MCP/internal/mcp"
	"github.com/Muhumuree/code-executor-MCP/internal/ratelimit"
	"github.com/Muhumuree/code-executor-MCP/internal/resilience"
	"github.com/Muhumuree/code-executor-MCP/internal/schema"
	"github.com/Muhumuree/code-executor-MCP/internal/toolerr"
)

// fakePool scripts the pool side of the pipeline.
type fakePool struct {
	mu         sync.Mutex
	acquireErr error
	callErr    error
	result     *mcp.ToolCallResult
	calls      atomic.Int64
	delay      time.Duration
}

func (f *fakePool) Acquire(ctx context.Context, requestID, clientID, tool string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquireErr
}

func (f *fakePool) Release() {}

func (f *fakePool) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolCallResult, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &mcp.ToolCallResult{Content: []mcp.ToolResultContent{{Type: "text", Text: "ok"}}}, nil
}

type testEnv struct {
	d       *Dispatcher
	pool    *fakePool
	auditor *audit.Logger
	dir     string
}

func newTestEnv(t *testing.T, rl ratelimit.Config, breaker resilience.Config) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	auditor, err := audit.NewLogger(dir, audit.Config{Enabled: true, RetentionDays: 30}, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { auditor.Close() })

	limiter := ratelimit.NewLimiter(rl)
	t.Cleanup(limiter.Close)

	fetch := func(_ context.Context, name string) (*schema.Descriptor, error) {
		return &schema.Descriptor{
			Name:   name,
			Server: "fs",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"path": {"type": "string"}},
				"required": ["path"]
			}`),
		}, nil
	}
	cache := schema.NewCache(schema.DefaultCacheConfig(), fetch, "", logger)

	pool := &fakePool{}
	d := New(logger, auditor, limiter,
		resilience.NewRegistry(breaker, nil, logger),
		cache, schema.NewValidator(), pool, nil)

	return &testEnv{d: d, pool: pool, auditor: auditor, dir: dir}
}

func permissiveLimits() ratelimit.Config {
	return ratelimit.Config{Enabled: true, MaxRequests: 1000, Window: time.Minute, Burst: 1000}
}

func validRequest() *Request {
	return &Request{
		ExecutionID:  "exec-1",
		ClientID:     "client-1",
		Tool:         "fs.read_file",
		Args:         json.RawMessage(`{"path": "/tmp/a"}`),
		AllowedTools: []string{"fs.*"},
	}
}

func auditLines(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(dir, "audit-logs"))
	if err != nil {
		t.Fatalf("read audit dir: %v", err)
	}
	var lines []string
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, "audit-logs", e.Name()))
		if err != nil {
			t.Fatal(err)
		}
		for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
			if line != "" {
				lines = append(lines, line)
			}
		}
	}
	return lines
}

func TestCallSuccess(t *testing.T) {
	env := newTestEnv(t, permissiveLimits(), resilience.DefaultConfig())

	result, err := env.d.Call(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "ok" {
		t.Errorf("result = %+v", result)
	}

	lines := auditLines(t, env.dir)
	if len(lines) != 1 {
		t.Fatalf("audit lines = %d, want 1", len(lines))
	}
	var event audit.Event
	if err := json.Unmarshal([]byte(lines[0]), &event); err != nil {
		t.Fatal(err)
	}
	if event.Kind != audit.KindToolCall || event.Outcome != audit.OutcomeSuccess {
		t.Errorf("event = %+v", event)
	}
	if event.ArgsSHA256 == "" {
		t.Error("args hash missing from audit event")
	}
	if strings.Contains(lines[0], "/tmp/a") {
		t.Error("audit line contains raw argument value")
	}
}

func TestCallRateLimited(t *testing.T) {
	env := newTestEnv(t,
		ratelimit.Config{Enabled: true, MaxRequests: 1, Window: time.Minute, Burst: 1},
		resilience.DefaultConfig())

	if _, err := env.d.Call(context.Background(), validRequest()); err != nil {
		t.Fatalf("first call: %v", err)
	}
	_, err := env.d.Call(context.Background(), validRequest())
	te := toolerr.AsError(err)
	if te == nil || te.Kind != toolerr.KindRateLimited {
		t.Fatalf("second call = %v, want rate-limited", err)
	}
	if _, ok := te.Detail["resetInMs"]; !ok {
		t.Error("rate-limited error missing resetInMs detail")
	}
	if env.pool.calls.Load() != 1 {
		t.Errorf("downstream calls = %d, want 1", env.pool.calls.Load())
	}
}

func TestCallNotPermitted(t *testing.T) {
	env := newTestEnv(t, permissiveLimits(), resilience.DefaultConfig())

	req := validRequest()
	req.AllowedTools = []string{"web.*"}
	_, err := env.d.Call(context.Background(), req)
	if toolerr.KindOf(err) != toolerr.KindToolNotPermitted {
		t.Fatalf("err = %v, want tool-not-permitted", err)
	}
	if env.pool.calls.Load() != 0 {
		t.Error("denied call reached downstream")
	}
}

func TestCallEmptyAllowListDeniesAll(t *testing.T) {
	env := newTestEnv(t, permissiveLimits(), resilience.DefaultConfig())
	req := validRequest()
	req.AllowedTools = nil
	if _, err := env.d.Call(context.Background(), req); toolerr.KindOf(err) != toolerr.KindToolNotPermitted {
		t.Errorf("empty allow-list should deny, got %v", err)
	}
}

func TestCallValidationFailure(t *testing.T) {
	env := newTestEnv(t, permissiveLimits(), resilience.DefaultConfig())

	req := validRequest()
	req.Args = json.RawMessage(`{"path": "/tmp/a", "extra": true}`)
	_, err := env.d.Call(context.Background(), req)
	if toolerr.KindOf(err) != toolerr.KindValidationFailed {
		t.Fatalf("err = %v, want validation-failed", err)
	}
	if env.pool.calls.Load() != 0 {
		t.Error("invalid call reached downstream")
	}
}

func TestCallCircuitOpens(t *testing.T) {
	env := newTestEnv(t, permissiveLimits(),
		resilience.Config{Threshold: 2, Cooldown: time.Minute})
	env.pool.callErr = toolerr.New(toolerr.KindDownstreamFailure, "server hung up")

	for i := 0; i < 2; i++ {
		if _, err := env.d.Call(context.Background(), validRequest()); err == nil {
			t.Fatal("failing call should error")
		}
	}

	start := time.Now()
	_, err := env.d.Call(context.Background(), validRequest())
	if toolerr.KindOf(err) != toolerr.KindCircuitOpen {
		t.Fatalf("err after threshold = %v, want circuit-open", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("open-circuit rejection was not fast")
	}
	if env.pool.calls.Load() != 2 {
		t.Errorf("downstream calls = %d, want 2", env.pool.calls.Load())
	}
}

func TestCallQueueFullAudited(t *testing.T) {
	env := newTestEnv(t, permissiveLimits(), resilience.DefaultConfig())
	env.pool.acquireErr = toolerr.New(toolerr.KindQueueFull, "downstream call queue is full")

	_, err := env.d.Call(context.Background(), validRequest())
	if toolerr.KindOf(err) != toolerr.KindQueueFull {
		t.Fatalf("err = %v, want queue-full", err)
	}

	lines := auditLines(t, env.dir)
	var event audit.Event
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &event); err != nil {
		t.Fatal(err)
	}
	if event.Kind != audit.KindQueueFull || event.Outcome != audit.OutcomeRejected {
		t.Errorf("event = %+v, want queue-full/rejected", event)
	}
}

func lastAuditEvent(t *testing.T, dir string) audit.Event {
	t.Helper()
	lines := auditLines(t, dir)
	if len(lines) == 0 {
		t.Fatal("no audit lines written")
	}
	var event audit.Event
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &event); err != nil {
		t.Fatal(err)
	}
	return event
}

// Policy stops are audited as rejected; validation and timeout stops as
// failure.
func TestPipelineStopAuditOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(env *testEnv, req *Request)
		want    audit.Outcome
	}{
		{
			name:    "validation failure",
			prepare: func(_ *testEnv, req *Request) { req.Args = json.RawMessage(`{"path": 7}`) },
			want:    audit.OutcomeFailure,
		},
		{
			name: "queue timeout",
			prepare: func(env *testEnv, _ *Request) {
				env.pool.acquireErr = toolerr.New(toolerr.KindQueueTimeout, "queue wait deadline exceeded")
			},
			want: audit.OutcomeFailure,
		},
		{
			name:    "tool not permitted",
			prepare: func(_ *testEnv, req *Request) { req.AllowedTools = []string{"web.*"} },
			want:    audit.OutcomeRejected,
		},
		{
			name: "queue full",
			prepare: func(env *testEnv, _ *Request) {
				env.pool.acquireErr = toolerr.New(toolerr.KindQueueFull, "downstream call queue is full")
			},
			want: audit.OutcomeRejected,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, permissiveLimits(), resilience.DefaultConfig())
			req := validRequest()
			tt.prepare(env, req)

			if _, err := env.d.Call(context.Background(), req); err == nil {
				t.Fatal("stopped call should error")
			}
			if got := lastAuditEvent(t, env.dir).Outcome; got != tt.want {
				t.Errorf("audit outcome = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCallRateLimitedAuditedAsRejected(t *testing.T) {
	env := newTestEnv(t,
		ratelimit.Config{Enabled: true, MaxRequests: 1, Window: time.Minute, Burst: 1},
		resilience.DefaultConfig())

	if _, err := env.d.Call(context.Background(), validRequest()); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := env.d.Call(context.Background(), validRequest()); toolerr.KindOf(err) != toolerr.KindRateLimited {
		t.Fatalf("second call = %v, want rate-limited", err)
	}

	event := lastAuditEvent(t, env.dir)
	if event.Kind != audit.KindRateLimited || event.Outcome != audit.OutcomeRejected {
		t.Errorf("event = %+v, want rate-limited/rejected", event)
	}
}

func TestCallDedupConcurrentRetries(t *testing.T) {
	env := newTestEnv(t, permissiveLimits(), resilience.DefaultConfig())
	env.pool.delay = 50 * time.Millisecond

	req := validRequest()
	req.RequestID = "req-7"

	var wg sync.WaitGroup
	results := make([]*mcp.ToolCallResult, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.d.Call(context.Background(), req)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
		if results[i] == nil {
			t.Fatalf("call %d returned nil result", i)
		}
	}
	if n := env.pool.calls.Load(); n != 1 {
		t.Errorf("downstream calls = %d, want 1 (deduplicated)", n)
	}
}

func TestCallToolLevelErrorAuditedAsFailure(t *testing.T) {
	env := newTestEnv(t, permissiveLimits(), resilience.DefaultConfig())
	env.pool.result = &mcp.ToolCallResult{
		IsError: true,
		Content: []mcp.ToolResultContent{{Type: "text", Text: "no such file"}},
	}

	result, err := env.d.Call(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("tool-level error should not be a transport error: %v", err)
	}
	if !result.IsError {
		t.Error("IsError flag lost")
	}

	lines := auditLines(t, env.dir)
	var event audit.Event
	json.Unmarshal([]byte(lines[len(lines)-1]), &event)
	if event.Outcome != audit.OutcomeFailure {
		t.Errorf("outcome = %q, want failure", event.Outcome)
	}
}

func TestToolAllowedPatterns(t *testing.T) {
	tests := []struct {
		patterns []string
		tool     string
		want     bool
	}{
		{[]string{"fs.*"}, "fs.read_file", true},
		{[]string{"fs.read_file"}, "fs.read_file", true},
		{[]string{"fs.*"}, "web.fetch", false},
		{[]string{"*.read_file"}, "fs.read_file", true},
		{[]string{}, "fs.read_file", false},
		{[]string{"*"}, "fs.read_file", true}, // '*' stops at '/', not '.'
		{[]string{"*.*"}, "fs.read_file", true},
	}
	for _, tt := range tests {
		if got := ToolAllowed(tt.patterns, tt.tool); got != tt.want {
			t.Errorf("ToolAllowed(%v, %q) = %v, want %v", tt.patterns, tt.tool, got, tt.want)
		}
	}
}
