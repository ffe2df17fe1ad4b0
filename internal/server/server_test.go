package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Muhumuree/code-executor-MCP/internal/bridge"
	"github.com/Muhumuree/code-executor-MCP/internal/config"
	"github.com/Muhumuree/code-executor-MCP/internal/mcp"
	"github.com/Muhumuree/code-executor-MCP/internal/sandbox"
	"github.com/Muhumuree/code-executor-MCP/internal/toolerr"
)

type fakeExecutor struct {
	result   *sandbox.Result
	err      error
	lastSpec *sandbox.Spec
	delay    time.Duration
}

func (f *fakeExecutor) Run(ctx context.Context, spec *sandbox.Spec) (*sandbox.Result, error) {
	f.lastSpec = spec
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return &sandbox.Result{Status: sandbox.StatusCancelled, ToolCalls: emptySummary()}, nil
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &sandbox.Result{
		Status:    sandbox.StatusSucceeded,
		Stdout:    "42\n",
		Duration:  12 * time.Millisecond,
		ToolCalls: bridge.Summary{Total: 1, PerTool: map[string]int{"srv-1.tool-A": 1}},
	}, nil
}

func (f *fakeExecutor) Languages() []string { return []string{"javascript", "wasm"} }

func emptySummary() bridge.Summary {
	return bridge.Summary{PerTool: map[string]int{}}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(exec *fakeExecutor) *Server {
	return New(Options{
		Config: config.ServerConfig{
			Listen:        "127.0.0.1:0",
			Mode:          "http",
			ShutdownGrace: 200 * time.Millisecond,
		},
		Executor: exec,
		Logger:   discardLogger(),
	})
}

func postExecute(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/execute", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestExecuteHTTPSuccess(t *testing.T) {
	exec := &fakeExecutor{}
	ts := httptest.NewServer(newTestServer(exec).Handler())
	defer ts.Close()

	resp := postExecute(t, ts, `{
		"language": "javascript",
		"code": "callTool('srv-1.tool-A', {x: 1})",
		"allowedTools": ["srv-1.*"],
		"timeoutMs": 5000
	}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body ExecuteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "succeeded" || body.Stdout != "42\n" {
		t.Errorf("response = %+v", body)
	}
	if body.ToolCallSummary.Total != 1 || body.ToolCallSummary.PerTool["srv-1.tool-A"] != 1 {
		t.Errorf("summary = %+v", body.ToolCallSummary)
	}

	if exec.lastSpec.ExecutionID == "" {
		t.Error("execution id not assigned")
	}
	if exec.lastSpec.Timeout != 5*time.Second {
		t.Errorf("timeout = %v", exec.lastSpec.Timeout)
	}
	if len(exec.lastSpec.AllowedTools) != 1 || exec.lastSpec.AllowedTools[0] != "srv-1.*" {
		t.Errorf("allow-list = %v", exec.lastSpec.AllowedTools)
	}
}

func TestExecuteHTTPValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"missing language", `{"code": "x"}`},
		{"unknown language", `{"language": "cobol", "code": "x"}`},
		{"missing code", `{"language": "javascript"}`},
		{"timeout too small", `{"language": "javascript", "code": "x", "timeoutMs": 500}`},
		{"timeout too large", `{"language": "javascript", "code": "x", "timeoutMs": 700000}`},
	}

	ts := httptest.NewServer(newTestServer(&fakeExecutor{}).Handler())
	defer ts.Close()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postExecute(t, ts, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			var body struct {
				Error *ResponseError `json:"error"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.Error == nil || body.Error.Kind != string(toolerr.KindValidationFailed) {
				t.Errorf("error = %+v", body.Error)
			}
		})
	}
}

func TestExecuteCodeTooLarge(t *testing.T) {
	ts := httptest.NewServer(newTestServer(&fakeExecutor{}).Handler())
	defer ts.Close()

	req := map[string]any{"language": "javascript", "code": strings.Repeat("a", config.MaxCodeBytes+1)}
	payload, _ := json.Marshal(req)
	resp, err := http.Post(ts.URL+"/execute", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestExecuteTimedOutMapsError(t *testing.T) {
	exec := &fakeExecutor{result: &sandbox.Result{
		Status:    sandbox.StatusTimedOut,
		Duration:  1100 * time.Millisecond,
		ToolCalls: emptySummary(),
	}}
	ts := httptest.NewServer(newTestServer(exec).Handler())
	defer ts.Close()

	resp := postExecute(t, ts, `{"language": "javascript", "code": "while(1){}", "timeoutMs": 1000}`)
	var body ExecuteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "timed-out" {
		t.Errorf("status = %q", body.Status)
	}
	if body.Error == nil || body.Error.Kind != string(toolerr.KindSandboxTimeout) {
		t.Errorf("error = %+v", body.Error)
	}
	if body.ToolCallSummary.Total != 0 {
		t.Errorf("summary = %+v", body.ToolCallSummary)
	}
}

func TestExecuteFailedMapsError(t *testing.T) {
	exec := &fakeExecutor{result: &sandbox.Result{
		Status: sandbox.StatusFailed, ExitCode: 3, ToolCalls: emptySummary(),
	}}
	ts := httptest.NewServer(newTestServer(exec).Handler())
	defer ts.Close()

	resp := postExecute(t, ts, `{"language": "javascript", "code": "throw 1"}`)
	var body ExecuteResponse
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Error == nil || body.Error.Kind != string(toolerr.KindSandboxCrash) {
		t.Errorf("error = %+v", body.Error)
	}
}

func TestExecutePermissionsForwarded(t *testing.T) {
	exec := &fakeExecutor{}
	ts := httptest.NewServer(newTestServer(exec).Handler())
	defer ts.Close()

	postExecute(t, ts, `{
		"language": "javascript",
		"code": "x",
		"permissions": {"readPaths": ["/data"], "networkHosts": true}
	}`)
	if len(exec.lastSpec.Permissions) == 0 {
		t.Fatal("permissions not forwarded")
	}
	var perms Permissions
	if err := json.Unmarshal(exec.lastSpec.Permissions, &perms); err != nil {
		t.Fatal(err)
	}
	if len(perms.ReadPaths) != 1 || perms.ReadPaths[0] != "/data" {
		t.Errorf("readPaths = %v", perms.ReadPaths)
	}
	if perms.NetworkHosts == nil || !perms.NetworkHosts.All {
		t.Errorf("networkHosts = %+v", perms.NetworkHosts)
	}
}

type fakeStatus struct{ statuses []mcp.ServerStatus }

func (f *fakeStatus) Status() []mcp.ServerStatus { return f.statuses }

func TestHealthz(t *testing.T) {
	s := New(Options{
		Config:   config.ServerConfig{Listen: "127.0.0.1:0"},
		Executor: &fakeExecutor{},
		Status:   &fakeStatus{statuses: []mcp.ServerStatus{{Name: "fs", Connected: true}}},
		Logger:   discardLogger(),
	})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || len(body.Servers) != 1 || body.Servers[0].Name != "fs" {
		t.Errorf("health = %+v", body)
	}
}

func TestRunShutdownRejectsNewWork(t *testing.T) {
	s := newTestServer(&fakeExecutor{})
	ctx, cancel := context.WithCancel(context.Background())

	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run returned %v on clean shutdown", err)
		}
	case <-time.After(shutdownCeiling + time.Second):
		t.Fatal("shutdown exceeded the hard ceiling")
	}

	_, err := s.Execute(context.Background(), &ExecuteRequest{Language: "javascript", Code: "x"}, "c1")
	if toolerr.KindOf(err) != toolerr.KindShutdown {
		t.Errorf("execute after shutdown = %v, want shutdown error", err)
	}
}

func TestValidateTable(t *testing.T) {
	languages := []string{"javascript", "wasm"}
	tests := []struct {
		name string
		req  ExecuteRequest
		ok   bool
	}{
		{"valid", ExecuteRequest{Language: "javascript", Code: "x"}, true},
		{"valid with timeout", ExecuteRequest{Language: "wasm", Code: "x", TimeoutMs: 60000}, true},
		{"no language", ExecuteRequest{Code: "x"}, false},
		{"unknown language", ExecuteRequest{Language: "ruby", Code: "x"}, false},
		{"no code", ExecuteRequest{Language: "javascript"}, false},
		{"timeout floor", ExecuteRequest{Language: "javascript", Code: "x", TimeoutMs: 999}, false},
		{"timeout ceiling", ExecuteRequest{Language: "javascript", Code: "x", TimeoutMs: 600001}, false},
		{"timeout bounds", ExecuteRequest{Language: "javascript", Code: "x", TimeoutMs: 600000}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate(languages)
			if (err == nil) != tt.ok {
				t.Errorf("Validate = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestListOrBool(t *testing.T) {
	var l ListOrBool
	if err := json.Unmarshal([]byte(`true`), &l); err != nil || !l.All {
		t.Errorf("bool form: %v %+v", err, l)
	}
	if err := json.Unmarshal([]byte(`["a","b"]`), &l); err != nil || l.All || len(l.List) != 2 {
		t.Errorf("list form: %v %+v", err, l)
	}
	if err := json.Unmarshal([]byte(`42`), &l); err == nil {
		t.Error("number form should fail")
	}
}
