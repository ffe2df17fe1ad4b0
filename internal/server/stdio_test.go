package server

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/Muhumuree/code-executor-MCP/internal/mcp"
)

// syncBuffer serializes writes so the test can read concurrently-produced
// output after Run returns.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func runStdio(t *testing.T, exec *fakeExecutor, input string) []mcp.JSONRPCResponse {
	t.Helper()
	out := &syncBuffer{}
	stdio := NewStdio(newTestServer(exec), strings.NewReader(input), out, discardLogger())
	if err := stdio.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var responses []mcp.JSONRPCResponse
	for _, line := range out.Lines() {
		var resp mcp.JSONRPCResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("bad response line %q: %v", line, err)
		}
		responses = append(responses, resp)
	}
	return responses
}

func TestStdioExecute(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"execute","params":{"language":"javascript","code":"x","allowedTools":["srv-1.*"]}}` + "\n"
	responses := runStdio(t, &fakeExecutor{}, input)
	if len(responses) != 1 {
		t.Fatalf("responses = %d", len(responses))
	}
	resp := responses[0]
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	var result ExecuteResponse
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.Status != "succeeded" || result.Stdout != "42\n" {
		t.Errorf("result = %+v", result)
	}
}

func TestStdioMethodNotFound(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":2,"method":"bogus"}` + "\n"
	responses := runStdio(t, &fakeExecutor{}, input)
	if len(responses) != 1 || responses[0].Error == nil ||
		responses[0].Error.Code != mcp.ErrCodeMethodNotFound {
		t.Errorf("responses = %+v", responses)
	}
}

func TestStdioParseError(t *testing.T) {
	responses := runStdio(t, &fakeExecutor{}, "not json\n")
	if len(responses) != 1 || responses[0].Error == nil ||
		responses[0].Error.Code != mcp.ErrCodeParseError {
		t.Errorf("responses = %+v", responses)
	}
}

func TestStdioValidationMapsToInvalidParams(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":3,"method":"execute","params":{"language":"cobol","code":"x"}}` + "\n"
	responses := runStdio(t, &fakeExecutor{}, input)
	if len(responses) != 1 || responses[0].Error == nil ||
		responses[0].Error.Code != mcp.ErrCodeInvalidParams {
		t.Errorf("responses = %+v", responses)
	}
}

func TestStdioMultipleRequests(t *testing.T) {
	var input strings.Builder
	input.WriteString(`{"jsonrpc":"2.0","id":"a","method":"execute","params":{"language":"javascript","code":"1"}}` + "\n")
	input.WriteString(`{"jsonrpc":"2.0","id":"b","method":"execute","params":{"language":"javascript","code":"2"}}` + "\n")

	responses := runStdio(t, &fakeExecutor{}, input.String())
	if len(responses) != 2 {
		t.Fatalf("responses = %d, want 2", len(responses))
	}
	seen := map[string]bool{}
	for _, resp := range responses {
		id, _ := resp.ID.(string)
		seen[id] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Errorf("ids = %v", seen)
	}
}

func TestStdioBlankLinesIgnored(t *testing.T) {
	input := "\n\n" + `{"jsonrpc":"2.0","id":1,"method":"execute","params":{"language":"javascript","code":"x"}}` + "\n\n"
	responses := runStdio(t, &fakeExecutor{}, input)
	if len(responses) != 1 {
		t.Errorf("responses = %d, want 1", len(responses))
	}
}
