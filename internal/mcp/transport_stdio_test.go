package mcp

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestStdioCallFailsFastWhenProcessDies(t *testing.T) {
	tr := NewStdioTransport(&ServerConfig{
		Name:    "dying",
		Command: "/bin/sh",
		Args:    []string{"-c", "read _; exit 3"},
		Timeout: 30 * time.Second,
	})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	// The subprocess consumes the request line and exits without
	// answering. The call must fail as soon as stdout closes, not after
	// the 30s per-call timeout.
	start := time.Now()
	_, err := tr.Call(context.Background(), "tools/list", nil)
	if err == nil {
		t.Fatal("call against a dead process should fail")
	}
	if !strings.Contains(err.Error(), "transport closed") {
		t.Errorf("err = %v, want transport closed", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("call took %v, want prompt failure on process exit", elapsed)
	}
	if tr.Connected() {
		t.Error("transport still reports connected after stdout closed")
	}
}

func TestStdioFailPendingWakesAllWaiters(t *testing.T) {
	tr := NewStdioTransport(&ServerConfig{Name: "x", Command: "/bin/true"})
	ch1 := make(chan *JSONRPCResponse, 1)
	ch2 := make(chan *JSONRPCResponse, 1)
	tr.pending[1] = ch1
	tr.pending[2] = ch2

	tr.failPending()

	for _, ch := range []chan *JSONRPCResponse{ch1, ch2} {
		select {
		case resp := <-ch:
			if resp.Error == nil || resp.Error.Message != "transport closed" {
				t.Errorf("resp = %+v, want transport-closed error", resp)
			}
		default:
			t.Fatal("pending waiter not woken")
		}
	}
	if len(tr.pending) != 0 {
		t.Errorf("pending map not drained: %d entries", len(tr.pending))
	}
}
