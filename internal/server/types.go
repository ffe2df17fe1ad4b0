// Package server exposes the execute operation on the HTTP and stdio
// front-ends and owns graceful shutdown.
package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Muhumuree/code-executor-MCP/internal/bridge"
	"github.com/Muhumuree/code-executor-MCP/internal/config"
	"github.com/Muhumuree/code-executor-MCP/internal/toolerr"
)

// ExecuteRequest is the wire shape of one execute request, shared by the
// HTTP body and the stdio JSON-RPC params.
type ExecuteRequest struct {
	Language     string       `json:"language"`
	Code         string       `json:"code"`
	AllowedTools []string     `json:"allowedTools"`
	TimeoutMs    int64        `json:"timeoutMs,omitempty"`
	Permissions  *Permissions `json:"permissions,omitempty"`
}

// Permissions narrows what the engine runtime grants the program. The
// orchestrator validates the shape and forwards it; enforcement is the
// runtime's job.
type Permissions struct {
	ReadPaths    []string    `json:"readPaths,omitempty"`
	WritePaths   *ListOrBool `json:"writePaths,omitempty"`
	NetworkHosts *ListOrBool `json:"networkHosts,omitempty"`
}

// ListOrBool accepts either a string list or a boolean on the wire.
type ListOrBool struct {
	All  bool
	List []string
}

func (l *ListOrBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		l.All = b
		l.List = nil
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		l.All = false
		l.List = list
		return nil
	}
	return fmt.Errorf("expected boolean or string array")
}

func (l ListOrBool) MarshalJSON() ([]byte, error) {
	if l.List != nil {
		return json.Marshal(l.List)
	}
	return json.Marshal(l.All)
}

// Validate checks the request against the wire contract. The language set
// comes from the configured engines.
func (r *ExecuteRequest) Validate(languages []string) error {
	if r.Language == "" {
		return toolerr.New(toolerr.KindValidationFailed, "language is required")
	}
	known := false
	for _, lang := range languages {
		if lang == r.Language {
			known = true
			break
		}
	}
	if !known {
		return toolerr.Newf(toolerr.KindValidationFailed,
			"language %q is not available; configured: %v", r.Language, languages)
	}
	if r.Code == "" {
		return toolerr.New(toolerr.KindValidationFailed, "code is required")
	}
	if len(r.Code) > config.MaxCodeBytes {
		return toolerr.Newf(toolerr.KindValidationFailed,
			"code size %d exceeds the %d byte limit", len(r.Code), config.MaxCodeBytes)
	}
	if r.TimeoutMs != 0 {
		timeout := time.Duration(r.TimeoutMs) * time.Millisecond
		if timeout < config.MinTimeout || timeout > config.MaxTimeout {
			return toolerr.Newf(toolerr.KindValidationFailed,
				"timeoutMs %d outside [%d, %d]",
				r.TimeoutMs, config.MinTimeout.Milliseconds(), config.MaxTimeout.Milliseconds())
		}
	}
	return nil
}

// Timeout returns the requested wall clock, or zero for the default.
func (r *ExecuteRequest) Timeout() time.Duration {
	if r.TimeoutMs == 0 {
		return 0
	}
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// ExecuteResponse is the wire shape of one execute result.
type ExecuteResponse struct {
	Status          string         `json:"status"`
	Stdout          string         `json:"stdout"`
	Stderr          string         `json:"stderr"`
	ExecutionTimeMs int64          `json:"executionTimeMs"`
	ToolCallSummary bridge.Summary `json:"toolCallSummary"`
	Error           *ResponseError `json:"error,omitempty"`
}

// ResponseError carries a typed failure to the client.
type ResponseError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func responseError(err error) *ResponseError {
	te := toolerr.AsError(err)
	return &ResponseError{Kind: string(te.Kind), Message: te.Message}
}
