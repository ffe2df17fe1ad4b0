// Package mcp implements the Model Context Protocol client side: transports,
// per-server clients, and the connection pool that fronts all downstream
// tool servers.
package mcp

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Muhumuree/code-executor-MCP/internal/pathsafe"
)

// TransportType specifies the downstream transport protocol.
type TransportType string

const (
	TransportStdio TransportType = "stdio"
	TransportHTTP  TransportType = "http"
)

// serverNamePattern restricts server names so that fully-qualified tool
// names (<server>.<tool>) stay unambiguous.
var serverNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ServerConfig holds the configuration of one downstream tool server.
type ServerConfig struct {
	Name      string        `yaml:"name" json:"name"`
	Transport TransportType `yaml:"transport" json:"transport"`

	// Stdio transport options
	Command string            `yaml:"command" json:"command,omitempty"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
	WorkDir string            `yaml:"workdir" json:"workdir,omitempty"`

	// HTTP transport options
	URL     string            `yaml:"url" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`

	// Timeout bounds each downstream call.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// Validate checks the server configuration for completeness and command
// injection hazards.
func (c *ServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("server name is required")
	}
	if !serverNamePattern.MatchString(c.Name) {
		return fmt.Errorf("server name %q may only contain letters, digits, '_' and '-'", c.Name)
	}

	switch c.Transport {
	case TransportStdio, "":
		if err := c.validateStdio(); err != nil {
			return fmt.Errorf("stdio config for %s: %w", c.Name, err)
		}
	case TransportHTTP:
		if err := c.validateHTTP(); err != nil {
			return fmt.Errorf("http config for %s: %w", c.Name, err)
		}
	default:
		return fmt.Errorf("server %s: unknown transport %q", c.Name, c.Transport)
	}
	return nil
}

func (c *ServerConfig) validateStdio() error {
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}
	if err := pathsafe.ValidateCommand(c.Command); err != nil {
		return err
	}
	if c.WorkDir != "" && strings.Contains(c.WorkDir, "..") {
		return fmt.Errorf("workdir contains path traversal: %q", c.WorkDir)
	}
	for i, arg := range c.Args {
		if containsShellMetachars(arg) {
			return fmt.Errorf("arg[%d] contains suspicious shell metacharacters: %q", i, arg)
		}
	}
	return nil
}

func (c *ServerConfig) validateHTTP() error {
	if c.URL == "" {
		return fmt.Errorf("URL is required")
	}
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return fmt.Errorf("URL must start with http:// or https://")
	}
	return nil
}

// containsShellMetachars flags patterns suggesting command chaining. Spaces
// and quotes stay legal since they are common in legitimate args.
func containsShellMetachars(s string) bool {
	dangerous := []string{
		"$(", "${",
		"`",
		"&&", "||",
		";",
		"|",
		">", "<",
		"\n", "\r",
	}
	for _, pattern := range dangerous {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// JoinToolName builds the fully-qualified tool name <server>.<tool>.
func JoinToolName(server, tool string) string {
	return server + "." + tool
}

// SplitToolName splits a fully-qualified tool name into its server and bare
// tool parts. The server part never contains '.'; everything after the first
// '.' is the bare tool name.
func SplitToolName(name string) (server, tool string, err error) {
	server, tool, ok := strings.Cut(name, ".")
	if !ok || server == "" || tool == "" {
		return "", "", fmt.Errorf("tool name %q is not of the form <server>.<tool>", name)
	}
	return server, tool, nil
}

// Tool is a tool exposed by a downstream server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolCallResult holds the result of calling a downstream tool.
type ToolCallResult struct {
	Content []ToolResultContent `json:"content"`
	IsError bool                `json:"isError,omitempty"`
}

// ToolResultContent holds one piece of content from a tool result.
type ToolResultContent struct {
	Type     string `json:"type"` // text | image | resource
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// SamplingRequest is a server-initiated request for model completion.
type SamplingRequest struct {
	Messages     []SamplingMessage `json:"messages"`
	SystemPrompt string            `json:"systemPrompt,omitempty"`
	MaxTokens    int               `json:"maxTokens,omitempty"`
	Model        string            `json:"model,omitempty"`
}

// SamplingMessage is one message in a sampling request.
type SamplingMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent holds message content.
type MessageContent struct {
	Type     string `json:"type"` // text | image
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// SamplingResponse is the client's answer to a sampling request.
type SamplingResponse struct {
	Role       string         `json:"role"`
	Content    MessageContent `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stopReason,omitempty"`
}

// JSON-RPC types

// JSONRPCRequest is a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCNotification is a JSON-RPC 2.0 notification (no ID).
type JSONRPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCError is a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// ServerInfo identifies a downstream server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult holds the result of the initialize method.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ServerInfo      ServerInfo      `json:"serverInfo"`
}

// ListToolsResult holds the result of tools/list.
type ListToolsResult struct {
	Tools []*Tool `json:"tools"`
}

// CallToolParams holds parameters for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}
