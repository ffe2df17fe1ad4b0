package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// protocolVersion is the MCP protocol revision this client speaks.
const protocolVersion = "2024-11-05"

// Client connects to a single downstream tool server.
type Client struct {
	config    *ServerConfig
	transport Transport
	logger    *slog.Logger

	mu         sync.RWMutex
	tools      []*Tool
	serverInfo ServerInfo
}

// NewClient creates a client for cfg.
func NewClient(cfg *ServerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:    cfg,
		transport: NewTransport(cfg),
		logger:    logger.With("server", cfg.Name),
	}
}

// newClientWithTransport supports tests that inject a fake transport.
func newClientWithTransport(cfg *ServerConfig, tr Transport, logger *slog.Logger) *Client {
	c := NewClient(cfg, logger)
	c.transport = tr
	return c
}

// Connect establishes the transport and performs the initialize handshake.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "code-executor",
			"version": "1.0.0",
		},
	})
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		c.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}
	c.mu.Lock()
	c.serverInfo = initResult.ServerInfo
	c.mu.Unlock()

	c.logger.Info("connected to tool server",
		"name", initResult.ServerInfo.Name,
		"version", initResult.ServerInfo.Version,
		"protocol", initResult.ProtocolVersion)

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	if err := c.RefreshTools(ctx); err != nil {
		c.logger.Warn("initial tool discovery failed", "error", err)
	}
	return nil
}

// Close closes the transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Config returns the server configuration.
func (c *Client) Config() *ServerConfig {
	return c.config
}

// ServerInfo returns the connected server's identity.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Connected reports whether the transport is up.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// RefreshTools re-fetches the server's tool list.
func (c *Client) RefreshTools(ctx context.Context) error {
	result, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	var resp ListToolsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return fmt.Errorf("parse tools/list result: %w", err)
	}

	c.mu.Lock()
	c.tools = resp.Tools
	c.mu.Unlock()
	c.logger.Debug("refreshed tools", "count", len(resp.Tools))
	return nil
}

// Tools returns the cached tool list from the last refresh.
func (c *Client) Tools() []*Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// FindTool returns the cached tool with the given bare name, refreshing the
// list once when the tool is unknown.
func (c *Client) FindTool(ctx context.Context, bare string) (*Tool, error) {
	if t := c.lookupTool(bare); t != nil {
		return t, nil
	}
	if err := c.RefreshTools(ctx); err != nil {
		return nil, err
	}
	if t := c.lookupTool(bare); t != nil {
		return t, nil
	}
	return nil, fmt.Errorf("tool %q not found on server %s", bare, c.config.Name)
}

func (c *Client) lookupTool(bare string) *Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.tools {
		if t.Name == bare {
			return t
		}
	}
	return nil
}

// CallTool invokes a tool by its bare name with raw JSON arguments.
func (c *Client) CallTool(ctx context.Context, bare string, args json.RawMessage) (*ToolCallResult, error) {
	params := CallToolParams{Name: bare, Arguments: args}

	result, err := c.transport.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse tool result: %w", err)
	}
	return &callResult, nil
}

// SamplingHandler processes server-initiated sampling requests.
type SamplingHandler func(ctx context.Context, server string, req *SamplingRequest) (*SamplingResponse, error)

// HandleSampling consumes server-initiated requests, routing
// sampling/createMessage to the handler.
func (c *Client) HandleSampling(handler SamplingHandler) {
	if handler == nil {
		return
	}
	go func() {
		for req := range c.transport.Requests() {
			if req == nil || req.Method != "sampling/createMessage" {
				continue
			}
			go c.handleSamplingRequest(req, handler)
		}
	}()
}

func (c *Client) handleSamplingRequest(req *JSONRPCRequest, handler SamplingHandler) {
	timeout := c.config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var params SamplingRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			_ = c.transport.Respond(ctx, req.ID, nil, &JSONRPCError{
				Code:    ErrCodeInvalidParams,
				Message: "invalid sampling params",
			})
			return
		}
	}

	response, err := handler(ctx, c.config.Name, &params)
	if err != nil {
		_ = c.transport.Respond(ctx, req.ID, nil, &JSONRPCError{
			Code:    ErrCodeInternalError,
			Message: err.Error(),
		})
		return
	}
	if response == nil {
		_ = c.transport.Respond(ctx, req.ID, nil, &JSONRPCError{
			Code:    ErrCodeInternalError,
			Message: "sampling handler returned no response",
		})
		return
	}
	if err := c.transport.Respond(ctx, req.ID, response, nil); err != nil {
		c.logger.Warn("failed to respond to sampling request", "error", err)
	}
}
