package mcp

import (
	"context"
	"encoding/json"
)

// Transport is a JSON-RPC connection to one downstream server.
type Transport interface {
	// Connect establishes the transport connection.
	Connect(ctx context.Context) error

	// Close closes the transport connection.
	Close() error

	// Call sends a request and waits for a response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Events returns a channel for notifications from the server.
	Events() <-chan *JSONRPCNotification

	// Requests returns a channel for server-initiated requests.
	Requests() <-chan *JSONRPCRequest

	// Respond answers a server-initiated request.
	Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error

	// Connected reports whether the transport is connected.
	Connected() bool
}

// NewTransport creates a transport for the server configuration.
func NewTransport(cfg *ServerConfig) Transport {
	switch cfg.Transport {
	case TransportHTTP:
		return NewHTTPTransport(cfg)
	default:
		return NewStdioTransport(cfg)
	}
}
