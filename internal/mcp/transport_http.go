package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Muhumuree/code-executor-MCP/internal/backoff"
)

// HTTPTransport speaks JSON-RPC over HTTP POST, with an SSE stream for
// server-initiated traffic. The SSE connection reconnects with exponential
// backoff; the attempt counter resets after a successful connection.
type HTTPTransport struct {
	config *ServerConfig
	logger *slog.Logger
	client *http.Client

	events    chan *JSONRPCNotification
	requests  chan *JSONRPCRequest
	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup

	reconnect backoff.Policy
}

// NewHTTPTransport creates an HTTP transport for cfg.
func NewHTTPTransport(cfg *ServerConfig) *HTTPTransport {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &HTTPTransport{
		config:    cfg,
		logger:    slog.Default().With("server", cfg.Name, "transport", "http"),
		client:    &http.Client{Timeout: timeout},
		events:    make(chan *JSONRPCNotification, 100),
		requests:  make(chan *JSONRPCRequest, 100),
		stopChan:  make(chan struct{}),
		reconnect: backoff.ReconnectPolicy(),
	}
}

// Connect marks the transport ready and starts the SSE listener.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	if t.config.URL == "" {
		return fmt.Errorf("URL is required for http transport")
	}

	t.connected.Store(true)
	t.logger.Info("http transport ready", "url", t.config.URL)

	t.wg.Add(1)
	go t.sseLoop(ctx)

	return nil
}

// Close stops the SSE listener.
func (t *HTTPTransport) Close() error {
	t.connected.Store(false)
	close(t.stopChan)
	t.wg.Wait()
	return nil
}

// Call sends a request and decodes the response.
func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("not connected")
	}

	req := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      uuid.New().String(),
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	respBody, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	var rpcResp JSONRPCResponse
	if err := json.NewDecoder(respBody).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("downstream error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// Notify sends a notification.
func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}

	notif := JSONRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}

	body, err := t.post(ctx, notif)
	if err != nil {
		return err
	}
	body.Close()
	return nil
}

// Respond answers a server-initiated request received over SSE.
func (t *HTTPTransport) Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}
	resp := JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil && result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resp.Result = data
	}
	body, err := t.post(ctx, resp)
	if err != nil {
		return err
	}
	body.Close()
	return nil
}

// post sends v as a JSON POST and returns the response body on 200.
func (t *HTTPTransport) post(ctx context.Context, v any) (io.ReadCloser, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.config.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	return resp.Body, nil
}

// Events returns the notification channel.
func (t *HTTPTransport) Events() <-chan *JSONRPCNotification {
	return t.events
}

// Requests returns the server-initiated request channel.
func (t *HTTPTransport) Requests() <-chan *JSONRPCRequest {
	return t.requests
}

// Connected reports whether the transport is connected.
func (t *HTTPTransport) Connected() bool {
	return t.connected.Load()
}

// sseLoop keeps the SSE stream alive, backing off between attempts.
func (t *HTTPTransport) sseLoop(ctx context.Context) {
	defer t.wg.Done()

	sseURL := strings.TrimSuffix(t.config.URL, "/") + "/sse"
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopChan:
			return
		default:
		}

		if t.connectSSE(ctx, sseURL) {
			attempt = 0
		}
		attempt++

		delay := t.reconnect.Delay(attempt)
		select {
		case <-ctx.Done():
			return
		case <-t.stopChan:
			return
		case <-time.After(delay):
		}
	}
}

// connectSSE holds one SSE connection open, reporting whether it ever
// established.
func (t *HTTPTransport) connectSSE(ctx context.Context, sseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sseURL, nil)
	if err != nil {
		t.logger.Debug("failed to create SSE request", "error", err)
		return false
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}

	// The stream outlives the per-call timeout.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		t.logger.Debug("SSE connection failed", "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.logger.Debug("SSE returned non-200", "status", resp.StatusCode)
		return false
	}

	t.logger.Debug("SSE connected", "url", sseURL)

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return true
		case <-t.stopChan:
			return true
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		t.processSSEData(strings.TrimPrefix(line, "data: "))
	}

	if err := scanner.Err(); err != nil {
		t.logger.Debug("SSE scanner error", "error", err)
	}
	return true
}

func (t *HTTPTransport) processSSEData(data string) {
	var envelope struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      any             `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}
	if err := json.Unmarshal([]byte(data), &envelope); err != nil {
		return
	}
	if envelope.Method == "" {
		return
	}
	if envelope.ID != nil {
		req := &JSONRPCRequest{JSONRPC: envelope.JSONRPC, ID: envelope.ID, Method: envelope.Method, Params: envelope.Params}
		select {
		case t.requests <- req:
		default:
			t.logger.Warn("request channel full, dropping")
		}
		return
	}
	notif := &JSONRPCNotification{JSONRPC: envelope.JSONRPC, Method: envelope.Method, Params: envelope.Params}
	select {
	case t.events <- notif:
	default:
		t.logger.Warn("notification channel full, dropping")
	}
}
