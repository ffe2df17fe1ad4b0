package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Muhumuree/code-executor-MCP/internal/backoff"
	"github.com/Muhumuree/code-executor-MCP/internal/queue"
	"github.com/Muhumuree/code-executor-MCP/internal/toolerr"
)

// PoolConfig bounds concurrent downstream calls.
type PoolConfig struct {
	// MaxConcurrent caps in-flight downstream calls across all servers.
	MaxConcurrent int `yaml:"max_concurrent"`
	// QueueSize caps calls waiting for a slot.
	QueueSize int `yaml:"queue_size"`
	// QueueTimeout bounds how long a call may wait in the queue.
	QueueTimeout time.Duration `yaml:"queue_timeout"`
}

// DefaultPoolConfig returns the pool defaults: 100 concurrent, 200 queued,
// 30s queue timeout.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{MaxConcurrent: 100, QueueSize: 200, QueueTimeout: 30 * time.Second}
}

func (c *PoolConfig) normalize() {
	d := DefaultPoolConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = d.QueueTimeout
	}
}

// ServerStatus reports the health of one configured server.
type ServerStatus struct {
	Name      string     `json:"name"`
	Transport string     `json:"transport"`
	Connected bool       `json:"connected"`
	Info      ServerInfo `json:"info"`
	Tools     int        `json:"tools"`
}

// Pool owns all downstream server connections and the global concurrency
// gate in front of them. Callers Acquire a slot before a downstream call
// and Release it after; saturated calls wait in a bounded FIFO queue.
type Pool struct {
	cfg      PoolConfig
	logger   *slog.Logger
	sampling SamplingHandler

	mu      sync.RWMutex
	clients map[string]*Client
	configs map[string]*ServerConfig

	// admitMu guards active and orders slot handoff with queue operations.
	admitMu sync.Mutex
	active  int
	queue   *queue.Queue

	onActive func(int)

	reconnect backoff.Policy
	attempts  map[string]int
	nextTry   map[string]time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates a pool with the given limits.
func NewPool(cfg PoolConfig, logger *slog.Logger) *Pool {
	cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:       cfg,
		logger:    logger.With("component", "pool"),
		clients:   make(map[string]*Client),
		configs:   make(map[string]*ServerConfig),
		queue:     queue.New(cfg.QueueSize),
		reconnect: backoff.ReconnectPolicy(),
		attempts:  make(map[string]int),
		nextTry:   make(map[string]time.Time),
		stopChan:  make(chan struct{}),
	}
}

// SetSamplingHandler installs the handler given to every client for
// server-initiated sampling. Must be called before Start.
func (p *Pool) SetSamplingHandler(h SamplingHandler) {
	p.sampling = h
}

// SetActiveObserver installs a callback observing the in-flight call count.
func (p *Pool) SetActiveObserver(fn func(int)) {
	p.admitMu.Lock()
	defer p.admitMu.Unlock()
	p.onActive = fn
}

// SetQueueDepthObserver installs a callback observing queue depth.
func (p *Pool) SetQueueDepthObserver(fn func(int)) {
	p.queue.SetDepthObserver(fn)
}

// Start connects to every configured server and begins health monitoring.
// Individual connection failures are logged, not fatal; the health loop
// keeps retrying them.
func (p *Pool) Start(ctx context.Context, servers []*ServerConfig) error {
	for _, cfg := range servers {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid server config: %w", err)
		}
	}

	for _, cfg := range servers {
		p.mu.Lock()
		p.configs[cfg.Name] = cfg
		p.mu.Unlock()

		if err := p.connect(ctx, cfg); err != nil {
			p.logger.Error("failed to connect to tool server",
				"server", cfg.Name,
				"error", err)
		}
	}

	p.queue.StartCleaner(time.Second)
	p.wg.Add(1)
	go p.healthLoop()
	return nil
}

// connect dials one server and registers its client.
func (p *Pool) connect(ctx context.Context, cfg *ServerConfig) error {
	client := NewClient(cfg, p.logger)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	if p.sampling != nil {
		client.HandleSampling(p.sampling)
	}

	p.mu.Lock()
	if old, ok := p.clients[cfg.Name]; ok {
		old.Close()
	}
	p.clients[cfg.Name] = client
	p.mu.Unlock()
	return nil
}

// healthLoop reconnects downed servers with exponential backoff.
func (p *Pool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.reconnectDown()
		}
	}
}

func (p *Pool) reconnectDown() {
	p.mu.RLock()
	var down []*ServerConfig
	for name, cfg := range p.configs {
		client, ok := p.clients[name]
		if !ok || !client.Connected() {
			down = append(down, cfg)
		}
	}
	p.mu.RUnlock()

	now := time.Now()
	for _, cfg := range down {
		p.mu.Lock()
		if next, ok := p.nextTry[cfg.Name]; ok && now.Before(next) {
			p.mu.Unlock()
			continue
		}
		p.attempts[cfg.Name]++
		attempt := p.attempts[cfg.Name]
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := p.connect(ctx, cfg)
		cancel()

		p.mu.Lock()
		if err != nil {
			p.nextTry[cfg.Name] = time.Now().Add(p.reconnect.Delay(attempt))
			p.mu.Unlock()
			p.logger.Warn("reconnect attempt failed",
				"server", cfg.Name,
				"attempt", attempt,
				"error", err)
			continue
		}
		delete(p.attempts, cfg.Name)
		delete(p.nextTry, cfg.Name)
		p.mu.Unlock()
		p.logger.Info("reconnected to tool server", "server", cfg.Name)
	}
}

// Reconcile applies a new server list: removed servers are closed, added
// ones connected, changed ones restarted. Unchanged servers keep their
// connections.
func (p *Pool) Reconcile(ctx context.Context, servers []*ServerConfig) error {
	for _, cfg := range servers {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid server config: %w", err)
		}
	}

	incoming := make(map[string]*ServerConfig, len(servers))
	for _, cfg := range servers {
		incoming[cfg.Name] = cfg
	}

	p.mu.Lock()
	var removed []string
	for name := range p.configs {
		if _, ok := incoming[name]; !ok {
			removed = append(removed, name)
		}
	}
	var changed []*ServerConfig
	for name, cfg := range incoming {
		old, ok := p.configs[name]
		if !ok || !sameConfig(old, cfg) {
			changed = append(changed, cfg)
		}
		p.configs[name] = cfg
	}
	for _, name := range removed {
		delete(p.configs, name)
		delete(p.attempts, name)
		delete(p.nextTry, name)
		if client, ok := p.clients[name]; ok {
			client.Close()
			delete(p.clients, name)
		}
	}
	p.mu.Unlock()

	for _, name := range removed {
		p.logger.Info("removed tool server", "server", name)
	}
	for _, cfg := range changed {
		if err := p.connect(ctx, cfg); err != nil {
			p.logger.Error("failed to (re)connect changed tool server",
				"server", cfg.Name,
				"error", err)
			continue
		}
		p.logger.Info("applied tool server config", "server", cfg.Name)
	}
	return nil
}

func sameConfig(a, b *ServerConfig) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

// Acquire claims a downstream call slot, queueing when the pool is
// saturated. Returns queue-full immediately when the queue is at capacity
// and queue-timeout when the wait exceeds the queue timeout.
func (p *Pool) Acquire(ctx context.Context, requestID, clientID, tool string) error {
	p.admitMu.Lock()
	if p.active < p.cfg.MaxConcurrent {
		p.active++
		p.observeActive()
		p.admitMu.Unlock()
		return nil
	}

	deadline := time.Now().Add(p.cfg.QueueTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	entry := queue.NewEntry(requestID, clientID, tool, deadline)
	err := p.queue.Enqueue(entry)
	p.admitMu.Unlock()

	if err != nil {
		switch {
		case errors.Is(err, queue.ErrFull):
			return toolerr.New(toolerr.KindQueueFull, "downstream call queue is full")
		case errors.Is(err, queue.ErrShutdown):
			return toolerr.New(toolerr.KindShutdown, "server is shutting down")
		default:
			return toolerr.Wrap(toolerr.KindInternal, "enqueue failed", err)
		}
	}

	select {
	case err := <-entry.Ready:
		switch {
		case err == nil:
			// Slot transferred by a releasing caller; active already
			// accounts for us.
			return nil
		case errors.Is(err, queue.ErrTimeout):
			return toolerr.New(toolerr.KindQueueTimeout, "timed out waiting for a downstream call slot")
		case errors.Is(err, queue.ErrShutdown):
			return toolerr.New(toolerr.KindShutdown, "server is shutting down")
		default:
			return toolerr.Wrap(toolerr.KindInternal, "queue wait failed", err)
		}
	case <-ctx.Done():
		// The entry stays queued; return the slot if it gets granted after
		// we gave up.
		go func() {
			if err := <-entry.Ready; err == nil {
				p.Release()
			}
		}()
		return toolerr.Wrap(toolerr.KindQueueTimeout, "caller gave up waiting for a slot", ctx.Err())
	}
}

// Release returns a slot, handing it to the oldest queued waiter when one
// exists.
func (p *Pool) Release() {
	p.admitMu.Lock()
	defer p.admitMu.Unlock()

	if next := p.queue.Dequeue(); next != nil {
		// Slot transfer: wake the waiter instead of decrementing.
		select {
		case next.Ready <- nil:
		default:
		}
		return
	}
	if p.active > 0 {
		p.active--
	}
	p.observeActive()
}

func (p *Pool) observeActive() {
	if p.onActive != nil {
		p.onActive(p.active)
	}
}

// Active returns the number of in-flight downstream calls.
func (p *Pool) Active() int {
	p.admitMu.Lock()
	defer p.admitMu.Unlock()
	return p.active
}

// QueueDepth returns the number of calls waiting for a slot.
func (p *Pool) QueueDepth() int {
	return p.queue.Len()
}

// ClientFor returns the client for the named server.
func (p *Pool) ClientFor(server string) (*Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	client, ok := p.clients[server]
	if !ok {
		if _, configured := p.configs[server]; configured {
			return nil, toolerr.Newf(toolerr.KindDownstreamFailure, "server %q is not connected", server)
		}
		return nil, toolerr.Newf(toolerr.KindToolNotPermitted, "server %q is not configured", server)
	}
	return client, nil
}

// GetTool resolves a fully-qualified tool name to its definition.
func (p *Pool) GetTool(ctx context.Context, name string) (*Tool, error) {
	server, bare, err := SplitToolName(name)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindValidationFailed, "invalid tool name", err)
	}
	client, err := p.ClientFor(server)
	if err != nil {
		return nil, err
	}
	tool, err := client.FindTool(ctx, bare)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindSchemaUnavailable, "tool lookup failed", err)
	}
	return tool, nil
}

// CallTool invokes a fully-qualified tool. The caller holds an acquired
// slot.
func (p *Pool) CallTool(ctx context.Context, name string, args json.RawMessage) (*ToolCallResult, error) {
	server, bare, err := SplitToolName(name)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindValidationFailed, "invalid tool name", err)
	}
	client, err := p.ClientFor(server)
	if err != nil {
		return nil, err
	}
	result, err := client.CallTool(ctx, bare, args)
	if err != nil {
		if ctx.Err() != nil {
			return nil, toolerr.Wrap(toolerr.KindDownstreamFailure, "downstream call cancelled", ctx.Err())
		}
		return nil, toolerr.Wrap(toolerr.KindDownstreamFailure,
			fmt.Sprintf("call to %s failed", name), err)
	}
	return result, nil
}

// AllTools lists every tool on every connected server under its
// fully-qualified name, sorted by name.
func (p *Pool) AllTools(ctx context.Context) ([]*Tool, error) {
	p.mu.RLock()
	clients := make(map[string]*Client, len(p.clients))
	for name, c := range p.clients {
		clients[name] = c
	}
	p.mu.RUnlock()

	var out []*Tool
	for server, client := range clients {
		if !client.Connected() {
			continue
		}
		if err := client.RefreshTools(ctx); err != nil {
			p.logger.Warn("tool listing failed", "server", server, "error", err)
			continue
		}
		for _, t := range client.Tools() {
			out = append(out, &Tool{
				Name:        JoinToolName(server, t.Name),
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Status reports the health of every configured server, sorted by name.
func (p *Pool) Status() []ServerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]ServerStatus, 0, len(p.configs))
	for name, cfg := range p.configs {
		transport := string(cfg.Transport)
		if transport == "" {
			transport = string(TransportStdio)
		}
		status := ServerStatus{Name: name, Transport: transport}
		if client, ok := p.clients[name]; ok {
			status.Connected = client.Connected()
			status.Info = client.ServerInfo()
			status.Tools = len(client.Tools())
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close stops health monitoring, wakes all queued waiters with the shutdown
// error, and closes every client.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()

	p.queue.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	for name, client := range p.clients {
		if err := client.Close(); err != nil {
			p.logger.Error("failed to close client", "server", name, "error", err)
		}
		delete(p.clients, name)
	}
	return nil
}
