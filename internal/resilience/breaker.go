// Package resilience provides the per-downstream circuit breaker registry.
//
// Each downstream server gets a classic three-state breaker
// (closed → open → half-open). In the open state admission fails fast with
// ErrCircuitOpen; after the cooldown a single probe is allowed through.
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects admission.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a Breaker.
type State int

const (
	// StateClosed is the normal operating state.
	StateClosed State = iota

	// StateOpen rejects all calls until the cooldown elapses.
	StateOpen

	// StateHalfOpen allows a single probe call through.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds tuning knobs for a Breaker.
type Config struct {
	// Threshold is the number of consecutive failures before the breaker
	// opens. Default: 5.
	Threshold int `yaml:"threshold"`

	// Cooldown is how long the breaker stays open before allowing a probe.
	// Default: 30s.
	Cooldown time.Duration `yaml:"cooldown"`
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{Threshold: 5, Cooldown: 30 * time.Second}
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// Breaker implements the three-state circuit breaker for one downstream
// server.
type Breaker struct {
	name   string
	config Config
	logger *slog.Logger

	// now is replaceable in tests.
	now func() time.Time

	// mu is the stats-update mutex; it keeps transitions monotonic and the
	// Stats snapshot consistent.
	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	probing         bool
}

// NewBreaker creates a Breaker with the supplied configuration. Zero-value
// config fields are replaced with defaults.
func NewBreaker(name string, config Config, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		name:   name,
		config: config.withDefaults(),
		logger: logger.With("component", "breaker", "server", name),
		now:    time.Now,
		state:  StateClosed,
	}
}

// Allow reports whether a call would currently be admitted, without
// reserving the half-open probe slot. Used for the fast-fail gate ahead of
// the pipeline; Execute does the authoritative accounting.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		return b.now().Sub(b.openedAt) >= b.config.Cooldown
	case StateHalfOpen:
		return !b.probing
	default:
		return true
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// ErrCircuitOpen without calling fn. In half-open, at most one concurrent
// probe is permitted. Context cancellation from the caller's side does not
// count as a downstream failure.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	callErr := fn(ctx)
	b.settle(probe, callErr)
	return callErr
}

// admit reserves admission, transitioning open → half-open when the
// cooldown has elapsed. Returns whether this call is the half-open probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.config.Cooldown {
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		b.logger.Info("circuit half-open, probing")
		return true, nil
	case StateHalfOpen:
		if b.probing {
			return false, ErrCircuitOpen
		}
		b.probing = true
		return true, nil
	default:
		return false, nil
	}
}

// settle records the call outcome and drives state transitions.
func (b *Breaker) settle(probe bool, callErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}

	// Caller-side cancellation says nothing about downstream health.
	if callErr != nil && (errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded)) {
		return
	}

	if callErr == nil {
		if b.state == StateHalfOpen {
			b.logger.Info("circuit closed after successful probe")
		}
		b.state = StateClosed
		b.consecutiveFail = 0
		return
	}

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.now()
		b.logger.Warn("probe failed, circuit re-opened")
	default:
		b.consecutiveFail++
		if b.consecutiveFail >= b.config.Threshold {
			b.state = StateOpen
			b.openedAt = b.now()
			b.logger.Warn("circuit opened",
				"consecutive_failures", b.consecutiveFail,
				"cooldown", b.config.Cooldown)
		}
	}
}

// Stats is a point-in-time snapshot of breaker state.
type Stats struct {
	Server              string    `json:"server"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Server:              b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFail,
		OpenedAt:            b.openedAt,
	}
}

// Registry creates and holds one Breaker per downstream server.
type Registry struct {
	defaults  Config
	overrides map[string]Config
	logger    *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a Registry. overrides maps server names to per-server
// breaker configs; servers without an override get the defaults.
func NewRegistry(defaults Config, overrides map[string]Config, logger *slog.Logger) *Registry {
	return &Registry{
		defaults:  defaults.withDefaults(),
		overrides: overrides,
		logger:    logger,
		breakers:  make(map[string]*Breaker),
	}
}

// For returns the breaker for server, creating it on first use.
func (r *Registry) For(server string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[server]; ok {
		return b
	}
	cfg := r.defaults
	if override, ok := r.overrides[server]; ok {
		cfg = override.withDefaults()
	}
	b := NewBreaker(server, cfg, r.logger)
	r.breakers[server] = b
	return b
}

// AllStats returns snapshots of every breaker created so far.
func (r *Registry) AllStats() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		stats = append(stats, b.Stats())
	}
	return stats
}
