// Package ratelimit provides per-client token-bucket rate limiting for the
// tool-call pipeline.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures the limiter.
type Config struct {
	// MaxRequests is the number of requests allowed per Window.
	MaxRequests int `yaml:"max_requests"`

	// Window is the refill window.
	Window time.Duration `yaml:"window"`

	// Burst is the bucket capacity. Defaults to MaxRequests.
	Burst int `yaml:"burst"`

	// Enabled controls whether limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration: 30 requests
// per minute with burst equal to the limit.
func DefaultConfig() Config {
	return Config{
		MaxRequests: 30,
		Window:      time.Minute,
		Burst:       0,
		Enabled:     true,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxRequests <= 0 {
		c.MaxRequests = 30
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Burst <= 0 {
		c.Burst = c.MaxRequests
	}
	return c
}

// Result describes the outcome of a Check or Peek.
type Result struct {
	// Allowed reports whether the request was admitted.
	Allowed bool

	// Remaining is the number of whole tokens left after this check.
	Remaining int

	// ResetIn is the time until at least one token is available. Zero when
	// a token is available now.
	ResetIn time.Duration

	// FillLevel is the bucket fill fraction in [0, 1].
	FillLevel float64
}

// bucket is one client's token bucket. Operations are atomic under the
// bucket's own mutex so distinct clients never contend.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	lastAccess time.Time
}

// Limiter manages buckets keyed by client id. Buckets are created lazily
// and evicted after 2x the window of inactivity by a background sweep.
type Limiter struct {
	config Config

	mu      sync.RWMutex
	buckets map[string]*bucket

	// now is replaceable in tests.
	now func() time.Time

	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

// NewLimiter creates a limiter and starts its eviction sweep.
func NewLimiter(config Config) *Limiter {
	l := &Limiter{
		config:  config.withDefaults(),
		buckets: make(map[string]*bucket),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.sweepLoop()
	return l
}

// Check consumes one token for clientID if available and reports the
// bucket state.
func (l *Limiter) Check(clientID string) Result {
	if !l.config.Enabled {
		return Result{Allowed: true, Remaining: l.config.Burst, FillLevel: 1}
	}
	return l.getBucket(clientID).take(l.config, l.now(), true)
}

// Peek reports the bucket state without consuming a token.
func (l *Limiter) Peek(clientID string) Result {
	if !l.config.Enabled {
		return Result{Allowed: true, Remaining: l.config.Burst, FillLevel: 1}
	}
	return l.getBucket(clientID).take(l.config, l.now(), false)
}

// Close stops the eviction sweep.
func (l *Limiter) Close() {
	l.doneOnce.Do(func() { close(l.done) })
	l.wg.Wait()
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

func (l *Limiter) getBucket(key string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	now := l.now()
	b = &bucket{
		tokens:     float64(l.config.Burst),
		lastRefill: now,
		lastAccess: now,
	}
	l.buckets[key] = b
	return b
}

func (b *bucket) take(cfg Config, now time.Time, consume bool) Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastAccess = now

	// Continuous refill at MaxRequests/Window, clipped to burst.
	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 {
		rate := float64(cfg.MaxRequests) / float64(cfg.Window)
		b.tokens += rate * float64(elapsed)
		if b.tokens > float64(cfg.Burst) {
			b.tokens = float64(cfg.Burst)
		}
		b.lastRefill = now
	}

	allowed := b.tokens >= 1
	if allowed && consume {
		b.tokens--
	}

	var resetIn time.Duration
	if b.tokens < 1 {
		needed := 1 - b.tokens
		perToken := float64(cfg.Window) / float64(cfg.MaxRequests)
		resetIn = time.Duration(needed * perToken)
	}

	return Result{
		Allowed:   allowed,
		Remaining: int(b.tokens),
		ResetIn:   resetIn,
		FillLevel: b.tokens / float64(cfg.Burst),
	}
}

// sweepLoop evicts buckets idle for 2x the window. The ticker fires at the
// window period so an idle process does not accumulate wakeups faster than
// the eviction horizon.
func (l *Limiter) sweepLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.config.Window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.done:
			return
		}
	}
}

func (l *Limiter) evictIdle() {
	horizon := l.now().Add(-2 * l.config.Window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		b.mu.Lock()
		idle := b.lastAccess.Before(horizon)
		b.mu.Unlock()
		if idle {
			delete(l.buckets, key)
		}
	}
}
