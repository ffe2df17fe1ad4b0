package resilience

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

var errDownstream = errors.New("downstream boom")

func failing(_ context.Context) error { return errDownstream }
func succeeding(_ context.Context) error { return nil }

func newTestBreaker(threshold int, cooldown time.Duration) *Breaker {
	return NewBreaker("srv-test", Config{Threshold: threshold, Cooldown: cooldown}, slog.Default())
}

func TestOpensAfterThreshold(t *testing.T) {
	b := newTestBreaker(3, 30*time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, failing); !errors.Is(err, errDownstream) {
			t.Fatalf("call %d: got %v, want downstream error", i, err)
		}
	}

	start := time.Now()
	err := b.Execute(ctx, failing)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Errorf("open-state rejection took %v, want fast fail", elapsed)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(3, 30*time.Second)
	ctx := context.Background()

	b.Execute(ctx, failing)
	b.Execute(ctx, failing)
	b.Execute(ctx, succeeding)
	b.Execute(ctx, failing)
	b.Execute(ctx, failing)

	if st := b.Stats(); st.State != "closed" {
		t.Errorf("state = %s, want closed (success resets the count)", st.State)
	}
}

func TestHalfOpenProbeClosesOnSuccess(t *testing.T) {
	b := newTestBreaker(1, 30*time.Second)
	ctx := context.Background()

	base := time.Now()
	b.now = func() time.Time { return base }
	b.Execute(ctx, failing)
	if st := b.Stats(); st.State != "open" {
		t.Fatalf("state = %s, want open", st.State)
	}

	// Before cooldown: still rejected.
	if err := b.Execute(ctx, succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected rejection before cooldown, got %v", err)
	}

	// After cooldown: exactly one probe runs and closes the breaker.
	b.now = func() time.Time { return base.Add(31 * time.Second) }
	calls := 0
	err := b.Execute(ctx, func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if calls != 1 {
		t.Errorf("probe ran %d times, want 1", calls)
	}
	if st := b.Stats(); st.State != "closed" {
		t.Errorf("state = %s, want closed after successful probe", st.State)
	}
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	b := newTestBreaker(1, 10*time.Second)
	ctx := context.Background()

	base := time.Now()
	b.now = func() time.Time { return base }
	b.Execute(ctx, failing)

	b.now = func() time.Time { return base.Add(11 * time.Second) }
	if err := b.Execute(ctx, failing); !errors.Is(err, errDownstream) {
		t.Fatalf("probe should run and fail: %v", err)
	}
	if st := b.Stats(); st.State != "open" {
		t.Errorf("state = %s, want open after failed probe", st.State)
	}

	// Cooldown restarts from the probe failure.
	b.now = func() time.Time { return base.Add(12 * time.Second) }
	if err := b.Execute(ctx, succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("cooldown should have reset: %v", err)
	}
}

func TestSingleConcurrentProbe(t *testing.T) {
	b := newTestBreaker(1, time.Millisecond)
	ctx := context.Background()

	base := time.Now()
	b.now = func() time.Time { return base }
	b.Execute(ctx, failing)
	b.now = func() time.Time { return base.Add(time.Second) }

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		b.Execute(ctx, func(_ context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// While the probe is in flight, further admissions fail fast.
	if err := b.Execute(ctx, succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second call during probe should be rejected, got %v", err)
	}
	close(release)
}

func TestCancellationDoesNotTrip(t *testing.T) {
	b := newTestBreaker(1, 30*time.Second)
	ctx := context.Background()

	err := b.Execute(ctx, func(_ context.Context) error { return context.Canceled })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
	if st := b.Stats(); st.State != "closed" {
		t.Errorf("state = %s; caller cancellation must not trip the circuit", st.State)
	}
}

func TestRegistryPerServerIsolation(t *testing.T) {
	r := NewRegistry(Config{Threshold: 1, Cooldown: time.Minute}, nil, slog.Default())
	ctx := context.Background()

	r.For("srv-a").Execute(ctx, failing)

	if err := r.For("srv-b").Execute(ctx, succeeding); err != nil {
		t.Errorf("srv-b should be unaffected by srv-a failures: %v", err)
	}
	if err := r.For("srv-a").Execute(ctx, succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("srv-a should be open: %v", err)
	}
	if len(r.AllStats()) != 2 {
		t.Errorf("AllStats = %d entries, want 2", len(r.AllStats()))
	}
}

func TestRegistryOverrides(t *testing.T) {
	r := NewRegistry(Config{Threshold: 5, Cooldown: time.Minute},
		map[string]Config{"fragile": {Threshold: 1, Cooldown: time.Minute}}, slog.Default())
	ctx := context.Background()

	r.For("fragile").Execute(ctx, failing)
	if err := r.For("fragile").Execute(ctx, succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("override threshold=1 should open after one failure: %v", err)
	}
}
