package toolerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"typed", New(KindRateLimited, "slow down"), KindRateLimited},
		{"wrapped typed", fmt.Errorf("dispatch: %w", New(KindQueueFull, "full")), KindQueueFull},
		{"untyped", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(KindCircuitOpen, "srv-2 quarantined"))
	if !errors.Is(err, New(KindCircuitOpen, "")) {
		t.Error("errors.Is should match on kind")
	}
	if errors.Is(err, New(KindQueueFull, "")) {
		t.Error("errors.Is should not match a different kind")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("pipe broke")
	err := Wrap(KindDownstreamFailure, "call failed", cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped cause should be reachable via errors.Is")
	}
}

func TestWithDetail(t *testing.T) {
	err := New(KindRateLimited, "limited").With("resetInMs", int64(1200))
	if err.Detail["resetInMs"] != int64(1200) {
		t.Errorf("detail not recorded: %v", err.Detail)
	}
}

func TestKindRejected(t *testing.T) {
	rejected := []Kind{KindToolNotPermitted, KindRateLimited, KindQueueFull}
	for _, k := range rejected {
		if !k.Rejected() {
			t.Errorf("%s should be a rejection", k)
		}
	}
	if KindDownstreamFailure.Rejected() {
		t.Error("downstream-failure is not a rejection")
	}
}
