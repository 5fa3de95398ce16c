package gateway

import "testing"

func TestNewRateLimiter_DisabledWhenNonPositiveRate(t *testing.T) {
	if rl := NewRateLimiter(0, 10); rl != nil {
		t.Errorf("NewRateLimiter(0, 10) = %v, want nil", rl)
	}
	if rl := NewRateLimiter(-1, 10); rl != nil {
		t.Errorf("NewRateLimiter(-1, 10) = %v, want nil", rl)
	}
}

func TestNewRateLimiter_DefaultsBurstWhenNonPositive(t *testing.T) {
	rl := NewRateLimiter(5, 0)
	if rl == nil {
		t.Fatal("NewRateLimiter(5, 0) = nil, want non-nil")
	}
	if rl.burst != 1 {
		t.Errorf("burst = %d, want 1", rl.burst)
	}
}

func TestRateLimiter_NewLimiter_NilReceiverYieldsNilLimiter(t *testing.T) {
	var rl *RateLimiter
	if l := rl.NewLimiter(); l != nil {
		t.Errorf("(*RateLimiter)(nil).NewLimiter() = %v, want nil", l)
	}
}

func TestRateLimiter_NewLimiter_MintsFreshLimiterPerCall(t *testing.T) {
	rl := NewRateLimiter(5, 3)
	a := rl.NewLimiter()
	b := rl.NewLimiter()
	if a == nil || b == nil {
		t.Fatal("NewLimiter() returned nil for an enabled RateLimiter")
	}
	if a == b {
		t.Error("NewLimiter() returned the same limiter instance twice, want distinct instances")
	}
	if a.Burst() != 3 {
		t.Errorf("Burst() = %d, want 3", a.Burst())
	}
}
