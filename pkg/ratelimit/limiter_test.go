package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewRateLimiter_Defaults(t *testing.T) {
	tests := []struct {
		name        string
		rate, burst float64
		wantRate    float64
		wantBurst   float64
	}{
		{"explicit", 5, 10, 5, 10},
		{"zero rate", 0, 0, 10, 10},
		{"burst below rate", 20, 5, 20, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := NewRateLimiter(tt.rate, tt.burst)
			if rl.rate != tt.wantRate || rl.burst != tt.wantBurst {
				t.Errorf("got rate=%v burst=%v, want %v/%v", rl.rate, rl.burst, tt.wantRate, tt.wantBurst)
			}
			if rl.Tokens() != tt.wantBurst {
				t.Errorf("bucket should start full, got %v", rl.Tokens())
			}
		})
	}
}

func TestRateLimiter_AllowDrainsAndRefills(t *testing.T) {
	rl := NewRateLimiter(2, 2)
	current := time.Now()
	rl.now = func() time.Time { return current }
	rl.lastRefill = current

	if !rl.Allow() || !rl.Allow() {
		t.Fatal("expected two tokens from full bucket")
	}
	if rl.Allow() {
		t.Fatal("expected empty bucket")
	}

	current = current.Add(500 * time.Millisecond)
	if !rl.Allow() {
		t.Error("expected one token after 500ms at 2 req/sec")
	}
	if rl.Allow() {
		t.Error("expected bucket empty again")
	}
}

func TestRateLimiter_WaitHonoursContext(t *testing.T) {
	rl := NewRateLimiter(0.5, 1)
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait should not block: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := rl.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestMultiLimiter_UnknownCategoryIsUnlimited(t *testing.T) {
	ml := NewMultiLimiter()
	ml.Add("trade", 1, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	for i := 0; i < 50; i++ {
		if err := ml.Wait(ctx, "query"); err != nil {
			t.Fatalf("unknown category should not wait: %v", err)
		}
	}

	if err := ml.Wait(ctx, "trade"); err != nil {
		t.Fatalf("first trade token should be available: %v", err)
	}
	if err := ml.Wait(ctx, "trade"); err == nil {
		t.Error("second trade token should time out")
	}
}
