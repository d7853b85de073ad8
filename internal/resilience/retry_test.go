package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffConfigNextGrowsAndCaps(t *testing.T) {
	cfg := DefaultPollBackoff()
	d := cfg.Next(0)
	if d != cfg.Base {
		t.Fatalf("expected first delay to equal base, got %v", d)
	}
	for i := 0; i < 20; i++ {
		d = cfg.Next(d)
		if d > cfg.Cap {
			t.Fatalf("delay exceeded cap: %v > %v", d, cfg.Cap)
		}
	}
	if d != cfg.Cap {
		t.Fatalf("expected delay to converge to cap, got %v", d)
	}
}

func TestBackoffConfigJitteredWithinBounds(t *testing.T) {
	cfg := DefaultPollBackoff()
	d := 10 * time.Second
	for i := 0; i < 50; i++ {
		j := cfg.Jittered(d)
		lower := time.Duration(float64(d) * (1 - cfg.Jitter))
		upper := time.Duration(float64(d) * (1 + cfg.Jitter))
		if j < lower || j > upper {
			t.Fatalf("jittered delay %v out of bounds [%v, %v]", j, lower, upper)
		}
	}
}

func TestRetrySucceedsEventually(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return errors.New("always fails")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != cfg.MaxAttempts {
		t.Fatalf("expected %d attempts, got %d", cfg.MaxAttempts, attempts)
	}
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := RetryConfig{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 2}
	attempts := 0
	err := Retry(ctx, cfg, func() error {
		attempts++
		return errors.New("fails")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt before ctx cancellation halts retries, got %d", attempts)
	}
}
