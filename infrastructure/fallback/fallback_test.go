package fallback

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExecuteReturnsPrimaryOnSuccess(t *testing.T) {
	h := NewHandler(DefaultConfig())

	res := h.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "primary-value", nil
	})

	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Source != "primary" {
		t.Fatalf("expected source primary, got %s", res.Source)
	}
	if res.Value != "primary-value" {
		t.Fatalf("expected primary-value, got %v", res.Value)
	}
	if res.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", res.Attempts)
	}
}

func TestExecuteFallsBackOnPrimaryFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	h := NewHandler(cfg)

	primaryErr := errors.New("primary down")
	res := h.Execute(context.Background(),
		func(ctx context.Context) (interface{}, error) { return nil, primaryErr },
		func(ctx context.Context) (interface{}, error) { return "fallback-value", nil },
	)

	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Source != "fallback" {
		t.Fatalf("expected source fallback, got %s", res.Source)
	}
	if res.Value != "fallback-value" {
		t.Fatalf("expected fallback-value, got %v", res.Value)
	}
	if res.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", res.Attempts)
	}
}

func TestExecuteExhaustsAllSources(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	h := NewHandler(cfg)

	lastErr := errors.New("fallback also down")
	res := h.Execute(context.Background(),
		func(ctx context.Context) (interface{}, error) { return nil, errors.New("primary down") },
		func(ctx context.Context) (interface{}, error) { return nil, lastErr },
	)

	if res.Source != "exhausted" {
		t.Fatalf("expected source exhausted, got %s", res.Source)
	}
	if res.Err != lastErr {
		t.Fatalf("expected last fallback error to surface, got %v", res.Err)
	}
	if res.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", res.Attempts)
	}
}

func TestExecuteRespectsContextCancellation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Hour
	h := NewHandler(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.Execute(ctx,
		func(ctx context.Context) (interface{}, error) { return nil, errors.New("primary down") },
		func(ctx context.Context) (interface{}, error) { return "unreachable", nil },
	)

	if res.Err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", res.Err)
	}
}

func TestCacheSetGetAndExpiry(t *testing.T) {
	h := NewHandler(DefaultConfig())

	h.SetCache("k", "v", time.Hour)
	v, ok := h.GetCache("k")
	if !ok || v != "v" {
		t.Fatalf("expected cached value v, got %v ok=%v", v, ok)
	}

	h.SetCache("expired", "gone", -time.Second)
	if _, ok := h.GetCache("expired"); ok {
		t.Fatalf("expected expired entry to be absent")
	}

	if _, ok := h.GetCache("missing"); ok {
		t.Fatalf("expected missing key to report absent")
	}
}

func TestCleanupRemovesExpiredEntries(t *testing.T) {
	h := NewHandler(DefaultConfig())

	h.SetCache("fresh", 1, time.Hour)
	h.SetCache("stale", 2, -time.Second)

	h.Cleanup()

	if _, ok := h.GetCache("stale"); ok {
		t.Fatalf("expected stale entry to be removed by Cleanup")
	}
	if _, ok := h.GetCache("fresh"); !ok {
		t.Fatalf("expected fresh entry to survive Cleanup")
	}
}

func TestNewHandlerAppliesDefaultsForZeroValues(t *testing.T) {
	h := NewHandler(Config{})

	if h.config.MaxAttempts != 3 {
		t.Fatalf("expected default MaxAttempts 3, got %d", h.config.MaxAttempts)
	}
	if h.config.BaseDelay != 100*time.Millisecond {
		t.Fatalf("expected default BaseDelay 100ms, got %v", h.config.BaseDelay)
	}
	if h.config.MaxDelay != 5*time.Second {
		t.Fatalf("expected default MaxDelay 5s, got %v", h.config.MaxDelay)
	}
	if h.config.Multiplier != 2.0 {
		t.Fatalf("expected default Multiplier 2.0, got %v", h.config.Multiplier)
	}
}
