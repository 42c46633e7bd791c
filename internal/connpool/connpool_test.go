package connpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/R3E-Network/swap-relayer/domain/relay"
	"github.com/R3E-Network/swap-relayer/infrastructure/resilience"
	"github.com/R3E-Network/swap-relayer/internal/store"
)

// fakeBreakerStore is a minimal store.Store stand-in that only implements
// the breaker-state methods Manager actually calls; every other method is
// unreachable from these tests.
type fakeBreakerStore struct {
	store.Store
	saved map[string]*relay.CircuitBreakerState
}

func newFakeBreakerStore() *fakeBreakerStore {
	return &fakeBreakerStore{saved: make(map[string]*relay.CircuitBreakerState)}
}

func (f *fakeBreakerStore) SaveBreakerState(ctx context.Context, cb *relay.CircuitBreakerState) error {
	cp := *cb
	f.saved[cb.Name] = &cp
	return nil
}

func (f *fakeBreakerStore) GetBreakerState(ctx context.Context, name string) (*relay.CircuitBreakerState, error) {
	if cb, ok := f.saved[name]; ok {
		return cb, nil
	}
	return nil, errors.New("not found")
}

func testBreakerConfig() resilience.Config {
	cfg := resilience.DefaultConfig()
	cfg.MaxFailures = 2
	cfg.Timeout = 10 * time.Millisecond
	return cfg
}

func TestExecuteUsesHealthyPrimary(t *testing.T) {
	endpoints := []Endpoint{
		{Name: "primary", Priority: 1},
		{Name: "secondary", Priority: 2},
	}
	m := New("test", endpoints, DefaultPoolConfig(), func(ctx context.Context, ep Endpoint) error { return nil }, testBreakerConfig(), nil, nil)

	var used string
	err := m.Execute(context.Background(), true, "write", func(ctx context.Context, ep Endpoint) error {
		used = ep.Name
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if used != "primary" {
		t.Fatalf("expected write to prefer primary, used %q", used)
	}
}

func TestExecuteFailsOverOnError(t *testing.T) {
	endpoints := []Endpoint{
		{Name: "primary", Priority: 1},
		{Name: "secondary", Priority: 2},
	}
	m := New("test", endpoints, DefaultPoolConfig(), func(ctx context.Context, ep Endpoint) error { return nil }, testBreakerConfig(), nil, nil)

	err := m.Execute(context.Background(), true, "write", func(ctx context.Context, ep Endpoint) error {
		if ep.Name == "primary" {
			return errors.New("boom")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected failover to succeed, got %v", err)
	}
}

func TestExecuteNoHealthyEndpoint(t *testing.T) {
	m := New("test", nil, DefaultPoolConfig(), func(ctx context.Context, ep Endpoint) error { return nil }, testBreakerConfig(), nil, nil)

	err := m.Execute(context.Background(), false, "read", func(ctx context.Context, ep Endpoint) error { return nil })
	if err != ErrNoHealthyEndpoint {
		t.Fatalf("expected ErrNoHealthyEndpoint, got %v", err)
	}
}

func TestHealthCheckMarksUnhealthyAfterMaxFailures(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.MaxConsecutiveFailures = 2
	cfg.HealthCheckTimeout = time.Second

	failing := true
	m := New("test", []Endpoint{{Name: "only", Priority: 1}}, cfg, func(ctx context.Context, ep Endpoint) error {
		if failing {
			return errors.New("down")
		}
		return nil
	}, testBreakerConfig(), nil, nil)

	ctx := context.Background()
	m.checkOne(ctx, m.endpoints[0])
	if !m.endpoints[0].healthy {
		t.Fatal("expected endpoint to stay healthy after one failure (consecutive_failures = max - 1)")
	}
	m.checkOne(ctx, m.endpoints[0])
	if m.endpoints[0].healthy {
		t.Fatal("expected endpoint to flip unhealthy after reaching max consecutive failures")
	}

	failing = false
	m.checkOne(ctx, m.endpoints[0])
	if !m.endpoints[0].healthy {
		t.Fatal("expected a single successful probe to restore health")
	}
}

func TestReadPreferencePrimaryExcludesSecondary(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.ReadPreference = ReadPrimary
	endpoints := []Endpoint{
		{Name: "secondary-only", Priority: 2},
	}
	m := New("test", endpoints, cfg, func(ctx context.Context, ep Endpoint) error { return nil }, testBreakerConfig(), nil, nil)

	err := m.Execute(context.Background(), false, "read", func(ctx context.Context, ep Endpoint) error { return nil })
	if err != ErrNoHealthyEndpoint {
		t.Fatalf("expected no primary endpoint to be eligible, got %v", err)
	}
}

func TestBreakerTripPersistsState(t *testing.T) {
	fs := newFakeBreakerStore()
	endpoints := []Endpoint{{Name: "only", Priority: 1}}
	m := New("test", endpoints, DefaultPoolConfig(), func(ctx context.Context, ep Endpoint) error { return nil }, testBreakerConfig(), nil, fs)

	for i := 0; i < 2; i++ {
		_ = m.Execute(context.Background(), true, "write", func(ctx context.Context, ep Endpoint) error {
			return errors.New("boom")
		})
	}

	saved, ok := fs.saved[breakerKey("test", "only", "write")]
	if !ok {
		t.Fatalf("expected breaker state to be persisted after tripping")
	}
	if saved.State != relay.BreakerOpen {
		t.Fatalf("expected persisted state open, got %s", saved.State)
	}
	if !saved.NextAttempt.After(time.Now()) {
		t.Fatalf("expected an open window in the future, got %v", saved.NextAttempt)
	}
}

func TestBreakerRestoresOpenWindowAcrossRestart(t *testing.T) {
	fs := newFakeBreakerStore()
	key := breakerKey("test", "only", "write")
	fs.saved[key] = &relay.CircuitBreakerState{
		Name:        key,
		State:       relay.BreakerOpen,
		NextAttempt: time.Now().Add(time.Hour),
	}

	endpoints := []Endpoint{{Name: "only", Priority: 1}}
	m := New("test", endpoints, DefaultPoolConfig(), func(ctx context.Context, ep Endpoint) error { return nil }, testBreakerConfig(), nil, fs)

	var ran bool
	err := m.Execute(context.Background(), true, "write", func(ctx context.Context, ep Endpoint) error {
		ran = true
		return nil
	})
	if ran {
		t.Fatalf("expected the restored open window to reject the call without running it")
	}
	if err != resilience.ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen from the restored open window, got %v", err)
	}
}
