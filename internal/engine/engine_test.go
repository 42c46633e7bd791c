package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/R3E-Network/swap-relayer/domain/relay"
	svcerrors "github.com/R3E-Network/swap-relayer/infrastructure/errors"
	"github.com/R3E-Network/swap-relayer/internal/chain"
	"github.com/R3E-Network/swap-relayer/internal/executor"
	"github.com/R3E-Network/swap-relayer/internal/store"
)

// fakeStore is a minimal in-memory store.Store sufficient to exercise the
// engine without a real database.
type fakeStore struct {
	mu       sync.Mutex
	relays   map[string]*relay.Relay
	attempts map[string][]*relay.RelayAttempt
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		relays:   make(map[string]*relay.Relay),
		attempts: make(map[string][]*relay.RelayAttempt),
	}
}

func (s *fakeStore) BeginTx(ctx context.Context) (context.Context, store.Tx, error) { return ctx, noopTx{}, nil }

type noopTx struct{}

func (noopTx) Commit(ctx context.Context) error   { return nil }
func (noopTx) Rollback(ctx context.Context) error { return nil }

func (s *fakeStore) SaveRelay(ctx context.Context, r *relay.Relay) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relays[r.ID] = r
	return nil
}

func (s *fakeStore) UpdateRelay(ctx context.Context, r *relay.Relay) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relays[r.ID] = r
	return nil
}

func (s *fakeStore) GetRelay(ctx context.Context, id string) (*relay.Relay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.relays[id]
	if !ok {
		return nil, svcerrors.NotFound("relay", id)
	}
	return r, nil
}

func (s *fakeStore) ListRelays(ctx context.Context, filter store.RelayFilter) ([]*relay.Relay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*relay.Relay
	for _, r := range s.relays {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeStore) DeleteRelay(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.relays, id)
	return nil
}

func (s *fakeStore) AcquireLease(ctx context.Context, owner string, leaseTTL time.Duration, activeStatuses []relay.Status) (*relay.Relay, error) {
	return nil, nil
}
func (s *fakeStore) HeartbeatLease(ctx context.Context, relayID, owner string, leaseTTL time.Duration) error {
	return nil
}
func (s *fakeStore) ReleaseLease(ctx context.Context, relayID, owner string) error { return nil }

func (s *fakeStore) SaveAttempt(ctx context.Context, a *relay.RelayAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[a.RelayID] = append(s.attempts[a.RelayID], a)
	return nil
}

func (s *fakeStore) UpdateAttempt(ctx context.Context, a *relay.RelayAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.attempts[a.RelayID] {
		if existing.ID == a.ID {
			*existing = *a
			return nil
		}
	}
	return nil
}

func (s *fakeStore) ListAttempts(ctx context.Context, relayID string) ([]*relay.RelayAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[relayID], nil
}

func (s *fakeStore) SaveChainState(ctx context.Context, cs *relay.ChainState) error { return nil }
func (s *fakeStore) GetChainState(ctx context.Context, chainID string) (*relay.ChainState, error) {
	return nil, svcerrors.NotFound("chain_state", chainID)
}
func (s *fakeStore) SaveBreakerState(ctx context.Context, cb *relay.CircuitBreakerState) error {
	return nil
}
func (s *fakeStore) GetBreakerState(ctx context.Context, name string) (*relay.CircuitBreakerState, error) {
	return nil, svcerrors.NotFound("breaker_state", name)
}
func (s *fakeStore) SaveMetricsSnapshot(ctx context.Context, m *relay.MetricsSnapshot) error {
	return nil
}
func (s *fakeStore) GetLatestMetricsSnapshot(ctx context.Context) (*relay.MetricsSnapshot, error) {
	return nil, svcerrors.NotFound("metrics_snapshot", "latest")
}
func (s *fakeStore) ListMetricsRange(ctx context.Context, r store.MetricsRange) ([]*relay.MetricsSnapshot, error) {
	return nil, nil
}
func (s *fakeStore) Cleanup(ctx context.Context, policy store.RetentionPolicy) (int64, error) {
	return 0, nil
}
func (s *fakeStore) Vacuum(ctx context.Context) error { return nil }
func (s *fakeStore) Ping(ctx context.Context) error   { return nil }
func (s *fakeStore) Stats(ctx context.Context) (store.Stats, error) {
	return store.Stats{}, nil
}

// fakeChainClient lets each test script CreateHTLC/Withdraw/Refund/GetHTLC.
type fakeChainClient struct {
	chainID string

	createErr error
	withdrawErr error
	refundErr   error

	htlcView *chain.HTLCView
}

func (c *fakeChainClient) ChainID() string { return c.chainID }

func (c *fakeChainClient) CreateHTLC(ctx context.Context, hashlock string, timelock time.Time, recipient, token, amount string) (string, error) {
	if c.createErr != nil {
		return "", c.createErr
	}
	return "htlc-1", nil
}

func (c *fakeChainClient) GetHTLC(ctx context.Context, htlcID string) (*chain.HTLCView, error) {
	if c.htlcView != nil {
		return c.htlcView, nil
	}
	return &chain.HTLCView{HTLCID: htlcID}, nil
}

func (c *fakeChainClient) Withdraw(ctx context.Context, htlcID, preimage string) (*chain.Receipt, error) {
	if c.withdrawErr != nil {
		return nil, c.withdrawErr
	}
	return &chain.Receipt{TxHash: "tx-withdraw", Confirmed: true}, nil
}

func (c *fakeChainClient) Refund(ctx context.Context, htlcID string) (*chain.Receipt, error) {
	if c.refundErr != nil {
		return nil, c.refundErr
	}
	return &chain.Receipt{TxHash: "tx-refund", Confirmed: true}, nil
}

func (c *fakeChainClient) GetTip(ctx context.Context) (int64, string, error) { return 0, "", nil }
func (c *fakeChainClient) GetReceipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	return &chain.Receipt{TxHash: txHash, Confirmed: true}, nil
}

func testEngine(st store.Store, registry chain.Registry) *Engine {
	cfg := DefaultConfig()
	cfg.ActionTimeout = time.Second
	cfg.MaxRetriesPerAction = 2
	exec := executor.New(executor.Config{MaxConcurrent: 2, QueueLimit: 10, DefaultDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffMultiplier: 2})
	return New(cfg, st, registry, exec, chain.NoopSink{}, nil)
}

func baseRelay(status relay.Status) *relay.Relay {
	return &relay.Relay{
		ID:          "relay-1",
		SourceChain: "ethereum",
		TargetChain: "neo",
		HTLCID:      "htlc-1",
		Hashlock:    "0xabc",
		Timelock:    time.Now().Add(2 * time.Hour),
		Status:      status,
		Metadata:    map[string]string{"preimage": "secret"},
	}
}

func TestDriveOnceRoutingWithRouteMovesToExecuting(t *testing.T) {
	st := newFakeStore()
	r := baseRelay(relay.StatusRouting)
	r.Route = []relay.Hop{{Chain: "neo", Sequence: 1}}
	st.SaveRelay(context.Background(), r)

	e := testEngine(st, chain.MapRegistry{})
	e.driveOnce(context.Background(), r)

	if r.Status != relay.StatusExecuting {
		t.Fatalf("expected status executing, got %s", r.Status)
	}
	attempts, _ := st.ListAttempts(context.Background(), r.ID)
	if len(attempts) != 1 || attempts[0].Status != relay.AttemptSuccess {
		t.Fatalf("expected one successful route_discovery attempt, got %+v", attempts)
	}
}

func TestDriveOnceRoutingWithoutRouteFails(t *testing.T) {
	st := newFakeStore()
	r := baseRelay(relay.StatusRouting)
	st.SaveRelay(context.Background(), r)

	e := testEngine(st, chain.MapRegistry{})
	e.driveOnce(context.Background(), r)

	if r.Status != relay.StatusFailed {
		t.Fatalf("expected status failed when no route found, got %s", r.Status)
	}
}

func TestDriveOnceLockTargetSuccessMovesToConfirming(t *testing.T) {
	st := newFakeStore()
	r := baseRelay(relay.StatusExecuting)
	st.SaveRelay(context.Background(), r)

	registry := chain.MapRegistry{"neo": &fakeChainClient{chainID: "neo"}}
	e := testEngine(st, registry)
	e.driveOnce(context.Background(), r)

	if r.Status != relay.StatusConfirming {
		t.Fatalf("expected status confirming, got %s", r.Status)
	}
}

func TestDriveOnceLockTargetNoClientFails(t *testing.T) {
	st := newFakeStore()
	r := baseRelay(relay.StatusExecuting)
	st.SaveRelay(context.Background(), r)

	e := testEngine(st, chain.MapRegistry{})
	e.driveOnce(context.Background(), r)

	if r.Status != relay.StatusFailed {
		t.Fatalf("expected status failed with no chain client, got %s", r.Status)
	}
}

func TestDriveOnceRevealSecretCompletesRelay(t *testing.T) {
	st := newFakeStore()
	r := baseRelay(relay.StatusConfirming)
	st.SaveRelay(context.Background(), r)

	registry := chain.MapRegistry{"neo": &fakeChainClient{chainID: "neo"}}
	e := testEngine(st, registry)
	e.driveOnce(context.Background(), r)

	if r.Status != relay.StatusCompleted {
		t.Fatalf("expected status completed, got %s", r.Status)
	}
}

func TestDriveOnceChainRejectFailsImmediately(t *testing.T) {
	st := newFakeStore()
	r := baseRelay(relay.StatusExecuting)
	st.SaveRelay(context.Background(), r)

	registry := chain.MapRegistry{"neo": &fakeChainClient{
		chainID:   "neo",
		createErr: svcerrors.ChainReject("lock_target", errors.New("htlc already exists")),
	}}
	e := testEngine(st, registry)
	e.driveOnce(context.Background(), r)

	if r.Status != relay.StatusFailed {
		t.Fatalf("expected status failed on chain reject, got %s", r.Status)
	}
	if r.RetryCount != 1 {
		t.Fatalf("expected retry count to record the single attempt, got %d", r.RetryCount)
	}
}

func TestDriveOnceTransientErrorStaysInPlaceForRetry(t *testing.T) {
	st := newFakeStore()
	r := baseRelay(relay.StatusExecuting)
	st.SaveRelay(context.Background(), r)

	registry := chain.MapRegistry{"neo": &fakeChainClient{
		chainID:   "neo",
		createErr: svcerrors.ChainTransient(svcerrors.ChainErrorTimeout, "lock_target", errors.New("timed out")),
	}}
	e := testEngine(st, registry)
	e.driveOnce(context.Background(), r)

	if r.Status != relay.StatusExecuting {
		t.Fatalf("expected relay to remain executing pending retry, got %s", r.Status)
	}
	if r.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", r.RetryCount)
	}
	if r.NextAttemptAt.IsZero() {
		t.Fatal("expected next_attempt_at to be set for a back-off retry")
	}
}

func TestRetryBudgetIsPerAction(t *testing.T) {
	st := newFakeStore()
	r := baseRelay(relay.StatusExecuting)
	r.RetryCount = 2 // two retries already burned on route_discovery
	st.SaveRelay(context.Background(), r)

	// Seed the attempt trail with the earlier route_discovery failures; they
	// must not count against lock_target's budget.
	for i := 1; i <= 2; i++ {
		st.SaveAttempt(context.Background(), &relay.RelayAttempt{
			ID: "rd-" + string(rune('0'+i)), RelayID: r.ID, AttemptNumber: i,
			Action: relay.ActionRouteDiscovery, Status: relay.AttemptFailed,
		})
	}

	registry := chain.MapRegistry{"neo": &fakeChainClient{
		chainID:   "neo",
		createErr: svcerrors.ChainTransient(svcerrors.ChainErrorTimeout, "lock_target", errors.New("timed out")),
	}}
	e := testEngine(st, registry) // MaxRetriesPerAction = 2
	e.driveOnce(context.Background(), r)

	if r.Status != relay.StatusExecuting {
		t.Fatalf("expected a fresh action to keep its own retry budget, got %s", r.Status)
	}
	if r.RetryCount != 3 {
		t.Fatalf("expected retry count to keep the cross-action sum, got %d", r.RetryCount)
	}
}

func TestRetryBudgetExhaustedForSameAction(t *testing.T) {
	st := newFakeStore()
	r := baseRelay(relay.StatusExecuting)
	st.SaveRelay(context.Background(), r)

	st.SaveAttempt(context.Background(), &relay.RelayAttempt{
		ID: "lt-1", RelayID: r.ID, AttemptNumber: 1,
		Action: relay.ActionLockTarget, Status: relay.AttemptFailed,
	})

	registry := chain.MapRegistry{"neo": &fakeChainClient{
		chainID:   "neo",
		createErr: svcerrors.ChainTransient(svcerrors.ChainErrorTimeout, "lock_target", errors.New("timed out")),
	}}
	e := testEngine(st, registry) // MaxRetriesPerAction = 2
	e.driveOnce(context.Background(), r)

	if r.Status != relay.StatusFailed {
		t.Fatalf("expected the relay to fail once lock_target's own budget is spent, got %s", r.Status)
	}
}

func TestDriveOnceRefundPastDeadline(t *testing.T) {
	st := newFakeStore()
	r := baseRelay(relay.StatusExecuting)
	r.Timelock = time.Now().Add(time.Minute) // inside the default 5-minute refund buffer
	st.SaveRelay(context.Background(), r)

	registry := chain.MapRegistry{"ethereum": &fakeChainClient{chainID: "ethereum"}}
	e := testEngine(st, registry)
	e.driveOnce(context.Background(), r)

	if r.Status != relay.StatusRefunded {
		t.Fatalf("expected status refunded past the refund deadline, got %s", r.Status)
	}
}

func TestReconcileFromChainViewWithdrawnCompletesRelay(t *testing.T) {
	st := newFakeStore()
	r := baseRelay(relay.StatusConfirming)
	st.SaveRelay(context.Background(), r)

	e := testEngine(st, chain.MapRegistry{})
	e.reconcileFromChainView(context.Background(), r, &chain.HTLCView{Withdrawn: true})

	if r.Status != relay.StatusCompleted {
		t.Fatalf("expected reconciliation to complete the relay, got %s", r.Status)
	}
}

func TestReconcileFromChainViewRefundedMovesToRefunded(t *testing.T) {
	st := newFakeStore()
	r := baseRelay(relay.StatusExpired)
	st.SaveRelay(context.Background(), r)

	e := testEngine(st, chain.MapRegistry{})
	e.reconcileFromChainView(context.Background(), r, &chain.HTLCView{Refunded: true})

	if r.Status != relay.StatusRefunded {
		t.Fatalf("expected reconciliation to mark the relay refunded, got %s", r.Status)
	}
}

// failingUpdateStore rejects every relay update, exercising the engine's
// persistence-failure path.
type failingUpdateStore struct {
	*fakeStore
	updateErr error
}

func (s *failingUpdateStore) UpdateRelay(ctx context.Context, r *relay.Relay) error {
	return s.updateErr
}

func TestTransitionPersistFailureLeavesPriorState(t *testing.T) {
	st := &failingUpdateStore{
		fakeStore: newFakeStore(),
		updateErr: svcerrors.StoreUnavailable("update_relay", errors.New("connection refused")),
	}
	r := baseRelay(relay.StatusRouting)

	cfg := DefaultConfig()
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMaxDelay = 2 * time.Millisecond
	exec := executor.New(executor.Config{MaxConcurrent: 1, QueueLimit: 10, DefaultDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffMultiplier: 2})
	e := New(cfg, st, chain.MapRegistry{}, exec, chain.NoopSink{}, nil)

	e.transition(context.Background(), r, relay.StatusExecuting)

	if r.Status != relay.StatusRouting {
		t.Fatalf("expected relay to stay in its prior state after a failed persist, got %s", r.Status)
	}
	if e.Healthy() {
		t.Fatal("expected engine to mark itself unhealthy after an unrecoverable persist failure")
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.BackoffMultiplier = 2
	cfg.BackoffMaxDelay = 25 * time.Millisecond

	d1 := backoffDelay(cfg, 1)
	d3 := backoffDelay(cfg, 3)

	if d1 <= 0 {
		t.Fatal("expected a positive first back-off delay")
	}
	if d3 <= d1 {
		t.Fatalf("expected back-off delay to grow from %v, got %v", d1, d3)
	}
	if d3 > cfg.BackoffMaxDelay {
		t.Fatalf("expected back-off delay to be capped at %v, got %v", cfg.BackoffMaxDelay, d3)
	}
}
