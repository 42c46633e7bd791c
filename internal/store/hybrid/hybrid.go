// Package hybrid composes a truth backend and a cache backend under one
// per-entity read/write policy, presenting the same store.Store contract
// so the engine is agnostic to which mode is active.
package hybrid

import (
	"context"
	"time"

	"github.com/R3E-Network/swap-relayer/domain/relay"
	"github.com/R3E-Network/swap-relayer/internal/store"
)

// Store composes a truth backend (strong consistency) with a cache backend
// (low-latency reads) per entity-specific policy. Only the truth backend
// offers ACID transactions; cache writes inside a transaction are best
// effort and reconciled immediately rather than deferred to commit, which
// keeps hybrid mode simple at the cost of a narrow post-commit window where
// a reader hitting cache could observe a value not yet visible to a
// concurrent truth-only reader; the next cache refresh resolves it.
type Store struct {
	truth store.Store
	cache store.Store
}

// New composes a truth and a cache backend into the hybrid policy.
func New(truth, cache store.Store) *Store {
	return &Store{truth: truth, cache: cache}
}

// BeginTx scopes the transaction to the truth backend; the cache backend
// is never enlisted since it offers no isolation to enlist.
func (s *Store) BeginTx(ctx context.Context) (context.Context, store.Tx, error) {
	return s.truth.BeginTx(ctx)
}

// SaveRelay writes truth first (the durable source) then best-effort
// refreshes the cache; a cache write failure does not fail the call, since
// truth already has the authoritative value and the next read will repair
// the cache on miss.
func (s *Store) SaveRelay(ctx context.Context, r *relay.Relay) error {
	if err := s.truth.SaveRelay(ctx, r); err != nil {
		return err
	}
	_ = s.cache.SaveRelay(ctx, r)
	return nil
}

// UpdateRelay follows the same write-both policy as SaveRelay.
func (s *Store) UpdateRelay(ctx context.Context, r *relay.Relay) error {
	if err := s.truth.UpdateRelay(ctx, r); err != nil {
		return err
	}
	_ = s.cache.UpdateRelay(ctx, r)
	return nil
}

// GetRelay reads cache first; on miss it reads truth and repopulates cache.
func (s *Store) GetRelay(ctx context.Context, id string) (*relay.Relay, error) {
	if r, err := s.cache.GetRelay(ctx, id); err == nil {
		return r, nil
	}
	r, err := s.truth.GetRelay(ctx, id)
	if err != nil {
		return nil, err
	}
	_ = s.cache.SaveRelay(ctx, r)
	return r, nil
}

// ListRelays always reads truth: listing filters are not served reliably
// from the cache's index sets once entries have aged past their TTL.
func (s *Store) ListRelays(ctx context.Context, filter store.RelayFilter) ([]*relay.Relay, error) {
	return s.truth.ListRelays(ctx, filter)
}

// DeleteRelay deletes from truth then invalidates the cache entry.
func (s *Store) DeleteRelay(ctx context.Context, id string) error {
	if err := s.truth.DeleteRelay(ctx, id); err != nil {
		return err
	}
	_ = s.cache.DeleteRelay(ctx, id)
	return nil
}

// AcquireLease always claims through truth: only a relational row lock
// gives the exclusivity guarantee the per-relay lease depends on.
func (s *Store) AcquireLease(ctx context.Context, owner string, leaseTTL time.Duration, activeStatuses []relay.Status) (*relay.Relay, error) {
	r, err := s.truth.AcquireLease(ctx, owner, leaseTTL, activeStatuses)
	if err != nil || r == nil {
		return r, err
	}
	_ = s.cache.SaveRelay(ctx, r)
	return r, nil
}

// HeartbeatLease extends the lease in truth then refreshes the cache copy.
func (s *Store) HeartbeatLease(ctx context.Context, relayID, owner string, leaseTTL time.Duration) error {
	if err := s.truth.HeartbeatLease(ctx, relayID, owner, leaseTTL); err != nil {
		return err
	}
	if r, err := s.truth.GetRelay(ctx, relayID); err == nil {
		_ = s.cache.SaveRelay(ctx, r)
	}
	return nil
}

// ReleaseLease clears the lease in truth then refreshes the cache copy.
func (s *Store) ReleaseLease(ctx context.Context, relayID, owner string) error {
	if err := s.truth.ReleaseLease(ctx, relayID, owner); err != nil {
		return err
	}
	if r, err := s.truth.GetRelay(ctx, relayID); err == nil {
		_ = s.cache.SaveRelay(ctx, r)
	}
	return nil
}

// SaveAttempt always writes truth (the append-only audit trail); it is
// additionally cached only while the attempt is pending or in_progress,
// per the hybrid policy table.
func (s *Store) SaveAttempt(ctx context.Context, a *relay.RelayAttempt) error {
	if err := s.truth.SaveAttempt(ctx, a); err != nil {
		return err
	}
	if a.Status == relay.AttemptPending || a.Status == relay.AttemptInProgress {
		_ = s.cache.SaveAttempt(ctx, a)
	}
	return nil
}

// UpdateAttempt follows SaveAttempt's policy; a transition to a final
// status is written to truth and the cache's copy is left to expire.
func (s *Store) UpdateAttempt(ctx context.Context, a *relay.RelayAttempt) error {
	if err := s.truth.UpdateAttempt(ctx, a); err != nil {
		return err
	}
	if a.Status == relay.AttemptPending || a.Status == relay.AttemptInProgress {
		_ = s.cache.SaveAttempt(ctx, a)
	}
	return nil
}

// ListAttempts always reads truth: it is the authoritative history, and
// the cache only ever holds the active subset.
func (s *Store) ListAttempts(ctx context.Context, relayID string) ([]*relay.RelayAttempt, error) {
	return s.truth.ListAttempts(ctx, relayID)
}

// SaveChainState writes both backends.
func (s *Store) SaveChainState(ctx context.Context, cs *relay.ChainState) error {
	if err := s.truth.SaveChainState(ctx, cs); err != nil {
		return err
	}
	_ = s.cache.SaveChainState(ctx, cs)
	return nil
}

// GetChainState reads cache first for freshness, falling back to truth.
func (s *Store) GetChainState(ctx context.Context, chainID string) (*relay.ChainState, error) {
	if cs, err := s.cache.GetChainState(ctx, chainID); err == nil {
		return cs, nil
	}
	cs, err := s.truth.GetChainState(ctx, chainID)
	if err != nil {
		return nil, err
	}
	_ = s.cache.SaveChainState(ctx, cs)
	return cs, nil
}

// SaveBreakerState writes both backends.
func (s *Store) SaveBreakerState(ctx context.Context, cb *relay.CircuitBreakerState) error {
	if err := s.truth.SaveBreakerState(ctx, cb); err != nil {
		return err
	}
	_ = s.cache.SaveBreakerState(ctx, cb)
	return nil
}

// GetBreakerState reads cache first.
func (s *Store) GetBreakerState(ctx context.Context, name string) (*relay.CircuitBreakerState, error) {
	if cb, err := s.cache.GetBreakerState(ctx, name); err == nil {
		return cb, nil
	}
	cb, err := s.truth.GetBreakerState(ctx, name)
	if err != nil {
		return nil, err
	}
	_ = s.cache.SaveBreakerState(ctx, cb)
	return cb, nil
}

// SaveMetricsSnapshot writes both backends.
func (s *Store) SaveMetricsSnapshot(ctx context.Context, m *relay.MetricsSnapshot) error {
	if err := s.truth.SaveMetricsSnapshot(ctx, m); err != nil {
		return err
	}
	_ = s.cache.SaveMetricsSnapshot(ctx, m)
	return nil
}

// GetLatestMetricsSnapshot reads cache first.
func (s *Store) GetLatestMetricsSnapshot(ctx context.Context) (*relay.MetricsSnapshot, error) {
	if m, err := s.cache.GetLatestMetricsSnapshot(ctx); err == nil {
		return m, nil
	}
	m, err := s.truth.GetLatestMetricsSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	_ = s.cache.SaveMetricsSnapshot(ctx, m)
	return m, nil
}

// ListMetricsRange is truth-only: historical range queries need the
// relational index, and stale cache entries would punch holes in the range.
func (s *Store) ListMetricsRange(ctx context.Context, r store.MetricsRange) ([]*relay.MetricsSnapshot, error) {
	return s.truth.ListMetricsRange(ctx, r)
}

// Cleanup sweeps truth (the authoritative record) then mirrors the sweep
// against cache so stale terminal entries don't linger past their TTL.
func (s *Store) Cleanup(ctx context.Context, policy store.RetentionPolicy) (int64, error) {
	n, err := s.truth.Cleanup(ctx, policy)
	if err != nil {
		return n, err
	}
	_, _ = s.cache.Cleanup(ctx, policy)
	return n, nil
}

// Vacuum delegates to truth; the cache backend has no equivalent operation.
func (s *Store) Vacuum(ctx context.Context) error {
	return s.truth.Vacuum(ctx)
}

// Ping succeeds only if both backends are reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.truth.Ping(ctx); err != nil {
		return err
	}
	return s.cache.Ping(ctx)
}

// Stats merges both backends' health and reports the cache hit rate.
func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	truthStats, err := s.truth.Stats(ctx)
	if err != nil {
		return store.Stats{}, err
	}
	cacheStats, err := s.cache.Stats(ctx)
	if err != nil {
		return store.Stats{}, err
	}
	return store.Stats{
		Backend:          "hybrid",
		TruthHealthy:     truthStats.TruthHealthy,
		CacheHealthy:     cacheStats.CacheHealthy,
		CacheHitRate:     cacheStats.CacheHitRate,
		RelayCount:       truthStats.RelayCount,
		ActiveRelayCount: truthStats.ActiveRelayCount,
	}, nil
}
