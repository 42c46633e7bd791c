// Package cache is the Redis-only backend for the Job Store: relaxed
// durability, no transactional isolation, but the full store.Store surface
// so it can run standalone in cache-only mode or be composed under the
// hybrid backend.
package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/R3E-Network/swap-relayer/domain/relay"
	infracache "github.com/R3E-Network/swap-relayer/infrastructure/cache"
	svcerrors "github.com/R3E-Network/swap-relayer/infrastructure/errors"
	"github.com/R3E-Network/swap-relayer/internal/store"
)

// entity classes tracked by the hit/miss counters.
const (
	classRelay   = "relay"
	classAttempt = "attempt"
	classChain   = "chain_state"
	classBreaker = "circuit_breaker"
	classMetrics = "metrics_snapshot"
)

var entityClasses = []string{classRelay, classAttempt, classChain, classBreaker, classMetrics}

// hitCounter tracks reads against one entity class. Plain atomics: these are
// bumped on every read path and read only by Stats/HitRates.
type hitCounter struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (h *hitCounter) observe(hit bool) {
	if hit {
		h.hits.Add(1)
		return
	}
	h.misses.Add(1)
}

func (h *hitCounter) rate() (hits, total int64) {
	hits = h.hits.Load()
	return hits, hits + h.misses.Load()
}

// Store is the cache-only backend. Its "transaction" neither batches nor
// isolates: every write runs against Redis as it is made, so a Rollback
// does not discard writes already issued inside the scope.
type Store struct {
	c *infracache.Cache

	counters map[string]*hitCounter
}

// New wraps an infrastructure cache as a standalone Job Store backend.
func New(c *infracache.Cache) *Store {
	counters := make(map[string]*hitCounter, len(entityClasses))
	for _, class := range entityClasses {
		counters[class] = &hitCounter{}
	}
	return &Store{c: c, counters: counters}
}

// pipelineTx is the cache backend's "transaction": Commit and Rollback are
// no-ops because every call already executed directly against Redis: there
// is no deferred batch to flush or discard, only the option to have not
// called BeginTx at all.
type pipelineTx struct{}

func (pipelineTx) Commit(ctx context.Context) error   { return nil }
func (pipelineTx) Rollback(ctx context.Context) error { return nil }

// BeginTx returns a no-op scope; the cache backend provides no isolation.
func (s *Store) BeginTx(ctx context.Context) (context.Context, store.Tx, error) {
	return ctx, pipelineTx{}, nil
}

func ttlFor(status relay.Status) time.Duration {
	if status.Terminal() {
		return store.TerminalRelayTTL
	}
	return store.NoTTL
}

// SaveRelay writes a relay and maintains its status index sets.
func (s *Store) SaveRelay(ctx context.Context, r *relay.Relay) error {
	if err := s.c.Set(ctx, store.RelayKey(r.ID), r, ttlFor(r.Status)); err != nil {
		return svcerrors.StoreUnavailable("save_relay", err)
	}
	if err := s.c.AddToSet(ctx, store.KeyRelayPending, r.ID); err != nil {
		return svcerrors.StoreUnavailable("save_relay_index", err)
	}
	if err := s.c.AddToSet(ctx, store.RelayStatusKey(r.Status), r.ID); err != nil {
		return svcerrors.StoreUnavailable("save_relay_status_index", err)
	}
	return nil
}

// UpdateRelay re-saves a relay, moving it between status index sets if its
// status changed since the last read.
func (s *Store) UpdateRelay(ctx context.Context, r *relay.Relay) error {
	existing, err := s.GetRelay(ctx, r.ID)
	if err == nil && existing.Status != r.Status {
		_ = s.c.RemoveFromSet(ctx, store.RelayStatusKey(existing.Status), r.ID)
	}
	if r.Status.Terminal() {
		_ = s.c.RemoveFromSet(ctx, store.KeyRelayPending, r.ID)
	}
	return s.SaveRelay(ctx, r)
}

// GetRelay reads a single relay.
func (s *Store) GetRelay(ctx context.Context, id string) (*relay.Relay, error) {
	var r relay.Relay
	hit, err := s.c.Get(ctx, store.RelayKey(id), &r)
	if err != nil {
		return nil, svcerrors.StoreUnavailable("get_relay", err)
	}
	s.counters[classRelay].observe(hit)
	if !hit {
		return nil, svcerrors.NotFound("relay", id)
	}
	return &r, nil
}

// ListRelays lists relays by consulting the relevant status index sets.
// A zero-value filter lists every relay currently indexed as pending or
// carrying a known status — there is no full-table scan in cache-only mode.
func (s *Store) ListRelays(ctx context.Context, filter store.RelayFilter) ([]*relay.Relay, error) {
	var ids []string
	switch {
	case filter.Status != "":
		members, err := s.c.SetMembers(ctx, store.RelayStatusKey(filter.Status))
		if err != nil {
			return nil, svcerrors.StoreUnavailable("list_relays", err)
		}
		ids = members
	case len(filter.AnyOfStatus) > 0:
		seen := make(map[string]bool)
		for _, st := range filter.AnyOfStatus {
			members, err := s.c.SetMembers(ctx, store.RelayStatusKey(st))
			if err != nil {
				return nil, svcerrors.StoreUnavailable("list_relays", err)
			}
			for _, id := range members {
				seen[id] = true
			}
		}
		for id := range seen {
			ids = append(ids, id)
		}
	default:
		members, err := s.c.SetMembers(ctx, store.KeyRelayPending)
		if err != nil {
			return nil, svcerrors.StoreUnavailable("list_relays", err)
		}
		ids = members
	}

	out := make([]*relay.Relay, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetRelay(ctx, id)
		if err != nil {
			continue // index entry outlived the TTL'd value
		}
		out = append(out, r)
	}
	if filter.Offset > 0 && filter.Offset < len(out) {
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// DeleteRelay removes a relay and its index entries.
func (s *Store) DeleteRelay(ctx context.Context, id string) error {
	r, err := s.GetRelay(ctx, id)
	if err != nil {
		return err
	}
	_ = s.c.RemoveFromSet(ctx, store.KeyRelayPending, id)
	_ = s.c.RemoveFromSet(ctx, store.RelayStatusKey(r.Status), id)
	if err := s.c.Invalidate(ctx, store.RelayKey(id)); err != nil {
		return svcerrors.StoreUnavailable("delete_relay", err)
	}
	return nil
}

// AcquireLease scans the active-status index sets for an unheld or expired
// lease. This is advisory, not atomic — cache-only mode documents relaxed
// durability and no cross-process isolation; truth-backed and hybrid modes
// use the database's row lock instead.
func (s *Store) AcquireLease(ctx context.Context, owner string, leaseTTL time.Duration, activeStatuses []relay.Status) (*relay.Relay, error) {
	now := time.Now().UTC()
	for _, st := range activeStatuses {
		ids, err := s.c.SetMembers(ctx, store.RelayStatusKey(st))
		if err != nil {
			return nil, svcerrors.StoreUnavailable("acquire_lease", err)
		}
		for _, id := range ids {
			r, err := s.GetRelay(ctx, id)
			if err != nil {
				continue
			}
			if r.Leased(now) {
				continue
			}
			if !r.NextAttemptAt.IsZero() && r.NextAttemptAt.After(now) {
				continue
			}
			r.LeaseOwner = owner
			r.LeaseExpiry = now.Add(leaseTTL)
			if err := s.SaveRelay(ctx, r); err != nil {
				return nil, err
			}
			return r, nil
		}
	}
	return nil, nil
}

// HeartbeatLease extends a held lease.
func (s *Store) HeartbeatLease(ctx context.Context, relayID, owner string, leaseTTL time.Duration) error {
	r, err := s.GetRelay(ctx, relayID)
	if err != nil {
		return err
	}
	if r.LeaseOwner != owner {
		return svcerrors.InternalInvariant("heartbeat on relay not held by this owner")
	}
	r.LeaseExpiry = time.Now().UTC().Add(leaseTTL)
	return s.SaveRelay(ctx, r)
}

// ReleaseLease clears a held lease.
func (s *Store) ReleaseLease(ctx context.Context, relayID, owner string) error {
	r, err := s.GetRelay(ctx, relayID)
	if err != nil {
		return err
	}
	if r.LeaseOwner != owner {
		return nil
	}
	r.LeaseOwner = ""
	r.LeaseExpiry = time.Time{}
	return s.SaveRelay(ctx, r)
}

// SaveAttempt appends an attempt to the relay's ordered attempt list. Only
// pending/in_progress attempts are cached per the hybrid policy table; this
// standalone backend caches every attempt, consistent with the "relaxed
// durability" contract for cache-only mode.
func (s *Store) SaveAttempt(ctx context.Context, a *relay.RelayAttempt) error {
	existing, _ := s.ListAttempts(ctx, a.RelayID)
	replaced := false
	for i, e := range existing {
		if e.AttemptNumber == a.AttemptNumber {
			existing[i] = a
			replaced = true
			break
		}
	}
	if !replaced {
		existing = append(existing, a)
	}
	if err := s.c.Set(ctx, store.RelayAttemptsKey(a.RelayID), existing, store.AttemptTTL); err != nil {
		return svcerrors.StoreUnavailable("save_attempt", err)
	}
	return nil
}

// UpdateAttempt is an alias of SaveAttempt: both upsert by attempt_number.
func (s *Store) UpdateAttempt(ctx context.Context, a *relay.RelayAttempt) error {
	return s.SaveAttempt(ctx, a)
}

// ListAttempts returns the cached attempt list for a relay, or an empty
// slice if nothing is cached (the TTL elapsed or nothing was ever written).
func (s *Store) ListAttempts(ctx context.Context, relayID string) ([]*relay.RelayAttempt, error) {
	var attempts []*relay.RelayAttempt
	hit, err := s.c.Get(ctx, store.RelayAttemptsKey(relayID), &attempts)
	if err != nil {
		return nil, svcerrors.StoreUnavailable("list_attempts", err)
	}
	s.counters[classAttempt].observe(hit)
	if !hit {
		return []*relay.RelayAttempt{}, nil
	}
	return attempts, nil
}

// SaveChainState caches a chain's observed progress with no expiration.
func (s *Store) SaveChainState(ctx context.Context, cs *relay.ChainState) error {
	if err := s.c.Set(ctx, store.ChainKey(cs.ChainID), cs, store.NoTTL); err != nil {
		return svcerrors.StoreUnavailable("save_chain_state", err)
	}
	return nil
}

// GetChainState reads a chain's cached observed progress.
func (s *Store) GetChainState(ctx context.Context, chainID string) (*relay.ChainState, error) {
	var cs relay.ChainState
	hit, err := s.c.Get(ctx, store.ChainKey(chainID), &cs)
	if err != nil {
		return nil, svcerrors.StoreUnavailable("get_chain_state", err)
	}
	s.counters[classChain].observe(hit)
	if !hit {
		return nil, svcerrors.NotFound("chain_state", chainID)
	}
	return &cs, nil
}

// SaveBreakerState caches a circuit breaker's persisted state.
func (s *Store) SaveBreakerState(ctx context.Context, cb *relay.CircuitBreakerState) error {
	if err := s.c.Set(ctx, store.CircuitKey(cb.Name), cb, store.NoTTL); err != nil {
		return svcerrors.StoreUnavailable("save_breaker_state", err)
	}
	return nil
}

// GetBreakerState reads a circuit breaker's cached persisted state.
func (s *Store) GetBreakerState(ctx context.Context, name string) (*relay.CircuitBreakerState, error) {
	var cb relay.CircuitBreakerState
	hit, err := s.c.Get(ctx, store.CircuitKey(name), &cb)
	if err != nil {
		return nil, svcerrors.StoreUnavailable("get_breaker_state", err)
	}
	s.counters[classBreaker].observe(hit)
	if !hit {
		return nil, svcerrors.NotFound("circuit_breaker_state", name)
	}
	return &cb, nil
}

// SaveMetricsSnapshot caches the snapshot and indexes it on the metrics
// timeline sorted set so range queries work without a relational store.
func (s *Store) SaveMetricsSnapshot(ctx context.Context, m *relay.MetricsSnapshot) error {
	if err := s.c.Set(ctx, store.MetricsKey(m.ID), m, store.MetricsTTL); err != nil {
		return svcerrors.StoreUnavailable("save_metrics_snapshot", err)
	}
	if err := s.c.AddToTimeline(ctx, store.KeyMetricsTimeline, float64(m.Timestamp.Unix()), m.ID); err != nil {
		return svcerrors.StoreUnavailable("save_metrics_timeline", err)
	}
	return nil
}

// GetLatestMetricsSnapshot returns the most recently indexed snapshot.
func (s *Store) GetLatestMetricsSnapshot(ctx context.Context) (*relay.MetricsSnapshot, error) {
	ids, err := s.c.TimelineRange(ctx, store.KeyMetricsTimeline, 0, float64(time.Now().Unix()))
	if err != nil {
		return nil, svcerrors.StoreUnavailable("get_latest_metrics_snapshot", err)
	}
	if len(ids) == 0 {
		return nil, svcerrors.NotFound("metrics_snapshot", "latest")
	}
	var m relay.MetricsSnapshot
	hit, err := s.c.Get(ctx, store.MetricsKey(ids[len(ids)-1]), &m)
	if err != nil {
		return nil, svcerrors.StoreUnavailable("get_latest_metrics_snapshot", err)
	}
	s.counters[classMetrics].observe(hit)
	if !hit {
		return nil, svcerrors.NotFound("metrics_snapshot", "latest")
	}
	return &m, nil
}

// ListMetricsRange serves a metrics range query from the timeline index.
// The hybrid composition routes range queries to truth; this path only
// activates in standalone cache-only mode, where no truth backend exists
// to serve it.
func (s *Store) ListMetricsRange(ctx context.Context, r store.MetricsRange) ([]*relay.MetricsSnapshot, error) {
	ids, err := s.c.TimelineRange(ctx, store.KeyMetricsTimeline, float64(r.From.Unix()), float64(r.To.Unix()))
	if err != nil {
		return nil, svcerrors.StoreUnavailable("list_metrics_range", err)
	}
	out := make([]*relay.MetricsSnapshot, 0, len(ids))
	for _, id := range ids {
		var m relay.MetricsSnapshot
		hit, err := s.c.Get(ctx, store.MetricsKey(id), &m)
		if err != nil {
			return nil, svcerrors.StoreUnavailable("list_metrics_range", err)
		}
		if hit {
			out = append(out, &m)
		}
	}
	return out, nil
}

// Cleanup drops cache entries for terminal relays past the retention
// cutoff. Active-entity entries carry no TTL and so are never swept here.
func (s *Store) Cleanup(ctx context.Context, policy store.RetentionPolicy) (int64, error) {
	if policy.TerminalRelayBefore.IsZero() {
		return 0, nil
	}
	relays, err := s.ListRelays(ctx, store.RelayFilter{})
	if err != nil {
		return 0, err
	}
	var deleted int64
	for _, r := range relays {
		if r.Status.Terminal() && r.UpdatedAt.Before(policy.TerminalRelayBefore) {
			if err := s.DeleteRelay(ctx, r.ID); err == nil {
				deleted++
			}
		}
	}
	return deleted, nil
}

// Vacuum is a no-op for the cache backend: Redis reclaims expired keys on
// its own schedule and there is no equivalent of a table rewrite.
func (s *Store) Vacuum(ctx context.Context) error { return nil }

// Ping verifies Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.c.Ping(ctx); err != nil {
		return svcerrors.StoreUnavailable("ping", err)
	}
	return nil
}

// HitRates reports the per-entity-class cache hit rate observed since
// construction. Classes with no reads yet are omitted.
func (s *Store) HitRates() map[string]float64 {
	out := make(map[string]float64, len(s.counters))
	for class, ctr := range s.counters {
		hits, total := ctr.rate()
		if total == 0 {
			continue
		}
		out[class] = float64(hits) / float64(total)
	}
	return out
}

// hitRate aggregates every entity class into one overall hit rate.
func (s *Store) hitRate() float64 {
	var hits, total int64
	for _, ctr := range s.counters {
		h, t := ctr.rate()
		hits += h
		total += t
	}
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Stats reports cache pool usage, the aggregate hit rate, and relay counts
// from the pending index.
func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	stats := store.Stats{Backend: "cache", CacheHitRate: s.hitRate()}
	if err := s.Ping(ctx); err != nil {
		stats.CacheHealthy = false
		return stats, nil
	}
	stats.CacheHealthy = true

	ids, err := s.c.SetMembers(ctx, store.KeyRelayPending)
	if err == nil {
		stats.RelayCount = int64(len(ids))
	}
	return stats, nil
}
