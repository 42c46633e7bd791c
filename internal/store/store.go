// Package store defines the Job Store contract implemented by the truth
// (Postgres), cache (Redis), and hybrid backends: typed save/update/get/list
// for every relay domain entity, plus transaction, maintenance, and health
// operations. The engine depends only on this interface, never on a
// concrete backend, so the active mode is a pure configuration choice.
package store

import (
	"context"
	"time"

	"github.com/R3E-Network/swap-relayer/domain/relay"
)

// RelayFilter narrows ListRelays. A zero-value filter lists every relay.
type RelayFilter struct {
	Status       relay.Status
	AnyOfStatus  []relay.Status
	Limit        int
	Offset       int
}

// MetricsRange selects a closed time interval for historical metrics
// queries, which are always served from truth.
type MetricsRange struct {
	From time.Time
	To   time.Time
}

// Stats is the store-wide health/usage rollup returned by Stats.
type Stats struct {
	Backend          string  `json:"backend"`
	TruthHealthy     bool    `json:"truth_healthy"`
	CacheHealthy     bool    `json:"cache_healthy"`
	CacheHitRate     float64 `json:"cache_hit_rate"`
	RelayCount       int64   `json:"relay_count"`
	ActiveRelayCount int64   `json:"active_relay_count"`
}

// RetentionPolicy parameterizes Cleanup: terminal relays and metrics
// snapshots older than their respective cutoffs are eligible for deletion.
// Cleanup never deletes a non-terminal relay regardless of age.
type RetentionPolicy struct {
	TerminalRelayBefore time.Time
	MetricsBefore       time.Time
}

// Tx is a scoped write set returned by BeginTx. Only the truth backend
// offers real ACID semantics; the cache backend's transaction is a no-op
// scope whose writes run immediately, so it neither commits nor discards
// them as a unit and provides no isolation.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is the Job Store contract: typed per-entity operations plus
// transaction, maintenance, and health surface. All three backend
// compositions (truth-only, cache-only, hybrid) satisfy it identically.
type Store interface {
	BeginTx(ctx context.Context) (context.Context, Tx, error)

	SaveRelay(ctx context.Context, r *relay.Relay) error
	UpdateRelay(ctx context.Context, r *relay.Relay) error
	GetRelay(ctx context.Context, id string) (*relay.Relay, error)
	ListRelays(ctx context.Context, filter RelayFilter) ([]*relay.Relay, error)
	DeleteRelay(ctx context.Context, id string) error

	// AcquireLease attempts to win the per-relay worker lease: it atomically
	// claims any active-set relay whose lease has expired (or is unheld) and
	// returns it, or nil if none are claimable.
	AcquireLease(ctx context.Context, owner string, leaseTTL time.Duration, activeStatuses []relay.Status) (*relay.Relay, error)
	HeartbeatLease(ctx context.Context, relayID, owner string, leaseTTL time.Duration) error
	ReleaseLease(ctx context.Context, relayID, owner string) error

	SaveAttempt(ctx context.Context, a *relay.RelayAttempt) error
	UpdateAttempt(ctx context.Context, a *relay.RelayAttempt) error
	ListAttempts(ctx context.Context, relayID string) ([]*relay.RelayAttempt, error)

	SaveChainState(ctx context.Context, cs *relay.ChainState) error
	GetChainState(ctx context.Context, chainID string) (*relay.ChainState, error)

	SaveBreakerState(ctx context.Context, cb *relay.CircuitBreakerState) error
	GetBreakerState(ctx context.Context, name string) (*relay.CircuitBreakerState, error)

	SaveMetricsSnapshot(ctx context.Context, m *relay.MetricsSnapshot) error
	GetLatestMetricsSnapshot(ctx context.Context) (*relay.MetricsSnapshot, error)
	ListMetricsRange(ctx context.Context, r MetricsRange) ([]*relay.MetricsSnapshot, error)

	Cleanup(ctx context.Context, policy RetentionPolicy) (int64, error)
	Vacuum(ctx context.Context) error
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
}

// Cache key names. The cache backend namespaces these further with its own
// version prefix; the hybrid backend and the engine only ever see these
// logical names.
const (
	KeyRelayPrefix       = "relay:"
	KeyRelayPending      = "relay:pending"
	KeyRelayStatusPrefix = "relay:status:"
	KeyChainPrefix       = "chain:"
	KeyCircuitPrefix     = "circuit:"
	KeyMetricsPrefix     = "metrics:"
	KeyMetricsTimeline   = "metrics:timeline"
)

// RelayKey returns the cache key for a single relay.
func RelayKey(id string) string { return KeyRelayPrefix + id }

// RelayAttemptsKey returns the cache key for a relay's ordered attempt list.
func RelayAttemptsKey(relayID string) string { return KeyRelayPrefix + relayID + ":attempts" }

// RelayStatusKey returns the cache key for a per-status index set.
func RelayStatusKey(s relay.Status) string { return KeyRelayStatusPrefix + string(s) }

// ChainKey returns the cache key for a chain's observed state.
func ChainKey(chainID string) string { return KeyChainPrefix + chainID }

// CircuitKey returns the cache key for a circuit breaker's persisted state.
func CircuitKey(name string) string { return KeyCircuitPrefix + name }

// MetricsKey returns the cache key for a single metrics snapshot.
func MetricsKey(id string) string { return KeyMetricsPrefix + id }

// TTLs. Terminal relays and attempts are reclaimed after a day;
// metrics snapshots live a week; active entities carry no TTL (negative
// values tell infrastructure/cache to store without expiration).
const (
	TerminalRelayTTL = 24 * time.Hour
	AttemptTTL       = 24 * time.Hour
	MetricsTTL       = 7 * 24 * time.Hour
	NoTTL            = -1 * time.Second
)
