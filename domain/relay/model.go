// Package relay holds the core entities of the cross-chain atomic-swap
// relayer: the Relay state machine, its append-only attempt trail, observed
// chain state, circuit breaker state, and periodic metrics snapshots.
package relay

import "time"

// Status is the lifecycle state of a Relay. Only the terminal statuses below
// end processing; every other status is actively driven by the engine.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRouting    Status = "routing"
	StatusExecuting  Status = "executing"
	StatusConfirming Status = "confirming"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
	StatusRefunded   Status = "refunded"
)

// Terminal reports whether a status ends processing for its relay.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusRefunded:
		return true
	default:
		return false
	}
}

// Active reports whether a relay in this status holds a worker lease and
// must be reconciled against on-chain truth on restart.
func (s Status) Active() bool {
	switch s {
	case StatusRouting, StatusExecuting, StatusConfirming:
		return true
	default:
		return false
	}
}

// Hop describes one leg of a (possibly multi-hop) route.
type Hop struct {
	Chain      string `json:"chain"`
	HTLCID     string `json:"htlc_id,omitempty"`
	Sequence   int    `json:"sequence"`
}

// Relay is the root entity: an in-flight or completed atomic swap.
type Relay struct {
	ID           string            `json:"id" db:"id"`
	SourceChain  string            `json:"source_chain" db:"source_chain"`
	TargetChain  string            `json:"target_chain" db:"target_chain"`
	HTLCID       string            `json:"htlc_id" db:"htlc_id"`
	Sender       string            `json:"sender" db:"sender"`
	Recipient    string            `json:"recipient" db:"recipient"`
	Amount       string            `json:"amount" db:"amount"`
	Token        string            `json:"token" db:"token"`
	Hashlock     string            `json:"hashlock" db:"hashlock"`
	Timelock     time.Time         `json:"timelock" db:"timelock"`
	Route        []Hop             `json:"route" db:"-"`
	Status       Status            `json:"status" db:"status"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at" db:"updated_at"`
	RetryCount   int               `json:"retry_count" db:"retry_count"`
	LastError    string            `json:"last_error,omitempty" db:"last_error"`
	Metadata     map[string]string `json:"metadata,omitempty" db:"-"`

	// NextAttemptAt is when the engine will next touch a relay stalled on
	// back-off, mirroring a dead-letter-style NextAttemptAt field.
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty" db:"next_attempt_at"`

	// LeaseOwner/LeaseExpiry implement the per-relay worker lease: a worker
	// holds exactly one relay by winning the
	// `UPDATE ... WHERE lease_expiry < now RETURNING ...` race.
	LeaseOwner  string    `json:"lease_owner,omitempty" db:"lease_owner"`
	LeaseExpiry time.Time `json:"lease_expiry,omitempty" db:"lease_expiry"`
}

// GetID returns the entity's store key.
func (r Relay) GetID() string { return r.ID }

// Leased reports whether the relay is currently held by a live worker lease.
func (r Relay) Leased(now time.Time) bool {
	return r.LeaseOwner != "" && r.LeaseExpiry.After(now)
}

// RefundDeadline is the point at which a non-terminal relay must move to
// expired regardless of its forward progress.
func (r Relay) RefundDeadline(refundBuffer time.Duration) time.Time {
	return r.Timelock.Add(-refundBuffer)
}

// AttemptAction tags the kind of forward action an attempt represents.
type AttemptAction string

const (
	ActionRouteDiscovery AttemptAction = "route_discovery"
	ActionLockTarget     AttemptAction = "lock_target"
	ActionRevealSecret   AttemptAction = "reveal_secret"
	ActionRefund         AttemptAction = "refund"
)

// AttemptStatus is the outcome of a single RelayAttempt.
type AttemptStatus string

const (
	AttemptPending    AttemptStatus = "pending"
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptSuccess    AttemptStatus = "success"
	AttemptFailed     AttemptStatus = "failed"
	AttemptTimeout    AttemptStatus = "timeout"
)

// RelayAttempt is one forward action taken against a relay. Attempts are
// append-only: (RelayID, AttemptNumber) is unique and never mutated once
// written except to move from an in-progress status to a final one.
type RelayAttempt struct {
	ID            string            `json:"id" db:"id"`
	RelayID       string            `json:"relay_id" db:"relay_id"`
	AttemptNumber int               `json:"attempt_number" db:"attempt_number"`
	Action        AttemptAction     `json:"action" db:"action"`
	Status        AttemptStatus     `json:"status" db:"status"`
	StartedAt     time.Time         `json:"started_at" db:"started_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	TxHash        string            `json:"tx_hash,omitempty" db:"tx_hash"`
	ErrorMessage  string            `json:"error_message,omitempty" db:"error_message"`
	GasUsed       *int64            `json:"gas_used,omitempty" db:"gas_used"`
	Metadata      map[string]string `json:"metadata,omitempty" db:"-"`
}

// GetID returns the entity's store key.
func (a RelayAttempt) GetID() string { return a.ID }

// ChainObservationStatus is the health of an observed chain.
type ChainObservationStatus string

const (
	ChainActive   ChainObservationStatus = "active"
	ChainSyncing  ChainObservationStatus = "syncing"
	ChainError    ChainObservationStatus = "error"
	ChainDisabled ChainObservationStatus = "disabled"
)

// ChainState tracks the relayer's observation progress for one chain.
// LastProcessedBlock/LastProcessedHeight only ever advance.
type ChainState struct {
	ChainID             string                 `json:"chain_id" db:"chain_id"`
	LastProcessedBlock  string                 `json:"last_processed_block" db:"last_processed_block"`
	LastProcessedHeight int64                  `json:"last_processed_height" db:"last_processed_height"`
	Status              ChainObservationStatus `json:"status" db:"status"`
	LastUpdated         time.Time              `json:"last_updated" db:"last_updated"`
	ErrorCount          int                    `json:"error_count" db:"error_count"`
	LastError           string                 `json:"last_error,omitempty" db:"last_error"`
}

// GetID returns the entity's store key (the chain ID).
func (c ChainState) GetID() string { return c.ChainID }

// Advance applies a monotonic update: height and block only move forward.
func (c *ChainState) Advance(block string, height int64, at time.Time) {
	if height <= c.LastProcessedHeight {
		return
	}
	c.LastProcessedBlock = block
	c.LastProcessedHeight = height
	c.LastUpdated = at
}

// BreakerState is the persisted form of a circuit breaker, keyed by
// (endpoint, operation-class) name so restarts do not lose the open window.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreakerState is the durable record of one breaker's state.
type CircuitBreakerState struct {
	Name              string       `json:"name" db:"name"`
	State             BreakerState `json:"state" db:"state"`
	FailureCount      int          `json:"failure_count" db:"failure_count"`
	FailureThreshold  int          `json:"failure_threshold" db:"failure_threshold"`
	NextAttempt       time.Time    `json:"next_attempt" db:"next_attempt"`
	LastTransitionAt  time.Time    `json:"last_transition_at" db:"last_transition_at"`
}

// GetID returns the entity's store key (the breaker name).
func (c CircuitBreakerState) GetID() string { return c.Name }

// ChainHealth is the per-chain slice of a MetricsSnapshot: enough to tell
// whether a chain's observer is keeping up and how it has been behaving.
type ChainHealth struct {
	Status              ChainObservationStatus `json:"status"`
	LastProcessedHeight int64                  `json:"last_processed_height"`
	ErrorCount          int                    `json:"error_count"`
}

// BreakerHealth is the per-breaker slice of a MetricsSnapshot.
type BreakerHealth struct {
	State        BreakerState `json:"state"`
	FailureCount int          `json:"failure_count"`
}

// MetricsSnapshot is a point-in-time rollup of relayer health, persisted for
// both "latest" (cache-first) and historical range queries (truth-only).
type MetricsSnapshot struct {
	ID                string                   `json:"id" db:"id"`
	Timestamp         time.Time                `json:"timestamp" db:"timestamp"`
	RelaysByStatus    map[Status]int           `json:"relays_by_status" db:"-"`
	ActiveRequests    int                      `json:"active_requests" db:"active_requests"`
	QueueLength       int                      `json:"queue_length" db:"queue_length"`
	AdaptiveDelayMs   int64                    `json:"adaptive_delay_ms" db:"adaptive_delay_ms"`
	ConsecutiveErrors int                      `json:"consecutive_errors" db:"consecutive_errors"`
	RecentErrorRate   float64                  `json:"recent_error_rate" db:"recent_error_rate"`
	CacheHitRate      float64                  `json:"cache_hit_rate" db:"cache_hit_rate"`
	PerChain          map[string]ChainHealth   `json:"per_chain" db:"-"`
	PerBreaker        map[string]BreakerHealth `json:"per_breaker" db:"-"`
	// SystemHealth is a single aggregate gauge in [0, 1]: 1 means every
	// observed chain is active and every breaker is closed.
	SystemHealth float64 `json:"system_health" db:"system_health"`
}

// GetID returns the entity's store key.
func (m MetricsSnapshot) GetID() string { return m.ID }
