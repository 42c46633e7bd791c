// Package truth is the strongly-consistent Postgres backend for the Job
// Store: a single sqlx-backed Store covering all five relay-domain tables,
// taking its transaction and query helpers from an embedded BaseStore.
package truth

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/swap-relayer/domain/relay"
	svcerrors "github.com/R3E-Network/swap-relayer/infrastructure/errors"
	"github.com/R3E-Network/swap-relayer/internal/store"
)

// BaseStore provides the transaction plumbing embedded by Store below: a
// context-carried *sqlx.Tx keyed off an unexported type, and
// thin Exec/Query helpers that transparently run inside it when present.
type BaseStore struct {
	db *sqlx.DB
}

type txKey struct{}

func txFromContext(ctx context.Context) *sqlx.Tx {
	tx, _ := ctx.Value(txKey{}).(*sqlx.Tx)
	return tx
}

func contextWithTx(ctx context.Context, tx *sqlx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// querier is satisfied by both *sqlx.DB and *sqlx.Tx.
type querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
}

func (b *BaseStore) querier(ctx context.Context) querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return b.db
}

// tx adapts *sqlx.Tx to the store.Tx contract.
type tx struct{ inner *sqlx.Tx }

func (t *tx) Commit(ctx context.Context) error   { return t.inner.Commit() }
func (t *tx) Rollback(ctx context.Context) error { return t.inner.Rollback() }

// Store is the truth-only backend: it implements store.Store directly
// against Postgres, with no cache involvement.
type Store struct {
	BaseStore
}

// Open connects to Postgres via the given DSN and configures the pool.
func Open(dsn string, maxOpen, maxIdle int, connMaxLifetime time.Duration) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, svcerrors.StoreUnavailable("connect", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(connMaxLifetime)
	return &Store{BaseStore: BaseStore{db: db}}, nil
}

// NewFromDB wraps an already-open sqlx connection, used by tests against
// sqlmock.
func NewFromDB(db *sqlx.DB) *Store {
	return &Store{BaseStore: BaseStore{db: db}}
}

// DB exposes the underlying connection for callers that need to hand it to
// the schema migrator, which operates below the store.Store contract.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// BeginTx starts a Postgres transaction and attaches it to the returned
// context; every call made through that context runs inside it.
func (s *Store) BeginTx(ctx context.Context) (context.Context, store.Tx, error) {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return ctx, nil, svcerrors.StoreUnavailable("begin_transaction", err)
	}
	return contextWithTx(ctx, sqlTx), &tx{inner: sqlTx}, nil
}

type relayRow struct {
	ID            string    `db:"id"`
	SourceChain   string    `db:"source_chain"`
	TargetChain   string    `db:"target_chain"`
	HTLCID        string    `db:"htlc_id"`
	Sender        string    `db:"sender"`
	Recipient     string    `db:"recipient"`
	Amount        string    `db:"amount"`
	Token         string    `db:"token"`
	Hashlock      string    `db:"hashlock"`
	Timelock      time.Time `db:"timelock"`
	RouteJSON     []byte    `db:"route_json"`
	Status        string    `db:"status"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
	RetryCount    int       `db:"retry_count"`
	LastError     string    `db:"last_error"`
	MetadataJSON  []byte    `db:"metadata_json"`
	NextAttemptAt sql.NullTime `db:"next_attempt_at"`
	LeaseOwner    string    `db:"lease_owner"`
	LeaseExpiry   sql.NullTime `db:"lease_expiry"`
}

func toRow(r *relay.Relay) (*relayRow, error) {
	routeJSON, err := json.Marshal(r.Route)
	if err != nil {
		return nil, err
	}
	metaJSON, err := json.Marshal(r.Metadata)
	if err != nil {
		return nil, err
	}
	row := &relayRow{
		ID:           r.ID,
		SourceChain:  r.SourceChain,
		TargetChain:  r.TargetChain,
		HTLCID:       r.HTLCID,
		Sender:       r.Sender,
		Recipient:    r.Recipient,
		Amount:       r.Amount,
		Token:        r.Token,
		Hashlock:     r.Hashlock,
		Timelock:     r.Timelock,
		RouteJSON:    routeJSON,
		Status:       string(r.Status),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		RetryCount:   r.RetryCount,
		LastError:    r.LastError,
		MetadataJSON: metaJSON,
		LeaseOwner:   r.LeaseOwner,
	}
	if !r.NextAttemptAt.IsZero() {
		row.NextAttemptAt = sql.NullTime{Time: r.NextAttemptAt, Valid: true}
	}
	if !r.LeaseExpiry.IsZero() {
		row.LeaseExpiry = sql.NullTime{Time: r.LeaseExpiry, Valid: true}
	}
	return row, nil
}

func (row *relayRow) toDomain() (*relay.Relay, error) {
	var route []relay.Hop
	if len(row.RouteJSON) > 0 {
		if err := json.Unmarshal(row.RouteJSON, &route); err != nil {
			return nil, err
		}
	}
	var meta map[string]string
	if len(row.MetadataJSON) > 0 {
		if err := json.Unmarshal(row.MetadataJSON, &meta); err != nil {
			return nil, err
		}
	}
	r := &relay.Relay{
		ID:           row.ID,
		SourceChain:  row.SourceChain,
		TargetChain:  row.TargetChain,
		HTLCID:       row.HTLCID,
		Sender:       row.Sender,
		Recipient:    row.Recipient,
		Amount:       row.Amount,
		Token:        row.Token,
		Hashlock:     row.Hashlock,
		Timelock:     row.Timelock,
		Route:        route,
		Status:       relay.Status(row.Status),
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
		RetryCount:   row.RetryCount,
		LastError:    row.LastError,
		Metadata:     meta,
		LeaseOwner:   row.LeaseOwner,
	}
	if row.NextAttemptAt.Valid {
		r.NextAttemptAt = row.NextAttemptAt.Time
	}
	if row.LeaseExpiry.Valid {
		r.LeaseExpiry = row.LeaseExpiry.Time
	}
	return r, nil
}

const relayInsertQuery = `
INSERT INTO pending_relays (
	id, source_chain, target_chain, htlc_id, sender, recipient, amount, token,
	hashlock, timelock, route_json, status, created_at, updated_at, retry_count,
	last_error, metadata_json, next_attempt_at, lease_owner, lease_expiry
) VALUES (
	:id, :source_chain, :target_chain, :htlc_id, :sender, :recipient, :amount, :token,
	:hashlock, :timelock, :route_json, :status, :created_at, :updated_at, :retry_count,
	:last_error, :metadata_json, :next_attempt_at, :lease_owner, :lease_expiry
)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	updated_at = EXCLUDED.updated_at,
	retry_count = EXCLUDED.retry_count,
	last_error = EXCLUDED.last_error,
	route_json = EXCLUDED.route_json,
	metadata_json = EXCLUDED.metadata_json,
	next_attempt_at = EXCLUDED.next_attempt_at,
	lease_owner = EXCLUDED.lease_owner,
	lease_expiry = EXCLUDED.lease_expiry
`

// SaveRelay inserts a relay, or updates it in place if the id already
// exists (save-then-get idempotence per the testable properties).
func (s *Store) SaveRelay(ctx context.Context, r *relay.Relay) error {
	row, err := toRow(r)
	if err != nil {
		return svcerrors.InvalidInput("relay", err.Error())
	}
	if _, err := s.querier(ctx).NamedExecContext(ctx, relayInsertQuery, row); err != nil {
		if isConstraintViolation(err) {
			return svcerrors.StoreConstraint("pending_relays", err)
		}
		return svcerrors.StoreUnavailable("save_relay", err)
	}
	return nil
}

// UpdateRelay is an alias of SaveRelay: both upsert by primary key.
func (s *Store) UpdateRelay(ctx context.Context, r *relay.Relay) error {
	return s.SaveRelay(ctx, r)
}

// GetRelay fetches a relay by id.
func (s *Store) GetRelay(ctx context.Context, id string) (*relay.Relay, error) {
	var row relayRow
	err := s.querier(ctx).GetContext(ctx, &row, `SELECT * FROM pending_relays WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, svcerrors.NotFound("relay", id)
	}
	if err != nil {
		return nil, svcerrors.StoreUnavailable("get_relay", err)
	}
	return row.toDomain()
}

// ListRelays lists relays matching the given filter, ordered by created_at.
func (s *Store) ListRelays(ctx context.Context, filter store.RelayFilter) ([]*relay.Relay, error) {
	query := `SELECT * FROM pending_relays WHERE 1=1`
	var args []interface{}
	argN := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, string(filter.Status))
		argN++
	}
	if len(filter.AnyOfStatus) > 0 {
		statuses := make([]string, len(filter.AnyOfStatus))
		for i, st := range filter.AnyOfStatus {
			statuses[i] = string(st)
		}
		query += fmt.Sprintf(" AND status = ANY($%d)", argN)
		args = append(args, pq.Array(statuses))
		argN++
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argN)
		args = append(args, filter.Limit)
		argN++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argN)
		args = append(args, filter.Offset)
		argN++
	}

	var rows []relayRow
	if err := s.querier(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, svcerrors.StoreUnavailable("list_relays", err)
	}
	out := make([]*relay.Relay, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toDomain()
		if err != nil {
			return nil, svcerrors.StoreSchemaMismatch(err.Error())
		}
		out = append(out, r)
	}
	return out, nil
}

// DeleteRelay deletes a relay. Attempts cascade-delete with it.
func (s *Store) DeleteRelay(ctx context.Context, id string) error {
	res, err := s.querier(ctx).ExecContext(ctx, `DELETE FROM pending_relays WHERE id = $1`, id)
	if err != nil {
		return svcerrors.StoreUnavailable("delete_relay", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return svcerrors.NotFound("relay", id)
	}
	return nil
}

// AcquireLease wins the per-relay worker lease by claiming any relay in an
// active status whose lease is unheld or expired. Relays stalled on back-off
// are skipped until their next_attempt_at passes.
func (s *Store) AcquireLease(ctx context.Context, owner string, leaseTTL time.Duration, activeStatuses []relay.Status) (*relay.Relay, error) {
	statuses := make([]string, len(activeStatuses))
	for i, st := range activeStatuses {
		statuses[i] = string(st)
	}
	now := time.Now().UTC()
	expiry := now.Add(leaseTTL)

	query := `
UPDATE pending_relays SET lease_owner = $1, lease_expiry = $2, updated_at = $3
WHERE id = (
	SELECT id FROM pending_relays
	WHERE status = ANY($4)
	  AND (lease_expiry IS NULL OR lease_expiry < $3)
	  AND (next_attempt_at IS NULL OR next_attempt_at < $3)
	ORDER BY created_at
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING *`

	var row relayRow
	err := s.querier(ctx).GetContext(ctx, &row, query, owner, expiry, now, pq.Array(statuses))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, svcerrors.StoreUnavailable("acquire_lease", err)
	}
	return row.toDomain()
}

// HeartbeatLease extends a held lease's expiry.
func (s *Store) HeartbeatLease(ctx context.Context, relayID, owner string, leaseTTL time.Duration) error {
	res, err := s.querier(ctx).ExecContext(ctx,
		`UPDATE pending_relays SET lease_expiry = $1 WHERE id = $2 AND lease_owner = $3`,
		time.Now().UTC().Add(leaseTTL), relayID, owner)
	if err != nil {
		return svcerrors.StoreUnavailable("heartbeat_lease", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return svcerrors.InternalInvariant("heartbeat on relay not held by this owner")
	}
	return nil
}

// ReleaseLease clears a held lease, e.g. on worker shutdown or cancellation.
func (s *Store) ReleaseLease(ctx context.Context, relayID, owner string) error {
	_, err := s.querier(ctx).ExecContext(ctx,
		`UPDATE pending_relays SET lease_owner = '', lease_expiry = NULL WHERE id = $1 AND lease_owner = $2`,
		relayID, owner)
	if err != nil {
		return svcerrors.StoreUnavailable("release_lease", err)
	}
	return nil
}

type attemptRow struct {
	ID            string       `db:"id"`
	RelayID       string       `db:"relay_id"`
	AttemptNumber int          `db:"attempt_number"`
	Action        string       `db:"action"`
	Status        string       `db:"status"`
	StartedAt     time.Time    `db:"started_at"`
	CompletedAt   sql.NullTime `db:"completed_at"`
	TxHash        string       `db:"tx_hash"`
	ErrorMessage  string       `db:"error_message"`
	GasUsed       sql.NullInt64 `db:"gas_used"`
	MetadataJSON  []byte       `db:"metadata_json"`
}

func attemptToRow(a *relay.RelayAttempt) (*attemptRow, error) {
	metaJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return nil, err
	}
	row := &attemptRow{
		ID:            a.ID,
		RelayID:       a.RelayID,
		AttemptNumber: a.AttemptNumber,
		Action:        string(a.Action),
		Status:        string(a.Status),
		StartedAt:     a.StartedAt,
		TxHash:        a.TxHash,
		ErrorMessage:  a.ErrorMessage,
		MetadataJSON:  metaJSON,
	}
	if a.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *a.CompletedAt, Valid: true}
	}
	if a.GasUsed != nil {
		row.GasUsed = sql.NullInt64{Int64: *a.GasUsed, Valid: true}
	}
	return row, nil
}

func (row *attemptRow) toDomain() (*relay.RelayAttempt, error) {
	var meta map[string]string
	if len(row.MetadataJSON) > 0 {
		if err := json.Unmarshal(row.MetadataJSON, &meta); err != nil {
			return nil, err
		}
	}
	a := &relay.RelayAttempt{
		ID:            row.ID,
		RelayID:       row.RelayID,
		AttemptNumber: row.AttemptNumber,
		Action:        relay.AttemptAction(row.Action),
		Status:        relay.AttemptStatus(row.Status),
		StartedAt:     row.StartedAt,
		TxHash:        row.TxHash,
		ErrorMessage:  row.ErrorMessage,
		Metadata:      meta,
	}
	if row.CompletedAt.Valid {
		t := row.CompletedAt.Time
		a.CompletedAt = &t
	}
	if row.GasUsed.Valid {
		g := row.GasUsed.Int64
		a.GasUsed = &g
	}
	return a, nil
}

const attemptInsertQuery = `
INSERT INTO relay_attempts (
	id, relay_id, attempt_number, action, status, started_at, completed_at,
	tx_hash, error_message, gas_used, metadata_json
) VALUES (
	:id, :relay_id, :attempt_number, :action, :status, :started_at, :completed_at,
	:tx_hash, :error_message, :gas_used, :metadata_json
)
ON CONFLICT (relay_id, attempt_number) DO UPDATE SET
	status = EXCLUDED.status,
	completed_at = EXCLUDED.completed_at,
	tx_hash = EXCLUDED.tx_hash,
	error_message = EXCLUDED.error_message,
	gas_used = EXCLUDED.gas_used
`

// SaveAttempt inserts a new attempt. (relay_id, attempt_number) is unique;
// attempts are append-only and never rewritten once in a final status.
func (s *Store) SaveAttempt(ctx context.Context, a *relay.RelayAttempt) error {
	row, err := attemptToRow(a)
	if err != nil {
		return svcerrors.InvalidInput("attempt", err.Error())
	}
	if _, err := s.querier(ctx).NamedExecContext(ctx, attemptInsertQuery, row); err != nil {
		if isConstraintViolation(err) {
			return svcerrors.StoreConstraint("relay_attempts_relay_id_attempt_number_key", err)
		}
		return svcerrors.StoreUnavailable("save_attempt", err)
	}
	return nil
}

// UpdateAttempt moves an in-progress attempt to its final status.
func (s *Store) UpdateAttempt(ctx context.Context, a *relay.RelayAttempt) error {
	return s.SaveAttempt(ctx, a)
}

// ListAttempts returns every attempt for a relay, ordered by attempt_number.
func (s *Store) ListAttempts(ctx context.Context, relayID string) ([]*relay.RelayAttempt, error) {
	var rows []attemptRow
	err := s.querier(ctx).SelectContext(ctx, &rows,
		`SELECT * FROM relay_attempts WHERE relay_id = $1 ORDER BY attempt_number`, relayID)
	if err != nil {
		return nil, svcerrors.StoreUnavailable("list_attempts", err)
	}
	out := make([]*relay.RelayAttempt, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toDomain()
		if err != nil {
			return nil, svcerrors.StoreSchemaMismatch(err.Error())
		}
		out = append(out, a)
	}
	return out, nil
}

// SaveChainState upserts a chain's observed progress.
func (s *Store) SaveChainState(ctx context.Context, cs *relay.ChainState) error {
	_, err := s.querier(ctx).NamedExecContext(ctx, `
INSERT INTO chain_states (
	chain_id, last_processed_block, last_processed_height, status, last_updated,
	error_count, last_error
) VALUES (
	:chain_id, :last_processed_block, :last_processed_height, :status, :last_updated,
	:error_count, :last_error
)
ON CONFLICT (chain_id) DO UPDATE SET
	last_processed_block = EXCLUDED.last_processed_block,
	last_processed_height = EXCLUDED.last_processed_height,
	status = EXCLUDED.status,
	last_updated = EXCLUDED.last_updated,
	error_count = EXCLUDED.error_count,
	last_error = EXCLUDED.last_error
`, cs)
	if err != nil {
		return svcerrors.StoreUnavailable("save_chain_state", err)
	}
	return nil
}

// GetChainState fetches one chain's observed progress.
func (s *Store) GetChainState(ctx context.Context, chainID string) (*relay.ChainState, error) {
	var cs relay.ChainState
	err := s.querier(ctx).GetContext(ctx, &cs, `SELECT * FROM chain_states WHERE chain_id = $1`, chainID)
	if err == sql.ErrNoRows {
		return nil, svcerrors.NotFound("chain_state", chainID)
	}
	if err != nil {
		return nil, svcerrors.StoreUnavailable("get_chain_state", err)
	}
	return &cs, nil
}

// SaveBreakerState upserts a circuit breaker's persisted state.
func (s *Store) SaveBreakerState(ctx context.Context, cb *relay.CircuitBreakerState) error {
	_, err := s.querier(ctx).NamedExecContext(ctx, `
INSERT INTO circuit_breaker_states (
	name, state, failure_count, failure_threshold, next_attempt, last_transition_at
) VALUES (
	:name, :state, :failure_count, :failure_threshold, :next_attempt, :last_transition_at
)
ON CONFLICT (name) DO UPDATE SET
	state = EXCLUDED.state,
	failure_count = EXCLUDED.failure_count,
	next_attempt = EXCLUDED.next_attempt,
	last_transition_at = EXCLUDED.last_transition_at
`, cb)
	if err != nil {
		return svcerrors.StoreUnavailable("save_breaker_state", err)
	}
	return nil
}

// GetBreakerState fetches one breaker's persisted state.
func (s *Store) GetBreakerState(ctx context.Context, name string) (*relay.CircuitBreakerState, error) {
	var cb relay.CircuitBreakerState
	err := s.querier(ctx).GetContext(ctx, &cb, `SELECT * FROM circuit_breaker_states WHERE name = $1`, name)
	if err == sql.ErrNoRows {
		return nil, svcerrors.NotFound("circuit_breaker_state", name)
	}
	if err != nil {
		return nil, svcerrors.StoreUnavailable("get_breaker_state", err)
	}
	return &cb, nil
}

type metricsRow struct {
	ID                 string    `db:"id"`
	Timestamp          time.Time `db:"timestamp"`
	RelaysByStatusJSON []byte    `db:"relays_by_status_json"`
	ActiveRequests     int       `db:"active_requests"`
	QueueLength        int       `db:"queue_length"`
	AdaptiveDelayMs    int64     `db:"adaptive_delay_ms"`
	ConsecutiveErrors  int       `db:"consecutive_errors"`
	RecentErrorRate    float64   `db:"recent_error_rate"`
	CacheHitRate       float64   `db:"cache_hit_rate"`
	PerChainJSON       []byte    `db:"per_chain_json"`
	PerBreakerJSON     []byte    `db:"per_breaker_json"`
	SystemHealth       float64   `db:"system_health"`
}

func metricsToRow(m *relay.MetricsSnapshot) (*metricsRow, error) {
	byStatus, err := json.Marshal(m.RelaysByStatus)
	if err != nil {
		return nil, err
	}
	perChain, err := json.Marshal(m.PerChain)
	if err != nil {
		return nil, err
	}
	perBreaker, err := json.Marshal(m.PerBreaker)
	if err != nil {
		return nil, err
	}
	return &metricsRow{
		ID:                 m.ID,
		Timestamp:          m.Timestamp,
		RelaysByStatusJSON: byStatus,
		ActiveRequests:     m.ActiveRequests,
		QueueLength:        m.QueueLength,
		AdaptiveDelayMs:    m.AdaptiveDelayMs,
		ConsecutiveErrors:  m.ConsecutiveErrors,
		RecentErrorRate:    m.RecentErrorRate,
		CacheHitRate:       m.CacheHitRate,
		PerChainJSON:       perChain,
		PerBreakerJSON:     perBreaker,
		SystemHealth:       m.SystemHealth,
	}, nil
}

func (row *metricsRow) toDomain() (*relay.MetricsSnapshot, error) {
	var byStatus map[relay.Status]int
	if len(row.RelaysByStatusJSON) > 0 {
		if err := json.Unmarshal(row.RelaysByStatusJSON, &byStatus); err != nil {
			return nil, err
		}
	}
	var perChain map[string]relay.ChainHealth
	if len(row.PerChainJSON) > 0 {
		if err := json.Unmarshal(row.PerChainJSON, &perChain); err != nil {
			return nil, err
		}
	}
	var perBreaker map[string]relay.BreakerHealth
	if len(row.PerBreakerJSON) > 0 {
		if err := json.Unmarshal(row.PerBreakerJSON, &perBreaker); err != nil {
			return nil, err
		}
	}
	return &relay.MetricsSnapshot{
		ID:                row.ID,
		Timestamp:         row.Timestamp,
		RelaysByStatus:    byStatus,
		ActiveRequests:    row.ActiveRequests,
		QueueLength:       row.QueueLength,
		AdaptiveDelayMs:   row.AdaptiveDelayMs,
		ConsecutiveErrors: row.ConsecutiveErrors,
		RecentErrorRate:   row.RecentErrorRate,
		CacheHitRate:      row.CacheHitRate,
		PerChain:          perChain,
		PerBreaker:        perBreaker,
		SystemHealth:      row.SystemHealth,
	}, nil
}

// SaveMetricsSnapshot inserts a metrics rollup.
func (s *Store) SaveMetricsSnapshot(ctx context.Context, m *relay.MetricsSnapshot) error {
	row, err := metricsToRow(m)
	if err != nil {
		return svcerrors.InvalidInput("metrics_snapshot", err.Error())
	}
	_, err = s.querier(ctx).NamedExecContext(ctx, `
INSERT INTO metrics_snapshots (
	id, timestamp, relays_by_status_json, active_requests, queue_length,
	adaptive_delay_ms, consecutive_errors, recent_error_rate, cache_hit_rate,
	per_chain_json, per_breaker_json, system_health
) VALUES (
	:id, :timestamp, :relays_by_status_json, :active_requests, :queue_length,
	:adaptive_delay_ms, :consecutive_errors, :recent_error_rate, :cache_hit_rate,
	:per_chain_json, :per_breaker_json, :system_health
)`, row)
	if err != nil {
		return svcerrors.StoreUnavailable("save_metrics_snapshot", err)
	}
	return nil
}

// GetLatestMetricsSnapshot returns the most recent snapshot.
func (s *Store) GetLatestMetricsSnapshot(ctx context.Context) (*relay.MetricsSnapshot, error) {
	var row metricsRow
	err := s.querier(ctx).GetContext(ctx, &row,
		`SELECT * FROM metrics_snapshots ORDER BY timestamp DESC LIMIT 1`)
	if err == sql.ErrNoRows {
		return nil, svcerrors.NotFound("metrics_snapshot", "latest")
	}
	if err != nil {
		return nil, svcerrors.StoreUnavailable("get_latest_metrics_snapshot", err)
	}
	return row.toDomain()
}

// ListMetricsRange returns every snapshot within [From, To], truth-only.
func (s *Store) ListMetricsRange(ctx context.Context, r store.MetricsRange) ([]*relay.MetricsSnapshot, error) {
	var rows []metricsRow
	err := s.querier(ctx).SelectContext(ctx, &rows,
		`SELECT * FROM metrics_snapshots WHERE timestamp BETWEEN $1 AND $2 ORDER BY timestamp`,
		r.From, r.To)
	if err != nil {
		return nil, svcerrors.StoreUnavailable("list_metrics_range", err)
	}
	out := make([]*relay.MetricsSnapshot, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toDomain()
		if err != nil {
			return nil, svcerrors.StoreSchemaMismatch(err.Error())
		}
		out = append(out, m)
	}
	return out, nil
}

// Cleanup deletes terminal relays and metrics snapshots older than the
// policy's cutoffs. It never touches a non-terminal relay: the WHERE clause
// restricts to the terminal status set explicitly.
func (s *Store) Cleanup(ctx context.Context, policy store.RetentionPolicy) (int64, error) {
	var total int64
	if !policy.TerminalRelayBefore.IsZero() {
		res, err := s.querier(ctx).ExecContext(ctx, `
DELETE FROM pending_relays
WHERE status IN ('completed', 'failed', 'expired', 'refunded') AND updated_at < $1`,
			policy.TerminalRelayBefore)
		if err != nil {
			return total, svcerrors.StoreUnavailable("cleanup_relays", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if !policy.MetricsBefore.IsZero() {
		res, err := s.querier(ctx).ExecContext(ctx,
			`DELETE FROM metrics_snapshots WHERE timestamp < $1`, policy.MetricsBefore)
		if err != nil {
			return total, svcerrors.StoreUnavailable("cleanup_metrics", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// Vacuum reclaims dead tuples left by the retention sweep.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM pending_relays, relay_attempts, metrics_snapshots`); err != nil {
		return svcerrors.StoreUnavailable("vacuum", err)
	}
	return nil
}

// Ping verifies connectivity, used by the connection manager's health check.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return svcerrors.StoreUnavailable("ping", err)
	}
	return nil
}

// Stats reports pool usage and relay counts for the truth-only backend.
func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	stats := store.Stats{Backend: "truth"}
	if err := s.Ping(ctx); err != nil {
		stats.TruthHealthy = false
		return stats, nil
	}
	stats.TruthHealthy = true

	_ = s.db.GetContext(ctx, &stats.RelayCount, `SELECT COUNT(*) FROM pending_relays`)
	_ = s.db.GetContext(ctx, &stats.ActiveRelayCount, `
SELECT COUNT(*) FROM pending_relays WHERE status IN ('routing', 'executing', 'confirming')`)
	return stats, nil
}

func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "violates")
}
