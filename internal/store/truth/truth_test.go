package truth

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/swap-relayer/domain/relay"
	"github.com/R3E-Network/swap-relayer/internal/store"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	return NewFromDB(sqlxDB), mock
}

func sampleRelay() *relay.Relay {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	return &relay.Relay{
		ID:          "relay-1",
		SourceChain: "ethereum",
		TargetChain: "neo",
		HTLCID:      "htlc-1",
		Sender:      "0xabc",
		Recipient:   "Nxyz",
		Amount:      "100",
		Token:       "USDC",
		Hashlock:    "0xhash",
		Timelock:    now.Add(time.Hour),
		Status:      relay.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestSaveRelay(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec("INSERT INTO pending_relays").WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.SaveRelay(context.Background(), sampleRelay())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRelayNotFound(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery("SELECT \\* FROM pending_relays WHERE id = \\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(nil))

	_, err := s.GetRelay(context.Background(), "missing")
	require.Error(t, err)
}

func TestPing(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectPing()

	err := s.Ping(context.Background())
	require.NoError(t, err)
}

func TestBeginTxCommit(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	ctx, tx, err := s.BeginTx(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ctx)
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireLeaseSkipsBackedOffRelays(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery(`(?s)UPDATE pending_relays SET lease_owner.*next_attempt_at IS NULL OR next_attempt_at <.*FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows(nil))

	r, err := s.AcquireLease(context.Background(), "worker-1", time.Minute, []relay.Status{relay.StatusExecuting})
	require.NoError(t, err)
	assert.Nil(t, r)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupNeverTouchesNonTerminal(t *testing.T) {
	s, mock := newTestStore(t)
	cutoff := time.Now()
	mock.ExpectExec("DELETE FROM pending_relays").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := s.Cleanup(context.Background(), store.RetentionPolicy{TerminalRelayBefore: cutoff})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
