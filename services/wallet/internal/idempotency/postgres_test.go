package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emarket-platform/pkg/clock"
	"github.com/emarket-platform/services/wallet/internal/domain"
)

var recordColumns = []string{"key", "fingerprint", "transaction_id", "status", "created_at", "expires_at"}

func newMockRegistry(t *testing.T) (*PostgresRegistry, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresRegistry(sqlx.NewDb(db, "postgres"), testConfig(), clock.NewManual(t0)), mock
}

func TestPostgresRegistry_Reserve(t *testing.T) {
	ctx := context.Background()

	t.Run("new key", func(t *testing.T) {
		r, mock := newMockRegistry(t)
		mock.ExpectExec("INSERT INTO idempotency_records").
			WithArgs("k1", "fp", t0, t0.Add(10*time.Second)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		rec, err := r.Reserve(ctx, "k1", "fp")
		require.NoError(t, err)
		assert.Nil(t, rec)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("done key replays", func(t *testing.T) {
		r, mock := newMockRegistry(t)
		txID := uuid.New()
		mock.ExpectExec("INSERT INTO idempotency_records").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM idempotency_records WHERE key = \\$1").
			WithArgs("k1").
			WillReturnRows(sqlmock.NewRows(recordColumns).
				AddRow("k1", "fp", txID.String(), "done", t0, t0.Add(time.Hour)))

		rec, err := r.Reserve(ctx, "k1", "fp")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, txID, *rec.TransactionID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("fingerprint mismatch", func(t *testing.T) {
		r, mock := newMockRegistry(t)
		mock.ExpectExec("INSERT INTO idempotency_records").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM idempotency_records").
			WillReturnRows(sqlmock.NewRows(recordColumns).
				AddRow("k1", "other", nil, "in_progress", t0, t0.Add(time.Second)))

		_, err := r.Reserve(ctx, "k1", "fp")
		assert.ErrorIs(t, err, domain.ErrIdempotencyKeyConflict)
	})

	t.Run("live lease", func(t *testing.T) {
		r, mock := newMockRegistry(t)
		mock.ExpectExec("INSERT INTO idempotency_records").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM idempotency_records").
			WillReturnRows(sqlmock.NewRows(recordColumns).
				AddRow("k1", "fp", nil, "in_progress", t0, t0.Add(time.Second)))

		_, err := r.Reserve(ctx, "k1", "fp")
		assert.ErrorIs(t, err, domain.ErrKeyInProgress)
	})

	t.Run("elapsed lease is taken over", func(t *testing.T) {
		r, mock := newMockRegistry(t)
		mock.ExpectExec("INSERT INTO idempotency_records").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM idempotency_records").
			WillReturnRows(sqlmock.NewRows(recordColumns).
				AddRow("k1", "fp", nil, "in_progress", t0.Add(-time.Minute), t0.Add(-time.Second)))
		mock.ExpectExec("UPDATE idempotency_records SET expires_at = \\$2 WHERE key = \\$1 AND status = 'in_progress' AND expires_at <= \\$3").
			WithArgs("k1", t0.Add(10*time.Second), t0).
			WillReturnResult(sqlmock.NewResult(0, 1))

		rec, err := r.Reserve(ctx, "k1", "fp")
		require.NoError(t, err)
		assert.Nil(t, rec)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresRegistry_Complete(t *testing.T) {
	ctx := context.Background()
	txID := uuid.New()

	t.Run("pending transaction keeps no expiry", func(t *testing.T) {
		r, mock := newMockRegistry(t)
		mock.ExpectExec("UPDATE idempotency_records SET status = 'done'").
			WithArgs("k1", "fp", txID, nil).
			WillReturnResult(sqlmock.NewResult(0, 1))
		require.NoError(t, r.Complete(ctx, "k1", "fp", txID, true))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("terminal transaction gets retention", func(t *testing.T) {
		r, mock := newMockRegistry(t)
		mock.ExpectExec("UPDATE idempotency_records SET status = 'done'").
			WithArgs("k1", "fp", txID, t0.Add(time.Hour)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		require.NoError(t, r.Complete(ctx, "k1", "fp", txID, false))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("key held by another fingerprint", func(t *testing.T) {
		r, mock := newMockRegistry(t)
		mock.ExpectExec("UPDATE idempotency_records SET status = 'done'").
			WithArgs("k1", "fp", txID, t0.Add(time.Hour)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		assert.ErrorIs(t, r.Complete(ctx, "k1", "fp", txID, false), domain.ErrIdempotencyKeyConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresRegistry_ReleaseOnlyOwnReservation(t *testing.T) {
	r, mock := newMockRegistry(t)
	mock.ExpectExec("DELETE FROM idempotency_records WHERE key = \\$1 AND fingerprint = \\$2 AND status = 'in_progress'").
		WithArgs("k1", "fp").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, r.Release(context.Background(), "k1", "fp"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRegistry_PurgeSkipsPending(t *testing.T) {
	r, mock := newMockRegistry(t)
	mock.ExpectExec("DELETE FROM idempotency_records WHERE key IN \\( SELECT r.key FROM idempotency_records r WHERE r.expires_at IS NOT NULL AND r.expires_at <= \\$1 AND NOT EXISTS \\( SELECT 1 FROM wallet_transactions t WHERE t.id = r.transaction_id AND t.status = 'pending' \\) LIMIT \\$2 \\)").
		WithArgs(t0, 100).
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := r.Purge(context.Background(), t0, 100)
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRegistry_LookupNotFound(t *testing.T) {
	r, mock := newMockRegistry(t)
	mock.ExpectQuery("SELECT (.+) FROM idempotency_records").
		WillReturnRows(sqlmock.NewRows(recordColumns))

	_, err := r.Lookup(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
