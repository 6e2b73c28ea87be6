package idempotency

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emarket-platform/pkg/clock"
	"github.com/emarket-platform/services/wallet/internal/domain"
)

func mustJSON(t *testing.T, rec Record) []byte {
	t.Helper()
	b, err := json.Marshal(rec)
	require.NoError(t, err)
	return b
}

func TestRedisRegistry_Reserve(t *testing.T) {
	ctx := context.Background()
	fresh := Record{Key: "k1", Fingerprint: "fp", Status: StatusInProgress, CreatedAt: t0, ExpiresAt: expiry(t0.Add(10 * time.Second))}

	t.Run("new key", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		r := NewRedisRegistry(client, testConfig(), clock.NewManual(t0))

		mock.ExpectSetNX("wallet:idem:k1", mustJSON(t, fresh), 10*time.Second).SetVal(true)

		rec, err := r.Reserve(ctx, "k1", "fp")
		require.NoError(t, err)
		assert.Nil(t, rec)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("in progress", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		r := NewRedisRegistry(client, testConfig(), clock.NewManual(t0))

		mock.ExpectSetNX("wallet:idem:k1", mustJSON(t, fresh), 10*time.Second).SetVal(false)
		mock.ExpectGet("wallet:idem:k1").SetVal(string(mustJSON(t, fresh)))

		_, err := r.Reserve(ctx, "k1", "fp")
		assert.ErrorIs(t, err, domain.ErrKeyInProgress)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("conflict", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		r := NewRedisRegistry(client, testConfig(), clock.NewManual(t0))

		other := fresh
		other.Fingerprint = "other"
		mock.ExpectSetNX("wallet:idem:k1", mustJSON(t, fresh), 10*time.Second).SetVal(false)
		mock.ExpectGet("wallet:idem:k1").SetVal(string(mustJSON(t, other)))

		_, err := r.Reserve(ctx, "k1", "fp")
		assert.ErrorIs(t, err, domain.ErrIdempotencyKeyConflict)
	})
}

func TestRedisRegistry_CompletePendingHasNoTTL(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()
	r := NewRedisRegistry(client, testConfig(), clock.NewManual(t0))
	keys := []string{"wallet:idem:k1"}

	txID := uuid.New()
	reserved := string(mustJSON(t, Record{Key: "k1", Fingerprint: "fp", Status: StatusInProgress, CreatedAt: t0, ExpiresAt: expiry(t0.Add(10 * time.Second))}))
	done := Record{Key: "k1", Fingerprint: "fp", Status: StatusDone, TransactionID: &txID, CreatedAt: t0}

	mock.ExpectGet("wallet:idem:k1").SetVal(reserved)
	mock.ExpectEvalSha(compareAndSwap.Hash(), keys, reserved, string(mustJSON(t, done)), int64(0)).SetVal(int64(1))

	require.NoError(t, r.Complete(ctx, "k1", "fp", txID, true))

	settled := done
	settled.ExpiresAt = expiry(t0.Add(time.Hour))
	mock.ExpectGet("wallet:idem:k1").SetVal(string(mustJSON(t, done)))
	mock.ExpectEvalSha(compareAndSwap.Hash(), keys, string(mustJSON(t, done)), string(mustJSON(t, settled)), int64(3600000)).SetVal(int64(1))

	require.NoError(t, r.Settle(ctx, "k1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisRegistry_CompleteRetriesOnConcurrentChange(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()
	r := NewRedisRegistry(client, testConfig(), clock.NewManual(t0))
	keys := []string{"wallet:idem:k1"}

	txID := uuid.New()
	first := string(mustJSON(t, Record{Key: "k1", Fingerprint: "fp", Status: StatusInProgress, CreatedAt: t0}))
	firstDone := string(mustJSON(t, Record{Key: "k1", Fingerprint: "fp", Status: StatusDone, TransactionID: &txID, CreatedAt: t0, ExpiresAt: expiry(t0.Add(time.Hour))}))
	taken := string(mustJSON(t, Record{Key: "k1", Fingerprint: "other", Status: StatusInProgress, CreatedAt: t0}))

	mock.ExpectGet("wallet:idem:k1").SetVal(first)
	mock.ExpectEvalSha(compareAndSwap.Hash(), keys, first, firstDone, int64(3600000)).SetVal(int64(0))
	mock.ExpectGet("wallet:idem:k1").SetVal(taken)

	err := r.Complete(ctx, "k1", "fp", txID, false)
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisRegistry_Release(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()
	r := NewRedisRegistry(client, testConfig(), clock.NewManual(t0))

	reserved := string(mustJSON(t, Record{Key: "k1", Fingerprint: "fp", Status: StatusInProgress, CreatedAt: t0}))
	mock.ExpectGet("wallet:idem:k1").SetVal(reserved)
	mock.ExpectEvalSha(compareAndSwap.Hash(), []string{"wallet:idem:k1"}, reserved, "", int64(0)).SetVal(int64(1))
	require.NoError(t, r.Release(ctx, "k1", "fp"))

	// A lapsed holder leaves the request that took the key over alone.
	takenOver := Record{Key: "k1", Fingerprint: "other", Status: StatusInProgress, CreatedAt: t0}
	mock.ExpectGet("wallet:idem:k1").SetVal(string(mustJSON(t, takenOver)))
	require.NoError(t, r.Release(ctx, "k1", "fp"))

	mock.ExpectGet("wallet:idem:gone").RedisNil()
	require.NoError(t, r.Release(ctx, "gone", "fp"))

	assert.NoError(t, mock.ExpectationsWereMet())
}
