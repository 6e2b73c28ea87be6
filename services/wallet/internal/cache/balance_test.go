package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emarket-platform/services/wallet/internal/domain"
)

func TestRedisBalances_RoundTrip(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()
	c := NewRedisBalances(client, time.Minute)

	w := domain.NewWallet("u1", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	w.Balance = 500
	payload, err := json.Marshal(w)
	require.NoError(t, err)

	mock.ExpectHGet("wallet:balance:u1", "wallet").RedisNil()
	_, ok, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectEvalSha(setIfNewer.Hash(), []string{"wallet:balance:u1"}, w.Version, string(payload), int64(60000)).SetVal(int64(1))
	require.NoError(t, c.Set(ctx, w))

	mock.ExpectHGet("wallet:balance:u1", "wallet").SetVal(string(payload))
	got, ok, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(500), got.Balance)
	assert.Equal(t, w.ID, got.ID)

	// An older snapshot losing to the cached one is not an error.
	mock.ExpectEvalSha(setIfNewer.Hash(), []string{"wallet:balance:u1"}, w.Version, string(payload), int64(60000)).SetVal(int64(0))
	require.NoError(t, c.Set(ctx, w))

	mock.ExpectDel("wallet:balance:u1", "wallet:balance:u2").SetVal(2)
	require.NoError(t, c.Invalidate(ctx, "u1", "u2"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBalances_Errors(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()
	c := NewRedisBalances(client, time.Minute)

	mock.ExpectHGet("wallet:balance:u1", "wallet").SetErr(errors.New("connection refused"))
	_, _, err := c.Get(ctx, "u1")
	assert.Error(t, err)

	mock.ExpectHGet("wallet:balance:u1", "wallet").SetVal("{not json")
	_, _, err = c.Get(ctx, "u1")
	assert.Error(t, err)

	assert.NoError(t, c.Invalidate(ctx))
}
