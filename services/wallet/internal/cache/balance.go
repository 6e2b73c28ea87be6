// Package cache implements the read-through wallet balance cache.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/emarket-platform/services/wallet/internal/domain"
)

const keyWallet = "wallet:balance:%s"

// setIfNewer stores the snapshot only when its version is above the cached
// one, so a slow reader cannot overwrite a newer commit.
var setIfNewer = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if current and tonumber(current) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'wallet', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// Balances caches committed wallet snapshots for queries. Writers never read
// from it; they store their committed snapshots after commit. Set never
// replaces a snapshot with an older version.
type Balances interface {
	Get(ctx context.Context, userID string) (*domain.Wallet, bool, error)
	Set(ctx context.Context, w *domain.Wallet) error
	Invalidate(ctx context.Context, userIDs ...string) error
}

// RedisBalances stores wallet snapshots as a hash of version and JSON with a TTL.
type RedisBalances struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisBalances creates Redis-backed balance cache
func NewRedisBalances(client *redis.Client, ttl time.Duration) *RedisBalances {
	return &RedisBalances{client: client, ttl: ttl}
}

func (c *RedisBalances) Get(ctx context.Context, userID string) (*domain.Wallet, bool, error) {
	raw, err := c.client.HGet(ctx, fmt.Sprintf(keyWallet, userID), "wallet").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached wallet: %w", err)
	}
	var w domain.Wallet
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached wallet: %w", err)
	}
	return &w, true, nil
}

func (c *RedisBalances) Set(ctx context.Context, w *domain.Wallet) error {
	payload, err := json.Marshal(w)
	if err != nil {
		return err
	}
	keys := []string{fmt.Sprintf(keyWallet, w.UserID)}
	err = setIfNewer.Run(ctx, c.client, keys, w.Version, string(payload), c.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("failed to cache wallet: %w", err)
	}
	return nil
}

func (c *RedisBalances) Invalidate(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = fmt.Sprintf(keyWallet, id)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to invalidate wallets: %w", err)
	}
	return nil
}

// Nop disables caching.
type Nop struct{}

func (Nop) Get(context.Context, string) (*domain.Wallet, bool, error) { return nil, false, nil }
func (Nop) Set(context.Context, *domain.Wallet) error                 { return nil }
func (Nop) Invalidate(context.Context, ...string) error               { return nil }
