package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/emarket-platform/pkg/clock"
	"github.com/emarket-platform/services/wallet/internal/domain"
)

const keyRecord = "wallet:idem:%s"

// RedisRegistry stores records as JSON values. Lease and retention are
// enforced with key TTLs, so Purge has nothing to do.
type RedisRegistry struct {
	client *redis.Client
	cfg    Config
	clock  clock.Clock
}

// NewRedisRegistry creates Redis-backed registry
func NewRedisRegistry(client *redis.Client, cfg Config, clk clock.Clock) *RedisRegistry {
	return &RedisRegistry{client: client, cfg: cfg, clock: clk}
}

func (r *RedisRegistry) Reserve(ctx context.Context, key, fingerprint string) (*Record, error) {
	now := r.clock.Now()
	rec := Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusInProgress,
		CreatedAt:   now,
		ExpiresAt:   expiry(now.Add(r.cfg.Lease)),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}

	// An elapsed lease is an expired key, so SETNX also covers takeover.
	ok, err := r.client.SetNX(ctx, fmt.Sprintf(keyRecord, key), payload, r.cfg.Lease).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve key: %w", err)
	}
	if ok {
		return nil, nil
	}

	existing, err := r.Lookup(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, domain.ErrKeyInProgress
		}
		return nil, err
	}
	if existing.Fingerprint != fingerprint {
		return nil, domain.ErrIdempotencyKeyConflict
	}
	if existing.Status == StatusDone {
		return existing, nil
	}
	return nil, domain.ErrKeyInProgress
}

func (r *RedisRegistry) Complete(ctx context.Context, key, fingerprint string, txID uuid.UUID, pending bool) error {
	err := r.update(ctx, key, func(rec *Record) (swapOp, time.Duration, error) {
		if rec.Fingerprint != fingerprint {
			return swapSkip, 0, domain.ErrIdempotencyKeyConflict
		}
		rec.Status = StatusDone
		rec.TransactionID = &txID
		rec.ExpiresAt = nil
		if pending {
			return swapStore, 0, nil // no TTL until Settle
		}
		rec.ExpiresAt = expiry(r.clock.Now().Add(r.cfg.Retention))
		return swapStore, r.cfg.Retention, nil
	})
	if err != nil {
		return fmt.Errorf("failed to complete key: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Settle(ctx context.Context, key string) error {
	err := r.update(ctx, key, func(rec *Record) (swapOp, time.Duration, error) {
		if rec.Status != StatusDone || rec.ExpiresAt != nil {
			return swapSkip, 0, nil
		}
		rec.ExpiresAt = expiry(r.clock.Now().Add(r.cfg.Retention))
		return swapStore, r.cfg.Retention, nil
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to settle key: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Release(ctx context.Context, key, fingerprint string) error {
	err := r.update(ctx, key, func(rec *Record) (swapOp, time.Duration, error) {
		if rec.Status != StatusInProgress || rec.Fingerprint != fingerprint {
			return swapSkip, 0, nil
		}
		return swapDrop, 0, nil
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to release key: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Lookup(ctx context.Context, key string) (*Record, error) {
	raw, err := r.client.Get(ctx, fmt.Sprintf(keyRecord, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lookup key: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("corrupt idempotency record %s: %w", key, err)
	}
	return &rec, nil
}

func (r *RedisRegistry) Purge(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

type swapOp int

const (
	swapSkip swapOp = iota
	swapStore
	swapDrop
)

// maxSwapAttempts bounds update's read-modify-write retries.
const maxSwapAttempts = 5

// compareAndSwap replaces KEYS[1] only while it still holds ARGV[1]. An
// empty ARGV[2] deletes the key; ARGV[3] is the TTL in milliseconds, zero
// for none.
var compareAndSwap = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
if ARGV[2] == '' then
  redis.call('DEL', KEYS[1])
elseif tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// update applies fn to the current record and writes the result back only
// if nobody changed the record in between.
func (r *RedisRegistry) update(ctx context.Context, key string, fn func(rec *Record) (swapOp, time.Duration, error)) error {
	k := fmt.Sprintf(keyRecord, key)
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		raw, err := r.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return fmt.Errorf("corrupt idempotency record %s: %w", key, err)
		}

		op, ttl, err := fn(&rec)
		if err != nil || op == swapSkip {
			return err
		}
		var next string
		if op == swapStore {
			payload, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			next = string(payload)
		}

		swapped, err := compareAndSwap.Run(ctx, r.client, []string{k}, raw, next, ttl.Milliseconds()).Int()
		if err != nil {
			return err
		}
		if swapped == 1 {
			return nil
		}
	}
	return fmt.Errorf("%w: idempotency record %s kept changing", domain.ErrConflict, key)
}
