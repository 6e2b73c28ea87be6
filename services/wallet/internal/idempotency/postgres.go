package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/emarket-platform/pkg/clock"
	"github.com/emarket-platform/services/wallet/internal/domain"
)

// PostgresRegistry stores records in the idempotency_records table
type PostgresRegistry struct {
	db    *sqlx.DB
	cfg   Config
	clock clock.Clock
}

// NewPostgresRegistry creates new registry
func NewPostgresRegistry(db *sqlx.DB, cfg Config, clk clock.Clock) *PostgresRegistry {
	return &PostgresRegistry{db: db, cfg: cfg, clock: clk}
}

func (r *PostgresRegistry) Reserve(ctx context.Context, key, fingerprint string) (*Record, error) {
	now := r.clock.Now()
	lease := now.Add(r.cfg.Lease)

	const insert = `
		INSERT INTO idempotency_records (key, fingerprint, status, created_at, expires_at)
		VALUES ($1, $2, 'in_progress', $3, $4)
		ON CONFLICT (key) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, insert, key, fingerprint, now, lease)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve key: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 1 {
		return nil, nil
	}

	existing, err := r.Lookup(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// purged between insert and select
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
	if existing.ExpiresAt != nil && existing.ExpiresAt.After(now) {
		return nil, domain.ErrKeyInProgress
	}

	// The previous holder's lease elapsed; take the key over.
	const takeover = `
		UPDATE idempotency_records SET expires_at = $2
		WHERE key = $1 AND status = 'in_progress' AND expires_at <= $3
	`
	res, err = r.db.ExecContext(ctx, takeover, key, lease, now)
	if err != nil {
		return nil, fmt.Errorf("failed to take over key: %w", err)
	}
	if rows, err = res.RowsAffected(); err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, domain.ErrKeyInProgress
	}
	return nil, nil
}

func (r *PostgresRegistry) Complete(ctx context.Context, key, fingerprint string, txID uuid.UUID, pending bool) error {
	var expiresAt *time.Time
	if !pending {
		expiresAt = expiry(r.clock.Now().Add(r.cfg.Retention))
	}
	const query = `
		UPDATE idempotency_records SET status = 'done', transaction_id = $3, expires_at = $4
		WHERE key = $1 AND fingerprint = $2
	`
	res, err := r.db.ExecContext(ctx, query, key, fingerprint, txID, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to complete key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to complete key: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("failed to complete key %s: %w", key, domain.ErrIdempotencyKeyConflict)
	}
	return nil
}

func (r *PostgresRegistry) Settle(ctx context.Context, key string) error {
	const query = `
		UPDATE idempotency_records SET expires_at = $2
		WHERE key = $1 AND status = 'done' AND expires_at IS NULL
	`
	if _, err := r.db.ExecContext(ctx, query, key, r.clock.Now().Add(r.cfg.Retention)); err != nil {
		return fmt.Errorf("failed to settle key: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) Release(ctx context.Context, key, fingerprint string) error {
	const query = `DELETE FROM idempotency_records WHERE key = $1 AND fingerprint = $2 AND status = 'in_progress'`
	if _, err := r.db.ExecContext(ctx, query, key, fingerprint); err != nil {
		return fmt.Errorf("failed to release key: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) Lookup(ctx context.Context, key string) (*Record, error) {
	var rec Record
	const query = `
		SELECT key, fingerprint, transaction_id, status, created_at, expires_at
		FROM idempotency_records WHERE key = $1
	`
	if err := r.db.GetContext(ctx, &rec, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lookup key: %w", err)
	}
	return &rec, nil
}

// Purge deletes expired records, never those whose transaction is still pending
func (r *PostgresRegistry) Purge(ctx context.Context, now time.Time, batch int) (int, error) {
	const query = `
		DELETE FROM idempotency_records WHERE key IN (
			SELECT r.key FROM idempotency_records r
			WHERE r.expires_at IS NOT NULL AND r.expires_at <= $1
			AND NOT EXISTS (
				SELECT 1 FROM wallet_transactions t
				WHERE t.id = r.transaction_id AND t.status = 'pending'
			)
			LIMIT $2
		)
	`
	res, err := r.db.ExecContext(ctx, query, now, batch)
	if err != nil {
		return 0, fmt.Errorf("failed to purge keys: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
