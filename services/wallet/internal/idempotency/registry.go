// Package idempotency records which caller-supplied keys have been executed
// and with what result, so retried requests are answered without re-running.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Lookup for unknown keys
var ErrNotFound = errors.New("idempotency record not found")

// Status of a record
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
)

// Record is one idempotency key and the transaction it produced.
type Record struct {
	Key           string     `json:"key" db:"key"`
	Fingerprint   string     `json:"fingerprint" db:"fingerprint"`
	TransactionID *uuid.UUID `json:"transaction_id,omitempty" db:"transaction_id"`
	Status        Status     `json:"status" db:"status"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty" db:"expires_at"`
}

// Registry is the idempotency store.
//
// Reserve returns (nil, nil) when the caller now owns the key, the done
// record when the key already completed, domain.ErrKeyInProgress while
// another holder's lease is live, and domain.ErrIdempotencyKeyConflict when
// the key was used with a different fingerprint.
type Registry interface {
	Reserve(ctx context.Context, key, fingerprint string) (*Record, error)
	// Complete marks the key done. Records of pending transactions never expire
	// until Settle is called. It fails with domain.ErrIdempotencyKeyConflict
	// when a request with another fingerprint holds the key.
	Complete(ctx context.Context, key, fingerprint string, txID uuid.UUID, pending bool) error
	// Settle starts the retention clock once the transaction reached a terminal state.
	Settle(ctx context.Context, key string) error
	// Release drops the caller's in-progress reservation so the key can be
	// retried. Done records and reservations of other fingerprints are kept.
	Release(ctx context.Context, key, fingerprint string) error
	Lookup(ctx context.Context, key string) (*Record, error)
	// Purge deletes up to batch expired records and reports how many were removed.
	Purge(ctx context.Context, now time.Time, batch int) (int, error)
}

// Config holds lease and retention windows
type Config struct {
	Lease     time.Duration
	Retention time.Duration
}

// DefaultConfig returns the default windows
func DefaultConfig() Config {
	return Config{
		Lease:     30 * time.Second,
		Retention: 24 * time.Hour,
	}
}

// Fingerprint hashes an operation and its parameters into a stable digest.
func Fingerprint(operation string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, operation)
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func expiry(t time.Time) *time.Time {
	return &t
}
