package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emarket-platform/pkg/clock"
	"github.com/emarket-platform/services/wallet/internal/domain"
)

// MemoryRegistry keeps records in a map. For tests and single-process runs.
type MemoryRegistry struct {
	cfg   Config
	clock clock.Clock

	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryRegistry creates an empty registry
func NewMemoryRegistry(cfg Config, clk clock.Clock) *MemoryRegistry {
	return &MemoryRegistry{cfg: cfg, clock: clk, records: make(map[string]*Record)}
}

func (r *MemoryRegistry) Reserve(_ context.Context, key, fingerprint string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	existing, ok := r.records[key]
	if ok {
		if existing.Fingerprint != fingerprint {
			return nil, domain.ErrIdempotencyKeyConflict
		}
		if existing.Status == StatusDone {
			c := *existing
			return &c, nil
		}
		if existing.ExpiresAt != nil && existing.ExpiresAt.After(now) {
			return nil, domain.ErrKeyInProgress
		}
	}
	r.records[key] = &Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusInProgress,
		CreatedAt:   now,
		ExpiresAt:   expiry(now.Add(r.cfg.Lease)),
	}
	return nil, nil
}

func (r *MemoryRegistry) Complete(_ context.Context, key, fingerprint string, txID uuid.UUID, pending bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[key]
	if !ok {
		return ErrNotFound
	}
	if rec.Fingerprint != fingerprint {
		return domain.ErrIdempotencyKeyConflict
	}
	rec.Status = StatusDone
	rec.TransactionID = &txID
	rec.ExpiresAt = nil
	if !pending {
		rec.ExpiresAt = expiry(r.clock.Now().Add(r.cfg.Retention))
	}
	return nil
}

func (r *MemoryRegistry) Settle(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[key]; ok && rec.Status == StatusDone && rec.ExpiresAt == nil {
		rec.ExpiresAt = expiry(r.clock.Now().Add(r.cfg.Retention))
	}
	return nil
}

func (r *MemoryRegistry) Release(_ context.Context, key, fingerprint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[key]; ok && rec.Status == StatusInProgress && rec.Fingerprint == fingerprint {
		delete(r.records, key)
	}
	return nil
}

func (r *MemoryRegistry) Lookup(_ context.Context, key string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	c := *rec
	return &c, nil
}

func (r *MemoryRegistry) Purge(_ context.Context, now time.Time, batch int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key, rec := range r.records {
		if batch > 0 && n >= batch {
			break
		}
		if rec.ExpiresAt != nil && !rec.ExpiresAt.After(now) {
			delete(r.records, key)
			n++
		}
	}
	return n, nil
}

// Forget drops a record regardless of state. Test helper simulating a lost record.
func (r *MemoryRegistry) Forget(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, key)
}
