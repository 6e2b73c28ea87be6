// Package service implements wallet business logic
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/emarket-platform/pkg/clock"
	"github.com/emarket-platform/pkg/money"
	"github.com/emarket-platform/services/wallet/internal/audit"
	"github.com/emarket-platform/services/wallet/internal/cache"
	"github.com/emarket-platform/services/wallet/internal/domain"
	"github.com/emarket-platform/services/wallet/internal/gateway"
	"github.com/emarket-platform/services/wallet/internal/idempotency"
	"github.com/emarket-platform/services/wallet/internal/repository"
)

// Store is the ledger storage the manager writes through.
type Store interface {
	WithinWallets(ctx context.Context, userIDs []string, fn func(repository.LedgerTx) error) error
	GetWallet(ctx context.Context, userID string) (*domain.Wallet, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	GetTransactionByKey(ctx context.Context, key string) (*domain.Transaction, error)
	GetTransactionByPaymentID(ctx context.Context, paymentID string) (*domain.Transaction, error)
	GetTransactionByReference(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, f domain.TransactionFilter) ([]*domain.Transaction, error)
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Transaction, error)
	ListForReplay(ctx context.Context, walletID uuid.UUID) ([]*domain.Transaction, error)
	ListAudit(ctx context.Context, walletID uuid.UUID) ([]*domain.AuditRecord, error)
}

// Config for the account manager
type Config struct {
	Currency           money.Currency
	MaxConflictRetries int
	RetryBaseDelay     time.Duration
	// KeyWaitTimeout bounds how long a duplicate request waits for the
	// in-flight request holding its key.
	KeyWaitTimeout  time.Duration
	KeyPollInterval time.Duration
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		Currency:           money.USD,
		MaxConflictRetries: 5,
		RetryBaseDelay:     10 * time.Millisecond,
		KeyWaitTimeout:     2 * time.Second,
		KeyPollInterval:    25 * time.Millisecond,
	}
}

// Result of a ledger operation
type Result struct {
	Transaction *domain.Transaction `json:"transaction"`
	// Legs are the linked transactions written with Transaction, such as the
	// payee credit of a release or the receiving leg of a transfer.
	Legs     []*domain.Transaction `json:"legs,omitempty"`
	Wallet   *domain.Wallet        `json:"wallet"`
	Replayed bool                  `json:"replayed"`
	Gateway  *gateway.Charge       `json:"gateway,omitempty"`
}

// Manager is the wallet account manager. It is the only writer of wallets
// and transactions.
type Manager struct {
	store    Store
	registry idempotency.Registry
	emitter  *audit.Emitter
	balances cache.Balances
	charges  gateway.Initiator
	metrics  *Metrics
	clock    clock.Clock
	logger   *slog.Logger
	cfg      Config
}

// Option customizes a Manager
type Option func(*Manager)

// WithGateway enables charge initiation for non-captured deposits.
func WithGateway(g gateway.Initiator) Option {
	return func(m *Manager) { m.charges = g }
}

// WithBalanceCache sets the read cache used by GetWallet.
func WithBalanceCache(c cache.Balances) Option {
	return func(m *Manager) { m.balances = c }
}

// WithMetrics sets the manager's collectors.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates new account manager instance
func NewManager(
	store Store,
	registry idempotency.Registry,
	emitter *audit.Emitter,
	clk clock.Clock,
	logger *slog.Logger,
	cfg Config,
	opts ...Option,
) *Manager {
	m := &Manager{
		store:    store,
		registry: registry,
		emitter:  emitter,
		balances: cache.Nop{},
		metrics:  NewMetrics(nil),
		clock:    clk,
		logger:   logger,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// unit is the staged outcome of one attempt at a unit of work.
type unit struct {
	result *Result
	batch  audit.Batch
}

// commit runs fn inside one ledger transaction over userIDs, retrying on
// version conflicts and transient storage errors. Events are published and
// cached balances refreshed only after a successful commit.
func (m *Manager) commit(ctx context.Context, op string, userIDs []string, fn func(ltx repository.LedgerTx, u *unit) error) (*unit, error) {
	delay := m.cfg.RetryBaseDelay
	for attempt := 0; ; attempt++ {
		u := &unit{result: &Result{}}
		err := m.store.WithinWallets(ctx, userIDs, func(ltx repository.LedgerTx) error {
			return fn(ltx, u)
		})
		if err == nil {
			m.emitter.Publish(ctx, &u.batch)
			m.cacheCommitted(ctx, u.batch.Wallets)
			return u, nil
		}

		retryable := errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrTransient)
		if !retryable || attempt >= m.cfg.MaxConflictRetries {
			return nil, err
		}
		m.metrics.conflictRetries.WithLabelValues(op).Inc()
		m.logger.Debug("retrying unit of work", "operation", op, "attempt", attempt+1, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// cacheCommitted stores the committed snapshots. A snapshot the cache
// refuses is dropped so queries fall back to the store.
func (m *Manager) cacheCommitted(ctx context.Context, wallets map[string]*domain.Wallet) {
	for userID, w := range wallets {
		if err := m.balances.Set(ctx, w); err != nil {
			m.logger.Warn("failed to cache committed balance", "user_id", userID, "error", err)
			if err := m.balances.Invalidate(ctx, userID); err != nil {
				m.logger.Warn("failed to invalidate cached balance", "user_id", userID, "error", err)
			}
		}
	}
}

// record appends an audit record for tx's transition and adds both to the
// unit's publish batch. w must be the wallet tx belongs to, with its version
// still as read.
func (m *Manager) record(ctx context.Context, ltx repository.LedgerTx, u *unit, w *domain.Wallet, tx *domain.Transaction, from domain.TransactionStatus, caller domain.Caller) error {
	rec, err := m.emitter.Record(ctx, ltx, w, tx, from, caller, w.Version+1)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	u.batch.Records = append(u.batch.Records, rec)
	return nil
}

// save validates and persists w against the version it was read at.
func (m *Manager) save(ctx context.Context, ltx repository.LedgerTx, u *unit, w *domain.Wallet) error {
	if err := w.Validate(); err != nil {
		return err
	}
	w.UpdatedAt = m.clock.Now()
	if err := ltx.UpsertWallet(ctx, w, w.Version); err != nil {
		return err
	}
	u.batch.SetWallet(w.Clone())
	return nil
}

// keyed wraps an operation with the idempotency contract. exec runs only
// when the caller owns key; a non-nil result with a non-nil error means the
// ledger committed but the operation still failed, which completes the key.
func (m *Manager) keyed(ctx context.Context, op, key, fingerprint string, exec func(ctx context.Context) (*Result, error)) (*Result, error) {
	switch {
	case key == "":
		return nil, fmt.Errorf("%w: idempotency key is required", domain.ErrInvalidRequest)
	case strings.Contains(key, legSeparator):
		return nil, fmt.Errorf("%w: idempotency key must not contain %q", domain.ErrInvalidRequest, legSeparator)
	}
	start := time.Now()

	res, err := m.runKeyed(ctx, op, key, fingerprint, exec)

	m.metrics.operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	m.metrics.operationsTotal.WithLabelValues(op, resultLabel(err)).Inc()
	if res != nil && res.Replayed {
		m.metrics.replaysTotal.WithLabelValues(op).Inc()
	}
	return res, err
}

func (m *Manager) runKeyed(ctx context.Context, op, key, fingerprint string, exec func(ctx context.Context) (*Result, error)) (*Result, error) {
	rec, err := m.reserve(ctx, key, fingerprint)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return m.replay(ctx, rec)
	}

	res, err := exec(ctx)
	if res != nil && res.Transaction != nil {
		m.complete(ctx, key, fingerprint, res.Transaction)
		return res, err
	}
	if err == nil {
		return nil, fmt.Errorf("%s produced no transaction", op)
	}

	if errors.Is(err, domain.ErrDuplicateKey) {
		if res, rerr := m.recoverByKey(ctx, key, fingerprint); res != nil || rerr != nil {
			return res, rerr
		}
		// The key is free, so the duplicate was a second resolution of the same lock.
		err = fmt.Errorf("%w: escrow already resolved", domain.ErrInvalidState)
	}

	if rerr := m.registry.Release(ctx, key, fingerprint); rerr != nil {
		m.logger.Warn("failed to release idempotency key", "key", key, "error", rerr)
	}
	return nil, err
}

// reserve claims key, waiting a bounded time while another request holds it.
func (m *Manager) reserve(ctx context.Context, key, fingerprint string) (*idempotency.Record, error) {
	rec, err := m.registry.Reserve(ctx, key, fingerprint)
	if !errors.Is(err, domain.ErrKeyInProgress) || m.cfg.KeyWaitTimeout <= 0 {
		return rec, err
	}

	timeout := time.NewTimer(m.cfg.KeyWaitTimeout)
	defer timeout.Stop()
	poll := time.NewTicker(m.cfg.KeyPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			return nil, fmt.Errorf("%w: %s", domain.ErrKeyInProgress, key)
		case <-poll.C:
			rec, err = m.registry.Reserve(ctx, key, fingerprint)
			if !errors.Is(err, domain.ErrKeyInProgress) {
				return rec, err
			}
		}
	}
}

func (m *Manager) complete(ctx context.Context, key, fingerprint string, tx *domain.Transaction) {
	pending := tx.Status == domain.TxStatusPending
	if err := m.registry.Complete(ctx, key, fingerprint, tx.ID, pending); err != nil {
		// The ledger's unique key still guards the retry once the lease lapses.
		m.logger.Error("failed to complete idempotency key", "key", key, "tx_id", tx.ID, "error", err)
		return
	}
	if !pending {
		return
	}
	// A confirmation may have landed between commit and Complete.
	if cur, err := m.store.GetTransaction(ctx, tx.ID); err == nil && cur.Status.IsTerminal() {
		m.settle(ctx, cur)
	}
}

func (m *Manager) settle(ctx context.Context, tx *domain.Transaction) {
	if err := m.registry.Settle(ctx, tx.IdempotencyKey); err != nil {
		m.logger.Warn("failed to settle idempotency key", "key", tx.IdempotencyKey, "tx_id", tx.ID, "error", err)
	}
}

// recoverByKey answers a request whose registry record was lost but whose
// transaction was committed. Returns nil, nil when no transaction has key.
func (m *Manager) recoverByKey(ctx context.Context, key, fingerprint string) (*Result, error) {
	tx, err := m.store.GetTransactionByKey(ctx, key)
	if errors.Is(err, domain.ErrTransactionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if tx.Fingerprint != fingerprint {
		if rerr := m.registry.Release(ctx, key, fingerprint); rerr != nil {
			m.logger.Warn("failed to release idempotency key", "key", key, "error", rerr)
		}
		return nil, domain.ErrIdempotencyKeyConflict
	}
	m.complete(ctx, key, fingerprint, tx)
	return m.resultFor(ctx, tx, true)
}

func (m *Manager) replay(ctx context.Context, rec *idempotency.Record) (*Result, error) {
	if rec.TransactionID == nil {
		return nil, fmt.Errorf("%w: idempotency record %s has no transaction", domain.ErrInvalidState, rec.Key)
	}
	tx, err := m.store.GetTransaction(ctx, *rec.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load recorded transaction: %w", err)
	}
	return m.resultFor(ctx, tx, true)
}

// resultFor rebuilds the result of a committed operation from the ledger.
func (m *Manager) resultFor(ctx context.Context, tx *domain.Transaction, replayed bool) (*Result, error) {
	res := &Result{Transaction: tx, Replayed: replayed}

	if tx.Direction == domain.DirectionDebit && (tx.Type == domain.TxTypeTransfer || tx.Type == domain.TxTypeEscrowRelease) {
		leg, err := m.store.GetTransactionByReference(ctx, tx.ID)
		switch {
		case err == nil:
			res.Legs = append(res.Legs, leg)
		case !errors.Is(err, domain.ErrTransactionNotFound):
			return nil, err
		}
	}
	if tx.Type == domain.TxTypeDeposit && tx.PaymentID != nil {
		res.Gateway = &gateway.Charge{PaymentID: *tx.PaymentID}
	}

	w, err := m.store.GetWallet(ctx, tx.UserID)
	if err != nil {
		return nil, err
	}
	res.Wallet = w
	return res, nil
}

// loadTransaction reads a transaction outside any lock to learn which
// wallets to lock; it is read again under the lock.
func (m *Manager) loadTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	tx, err := m.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func requireActive(w *domain.Wallet) error {
	if !w.IsActive {
		return fmt.Errorf("%w: wallet of %s is inactive", domain.ErrInvalidState, w.UserID)
	}
	return nil
}

func requirePositive(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", domain.ErrInvalidAmount, amount)
	}
	return nil
}
