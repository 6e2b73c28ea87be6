package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/emarket-platform/pkg/clock"
	"github.com/emarket-platform/services/wallet/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const walletColumns = `id, user_id, balance, locked_balance, pending_withdrawals, total_deposited,
	total_withdrawn, is_active, version, audit_head, created_at, updated_at`

const txColumns = `id, wallet_id, user_id, type, direction, amount, status, order_id, payment_id,
	idempotency_key, fingerprint, reference_id, counterparty_user_id, description,
	completed_at, failed_reason, created_at`

const auditColumns = `id, transaction_id, wallet_id, user_id, from_status, to_status, actor,
	actor_role, recorded_at, wallet_version_after, hash_prev, hash_curr`

// PostgresStore implements the ledger store on PostgreSQL
type PostgresStore struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewPostgresStore creates new store
func NewPostgresStore(db *sqlx.DB, clk clock.Clock) *PostgresStore {
	return &PostgresStore{db: db, clock: clk}
}

// EnsureSchema creates tables and indexes if missing
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithinWallets runs fn in one database transaction holding row locks on the
// wallets of userIDs, creating missing wallets first.
func (s *PostgresStore) WithinWallets(ctx context.Context, userIDs []string, fn func(LedgerTx) error) error {
	ids := lockOrder(userIDs)
	if len(ids) == 0 {
		return fmt.Errorf("%w: no wallet to lock", domain.ErrInvalidRequest)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	ltx := &pgLedgerTx{tx: tx, wallets: make(map[string]*domain.Wallet, len(ids))}
	now := s.clock.Now()
	for _, id := range ids {
		w, err := lockWallet(ctx, tx, id, now)
		if err != nil {
			return classify(err)
		}
		ltx.wallets[id] = w
	}

	if err := fn(ltx); err != nil {
		return classify(err)
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

func lockWallet(ctx context.Context, tx *sqlx.Tx, userID string, now time.Time) (*domain.Wallet, error) {
	const insert = `
		INSERT INTO wallets (id, user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (user_id) DO NOTHING
	`
	if _, err := tx.ExecContext(ctx, insert, uuid.New(), userID, now); err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}

	var w domain.Wallet
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1 FOR UPDATE`
	if err := tx.GetContext(ctx, &w, query, userID); err != nil {
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}
	return &w, nil
}

// GetWallet retrieves wallet by user ID
func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*domain.Wallet, error) {
	var w domain.Wallet
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1`
	err := s.db.GetContext(ctx, &w, query, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return &w, nil
}

// GetTransaction retrieves transaction by ID
func (s *PostgresStore) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return getTransaction(ctx, s.db, `id = $1`, id)
}

// GetTransactionByKey retrieves transaction by idempotency key
func (s *PostgresStore) GetTransactionByKey(ctx context.Context, key string) (*domain.Transaction, error) {
	return getTransaction(ctx, s.db, `idempotency_key = $1`, key)
}

// GetTransactionByPaymentID retrieves the transaction a gateway reference was attached to
func (s *PostgresStore) GetTransactionByPaymentID(ctx context.Context, paymentID string) (*domain.Transaction, error) {
	return getTransaction(ctx, s.db, `payment_id = $1 ORDER BY created_at LIMIT 1`, paymentID)
}

// GetTransactionByReference retrieves the transaction referencing id
func (s *PostgresStore) GetTransactionByReference(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return getTransaction(ctx, s.db, `reference_id = $1`, id)
}

// ListTransactions retrieves a user's transactions, newest first
func (s *PostgresStore) ListTransactions(ctx context.Context, f domain.TransactionFilter) ([]*domain.Transaction, error) {
	conds := []string{"user_id = $1"}
	args := []interface{}{f.UserID}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.OrderID != "" {
		add("order_id = $%d", f.OrderID)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at < $%d", *f.To)
	}
	limit, offset := pageBounds(f.Limit, f.Offset)
	args = append(args, limit, offset)

	query := fmt.Sprintf(`SELECT %s FROM wallet_transactions WHERE %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		txColumns, strings.Join(conds, " AND "), len(args)-1, len(args))

	var txs []*domain.Transaction
	if err := s.db.SelectContext(ctx, &txs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}

// ListStalePending retrieves pending deposits and withdrawals created before cutoff
func (s *PostgresStore) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM wallet_transactions
		WHERE status = 'pending' AND type IN ('deposit', 'withdraw') AND created_at < $1
		ORDER BY created_at
		LIMIT $2`
	var txs []*domain.Transaction
	if err := s.db.SelectContext(ctx, &txs, query, cutoff, limit); err != nil {
		return nil, fmt.Errorf("failed to list stale pending: %w", err)
	}
	return txs, nil
}

// ListForReplay retrieves every transaction of a wallet in ledger order
func (s *PostgresStore) ListForReplay(ctx context.Context, walletID uuid.UUID) ([]*domain.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM wallet_transactions WHERE wallet_id = $1 ORDER BY created_at, id`
	var txs []*domain.Transaction
	if err := s.db.SelectContext(ctx, &txs, query, walletID); err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}
	return txs, nil
}

// ListAudit retrieves a wallet's audit chain in append order
func (s *PostgresStore) ListAudit(ctx context.Context, walletID uuid.UUID) ([]*domain.AuditRecord, error) {
	query := `SELECT ` + auditColumns + ` FROM wallet_audit WHERE wallet_id = $1 ORDER BY seq`
	var recs []*domain.AuditRecord
	if err := s.db.SelectContext(ctx, &recs, query, walletID); err != nil {
		return nil, fmt.Errorf("failed to list audit: %w", err)
	}
	return recs, nil
}

func getTransaction(ctx context.Context, q sqlx.QueryerContext, where string, arg interface{}) (*domain.Transaction, error) {
	var tx domain.Transaction
	query := `SELECT ` + txColumns + ` FROM wallet_transactions WHERE ` + where
	err := sqlx.GetContext(ctx, q, &tx, query, arg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return &tx, nil
}

// pgLedgerTx implements LedgerTx over a sqlx.Tx
type pgLedgerTx struct {
	tx      *sqlx.Tx
	wallets map[string]*domain.Wallet
}

func (t *pgLedgerTx) Wallet(userID string) (*domain.Wallet, error) {
	w, ok := t.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("%w: wallet %q not locked", domain.ErrInvalidRequest, userID)
	}
	return w.Clone(), nil
}

// UpsertWallet writes the wallet with optimistic locking
func (t *pgLedgerTx) UpsertWallet(ctx context.Context, w *domain.Wallet, expectedVersion int64) error {
	query := `
		INSERT INTO wallets (` + walletColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (user_id) DO UPDATE SET
			balance = EXCLUDED.balance,
			locked_balance = EXCLUDED.locked_balance,
			pending_withdrawals = EXCLUDED.pending_withdrawals,
			total_deposited = EXCLUDED.total_deposited,
			total_withdrawn = EXCLUDED.total_withdrawn,
			is_active = EXCLUDED.is_active,
			version = EXCLUDED.version,
			audit_head = EXCLUDED.audit_head,
			updated_at = EXCLUDED.updated_at
		WHERE wallets.version = $13
		RETURNING version
	`
	next := expectedVersion + 1
	var version int64
	err := t.tx.QueryRowxContext(ctx, query,
		w.ID,
		w.UserID,
		w.Balance,
		w.LockedBalance,
		w.PendingWithdrawals,
		w.TotalDeposited,
		w.TotalWithdrawn,
		w.IsActive,
		next,
		w.AuditHead,
		w.CreatedAt,
		w.UpdatedAt,
		expectedVersion,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrConflict
		}
		return fmt.Errorf("failed to upsert wallet: %w", err)
	}
	w.Version = version
	t.wallets[w.UserID] = w.Clone()
	return nil
}

// AppendTransaction inserts new transaction
func (t *pgLedgerTx) AppendTransaction(ctx context.Context, tx *domain.Transaction) error {
	query := `
		INSERT INTO wallet_transactions (` + txColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err := t.tx.ExecContext(ctx, query,
		tx.ID,
		tx.WalletID,
		tx.UserID,
		tx.Type,
		tx.Direction,
		tx.Amount,
		tx.Status,
		tx.OrderID,
		tx.PaymentID,
		tx.IdempotencyKey,
		tx.Fingerprint,
		tx.ReferenceID,
		tx.CounterpartyUserID,
		tx.Description,
		tx.CompletedAt,
		tx.FailedReason,
		tx.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", classify(err))
	}
	return nil
}

func (t *pgLedgerTx) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return getTransaction(ctx, t.tx, `id = $1`, id)
}

func (t *pgLedgerTx) GetTransactionByKey(ctx context.Context, key string) (*domain.Transaction, error) {
	return getTransaction(ctx, t.tx, `idempotency_key = $1`, key)
}

func (t *pgLedgerTx) FindResolution(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return getTransaction(ctx, t.tx, `reference_id = $1`, id)
}

// UpdateTransaction moves a transaction along the state machine
func (t *pgLedgerTx) UpdateTransaction(ctx context.Context, tx *domain.Transaction, from domain.TransactionStatus) error {
	query := `
		UPDATE wallet_transactions
		SET status = $1, completed_at = $2, failed_reason = $3, payment_id = COALESCE(payment_id, $4)
		WHERE id = $5 AND status = $6
	`
	res, err := t.tx.ExecContext(ctx, query, tx.Status, tx.CompletedAt, tx.FailedReason, tx.PaymentID, tx.ID, from)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrConflict
	}
	return nil
}

// AppendAudit inserts an audit record
func (t *pgLedgerTx) AppendAudit(ctx context.Context, rec *domain.AuditRecord) error {
	query := `
		INSERT INTO wallet_audit (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := t.tx.ExecContext(ctx, query,
		rec.ID,
		rec.TransactionID,
		rec.WalletID,
		rec.UserID,
		rec.FromStatus,
		rec.ToStatus,
		rec.Actor,
		rec.ActorRole,
		rec.Timestamp,
		rec.WalletVersionAfter,
		rec.HashPrev,
		rec.HashCurr,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit: %w", err)
	}
	return nil
}

// classify maps PostgreSQL error codes onto domain errors
func classify(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "23505": // unique_violation
		return fmt.Errorf("%w: %s", domain.ErrDuplicateKey, pqErr.Constraint)
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return fmt.Errorf("%w: %s", domain.ErrTransient, pqErr.Message)
	case "23514": // check_violation
		return fmt.Errorf("%w: %s", domain.ErrInvalidState, pqErr.Constraint)
	}
	return err
}
