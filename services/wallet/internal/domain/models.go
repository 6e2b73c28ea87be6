// Package domain contains core business entities for Wallet Service
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Errors
var (
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInvalidState           = errors.New("invalid state")
	ErrConflict               = errors.New("concurrent update detected")
	ErrIdempotencyKeyConflict = errors.New("idempotency key reused with different parameters")
	ErrKeyInProgress          = errors.New("idempotency key in progress")
	ErrInvalidSignature       = errors.New("invalid signature")
	ErrAnomalyDetected        = errors.New("anomaly detected")
	ErrWalletNotFound         = errors.New("wallet not found")
	ErrTransactionNotFound    = errors.New("transaction not found")
	ErrForbidden              = errors.New("forbidden")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrDuplicateKey           = errors.New("duplicate key")
	ErrTransient              = errors.New("transient storage error")
)

// Wallet holds one user's balances. Amounts are in minor units.
type Wallet struct {
	ID                 uuid.UUID `json:"id" db:"id"`
	UserID             string    `json:"user_id" db:"user_id"`
	Balance            int64     `json:"balance" db:"balance"`
	LockedBalance      int64     `json:"locked_balance" db:"locked_balance"`
	PendingWithdrawals int64     `json:"pending_withdrawals" db:"pending_withdrawals"`
	TotalDeposited     int64     `json:"total_deposited" db:"total_deposited"`
	TotalWithdrawn     int64     `json:"total_withdrawn" db:"total_withdrawn"`
	IsActive           bool      `json:"is_active" db:"is_active"`
	Version            int64     `json:"version" db:"version"` // for optimistic locking
	AuditHead          string    `json:"audit_head" db:"audit_head"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// NewWallet creates an empty active wallet for a user
func NewWallet(userID string, now time.Time) *Wallet {
	return &Wallet{
		ID:        uuid.New(),
		UserID:    userID,
		IsActive:  true,
		Version:   1,
		AuditHead: GenesisHash,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Spendable returns balance not reserved by pending withdrawals
func (w *Wallet) Spendable() int64 {
	return w.Balance - w.PendingWithdrawals
}

// Clone returns a copy safe to mutate
func (w *Wallet) Clone() *Wallet {
	c := *w
	return &c
}

// Validate checks the balance invariants
func (w *Wallet) Validate() error {
	if w.Balance < 0 || w.LockedBalance < 0 {
		return fmt.Errorf("%w: negative balance on wallet %s", ErrInvalidState, w.UserID)
	}
	if w.PendingWithdrawals < 0 || w.PendingWithdrawals > w.Balance {
		return fmt.Errorf("%w: reservation out of range on wallet %s", ErrInvalidState, w.UserID)
	}
	return nil
}

// Reserve earmarks amount for a pending withdrawal
func (w *Wallet) Reserve(amount int64) error {
	if w.Spendable() < amount {
		return ErrInsufficientFunds
	}
	w.PendingWithdrawals += amount
	return nil
}

// ReleaseReservation returns a pending withdrawal's earmark to spendable funds
func (w *Wallet) ReleaseReservation(amount int64) error {
	if w.PendingWithdrawals < amount {
		return fmt.Errorf("%w: reservation underflow on wallet %s", ErrInvalidState, w.UserID)
	}
	w.PendingWithdrawals -= amount
	return nil
}

// Apply adds the effect of a completed transaction to the wallet balances
// and lifetime totals.
func (w *Wallet) Apply(tx *Transaction) error {
	e, err := EffectOf(tx.Type, tx.Direction, tx.Amount)
	if err != nil {
		return err
	}
	if w.Balance+e.Balance < 0 {
		return ErrInsufficientFunds
	}
	if w.LockedBalance+e.Locked < 0 {
		return fmt.Errorf("%w: locked balance underflow on wallet %s", ErrInvalidState, w.UserID)
	}
	w.Balance += e.Balance
	w.LockedBalance += e.Locked

	switch tx.Type {
	case TxTypeDeposit:
		w.TotalDeposited += tx.Amount
	case TxTypeWithdraw:
		w.TotalWithdrawn += tx.Amount
	}
	return nil
}

// TransactionType represents type of financial operation
type TransactionType string

const (
	TxTypeDeposit       TransactionType = "deposit"
	TxTypeWithdraw      TransactionType = "withdraw"
	TxTypeEscrowLock    TransactionType = "escrow_lock"
	TxTypeEscrowRelease TransactionType = "escrow_release"
	TxTypeEscrowRefund  TransactionType = "escrow_refund"
	TxTypeTransfer      TransactionType = "transfer"
)

// Direction tells which wallet leg a transaction is
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// TransactionStatus represents transaction state
type TransactionStatus string

const (
	TxStatusNone      TransactionStatus = "none" // audit fromStatus on creation
	TxStatusPending   TransactionStatus = "pending"
	TxStatusCompleted TransactionStatus = "completed"
	TxStatusFailed    TransactionStatus = "failed"
	TxStatusCancelled TransactionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible
func (s TransactionStatus) IsTerminal() bool {
	return s == TxStatusCompleted || s == TxStatusFailed || s == TxStatusCancelled
}

// CanTransitionTo reports whether s -> to is a legal transition
func (s TransactionStatus) CanTransitionTo(to TransactionStatus) bool {
	switch s {
	case TxStatusNone:
		return to == TxStatusPending || to == TxStatusCompleted
	case TxStatusPending:
		return to.IsTerminal()
	default:
		return false
	}
}

// Transaction is an immutable ledger entry. Only the status fields and the
// first gateway reference change after creation.
type Transaction struct {
	ID                 uuid.UUID         `json:"id" db:"id"`
	WalletID           uuid.UUID         `json:"wallet_id" db:"wallet_id"`
	UserID             string            `json:"user_id" db:"user_id"`
	Type               TransactionType   `json:"type" db:"type"`
	Direction          Direction         `json:"direction" db:"direction"`
	Amount             int64             `json:"amount" db:"amount"` // always positive, minor units
	Status             TransactionStatus `json:"status" db:"status"`
	OrderID            *string           `json:"order_id,omitempty" db:"order_id"`
	PaymentID          *string           `json:"payment_id,omitempty" db:"payment_id"`
	IdempotencyKey     string            `json:"idempotency_key" db:"idempotency_key"`
	Fingerprint        string            `json:"-" db:"fingerprint"`
	ReferenceID        *uuid.UUID        `json:"reference_id,omitempty" db:"reference_id"`
	CounterpartyUserID *string           `json:"counterparty_user_id,omitempty" db:"counterparty_user_id"`
	Description        *string           `json:"description,omitempty" db:"description"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	FailedReason       *string           `json:"failed_reason,omitempty" db:"failed_reason"`
	CreatedAt          time.Time         `json:"created_at" db:"created_at"`
}

// NewTransaction creates a new pending transaction on a wallet
func NewTransaction(
	w *Wallet,
	txType TransactionType,
	direction Direction,
	amount int64,
	idempotencyKey, fingerprint string,
	now time.Time,
) *Transaction {
	return &Transaction{
		ID:             uuid.New(),
		WalletID:       w.ID,
		UserID:         w.UserID,
		Type:           txType,
		Direction:      direction,
		Amount:         amount,
		Status:         TxStatusPending,
		IdempotencyKey: idempotencyKey,
		Fingerprint:    fingerprint,
		CreatedAt:      now,
	}
}

// Transition moves the transaction to a new status
func (t *Transaction) Transition(to TransactionStatus, reason string, now time.Time) error {
	if !t.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: transaction %s cannot move from %s to %s", ErrInvalidState, t.ID, t.Status, to)
	}
	t.Status = to
	switch to {
	case TxStatusCompleted:
		t.CompletedAt = &now
	case TxStatusFailed, TxStatusCancelled:
		if reason != "" {
			t.FailedReason = &reason
		}
	}
	return nil
}

// Complete marks transaction as completed
func (t *Transaction) Complete(now time.Time) error {
	return t.Transition(TxStatusCompleted, "", now)
}

// Fail marks transaction as failed
func (t *Transaction) Fail(reason string, now time.Time) error {
	return t.Transition(TxStatusFailed, reason, now)
}

// Cancel marks transaction as cancelled
func (t *Transaction) Cancel(reason string, now time.Time) error {
	return t.Transition(TxStatusCancelled, reason, now)
}

// IsGatewayBacked reports whether an external confirmation resolves the transaction
func (t *Transaction) IsGatewayBacked() bool {
	return t.Type == TxTypeDeposit || t.Type == TxTypeWithdraw
}

// TransactionFilter narrows ListTransactions
type TransactionFilter struct {
	UserID  string
	Type    TransactionType
	Status  TransactionStatus
	OrderID string
	From    *time.Time
	To      *time.Time
	Limit   int
	Offset  int
}

// StringPtr returns nil for empty strings
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or ""
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
