// Package repository implements data access layer for Wallet Service
package repository

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/emarket-platform/services/wallet/internal/domain"
)

// LedgerTx is one atomic unit of work over a set of locked wallets.
// Nothing written through it is visible to others until the enclosing
// WithinWallets call commits.
type LedgerTx interface {
	// Wallet returns a working copy of a locked wallet.
	Wallet(userID string) (*domain.Wallet, error)
	// UpsertWallet stores w if its persisted version still equals expectedVersion
	// and bumps w.Version. Returns domain.ErrConflict otherwise.
	UpsertWallet(ctx context.Context, w *domain.Wallet, expectedVersion int64) error
	AppendTransaction(ctx context.Context, tx *domain.Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	GetTransactionByKey(ctx context.Context, key string) (*domain.Transaction, error)
	// FindResolution returns the transaction referencing id (the release or
	// refund of a lock, or the credit leg of a debit).
	FindResolution(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	// UpdateTransaction persists the mutable fields of tx if its stored status is still from.
	UpdateTransaction(ctx context.Context, tx *domain.Transaction, from domain.TransactionStatus) error
	AppendAudit(ctx context.Context, rec *domain.AuditRecord) error
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// lockOrder returns the distinct user ids in ascending order, the only order
// wallets may be locked in.
func lockOrder(userIDs []string) []string {
	seen := make(map[string]struct{}, len(userIDs))
	out := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func pageBounds(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
