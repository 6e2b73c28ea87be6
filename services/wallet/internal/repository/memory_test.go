package repository

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emarket-platform/pkg/clock"
	"github.com/emarket-platform/services/wallet/internal/domain"
)

func deposit(t *testing.T, s *MemoryStore, userID, key string, amount int64) *domain.Transaction {
	t.Helper()
	var out *domain.Transaction
	err := s.WithinWallets(context.Background(), []string{userID}, func(ltx LedgerTx) error {
		w, err := ltx.Wallet(userID)
		if err != nil {
			return err
		}
		expected := w.Version
		tx := domain.NewTransaction(w, domain.TxTypeDeposit, domain.DirectionCredit, amount, key, "fp", fixedNow)
		if err := tx.Complete(fixedNow); err != nil {
			return err
		}
		if err := w.Apply(tx); err != nil {
			return err
		}
		if err := ltx.AppendTransaction(context.Background(), tx); err != nil {
			return err
		}
		out = tx
		return ltx.UpsertWallet(context.Background(), w, expected)
	})
	require.NoError(t, err)
	return out
}

func TestMemoryStore_CommitAndRead(t *testing.T) {
	s := NewMemoryStore(clock.NewManual(fixedNow))
	ctx := context.Background()

	_, err := s.GetWallet(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrWalletNotFound)

	tx := deposit(t, s, "alice", "k1", 700)

	w, err := s.GetWallet(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(700), w.Balance)
	assert.Equal(t, int64(2), w.Version)

	got, err := s.GetTransactionByKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)

	txs, err := s.ListForReplay(ctx, w.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestMemoryStore_RollbackDiscardsStagedWrites(t *testing.T) {
	s := NewMemoryStore(clock.NewManual(fixedNow))
	ctx := context.Background()
	deposit(t, s, "alice", "k1", 700)

	err := s.WithinWallets(ctx, []string{"alice"}, func(ltx LedgerTx) error {
		w, _ := ltx.Wallet("alice")
		expected := w.Version
		w.Balance = 0
		if err := ltx.UpsertWallet(ctx, w, expected); err != nil {
			return err
		}
		return domain.ErrInsufficientFunds
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	w, err := s.GetWallet(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(700), w.Balance)
}

func TestMemoryStore_DuplicateKey(t *testing.T) {
	s := NewMemoryStore(clock.NewManual(fixedNow))
	deposit(t, s, "alice", "k1", 700)

	err := s.WithinWallets(context.Background(), []string{"bob"}, func(ltx LedgerTx) error {
		w, _ := ltx.Wallet("bob")
		tx := domain.NewTransaction(w, domain.TxTypeDeposit, domain.DirectionCredit, 1, "k1", "fp", fixedNow)
		return ltx.AppendTransaction(context.Background(), tx)
	})
	assert.ErrorIs(t, err, domain.ErrDuplicateKey)
}

func TestMemoryStore_UpdateTransactionGuard(t *testing.T) {
	s := NewMemoryStore(clock.NewManual(fixedNow))
	ctx := context.Background()
	tx := deposit(t, s, "alice", "k1", 700)

	err := s.WithinWallets(ctx, []string{"alice"}, func(ltx LedgerTx) error {
		cur, err := ltx.GetTransaction(ctx, tx.ID)
		if err != nil {
			return err
		}
		cur.Status = domain.TxStatusFailed
		return ltx.UpdateTransaction(ctx, cur, domain.TxStatusPending)
	})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestMemoryStore_OptimisticConflict(t *testing.T) {
	s := NewMemoryStore(clock.NewManual(fixedNow), WithOptimisticOnly())
	ctx := context.Background()
	deposit(t, s, "alice", "k0", 1000)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	var wg sync.WaitGroup
	var slowErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		slowErr = s.WithinWallets(ctx, []string{"alice"}, func(ltx LedgerTx) error {
			w, _ := ltx.Wallet("alice")
			expected := w.Version
			close(entered)
			<-proceed
			w.Balance -= 100
			return ltx.UpsertWallet(ctx, w, expected)
		})
	}()

	<-entered
	deposit(t, s, "alice", "k1", 1)
	close(proceed)
	wg.Wait()

	assert.ErrorIs(t, slowErr, domain.ErrConflict)
	w, err := s.GetWallet(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1001), w.Balance)
}

func TestMemoryStore_ListTransactions(t *testing.T) {
	s := NewMemoryStore(clock.NewManual(fixedNow))
	ctx := context.Background()
	for i, key := range []string{"k1", "k2", "k3"} {
		deposit(t, s, "alice", key, int64(100*(i+1)))
	}
	deposit(t, s, "bob", "k4", 50)

	txs, err := s.ListTransactions(ctx, domain.TransactionFilter{UserID: "alice", Limit: 2})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "k3", txs[0].IdempotencyKey)

	txs, err = s.ListTransactions(ctx, domain.TransactionFilter{UserID: "alice", Offset: 2})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "k1", txs[0].IdempotencyKey)

	txs, err = s.ListTransactions(ctx, domain.TransactionFilter{UserID: "alice", Status: domain.TxStatusPending})
	require.NoError(t, err)
	assert.Empty(t, txs)
}
