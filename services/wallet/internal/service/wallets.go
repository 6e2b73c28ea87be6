package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/emarket-platform/pkg/events"
	"github.com/emarket-platform/services/wallet/internal/audit"
	"github.com/emarket-platform/services/wallet/internal/domain"
	"github.com/emarket-platform/services/wallet/internal/repository"
)

// OpenWallet returns the user's wallet, creating it if needed.
func (m *Manager) OpenWallet(ctx context.Context, caller domain.Caller, userID string) (*domain.Wallet, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidRequest)
	}
	if err := caller.Authorize(userID); err != nil {
		return nil, err
	}

	w, err := m.store.GetWallet(ctx, userID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, domain.ErrWalletNotFound) {
		return nil, err
	}

	if _, err := m.commit(ctx, "open_wallet", []string{userID}, func(repository.LedgerTx, *unit) error {
		return nil
	}); err != nil {
		return nil, err
	}
	w, err = m.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	m.logger.Info("wallet opened", "user_id", userID, "wallet_id", w.ID)
	m.emitter.WalletChanged(ctx, events.EventWalletOpened, w, caller)
	return w, nil
}

// DeactivateWallet stops new debits and credits on a wallet. Open escrow
// locks and pending transactions can still be resolved.
func (m *Manager) DeactivateWallet(ctx context.Context, caller domain.Caller, userID string) (*domain.Wallet, error) {
	if !caller.Privileged() {
		return nil, fmt.Errorf("%w: deactivation requires a privileged role", domain.ErrForbidden)
	}
	if _, err := m.store.GetWallet(ctx, userID); err != nil {
		return nil, err
	}

	changed := false
	u, err := m.commit(ctx, "deactivate_wallet", []string{userID}, func(ltx repository.LedgerTx, u *unit) error {
		w, err := ltx.Wallet(userID)
		if err != nil {
			return err
		}
		u.result.Wallet = w
		if !w.IsActive {
			return nil
		}
		w.IsActive = false
		changed = true
		return m.save(ctx, ltx, u, w)
	})
	if err != nil {
		return nil, err
	}
	if changed {
		m.logger.Info("wallet deactivated", "user_id", userID, "actor", caller.SubjectID)
		m.emitter.WalletChanged(ctx, events.EventWalletDeactivated, u.result.Wallet, caller)
	}
	return u.result.Wallet, nil
}

// GetWallet returns the committed wallet state, read through the balance cache.
func (m *Manager) GetWallet(ctx context.Context, caller domain.Caller, userID string) (*domain.Wallet, error) {
	if err := caller.Authorize(userID); err != nil {
		return nil, err
	}

	if w, ok, err := m.balances.Get(ctx, userID); err != nil {
		m.logger.Warn("balance cache read failed", "user_id", userID, "error", err)
	} else if ok {
		return w, nil
	}

	w, err := m.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := m.balances.Set(ctx, w); err != nil {
		m.logger.Warn("balance cache write failed", "user_id", userID, "error", err)
	}
	return w, nil
}

// GetTransaction returns one transaction the caller may see.
func (m *Manager) GetTransaction(ctx context.Context, caller domain.Caller, id uuid.UUID) (*domain.Transaction, error) {
	tx, err := m.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := caller.Authorize(tx.UserID); err != nil {
		return nil, err
	}
	return tx, nil
}

// ListTransactions returns a page of the user's transactions, newest first.
func (m *Manager) ListTransactions(ctx context.Context, caller domain.Caller, f domain.TransactionFilter) ([]*domain.Transaction, error) {
	if f.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidRequest)
	}
	if err := caller.Authorize(f.UserID); err != nil {
		return nil, err
	}
	return m.store.ListTransactions(ctx, f)
}

// ListAudit returns the wallet's audit chain in append order.
func (m *Manager) ListAudit(ctx context.Context, caller domain.Caller, userID string) ([]*domain.AuditRecord, error) {
	if err := caller.Authorize(userID); err != nil {
		return nil, err
	}
	w, err := m.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	return m.store.ListAudit(ctx, w.ID)
}

// VerifyWallet replays the wallet's ledger and audit chain against its
// cached balances while holding the wallet lock. Used when resolving disputes.
func (m *Manager) VerifyWallet(ctx context.Context, caller domain.Caller, userID string) (*audit.Report, error) {
	if err := caller.Authorize(userID); err != nil {
		return nil, err
	}
	if _, err := m.store.GetWallet(ctx, userID); err != nil {
		return nil, err
	}

	var report audit.Report
	err := m.store.WithinWallets(ctx, []string{userID}, func(ltx repository.LedgerTx) error {
		w, err := ltx.Wallet(userID)
		if err != nil {
			return err
		}
		txs, err := m.store.ListForReplay(ctx, w.ID)
		if err != nil {
			return err
		}
		recs, err := m.store.ListAudit(ctx, w.ID)
		if err != nil {
			return err
		}
		report, err = audit.Verify(w, txs, recs)
		return err
	})
	if err != nil {
		return nil, err
	}

	if !report.Consistent() {
		m.metrics.verifyFailures.Inc()
		m.logger.Error("wallet verification failed",
			"user_id", userID,
			"balances_match", report.BalancesMatch,
			"chain_error", report.ChainError,
		)
	}
	return &report, nil
}
