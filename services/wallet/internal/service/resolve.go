package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/emarket-platform/services/wallet/internal/domain"
	"github.com/emarket-platform/services/wallet/internal/repository"
)

const reasonTimeout = "confirmation timeout"

// decision picks the terminal status for a gateway-backed transaction as
// read under its wallet lock. An empty status leaves it untouched.
type decision func(tx *domain.Transaction) (to domain.TransactionStatus, reason string, err error)

// anomalyError carries the details of a contradictory confirmation.
type anomalyError struct {
	requested domain.TransactionStatus
	detail    string
}

func (e *anomalyError) Error() string {
	return fmt.Sprintf("%s: %s", domain.ErrAnomalyDetected, e.detail)
}

func (e *anomalyError) Unwrap() error { return domain.ErrAnomalyDetected }

// finalize moves a pending deposit or withdrawal to the status decide picks,
// restoring any withdrawal reservation, in one unit of work.
func (m *Manager) finalize(ctx context.Context, caller domain.Caller, txID uuid.UUID, decide decision) (*Result, error) {
	tx, err := m.loadTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}

	u, err := m.commit(ctx, "resolve", []string{tx.UserID}, func(ltx repository.LedgerTx, u *unit) error {
		tx, err := ltx.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if !tx.IsGatewayBacked() {
			return fmt.Errorf("%w: %s transactions are not resolved externally", domain.ErrInvalidState, tx.Type)
		}
		to, reason, err := decide(tx)
		if err != nil {
			return err
		}
		if to == "" {
			u.result.Transaction, u.result.Replayed = tx, true
			return nil
		}

		w, err := ltx.Wallet(tx.UserID)
		if err != nil {
			return err
		}
		from := tx.Status
		if err := tx.Transition(to, reason, m.clock.Now()); err != nil {
			return err
		}
		if tx.Type == domain.TxTypeWithdraw {
			if err := w.ReleaseReservation(tx.Amount); err != nil {
				return err
			}
		}
		if to == domain.TxStatusCompleted {
			if err := w.Apply(tx); err != nil {
				return err
			}
		}

		if err := m.record(ctx, ltx, u, w, tx, from, caller); err != nil {
			return err
		}
		if err := ltx.UpdateTransaction(ctx, tx, from); err != nil {
			return err
		}
		if err := m.save(ctx, ltx, u, w); err != nil {
			return err
		}
		u.batch.AddTransaction(tx)
		u.result.Transaction, u.result.Wallet = tx, w
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := u.result
	if res.Replayed {
		if res.Wallet, err = m.store.GetWallet(ctx, res.Transaction.UserID); err != nil {
			return nil, err
		}
		return res, nil
	}
	m.settle(ctx, res.Transaction)
	return res, nil
}

// ResolvePending applies a gateway or operator verdict to a pending deposit
// or withdrawal. Repeating a verdict already applied is a no-op; a verdict
// contradicting the recorded one fails with domain.ErrAnomalyDetected and
// leaves the ledger untouched.
func (m *Manager) ResolvePending(ctx context.Context, caller domain.Caller, txID uuid.UUID, outcome domain.Outcome, source string) (*Result, error) {
	if err := caller.Require(domain.RoleGateway, domain.RoleOperator, domain.RoleSystem, domain.RoleService); err != nil {
		return nil, err
	}
	if outcome == nil {
		return nil, fmt.Errorf("%w: missing outcome", domain.ErrInvalidRequest)
	}

	start := time.Now()
	res, err := m.resolvePending(ctx, caller, txID, outcome)
	m.metrics.operationDuration.WithLabelValues("resolve_pending").Observe(time.Since(start).Seconds())
	m.metrics.operationsTotal.WithLabelValues("resolve_pending", resultLabel(err)).Inc()

	var anomaly *anomalyError
	if errors.As(err, &anomaly) {
		tx, lerr := m.store.GetTransaction(ctx, txID)
		if lerr == nil {
			m.logger.Error("contradictory confirmation held for review",
				"tx_id", txID,
				"user_id", tx.UserID,
				"current_status", tx.Status,
				"requested_status", anomaly.requested,
				"source", source,
				"detail", anomaly.detail,
			)
			m.emitter.Anomaly(ctx, tx, anomaly.requested, source, anomaly.detail)
		}
		m.metrics.anomaliesTotal.WithLabelValues(source).Inc()
	}
	return res, err
}

func (m *Manager) resolvePending(ctx context.Context, caller domain.Caller, txID uuid.UUID, outcome domain.Outcome) (*Result, error) {
	target, ok := outcome.Target()
	if !ok {
		tx, err := m.loadTransaction(ctx, txID)
		if err != nil {
			return nil, err
		}
		return m.resultFor(ctx, tx, true)
	}

	reason := ""
	if f, isFailed := outcome.(domain.Failed); isFailed {
		reason = f.Describe()
	}

	return m.finalize(ctx, caller, txID, func(tx *domain.Transaction) (domain.TransactionStatus, string, error) {
		if tx.Status.IsTerminal() {
			if tx.Status == target {
				return "", "", nil
			}
			return "", "", &anomalyError{
				requested: target,
				detail:    fmt.Sprintf("transaction is %s, confirmation says %s", tx.Status, target),
			}
		}
		if s, isSucceeded := outcome.(domain.Succeeded); isSucceeded && s.Amount != 0 && s.Amount != tx.Amount {
			return "", "", &anomalyError{
				requested: target,
				detail:    fmt.Sprintf("confirmed amount %d differs from transaction amount %d", s.Amount, tx.Amount),
			}
		}
		return target, reason, nil
	})
}

// Cancel aborts a pending deposit or withdrawal. Cancelling an already
// cancelled transaction is a no-op; any other terminal state is invalid.
func (m *Manager) Cancel(ctx context.Context, caller domain.Caller, txID uuid.UUID, reason string) (*Result, error) {
	tx, err := m.loadTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if err := caller.Authorize(tx.UserID); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled by " + string(caller.Role)
	}

	res, err := m.finalize(ctx, caller, txID, func(tx *domain.Transaction) (domain.TransactionStatus, string, error) {
		switch tx.Status {
		case domain.TxStatusCancelled:
			return "", "", nil
		case domain.TxStatusPending:
			return domain.TxStatusCancelled, reason, nil
		}
		return "", "", fmt.Errorf("%w: transaction %s is %s", domain.ErrInvalidState, tx.ID, tx.Status)
	})
	m.metrics.operationsTotal.WithLabelValues("cancel", resultLabel(err)).Inc()
	return res, err
}

// ExpirePending fails a pending deposit or withdrawal created before cutoff,
// restoring any reservation. Reports whether the transaction was expired.
func (m *Manager) ExpirePending(ctx context.Context, txID uuid.UUID, cutoff time.Time) (bool, error) {
	res, err := m.finalize(ctx, domain.SystemCaller, txID, func(tx *domain.Transaction) (domain.TransactionStatus, string, error) {
		if tx.Status != domain.TxStatusPending || !tx.CreatedAt.Before(cutoff) {
			return "", "", nil
		}
		return domain.TxStatusFailed, reasonTimeout, nil
	})
	m.metrics.operationsTotal.WithLabelValues("expire_pending", resultLabel(err)).Inc()
	if err != nil {
		return false, err
	}
	if !res.Replayed {
		m.logger.Info("pending transaction expired", "tx_id", txID, "user_id", res.Transaction.UserID, "type", res.Transaction.Type)
	}
	return !res.Replayed, nil
}

// StalePending lists pending deposits and withdrawals created before cutoff.
func (m *Manager) StalePending(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Transaction, error) {
	return m.store.ListStalePending(ctx, cutoff, limit)
}

// FindForCallback locates the transaction a gateway callback refers to: by
// the original idempotency key first, then by gateway transaction id.
func (m *Manager) FindForCallback(ctx context.Context, reference, gatewayTxID string) (*domain.Transaction, error) {
	if reference != "" {
		tx, err := m.store.GetTransactionByKey(ctx, reference)
		if err == nil || !errors.Is(err, domain.ErrTransactionNotFound) {
			return tx, err
		}
	}
	if gatewayTxID != "" {
		return m.store.GetTransactionByPaymentID(ctx, gatewayTxID)
	}
	return nil, domain.ErrTransactionNotFound
}
