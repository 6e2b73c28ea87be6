package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/emarket-platform/services/wallet/internal/domain"
	"github.com/emarket-platform/services/wallet/internal/gateway"
	"github.com/emarket-platform/services/wallet/internal/idempotency"
	"github.com/emarket-platform/services/wallet/internal/repository"
)

// legSeparator joins a request key and a leg suffix. Request keys may not
// contain it, so derived keys never collide with caller keys.
const legSeparator = "#"

// creditLegKey derives the idempotency key of the receiving leg of a
// two-wallet operation from the request's key.
func creditLegKey(key string) string {
	return key + legSeparator + "credit"
}

// DepositRequest for crediting a wallet
type DepositRequest struct {
	UserID         string
	Amount         int64
	IdempotencyKey string
	// PaymentID is the gateway reference when the payment collaborator
	// already knows it.
	PaymentID string
	// Captured marks funds the payment collaborator already captured; the
	// deposit completes immediately.
	Captured    bool
	Description string
}

// Deposit credits a wallet, immediately when captured, otherwise once the
// gateway confirms.
func (m *Manager) Deposit(ctx context.Context, caller domain.Caller, req DepositRequest) (*Result, error) {
	if err := requirePositive(req.Amount); err != nil {
		return nil, err
	}
	if err := caller.Authorize(req.UserID); err != nil {
		return nil, err
	}
	if req.Captured && !caller.Privileged() {
		return nil, fmt.Errorf("%w: only payment collaborators may record captured deposits", domain.ErrForbidden)
	}

	fp := idempotency.Fingerprint("deposit", map[string]string{
		"user":       req.UserID,
		"amount":     strconv.FormatInt(req.Amount, 10),
		"payment_id": req.PaymentID,
		"captured":   strconv.FormatBool(req.Captured),
	})

	return m.keyed(ctx, "deposit", req.IdempotencyKey, fp, func(ctx context.Context) (*Result, error) {
		u, err := m.commit(ctx, "deposit", []string{req.UserID}, func(ltx repository.LedgerTx, u *unit) error {
			w, err := ltx.Wallet(req.UserID)
			if err != nil {
				return err
			}
			if err := requireActive(w); err != nil {
				return err
			}

			now := m.clock.Now()
			tx := domain.NewTransaction(w, domain.TxTypeDeposit, domain.DirectionCredit, req.Amount, req.IdempotencyKey, fp, now)
			tx.PaymentID = domain.StringPtr(req.PaymentID)
			tx.Description = domain.StringPtr(req.Description)
			if err := m.record(ctx, ltx, u, w, tx, domain.TxStatusNone, caller); err != nil {
				return err
			}

			if req.Captured {
				if err := tx.Complete(now); err != nil {
					return err
				}
				if err := w.Apply(tx); err != nil {
					return err
				}
				if err := m.record(ctx, ltx, u, w, tx, domain.TxStatusPending, caller); err != nil {
					return err
				}
			}

			if err := ltx.AppendTransaction(ctx, tx); err != nil {
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
		if req.Captured || req.PaymentID != "" || m.charges == nil {
			return res, nil
		}
		return m.initiateCharge(ctx, caller, res)
	})
}

// initiateCharge starts the gateway charge for a freshly committed pending
// deposit and attaches the gateway reference to it.
func (m *Manager) initiateCharge(ctx context.Context, caller domain.Caller, res *Result) (*Result, error) {
	tx := res.Transaction
	charge, err := m.charges.InitiateCharge(ctx, gateway.ChargeRequest{
		TransactionID:  tx.ID,
		UserID:         tx.UserID,
		Amount:         tx.Amount,
		Currency:       m.cfg.Currency,
		IdempotencyKey: tx.IdempotencyKey,
	})
	if err != nil {
		m.logger.Error("charge initiation failed", "tx_id", tx.ID, "user_id", tx.UserID, "error", err)
		failed, ferr := m.finalize(ctx, caller, tx.ID, func(cur *domain.Transaction) (domain.TransactionStatus, string, error) {
			if cur.Status != domain.TxStatusPending {
				return "", "", nil
			}
			return domain.TxStatusFailed, "gateway initiation failed", nil
		})
		if ferr != nil {
			m.logger.Error("failed to fail uninitiated deposit", "tx_id", tx.ID, "error", ferr)
			return res, fmt.Errorf("failed to initiate charge: %w", err)
		}
		return failed, fmt.Errorf("failed to initiate charge: %w", err)
	}

	u, err := m.commit(ctx, "deposit", []string{tx.UserID}, func(ltx repository.LedgerTx, u *unit) error {
		cur, err := ltx.GetTransaction(ctx, tx.ID)
		if err != nil {
			return err
		}
		if cur.PaymentID != nil || cur.Status != domain.TxStatusPending {
			u.result.Transaction = cur
			return nil
		}
		cur.PaymentID = &charge.PaymentID
		if err := ltx.UpdateTransaction(ctx, cur, domain.TxStatusPending); err != nil {
			return err
		}
		u.result.Transaction = cur
		return nil
	})
	if err != nil {
		// The callback still finds the deposit by its idempotency key.
		m.logger.Warn("failed to attach payment id", "tx_id", tx.ID, "payment_id", charge.PaymentID, "error", err)
	} else {
		res.Transaction = u.result.Transaction
	}
	res.Gateway = charge
	return res, nil
}

// WithdrawRequest for paying out of a wallet
type WithdrawRequest struct {
	UserID         string
	Amount         int64
	IdempotencyKey string
	// BankReference identifies the payout destination held by the payment collaborator.
	BankReference string
}

// Withdraw reserves funds for a payout that the gateway confirms later.
func (m *Manager) Withdraw(ctx context.Context, caller domain.Caller, req WithdrawRequest) (*Result, error) {
	if err := requirePositive(req.Amount); err != nil {
		return nil, err
	}
	if req.BankReference == "" {
		return nil, fmt.Errorf("%w: bank details are required", domain.ErrInvalidRequest)
	}
	if err := caller.Authorize(req.UserID); err != nil {
		return nil, err
	}

	fp := idempotency.Fingerprint("withdraw", map[string]string{
		"user":   req.UserID,
		"amount": strconv.FormatInt(req.Amount, 10),
		"bank":   req.BankReference,
	})

	return m.keyed(ctx, "withdraw", req.IdempotencyKey, fp, func(ctx context.Context) (*Result, error) {
		u, err := m.commit(ctx, "withdraw", []string{req.UserID}, func(ltx repository.LedgerTx, u *unit) error {
			w, err := ltx.Wallet(req.UserID)
			if err != nil {
				return err
			}
			if err := requireActive(w); err != nil {
				return err
			}
			if err := w.Reserve(req.Amount); err != nil {
				return err
			}

			tx := domain.NewTransaction(w, domain.TxTypeWithdraw, domain.DirectionDebit, req.Amount, req.IdempotencyKey, fp, m.clock.Now())
			tx.Description = domain.StringPtr("payout to " + req.BankReference)
			if err := m.record(ctx, ltx, u, w, tx, domain.TxStatusNone, caller); err != nil {
				return err
			}
			if err := ltx.AppendTransaction(ctx, tx); err != nil {
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
		return u.result, nil
	})
}

// EscrowLockRequest for holding funds against an order
type EscrowLockRequest struct {
	UserID         string
	Amount         int64
	OrderID        string
	IdempotencyKey string
}

// EscrowLock moves funds from balance to lockedBalance for an order.
func (m *Manager) EscrowLock(ctx context.Context, caller domain.Caller, req EscrowLockRequest) (*Result, error) {
	if err := requirePositive(req.Amount); err != nil {
		return nil, err
	}
	if req.OrderID == "" {
		return nil, fmt.Errorf("%w: order id is required", domain.ErrInvalidRequest)
	}
	if err := caller.Authorize(req.UserID); err != nil {
		return nil, err
	}

	fp := idempotency.Fingerprint("escrow_lock", map[string]string{
		"user":   req.UserID,
		"amount": strconv.FormatInt(req.Amount, 10),
		"order":  req.OrderID,
	})

	return m.keyed(ctx, "escrow_lock", req.IdempotencyKey, fp, func(ctx context.Context) (*Result, error) {
		u, err := m.commit(ctx, "escrow_lock", []string{req.UserID}, func(ltx repository.LedgerTx, u *unit) error {
			w, err := ltx.Wallet(req.UserID)
			if err != nil {
				return err
			}
			if err := requireActive(w); err != nil {
				return err
			}
			if w.Spendable() < req.Amount {
				return domain.ErrInsufficientFunds
			}

			now := m.clock.Now()
			tx := domain.NewTransaction(w, domain.TxTypeEscrowLock, domain.DirectionDebit, req.Amount, req.IdempotencyKey, fp, now)
			tx.OrderID = domain.StringPtr(req.OrderID)
			if err := tx.Complete(now); err != nil {
				return err
			}
			if err := w.Apply(tx); err != nil {
				return err
			}
			if err := m.record(ctx, ltx, u, w, tx, domain.TxStatusNone, caller); err != nil {
				return err
			}
			if err := ltx.AppendTransaction(ctx, tx); err != nil {
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
		return u.result, nil
	})
}

// EscrowReleaseRequest for paying out a lock
type EscrowReleaseRequest struct {
	LockID         uuid.UUID
	IdempotencyKey string
	// PayeeUserID receives the funds; empty releases the hold without a credit leg.
	PayeeUserID string
}

// EscrowRelease settles an open lock, crediting the payee when given.
func (m *Manager) EscrowRelease(ctx context.Context, caller domain.Caller, req EscrowReleaseRequest) (*Result, error) {
	fp := idempotency.Fingerprint("escrow_release", map[string]string{
		"lock":  req.LockID.String(),
		"payee": req.PayeeUserID,
	})

	return m.keyed(ctx, "escrow_release", req.IdempotencyKey, fp, func(ctx context.Context) (*Result, error) {
		lock, err := m.openLockOwner(ctx, caller, req.LockID)
		if err != nil {
			return nil, err
		}
		if req.PayeeUserID == lock.UserID {
			return nil, fmt.Errorf("%w: payee is the payer", domain.ErrInvalidRequest)
		}

		users := []string{lock.UserID}
		if req.PayeeUserID != "" {
			users = append(users, req.PayeeUserID)
		}

		u, err := m.commit(ctx, "escrow_release", users, func(ltx repository.LedgerTx, u *unit) error {
			lock, err := m.lockedEscrow(ctx, ltx, req.LockID)
			if err != nil {
				return err
			}
			payer, err := ltx.Wallet(lock.UserID)
			if err != nil {
				return err
			}

			now := m.clock.Now()
			debit := domain.NewTransaction(payer, domain.TxTypeEscrowRelease, domain.DirectionDebit, lock.Amount, req.IdempotencyKey, fp, now)
			debit.ReferenceID = &lock.ID
			debit.OrderID = lock.OrderID
			debit.CounterpartyUserID = domain.StringPtr(req.PayeeUserID)
			if err := m.completeLeg(ctx, ltx, u, payer, debit, caller); err != nil {
				return err
			}
			u.result.Transaction, u.result.Wallet = debit, payer

			if req.PayeeUserID == "" {
				return nil
			}
			payee, err := ltx.Wallet(req.PayeeUserID)
			if err != nil {
				return err
			}
			if err := requireActive(payee); err != nil {
				return err
			}
			credit := domain.NewTransaction(payee, domain.TxTypeEscrowRelease, domain.DirectionCredit, lock.Amount, creditLegKey(req.IdempotencyKey), fp, now)
			credit.ReferenceID = &debit.ID
			credit.OrderID = lock.OrderID
			credit.CounterpartyUserID = &lock.UserID
			if err := m.completeLeg(ctx, ltx, u, payee, credit, caller); err != nil {
				return err
			}
			u.result.Legs = append(u.result.Legs, credit)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return u.result, nil
	})
}

// EscrowRefund returns an open lock's funds to the payer.
func (m *Manager) EscrowRefund(ctx context.Context, caller domain.Caller, lockID uuid.UUID, key string) (*Result, error) {
	if !caller.Privileged() {
		return nil, fmt.Errorf("%w: refunds are issued by order or operator services", domain.ErrForbidden)
	}
	fp := idempotency.Fingerprint("escrow_refund", map[string]string{"lock": lockID.String()})

	return m.keyed(ctx, "escrow_refund", key, fp, func(ctx context.Context) (*Result, error) {
		lock, err := m.openLockOwner(ctx, caller, lockID)
		if err != nil {
			return nil, err
		}

		u, err := m.commit(ctx, "escrow_refund", []string{lock.UserID}, func(ltx repository.LedgerTx, u *unit) error {
			lock, err := m.lockedEscrow(ctx, ltx, lockID)
			if err != nil {
				return err
			}
			payer, err := ltx.Wallet(lock.UserID)
			if err != nil {
				return err
			}

			tx := domain.NewTransaction(payer, domain.TxTypeEscrowRefund, domain.DirectionCredit, lock.Amount, key, fp, m.clock.Now())
			tx.ReferenceID = &lock.ID
			tx.OrderID = lock.OrderID
			if err := m.completeLeg(ctx, ltx, u, payer, tx, caller); err != nil {
				return err
			}
			u.result.Transaction, u.result.Wallet = tx, payer
			return nil
		})
		if err != nil {
			return nil, err
		}
		return u.result, nil
	})
}

// openLockOwner finds a lock before locking and checks the caller may resolve it.
func (m *Manager) openLockOwner(ctx context.Context, caller domain.Caller, lockID uuid.UUID) (*domain.Transaction, error) {
	lock, err := m.loadTransaction(ctx, lockID)
	if err != nil {
		return nil, fmt.Errorf("%w: escrow lock %s: %v", domain.ErrInvalidState, lockID, err)
	}
	if lock.Type != domain.TxTypeEscrowLock {
		return nil, fmt.Errorf("%w: %s is not an escrow lock", domain.ErrInvalidState, lockID)
	}
	if err := caller.Authorize(lock.UserID); err != nil {
		return nil, err
	}
	return lock, nil
}

// lockedEscrow re-reads a lock under the payer's wallet lock and checks it is
// completed and still open.
func (m *Manager) lockedEscrow(ctx context.Context, ltx repository.LedgerTx, lockID uuid.UUID) (*domain.Transaction, error) {
	lock, err := ltx.GetTransaction(ctx, lockID)
	if err != nil {
		return nil, fmt.Errorf("%w: escrow lock %s: %v", domain.ErrInvalidState, lockID, err)
	}
	if lock.Type != domain.TxTypeEscrowLock || lock.Status != domain.TxStatusCompleted {
		return nil, fmt.Errorf("%w: %s is not a completed escrow lock", domain.ErrInvalidState, lockID)
	}
	res, err := ltx.FindResolution(ctx, lockID)
	if err == nil {
		return nil, fmt.Errorf("%w: escrow lock %s already resolved by %s %s", domain.ErrInvalidState, lockID, res.Type, res.ID)
	}
	if !errors.Is(err, domain.ErrTransactionNotFound) {
		return nil, err
	}
	return lock, nil
}

// completeLeg writes a transaction that is born completed on w.
func (m *Manager) completeLeg(ctx context.Context, ltx repository.LedgerTx, u *unit, w *domain.Wallet, tx *domain.Transaction, caller domain.Caller) error {
	if err := tx.Complete(m.clock.Now()); err != nil {
		return err
	}
	if err := w.Apply(tx); err != nil {
		return err
	}
	if err := m.record(ctx, ltx, u, w, tx, domain.TxStatusNone, caller); err != nil {
		return err
	}
	if err := ltx.AppendTransaction(ctx, tx); err != nil {
		return err
	}
	if err := m.save(ctx, ltx, u, w); err != nil {
		return err
	}
	u.batch.AddTransaction(tx)
	return nil
}

// TransferRequest for moving funds between two wallets
type TransferRequest struct {
	FromUserID     string
	ToUserID       string
	Amount         int64
	IdempotencyKey string
	Description    string
}

// Transfer moves funds between two wallets in one unit of work.
func (m *Manager) Transfer(ctx context.Context, caller domain.Caller, req TransferRequest) (*Result, error) {
	if err := requirePositive(req.Amount); err != nil {
		return nil, err
	}
	if req.ToUserID == "" || req.FromUserID == req.ToUserID {
		return nil, fmt.Errorf("%w: transfer needs two distinct wallets", domain.ErrInvalidRequest)
	}
	if err := caller.Authorize(req.FromUserID); err != nil {
		return nil, err
	}

	fp := idempotency.Fingerprint("transfer", map[string]string{
		"from":   req.FromUserID,
		"to":     req.ToUserID,
		"amount": strconv.FormatInt(req.Amount, 10),
	})

	return m.keyed(ctx, "transfer", req.IdempotencyKey, fp, func(ctx context.Context) (*Result, error) {
		u, err := m.commit(ctx, "transfer", []string{req.FromUserID, req.ToUserID}, func(ltx repository.LedgerTx, u *unit) error {
			from, err := ltx.Wallet(req.FromUserID)
			if err != nil {
				return err
			}
			to, err := ltx.Wallet(req.ToUserID)
			if err != nil {
				return err
			}
			if err := requireActive(from); err != nil {
				return err
			}
			if err := requireActive(to); err != nil {
				return err
			}
			if from.Spendable() < req.Amount {
				return domain.ErrInsufficientFunds
			}

			now := m.clock.Now()
			debit := domain.NewTransaction(from, domain.TxTypeTransfer, domain.DirectionDebit, req.Amount, req.IdempotencyKey, fp, now)
			debit.CounterpartyUserID = &req.ToUserID
			debit.Description = domain.StringPtr(req.Description)
			if err := m.completeLeg(ctx, ltx, u, from, debit, caller); err != nil {
				return err
			}

			credit := domain.NewTransaction(to, domain.TxTypeTransfer, domain.DirectionCredit, req.Amount, creditLegKey(req.IdempotencyKey), fp, now)
			credit.ReferenceID = &debit.ID
			credit.CounterpartyUserID = &req.FromUserID
			credit.Description = domain.StringPtr(req.Description)
			if err := m.completeLeg(ctx, ltx, u, to, credit, caller); err != nil {
				return err
			}

			u.result.Transaction, u.result.Wallet = debit, from
			u.result.Legs = []*domain.Transaction{credit}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return u.result, nil
	})
}
