package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/emarket-platform/pkg/clock"
	"github.com/emarket-platform/pkg/events"
	"github.com/emarket-platform/services/wallet/internal/domain"
)

// Appender is the part of a ledger unit of work the emitter writes through.
type Appender interface {
	AppendAudit(ctx context.Context, rec *domain.AuditRecord) error
}

// Emitter writes audit records inside the ledger transaction and publishes
// them, together with transaction events, once the transaction committed.
type Emitter struct {
	publisher events.Publisher
	clock     clock.Clock
	logger    *slog.Logger
}

// NewEmitter creates new emitter
func NewEmitter(publisher events.Publisher, clk clock.Clock, logger *slog.Logger) *Emitter {
	return &Emitter{publisher: publisher, clock: clk, logger: logger}
}

// Record appends the audit record for tx moving from -> tx.Status and advances
// w's chain head. versionAfter is the wallet version the enclosing unit of
// work commits.
func (e *Emitter) Record(
	ctx context.Context,
	app Appender,
	w *domain.Wallet,
	tx *domain.Transaction,
	from domain.TransactionStatus,
	caller domain.Caller,
	versionAfter int64,
) (*domain.AuditRecord, error) {
	rec := &domain.AuditRecord{
		ID:                 uuid.New(),
		TransactionID:      tx.ID,
		WalletID:           w.ID,
		UserID:             w.UserID,
		FromStatus:         from,
		ToStatus:           tx.Status,
		Actor:              caller.SubjectID,
		ActorRole:          caller.Role,
		Timestamp:          e.clock.Now().UTC().Truncate(time.Microsecond),
		WalletVersionAfter: versionAfter,
		HashPrev:           w.AuditHead,
	}
	rec.HashCurr = ComputeHash(rec.HashPrev, rec)

	if err := app.AppendAudit(ctx, rec); err != nil {
		return nil, err
	}
	w.AuditHead = rec.HashCurr
	return rec, nil
}

// Batch is everything one committed unit of work changed.
type Batch struct {
	Records      []*domain.AuditRecord
	Transactions []*domain.Transaction
	// Wallets by user id, as committed
	Wallets map[string]*domain.Wallet
}

// AddTransaction collects a transaction written by the unit of work.
func (b *Batch) AddTransaction(tx *domain.Transaction) {
	b.Transactions = append(b.Transactions, tx)
}

// SetWallet records the state w was committed at, replacing any earlier
// snapshot of the same wallet.
func (b *Batch) SetWallet(w *domain.Wallet) {
	if b.Wallets == nil {
		b.Wallets = make(map[string]*domain.Wallet)
	}
	b.Wallets[w.UserID] = w
}

// Publish emits the batch. The ledger already committed, so failures are
// logged and not returned; the audit table remains the source of truth.
func (e *Emitter) Publish(ctx context.Context, b *Batch) {
	if b == nil {
		return
	}
	for _, rec := range b.Records {
		ev := events.NewAuditEvent(events.AuditData{
			ID:                 rec.ID.String(),
			TransactionID:      rec.TransactionID.String(),
			WalletID:           rec.WalletID.String(),
			UserID:             rec.UserID,
			FromStatus:         string(rec.FromStatus),
			ToStatus:           string(rec.ToStatus),
			Actor:              rec.Actor,
			ActorRole:          string(rec.ActorRole),
			Timestamp:          rec.Timestamp,
			WalletVersionAfter: rec.WalletVersionAfter,
			HashPrev:           rec.HashPrev,
			HashCurr:           rec.HashCurr,
		})
		if err := e.publisher.Publish(ctx, events.ExchangeWallet, ev); err != nil {
			e.logger.Warn("failed to publish audit event", "audit_id", rec.ID, "error", err)
		}
	}

	for _, tx := range b.Transactions {
		data := events.TransactionData{
			ID:          tx.ID.String(),
			WalletID:    tx.WalletID.String(),
			UserID:      tx.UserID,
			Type:        string(tx.Type),
			Direction:   string(tx.Direction),
			Amount:      tx.Amount,
			Status:      string(tx.Status),
			OrderID:     domain.Deref(tx.OrderID),
			PaymentID:   domain.Deref(tx.PaymentID),
			Reason:      domain.Deref(tx.FailedReason),
			ReferenceID: "",
		}
		if tx.ReferenceID != nil {
			data.ReferenceID = tx.ReferenceID.String()
		}
		if w, ok := b.Wallets[tx.UserID]; ok {
			data.Balance = w.Balance
			data.LockedBalance = w.LockedBalance
		}
		ev := events.NewTransactionEvent(events.TransactionEventType(data.Status), data)
		if err := e.publisher.Publish(ctx, events.ExchangeWallet, ev); err != nil {
			e.logger.Warn("failed to publish transaction event", "tx_id", tx.ID, "error", err)
		}
	}
}

// Anomaly publishes a contradictory-outcome event for manual review.
func (e *Emitter) Anomaly(ctx context.Context, tx *domain.Transaction, requested domain.TransactionStatus, source, detail string) {
	ev := events.NewAnomalyEvent(events.AnomalyData{
		TransactionID:   tx.ID.String(),
		UserID:          tx.UserID,
		CurrentStatus:   string(tx.Status),
		RequestedStatus: string(requested),
		Source:          source,
		Detail:          detail,
	})
	if err := e.publisher.Publish(ctx, events.ExchangeWallet, ev); err != nil {
		e.logger.Warn("failed to publish anomaly event", "tx_id", tx.ID, "error", err)
	}
}

// WalletChanged publishes a wallet lifecycle event.
func (e *Emitter) WalletChanged(ctx context.Context, eventType string, w *domain.Wallet, caller domain.Caller) {
	ev := events.NewWalletEvent(eventType, events.WalletData{
		WalletID: w.ID.String(),
		UserID:   w.UserID,
		Actor:    caller.SubjectID,
	})
	if err := e.publisher.Publish(ctx, events.ExchangeWallet, ev); err != nil {
		e.logger.Warn("failed to publish wallet event", "user_id", w.UserID, "error", err)
	}
}
