package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emarket-platform/pkg/clock"
	"github.com/emarket-platform/pkg/events"
	"github.com/emarket-platform/services/wallet/internal/domain"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 123456789, time.UTC)

type recordingAppender struct {
	records []*domain.AuditRecord
	err     error
}

func (a *recordingAppender) AppendAudit(_ context.Context, rec *domain.AuditRecord) error {
	if a.err != nil {
		return a.err
	}
	a.records = append(a.records, rec)
	return nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []*events.Event
	err    error
}

func (p *capturePublisher) Publish(ctx context.Context, exchange string, ev *events.Event) error {
	return p.PublishWithRouting(ctx, exchange, ev.Type, ev)
}

func (p *capturePublisher) PublishWithRouting(_ context.Context, _, _ string, ev *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *capturePublisher) Close() error { return nil }

func newTestEmitter(pub events.Publisher) *Emitter {
	return NewEmitter(pub, clock.NewManual(t0), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func chainOf(t *testing.T, n int) (*domain.Wallet, []*domain.AuditRecord) {
	t.Helper()
	e := newTestEmitter(events.NopPublisher{})
	app := &recordingAppender{}
	w := domain.NewWallet("u1", t0)
	caller := domain.Caller{SubjectID: "u1", Role: domain.RoleCustomer}
	for i := 0; i < n; i++ {
		tx := domain.NewTransaction(w, domain.TxTypeDeposit, domain.DirectionCredit, 100, "k", "fp", t0)
		_, err := e.Record(context.Background(), app, w, tx, domain.TxStatusNone, caller, w.Version+1)
		require.NoError(t, err)
		w.Version++
	}
	return w, app.records
}

func TestEmitter_RecordChainsOntoHead(t *testing.T) {
	w, recs := chainOf(t, 3)

	require.Len(t, recs, 3)
	assert.Equal(t, domain.GenesisHash, recs[0].HashPrev)
	assert.Equal(t, recs[0].HashCurr, recs[1].HashPrev)
	assert.Equal(t, recs[2].HashCurr, w.AuditHead)
	assert.Equal(t, t0.Truncate(time.Microsecond), recs[0].Timestamp)
	assert.Equal(t, int64(2), recs[0].WalletVersionAfter)
	assert.NoError(t, VerifyChain(recs, w.AuditHead))
}

func TestEmitter_RecordFailureLeavesHead(t *testing.T) {
	e := newTestEmitter(events.NopPublisher{})
	w := domain.NewWallet("u1", t0)
	tx := domain.NewTransaction(w, domain.TxTypeDeposit, domain.DirectionCredit, 100, "k", "fp", t0)

	_, err := e.Record(context.Background(), &recordingAppender{err: errors.New("boom")}, w, tx, domain.TxStatusNone, domain.SystemCaller, 2)
	assert.Error(t, err)
	assert.Equal(t, domain.GenesisHash, w.AuditHead)
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(w *domain.Wallet, recs []*domain.AuditRecord) []*domain.AuditRecord
	}{
		{"edited status", func(_ *domain.Wallet, recs []*domain.AuditRecord) []*domain.AuditRecord {
			recs[1].ToStatus = domain.TxStatusFailed
			return recs
		}},
		{"edited actor", func(_ *domain.Wallet, recs []*domain.AuditRecord) []*domain.AuditRecord {
			recs[0].Actor = "someone-else"
			return recs
		}},
		{"removed record", func(_ *domain.Wallet, recs []*domain.AuditRecord) []*domain.AuditRecord {
			return append(recs[:1], recs[2:]...)
		}},
		{"truncated tail", func(_ *domain.Wallet, recs []*domain.AuditRecord) []*domain.AuditRecord {
			return recs[:2]
		}},
		{"reordered", func(_ *domain.Wallet, recs []*domain.AuditRecord) []*domain.AuditRecord {
			recs[0], recs[1] = recs[1], recs[0]
			return recs
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, recs := chainOf(t, 3)
			err := VerifyChain(tt.mutate(w, recs), w.AuditHead)
			assert.ErrorIs(t, err, ErrCorruptChain)
		})
	}
}

func TestVerify_Report(t *testing.T) {
	w := domain.NewWallet("u1", t0)
	dep := domain.NewTransaction(w, domain.TxTypeDeposit, domain.DirectionCredit, 100, "k1", "fp", t0)
	require.NoError(t, dep.Complete(t0))
	lock := domain.NewTransaction(w, domain.TxTypeEscrowLock, domain.DirectionDebit, 40, "k2", "fp", t0)
	require.NoError(t, lock.Complete(t0))
	wd := domain.NewTransaction(w, domain.TxTypeWithdraw, domain.DirectionDebit, 10, "k3", "fp", t0)

	w.Balance, w.LockedBalance, w.PendingWithdrawals, w.TotalDeposited = 60, 40, 10, 100

	r, err := Verify(w, []*domain.Transaction{dep, lock, wd}, nil)
	require.NoError(t, err)
	assert.True(t, r.Consistent())
	assert.Equal(t, 3, r.Transactions)

	w.Balance = 61
	r, err = Verify(w, []*domain.Transaction{dep, lock, wd}, nil)
	require.NoError(t, err)
	assert.False(t, r.BalancesMatch)
	assert.True(t, r.ChainValid)
}

func TestEmitter_PublishAfterCommit(t *testing.T) {
	pub := &capturePublisher{err: errors.New("broker down")}
	e := newTestEmitter(pub)
	app := &recordingAppender{}

	w := domain.NewWallet("u1", t0)
	tx := domain.NewTransaction(w, domain.TxTypeDeposit, domain.DirectionCredit, 100, "k", "fp", t0)
	require.NoError(t, tx.Complete(t0))
	rec, err := e.Record(context.Background(), app, w, tx, domain.TxStatusNone, domain.SystemCaller, 2)
	require.NoError(t, err)
	w.Balance = 100

	b := Batch{Records: []*domain.AuditRecord{rec}}
	b.AddTransaction(tx)
	b.SetWallet(w)
	e.Publish(context.Background(), &b)

	require.Len(t, pub.events, 2)
	assert.Equal(t, events.EventAuditRecorded, pub.events[0].Type)
	assert.Equal(t, events.EventTransactionCompleted, pub.events[1].Type)
	assert.EqualValues(t, 100, pub.events[1].Data["balance"])

	row, err := RowFromEvent(pub.events[0])
	require.NoError(t, err)
	assert.Equal(t, rec.ID, row.ID)
	assert.Equal(t, rec.WalletID, row.WalletID)
	assert.Equal(t, rec.HashCurr, row.HashCurr)
	assert.True(t, rec.Timestamp.Equal(row.RecordedAt))
	assert.Equal(t, "completed", row.ToStatus)
}

func TestRowFromEvent_Rejects(t *testing.T) {
	_, err := RowFromEvent(events.NewEvent(events.EventTransactionCompleted, "x", "u1", nil))
	assert.Error(t, err)

	ev := events.NewAuditEvent(events.AuditData{ID: "not-a-uuid", Timestamp: t0})
	_, err = RowFromEvent(ev)
	assert.Error(t, err)
}
