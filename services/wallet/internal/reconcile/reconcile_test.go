package reconcile

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emarket-platform/pkg/clock"
	"github.com/emarket-platform/pkg/events"
	"github.com/emarket-platform/pkg/money"
	"github.com/emarket-platform/services/wallet/internal/audit"
	"github.com/emarket-platform/services/wallet/internal/domain"
	"github.com/emarket-platform/services/wallet/internal/gateway"
	"github.com/emarket-platform/services/wallet/internal/idempotency"
	"github.com/emarket-platform/services/wallet/internal/repository"
	"github.com/emarket-platform/services/wallet/internal/service"
)

var (
	t0       = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	alice    = domain.Caller{SubjectID: "alice", Role: domain.RoleCustomer}
	payments = domain.Caller{SubjectID: "payment-service", Role: domain.RoleService}
)

type queuePublisher struct {
	mu     sync.Mutex
	events []*events.Event
	fail   error
}

func (p *queuePublisher) Publish(ctx context.Context, exchange string, ev *events.Event) error {
	return p.PublishWithRouting(ctx, exchange, ev.Type, ev)
}

func (p *queuePublisher) PublishWithRouting(_ context.Context, _, _ string, ev *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *queuePublisher) Close() error { return nil }

type env struct {
	manager *service.Manager
	store   *repository.MemoryStore
	clock   *clock.Manual
	hmac    *gateway.HMACGateway
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clk := clock.NewManual(t0)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := repository.NewMemoryStore(clk)
	registry := idempotency.NewMemoryRegistry(idempotency.DefaultConfig(), clk)
	m := service.NewManager(store, registry, audit.NewEmitter(events.NopPublisher{}, clk, logger), clk, logger, service.DefaultConfig())
	return &env{manager: m, store: store, clock: clk, hmac: gateway.NewHMACGateway("acme", "s3cret", money.USD)}
}

func (e *env) worker(pub events.Publisher) *Worker {
	return NewWorker(e.manager, pub, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), e.hmac)
}

func (e *env) signed(payload string) Envelope {
	return Envelope{Provider: "acme", Payload: []byte(payload), Signature: e.hmac.Sign([]byte(payload))}
}

func (e *env) balance(t *testing.T, userID string) int64 {
	t.Helper()
	w, err := e.store.GetWallet(context.Background(), userID)
	require.NoError(t, err)
	return w.Balance
}

func TestWorker_AppliesConfirmationOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	w := e.worker(nil)

	dep, err := e.manager.Deposit(ctx, alice, service.DepositRequest{UserID: "alice", Amount: 5000, IdempotencyKey: "K1"})
	require.NoError(t, err)

	cb := e.signed(`{"reference":"K1","gateway_transaction_id":"gw-1","status":"succeeded","amount":"50.00","currency":"USD"}`)
	d, err := w.Accept(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, Applied, d)
	assert.Equal(t, int64(5000), e.balance(t, "alice"))

	d, err = w.Accept(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, d)
	assert.Equal(t, int64(5000), e.balance(t, "alice"))

	tx, err := e.manager.GetTransaction(ctx, alice, dep.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusCompleted, tx.Status)
}

func TestWorker_RejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	w := e.worker(nil)

	_, err := e.manager.Deposit(ctx, alice, service.DepositRequest{UserID: "alice", Amount: 5000, IdempotencyKey: "K1"})
	require.NoError(t, err)

	payload := `{"reference":"K1","status":"succeeded"}`
	_, err = w.Accept(ctx, Envelope{Provider: "acme", Payload: []byte(payload), Signature: "deadbeef"})
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	_, err = w.Accept(ctx, Envelope{Provider: "acme", Payload: []byte(payload), Signature: ""})
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	_, err = w.Accept(ctx, Envelope{Provider: "unknown", Payload: []byte(payload)})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	assert.Equal(t, int64(0), e.balance(t, "alice"))
}

func TestWorker_PendingOutcomeIsAcknowledged(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	w := e.worker(nil)

	_, err := e.manager.Deposit(ctx, alice, service.DepositRequest{UserID: "alice", Amount: 5000, IdempotencyKey: "K1"})
	require.NoError(t, err)

	d, err := w.Accept(ctx, e.signed(`{"reference":"K1","status":"processing"}`))
	require.NoError(t, err)
	assert.Equal(t, Ignored, d)
}

func TestWorker_AnomaliesAndUnknownTransactions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	w := e.worker(nil)

	_, err := e.manager.Deposit(ctx, alice, service.DepositRequest{UserID: "alice", Amount: 5000, IdempotencyKey: "K1"})
	require.NoError(t, err)

	_, err = w.Accept(ctx, e.signed(`{"reference":"K1","status":"succeeded","amount":"49.99"}`))
	assert.ErrorIs(t, err, domain.ErrAnomalyDetected)
	assert.Equal(t, int64(0), e.balance(t, "alice"))

	_, err = w.Accept(ctx, e.signed(`{"reference":"K1","status":"declined","code":"card_declined"}`))
	require.NoError(t, err)

	_, err = w.Accept(ctx, e.signed(`{"reference":"K1","status":"succeeded"}`))
	assert.ErrorIs(t, err, domain.ErrAnomalyDetected)
	assert.Equal(t, int64(0), e.balance(t, "alice"))

	_, err = w.Accept(ctx, e.signed(`{"reference":"nope","gateway_transaction_id":"gw-404","status":"succeeded"}`))
	assert.ErrorIs(t, err, domain.ErrTransactionNotFound)
}

func TestWorker_FindsByGatewayTransactionID(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	w := e.worker(nil)

	_, err := e.manager.Deposit(ctx, payments, service.DepositRequest{UserID: "alice", Amount: 2500, IdempotencyKey: "K1", PaymentID: "pay_77"})
	require.NoError(t, err)

	d, err := w.Accept(ctx, e.signed(`{"gateway_transaction_id":"pay_77","status":"success"}`))
	require.NoError(t, err)
	assert.Equal(t, Applied, d)
	assert.Equal(t, int64(2500), e.balance(t, "alice"))
}

func TestWorker_AcceptQueuesAndConsumes(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	pub := &queuePublisher{}
	w := e.worker(pub)

	_, err := e.manager.Deposit(ctx, alice, service.DepositRequest{UserID: "alice", Amount: 5000, IdempotencyKey: "K1"})
	require.NoError(t, err)

	d, err := w.Accept(ctx, e.signed(`{"reference":"K1","status":"succeeded"}`))
	require.NoError(t, err)
	assert.Equal(t, Queued, d)
	assert.Equal(t, int64(0), e.balance(t, "alice"))
	require.Len(t, pub.events, 1)
	assert.Equal(t, events.EventGatewayCallback, pub.events[0].Type)

	require.NoError(t, w.HandleEvent(ctx, pub.events[0]))
	assert.Equal(t, int64(5000), e.balance(t, "alice"))

	// Redelivery is harmless.
	require.NoError(t, w.HandleEvent(ctx, pub.events[0]))
	assert.Equal(t, int64(5000), e.balance(t, "alice"))
}

func stripeSignature(secret string, payload []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts.Unix(), payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestWorker_QueuedStripeCallbackOutlivesSignatureTolerance(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	stripeGW := gateway.NewStripeGateway(gateway.StripeConfig{APIKey: "sk_test_123", WebhookSecret: "whsec_test", Currency: money.USD})
	pub := &queuePublisher{}
	w := NewWorker(e.manager, pub, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), e.hmac, stripeGW)

	dep, err := e.manager.Deposit(ctx, alice, service.DepositRequest{UserID: "alice", Amount: 5000, IdempotencyKey: "K1"})
	require.NoError(t, err)

	payload := []byte(`{
		"id": "evt_1",
		"object": "event",
		"type": "payment_intent.succeeded",
		"data": {"object": {
			"id": "pi_123",
			"object": "payment_intent",
			"amount": 5000,
			"amount_received": 5000,
			"status": "succeeded",
			"metadata": {"wallet_idempotency_key": "K1"}
		}}
	}`)

	// Deliveries older than the tolerance are refused at the door.
	stale := Envelope{Provider: "stripe", Payload: payload, Signature: stripeSignature("whsec_test", payload, time.Now().Add(-6*time.Minute))}
	_, err = w.Accept(ctx, stale)
	require.ErrorIs(t, err, domain.ErrInvalidSignature)
	assert.Empty(t, pub.events)

	// A callback accepted in time is applied whenever it is consumed.
	queued := events.NewGatewayCallbackEvent(stale.Provider, stale.Payload, stale.Signature)
	require.NoError(t, w.HandleEvent(ctx, queued))
	assert.Equal(t, int64(5000), e.balance(t, "alice"))

	tx, err := e.manager.GetTransaction(ctx, alice, dep.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusCompleted, tx.Status)

	inline := NewWorker(e.manager, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), stripeGW)
	ignored := []byte(`{"id":"evt_2","object":"event","type":"charge.refunded","data":{"object":{"id":"ch_1"}}}`)
	d, err := inline.Accept(ctx, Envelope{Provider: "stripe", Payload: ignored, Signature: stripeSignature("whsec_test", ignored, time.Now())})
	require.NoError(t, err)
	assert.Equal(t, Ignored, d)
}

func TestWorker_AcceptFallsBackInline(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	w := e.worker(&queuePublisher{fail: errors.New("broker down")})

	_, err := e.manager.Deposit(ctx, alice, service.DepositRequest{UserID: "alice", Amount: 5000, IdempotencyKey: "K1"})
	require.NoError(t, err)

	d, err := w.Accept(ctx, e.signed(`{"reference":"K1","status":"succeeded"}`))
	require.NoError(t, err)
	assert.Equal(t, Applied, d)
}

func TestWorker_HandleEventPermanence(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	w := e.worker(nil)

	unrouted := events.NewGatewayCallbackEvent("globex", []byte(`{"reference":"K1","status":"succeeded"}`), "00")
	err := w.HandleEvent(ctx, unrouted)
	require.Error(t, err)
	assert.True(t, events.IsPermanent(err))

	garbled := events.NewGatewayCallbackEvent("acme", []byte(`{"reference":`), "00")
	err = w.HandleEvent(ctx, garbled)
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
	assert.True(t, events.IsPermanent(err))

	unknown := events.NewGatewayCallbackEvent("acme", []byte(`{"reference":"K9","status":"succeeded"}`), e.hmac.Sign([]byte(`{"reference":"K9","status":"succeeded"}`)))
	err = w.HandleEvent(ctx, unknown)
	require.Error(t, err)
	assert.True(t, events.IsPermanent(err))

	assert.False(t, retryable(domain.ErrAnomalyDetected))
	assert.True(t, retryable(fmt.Errorf("wrap: %w", domain.ErrConflict)))
	assert.True(t, retryable(errors.New("connection reset")))
}

type stubPoller struct {
	outcomes map[string]domain.Outcome
	err      error
}

func (p *stubPoller) Status(_ context.Context, paymentID string) (domain.Outcome, error) {
	if p.err != nil {
		return nil, p.err
	}
	if o, ok := p.outcomes[paymentID]; ok {
		return o, nil
	}
	return domain.Pending{}, nil
}

func TestSweeper_ExpiresAndPolls(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	f := func(key, paymentID string, amount int64) {
		_, err := e.manager.Deposit(ctx, payments, service.DepositRequest{UserID: "alice", Amount: amount, IdempotencyKey: key, PaymentID: paymentID})
		require.NoError(t, err)
	}
	f("D1", "", 100)       // no gateway handle: expired
	f("D2", "pay_ok", 200) // gateway says succeeded
	f("D3", "pay_no", 300) // gateway says failed
	f("D4", "pay_wait", 400)

	_, err := e.manager.Deposit(ctx, payments, service.DepositRequest{UserID: "bob", Amount: 1000, IdempotencyKey: "B1", Captured: true})
	require.NoError(t, err)
	_, err = e.manager.Withdraw(ctx, payments, service.WithdrawRequest{UserID: "bob", Amount: 600, IdempotencyKey: "W1", BankReference: "acct"})
	require.NoError(t, err)

	poller := &stubPoller{outcomes: map[string]domain.Outcome{
		"pay_ok": domain.Succeeded{Amount: 200},
		"pay_no": domain.Failed{Code: "expired_card"},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewSweeper(e.manager, poller, e.clock, SweeperConfig{PendingTimeout: 30 * time.Minute, Interval: time.Minute}, nil, logger)

	stats, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{}, stats, "nothing is stale yet")

	e.clock.Advance(time.Hour)
	stats, err = s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Resolved)
	assert.Equal(t, 3, stats.Expired)

	assert.Equal(t, int64(200), e.balance(t, "alice"))
	bob, err := e.store.GetWallet(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bob.Balance)
	assert.Equal(t, int64(0), bob.PendingWithdrawals)

	stats, err = s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{}, stats)
}

func TestSweeper_PollFailureLeavesTransactionPending(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	res, err := e.manager.Deposit(ctx, payments, service.DepositRequest{UserID: "alice", Amount: 100, IdempotencyKey: "D1", PaymentID: "pay_1"})
	require.NoError(t, err)

	s := NewSweeper(e.manager, &stubPoller{err: errors.New("gateway timeout")}, e.clock,
		SweeperConfig{PendingTimeout: time.Minute, Interval: time.Minute}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.clock.Advance(time.Hour)

	stats, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)

	tx, err := e.manager.GetTransaction(ctx, payments, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusPending, tx.Status)
}
