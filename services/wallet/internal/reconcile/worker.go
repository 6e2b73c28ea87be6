// Package reconcile applies asynchronous gateway outcomes to the ledger and
// expires pending transactions the gateway never confirmed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/emarket-platform/pkg/events"
	"github.com/emarket-platform/services/wallet/internal/domain"
	"github.com/emarket-platform/services/wallet/internal/gateway"
	"github.com/emarket-platform/services/wallet/internal/service"
)

// Ledger is the part of the account manager reconciliation drives.
type Ledger interface {
	FindForCallback(ctx context.Context, reference, gatewayTxID string) (*domain.Transaction, error)
	ResolvePending(ctx context.Context, caller domain.Caller, txID uuid.UUID, outcome domain.Outcome, source string) (*service.Result, error)
}

// Envelope is one raw callback as received from a gateway.
type Envelope struct {
	Provider  string
	Payload   []byte
	Signature string
}

// Disposition tells what processing a callback did.
type Disposition string

const (
	Applied   Disposition = "applied"
	Duplicate Disposition = "duplicate"
	Ignored   Disposition = "ignored"
	Queued    Disposition = "queued"
)

// Worker authenticates gateway callbacks and resolves the pending
// transactions they refer to.
type Worker struct {
	ledger    Ledger
	verifiers map[string]gateway.Verifier
	publisher events.Publisher
	metrics   *Metrics
	logger    *slog.Logger
}

// NewWorker creates new callback worker. With a nil publisher callbacks are
// processed inline instead of being queued.
func NewWorker(ledger Ledger, publisher events.Publisher, metrics *Metrics, logger *slog.Logger, verifiers ...gateway.Verifier) *Worker {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	w := &Worker{
		ledger:    ledger,
		verifiers: make(map[string]gateway.Verifier, len(verifiers)),
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
	}
	for _, v := range verifiers {
		w.verifiers[v.Name()] = v
	}
	return w
}

// Accept authenticates env and queues it for processing, or applies it
// inline without a queue. Unauthenticated callbacks are rejected before they
// reach the queue.
func (w *Worker) Accept(ctx context.Context, env Envelope) (Disposition, error) {
	v, err := w.verifier(env.Provider)
	if err != nil {
		return "", err
	}
	if err := w.verify(v, env); err != nil {
		w.metrics.callbacks.WithLabelValues(env.Provider, domain.ErrorCode(err)).Inc()
		return "", err
	}
	if w.publisher == nil {
		return w.processAuthenticated(ctx, env)
	}

	ev := events.NewGatewayCallbackEvent(env.Provider, env.Payload, env.Signature)
	if err := w.publisher.PublishWithRouting(ctx, events.ExchangeGateway, events.EventGatewayCallback, ev); err != nil {
		w.logger.Warn("failed to queue gateway callback, processing inline", "provider", env.Provider, "error", err)
		return w.processAuthenticated(ctx, env)
	}
	w.metrics.callbacks.WithLabelValues(env.Provider, string(Queued)).Inc()
	return Queued, nil
}

// processAuthenticated decodes and applies a callback Accept already
// verified. Signatures carry delivery timestamps and may no longer verify by
// the time a queued callback is consumed.
func (w *Worker) processAuthenticated(ctx context.Context, env Envelope) (Disposition, error) {
	return w.observe(env.Provider, func() (Disposition, error) {
		v, err := w.verifier(env.Provider)
		if err != nil {
			return "", err
		}
		return w.apply(ctx, v, env)
	})
}

func (w *Worker) observe(provider string, fn func() (Disposition, error)) (Disposition, error) {
	start := time.Now()
	d, err := fn()
	w.metrics.latency.WithLabelValues(provider).Observe(time.Since(start).Seconds())

	label := string(d)
	if err != nil {
		label = domain.ErrorCode(err)
	}
	w.metrics.callbacks.WithLabelValues(provider, label).Inc()
	return d, err
}

func (w *Worker) apply(ctx context.Context, v gateway.Verifier, env Envelope) (Disposition, error) {
	cb, err := v.Parse(env.Payload)
	if err != nil {
		w.logger.Warn("undecodable gateway callback", "provider", env.Provider, "error", err)
		if !errors.Is(err, domain.ErrInvalidRequest) {
			err = fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
		}
		return "", err
	}
	if _, final := cb.Outcome.Target(); !final {
		w.logger.Debug("gateway callback without verdict", "provider", env.Provider, "gateway_tx_id", cb.GatewayTransactionID)
		return Ignored, nil
	}

	tx, err := w.ledger.FindForCallback(ctx, cb.OriginalReference, cb.GatewayTransactionID)
	if err != nil {
		w.logger.Warn("gateway callback for unknown transaction",
			"provider", env.Provider,
			"reference", cb.OriginalReference,
			"gateway_tx_id", cb.GatewayTransactionID,
			"error", err,
		)
		return "", err
	}

	caller := domain.Caller{SubjectID: env.Provider, Role: domain.RoleGateway}
	res, err := w.ledger.ResolvePending(ctx, caller, tx.ID, cb.Outcome, env.Provider)
	if err != nil {
		return "", err
	}
	if res.Replayed {
		return Duplicate, nil
	}
	w.logger.Info("gateway outcome applied",
		"provider", env.Provider,
		"tx_id", tx.ID,
		"user_id", tx.UserID,
		"status", res.Transaction.Status,
	)
	return Applied, nil
}

// HandleEvent consumes a queued callback. Only Accept publishes to the
// callback queue, so the signature is not checked again. Failures
// redelivery cannot fix are marked permanent so the broker drops them.
func (w *Worker) HandleEvent(ctx context.Context, ev *events.Event) error {
	var data struct {
		Provider  string `json:"provider"`
		Payload   string `json:"payload"`
		Signature string `json:"signature"`
	}
	if err := ev.DecodeData(&data); err != nil {
		return events.Permanent(err)
	}

	_, err := w.processAuthenticated(ctx, Envelope{Provider: data.Provider, Payload: []byte(data.Payload), Signature: data.Signature})
	if err != nil && !retryable(err) {
		return events.Permanent(err)
	}
	return err
}

// Subscribe binds the worker to the gateway callback queue.
func (w *Worker) Subscribe(consumer *events.RabbitMQConsumer) error {
	return consumer.SubscribeWithBinding(events.QueueGatewayCallbacks, events.ExchangeGateway, events.EventGatewayCallback, w.HandleEvent)
}

func (w *Worker) verifier(provider string) (gateway.Verifier, error) {
	v, ok := w.verifiers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: unknown gateway %q", domain.ErrInvalidRequest, provider)
	}
	return v, nil
}

func (w *Worker) verify(v gateway.Verifier, env Envelope) error {
	if err := v.Verify(env.Payload, env.Signature); err != nil {
		w.logger.Warn("discarding gateway callback with invalid signature", "provider", env.Provider, "error", err)
		if !errors.Is(err, domain.ErrInvalidSignature) {
			err = fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
		}
		return err
	}
	return nil
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrTransient),
		errors.Is(err, domain.ErrKeyInProgress),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	// Storage failures without a sentinel are worth another delivery.
	return domain.ErrorCode(err) == "internal"
}
