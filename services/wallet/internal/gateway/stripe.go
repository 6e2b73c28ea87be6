package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"github.com/stripe/stripe-go/v72/webhook"

	"github.com/emarket-platform/pkg/money"
	"github.com/emarket-platform/services/wallet/internal/domain"
)

const (
	metadataIdempotencyKey = "wallet_idempotency_key"
	metadataTransactionID  = "wallet_transaction_id"
	metadataUserID         = "wallet_user_id"
)

type paymentIntents interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeGateway collects deposits through Stripe PaymentIntents.
type StripeGateway struct {
	intents       paymentIntents
	webhookSecret string
	tolerance     time.Duration
	currency      money.Currency
	returnURL     string
}

// StripeConfig for the Stripe adapter
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	// WebhookTolerance bounds the age of a delivery's signature timestamp.
	// Zero uses the Stripe default of five minutes.
	WebhookTolerance time.Duration
	ReturnURL        string
	Currency         money.Currency
}

// NewStripeGateway creates Stripe adapter with its own API client
func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	sc := client.New(cfg.APIKey, nil)
	return newStripeGateway(sc.PaymentIntents, cfg)
}

func newStripeGateway(intents paymentIntents, cfg StripeConfig) *StripeGateway {
	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &StripeGateway{
		intents:       intents,
		webhookSecret: cfg.WebhookSecret,
		tolerance:     tolerance,
		currency:      cfg.Currency,
		returnURL:     cfg.ReturnURL,
	}
}

func (g *StripeGateway) Name() string { return "stripe" }

// Verify checks the Stripe-Signature header of a webhook delivery at the
// time it is received.
func (g *StripeGateway) Verify(payload []byte, signature string) error {
	if _, err := webhook.ConstructEventWithTolerance(payload, signature, g.webhookSecret, g.tolerance); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}
	return nil
}

func (g *StripeGateway) Parse(payload []byte) (*Callback, error) {
	var ev stripe.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: malformed stripe event: %v", domain.ErrInvalidRequest, err)
	}
	// Other event types reach the endpoint when the dashboard subscribes
	// to them; acknowledge them so Stripe stops redelivering.
	if !strings.HasPrefix(ev.Type, "payment_intent.") {
		return &Callback{Outcome: domain.Pending{}}, nil
	}
	if ev.Data == nil {
		return nil, fmt.Errorf("%w: stripe event %q without data", domain.ErrInvalidRequest, ev.Type)
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("%w: malformed payment intent: %v", domain.ErrInvalidRequest, err)
	}

	cb := &Callback{
		GatewayTransactionID: pi.ID,
		OriginalReference:    pi.Metadata[metadataIdempotencyKey],
	}
	switch ev.Type {
	case "payment_intent.succeeded":
		cb.Outcome = domain.Succeeded{Amount: pi.AmountReceived}
	case "payment_intent.payment_failed":
		cb.Outcome = failureOf(&pi)
	case "payment_intent.canceled":
		cb.Outcome = domain.Failed{Code: "canceled", Reason: string(pi.CancellationReason)}
	default:
		cb.Outcome = domain.Pending{}
	}
	return cb, nil
}

func (g *StripeGateway) InitiateCharge(_ context.Context, req ChargeRequest) (*Charge, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(string(req.Currency))),
	}
	if g.returnURL != "" {
		params.ReturnURL = stripe.String(g.returnURL)
	}
	params.AddMetadata(metadataIdempotencyKey, req.IdempotencyKey)
	params.AddMetadata(metadataTransactionID, req.TransactionID.String())
	params.AddMetadata(metadataUserID, req.UserID)
	params.SetIdempotencyKey("wallet-deposit-" + req.IdempotencyKey)

	pi, err := g.intents.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}

	charge := &Charge{PaymentID: pi.ID, ClientSecret: pi.ClientSecret}
	if pi.NextAction != nil && pi.NextAction.RedirectToURL != nil {
		charge.RedirectURL = pi.NextAction.RedirectToURL.URL
	}
	return charge, nil
}

func (g *StripeGateway) Status(_ context.Context, paymentID string) (domain.Outcome, error) {
	pi, err := g.intents.Get(paymentID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get payment intent: %w", err)
	}
	return outcomeFromIntent(pi), nil
}

func outcomeFromIntent(pi *stripe.PaymentIntent) domain.Outcome {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return domain.Succeeded{Amount: pi.AmountReceived}
	case stripe.PaymentIntentStatusCanceled:
		return domain.Failed{Code: "canceled", Reason: string(pi.CancellationReason)}
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			return failureOf(pi)
		}
	}
	return domain.Pending{}
}

func failureOf(pi *stripe.PaymentIntent) domain.Failed {
	f := domain.Failed{Code: "payment_failed"}
	if e := pi.LastPaymentError; e != nil {
		if e.Code != "" {
			f.Code = string(e.Code)
		}
		f.Reason = e.Msg
	}
	return f
}
