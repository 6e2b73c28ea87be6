package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v72"

	"github.com/emarket-platform/pkg/money"
	"github.com/emarket-platform/services/wallet/internal/domain"
)

func TestHMACGateway_Verify(t *testing.T) {
	g := NewHMACGateway("acme", "s3cret", money.USD)
	payload := []byte(`{"reference":"K1","status":"succeeded"}`)
	sig := g.Sign(payload)

	assert.NoError(t, g.Verify(payload, sig))
	assert.NoError(t, g.Verify(payload, "sha256="+sig))
	assert.ErrorIs(t, g.Verify(payload, "deadbeef"), domain.ErrInvalidSignature)
	assert.ErrorIs(t, g.Verify(payload, "not-hex"), domain.ErrInvalidSignature)
	assert.ErrorIs(t, g.Verify([]byte(`{"reference":"K2","status":"succeeded"}`), sig), domain.ErrInvalidSignature)
}

func TestHMACGateway_Parse(t *testing.T) {
	g := NewHMACGateway("acme", "s3cret", money.USD)

	tests := []struct {
		name    string
		payload string
		want    domain.Outcome
		wantErr bool
	}{
		{"succeeded with amount", `{"gateway_transaction_id":"gw1","reference":"K1","status":"succeeded","amount":"50.00","currency":"USD"}`, domain.Succeeded{Amount: 5000}, false},
		{"succeeded without amount", `{"reference":"K1","status":"completed"}`, domain.Succeeded{}, false},
		{"declined", `{"reference":"K1","status":"declined","code":"card_declined","reason":"insufficient funds"}`, domain.Failed{Code: "card_declined", Reason: "insufficient funds"}, false},
		{"pending", `{"reference":"K1","status":"processing"}`, domain.Pending{}, false},
		{"unknown status", `{"reference":"K1","status":"weird"}`, nil, true},
		{"no reference", `{"status":"succeeded"}`, nil, true},
		{"other currency", `{"reference":"K1","status":"succeeded","amount":"5","currency":"EUR"}`, nil, true},
		{"sub-cent amount", `{"reference":"K1","status":"succeeded","amount":"5.001"}`, nil, true},
		{"garbage", `{`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, err := g.Parse([]byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cb.Outcome)
			assert.Equal(t, "K1", cb.OriginalReference)
		})
	}
}

type fakeIntents struct {
	created *stripe.PaymentIntentParams
	intent  *stripe.PaymentIntent
	err     error
}

func (f *fakeIntents) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.created = params
	return f.intent, f.err
}

func (f *fakeIntents) Get(string, *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return f.intent, f.err
}

func TestStripeGateway_InitiateCharge(t *testing.T) {
	intents := &fakeIntents{intent: &stripe.PaymentIntent{
		ID:           "pi_123",
		ClientSecret: "pi_123_secret",
		NextAction: &stripe.PaymentIntentNextAction{
			RedirectToURL: &stripe.PaymentIntentNextActionRedirectToURL{URL: "https://pay.example/r/1"},
		},
	}}
	g := newStripeGateway(intents, StripeConfig{Currency: money.USD, ReturnURL: "https://shop.example/done"})

	txID := uuid.New()
	charge, err := g.InitiateCharge(context.Background(), ChargeRequest{
		TransactionID: txID, UserID: "u1", Amount: 5000, Currency: money.USD, IdempotencyKey: "K1",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", charge.PaymentID)
	assert.Equal(t, "https://pay.example/r/1", charge.RedirectURL)

	require.NotNil(t, intents.created)
	assert.Equal(t, int64(5000), *intents.created.Amount)
	assert.Equal(t, "usd", *intents.created.Currency)
	assert.Equal(t, "K1", intents.created.Metadata[metadataIdempotencyKey])
	assert.Equal(t, txID.String(), intents.created.Metadata[metadataTransactionID])
	assert.Equal(t, "wallet-deposit-K1", *intents.created.IdempotencyKey)

	intents.err = errors.New("api down")
	_, err = g.InitiateCharge(context.Background(), ChargeRequest{Amount: 1, Currency: money.USD, IdempotencyKey: "K2"})
	assert.Error(t, err)
}

func TestOutcomeFromIntent(t *testing.T) {
	tests := []struct {
		name string
		pi   *stripe.PaymentIntent
		want domain.Outcome
	}{
		{"succeeded", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusSucceeded, AmountReceived: 700}, domain.Succeeded{Amount: 700}},
		{"canceled", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusCanceled, CancellationReason: "abandoned"}, domain.Failed{Code: "canceled", Reason: "abandoned"}},
		{"declined", &stripe.PaymentIntent{
			Status:           stripe.PaymentIntentStatusRequiresPaymentMethod,
			LastPaymentError: &stripe.Error{Code: stripe.ErrorCodeCardDeclined, Msg: "declined"},
		}, domain.Failed{Code: "card_declined", Reason: "declined"}},
		{"awaiting method", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusRequiresPaymentMethod}, domain.Pending{}},
		{"processing", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusProcessing}, domain.Pending{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, outcomeFromIntent(tt.pi))
		})
	}
}

func stripeSignature(secret string, payload []byte, ts time.Time) string {
	signed := fmt.Sprintf("%d.%s", ts.Unix(), payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signed))
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestStripeGateway_Webhook(t *testing.T) {
	g := newStripeGateway(&fakeIntents{}, StripeConfig{WebhookSecret: "whsec_test", Currency: money.USD})
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

	require.NoError(t, g.Verify(payload, stripeSignature("whsec_test", payload, time.Now())))
	assert.ErrorIs(t, g.Verify(payload, stripeSignature("whsec_other", payload, time.Now())), domain.ErrInvalidSignature)

	cb, err := g.Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, "pi_123", cb.GatewayTransactionID)
	assert.Equal(t, "K1", cb.OriginalReference)
	assert.Equal(t, domain.Succeeded{Amount: 5000}, cb.Outcome)

	cb, err = g.Parse([]byte(`{"id":"evt_2","type":"customer.created","data":{"object":{}}}`))
	require.NoError(t, err)
	assert.Equal(t, domain.Pending{}, cb.Outcome)

	_, err = g.Parse([]byte(`{"id":"evt_3","type":"payment_intent.succeeded"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestStripeGateway_WebhookTolerance(t *testing.T) {
	payload := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.processing","data":{"object":{"id":"pi_1"}}}`)
	stale := stripeSignature("whsec_test", payload, time.Now().Add(-6*time.Minute))

	g := newStripeGateway(&fakeIntents{}, StripeConfig{WebhookSecret: "whsec_test", Currency: money.USD})
	assert.ErrorIs(t, g.Verify(payload, stale), domain.ErrInvalidSignature)

	g = newStripeGateway(&fakeIntents{}, StripeConfig{WebhookSecret: "whsec_test", WebhookTolerance: 10 * time.Minute, Currency: money.USD})
	assert.NoError(t, g.Verify(payload, stale))
}
