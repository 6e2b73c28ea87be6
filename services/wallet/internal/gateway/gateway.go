// Package gateway adapts external payment gateways: callback authentication,
// decoding callbacks into outcomes, charge initiation and status polling.
package gateway

import (
	"context"

	"github.com/google/uuid"

	"github.com/emarket-platform/pkg/money"
	"github.com/emarket-platform/services/wallet/internal/domain"
)

// Callback is a decoded, authenticated gateway notification.
type Callback struct {
	GatewayTransactionID string
	// OriginalReference is the idempotency key of the request that created
	// the transaction, when the gateway echoes it back.
	OriginalReference string
	Outcome           domain.Outcome
}

// Verifier authenticates and decodes callbacks.
type Verifier interface {
	Name() string
	// Verify checks signature over the raw payload. Failures wrap domain.ErrInvalidSignature.
	Verify(payload []byte, signature string) error
	Parse(payload []byte) (*Callback, error)
}

// ChargeRequest asks the gateway to start collecting a deposit.
type ChargeRequest struct {
	TransactionID  uuid.UUID
	UserID         string
	Amount         int64
	Currency       money.Currency
	IdempotencyKey string
}

// Charge is the gateway's handle on an initiated deposit.
type Charge struct {
	PaymentID    string `json:"payment_id"`
	RedirectURL  string `json:"redirect_url,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// Initiator starts charge sessions for deposits.
type Initiator interface {
	InitiateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
}

// StatusPoller reports the current outcome of a gateway payment.
type StatusPoller interface {
	Status(ctx context.Context, paymentID string) (domain.Outcome, error)
}
