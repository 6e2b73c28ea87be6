package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/emarket-platform/pkg/money"
	"github.com/emarket-platform/services/wallet/internal/domain"
)

// HMACGateway authenticates callbacks signed with a shared secret
// (hex HMAC-SHA256 over the raw body). It cannot initiate charges.
type HMACGateway struct {
	name     string
	secret   []byte
	currency money.Currency
}

// NewHMACGateway creates new shared-secret gateway adapter
func NewHMACGateway(name, secret string, currency money.Currency) *HMACGateway {
	return &HMACGateway{name: name, secret: []byte(secret), currency: currency}
}

func (g *HMACGateway) Name() string { return g.name }

// Sign returns the signature the gateway is expected to send for payload.
func (g *HMACGateway) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (g *HMACGateway) Verify(payload []byte, signature string) error {
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil || len(g.secret) == 0 {
		return fmt.Errorf("%w: malformed signature", domain.ErrInvalidSignature)
	}
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(payload)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

type hmacPayload struct {
	GatewayTransactionID string `json:"gateway_transaction_id"`
	Reference            string `json:"reference"`
	Status               string `json:"status"`
	Amount               string `json:"amount"`
	Currency             string `json:"currency"`
	Code                 string `json:"code"`
	Reason               string `json:"reason"`
}

func (g *HMACGateway) Parse(payload []byte) (*Callback, error) {
	var p hmacPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: malformed callback: %v", domain.ErrInvalidRequest, err)
	}
	if p.GatewayTransactionID == "" && p.Reference == "" {
		return nil, fmt.Errorf("%w: callback carries no transaction reference", domain.ErrInvalidRequest)
	}

	cb := &Callback{GatewayTransactionID: p.GatewayTransactionID, OriginalReference: p.Reference}
	switch strings.ToLower(p.Status) {
	case "succeeded", "success", "completed":
		var amount int64
		if p.Amount != "" {
			var err error
			if amount, err = g.minor(p.Amount, p.Currency); err != nil {
				return nil, err
			}
		}
		cb.Outcome = domain.Succeeded{Amount: amount}
	case "failed", "declined", "cancelled", "canceled":
		cb.Outcome = domain.Failed{Code: p.Code, Reason: p.Reason}
	case "pending", "processing":
		cb.Outcome = domain.Pending{}
	default:
		return nil, fmt.Errorf("%w: unknown callback status %q", domain.ErrInvalidRequest, p.Status)
	}
	return cb, nil
}

func (g *HMACGateway) minor(value, currency string) (int64, error) {
	if currency != "" && !strings.EqualFold(currency, string(g.currency)) {
		return 0, fmt.Errorf("%w: callback currency %s, wallet currency %s", domain.ErrInvalidRequest, currency, g.currency)
	}
	a, err := money.Parse(value, g.currency)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	return a.Minor()
}
