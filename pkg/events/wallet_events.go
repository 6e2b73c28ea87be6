package events

import "time"

const sourceWallet = "wallet-service"

// TransactionData for transaction events
type TransactionData struct {
	ID            string
	WalletID      string
	UserID        string
	Type          string
	Direction     string
	Amount        int64
	Status        string
	OrderID       string
	PaymentID     string
	ReferenceID   string
	Balance       int64
	LockedBalance int64
	Reason        string
}

// TransactionEventType maps a transaction status to its event type.
func TransactionEventType(status string) string {
	switch status {
	case "completed":
		return EventTransactionCompleted
	case "failed":
		return EventTransactionFailed
	case "cancelled":
		return EventTransactionCancelled
	default:
		return EventTransactionCreated
	}
}

// NewTransactionEvent creates transaction event
func NewTransactionEvent(eventType string, tx TransactionData) *Event {
	return NewEvent(eventType, sourceWallet, tx.UserID, map[string]interface{}{
		"transaction_id": tx.ID,
		"wallet_id":      tx.WalletID,
		"user_id":        tx.UserID,
		"type":           tx.Type,
		"direction":      tx.Direction,
		"amount":         tx.Amount,
		"status":         tx.Status,
		"order_id":       tx.OrderID,
		"payment_id":     tx.PaymentID,
		"reference_id":   tx.ReferenceID,
		"balance":        tx.Balance,
		"locked_balance": tx.LockedBalance,
		"reason":         tx.Reason,
	})
}

// AuditData for audit events. Field tags match the JSON layout consumers decode.
type AuditData struct {
	ID                 string    `json:"id"`
	TransactionID      string    `json:"transaction_id"`
	WalletID           string    `json:"wallet_id"`
	UserID             string    `json:"user_id"`
	FromStatus         string    `json:"from_status"`
	ToStatus           string    `json:"to_status"`
	Actor              string    `json:"actor"`
	ActorRole          string    `json:"actor_role"`
	Timestamp          time.Time `json:"timestamp"`
	WalletVersionAfter int64     `json:"wallet_version_after"`
	HashPrev           string    `json:"hash_prev"`
	HashCurr           string    `json:"hash_curr"`
}

// NewAuditEvent creates audit event
func NewAuditEvent(a AuditData) *Event {
	return NewEvent(EventAuditRecorded, sourceWallet, a.UserID, map[string]interface{}{
		"id":                   a.ID,
		"transaction_id":       a.TransactionID,
		"wallet_id":            a.WalletID,
		"user_id":              a.UserID,
		"from_status":          a.FromStatus,
		"to_status":            a.ToStatus,
		"actor":                a.Actor,
		"actor_role":           a.ActorRole,
		"timestamp":            a.Timestamp.UTC().Format(time.RFC3339Nano),
		"wallet_version_after": a.WalletVersionAfter,
		"hash_prev":            a.HashPrev,
		"hash_curr":            a.HashCurr,
	})
}

// AnomalyData for anomaly events
type AnomalyData struct {
	TransactionID   string
	UserID          string
	CurrentStatus   string
	RequestedStatus string
	Source          string
	Detail          string
}

// NewAnomalyEvent creates anomaly event for manual review
func NewAnomalyEvent(a AnomalyData) *Event {
	return NewEvent(EventAnomalyDetected, sourceWallet, a.UserID, map[string]interface{}{
		"transaction_id":   a.TransactionID,
		"user_id":          a.UserID,
		"current_status":   a.CurrentStatus,
		"requested_status": a.RequestedStatus,
		"source":           a.Source,
		"detail":           a.Detail,
	})
}

// WalletData for wallet lifecycle events
type WalletData struct {
	WalletID string
	UserID   string
	Actor    string
}

// NewWalletEvent creates wallet lifecycle event
func NewWalletEvent(eventType string, w WalletData) *Event {
	return NewEvent(eventType, sourceWallet, w.UserID, map[string]interface{}{
		"wallet_id": w.WalletID,
		"user_id":   w.UserID,
		"actor":     w.Actor,
	})
}

// NewGatewayCallbackEvent wraps a raw gateway callback for queue delivery.
// The payload is carried verbatim so its signature can be verified downstream.
func NewGatewayCallbackEvent(provider string, payload []byte, signature string) *Event {
	return NewEvent(EventGatewayCallback, provider, "", map[string]interface{}{
		"provider":  provider,
		"payload":   string(payload),
		"signature": signature,
	})
}
