package domain

import (
	"context"
	"errors"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidAmount, "invalid_amount"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrInvalidState, "invalid_state"},
	{ErrConflict, "conflict"},
	{ErrIdempotencyKeyConflict, "idempotency_key_conflict"},
	{ErrKeyInProgress, "key_in_progress"},
	{ErrInvalidSignature, "invalid_signature"},
	{ErrAnomalyDetected, "anomaly_detected"},
	{ErrWalletNotFound, "wallet_not_found"},
	{ErrTransactionNotFound, "transaction_not_found"},
	{ErrForbidden, "forbidden"},
	{ErrInvalidRequest, "invalid_request"},
	{ErrDuplicateKey, "duplicate_key"},
	{ErrTransient, "transient"},
	{context.DeadlineExceeded, "timeout"},
	{context.Canceled, "cancelled"},
}

// ErrorCode returns a stable machine-readable code for err, "internal" when
// it is none of the taxonomy's errors.
func ErrorCode(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}
