package domain

import (
	"time"

	"github.com/google/uuid"
)

// GenesisHash seeds every wallet's audit chain.
const GenesisHash = "GENESIS"

// AuditRecord is one immutable status transition of a transaction.
type AuditRecord struct {
	ID                 uuid.UUID         `json:"id" db:"id"`
	TransactionID      uuid.UUID         `json:"transaction_id" db:"transaction_id"`
	WalletID           uuid.UUID         `json:"wallet_id" db:"wallet_id"`
	UserID             string            `json:"user_id" db:"user_id"`
	FromStatus         TransactionStatus `json:"from_status" db:"from_status"`
	ToStatus           TransactionStatus `json:"to_status" db:"to_status"`
	Actor              string            `json:"actor" db:"actor"`
	ActorRole          Role              `json:"actor_role" db:"actor_role"`
	Timestamp          time.Time         `json:"timestamp" db:"recorded_at"`
	WalletVersionAfter int64             `json:"wallet_version_after" db:"wallet_version_after"`
	HashPrev           string            `json:"hash_prev" db:"hash_prev"`
	HashCurr           string            `json:"hash_curr" db:"hash_curr"`
}
