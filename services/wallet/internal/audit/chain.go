// Package audit keeps the per-wallet, hash-chained trail of transaction
// status transitions and checks ledgers against it.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/emarket-platform/services/wallet/internal/domain"
)

var ErrCorruptChain = errors.New("audit chain corruption detected")

const hashTimeLayout = "2006-01-02T15:04:05.000000Z"

// ComputeHash chains rec onto prev.
func ComputeHash(prev string, rec *domain.AuditRecord) string {
	h := sha256.New()
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write([]byte("|" + rec.ID.String() + "|" + rec.TransactionID.String() + "|" + rec.WalletID.String()))
	_, _ = h.Write([]byte("|" + string(rec.FromStatus) + "|" + string(rec.ToStatus)))
	_, _ = h.Write([]byte("|" + rec.Actor + "|" + string(rec.ActorRole)))
	_, _ = h.Write([]byte("|" + rec.Timestamp.UTC().Format(hashTimeLayout)))
	_, _ = h.Write([]byte("|" + strconv.FormatInt(rec.WalletVersionAfter, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain walks records in append order and checks every link and the
// final head.
func VerifyChain(records []*domain.AuditRecord, head string) error {
	prev := domain.GenesisHash
	for i, rec := range records {
		if rec.HashPrev != prev {
			return fmt.Errorf("%w: record %d (%s) links to %s, want %s", ErrCorruptChain, i, rec.ID, rec.HashPrev, prev)
		}
		if got := ComputeHash(prev, rec); got != rec.HashCurr {
			return fmt.Errorf("%w: record %d (%s) hash mismatch", ErrCorruptChain, i, rec.ID)
		}
		prev = rec.HashCurr
	}
	if head != "" && prev != head {
		return fmt.Errorf("%w: wallet head %s does not match last record %s", ErrCorruptChain, head, prev)
	}
	return nil
}

// Report is the outcome of checking one wallet.
type Report struct {
	WalletID      string        `json:"wallet_id"`
	UserID        string        `json:"user_id"`
	Cached        domain.Totals `json:"cached"`
	Replayed      domain.Totals `json:"replayed"`
	BalancesMatch bool          `json:"balances_match"`
	ChainValid    bool          `json:"chain_valid"`
	ChainError    string        `json:"chain_error,omitempty"`
	Records       int           `json:"records"`
	Transactions  int           `json:"transactions"`
}

// Consistent reports whether both checks passed.
func (r Report) Consistent() bool {
	return r.BalancesMatch && r.ChainValid
}

// Verify replays the wallet's ledger and audit chain against its cached state.
func Verify(w *domain.Wallet, txs []*domain.Transaction, records []*domain.AuditRecord) (Report, error) {
	replayed, err := domain.Fold(txs)
	if err != nil {
		return Report{}, err
	}
	r := Report{
		WalletID: w.ID.String(),
		UserID:   w.UserID,
		Cached: domain.Totals{
			Balance:            w.Balance,
			LockedBalance:      w.LockedBalance,
			PendingWithdrawals: w.PendingWithdrawals,
			TotalDeposited:     w.TotalDeposited,
			TotalWithdrawn:     w.TotalWithdrawn,
		},
		Replayed:      replayed,
		BalancesMatch: replayed.Matches(w),
		ChainValid:    true,
		Records:       len(records),
		Transactions:  len(txs),
	}
	if err := VerifyChain(records, w.AuditHead); err != nil {
		r.ChainValid = false
		r.ChainError = err.Error()
	}
	return r, nil
}
