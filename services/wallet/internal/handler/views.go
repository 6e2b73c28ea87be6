package handler

import (
	"time"

	"github.com/emarket-platform/pkg/money"
	"github.com/emarket-platform/services/wallet/internal/audit"
	"github.com/emarket-platform/services/wallet/internal/domain"
	"github.com/emarket-platform/services/wallet/internal/gateway"
	"github.com/emarket-platform/services/wallet/internal/service"
)

// Amounts leave the service as decimal strings in the wallet currency.

type walletView struct {
	WalletID           string    `json:"wallet_id"`
	UserID             string    `json:"user_id"`
	Currency           string    `json:"currency"`
	Balance            string    `json:"balance"`
	LockedBalance      string    `json:"locked_balance"`
	PendingWithdrawals string    `json:"pending_withdrawals"`
	Spendable          string    `json:"spendable"`
	TotalDeposited     string    `json:"total_deposited"`
	TotalWithdrawn     string    `json:"total_withdrawn"`
	IsActive           bool      `json:"is_active"`
	Version            int64     `json:"version"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type transactionView struct {
	ID                 string     `json:"id"`
	WalletID           string     `json:"wallet_id"`
	UserID             string     `json:"user_id"`
	Type               string     `json:"type"`
	Direction          string     `json:"direction"`
	Amount             string     `json:"amount"`
	Currency           string     `json:"currency"`
	Status             string     `json:"status"`
	IdempotencyKey     string     `json:"idempotency_key"`
	OrderID            string     `json:"order_id,omitempty"`
	PaymentID          string     `json:"payment_id,omitempty"`
	ReferenceID        string     `json:"reference_id,omitempty"`
	CounterpartyUserID string     `json:"counterparty_user_id,omitempty"`
	Description        string     `json:"description,omitempty"`
	FailedReason       string     `json:"failed_reason,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

type resultView struct {
	Transaction transactionView   `json:"transaction"`
	Legs        []transactionView `json:"legs,omitempty"`
	Wallet      *walletView       `json:"wallet,omitempty"`
	Replayed    bool              `json:"replayed"`
	Gateway     *gateway.Charge   `json:"gateway,omitempty"`
}

type verifyView struct {
	WalletID      string     `json:"wallet_id"`
	UserID        string     `json:"user_id"`
	Consistent    bool       `json:"consistent"`
	BalancesMatch bool       `json:"balances_match"`
	ChainValid    bool       `json:"chain_valid"`
	ChainError    string     `json:"chain_error,omitempty"`
	Records       int        `json:"audit_records"`
	Transactions  int        `json:"transactions"`
	Cached        totalsView `json:"cached"`
	Replayed      totalsView `json:"replayed"`
}

type totalsView struct {
	Balance            string `json:"balance"`
	LockedBalance      string `json:"locked_balance"`
	PendingWithdrawals string `json:"pending_withdrawals"`
	TotalDeposited     string `json:"total_deposited"`
	TotalWithdrawn     string `json:"total_withdrawn"`
}

type viewer struct {
	currency money.Currency
}

func (v viewer) amount(minor int64) string {
	return money.FromMinor(minor, v.currency).StringValue()
}

func (v viewer) wallet(w *domain.Wallet) *walletView {
	if w == nil {
		return nil
	}
	return &walletView{
		WalletID:           w.ID.String(),
		UserID:             w.UserID,
		Currency:           string(v.currency),
		Balance:            v.amount(w.Balance),
		LockedBalance:      v.amount(w.LockedBalance),
		PendingWithdrawals: v.amount(w.PendingWithdrawals),
		Spendable:          v.amount(w.Spendable()),
		TotalDeposited:     v.amount(w.TotalDeposited),
		TotalWithdrawn:     v.amount(w.TotalWithdrawn),
		IsActive:           w.IsActive,
		Version:            w.Version,
		UpdatedAt:          w.UpdatedAt,
	}
}

func (v viewer) transaction(tx *domain.Transaction) transactionView {
	out := transactionView{
		ID:                 tx.ID.String(),
		WalletID:           tx.WalletID.String(),
		UserID:             tx.UserID,
		Type:               string(tx.Type),
		Direction:          string(tx.Direction),
		Amount:             v.amount(tx.Amount),
		Currency:           string(v.currency),
		Status:             string(tx.Status),
		IdempotencyKey:     tx.IdempotencyKey,
		OrderID:            domain.Deref(tx.OrderID),
		PaymentID:          domain.Deref(tx.PaymentID),
		CounterpartyUserID: domain.Deref(tx.CounterpartyUserID),
		Description:        domain.Deref(tx.Description),
		FailedReason:       domain.Deref(tx.FailedReason),
		CreatedAt:          tx.CreatedAt,
		CompletedAt:        tx.CompletedAt,
	}
	if tx.ReferenceID != nil {
		out.ReferenceID = tx.ReferenceID.String()
	}
	return out
}

func (v viewer) transactions(txs []*domain.Transaction) []transactionView {
	out := make([]transactionView, 0, len(txs))
	for _, tx := range txs {
		out = append(out, v.transaction(tx))
	}
	return out
}

func (v viewer) result(res *service.Result) resultView {
	out := resultView{
		Transaction: v.transaction(res.Transaction),
		Wallet:      v.wallet(res.Wallet),
		Replayed:    res.Replayed,
		Gateway:     res.Gateway,
	}
	if len(res.Legs) > 0 {
		out.Legs = v.transactions(res.Legs)
	}
	return out
}

func (v viewer) totals(t domain.Totals) totalsView {
	return totalsView{
		Balance:            v.amount(t.Balance),
		LockedBalance:      v.amount(t.LockedBalance),
		PendingWithdrawals: v.amount(t.PendingWithdrawals),
		TotalDeposited:     v.amount(t.TotalDeposited),
		TotalWithdrawn:     v.amount(t.TotalWithdrawn),
	}
}

func (v viewer) report(r *audit.Report) verifyView {
	return verifyView{
		WalletID:      r.WalletID,
		UserID:        r.UserID,
		Consistent:    r.Consistent(),
		BalancesMatch: r.BalancesMatch,
		ChainValid:    r.ChainValid,
		ChainError:    r.ChainError,
		Records:       r.Records,
		Transactions:  r.Transactions,
		Cached:        v.totals(r.Cached),
		Replayed:      v.totals(r.Replayed),
	}
}
