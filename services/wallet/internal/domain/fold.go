package domain

import "fmt"

// Effect is the per-wallet change produced by a completed transaction.
type Effect struct {
	Balance int64
	Locked  int64
}

// EffectOf returns the effect of a completed transaction of the given type and direction.
func EffectOf(t TransactionType, d Direction, amount int64) (Effect, error) {
	switch {
	case t == TxTypeDeposit && d == DirectionCredit:
		return Effect{Balance: amount}, nil
	case t == TxTypeWithdraw && d == DirectionDebit:
		return Effect{Balance: -amount}, nil
	case t == TxTypeEscrowLock && d == DirectionDebit:
		return Effect{Balance: -amount, Locked: amount}, nil
	case t == TxTypeEscrowRelease && d == DirectionDebit:
		return Effect{Locked: -amount}, nil
	case t == TxTypeEscrowRelease && d == DirectionCredit:
		return Effect{Balance: amount}, nil
	case t == TxTypeEscrowRefund && d == DirectionCredit:
		return Effect{Balance: amount, Locked: -amount}, nil
	case t == TxTypeTransfer && d == DirectionDebit:
		return Effect{Balance: -amount}, nil
	case t == TxTypeTransfer && d == DirectionCredit:
		return Effect{Balance: amount}, nil
	}
	return Effect{}, fmt.Errorf("%w: no effect defined for %s/%s", ErrInvalidState, t, d)
}

// Totals is the result of replaying a wallet's ledger.
type Totals struct {
	Balance            int64 `json:"balance"`
	LockedBalance      int64 `json:"locked_balance"`
	PendingWithdrawals int64 `json:"pending_withdrawals"`
	TotalDeposited     int64 `json:"total_deposited"`
	TotalWithdrawn     int64 `json:"total_withdrawn"`
}

// Fold replays transactions in order. Completed transactions contribute their
// effect; pending withdrawals contribute to the reservation.
func Fold(txs []*Transaction) (Totals, error) {
	var t Totals
	for _, tx := range txs {
		switch tx.Status {
		case TxStatusCompleted:
			e, err := EffectOf(tx.Type, tx.Direction, tx.Amount)
			if err != nil {
				return Totals{}, err
			}
			t.Balance += e.Balance
			t.LockedBalance += e.Locked
			switch tx.Type {
			case TxTypeDeposit:
				t.TotalDeposited += tx.Amount
			case TxTypeWithdraw:
				t.TotalWithdrawn += tx.Amount
			}
		case TxStatusPending:
			if tx.Type == TxTypeWithdraw {
				t.PendingWithdrawals += tx.Amount
			}
		}
	}
	return t, nil
}

// Matches reports whether the wallet's cached balances equal the replayed totals.
func (t Totals) Matches(w *Wallet) bool {
	return t.Balance == w.Balance &&
		t.LockedBalance == w.LockedBalance &&
		t.PendingWithdrawals == w.PendingWithdrawals &&
		t.TotalDeposited == w.TotalDeposited &&
		t.TotalWithdrawn == w.TotalWithdrawn
}

// Outcome is a gateway or operator verdict on a pending transaction.
type Outcome interface {
	isOutcome()
	// Target is the terminal status the outcome drives to; ok is false for Pending.
	Target() (status TransactionStatus, ok bool)
}

// Succeeded confirms the transaction. Amount is zero when the source did not report one.
type Succeeded struct {
	Amount int64
}

// Failed denies the transaction.
type Failed struct {
	Code   string
	Reason string
}

// Pending means no verdict yet.
type Pending struct{}

func (Succeeded) isOutcome() {}
func (Failed) isOutcome()    {}
func (Pending) isOutcome()   {}

func (Succeeded) Target() (TransactionStatus, bool) { return TxStatusCompleted, true }
func (Failed) Target() (TransactionStatus, bool)    { return TxStatusFailed, true }
func (Pending) Target() (TransactionStatus, bool)   { return "", false }

// Describe returns a failure reason suitable for FailedReason.
func (f Failed) Describe() string {
	switch {
	case f.Code != "" && f.Reason != "":
		return f.Code + ": " + f.Reason
	case f.Code != "":
		return f.Code
	default:
		return f.Reason
	}
}
