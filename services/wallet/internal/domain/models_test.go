package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from TransactionStatus
		to   TransactionStatus
		ok   bool
	}{
		{TxStatusNone, TxStatusPending, true},
		{TxStatusNone, TxStatusCompleted, true},
		{TxStatusPending, TxStatusCompleted, true},
		{TxStatusPending, TxStatusFailed, true},
		{TxStatusPending, TxStatusCancelled, true},
		{TxStatusCompleted, TxStatusFailed, false},
		{TxStatusFailed, TxStatusCompleted, false},
		{TxStatusCancelled, TxStatusPending, false},
		{TxStatusPending, TxStatusPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestTransactionTransition(t *testing.T) {
	w := NewWallet("u1", now)
	tx := NewTransaction(w, TxTypeWithdraw, DirectionDebit, 500, "k1", "fp", now)
	assert.Equal(t, TxStatusPending, tx.Status)

	require.NoError(t, tx.Fail("gateway_declined", now))
	assert.Equal(t, TxStatusFailed, tx.Status)
	assert.Equal(t, "gateway_declined", Deref(tx.FailedReason))
	assert.Nil(t, tx.CompletedAt)

	err := tx.Complete(now)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, TxStatusFailed, tx.Status)
}

func TestWalletReservation(t *testing.T) {
	w := NewWallet("u1", now)
	w.Balance = 1000

	require.NoError(t, w.Reserve(600))
	assert.Equal(t, int64(400), w.Spendable())
	assert.ErrorIs(t, w.Reserve(401), ErrInsufficientFunds)

	require.NoError(t, w.ReleaseReservation(600))
	assert.Equal(t, int64(1000), w.Spendable())
	assert.ErrorIs(t, w.ReleaseReservation(1), ErrInvalidState)
}

func TestWalletApply(t *testing.T) {
	w := NewWallet("u1", now)

	deposit := NewTransaction(w, TxTypeDeposit, DirectionCredit, 10000, "k1", "", now)
	require.NoError(t, w.Apply(deposit))
	assert.Equal(t, int64(10000), w.Balance)
	assert.Equal(t, int64(10000), w.TotalDeposited)

	lock := NewTransaction(w, TxTypeEscrowLock, DirectionDebit, 4000, "k2", "", now)
	require.NoError(t, w.Apply(lock))
	assert.Equal(t, int64(6000), w.Balance)
	assert.Equal(t, int64(4000), w.LockedBalance)

	refund := NewTransaction(w, TxTypeEscrowRefund, DirectionCredit, 4000, "k3", "", now)
	require.NoError(t, w.Apply(refund))
	assert.Equal(t, int64(10000), w.Balance)
	assert.Equal(t, int64(0), w.LockedBalance)

	tooMuch := NewTransaction(w, TxTypeTransfer, DirectionDebit, 10001, "k4", "", now)
	assert.ErrorIs(t, w.Apply(tooMuch), ErrInsufficientFunds)

	release := NewTransaction(w, TxTypeEscrowRelease, DirectionDebit, 1, "k5", "", now)
	assert.ErrorIs(t, w.Apply(release), ErrInvalidState)
	assert.NoError(t, w.Validate())
}

func TestCallerAuthorization(t *testing.T) {
	customer := Caller{SubjectID: "u1", Role: RoleCustomer}
	assert.NoError(t, customer.Authorize("u1"))
	assert.ErrorIs(t, customer.Authorize("u2"), ErrForbidden)
	assert.ErrorIs(t, customer.Require(RoleOperator), ErrForbidden)

	anonymous := Caller{Role: RoleMerchant}
	assert.ErrorIs(t, anonymous.Authorize(""), ErrForbidden)

	for _, r := range []Role{RoleService, RoleOperator, RoleGateway, RoleSystem} {
		assert.NoError(t, Caller{SubjectID: "svc", Role: r}.Authorize("anyone"), r)
	}

	_, err := ParseRole("admin")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
