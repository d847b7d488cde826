package domain

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-workflows/internal/common/errors"
)

var leaveKey = LedgerKey{Subject: "emp-1", ResourceType: "leave", Period: "2025"}

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestReserveCommit(t *testing.T) {
	acct, err := NewLedgerAccount(leaveKey, d(12), decimal.Zero)
	require.NoError(t, err)

	require.NoError(t, acct.Reserve(d(3), false))
	assert.True(t, acct.Pending.Equal(d(3)))
	assert.True(t, acct.Available.Equal(d(9)))

	require.NoError(t, acct.Commit(d(3)))
	assert.True(t, acct.Pending.IsZero())
	assert.True(t, acct.Used.Equal(d(3)))
	assert.True(t, acct.Available.Equal(d(9)))
}

func TestReserveInsufficient(t *testing.T) {
	acct, err := NewLedgerAccount(leaveKey, d(2), d(1))
	require.NoError(t, err)

	err = acct.Reserve(d(4), false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInsufficientBalance))
	assert.True(t, acct.Pending.IsZero(), "failed reserve must not mutate")
	assert.True(t, acct.Available.Equal(d(3)))

	require.NoError(t, acct.Reserve(d(4), true))
	assert.True(t, acct.Overdrawn())
	assert.True(t, acct.Available.Equal(d(-1)))
}

func TestReleaseGrantDebitRefund(t *testing.T) {
	acct, err := NewLedgerAccount(leaveKey, d(10), decimal.Zero)
	require.NoError(t, err)

	require.NoError(t, acct.Reserve(d(4), false))
	require.NoError(t, acct.Release(d(4)))
	assert.True(t, acct.Available.Equal(d(10)))

	require.NoError(t, acct.Release(d(5)))
	assert.True(t, acct.Pending.IsZero(), "pending clamps at zero")

	require.NoError(t, acct.Grant(d(2)))
	assert.True(t, acct.Entitled.Equal(d(12)))

	require.NoError(t, acct.Debit(d(5)))
	assert.True(t, acct.Used.Equal(d(5)))
	assert.True(t, acct.Available.Equal(d(7)))

	require.NoError(t, acct.Refund(d(8)))
	assert.True(t, acct.Used.IsZero(), "used clamps at zero")
	assert.True(t, acct.Available.Equal(d(12)))
}

func TestLedgerRejectsNegativeAmounts(t *testing.T) {
	acct, err := NewLedgerAccount(leaveKey, d(10), decimal.Zero)
	require.NoError(t, err)

	for _, op := range []LedgerOp{OpReserve, OpCommit, OpRelease, OpGrant, OpDebit, OpRefund} {
		err := acct.Apply(op, d(-1), false)
		assert.True(t, errors.Is(err, errors.ErrCodeValidation), string(op))
	}
	assert.NoError(t, acct.Apply(OpNone, d(-1), false))
	assert.Error(t, acct.Apply("borrow", d(1), false))
}

func TestNewLedgerAccountValidation(t *testing.T) {
	_, err := NewLedgerAccount(LedgerKey{Subject: "emp-1", ResourceType: "leave"}, d(1), decimal.Zero)
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))

	_, err = NewLedgerAccount(leaveKey, d(-1), decimal.Zero)
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))

	_, err = NewLedgerAccount(leaveKey, d(1), d(-1))
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))
}

func TestLedgerRejectsExcessScale(t *testing.T) {
	acct, err := NewLedgerAccount(leaveKey, d(10), decimal.Zero)
	require.NoError(t, err)

	err = acct.Reserve(decimal.RequireFromString("0.33333"), false)
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))
	assert.True(t, acct.Pending.IsZero())

	require.NoError(t, acct.Reserve(decimal.RequireFromString("0.3333"), false))
	require.NoError(t, acct.Grant(decimal.RequireFromString("1.50000")))

	_, err = NewLedgerAccount(leaveKey, decimal.RequireFromString("1.00001"), decimal.Zero)
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))
}

func TestRecomputeHealsStoredAvailable(t *testing.T) {
	acct := &LedgerAccount{Key: leaveKey, Entitled: d(10), Used: d(2), Pending: d(1), Available: d(99)}
	acct.Recompute()
	assert.True(t, acct.Available.Equal(d(7)))
}

// Random operation sequences keep available = entitled + carryForward - used - pending.
func TestLedgerInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ops := []LedgerOp{OpReserve, OpCommit, OpRelease, OpGrant, OpDebit, OpRefund}

	for round := 0; round < 100; round++ {
		acct, err := NewLedgerAccount(leaveKey, d(rng.Int63n(20)), d(rng.Int63n(5)))
		require.NoError(t, err)

		for step := 0; step < 50; step++ {
			op := ops[rng.Intn(len(ops))]
			amount := decimal.New(rng.Int63n(100), -1)
			_ = acct.Apply(op, amount, rng.Intn(2) == 0)

			want := acct.Entitled.Add(acct.CarryForward).Sub(acct.Used).Sub(acct.Pending)
			msg := fmt.Sprintf("round %d step %d op %s amount %s", round, step, op, amount)
			require.True(t, acct.Available.Equal(want), msg)
			require.False(t, acct.Used.IsNegative(), msg)
			require.False(t, acct.Pending.IsNegative(), msg)
		}
	}
}
