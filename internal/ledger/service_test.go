package ledger

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"preo-sim/internal/model"
	"preo-sim/internal/storage"
	"preo-sim/internal/types"
)

func newLedger(t *testing.T) (*Service, *storage.MemoryStore, string) {
	t.Helper()
	store := storage.NewMemoryStore()
	svc := NewService(store)
	id, err := store.CreateUser(context.Background(), model.User{Email: "ledger@test.io", Tier: types.TierStandard}, "hash")
	require.NoError(t, err)
	return svc, store, id
}

func TestApplyDelta(t *testing.T) {
	svc, store, userID := newLedger(t)
	ctx := context.Background()

	t.Run("credit pairs a journal entry", func(t *testing.T) {
		res, err := svc.ApplyDelta(ctx, userID, types.AccountDemo, decimal.NewFromInt(250), model.Transaction{
			Kind:   types.TxnKindDeposit,
			Status: types.TxnStatusCompleted,
		})
		require.NoError(t, err)
		assert.True(t, res.NewBalance.Equal(decimal.NewFromInt(250)))

		txns, err := store.Transactions(ctx, userID, types.AccountDemo, 0)
		require.NoError(t, err)
		require.Len(t, txns, 1)
		assert.Equal(t, txns[0].ID, res.Txn.ID, "returned entry must be the persisted one")
		assert.True(t, txns[0].Delta.Equal(decimal.NewFromInt(250)))
		assert.True(t, txns[0].Amount.Equal(decimal.NewFromInt(250)))
		assert.Equal(t, userID, txns[0].UserID)
	})

	t.Run("overdraft is rejected with no journal entry", func(t *testing.T) {
		_, err := svc.ApplyDelta(ctx, userID, types.AccountDemo, decimal.NewFromInt(-300), model.Transaction{
			Kind:   types.TxnKindWithdrawal,
			Status: types.TxnStatusCompleted,
		})
		var funds *storage.InsufficientFundsError
		require.ErrorAs(t, err, &funds)

		balance, err := store.Balance(ctx, userID, types.AccountDemo)
		require.NoError(t, err)
		assert.True(t, balance.Equal(decimal.NewFromInt(250)), "balance must be untouched")

		txns, err := store.Transactions(ctx, userID, types.AccountDemo, 0)
		require.NoError(t, err)
		assert.Len(t, txns, 1, "a rejected delta must not be journaled")
	})

	t.Run("balance equals sum of deltas", func(t *testing.T) {
		_, err := svc.ApplyDelta(ctx, userID, types.AccountDemo, decimal.NewFromFloat(-100.50), model.Transaction{
			Kind:   types.TxnKindWithdrawal,
			Status: types.TxnStatusCompleted,
		})
		require.NoError(t, err)

		balance, err := store.Balance(ctx, userID, types.AccountDemo)
		require.NoError(t, err)
		sum, err := store.SumDeltas(ctx, userID, types.AccountDemo)
		require.NoError(t, err)
		assert.True(t, balance.Equal(sum))
	})
}

func TestDeposit(t *testing.T) {
	svc, store, userID := newLedger(t)
	ctx := context.Background()

	t.Run("pending deposit is journaled without moving funds", func(t *testing.T) {
		balance, err := svc.Deposit(ctx, userID, types.AccountReal, decimal.NewFromInt(500), types.TxnStatusPending, "gw-1")
		require.NoError(t, err)
		assert.True(t, balance.IsZero())

		txns, err := store.Transactions(ctx, userID, types.AccountReal, 0)
		require.NoError(t, err)
		require.Len(t, txns, 1)
		assert.Equal(t, types.TxnStatusPending, txns[0].Status)
		assert.True(t, txns[0].Delta.IsZero())
	})

	t.Run("completed real deposit credits and fixes the baseline", func(t *testing.T) {
		balance, err := svc.Deposit(ctx, userID, types.AccountReal, decimal.NewFromInt(100), types.TxnStatusCompleted, "gw-2")
		require.NoError(t, err)
		assert.True(t, balance.Equal(decimal.NewFromInt(100)))

		user, err := store.User(ctx, userID)
		require.NoError(t, err)
		assert.True(t, user.InitialDeposit.Equal(decimal.NewFromInt(100)))
	})

	t.Run("baseline is set only once", func(t *testing.T) {
		_, err := svc.Deposit(ctx, userID, types.AccountReal, decimal.NewFromInt(900), types.TxnStatusCompleted, "gw-3")
		require.NoError(t, err)

		user, err := store.User(ctx, userID)
		require.NoError(t, err)
		assert.True(t, user.InitialDeposit.Equal(decimal.NewFromInt(100)), "later deposits must not move the baseline")
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		_, err := svc.Deposit(ctx, userID, types.AccountReal, decimal.Zero, types.TxnStatusCompleted, "gw-4")
		assert.Error(t, err)
	})
}

func TestGrantOpeningDemoBalance(t *testing.T) {
	svc, store, userID := newLedger(t)
	ctx := context.Background()

	require.NoError(t, svc.GrantOpeningDemoBalance(ctx, userID))

	balance, err := store.Balance(ctx, userID, types.AccountDemo)
	require.NoError(t, err)
	assert.True(t, balance.Equal(DefaultDemoGrant))

	real, err := store.Balance(ctx, userID, types.AccountReal)
	require.NoError(t, err)
	assert.True(t, real.IsZero(), "the grant only touches the demo account")
}

func TestParseAccount(t *testing.T) {
	account, err := ParseAccount("")
	require.NoError(t, err)
	assert.Equal(t, types.AccountDemo, account)

	account, err = ParseAccount(" REAL ")
	require.NoError(t, err)
	assert.Equal(t, types.AccountReal, account)

	_, err = ParseAccount("margin")
	assert.Error(t, err)
}
