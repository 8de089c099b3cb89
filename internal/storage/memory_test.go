package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"preo-sim/internal/model"
	"preo-sim/internal/types"
)

func seedUser(t *testing.T, s *MemoryStore) string {
	t.Helper()
	id, err := s.CreateUser(context.Background(), model.User{Email: "mem@test.io", Tier: types.TierStandard}, "hash")
	require.NoError(t, err)
	return id
}

func TestMemoryStoreUsers(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := seedUser(t, s)

	t.Run("duplicate email conflicts", func(t *testing.T) {
		_, err := s.CreateUser(ctx, model.User{Email: "MEM@test.io"}, "hash")
		var conflict *ConflictError
		assert.ErrorAs(t, err, &conflict)
	})

	t.Run("lookup by id and email", func(t *testing.T) {
		u, err := s.User(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "mem@test.io", u.Email)

		byEmail, hash, err := s.UserByEmail(ctx, "mem@test.io")
		require.NoError(t, err)
		assert.Equal(t, id, byEmail.ID)
		assert.Equal(t, "hash", hash)
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := s.User(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStoreApplyDeltaConcurrent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := seedUser(t, s)

	_, err := s.ApplyDelta(ctx, id, types.AccountDemo, decimal.NewFromInt(1000), model.Transaction{
		UserID: id, Account: types.AccountDemo, Kind: types.TxnKindDeposit,
		Amount: decimal.NewFromInt(1000), Status: types.TxnStatusCompleted,
	})
	require.NoError(t, err)

	// 100 concurrent debits of $5 against $1000: all must apply, none
	// may be lost, and the journal must account for every one.
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ApplyDelta(ctx, id, types.AccountDemo, decimal.NewFromInt(-5), model.Transaction{
				UserID: id, Account: types.AccountDemo, Kind: types.TxnKindWithdrawal,
				Amount: decimal.NewFromInt(5), Status: types.TxnStatusCompleted,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	balance, err := s.Balance(ctx, id, types.AccountDemo)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(500)))

	sum, err := s.SumDeltas(ctx, id, types.AccountDemo)
	require.NoError(t, err)
	assert.True(t, sum.Equal(balance))
}

func TestMemoryStoreSettlePosition(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := seedUser(t, s)

	_, err := s.ApplyDelta(ctx, id, types.AccountDemo, decimal.NewFromInt(100), model.Transaction{
		UserID: id, Account: types.AccountDemo, Kind: types.TxnKindDeposit,
		Amount: decimal.NewFromInt(100), Status: types.TxnStatusCompleted,
	})
	require.NoError(t, err)

	posID, err := s.CreatePosition(ctx, model.Position{
		UserID: id, Account: types.AccountDemo, Pair: "EUR/USD",
		Direction: types.DirectionBuy, Volume: decimal.NewFromInt(1),
		EntryPrice: decimal.NewFromFloat(1.0853), StopLossPct: decimal.NewFromInt(1),
		TakeProfitPct: decimal.NewFromInt(2), HoldDuration: time.Second,
	}, nil)
	require.NoError(t, err)

	outcome := model.Outcome{
		ClosedAt: time.Now().UTC(), PnL: decimal.NewFromInt(25),
		IsWin: true, ClosePrice: decimal.NewFromFloat(1.0861),
	}
	txn := model.Transaction{
		UserID: id, Account: types.AccountDemo, Kind: types.TxnKindTradeClose,
		Amount: decimal.NewFromInt(25), Status: types.TxnStatusCompleted, Reference: posID,
	}

	t.Run("first settle applies", func(t *testing.T) {
		res, err := s.SettlePosition(ctx, posID, outcome, txn)
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.True(t, res.NewBalance.Equal(decimal.NewFromInt(125)))
		require.NotNil(t, res.Position.PnL)
		assert.True(t, res.Position.PnL.Equal(decimal.NewFromInt(25)))
	})

	t.Run("second settle is a no-op", func(t *testing.T) {
		res, err := s.SettlePosition(ctx, posID, outcome, txn)
		require.NoError(t, err)
		assert.False(t, res.Applied)
		assert.True(t, res.NewBalance.Equal(decimal.NewFromInt(125)))
	})

	t.Run("unknown position", func(t *testing.T) {
		_, err := s.SettlePosition(ctx, "missing", outcome, txn)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("realized pnl reflects the close", func(t *testing.T) {
		sum, err := s.RealizedPnL(ctx, id, types.AccountDemo)
		require.NoError(t, err)
		assert.True(t, sum.Equal(decimal.NewFromInt(25)))
	})
}

func TestMemoryStoreCreatePositionMarker(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := seedUser(t, s)

	posID, err := s.CreatePosition(ctx, model.Position{
		UserID: id, Account: types.AccountDemo, Pair: "EUR/USD",
		Direction: types.DirectionBuy, Volume: decimal.NewFromInt(2),
		EntryPrice: decimal.NewFromFloat(1.0853), StopLossPct: decimal.NewFromInt(1),
		TakeProfitPct: decimal.NewFromInt(2), HoldDuration: time.Second,
	}, &model.Transaction{
		UserID: id, Account: types.AccountDemo, Kind: types.TxnKindTradeOpen,
		Amount: decimal.NewFromFloat(2.17), Delta: decimal.NewFromInt(99),
		Status: types.TxnStatusCompleted,
	})
	require.NoError(t, err)

	txns, err := s.Transactions(ctx, id, types.AccountDemo, 0)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, types.TxnKindTradeOpen, txns[0].Kind)
	assert.Equal(t, posID, txns[0].Reference, "marker must reference the new position")
	assert.True(t, txns[0].Delta.IsZero(), "open marker moves no money")

	balance, err := s.Balance(ctx, id, types.AccountDemo)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestMemoryStoreSettleClampsLoss(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := seedUser(t, s)

	_, err := s.ApplyDelta(ctx, id, types.AccountDemo, decimal.NewFromInt(40), model.Transaction{
		UserID: id, Account: types.AccountDemo, Kind: types.TxnKindDeposit,
		Amount: decimal.NewFromInt(40), Status: types.TxnStatusCompleted,
	})
	require.NoError(t, err)

	posID, err := s.CreatePosition(ctx, model.Position{
		UserID: id, Account: types.AccountDemo, Pair: "EUR/USD",
		Direction: types.DirectionBuy, Volume: decimal.NewFromInt(1),
		EntryPrice: decimal.NewFromFloat(1.0853), StopLossPct: decimal.NewFromInt(1),
		TakeProfitPct: decimal.NewFromInt(2), HoldDuration: time.Second,
	}, nil)
	require.NoError(t, err)

	// A $75 loss against a $40 balance settles as -$40, never negative.
	res, err := s.SettlePosition(ctx, posID, model.Outcome{
		ClosedAt: time.Now().UTC(), PnL: decimal.NewFromInt(-75),
		IsWin: false, ClosePrice: decimal.NewFromFloat(1.0712),
	}, model.Transaction{
		UserID: id, Account: types.AccountDemo, Kind: types.TxnKindTradeClose,
		Amount: decimal.NewFromInt(75), Delta: decimal.NewFromInt(-75),
		Status: types.TxnStatusCompleted, Reference: posID,
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.True(t, res.NewBalance.IsZero())
	require.NotNil(t, res.Position.PnL)
	assert.True(t, res.Position.PnL.Equal(decimal.NewFromInt(-40)))

	balance, err := s.Balance(ctx, id, types.AccountDemo)
	require.NoError(t, err)
	sum, err := s.SumDeltas(ctx, id, types.AccountDemo)
	require.NoError(t, err)
	assert.True(t, balance.Equal(sum), "journal must account for the clamped loss")
}

func TestMemoryStoreOverduePositions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := seedUser(t, s)

	now := time.Now().UTC()
	_, err := s.CreatePosition(ctx, model.Position{
		UserID: id, Account: types.AccountDemo, Pair: "EUR/USD",
		Direction: types.DirectionBuy, Volume: decimal.NewFromInt(1),
		EntryPrice: decimal.NewFromFloat(1.0853), StopLossPct: decimal.NewFromInt(1),
		TakeProfitPct: decimal.NewFromInt(2), HoldDuration: time.Minute,
		OpenedAt: now.Add(-10 * time.Minute),
	}, nil)
	require.NoError(t, err)
	_, err = s.CreatePosition(ctx, model.Position{
		UserID: id, Account: types.AccountDemo, Pair: "EUR/USD",
		Direction: types.DirectionBuy, Volume: decimal.NewFromInt(1),
		EntryPrice: decimal.NewFromFloat(1.0853), StopLossPct: decimal.NewFromInt(1),
		TakeProfitPct: decimal.NewFromInt(2), HoldDuration: time.Hour,
		OpenedAt: now,
	}, nil)
	require.NoError(t, err)

	overdue, err := s.OverduePositions(ctx, now, 30*time.Second)
	require.NoError(t, err)
	assert.Len(t, overdue, 1, "only the stale position is overdue")
}
