package trading

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"preo-sim/internal/ledger"
	"preo-sim/internal/marketdata"
	"preo-sim/internal/model"
	"preo-sim/internal/storage"
	"preo-sim/internal/tier"
	"preo-sim/internal/types"
)

func newTestService(t *testing.T, seed int64) (*Service, *storage.MemoryStore, *ledger.Service) {
	t.Helper()
	store := storage.NewMemoryStore()
	feed := marketdata.NewFeed(nil, 1)
	svc := NewService(store, tier.NewResolver(store), feed, seed)
	t.Cleanup(svc.Scheduler().Stop)
	return svc, store, ledger.NewService(store)
}

func createUser(t *testing.T, store *storage.MemoryStore, email string, userTier types.Tier) string {
	t.Helper()
	id, err := store.CreateUser(context.Background(), model.User{Email: email, Tier: userTier}, "hash")
	require.NoError(t, err)
	return id
}

func fund(t *testing.T, lsvc *ledger.Service, userID string, account types.Account, amount int64) {
	t.Helper()
	_, err := lsvc.Deposit(context.Background(), userID, account, decimal.NewFromInt(amount), types.TxnStatusCompleted, "test")
	require.NoError(t, err)
}

func TestOpenValidation(t *testing.T) {
	svc, store, lsvc := newTestService(t, 1)
	ctx := context.Background()
	userID := createUser(t, store, "val@test.io", types.TierStandard)
	fund(t, lsvc, userID, types.AccountDemo, 1000)

	base := OpenRequest{
		UserID:        userID,
		Account:       types.AccountDemo,
		Pair:          "EUR/USD",
		Direction:     types.DirectionBuy,
		Volume:        decimal.NewFromInt(1),
		StopLossPct:   decimal.NewFromInt(1),
		TakeProfitPct: decimal.NewFromInt(2),
	}

	cases := []struct {
		name   string
		mutate func(*OpenRequest)
	}{
		{"zero volume", func(r *OpenRequest) { r.Volume = decimal.Zero }},
		{"negative volume", func(r *OpenRequest) { r.Volume = decimal.NewFromInt(-1) }},
		{"volume above max", func(r *OpenRequest) { r.Volume = decimal.NewFromInt(1001) }},
		{"zero stop loss", func(r *OpenRequest) { r.StopLossPct = decimal.Zero }},
		{"zero take profit", func(r *OpenRequest) { r.TakeProfitPct = decimal.Zero }},
		{"bad direction", func(r *OpenRequest) { r.Direction = "HOLD" }},
		{"bad account", func(r *OpenRequest) { r.Account = "margin" }},
		{"unknown pair", func(r *OpenRequest) { r.Pair = "XYZ/ABC" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			_, err := svc.Open(ctx, req)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)

			open, err := store.AllOpenPositions(ctx)
			require.NoError(t, err)
			assert.Empty(t, open, "no position may exist after a rejected open")
		})
	}
}

func TestOpenRealAccountMinimums(t *testing.T) {
	svc, store, lsvc := newTestService(t, 1)
	ctx := context.Background()

	t.Run("notional below minimum", func(t *testing.T) {
		userID := createUser(t, store, "notional@test.io", types.TierStandard)
		fund(t, lsvc, userID, types.AccountReal, 10)

		// Volume 1 of EUR/USD is roughly a dollar of notional.
		_, err := svc.Open(ctx, OpenRequest{
			UserID:        userID,
			Account:       types.AccountReal,
			Pair:          "EUR/USD",
			Direction:     types.DirectionBuy,
			Volume:        decimal.NewFromInt(1),
			StopLossPct:   decimal.NewFromInt(1),
			TakeProfitPct: decimal.NewFromInt(2),
		})
		var notional *MinimumNotionalError
		require.ErrorAs(t, err, &notional)

		open, err := store.AllOpenPositions(ctx)
		require.NoError(t, err)
		assert.Empty(t, open)
	})

	t.Run("balance below minimum", func(t *testing.T) {
		userID := createUser(t, store, "balance@test.io", types.TierStandard)
		fund(t, lsvc, userID, types.AccountReal, 10)

		_, err := svc.Open(ctx, OpenRequest{
			UserID:        userID,
			Account:       types.AccountReal,
			Pair:          "EUR/USD",
			Direction:     types.DirectionBuy,
			Volume:        decimal.NewFromInt(100),
			StopLossPct:   decimal.NewFromInt(1),
			TakeProfitPct: decimal.NewFromInt(2),
		})
		var minBalance *MinimumBalanceError
		require.ErrorAs(t, err, &minBalance)
	})

	t.Run("sufficient balance and notional", func(t *testing.T) {
		userID := createUser(t, store, "ok@test.io", types.TierStandard)
		fund(t, lsvc, userID, types.AccountReal, 100)

		res, err := svc.Open(ctx, OpenRequest{
			UserID:        userID,
			Account:       types.AccountReal,
			Pair:          "EUR/USD",
			Direction:     types.DirectionBuy,
			Volume:        decimal.NewFromInt(20),
			StopLossPct:   decimal.NewFromInt(1),
			TakeProfitPct: decimal.NewFromInt(2),
		})
		require.NoError(t, err)
		assert.NotEmpty(t, res.PositionID)
	})
}

func TestOpenRecordsJournalMarker(t *testing.T) {
	svc, store, lsvc := newTestService(t, 1)
	ctx := context.Background()
	userID := createUser(t, store, "marker@test.io", types.TierStandard)
	fund(t, lsvc, userID, types.AccountDemo, 10000)

	res, err := svc.Open(ctx, OpenRequest{
		UserID:        userID,
		Account:       types.AccountDemo,
		Pair:          "EUR/USD",
		Direction:     types.DirectionSell,
		Volume:        decimal.NewFromInt(2),
		StopLossPct:   decimal.NewFromInt(1),
		TakeProfitPct: decimal.NewFromInt(3),
	})
	require.NoError(t, err)

	txns, err := store.Transactions(ctx, userID, types.AccountDemo, 0)
	require.NoError(t, err)
	var marker *model.Transaction
	for i := range txns {
		if txns[i].Kind == types.TxnKindTradeOpen {
			marker = &txns[i]
		}
	}
	require.NotNil(t, marker, "trade_open journal entry expected")
	assert.Equal(t, res.PositionID, marker.Reference)
	assert.True(t, marker.Delta.IsZero(), "open must not move the balance")

	balance, err := store.Balance(ctx, userID, types.AccountDemo)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(10000)))
}

// openFailStore refuses position writes so tests can exercise the
// failure path of Open.
type openFailStore struct {
	storage.Store
}

func (openFailStore) CreatePosition(ctx context.Context, p model.Position, marker *model.Transaction) (string, error) {
	return "", errors.New("position write failed")
}

func TestOpenFailureLeavesNoPartialState(t *testing.T) {
	store := storage.NewMemoryStore()
	feed := marketdata.NewFeed(nil, 1)
	lsvc := ledger.NewService(store)
	ctx := context.Background()
	userID := createUser(t, store, "partial@test.io", types.TierStandard)
	fund(t, lsvc, userID, types.AccountDemo, 1000)

	svc := NewService(openFailStore{store}, tier.NewResolver(store), feed, 1)
	t.Cleanup(svc.Scheduler().Stop)

	_, err := svc.Open(ctx, OpenRequest{
		UserID:        userID,
		Account:       types.AccountDemo,
		Pair:          "EUR/USD",
		Direction:     types.DirectionBuy,
		Volume:        decimal.NewFromInt(1),
		StopLossPct:   decimal.NewFromInt(1),
		TakeProfitPct: decimal.NewFromInt(2),
	})
	require.Error(t, err)

	open, err := store.AllOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	txns, err := store.Transactions(ctx, userID, types.AccountDemo, 0)
	require.NoError(t, err)
	for _, txn := range txns {
		assert.NotEqual(t, types.TxnKindTradeOpen, txn.Kind,
			"no journal marker may survive a failed open")
	}
	assert.Equal(t, 0, svc.Scheduler().Pending(), "no timer may be armed for a failed open")
}

func TestSettlePnLFloor(t *testing.T) {
	svc, store, lsvc := newTestService(t, 7)
	ctx := context.Background()
	userID := createUser(t, store, "floor@test.io", types.TierStandard)
	fund(t, lsvc, userID, types.AccountDemo, 1000000)

	volumes := []int64{1, 3, 10, 50}
	for _, vol := range volumes {
		for i := 0; i < 20; i++ {
			res, err := svc.Open(ctx, OpenRequest{
				UserID:        userID,
				Account:       types.AccountDemo,
				Pair:          "GBP/USD",
				Direction:     types.DirectionBuy,
				Volume:        decimal.NewFromInt(vol),
				StopLossPct:   decimal.NewFromInt(1),
				TakeProfitPct: decimal.NewFromInt(2),
				HoldDuration:  time.Hour,
			})
			require.NoError(t, err)

			settled, err := svc.Settle(ctx, res.PositionID)
			require.NoError(t, err)
			require.True(t, settled.Applied)

			minPnL := decimal.Max(decimal.NewFromInt(1), decimal.NewFromInt(vol).Div(decimal.NewFromInt(2)))
			require.NotNil(t, settled.Position.PnL)
			assert.True(t, settled.Position.PnL.Abs().GreaterThanOrEqual(minPnL),
				"|pnl| %s below floor %s for volume %d", settled.Position.PnL.Abs(), minPnL, vol)
		}
	}
}

func TestSettleIdempotent(t *testing.T) {
	svc, store, lsvc := newTestService(t, 3)
	ctx := context.Background()
	userID := createUser(t, store, "idem@test.io", types.TierStandard)
	fund(t, lsvc, userID, types.AccountDemo, 10000)

	res, err := svc.Open(ctx, OpenRequest{
		UserID:        userID,
		Account:       types.AccountDemo,
		Pair:          "EUR/USD",
		Direction:     types.DirectionBuy,
		Volume:        decimal.NewFromInt(1),
		StopLossPct:   decimal.NewFromInt(1),
		TakeProfitPct: decimal.NewFromInt(2),
		HoldDuration:  time.Hour,
	})
	require.NoError(t, err)

	first, err := svc.Settle(ctx, res.PositionID)
	require.NoError(t, err)
	require.True(t, first.Applied)

	second, err := svc.Settle(ctx, res.PositionID)
	require.NoError(t, err)
	assert.False(t, second.Applied, "second settle must be a no-op")

	balance, err := store.Balance(ctx, userID, types.AccountDemo)
	require.NoError(t, err)
	assert.True(t, balance.Equal(first.NewBalance), "balance must not move on the second settle")

	txns, err := store.Transactions(ctx, userID, types.AccountDemo, 0)
	require.NoError(t, err)
	closes := 0
	for _, txn := range txns {
		if txn.Kind == types.TxnKindTradeClose {
			closes++
		}
	}
	assert.Equal(t, 1, closes, "exactly one trade_close entry expected")

	trades, err := store.SettledTrades(ctx, userID, types.AccountDemo, 0)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestManualClose(t *testing.T) {
	svc, store, lsvc := newTestService(t, 5)
	ctx := context.Background()
	userID := createUser(t, store, "close@test.io", types.TierStandard)
	otherID := createUser(t, store, "other@test.io", types.TierStandard)
	fund(t, lsvc, userID, types.AccountDemo, 10000)

	res, err := svc.Open(ctx, OpenRequest{
		UserID:        userID,
		Account:       types.AccountDemo,
		Pair:          "USD/JPY",
		Direction:     types.DirectionSell,
		Volume:        decimal.NewFromInt(1),
		StopLossPct:   decimal.NewFromInt(1),
		TakeProfitPct: decimal.NewFromInt(2),
		HoldDuration:  time.Hour,
	})
	require.NoError(t, err)

	t.Run("stranger cannot close", func(t *testing.T) {
		_, err := svc.Close(ctx, otherID, res.PositionID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("owner closes immediately", func(t *testing.T) {
		settled, err := svc.Close(ctx, userID, res.PositionID)
		require.NoError(t, err)
		assert.True(t, settled.Applied)
		assert.Equal(t, 0, svc.Scheduler().Pending(), "pending timer must be cancelled")
	})

	t.Run("closing again is a no-op", func(t *testing.T) {
		settled, err := svc.Close(ctx, userID, res.PositionID)
		require.NoError(t, err)
		assert.False(t, settled.Applied)
	})
}

// End-to-end demo scenario: the new balance is exactly the old balance
// plus the settled pnl, with one matching trade_close journal entry, and
// the ledger always equals the sum of journal deltas.
func TestSettleEndToEnd(t *testing.T) {
	svc, store, lsvc := newTestService(t, 11)
	ctx := context.Background()
	userID := createUser(t, store, "e2e@test.io", types.TierStandard)
	fund(t, lsvc, userID, types.AccountDemo, 10000)

	res, err := svc.Open(ctx, OpenRequest{
		UserID:        userID,
		Account:       types.AccountDemo,
		Pair:          "EUR/USD",
		Direction:     types.DirectionBuy,
		Volume:        decimal.NewFromInt(1),
		StopLossPct:   decimal.NewFromInt(1),
		TakeProfitPct: decimal.NewFromInt(2),
		HoldDuration:  time.Hour,
	})
	require.NoError(t, err)

	settled, err := svc.Settle(ctx, res.PositionID)
	require.NoError(t, err)
	require.True(t, settled.Applied)
	require.NotNil(t, settled.Position.PnL)
	require.NotNil(t, settled.Position.IsWin)

	pnl := *settled.Position.PnL
	if *settled.Position.IsWin {
		assert.True(t, pnl.IsPositive())
	} else {
		assert.True(t, pnl.IsNegative())
	}

	expected := decimal.NewFromInt(10000).Add(pnl)
	balance, err := store.Balance(ctx, userID, types.AccountDemo)
	require.NoError(t, err)
	assert.True(t, balance.Equal(expected), "balance %s != 10000 + pnl %s", balance, pnl)

	txns, err := store.Transactions(ctx, userID, types.AccountDemo, 0)
	require.NoError(t, err)
	var closes []model.Transaction
	for _, txn := range txns {
		if txn.Kind == types.TxnKindTradeClose {
			closes = append(closes, txn)
		}
	}
	require.Len(t, closes, 1)
	assert.True(t, closes[0].Amount.Equal(pnl.Abs()), "trade_close amount must equal |pnl|")
	assert.True(t, closes[0].Delta.Equal(pnl))
	assert.Equal(t, types.TxnStatusCompleted, closes[0].Status)

	sum, err := store.SumDeltas(ctx, userID, types.AccountDemo)
	require.NoError(t, err)
	assert.True(t, balance.Equal(sum), "balance must equal the sum of journal deltas")
}

// A loss can never take the balance negative: it is capped at what the
// account holds.
func TestSettleLossCappedAtBalance(t *testing.T) {
	ctx := context.Background()
	for seed := int64(0); seed < 30; seed++ {
		svc, store, lsvc := newTestService(t, seed)
		userID := createUser(t, store, "cap@test.io", types.TierStandard)
		fund(t, lsvc, userID, types.AccountDemo, 2)

		res, err := svc.Open(ctx, OpenRequest{
			UserID:        userID,
			Account:       types.AccountDemo,
			Pair:          "BTC/USD",
			Direction:     types.DirectionBuy,
			Volume:        decimal.NewFromInt(100),
			StopLossPct:   decimal.NewFromInt(5),
			TakeProfitPct: decimal.NewFromInt(5),
			HoldDuration:  time.Hour,
		})
		require.NoError(t, err)

		settled, err := svc.Settle(ctx, res.PositionID)
		require.NoError(t, err)
		require.True(t, settled.Applied)
		assert.False(t, settled.NewBalance.IsNegative(), "seed %d drove the balance negative", seed)
	}
}

func TestSchedulerSettlesAfterHold(t *testing.T) {
	svc, store, lsvc := newTestService(t, 9)
	ctx := context.Background()
	userID := createUser(t, store, "sched@test.io", types.TierStandard)
	fund(t, lsvc, userID, types.AccountDemo, 10000)

	res, err := svc.Open(ctx, OpenRequest{
		UserID:        userID,
		Account:       types.AccountDemo,
		Pair:          "EUR/USD",
		Direction:     types.DirectionBuy,
		Volume:        decimal.NewFromInt(1),
		StopLossPct:   decimal.NewFromInt(1),
		TakeProfitPct: decimal.NewFromInt(2),
		HoldDuration:  time.Second,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		pos, err := store.Position(ctx, res.PositionID)
		return err == nil && pos.Status == types.PositionStatusClosed
	}, 5*time.Second, 50*time.Millisecond, "scheduled settlement did not fire")
}

func TestRecoverReArmsOpenPositions(t *testing.T) {
	store := storage.NewMemoryStore()
	feed := marketdata.NewFeed(nil, 1)
	lsvc := ledger.NewService(store)
	ctx := context.Background()

	userID := createUser(t, store, "recover@test.io", types.TierStandard)
	fund(t, lsvc, userID, types.AccountDemo, 10000)

	// Position written by a previous run whose timer never fired.
	_, err := store.CreatePosition(ctx, model.Position{
		UserID:        userID,
		Account:       types.AccountDemo,
		Pair:          "EUR/USD",
		Direction:     types.DirectionBuy,
		Volume:        decimal.NewFromInt(1),
		EntryPrice:    decimal.NewFromFloat(1.0853),
		StopLossPct:   decimal.NewFromInt(1),
		TakeProfitPct: decimal.NewFromInt(2),
		HoldDuration:  time.Millisecond,
		OpenedAt:      time.Now().UTC().Add(-time.Minute),
	}, nil)
	require.NoError(t, err)

	svc := NewService(store, tier.NewResolver(store), feed, 13)
	t.Cleanup(svc.Scheduler().Stop)
	require.NoError(t, svc.Recover(ctx))

	require.Eventually(t, func() bool {
		open, err := store.AllOpenPositions(ctx)
		return err == nil && len(open) == 0
	}, 5*time.Second, 50*time.Millisecond, "recovered position was not settled")
}
