package trading

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"preo-sim/internal/marketdata"
	"preo-sim/internal/model"
	"preo-sim/internal/storage"
	"preo-sim/internal/tier"
	"preo-sim/internal/types"
)

const (
	MaxVolume       = 1000
	MinRealBalance  = 15
	MinRealNotional = 15

	minHold     = time.Second
	maxHold     = 24 * time.Hour
	defaultHold = 30 * time.Second

	pipValuePerLot = 10
)

var two = decimal.NewFromInt(2)

// Service owns the position lifecycle: open, scheduled settlement, manual
// close. Win/loss draws and P&L variance come from an injected random
// source so settlement is reproducible in tests.
type Service struct {
	store    storage.Store
	resolver *tier.Resolver
	feed     *marketdata.Feed
	sched    *Scheduler

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewService(store storage.Store, resolver *tier.Resolver, feed *marketdata.Feed, seed int64) *Service {
	s := &Service{
		store:    store,
		resolver: resolver,
		feed:     feed,
		rng:      rand.New(rand.NewSource(seed)),
	}
	s.sched = NewScheduler(s.settleScheduled)
	return s
}

// Scheduler exposes the settlement scheduler for recovery and shutdown.
func (s *Service) Scheduler() *Scheduler { return s.sched }

type OpenRequest struct {
	UserID        string
	Account       types.Account
	Pair          string
	Direction     types.Direction
	Volume        decimal.Decimal
	StopLossPct   decimal.Decimal
	TakeProfitPct decimal.Decimal
	HoldDuration  time.Duration
	Bot           bool
}

type OpenResult struct {
	PositionID string          `json:"position_id"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	SettlesAt  time.Time       `json:"settles_at"`
}

// Open validates the request, records the position and schedules its
// settlement. No funds are reserved up front; the balance only moves at
// settlement.
func (s *Service) Open(ctx context.Context, req OpenRequest) (OpenResult, error) {
	if !types.ValidAccount(req.Account) {
		return OpenResult{}, &ValidationError{Field: "account", Reason: "must be demo or real"}
	}
	if !types.ValidDirection(req.Direction) {
		return OpenResult{}, &ValidationError{Field: "direction", Reason: "must be BUY or SELL"}
	}
	if !req.Volume.IsPositive() {
		return OpenResult{}, &ValidationError{Field: "volume", Reason: "must be greater than zero"}
	}
	if req.Volume.GreaterThan(decimal.NewFromInt(MaxVolume)) {
		return OpenResult{}, &ValidationError{Field: "volume", Reason: fmt.Sprintf("must not exceed %d", MaxVolume)}
	}
	if !req.StopLossPct.IsPositive() {
		return OpenResult{}, &ValidationError{Field: "stop_loss_pct", Reason: "must be greater than zero"}
	}
	if !req.TakeProfitPct.IsPositive() {
		return OpenResult{}, &ValidationError{Field: "take_profit_pct", Reason: "must be greater than zero"}
	}

	quote, err := s.feed.Quote(req.Pair)
	if err != nil {
		return OpenResult{}, &ValidationError{Field: "pair", Reason: "not supported"}
	}
	entry := decimal.NewFromFloat(quote.Ask)
	if req.Direction == types.DirectionSell {
		entry = decimal.NewFromFloat(quote.Bid)
	}

	if req.Account == types.AccountReal {
		notional := req.Volume.Mul(entry)
		minNotional := decimal.NewFromInt(MinRealNotional)
		if notional.LessThan(minNotional) {
			return OpenResult{}, &MinimumNotionalError{Notional: notional, Minimum: minNotional}
		}
		balance, err := s.store.Balance(ctx, req.UserID, req.Account)
		if err != nil {
			return OpenResult{}, err
		}
		minBalance := decimal.NewFromInt(MinRealBalance)
		if balance.LessThan(minBalance) {
			return OpenResult{}, &MinimumBalanceError{Balance: balance, Minimum: minBalance}
		}
	}

	hold := req.HoldDuration
	if hold <= 0 {
		hold = defaultHold
	}
	if hold < minHold {
		hold = minHold
	}
	if hold > maxHold {
		hold = maxHold
	}

	now := time.Now().UTC()
	pos := model.Position{
		UserID:        req.UserID,
		Account:       req.Account,
		Pair:          quote.Pair,
		Direction:     req.Direction,
		Volume:        req.Volume,
		EntryPrice:    entry,
		StopLossPct:   req.StopLossPct,
		TakeProfitPct: req.TakeProfitPct,
		HoldDuration:  hold,
		Bot:           req.Bot,
		Status:        types.PositionStatusOpen,
		OpenedAt:      now,
	}
	// Journal marker with zero delta: the open itself moves no money.
	// Written atomically with the position so a failed open leaves no
	// partial state.
	marker := model.Transaction{
		UserID:    req.UserID,
		Account:   req.Account,
		Kind:      types.TxnKindTradeOpen,
		Amount:    req.Volume.Mul(entry).Round(2),
		Status:    types.TxnStatusCompleted,
		Timestamp: now,
	}
	posID, err := s.store.CreatePosition(ctx, pos, &marker)
	if err != nil {
		return OpenResult{}, err
	}

	s.sched.Schedule(posID, hold)
	return OpenResult{PositionID: posID, EntryPrice: entry, SettlesAt: now.Add(hold)}, nil
}

// Settle resolves an open position: draws the outcome against the user's
// win rate, computes P&L and applies it atomically. The store clamps a
// loss to the balance it holds under the settlement lock, so the account
// never goes negative. Settling a closed position is a no-op.
func (s *Service) Settle(ctx context.Context, positionID string) (storage.SettleResult, error) {
	pos, err := s.store.Position(ctx, positionID)
	if err != nil {
		return storage.SettleResult{}, err
	}
	if pos.Status == types.PositionStatusClosed {
		return storage.SettleResult{Applied: false, Position: pos}, nil
	}
	user, err := s.store.User(ctx, pos.UserID)
	if err != nil {
		return storage.SettleResult{}, err
	}
	winRate, err := s.resolver.WinRate(ctx, user, pos.Account)
	if err != nil {
		return storage.SettleResult{}, err
	}

	isWin := s.randFloat() < winRate
	pnl := s.drawPnL(pos, isWin)

	signed := pnl
	if !isWin {
		signed = pnl.Neg()
	}

	closePrice := pos.EntryPrice
	if quote, qerr := s.feed.Quote(pos.Pair); qerr == nil {
		if pos.Direction == types.DirectionBuy {
			closePrice = decimal.NewFromFloat(quote.Bid)
		} else {
			closePrice = decimal.NewFromFloat(quote.Ask)
		}
	}

	kind := types.TxnKindTradeClose
	if pos.Bot {
		kind = types.TxnKindBotTrade
	}
	outcome := model.Outcome{
		ClosedAt:   time.Now().UTC(),
		PnL:        signed,
		IsWin:      isWin,
		ClosePrice: closePrice,
	}
	txn := model.Transaction{
		UserID:    pos.UserID,
		Account:   pos.Account,
		Kind:      kind,
		Amount:    pnl,
		Delta:     signed,
		Status:    types.TxnStatusCompleted,
		Reference: positionID,
		Timestamp: outcome.ClosedAt,
	}

	res, err := s.store.SettlePosition(ctx, positionID, outcome, txn)
	if err != nil {
		log.Printf("[trading] settlement write failed for position %s, retrying: %v", positionID, err)
		res, err = s.store.SettlePosition(ctx, positionID, outcome, txn)
	}
	if err != nil {
		// Leave the position open rather than falsely closed; the overdue
		// watchdog will pick it up again.
		log.Printf("[trading] FATAL: settlement failed twice for position %s, left open: %v", positionID, err)
		return storage.SettleResult{}, fmt.Errorf("settle position %s: %w", positionID, err)
	}
	return res, nil
}

// Close settles a position right away at the owner's request, cancelling
// the pending timer. The idempotent settle guards the race where the timer
// fires at the same moment.
func (s *Service) Close(ctx context.Context, userID, positionID string) (storage.SettleResult, error) {
	pos, err := s.store.Position(ctx, positionID)
	if err != nil {
		return storage.SettleResult{}, err
	}
	if pos.UserID != userID {
		return storage.SettleResult{}, storage.ErrNotFound
	}
	if pos.Status == types.PositionStatusClosed {
		return storage.SettleResult{Applied: false, Position: pos}, nil
	}
	s.sched.Cancel(positionID)
	return s.Settle(ctx, positionID)
}

// drawPnL computes the absolute P&L for a resolved outcome:
//
//	pips   = (tp or sl) x uniform(0.4, 1.0)
//	base   = max(minPnL, pips x volume x 10)
//	pnl    = base x uniform(0.9, 1.1), floored again at minPnL
//	minPnL = max(1, volume x 0.5)
func (s *Service) drawPnL(pos model.Position, isWin bool) decimal.Decimal {
	targetPct := pos.TakeProfitPct
	if !isWin {
		targetPct = pos.StopLossPct
	}

	minPnL := decimal.Max(decimal.NewFromInt(1), pos.Volume.Div(two))
	pipValue := pos.Volume.Mul(decimal.NewFromInt(pipValuePerLot))

	pct := decimal.NewFromFloat(0.4 + s.randFloat()*0.6)
	pips := targetPct.Mul(pct)
	base := decimal.Max(minPnL, pips.Mul(pipValue))

	variance := decimal.NewFromFloat(0.9 + s.randFloat()*0.2)
	pnl := base.Mul(variance)
	if pnl.LessThan(minPnL) {
		pnl = minPnL
	}
	return pnl.Round(2)
}

func (s *Service) randFloat() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

// settleScheduled adapts Settle for the timer scheduler.
func (s *Service) settleScheduled(positionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := s.Settle(ctx, positionID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Printf("[trading] scheduled settlement failed for position %s: %v", positionID, err)
	}
}

// OpenPositions lists a user's open positions for one account.
func (s *Service) OpenPositions(ctx context.Context, userID string, account types.Account) ([]model.Position, error) {
	return s.store.OpenPositions(ctx, userID, account)
}

// History lists a user's settled trades, newest first.
func (s *Service) History(ctx context.Context, userID string, account types.Account, limit int) ([]model.Position, error) {
	return s.store.SettledTrades(ctx, userID, account, limit)
}
