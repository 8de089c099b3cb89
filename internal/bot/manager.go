package bot

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"preo-sim/internal/storage"
	"preo-sim/internal/trading"
	"preo-sim/internal/types"
)

const (
	defaultInterval  = 15 * time.Second
	defaultMaxTrades = 10
	defaultHold      = 20 * time.Second

	// Rough margin preflight for real-account bot trades.
	marginPerLot = 100
)

var (
	ErrAlreadyRunning = errors.New("bot is already running")
	ErrNotRunning     = errors.New("bot is not running")
)

var botPairs = []string{"EUR/USD", "GBP/USD", "USD/JPY", "AUD/USD", "BTC/USD", "ETH/USD"}

type Status struct {
	Running      bool            `json:"running"`
	Account      types.Account   `json:"account,omitempty"`
	Volume       decimal.Decimal `json:"volume"`
	TradesOpened int             `json:"trades_opened"`
	MaxTrades    int             `json:"max_trades"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
}

type runner struct {
	cancel context.CancelFunc

	mu           sync.Mutex
	account      types.Account
	volume       decimal.Decimal
	tradesOpened int
	maxTrades    int
	startedAt    time.Time
	lastError    string
	running      bool
}

// Manager runs at most one auto-trading bot per user. The bot opens
// positions through the regular trade lifecycle, so every bot trade is
// validated, journaled and settled exactly like a manual one.
type Manager struct {
	trading *trading.Service
	store   storage.Store

	mu    sync.Mutex
	bots  map[string]*runner
	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewManager(tradingSvc *trading.Service, store storage.Store, seed int64) *Manager {
	return &Manager{
		trading: tradingSvc,
		store:   store,
		bots:    make(map[string]*runner),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

type StartRequest struct {
	UserID    string
	Account   types.Account
	Volume    decimal.Decimal
	MaxTrades int
	Interval  time.Duration
}

func (m *Manager) Start(req StartRequest) (Status, error) {
	if !types.ValidAccount(req.Account) {
		return Status{}, errors.New("account must be demo or real")
	}
	if !req.Volume.IsPositive() {
		req.Volume = decimal.NewFromInt(1)
	}
	if req.MaxTrades <= 0 {
		req.MaxTrades = defaultMaxTrades
	}
	if req.Interval <= 0 {
		req.Interval = defaultInterval
	}

	// Margin preflight so a real-account bot does not start just to have
	// every open rejected.
	if req.Account == types.AccountReal {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		balance, err := m.store.Balance(ctx, req.UserID, req.Account)
		if err != nil {
			return Status{}, err
		}
		required := req.Volume.Mul(decimal.NewFromInt(marginPerLot))
		if balance.LessThan(required) {
			return Status{}, &trading.MinimumBalanceError{Balance: balance, Minimum: required}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bots[req.UserID]; ok && b.isRunning() {
		return Status{}, ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &runner{
		cancel:    cancel,
		account:   req.Account,
		volume:    req.Volume,
		maxTrades: req.MaxTrades,
		startedAt: time.Now().UTC(),
		running:   true,
	}
	m.bots[req.UserID] = b
	go m.run(ctx, req.UserID, b, req.Interval)
	log.Printf("[bot] started for user %s on %s account, volume %s", req.UserID, req.Account, req.Volume.String())
	return b.status(), nil
}

func (m *Manager) Stop(userID string) (Status, error) {
	m.mu.Lock()
	b, ok := m.bots[userID]
	m.mu.Unlock()
	if !ok || !b.isRunning() {
		return Status{}, ErrNotRunning
	}
	b.cancel()
	b.setRunning(false)
	log.Printf("[bot] stopped for user %s", userID)
	return b.status(), nil
}

// Reset stops any running bot and clears its stats.
func (m *Manager) Reset(userID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bots[userID]; ok && b.isRunning() {
		b.cancel()
	}
	delete(m.bots, userID)
	return Status{Volume: decimal.Zero}
}

func (m *Manager) Status(userID string) Status {
	m.mu.Lock()
	b, ok := m.bots[userID]
	m.mu.Unlock()
	if !ok {
		return Status{Volume: decimal.Zero}
	}
	return b.status()
}

// StopAll cancels every running bot, used at shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bots {
		if b.isRunning() {
			b.cancel()
			b.setRunning(false)
		}
	}
}

func (m *Manager) run(ctx context.Context, userID string, b *runner, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.setRunning(false)
			return
		case <-ticker.C:
			if b.tradeCount() >= b.maxTrades {
				log.Printf("[bot] user %s reached max trades (%d), stopping", userID, b.maxTrades)
				b.cancel()
				b.setRunning(false)
				return
			}
			m.openOne(ctx, userID, b)
		}
	}
}

func (m *Manager) openOne(ctx context.Context, userID string, b *runner) {
	pair := botPairs[m.randIntn(len(botPairs))]
	direction := types.DirectionBuy
	if m.randFloat() < 0.5 {
		direction = types.DirectionSell
	}
	sl := decimal.NewFromFloat(1 + m.randFloat()*2).Round(2)
	tp := decimal.NewFromFloat(1 + m.randFloat()*3).Round(2)

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := m.trading.Open(openCtx, trading.OpenRequest{
		UserID:        userID,
		Account:       b.account,
		Pair:          pair,
		Direction:     direction,
		Volume:        b.volume,
		StopLossPct:   sl,
		TakeProfitPct: tp,
		HoldDuration:  defaultHold,
		Bot:           true,
	})
	if err != nil {
		b.setError(err)
		log.Printf("[bot] open failed for user %s: %v", userID, err)
		return
	}
	b.recordTrade()
}

func (m *Manager) randFloat() float64 {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return m.rng.Float64()
}

func (m *Manager) randIntn(n int) int {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return m.rng.Intn(n)
}

func (b *runner) isRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *runner) setRunning(v bool) {
	b.mu.Lock()
	b.running = v
	b.mu.Unlock()
}

func (b *runner) tradeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tradesOpened
}

func (b *runner) recordTrade() {
	b.mu.Lock()
	b.tradesOpened++
	b.lastError = ""
	b.mu.Unlock()
}

func (b *runner) setError(err error) {
	b.mu.Lock()
	b.lastError = err.Error()
	b.mu.Unlock()
}

func (b *runner) status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	started := b.startedAt
	return Status{
		Running:      b.running,
		Account:      b.account,
		Volume:       b.volume,
		TradesOpened: b.tradesOpened,
		MaxTrades:    b.maxTrades,
		StartedAt:    &started,
		LastError:    b.lastError,
	}
}
