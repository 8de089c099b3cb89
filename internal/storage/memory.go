package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"preo-sim/internal/model"
	"preo-sim/internal/types"
)

// MemoryStore keeps everything in process memory. It backs tests and the
// STORE_BACKEND=memory development mode. Balance mutations for one
// (user, account) pair are serialized through a per-key mutex.
type MemoryStore struct {
	mu           sync.RWMutex
	users        map[string]model.User
	credentials  map[string]string // userID -> bcrypt hash
	emailIndex   map[string]string // lowercased email -> userID
	balances     map[string]decimal.Decimal
	transactions []model.Transaction
	positions    map[string]model.Position
	tierConfig   model.TierConfig

	lockMu   sync.Mutex
	keyLocks map[string]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]model.User),
		credentials: make(map[string]string),
		emailIndex:  make(map[string]string),
		balances:    make(map[string]decimal.Decimal),
		positions:   make(map[string]model.Position),
		keyLocks:    make(map[string]*sync.Mutex),
	}
}

func balanceKey(userID string, account types.Account) string {
	return userID + "/" + string(account)
}

func (s *MemoryStore) lockAccount(userID string, account types.Account) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	key := balanceKey(userID, account)
	l, ok := s.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[key] = l
	}
	return l
}

func (s *MemoryStore) CreateUser(ctx context.Context, u model.User, credentialHash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(strings.TrimSpace(u.Email))
	if _, exists := s.emailIndex[email]; exists {
		return "", &ConflictError{Field: "email"}
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.Email = email
	s.users[u.ID] = u
	s.credentials[u.ID] = credentialHash
	s.emailIndex[email] = u.ID
	return u.ID, nil
}

func (s *MemoryStore) User(ctx context.Context, userID string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return u, nil
}

func (s *MemoryStore) UserByEmail(ctx context.Context, email string) (model.User, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.emailIndex[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return model.User{}, "", ErrNotFound
	}
	return s.users[id], s.credentials[id], nil
}

func (s *MemoryStore) UpdateTier(ctx context.Context, userID string, tier types.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Tier = tier
	s.users[userID] = u
	return nil
}

func (s *MemoryStore) SetDepositBaseline(ctx context.Context, userID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	if u.InitialDeposit.GreaterThan(decimal.Zero) {
		return nil
	}
	u.InitialDeposit = amount
	s.users[userID] = u
	return nil
}

func (s *MemoryStore) Balance(ctx context.Context, userID string, account types.Account) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.users[userID]; !ok {
		return decimal.Zero, ErrNotFound
	}
	return s.balances[balanceKey(userID, account)], nil
}

func (s *MemoryStore) ApplyDelta(ctx context.Context, userID string, account types.Account, delta decimal.Decimal, txn model.Transaction) (DeltaResult, error) {
	l := s.lockAccount(userID, account)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return DeltaResult{}, ErrNotFound
	}
	key := balanceKey(userID, account)
	next := s.balances[key].Add(delta)
	if next.IsNegative() {
		return DeltaResult{}, &InsufficientFundsError{Balance: s.balances[key], Delta: delta}
	}
	s.balances[key] = next
	txn.Delta = delta
	return DeltaResult{Txn: s.appendTxnLocked(txn), NewBalance: next}, nil
}

func (s *MemoryStore) appendTxnLocked(txn model.Transaction) model.Transaction {
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.Timestamp.IsZero() {
		txn.Timestamp = time.Now().UTC()
	}
	s.transactions = append(s.transactions, txn)
	return txn
}

func (s *MemoryStore) AppendTransaction(ctx context.Context, txn model.Transaction) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn.Delta = decimal.Zero
	return s.appendTxnLocked(txn).ID, nil
}

func (s *MemoryStore) Transactions(ctx context.Context, userID string, account types.Account, limit int) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Transaction, 0, 16)
	for i := len(s.transactions) - 1; i >= 0; i-- {
		t := s.transactions[i]
		if t.UserID != userID {
			continue
		}
		if account != "" && t.Account != account {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateTransactionStatus(ctx context.Context, txnID string, status types.TxnStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.transactions {
		if s.transactions[i].ID == txnID {
			s.transactions[i].Status = status
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) PendingWithdrawals(ctx context.Context) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Transaction
	for _, t := range s.transactions {
		if t.Kind == types.TxnKindWithdrawal && t.Status == types.TxnStatusPending {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) SumDeltas(ctx context.Context, userID string, account types.Account) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := decimal.Zero
	for _, t := range s.transactions {
		if t.UserID == userID && t.Account == account {
			sum = sum.Add(t.Delta)
		}
	}
	return sum, nil
}

func (s *MemoryStore) CreatePosition(ctx context.Context, p model.Position, marker *model.Transaction) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now().UTC()
	}
	p.Status = types.PositionStatusOpen
	s.positions[p.ID] = p
	if marker != nil {
		m := *marker
		m.Reference = p.ID
		m.Delta = decimal.Zero
		s.appendTxnLocked(m)
	}
	return p.ID, nil
}

func (s *MemoryStore) Position(ctx context.Context, positionID string) (model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[positionID]
	if !ok {
		return model.Position{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) OpenPositions(ctx context.Context, userID string, account types.Account) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Position
	for _, p := range s.positions {
		if p.UserID == userID && p.Account == account && p.Status == types.PositionStatusOpen {
			out = append(out, p)
		}
	}
	sortPositions(out)
	return out, nil
}

func (s *MemoryStore) AllOpenPositions(ctx context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Position
	for _, p := range s.positions {
		if p.Status == types.PositionStatusOpen {
			out = append(out, p)
		}
	}
	sortPositions(out)
	return out, nil
}

func (s *MemoryStore) OverduePositions(ctx context.Context, now time.Time, grace time.Duration) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Position
	for _, p := range s.positions {
		if p.Status == types.PositionStatusOpen && now.After(p.OpenedAt.Add(p.HoldDuration+grace)) {
			out = append(out, p)
		}
	}
	sortPositions(out)
	return out, nil
}

func (s *MemoryStore) SettledTrades(ctx context.Context, userID string, account types.Account, limit int) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Position
	for _, p := range s.positions {
		if p.UserID == userID && p.Account == account && p.Status == types.PositionStatusClosed {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.After(*out[j].ClosedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SettlePosition(ctx context.Context, positionID string, outcome model.Outcome, txn model.Transaction) (SettleResult, error) {
	s.mu.RLock()
	p, ok := s.positions[positionID]
	s.mu.RUnlock()
	if !ok {
		return SettleResult{}, ErrNotFound
	}

	l := s.lockAccount(p.UserID, p.Account)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	p = s.positions[positionID]
	if p.Status == types.PositionStatusClosed {
		return SettleResult{Applied: false, Position: p, NewBalance: s.balances[balanceKey(p.UserID, p.Account)]}, nil
	}

	key := balanceKey(p.UserID, p.Account)
	pnl := outcome.PnL
	// A loss is clamped to what the account holds.
	if pnl.IsNegative() && s.balances[key].Add(pnl).IsNegative() {
		pnl = s.balances[key].Neg()
	}
	next := s.balances[key].Add(pnl)

	closedAt := outcome.ClosedAt
	isWin := outcome.IsWin
	closePrice := outcome.ClosePrice
	p.Status = types.PositionStatusClosed
	p.ClosedAt = &closedAt
	p.PnL = &pnl
	p.IsWin = &isWin
	p.ClosePrice = &closePrice
	s.positions[positionID] = p

	s.balances[key] = next
	txn.Amount = pnl.Abs()
	txn.Delta = pnl
	s.appendTxnLocked(txn)
	return SettleResult{Applied: true, Position: p, NewBalance: next}, nil
}

func (s *MemoryStore) RealizedPnL(ctx context.Context, userID string, account types.Account) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := decimal.Zero
	for _, p := range s.positions {
		if p.UserID == userID && p.Account == account && p.Status == types.PositionStatusClosed && p.PnL != nil {
			sum = sum.Add(*p.PnL)
		}
	}
	return sum, nil
}

func (s *MemoryStore) TierConfig(ctx context.Context) (model.TierConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tierConfig, nil
}

func (s *MemoryStore) UpdateTierConfig(ctx context.Context, cfg model.TierConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tierConfig = cfg
	return nil
}

func sortPositions(ps []model.Position) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].OpenedAt.Before(ps[j].OpenedAt) })
}
