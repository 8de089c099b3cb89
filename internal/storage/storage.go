package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"preo-sim/internal/model"
	"preo-sim/internal/types"
)

// ErrNotFound is returned for unknown users, positions and transactions.
var ErrNotFound = errors.New("not found")

// ConflictError reports a uniqueness violation (duplicate email).
type ConflictError struct {
	Field string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already in use", e.Field)
}

// InsufficientFundsError rejects a delta that would take a balance negative.
type InsufficientFundsError struct {
	Balance decimal.Decimal
	Delta   decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance is $%s, requested change is $%s", e.Balance.StringFixed(2), e.Delta.StringFixed(2))
}

// SettleResult reports what SettlePosition did. Applied is false when the
// position was already closed, in which case nothing else changed.
type SettleResult struct {
	Applied    bool
	Position   model.Position
	NewBalance decimal.Decimal
}

// DeltaResult pairs the balance after a delta with the journal entry
// that recorded it.
type DeltaResult struct {
	Txn        model.Transaction
	NewBalance decimal.Decimal
}

// Store is the persistence contract behind the ledger and journal. Balance
// mutations are atomic with their paired transaction entry: both are
// persisted or neither is. Updates to a single (user, account) balance are
// serialized by the implementation.
type Store interface {
	CreateUser(ctx context.Context, u model.User, credentialHash string) (string, error)
	User(ctx context.Context, userID string) (model.User, error)
	UserByEmail(ctx context.Context, email string) (model.User, string, error)
	UpdateTier(ctx context.Context, userID string, tier types.Tier) error
	// SetDepositBaseline records the AML baseline once; later calls are no-ops.
	SetDepositBaseline(ctx context.Context, userID string, amount decimal.Decimal) error

	Balance(ctx context.Context, userID string, account types.Account) (decimal.Decimal, error)
	// ApplyDelta moves a balance, appends the paired transaction entry and
	// returns that entry as persisted.
	ApplyDelta(ctx context.Context, userID string, account types.Account, delta decimal.Decimal, txn model.Transaction) (DeltaResult, error)
	// AppendTransaction records an entry that carries no balance movement
	// (trade_open markers).
	AppendTransaction(ctx context.Context, txn model.Transaction) (string, error)
	Transactions(ctx context.Context, userID string, account types.Account, limit int) ([]model.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, txnID string, status types.TxnStatus) error
	PendingWithdrawals(ctx context.Context) ([]model.Transaction, error)
	// SumDeltas returns the signed sum of all journal deltas for an account.
	SumDeltas(ctx context.Context, userID string, account types.Account) (decimal.Decimal, error)

	// CreatePosition records a new open position and, when marker is
	// non-nil, the paired trade_open journal entry atomically: a failed
	// open leaves neither behind. The marker's Reference is set to the
	// new position id and its Delta forced to zero.
	CreatePosition(ctx context.Context, p model.Position, marker *model.Transaction) (string, error)
	Position(ctx context.Context, positionID string) (model.Position, error)
	OpenPositions(ctx context.Context, userID string, account types.Account) ([]model.Position, error)
	AllOpenPositions(ctx context.Context) ([]model.Position, error)
	OverduePositions(ctx context.Context, now time.Time, grace time.Duration) ([]model.Position, error)
	SettledTrades(ctx context.Context, userID string, account types.Account, limit int) ([]model.Position, error)
	// SettlePosition closes an open position, applies the P&L delta and
	// appends the paired transaction, all atomically. A losing P&L larger
	// than the balance is clamped to it under the same lock, so the
	// balance never goes negative. Settling a closed position is a no-op
	// with Applied=false.
	SettlePosition(ctx context.Context, positionID string, outcome model.Outcome, txn model.Transaction) (SettleResult, error)
	RealizedPnL(ctx context.Context, userID string, account types.Account) (decimal.Decimal, error)

	TierConfig(ctx context.Context) (model.TierConfig, error)
	UpdateTierConfig(ctx context.Context, cfg model.TierConfig) error
}
