package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"preo-sim/internal/model"
	"preo-sim/internal/storage"
	"preo-sim/internal/types"
)

// DefaultDemoGrant is credited to every new account's demo balance,
// matching the platform's $10,000 starting demo balance.
var DefaultDemoGrant = decimal.NewFromInt(10000)

type Service struct {
	store storage.Store
}

func NewService(store storage.Store) *Service {
	return &Service{store: store}
}

func (s *Service) GetBalance(ctx context.Context, userID string, account types.Account) (decimal.Decimal, error) {
	return s.store.Balance(ctx, userID, account)
}

// ApplyDelta moves an account balance, appends the paired journal entry
// and returns it as persisted. Amounts are rounded to cents before they
// touch the store. The store rejects any delta that would take the
// balance negative.
func (s *Service) ApplyDelta(ctx context.Context, userID string, account types.Account, delta decimal.Decimal, txn model.Transaction) (storage.DeltaResult, error) {
	if !types.ValidAccount(account) {
		return storage.DeltaResult{}, fmt.Errorf("invalid account %q", account)
	}
	delta = delta.Round(2)
	txn.UserID = userID
	txn.Account = account
	txn.Amount = delta.Abs()
	if txn.Timestamp.IsZero() {
		txn.Timestamp = time.Now().UTC()
	}
	return s.store.ApplyDelta(ctx, userID, account, delta, txn)
}

// GrantOpeningDemoBalance credits the starting demo funds to a freshly
// registered user.
func (s *Service) GrantOpeningDemoBalance(ctx context.Context, userID string) error {
	_, err := s.ApplyDelta(ctx, userID, types.AccountDemo, DefaultDemoGrant, model.Transaction{
		Kind:      types.TxnKindDeposit,
		Status:    types.TxnStatusCompleted,
		Reference: "opening demo grant",
	})
	return err
}

// Deposit credits a completed payment-gateway notification. Non-completed
// notifications are journaled without moving funds so the audit trail keeps
// every gateway callback. The first completed real deposit fixes the AML
// baseline used by the withdrawal gate.
func (s *Service) Deposit(ctx context.Context, userID string, account types.Account, amount decimal.Decimal, status types.TxnStatus, reference string) (decimal.Decimal, error) {
	if !types.ValidAccount(account) {
		return decimal.Zero, fmt.Errorf("invalid account %q", account)
	}
	amount = amount.Round(2)
	if !amount.IsPositive() {
		return decimal.Zero, errors.New("deposit amount must be positive")
	}
	if status != types.TxnStatusCompleted {
		_, err := s.store.AppendTransaction(ctx, model.Transaction{
			UserID:    userID,
			Account:   account,
			Kind:      types.TxnKindDeposit,
			Amount:    amount,
			Status:    status,
			Reference: reference,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			return decimal.Zero, err
		}
		return s.store.Balance(ctx, userID, account)
	}

	res, err := s.ApplyDelta(ctx, userID, account, amount, model.Transaction{
		Kind:      types.TxnKindDeposit,
		Status:    types.TxnStatusCompleted,
		Reference: reference,
	})
	if err != nil {
		return decimal.Zero, err
	}
	if account == types.AccountReal {
		if err := s.store.SetDepositBaseline(ctx, userID, amount); err != nil {
			return res.NewBalance, err
		}
	}
	return res.NewBalance, nil
}

// RealizedProfit is the cumulative settled P&L on an account.
func (s *Service) RealizedProfit(ctx context.Context, userID string, account types.Account) (decimal.Decimal, error) {
	return s.store.RealizedPnL(ctx, userID, account)
}

type BalanceView struct {
	Account types.Account   `json:"account"`
	Balance decimal.Decimal `json:"balance"`
}

func (s *Service) Balances(ctx context.Context, userID string) ([]BalanceView, error) {
	out := make([]BalanceView, 0, 2)
	for _, account := range []types.Account{types.AccountDemo, types.AccountReal} {
		b, err := s.store.Balance(ctx, userID, account)
		if err != nil {
			return nil, err
		}
		out = append(out, BalanceView{Account: account, Balance: b})
	}
	return out, nil
}

func (s *Service) Transactions(ctx context.Context, userID string, account types.Account, limit int) ([]model.Transaction, error) {
	return s.store.Transactions(ctx, userID, account, limit)
}

func ParseAccount(raw string) (types.Account, error) {
	account := types.Account(strings.ToLower(strings.TrimSpace(raw)))
	if account == "" {
		return types.AccountDemo, nil
	}
	if !types.ValidAccount(account) {
		return "", fmt.Errorf("invalid account %q: use demo or real", raw)
	}
	return account, nil
}
