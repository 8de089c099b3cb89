package aml

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"preo-sim/internal/ledger"
	"preo-sim/internal/model"
	"preo-sim/internal/storage"
	"preo-sim/internal/types"
)

const MinWithdrawal = 30

// Real-account payouts unlock once realized profit reaches this share of
// the user's first deposit.
var profitThreshold = decimal.NewFromFloat(0.30)

// ProfitThresholdError denies a real-account withdrawal whose realized
// profit has not reached the required share of the deposit baseline.
type ProfitThresholdError struct {
	Realized decimal.Decimal
	Required decimal.Decimal
}

func (e *ProfitThresholdError) Error() string {
	return fmt.Sprintf("realized profit $%s is below the required $%s (30%% of initial deposit)", e.Realized.StringFixed(2), e.Required.StringFixed(2))
}

// DeniedError covers the remaining withdrawal rejections (minimum amount,
// insufficient balance).
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string { return e.Reason }

// Gate enforces the withdrawal policy in front of the ledger.
type Gate struct {
	store  storage.Store
	ledger *ledger.Service
}

func NewGate(store storage.Store, ledgerSvc *ledger.Service) *Gate {
	return &Gate{store: store, ledger: ledgerSvc}
}

// CanWithdraw checks the policy without moving any money.
func (g *Gate) CanWithdraw(ctx context.Context, user model.User, account types.Account, amount decimal.Decimal) error {
	minAmount := decimal.NewFromInt(MinWithdrawal)
	if amount.LessThan(minAmount) {
		return &DeniedError{Reason: fmt.Sprintf("minimum withdrawal is $%s", minAmount.StringFixed(2))}
	}
	balance, err := g.ledger.GetBalance(ctx, user.ID, account)
	if err != nil {
		return err
	}
	if amount.GreaterThan(balance) {
		return &DeniedError{Reason: fmt.Sprintf("withdrawal of $%s exceeds balance of $%s", amount.StringFixed(2), balance.StringFixed(2))}
	}
	if account == types.AccountReal && user.InitialDeposit.IsPositive() {
		realized, err := g.ledger.RealizedProfit(ctx, user.ID, account)
		if err != nil {
			return err
		}
		required := user.InitialDeposit.Mul(profitThreshold)
		if realized.LessThan(required) {
			return &ProfitThresholdError{Realized: realized, Required: required}
		}
	}
	return nil
}

// Withdraw runs the gate and, if allowed, debits the balance right away.
// Privileged real-account payouts complete immediately; everything else
// stays pending until an admin approves the payout. The debit is applied
// either way so pending requests cannot be double-spent.
func (g *Gate) Withdraw(ctx context.Context, user model.User, account types.Account, amount decimal.Decimal) (model.Transaction, error) {
	amount = amount.Round(2)
	if err := g.CanWithdraw(ctx, user, account, amount); err != nil {
		return model.Transaction{}, err
	}

	status := types.TxnStatusPending
	if account == types.AccountReal && user.Tier == types.TierPrivileged {
		status = types.TxnStatusCompleted
	}

	res, err := g.ledger.ApplyDelta(ctx, user.ID, account, amount.Neg(), model.Transaction{
		Kind:      types.TxnKindWithdrawal,
		Status:    status,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return model.Transaction{}, err
	}
	log.Printf("[aml] withdrawal %s for user %s (%s): $%s, balance now $%s",
		status, user.ID, account, amount.StringFixed(2), res.NewBalance.StringFixed(2))
	return res.Txn, nil
}

// WithdrawForUser loads the user record and runs Withdraw.
func (g *Gate) WithdrawForUser(ctx context.Context, userID string, account types.Account, amount decimal.Decimal) (model.Transaction, error) {
	user, err := g.store.User(ctx, userID)
	if err != nil {
		return model.Transaction{}, err
	}
	return g.Withdraw(ctx, user, account, amount)
}

// PendingWithdrawals lists withdrawal requests awaiting admin review.
func (g *Gate) PendingWithdrawals(ctx context.Context) ([]model.Transaction, error) {
	return g.store.PendingWithdrawals(ctx)
}

// Resolve completes or fails a pending withdrawal. Rejection appends a
// compensating credit so the held amount returns to the account.
func (g *Gate) Resolve(ctx context.Context, txnID string, approve bool) error {
	if approve {
		return g.store.UpdateTransactionStatus(ctx, txnID, types.TxnStatusCompleted)
	}

	pending, err := g.store.PendingWithdrawals(ctx)
	if err != nil {
		return err
	}
	var held *model.Transaction
	for i := range pending {
		if pending[i].ID == txnID {
			held = &pending[i]
			break
		}
	}
	if held == nil {
		return storage.ErrNotFound
	}
	if err := g.store.UpdateTransactionStatus(ctx, txnID, types.TxnStatusFailed); err != nil {
		return err
	}
	refund := model.Transaction{
		Kind:      types.TxnKindDeposit,
		Status:    types.TxnStatusCompleted,
		Reference: txnID,
		Timestamp: time.Now().UTC(),
	}
	_, err = g.ledger.ApplyDelta(ctx, held.UserID, held.Account, held.Amount, refund)
	if err != nil {
		log.Printf("[aml] FATAL: refund for rejected withdrawal %s failed: %v", txnID, err)
	}
	return err
}
