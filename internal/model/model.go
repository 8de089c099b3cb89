package model

import (
	"time"

	"github.com/shopspring/decimal"
	"preo-sim/internal/types"
)

type User struct {
	ID             string          `json:"id"`
	Email          string          `json:"email"`
	Tier           types.Tier      `json:"tier"`
	IsAdmin        bool            `json:"is_admin"`
	InitialDeposit decimal.Decimal `json:"initial_deposit"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Position is an open simulated trade awaiting settlement. Once closed the
// outcome fields are filled in and the record never changes again.
type Position struct {
	ID            string               `json:"id"`
	UserID        string               `json:"user_id"`
	Account       types.Account        `json:"account"`
	Pair          string               `json:"pair"`
	Direction     types.Direction      `json:"direction"`
	Volume        decimal.Decimal      `json:"volume"`
	EntryPrice    decimal.Decimal      `json:"entry_price"`
	StopLossPct   decimal.Decimal      `json:"stop_loss_pct"`
	TakeProfitPct decimal.Decimal      `json:"take_profit_pct"`
	HoldDuration  time.Duration        `json:"hold_duration"`
	Bot           bool                 `json:"bot"`
	Status        types.PositionStatus `json:"status"`
	OpenedAt      time.Time            `json:"opened_at"`

	// Outcome, set at settlement.
	ClosedAt   *time.Time       `json:"closed_at,omitempty"`
	PnL        *decimal.Decimal `json:"pnl,omitempty"`
	IsWin      *bool            `json:"is_win,omitempty"`
	ClosePrice *decimal.Decimal `json:"close_price,omitempty"`
}

// Outcome carries the settlement result applied to an open position.
type Outcome struct {
	ClosedAt   time.Time
	PnL        decimal.Decimal
	IsWin      bool
	ClosePrice decimal.Decimal
}

// Transaction is one append-only journal entry. Amount is the absolute
// dollar size; Delta is the signed balance movement the entry carried
// (zero for trade_open markers and failed entries). The account balance
// at any time equals the sum of deltas for that account.
type Transaction struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Account   types.Account   `json:"account"`
	Kind      types.TxnKind   `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	Delta     decimal.Decimal `json:"delta"`
	Status    types.TxnStatus `json:"status"`
	Reference string          `json:"reference,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// TierConfig holds the admin-controlled marketer win rates. Zero values
// mean unset; the resolver applies the 0.9 default and clamps to [0.5, 0.99].
type TierConfig struct {
	MarketerDemoWinRate float64 `json:"marketer_demo_win_rate"`
	MarketerRealWinRate float64 `json:"marketer_real_win_rate"`
}
