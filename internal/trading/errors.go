package trading

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ValidationError rejects a malformed open request before any state is
// touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// MinimumBalanceError fires when a real account does not carry the
// minimum balance required to trade.
type MinimumBalanceError struct {
	Balance decimal.Decimal
	Minimum decimal.Decimal
}

func (e *MinimumBalanceError) Error() string {
	return fmt.Sprintf("minimum $%s required, balance is $%s", e.Minimum.StringFixed(2), e.Balance.StringFixed(2))
}

// MinimumNotionalError fires when volume x entry price is below the
// minimum trade size for a real account.
type MinimumNotionalError struct {
	Notional decimal.Decimal
	Minimum  decimal.Decimal
}

func (e *MinimumNotionalError) Error() string {
	return fmt.Sprintf("minimum trade size is $%s, requested notional is $%s", e.Minimum.StringFixed(2), e.Notional.StringFixed(2))
}
