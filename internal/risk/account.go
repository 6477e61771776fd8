package risk

import (
	"github.com/shopspring/decimal"

	"martingale-futures-bot/internal/numeric"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Sign returns +1 for long and -1 for short.
func (s Side) Sign() decimal.Decimal {
	if s == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Valid reports whether s is LONG or SHORT.
func (s Side) Valid() bool { return s == SideLong || s == SideShort }

// AccountState is the capital ledger. Only the lifecycle manager mutates it,
// on position close; HighWaterMark never decreases and at most one of the
// streak counters is non-zero.
type AccountState struct {
	InitialCapital    decimal.Decimal `json:"initial_capital"`
	Capital           decimal.Decimal `json:"capital"`
	HighWaterMark     decimal.Decimal `json:"high_water_mark"`
	Savings           decimal.Decimal `json:"savings"`
	ConsecutiveWins   int             `json:"consecutive_wins"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	TotalTrades       int             `json:"total_trades"`
}

// NewAccountState starts a ledger at initial capital.
func NewAccountState(initial decimal.Decimal) AccountState {
	return AccountState{
		InitialCapital: initial,
		Capital:        initial,
		HighWaterMark:  initial,
	}
}

// ApplyClose books a closed trade and returns the net result pnl - fees.
// A strictly positive net counts as a win; anything else is a loss.
func (a *AccountState) ApplyClose(pnl, fees decimal.Decimal) decimal.Decimal {
	net := pnl.Sub(fees)
	a.Capital = a.Capital.Add(net)
	a.TotalTrades++
	if a.Capital.GreaterThan(a.HighWaterMark) {
		a.HighWaterMark = a.Capital
	}
	if net.IsPositive() {
		a.ConsecutiveWins++
		a.ConsecutiveLosses = 0
	} else {
		a.ConsecutiveLosses++
		a.ConsecutiveWins = 0
	}
	return net
}

// MoveToSavings sets aside amount from capital. Savings are never returned
// to trading capital automatically. The amount is capped at the capital.
func (a *AccountState) MoveToSavings(amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	amount = numeric.Min(amount, a.Capital)
	a.Capital = a.Capital.Sub(amount)
	a.Savings = a.Savings.Add(amount)
	return amount
}

// Drawdown is the fractional decline of capital from the high-water mark.
func (a AccountState) Drawdown() decimal.Decimal {
	if !a.HighWaterMark.IsPositive() {
		return decimal.Zero
	}
	dd := numeric.DivOr(a.HighWaterMark.Sub(a.Capital), a.HighWaterMark, decimal.Zero)
	if dd.IsNegative() {
		return decimal.Zero
	}
	return dd
}

// Equity is capital plus savings.
func (a AccountState) Equity() decimal.Decimal {
	return a.Capital.Add(a.Savings)
}
