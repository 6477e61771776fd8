package risk

import (
	"github.com/shopspring/decimal"

	"martingale-futures-bot/internal/numeric"
)

// PnLPercentOnMargin returns unrealized PnL as a percentage of the margin
// committed (notional / leverage).
func PnLPercentOnMargin(unrealized, notional decimal.Decimal, leverage int) (decimal.Decimal, error) {
	if leverage <= 0 {
		return decimal.Zero, numeric.ErrInvalidParameter
	}
	margin := notional.Div(decimal.NewFromInt(int64(leverage)))
	pct, err := numeric.Div(unrealized, margin)
	if err != nil {
		return decimal.Zero, err
	}
	return pct.Mul(numeric.Hundred()), nil
}

// GrossPnL is (exit - entry) * size * sign(side).
func GrossPnL(side Side, entry, exit, size decimal.Decimal) decimal.Decimal {
	return exit.Sub(entry).Mul(size).Mul(side.Sign())
}

// TradeFees charges entryRate on the entry notional and exitRate on the exit notional.
func TradeFees(entry, exit, size, entryRate, exitRate decimal.Decimal) decimal.Decimal {
	return entry.Mul(size).Mul(entryRate).Add(exit.Mul(size).Mul(exitRate))
}
