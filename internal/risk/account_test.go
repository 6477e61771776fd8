package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountState_ApplyCloseLedger(t *testing.T) {
	account := NewAccountState(d("1.00"))

	closes := []struct{ pnl, fees string }{
		{"0.30", "0.01"},
		{"-0.50", "0.01"},
		{"0.05", "0.05"}, // net zero counts as a loss
		{"0.90", "0.02"},
		{"0.10", "0.01"},
	}

	sum := decimal.Zero
	prevHWM := account.HighWaterMark
	for i, c := range closes {
		net := account.ApplyClose(d(c.pnl), d(c.fees))
		sum = sum.Add(d(c.pnl).Sub(d(c.fees)))
		assert.True(t, net.Equal(d(c.pnl).Sub(d(c.fees))), "close %d net %s", i, net)

		if account.HighWaterMark.LessThan(prevHWM) {
			t.Errorf("close %d: high-water mark decreased from %s to %s", i, prevHWM, account.HighWaterMark)
		}
		prevHWM = account.HighWaterMark

		if account.ConsecutiveWins > 0 && account.ConsecutiveLosses > 0 {
			t.Errorf("close %d: both streaks non-zero (%d wins, %d losses)", i, account.ConsecutiveWins, account.ConsecutiveLosses)
		}
	}

	assert.True(t, account.Capital.Equal(d("1.00").Add(sum)), "capital %s", account.Capital)
	assert.True(t, account.Capital.Equal(d("1.75")), "capital %s", account.Capital)
	assert.True(t, account.HighWaterMark.Equal(d("1.75")))
	assert.Equal(t, 5, account.TotalTrades)
	assert.Equal(t, 2, account.ConsecutiveWins)
	assert.Equal(t, 0, account.ConsecutiveLosses)
}

func TestAccountState_StreakAfterLosses(t *testing.T) {
	account := NewAccountState(d("10"))
	account.ApplyClose(d("1"), decimal.Zero)
	account.ApplyClose(d("-1"), decimal.Zero)
	account.ApplyClose(d("-1"), decimal.Zero)

	assert.Equal(t, 0, account.ConsecutiveWins)
	assert.Equal(t, 2, account.ConsecutiveLosses)
	assert.True(t, account.HighWaterMark.Equal(d("11")))
	assert.True(t, account.Drawdown().Equal(d("2").Div(d("11"))), "drawdown %s", account.Drawdown())
}

func TestAccountState_MoveToSavings(t *testing.T) {
	account := NewAccountState(d("2"))

	moved := account.MoveToSavings(d("0.5"))
	require.True(t, moved.Equal(d("0.5")))
	assert.True(t, account.Capital.Equal(d("1.5")))
	assert.True(t, account.Savings.Equal(d("0.5")))
	assert.True(t, account.Equity().Equal(d("2")))

	// capped at the remaining capital
	moved = account.MoveToSavings(d("10"))
	assert.True(t, moved.Equal(d("1.5")))
	assert.True(t, account.Capital.IsZero())

	assert.True(t, account.MoveToSavings(d("-1")).IsZero())
}

func TestAccountState_DrawdownZeroHWM(t *testing.T) {
	var account AccountState
	assert.True(t, account.Drawdown().IsZero())

	account = NewAccountState(d("5"))
	account.Capital = d("6")
	assert.True(t, account.Drawdown().IsZero(), "capital above HWM is not a drawdown")
}
