package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestRiskManager_DailyDrawdownResets(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	rm := NewRiskManager(LimitsConfig{MaxDailyDrawdown: d("10")}, zerolog.Nop())
	rm.now = func() time.Time { return now }
	rm.dailyPnLReset = now.Truncate(24 * time.Hour)

	account := NewAccountState(d("1"))
	ok, reason := rm.CanOpenPosition(account)
	assert.True(t, ok, reason)

	rm.RegisterPositionOpen()
	rm.RegisterPositionClose(d("-0.2"))
	assert.True(t, rm.GetDailyPnL().Equal(d("-0.2")))

	ok, reason = rm.CanOpenPosition(account)
	assert.False(t, ok)
	assert.Contains(t, reason, "daily drawdown")

	now = now.Add(24 * time.Hour)
	ok, reason = rm.CanOpenPosition(account)
	assert.True(t, ok, reason)
	assert.True(t, rm.GetDailyPnL().IsZero())
}

func TestRiskManager_SinglePosition(t *testing.T) {
	rm := NewRiskManager(LimitsConfig{}, zerolog.Nop())
	account := NewAccountState(d("1"))

	rm.RegisterPositionOpen()
	ok, reason := rm.CanOpenPosition(account)
	assert.False(t, ok)
	assert.Contains(t, reason, "max positions")

	rm.RegisterPositionAbort()
	ok, _ = rm.CanOpenPosition(account)
	assert.True(t, ok)

	metrics := rm.GetRiskMetrics()
	assert.Equal(t, 0, metrics["open_positions"])
	assert.Equal(t, 1, metrics["max_positions"])
}

func TestRiskManager_StopReason(t *testing.T) {
	rm := NewRiskManager(LimitsConfig{TargetCapital: d("2"), MaxTrades: 3}, zerolog.Nop())

	tests := []struct {
		name    string
		account AccountState
		want    error
	}{
		{"running", NewAccountState(d("1")), nil},
		{"target via savings", AccountState{Capital: d("1.5"), Savings: d("0.5")}, ErrTargetReached},
		{"max trades", AccountState{Capital: d("1"), TotalTrades: 3}, ErrMaxTrades},
		{"depleted", AccountState{Capital: d("0")}, ErrCapitalDepleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rm.StopReason(tt.account)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}
