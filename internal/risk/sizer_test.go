package risk

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"martingale-futures-bot/internal/binance"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testPrecision() binance.SymbolPrecision {
	return binance.SymbolPrecision{
		Symbol:      "TESTUSDT",
		TickSize:    d("0.01"),
		LotSize:     d("0.0001"),
		MinQty:      d("0.0001"),
		MinNotional: d("5"),
	}
}

func newTestSizer(t *testing.T, mutate func(*SizerConfig)) *Sizer {
	t.Helper()
	cfg := DefaultSizerConfig()
	cfg.MaxPositionSize = d("0.60")
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewSizer(cfg)
	require.NoError(t, err)
	return s
}

func TestComputeSize_MartingaleDoublesAfterLosses(t *testing.T) {
	s := newTestSizer(t, nil)
	account := NewAccountState(d("1.00"))

	expected := []string{"0.30", "0.60", "0.60"}
	for i, want := range expected {
		res, err := s.ComputeSize(account, ModeMartingale, d("1"), SideLong, testPrecision())
		require.NoError(t, err)
		if !res.PositionFraction.Equal(d(want)) {
			t.Errorf("trade %d: Expected fraction %s, got %s", i, want, res.PositionFraction)
		}
		assert.Equal(t, 75, res.Leverage)
		assert.True(t, res.Margin.LessThanOrEqual(account.Capital))
		assert.True(t, res.PositionFraction.LessThanOrEqual(s.Config().MaxPositionSize))
		account.ApplyClose(d("-0.001"), decimal.Zero)
	}
}

func TestComputeSize_MartingaleDerivedValues(t *testing.T) {
	s := newTestSizer(t, nil)
	res, err := s.ComputeSize(NewAccountState(d("1")), ModeMartingale, d("100"), SideLong, testPrecision())
	require.NoError(t, err)

	assert.True(t, res.Quantity.Equal(d("0.225")), "quantity %s", res.Quantity)
	assert.True(t, res.Notional.Equal(d("22.5")), "notional %s", res.Notional)
	assert.True(t, res.Margin.Equal(d("0.3")), "margin %s", res.Margin)
	assert.True(t, res.TakeProfit.Equal(d("101.33")), "tp %s", res.TakeProfit)
	assert.True(t, res.StopLoss.Equal(d("98.67")), "sl %s", res.StopLoss)
	assert.False(t, res.FloorApplied)
}

func TestComputeSize_AntiMartingale(t *testing.T) {
	s := newTestSizer(t, func(c *SizerConfig) { c.MaxPositionSize = d("1") })
	account := NewAccountState(d("1"))
	account.ConsecutiveWins = 1

	res, err := s.ComputeSize(account, ModeAntiMartingale, d("100"), SideShort, testPrecision())
	require.NoError(t, err)
	assert.True(t, res.PositionFraction.Equal(d("0.45")), "fraction %s", res.PositionFraction)
	assert.True(t, res.Quantity.Equal(d("0.3375")), "quantity %s", res.Quantity)

	// a loss resets the anti-martingale multiplier
	account.ApplyClose(d("-0.1"), decimal.Zero)
	res, err = s.ComputeSize(account, ModeAntiMartingale, d("100"), SideShort, testPrecision())
	require.NoError(t, err)
	assert.True(t, res.Multiplier.Equal(d("1")), "multiplier %s", res.Multiplier)
}

func TestMultiplier_CustomMartingaleLeverage(t *testing.T) {
	s := newTestSizer(t, nil)

	tests := []struct {
		name     string
		losses   int
		wantMult string
		wantLev  int
	}{
		{"no losses", 0, "1", 75},
		{"one loss", 1, "1.5", 80},
		{"three losses", 3, "2.5", 90},
		{"capped", 20, "8", 125},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			account := NewAccountState(d("1"))
			account.ConsecutiveLosses = tt.losses
			mult, lev := s.Multiplier(account, ModeCustomMartingale)
			if !mult.Equal(d(tt.wantMult)) {
				t.Errorf("Expected multiplier %s, got %s", tt.wantMult, mult)
			}
			if lev != tt.wantLev {
				t.Errorf("Expected leverage %d, got %d", tt.wantLev, lev)
			}
		})
	}
}

func TestMultiplier_MartingaleCappedAtMaxMultiplier(t *testing.T) {
	s := newTestSizer(t, nil)
	account := NewAccountState(d("1"))
	account.ConsecutiveLosses = 10
	mult, lev := s.Multiplier(account, ModeMartingale)
	assert.True(t, mult.Equal(d("8")), "multiplier %s", mult)
	assert.Equal(t, 75, lev)
}

func TestComputeSize_DrawdownDampening(t *testing.T) {
	s := newTestSizer(t, func(c *SizerConfig) { c.DrawdownDampening = true })
	account := NewAccountState(d("1"))
	account.Capital = d("0.7")

	res, err := s.ComputeSize(account, ModeMartingale, d("7.5"), SideLong, testPrecision())
	require.NoError(t, err)
	assert.True(t, res.PositionFraction.Equal(d("0.15")), "fraction %s", res.PositionFraction)
	assert.True(t, res.Quantity.Equal(d("1.05")), "quantity %s", res.Quantity)
}

func TestComputeSize_MinNotionalFloor(t *testing.T) {
	s := newTestSizer(t, func(c *SizerConfig) {
		c.BasePositionSize = d("0.01")
		c.MaxPositionSize = d("0.30")
	})
	precision := binance.SymbolPrecision{TickSize: d("0.0001"), LotSize: d("0.1"), MinQty: d("0.1"), MinNotional: d("5")}

	res, err := s.ComputeSize(NewAccountState(d("1")), ModeMartingale, d("3"), SideLong, precision)
	require.NoError(t, err)

	assert.True(t, res.FloorApplied)
	assert.True(t, res.Quantity.Equal(d("1.7")), "quantity %s", res.Quantity)
	assert.True(t, res.Notional.GreaterThanOrEqual(d("5.1")), "notional %s", res.Notional)
	assert.True(t, res.Margin.Equal(d("0.068")), "margin %s", res.Margin)
	assert.True(t, res.PositionFraction.Equal(d("0.068")), "fraction %s", res.PositionFraction)
	// fraction, margin and notional stay consistent with the quantity
	assert.True(t, res.Quantity.Mul(d("3")).Equal(res.Notional))
	assert.True(t, res.Notional.Div(d("75")).Equal(res.Margin))
}

func TestComputeSize_CoarseLot(t *testing.T) {
	tests := []struct {
		name    string
		lot     string
		wantQty string
		wantErr error
	}{
		// target qty 2.8: floor 2 is below min, ceil 4 is above max
		{"no lot multiple fits", "2", "", ErrLotOutOfRange},
		// floor 1.5 is below min, ceil 3 sits exactly on max
		{"ceil lands on max", "1.5", "3", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSizer(t, func(c *SizerConfig) {
				c.BasePositionSize = d("0.28")
				c.MinPositionSize = d("0.25")
				c.MaxPositionSize = d("0.30")
				c.BaseLeverage = 1
				c.MinNotional = decimal.Zero
			})
			precision := binance.SymbolPrecision{TickSize: d("0.01"), LotSize: d(tt.lot)}

			res, err := s.ComputeSize(NewAccountState(d("10")), ModeMartingale, d("1"), SideLong, precision)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				assert.True(t, Unsizable(err))
				return
			}
			require.NoError(t, err)
			assert.True(t, res.Quantity.Equal(d(tt.wantQty)), "quantity %s", res.Quantity)
			assert.True(t, res.PositionFraction.GreaterThanOrEqual(d("0.25")), "fraction %s", res.PositionFraction)
			assert.True(t, res.PositionFraction.LessThanOrEqual(d("0.30")), "fraction %s", res.PositionFraction)
		})
	}
}

func TestComputeSize_BelowMinNotional(t *testing.T) {
	s := newTestSizer(t, func(c *SizerConfig) {
		c.BasePositionSize = d("0.01")
		c.MaxPositionSize = d("0.30")
	})
	precision := binance.SymbolPrecision{TickSize: d("0.0001"), LotSize: d("0.1"), MinQty: d("0.1"), MinNotional: d("5")}

	_, err := s.ComputeSize(NewAccountState(d("0.05")), ModeMartingale, d("3"), SideLong, precision)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBelowMinNotional))
}

func TestComputeSize_InvalidInputs(t *testing.T) {
	s := newTestSizer(t, nil)
	tests := []struct {
		name    string
		account AccountState
		price   string
		side    Side
		mode    Mode
	}{
		{"zero capital", NewAccountState(decimal.Zero), "100", SideLong, ModeMartingale},
		{"zero price", NewAccountState(d("1")), "0", SideLong, ModeMartingale},
		{"bad side", NewAccountState(d("1")), "100", Side("UP"), ModeMartingale},
		{"bad mode", NewAccountState(d("1")), "100", SideLong, Mode("fibonacci")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.ComputeSize(tt.account, tt.mode, d(tt.price), tt.side, testPrecision()); err == nil {
				t.Errorf("Expected error for %s", tt.name)
			}
		})
	}
}

func TestTargets(t *testing.T) {
	s := newTestSizer(t, nil)
	tests := []struct {
		name   string
		side   Side
		entry  string
		lev    int
		tick   string
		wantTP string
		wantSL string
	}{
		{"long 75x", SideLong, "100", 75, "0.01", "101.33", "98.67"},
		{"short 75x", SideShort, "100", 75, "0.01", "98.67", "101.33"},
		{"long 10x", SideLong, "3", 10, "0.0001", "3.3", "2.7"},
		{"short unrounded", SideShort, "50", 100, "0", "49.5", "50.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp, sl, err := s.Targets(d(tt.entry), tt.side, tt.lev, d(tt.tick))
			require.NoError(t, err)
			if !tp.Equal(d(tt.wantTP)) {
				t.Errorf("Expected TP %s, got %s", tt.wantTP, tp)
			}
			if !sl.Equal(d(tt.wantSL)) {
				t.Errorf("Expected SL %s, got %s", tt.wantSL, sl)
			}
		})
	}

	_, _, err := s.Targets(d("100"), SideLong, 0, d("0.01"))
	assert.Error(t, err)
}

func TestSizerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*SizerConfig)
		wantErr bool
	}{
		{"defaults", func(c *SizerConfig) {}, false},
		{"unknown mode", func(c *SizerConfig) { c.Mode = "double" }, true},
		{"max above one", func(c *SizerConfig) { c.MaxPositionSize = d("1.5") }, true},
		{"base outside range", func(c *SizerConfig) { c.BasePositionSize = d("0.5") }, true},
		{"leverage above max", func(c *SizerConfig) { c.BaseLeverage = 200 }, true},
		{"zero win target", func(c *SizerConfig) { c.DesiredWinPnL = decimal.Zero }, true},
		{"dampening factor zero", func(c *SizerConfig) {
			c.DrawdownDampening = true
			c.DrawdownFactor = decimal.Zero
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultSizerConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}
