package strategy

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"martingale-futures-bot/internal/binance"
)

// trendKlines builds n candles whose close moves by step each bar.
func trendKlines(n int, start, step float64) []binance.Kline {
	klines := make([]binance.Kline, n)
	for i := 0; i < n; i++ {
		c := start + float64(i)*step
		klines[i] = binance.Kline{
			OpenTime: int64(i) * 60000,
			Open:     decimal.NewFromFloat(c - step/2),
			High:     decimal.NewFromFloat(c + 0.5),
			Low:      decimal.NewFromFloat(c - 0.5),
			Close:    decimal.NewFromFloat(c),
			Volume:   decimal.NewFromInt(100),
		}
	}
	return klines
}

func lastClose(klines []binance.Kline) decimal.Decimal {
	return klines[len(klines)-1].Close
}

func newTestEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	return e
}

func TestEvaluate_InsufficientData(t *testing.T) {
	e := newTestEngine(t, nil)
	klines := trendKlines(10, 100, 1)

	snap := e.Evaluate("1m", klines, lastClose(klines))
	assert.Equal(t, Neutral, snap.Direction)
	assert.True(t, snap.InsufficientData)
	assert.Empty(t, snap.Metrics)
}

func TestEvaluate_Uptrend(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.RSIUpper = 101 })
	klines := trendKlines(60, 100, 1)

	snap := e.Evaluate("1m", klines, lastClose(klines))
	assert.Equal(t, Long, snap.Direction, "reasons: %v", snap.Reasons)
	assert.False(t, snap.InsufficientData)

	adx, ok := snap.Metric("adx")
	require.True(t, ok)
	assert.Greater(t, adx, 25.0)
}

func TestEvaluate_Downtrend(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.RSILower = -1 })
	klines := trendKlines(60, 200, -1)

	snap := e.Evaluate("5m", klines, lastClose(klines))
	assert.Equal(t, Short, snap.Direction, "reasons: %v", snap.Reasons)
}

func TestEvaluate_RSICancelsOverextendedLong(t *testing.T) {
	e := newTestEngine(t, nil)
	klines := trendKlines(60, 100, 1)

	snap := e.Evaluate("1m", klines, lastClose(klines))
	assert.Equal(t, Neutral, snap.Direction)
	rsi, _ := snap.Metric("rsi")
	assert.Greater(t, rsi, 70.0)
}

func TestEvaluate_ADXGateBlocksChop(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.RequiredVotes = 1 })
	klines := make([]binance.Kline, 60)
	for i := range klines {
		c := 100.0
		if i%2 == 1 {
			c = 101
		}
		klines[i] = binance.Kline{
			Open: decimal.NewFromFloat(c), High: decimal.NewFromFloat(c + 0.5),
			Low: decimal.NewFromFloat(c - 0.5), Close: decimal.NewFromFloat(c), Volume: decimal.NewFromInt(10),
		}
	}

	snap := e.Evaluate("1m", klines, lastClose(klines))
	assert.Equal(t, Neutral, snap.Direction)
}

func TestEvaluate_MetricsInComputationOrder(t *testing.T) {
	e := newTestEngine(t, nil)
	klines := trendKlines(40, 100, 0.5)
	snap := e.Evaluate("1m", klines, lastClose(klines))

	names := make([]string, len(snap.Metrics))
	for i, m := range snap.Metrics {
		names[i] = m.Name
	}
	assert.Equal(t, []string{
		"sma_short", "sma_long", "ema_fast", "ema_mid", "ema_slow", "atr",
		"adx", "plus_di", "minus_di", "rsi",
		"keltner_upper", "keltner_middle", "keltner_lower", "close",
	}, names)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero period", func(c *Config) { c.RSIPeriod = 0 }},
		{"sma order", func(c *Config) { c.SMAShort = 20 }},
		{"ema order", func(c *Config) { c.EMAMid = 2 }},
		{"rsi bounds", func(c *Config) { c.RSILower = 80 }},
		{"votes", func(c *Config) { c.RequiredVotes = 0 }},
		{"too few candles", func(c *Config) { c.MinCandles = 5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Expected validation error")
			}
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name string
		dirs []Direction
		want Direction
	}{
		{"all long", []Direction{Long, Long, Long}, Long},
		{"all short", []Direction{Short, Short}, Short},
		{"one neutral", []Direction{Long, Neutral, Long}, Neutral},
		{"conflict", []Direction{Long, Short}, Neutral},
		{"empty", nil, Neutral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snaps := make([]Snapshot, len(tt.dirs))
			for i, d := range tt.dirs {
				snaps[i] = Snapshot{Direction: d}
			}
			if got := Reconcile(snaps); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestReversal(t *testing.T) {
	snaps := []Snapshot{{Direction: Long}, {Direction: Neutral}, {Direction: Short}}
	assert.True(t, Reversal(Long, snaps))
	assert.True(t, Reversal(Short, snaps))
	assert.False(t, Reversal(Long, []Snapshot{{Direction: Long}, {Direction: Neutral}}))
	assert.False(t, Reversal(Neutral, snaps))
}
