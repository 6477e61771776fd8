package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"martingale-futures-bot/internal/numeric"
	"martingale-futures-bot/internal/risk"
)

// chdir isolates the test from config.json and .env in the package dir.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.False(t, cfg.Binance.LiveMode)
	assert.Equal(t, "DEGOUSDT", cfg.Trading.Symbol)
	assert.Equal(t, risk.ModeMartingale, cfg.Sizer.Mode)
	assert.True(t, decimal.NewFromInt(1).Equal(cfg.InitialCapital))
	assert.True(t, decimal.NewFromInt(1000).Equal(cfg.Limits.TargetCapital))
	assert.Equal(t, 75, cfg.Sizer.BaseLeverage)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := chdir(t)
	path := filepath.Join(dir, "bot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"initial_capital": "5",
		"trading": {"symbol": "BTCUSDT", "intervals": ["1m"]},
		"sizer": {"mode": "antiMartingale"},
		"limits": {"target_capital": "50", "max_trades": 10}
	}`), 0644))

	t.Setenv("MFB_TRADING_SYMBOL", "ETHUSDT")
	t.Setenv("MFB_LIMITS_MAX_TRADES", "25")
	t.Setenv("MFB_RUNNER_POLL_INTERVAL", "500ms")
	t.Setenv("MFB_SIZER_BASE_POSITION_SIZE", "0.2")
	t.Setenv("MFB_API_ALLOW_ORIGINS", "http://a.test,http://b.test")
	t.Setenv("MFB_DB_NAME", "archive")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ETHUSDT", cfg.Trading.Symbol)
	assert.Equal(t, []string{"1m"}, cfg.Trading.Intervals)
	assert.Equal(t, risk.ModeAntiMartingale, cfg.Sizer.Mode)
	assert.True(t, decimal.NewFromInt(5).Equal(cfg.InitialCapital))
	assert.True(t, decimal.NewFromInt(50).Equal(cfg.Limits.TargetCapital))
	assert.Equal(t, 25, cfg.Limits.MaxTrades)
	assert.Equal(t, 500*time.Millisecond, cfg.Runner.PollInterval)
	assert.True(t, decimal.RequireFromString("0.2").Equal(cfg.Sizer.BasePositionSize))
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Server.AllowOrigins)
	assert.Equal(t, "archive", cfg.Database.Database)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5432, cfg.Database.Port)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := chdir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("MFB_TRADING_SYMBOL=SOLUSDT\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("MFB_TRADING_SYMBOL") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "SOLUSDT", cfg.Trading.Symbol)
}

func TestLoad_Errors(t *testing.T) {
	dir := chdir(t)

	_, err := Load(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0644))
	_, err = Load(bad)
	assert.ErrorContains(t, err, "error parsing config file")

	t.Setenv("MFB_RUNNER_POLL_INTERVAL", "soon")
	_, err = Load("")
	assert.ErrorContains(t, err, "error parsing environment")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero capital", func(c *Config) { c.InitialCapital = decimal.Zero }},
		{"target below capital", func(c *Config) { c.Limits.TargetCapital = decimal.RequireFromString("0.5") }},
		{"negative max trades", func(c *Config) { c.Limits.MaxTrades = -1 }},
		{"live without keys", func(c *Config) { c.Binance.LiveMode = true }},
		{"dry run without price", func(c *Config) { c.Binance.SimStartPrice = decimal.Zero }},
		{"no session dir", func(c *Config) { c.Session.Dir = "" }},
		{"bad port", func(c *Config) { c.Server.Enabled = true; c.Server.Port = 70000 }},
		{"no symbol", func(c *Config) { c.Trading.Symbol = "" }},
		{"unknown mode", func(c *Config) { c.Sizer.Mode = "double" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), numeric.ErrInvalidParameter)
		})
	}

	t.Run("live with vault", func(t *testing.T) {
		cfg := Default()
		cfg.Binance.LiveMode = true
		cfg.Vault.Enabled = true
		assert.NoError(t, cfg.Validate())
	})
}

func TestGenerateSampleConfig(t *testing.T) {
	dir := chdir(t)
	path := filepath.Join(dir, "sample.json")
	require.NoError(t, GenerateSampleConfig(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Trading.Symbol, cfg.Trading.Symbol)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "api_key")
}
