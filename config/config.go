package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"martingale-futures-bot/internal/api"
	"martingale-futures-bot/internal/backtest"
	"martingale-futures-bot/internal/circuit"
	"martingale-futures-bot/internal/database"
	"martingale-futures-bot/internal/logging"
	"martingale-futures-bot/internal/notification"
	"martingale-futures-bot/internal/numeric"
	"martingale-futures-bot/internal/orders"
	"martingale-futures-bot/internal/performance"
	"martingale-futures-bot/internal/risk"
	"martingale-futures-bot/internal/strategy"
	"martingale-futures-bot/internal/vault"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "MFB_"

// DefaultConfigFile is read when Load is given no path and the file exists.
const DefaultConfigFile = "config.json"

type Config struct {
	InitialCapital decimal.Decimal `json:"initial_capital" env:"INITIAL_CAPITAL"`

	Binance        BinanceConfig                `json:"binance" envPrefix:"BINANCE_"`
	Trading        orders.Config                `json:"trading" envPrefix:"TRADING_"`
	Signal         strategy.Config              `json:"signal" envPrefix:"SIGNAL_"`
	Sizer          risk.SizerConfig             `json:"sizer" envPrefix:"SIZER_"`
	Limits         risk.LimitsConfig            `json:"limits" envPrefix:"LIMITS_"`
	Trailing       risk.TrailingConfig          `json:"trailing" envPrefix:"TRAILING_"`
	CircuitBreaker circuit.CircuitBreakerConfig `json:"circuit_breaker" envPrefix:"CIRCUIT_"`
	Runner         orders.RunnerConfig          `json:"runner" envPrefix:"RUNNER_"`
	Session        SessionConfig                `json:"session" envPrefix:"SESSION_"`
	Redis          RedisConfig                  `json:"redis" envPrefix:"REDIS_"`
	Database       DatabaseConfig               `json:"database" envPrefix:"DB_"`
	Server         api.ServerConfig             `json:"server" envPrefix:"API_"`
	Logging        logging.Config               `json:"logging" envPrefix:"LOG_"`
	Vault          vault.Config                 `json:"vault" envPrefix:"VAULT_"`
	Reporter       ReporterConfig               `json:"reporter" envPrefix:"REPORT_"`
	Notification   notification.Config          `json:"notification" envPrefix:"NOTIFY_"`
	Simulation     backtest.SimulationConfig    `json:"simulation" envPrefix:"SIM_"`
}

// BinanceConfig selects live or simulated trading. Keys are never written to
// the JSON file; they come from the environment or Vault.
type BinanceConfig struct {
	LiveMode   bool          `json:"live_mode" env:"LIVE_MODE"`
	Testnet    bool          `json:"testnet" env:"TESTNET"`
	APIKey     string        `json:"-" env:"API_KEY"`
	SecretKey  string        `json:"-" env:"SECRET_KEY"`
	BaseURL    string        `json:"base_url" env:"BASE_URL"`
	RecvWindow time.Duration `json:"recv_window" env:"RECV_WINDOW"`
	Timeout    time.Duration `json:"timeout" env:"TIMEOUT"`
	UseStream  bool          `json:"use_stream" env:"USE_STREAM"` // mark price websocket
	StreamURL  string        `json:"stream_url" env:"STREAM_URL"`

	// Dry-run exchange.
	SimBalance    decimal.Decimal `json:"sim_balance" env:"SIM_BALANCE"`
	SimFeeRate    decimal.Decimal `json:"sim_fee_rate" env:"SIM_FEE_RATE"`
	SimStartPrice decimal.Decimal `json:"sim_start_price" env:"SIM_START_PRICE"`
	SimVolatility float64         `json:"sim_volatility" env:"SIM_VOLATILITY"`
	SimSeed       int64           `json:"sim_seed" env:"SIM_SEED"`
}

// SessionConfig controls the local state files.
type SessionConfig struct {
	Dir string `json:"dir" env:"DIR"`
}

// RedisConfig holds Redis configuration for the hot session mirror
type RedisConfig struct {
	Enabled  bool          `json:"enabled" env:"ENABLED"`
	Address  string        `json:"address" env:"ADDR"`
	Password string        `json:"-" env:"PASSWORD"`
	DB       int           `json:"db" env:"DB"`
	PoolSize int           `json:"pool_size" env:"POOL_SIZE"`
	TTL      time.Duration `json:"ttl" env:"TTL"`
}

// DatabaseConfig enables the Postgres trade archive.
type DatabaseConfig struct {
	Enabled bool `json:"enabled" env:"ENABLED"`
	database.Config
}

// ReporterConfig schedules the periodic performance log line.
type ReporterConfig struct {
	Enabled  bool   `json:"enabled" env:"ENABLED"`
	Schedule string `json:"schedule" env:"SCHEDULE"`
}

// Default returns a dry-run configuration for DEGOUSDT starting at 1 USDT.
func Default() *Config {
	cfg := &Config{
		InitialCapital: decimal.NewFromInt(1),
		Binance: BinanceConfig{
			RecvWindow:    5 * time.Second,
			Timeout:       10 * time.Second,
			SimBalance:    decimal.NewFromInt(1000),
			SimFeeRate:    decimal.RequireFromString("0.0004"),
			SimStartPrice: decimal.NewFromInt(3),
			SimVolatility: 0.002,
			SimSeed:       1,
		},
		Trading:        orders.DefaultConfig("DEGOUSDT"),
		Signal:         strategy.DefaultConfig(),
		Sizer:          risk.DefaultSizerConfig(),
		Limits:         risk.LimitsConfig{TargetCapital: decimal.NewFromInt(1000), MaxOpenPositions: 1},
		Trailing:       risk.DefaultTrailingConfig(),
		CircuitBreaker: circuit.DefaultCircuitBreakerConfig(),
		Runner:         orders.DefaultRunnerConfig(),
		Session:        SessionConfig{Dir: "data/sessions"},
		Redis:          RedisConfig{Address: "localhost:6379", PoolSize: 10},
		Database: DatabaseConfig{Config: database.Config{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Database: "martingale_bot",
			SSLMode:  "disable",
		}},
		Server:       api.DefaultServerConfig(),
		Logging:      logging.DefaultConfig(),
		Vault:        vault.DefaultConfig(),
		Reporter:     ReporterConfig{Enabled: true, Schedule: performance.DefaultReportSchedule},
		Notification: notification.Config{Timeout: 10 * time.Second},
		Simulation:   backtest.DefaultSimulationConfig(),
	}
	return cfg
}

// Load builds the configuration: defaults, then the JSON file at path, then
// .env, then MFB_ environment variables. An empty path reads config.json
// when it exists. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}
	if err := loadFromFile(path, cfg); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	// A missing .env is normal in production.
	_ = godotenv.Load()

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("error parsing environment: %w", err)
	}
	return nil
}

func loadFromFile(filename string, cfg *Config) error {
	file, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	if err := json.Unmarshal(file, cfg); err != nil {
		return fmt.Errorf("error parsing config file %s: %w", filename, err)
	}
	return nil
}

// Validate checks every section. All errors wrap numeric.ErrInvalidParameter.
func (c *Config) Validate() error {
	var errs []error
	if !c.InitialCapital.IsPositive() {
		errs = append(errs, fmt.Errorf("%w: initial_capital must be positive", numeric.ErrInvalidParameter))
	}
	if c.Limits.TargetCapital.IsPositive() && c.Limits.TargetCapital.LessThanOrEqual(c.InitialCapital) {
		errs = append(errs, fmt.Errorf("%w: target_capital must exceed initial_capital", numeric.ErrInvalidParameter))
	}
	if c.Limits.MaxTrades < 0 {
		errs = append(errs, fmt.Errorf("%w: max_trades must not be negative", numeric.ErrInvalidParameter))
	}
	if c.Binance.LiveMode && !c.Vault.Enabled && (c.Binance.APIKey == "" || c.Binance.SecretKey == "") {
		errs = append(errs, fmt.Errorf("%w: live mode requires %sBINANCE_API_KEY and %sBINANCE_SECRET_KEY or vault",
			numeric.ErrInvalidParameter, EnvPrefix, EnvPrefix))
	}
	if !c.Binance.LiveMode && !c.Binance.SimStartPrice.IsPositive() {
		errs = append(errs, fmt.Errorf("%w: sim_start_price must be positive", numeric.ErrInvalidParameter))
	}
	if c.Session.Dir == "" {
		errs = append(errs, fmt.Errorf("%w: session dir is required", numeric.ErrInvalidParameter))
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Errorf("%w: invalid api port %d", numeric.ErrInvalidParameter, c.Server.Port))
	}
	for _, v := range []interface{ Validate() error }{c.Trading, c.Signal, c.Sizer, c.Simulation} {
		if err := v.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GenerateSampleConfig writes the defaults as indented JSON.
func GenerateSampleConfig(filename string) error {
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
