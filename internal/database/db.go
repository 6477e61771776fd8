package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database configuration. DSN, when set, wins over the fields.
type Config struct {
	DSN      string `json:"dsn" env:"DSN"`
	Host     string `json:"host" env:"HOST"`
	Port     int    `json:"port" env:"PORT"`
	User     string `json:"user" env:"USER"`
	Password string `json:"password" env:"PASSWORD"`
	Database string `json:"database" env:"NAME"`
	SSLMode  string `json:"ssl_mode" env:"SSLMODE"`
	MaxConns int32  `json:"max_conns" env:"MAX_CONNS"`
}

// ConnString returns the pgx connection string.
func (c Config) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode,
	)
}

// NewDB creates a new database connection
func NewDB(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 4
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger = logger.With().Str("component", "database").Logger()
	logger.Info().Str("database", poolConfig.ConnConfig.Database).Msg("Connected to PostgreSQL")

	return &DB{Pool: pool, logger: logger}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// migrations are applied in order; each must be idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS trade_records (
		id BIGSERIAL PRIMARY KEY,
		position_id VARCHAR(64) NOT NULL UNIQUE,
		symbol VARCHAR(20) NOT NULL,
		side VARCHAR(5) NOT NULL,
		size DECIMAL(30, 12) NOT NULL,
		entry_price DECIMAL(30, 12) NOT NULL,
		exit_price DECIMAL(30, 12) NOT NULL,
		stop_loss_price DECIMAL(30, 12),
		take_profit_price DECIMAL(30, 12),
		leverage INTEGER NOT NULL,
		margin DECIMAL(30, 12) NOT NULL,
		position_fraction DECIMAL(30, 12) NOT NULL,
		sizing_mode VARCHAR(32) NOT NULL,
		realized_pnl DECIMAL(30, 12) NOT NULL,
		fees DECIMAL(30, 12) NOT NULL,
		net_pnl DECIMAL(30, 12) NOT NULL,
		capital_before DECIMAL(30, 12) NOT NULL,
		capital_after DECIMAL(30, 12) NOT NULL,
		exit_reason VARCHAR(32) NOT NULL,
		recovered BOOLEAN NOT NULL DEFAULT FALSE,
		signal JSONB,
		opened_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trade_records_symbol_closed ON trade_records(symbol, closed_at)`,
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	db.logger.Info().Int("count", len(migrations)).Msg("Database migrations completed")
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
