package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"martingale-futures-bot/config"
	"martingale-futures-bot/internal/api"
	"martingale-futures-bot/internal/binance"
	"martingale-futures-bot/internal/circuit"
	"martingale-futures-bot/internal/database"
	"martingale-futures-bot/internal/events"
	"martingale-futures-bot/internal/logging"
	"martingale-futures-bot/internal/notification"
	"martingale-futures-bot/internal/orders"
	"martingale-futures-bot/internal/performance"
	"martingale-futures-bot/internal/risk"
	"martingale-futures-bot/internal/session"
	"martingale-futures-bot/internal/strategy"
	"martingale-futures-bot/internal/vault"
)

type healthFunc func(context.Context) error

func (f healthFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func main() {
	configPath := flag.String("config", "", "path to the JSON config file (default: ./config.json if present)")
	sample := flag.String("sample-config", "", "write the default configuration to this path and exit")
	flag.Parse()

	if *sample != "" {
		if err := config.GenerateSampleConfig(*sample); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write sample config: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logging
	cfg.Logging.Component = "main"
	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		if errors.Is(err, orders.ErrStopped) {
			logger.Info().Err(err).Msg("Session finished")
			return
		}
		logger.Error().Err(err).Msg("Bot exited with error")
		closer.Close()
		os.Exit(1)
	}
	logger.Info().Msg("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	var serverOpts []api.Option

	// Vault
	vaultClient, err := vault.NewClient(cfg.Vault, logger)
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	if vaultClient.IsEnabled() {
		serverOpts = append(serverOpts, api.WithHealthCheck("vault", vaultClient))
	}
	if cfg.Binance.LiveMode && cfg.Binance.APIKey == "" && vaultClient.IsEnabled() {
		creds, err := vaultClient.GetCredentials(ctx, cfg.Binance.Testnet)
		if err != nil {
			return fmt.Errorf("load exchange credentials: %w", err)
		}
		cfg.Binance.APIKey, cfg.Binance.SecretKey = creds.APIKey, creds.SecretKey
	}

	// Exchange
	clients, err := binance.NewClient(binance.ClientOptions{
		LiveMode: cfg.Binance.LiveMode,
		REST: binance.RESTOptions{
			APIKey:     cfg.Binance.APIKey,
			SecretKey:  cfg.Binance.SecretKey,
			BaseURL:    cfg.Binance.BaseURL,
			Testnet:    cfg.Binance.Testnet,
			RecvWindow: cfg.Binance.RecvWindow,
			Timeout:    cfg.Binance.Timeout,
		},
		StreamURL: cfg.Binance.StreamURL,
		UseStream: cfg.Binance.UseStream,
		Sim: binance.SimOptions{
			InitialBalance: cfg.Binance.SimBalance,
			FeeRate:        cfg.Binance.SimFeeRate,
			Seed:           cfg.Binance.SimSeed,
		},
		Symbol:     cfg.Trading.Symbol,
		StartPrice: cfg.Binance.SimStartPrice,
		Volatility: cfg.Binance.SimVolatility,
	}, logger)
	if err != nil {
		return fmt.Errorf("exchange: %w", err)
	}

	// Event bus
	bus := events.NewEventBus()
	defer bus.Wait()
	notification.NewManager(cfg.Notification, logger).Subscribe(bus)

	// Session state: local files first, Redis as a mirror.
	fileStore, err := session.NewFileStore(cfg.Session.Dir)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	var store session.Store = fileStore
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer rdb.Close()
		store = session.NewMultiStore(fileStore, logger,
			session.NewRedisStore(rdb, cfg.Trading.Symbol, cfg.Redis.TTL, logger))
		serverOpts = append(serverOpts, api.WithHealthCheck("redis", healthFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})))
	}

	// Trade archive
	var archive orders.TradeArchive
	if cfg.Database.Enabled {
		db, err := database.NewDB(ctx, cfg.Database.Config, logger)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		archive = database.NewTradeRepository(db)
		serverOpts = append(serverOpts, api.WithHealthCheck("database", db))
	}

	signals, err := strategy.NewEngine(cfg.Signal)
	if err != nil {
		return fmt.Errorf("signal engine: %w", err)
	}
	sizer, err := risk.NewSizer(cfg.Sizer)
	if err != nil {
		return fmt.Errorf("sizer: %w", err)
	}
	breaker := circuit.NewCircuitBreaker(cfg.CircuitBreaker, bus, logger)
	tracker := performance.NewTracker(cfg.InitialCapital)

	manager, err := orders.NewManager(cfg.Trading, orders.Deps{
		Exchange: clients.Exchange,
		Signals:  signals,
		Sizer:    sizer,
		Limits:   risk.NewRiskManager(cfg.Limits, logger),
		Trailing: risk.NewTrailingStopManager(cfg.Trailing, logger),
		Breaker:  breaker,
		Store:    store,
		Archive:  archive,
		Tracker:  tracker,
		Bus:      bus,
	}, cfg.InitialCapital, logger)
	if err != nil {
		return fmt.Errorf("order manager: %w", err)
	}

	if clients.Stream != nil {
		go func() {
			if err := clients.Stream.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("Mark price stream stopped")
			}
		}()
	}

	reporter, err := performance.NewReporter(tracker, cfg.Reporter.Schedule, logger)
	if err != nil {
		return err
	}
	if cfg.Reporter.Enabled {
		reporter.Start()
		defer reporter.Stop()
	}

	if cfg.Server.Enabled {
		serverOpts = append(serverOpts, api.WithBreaker(breaker), api.WithEvents(bus))
		server := api.NewServer(cfg.Server, manager, logger, serverOpts...)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error().Err(err).Msg("HTTP server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("Error shutting down HTTP server")
			}
		}()
	}

	logger.Info().
		Str("symbol", cfg.Trading.Symbol).
		Bool("live_mode", cfg.Binance.LiveMode).
		Bool("testnet", cfg.Binance.Testnet).
		Str("mode", string(cfg.Sizer.Mode)).
		Stringer("initial_capital", cfg.InitialCapital).
		Stringer("target_capital", cfg.Limits.TargetCapital).
		Msg("Starting martingale futures bot")

	err = orders.NewRunner(manager, cfg.Runner, bus, logger).Run(ctx)

	bus.Publish(events.Event{
		Type: events.EventBotStopped,
		Data: map[string]interface{}{"symbol": cfg.Trading.Symbol},
	})
	reporter.Report()
	return err
}
