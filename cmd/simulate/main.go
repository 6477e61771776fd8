package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"martingale-futures-bot/config"
	"martingale-futures-bot/internal/backtest"
	"martingale-futures-bot/internal/binance"
	"martingale-futures-bot/internal/logging"
	"martingale-futures-bot/internal/risk"
	"martingale-futures-bot/internal/strategy"
)

func main() {
	configPath := flag.String("config", "", "path to the JSON config file")
	replay := flag.Bool("replay", false, "replay historical candles instead of the staged coin-flip simulation")
	interval := flag.String("interval", "1m", "candle interval for -replay")
	limit := flag.Int("limit", 1000, "candles to fetch for -replay")
	window := flag.Int("window", 100, "candles scored per decision for -replay")
	seed := flag.Int64("seed", 0, "override the simulation seed")
	winRate := flag.Float64("win-rate", -1, "override the assumed win probability (0-1)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg.Logging.Component = "simulate"
	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sizer, err := risk.NewSizer(cfg.Sizer)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid sizer configuration")
	}

	if *replay {
		engine, err := strategy.NewEngine(cfg.Signal)
		if err != nil {
			logger.Fatal().Err(err).Msg("Invalid signal configuration")
		}
		// Klines and exchange info are public endpoints; no keys needed.
		client := binance.NewFuturesClient(binance.RESTOptions{
			BaseURL: cfg.Binance.BaseURL,
			Testnet: cfg.Binance.Testnet,
			Timeout: cfg.Binance.Timeout,
		}, binance.NewRateLimiter(logger), logger)

		result, err := backtest.NewBacktest(client, engine, sizer, logger).Run(ctx, backtest.Config{
			Symbol:         cfg.Trading.Symbol,
			Interval:       *interval,
			Limit:          *limit,
			Window:         *window,
			InitialCapital: cfg.InitialCapital,
			EntryFeeRate:   cfg.Trading.EntryFeeRate,
			ExitFeeRate:    cfg.Trading.ExitFeeRate,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Replay failed")
		}
		backtest.PrintReplay(os.Stdout, result)
		return
	}

	sim := cfg.Simulation
	if *seed != 0 {
		sim.Seed = *seed
	}
	if *winRate >= 0 {
		sim.WinProbability = *winRate
	}
	engine, err := backtest.NewBacktestEngine(sim, sizer, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid simulation configuration")
	}
	result, err := engine.Run(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("Simulation failed")
	}
	backtest.PrintResults(os.Stdout, result)
}
