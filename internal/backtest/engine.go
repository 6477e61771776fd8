package backtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"martingale-futures-bot/internal/binance"
	"martingale-futures-bot/internal/numeric"
	"martingale-futures-bot/internal/performance"
	"martingale-futures-bot/internal/risk"
	"martingale-futures-bot/internal/trading"
)

// StopReason explains why a simulation ended.
type StopReason string

const (
	StopTargetReached   StopReason = "target_reached"
	StopCapitalDepleted StopReason = "capital_depleted"
	StopMaxStages       StopReason = "max_stages"
	StopMaxTrades       StopReason = "max_trades"
)

// SimulationConfig drives a staged simulation. Every stage aims to grow its
// starting capital by StageMultiplier; a completed stage banks SavingsRate of
// its profit.
type SimulationConfig struct {
	Symbol          string                  `json:"symbol" env:"SYMBOL"`
	EntryPrice      decimal.Decimal         `json:"entry_price" env:"ENTRY_PRICE"`
	InitialCapital  decimal.Decimal         `json:"initial_capital" env:"INITIAL_CAPITAL"`
	TargetCapital   decimal.Decimal         `json:"target_capital" env:"TARGET_CAPITAL"`
	StageMultiplier decimal.Decimal         `json:"stage_multiplier" env:"STAGE_MULTIPLIER"`
	SavingsRate     decimal.Decimal         `json:"savings_rate" env:"SAVINGS_RATE"`
	WinProbability  float64                 `json:"win_probability" env:"WIN_PROBABILITY"`
	MaxStages       int                     `json:"max_stages" env:"MAX_STAGES"`
	MaxTrades       int                     `json:"max_trades" env:"MAX_TRADES"` // across all stages
	EntryFeeRate    decimal.Decimal         `json:"entry_fee_rate" env:"ENTRY_FEE_RATE"`
	ExitFeeRate     decimal.Decimal         `json:"exit_fee_rate" env:"EXIT_FEE_RATE"`
	Precision       binance.SymbolPrecision `json:"precision"`
	TradeInterval   time.Duration           `json:"trade_interval" env:"TRADE_INTERVAL"`
	Start           time.Time               `json:"start"`
	Seed            int64                   `json:"seed" env:"SEED"`
}

// DefaultSimulationConfig grows 1 USDT toward 1000 in stages of x16.75
// with the production fee schedule.
func DefaultSimulationConfig() SimulationConfig {
	return SimulationConfig{
		Symbol:          "DEGOUSDT",
		EntryPrice:      decimal.NewFromInt(3),
		InitialCapital:  decimal.NewFromInt(1),
		TargetCapital:   decimal.NewFromInt(1000),
		StageMultiplier: decimal.RequireFromString("15.75"),
		SavingsRate:     decimal.RequireFromString("0.2"),
		WinProbability:  0.5,
		MaxStages:       100,
		MaxTrades:       10000,
		EntryFeeRate:    decimal.RequireFromString("0.00018"),
		ExitFeeRate:     decimal.RequireFromString("0.00045"),
		Precision: binance.SymbolPrecision{
			TickSize:    decimal.RequireFromString("0.0001"),
			LotSize:     decimal.RequireFromString("0.1"),
			MinQty:      decimal.RequireFromString("0.1"),
			MinNotional: decimal.NewFromInt(5),
		},
		TradeInterval: time.Minute,
		Seed:          1,
	}
}

// Validate checks the simulation parameters.
func (c SimulationConfig) Validate() error {
	var errs []error
	if !c.EntryPrice.IsPositive() {
		errs = append(errs, errors.New("entry_price must be positive"))
	}
	if !c.InitialCapital.IsPositive() {
		errs = append(errs, errors.New("initial_capital must be positive"))
	}
	if c.TargetCapital.LessThanOrEqual(c.InitialCapital) {
		errs = append(errs, errors.New("target_capital must exceed initial_capital"))
	}
	if !c.StageMultiplier.IsPositive() {
		errs = append(errs, errors.New("stage_multiplier must be positive"))
	}
	if c.SavingsRate.IsNegative() || c.SavingsRate.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, errors.New("savings_rate must be within [0, 1]"))
	}
	if c.WinProbability < 0 || c.WinProbability > 1 {
		errs = append(errs, errors.New("win_probability must be within [0, 1]"))
	}
	if c.MaxStages <= 0 || c.MaxTrades <= 0 {
		errs = append(errs, errors.New("max_stages and max_trades must be positive"))
	}
	if c.EntryFeeRate.IsNegative() || c.ExitFeeRate.IsNegative() {
		errs = append(errs, errors.New("fee rates must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", numeric.ErrInvalidParameter, errors.Join(errs...))
	}
	return nil
}

// StageResult summarizes one stage.
type StageResult struct {
	Number       int             `json:"number"`
	StartCapital decimal.Decimal `json:"start_capital"`
	Target       decimal.Decimal `json:"target"`
	EndCapital   decimal.Decimal `json:"end_capital"`
	Saved        decimal.Decimal `json:"saved"`
	Trades       int             `json:"trades"`
	Wins         int             `json:"wins"`
	Completed    bool            `json:"completed"`
}

// EquityPoint represents capital plus savings after a trade.
type EquityPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Capital   decimal.Decimal `json:"capital"`
	Equity    decimal.Decimal `json:"equity"`
}

// BacktestResult is the outcome of a staged simulation.
type BacktestResult struct {
	Reason      StopReason            `json:"reason"`
	Account     risk.AccountState     `json:"account"`
	Stages      []StageResult         `json:"stages"`
	Trades      []trading.TradeRecord `json:"trades"`
	EquityCurve []EquityPoint         `json:"equity_curve"`
	Performance performance.Snapshot  `json:"performance"`
}

// BacktestEngine replays the live sizing rules against coin-flip outcomes:
// every trade exits at its take profit or its stop loss.
type BacktestEngine struct {
	cfg    SimulationConfig
	sizer  *risk.Sizer
	rng    *rand.Rand
	logger zerolog.Logger
}

// NewBacktestEngine creates a new staged simulation.
func NewBacktestEngine(cfg SimulationConfig, sizer *risk.Sizer, logger zerolog.Logger) (*BacktestEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sizer == nil {
		return nil, fmt.Errorf("%w: sizer is required", numeric.ErrInvalidParameter)
	}
	if cfg.TradeInterval <= 0 {
		cfg.TradeInterval = time.Minute
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return &BacktestEngine{
		cfg:    cfg,
		sizer:  sizer,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		logger: logger.With().Str("component", "backtest").Logger(),
	}, nil
}

// Run executes stages until the target is reached, capital can no longer
// fund a minimum order, or a stage or trade limit is hit.
func (be *BacktestEngine) Run(ctx context.Context) (*BacktestResult, error) {
	cfg := be.cfg
	account := risk.NewAccountState(cfg.InitialCapital)
	tracker := performance.NewTracker(cfg.InitialCapital)
	result := &BacktestResult{}
	clock := cfg.Start
	one := decimal.NewFromInt(1)
	total := 0

	finish := func(reason StopReason) (*BacktestResult, error) {
		result.Reason = reason
		result.Account = account
		result.Trades = tracker.Trades()
		result.Performance = tracker.Snapshot()
		be.logger.Info().
			Str("reason", string(reason)).
			Int("stages", len(result.Stages)).
			Int("trades", len(result.Trades)).
			Stringer("capital", account.Capital).
			Stringer("savings", account.Savings).
			Msg("Simulation finished")
		return result, nil
	}

	for stageNo := 1; ; stageNo++ {
		if account.Equity().GreaterThanOrEqual(cfg.TargetCapital) {
			return finish(StopTargetReached)
		}
		if stageNo > cfg.MaxStages {
			return finish(StopMaxStages)
		}

		stage := StageResult{
			Number:       stageNo,
			StartCapital: account.Capital,
			Target:       numeric.Min(account.Capital.Mul(one.Add(cfg.StageMultiplier)), cfg.TargetCapital.Sub(account.Savings)),
		}

		var stop StopReason
		for account.Capital.LessThan(stage.Target) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if total >= cfg.MaxTrades {
				stop = StopMaxTrades
				break
			}

			rec, err := be.trade(&account, clock)
			if risk.Unsizable(err) {
				stop = StopCapitalDepleted
				break
			}
			if err != nil {
				return nil, fmt.Errorf("stage %d trade %d: %w", stageNo, stage.Trades+1, err)
			}
			clock = clock.Add(cfg.TradeInterval)
			tracker.Record(rec)
			total++
			stage.Trades++
			if rec.IsWin() {
				stage.Wins++
			}
			result.EquityCurve = append(result.EquityCurve, EquityPoint{
				Timestamp: rec.ClosedAt,
				Capital:   account.Capital,
				Equity:    account.Equity(),
			})
			if !account.Capital.IsPositive() {
				stop = StopCapitalDepleted
				break
			}
		}

		if account.Capital.GreaterThanOrEqual(stage.Target) {
			stage.Completed = true
			profit := account.Capital.Sub(stage.StartCapital)
			stage.Saved = account.MoveToSavings(profit.Mul(cfg.SavingsRate))
			be.logger.Debug().
				Int("stage", stageNo).
				Int("trades", stage.Trades).
				Stringer("profit", profit).
				Stringer("saved", stage.Saved).
				Msg("Stage completed")
		}
		stage.EndCapital = account.Capital
		result.Stages = append(result.Stages, stage)

		if stop != "" {
			return finish(stop)
		}
	}
}

// trade sizes one position at the configured entry price and resolves it.
func (be *BacktestEngine) trade(account *risk.AccountState, at time.Time) (trading.TradeRecord, error) {
	cfg := be.cfg
	side := risk.SideLong
	if be.rng.Intn(2) == 1 {
		side = risk.SideShort
	}
	mode := be.sizer.Config().Mode

	size, err := be.sizer.ComputeSize(*account, mode, cfg.EntryPrice, side, cfg.Precision)
	if err != nil {
		return trading.TradeRecord{}, err
	}

	win := be.rng.Float64() < cfg.WinProbability
	exit, reason := size.StopLoss, trading.ExitStopLoss
	if win {
		exit, reason = size.TakeProfit, trading.ExitTakeProfit
	}

	pnl := risk.GrossPnL(side, cfg.EntryPrice, exit, size.Quantity)
	fees := risk.TradeFees(cfg.EntryPrice, exit, size.Quantity, cfg.EntryFeeRate, cfg.ExitFeeRate)

	closedAt := at.Add(cfg.TradeInterval)
	pos := &trading.Position{
		ID:               uuid.New().String(),
		Symbol:           cfg.Symbol,
		Side:             side,
		Size:             size.Quantity,
		EntryPrice:       cfg.EntryPrice,
		StopLossPrice:    size.StopLoss,
		TakeProfitPrice:  size.TakeProfit,
		Leverage:         size.Leverage,
		Margin:           size.Margin,
		PositionFraction: size.PositionFraction,
		SizingMode:       mode,
		Status:           trading.StatusClosed,
		ExitPrice:        exit,
		ExitTime:         &closedAt,
		RealizedPnl:      pnl,
		Fees:             fees,
		OpenedAt:         at,
	}

	before := account.Capital
	account.ApplyClose(pnl, fees)
	return trading.NewTradeRecord(pos, before, account.Capital, reason), nil
}

// PrintResults prints the simulation summary.
func PrintResults(w io.Writer, result *BacktestResult) {
	perf := result.Performance
	fmt.Fprintln(w, "\n=== SIMULATION RESULTS ===")
	fmt.Fprintf(w, "Stop Reason: %s\n", result.Reason)
	fmt.Fprintf(w, "Stages: %d\n", len(result.Stages))
	fmt.Fprintf(w, "Total Trades: %d\n", perf.TotalTrades)
	fmt.Fprintf(w, "Winning Trades: %d (%s%%)\n", perf.Wins, perf.WinRate.StringFixed(1))
	fmt.Fprintf(w, "Losing Trades: %d\n", perf.Losses)
	fmt.Fprintf(w, "Capital: %s\n", result.Account.Capital.StringFixed(4))
	fmt.Fprintf(w, "Savings: %s\n", result.Account.Savings.StringFixed(4))
	fmt.Fprintf(w, "Equity: %s\n", result.Account.Equity().StringFixed(4))
	fmt.Fprintf(w, "Net Profit: %s\n", perf.NetPnL.StringFixed(4))
	fmt.Fprintf(w, "Total Fees: %s\n", perf.TotalFees.StringFixed(4))
	fmt.Fprintf(w, "Profit Factor: %s\n", perf.ProfitFactor.StringFixed(2))
	fmt.Fprintf(w, "Max Drawdown: %s%%\n", perf.MaxDrawdownPct.StringFixed(2))
	fmt.Fprintf(w, "Max Loss Streak: %d\n", perf.MaxLossStreak)
	fmt.Fprintf(w, "Sharpe Ratio: %.2f\n", perf.SharpeRatio)

	fmt.Fprintln(w, "\n=== STAGES ===")
	for _, s := range result.Stages {
		status := "incomplete"
		if s.Completed {
			status = "completed"
		}
		fmt.Fprintf(w, "#%d %s -> %s (target %s, saved %s) %d trades, %d wins, %s\n",
			s.Number, s.StartCapital.StringFixed(4), s.EndCapital.StringFixed(4),
			s.Target.StringFixed(4), s.Saved.StringFixed(4), s.Trades, s.Wins, status)
	}
}
