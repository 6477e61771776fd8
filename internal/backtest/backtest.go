package backtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"martingale-futures-bot/internal/binance"
	"martingale-futures-bot/internal/performance"
	"martingale-futures-bot/internal/risk"
	"martingale-futures-bot/internal/strategy"
	"martingale-futures-bot/internal/trading"
)

// ExitEndOfData closes a position still open on the last candle.
const ExitEndOfData trading.ExitReason = "end_of_data"

// KlineSource supplies historical candles, oldest first.
type KlineSource interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]binance.Kline, error)
}

// Config holds replay configuration
type Config struct {
	Symbol         string                   `json:"symbol"`
	Interval       string                   `json:"interval"`
	Limit          int                      `json:"limit"`  // candles to fetch
	Window         int                      `json:"window"` // candles scored per decision
	InitialCapital decimal.Decimal          `json:"initial_capital"`
	EntryFeeRate   decimal.Decimal          `json:"entry_fee_rate"`
	ExitFeeRate    decimal.Decimal          `json:"exit_fee_rate"`
	Precision      *binance.SymbolPrecision `json:"precision,omitempty"` // nil fetches from the source
}

// ReplayResult is the outcome of a candle replay.
type ReplayResult struct {
	Symbol      string                `json:"symbol"`
	Interval    string                `json:"interval"`
	Candles     int                   `json:"candles"`
	Depleted    bool                  `json:"depleted"`
	Account     risk.AccountState     `json:"account"`
	Trades      []trading.TradeRecord `json:"trades"`
	Performance performance.Snapshot  `json:"performance"`
}

type precisionSource interface {
	GetSymbolPrecision(ctx context.Context, symbol string) (*binance.SymbolPrecision, error)
}

// Backtest replays the live signal engine and sizer over historical candles.
// Entries fill at the close of the deciding candle; TP and SL fill at their
// trigger when a later candle's range reaches them, the stop first when a
// candle spans both.
type Backtest struct {
	source KlineSource
	engine *strategy.Engine
	sizer  *risk.Sizer
	logger zerolog.Logger
}

// NewBacktest creates a new backtest instance
func NewBacktest(source KlineSource, engine *strategy.Engine, sizer *risk.Sizer, logger zerolog.Logger) *Backtest {
	return &Backtest{
		source: source,
		engine: engine,
		sizer:  sizer,
		logger: logger.With().Str("component", "replay").Logger(),
	}
}

// Run executes the replay
func (b *Backtest) Run(ctx context.Context, cfg Config) (*ReplayResult, error) {
	if cfg.Window <= 0 {
		cfg.Window = 100
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 1000
	}
	if !cfg.InitialCapital.IsPositive() {
		return nil, errors.New("initial capital must be positive")
	}

	klines, err := b.source.GetKlines(ctx, cfg.Symbol, cfg.Interval, cfg.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch klines: %w", err)
	}
	if len(klines) <= cfg.Window {
		return nil, fmt.Errorf("insufficient historical data: got %d klines, need more than %d", len(klines), cfg.Window)
	}

	precision, err := b.precision(ctx, cfg)
	if err != nil {
		return nil, err
	}

	account := risk.NewAccountState(cfg.InitialCapital)
	tracker := performance.NewTracker(cfg.InitialCapital)
	result := &ReplayResult{Symbol: cfg.Symbol, Interval: cfg.Interval, Candles: len(klines)}

	var pos *trading.Position
	closeAt := func(exit decimal.Decimal, at time.Time, reason trading.ExitReason) {
		pos.ExitPrice = exit
		pos.ExitTime = &at
		pos.RealizedPnl = risk.GrossPnL(pos.Side, pos.EntryPrice, exit, pos.Size)
		pos.Fees = risk.TradeFees(pos.EntryPrice, exit, pos.Size, cfg.EntryFeeRate, cfg.ExitFeeRate)
		pos.Status = trading.StatusClosed
		before := account.Capital
		account.ApplyClose(pos.RealizedPnl, pos.Fees)
		tracker.Record(trading.NewTradeRecord(pos, before, account.Capital, reason))
		pos = nil
	}

	for i := cfg.Window - 1; i < len(klines); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		candle := klines[i]
		at := time.UnixMilli(candle.OpenTime).UTC()

		if pos != nil && pos.OpenedAt.Before(at) {
			if exit, reason, ok := protectiveExit(pos, candle); ok {
				closeAt(exit, at, reason)
			}
		}

		snap := b.engine.Evaluate(cfg.Interval, klines[i-cfg.Window+1:i+1], candle.Close)

		if pos != nil {
			if strategy.Reversal(strategy.Direction(pos.Side), []strategy.Snapshot{snap}) {
				closeAt(candle.Close, at, trading.ExitReversal)
			}
			continue
		}

		side, ok := sideFor(snap.Direction)
		if !ok {
			continue
		}
		mode := b.sizer.Config().Mode
		size, err := b.sizer.ComputeSize(account, mode, candle.Close, side, precision)
		if risk.Unsizable(err) {
			result.Depleted = true
			break
		}
		if err != nil {
			return nil, fmt.Errorf("size at candle %d: %w", i, err)
		}
		pos = &trading.Position{
			ID:               uuid.New().String(),
			Symbol:           cfg.Symbol,
			Side:             side,
			Size:             size.Quantity,
			EntryPrice:       candle.Close,
			StopLossPrice:    size.StopLoss,
			TakeProfitPrice:  size.TakeProfit,
			Leverage:         size.Leverage,
			Margin:           size.Margin,
			PositionFraction: size.PositionFraction,
			SizingMode:       mode,
			Status:           trading.StatusOpen,
			OpenedAt:         at,
			Signal:           trading.SignalContext{Direction: snap.Direction, Snapshots: []strategy.Snapshot{snap}},
		}
	}

	if pos != nil {
		last := klines[len(klines)-1]
		closeAt(last.Close, time.UnixMilli(last.OpenTime).UTC(), ExitEndOfData)
	}

	result.Account = account
	result.Trades = tracker.Trades()
	result.Performance = tracker.Snapshot()
	b.logger.Info().
		Str("symbol", cfg.Symbol).
		Str("interval", cfg.Interval).
		Int("candles", len(klines)).
		Int("trades", len(result.Trades)).
		Stringer("capital", account.Capital).
		Msg("Replay finished")
	return result, nil
}

func (b *Backtest) precision(ctx context.Context, cfg Config) (binance.SymbolPrecision, error) {
	if cfg.Precision != nil {
		return *cfg.Precision, nil
	}
	ps, ok := b.source.(precisionSource)
	if !ok {
		return binance.SymbolPrecision{}, errors.New("precision is required when the kline source cannot supply it")
	}
	p, err := ps.GetSymbolPrecision(ctx, cfg.Symbol)
	if err != nil {
		return binance.SymbolPrecision{}, fmt.Errorf("symbol precision: %w", err)
	}
	return *p, nil
}

// protectiveExit checks whether the candle range reached the stop or target.
func protectiveExit(pos *trading.Position, c binance.Kline) (decimal.Decimal, trading.ExitReason, bool) {
	if pos.Side == risk.SideLong {
		if c.Low.LessThanOrEqual(pos.StopLossPrice) {
			return pos.StopLossPrice, trading.ExitStopLoss, true
		}
		if c.High.GreaterThanOrEqual(pos.TakeProfitPrice) {
			return pos.TakeProfitPrice, trading.ExitTakeProfit, true
		}
		return decimal.Zero, "", false
	}
	if c.High.GreaterThanOrEqual(pos.StopLossPrice) {
		return pos.StopLossPrice, trading.ExitStopLoss, true
	}
	if c.Low.LessThanOrEqual(pos.TakeProfitPrice) {
		return pos.TakeProfitPrice, trading.ExitTakeProfit, true
	}
	return decimal.Zero, "", false
}

func sideFor(dir strategy.Direction) (risk.Side, bool) {
	switch dir {
	case strategy.Long:
		return risk.SideLong, true
	case strategy.Short:
		return risk.SideShort, true
	}
	return "", false
}

// PrintReplay prints the replay summary.
func PrintReplay(w io.Writer, result *ReplayResult) {
	perf := result.Performance
	fmt.Fprintln(w, "\n=== REPLAY RESULTS ===")
	fmt.Fprintf(w, "Symbol: %s %s (%d candles)\n", result.Symbol, result.Interval, result.Candles)
	fmt.Fprintf(w, "Total Trades: %d\n", perf.TotalTrades)
	fmt.Fprintf(w, "Winning Trades: %d (%s%%)\n", perf.Wins, perf.WinRate.StringFixed(1))
	fmt.Fprintf(w, "Capital: %s\n", result.Account.Capital.StringFixed(4))
	fmt.Fprintf(w, "Net Profit: %s\n", perf.NetPnL.StringFixed(4))
	fmt.Fprintf(w, "Total Fees: %s\n", perf.TotalFees.StringFixed(4))
	fmt.Fprintf(w, "Max Drawdown: %s%%\n", perf.MaxDrawdownPct.StringFixed(2))
	if result.Depleted {
		fmt.Fprintln(w, "Capital depleted: position size fell below the minimum notional")
	}

	fmt.Fprintln(w, "\n=== TRADES ===")
	for i, t := range result.Trades {
		fmt.Fprintf(w, "#%d %s %s -> %s %s net %s\n", i+1, t.Side,
			t.EntryPrice.String(), t.ExitPrice.String(), t.ExitReason, t.NetPnl.StringFixed(6))
	}
}
