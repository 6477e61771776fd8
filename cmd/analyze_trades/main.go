package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"martingale-futures-bot/config"
	"martingale-futures-bot/internal/database"
	"martingale-futures-bot/internal/logging"
	"martingale-futures-bot/internal/performance"
	"martingale-futures-bot/internal/session"
	"martingale-futures-bot/internal/trading"
)

type reasonStats struct {
	Reason trading.ExitReason
	Trades int
	Wins   int
	NetPnL decimal.Decimal
	Fees   decimal.Decimal
}

func main() {
	configPath := flag.String("config", "", "path to the JSON config file")
	source := flag.String("source", "file", "trade source: file (session state) or db (postgres archive)")
	limit := flag.Int("limit", 0, "only analyze the latest N trades (0 = all)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg.Logging.Component = "analyze_trades"
	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx := context.Background()
	var trades []trading.TradeRecord
	initial := cfg.InitialCapital

	switch *source {
	case "file":
		store, err := session.NewFileStore(cfg.Session.Dir)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to open session store")
		}
		state, err := store.Load(ctx)
		if errors.Is(err, session.ErrNoState) {
			fmt.Println("No saved session state in", cfg.Session.Dir)
			return
		}
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to load session state")
		}
		trades = state.Trades
		initial = state.Account.InitialCapital
	case "db":
		db, err := database.NewDB(ctx, cfg.Database.Config, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		trades, err = database.NewTradeRepository(db).List(ctx, cfg.Trading.Symbol, *limit)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to list trades")
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown source %q\n", *source)
		os.Exit(2)
	}

	if *limit > 0 && len(trades) > *limit {
		trades = trades[len(trades)-*limit:]
	}
	if len(trades) == 0 {
		fmt.Println("No trades found")
		return
	}
	if trades[0].CapitalBefore.IsPositive() {
		initial = trades[0].CapitalBefore
	}
	printReport(os.Stdout, cfg.Trading.Symbol, initial, trades)
}

func printReport(w io.Writer, symbol string, initial decimal.Decimal, trades []trading.TradeRecord) {
	tracker := performance.NewTracker(initial)
	tracker.Replay(initial, trades)
	s := tracker.Snapshot()

	rule := strings.Repeat("=", 80)
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "TRADE HISTORY ANALYSIS: %s\n", symbol)
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Trades:          %d (%d wins / %d losses)\n", s.TotalTrades, s.Wins, s.Losses)
	fmt.Fprintf(w, "Win Rate:        %s%%\n", s.WinRate.StringFixed(2))
	fmt.Fprintf(w, "Capital:         %s -> %s\n", s.InitialCapital.StringFixed(4), s.Equity.StringFixed(4))
	fmt.Fprintf(w, "Gross PnL:       %s\n", s.TotalPnL.StringFixed(6))
	fmt.Fprintf(w, "Fees:            %s\n", s.TotalFees.StringFixed(6))
	fmt.Fprintf(w, "Net PnL:         %s\n", s.NetPnL.StringFixed(6))
	fmt.Fprintf(w, "Profit Factor:   %s\n", s.ProfitFactor.StringFixed(4))
	fmt.Fprintf(w, "Max Drawdown:    %s (%s%%)\n", s.MaxDrawdown.StringFixed(6), s.MaxDrawdownPct.StringFixed(2))
	fmt.Fprintf(w, "Largest Win:     %s\n", s.LargestWin.StringFixed(6))
	fmt.Fprintf(w, "Largest Loss:    %s\n", s.LargestLoss.StringFixed(6))
	fmt.Fprintf(w, "Max Streaks:     %d wins / %d losses\n", s.MaxWinStreak, s.MaxLossStreak)
	fmt.Fprintf(w, "Sharpe/Sortino:  %.3f / %.3f\n", s.SharpeRatio, s.SortinoRatio)

	fmt.Fprintln(w, "\nBY SIDE")
	fmt.Fprintf(w, "  LONG   %4d trades  win %6s%%  net %s\n", s.Long.Trades, s.Long.WinRate.StringFixed(1), s.Long.NetPnL.StringFixed(6))
	fmt.Fprintf(w, "  SHORT  %4d trades  win %6s%%  net %s\n", s.Short.Trades, s.Short.WinRate.StringFixed(1), s.Short.NetPnL.StringFixed(6))

	fmt.Fprintln(w, "\nBY EXIT REASON")
	for _, r := range byReason(trades) {
		fmt.Fprintf(w, "  %-18s %4d trades  %4d wins  net %s  fees %s\n",
			r.Reason, r.Trades, r.Wins, r.NetPnL.StringFixed(6), r.Fees.StringFixed(6))
	}
}

func byReason(trades []trading.TradeRecord) []*reasonStats {
	stats := make(map[trading.ExitReason]*reasonStats)
	for _, t := range trades {
		r, ok := stats[t.ExitReason]
		if !ok {
			r = &reasonStats{Reason: t.ExitReason}
			stats[t.ExitReason] = r
		}
		r.Trades++
		if t.IsWin() {
			r.Wins++
		}
		r.NetPnL = r.NetPnL.Add(t.NetPnl)
		r.Fees = r.Fees.Add(t.Fees)
	}

	out := make([]*reasonStats, 0, len(stats))
	for _, r := range stats {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Trades != out[j].Trades {
			return out[i].Trades > out[j].Trades
		}
		return out[i].Reason < out[j].Reason
	})
	return out
}
