// Package performance aggregates closed trades into session statistics.
package performance

import (
	"math"
	"sync"

	"github.com/shopspring/decimal"

	"martingale-futures-bot/internal/numeric"
	"martingale-futures-bot/internal/risk"
	"martingale-futures-bot/internal/trading"
)

// SideStats breaks results down by position side.
type SideStats struct {
	Trades  int             `json:"trades"`
	Wins    int             `json:"wins"`
	WinRate decimal.Decimal `json:"win_rate"`
	NetPnL  decimal.Decimal `json:"net_pnl"`
}

// Snapshot is a point-in-time view of the tracked statistics.
type Snapshot struct {
	InitialCapital    decimal.Decimal `json:"initial_capital"`
	Equity            decimal.Decimal `json:"equity"`
	TotalTrades       int             `json:"total_trades"`
	Wins              int             `json:"wins"`
	Losses            int             `json:"losses"`
	WinRate           decimal.Decimal `json:"win_rate"` // percent
	AverageWin        decimal.Decimal `json:"average_win"`
	AverageLoss       decimal.Decimal `json:"average_loss"` // non-positive
	TotalPnL          decimal.Decimal `json:"total_pnl"`    // gross, before fees
	TotalFees         decimal.Decimal `json:"total_fees"`
	NetPnL            decimal.Decimal `json:"net_pnl"`
	LargestWin        decimal.Decimal `json:"largest_win"`
	LargestLoss       decimal.Decimal `json:"largest_loss"`
	MaxDrawdown       decimal.Decimal `json:"max_drawdown"`
	MaxDrawdownPct    decimal.Decimal `json:"max_drawdown_pct"`
	CurrentWinStreak  int             `json:"current_win_streak"`
	CurrentLossStreak int             `json:"current_loss_streak"`
	MaxWinStreak      int             `json:"max_win_streak"`
	MaxLossStreak     int             `json:"max_loss_streak"`
	ProfitFactor      decimal.Decimal `json:"profit_factor"`
	SharpeRatio       float64         `json:"sharpe_ratio"`
	SortinoRatio      float64         `json:"sortino_ratio"`
	Long              SideStats       `json:"long"`
	Short             SideStats       `json:"short"`
}

// Tracker accumulates trade records. It is safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	initial decimal.Decimal
	equity  decimal.Decimal
	peak    decimal.Decimal
	trades  []trading.TradeRecord
	returns []float64

	wins, losses        int
	totalWin, totalLoss decimal.Decimal
	totalPnL, totalFees decimal.Decimal
	largestWin          decimal.Decimal
	largestLoss         decimal.Decimal
	maxDD, maxDDPct     decimal.Decimal
	curWin, curLoss     int
	maxWin, maxLoss     int
	long, short         SideStats
}

// NewTracker starts a tracker whose drawdown is measured from initial.
func NewTracker(initial decimal.Decimal) *Tracker {
	t := &Tracker{}
	t.reset(initial)
	return t
}

// reset clears every statistic but leaves the mutex alone.
func (t *Tracker) reset(initial decimal.Decimal) {
	t.initial, t.equity, t.peak = initial, initial, initial
	t.trades, t.returns = nil, nil
	t.wins, t.losses = 0, 0
	t.totalWin, t.totalLoss = decimal.Zero, decimal.Zero
	t.totalPnL, t.totalFees = decimal.Zero, decimal.Zero
	t.largestWin, t.largestLoss = decimal.Zero, decimal.Zero
	t.maxDD, t.maxDDPct = decimal.Zero, decimal.Zero
	t.curWin, t.curLoss, t.maxWin, t.maxLoss = 0, 0, 0, 0
	t.long, t.short = SideStats{}, SideStats{}
}

// Record adds a closed trade.
func (t *Tracker) Record(rec trading.TradeRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recordLocked(rec)
}

func (t *Tracker) recordLocked(rec trading.TradeRecord) {
	net := rec.NetPnl
	t.trades = append(t.trades, rec)
	t.totalPnL = t.totalPnL.Add(rec.RealizedPnl)
	t.totalFees = t.totalFees.Add(rec.Fees)

	if net.IsPositive() {
		t.wins++
		t.totalWin = t.totalWin.Add(net)
		t.largestWin = numeric.Max(t.largestWin, net)
		t.curWin++
		t.curLoss = 0
		if t.curWin > t.maxWin {
			t.maxWin = t.curWin
		}
	} else {
		t.losses++
		t.totalLoss = t.totalLoss.Add(net)
		t.largestLoss = numeric.Min(t.largestLoss, net)
		t.curLoss++
		t.curWin = 0
		if t.curLoss > t.maxLoss {
			t.maxLoss = t.curLoss
		}
	}

	side := &t.long
	if rec.Side == risk.SideShort {
		side = &t.short
	}
	side.Trades++
	side.NetPnL = side.NetPnL.Add(net)
	if net.IsPositive() {
		side.Wins++
	}

	t.equity = t.equity.Add(net)
	if t.equity.GreaterThan(t.peak) {
		t.peak = t.equity
	}
	dd := t.peak.Sub(t.equity)
	if dd.GreaterThan(t.maxDD) {
		t.maxDD = dd
	}
	if ddPct := numeric.Pct(dd, t.peak); ddPct.GreaterThan(t.maxDDPct) {
		t.maxDDPct = ddPct
	}

	t.returns = append(t.returns, numeric.ToFloat(rec.Return()))
}

// Replay discards the current state and rebuilds it from trades.
func (t *Tracker) Replay(initial decimal.Decimal, trades []trading.TradeRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset(initial)
	for _, rec := range trades {
		t.recordLocked(rec)
	}
}

// Trades returns a copy of the recorded trades, oldest first.
func (t *Tracker) Trades() []trading.TradeRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]trading.TradeRecord(nil), t.trades...)
}

// Snapshot computes the current statistics.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	total := len(t.trades)
	s := Snapshot{
		InitialCapital:    t.initial,
		Equity:            t.equity,
		TotalTrades:       total,
		Wins:              t.wins,
		Losses:            t.losses,
		WinRate:           winRate(t.wins, total),
		TotalPnL:          t.totalPnL,
		TotalFees:         t.totalFees,
		NetPnL:            t.totalWin.Add(t.totalLoss),
		LargestWin:        t.largestWin,
		LargestLoss:       t.largestLoss,
		MaxDrawdown:       t.maxDD,
		MaxDrawdownPct:    t.maxDDPct,
		CurrentWinStreak:  t.curWin,
		CurrentLossStreak: t.curLoss,
		MaxWinStreak:      t.maxWin,
		MaxLossStreak:     t.maxLoss,
		Long:              t.long,
		Short:             t.short,
	}
	if t.wins > 0 {
		s.AverageWin = t.totalWin.Div(decimal.NewFromInt(int64(t.wins)))
	}
	if t.losses > 0 {
		s.AverageLoss = t.totalLoss.Div(decimal.NewFromInt(int64(t.losses)))
	}
	if t.totalLoss.IsNegative() {
		s.ProfitFactor = t.totalWin.Div(t.totalLoss.Abs())
	}
	s.Long.WinRate = winRate(t.long.Wins, t.long.Trades)
	s.Short.WinRate = winRate(t.short.Wins, t.short.Trades)
	s.SharpeRatio, s.SortinoRatio = ratios(t.returns)
	return s
}

func winRate(wins, total int) decimal.Decimal {
	if total == 0 {
		return decimal.Zero
	}
	return numeric.Pct(decimal.NewFromInt(int64(wins)), decimal.NewFromInt(int64(total)))
}

// ratios returns per-trade Sharpe and Sortino ratios with a zero risk-free rate.
func ratios(returns []float64) (float64, float64) {
	n := float64(len(returns))
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / n

	var variance, downside float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
		if r < 0 {
			downside += r * r
		}
	}
	var sharpe, sortino float64
	if std := math.Sqrt(variance / n); std > 0 {
		sharpe = mean / std
	}
	if dd := math.Sqrt(downside / n); dd > 0 {
		sortino = mean / dd
	}
	return sharpe, sortino
}
