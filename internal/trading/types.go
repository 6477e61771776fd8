// Package trading holds the position and trade records shared by the
// lifecycle manager, the session stores and the performance tracker.
package trading

import (
	"time"

	"github.com/shopspring/decimal"

	"martingale-futures-bot/internal/risk"
	"martingale-futures-bot/internal/strategy"
)

// PositionStatus is the exchange-facing status of a position.
type PositionStatus string

const (
	StatusPending PositionStatus = "PENDING"
	StatusOpen    PositionStatus = "OPEN"
	StatusClosing PositionStatus = "CLOSING"
	StatusClosed  PositionStatus = "CLOSED"
)

// Active reports whether the position still holds or may hold exposure.
func (s PositionStatus) Active() bool {
	return s == StatusPending || s == StatusOpen || s == StatusClosing
}

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitTakeProfit   ExitReason = "take_profit"
	ExitStopLoss     ExitReason = "stop_loss"
	ExitTargetPnL    ExitReason = "target_pnl"
	ExitStopPnL      ExitReason = "stop_pnl"
	ExitReversal     ExitReason = "reversal"
	ExitTrailingStop ExitReason = "trailing_stop"
	ExitExternal     ExitReason = "external"
	ExitOpenFailed   ExitReason = "open_failed" // entry flattened after a failed protective leg
)

// SignalContext is the decision that opened a position.
type SignalContext struct {
	Direction strategy.Direction  `json:"direction"`
	Snapshots []strategy.Snapshot `json:"snapshots,omitempty"`
}

// Position is a single futures position managed by the bot.
type Position struct {
	ID                string          `json:"id"`
	Symbol            string          `json:"symbol"`
	Side              risk.Side       `json:"side"`
	Size              decimal.Decimal `json:"size"`
	EntryPrice        decimal.Decimal `json:"entry_price"`
	StopLossPrice     decimal.Decimal `json:"stop_loss_price"`
	TakeProfitPrice   decimal.Decimal `json:"take_profit_price"`
	Leverage          int             `json:"leverage"`
	Margin            decimal.Decimal `json:"margin"`
	PositionFraction  decimal.Decimal `json:"position_fraction"`
	SizingMode        risk.Mode       `json:"sizing_mode"`
	Status            PositionStatus  `json:"status"`
	ExitPrice         decimal.Decimal `json:"exit_price"`
	ExitTime          *time.Time      `json:"exit_time,omitempty"`
	RealizedPnl       decimal.Decimal `json:"realized_pnl"`
	Fees              decimal.Decimal `json:"fees"`
	EntryOrderID      int64           `json:"entry_order_id"`
	TakeProfitOrderID int64           `json:"take_profit_order_id"`
	StopLossOrderID   int64           `json:"stop_loss_order_id"`
	OpenedAt          time.Time       `json:"opened_at"`
	Recovered         bool            `json:"recovered,omitempty"`
	Signal            SignalContext   `json:"signal"`
}

// Notional is size times entry price.
func (p *Position) Notional() decimal.Decimal {
	return p.Size.Mul(p.EntryPrice)
}

// Clone returns a deep copy.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	cp := *p
	if p.ExitTime != nil {
		t := *p.ExitTime
		cp.ExitTime = &t
	}
	cp.Signal.Snapshots = append([]strategy.Snapshot(nil), p.Signal.Snapshots...)
	return &cp
}

// TradeRecord is the immutable record of a closed position.
type TradeRecord struct {
	PositionID       string          `json:"position_id"`
	Symbol           string          `json:"symbol"`
	Side             risk.Side       `json:"side"`
	Size             decimal.Decimal `json:"size"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	ExitPrice        decimal.Decimal `json:"exit_price"`
	StopLossPrice    decimal.Decimal `json:"stop_loss_price"`
	TakeProfitPrice  decimal.Decimal `json:"take_profit_price"`
	Leverage         int             `json:"leverage"`
	Margin           decimal.Decimal `json:"margin"`
	PositionFraction decimal.Decimal `json:"position_fraction"`
	SizingMode       risk.Mode       `json:"sizing_mode"`
	RealizedPnl      decimal.Decimal `json:"realized_pnl"`
	Fees             decimal.Decimal `json:"fees"`
	NetPnl           decimal.Decimal `json:"net_pnl"`
	CapitalBefore    decimal.Decimal `json:"capital_before"`
	CapitalAfter     decimal.Decimal `json:"capital_after"`
	ExitReason       ExitReason      `json:"exit_reason"`
	OpenedAt         time.Time       `json:"opened_at"`
	ClosedAt         time.Time       `json:"closed_at"`
	Recovered        bool            `json:"recovered,omitempty"`
	Signal           SignalContext   `json:"signal"`
}

// NewTradeRecord snapshots a closed position.
func NewTradeRecord(p *Position, capitalBefore, capitalAfter decimal.Decimal, reason ExitReason) TradeRecord {
	closedAt := time.Now().UTC()
	if p.ExitTime != nil {
		closedAt = *p.ExitTime
	}
	return TradeRecord{
		PositionID:       p.ID,
		Symbol:           p.Symbol,
		Side:             p.Side,
		Size:             p.Size,
		EntryPrice:       p.EntryPrice,
		ExitPrice:        p.ExitPrice,
		StopLossPrice:    p.StopLossPrice,
		TakeProfitPrice:  p.TakeProfitPrice,
		Leverage:         p.Leverage,
		Margin:           p.Margin,
		PositionFraction: p.PositionFraction,
		SizingMode:       p.SizingMode,
		RealizedPnl:      p.RealizedPnl,
		Fees:             p.Fees,
		NetPnl:           p.RealizedPnl.Sub(p.Fees),
		CapitalBefore:    capitalBefore,
		CapitalAfter:     capitalAfter,
		ExitReason:       reason,
		OpenedAt:         p.OpenedAt,
		ClosedAt:         closedAt,
		Recovered:        p.Recovered,
		Signal:           SignalContext{Direction: p.Signal.Direction, Snapshots: append([]strategy.Snapshot(nil), p.Signal.Snapshots...)},
	}
}

// IsWin reports whether the trade made money after fees.
func (t TradeRecord) IsWin() bool { return t.NetPnl.IsPositive() }

// Return is the net result relative to capital before the trade.
func (t TradeRecord) Return() decimal.Decimal {
	if t.CapitalBefore.IsZero() {
		return decimal.Zero
	}
	return t.NetPnl.Div(t.CapitalBefore)
}
