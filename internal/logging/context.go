package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// GenerateTraceID returns a short random id for correlating log lines.
func GenerateTraceID() string {
	return uuid.New().String()[:8]
}

// NewContext returns ctx carrying l.
func NewContext(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// FromContext returns the logger stored in ctx, or the default logger.
func FromContext(ctx context.Context) zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return *l
	}
	return Default()
}

// WithTraceContext derives a logger with a fresh trace id from base and
// stores it in the returned context.
func WithTraceContext(ctx context.Context, base zerolog.Logger) (context.Context, zerolog.Logger) {
	l := base.With().Str("trace_id", GenerateTraceID()).Logger()
	return NewContext(ctx, l), l
}

// PositionContext tags l with the fields identifying a position.
func PositionContext(l zerolog.Logger, positionID, symbol, side string) zerolog.Logger {
	return l.With().
		Str("position_id", positionID).
		Str("symbol", symbol).
		Str("side", side).
		Logger()
}

// OrderContext tags l with the fields identifying an order.
func OrderContext(l zerolog.Logger, orderID int64, clientOrderID, orderType string) zerolog.Logger {
	return l.With().
		Int64("order_id", orderID).
		Str("client_order_id", clientOrderID).
		Str("type", orderType).
		Logger()
}

// TradeContext tags l with a fill.
func TradeContext(l zerolog.Logger, symbol, side string, quantity, price decimal.Decimal) zerolog.Logger {
	return l.With().
		Str("symbol", symbol).
		Str("side", side).
		Stringer("quantity", quantity).
		Stringer("price", price).
		Logger()
}
