package binance

import (
	"context"

	"github.com/shopspring/decimal"
)

// ExchangeClient is the capability set the trading core consumes. Every error
// returned by an implementation is an *ExchangeError.
type ExchangeClient interface {
	// ==================== MARKET DATA ====================

	// GetMarkPrice retrieves the mark price for a symbol
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// GetOrderBook retrieves the top depth levels of the book
	GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error)

	// GetKlines retrieves the latest candles for an interval, oldest first
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)

	// GetSymbolPrecision retrieves tick size, lot size and minimum notional
	GetSymbolPrecision(ctx context.Context, symbol string) (*SymbolPrecision, error)

	// ==================== ACCOUNT ====================

	// GetOpenPositions retrieves positions with a non-zero amount for a symbol
	GetOpenPositions(ctx context.Context, symbol string) ([]PositionRisk, error)

	// GetAccountBalance retrieves the wallet balance of an asset
	GetAccountBalance(ctx context.Context, asset string) (decimal.Decimal, error)

	// SetLeverage sets the leverage for a symbol (1-125x)
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// ==================== TRADING ====================

	// PlaceOrder places a new futures order
	PlaceOrder(ctx context.Context, spec OrderSpec) (*OrderResult, error)

	// CancelOrder cancels an existing futures order
	CancelOrder(ctx context.Context, symbol string, orderID int64) error

	// GetOpenOrders retrieves resting orders for a symbol
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderResult, error)

	// GetTradeHistory retrieves the latest fills for a symbol, oldest first
	GetTradeHistory(ctx context.Context, symbol string, limit int) ([]Trade, error)
}
