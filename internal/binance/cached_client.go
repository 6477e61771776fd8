package binance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type cachedMark struct {
	price decimal.Decimal
	at    time.Time
}

// CachedClient wraps an ExchangeClient with last-good market data.
// While the rate limiter reports a ban no request reaches the inner client:
// market reads are served from cache and everything else fails with a
// KindRateLimited error.
type CachedClient struct {
	inner   ExchangeClient
	limiter *RateLimiter
	logger  zerolog.Logger

	mu        sync.RWMutex
	marks     map[string]cachedMark
	books     map[string]*OrderBook
	klines    map[string][]Kline // "symbol:interval"
	precision map[string]*SymbolPrecision
	positions map[string][]PositionRisk

	// StreamFreshness is how long a pushed mark price is preferred over REST.
	StreamFreshness time.Duration
	now             func() time.Time
}

// NewCachedClient creates a cache-aware wrapper around inner.
func NewCachedClient(inner ExchangeClient, limiter *RateLimiter, logger zerolog.Logger) *CachedClient {
	return &CachedClient{
		inner:           inner,
		limiter:         limiter,
		logger:          logger.With().Str("component", "cached_client").Logger(),
		marks:           make(map[string]cachedMark),
		books:           make(map[string]*OrderBook),
		klines:          make(map[string][]Kline),
		precision:       make(map[string]*SymbolPrecision),
		positions:       make(map[string][]PositionRisk),
		StreamFreshness: 3 * time.Second,
		now:             time.Now,
	}
}

// Inner returns the wrapped client.
func (c *CachedClient) Inner() ExchangeClient { return c.inner }

// UpdateMarkPrice stores a mark price pushed by the websocket stream.
func (c *CachedClient) UpdateMarkPrice(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marks[symbol] = cachedMark{price: price, at: c.now()}
}

func (c *CachedClient) banned() bool {
	return c.limiter != nil && c.limiter.IsBanned()
}

func (c *CachedClient) bannedError(op string) error {
	until := time.Time{}
	if c.limiter != nil {
		until = c.limiter.BanUntil()
	}
	return rateLimitedError(op, "banned until "+until.UTC().Format(time.RFC3339)+", no cached data")
}

// ==================== MARKET DATA (cache-first while banned) ====================

func (c *CachedClient) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	c.mu.RLock()
	mark, ok := c.marks[symbol]
	c.mu.RUnlock()

	if ok && c.now().Sub(mark.at) < c.StreamFreshness {
		return mark.price, nil
	}
	if c.banned() {
		if ok {
			return mark.price, nil
		}
		return decimal.Zero, c.bannedError("/fapi/v1/premiumIndex")
	}

	price, err := c.inner.GetMarkPrice(ctx, symbol)
	if err != nil {
		if ok && IsRateLimited(err) {
			c.logger.Warn().Str("symbol", symbol).Msg("Rate limited, serving cached mark price")
			return mark.price, nil
		}
		return decimal.Zero, err
	}
	c.UpdateMarkPrice(symbol, price)
	return price, nil
}

func (c *CachedClient) GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	c.mu.RLock()
	book, ok := c.books[symbol]
	c.mu.RUnlock()

	if c.banned() {
		if ok {
			return book, nil
		}
		return nil, c.bannedError("/fapi/v1/depth")
	}

	fresh, err := c.inner.GetOrderBook(ctx, symbol, depth)
	if err != nil {
		if ok && IsRateLimited(err) {
			return book, nil
		}
		return nil, err
	}
	c.mu.Lock()
	c.books[symbol] = fresh
	c.mu.Unlock()
	return fresh, nil
}

func (c *CachedClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	key := symbol + ":" + interval
	c.mu.RLock()
	cached, ok := c.klines[key]
	c.mu.RUnlock()

	if c.banned() {
		if ok {
			return cached, nil
		}
		return nil, c.bannedError("/fapi/v1/klines")
	}

	fresh, err := c.inner.GetKlines(ctx, symbol, interval, limit)
	if err != nil {
		if ok && IsRateLimited(err) {
			return cached, nil
		}
		return nil, err
	}
	c.mu.Lock()
	c.klines[key] = fresh
	c.mu.Unlock()
	return fresh, nil
}

// GetSymbolPrecision is cached for the life of the process; filters rarely change.
func (c *CachedClient) GetSymbolPrecision(ctx context.Context, symbol string) (*SymbolPrecision, error) {
	c.mu.RLock()
	p, ok := c.precision[symbol]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}
	if c.banned() {
		return nil, c.bannedError("/fapi/v1/exchangeInfo")
	}

	p, err := c.inner.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.precision[symbol] = p
	c.mu.Unlock()
	return p, nil
}

// ==================== ACCOUNT ====================

func (c *CachedClient) GetOpenPositions(ctx context.Context, symbol string) ([]PositionRisk, error) {
	if c.banned() {
		c.mu.RLock()
		cached, ok := c.positions[symbol]
		c.mu.RUnlock()
		if ok {
			return cached, nil
		}
		return nil, c.bannedError("/fapi/v2/positionRisk")
	}

	positions, err := c.inner.GetOpenPositions(ctx, symbol)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.positions[symbol] = positions
	c.mu.Unlock()
	return positions, nil
}

func (c *CachedClient) GetAccountBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if c.banned() {
		return decimal.Zero, c.bannedError("/fapi/v2/balance")
	}
	return c.inner.GetAccountBalance(ctx, asset)
}

// ==================== TRADING (never cached) ====================

func (c *CachedClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if c.banned() {
		return c.bannedError("/fapi/v1/leverage")
	}
	return c.inner.SetLeverage(ctx, symbol, leverage)
}

func (c *CachedClient) PlaceOrder(ctx context.Context, spec OrderSpec) (*OrderResult, error) {
	if c.banned() {
		return nil, c.bannedError("/fapi/v1/order")
	}
	c.invalidatePositions(spec.Symbol)
	return c.inner.PlaceOrder(ctx, spec)
}

func (c *CachedClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if c.banned() {
		return c.bannedError("/fapi/v1/order")
	}
	c.invalidatePositions(symbol)
	return c.inner.CancelOrder(ctx, symbol, orderID)
}

func (c *CachedClient) GetOpenOrders(ctx context.Context, symbol string) ([]OrderResult, error) {
	if c.banned() {
		return nil, c.bannedError("/fapi/v1/openOrders")
	}
	return c.inner.GetOpenOrders(ctx, symbol)
}

func (c *CachedClient) GetTradeHistory(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	if c.banned() {
		return nil, c.bannedError("/fapi/v1/userTrades")
	}
	return c.inner.GetTradeHistory(ctx, symbol, limit)
}

func (c *CachedClient) invalidatePositions(symbol string) {
	c.mu.Lock()
	delete(c.positions, symbol)
	c.mu.Unlock()
}
