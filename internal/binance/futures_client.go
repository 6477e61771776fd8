package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"martingale-futures-bot/internal/numeric"
)

// Retry configuration for API calls
const (
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
)

const (
	// FuturesBaseURL is the production Binance Futures API URL
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet Binance Futures API URL
	FuturesTestnetURL = "https://testnet.binancefuture.com"
)

// FuturesClient is the signed REST implementation of ExchangeClient.
type FuturesClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	recvWindow time.Duration
	httpClient *http.Client
	limiter    *RateLimiter
	logger     zerolog.Logger
}

// RESTOptions configures a FuturesClient.
type RESTOptions struct {
	APIKey     string
	SecretKey  string
	BaseURL    string // overrides Testnet when set
	Testnet    bool
	RecvWindow time.Duration
	Timeout    time.Duration
}

// NewFuturesClient creates a new REST client sharing the given rate limiter.
func NewFuturesClient(opts RESTOptions, limiter *RateLimiter, logger zerolog.Logger) *FuturesClient {
	baseURL := FuturesBaseURL
	if opts.Testnet {
		baseURL = FuturesTestnetURL
	}
	if opts.BaseURL != "" {
		baseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	if opts.RecvWindow <= 0 {
		opts.RecvWindow = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}

	// Trim any whitespace from keys - critical for signature generation
	return &FuturesClient{
		apiKey:     strings.TrimSpace(opts.APIKey),
		secretKey:  strings.TrimSpace(opts.SecretKey),
		baseURL:    baseURL,
		recvWindow: opts.RecvWindow,
		httpClient: &http.Client{Timeout: opts.Timeout},
		limiter:    limiter,
		logger:     logger.With().Str("component", "FuturesClient").Logger(),
	}
}

// ==================== MARKET DATA ====================

// GetMarkPrice retrieves the mark price for a symbol
func (c *FuturesClient) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var mp rawMarkPrice
	if err := c.call(ctx, http.MethodGet, "/fapi/v1/premiumIndex", map[string]string{"symbol": symbol}, false, &mp); err != nil {
		return decimal.Zero, err
	}
	return mp.MarkPrice, nil
}

// GetOrderBook retrieves the order book depth
func (c *FuturesClient) GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	var raw rawOrderBook
	err := c.call(ctx, http.MethodGet, "/fapi/v1/depth", map[string]string{
		"symbol": symbol,
		"limit":  strconv.Itoa(depth),
	}, false, &raw)
	if err != nil {
		return nil, err
	}

	book := &OrderBook{LastUpdateID: raw.LastUpdateID}
	if book.Bids, err = parseLevels(raw.Bids); err != nil {
		return nil, &ExchangeError{Kind: KindInvalid, Op: "/fapi/v1/depth", Message: err.Error(), cause: err}
	}
	if book.Asks, err = parseLevels(raw.Asks); err != nil {
		return nil, &ExchangeError{Kind: KindInvalid, Op: "/fapi/v1/depth", Message: err.Error(), cause: err}
	}
	return book, nil
}

func parseLevels(raw [][]string) ([]PriceLevel, error) {
	levels := make([]PriceLevel, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			continue
		}
		price, err := numeric.Parse(entry[0])
		if err != nil {
			return nil, err
		}
		qty, err := numeric.Parse(entry[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, PriceLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

// GetKlines retrieves candlestick data for futures
func (c *FuturesClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	var rawKlines [][]interface{}
	err := c.call(ctx, http.MethodGet, "/fapi/v1/klines", map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}, false, &rawKlines)
	if err != nil {
		return nil, err
	}

	klines := make([]Kline, 0, len(rawKlines))
	for _, raw := range rawKlines {
		if len(raw) < 7 {
			continue
		}
		klines = append(klines, Kline{
			OpenTime:  toInt64(raw[0]),
			Open:      toDecimal(raw[1]),
			High:      toDecimal(raw[2]),
			Low:       toDecimal(raw[3]),
			Close:     toDecimal(raw[4]),
			Volume:    toDecimal(raw[5]),
			CloseTime: toInt64(raw[6]),
		})
	}
	return klines, nil
}

func toInt64(v interface{}) int64 {
	if f, ok := v.(float64); ok {
		return int64(f)
	}
	return 0
}

func toDecimal(v interface{}) decimal.Decimal {
	switch val := v.(type) {
	case string:
		d, err := decimal.NewFromString(val)
		if err != nil {
			return decimal.Zero
		}
		return d
	case float64:
		return decimal.NewFromFloat(val)
	default:
		return decimal.Zero
	}
}

// GetSymbolPrecision reads PRICE_FILTER, LOT_SIZE and MIN_NOTIONAL from exchange info
func (c *FuturesClient) GetSymbolPrecision(ctx context.Context, symbol string) (*SymbolPrecision, error) {
	var info exchangeInfo
	if err := c.call(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, false, &info); err != nil {
		return nil, err
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		precision := &SymbolPrecision{Symbol: symbol}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				precision.TickSize, _ = numeric.Parse(f.TickSize)
			case "LOT_SIZE":
				precision.LotSize, _ = numeric.Parse(f.StepSize)
				precision.MinQty, _ = numeric.Parse(f.MinQty)
			case "MIN_NOTIONAL":
				precision.MinNotional, _ = numeric.Parse(f.Notional)
			}
		}
		if !precision.TickSize.IsPositive() || !precision.LotSize.IsPositive() {
			return nil, &ExchangeError{Kind: KindInvalid, Op: "/fapi/v1/exchangeInfo", Message: "symbol " + symbol + " has no tick or lot size"}
		}
		return precision, nil
	}

	return nil, &ExchangeError{Kind: KindNotFound, Op: "/fapi/v1/exchangeInfo", Message: "symbol " + symbol + " not found"}
}

// ==================== ACCOUNT ====================

// GetOpenPositions retrieves positions with a non-zero amount
func (c *FuturesClient) GetOpenPositions(ctx context.Context, symbol string) ([]PositionRisk, error) {
	var positions []PositionRisk
	if err := c.call(ctx, http.MethodGet, "/fapi/v2/positionRisk", map[string]string{"symbol": symbol}, true, &positions); err != nil {
		return nil, err
	}

	open := make([]PositionRisk, 0, len(positions))
	for _, p := range positions {
		if p.IsOpen() {
			open = append(open, p)
		}
	}
	return open, nil
}

// GetAccountBalance fetches the wallet balance of an asset
func (c *FuturesClient) GetAccountBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	var balances []Balance
	if err := c.call(ctx, http.MethodGet, "/fapi/v2/balance", map[string]string{}, true, &balances); err != nil {
		return decimal.Zero, err
	}
	for _, b := range balances {
		if b.Asset == asset {
			return b.Balance, nil
		}
	}
	return decimal.Zero, &ExchangeError{Kind: KindNotFound, Op: "/fapi/v2/balance", Message: "asset " + asset + " not found"}
}

// SetLeverage sets the leverage for a symbol
func (c *FuturesClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return c.call(ctx, http.MethodPost, "/fapi/v1/leverage", map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	}, true, nil)
}

// ==================== TRADING ====================

// PlaceOrder places a new futures order
func (c *FuturesClient) PlaceOrder(ctx context.Context, spec OrderSpec) (*OrderResult, error) {
	params := map[string]string{
		"symbol": spec.Symbol,
		"side":   string(spec.Side),
		"type":   string(spec.Type),
	}

	// closePosition orders must not carry a quantity
	if !spec.ClosePosition {
		params["quantity"] = spec.Quantity.String()
	}
	if spec.Price.IsPositive() {
		params["price"] = spec.Price.String()
	}
	if spec.StopPrice.IsPositive() {
		params["stopPrice"] = spec.StopPrice.String()
	}
	if spec.TimeInForce != "" {
		params["timeInForce"] = string(spec.TimeInForce)
	} else if spec.Type == OrderTypeLimit {
		params["timeInForce"] = string(TimeInForceGTC)
	}
	if spec.ReduceOnly {
		params["reduceOnly"] = "true"
	}
	if spec.ClosePosition {
		params["closePosition"] = "true"
	}
	if spec.WorkingType != "" {
		params["workingType"] = string(spec.WorkingType)
	}
	if spec.ClientOrderID != "" {
		params["newClientOrderId"] = spec.ClientOrderID
	}

	var result OrderResult
	if err := c.call(ctx, http.MethodPost, "/fapi/v1/order", params, true, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelOrder cancels an existing futures order
func (c *FuturesClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	return c.call(ctx, http.MethodDelete, "/fapi/v1/order", map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	}, true, nil)
}

// GetOpenOrders retrieves all open orders for a symbol
func (c *FuturesClient) GetOpenOrders(ctx context.Context, symbol string) ([]OrderResult, error) {
	var orders []OrderResult
	if err := c.call(ctx, http.MethodGet, "/fapi/v1/openOrders", map[string]string{"symbol": symbol}, true, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// GetTradeHistory retrieves trade history for a symbol
func (c *FuturesClient) GetTradeHistory(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	var trades []Trade
	err := c.call(ctx, http.MethodGet, "/fapi/v1/userTrades", map[string]string{
		"symbol": symbol,
		"limit":  strconv.Itoa(limit),
	}, true, &trades)
	if err != nil {
		return nil, err
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].Time < trades[j].Time })
	return trades, nil
}

// ==================== HTTP HELPERS ====================

// buildQueryString builds a deterministic query string from params
func buildQueryString(params map[string]string) string {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return values.Encode()
}

// sign creates a signature for the given query string
func (c *FuturesClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// call performs a request with rate limiting and bounded retry, decoding the
// body into out when it is non-nil. Every failure is an *ExchangeError.
func (c *FuturesClient) call(ctx context.Context, method, endpoint string, params map[string]string, signed bool, out interface{}) error {
	var lastErr *ExchangeError

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.WaitForSlot(ctx, endpoint); err != nil {
			return err
		}

		body, err := c.do(ctx, method, endpoint, params, signed)
		if err == nil {
			c.limiter.RecordRequest(endpoint)
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return &ExchangeError{Kind: KindInvalid, Op: endpoint, Message: "error parsing response: " + err.Error(), cause: err}
			}
			return nil
		}

		lastErr = err
		if err.Kind == KindRateLimited {
			c.limiter.RecordRateLimitError(ParseBanUntilFromError(err.Message))
			return err
		}
		if err.Kind != KindTransient || attempt == maxRetries || ctx.Err() != nil {
			return err
		}

		delay := calculateRetryDelay(attempt)
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("attempt", attempt+1).
			Int("max_attempts", maxRetries+1).
			Dur("retry_in", delay).
			Err(err).
			Msg("Request failed, retrying")

		select {
		case <-ctx.Done():
			return transportError(endpoint, ctx.Err())
		case <-time.After(delay):
		}
	}

	if lastErr == nil {
		return nil
	}
	return lastErr
}

func (c *FuturesClient) do(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, *ExchangeError) {
	query := ""
	if signed {
		if params == nil {
			params = map[string]string{}
		}
		// Refresh timestamp for each attempt and set recvWindow for clock skew tolerance
		params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
		params["recvWindow"] = strconv.FormatInt(c.recvWindow.Milliseconds(), 10)
		query = buildQueryString(params)
		query += "&signature=" + c.sign(query)
	} else if len(params) > 0 {
		query = buildQueryString(params)
	}

	reqURL := c.baseURL + endpoint
	if query != "" {
		reqURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, &ExchangeError{Kind: KindInvalid, Op: endpoint, Message: err.Error(), cause: err}
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(endpoint, err)
	}

	// Update rate limiter from headers
	if usedWeight := resp.Header.Get("X-MBX-USED-WEIGHT-1M"); usedWeight != "" {
		if weight, err := strconv.Atoi(usedWeight); err == nil {
			c.limiter.UpdateFromHeaders(weight)
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, newAPIError(endpoint, resp.StatusCode, body)
	}
	return body, nil
}

// calculateRetryDelay returns delay with exponential backoff and jitter
func calculateRetryDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt)) // 2^attempt
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// Add jitter (±25%)
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay + jitter - (delay / 4)
}

// String implements fmt.Stringer without leaking credentials.
func (c *FuturesClient) String() string {
	return fmt.Sprintf("FuturesClient(%s)", c.baseURL)
}
