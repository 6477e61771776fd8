package binance

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// SimOptions configures the simulated exchange.
type SimOptions struct {
	InitialBalance decimal.Decimal
	FeeRate        decimal.Decimal // taker commission per fill, e.g. 0.0004
	Precision      map[string]SymbolPrecision
	Seed           int64
}

// DefaultPrecision is used for symbols without an explicit filter set.
var DefaultPrecision = SymbolPrecision{
	TickSize:    decimal.New(1, -4),
	LotSize:     decimal.New(1, -1),
	MinQty:      decimal.New(1, -1),
	MinNotional: decimal.NewFromInt(5),
}

type simPosition struct {
	amt   decimal.Decimal // signed
	entry decimal.Decimal
}

// SimulatedClient implements ExchangeClient in memory for dry-run mode and tests.
// Market orders fill at the feed price; resting TP/SL orders fill when the
// price crosses their trigger on the next read.
type SimulatedClient struct {
	mu          sync.Mutex
	positions   map[string]*simPosition
	orders      map[int64]*OrderResult
	trades      []Trade
	leverage    map[string]int
	klines      map[string][]Kline
	balance     decimal.Decimal
	feeRate     decimal.Decimal
	precision   map[string]SymbolPrecision
	nextOrderID int64
	nextTradeID int64
	feed        PriceFeed
	rng         *rand.Rand
	now         func() time.Time

	failures map[OrderType]*ExchangeError
}

// NewSimulatedClient creates a new simulated futures exchange.
func NewSimulatedClient(opts SimOptions, feed PriceFeed) *SimulatedClient {
	precision := make(map[string]SymbolPrecision, len(opts.Precision))
	for k, v := range opts.Precision {
		precision[k] = v
	}
	return &SimulatedClient{
		positions:   make(map[string]*simPosition),
		orders:      make(map[int64]*OrderResult),
		trades:      make([]Trade, 0),
		leverage:    make(map[string]int),
		klines:      make(map[string][]Kline),
		balance:     opts.InitialBalance,
		feeRate:     opts.FeeRate,
		precision:   precision,
		nextOrderID: 1000,
		nextTradeID: 1000,
		feed:        feed,
		rng:         rand.New(rand.NewSource(opts.Seed)),
		now:         time.Now,
		failures:    make(map[OrderType]*ExchangeError),
	}
}

// FailNextOrder makes the next order of the given type fail with err.
func (c *SimulatedClient) FailNextOrder(t OrderType, err *ExchangeError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[t] = err
}

// SetKlines overrides the synthetic candles returned for symbol/interval.
func (c *SimulatedClient) SetKlines(symbol, interval string, klines []Kline) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.klines[symbol+":"+interval] = append([]Kline(nil), klines...)
}

// ClosePositionExternally flattens a position at the current price as if the
// user closed it from another terminal. Resting orders are cancelled.
func (c *SimulatedClient) ClosePositionExternally(symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	price, err := c.priceLocked(symbol)
	if err != nil {
		return err
	}
	pos, ok := c.positions[symbol]
	if !ok {
		return nil
	}
	side := SideSell
	if pos.amt.IsNegative() {
		side = SideBuy
	}
	c.fillLocked(symbol, side, pos.amt.Abs(), price, c.allocOrderIDLocked())
	c.cancelRestingLocked(symbol)
	return nil
}

// Balance returns the wallet balance.
func (c *SimulatedClient) Balance() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance
}

// Tick re-evaluates resting orders against the current price.
func (c *SimulatedClient) Tick(symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.priceLocked(symbol)
	return err
}

// ==================== MARKET DATA ====================

func (c *SimulatedClient) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.priceLocked(symbol)
}

func (c *SimulatedClient) GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	basePrice, err := c.priceLocked(symbol)
	if err != nil {
		return nil, err
	}
	tick := c.precisionLocked(symbol).TickSize

	book := &OrderBook{
		LastUpdateID: c.now().UnixMilli(),
		Bids:         make([]PriceLevel, depth),
		Asks:         make([]PriceLevel, depth),
	}
	for i := 0; i < depth; i++ {
		offset := tick.Mul(decimal.NewFromInt(int64(i + 1)))
		book.Bids[i] = PriceLevel{
			Price:    basePrice.Sub(offset),
			Quantity: decimal.NewFromFloat(50 + c.rng.Float64()*500).Round(1),
		}
		book.Asks[i] = PriceLevel{
			Price:    basePrice.Add(offset),
			Quantity: decimal.NewFromFloat(50 + c.rng.Float64()*500).Round(1),
		}
	}
	return book, nil
}

func (c *SimulatedClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if fixed, ok := c.klines[symbol+":"+interval]; ok {
		if len(fixed) > limit {
			fixed = fixed[len(fixed)-limit:]
		}
		return append([]Kline(nil), fixed...), nil
	}

	price, err := c.priceLocked(symbol)
	if err != nil {
		return nil, err
	}
	base := price.InexactFloat64()
	step := intervalDuration(interval)
	now := c.now()

	// Walk backwards from the current price so the last close equals it.
	klines := make([]Kline, limit)
	closePrice := base
	for i := limit - 1; i >= 0; i-- {
		open := closePrice * (1 + (c.rng.Float64()-0.5)*0.004)
		high := maxFloat(open, closePrice) * (1 + c.rng.Float64()*0.002)
		low := minFloat(open, closePrice) * (1 - c.rng.Float64()*0.002)
		openTime := now.Add(-time.Duration(limit-i) * step)
		klines[i] = Kline{
			OpenTime:  openTime.UnixMilli(),
			CloseTime: openTime.Add(step).UnixMilli() - 1,
			Open:      decimal.NewFromFloat(open).Round(8),
			High:      decimal.NewFromFloat(high).Round(8),
			Low:       decimal.NewFromFloat(low).Round(8),
			Close:     decimal.NewFromFloat(closePrice).Round(8),
			Volume:    decimal.NewFromFloat(100 + c.rng.Float64()*500).Round(2),
		}
		closePrice = open
	}
	return klines, nil
}

func (c *SimulatedClient) GetSymbolPrecision(ctx context.Context, symbol string) (*SymbolPrecision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.precisionLocked(symbol)
	return &p, nil
}

// ==================== ACCOUNT ====================

func (c *SimulatedClient) GetOpenPositions(ctx context.Context, symbol string) ([]PositionRisk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	price, err := c.priceLocked(symbol)
	if err != nil {
		return nil, err
	}
	pos, ok := c.positions[symbol]
	if !ok {
		return []PositionRisk{}, nil
	}

	lev := c.leverageLocked(symbol)
	levD := decimal.NewFromInt(int64(lev))
	liq := pos.entry.Mul(decimal.NewFromInt(1).Sub(decimal.NewFromInt(1).Div(levD)))
	if pos.amt.IsNegative() {
		liq = pos.entry.Mul(decimal.NewFromInt(1).Add(decimal.NewFromInt(1).Div(levD)))
	}

	return []PositionRisk{{
		Symbol:           symbol,
		PositionAmt:      pos.amt,
		EntryPrice:       pos.entry,
		MarkPrice:        price,
		UnrealizedProfit: price.Sub(pos.entry).Mul(pos.amt),
		LiquidationPrice: liq,
		Leverage:         lev,
		PositionSide:     "BOTH",
		UpdateTime:       c.now().UnixMilli(),
	}}, nil
}

func (c *SimulatedClient) GetAccountBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if asset != "USDT" {
		return decimal.Zero, &ExchangeError{Kind: KindNotFound, Op: "/fapi/v2/balance", Message: "asset " + asset + " not found"}
	}
	return c.balance, nil
}

func (c *SimulatedClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if leverage < 1 || leverage > 125 {
		return &ExchangeError{Kind: KindInvalid, Code: -4028, Op: "/fapi/v1/leverage", Message: "invalid leverage: must be between 1 and 125"}
	}
	c.leverage[symbol] = leverage
	return nil
}

// ==================== TRADING ====================

func (c *SimulatedClient) PlaceOrder(ctx context.Context, spec OrderSpec) (*OrderResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if injected, ok := c.failures[spec.Type]; ok {
		delete(c.failures, spec.Type)
		return nil, injected
	}

	price, err := c.priceLocked(spec.Symbol)
	if err != nil {
		return nil, err
	}
	pos := c.positions[spec.Symbol]

	if !spec.ClosePosition && !spec.Quantity.IsPositive() {
		return nil, &ExchangeError{Kind: KindInvalid, Code: -1102, Op: "/fapi/v1/order", Message: "quantity must be positive"}
	}

	now := c.now().UnixMilli()
	order := &OrderResult{
		OrderID:       c.allocOrderIDLocked(),
		ClientOrderID: spec.ClientOrderID,
		Symbol:        spec.Symbol,
		Status:        OrderStatusNew,
		Side:          spec.Side,
		Type:          spec.Type,
		Price:         spec.Price,
		StopPrice:     spec.StopPrice,
		OrigQty:       spec.Quantity,
		ReduceOnly:    spec.ReduceOnly,
		ClosePosition: spec.ClosePosition,
		UpdateTime:    now,
	}

	if spec.Type == OrderTypeMarket {
		qty := spec.Quantity
		if spec.ReduceOnly || spec.ClosePosition {
			if pos == nil || reducingSide(pos) != spec.Side {
				return nil, &ExchangeError{Kind: KindRejected, Code: -2022, Op: "/fapi/v1/order", Message: "ReduceOnly Order is rejected."}
			}
			if spec.ClosePosition || qty.GreaterThan(pos.amt.Abs()) {
				qty = pos.amt.Abs()
			}
		} else {
			minNotional := c.precisionLocked(spec.Symbol).MinNotional
			if qty.Mul(price).LessThan(minNotional) {
				return nil, &ExchangeError{Kind: KindRejected, Code: -4164, Op: "/fapi/v1/order",
					Message: fmt.Sprintf("Order's notional must be no smaller than %s", minNotional.String())}
			}
			if !c.hasMarginLocked(spec.Symbol, qty, price) {
				return nil, &ExchangeError{Kind: KindRejected, Code: -2019, Op: "/fapi/v1/order", Message: "Margin is insufficient."}
			}
		}
		c.fillLocked(spec.Symbol, spec.Side, qty, price, order.OrderID)
		order.Status = OrderStatusFilled
		order.AvgPrice = price
		order.ExecutedQty = qty
		return order, nil
	}

	trigger := spec.StopPrice
	if spec.Type == OrderTypeLimit {
		trigger = spec.Price
	}
	if !trigger.IsPositive() {
		return nil, &ExchangeError{Kind: KindInvalid, Code: -1102, Op: "/fapi/v1/order", Message: "missing trigger price"}
	}
	if spec.Type != OrderTypeLimit && triggered(spec.Type, spec.Side, trigger, price) {
		return nil, &ExchangeError{Kind: KindRejected, Code: -2021, Op: "/fapi/v1/order", Message: "Order would immediately trigger."}
	}

	c.orders[order.OrderID] = order
	out := *order
	return &out, nil
}

func (c *SimulatedClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	order, exists := c.orders[orderID]
	if !exists || order.Symbol != symbol {
		return &ExchangeError{Kind: KindNotFound, Code: -2011, Op: "/fapi/v1/order", Message: "Unknown order sent."}
	}
	order.Status = OrderStatusCanceled
	delete(c.orders, orderID)
	return nil
}

func (c *SimulatedClient) GetOpenOrders(ctx context.Context, symbol string) ([]OrderResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.priceLocked(symbol); err != nil {
		return nil, err
	}
	out := make([]OrderResult, 0, len(c.orders))
	for _, o := range c.orders {
		if o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

func (c *SimulatedClient) GetTradeHistory(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	filtered := make([]Trade, 0)
	for _, trade := range c.trades {
		if trade.Symbol == symbol {
			filtered = append(filtered, trade)
		}
	}

	// Return last N trades
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered, nil
}

// ==================== MATCHING ====================

// priceLocked reads the feed and fills any resting order the price crossed.
func (c *SimulatedClient) priceLocked(symbol string) (decimal.Decimal, error) {
	price, err := c.feed.Price(symbol)
	if err != nil {
		return decimal.Zero, &ExchangeError{Kind: KindNotFound, Op: "/fapi/v1/premiumIndex", Message: err.Error(), cause: err}
	}
	c.matchLocked(symbol, price)
	return price, nil
}

func (c *SimulatedClient) matchLocked(symbol string, price decimal.Decimal) {
	ids := make([]int64, 0, len(c.orders))
	for id, o := range c.orders {
		if o.Symbol == symbol {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		order, ok := c.orders[id]
		if !ok {
			continue
		}
		trigger := order.StopPrice
		if order.Type == OrderTypeLimit {
			trigger = order.Price
		}
		if !triggered(order.Type, order.Side, trigger, price) {
			continue
		}

		pos := c.positions[symbol]
		qty := order.OrigQty
		if order.ReduceOnly || order.ClosePosition {
			if pos == nil || reducingSide(pos) != order.Side {
				order.Status = OrderStatusExpired
				delete(c.orders, id)
				continue
			}
			if order.ClosePosition || qty.GreaterThan(pos.amt.Abs()) {
				qty = pos.amt.Abs()
			}
		}

		fillPrice := trigger
		if order.Type != OrderTypeLimit {
			fillPrice = price
		}
		c.fillLocked(symbol, order.Side, qty, fillPrice, id)
		order.Status = OrderStatusFilled
		order.ExecutedQty = qty
		order.AvgPrice = fillPrice
		delete(c.orders, id)
	}

	// One-way mode: protective orders die with the position.
	if _, open := c.positions[symbol]; !open {
		for id, o := range c.orders {
			if o.Symbol == symbol && (o.ClosePosition || o.ReduceOnly) {
				o.Status = OrderStatusExpired
				delete(c.orders, id)
			}
		}
	}
}

// triggered reports whether a resting order fires at price.
func triggered(t OrderType, side OrderSide, trigger, price decimal.Decimal) bool {
	switch t {
	case OrderTypeStopMarket:
		if side == SideSell {
			return price.LessThanOrEqual(trigger)
		}
		return price.GreaterThanOrEqual(trigger)
	case OrderTypeTakeProfitMarket, OrderTypeLimit:
		if side == SideSell {
			return price.GreaterThanOrEqual(trigger)
		}
		return price.LessThanOrEqual(trigger)
	}
	return false
}

func reducingSide(pos *simPosition) OrderSide {
	if pos.amt.IsPositive() {
		return SideSell
	}
	return SideBuy
}

// fillLocked books a fill, updating the position, wallet balance and trade log.
func (c *SimulatedClient) fillLocked(symbol string, side OrderSide, qty, price decimal.Decimal, orderID int64) {
	signed := qty
	if side == SideSell {
		signed = qty.Neg()
	}

	pos, exists := c.positions[symbol]
	if !exists {
		pos = &simPosition{}
		c.positions[symbol] = pos
	}

	realized := decimal.Zero
	oldAmt := pos.amt
	newAmt := oldAmt.Add(signed)

	switch {
	case oldAmt.IsZero() || oldAmt.Sign() == signed.Sign():
		// Adding to position - average entry price
		totalCost := pos.entry.Mul(oldAmt.Abs()).Add(price.Mul(qty))
		pos.entry = totalCost.Div(newAmt.Abs())
	default:
		closed := decimal.Min(qty, oldAmt.Abs())
		direction := decimal.NewFromInt(int64(oldAmt.Sign()))
		realized = price.Sub(pos.entry).Mul(closed).Mul(direction)
		if newAmt.Sign() != 0 && newAmt.Sign() != oldAmt.Sign() {
			pos.entry = price
		}
	}
	pos.amt = newAmt
	if pos.amt.IsZero() {
		delete(c.positions, symbol)
	}

	commission := price.Mul(qty).Mul(c.feeRate)
	c.balance = c.balance.Add(realized).Sub(commission)

	c.trades = append(c.trades, Trade{
		ID:              c.nextTradeID,
		OrderID:         orderID,
		Symbol:          symbol,
		Side:            side,
		Price:           price,
		Qty:             qty,
		QuoteQty:        price.Mul(qty),
		RealizedPnl:     realized,
		Commission:      commission,
		CommissionAsset: "USDT",
		Time:            c.now().UnixMilli(),
	})
	c.nextTradeID++
}

func (c *SimulatedClient) hasMarginLocked(symbol string, qty, price decimal.Decimal) bool {
	lev := decimal.NewFromInt(int64(c.leverageLocked(symbol)))
	return qty.Mul(price).Div(lev).LessThanOrEqual(c.balance)
}

func (c *SimulatedClient) cancelRestingLocked(symbol string) {
	for id, o := range c.orders {
		if o.Symbol == symbol {
			o.Status = OrderStatusCanceled
			delete(c.orders, id)
		}
	}
}

func (c *SimulatedClient) allocOrderIDLocked() int64 {
	id := c.nextOrderID
	c.nextOrderID++
	return id
}

func (c *SimulatedClient) leverageLocked(symbol string) int {
	if lev, ok := c.leverage[symbol]; ok {
		return lev
	}
	return 20 // Default leverage
}

func (c *SimulatedClient) precisionLocked(symbol string) SymbolPrecision {
	p, ok := c.precision[symbol]
	if !ok {
		p = DefaultPrecision
	}
	p.Symbol = symbol
	return p
}

func intervalDuration(interval string) time.Duration {
	if d, err := time.ParseDuration(interval); err == nil && d > 0 {
		return d
	}
	switch interval {
	case "1d":
		return 24 * time.Hour
	case "1w":
		return 7 * 24 * time.Hour
	}
	if len(interval) > 1 && interval[len(interval)-1] == 'h' {
		return time.Hour
	}
	return time.Minute
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
