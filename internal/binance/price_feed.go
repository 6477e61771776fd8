package binance

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"
)

// PriceFeed supplies mark prices to the simulated exchange.
type PriceFeed interface {
	Price(symbol string) (decimal.Decimal, error)
}

// StaticPrices is a PriceFeed whose prices only change through SetPrice.
type StaticPrices struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticPrices creates a feed seeded with the given prices.
func NewStaticPrices(prices map[string]decimal.Decimal) *StaticPrices {
	p := &StaticPrices{prices: make(map[string]decimal.Decimal, len(prices))}
	for k, v := range prices {
		p.prices[k] = v
	}
	return p
}

// Price implements PriceFeed.
func (p *StaticPrices) Price(symbol string) (decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s", symbol)
	}
	return price, nil
}

// SetPrice moves the price of a symbol.
func (p *StaticPrices) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

// RandomWalk is a seeded PriceFeed that moves every symbol by a normally
// distributed relative step on each read.
type RandomWalk struct {
	mu         sync.Mutex
	rng        *rand.Rand
	prices     map[string]float64
	volatility float64
}

// NewRandomWalk creates a random walk starting from the given prices.
func NewRandomWalk(seed int64, volatility float64, start map[string]decimal.Decimal) *RandomWalk {
	w := &RandomWalk{
		rng:        rand.New(rand.NewSource(seed)),
		prices:     make(map[string]float64, len(start)),
		volatility: volatility,
	}
	for k, v := range start {
		w.prices[k] = v.InexactFloat64()
	}
	return w
}

// Price implements PriceFeed.
func (w *RandomWalk) Price(symbol string) (decimal.Decimal, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	price, ok := w.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s", symbol)
	}
	price *= 1 + w.rng.NormFloat64()*w.volatility
	if price <= 0 {
		price = w.prices[symbol] / 2
	}
	w.prices[symbol] = price
	return decimal.NewFromFloat(price).Round(8), nil
}
