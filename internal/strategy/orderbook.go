package strategy

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"martingale-futures-bot/internal/binance"
	"martingale-futures-bot/internal/numeric"
)

// FlowSignal is the order-flow confirmation derived from consecutive books.
type FlowSignal string

const (
	BullishConfirmation FlowSignal = "BULLISH_CONFIRMATION"
	BearishConfirmation FlowSignal = "BEARISH_CONFIRMATION"
	NoConfirmation      FlowSignal = "NEUTRAL"
)

// OrderBookConfig tunes order book analysis.
type OrderBookConfig struct {
	Depth          int             `json:"depth" env:"DEPTH"`
	WallPercentile float64         `json:"wall_percentile" env:"WALL_PERCENTILE"` // 0-100
	ClusterBucket  decimal.Decimal `json:"cluster_bucket" env:"CLUSTER_BUCKET"`
	FlowThreshold  decimal.Decimal `json:"flow_threshold" env:"FLOW_THRESHOLD"` // volume delta needed for a confirmation
}

// DefaultOrderBookConfig returns the settings the bot ships with.
func DefaultOrderBookConfig() OrderBookConfig {
	return OrderBookConfig{
		Depth:          100,
		WallPercentile: 95,
		ClusterBucket:  decimal.RequireFromString("0.5"),
		FlowThreshold:  decimal.NewFromInt(100),
	}
}

// Wall is a price level whose quantity reached the side's percentile threshold.
// Delta is the change against the wall at the same rank in the previous book.
type Wall struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Delta    decimal.Decimal `json:"delta"`
}

// Cluster aggregates quantity in a price bucket.
type Cluster struct {
	Bucket   decimal.Decimal `json:"bucket"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBookAnalysis is the derived view of one order book snapshot.
type OrderBookAnalysis struct {
	BestBid    decimal.Decimal `json:"best_bid"`
	BestAsk    decimal.Decimal `json:"best_ask"`
	Mid        decimal.Decimal `json:"mid"`
	Spread     decimal.Decimal `json:"spread"`
	VWAP       decimal.Decimal `json:"vwap"`
	BuyVolume  decimal.Decimal `json:"buy_volume"`
	SellVolume decimal.Decimal `json:"sell_volume"`
	Imbalance  decimal.Decimal `json:"imbalance"` // [-1, 1]

	BuyWallThreshold  decimal.Decimal    `json:"buy_wall_threshold"`
	SellWallThreshold decimal.Decimal    `json:"sell_wall_threshold"`
	BuyWalls          []Wall             `json:"buy_walls"`
	SellWalls         []Wall             `json:"sell_walls"`
	BuyClusters       []Cluster          `json:"buy_clusters"`
	SellClusters      []Cluster          `json:"sell_clusters"`
	LargestBid        binance.PriceLevel `json:"largest_bid"`
	LargestAsk        binance.PriceLevel `json:"largest_ask"`

	BuyVelocity   decimal.Decimal `json:"buy_velocity"`
	SellVelocity  decimal.Decimal `json:"sell_velocity"`
	PriceMovement decimal.Decimal `json:"price_movement"`
	VolumeDelta   decimal.Decimal `json:"volume_delta"`
	Signal        FlowSignal      `json:"signal"`

	LongWeight  float64 `json:"long_weight"`
	ShortWeight float64 `json:"short_weight"`
}

// MarketMemory carries the previous observation between polling cycles.
// It is owned by a single run loop and is not safe for concurrent use.
type MarketMemory struct {
	seen       bool
	mid        decimal.Decimal
	buyVolume  decimal.Decimal
	sellVolume decimal.Decimal
	buyWalls   []Wall
	sellWalls  []Wall
}

// NewMarketMemory returns an empty memory.
func NewMarketMemory() *MarketMemory { return &MarketMemory{} }

// Reset forgets the previous observation.
func (m *MarketMemory) Reset() { *m = MarketMemory{} }

// PercentileThreshold sorts the positive quantities ascending and returns the
// element at index ceil(p/100*n)-1. Zero when there are no positive quantities.
func PercentileThreshold(quantities []decimal.Decimal, percentile float64) decimal.Decimal {
	positive := make([]decimal.Decimal, 0, len(quantities))
	for _, q := range quantities {
		if q.IsPositive() {
			positive = append(positive, q)
		}
	}
	if len(positive) == 0 {
		return decimal.Zero
	}
	sort.Slice(positive, func(i, j int) bool { return positive[i].LessThan(positive[j]) })

	n := int64(len(positive))
	idx := decimal.NewFromFloat(percentile).Mul(decimal.NewFromInt(n)).Div(numeric.Hundred()).Ceil().IntPart() - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return positive[idx]
}

// AnalyzeOrderBook computes prices, volumes, walls, clusters and order flow.
// When memory is non-nil the deltas are taken against the previous call and
// memory is updated with this observation.
func AnalyzeOrderBook(book *binance.OrderBook, cfg OrderBookConfig, memory *MarketMemory) OrderBookAnalysis {
	res := OrderBookAnalysis{Signal: NoConfirmation}
	if book == nil {
		return res
	}

	res.BuyVolume, res.LargestBid = sideVolume(book.Bids)
	res.SellVolume, res.LargestAsk = sideVolume(book.Asks)

	for i, lvl := range book.Bids {
		if i == 0 || lvl.Price.GreaterThan(res.BestBid) {
			res.BestBid = lvl.Price
		}
	}
	for i, lvl := range book.Asks {
		if i == 0 || lvl.Price.LessThan(res.BestAsk) {
			res.BestAsk = lvl.Price
		}
	}
	switch {
	case len(book.Bids) > 0 && len(book.Asks) > 0:
		res.Mid = res.BestBid.Add(res.BestAsk).Div(decimal.NewFromInt(2))
		res.Spread = res.BestAsk.Sub(res.BestBid)
	case len(book.Bids) > 0:
		res.Mid = res.BestBid
	case len(book.Asks) > 0:
		res.Mid = res.BestAsk
	}

	res.VWAP = vwap(book.Bids, book.Asks)
	total := res.BuyVolume.Add(res.SellVolume)
	res.Imbalance = numeric.DivOr(res.BuyVolume.Sub(res.SellVolume), total, decimal.Zero)

	res.BuyWallThreshold = PercentileThreshold(quantities(book.Bids), cfg.WallPercentile)
	res.SellWallThreshold = PercentileThreshold(quantities(book.Asks), cfg.WallPercentile)
	res.BuyWalls = detectWalls(book.Bids, res.BuyWallThreshold)
	res.SellWalls = detectWalls(book.Asks, res.SellWallThreshold)
	res.BuyClusters = detectClusters(book.Bids, cfg.ClusterBucket)
	res.SellClusters = detectClusters(book.Asks, cfg.ClusterBucket)

	imb := res.Imbalance.InexactFloat64()
	res.LongWeight = math.Max(0, math.Tanh(imb*5))
	res.ShortWeight = math.Max(0, -math.Tanh(imb*5))
	if len(res.BuyClusters) > 0 && res.BuyVolume.IsPositive() {
		res.LongWeight += res.BuyClusters[0].Quantity.Div(res.BuyVolume).InexactFloat64()
	}
	if len(res.SellClusters) > 0 && res.SellVolume.IsPositive() {
		res.ShortWeight += res.SellClusters[0].Quantity.Div(res.SellVolume).InexactFloat64()
	}

	res.VolumeDelta = res.BuyVolume.Sub(res.SellVolume)
	if memory != nil {
		if memory.seen {
			res.PriceMovement = res.Mid.Sub(memory.mid)
			res.BuyVelocity = res.BuyVolume.Sub(memory.buyVolume)
			res.SellVelocity = res.SellVolume.Sub(memory.sellVolume)
			applyWallDeltas(res.BuyWalls, memory.buyWalls)
			applyWallDeltas(res.SellWalls, memory.sellWalls)
		} else {
			res.BuyVelocity = res.BuyVolume
			res.SellVelocity = res.SellVolume
			applyWallDeltas(res.BuyWalls, nil)
			applyWallDeltas(res.SellWalls, nil)
		}
		memory.seen = true
		memory.mid = res.Mid
		memory.buyVolume = res.BuyVolume
		memory.sellVolume = res.SellVolume
		memory.buyWalls = res.BuyWalls
		memory.sellWalls = res.SellWalls
	}

	switch {
	case res.VolumeDelta.GreaterThan(cfg.FlowThreshold) && res.PriceMovement.IsPositive():
		res.Signal = BullishConfirmation
	case res.VolumeDelta.LessThan(cfg.FlowThreshold.Neg()) && res.PriceMovement.IsNegative():
		res.Signal = BearishConfirmation
	}
	return res
}

func sideVolume(levels []binance.PriceLevel) (decimal.Decimal, binance.PriceLevel) {
	total := decimal.Zero
	var largest binance.PriceLevel
	for _, lvl := range levels {
		total = total.Add(lvl.Quantity)
		if lvl.Quantity.GreaterThan(largest.Quantity) {
			largest = lvl
		}
	}
	return total, largest
}

func vwap(sides ...[]binance.PriceLevel) decimal.Decimal {
	volume, weighted := decimal.Zero, decimal.Zero
	for _, levels := range sides {
		for _, lvl := range levels {
			volume = volume.Add(lvl.Quantity)
			weighted = weighted.Add(lvl.Price.Mul(lvl.Quantity))
		}
	}
	return numeric.DivOr(weighted, volume, decimal.Zero)
}

func quantities(levels []binance.PriceLevel) []decimal.Decimal {
	out := make([]decimal.Decimal, len(levels))
	for i, lvl := range levels {
		out[i] = lvl.Quantity
	}
	return out
}

func detectWalls(levels []binance.PriceLevel, threshold decimal.Decimal) []Wall {
	walls := make([]Wall, 0)
	if !threshold.IsPositive() {
		return walls
	}
	for _, lvl := range levels {
		if lvl.Quantity.GreaterThanOrEqual(threshold) {
			walls = append(walls, Wall{Price: lvl.Price, Quantity: lvl.Quantity})
		}
	}
	return walls
}

func applyWallDeltas(walls, previous []Wall) {
	for i := range walls {
		prev := decimal.Zero
		if i < len(previous) {
			prev = previous[i].Quantity
		}
		walls[i].Delta = walls[i].Quantity.Sub(prev)
	}
}

// detectClusters buckets levels by round(price/bucket)*bucket and sorts the
// buckets by quantity descending, ties by bucket price ascending.
func detectClusters(levels []binance.PriceLevel, bucket decimal.Decimal) []Cluster {
	if !bucket.IsPositive() {
		return nil
	}
	sums := make(map[string]*Cluster)
	for _, lvl := range levels {
		key, err := numeric.RoundToStep(lvl.Price, bucket)
		if err != nil {
			continue
		}
		c, ok := sums[key.String()]
		if !ok {
			c = &Cluster{Bucket: key}
			sums[key.String()] = c
		}
		c.Quantity = c.Quantity.Add(lvl.Quantity)
	}

	out := make([]Cluster, 0, len(sums))
	for _, c := range sums {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if cmp := out[i].Quantity.Cmp(out[j].Quantity); cmp != 0 {
			return cmp > 0
		}
		return out[i].Bucket.LessThan(out[j].Bucket)
	})
	return out
}
