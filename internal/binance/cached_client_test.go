package binance

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedClient_ServesLastGoodDataWhileBanned(t *testing.T) {
	ctx := context.Background()
	sim, feed := newTestSim("100")
	clock := &fakeClock{t: time.Now()}
	limiter := newTestLimiter(clock)

	cached := NewCachedClient(sim, limiter, zerolog.Nop())
	cached.StreamFreshness = 0

	price, err := cached.GetMarkPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, price.Equal(d("100")))
	_, err = cached.GetKlines(ctx, "BTCUSDT", "1m", 20)
	require.NoError(t, err)

	limiter.RecordRateLimitError(0)
	feed.SetPrice("BTCUSDT", d("120"))

	price, err = cached.GetMarkPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, price.Equal(d("100")), "banned reads must come from cache")

	klines, err := cached.GetKlines(ctx, "BTCUSDT", "1m", 20)
	require.NoError(t, err)
	assert.Len(t, klines, 20)

	// nothing cached for the book yet
	_, err = cached.GetOrderBook(ctx, "BTCUSDT", 10)
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))

	_, err = cached.PlaceOrder(ctx, OrderSpec{Symbol: "BTCUSDT", Side: SideBuy, Type: OrderTypeMarket, Quantity: d("1")})
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	positions, _ := sim.GetOpenPositions(ctx, "BTCUSDT")
	assert.Empty(t, positions, "no order may reach the exchange during a ban")

	clock.Advance(2 * time.Minute)
	price, err = cached.GetMarkPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, price.Equal(d("120")))
}

func TestCachedClient_PrefersFreshStreamPrice(t *testing.T) {
	sim, _ := newTestSim("100")
	cached := NewCachedClient(sim, NewRateLimiter(zerolog.Nop()), zerolog.Nop())

	cached.UpdateMarkPrice("BTCUSDT", d("101.5"))
	price, err := cached.GetMarkPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, price.Equal(d("101.5")))
}

func TestMarkPriceStream_HandleMessage(t *testing.T) {
	sim, _ := newTestSim("100")
	cached := NewCachedClient(sim, NewRateLimiter(zerolog.Nop()), zerolog.Nop())
	stream := NewMarkPriceStream("", "BTCUSDT", cached, zerolog.Nop())

	stream.handleMessage([]byte(`{"e":"markPriceUpdate","E":1562305380000,"s":"BTCUSDT","p":"11794.15000000","T":1562306400000}`))
	stream.handleMessage([]byte(`not json`))

	assert.False(t, stream.LastUpdate().IsZero())
	price, err := cached.GetMarkPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, price.Equal(d("11794.15")))
	assert.Equal(t, "wss://fstream.binance.com/ws/btcusdt@markPrice@1s", stream.url())
}
