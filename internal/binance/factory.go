package binance

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ClientOptions selects and configures the exchange implementation.
type ClientOptions struct {
	LiveMode  bool
	REST      RESTOptions
	StreamURL string
	UseStream bool

	// Dry-run only.
	Sim        SimOptions
	Feed       PriceFeed
	Symbol     string
	StartPrice decimal.Decimal
	Volatility float64
}

// Clients is what the bot needs from the exchange layer.
type Clients struct {
	Exchange  ExchangeClient
	Cached    *CachedClient
	Limiter   *RateLimiter
	Stream    *MarkPriceStream // nil unless live with streaming enabled
	Simulated *SimulatedClient // nil in live mode
}

// NewClient builds the exchange stack. This is the only place where live and
// simulated trading diverge; callers receive an ExchangeClient either way.
func NewClient(opts ClientOptions, logger zerolog.Logger) (*Clients, error) {
	limiter := NewRateLimiter(logger)
	out := &Clients{Limiter: limiter}

	var inner ExchangeClient
	if opts.LiveMode {
		if opts.REST.APIKey == "" || opts.REST.SecretKey == "" {
			return nil, fmt.Errorf("live mode requires API credentials")
		}
		inner = NewFuturesClient(opts.REST, limiter, logger)
	} else {
		feed := opts.Feed
		if feed == nil {
			if !opts.StartPrice.IsPositive() {
				return nil, fmt.Errorf("simulated mode requires a start price or a price feed")
			}
			feed = NewRandomWalk(opts.Sim.Seed, opts.Volatility, map[string]decimal.Decimal{opts.Symbol: opts.StartPrice})
		}
		sim := NewSimulatedClient(opts.Sim, feed)
		out.Simulated = sim
		inner = sim
	}

	out.Cached = NewCachedClient(inner, limiter, logger)
	out.Exchange = out.Cached

	if opts.LiveMode && opts.UseStream {
		streamURL := opts.StreamURL
		if streamURL == "" && opts.REST.Testnet {
			streamURL = FuturesTestnetStreamURL
		}
		out.Stream = NewMarkPriceStream(streamURL, opts.Symbol, out.Cached, logger)
	}

	logger.Info().
		Bool("live_mode", opts.LiveMode).
		Bool("stream", out.Stream != nil).
		Msg("Exchange client initialized")
	return out, nil
}
