package binance

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	FuturesStreamURL        = "wss://fstream.binance.com"
	FuturesTestnetStreamURL = "wss://stream.binancefuture.com"
)

// MarkPriceEvent is the payload of the <symbol>@markPrice@1s stream.
type MarkPriceEvent struct {
	EventType   string          `json:"e"`
	EventTime   int64           `json:"E"`
	Symbol      string          `json:"s"`
	MarkPrice   decimal.Decimal `json:"p"`
	NextFunding int64           `json:"T"`
}

// MarkPriceSink receives pushed mark prices. CachedClient implements it.
type MarkPriceSink interface {
	UpdateMarkPrice(symbol string, price decimal.Decimal)
}

// MarkPriceStream subscribes to the exchange mark price stream and forwards
// every update to a sink, reconnecting with exponential backoff.
type MarkPriceStream struct {
	baseURL string
	symbol  string
	sink    MarkPriceSink
	logger  zerolog.Logger
	dialer  *websocket.Dialer

	mu         sync.RWMutex
	lastUpdate time.Time
	reconnects int
}

// NewMarkPriceStream creates a stream for symbol.
func NewMarkPriceStream(baseURL, symbol string, sink MarkPriceSink, logger zerolog.Logger) *MarkPriceStream {
	if baseURL == "" {
		baseURL = FuturesStreamURL
	}
	return &MarkPriceStream{
		baseURL: strings.TrimRight(baseURL, "/"),
		symbol:  symbol,
		sink:    sink,
		logger:  logger.With().Str("component", "mark_price_stream").Str("symbol", symbol).Logger(),
		dialer:  websocket.DefaultDialer,
	}
}

func (s *MarkPriceStream) url() string {
	return s.baseURL + "/ws/" + strings.ToLower(s.symbol) + "@markPrice@1s"
}

// LastUpdate returns the time of the last processed message.
func (s *MarkPriceStream) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}

// Run blocks until ctx is cancelled.
func (s *MarkPriceStream) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0 // retry forever until ctx ends

	op := func() error {
		conn, _, err := s.dialer.DialContext(ctx, s.url(), nil)
		if err != nil {
			s.mu.Lock()
			s.reconnects++
			s.mu.Unlock()
			s.logger.Warn().Err(err).Msg("Connection failed")
			return err
		}
		s.logger.Info().Msg("Connected")
		policy.Reset()

		err = s.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		s.logger.Warn().Err(err).Msg("Connection lost, reconnecting")
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(policy, ctx))
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *MarkPriceStream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		s.handleMessage(message)
	}
}

func (s *MarkPriceStream) handleMessage(message []byte) {
	var event MarkPriceEvent
	if err := json.Unmarshal(message, &event); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to parse mark price event")
		return
	}
	if event.EventType != "markPriceUpdate" || !event.MarkPrice.IsPositive() {
		return
	}

	s.mu.Lock()
	s.lastUpdate = time.Now()
	s.mu.Unlock()

	s.sink.UpdateMarkPrice(event.Symbol, event.MarkPrice)
}
