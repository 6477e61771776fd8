package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	prices []decimal.Decimal
}

func (r *recordingSink) UpdateMarkPrice(_ string, price decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prices = append(r.prices, price)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prices)
}

func TestMarkPriceStream_RunReconnects(t *testing.T) {
	var (
		mu    sync.Mutex
		dials int
		paths []string
	)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		dials++
		n := dials
		paths = append(paths, r.URL.Path)
		mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"e":"markPriceUpdate","E":1,"s":"BTCUSDT","p":"100.5","T":2}`))
		if n == 1 {
			// Drop the first connection to force a reconnect.
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	sink := &recordingSink{}
	stream := NewMarkPriceStream("ws"+strings.TrimPrefix(srv.URL, "http"), "BTCUSDT", sink, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx) }()

	require.Eventually(t, func() bool { return sink.count() >= 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, dials, 2)
	assert.Equal(t, "/ws/btcusdt@markPrice@1s", paths[0])
	assert.True(t, sink.prices[0].Equal(decimal.RequireFromString("100.5")))
}
