package events

import (
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_SubscribeAndPublish(t *testing.T) {
	bus := NewEventBus()

	var mu sync.Mutex
	var closed, all []Event
	bus.Subscribe(EventTradeClosed, func(e Event) {
		mu.Lock()
		closed = append(closed, e)
		mu.Unlock()
	})
	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		all = append(all, e)
		mu.Unlock()
	})

	bus.PublishTradeOpened("id-1", "DOGEUSDT", "LONG", decimal.RequireFromString("0.1"), decimal.NewFromInt(100), 75)
	bus.PublishTradeClosed("id-1", "DOGEUSDT", "take_profit",
		decimal.RequireFromString("0.1"), decimal.RequireFromString("0.11"), decimal.NewFromInt(100),
		decimal.NewFromInt(1), decimal.RequireFromString("0.01"))
	bus.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, closed, 1)
	assert.Len(t, all, 2)
	assert.Equal(t, "0.99", closed[0].Data["net"])
	assert.Equal(t, "take_profit", closed[0].Data["reason"])
	assert.False(t, closed[0].Timestamp.IsZero())
}

func TestEventBus_PublishError(t *testing.T) {
	bus := NewEventBus()
	got := make(chan Event, 1)
	bus.Subscribe(EventError, func(e Event) { got <- e })

	bus.PublishError("orders", "entry failed", errors.New("boom"))
	bus.Wait()

	e := <-got
	if e.Data["error"] != "boom" {
		t.Errorf("Expected error boom, got %v", e.Data["error"])
	}
	if e.Data["source"] != "orders" {
		t.Errorf("Expected source orders, got %v", e.Data["source"])
	}
}
