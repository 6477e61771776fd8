package events

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventTradeOpened          EventType = "TRADE_OPENED"
	EventTradeClosed          EventType = "TRADE_CLOSED"
	EventStateChanged         EventType = "STATE_CHANGED"
	EventOrderPlaced          EventType = "ORDER_PLACED"
	EventOrderCancelled       EventType = "ORDER_CANCELLED"
	EventStopMoved            EventType = "STOP_MOVED"
	EventSignalEvaluated      EventType = "SIGNAL_EVALUATED"
	EventCircuitBreakerUpdate EventType = "CIRCUIT_BREAKER_UPDATE"
	EventBotStarted           EventType = "BOT_STARTED"
	EventBotStopped           EventType = "BOT_STOPPED"
	EventError                EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Publisher is the publishing half of the bus.
type Publisher interface {
	Publish(event Event)
}

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
	wg          sync.WaitGroup
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Subscribers run on their own
// goroutines so a slow consumer never blocks the trading loop.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, sub := range eb.subscribers[event.Type] {
		eb.dispatch(sub, event)
	}
	for _, sub := range eb.allSubs {
		eb.dispatch(sub, event)
	}
}

func (eb *EventBus) dispatch(sub Subscriber, event Event) {
	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		sub(event)
	}()
}

// Wait blocks until every dispatched subscriber call has returned.
func (eb *EventBus) Wait() {
	eb.wg.Wait()
}

// PublishTradeOpened publishes a trade opened event
func (eb *EventBus) PublishTradeOpened(positionID, symbol, side string, entryPrice, quantity decimal.Decimal, leverage int) {
	eb.Publish(Event{
		Type: EventTradeOpened,
		Data: map[string]interface{}{
			"position_id": positionID,
			"symbol":      symbol,
			"side":        side,
			"entry_price": entryPrice.String(),
			"quantity":    quantity.String(),
			"leverage":    leverage,
		},
	})
}

// PublishTradeClosed publishes a trade closed event
func (eb *EventBus) PublishTradeClosed(positionID, symbol, reason string, entryPrice, exitPrice, quantity, pnl, fees decimal.Decimal) {
	eb.Publish(Event{
		Type: EventTradeClosed,
		Data: map[string]interface{}{
			"position_id": positionID,
			"symbol":      symbol,
			"reason":      reason,
			"entry_price": entryPrice.String(),
			"exit_price":  exitPrice.String(),
			"quantity":    quantity.String(),
			"pnl":         pnl.String(),
			"fees":        fees.String(),
			"net":         pnl.Sub(fees).String(),
		},
	})
}

// PublishStateChanged publishes a lifecycle state transition
func (eb *EventBus) PublishStateChanged(symbol, from, to, event string) {
	eb.Publish(Event{
		Type: EventStateChanged,
		Data: map[string]interface{}{
			"symbol": symbol,
			"from":   from,
			"to":     to,
			"event":  event,
		},
	})
}

// PublishOrderPlaced publishes an order placed event
func (eb *EventBus) PublishOrderPlaced(orderID int64, clientOrderID, symbol, orderType, side string, stopPrice, quantity decimal.Decimal) {
	eb.Publish(Event{
		Type: EventOrderPlaced,
		Data: map[string]interface{}{
			"order_id":        orderID,
			"client_order_id": clientOrderID,
			"symbol":          symbol,
			"order_type":      orderType,
			"side":            side,
			"stop_price":      stopPrice.String(),
			"quantity":        quantity.String(),
		},
	})
}

// PublishSignal publishes the reconciled direction of one evaluation cycle
func (eb *EventBus) PublishSignal(symbol, direction string, perInterval map[string]string) {
	eb.Publish(Event{
		Type: EventSignalEvaluated,
		Data: map[string]interface{}{
			"symbol":    symbol,
			"direction": direction,
			"intervals": perInterval,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
