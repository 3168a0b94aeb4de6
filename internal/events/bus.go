// Package events provides the in-process event bus. The order manager, the
// safety stack and the forced liquidator publish here; the API websocket hub
// subscribes and relays to operator dashboards.
package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventTradeOpened       EventType = "TRADE_OPENED"
	EventTradeClosed       EventType = "TRADE_CLOSED"
	EventOrderPlaced       EventType = "ORDER_PLACED"
	EventOrderFilled       EventType = "ORDER_FILLED"
	EventOrderCancelled    EventType = "ORDER_CANCELLED"
	EventSafetyTripped     EventType = "SAFETY_TRIPPED"
	EventForcedLiquidation EventType = "FORCED_LIQUIDATION"
	EventPositionUpdate    EventType = "POSITION_UPDATE"
	EventBalanceUpdate     EventType = "BALANCE_UPDATE"
	EventDegradedStatus    EventType = "DEGRADED_STATUS"
	EventBotStarted        EventType = "BOT_STARTED"
	EventBotStopped        EventType = "BOT_STOPPED"
	EventError             EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
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

// Publish sends an event to all subscribers. Subscribers run in their own
// goroutines so a slow consumer never blocks the trading path.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishTradeOpened publishes a trade opened event
func (eb *EventBus) PublishTradeOpened(ticker, tradeID string, entryPrice float64, quantity int) {
	eb.Publish(Event{
		Type: EventTradeOpened,
		Data: map[string]interface{}{
			"ticker":      ticker,
			"trade_id":    tradeID,
			"entry_price": entryPrice,
			"quantity":    quantity,
		},
	})
}

// PublishTradeClosed publishes a trade closed event
func (eb *EventBus) PublishTradeClosed(ticker, tradeID string, exitPrice, pnl, pnlPercent float64, reason string) {
	eb.Publish(Event{
		Type: EventTradeClosed,
		Data: map[string]interface{}{
			"ticker":      ticker,
			"trade_id":    tradeID,
			"exit_price":  exitPrice,
			"pnl":         pnl,
			"pnl_percent": pnlPercent,
			"reason":      reason,
		},
	})
}

// PublishSafetyTripped publishes a safety denial or trip with its reason
func (eb *EventBus) PublishSafetyTripped(check, ticker, reason string) {
	eb.Publish(Event{
		Type: EventSafetyTripped,
		Data: map[string]interface{}{
			"check":  check,
			"ticker": ticker,
			"reason": reason,
		},
	})
}

// PublishForcedLiquidation publishes a forced liquidation event
func (eb *EventBus) PublishForcedLiquidation(ticker string, holdingDays, quantity int, targetPct float64) {
	eb.Publish(Event{
		Type: EventForcedLiquidation,
		Data: map[string]interface{}{
			"ticker":       ticker,
			"holding_days": holdingDays,
			"quantity":     quantity,
			"target_pct":   targetPct,
		},
	})
}

// PublishDegraded publishes a degraded status change
func (eb *EventBus) PublishDegraded(component, reason string) {
	eb.Publish(Event{
		Type: EventDegradedStatus,
		Data: map[string]interface{}{
			"component": component,
			"reason":    reason,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(component string, err error) {
	if err == nil {
		return
	}
	eb.Publish(Event{
		Type: EventError,
		Data: map[string]interface{}{
			"component": component,
			"error":     err.Error(),
		},
	})
}
