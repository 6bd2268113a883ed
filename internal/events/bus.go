package events

import (
	"sync"
	"time"

	"chaos-exchange/internal/candles"
	"chaos-exchange/internal/metrics"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventCandleGenerated    EventType = "CANDLE_GENERATED"
	EventPriceUpdate        EventType = "PRICE_UPDATE"
	EventChaosChanged       EventType = "CHAOS_CHANGED"
	EventHistoryReset       EventType = "HISTORY_RESET"
	EventPositionOpened     EventType = "POSITION_OPENED"
	EventPositionClosed     EventType = "POSITION_CLOSED"
	EventPositionLiquidated EventType = "POSITION_LIQUIDATED"
	EventTrade              EventType = "TRADE"
)

// Event represents a system event. UserID scopes delivery to one user's
// connections; empty means public.
type Event struct {
	Type      EventType   `json:"type"`
	Symbol    string      `json:"symbol,omitempty"`
	UserID    string      `json:"-"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// CandleUpdate is the payload of EventCandleGenerated.
type CandleUpdate struct {
	Symbol     string         `json:"symbol"`
	Candle     candles.Candle `json:"candle"`
	ChaosLevel int            `json:"chaos_level"`
}

// PriceUpdate is the payload of EventPriceUpdate.
type PriceUpdate struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Time   int64   `json:"time"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Publisher is implemented by anything that accepts events.
type Publisher interface {
	Publish(event Event)
}

// QueueSize is the number of undelivered events a subscriber may fall
// behind before new events for it are dropped.
const QueueSize = 256

// subscription delivers events to one subscriber in publish order.
type subscription struct {
	fn    Subscriber
	queue chan Event
	done  chan struct{}
}

func newSubscription(fn Subscriber) *subscription {
	s := &subscription{fn: fn, queue: make(chan Event, QueueSize), done: make(chan struct{})}
	go s.run()
	return s
}

func (s *subscription) run() {
	defer close(s.done)
	for e := range s.queue {
		s.fn(e)
	}
}

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]*subscription
	allSubs     []*subscription
	closed      bool
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]*subscription),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}

	eb.subscribers[eventType] = append(eb.subscribers[eventType], newSubscription(subscriber))
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}

	eb.allSubs = append(eb.allSubs, newSubscription(subscriber))
}

// Publish queues the event for every matching subscriber without waiting
// for any of them. Each subscriber sees events in publish order; an event
// for a subscriber whose queue is full is dropped.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, sub := range eb.subscribers[event.Type] {
		eb.enqueue(sub, event)
	}
	for _, sub := range eb.allSubs {
		eb.enqueue(sub, event)
	}
}

func (eb *EventBus) enqueue(sub *subscription, event Event) {
	select {
	case sub.queue <- event:
	default:
		metrics.EventsDropped.WithLabelValues(string(event.Type)).Inc()
	}
}

// Close stops accepting events and waits for subscribers to drain what was
// already queued. Publish after Close is a no-op.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		return
	}
	eb.closed = true
	subs := append([]*subscription(nil), eb.allSubs...)
	for _, list := range eb.subscribers {
		subs = append(subs, list...)
	}
	eb.mu.Unlock()

	for _, sub := range subs {
		close(sub.queue)
	}
	for _, sub := range subs {
		<-sub.done
	}
}

// PublishCandle publishes a generated candle followed by the matching price update.
func (eb *EventBus) PublishCandle(update CandleUpdate) {
	eb.Publish(Event{Type: EventCandleGenerated, Symbol: update.Symbol, Data: update})
	eb.Publish(Event{
		Type:   EventPriceUpdate,
		Symbol: update.Symbol,
		Data:   PriceUpdate{Symbol: update.Symbol, Price: update.Candle.Close, Time: update.Candle.Time},
	})
}
