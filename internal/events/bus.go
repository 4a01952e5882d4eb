package events

import (
	"sync"
)

// Event is the envelope delivered to Bus subscribers.
type Event struct {
	Name string // "trade_executed" or "orderbook_update"
	Data any
}

const (
	EventTradeExecuted   = "trade_executed"
	EventOrderbookUpdate = "orderbook_update"
)

// Bus fans events out to per-market subscriber channels. Sends are
// non-blocking: a slow subscriber drops updates rather than stalling
// the engine.
type Bus struct {
	mu         sync.RWMutex
	subs       map[int64][]chan Event
	bufferSize int
}

// NewBus creates a Bus with the given per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subs:       make(map[int64][]chan Event),
		bufferSize: bufferSize,
	}
}

// Subscribe returns a channel receiving every event for a market.
func (b *Bus) Subscribe(marketID int64) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subs[marketID] = append(b.subs[marketID], ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(marketID int64, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[marketID]
	for i, sub := range subs {
		if sub == ch {
			b.subs[marketID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			return
		}
	}
}

func (b *Bus) publish(marketID int64, ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[marketID] {
		select {
		case ch <- ev:
		default:
			// Channel full, drop update (subscriber is slow).
		}
	}
}

// PublishTrade implements Publisher.
func (b *Bus) PublishTrade(ev TradeExecuted) {
	b.publish(ev.MarketID, Event{Name: EventTradeExecuted, Data: ev})
}

// PublishOrderbook implements Publisher.
func (b *Bus) PublishOrderbook(ev OrderbookUpdate) {
	b.publish(ev.MarketID, Event{Name: EventOrderbookUpdate, Data: ev})
}

// Close closes every subscription channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.subs = make(map[int64][]chan Event)
}
