// Package ws pushes engine events to websocket subscribers. Clients
// subscribe to per-market rooms and receive trade and orderbook
// envelopes as they happen, starting with an orderbook snapshot.
package ws

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/Hoponga/bear-markets/internal/events"
	"github.com/Hoponga/bear-markets/internal/models"
)

// SnapshotFunc produces the orderbook snapshot sent to a client right
// after it subscribes to a market.
type SnapshotFunc func(ctx context.Context, marketID int64) (*models.Orderbook, error)

// envelope is the wire frame for every outbound message.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type subscription struct {
	client   *Client
	marketID int64
}

type broadcast struct {
	marketID int64
	payload  []byte
}

// Hub tracks connected clients and their market rooms and fans engine
// events out to them. It implements events.Publisher.
type Hub struct {
	rooms   map[int64]map[*Client]bool
	clients map[*Client]bool

	register    chan *Client
	unregister  chan *Client
	subscribe   chan subscription
	unsubscribe chan subscription
	outbound    chan broadcast

	snapshot SnapshotFunc
	log      *zap.Logger
}

// NewHub constructs a Hub. Call Run in its own goroutine before
// serving connections.
func NewHub(snapshot SnapshotFunc, logger *zap.Logger) *Hub {
	return &Hub{
		rooms:       make(map[int64]map[*Client]bool),
		clients:     make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
		outbound:    make(chan broadcast, 256),
		snapshot:    snapshot,
		log:         logger,
	}
}

// Run owns all room state. Everything mutating rooms goes through the
// hub's channels, so no locks are needed.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.dropClient(client)
			}

		case sub := <-h.subscribe:
			h.addToRoom(sub)

		case sub := <-h.unsubscribe:
			h.removeFromRoom(sub)

		case msg := <-h.outbound:
			for client := range h.rooms[msg.marketID] {
				select {
				case client.send <- msg.payload:
				default:
					h.dropClient(client)
				}
			}
		}
	}
}

func (h *Hub) addToRoom(sub subscription) {
	// An in-flight subscribe can arrive after the client disconnected.
	if !h.clients[sub.client] {
		return
	}
	room := h.rooms[sub.marketID]
	if room == nil {
		room = make(map[*Client]bool)
		h.rooms[sub.marketID] = room
	}
	room[sub.client] = true
	sub.client.markets[sub.marketID] = true
	h.log.Debug("client subscribed",
		zap.String("client_id", sub.client.id),
		zap.Int64("market_id", sub.marketID))

	h.sendSnapshot(sub)
}

// sendSnapshot delivers the current orderbook to the subscribing
// client only.
func (h *Hub) sendSnapshot(sub subscription) {
	ob, err := h.snapshot(context.Background(), sub.marketID)
	if err != nil {
		h.sendTo(sub.client, envelope{
			Event: "error",
			Data:  map[string]string{"message": "market not found"},
		})
		return
	}
	h.sendTo(sub.client, envelope{
		Event: events.EventOrderbookUpdate,
		Data:  events.NewOrderbookUpdate(sub.marketID, ob),
	})
}

func (h *Hub) removeFromRoom(sub subscription) {
	if room, ok := h.rooms[sub.marketID]; ok {
		delete(room, sub.client)
		if len(room) == 0 {
			delete(h.rooms, sub.marketID)
		}
	}
	delete(sub.client.markets, sub.marketID)
}

func (h *Hub) dropClient(client *Client) {
	if !h.clients[client] {
		return
	}
	for marketID := range client.markets {
		if room, ok := h.rooms[marketID]; ok {
			delete(room, client)
			if len(room) == 0 {
				delete(h.rooms, marketID)
			}
		}
	}
	delete(h.clients, client)
	close(client.send)
}

func (h *Hub) sendTo(client *Client, env envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		h.log.Error("failed to marshal ws envelope", zap.Error(err))
		return
	}
	select {
	case client.send <- payload:
	default:
		h.dropClient(client)
	}
}

func (h *Hub) publish(marketID int64, event string, data any) {
	payload, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		h.log.Error("failed to marshal ws envelope", zap.Error(err))
		return
	}
	select {
	case h.outbound <- broadcast{marketID: marketID, payload: payload}:
	default:
		h.log.Warn("ws outbound queue full, dropping event",
			zap.Int64("market_id", marketID),
			zap.String("event", event))
	}
}

// PublishTrade implements events.Publisher.
func (h *Hub) PublishTrade(ev events.TradeExecuted) {
	h.publish(ev.MarketID, events.EventTradeExecuted, ev)
}

// PublishOrderbook implements events.Publisher.
func (h *Hub) PublishOrderbook(ev events.OrderbookUpdate) {
	h.publish(ev.MarketID, events.EventOrderbookUpdate, ev)
}
