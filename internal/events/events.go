// Package events defines the engine's outbound event stream: typed
// payloads, the Publisher sink the engine writes to, and an in-process
// Bus for programmatic subscribers.
package events

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Hoponga/bear-markets/internal/models"
)

// TradeExecuted is pushed for every fill, mint or sweep leg.
// TradeType is set to "MINT" for minting trades and omitted otherwise.
type TradeExecuted struct {
	MarketID  int64           `json:"market_id"`
	Side      models.Side     `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
	TradeType string          `json:"trade_type,omitempty"`
}

// OrderbookUpdate carries the full two-sided snapshot and midpoints.
type OrderbookUpdate struct {
	MarketID  int64                                `json:"market_id"`
	Orderbook map[models.Side]models.OrderbookSide `json:"orderbook"`
	Midpoint  map[models.Side]decimal.Decimal      `json:"midpoint"`
}

// NewOrderbookUpdate shapes a snapshot into the wire payload.
func NewOrderbookUpdate(marketID int64, ob *models.Orderbook) OrderbookUpdate {
	return OrderbookUpdate{
		MarketID: marketID,
		Orderbook: map[models.Side]models.OrderbookSide{
			models.SideYes: ob.Yes,
			models.SideNo:  ob.No,
		},
		Midpoint: map[models.Side]decimal.Decimal{
			models.SideYes: ob.MidpointYes,
			models.SideNo:  ob.MidpointNo,
		},
	}
}

// Publisher is the sink the engine emits to. Publishing must never
// block the engine's critical section.
type Publisher interface {
	PublishTrade(ev TradeExecuted)
	PublishOrderbook(ev OrderbookUpdate)
}

// NopPublisher discards every event. Used in tests and as a default.
type NopPublisher struct{}

func (NopPublisher) PublishTrade(TradeExecuted)       {}
func (NopPublisher) PublishOrderbook(OrderbookUpdate) {}
