package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Hoponga/bear-markets/internal/engine"
	"github.com/Hoponga/bear-markets/internal/events"
	"github.com/Hoponga/bear-markets/internal/models"
)

func testSnapshot(ctx context.Context, marketID int64) (*models.Orderbook, error) {
	if marketID != 1 {
		return nil, engine.ErrMarketNotFound
	}
	return &models.Orderbook{
		Yes: models.OrderbookSide{
			Bids: []models.OrderbookLevel{{Price: decimal.NewFromFloat(0.4), Quantity: 5}},
		},
		MidpointYes: decimal.NewFromFloat(0.4),
		MidpointNo:  decimal.NewFromFloat(0.5),
	}, nil
}

func dialTestHub(t *testing.T) (*Hub, *websocket.Conn) {
	t.Helper()

	hub := NewHub(testSnapshot, zap.NewNop())
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWS(hub, w, r)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return hub, conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&env))
	return env.Event, env.Data
}

func TestHub_SubscribeSendsSnapshot(t *testing.T) {
	_, conn := dialTestHub(t)

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "subscribe", "market_id": 1}))

	event, data := readEnvelope(t, conn)
	assert.Equal(t, events.EventOrderbookUpdate, event)

	var update events.OrderbookUpdate
	require.NoError(t, json.Unmarshal(data, &update))
	assert.Equal(t, int64(1), update.MarketID)
	require.Len(t, update.Orderbook[models.SideYes].Bids, 1)
	assert.True(t, update.Midpoint[models.SideYes].Equal(decimal.NewFromFloat(0.4)))
}

func TestHub_SubscribeUnknownMarketSendsError(t *testing.T) {
	_, conn := dialTestHub(t)

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "subscribe", "market_id": 99}))

	event, _ := readEnvelope(t, conn)
	assert.Equal(t, "error", event)
}

func TestHub_BroadcastsTradesToRoom(t *testing.T) {
	hub, conn := dialTestHub(t)

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "subscribe", "market_id": 1}))
	event, _ := readEnvelope(t, conn)
	require.Equal(t, events.EventOrderbookUpdate, event)

	hub.PublishTrade(events.TradeExecuted{
		MarketID: 1,
		Side:     models.SideYes,
		Price:    decimal.NewFromFloat(0.6),
		Quantity: 3,
	})

	event, data := readEnvelope(t, conn)
	assert.Equal(t, events.EventTradeExecuted, event)

	var trade events.TradeExecuted
	require.NoError(t, json.Unmarshal(data, &trade))
	assert.Equal(t, int64(3), trade.Quantity)
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	hub, conn := dialTestHub(t)

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "subscribe", "market_id": 1}))
	event, _ := readEnvelope(t, conn)
	require.Equal(t, events.EventOrderbookUpdate, event)

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "unsubscribe", "market_id": 1}))
	// Give the hub a moment to process the room change.
	time.Sleep(50 * time.Millisecond)

	hub.PublishTrade(events.TradeExecuted{MarketID: 1, Quantity: 1})

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var env map[string]any
	err := conn.ReadJSON(&env)
	assert.Error(t, err, "expected read timeout, got %v", env)
}
