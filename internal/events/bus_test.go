package events

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hoponga/bear-markets/internal/models"
)

func TestBus_DeliversToMarketSubscribers(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	ch := bus.Subscribe(1)
	other := bus.Subscribe(2)

	bus.PublishTrade(TradeExecuted{
		MarketID:  1,
		Side:      models.SideYes,
		Price:     decimal.NewFromFloat(0.6),
		Quantity:  4,
		Timestamp: time.Now(),
	})

	select {
	case ev := <-ch:
		assert.Equal(t, EventTradeExecuted, ev.Name)
		trade, ok := ev.Data.(TradeExecuted)
		require.True(t, ok)
		assert.Equal(t, int64(4), trade.Quantity)
	case <-time.After(time.Second):
		t.Fatal("expected trade event on market 1")
	}

	select {
	case ev := <-other:
		t.Fatalf("market 2 subscriber received unexpected event %q", ev.Name)
	default:
	}
}

func TestBus_OrderbookEvent(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	ch := bus.Subscribe(7)
	bus.PublishOrderbook(NewOrderbookUpdate(7, &models.Orderbook{
		MidpointYes: decimal.NewFromFloat(0.55),
		MidpointNo:  decimal.NewFromFloat(0.45),
	}))

	ev := <-ch
	assert.Equal(t, EventOrderbookUpdate, ev.Name)
	update, ok := ev.Data.(OrderbookUpdate)
	require.True(t, ok)
	assert.True(t, update.Midpoint[models.SideYes].Equal(decimal.NewFromFloat(0.55)))
}

func TestBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	ch := bus.Subscribe(1)
	for i := 0; i < 5; i++ {
		bus.PublishTrade(TradeExecuted{MarketID: 1, Quantity: int64(i)})
	}

	// Buffer holds exactly one event, the rest were dropped.
	<-ch
	select {
	case ev := <-ch:
		t.Fatalf("expected empty channel, got %q", ev.Name)
	default:
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	ch := bus.Subscribe(3)
	bus.Unsubscribe(3, ch)

	// Channel is closed after unsubscribe.
	_, open := <-ch
	assert.False(t, open)

	// Publishing afterwards must not panic.
	bus.PublishTrade(TradeExecuted{MarketID: 3, Quantity: 1})
}
