package engine

import (
	"context"
	"database/sql"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/Hoponga/bear-markets/internal/models"
)

var one = decimal.NewFromInt(1)

var defaultMidpoint = decimal.NewFromFloat(0.5)

// Snapshot returns the aggregated orderbook for a market. Reads run
// outside the market lock: a snapshot is advisory and the push channel
// delivers a fresh one after every mutation anyway.
func (e *Engine) Snapshot(ctx context.Context, marketID int64) (*models.Orderbook, error) {
	if _, err := e.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	return e.buildSnapshot(ctx, nil, marketID)
}

// buildSnapshot aggregates OPEN/PARTIAL orders into sorted price levels
// and computes the midpoint for each side.
func (e *Engine) buildSnapshot(ctx context.Context, tx *sql.Tx, marketID int64) (*models.Orderbook, error) {
	levels, err := e.store.OpenLevels(ctx, tx, marketID)
	if err != nil {
		return nil, err
	}

	ob := &models.Orderbook{}
	for _, lv := range levels {
		book := ob.SideBook(lv.Side)
		level := models.OrderbookLevel{Price: lv.Price, Quantity: lv.Quantity}
		if lv.OrderType == models.OrderTypeBuy {
			book.Bids = append(book.Bids, level)
		} else {
			book.Asks = append(book.Asks, level)
		}
	}

	for _, side := range []models.Side{models.SideYes, models.SideNo} {
		book := ob.SideBook(side)
		sortLevels(book.Bids, true)
		sortLevels(book.Asks, false)
	}
	ob.MidpointYes = midpoint(&ob.Yes)
	ob.MidpointNo = midpoint(&ob.No)
	return ob, nil
}

func sortLevels(levels []models.OrderbookLevel, descending bool) {
	sort.Slice(levels, func(i, j int) bool {
		cmp := levels[i].Price.Cmp(levels[j].Price)
		if descending {
			return cmp > 0
		}
		return cmp < 0
	})
}

// midpoint derives the indicative price for one side: the bid/ask
// average when both are inside (0,1), the bounded quote when only one
// is, and 0.5 for an empty book.
func midpoint(book *models.OrderbookSide) decimal.Decimal {
	bestBid := decimal.Zero
	if len(book.Bids) > 0 {
		bestBid = book.Bids[0].Price
	}
	bestAsk := one
	if len(book.Asks) > 0 {
		bestAsk = book.Asks[0].Price
	}

	bidInside := bestBid.GreaterThan(decimal.Zero)
	askInside := bestAsk.LessThan(one)
	switch {
	case bidInside && askInside:
		return bestBid.Add(bestAsk).DivRound(decimal.NewFromInt(2), 6)
	case bidInside:
		return bestBid
	case askInside:
		return bestAsk
	default:
		return defaultMidpoint
	}
}
