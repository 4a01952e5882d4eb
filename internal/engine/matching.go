package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Hoponga/bear-markets/internal/events"
	"github.com/Hoponga/bear-markets/internal/models"
)

// fill describes one execution step between a buyer and a seller.
// buyOrder/sellOrder are nil for the synthetic leg of a market-order
// sweep.
type fill struct {
	marketID      int64
	side          models.Side
	price         decimal.Decimal
	qty           int64
	buyerID       int64
	sellerID      int64
	buyOrder      *models.Order
	sellOrder     *models.Order
	isMarketOrder bool
}

// match crosses the taker against resting opposite-type orders on the
// same side, best price first, FIFO within a price level. Execution
// is at the maker's price. Makers whose owner can no longer afford a
// fill are skipped, not failed.
func (e *Engine) match(ctx context.Context, tx *sql.Tx, taker *models.Order, buf *eventBuffer) error {
	if taker.Remaining() <= 0 {
		return nil
	}

	// A seller must still hold the shares; the submit-time check can
	// be stale by the time the loop runs.
	if taker.OrderType == models.OrderTypeSell {
		pos, err := e.store.GetPosition(ctx, tx, taker.UserID, taker.MarketID)
		if err != nil {
			return err
		}
		if pos == nil || pos.Shares(taker.Side) < taker.Quantity {
			return nil
		}
	}

	makers, err := e.store.MatchCandidates(ctx, tx, taker)
	if err != nil {
		return err
	}

	for _, maker := range makers {
		if taker.Remaining() <= 0 {
			break
		}
		qty := min64(taker.Remaining(), maker.Remaining())
		if qty <= 0 {
			continue
		}

		f := fill{
			marketID: taker.MarketID,
			side:     taker.Side,
			price:    maker.Price, // maker's price: price improvement to the taker
			qty:      qty,
		}
		if taker.OrderType == models.OrderTypeBuy {
			f.buyerID, f.sellerID = taker.UserID, maker.UserID
			f.buyOrder, f.sellOrder = taker, maker
		} else {
			f.buyerID, f.sellerID = maker.UserID, taker.UserID
			f.buyOrder, f.sellOrder = maker, taker
		}

		if _, err := e.applyFill(ctx, tx, f, buf); err != nil {
			return err
		}
	}
	return nil
}

// applyFill executes one fill step atomically within the enclosing
// transaction: token transfer, share transfer, order advances, trade
// record, volume increment and the queued trade event. Returns false
// without error when the buyer's balance no longer covers the fill.
func (e *Engine) applyFill(ctx context.Context, tx *sql.Tx, f fill, buf *eventBuffer) (bool, error) {
	value := f.price.Mul(decimal.NewFromInt(f.qty))

	// Reconfirm at execution time: balances are shared across markets
	// and no funds are locked for resting BUY orders.
	balance, err := e.store.TokenBalance(ctx, tx, f.buyerID)
	if err != nil {
		return false, err
	}
	if balance.LessThan(value) {
		e.log.Debug("fill skipped: buyer balance below fill value",
			zap.Int64("market_id", f.marketID),
			zap.Int64("buyer_id", f.buyerID),
			zap.String("value", value.String()))
		return false, nil
	}

	if err := e.store.AdjustTokenBalance(ctx, tx, f.buyerID, value.Neg()); err != nil {
		return false, err
	}
	if err := e.store.AdjustTokenBalance(ctx, tx, f.sellerID, value); err != nil {
		return false, err
	}

	if err := e.store.DebitShares(ctx, tx, f.sellerID, f.marketID, f.side, f.qty); err != nil {
		return false, err
	}
	if err := e.store.CreditShares(ctx, tx, f.buyerID, f.marketID, f.side, f.qty, f.price); err != nil {
		return false, err
	}

	if f.buyOrder != nil {
		if err := e.advanceOrder(ctx, tx, f.buyOrder, f.qty); err != nil {
			return false, err
		}
	}
	if f.sellOrder != nil {
		if err := e.advanceOrder(ctx, tx, f.sellOrder, f.qty); err != nil {
			return false, err
		}
	}

	now := time.Now().UTC()
	trade := &models.Trade{
		MarketID:      f.marketID,
		BuyerID:       f.buyerID,
		SellerID:      f.sellerID,
		Side:          f.side,
		Price:         f.price,
		Quantity:      f.qty,
		Kind:          models.TradeKindMatch,
		IsMarketOrder: f.isMarketOrder,
		ExecutedAt:    now,
	}
	if f.buyOrder != nil {
		trade.BuyOrderID = &f.buyOrder.ID
	}
	if f.sellOrder != nil {
		trade.SellOrderID = &f.sellOrder.ID
	}
	if err := e.store.InsertTrade(ctx, tx, trade); err != nil {
		return false, err
	}

	if err := e.store.AddMarketVolume(ctx, tx, f.marketID, value); err != nil {
		return false, err
	}

	buf.addTrade(events.TradeExecuted{
		MarketID:  f.marketID,
		Side:      f.side,
		Price:     f.price,
		Quantity:  f.qty,
		Timestamp: now,
	})
	return true, nil
}

// advanceOrder applies a fill to an order's quantity and status and
// persists the change.
func (e *Engine) advanceOrder(ctx context.Context, tx *sql.Tx, o *models.Order, qty int64) error {
	o.FilledQuantity += qty
	if o.FilledQuantity >= o.Quantity {
		o.Status = models.OrderStatusFilled
	} else {
		o.Status = models.OrderStatusPartial
	}
	return e.store.AdvanceFill(ctx, tx, o)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
