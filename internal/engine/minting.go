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

// mint pairs a BUY taker with resting BUY orders on the opposite side
// whose price is exactly 1 − taker.price, creating complementary
// share pairs. A YES and a NO share together pay exactly $1 at
// resolution, so the pair can be created from the two buyers' tokens
// with no inventory. Runs before matching.
func (e *Engine) mint(ctx context.Context, tx *sql.Tx, taker *models.Order, buf *eventBuffer) error {
	if taker.OrderType != models.OrderTypeBuy || taker.Remaining() <= 0 {
		return nil
	}

	candidates, err := e.store.MintCandidates(ctx, tx, taker)
	if err != nil {
		return err
	}

	for _, cand := range candidates {
		if taker.Remaining() <= 0 {
			break
		}
		qty := min64(taker.Remaining(), cand.Remaining())
		if qty <= 0 {
			continue
		}

		qtyDec := decimal.NewFromInt(qty)
		takerCost := taker.Price.Mul(qtyDec)
		candCost := cand.Price.Mul(qtyDec) // the two legs sum to qty × $1

		// Each side pays its own leg; skip the candidate when either
		// balance falls short.
		takerBalance, err := e.store.TokenBalance(ctx, tx, taker.UserID)
		if err != nil {
			return err
		}
		candBalance, err := e.store.TokenBalance(ctx, tx, cand.UserID)
		if err != nil {
			return err
		}
		if takerBalance.LessThan(takerCost) || candBalance.LessThan(candCost) {
			e.log.Debug("mint skipped: leg not covered",
				zap.Int64("market_id", taker.MarketID),
				zap.Int64("taker_order", taker.ID),
				zap.Int64("candidate_order", cand.ID))
			continue
		}

		if err := e.store.AdjustTokenBalance(ctx, tx, taker.UserID, takerCost.Neg()); err != nil {
			return err
		}
		if err := e.store.AdjustTokenBalance(ctx, tx, cand.UserID, candCost.Neg()); err != nil {
			return err
		}

		if err := e.store.CreditShares(ctx, tx, taker.UserID, taker.MarketID, taker.Side, qty, taker.Price); err != nil {
			return err
		}
		if err := e.store.CreditShares(ctx, tx, cand.UserID, cand.MarketID, cand.Side, qty, cand.Price); err != nil {
			return err
		}

		if err := e.advanceOrder(ctx, tx, taker, qty); err != nil {
			return err
		}
		if err := e.advanceOrder(ctx, tx, cand, qty); err != nil {
			return err
		}

		// Both refs point at BUY orders here; consumers must key off
		// Kind, not off which ref is present.
		now := time.Now().UTC()
		trade := &models.Trade{
			MarketID:    taker.MarketID,
			BuyOrderID:  &taker.ID,
			SellOrderID: &cand.ID,
			BuyerID:     taker.UserID,
			SellerID:    cand.UserID,
			Side:        taker.Side,
			Price:       taker.Price,
			Quantity:    qty,
			Kind:        models.TradeKindMint,
			ExecutedAt:  now,
		}
		if err := e.store.InsertTrade(ctx, tx, trade); err != nil {
			return err
		}

		// Volume counts one token per share created: the legs sum to $1.
		if err := e.store.AddMarketVolume(ctx, tx, taker.MarketID, qtyDec); err != nil {
			return err
		}

		buf.addTrade(events.TradeExecuted{
			MarketID:  taker.MarketID,
			Side:      taker.Side,
			Price:     taker.Price,
			Quantity:  qty,
			Timestamp: now,
			TradeType: string(models.TradeKindMint),
		})
	}
	return nil
}
