package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Hoponga/bear-markets/internal/models"
)

// transientPriceCap keeps the fallback mint order's price inside the
// valid (0,1) range when the midpoint is already near 1.
var transientPriceCap = decimal.NewFromFloat(0.99)

var priceTick = decimal.NewFromFloat(0.01)

// ExecuteMarketOrder sweeps the book: by token budget for BUY, by
// share quantity for SELL. A BUY that finds no asks at all falls back
// to a single mint attempt through a transient limit order.
func (e *Engine) ExecuteMarketOrder(ctx context.Context, req *models.MarketOrderRequest) (*models.MarketOrderResult, error) {
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	if req.OrderType == models.OrderTypeSell && !req.Amount.IsInteger() {
		return nil, ErrInvalidQuantity
	}

	mtx := e.marketMutex(req.MarketID)
	mtx.Lock()
	defer mtx.Unlock()

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if _, err := e.activeMarket(ctx, tx, req.MarketID); err != nil {
		tx.Rollback()
		return nil, err
	}

	buf := &eventBuffer{}
	var result *models.MarketOrderResult
	if req.OrderType == models.OrderTypeBuy {
		result, err = e.marketBuy(ctx, tx, req, buf)
	} else {
		result, err = e.marketSell(ctx, tx, req, buf)
	}
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := e.refreshMidpoints(ctx, tx, req.MarketID, buf); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	buf.flush(e.pub)
	e.log.Info("market order executed",
		zap.Int64("market_id", req.MarketID),
		zap.Int64("user_id", req.UserID),
		zap.String("type", string(req.OrderType)),
		zap.Int64("shares_filled", result.SharesFilled),
		zap.String("tokens", result.TokensSpent.String()))
	return result, nil
}

// marketBuy walks the asks cheapest-first, spending at most the token
// budget, then falls back to minting when the book had no fills.
func (e *Engine) marketBuy(ctx context.Context, tx *sql.Tx, req *models.MarketOrderRequest, buf *eventBuffer) (*models.MarketOrderResult, error) {
	budget := req.Amount

	balance, err := e.store.TokenBalance(ctx, tx, req.UserID)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(budget) {
		return nil, ErrInsufficientBalance
	}

	asks, err := e.store.RestingOrders(ctx, tx, req.MarketID, req.Side, models.OrderTypeSell)
	if err != nil {
		return nil, err
	}

	remainingBudget := budget
	var totalFilled int64
	tokensSpent := decimal.Zero

	for _, ask := range asks {
		r := ask.Remaining()
		if r <= 0 {
			continue
		}
		affordable := remainingBudget.Div(ask.Price).Floor().IntPart()
		qty := min64(affordable, r)
		if qty <= 0 {
			break
		}

		executed, err := e.applyFill(ctx, tx, fill{
			marketID:      req.MarketID,
			side:          req.Side,
			price:         ask.Price,
			qty:           qty,
			buyerID:       req.UserID,
			sellerID:      ask.UserID,
			sellOrder:     ask,
			isMarketOrder: true,
		}, buf)
		if err != nil {
			return nil, err
		}
		if !executed {
			continue
		}

		value := ask.Price.Mul(decimal.NewFromInt(qty))
		remainingBudget = remainingBudget.Sub(value)
		tokensSpent = tokensSpent.Add(value)
		totalFilled += qty
	}

	// Nothing on the book: try to create the shares instead by pairing
	// with opposite-side buyers through a transient limit order.
	if totalFilled == 0 && remainingBudget.GreaterThan(decimal.Zero) {
		minted, spent, err := e.fallbackMint(ctx, tx, req, remainingBudget, buf)
		if err != nil {
			return nil, err
		}
		totalFilled += minted
		tokensSpent = tokensSpent.Add(spent)
	}

	return buildMarketOrderResult(models.OrderTypeBuy, totalFilled, tokensSpent), nil
}

// fallbackMint synthesizes a BUY limit order priced one tick above the
// midpoint (capped below 1) and runs it through the minting engine.
// Whatever does not mint is cancelled rather than rested.
func (e *Engine) fallbackMint(ctx context.Context, tx *sql.Tx, req *models.MarketOrderRequest, budget decimal.Decimal, buf *eventBuffer) (int64, decimal.Decimal, error) {
	ob, err := e.buildSnapshot(ctx, tx, req.MarketID)
	if err != nil {
		return 0, decimal.Zero, err
	}
	mid := ob.Midpoint(req.Side)
	if mid.LessThanOrEqual(decimal.Zero) {
		return 0, decimal.Zero, nil
	}

	price := mid.Add(priceTick)
	if price.GreaterThan(transientPriceCap) {
		price = transientPriceCap
	}
	qty := budget.Div(mid).Floor().IntPart()
	if qty <= 0 {
		return 0, decimal.Zero, nil
	}

	now := time.Now().UTC()
	transient := &models.Order{
		MarketID:  req.MarketID,
		UserID:    req.UserID,
		Side:      req.Side,
		OrderType: models.OrderTypeBuy,
		Price:     price,
		Quantity:  qty,
		Status:    models.OrderStatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.InsertOrder(ctx, tx, transient); err != nil {
		return 0, decimal.Zero, err
	}

	if err := e.mint(ctx, tx, transient, buf); err != nil {
		return 0, decimal.Zero, err
	}

	if transient.FilledQuantity < transient.Quantity {
		if err := e.store.SetOrderStatus(ctx, tx, transient.ID, models.OrderStatusCancelled); err != nil {
			return 0, decimal.Zero, err
		}
	}

	spent := price.Mul(decimal.NewFromInt(transient.FilledQuantity))
	return transient.FilledQuantity, spent, nil
}

// marketSell walks the bids highest-first until the requested share
// count is sold. Buyers who can no longer pay are skipped.
func (e *Engine) marketSell(ctx context.Context, tx *sql.Tx, req *models.MarketOrderRequest, buf *eventBuffer) (*models.MarketOrderResult, error) {
	shares := req.Amount.IntPart()

	pos, err := e.store.GetPosition(ctx, tx, req.UserID, req.MarketID)
	if err != nil {
		return nil, err
	}
	if pos == nil || pos.Shares(req.Side) < shares {
		return nil, ErrInsufficientShares
	}

	bids, err := e.store.RestingOrders(ctx, tx, req.MarketID, req.Side, models.OrderTypeBuy)
	if err != nil {
		return nil, err
	}

	remaining := shares
	var totalFilled int64
	proceeds := decimal.Zero

	for _, bid := range bids {
		if remaining <= 0 {
			break
		}
		qty := min64(remaining, bid.Remaining())
		if qty <= 0 {
			continue
		}

		executed, err := e.applyFill(ctx, tx, fill{
			marketID:      req.MarketID,
			side:          req.Side,
			price:         bid.Price,
			qty:           qty,
			buyerID:       bid.UserID,
			sellerID:      req.UserID,
			buyOrder:      bid,
			isMarketOrder: true,
		}, buf)
		if err != nil {
			return nil, err
		}
		if !executed {
			continue
		}

		proceeds = proceeds.Add(bid.Price.Mul(decimal.NewFromInt(qty)))
		remaining -= qty
		totalFilled += qty
	}

	return buildMarketOrderResult(models.OrderTypeSell, totalFilled, proceeds), nil
}

func buildMarketOrderResult(orderType models.OrderType, filled int64, tokens decimal.Decimal) *models.MarketOrderResult {
	result := &models.MarketOrderResult{
		SharesFilled: filled,
		TokensSpent:  tokens,
		AveragePrice: decimal.Zero,
	}
	if filled > 0 {
		result.AveragePrice = tokens.DivRound(decimal.NewFromInt(filled), 6)
	}

	switch {
	case filled == 0:
		result.Message = "No liquidity available to fill the order"
	case orderType == models.OrderTypeBuy:
		result.Message = fmt.Sprintf("Bought %d shares for %s tokens", filled, tokens.StringFixed(2))
	default:
		result.Message = fmt.Sprintf("Sold %d shares for %s tokens", filled, tokens.StringFixed(2))
	}
	return result
}
