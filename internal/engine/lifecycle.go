package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Hoponga/bear-markets/internal/models"
)

// ResolveMarket settles a market on the winning outcome: every share
// on that side pays out one token, losing shares pay nothing, and all
// open orders are cancelled. Returns the number of holders who
// received a payout.
func (e *Engine) ResolveMarket(ctx context.Context, marketID int64, outcome models.Side) (int, error) {
	mtx := e.marketMutex(marketID)
	mtx.Lock()
	defer mtx.Unlock()

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if _, err := e.activeMarket(ctx, tx, marketID); err != nil {
		tx.Rollback()
		return 0, err
	}

	resolved, err := e.store.MarkResolved(ctx, tx, marketID, outcome)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	if !resolved {
		tx.Rollback()
		return 0, ErrMarketNotActive
	}

	positions, err := e.store.PositionsByMarket(ctx, tx, marketID)
	if err != nil {
		tx.Rollback()
		return 0, err
	}

	paid := 0
	for _, pos := range positions {
		shares := pos.Shares(outcome)
		if shares <= 0 {
			continue
		}
		payout := decimal.NewFromInt(shares)
		if err := e.store.AdjustTokenBalance(ctx, tx, pos.UserID, payout); err != nil {
			tx.Rollback()
			return 0, err
		}
		paid++
	}

	cancelled, err := e.store.CancelOpenOrders(ctx, tx, marketID)
	if err != nil {
		tx.Rollback()
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	e.log.Info("market resolved",
		zap.Int64("market_id", marketID),
		zap.String("outcome", string(outcome)),
		zap.Int("holders_paid", paid),
		zap.Int64("orders_cancelled", cancelled))
	return paid, nil
}

// DeleteMarket removes a market and makes its participants whole:
// positions are refunded at their weighted-average cost, unfilled BUY
// orders at their limit price, then every row belonging to the market
// is purged.
func (e *Engine) DeleteMarket(ctx context.Context, marketID int64) (*models.DeleteMarketResult, error) {
	mtx := e.marketMutex(marketID)
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

	if _, err := e.store.GetMarket(ctx, tx, marketID); err != nil {
		tx.Rollback()
		return nil, mapMarketErr(err)
	}

	positions, err := e.store.PositionsByMarket(ctx, tx, marketID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	total := decimal.Zero
	users := 0
	for _, pos := range positions {
		refund := decimal.NewFromInt(pos.YesShares).Mul(pos.AvgYesPrice).
			Add(decimal.NewFromInt(pos.NoShares).Mul(pos.AvgNoPrice))
		if refund.LessThanOrEqual(decimal.Zero) {
			continue
		}
		if err := e.store.AdjustTokenBalance(ctx, tx, pos.UserID, refund); err != nil {
			tx.Rollback()
			return nil, err
		}
		total = total.Add(refund)
		users++
	}

	// SELL orders need no refund here: the shares they would have sold
	// were already refunded through the position sweep above.
	buys, err := e.store.OpenBuyOrders(ctx, tx, marketID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	for _, o := range buys {
		refund := o.Price.Mul(decimal.NewFromInt(o.Remaining()))
		if refund.LessThanOrEqual(decimal.Zero) {
			continue
		}
		if err := e.store.AdjustTokenBalance(ctx, tx, o.UserID, refund); err != nil {
			tx.Rollback()
			return nil, err
		}
		total = total.Add(refund)
	}

	if err := e.store.PurgeMarket(ctx, tx, marketID); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	e.log.Info("market deleted",
		zap.Int64("market_id", marketID),
		zap.String("total_refunded", total.String()),
		zap.Int("users_refunded", users))
	return &models.DeleteMarketResult{TotalRefunded: total, UsersRefunded: users}, nil
}
