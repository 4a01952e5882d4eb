package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Hoponga/bear-markets/internal/models"
)

// initialTokenBalance is granted to every user created through the
// bootstrap endpoint.
var initialTokenBalance = decimal.NewFromInt(1000)

func mapMarketErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrMarketNotFound
	}
	return fmt.Errorf("failed to load market: %w", err)
}

// CreateMarket opens a new active market.
func (e *Engine) CreateMarket(ctx context.Context, req *models.CreateMarketRequest, createdBy int64) (*models.Market, error) {
	return e.store.CreateMarket(ctx, req, createdBy)
}

// GetMarket fetches a market by ID.
func (e *Engine) GetMarket(ctx context.Context, marketID int64) (*models.Market, error) {
	market, err := e.store.GetMarket(ctx, nil, marketID)
	if err != nil {
		return nil, mapMarketErr(err)
	}
	return market, nil
}

// ListMarkets returns markets filtered by status (empty = all).
func (e *Engine) ListMarkets(ctx context.Context, status models.MarketStatus) ([]models.Market, error) {
	return e.store.ListMarkets(ctx, status)
}

// GetOrder fetches an order by ID.
func (e *Engine) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	order, err := e.store.GetOrder(ctx, nil, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return order, nil
}

// OrdersByUser returns a user's orders, optionally only OPEN/PARTIAL.
func (e *Engine) OrdersByUser(ctx context.Context, userID int64, openOnly bool) ([]*models.Order, error) {
	return e.store.OrdersByUser(ctx, userID, openOnly)
}

// TradesByMarket returns recent trades for a market, newest first.
func (e *Engine) TradesByMarket(ctx context.Context, marketID int64, limit int) ([]models.Trade, error) {
	if _, err := e.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	return e.store.TradesByMarket(ctx, marketID, limit)
}

// CreateUser bootstraps a user record with the starting token grant.
func (e *Engine) CreateUser(ctx context.Context, req *models.CreateUserRequest) (*models.User, error) {
	return e.store.CreateUser(ctx, req.Email, req.Name, initialTokenBalance, false)
}

// GetUser fetches a user by ID.
func (e *Engine) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	user, err := e.store.GetUser(ctx, nil, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return user, nil
}

// Portfolio assembles a user's balance, positions and open orders.
func (e *Engine) Portfolio(ctx context.Context, userID int64) (*models.Portfolio, error) {
	user, err := e.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	positions, err := e.store.PositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	orders, err := e.store.OrdersByUser(ctx, userID, true)
	if err != nil {
		return nil, err
	}

	p := &models.Portfolio{
		TokenBalance: user.TokenBalance,
		Positions:    positions,
		OpenOrders:   make([]models.Order, 0, len(orders)),
	}
	for _, o := range orders {
		p.OpenOrders = append(p.OpenOrders, *o)
	}
	return p, nil
}
