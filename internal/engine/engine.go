// Package engine implements the per-market matching and minting core:
// limit-order crossing, complementary share minting, market-order
// sweeps, resolution payouts and the delete-with-refund path.
//
// Every state-mutating operation on a market runs under that market's
// mutex and inside a single DB transaction. Events are buffered during
// the transaction and published after commit, in execution order.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Hoponga/bear-markets/internal/events"
	"github.com/Hoponga/bear-markets/internal/ledger"
	"github.com/Hoponga/bear-markets/internal/models"
)

// Engine is the exchange core. It owns the ledger store, the event
// sink and the per-market critical sections.
type Engine struct {
	store *ledger.Store
	log   *zap.Logger
	pub   events.Publisher

	marketMutexes map[int64]*sync.Mutex
	globalMutex   sync.RWMutex
}

// New constructs an Engine. The publisher is a constructor parameter
// so tests can pass events.NopPublisher.
func New(store *ledger.Store, logger *zap.Logger, pub events.Publisher) *Engine {
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &Engine{
		store:         store,
		log:           logger,
		pub:           pub,
		marketMutexes: make(map[int64]*sync.Mutex),
	}
}

// marketMutex returns the mutex serializing writes to one market,
// creating it if necessary.
func (e *Engine) marketMutex(marketID int64) *sync.Mutex {
	e.globalMutex.RLock()
	mtx, ok := e.marketMutexes[marketID]
	e.globalMutex.RUnlock()

	if !ok {
		e.globalMutex.Lock()
		if mtx, ok = e.marketMutexes[marketID]; !ok {
			mtx = &sync.Mutex{}
			e.marketMutexes[marketID] = mtx
		}
		e.globalMutex.Unlock()
	}
	return mtx
}

// eventBuffer collects events during a transaction so nothing is
// published for work that rolls back. Trades flush in execution order,
// the orderbook update last.
type eventBuffer struct {
	trades []events.TradeExecuted
	book   *events.OrderbookUpdate
}

func (b *eventBuffer) addTrade(ev events.TradeExecuted) {
	b.trades = append(b.trades, ev)
}

func (b *eventBuffer) setBook(ev events.OrderbookUpdate) {
	b.book = &ev
}

func (b *eventBuffer) flush(pub events.Publisher) {
	for _, ev := range b.trades {
		pub.PublishTrade(ev)
	}
	if b.book != nil {
		pub.PublishOrderbook(*b.book)
	}
}

// SubmitLimitOrder validates and persists a limit order, runs minting
// (BUY only) then matching, refreshes the market midpoints and returns
// the order in its post-execution state.
func (e *Engine) SubmitLimitOrder(ctx context.Context, req *models.CreateOrderRequest) (*models.Order, error) {
	if err := validateLimitOrder(req); err != nil {
		return nil, err
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

	market, err := e.activeMarket(ctx, tx, req.MarketID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := e.checkSubmitPreconditions(ctx, tx, req); err != nil {
		tx.Rollback()
		return nil, err
	}

	now := time.Now().UTC()
	order := &models.Order{
		MarketID:  req.MarketID,
		UserID:    req.UserID,
		Side:      req.Side,
		OrderType: req.OrderType,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Status:    models.OrderStatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.InsertOrder(ctx, tx, order); err != nil {
		tx.Rollback()
		return nil, err
	}

	buf := &eventBuffer{}

	if order.OrderType == models.OrderTypeBuy {
		if err := e.mint(ctx, tx, order, buf); err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	if err := e.match(ctx, tx, order, buf); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := e.refreshMidpoints(ctx, tx, market.ID, buf); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	buf.flush(e.pub)
	e.log.Info("limit order processed",
		zap.Int64("order_id", order.ID),
		zap.Int64("market_id", order.MarketID),
		zap.String("side", string(order.Side)),
		zap.String("type", string(order.OrderType)),
		zap.String("status", string(order.Status)),
		zap.Int64("filled", order.FilledQuantity))

	return order, nil
}

// CancelOrder transitions an OPEN/PARTIAL order owned by requesterID
// to CANCELLED.
func (e *Engine) CancelOrder(ctx context.Context, orderID, requesterID int64) (*models.Order, error) {
	order, err := e.store.GetOrder(ctx, nil, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	if order.UserID != requesterID {
		return nil, ErrNotOwner
	}

	mtx := e.marketMutex(order.MarketID)
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

	// Re-check inside the transaction: the order may have filled or
	// been cancelled while we waited for the market lock.
	order, err = e.store.GetOrder(ctx, tx, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return nil, ErrOrderNotFound
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to re-check order: %w", err)
	}
	if order.Status != models.OrderStatusOpen && order.Status != models.OrderStatusPartial {
		tx.Rollback()
		return nil, ErrOrderNotCancelable
	}

	if err := e.store.SetOrderStatus(ctx, tx, orderID, models.OrderStatusCancelled); err != nil {
		tx.Rollback()
		return nil, err
	}

	buf := &eventBuffer{}
	if err := e.refreshMidpoints(ctx, tx, order.MarketID, buf); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	buf.flush(e.pub)
	order.Status = models.OrderStatusCancelled
	e.log.Info("order cancelled", zap.Int64("order_id", orderID), zap.Int64("market_id", order.MarketID))
	return order, nil
}

// activeMarket loads a market and requires it to be active.
func (e *Engine) activeMarket(ctx context.Context, tx *sql.Tx, marketID int64) (*models.Market, error) {
	market, err := e.store.GetMarket(ctx, tx, marketID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMarketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load market: %w", err)
	}
	if market.Status != models.MarketStatusActive {
		return nil, ErrMarketNotActive
	}
	return market, nil
}

// checkSubmitPreconditions enforces the share and balance requirements
// at submit time. The balance check for BUY orders is preliminary:
// fills settle at the maker's price and reconfirm the balance then.
func (e *Engine) checkSubmitPreconditions(ctx context.Context, tx *sql.Tx, req *models.CreateOrderRequest) error {
	if req.OrderType == models.OrderTypeSell {
		pos, err := e.store.GetPosition(ctx, tx, req.UserID, req.MarketID)
		if err != nil {
			return err
		}
		if pos == nil || pos.Shares(req.Side) < req.Quantity {
			return ErrInsufficientShares
		}
		return nil
	}

	balance, err := e.store.TokenBalance(ctx, tx, req.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load balance: %w", err)
	}
	maxCost := req.Price.Mul(decimal.NewFromInt(req.Quantity))
	if balance.LessThan(maxCost) {
		return ErrInsufficientBalance
	}
	return nil
}

// refreshMidpoints recomputes the orderbook projection, persists the
// midpoints onto the market record and queues the orderbook_update.
func (e *Engine) refreshMidpoints(ctx context.Context, tx *sql.Tx, marketID int64, buf *eventBuffer) error {
	ob, err := e.buildSnapshot(ctx, tx, marketID)
	if err != nil {
		return err
	}
	if err := e.store.UpdateMarketPrices(ctx, tx, marketID, ob.MidpointYes, ob.MidpointNo); err != nil {
		return err
	}
	buf.setBook(events.NewOrderbookUpdate(marketID, ob))
	return nil
}

// validateLimitOrder applies the domain range checks that the struct
// validator cannot express.
func validateLimitOrder(req *models.CreateOrderRequest) error {
	if req.Price.LessThanOrEqual(decimal.Zero) || req.Price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return ErrInvalidPrice
	}
	if req.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	return nil
}
