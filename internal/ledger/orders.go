package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Hoponga/bear-markets/internal/models"
)

// candidateLimit bounds how many resting orders one matching pass
// considers.
const candidateLimit = 100

const orderColumns = `
	id, market_id, user_id, side, order_type, price,
	quantity, filled_quantity, status, created_at, updated_at
`

func scanOrderRows(rows *sql.Rows) ([]*models.Order, error) {
	var orders []*models.Order
	for rows.Next() {
		var o models.Order
		if err := rows.Scan(
			&o.ID, &o.MarketID, &o.UserID, &o.Side, &o.OrderType, &o.Price,
			&o.Quantity, &o.FilledQuantity, &o.Status, &o.CreatedAt, &o.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, &o)
	}
	return orders, rows.Err()
}

// InsertOrder persists a new order and fills in its assigned ID.
func (s *Store) InsertOrder(ctx context.Context, tx *sql.Tx, o *models.Order) error {
	res, err := s.stmt(ctx, tx, s.insertOrderStmt).ExecContext(ctx,
		o.MarketID, o.UserID, o.Side, o.OrderType, o.Price,
		o.Quantity, o.FilledQuantity, o.Status, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get order ID: %w", err)
	}
	o.ID = id
	return nil
}

// GetOrder fetches an order by ID. Returns sql.ErrNoRows when absent.
func (s *Store) GetOrder(ctx context.Context, tx *sql.Tx, orderID int64) (*models.Order, error) {
	var o models.Order
	err := s.stmt(ctx, tx, s.selectOrderStmt).QueryRowContext(ctx, orderID).Scan(
		&o.ID, &o.MarketID, &o.UserID, &o.Side, &o.OrderType, &o.Price,
		&o.Quantity, &o.FilledQuantity, &o.Status, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// AdvanceFill persists an order's new filled quantity and status.
func (s *Store) AdvanceFill(ctx context.Context, tx *sql.Tx, o *models.Order) error {
	_, err := s.stmt(ctx, tx, s.applyFillStmt).ExecContext(ctx, o.FilledQuantity, o.Status, time.Now().UTC(), o.ID)
	if err != nil {
		return fmt.Errorf("failed to advance fill for order %d: %w", o.ID, err)
	}
	return nil
}

// SetOrderStatus updates only the status of an order.
func (s *Store) SetOrderStatus(ctx context.Context, tx *sql.Tx, orderID int64, status models.OrderStatus) error {
	_, err := s.stmt(ctx, tx, s.setOrderStatusStmt).ExecContext(ctx, status, time.Now().UTC(), orderID)
	if err != nil {
		return fmt.Errorf("failed to update status for order %d: %w", orderID, err)
	}
	return nil
}

// MatchCandidates returns resting makers an incoming taker can cross:
// opposite order type on the same outcome side, price-compatible,
// best price first, FIFO within a price level.
func (s *Store) MatchCandidates(ctx context.Context, tx *sql.Tx, taker *models.Order) ([]*models.Order, error) {
	var priceCmp, priceOrder string
	var makerType models.OrderType
	if taker.OrderType == models.OrderTypeBuy {
		makerType = models.OrderTypeSell
		priceCmp = "price <= ?"
		priceOrder = "price ASC"
	} else {
		makerType = models.OrderTypeBuy
		priceCmp = "price >= ?"
		priceOrder = "price DESC"
	}

	query := fmt.Sprintf(`
		SELECT %s FROM orders
		WHERE market_id = ? AND side = ? AND order_type = ?
		  AND %s AND status IN ('OPEN', 'PARTIAL') AND id <> ?
		ORDER BY %s, created_at ASC, id ASC
		LIMIT %d
	`, orderColumns, priceCmp, priceOrder, candidateLimit)

	rows, err := s.q(tx).QueryContext(ctx, query,
		taker.MarketID, taker.Side, makerType, taker.Price, taker.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query match candidates: %w", err)
	}
	defer rows.Close()
	return scanOrderRows(rows)
}

// MintCandidates returns resting BUY orders on the opposite side whose
// price is exactly the complement of the taker's, oldest first. The
// equality is exact because prices are stored as DECIMAL.
func (s *Store) MintCandidates(ctx context.Context, tx *sql.Tx, taker *models.Order) ([]*models.Order, error) {
	complement := decimal.NewFromInt(1).Sub(taker.Price)

	query := fmt.Sprintf(`
		SELECT %s FROM orders
		WHERE market_id = ? AND side = ? AND order_type = 'BUY'
		  AND price = ? AND status IN ('OPEN', 'PARTIAL') AND id <> ?
		ORDER BY created_at ASC, id ASC
		LIMIT %d
	`, orderColumns, candidateLimit)

	rows, err := s.q(tx).QueryContext(ctx, query,
		taker.MarketID, taker.Side.Opposite(), complement, taker.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query mint candidates: %w", err)
	}
	defer rows.Close()
	return scanOrderRows(rows)
}

// RestingOrders returns OPEN/PARTIAL orders of one type on one side,
// sorted best price first for a taker of the opposite direction.
func (s *Store) RestingOrders(ctx context.Context, tx *sql.Tx, marketID int64, side models.Side, orderType models.OrderType) ([]*models.Order, error) {
	priceOrder := "price ASC"
	if orderType == models.OrderTypeBuy {
		priceOrder = "price DESC"
	}

	query := fmt.Sprintf(`
		SELECT %s FROM orders
		WHERE market_id = ? AND side = ? AND order_type = ?
		  AND status IN ('OPEN', 'PARTIAL')
		ORDER BY %s, created_at ASC, id ASC
		LIMIT %d
	`, orderColumns, priceOrder, candidateLimit)

	rows, err := s.q(tx).QueryContext(ctx, query, marketID, side, orderType)
	if err != nil {
		return nil, fmt.Errorf("failed to query resting orders: %w", err)
	}
	defer rows.Close()
	return scanOrderRows(rows)
}

// OpenBuyOrders returns every OPEN/PARTIAL BUY order on a market, used
// by the delete-with-refund sweep.
func (s *Store) OpenBuyOrders(ctx context.Context, tx *sql.Tx, marketID int64) ([]*models.Order, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM orders
		WHERE market_id = ? AND order_type = 'BUY' AND status IN ('OPEN', 'PARTIAL')
	`, orderColumns)

	rows, err := s.q(tx).QueryContext(ctx, query, marketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query open buy orders: %w", err)
	}
	defer rows.Close()
	return scanOrderRows(rows)
}

// CancelOpenOrders transitions every OPEN/PARTIAL order on a market to
// CANCELLED and reports how many were affected.
func (s *Store) CancelOpenOrders(ctx context.Context, tx *sql.Tx, marketID int64) (int64, error) {
	res, err := s.stmt(ctx, tx, s.cancelMarketOrders).ExecContext(ctx, time.Now().UTC(), marketID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel open orders: %w", err)
	}
	return res.RowsAffected()
}

// OrdersByUser returns a user's orders, newest first.
func (s *Store) OrdersByUser(ctx context.Context, userID int64, openOnly bool) ([]*models.Order, error) {
	query := fmt.Sprintf(`SELECT %s FROM orders WHERE user_id = ?`, orderColumns)
	if openOnly {
		query += " AND status IN ('OPEN', 'PARTIAL')"
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user orders: %w", err)
	}
	defer rows.Close()
	return scanOrderRows(rows)
}

// OpenLevels aggregates OPEN/PARTIAL orders into (side, type, price)
// buckets of remaining quantity. The Orderbook View sorts and shapes
// the result.
type LevelRow struct {
	Side      models.Side
	OrderType models.OrderType
	Price     decimal.Decimal
	Quantity  int64
}

func (s *Store) OpenLevels(ctx context.Context, tx *sql.Tx, marketID int64) ([]LevelRow, error) {
	rows, err := s.q(tx).QueryContext(ctx, `
		SELECT side, order_type, price, SUM(quantity - filled_quantity)
		FROM orders
		WHERE market_id = ? AND status IN ('OPEN', 'PARTIAL')
		GROUP BY side, order_type, price
	`, marketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query orderbook levels: %w", err)
	}
	defer rows.Close()

	var levels []LevelRow
	for rows.Next() {
		var lv LevelRow
		if err := rows.Scan(&lv.Side, &lv.OrderType, &lv.Price, &lv.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan orderbook level: %w", err)
		}
		levels = append(levels, lv)
	}
	return levels, rows.Err()
}
