package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Hoponga/bear-markets/internal/models"
)

// InsertTrade appends an immutable trade record and fills in its ID.
func (s *Store) InsertTrade(ctx context.Context, tx *sql.Tx, t *models.Trade) error {
	res, err := s.stmt(ctx, tx, s.insertTradeStmt).ExecContext(ctx,
		t.MarketID, t.BuyOrderID, t.SellOrderID, t.BuyerID, t.SellerID,
		t.Side, t.Price, t.Quantity, t.Kind, t.IsMarketOrder, t.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get trade ID: %w", err)
	}
	t.ID = id
	return nil
}

// TradesByMarket returns recent trades for a market, newest first
// (limit 0 = no limit).
func (s *Store) TradesByMarket(ctx context.Context, marketID int64, limit int) ([]models.Trade, error) {
	query := `
		SELECT id, market_id, buy_order_id, sell_order_id, buyer_id, seller_id,
		       side, price, quantity, kind, is_market_order, executed_at
		FROM trades
		WHERE market_id = ?
		ORDER BY executed_at DESC, id DESC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, marketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		var buyRef, sellRef sql.NullInt64
		if err := rows.Scan(
			&t.ID, &t.MarketID, &buyRef, &sellRef, &t.BuyerID, &t.SellerID,
			&t.Side, &t.Price, &t.Quantity, &t.Kind, &t.IsMarketOrder, &t.ExecutedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		if buyRef.Valid {
			t.BuyOrderID = &buyRef.Int64
		}
		if sellRef.Valid {
			t.SellOrderID = &sellRef.Int64
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
