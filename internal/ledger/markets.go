package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Hoponga/bear-markets/internal/models"
)

// CreateMarket inserts an active market with midpoints seeded at 0.5.
func (s *Store) CreateMarket(ctx context.Context, req *models.CreateMarketRequest, createdBy int64) (*models.Market, error) {
	now := time.Now().UTC()
	half := decimal.NewFromFloat(0.5)

	res, err := s.insertMarketStmt.ExecContext(ctx,
		req.Title, req.Description, createdBy, now, req.ResolutionDate,
		models.MarketStatusActive, half, half, decimal.Zero,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert market: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get market ID: %w", err)
	}

	return &models.Market{
		ID:              id,
		Title:           req.Title,
		Description:     req.Description,
		CreatedBy:       createdBy,
		CreatedAt:       now,
		ResolutionDate:  req.ResolutionDate,
		Status:          models.MarketStatusActive,
		CurrentYesPrice: half,
		CurrentNoPrice:  half,
		TotalVolume:     decimal.Zero,
	}, nil
}

func scanMarket(row *sql.Row) (*models.Market, error) {
	var m models.Market
	var outcome sql.NullString
	err := row.Scan(
		&m.ID, &m.Title, &m.Description, &m.CreatedBy, &m.CreatedAt, &m.ResolutionDate,
		&m.Status, &outcome, &m.CurrentYesPrice, &m.CurrentNoPrice, &m.TotalVolume,
	)
	if err != nil {
		return nil, err
	}
	if outcome.Valid {
		side := models.Side(outcome.String)
		m.ResolvedOutcome = &side
	}
	return &m, nil
}

// GetMarket fetches a market by ID. Returns sql.ErrNoRows when absent.
func (s *Store) GetMarket(ctx context.Context, tx *sql.Tx, marketID int64) (*models.Market, error) {
	return scanMarket(s.stmt(ctx, tx, s.selectMarketStmt).QueryRowContext(ctx, marketID))
}

// ListMarkets returns markets filtered by status (empty = all),
// newest first.
func (s *Store) ListMarkets(ctx context.Context, status models.MarketStatus) ([]models.Market, error) {
	query := `
		SELECT id, title, description, created_by, created_at, resolution_date,
		       status, resolved_outcome, current_yes_price, current_no_price, total_volume
		FROM markets
	`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query markets: %w", err)
	}
	defer rows.Close()

	var markets []models.Market
	for rows.Next() {
		var m models.Market
		var outcome sql.NullString
		if err := rows.Scan(
			&m.ID, &m.Title, &m.Description, &m.CreatedBy, &m.CreatedAt, &m.ResolutionDate,
			&m.Status, &outcome, &m.CurrentYesPrice, &m.CurrentNoPrice, &m.TotalVolume,
		); err != nil {
			return nil, fmt.Errorf("failed to scan market: %w", err)
		}
		if outcome.Valid {
			side := models.Side(outcome.String)
			m.ResolvedOutcome = &side
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// UpdateMarketPrices persists fresh midpoints onto the market record.
func (s *Store) UpdateMarketPrices(ctx context.Context, tx *sql.Tx, marketID int64, yes, no decimal.Decimal) error {
	_, err := s.stmt(ctx, tx, s.updatePricesStmt).ExecContext(ctx, yes, no, marketID)
	if err != nil {
		return fmt.Errorf("failed to update market prices: %w", err)
	}
	return nil
}

// AddMarketVolume increments total_volume atomically.
func (s *Store) AddMarketVolume(ctx context.Context, tx *sql.Tx, marketID int64, delta decimal.Decimal) error {
	_, err := s.stmt(ctx, tx, s.addVolumeStmt).ExecContext(ctx, delta, marketID)
	if err != nil {
		return fmt.Errorf("failed to update market volume: %w", err)
	}
	return nil
}

// MarkResolved transitions an active market to resolved with the given
// outcome. Returns false when the market was not active.
func (s *Store) MarkResolved(ctx context.Context, tx *sql.Tx, marketID int64, outcome models.Side) (bool, error) {
	res, err := s.stmt(ctx, tx, s.resolveMarketStmt).ExecContext(ctx, outcome, marketID)
	if err != nil {
		return false, fmt.Errorf("failed to resolve market: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PurgeMarket deletes positions, orders, trades and the market record
// itself. Call only inside the delete-with-refund transaction.
func (s *Store) PurgeMarket(ctx context.Context, tx *sql.Tx, marketID int64) error {
	if _, err := s.stmt(ctx, tx, s.deletePositionsStmt).ExecContext(ctx, marketID); err != nil {
		return fmt.Errorf("failed to delete positions: %w", err)
	}
	if _, err := s.stmt(ctx, tx, s.deleteOrdersStmt).ExecContext(ctx, marketID); err != nil {
		return fmt.Errorf("failed to delete orders: %w", err)
	}
	if _, err := s.stmt(ctx, tx, s.deleteTradesStmt).ExecContext(ctx, marketID); err != nil {
		return fmt.Errorf("failed to delete trades: %w", err)
	}
	if _, err := s.stmt(ctx, tx, s.deleteMarketStmt).ExecContext(ctx, marketID); err != nil {
		return fmt.Errorf("failed to delete market: %w", err)
	}
	return nil
}
