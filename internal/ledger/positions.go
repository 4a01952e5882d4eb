package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Hoponga/bear-markets/internal/models"
)

// weightedAverage folds qty shares bought at price into an existing
// holding of oldShares at oldAvg.
func weightedAverage(oldShares int64, oldAvg decimal.Decimal, qty int64, price decimal.Decimal) decimal.Decimal {
	newShares := oldShares + qty
	if newShares <= 0 {
		return decimal.Zero
	}
	oldCost := decimal.NewFromInt(oldShares).Mul(oldAvg)
	addedCost := decimal.NewFromInt(qty).Mul(price)
	return oldCost.Add(addedCost).Div(decimal.NewFromInt(newShares))
}

// GetPosition fetches the (user, market) position, or nil when the
// user holds nothing in the market.
func (s *Store) GetPosition(ctx context.Context, tx *sql.Tx, userID, marketID int64) (*models.Position, error) {
	var p models.Position
	err := s.stmt(ctx, tx, s.selectPositionStmt).QueryRowContext(ctx, userID, marketID).Scan(
		&p.ID, &p.UserID, &p.MarketID, &p.YesShares, &p.NoShares, &p.AvgYesPrice, &p.AvgNoPrice,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query position: %w", err)
	}
	return &p, nil
}

// CreditShares adds qty shares of side bought at price, creating the
// position on first credit and recomputing the side's weighted
// average cost.
func (s *Store) CreditShares(ctx context.Context, tx *sql.Tx, userID, marketID int64, side models.Side, qty int64, price decimal.Decimal) error {
	pos, err := s.GetPosition(ctx, tx, userID, marketID)
	if err != nil {
		return err
	}

	if pos == nil {
		yesShares, noShares := int64(0), int64(0)
		yesAvg, noAvg := decimal.Zero, decimal.Zero
		if side == models.SideYes {
			yesShares, yesAvg = qty, price
		} else {
			noShares, noAvg = qty, price
		}
		_, err := s.stmt(ctx, tx, s.insertPositionStmt).ExecContext(ctx,
			userID, marketID, yesShares, noShares, yesAvg, noAvg)
		if err != nil {
			return fmt.Errorf("failed to create position: %w", err)
		}
		return nil
	}

	if side == models.SideYes {
		avg := weightedAverage(pos.YesShares, pos.AvgYesPrice, qty, price)
		if _, err := s.stmt(ctx, tx, s.updateYesStmt).ExecContext(ctx, pos.YesShares+qty, avg, pos.ID); err != nil {
			return fmt.Errorf("failed to credit YES shares: %w", err)
		}
		return nil
	}
	avg := weightedAverage(pos.NoShares, pos.AvgNoPrice, qty, price)
	if _, err := s.stmt(ctx, tx, s.updateNoStmt).ExecContext(ctx, pos.NoShares+qty, avg, pos.ID); err != nil {
		return fmt.Errorf("failed to credit NO shares: %w", err)
	}
	return nil
}

// DebitShares removes qty shares of side. The average price is left
// untouched so the cost basis stays on the remaining shares.
func (s *Store) DebitShares(ctx context.Context, tx *sql.Tx, userID, marketID int64, side models.Side, qty int64) error {
	pos, err := s.GetPosition(ctx, tx, userID, marketID)
	if err != nil {
		return err
	}
	if pos == nil {
		return fmt.Errorf("no position for user %d in market %d", userID, marketID)
	}
	if pos.Shares(side) < qty {
		return fmt.Errorf("position of user %d holds %d %s shares, debit of %d requested",
			userID, pos.Shares(side), side, qty)
	}

	if side == models.SideYes {
		_, err = s.stmt(ctx, tx, s.updateYesStmt).ExecContext(ctx, pos.YesShares-qty, pos.AvgYesPrice, pos.ID)
	} else {
		_, err = s.stmt(ctx, tx, s.updateNoStmt).ExecContext(ctx, pos.NoShares-qty, pos.AvgNoPrice, pos.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to debit %s shares: %w", side, err)
	}
	return nil
}

// PositionsByMarket returns every position held in a market.
func (s *Store) PositionsByMarket(ctx context.Context, tx *sql.Tx, marketID int64) ([]models.Position, error) {
	rows, err := s.q(tx).QueryContext(ctx, `
		SELECT id, user_id, market_id, yes_shares, no_shares, avg_yes_price, avg_no_price
		FROM positions WHERE market_id = ?
	`, marketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query market positions: %w", err)
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		var p models.Position
		if err := rows.Scan(&p.ID, &p.UserID, &p.MarketID, &p.YesShares, &p.NoShares, &p.AvgYesPrice, &p.AvgNoPrice); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// PositionsByUser returns a user's positions joined with market titles
// for portfolio display.
func (s *Store) PositionsByUser(ctx context.Context, userID int64) ([]models.PortfolioPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.market_id, m.title, p.yes_shares, p.no_shares, p.avg_yes_price, p.avg_no_price
		FROM positions p
		JOIN markets m ON m.id = p.market_id
		WHERE p.user_id = ?
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user positions: %w", err)
	}
	defer rows.Close()

	var positions []models.PortfolioPosition
	for rows.Next() {
		var p models.PortfolioPosition
		if err := rows.Scan(&p.MarketID, &p.MarketTitle, &p.YesShares, &p.NoShares, &p.AvgYesPrice, &p.AvgNoPrice); err != nil {
			return nil, fmt.Errorf("failed to scan portfolio position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}
