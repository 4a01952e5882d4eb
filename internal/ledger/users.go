package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Hoponga/bear-markets/internal/models"
)

// CreateUser inserts a user row with the given starting balance.
func (s *Store) CreateUser(ctx context.Context, email, name string, balance decimal.Decimal, isAdmin bool) (*models.User, error) {
	now := time.Now().UTC()
	res, err := s.insertUserStmt.ExecContext(ctx, email, name, balance, isAdmin, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get user ID: %w", err)
	}
	return &models.User{
		ID:           id,
		Email:        email,
		Name:         name,
		TokenBalance: balance,
		IsAdmin:      isAdmin,
		CreatedAt:    now,
	}, nil
}

// GetUser fetches a user by ID. Returns sql.ErrNoRows when absent.
func (s *Store) GetUser(ctx context.Context, tx *sql.Tx, userID int64) (*models.User, error) {
	var u models.User
	err := s.stmt(ctx, tx, s.selectUserStmt).QueryRowContext(ctx, userID).Scan(
		&u.ID, &u.Email, &u.Name, &u.TokenBalance, &u.IsAdmin, &u.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// TokenBalance reads a user's current balance.
func (s *Store) TokenBalance(ctx context.Context, tx *sql.Tx, userID int64) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.stmt(ctx, tx, s.selectBalanceStmt).QueryRowContext(ctx, userID).Scan(&balance)
	if err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// AdjustTokenBalance applies an atomic increment (negative for a
// debit) to a user's balance.
func (s *Store) AdjustTokenBalance(ctx context.Context, tx *sql.Tx, userID int64, delta decimal.Decimal) error {
	res, err := s.stmt(ctx, tx, s.adjustBalanceStmt).ExecContext(ctx, delta, userID)
	if err != nil {
		return fmt.Errorf("failed to adjust balance for user %d: %w", userID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("balance adjustment matched no user %d", userID)
	}
	return nil
}
