// Package ledger is the persistence layer of the exchange: markets,
// orders, trades, positions and user token balances, all in MySQL.
// Every mutating method accepts an optional *sql.Tx so the engine can
// group the effects of one fill into a single transaction.
package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps the database handle and the prepared statements for the
// hot-path operations.
type Store struct {
	db *sql.DB

	insertUserStmt    *sql.Stmt
	selectUserStmt    *sql.Stmt
	adjustBalanceStmt *sql.Stmt
	selectBalanceStmt *sql.Stmt

	insertMarketStmt  *sql.Stmt
	selectMarketStmt  *sql.Stmt
	updatePricesStmt  *sql.Stmt
	addVolumeStmt     *sql.Stmt
	resolveMarketStmt *sql.Stmt
	deleteMarketStmt  *sql.Stmt

	insertOrderStmt     *sql.Stmt
	selectOrderStmt     *sql.Stmt
	applyFillStmt       *sql.Stmt
	setOrderStatusStmt  *sql.Stmt
	cancelMarketOrders  *sql.Stmt
	deleteOrdersStmt    *sql.Stmt

	selectPositionStmt  *sql.Stmt
	insertPositionStmt  *sql.Stmt
	updateYesStmt       *sql.Stmt
	updateNoStmt        *sql.Stmt
	deletePositionsStmt *sql.Stmt

	insertTradeStmt  *sql.Stmt
	deleteTradesStmt *sql.Stmt
}

// New constructs a Store and prepares its SQL statements.
func New(database *sql.DB) (*Store, error) {
	s := &Store{db: database}
	if err := s.prepareStatements(); err != nil {
		return nil, fmt.Errorf("failed to prepare SQL statements: %w", err)
	}
	return s, nil
}

// InitSchema applies the embedded schema. Statements are idempotent
// (CREATE TABLE IF NOT EXISTS), so this is safe on every startup.
func InitSchema(ctx context.Context, database *sql.DB) error {
	for _, stmt := range splitStatements(schemaSQL) {
		if _, err := database.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}

// splitStatements breaks the schema file into individual statements.
// The MySQL driver executes one statement per Exec by default.
func splitStatements(script string) []string {
	var out []string
	var current []byte
	for i := 0; i < len(script); i++ {
		c := script[i]
		if c == ';' {
			stmt := trimSQL(string(current))
			if stmt != "" {
				out = append(out, stmt)
			}
			current = current[:0]
			continue
		}
		current = append(current, c)
	}
	if stmt := trimSQL(string(current)); stmt != "" {
		out = append(out, stmt)
	}
	return out
}

// trimSQL strips whitespace and full-line comments from a statement.
func trimSQL(stmt string) string {
	var lines []byte
	start := 0
	for i := 0; i <= len(stmt); i++ {
		if i == len(stmt) || stmt[i] == '\n' {
			line := stmt[start:i]
			start = i + 1
			trimmed := line
			for len(trimmed) > 0 && (trimmed[0] == ' ' || trimmed[0] == '\t' || trimmed[0] == '\r') {
				trimmed = trimmed[1:]
			}
			if len(trimmed) >= 2 && trimmed[0] == '-' && trimmed[1] == '-' {
				continue
			}
			if len(trimmed) == 0 {
				continue
			}
			if len(lines) > 0 {
				lines = append(lines, '\n')
			}
			lines = append(lines, line...)
		}
	}
	return string(lines)
}

func (s *Store) prepareStatements() error {
	prepared := []struct {
		target **sql.Stmt
		query  string
	}{
		{&s.insertUserStmt, `
			INSERT INTO users (email, name, token_balance, is_admin, created_at)
			VALUES (?, ?, ?, ?, ?)
		`},
		{&s.selectUserStmt, `
			SELECT id, email, name, token_balance, is_admin, created_at
			FROM users WHERE id = ?
		`},
		{&s.adjustBalanceStmt, `
			UPDATE users SET token_balance = token_balance + ? WHERE id = ?
		`},
		{&s.selectBalanceStmt, `
			SELECT token_balance FROM users WHERE id = ?
		`},
		{&s.insertMarketStmt, `
			INSERT INTO markets (
				title, description, created_by, created_at, resolution_date,
				status, current_yes_price, current_no_price, total_volume
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`},
		{&s.selectMarketStmt, `
			SELECT id, title, description, created_by, created_at, resolution_date,
			       status, resolved_outcome, current_yes_price, current_no_price, total_volume
			FROM markets WHERE id = ?
		`},
		{&s.updatePricesStmt, `
			UPDATE markets SET current_yes_price = ?, current_no_price = ? WHERE id = ?
		`},
		{&s.addVolumeStmt, `
			UPDATE markets SET total_volume = total_volume + ? WHERE id = ?
		`},
		{&s.resolveMarketStmt, `
			UPDATE markets SET status = 'resolved', resolved_outcome = ?
			WHERE id = ? AND status = 'active'
		`},
		{&s.deleteMarketStmt, `
			DELETE FROM markets WHERE id = ?
		`},
		{&s.insertOrderStmt, `
			INSERT INTO orders (
				market_id, user_id, side, order_type, price,
				quantity, filled_quantity, status, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`},
		{&s.selectOrderStmt, `
			SELECT id, market_id, user_id, side, order_type, price,
			       quantity, filled_quantity, status, created_at, updated_at
			FROM orders WHERE id = ?
		`},
		{&s.applyFillStmt, `
			UPDATE orders SET filled_quantity = ?, status = ?, updated_at = ? WHERE id = ?
		`},
		{&s.setOrderStatusStmt, `
			UPDATE orders SET status = ?, updated_at = ? WHERE id = ?
		`},
		{&s.cancelMarketOrders, `
			UPDATE orders SET status = 'CANCELLED', updated_at = ?
			WHERE market_id = ? AND status IN ('OPEN', 'PARTIAL')
		`},
		{&s.deleteOrdersStmt, `
			DELETE FROM orders WHERE market_id = ?
		`},
		{&s.selectPositionStmt, `
			SELECT id, user_id, market_id, yes_shares, no_shares, avg_yes_price, avg_no_price
			FROM positions WHERE user_id = ? AND market_id = ?
		`},
		{&s.insertPositionStmt, `
			INSERT INTO positions (
				user_id, market_id, yes_shares, no_shares, avg_yes_price, avg_no_price
			) VALUES (?, ?, ?, ?, ?, ?)
		`},
		{&s.updateYesStmt, `
			UPDATE positions SET yes_shares = ?, avg_yes_price = ? WHERE id = ?
		`},
		{&s.updateNoStmt, `
			UPDATE positions SET no_shares = ?, avg_no_price = ? WHERE id = ?
		`},
		{&s.deletePositionsStmt, `
			DELETE FROM positions WHERE market_id = ?
		`},
		{&s.insertTradeStmt, `
			INSERT INTO trades (
				market_id, buy_order_id, sell_order_id, buyer_id, seller_id,
				side, price, quantity, kind, is_market_order, executed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`},
		{&s.deleteTradesStmt, `
			DELETE FROM trades WHERE market_id = ?
		`},
	}

	for _, p := range prepared {
		stmt, err := s.db.Prepare(p.query)
		if err != nil {
			return err
		}
		*p.target = stmt
	}
	return nil
}

// Close releases the prepared statements.
func (s *Store) Close() error {
	stmts := []*sql.Stmt{
		s.insertUserStmt, s.selectUserStmt, s.adjustBalanceStmt, s.selectBalanceStmt,
		s.insertMarketStmt, s.selectMarketStmt, s.updatePricesStmt, s.addVolumeStmt,
		s.resolveMarketStmt, s.deleteMarketStmt,
		s.insertOrderStmt, s.selectOrderStmt, s.applyFillStmt, s.setOrderStatusStmt,
		s.cancelMarketOrders, s.deleteOrdersStmt,
		s.selectPositionStmt, s.insertPositionStmt, s.updateYesStmt, s.updateNoStmt,
		s.deletePositionsStmt,
		s.insertTradeStmt, s.deleteTradesStmt,
	}
	for _, st := range stmts {
		if st != nil {
			st.Close()
		}
	}
	return nil
}

// BeginTx starts a transaction on the underlying handle.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// stmt binds a prepared statement to tx when one is given.
func (s *Store) stmt(ctx context.Context, tx *sql.Tx, st *sql.Stmt) *sql.Stmt {
	if tx != nil {
		return tx.StmtContext(ctx, st)
	}
	return st
}

// querier is the common query surface of *sql.DB and *sql.Tx, used by
// the ad hoc (non-prepared) queries.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return s.db
}
