package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// normalizeDSN accepts either a mysql:// URI or a driver DSN and
// returns a driver DSN with parseTime enabled.
func normalizeDSN(connectionString string) (string, error) {
	if !strings.HasPrefix(connectionString, "mysql://") {
		return ensureParseTime(connectionString), nil
	}

	u, err := url.Parse(connectionString)
	if err != nil {
		return "", fmt.Errorf("failed to parse URI: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("host is required")
	}

	var userInfo string
	if u.User != nil {
		username := u.User.Username()
		if password, ok := u.User.Password(); ok && password != "" {
			userInfo = username + ":" + password
		} else {
			userInfo = username
		}
	}

	database := strings.TrimPrefix(u.Path, "/")
	if database == "" {
		database = "exchange"
	}

	dsn := fmt.Sprintf("%s@tcp(%s)/%s", userInfo, u.Host, database)

	params := u.Query()
	if !params.Has("parseTime") {
		params.Set("parseTime", "true")
	}
	if !params.Has("charset") {
		params.Set("charset", "utf8mb4")
	}
	return dsn + "?" + params.Encode(), nil
}

// ensureParseTime appends parseTime=true when a raw DSN omits it.
// DATETIME columns must scan into time.Time for the trade ledger.
func ensureParseTime(dsn string) string {
	if strings.Contains(dsn, "parseTime") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&parseTime=true"
	}
	return dsn + "?parseTime=true"
}

// Connect opens and verifies a MySQL connection from a DSN or a
// mysql:// URI and applies the connection-pool settings the engine
// expects.
func Connect(connectionString string) (*sql.DB, error) {
	if connectionString == "" {
		return nil, fmt.Errorf("database connection string is required")
	}

	dsn, err := normalizeDSN(connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to process connection string: %w", err)
	}

	database, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := database.Ping(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	database.SetMaxOpenConns(25)
	database.SetMaxIdleConns(10)
	database.SetConnMaxLifetime(30 * time.Minute)

	return database, nil
}
