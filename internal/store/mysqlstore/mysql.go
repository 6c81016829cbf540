// Package mysqlstore implements store.Store against MySQL/TiDB: DSN
// parsing, connection pool sizing, schema creation and prepared
// statements for the accounts, positions, orders and fills tables.
package mysqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"exchange-core/internal/models"

	_ "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
)

// Store persists ledger and registry state to MySQL/TiDB.
type Store struct {
	db *sql.DB

	upsertAccountStmt    *sql.Stmt
	upsertBalanceStmt    *sql.Stmt
	upsertPositionStmt   *sql.Stmt
	insertOrderStmt      *sql.Stmt
	updateOrderStmt      *sql.Stmt
	insertFillStmt       *sql.Stmt
	selectOpenOrdersStmt *sql.Stmt
	selectFillsStmt      *sql.Stmt
}

// convertURIToDSN converts a mysql:// URI (as used by managed TiDB Cloud
// deployments) into the go-sql-driver DSN format. DSN-formatted strings
// pass through unchanged.
func convertURIToDSN(connectionString string) (string, error) {
	if !strings.HasPrefix(connectionString, "mysql://") {
		return connectionString, nil
	}

	u, err := url.Parse(connectionString)
	if err != nil {
		return "", fmt.Errorf("failed to parse URI: %w", err)
	}
	if u.Scheme != "mysql" {
		return "", fmt.Errorf("unsupported scheme: %s (expected mysql)", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("host is required")
	}

	var userInfo string
	if u.User != nil {
		username := u.User.Username()
		password, _ := u.User.Password()
		if password != "" {
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

	defaultParams := url.Values{
		"parseTime": []string{"true"},
		"charset":   []string{"utf8mb4"},
		"collation": []string{"utf8mb4_unicode_ci"},
	}
	existing := u.Query()
	for k, v := range defaultParams {
		if !existing.Has(k) {
			existing[k] = v
		}
	}
	if len(existing) > 0 {
		dsn += "?" + existing.Encode()
	}
	return dsn, nil
}

// Connect opens a connection pool, verifies it with Ping, creates the
// schema if missing, and prepares the statements the ledger and registry
// will use for every mutation.
func Connect(connectionString string) (*Store, error) {
	if connectionString == "" {
		return nil, fmt.Errorf("DSN is required")
	}

	dsn, err := convertURIToDSN(connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to process connection string: %w", err)
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)

	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id VARCHAR(64) PRIMARY KEY,
			balance DECIMAL(36,8) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS positions (
			account_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			shares DECIMAL(36,8) NOT NULL,
			PRIMARY KEY (account_id, symbol)
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id BIGINT PRIMARY KEY,
			account_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			side VARCHAR(4) NOT NULL,
			limit_price DECIMAL(36,8) NOT NULL,
			original_amount DECIMAL(36,8) NOT NULL,
			open_shares DECIMAL(36,8) NOT NULL,
			cancelled_shares DECIMAL(36,8) NULL,
			cancelled_at DATETIME NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS fills (
			order_id BIGINT NOT NULL,
			shares DECIMAL(36,8) NOT NULL,
			price DECIMAL(36,8) NOT NULL,
			executed_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func (s *Store) prepareStatements() error {
	var err error

	s.upsertAccountStmt, err = s.db.Prepare(`
		INSERT INTO accounts (id, balance) VALUES (?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert account statement: %w", err)
	}

	s.upsertBalanceStmt, err = s.db.Prepare(`
		UPDATE accounts SET balance = ? WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare update balance statement: %w", err)
	}

	s.upsertPositionStmt, err = s.db.Prepare(`
		INSERT INTO positions (account_id, symbol, shares) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE shares = VALUES(shares)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert position statement: %w", err)
	}

	s.insertOrderStmt, err = s.db.Prepare(`
		INSERT INTO orders (
			id, account_id, symbol, side, limit_price, original_amount,
			open_shares, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert order statement: %w", err)
	}

	s.updateOrderStmt, err = s.db.Prepare(`
		UPDATE orders SET open_shares = ?, cancelled_shares = ?, cancelled_at = ?
		WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare update order statement: %w", err)
	}

	s.insertFillStmt, err = s.db.Prepare(`
		INSERT INTO fills (order_id, shares, price, executed_at) VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert fill statement: %w", err)
	}

	s.selectOpenOrdersStmt, err = s.db.Prepare(`
		SELECT id, account_id, symbol, side, limit_price, original_amount,
		       open_shares, created_at
		FROM orders
		WHERE open_shares > 0 AND cancelled_at IS NULL
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare select open orders statement: %w", err)
	}

	s.selectFillsStmt, err = s.db.Prepare(`
		SELECT shares, price, executed_at FROM fills WHERE order_id = ? ORDER BY executed_at ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare select fills statement: %w", err)
	}

	return nil
}

func (s *Store) SaveAccount(ctx context.Context, id string, balance decimal.Decimal) error {
	_, err := s.upsertAccountStmt.ExecContext(ctx, id, balance)
	if err != nil {
		return fmt.Errorf("failed to save account %s: %w", id, err)
	}
	return nil
}

func (s *Store) SaveBalance(ctx context.Context, accountID string, balance decimal.Decimal) error {
	_, err := s.upsertBalanceStmt.ExecContext(ctx, balance, accountID)
	if err != nil {
		return fmt.Errorf("failed to save balance for %s: %w", accountID, err)
	}
	return nil
}

func (s *Store) SavePosition(ctx context.Context, accountID, sym string, shares decimal.Decimal) error {
	_, err := s.upsertPositionStmt.ExecContext(ctx, accountID, sym, shares)
	if err != nil {
		return fmt.Errorf("failed to save position %s/%s: %w", accountID, sym, err)
	}
	return nil
}

func (s *Store) SaveOrder(ctx context.Context, o *models.Order) error {
	_, err := s.insertOrderStmt.ExecContext(ctx,
		o.ID, o.AccountID, o.Symbol, string(o.Side), o.LimitPrice, o.OriginalAmount,
		o.OpenShares, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save order %d: %w", o.ID, err)
	}
	return nil
}

func (s *Store) SaveOrderState(ctx context.Context, o *models.Order) error {
	var cancelledShares interface{}
	var cancelledAt interface{}
	if o.Cancel != nil {
		cancelledShares = o.Cancel.SharesCancelled
		cancelledAt = o.Cancel.Time
	}
	if _, err := s.updateOrderStmt.ExecContext(ctx, o.OpenShares, cancelledShares, cancelledAt, o.ID); err != nil {
		return fmt.Errorf("failed to save order state %d: %w", o.ID, err)
	}
	if n := len(o.Fills); n > 0 {
		f := o.Fills[n-1]
		if _, err := s.insertFillStmt.ExecContext(ctx, o.ID, f.Shares, f.Price, f.Time); err != nil {
			return fmt.Errorf("failed to save fill for order %d: %w", o.ID, err)
		}
	}
	return nil
}

func (s *Store) LoadOpenOrders(ctx context.Context) ([]*models.Order, error) {
	rows, err := s.selectOpenOrdersStmt.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		var o models.Order
		var side string
		var createdAt time.Time
		if err := rows.Scan(&o.ID, &o.AccountID, &o.Symbol, &side, &o.LimitPrice,
			&o.OriginalAmount, &o.OpenShares, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.Side = models.Side(side)
		o.CreatedAt = createdAt

		fillRows, err := s.selectFillsStmt.QueryContext(ctx, o.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to query fills for order %d: %w", o.ID, err)
		}
		for fillRows.Next() {
			var f models.Fill
			if err := fillRows.Scan(&f.Shares, &f.Price, &f.Time); err != nil {
				fillRows.Close()
				return nil, fmt.Errorf("failed to scan fill for order %d: %w", o.ID, err)
			}
			o.Fills = append(o.Fills, f)
		}
		fillRows.Close()

		orders = append(orders, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating open orders: %w", err)
	}
	return orders, nil
}

func (s *Store) Close() error {
	for _, stmt := range []*sql.Stmt{
		s.upsertAccountStmt, s.upsertBalanceStmt, s.upsertPositionStmt,
		s.insertOrderStmt, s.updateOrderStmt, s.insertFillStmt,
		s.selectOpenOrdersStmt, s.selectFillsStmt,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}
