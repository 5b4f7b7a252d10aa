package directory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteDirectory implements Directory using SQLite.
type SQLiteDirectory struct {
	db *sql.DB
}

// NewSQLite opens a SQLite directory and runs migrations.
func NewSQLite(dsn string) (*SQLiteDirectory, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	d := &SQLiteDirectory{db: db}
	if err := d.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

func (d *SQLiteDirectory) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS customers (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL UNIQUE,
			stripe_customer_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_customers_stripe_customer ON customers(stripe_customer_id)`,
	}
	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (d *SQLiteDirectory) GetCustomer(ctx context.Context, userID string) (*Customer, error) {
	var c Customer
	err := d.db.QueryRowContext(ctx,
		`SELECT user_id, stripe_customer_id, created_at, updated_at
		 FROM customers WHERE user_id = ?`, userID,
	).Scan(&c.UserID, &c.CustomerID, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (d *SQLiteDirectory) GetCustomerByStripeID(ctx context.Context, customerID string) (*Customer, error) {
	var c Customer
	err := d.db.QueryRowContext(ctx,
		`SELECT user_id, stripe_customer_id, created_at, updated_at
		 FROM customers WHERE stripe_customer_id = ?
		 ORDER BY updated_at DESC LIMIT 1`, customerID,
	).Scan(&c.UserID, &c.CustomerID, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (d *SQLiteDirectory) PutCustomer(ctx context.Context, c *Customer) error {
	if err := c.validate(); err != nil {
		return err
	}
	c.stamp(time.Now().UTC())

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO customers (id, user_id, stripe_customer_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   stripe_customer_id = excluded.stripe_customer_id,
		   updated_at = excluded.updated_at`,
		uuid.New().String(), c.UserID, c.CustomerID, c.CreatedAt, c.UpdatedAt,
	); err != nil {
		return err
	}
	// An existing row keeps its created_at; report the stored value back.
	if err := tx.QueryRowContext(ctx,
		`SELECT created_at FROM customers WHERE user_id = ?`, c.UserID,
	).Scan(&c.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *SQLiteDirectory) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *SQLiteDirectory) Close() error {
	return d.db.Close()
}
