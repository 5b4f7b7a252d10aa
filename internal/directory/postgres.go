package directory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresDirectory implements Directory using PostgreSQL.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgres opens a PostgreSQL directory and runs migrations.
func NewPostgres(dsn string) (*PostgresDirectory, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	d := &PostgresDirectory{db: db}
	if err := d.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

func (d *PostgresDirectory) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS customers (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL UNIQUE,
			stripe_customer_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (d *PostgresDirectory) GetCustomer(ctx context.Context, userID string) (*Customer, error) {
	var c Customer
	err := d.db.QueryRowContext(ctx,
		`SELECT user_id, stripe_customer_id, created_at, updated_at
		 FROM customers WHERE user_id = $1`, userID,
	).Scan(&c.UserID, &c.CustomerID, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (d *PostgresDirectory) GetCustomerByStripeID(ctx context.Context, customerID string) (*Customer, error) {
	var c Customer
	err := d.db.QueryRowContext(ctx,
		`SELECT user_id, stripe_customer_id, created_at, updated_at
		 FROM customers WHERE stripe_customer_id = $1
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

func (d *PostgresDirectory) PutCustomer(ctx context.Context, c *Customer) error {
	if err := c.validate(); err != nil {
		return err
	}
	c.stamp(time.Now().UTC())
	return d.db.QueryRowContext(ctx,
		`INSERT INTO customers (id, user_id, stripe_customer_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT(user_id) DO UPDATE SET
		   stripe_customer_id = EXCLUDED.stripe_customer_id,
		   updated_at = EXCLUDED.updated_at
		 RETURNING created_at`,
		uuid.New().String(), c.UserID, c.CustomerID, c.CreatedAt, c.UpdatedAt,
	).Scan(&c.CreatedAt)
}

func (d *PostgresDirectory) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *PostgresDirectory) Close() error {
	return d.db.Close()
}
