// Package directory defines the Customer Directory, the association between
// local user identifiers and Stripe customer identifiers, and provides
// in-memory, SQLite, PostgreSQL and Redis implementations.
package directory

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidCustomer is returned when a write is missing either identifier.
var ErrInvalidCustomer = errors.New("customer record requires user id and customer id")

// Directory is the persistence interface for customer associations.
//
// Lookups return (nil, nil) when no association exists. Entries are only
// ever inserted or replaced, never removed.
type Directory interface {
	GetCustomer(ctx context.Context, userID string) (*Customer, error)
	GetCustomerByStripeID(ctx context.Context, customerID string) (*Customer, error)
	PutCustomer(ctx context.Context, c *Customer) error

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Customer associates a local user with a Stripe customer.
type Customer struct {
	UserID     string    `json:"user_id"`
	CustomerID string    `json:"customer_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (c *Customer) validate() error {
	if c == nil || c.UserID == "" || c.CustomerID == "" {
		return ErrInvalidCustomer
	}
	return nil
}

// stamp fills in timestamps for a write happening at now.
func (c *Customer) stamp(now time.Time) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
}
