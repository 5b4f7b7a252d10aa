package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDirectory implements Directory on Redis. Each user is a hash under
// <prefix>user:<id>; <prefix>stripe:<customer> points back at the user.
type RedisDirectory struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to the Redis server named by a redis:// URL.
func NewRedis(dsn, prefix string) (*RedisDirectory, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	d := NewRedisFromClient(redis.NewClient(opts), prefix)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Ping(ctx); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return d, nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, prefix string) *RedisDirectory {
	return &RedisDirectory{client: client, prefix: prefix}
}

func (d *RedisDirectory) userKey(userID string) string {
	return d.prefix + "user:" + userID
}

func (d *RedisDirectory) stripeKey(customerID string) string {
	return d.prefix + "stripe:" + customerID
}

func (d *RedisDirectory) GetCustomer(ctx context.Context, userID string) (*Customer, error) {
	fields, err := d.client.HGetAll(ctx, d.userKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	if fields["customer_id"] == "" {
		return nil, nil
	}

	c := &Customer{UserID: userID, CustomerID: fields["customer_id"]}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	return c, nil
}

func (d *RedisDirectory) GetCustomerByStripeID(ctx context.Context, customerID string) (*Customer, error) {
	userID, err := d.client.Get(ctx, d.stripeKey(customerID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c, err := d.GetCustomer(ctx, userID)
	if err != nil || c == nil {
		return c, err
	}
	// The user may since have been re-associated with another customer.
	if c.CustomerID != customerID {
		return nil, nil
	}
	return c, nil
}

func (d *RedisDirectory) PutCustomer(ctx context.Context, c *Customer) error {
	if err := c.validate(); err != nil {
		return err
	}
	c.stamp(time.Now().UTC())

	key := d.userKey(c.UserID)
	var created *redis.StringCmd
	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "created_at", c.CreatedAt.Format(time.RFC3339Nano))
		pipe.HSet(ctx, key,
			"customer_id", c.CustomerID,
			"updated_at", c.UpdatedAt.Format(time.RFC3339Nano),
		)
		pipe.Set(ctx, d.stripeKey(c.CustomerID), c.UserID, 0)
		created = pipe.HGet(ctx, key, "created_at")
		return nil
	})
	if err != nil {
		return err
	}
	if ts, err := time.Parse(time.RFC3339Nano, created.Val()); err == nil {
		c.CreatedAt = ts
	}
	return nil
}

func (d *RedisDirectory) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

func (d *RedisDirectory) Close() error {
	return d.client.Close()
}
