package directory

import (
	"context"
	"sync"
	"time"
)

// MemoryDirectory keeps associations in process memory. Everything is lost
// when the process exits; use a durable driver for real deployments.
type MemoryDirectory struct {
	mu     sync.RWMutex
	byUser map[string]memoryEntry
	seq    uint64
}

// memoryEntry orders writes so reverse lookups can prefer the latest one.
type memoryEntry struct {
	customer Customer
	seq      uint64
}

// NewMemory creates an empty in-memory directory.
func NewMemory() *MemoryDirectory {
	return &MemoryDirectory{byUser: make(map[string]memoryEntry)}
}

func (m *MemoryDirectory) GetCustomer(ctx context.Context, userID string) (*Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byUser[userID]
	if !ok {
		return nil, nil
	}
	c := e.customer
	return &c, nil
}

func (m *MemoryDirectory) GetCustomerByStripeID(ctx context.Context, customerID string) (*Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *memoryEntry
	for _, e := range m.byUser {
		if e.customer.CustomerID != customerID {
			continue
		}
		if latest == nil || e.seq > latest.seq {
			e := e
			latest = &e
		}
	}
	if latest == nil {
		return nil, nil
	}
	c := latest.customer
	return &c, nil
}

func (m *MemoryDirectory) PutCustomer(ctx context.Context, c *Customer) error {
	if err := c.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.byUser[c.UserID]; ok {
		c.CreatedAt = prev.customer.CreatedAt
	}
	c.stamp(time.Now())
	m.seq++
	m.byUser[c.UserID] = memoryEntry{customer: *c, seq: m.seq}
	return nil
}

func (m *MemoryDirectory) Ping(ctx context.Context) error { return nil }

func (m *MemoryDirectory) Close() error { return nil }
