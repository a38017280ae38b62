// Package dedup provides a recently-seen correlation id store. With
// at-least-once delivery the broker may hand a worker the same request
// twice; the store lets the worker detect work it already replied to and
// re-acknowledge it without re-executing the handler.
package dedup

import (
	"context"
	"sync"
	"time"
)

// Store remembers correlation ids for a bounded retention window.
type Store interface {
	// Seen reports whether the id was marked within the retention window.
	Seen(ctx context.Context, correlationID string) (bool, error)
	// Mark records the id for the retention window.
	Mark(ctx context.Context, correlationID string) error
}

// Memory is an in-process Store with TTL eviction. Suitable for
// single-instance workers; multi-instance deployments should share a Redis
// store instead.
type Memory struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

// NewMemory creates an in-memory store retaining ids for ttl.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Seen implements Store.
func (m *Memory) Seen(ctx context.Context, correlationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expiry, ok := m.entries[correlationID]
	if !ok {
		return false, nil
	}
	if m.now().After(expiry) {
		delete(m.entries, correlationID)
		return false, nil
	}
	return true, nil
}

// Mark implements Store. Expired entries are pruned opportunistically so the
// map stays bounded by the retention window.
func (m *Memory) Mark(ctx context.Context, correlationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, expiry := range m.entries {
		if now.After(expiry) {
			delete(m.entries, id)
		}
	}

	m.entries[correlationID] = now.Add(m.ttl)
	return nil
}

// Len returns the number of retained ids, expired entries included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
