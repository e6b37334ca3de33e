// Package idempotency deduplicates identical operations inside a short window.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL bounds how long a key blocks re-submission, whatever the outcome.
const DefaultTTL = 30 * time.Second

type Reservation struct {
	FirstSeen bool
	// ExistingTxHash is the hash recorded by the first caller. It is empty
	// while the first caller is still signing.
	ExistingTxHash string
}

// Guard reserves logical operation keys. The memory implementation is correct
// within one process only; Redis makes the window shared across instances.
type Guard interface {
	CheckOrReserve(ctx context.Context, key string) (Reservation, error)
	Record(ctx context.Context, key, txHash string) error
	Release(ctx context.Context, key string) error
}

type entry struct {
	txHash    string
	createdAt time.Time
}

type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{entries: map[string]entry{}, ttl: ttl, now: time.Now}
}

// WithClock replaces the time source.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) CheckOrReserve(_ context.Context, key string) (Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.evictLocked(now)
	if existing, ok := m.entries[key]; ok {
		return Reservation{FirstSeen: false, ExistingTxHash: existing.txHash}, nil
	}
	m.entries[key] = entry{createdAt: now}
	return Reservation{FirstSeen: true}, nil
}

// Record attaches txHash to a live reservation. Expired keys are not revived.
func (m *Memory) Record(_ context.Context, key, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(m.now())
	if existing, ok := m.entries[key]; ok {
		existing.txHash = txHash
		m.entries[key] = existing
	}
	return nil
}

func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	m.evictLocked(m.now())
	return nil
}

// Len reports live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(m.now())
	return len(m.entries)
}

func (m *Memory) evictLocked(now time.Time) {
	for key, e := range m.entries {
		if now.Sub(e.createdAt) >= m.ttl {
			delete(m.entries, key)
		}
	}
}
