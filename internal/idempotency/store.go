// Package idempotency remembers checkout responses by client-supplied key so a
// terminal that retries after a dropped connection does not sell twice.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInvalidKey is returned for empty or oversized keys.
var ErrInvalidKey = errors.New("invalid idempotency key")

// MaxKeyLength bounds client supplied keys.
const MaxKeyLength = 128

// Record is a stored response. Pending marks a request still in flight.
// Fingerprint identifies the request that produced the response.
type Record struct {
	Pending     bool   `json:"pending"`
	Status      int    `json:"status"`
	Body        []byte `json:"body,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Store claims keys and keeps the responses produced under them.
type Store interface {
	// Reserve claims key for ttl. When another request already holds it,
	// acquired is false and rec is that request's record.
	Reserve(ctx context.Context, key string, ttl time.Duration) (acquired bool, rec *Record, err error)
	// Complete stores the final response for a reserved key.
	Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error
	// Release forgets key so the request may be attempted again.
	Release(ctx context.Context, key string) error
}

// ValidKey reports whether key may be used.
func ValidKey(key string) bool {
	return key != "" && len(key) <= MaxKeyLength
}

type memoryEntry struct {
	rec     Record
	expires time.Time
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: map[string]memoryEntry{},
		now:     time.Now,
	}
}

func (m *MemoryStore) Reserve(_ context.Context, key string, ttl time.Duration) (bool, *Record, error) {
	if !ValidKey(key) {
		return false, nil, ErrInvalidKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expires) {
		rec := e.rec
		return false, &rec, nil
	}
	m.entries[key] = memoryEntry{rec: Record{Pending: true}, expires: now.Add(ttl)}
	m.sweep(now)
	return true, nil, nil
}

func (m *MemoryStore) Complete(_ context.Context, key string, rec Record, ttl time.Duration) error {
	if !ValidKey(key) {
		return ErrInvalidKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Pending = false
	m.entries[key] = memoryEntry{rec: rec, expires: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// sweep drops expired entries. Caller holds m.mu.
func (m *MemoryStore) sweep(now time.Time) {
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
		}
	}
}
