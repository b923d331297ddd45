package dedup

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by a MemoryStore after Close.
var ErrClosed = errors.New("dedup: store is closed")

type memoryEntry struct {
	jobType  string
	markedAt time.Time
}

// MemoryStore keeps processed message IDs in the worker process. It only protects
// against redeliveries to the same process, and entries expire after the TTL the
// same way RedisStore keys do. A zero TTL keeps entries until Cleanup drops them.
type MemoryStore struct {
	ttl   time.Duration
	nowFn func() time.Time

	mu      sync.RWMutex
	entries map[string]memoryEntry
	closed  bool
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		nowFn:   time.Now,
		entries: make(map[string]memoryEntry),
	}
}

func (m *MemoryStore) expired(e memoryEntry, now time.Time) bool {
	return m.ttl > 0 && !now.Before(e.markedAt.Add(m.ttl))
}

func (m *MemoryStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}

	e, ok := m.entries[messageID]
	return ok && !m.expired(e, m.nowFn()), nil
}

// MarkProcessed keeps the first mark of a message, like SETNX does for RedisStore.
func (m *MemoryStore) MarkProcessed(ctx context.Context, messageID, jobType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	now := m.nowFn()
	if e, ok := m.entries[messageID]; ok && !m.expired(e, now) {
		return nil
	}
	m.entries[messageID] = memoryEntry{jobType: jobType, markedAt: now}
	return nil
}

// JobType returns the job type a message was marked with.
func (m *MemoryStore) JobType(messageID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[messageID]
	if !ok || m.expired(e, m.nowFn()) {
		return "", false
	}
	return e.jobType, true
}

// Cleanup drops entries marked before olderThan ago and every expired entry.
func (m *MemoryStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	now := m.nowFn()
	cutoff := now.Add(-olderThan)
	for id, e := range m.entries {
		if e.markedAt.Before(cutoff) || m.expired(e, now) {
			delete(m.entries, id)
		}
	}
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.entries = nil
	return nil
}
