package engine

import (
	"time"

	"github.com/zumicdb/zumic/internal/zdb"
)

// Memory is the non-durable backend: the sharded index with no log, no
// snapshots, and no recovery. It offers the same operation surface as
// Store so callers can swap backends without code changes.
type Memory struct {
	index  *Index
	closed bool
}

// NewMemory creates an in-memory store with n shards.
func NewMemory(n int) *Memory {
	return &Memory{index: NewIndex(n)}
}

// Get returns the value for key.
func (m *Memory) Get(key []byte) (zdb.Value, error) {
	if m.closed {
		return zdb.Value{}, ErrStoreClosed
	}
	return m.index.Get(key)
}

// Set stores key to v.
func (m *Memory) Set(key []byte, v zdb.Value) error {
	if m.closed {
		return ErrStoreClosed
	}
	m.index.Set(key, v)
	return nil
}

// SetWithTTL stores key to v, expiring after ttl.
func (m *Memory) SetWithTTL(key []byte, v zdb.Value, ttl time.Duration) error {
	if m.closed {
		return ErrStoreClosed
	}
	m.index.SetWithTTL(key, v, ttl)
	return nil
}

// Del removes key, reporting whether it existed.
func (m *Memory) Del(key []byte) (bool, error) {
	if m.closed {
		return false, ErrStoreClosed
	}
	return m.index.Del(key), nil
}

// MSet stores all pairs.
func (m *Memory) MSet(pairs []zdb.DumpEntry) error {
	if m.closed {
		return ErrStoreClosed
	}
	m.index.MSet(pairs)
	return nil
}

// MGet reads all keys. Missing keys yield nil slots.
func (m *Memory) MGet(keys [][]byte) ([]*zdb.Value, error) {
	if m.closed {
		return nil, ErrStoreClosed
	}
	return m.index.MGet(keys), nil
}

// Range walks live entries.
func (m *Memory) Range(fn func(key []byte, v zdb.Value) bool) {
	m.index.Range(fn)
}

// Len returns the live entry count.
func (m *Memory) Len() int { return m.index.Len() }

// Stats returns per-shard counters.
func (m *Memory) Stats() []ShardStats { return m.index.Stats() }

// SweepExpired evicts expired entries eagerly. Memory runs no background
// sweeper; callers own the cadence.
func (m *Memory) SweepExpired() int { return m.index.SweepExpired() }

// Close marks the backend closed. There is nothing to flush.
func (m *Memory) Close() error {
	if m.closed {
		return ErrStoreClosed
	}
	m.closed = true
	return nil
}
