// Package engine holds the in-memory index and its durability machinery:
// a sharded hash index for concurrent access, snapshot compaction, and
// crash recovery from the newest snapshot plus the operation log tail.
package engine

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zumicdb/zumic/internal/zdb"
)

// ErrKeyNotFound is returned by reads of absent or expired keys.
var ErrKeyNotFound = errors.New("key not found")

// entry is one live record in a shard.
type entry struct {
	value    zdb.Value
	expireAt int64 // unix nanos, 0 means no expiry
}

func (e entry) expired(now int64) bool {
	return e.expireAt != 0 && now >= e.expireAt
}

// shard is one lock domain of the index.
type shard struct {
	mu    sync.RWMutex
	items map[string]entry

	reads     atomic.Uint64
	writes    atomic.Uint64
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// Index is a hash index split into a fixed number of shards. Keys map to
// shards by FNV-1a; the shard count never changes after construction, so
// no cross-shard rehashing ever happens.
type Index struct {
	shards []*shard
}

// NewIndex creates an index with n shards. n must be at least 1.
func NewIndex(n int) *Index {
	if n < 1 {
		n = 1
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{items: make(map[string]entry)}
	}
	return &Index{shards: shards}
}

// ShardCount returns the number of shards.
func (ix *Index) ShardCount() int { return len(ix.shards) }

const (
	fnvOffset64 = 14695981039346656037
	fnvPrime64  = 1099511628211
)

// shardFor hashes key with FNV-1a 64 and reduces modulo the shard count.
func (ix *Index) shardFor(key []byte) int {
	h := uint64(fnvOffset64)
	for _, b := range key {
		h ^= uint64(b)
		h *= fnvPrime64
	}
	return int(h % uint64(len(ix.shards)))
}

// Get returns the value for key. Expired entries are evicted on access.
func (ix *Index) Get(key []byte) (zdb.Value, error) {
	s := ix.shards[ix.shardFor(key)]
	s.reads.Add(1)
	now := time.Now().UnixNano()

	s.mu.RLock()
	e, ok := s.items[string(key)]
	s.mu.RUnlock()

	if !ok {
		s.misses.Add(1)
		return zdb.Value{}, ErrKeyNotFound
	}
	if e.expired(now) {
		s.mu.Lock()
		// Re-check: the entry may have been replaced since the read lock
		// was dropped.
		if cur, ok := s.items[string(key)]; ok && cur.expired(now) {
			delete(s.items, string(key))
			s.evictions.Add(1)
		}
		s.mu.Unlock()
		s.misses.Add(1)
		return zdb.Value{}, ErrKeyNotFound
	}
	s.hits.Add(1)
	return e.value, nil
}

// Set stores key to v without expiry.
func (ix *Index) Set(key []byte, v zdb.Value) {
	ix.SetWithExpiry(key, v, 0)
}

// SetWithTTL stores key to v, expiring after ttl. A zero ttl means no
// expiry.
func (ix *Index) SetWithTTL(key []byte, v zdb.Value, ttl time.Duration) {
	var expireAt int64
	if ttl > 0 {
		expireAt = time.Now().Add(ttl).UnixNano()
	}
	ix.SetWithExpiry(key, v, expireAt)
}

// SetWithExpiry stores key to v with an absolute expiry in unix nanos.
func (ix *Index) SetWithExpiry(key []byte, v zdb.Value, expireAt int64) {
	s := ix.shards[ix.shardFor(key)]
	s.writes.Add(1)
	s.mu.Lock()
	s.items[string(key)] = entry{value: v, expireAt: expireAt}
	s.mu.Unlock()
}

// Del removes key and reports whether it was present and live.
func (ix *Index) Del(key []byte) bool {
	s := ix.shards[ix.shardFor(key)]
	s.writes.Add(1)
	now := time.Now().UnixNano()
	s.mu.Lock()
	e, ok := s.items[string(key)]
	if ok {
		delete(s.items, string(key))
	}
	s.mu.Unlock()
	return ok && !e.expired(now)
}

// MSet applies all pairs atomically with respect to readers of the touched
// shards. Shards are locked in ascending index order.
func (ix *Index) MSet(pairs []zdb.DumpEntry) {
	touched := ix.lockShards(pairsKeys(pairs))
	defer ix.unlockShards(touched)

	for _, p := range pairs {
		s := ix.shards[ix.shardFor(p.Key)]
		s.writes.Add(1)
		s.items[string(p.Key)] = entry{value: p.Value}
	}
}

// MGet reads all keys under a consistent multi-shard lock. Missing or
// expired keys yield a nil slot.
func (ix *Index) MGet(keys [][]byte) []*zdb.Value {
	touched := ix.rlockShards(keys)
	defer ix.runlockShards(touched)

	now := time.Now().UnixNano()
	out := make([]*zdb.Value, len(keys))
	for i, key := range keys {
		s := ix.shards[ix.shardFor(key)]
		s.reads.Add(1)
		e, ok := s.items[string(key)]
		if !ok || e.expired(now) {
			s.misses.Add(1)
			continue
		}
		s.hits.Add(1)
		v := e.value
		out[i] = &v
	}
	return out
}

// lockShards write-locks the distinct shards owning keys, in ascending
// order so concurrent multi-key operations cannot deadlock.
func (ix *Index) lockShards(keys [][]byte) []int {
	idxs := ix.distinctShards(keys)
	for _, i := range idxs {
		ix.shards[i].mu.Lock()
	}
	return idxs
}

func (ix *Index) unlockShards(idxs []int) {
	for i := len(idxs) - 1; i >= 0; i-- {
		ix.shards[idxs[i]].mu.Unlock()
	}
}

func (ix *Index) rlockShards(keys [][]byte) []int {
	idxs := ix.distinctShards(keys)
	for _, i := range idxs {
		ix.shards[i].mu.RLock()
	}
	return idxs
}

func (ix *Index) runlockShards(idxs []int) {
	for i := len(idxs) - 1; i >= 0; i-- {
		ix.shards[idxs[i]].mu.RUnlock()
	}
}

func (ix *Index) distinctShards(keys [][]byte) []int {
	seen := make(map[int]struct{}, len(keys))
	idxs := make([]int, 0, len(keys))
	for _, k := range keys {
		i := ix.shardFor(k)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	return idxs
}

func pairsKeys(pairs []zdb.DumpEntry) [][]byte {
	keys := make([][]byte, len(pairs))
	for i, p := range pairs {
		keys[i] = p.Key
	}
	return keys
}

// Len returns the number of live entries across all shards. Expired but
// not yet evicted entries are excluded.
func (ix *Index) Len() int {
	now := time.Now().UnixNano()
	total := 0
	for _, s := range ix.shards {
		s.mu.RLock()
		for _, e := range s.items {
			if !e.expired(now) {
				total++
			}
		}
		s.mu.RUnlock()
	}
	return total
}

// Range calls fn for every live entry. Each shard is locked only while its
// own entries are visited; the view is consistent per shard, not globally.
// fn returning false stops the walk.
func (ix *Index) Range(fn func(key []byte, v zdb.Value) bool) {
	now := time.Now().UnixNano()
	for _, s := range ix.shards {
		s.mu.RLock()
		for k, e := range s.items {
			if e.expired(now) {
				continue
			}
			if !fn([]byte(k), e.value) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// SnapshotEntries copies every live entry out under per-shard read locks,
// for snapshot writing and log rewrite.
func (ix *Index) SnapshotEntries() []zdb.DumpEntry {
	now := time.Now().UnixNano()
	out := make([]zdb.DumpEntry, 0, 256)
	for _, s := range ix.shards {
		s.mu.RLock()
		for k, e := range s.items {
			if e.expired(now) {
				continue
			}
			out = append(out, zdb.DumpEntry{Key: []byte(k), Value: e.value})
		}
		s.mu.RUnlock()
	}
	return out
}

// SweepExpired removes expired entries eagerly and returns the count
// evicted. The sweeper calls this on a timer so idle keys do not linger
// until read.
func (ix *Index) SweepExpired() int {
	now := time.Now().UnixNano()
	evicted := 0
	for _, s := range ix.shards {
		s.mu.Lock()
		n := 0
		for k, e := range s.items {
			if e.expired(now) {
				delete(s.items, k)
				n++
			}
		}
		s.mu.Unlock()
		if n > 0 {
			s.evictions.Add(uint64(n))
			evicted += n
		}
	}
	return evicted
}

// ShardStats is a point-in-time counter snapshot for one shard.
type ShardStats struct {
	Entries   int
	Reads     uint64
	Writes    uint64
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Stats returns per-shard counters.
func (ix *Index) Stats() []ShardStats {
	out := make([]ShardStats, len(ix.shards))
	for i, s := range ix.shards {
		s.mu.RLock()
		n := len(s.items)
		s.mu.RUnlock()
		out[i] = ShardStats{
			Entries:   n,
			Reads:     s.reads.Load(),
			Writes:    s.writes.Load(),
			Hits:      s.hits.Load(),
			Misses:    s.misses.Load(),
			Evictions: s.evictions.Load(),
		}
	}
	return out
}
