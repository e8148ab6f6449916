// Package cluster maps keys onto a fixed slot space and moves slots between
// shards. The slot count never changes; only slot ownership does, so a
// resize touches routing metadata instead of rehashing data.
package cluster

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// TotalSlots is the size of the hash slot space.
const TotalSlots = 16384

// KeySlot maps a key to its slot. If the key contains a non-empty hashtag
// ("{tag}"), only the tag is hashed, so related keys can be forced into the
// same slot.
func KeySlot(key []byte) int {
	if open := bytes.IndexByte(key, '{'); open >= 0 {
		if end := bytes.IndexByte(key[open+1:], '}'); end > 0 {
			// end > 0 skips "{}", which hashes the whole key.
			key = key[open+1 : open+1+end]
		}
	}
	return int(crc16(key) % TotalSlots)
}

// SlotState is the migration phase of one slot.
type SlotState uint8

const (
	// SlotStable routes all traffic to the owner.
	SlotStable SlotState = iota
	// SlotPreparing has a migration registered but not yet active; reads
	// and writes still go only to the owner.
	SlotPreparing
	// SlotMigrating dual-writes to owner and target while data moves.
	SlotMigrating
)

func (s SlotState) String() string {
	switch s {
	case SlotStable:
		return "stable"
	case SlotPreparing:
		return "preparing"
	case SlotMigrating:
		return "migrating"
	}
	return "unknown"
}

// SlotInfo is the routing record for one slot.
type SlotInfo struct {
	Owner  int
	Target int // meaningful outside SlotStable
	State  SlotState
}

// Route is the write fanout for a key: Primary always receives the
// operation, Secondary receives a duplicate while its slot is migrating.
type Route struct {
	Slot      int
	Primary   int
	Secondary int
	DualWrite bool
}

// Manager owns the slot table. Every state transition bumps the epoch, so
// routers can detect staleness with a single atomic load.
type Manager struct {
	mu       sync.RWMutex
	slots    [TotalSlots]SlotInfo
	shards   int
	epoch    atomic.Uint64
	accesses [TotalSlots]atomic.Uint64
}

// NewManager distributes all slots evenly across n shards in contiguous
// ranges.
func NewManager(n int) *Manager {
	if n < 1 {
		n = 1
	}
	m := &Manager{shards: n}
	per := TotalSlots / n
	for i := range m.slots {
		owner := i / per
		if owner >= n {
			owner = n - 1
		}
		m.slots[i] = SlotInfo{Owner: owner}
	}
	m.epoch.Store(1)
	return m
}

// Shards returns the shard count the manager routes across.
func (m *Manager) Shards() int { return m.shards }

// Epoch returns the current configuration epoch. Strictly monotonic.
func (m *Manager) Epoch() uint64 { return m.epoch.Load() }

// Slot returns the routing record for slot.
func (m *Manager) Slot(slot int) (SlotInfo, error) {
	if slot < 0 || slot >= TotalSlots {
		return SlotInfo{}, &InvalidSlotError{Slot: slot}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.slots[slot], nil
}

// RouteKey resolves the write fanout for key and records the access for
// load accounting.
func (m *Manager) RouteKey(key []byte) Route {
	slot := KeySlot(key)
	m.accesses[slot].Add(1)

	m.mu.RLock()
	info := m.slots[slot]
	m.mu.RUnlock()

	r := Route{Slot: slot, Primary: info.Owner}
	if info.State == SlotMigrating {
		r.Secondary = info.Target
		r.DualWrite = true
	}
	return r
}

// ShardForKey returns the owning shard for key without recording an access.
func (m *Manager) ShardForKey(key []byte) int {
	slot := KeySlot(key)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.slots[slot].Owner
}

// BeginMigration registers a migration of slot to target. The slot enters
// the preparing phase; traffic is not yet affected.
func (m *Manager) BeginMigration(slot, target int) error {
	if slot < 0 || slot >= TotalSlots {
		return &InvalidSlotError{Slot: slot}
	}
	if target < 0 || target >= m.shards {
		return ErrShardUnavailable
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	info := &m.slots[slot]
	if info.State != SlotStable {
		return ErrMigrationInProgress
	}
	if info.Owner == target {
		return ErrShardUnavailable
	}
	info.State = SlotPreparing
	info.Target = target
	m.epoch.Add(1)
	return nil
}

// ActivateMigration switches the slot to dual-write while its keys move.
func (m *Manager) ActivateMigration(slot int) error {
	if slot < 0 || slot >= TotalSlots {
		return &InvalidSlotError{Slot: slot}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	info := &m.slots[slot]
	if info.State != SlotPreparing {
		return ErrNoMigration
	}
	info.State = SlotMigrating
	m.epoch.Add(1)
	return nil
}

// CommitMigration completes the migration: the target becomes the owner and
// the slot returns to stable.
func (m *Manager) CommitMigration(slot int) error {
	if slot < 0 || slot >= TotalSlots {
		return &InvalidSlotError{Slot: slot}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	info := &m.slots[slot]
	if info.State != SlotMigrating {
		return ErrNoMigration
	}
	info.Owner = info.Target
	info.Target = 0
	info.State = SlotStable
	m.epoch.Add(1)
	return nil
}

// AbortMigration rolls the slot back to stable under its original owner.
func (m *Manager) AbortMigration(slot int) error {
	if slot < 0 || slot >= TotalSlots {
		return &InvalidSlotError{Slot: slot}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	info := &m.slots[slot]
	if info.State == SlotStable {
		return ErrNoMigration
	}
	info.Target = 0
	info.State = SlotStable
	m.epoch.Add(1)
	return nil
}

// SlotAccesses returns the access counter for slot since startup.
func (m *Manager) SlotAccesses(slot int) uint64 {
	if slot < 0 || slot >= TotalSlots {
		return 0
	}
	return m.accesses[slot].Load()
}

// ShardLoads sums slot access counters per owning shard.
func (m *Manager) ShardLoads() []uint64 {
	loads := make([]uint64, m.shards)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.slots {
		loads[m.slots[i].Owner] += m.accesses[i].Load()
	}
	return loads
}

// SlotsOwnedBy returns the slots currently owned by shard, with their
// access counts.
func (m *Manager) SlotsOwnedBy(shard int) []SlotLoad {
	var out []SlotLoad
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.slots {
		if m.slots[i].Owner == shard && m.slots[i].State == SlotStable {
			out = append(out, SlotLoad{Slot: i, Accesses: m.accesses[i].Load()})
		}
	}
	return out
}

// SlotLoad pairs a slot with its access counter.
type SlotLoad struct {
	Slot     int
	Accesses uint64
}

// MigratingSlots returns the slots not in the stable state.
func (m *Manager) MigratingSlots() []int {
	var out []int
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.slots {
		if m.slots[i].State != SlotStable {
			out = append(out, i)
		}
	}
	return out
}
