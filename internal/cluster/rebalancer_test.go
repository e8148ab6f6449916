package cluster

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeMover drains a fixed number of keys, then reports the slot empty.
type fakeMover struct {
	remaining atomic.Int64
	calls     atomic.Int64
	err       error
}

func (f *fakeMover) MoveSlotKeys(_ context.Context, _, _, _, batch int) (int, error) {
	f.calls.Add(1)
	if f.err != nil {
		return 0, f.err
	}
	left := f.remaining.Load()
	if left <= 0 {
		return 0, nil
	}
	n := int64(batch)
	if n > left {
		n = left
	}
	f.remaining.Add(-n)
	return int(n), nil
}

func testRebalancerConfig() RebalancerConfig {
	cfg := DefaultRebalancerConfig()
	cfg.Interval = time.Hour
	cfg.HotKeyThreshold = 10
	cfg.BatchSize = 16
	return cfg
}

// hotKeyFor finds a key whose slot is owned by shard.
func hotKeyFor(t *testing.T, m *Manager, shard int) []byte {
	t.Helper()
	for i := 0; i < 100_000; i++ {
		key := []byte{byte('a' + i%26), byte('a' + (i/26)%26), byte('0' + i%10)}
		if m.ShardForKey(key) == shard {
			return key
		}
	}
	t.Fatal("no key found for shard")
	return nil
}

func TestMigrateMovesSlotInBatches(t *testing.T) {
	m := NewManager(2)
	mover := &fakeMover{}
	mover.remaining.Store(40)
	r := NewRebalancer(m, mover, testRebalancerConfig(), zap.NewNop())

	r.migrate(task{slot: 7, from: 0, to: 1})

	// 40 keys at batch 16: two full batches plus a short final one.
	assert.Equal(t, int64(3), mover.calls.Load())
	info, _ := m.Slot(7)
	assert.Equal(t, SlotStable, info.State)
	assert.Equal(t, 1, info.Owner)
	assert.Equal(t, uint64(4), m.Epoch())
}

func TestMigrateAbortsOnMoverError(t *testing.T) {
	m := NewManager(2)
	mover := &fakeMover{err: errors.New("shard unreachable")}
	r := NewRebalancer(m, mover, testRebalancerConfig(), zap.NewNop())

	r.migrate(task{slot: 7, from: 0, to: 1})

	info, _ := m.Slot(7)
	assert.Equal(t, SlotStable, info.State)
	assert.Equal(t, 0, info.Owner)
}

func TestMigrateSkipsBusySlot(t *testing.T) {
	m := NewManager(2)
	require.NoError(t, m.BeginMigration(7, 1))

	mover := &fakeMover{}
	r := NewRebalancer(m, mover, testRebalancerConfig(), zap.NewNop())
	r.migrate(task{slot: 7, from: 0, to: 1})

	assert.Equal(t, int64(0), mover.calls.Load())
	info, _ := m.Slot(7)
	assert.Equal(t, SlotPreparing, info.State)
}

func TestEvaluateEnqueuesHotSlot(t *testing.T) {
	m := NewManager(2)
	mover := &fakeMover{}
	r := NewRebalancer(m, mover, testRebalancerConfig(), zap.NewNop())

	// All load on one shard pushes it past mean * ratio.
	key := hotKeyFor(t, m, 1)
	for i := 0; i < 50; i++ {
		m.RouteKey(key)
	}

	r.Evaluate()
	assert.Equal(t, 1, len(r.queue))

	// A second evaluation does not duplicate the queued slot.
	r.Evaluate()
	assert.Equal(t, 1, len(r.queue))
}

func TestEvaluateBalancedDoesNothing(t *testing.T) {
	m := NewManager(2)
	mover := &fakeMover{}
	r := NewRebalancer(m, mover, testRebalancerConfig(), zap.NewNop())

	keyA := hotKeyFor(t, m, 0)
	keyB := hotKeyFor(t, m, 1)
	for i := 0; i < 50; i++ {
		m.RouteKey(keyA)
		m.RouteKey(keyB)
	}

	r.Evaluate()
	assert.Equal(t, 0, len(r.queue))
}

func TestEvaluateIgnoresColdSlots(t *testing.T) {
	m := NewManager(2)
	cfg := testRebalancerConfig()
	cfg.HotKeyThreshold = 1000
	r := NewRebalancer(m, &fakeMover{}, cfg, zap.NewNop())

	key := hotKeyFor(t, m, 1)
	for i := 0; i < 50; i++ {
		m.RouteKey(key)
	}

	// Shard 1 is imbalanced but no single slot clears the hot threshold.
	r.Evaluate()
	assert.Equal(t, 0, len(r.queue))
}

func TestRebalancerEndToEnd(t *testing.T) {
	m := NewManager(2)
	mover := &fakeMover{}
	mover.remaining.Store(20)
	r := NewRebalancer(m, mover, testRebalancerConfig(), zap.NewNop())

	key := hotKeyFor(t, m, 1)
	slot := KeySlot(key)
	for i := 0; i < 50; i++ {
		m.RouteKey(key)
	}

	r.Start()
	defer r.Close()
	r.Evaluate()

	require.Eventually(t, func() bool {
		info, _ := m.Slot(slot)
		return info.Owner == 0 && info.State == SlotStable
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSingleShardNeverRebalances(t *testing.T) {
	m := NewManager(1)
	r := NewRebalancer(m, &fakeMover{}, testRebalancerConfig(), zap.NewNop())

	key := []byte("only")
	for i := 0; i < 100; i++ {
		m.RouteKey(key)
	}
	r.Evaluate()
	assert.Equal(t, 0, len(r.queue))
}
