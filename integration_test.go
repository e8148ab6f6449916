package zumic_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zumicdb/zumic/internal/aof"
	"github.com/zumicdb/zumic/internal/cluster"
	"github.com/zumicdb/zumic/internal/engine"
	"github.com/zumicdb/zumic/internal/zdb"
)

// Integration tests drive the store end to end: write, snapshot, crash,
// recover.

func e2eConfig() engine.StoreConfig {
	cfg := engine.DefaultStoreConfig()
	cfg.SyncPolicy = aof.SyncAlways
	cfg.SweepInterval = 0
	cfg.Compaction.MaxInterval = time.Hour
	return cfg
}

func TestE2E_WriteSnapshotRecover(t *testing.T) {
	dir := t.TempDir()

	s, err := engine.Open(dir, e2eConfig(), zap.NewNop())
	require.NoError(t, err)

	// A mixed workload across value kinds.
	require.NoError(t, s.Set([]byte("counter"), zdb.IntValue(10)))
	require.NoError(t, s.Set([]byte("pi"), zdb.FloatValue(3.14159)))
	require.NoError(t, s.Set([]byte("name"), zdb.StrValue([]byte("zumic"))))
	require.NoError(t, s.Set([]byte("tags"), zdb.Value{
		Kind: zdb.KindSet,
		Set:  map[string]struct{}{"fast": {}, "durable": {}},
	}))
	require.NoError(t, s.Set([]byte("scores"), zdb.Value{
		Kind: zdb.KindZSet,
		ZSet: []zdb.ZSetEntry{{Member: "alice", Score: 9.5}, {Member: "bob", Score: 7.0}},
	}))

	require.NoError(t, s.Snapshot())

	// Post-snapshot churn lands in the fresh log.
	require.NoError(t, s.Set([]byte("counter"), zdb.IntValue(11)))
	_, err = s.Del([]byte("pi"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := engine.Open(dir, e2eConfig(), zap.NewNop())
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, 4, s2.Len())

	v, err := s2.Get([]byte("counter"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), v.Int)

	_, err = s2.Get([]byte("pi"))
	assert.ErrorIs(t, err, engine.ErrKeyNotFound)

	v, err = s2.Get([]byte("tags"))
	require.NoError(t, err)
	assert.Contains(t, v.Set, "durable")

	v, err = s2.Get([]byte("scores"))
	require.NoError(t, err)
	require.Len(t, v.ZSet, 2)
	// Members come back ordered by (score, member), lowest score first.
	assert.Equal(t, "bob", v.ZSet[0].Member)
}

func TestE2E_ManyKeysSurviveRestartCycles(t *testing.T) {
	dir := t.TempDir()
	const keys = 500

	for cycle := 0; cycle < 3; cycle++ {
		s, err := engine.Open(dir, e2eConfig(), zap.NewNop())
		require.NoError(t, err)

		for i := 0; i < keys; i++ {
			key := []byte(fmt.Sprintf("key-%03d", i))
			require.NoError(t, s.Set(key, zdb.IntValue(int64(cycle*keys+i))))
		}
		if cycle == 1 {
			require.NoError(t, s.Snapshot())
		}
		require.NoError(t, s.Close())
	}

	s, err := engine.Open(dir, e2eConfig(), zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, keys, s.Len())
	v, err := s.Get([]byte("key-042"))
	require.NoError(t, err)
	assert.Equal(t, int64(2*keys+42), v.Int)
}

func TestE2E_SlotRoutingOverStore(t *testing.T) {
	dir := t.TempDir()

	s, err := engine.Open(dir, e2eConfig(), zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	mgr := cluster.NewManager(4)

	// Hashtagged keys share a slot, so one migration covers them all.
	keys := [][]byte{
		[]byte("{order:77}:status"),
		[]byte("{order:77}:items"),
		[]byte("{order:77}:total"),
	}
	slot := cluster.KeySlot(keys[0])
	for _, k := range keys {
		require.Equal(t, slot, cluster.KeySlot(k))
		require.NoError(t, s.Set(k, zdb.StrValue([]byte("v"))))
		mgr.RouteKey(k)
	}

	info, err := mgr.Slot(slot)
	require.NoError(t, err)
	target := (info.Owner + 1) % 4

	require.NoError(t, mgr.BeginMigration(slot, target))
	require.NoError(t, mgr.ActivateMigration(slot))

	route := mgr.RouteKey(keys[0])
	assert.True(t, route.DualWrite)

	require.NoError(t, mgr.CommitMigration(slot))
	assert.Equal(t, target, mgr.ShardForKey(keys[0]))

	// Data is untouched by the routing change.
	for _, k := range keys {
		_, err := s.Get(k)
		assert.NoError(t, err)
	}
}

func TestE2E_CompactionShrinksLog(t *testing.T) {
	dir := t.TempDir()

	s, err := engine.Open(dir, e2eConfig(), zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	// Overwrite one key many times, then compact away the history.
	for i := 0; i < 200; i++ {
		require.NoError(t, s.Set([]byte("hot"), zdb.IntValue(int64(i))))
	}
	before := s.Stats().LogSize
	require.NoError(t, s.Snapshot())
	after := s.Stats().LogSize

	assert.Less(t, after, before)
	assert.Equal(t, 1, s.Len())

	v, err := s.Get([]byte("hot"))
	require.NoError(t, err)
	assert.Equal(t, int64(199), v.Int)
}
