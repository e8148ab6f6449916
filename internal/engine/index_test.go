package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zumicdb/zumic/internal/zdb"
)

func TestIndexSetGetDel(t *testing.T) {
	ix := NewIndex(4)

	ix.Set([]byte("alpha"), zdb.StrValue([]byte("one")))
	v, err := ix.Get([]byte("alpha"))
	require.NoError(t, err)
	assert.Equal(t, zdb.KindStr, v.Kind)
	assert.Equal(t, []byte("one"), v.Str)

	_, err = ix.Get([]byte("missing"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	assert.True(t, ix.Del([]byte("alpha")))
	assert.False(t, ix.Del([]byte("alpha")))

	_, err = ix.Get([]byte("alpha"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestIndexOverwrite(t *testing.T) {
	ix := NewIndex(2)

	ix.Set([]byte("k"), zdb.IntValue(1))
	ix.Set([]byte("k"), zdb.IntValue(2))

	v, err := ix.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), v.Int)
	assert.Equal(t, 1, ix.Len())
}

func TestIndexExpiryOnGet(t *testing.T) {
	ix := NewIndex(2)

	past := time.Now().Add(-time.Second).UnixNano()
	ix.SetWithExpiry([]byte("gone"), zdb.StrValue([]byte("x")), past)

	_, err := ix.Get([]byte("gone"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// The lazy eviction removed the entry, not just hid it.
	total := 0
	for _, st := range ix.Stats() {
		total += st.Entries
		if st.Evictions > 0 {
			assert.Equal(t, uint64(1), st.Evictions)
		}
	}
	assert.Equal(t, 0, total)
}

func TestIndexExpiredDelReportsAbsent(t *testing.T) {
	ix := NewIndex(2)

	past := time.Now().Add(-time.Second).UnixNano()
	ix.SetWithExpiry([]byte("gone"), zdb.StrValue([]byte("x")), past)

	assert.False(t, ix.Del([]byte("gone")))
}

func TestIndexSweepExpired(t *testing.T) {
	ix := NewIndex(4)

	past := time.Now().Add(-time.Second).UnixNano()
	future := time.Now().Add(time.Hour).UnixNano()
	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("dead-%d", i))
		ix.SetWithExpiry(key, zdb.IntValue(int64(i)), past)
	}
	ix.SetWithExpiry([]byte("live"), zdb.IntValue(99), future)
	ix.Set([]byte("forever"), zdb.IntValue(100))

	assert.Equal(t, 10, ix.SweepExpired())
	assert.Equal(t, 2, ix.Len())
	assert.Equal(t, 0, ix.SweepExpired())
}

func TestIndexMSetMGet(t *testing.T) {
	ix := NewIndex(8)

	pairs := []zdb.DumpEntry{
		{Key: []byte("a"), Value: zdb.IntValue(1)},
		{Key: []byte("b"), Value: zdb.IntValue(2)},
		{Key: []byte("c"), Value: zdb.IntValue(3)},
	}
	ix.MSet(pairs)

	vals := ix.MGet([][]byte{[]byte("a"), []byte("nope"), []byte("c")})
	require.Len(t, vals, 3)
	require.NotNil(t, vals[0])
	assert.Equal(t, int64(1), vals[0].Int)
	assert.Nil(t, vals[1])
	require.NotNil(t, vals[2])
	assert.Equal(t, int64(3), vals[2].Int)
}

func TestIndexMSetDuplicateShards(t *testing.T) {
	// Many keys across few shards exercises the distinct-shard lock path.
	ix := NewIndex(2)

	pairs := make([]zdb.DumpEntry, 50)
	for i := range pairs {
		pairs[i] = zdb.DumpEntry{
			Key:   []byte(fmt.Sprintf("key-%02d", i)),
			Value: zdb.IntValue(int64(i)),
		}
	}
	ix.MSet(pairs)
	assert.Equal(t, 50, ix.Len())
}

func TestIndexShardDistribution(t *testing.T) {
	ix := NewIndex(16)

	for i := 0; i < 1600; i++ {
		ix.Set([]byte(fmt.Sprintf("user:%d", i)), zdb.Null())
	}

	// FNV-1a should spread sequential keys: no shard empty, none hoarding.
	for i, st := range ix.Stats() {
		assert.Greater(t, st.Entries, 0, "shard %d is empty", i)
		assert.Less(t, st.Entries, 400, "shard %d holds %d of 1600", i, st.Entries)
	}
}

func TestIndexRange(t *testing.T) {
	ix := NewIndex(4)
	for i := 0; i < 5; i++ {
		ix.Set([]byte(fmt.Sprintf("k%d", i)), zdb.IntValue(int64(i)))
	}

	seen := map[string]int64{}
	ix.Range(func(key []byte, v zdb.Value) bool {
		seen[string(key)] = v.Int
		return true
	})
	assert.Len(t, seen, 5)
	assert.Equal(t, int64(3), seen["k3"])

	// Early stop.
	n := 0
	ix.Range(func(key []byte, v zdb.Value) bool {
		n++
		return n < 2
	})
	assert.Equal(t, 2, n)
}

func TestIndexSnapshotEntriesSkipsExpired(t *testing.T) {
	ix := NewIndex(4)
	ix.Set([]byte("keep"), zdb.StrValue([]byte("v")))
	ix.SetWithExpiry([]byte("drop"), zdb.StrValue([]byte("v")), time.Now().Add(-time.Second).UnixNano())

	entries := ix.SnapshotEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("keep"), entries[0].Key)
}

func TestIndexStatsCounters(t *testing.T) {
	ix := NewIndex(1)

	ix.Set([]byte("a"), zdb.IntValue(1))
	ix.Get([]byte("a"))
	ix.Get([]byte("b"))

	st := ix.Stats()[0]
	assert.Equal(t, uint64(1), st.Writes)
	assert.Equal(t, uint64(2), st.Reads)
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
}
