package segcache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/segcache/segcache"
)

func newTestEngine(t *testing.T, now func() time.Time) *segcache.Engine {
	t.Helper()
	cfg := segcache.Config{
		HashPower:   4,
		SegmentSize: 4096,
		HeapSize:    4096 * 8,
		HashSeed:    1,
		Now:         now,
	}
	e, err := segcache.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() }) //nolint:errcheck
	return e
}

func clockAt(sec int64) func() time.Time {
	return func() time.Time { return time.Unix(sec, 0) }
}

// TestGetMissOnAbsentKey covers spec.md §8 scenario S1.
func TestGetMissOnAbsentKey(t *testing.T) {
	e := newTestEngine(t, clockAt(0))
	_, ok := e.Get([]byte("missing"))
	require.False(t, ok)
	require.EqualValues(t, 1, e.Stats().GetMiss)
}

// TestInsertThenGetHit covers spec.md §8 scenario S2.
func TestInsertThenGetHit(t *testing.T) {
	e := newTestEngine(t, clockAt(0))

	res, cas, err := e.Insert([]byte("k"), []byte("v1"), 100, 0)
	require.NoError(t, err)
	require.Equal(t, segcache.Stored, res)
	require.EqualValues(t, 1, cas)

	got, ok := e.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, "v1", string(got.Value))
	require.EqualValues(t, 1, got.CAS)
}

// TestInsertOverwriteBumpsCAS covers spec.md §8 scenario S3.
func TestInsertOverwriteBumpsCAS(t *testing.T) {
	e := newTestEngine(t, clockAt(0))

	_, cas1, err := e.Insert([]byte("k"), []byte("v1"), 100, 0)
	require.NoError(t, err)
	_, cas2, err := e.Insert([]byte("k"), []byte("v2"), 100, 0)
	require.NoError(t, err)
	require.Greater(t, cas2, cas1)

	got, ok := e.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, "v2", string(got.Value))
	require.EqualValues(t, cas2, got.CAS)
}

// TestDeleteThenGetMiss covers spec.md §8 scenario S4.
func TestDeleteThenGetMiss(t *testing.T) {
	e := newTestEngine(t, clockAt(0))

	_, _, err := e.Insert([]byte("k"), []byte("v"), 100, 0)
	require.NoError(t, err)

	require.True(t, e.Delete([]byte("k")))
	require.False(t, e.Delete([]byte("k")))

	_, ok := e.Get([]byte("k"))
	require.False(t, ok)
}

// TestCasSucceedsOnMatchFailsOnMismatch covers spec.md §8 scenario S5.
func TestCasSucceedsOnMatchFailsOnMismatch(t *testing.T) {
	e := newTestEngine(t, clockAt(0))

	_, cas, err := e.Insert([]byte("k"), []byte("v1"), 100, 0)
	require.NoError(t, err)

	res, err := e.Cas([]byte("k"), []byte("v2"), 100, cas+1)
	require.NoError(t, err)
	require.Equal(t, segcache.CasExists, res)

	res, err = e.Cas([]byte("k"), []byte("v2"), 100, cas)
	require.NoError(t, err)
	require.Equal(t, segcache.CasStored, res)

	got, ok := e.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, "v2", string(got.Value))
}

func TestCasOnAbsentKeyIsNotFound(t *testing.T) {
	e := newTestEngine(t, clockAt(0))

	res, err := e.Cas([]byte("k"), []byte("v"), 100, 0)
	require.NoError(t, err)
	require.Equal(t, segcache.CasNotFound, res)
}

// TestIncrDecrOnNumericValue covers spec.md §8 scenario S6.
func TestIncrDecrOnNumericValue(t *testing.T) {
	e := newTestEngine(t, clockAt(0))

	_, _, err := e.Insert([]byte("counter"), []byte("10"), 100, 0)
	require.NoError(t, err)

	res, err := e.Incr([]byte("counter"), 5)
	require.NoError(t, err)
	require.EqualValues(t, 15, res.Value)

	res, err = e.Decr([]byte("counter"), 20)
	require.NoError(t, err)
	require.EqualValues(t, -5, res.Value)
}

func TestIncrOnNonNumericValueFails(t *testing.T) {
	e := newTestEngine(t, clockAt(0))

	_, _, err := e.Insert([]byte("k"), []byte("not a number"), 100, 0)
	require.NoError(t, err)

	_, err = e.Incr([]byte("k"), 1)
	require.ErrorIs(t, err, segcache.ErrNotNumeric)
}

func TestIncrOnAbsentKeyDoesNotAutoVivify(t *testing.T) {
	e := newTestEngine(t, clockAt(0))

	_, err := e.Incr([]byte("missing"), 1)
	require.ErrorIs(t, err, segcache.ErrNotFound)

	_, ok := e.Get([]byte("missing"))
	require.False(t, ok)
}

func TestExpireRetiresItemsPastTTL(t *testing.T) {
	now := int64(0)
	clock := func() time.Time { return time.Unix(now, 0) }
	e := newTestEngine(t, clock)

	_, _, err := e.Insert([]byte("k"), []byte("v"), 1, 0)
	require.NoError(t, err)

	now = 1000
	segsRetired, itemsRetired := e.Expire(uint32(now))
	require.Equal(t, 1, segsRetired)
	require.Equal(t, 1, itemsRetired)

	_, ok := e.Get([]byte("k"))
	require.False(t, ok)
}

func TestFlushAllRemovesEveryItemUnconditionally(t *testing.T) {
	e := newTestEngine(t, clockAt(0))

	_, _, err := e.Insert([]byte("a"), []byte("1"), 1000, 0)
	require.NoError(t, err)
	_, _, err = e.Insert([]byte("b"), []byte("2"), 1000, 0)
	require.NoError(t, err)

	e.FlushAll()

	_, ok := e.Get([]byte("a"))
	require.False(t, ok)
	_, ok = e.Get([]byte("b"))
	require.False(t, ok)
}

func TestClosedEngineRejectsFurtherClose(t *testing.T) {
	e := newTestEngine(t, clockAt(0))
	require.NoError(t, e.Close())
	require.ErrorIs(t, e.Close(), segcache.ErrClosed)
}

func TestClosedEngineRejectsFurtherOps(t *testing.T) {
	e := newTestEngine(t, clockAt(0))
	_, _, err := e.Insert([]byte("k"), []byte("v"), 100, 0)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	_, ok := e.Get([]byte("k"))
	require.False(t, ok)

	_, _, err = e.Insert([]byte("k2"), []byte("v"), 100, 0)
	require.ErrorIs(t, err, segcache.ErrClosed)

	_, err = e.Cas([]byte("k"), []byte("v"), 100, 1)
	require.ErrorIs(t, err, segcache.ErrClosed)

	require.False(t, e.Delete([]byte("k")))

	_, err = e.Incr([]byte("k"), 1)
	require.ErrorIs(t, err, segcache.ErrClosed)

	segsRetired, itemsRetired := e.Expire(0)
	require.Zero(t, segsRetired)
	require.Zero(t, itemsRetired)

	e.FlushAll()
}

func TestEvictionFreesSpaceUnderFifoPolicy(t *testing.T) {
	cfg := segcache.Config{
		HashPower:   4,
		SegmentSize: segcacheMinSegment,
		HeapSize:    segcacheMinSegment * 2,
		HashSeed:    1,
		Eviction:    segcache.EvictionConfig{Kind: segcache.EvictionFifo},
		Now:         clockAt(0),
	}
	e, err := segcache.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() }) //nolint:errcheck

	value := make([]byte, 512)
	for i := 0; i < 20; i++ {
		key := []byte{byte(i)}
		res, _, err := e.Insert(key, value, 1000, 0)
		require.NoError(t, err)
		require.NotEqual(t, segcache.NoSpaceResult, res)
	}

	require.Greater(t, e.Stats().SegmentsEvicted, uint64(0))
}

// TestEvictionMergePreservesLiveItems exercises merge eviction wired
// end to end against the real datapool/segment/hashtable stack: once
// the heap is full, every insert must still be stored (merging where
// the destination has room, otherwise falling back to FIFO) and keys
// must remain readable afterwards.
func TestEvictionMergePreservesLiveItems(t *testing.T) {
	cfg := segcache.Config{
		HashPower:   4,
		SegmentSize: segcacheMinSegment,
		HeapSize:    segcacheMinSegment * 3,
		HashSeed:    1,
		Eviction:    segcache.EvictionConfig{Kind: segcache.EvictionMerge, MergeK: 2},
		Now:         clockAt(0),
	}
	e, err := segcache.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() }) //nolint:errcheck

	value := make([]byte, 256)
	keys := make([][]byte, 0, 40)
	for i := 0; i < 40; i++ {
		key := []byte{byte(i)}
		keys = append(keys, key)
		res, _, err := e.Insert(key, value, 1000, 0)
		require.NoError(t, err)
		require.NotEqual(t, segcache.NoSpaceResult, res)
	}

	require.Greater(t, e.Stats().SegmentsEvicted, uint64(0))

	var hits int
	for _, key := range keys {
		if _, ok := e.Get(key); ok {
			hits++
		}
	}
	require.Greater(t, hits, 0)
}

const segcacheMinSegment = 1024
