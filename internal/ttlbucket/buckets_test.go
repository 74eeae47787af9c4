package ttlbucket_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/segcache/segcache/internal/datapool"
	"github.com/segcache/segcache/internal/segment"
	"github.com/segcache/segcache/internal/ttlbucket"
)

func newTestBuckets(t *testing.T, segSize, count uint32) (*ttlbucket.Buckets, *segment.Segments) {
	t.Helper()
	pool, err := datapool.NewAnonymous(int(segSize) * int(count))
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() }) //nolint:errcheck

	segs, err := segment.New(pool, 0, segSize, count)
	require.NoError(t, err)

	q := ttlbucket.NewQuantizer([]uint32{1, 8}, 4)
	return ttlbucket.New(q, segs), segs
}

func allocate(segs *segment.Segments) func(bin uint32) (uint32, error) {
	return func(bin uint32) (uint32, error) { return segs.Allocate(bin, 0) }
}

func allocateAt(segs *segment.Segments, createAt uint32) func(bin uint32) (uint32, error) {
	return func(bin uint32) (uint32, error) { return segs.Allocate(bin, createAt) }
}

func TestQuantizerBinFor(t *testing.T) {
	q := ttlbucket.NewQuantizer([]uint32{1, 8, 64}, 4)
	require.EqualValues(t, 0, q.BinFor(0))
	require.EqualValues(t, 3, q.BinFor(3))
	require.EqualValues(t, 4, q.BinFor(4))  // first bin of the width-8 tier
	require.EqualValues(t, 7, q.BinFor(31)) // last bin of the width-8 tier
	require.EqualValues(t, 11, q.BinFor(1000))
}

func TestEnsureActiveAllocatesAndLinks(t *testing.T) {
	b, segs := newTestBuckets(t, 128, 4)

	id1, err := b.EnsureActive(0, 10, allocate(segs))
	require.NoError(t, err)

	bin := b.Bin(0)
	require.Equal(t, id1, bin.Head)
	require.Equal(t, id1, bin.Tail)

	// A second call within the same segment's remaining room reuses it.
	id2, err := b.EnsureActive(0, 10, allocate(segs))
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestEnsureActiveRollsOverWhenFull(t *testing.T) {
	b, segs := newTestBuckets(t, segment.HeaderSize+16, 4)

	id1, err := b.EnsureActive(0, 16, allocate(segs))
	require.NoError(t, err)
	_, err = segs.Append(id1, make([]byte, 16)) // fill id1's entire payload
	require.NoError(t, err)

	id2, err := b.EnsureActive(0, 16, allocate(segs))
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	require.Equal(t, id1, b.Bin(0).Head)
	require.Equal(t, id2, b.Bin(0).Tail)
	require.Equal(t, []uint32{id1, id2}, b.Chain(0))
}

func TestUnlinkHead(t *testing.T) {
	b, segs := newTestBuckets(t, segment.HeaderSize+16, 4)

	id1, _ := b.EnsureActive(0, 16, allocate(segs))
	_, err := segs.Append(id1, make([]byte, 16))
	require.NoError(t, err)
	id2, _ := b.EnsureActive(0, 16, allocate(segs))

	b.Unlink(0, id1)
	require.Equal(t, []uint32{id2}, b.Chain(0))
	require.Equal(t, id2, b.Bin(0).Head)
}

func TestExpireRetiresPastBins(t *testing.T) {
	b, segs := newTestBuckets(t, 128, 4)

	id, err := b.EnsureActive(0, 10, allocate(segs))
	require.NoError(t, err)

	var swept []uint32
	segsRetired, itemsRetired := b.Expire(1000, func(segID uint32) int {
		swept = append(swept, segID)
		return 2
	}, segs.Free)

	require.Equal(t, 1, segsRetired)
	require.Equal(t, 2, itemsRetired)
	require.Equal(t, []uint32{id}, swept)
	require.Empty(t, b.Chain(0))
}

// TestExpireChecksCreateAtNotJustBinWidth guards against comparing a
// bin's ttl_upper (always small, see DefaultWidths) directly against
// an absolute now: a segment's deadline is create_at + ttl_upper, not
// ttl_upper alone.
func TestExpireChecksCreateAtNotJustBinWidth(t *testing.T) {
	b, segs := newTestBuckets(t, 128, 4)

	// bin 1 has ttl_upper == 1 (quantizer built with widths {1, 8}).
	id, err := b.EnsureActive(1, 10, allocateAt(segs, 1000))
	require.NoError(t, err)

	segsRetired, itemsRetired := b.Expire(1001, func(uint32) int { return 0 }, segs.Free)
	require.Zero(t, segsRetired)
	require.Zero(t, itemsRetired)
	require.Equal(t, []uint32{id}, b.Chain(1))

	segsRetired, itemsRetired = b.Expire(1002, func(uint32) int { return 1 }, segs.Free)
	require.Equal(t, 1, segsRetired)
	require.Equal(t, 1, itemsRetired)
	require.Empty(t, b.Chain(1))
}

func TestClearEmptiesAllBins(t *testing.T) {
	b, segs := newTestBuckets(t, 128, 4)
	_, err := b.EnsureActive(0, 10, allocate(segs))
	require.NoError(t, err)

	b.Clear()
	require.Empty(t, b.Chain(0))
	require.Equal(t, segment.NoSegment, b.Bin(0).Head)
}

func TestReconstructRecoversChainsFromSegmentHeaders(t *testing.T) {
	b, segs := newTestBuckets(t, segment.HeaderSize+16, 4)
	id1, _ := b.EnsureActive(0, 16, allocate(segs))
	_, err := segs.Append(id1, make([]byte, 16))
	require.NoError(t, err)
	id2, _ := b.EnsureActive(0, 16, allocate(segs))

	rebuilt := ttlbucket.New(ttlbucket.NewQuantizer([]uint32{1, 8}, 4), segs)
	rebuilt.Reconstruct(segs)

	require.Equal(t, []uint32{id1, id2}, rebuilt.Chain(0))
}
