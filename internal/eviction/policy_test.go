package eviction_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/segcache/segcache/internal/eviction"
)

// fakeSegment is one segment tracked by fakeContext.
type fakeSegment struct {
	info  eviction.Info
	items map[uint32]fakeItem // offset -> item
	next  []byte              // appended raw bytes, for CopyItem's destination
}

type fakeItem struct {
	key     string
	totalLen uint32
	deleted bool
}

// fakeContext is a minimal, in-memory eviction.Context used to exercise
// each Policy without pulling in segment/ttlbucket/hashtable.
type fakeContext struct {
	segs    map[uint32]*fakeSegment
	chains  map[uint32][]uint32 // bin -> segment ids, head first
	retired []uint32
	relocated map[string][2]uint32 // key -> (segmentID, offset)
	nextID  uint32
	payloadCap uint32
}

func newFakeContext() *fakeContext {
	return &fakeContext{
		segs:      map[uint32]*fakeSegment{},
		chains:    map[uint32][]uint32{},
		relocated: map[string][2]uint32{},
		payloadCap: 1000,
	}
}

func (c *fakeContext) addSegment(bin uint32, createAt uint32, liveBytes uint32, items map[uint32]fakeItem) uint32 {
	id := c.nextID
	c.nextID++
	c.segs[id] = &fakeSegment{info: eviction.Info{ID: id, CreateAt: createAt, TTLBin: bin, LiveBytes: liveBytes}, items: items}
	c.chains[bin] = append(c.chains[bin], id)
	return id
}

func (c *fakeContext) NumBins() uint32 { return 4 }
func (c *fakeContext) TTLUpper(bin uint32) uint32 { return (bin + 1) * 100 }
func (c *fakeContext) BinChain(bin uint32) []uint32 { return c.chains[bin] }

func (c *fakeContext) AllAllocated() []uint32 {
	var ids []uint32
	for id := range c.segs {
		ids = append(ids, id)
	}
	return ids
}

func (c *fakeContext) Info(id uint32) eviction.Info { return c.segs[id].info }
func (c *fakeContext) PayloadCapacity() uint32      { return c.payloadCap }

func (c *fakeContext) Walk(id uint32, fn func(offset uint32, key []byte, totalLen uint32, deleted bool) bool) {
	for offset, it := range c.segs[id].items {
		if !fn(offset, []byte(it.key), it.totalLen, it.deleted) {
			return
		}
	}
}

func (c *fakeContext) CopyItem(srcID, offset, totalLen, dstID uint32) (uint32, error) {
	newOffset := uint32(len(c.segs[dstID].next))
	c.segs[dstID].next = append(c.segs[dstID].next, make([]byte, totalLen)...)
	return newOffset, nil
}

func (c *fakeContext) Relocate(key []byte, newSegmentID, newOffset uint32) bool {
	c.relocated[string(key)] = [2]uint32{newSegmentID, newOffset}
	return true
}

func (c *fakeContext) Retire(id uint32) {
	c.retired = append(c.retired, id)
	for bin, chain := range c.chains {
		for i, cid := range chain {
			if cid == id {
				c.chains[bin] = append(chain[:i], chain[i+1:]...)
			}
		}
	}
}

var _ eviction.Context = (*fakeContext)(nil)

func TestNoneNeverEvicts(t *testing.T) {
	ctx := newFakeContext()
	ctx.addSegment(0, 0, 0, nil)

	freed, err := eviction.None{}.Evict(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, freed)
}

func TestFifoEvictsHeadOfChain(t *testing.T) {
	ctx := newFakeContext()
	id1 := ctx.addSegment(0, 10, 0, nil)
	ctx.addSegment(0, 20, 0, nil)

	freed, err := eviction.Fifo{}.Evict(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []uint32{id1}, freed)
	require.Contains(t, ctx.retired, id1)
}

func TestFifoOnEmptyBinFindsNothing(t *testing.T) {
	ctx := newFakeContext()
	freed, err := eviction.Fifo{}.Evict(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, freed)
}

func TestRandomEvictsOneOfAllAllocated(t *testing.T) {
	ctx := newFakeContext()
	id1 := ctx.addSegment(0, 0, 0, nil)
	id2 := ctx.addSegment(1, 0, 0, nil)

	freed, err := eviction.NewRandom(1).Evict(ctx, 0)
	require.NoError(t, err)
	require.Len(t, freed, 1)
	require.Contains(t, []uint32{id1, id2}, freed[0])
}

func TestCtePicksBelowThresholdClosestToExpiry(t *testing.T) {
	ctx := newFakeContext()
	ctx.payloadCap = 100
	// live ratio 0.8, above default threshold: not a candidate.
	ctx.addSegment(0, 0, 80, nil)
	// live ratio 0.2, below threshold -> the only candidate.
	closest := ctx.addSegment(0, 5, 20, nil)

	freed, err := eviction.NewCte(eviction.DefaultLiveRatioThreshold).Evict(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []uint32{closest}, freed)
}

func TestCteFallsBackToFifoWhenNoneUnderThreshold(t *testing.T) {
	ctx := newFakeContext()
	ctx.payloadCap = 100
	id1 := ctx.addSegment(0, 0, 90, nil)
	ctx.addSegment(0, 1, 95, nil)

	freed, err := eviction.NewCte(eviction.DefaultLiveRatioThreshold).Evict(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []uint32{id1}, freed)
}

func TestMergeFallsBackToFifoWhenChainShorterThanK(t *testing.T) {
	ctx := newFakeContext()
	id1 := ctx.addSegment(0, 0, 0, nil)

	freed, err := eviction.NewMerge(4, 0.5).Evict(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []uint32{id1}, freed)
}

func TestMergeCompactsLiveItemsAndRetiresSources(t *testing.T) {
	ctx := newFakeContext()
	src1 := ctx.addSegment(0, 0, 0, map[uint32]fakeItem{0: {key: "a", totalLen: 10}, 10: {key: "b", totalLen: 10, deleted: true}})
	// dst is the newest (tail-most) of the k sources, reused in place
	// rather than freshly allocated: its own live item ("c") is never
	// copied or relocated, only the other sources' items move into it.
	dst := ctx.addSegment(0, 1, 0, map[uint32]fakeItem{0: {key: "c", totalLen: 10}})

	freed, err := eviction.NewMerge(2, 0.5).Evict(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []uint32{src1}, freed)
	require.Equal(t, []uint32{src1}, ctx.retired)
	require.Contains(t, ctx.chains[0], dst)

	// Only "a" moved (from src1 into dst); "c" was already in dst and
	// "b" was deleted.
	require.Len(t, ctx.relocated, 1)
	require.Contains(t, ctx.relocated, "a")
	require.NotContains(t, ctx.relocated, "b")
	require.NotContains(t, ctx.relocated, "c")
}
