package segcache

import (
	"github.com/segcache/segcache/internal/eviction"
	"github.com/segcache/segcache/internal/item"
)

// evictContext adapts an *Engine to eviction.Context, giving policies
// exactly the operations they need against segments, TTL buckets, and
// the hash table without those packages depending on each other
// (spec §4.5's eviction protocol lives here, not in internal/eviction).
type evictContext struct {
	e *Engine
}

// NumBins implements eviction.Context.
func (c evictContext) NumBins() uint32 { return c.e.buckets.NumBins() }

// TTLUpper implements eviction.Context.
func (c evictContext) TTLUpper(bin uint32) uint32 { return c.e.buckets.TTLUpper(bin) }

// BinChain implements eviction.Context.
func (c evictContext) BinChain(bin uint32) []uint32 { return c.e.buckets.Chain(bin) }

// AllAllocated implements eviction.Context.
func (c evictContext) AllAllocated() []uint32 { return c.e.allAllocated() }

// Info implements eviction.Context.
func (c evictContext) Info(id uint32) eviction.Info {
	h := c.e.segs.Header(id)
	return eviction.Info{
		ID:          id,
		CreateAt:    h.CreateAt,
		TTLBin:      h.TTLBin,
		LiveBytes:   h.LiveBytes,
		WriteOffset: h.WriteOffset,
	}
}

// PayloadCapacity implements eviction.Context.
func (c evictContext) PayloadCapacity() uint32 { return c.e.segs.PayloadSize() }

// Walk implements eviction.Context.
func (c evictContext) Walk(id uint32, fn func(offset uint32, key []byte, totalLen uint32, deleted bool) bool) {
	_ = c.e.segs.Walk(id, func(offset uint32, rec item.Record) bool {
		return fn(offset, rec.Key(), uint32(rec.TotalLen()), rec.Deleted())
	})
}

// CopyItem implements eviction.Context by appending the raw encoded
// bytes of the source item onto dstID verbatim, header and all, so the
// copy preserves cas and flags without re-encoding.
func (c evictContext) CopyItem(srcID, offset, totalLen, dstID uint32) (uint32, error) {
	src := c.e.segs.Payload(srcID)[offset : offset+totalLen]
	return c.e.segs.Append(dstID, src)
}

// Relocate implements eviction.Context.
func (c evictContext) Relocate(key []byte, newSegmentID, newOffset uint32) bool {
	return c.e.table.Relocate(key, newSegmentID, newOffset, c.e.fetchKey)
}

// Retire implements eviction.Context: sweep the hash table of every
// slot referencing id, unlink it from its TTL bin, and free it
// (spec §4.5's eviction protocol, shared by every policy).
func (c evictContext) Retire(id uint32) {
	h := c.e.segs.Header(id)
	c.e.table.Sweep(id)
	c.e.buckets.Unlink(h.TTLBin, id)
	c.e.segs.Free(id)
}

var _ eviction.Context = evictContext{}
