package ttlbucket

import (
	"github.com/segcache/segcache/internal/segment"
)

// Bin is the externally-visible state of one TTL bucket, as returned
// by Buckets.Bin. Eviction policies walk bins through Chain instead.
type Bin struct {
	Index    uint32
	Head     uint32 // segment.NoSegment if empty
	Tail     uint32 // segment.NoSegment if empty
	TTLUpper uint32
}

// AllocateFunc allocates a fresh segment for the given TTL bin,
// invoking the eviction policy first if the free pool is exhausted.
// It is supplied by the caller (the facade) so ttlbucket never needs
// to know about eviction.
type AllocateFunc func(ttlBin uint32) (segmentID uint32, err error)

// SweepFunc removes every hash-table slot referencing segmentID and
// reports how many live items it held, ahead of the segment being
// freed. Supplied by the facade, which owns the hash table.
type SweepFunc func(segmentID uint32) (itemsRemoved int)

// Buckets owns the TTL bucket array: per-bin head/tail segment chains
// plus the quantizer mapping TTLs to bins (spec §4.3).
type Buckets struct {
	q    *Quantizer
	segs *segment.Segments

	heads []uint32
	tails []uint32
}

// New builds a Buckets over segs using q to quantize TTLs.
func New(q *Quantizer, segs *segment.Segments) *Buckets {
	n := q.NumBins()
	b := &Buckets{q: q, segs: segs, heads: make([]uint32, n), tails: make([]uint32, n)}
	for i := range b.heads {
		b.heads[i] = segment.NoSegment
		b.tails[i] = segment.NoSegment
	}
	return b
}

// BinFor returns the bin index for ttlSeconds.
func (b *Buckets) BinFor(ttlSeconds uint32) uint32 { return b.q.BinFor(ttlSeconds) }

// NumBins returns the total number of bins.
func (b *Buckets) NumBins() uint32 { return b.q.NumBins() }

// TTLUpper returns bin's inclusive TTL ceiling.
func (b *Buckets) TTLUpper(bin uint32) uint32 { return b.q.TTLUpper(bin) }

// Clear resets every bin to empty, without touching segment headers.
// Used by flush_all, which frees every segment outright rather than
// unlinking them one at a time.
func (b *Buckets) Clear() {
	for i := range b.heads {
		b.heads[i] = segment.NoSegment
		b.tails[i] = segment.NoSegment
	}
}

// Reconstruct rebuilds head/tail state from the persisted prev/next
// links and ttl_bin of every accessible segment (spec §6 `restore`):
// chain linkage survives in the segment headers themselves, only the
// per-bin head/tail pointers need to be recovered.
func (b *Buckets) Reconstruct(segs *segment.Segments) {
	b.Clear()
	for id := uint32(0); id < segs.Count(); id++ {
		h := segs.Header(id)
		if !h.Accessible {
			continue
		}
		if h.Prev == segment.NoSegment {
			b.heads[h.TTLBin] = id
		}
		if h.Next == segment.NoSegment {
			b.tails[h.TTLBin] = id
		}
	}
}

// Bin returns a snapshot of bin index's state.
func (b *Buckets) Bin(index uint32) Bin {
	return Bin{Index: index, Head: b.heads[index], Tail: b.tails[index], TTLUpper: b.q.TTLUpper(index)}
}

// Chain returns the segment ids in bin's FIFO chain, head first.
func (b *Buckets) Chain(bin uint32) []uint32 {
	var ids []uint32
	for id := b.heads[bin]; id != segment.NoSegment; id = b.segs.Header(id).Next {
		ids = append(ids, id)
	}
	return ids
}

// EnsureActive returns the tail segment of bin with room for
// neededBytes more payload, allocating and linking a new segment via
// allocate if the bin is empty or its tail is full (spec §4.3).
func (b *Buckets) EnsureActive(bin uint32, neededBytes uint32, allocate AllocateFunc) (uint32, error) {
	tail := b.tails[bin]
	if tail != segment.NoSegment {
		h := b.segs.Header(tail)
		if neededBytes <= b.segs.PayloadSize()-h.WriteOffset {
			return tail, nil
		}
	}

	newID, err := allocate(bin)
	if err != nil {
		return 0, err
	}

	b.segs.SetLinks(newID, tail, segment.NoSegment)
	if tail != segment.NoSegment {
		oldTail := b.segs.Header(tail)
		b.segs.SetLinks(tail, oldTail.Prev, newID)
	} else {
		b.heads[bin] = newID
	}
	b.tails[bin] = newID

	return newID, nil
}

// Unlink removes id from its bin's chain, patching neighbors, and
// clearing head/tail if id was an endpoint. Used by both expiration
// and eviction (spec §4.5).
func (b *Buckets) Unlink(bin, id uint32) {
	h := b.segs.Header(id)

	if h.Prev != segment.NoSegment {
		prevHdr := b.segs.Header(h.Prev)
		b.segs.SetLinks(h.Prev, prevHdr.Prev, h.Next)
	} else {
		b.heads[bin] = h.Next
	}

	if h.Next != segment.NoSegment {
		nextHdr := b.segs.Header(h.Next)
		b.segs.SetLinks(h.Next, h.Prev, nextHdr.Next)
	} else {
		b.tails[bin] = h.Prev
	}
}

// Expire retires every segment whose create_at + bin.ttl_upper is less
// than now (spec §3/§4.3): O(expired segments), not O(items). Each
// bin's chain is walked in FIFO order (oldest segment first), so once
// a segment is found not yet past its deadline, the rest of the chain
// is younger still and the walk moves to the next bin. For each
// retired segment, sweep is called first to drop its hash-table slots,
// then the segment is unlinked and handed back via free.
func (b *Buckets) Expire(now uint32, sweep SweepFunc, free func(id uint32)) (segmentsRetired, itemsRetired int) {
	for bin := uint32(0); bin < b.q.NumBins(); bin++ {
		upper := b.q.TTLUpper(bin)

		for id := b.heads[bin]; id != segment.NoSegment; {
			h := b.segs.Header(id)
			if h.CreateAt+upper >= now {
				break
			}

			next := h.Next
			itemsRetired += sweep(id)
			b.Unlink(bin, id)
			free(id)
			segmentsRetired++
			id = next
		}
	}
	return segmentsRetired, itemsRetired
}
