package segment

import (
	"github.com/pkg/errors"

	"github.com/segcache/segcache/internal/datapool"
	"github.com/segcache/segcache/internal/item"
)

// ErrNoFreeSegment is returned by Allocate when the free pool is empty
// (spec §4.2).
var ErrNoFreeSegment = errors.New("segment: no free segment")

// ErrNoRoom is returned by Append when an item does not fit in the
// segment's remaining payload (spec §4.2).
var ErrNoRoom = errors.New("segment: no room")

// Segments owns a datapool carved into fixed-size segments and
// maintains the free list (spec §4.2). It does not know about TTL
// bins, eviction, or the hash table; those are orchestrated above it.
type Segments struct {
	pool        datapool.Datapool
	base        int
	segmentSize uint32
	count       uint32

	freeHead  uint32
	freeCount uint32
}

// New carves count segments of segmentSize bytes out of pool, starting
// at byte offset base (0 for an anonymous pool, datapool.HeaderSize for
// a fresh file-backed pool). All segments start in the free list.
func New(pool datapool.Datapool, base int, segmentSize, count uint32) (*Segments, error) {
	if segmentSize <= HeaderSize {
		return nil, errors.Errorf("segment: segment_size %d must exceed header size %d", segmentSize, HeaderSize)
	}
	if count == 0 {
		return nil, errors.New("segment: segment_count must be positive")
	}
	need := base + int(segmentSize)*int(count)
	if need > pool.Size() {
		return nil, errors.Errorf("segment: pool too small: need %d bytes, have %d", need, pool.Size())
	}

	s := &Segments{
		pool:        pool,
		base:        base,
		segmentSize: segmentSize,
		count:       count,
		freeHead:    NoSegment,
	}
	s.initFreeList()
	return s, nil
}

// Attach reconstructs a Segments view over an already-populated pool
// (spec §6 `restore`), without reinitializing headers. The caller is
// responsible for rebuilding the free list afterward via ReclaimFree,
// since which segments are free is not itself persisted.
func Attach(pool datapool.Datapool, base int, segmentSize, count uint32) (*Segments, error) {
	if segmentSize <= HeaderSize {
		return nil, errors.Errorf("segment: segment_size %d must exceed header size %d", segmentSize, HeaderSize)
	}
	need := base + int(segmentSize)*int(count)
	if need > pool.Size() {
		return nil, errors.Errorf("segment: pool too small: need %d bytes, have %d", need, pool.Size())
	}
	return &Segments{pool: pool, base: base, segmentSize: segmentSize, count: count, freeHead: NoSegment}, nil
}

func (s *Segments) initFreeList() {
	for id := uint32(0); id < s.count; id++ {
		h := Header{ID: id, Prev: NoSegment, Next: NoSegment}
		if id+1 < s.count {
			h.Next = id + 1
		}
		Encode(s.segBytes(id), h)
	}
	s.freeHead = 0
	s.freeCount = s.count
}

// ReclaimFree rebuilds the free list from scratch by scanning every
// segment and reclaiming any whose header reports !Accessible. Used
// during restore, where free-list linkage was never persisted.
func (s *Segments) ReclaimFree() {
	s.freeHead = NoSegment
	s.freeCount = 0
	for id := uint32(0); id < s.count; id++ {
		h := s.Header(id)
		if !h.Accessible {
			s.pushFree(id)
		}
	}
}

func (s *Segments) segBytes(id uint32) []byte {
	off := s.base + int(id)*int(s.segmentSize)
	return s.pool.Bytes()[off : off+int(s.segmentSize)]
}

// Count returns the total number of segments carved from the pool.
func (s *Segments) Count() uint32 { return s.count }

// FreeCount returns the number of segments currently on the free list.
func (s *Segments) FreeCount() uint32 { return s.freeCount }

// PayloadSize returns the usable bytes per segment, excluding the header.
func (s *Segments) PayloadSize() uint32 { return s.segmentSize - HeaderSize }

// Header returns a decoded snapshot of segment id's header.
func (s *Segments) Header(id uint32) Header {
	return Decode(s.segBytes(id))
}

// setHeader writes h back to segment id's header bytes.
func (s *Segments) setHeader(id uint32, h Header) {
	Encode(s.segBytes(id), h)
}

// Payload returns the writable payload region of segment id.
func (s *Segments) Payload(id uint32) []byte {
	return s.segBytes(id)[HeaderSize:]
}

func (s *Segments) popFree() (uint32, bool) {
	if s.freeHead == NoSegment {
		return 0, false
	}
	id := s.freeHead
	h := s.Header(id)
	s.freeHead = h.Next
	s.freeCount--
	return id, true
}

func (s *Segments) pushFree(id uint32) {
	h := Header{ID: id, Prev: NoSegment, Next: s.freeHead, Accessible: false}
	s.setHeader(id, h)
	s.freeHead = id
	s.freeCount++
}

// Allocate pops a segment off the free list and initializes its header
// for TTL bin ttlBin, created at time now (seconds since epoch).
// Returns ErrNoFreeSegment if the pool is exhausted; the caller (TTL
// buckets / engine) is responsible for invoking the eviction policy
// and retrying.
func (s *Segments) Allocate(ttlBin uint32, now uint32) (uint32, error) {
	id, ok := s.popFree()
	if !ok {
		return 0, ErrNoFreeSegment
	}

	s.setHeader(id, Header{
		ID:          id,
		Prev:        NoSegment,
		Next:        NoSegment,
		WriteOffset: 0,
		LiveBytes:   0,
		LiveItems:   0,
		CreateAt:    now,
		TTLBin:      ttlBin,
		RefCount:    0,
		Accessible:  true,
		Evicting:    false,
	})

	return id, nil
}

// Free clears segment id's header and returns it to the free pool.
// Callers must have already swept the hash table of any slot
// referencing id (spec §4.5's eviction protocol).
func (s *Segments) Free(id uint32) {
	s.pushFree(id)
}

// SetLinks updates only the prev/next chain fields of segment id's
// header, leaving the rest untouched. Used by TTL bucket chains; the
// free list is relinked by Free/Allocate directly.
func (s *Segments) SetLinks(id, prev, next uint32) {
	h := s.Header(id)
	h.Prev = prev
	h.Next = next
	s.setHeader(id, h)
}

// SetEvicting marks segment id evicting and not accessible, per the
// eviction protocol's first step (spec §4.5).
func (s *Segments) SetEvicting(id uint32, evicting bool) {
	h := s.Header(id)
	h.Evicting = evicting
	h.Accessible = !evicting
	s.setHeader(id, h)
}

// Append writes itemBytes to the end of segment id's live region,
// bumping write_offset, live_bytes, and live_items. Returns the
// offset itemBytes was written at.
func (s *Segments) Append(id uint32, itemBytes []byte) (uint32, error) {
	h := s.Header(id)

	if uint32(len(itemBytes)) > s.PayloadSize()-h.WriteOffset {
		return 0, ErrNoRoom
	}

	payload := s.Payload(id)
	offset := h.WriteOffset
	copy(payload[offset:offset+uint32(len(itemBytes))], itemBytes)

	h.WriteOffset += uint32(len(itemBytes))
	h.LiveBytes += uint32(len(itemBytes))
	h.LiveItems++
	s.setHeader(id, h)

	return offset, nil
}

// RecordAt decodes the item record starting at offset within segment
// id's payload.
func (s *Segments) RecordAt(id, offset uint32) (item.Record, error) {
	return item.Decode(s.Payload(id)[offset:])
}

// MarkDeleted flags the item at offset within segment id as deleted
// and decrements the segment's live_bytes/live_items accounting.
// It is a no-op (beyond the on-item flag) if the item was already
// deleted, so callers don't have to track that themselves.
func (s *Segments) MarkDeleted(id, offset uint32) error {
	rec, err := s.RecordAt(id, offset)
	if err != nil {
		return err
	}
	if rec.Deleted() {
		return nil
	}

	item.MarkDeleted(s.Payload(id)[offset:])

	h := s.Header(id)
	h.LiveBytes -= uint32(rec.TotalLen())
	if h.LiveItems > 0 {
		h.LiveItems--
	}
	s.setHeader(id, h)

	return nil
}

// WriteNumeric overwrites the numeric value of the record at offset
// within segment id in place, used by incr/decr (spec §4.6), which
// never changes a record's length.
func (s *Segments) WriteNumeric(id, offset uint32, v int64) error {
	rec, err := s.RecordAt(id, offset)
	if err != nil {
		return err
	}
	if !rec.IsNumeric() {
		return errors.New("segment: record is not numeric")
	}
	item.PutInt64(s.Payload(id)[offset:], v)
	return nil
}

// Walk invokes fn(offset, record) for every item record packed into
// segment id, in forward (insertion) order, until write_offset is
// reached or fn returns false.
func (s *Segments) Walk(id uint32, fn func(offset uint32, rec item.Record) bool) error {
	h := s.Header(id)
	payload := s.Payload(id)

	var offset uint32
	for offset < h.WriteOffset {
		rec, err := item.Decode(payload[offset:h.WriteOffset])
		if err != nil {
			return errors.Wrapf(err, "segment %d: corrupt record at offset %d", id, offset)
		}
		if !fn(offset, rec) {
			return nil
		}
		offset += uint32(rec.TotalLen())
	}
	return nil
}
