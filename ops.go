package segcache

import (
	"github.com/pkg/errors"

	"github.com/segcache/segcache/internal/item"
)

// GetResult is the value returned by Engine.Get on a hit.
type GetResult struct {
	// Value holds the item's raw bytes; for a numeric item it is left
	// nil and Numeric carries the decoded value instead. Callers get a
	// defensive copy, never a view into segment memory.
	Value     []byte
	Numeric   int64
	IsNumeric bool
	Flags     uint32
	CAS       uint32
}

// InsertResult enumerates spec.md §6 insert outcomes.
type InsertResult int

// Insert outcomes.
const (
	Stored InsertResult = iota
	NotStored
	ExistsMismatch
	NoSpaceResult
)

// CasResult enumerates spec.md §6 cas outcomes.
type CasResult int

// Cas outcomes.
const (
	CasStored CasResult = iota
	CasExists
	CasNotFound
)

func (e *Engine) fetchKey(segmentID, offset uint32) (key []byte, deleted bool, ok bool) {
	if segmentID >= e.segs.Count() {
		return nil, false, false
	}
	h := e.segs.Header(segmentID)
	if !h.Accessible {
		return nil, false, false
	}
	rec, err := e.segs.RecordAt(segmentID, offset)
	if err != nil {
		e.guard.violation("corrupt-record", "segment %d offset %d: %v", segmentID, offset, err)
		return nil, false, false
	}
	return rec.Key(), rec.Deleted(), true
}

// Get looks up key (spec.md §4.7 "Absent/Present" state machine).
func (e *Engine) Get(key []byte) (GetResult, bool) {
	if e.closed {
		return GetResult{}, false
	}

	entry, ok := e.table.Lookup(key, e.fetchKey)
	if !ok {
		e.stats.GetMiss++
		return GetResult{}, false
	}

	rec, err := e.segs.RecordAt(entry.SegmentID, entry.Offset)
	if err != nil {
		e.guard.violation("corrupt-record", "segment %d offset %d: %v", entry.SegmentID, entry.Offset, err)
		e.stats.GetMiss++
		return GetResult{}, false
	}

	e.stats.GetHit++

	res := GetResult{Flags: rec.Flags(), CAS: entry.CAS}
	if n, isNum := rec.Numeric(); isNum {
		res.IsNumeric = true
		res.Numeric = n
	} else {
		res.Value = append([]byte(nil), rec.Value()...)
	}
	return res, true
}

// Insert stores value under key with the given ttl (in seconds) and
// flags, unconditionally overwriting any existing item (spec.md §4.7
// "Present: overwrite, cas++"). The returned CAS is the new
// generation, observable by a subsequent Get/Cas.
func (e *Engine) Insert(key, value []byte, ttlSeconds uint32, flags uint32) (InsertResult, uint32, error) {
	return e.store(key, value, ttlSeconds, flags, nil)
}

// Cas performs a compare-and-swap: it succeeds only if key's current
// CAS equals reqCas (spec.md §4.4/§4.7).
func (e *Engine) Cas(key, value []byte, ttlSeconds uint32, reqCas uint32) (CasResult, error) {
	if e.closed {
		return CasNotFound, ErrClosed
	}

	entry, ok := e.table.Lookup(key, e.fetchKey)
	if !ok {
		e.stats.CasNotFound++
		return CasNotFound, nil
	}
	if entry.CAS != reqCas {
		e.stats.CasExists++
		return CasExists, nil
	}

	res, _, err := e.store(key, value, ttlSeconds, 0, &reqCas)
	if err != nil {
		return CasNotFound, err
	}
	switch res {
	case Stored:
		e.stats.CasStored++
		return CasStored, nil
	case ExistsMismatch:
		e.stats.CasExists++
		return CasExists, nil
	default:
		return CasNotFound, errors.Errorf("segcache: unexpected insert result %v during cas", res)
	}
}

// store is the shared core of Insert and Cas. If reqCas is non-nil,
// the write is rejected with ExistsMismatch unless the key's current
// CAS equals *reqCas (an absent key never matches a non-nil reqCas).
func (e *Engine) store(key, value []byte, ttlSeconds uint32, flags uint32, reqCas *uint32) (InsertResult, uint32, error) {
	if e.closed {
		return NotStored, 0, ErrClosed
	}
	if len(key) == 0 || len(key) > 0xFF {
		return NotStored, 0, errors.Errorf("segcache: invalid key length %d", len(key))
	}

	existing, exists := e.table.Lookup(key, e.fetchKey)
	if reqCas != nil {
		if !exists || existing.CAS != *reqCas {
			return ExistsMismatch, 0, nil
		}
	}

	newCas := uint32(1)
	if exists {
		newCas = existing.CAS + 1
	}

	isNum, numVal := false, int64(0)
	if n, ok := item.ParseNumeric(value); ok {
		isNum, numVal = true, n
	}

	var encoded []byte
	var err error
	if isNum {
		encoded, err = item.EncodeNumeric(key, numVal, newCas, flags, false)
	} else {
		encoded, err = item.Encode(key, value, false, newCas, flags, false)
	}
	if err != nil {
		return NotStored, 0, errors.Wrap(ErrValueTooLarge, err.Error())
	}

	if uint32(len(encoded)) > e.segs.PayloadSize() {
		return NotStored, 0, ErrValueTooLarge
	}

	bin := e.buckets.BinFor(ttlSeconds)
	segID, err := e.buckets.EnsureActive(bin, uint32(len(encoded)), e.allocateWithEviction)
	if err != nil {
		e.stats.InsertNoSpace++
		return NoSpaceResult, 0, ErrNoSpace
	}

	offset, err := e.segs.Append(segID, encoded)
	if err != nil {
		e.guard.violation("append-no-room", "segment %d: %v", segID, err)
		e.stats.InsertNoSpace++
		return NoSpaceResult, 0, ErrNoSpace
	}

	err = e.table.Upsert(key, segID, offset, newCas, e.fetchKey, func(oldSeg, oldOff uint32) {
		if mErr := e.segs.MarkDeleted(oldSeg, oldOff); mErr != nil {
			e.guard.violation("mark-deleted-failed", "segment %d offset %d: %v", oldSeg, oldOff, mErr)
		}
	})
	if err != nil {
		return NotStored, 0, err
	}

	e.stats.InsertStored++
	return Stored, newCas, nil
}

// Delete removes key's item, if present (spec.md §4.4 "Delete").
func (e *Engine) Delete(key []byte) bool {
	if e.closed {
		return false
	}

	entry, ok := e.table.Delete(key, e.fetchKey)
	if !ok {
		e.stats.DeleteNotFound++
		return false
	}
	if err := e.segs.MarkDeleted(entry.SegmentID, entry.Offset); err != nil {
		e.guard.violation("mark-deleted-failed", "segment %d offset %d: %v", entry.SegmentID, entry.Offset, err)
	}
	e.stats.DeleteOK++
	return true
}

// IncrResult is the outcome of Incr/Decr.
type IncrResult struct {
	Value int64
}

// Incr adds delta to a numeric key's value (spec.md §4.6). If the sum
// would overflow int64 it returns ErrOverflow and leaves the stored
// value unchanged rather than wrapping.
func (e *Engine) Incr(key []byte, delta uint64) (IncrResult, error) {
	return e.addDelta(key, int64(delta))
}

// Decr subtracts delta from a numeric key's value. If the result would
// underflow int64 it returns ErrOverflow and leaves the stored value
// unchanged rather than wrapping.
func (e *Engine) Decr(key []byte, delta uint64) (IncrResult, error) {
	return e.addDelta(key, -int64(delta))
}

func (e *Engine) addDelta(key []byte, delta int64) (IncrResult, error) {
	if e.closed {
		return IncrResult{}, ErrClosed
	}

	entry, ok := e.table.Lookup(key, e.fetchKey)
	if !ok {
		e.stats.IncrNotFound++
		return IncrResult{}, ErrNotFound
	}

	rec, err := e.segs.RecordAt(entry.SegmentID, entry.Offset)
	if err != nil {
		e.guard.violation("corrupt-record", "segment %d offset %d: %v", entry.SegmentID, entry.Offset, err)
		e.stats.IncrNotFound++
		return IncrResult{}, ErrNotFound
	}

	cur, isNum := rec.Numeric()
	if !isNum {
		e.stats.IncrNotNumeric++
		return IncrResult{}, ErrNotNumeric
	}

	sum, overflowed := saturatingAdd(cur, delta)
	if overflowed {
		e.stats.IncrOverflow++
		return IncrResult{}, ErrOverflow
	}

	if err := e.segs.WriteNumeric(entry.SegmentID, entry.Offset, sum); err != nil {
		e.guard.violation("write-numeric-failed", "segment %d offset %d: %v", entry.SegmentID, entry.Offset, err)
		return IncrResult{}, ErrNotNumeric
	}

	e.stats.IncrOK++
	return IncrResult{Value: sum}, nil
}

// saturatingAdd adds delta to v, returning (sum, false), or (0, true)
// if the true mathematical sum would overflow int64 — spec.md §4.6 requires
// surfacing Overflow to the caller rather than silently wrapping.
func saturatingAdd(v, delta int64) (int64, bool) {
	sum := v + delta
	if delta > 0 && sum < v {
		return 0, true
	}
	if delta < 0 && sum > v {
		return 0, true
	}
	return sum, false
}

// Expire retires every segment whose TTL bin has elapsed as of now
// (spec.md §4.3/§6 `expire`), sweeping the hash table first so no
// stale slot survives.
func (e *Engine) Expire(nowSeconds uint32) (segmentsRetired, itemsRetired int) {
	if e.closed {
		return 0, 0
	}

	segmentsRetired, itemsRetired = e.buckets.Expire(nowSeconds, func(id uint32) int {
		return e.table.Sweep(id)
	}, e.segs.Free)

	e.stats.SegmentsExpired += uint64(segmentsRetired)
	e.stats.ItemsExpired += uint64(itemsRetired)

	return segmentsRetired, itemsRetired
}

// FlushAll retires every segment, regardless of TTL (spec.md §6).
func (e *Engine) FlushAll() {
	if e.closed {
		return
	}

	for _, id := range e.allAllocated() {
		e.table.Sweep(id)
		e.segs.Free(id)
	}
	e.buckets.Clear()
}

func (e *Engine) allAllocated() []uint32 {
	var ids []uint32
	for id := uint32(0); id < e.segs.Count(); id++ {
		h := e.segs.Header(id)
		if h.Accessible {
			ids = append(ids, id)
		}
	}
	return ids
}

func (e *Engine) allocateWithEviction(ttlBin uint32) (uint32, error) {
	id, err := e.segs.Allocate(ttlBin, e.nowSeconds())
	if err == nil {
		return id, nil
	}

	freed, evictErr := e.policy.Evict(evictContext{e}, ttlBin)
	if evictErr != nil {
		return 0, evictErr
	}
	if len(freed) == 0 {
		return 0, ErrNoSpace
	}
	e.stats.SegmentsEvicted += uint64(len(freed))

	return e.segs.Allocate(ttlBin, e.nowSeconds())
}
