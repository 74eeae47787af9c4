// Package hashtable implements the chained, segment-aware hash table
// of spec §3/§4.4: cache-line-sized buckets chained via an overflow
// pool, keyed by a seedable non-cryptographic hash. The hash table
// never stores the key itself — callers supply a KeyFetcher that
// compares the on-segment record against the lookup key.
package hashtable

import (
	"math/bits"
	"math/rand"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// ErrKeyTooLong guards against degenerate input; the engine layer
// already rejects keys longer than 255 bytes, this is a defensive
// second check.
var ErrKeyTooLong = errors.New("hashtable: key too long")

// KeyFetcher resolves a candidate slot's (segmentID, offset) to the
// on-segment key for comparison, per spec §4.4 step 2. ok is false
// when the segment is no longer accessible (recycled since the slot
// was written) — the slot is stale and should be dropped, not treated
// as a match or a miss of some other key.
type KeyFetcher func(segmentID, offset uint32) (key []byte, deleted bool, ok bool)

// Table is the chained hash table described in spec §4.4.
type Table struct {
	seed uint64
	mask uint64

	buckets  []bucket
	overflow []bucket

	freeOverflow []uint32
	rng          *rand.Rand
}

// New builds a Table with 2^hashPower primary buckets and
// overflowFactor times as many overflow buckets (rounded up to at
// least 1), seeded with seed for the hash function (spec §6
// `hash_power`, `overflow_factor`, `hash_seed`).
func New(hashPower uint8, overflowFactor float64, seed uint64) (*Table, error) {
	if hashPower == 0 || hashPower > 32 {
		return nil, errors.Errorf("hashtable: hash_power %d out of range", hashPower)
	}
	if overflowFactor < 0 {
		return nil, errors.New("hashtable: overflow_factor must be non-negative")
	}

	nBuckets := uint64(1) << hashPower
	nOverflow := int(float64(nBuckets) * overflowFactor)
	if nOverflow < 1 {
		nOverflow = 1
	}

	t := &Table{
		seed:         seed,
		mask:         nBuckets - 1,
		buckets:      make([]bucket, nBuckets),
		overflow:     make([]bucket, nOverflow),
		freeOverflow: make([]uint32, nOverflow),
		rng:          rand.New(rand.NewSource(int64(seed))), //nolint:gosec
	}
	for i := range t.freeOverflow {
		t.freeOverflow[i] = uint32(nOverflow - 1 - i)
	}

	return t, nil
}

// maxKeyLen mirrors the item header's 8-bit key-length field; the
// hashtable package avoids importing item just for this constant.
const maxKeyLen = 0xFF

func (t *Table) hash(key []byte) (bucketIdx uint64, tag uint16) {
	h := xxhash.Sum64(append(uint64Bytes(t.seed), key...))
	bucketIdx = h & t.mask
	tag = uint16(bits.RotateLeft64(h, 16))
	return bucketIdx, tag
}

func uint64Bytes(v uint64) []byte {
	return []byte{
		byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
		byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56),
	}
}

// chain walks a bucket's primary+overflow slots, calling fn for each
// (bucket pointer, slot index). fn returns false to stop early.
func (t *Table) chain(bucketIdx uint64, fn func(b *bucket, slotIdx int) bool) {
	b := &t.buckets[bucketIdx]
	for {
		for i := range b.slots {
			if !fn(b, i) {
				return
			}
		}
		if b.info.overflow == NoOverflow {
			return
		}
		b = &t.overflow[b.info.overflow]
	}
}

// Lookup finds key's live slot, bumping its frequency counter
// probabilistically on a hit (spec §4.4 step 2, saturating at
// MaxFreq). Stale slots encountered along the way (fetcher reports
// !ok) are dropped in place.
func (t *Table) Lookup(key []byte, fetch KeyFetcher) (Entry, bool) {
	if len(key) > maxKeyLen {
		return Entry{}, false
	}
	bucketIdx, tag := t.hash(key)

	var found Entry
	var ok bool

	t.chain(bucketIdx, func(b *bucket, i int) bool {
		s := &b.slots[i]
		if !s.used || s.tag != tag {
			return true
		}

		candidateKey, deleted, accessible := fetch(s.segmentID, s.offset)
		if !accessible {
			*s = slot{}
			b.info.version++
			return true
		}
		if deleted || string(candidateKey) != string(key) {
			return true
		}

		if s.freq < MaxFreq && t.rng.Intn(1<<s.freq) == 0 {
			s.freq++
		}

		found = Entry{SegmentID: s.segmentID, Offset: s.offset, CAS: s.cas, Freq: s.freq}
		ok = true
		return false
	})

	return found, ok
}

// Upsert inserts a new slot for key, or overwrites the existing one.
// If an existing live slot is found, onOverwrite is called with its
// (segmentID, offset) before the slot is replaced, so the caller can
// mark the old on-segment item deleted (spec §4.4 step 2). newCAS is
// stored verbatim; callers choose the CAS-bump policy.
func (t *Table) Upsert(key []byte, newSegmentID, newOffset, newCAS uint32, fetch KeyFetcher, onOverwrite func(oldSegmentID, oldOffset uint32)) error {
	if len(key) > maxKeyLen {
		return errors.Wrapf(ErrKeyTooLong, "key length %d", len(key))
	}
	bucketIdx, tag := t.hash(key)

	var (
		replaced  bool
		emptyB    *bucket
		emptyIdx  = -1
		lastChain *bucket
	)

	t.chain(bucketIdx, func(b *bucket, i int) bool {
		lastChain = b
		s := &b.slots[i]

		if !s.used {
			if emptyB == nil {
				emptyB, emptyIdx = b, i
			}
			return true
		}

		if s.tag != tag {
			return true
		}

		candidateKey, deleted, accessible := fetch(s.segmentID, s.offset)
		if !accessible {
			*s = slot{}
			b.info.version++
			if emptyB == nil {
				emptyB, emptyIdx = b, i
			}
			return true
		}
		if deleted || string(candidateKey) != string(key) {
			return true
		}

		if onOverwrite != nil {
			onOverwrite(s.segmentID, s.offset)
		}
		*s = slot{used: true, tag: tag, cas: newCAS, segmentID: newSegmentID, offset: newOffset}
		replaced = true
		return false
	})

	if replaced {
		return nil
	}

	if emptyB != nil {
		emptyB.slots[emptyIdx] = slot{used: true, tag: tag, cas: newCAS, segmentID: newSegmentID, offset: newOffset}
		return nil
	}

	// Chain is full: grow an overflow bucket and place the new slot
	// in its first slot.
	overflowIdx, err := t.allocOverflow()
	if err != nil {
		return err
	}
	lastChain.info.overflow = overflowIdx
	ob := &t.overflow[overflowIdx]
	ob.info.overflow = NoOverflow
	ob.slots[0] = slot{used: true, tag: tag, cas: newCAS, segmentID: newSegmentID, offset: newOffset}

	return nil
}

func (t *Table) allocOverflow() (uint32, error) {
	if len(t.freeOverflow) == 0 {
		return 0, errors.New("hashtable: overflow pool exhausted")
	}
	idx := t.freeOverflow[len(t.freeOverflow)-1]
	t.freeOverflow = t.freeOverflow[:len(t.freeOverflow)-1]
	return idx, nil
}

// Delete removes key's slot, returning its last known location so the
// caller can mark the on-segment item deleted (spec §4.4 "Delete").
// Matches spec's "compact chain lazily — leave hole" by simply
// clearing the slot in place.
func (t *Table) Delete(key []byte, fetch KeyFetcher) (Entry, bool) {
	if len(key) > maxKeyLen {
		return Entry{}, false
	}
	bucketIdx, tag := t.hash(key)

	var found Entry
	var ok bool

	t.chain(bucketIdx, func(b *bucket, i int) bool {
		s := &b.slots[i]
		if !s.used || s.tag != tag {
			return true
		}

		candidateKey, deleted, accessible := fetch(s.segmentID, s.offset)
		if !accessible {
			*s = slot{}
			b.info.version++
			return true
		}
		if deleted || string(candidateKey) != string(key) {
			return true
		}

		found = Entry{SegmentID: s.segmentID, Offset: s.offset, CAS: s.cas, Freq: s.freq}
		ok = true
		*s = slot{}
		return false
	})

	return found, ok
}

// Relocate updates an existing slot's (segmentID, offset) in place
// without touching its cas, used by merge eviction to repoint a
// migrated item at its new location (spec §4.5).
func (t *Table) Relocate(key []byte, newSegmentID, newOffset uint32, fetch KeyFetcher) bool {
	bucketIdx, tag := t.hash(key)

	var ok bool
	t.chain(bucketIdx, func(b *bucket, i int) bool {
		s := &b.slots[i]
		if !s.used || s.tag != tag {
			return true
		}

		// Merge copies the item to its new location before calling
		// Relocate, so the source bytes at the slot's current
		// (segmentID, offset) are still intact for identity checks.
		candidateKey, deleted, accessible := fetch(s.segmentID, s.offset)
		if !accessible || deleted || string(candidateKey) != string(key) {
			return true
		}

		s.segmentID = newSegmentID
		s.offset = newOffset
		ok = true
		return false
	})

	return ok
}

// Sweep removes every slot referencing segmentID across the whole
// table, per spec §4.5's eviction protocol ("sweep the whole hash
// table once per eviction batch"). Returns the number of slots
// removed.
func (t *Table) Sweep(segmentID uint32) int {
	removed := 0

	sweepBucket := func(b *bucket) {
		touched := false
		for i := range b.slots {
			if b.slots[i].used && b.slots[i].segmentID == segmentID {
				b.slots[i] = slot{}
				removed++
				touched = true
			}
		}
		if touched {
			b.info.version++
		}
	}

	for i := range t.buckets {
		sweepBucket(&t.buckets[i])
	}
	for i := range t.overflow {
		sweepBucket(&t.overflow[i])
	}

	return removed
}

// NumBuckets returns the number of primary buckets.
func (t *Table) NumBuckets() int { return len(t.buckets) }
