// Package eviction implements the segment eviction policies of
// spec §4.5: None, Random, Fifo, Cte, and Merge. Policies operate
// purely against the Context abstraction so this package never
// imports segment, ttlbucket, or hashtable directly — the facade
// wires a concrete Context at construction.
package eviction

import (
	"math"
	"math/rand"
)

// Info is a snapshot of the segment header fields a policy needs to
// make a decision (spec §3).
type Info struct {
	ID          uint32
	CreateAt    uint32
	TTLBin      uint32
	LiveBytes   uint32
	WriteOffset uint32
}

// Context is the facade-provided collaborator eviction policies act
// through. All methods must be safe to call only from the single
// writer thread; none suspend.
type Context interface {
	// NumBins returns the total number of TTL bins.
	NumBins() uint32
	// TTLUpper returns bin's inclusive TTL ceiling.
	TTLUpper(bin uint32) uint32
	// BinChain returns segment ids in bin's FIFO chain, head (oldest) first.
	BinChain(bin uint32) []uint32
	// AllAllocated returns ids of every allocated, non-evicting segment.
	AllAllocated() []uint32
	// Info returns a header snapshot for segment id.
	Info(id uint32) Info
	// PayloadCapacity returns the usable bytes per segment.
	PayloadCapacity() uint32

	// Walk invokes fn(offset, key, totalLen, deleted) for every item
	// record in segment id, in order, until fn returns false.
	Walk(id uint32, fn func(offset uint32, key []byte, totalLen uint32, deleted bool) bool)
	// CopyItem appends the raw bytes of the item at (srcID, offset,
	// totalLen) onto dstID, returning its new offset.
	CopyItem(srcID, offset, totalLen, dstID uint32) (newOffset uint32, err error)
	// Relocate repoints key's hash-table slot at (newSegmentID, newOffset).
	Relocate(key []byte, newSegmentID, newOffset uint32) bool
	// Retire sweeps the hash table of every slot referencing id, then
	// frees the segment.
	Retire(id uint32)
}

// Policy chooses victim segment(s) to free space for bin and retires
// them via ctx.Retire, returning the ids it freed. An empty, nil-error
// result means no victim was available; the caller surfaces NoSpace.
type Policy interface {
	Name() string
	Evict(ctx Context, bin uint32) ([]uint32, error)
}

// None refuses to evict; writes fail with NoSpace when the free pool
// is exhausted (spec §4.5).
type None struct{}

// Name implements Policy.
func (None) Name() string { return "none" }

// Evict implements Policy.
func (None) Evict(Context, uint32) ([]uint32, error) { return nil, nil }

// Random evicts one uniformly-sampled segment among all allocated,
// non-evicting segments (spec §4.5).
type Random struct {
	rng *rand.Rand
}

// NewRandom builds a Random policy seeded with seed, for reproducible tests.
func NewRandom(seed int64) *Random {
	return &Random{rng: rand.New(rand.NewSource(seed))} //nolint:gosec
}

// Name implements Policy.
func (*Random) Name() string { return "random" }

// Evict implements Policy.
func (r *Random) Evict(ctx Context, _ uint32) ([]uint32, error) {
	candidates := ctx.AllAllocated()
	if len(candidates) == 0 {
		return nil, nil
	}
	victim := candidates[r.rng.Intn(len(candidates))]
	ctx.Retire(victim)
	return []uint32{victim}, nil
}

// Fifo evicts the oldest (head) segment of the TTL bin requesting
// space (spec §4.5 tie-break: "FIFO uses head of bin, lowest create_at").
type Fifo struct{}

// Name implements Policy.
func (Fifo) Name() string { return "fifo" }

// Evict implements Policy.
func (Fifo) Evict(ctx Context, bin uint32) ([]uint32, error) {
	chain := ctx.BinChain(bin)
	if len(chain) == 0 {
		return nil, nil
	}
	victim := chain[0]
	ctx.Retire(victim)
	return []uint32{victim}, nil
}

// Cte ("closest to expiry") evicts the segment, among a round-robin
// scan of bins, whose remaining TTL is smallest and whose live-byte
// ratio is below liveRatioThreshold (spec §4.5, §9 Open Question (b):
// default threshold 0.5). If the scan finds no segment under the
// threshold, it falls back to Fifo on the requesting bin so a write
// can still make progress.
type Cte struct {
	threshold float64
	cursor    uint32
}

// DefaultLiveRatioThreshold is the default CTE/Merge live-byte-ratio
// cutoff (spec §9 Open Question (b)).
const DefaultLiveRatioThreshold = 0.5

// NewCte builds a Cte policy with the given live-ratio threshold.
func NewCte(liveRatioThreshold float64) *Cte {
	return &Cte{threshold: liveRatioThreshold}
}

// Name implements Policy.
func (*Cte) Name() string { return "cte" }

// Evict implements Policy.
func (c *Cte) Evict(ctx Context, bin uint32) ([]uint32, error) {
	n := ctx.NumBins()
	if n == 0 {
		return nil, nil
	}

	var (
		bestID        uint32
		bestRemaining = uint32(math.MaxUint32)
		found         bool
	)

	for scanned := uint32(0); scanned < n; scanned++ {
		b := c.cursor
		c.cursor = (c.cursor + 1) % n

		upper := ctx.TTLUpper(b)
		cap := ctx.PayloadCapacity()

		for _, id := range ctx.BinChain(b) {
			info := ctx.Info(id)
			if cap == 0 {
				continue
			}
			ratio := float64(info.LiveBytes) / float64(cap)
			if ratio >= c.threshold {
				continue
			}

			expireAt := info.CreateAt + upper
			if !found || expireAt < bestRemaining {
				bestRemaining = expireAt
				bestID = id
				found = true
			}
		}
	}

	if found {
		ctx.Retire(bestID)
		return []uint32{bestID}, nil
	}

	return Fifo{}.Evict(ctx, bin)
}
