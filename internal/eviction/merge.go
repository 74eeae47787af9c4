package eviction

// Merge compacts K adjacent segments of one TTL bin into a single
// destination segment, copying only live items (spec §4.5). It trades
// extra work for higher live-byte density versus evicting whole
// segments outright.
type Merge struct {
	k                  int
	liveRatioThreshold float64
}

// NewMerge builds a Merge policy. k is the number of adjacent source
// segments to compact per call (spec default 4); liveRatioThreshold is
// recorded for callers that want to gate merge vs. plain eviction on
// live-byte density, but Merge itself always attempts the compaction
// when at least k segments are available.
func NewMerge(k int, liveRatioThreshold float64) *Merge {
	if k < 2 {
		k = 2
	}
	return &Merge{k: k, liveRatioThreshold: liveRatioThreshold}
}

// Name implements Policy.
func (*Merge) Name() string { return "merge" }

// Evict implements Policy. It is atomic from readers' perspective only
// because the engine is single-threaded (spec §4.5): a source segment
// is retired only once every one of its live items has been copied to
// the destination and its hash-table slot relocated. If the
// destination fills up partway through a source, that source (and any
// not yet attempted) is left untouched rather than retired, so no live
// item is ever lost mid-merge. If no source could be retired this way
// (the destination had no room for even the first source's live
// items), it falls back to a plain FIFO eviction of the bin's head so
// the caller still makes progress; that head's live items that were
// not copied are dropped along with it.
//
// The destination is the newest (tail-most) of the k sources itself,
// not a freshly allocated segment: Merge only ever runs once the free
// pool is already exhausted (that's what triggered eviction), so there
// is no spare segment to allocate one from. The other k-1 sources are
// compacted into it in place.
func (m *Merge) Evict(ctx Context, bin uint32) ([]uint32, error) {
	chain := ctx.BinChain(bin)
	if len(chain) == 0 {
		return nil, nil
	}

	if len(chain) < m.k {
		// Not enough adjacent segments to merge productively; fall
		// back to a plain FIFO eviction so the caller still makes
		// progress.
		return Fifo{}.Evict(ctx, bin)
	}

	sources := chain[:m.k]
	dst := sources[len(sources)-1]
	others := sources[:len(sources)-1]

	var retired []uint32

	for _, src := range others {
		fullyCopied := true

		ctx.Walk(src, func(offset uint32, key []byte, totalLen uint32, deleted bool) bool {
			if deleted {
				return true
			}

			newOff, copyErr := ctx.CopyItem(src, offset, totalLen, dst)
			if copyErr != nil {
				fullyCopied = false
				return false
			}

			ctx.Relocate(key, dst, newOff)
			return true
		})

		if !fullyCopied {
			break
		}

		retired = append(retired, src)
	}

	if len(retired) == 0 {
		return Fifo{}.Evict(ctx, bin)
	}

	for _, src := range retired {
		ctx.Retire(src)
	}

	return retired, nil
}
