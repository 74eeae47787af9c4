// Package ttlbucket implements the TTL bucket index (spec §3, §4.3):
// a flat array of bins, each a FIFO chain of segments, keyed by a
// coarse, monotonically widening TTL quantizer.
package ttlbucket

// tier describes one contiguous run of bins sharing a fixed width.
type tier struct {
	width    uint32
	numBins  uint32
	baseTTL  uint32 // first TTL second that falls in this tier
	baseBin  uint32 // first bin index of this tier
}

// Quantizer maps a TTL in seconds to a bounded set of bins whose width
// grows with TTL magnitude (spec §4.3), e.g. 1s bins up to some edge,
// then 8s, 64s, 512s. Bins beyond the last tier's range clamp to the
// final bin.
type Quantizer struct {
	tiers    []tier
	numBins  uint32
	maxTTL   uint32 // inclusive ceiling of the final bin
}

// DefaultWidths and DefaultBinsPerTier produce 1024 bins total, the
// "typically 1024" figure from spec §4.3.
var (
	DefaultWidths      = []uint32{1, 8, 64, 512}
	DefaultBinsPerTier = uint32(256)
)

// NewQuantizer builds a Quantizer from widths (one entry per tier, in
// increasing order) and a fixed bin count per tier.
func NewQuantizer(widths []uint32, binsPerTier uint32) *Quantizer {
	q := &Quantizer{}

	var ttl, bin uint32
	for _, w := range widths {
		q.tiers = append(q.tiers, tier{width: w, numBins: binsPerTier, baseTTL: ttl, baseBin: bin})
		ttl += w * binsPerTier
		bin += binsPerTier
	}
	q.numBins = bin
	q.maxTTL = ttl - 1

	return q
}

// NumBins returns the total number of bins.
func (q *Quantizer) NumBins() uint32 { return q.numBins }

// BinFor returns the bin index for a TTL expressed in seconds. TTLs
// beyond the quantizer's range clamp to the last bin.
func (q *Quantizer) BinFor(ttlSeconds uint32) uint32 {
	for i := len(q.tiers) - 1; i >= 0; i-- {
		t := q.tiers[i]
		if ttlSeconds >= t.baseTTL {
			offset := (ttlSeconds - t.baseTTL) / t.width
			if offset >= t.numBins {
				offset = t.numBins - 1
			}
			return t.baseBin + offset
		}
	}
	return 0
}

// TTLUpper returns the inclusive TTL ceiling used by expiration
// (spec §4.3): a segment in this bin may hold items whose stated TTL
// is anywhere up to this many seconds.
func (q *Quantizer) TTLUpper(bin uint32) uint32 {
	for i := len(q.tiers) - 1; i >= 0; i-- {
		t := q.tiers[i]
		if bin >= t.baseBin {
			offset := bin - t.baseBin
			return t.baseTTL + (offset+1)*t.width - 1
		}
	}
	return 0
}
