// Package segcache implements a single-threaded, in-memory key-value
// cache engine that stores items in fixed-size segments grouped by
// approximate TTL, and locates them through a chained, segment-aware
// hash table (spec.md). The engine is not internally synchronized:
// callers must serialize access to one Engine, sharding across
// independent Engine instances for multi-core scaling (spec.md §5).
package segcache

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/segcache/segcache/internal/datapool"
	"github.com/segcache/segcache/internal/eviction"
	"github.com/segcache/segcache/internal/hashtable"
	"github.com/segcache/segcache/internal/item"
	"github.com/segcache/segcache/internal/segment"
	"github.com/segcache/segcache/internal/ttlbucket"
)

// EvictionKind enumerates the eviction policies of spec.md §4.5/§6.
type EvictionKind int

// Eviction policy kinds.
const (
	EvictionNone EvictionKind = iota
	EvictionRandom
	EvictionFifo
	EvictionCte
	EvictionMerge
)

// EvictionConfig configures the eviction policy (spec.md §6 `eviction`).
type EvictionConfig struct {
	Kind EvictionKind

	// MergeK is the number of adjacent source segments Merge compacts
	// per eviction (spec default 4).
	MergeK int

	// LiveRatioThreshold gates Cte candidate selection and is recorded
	// for Merge (spec §9 Open Question (b): default 0.5).
	LiveRatioThreshold float64

	// RandomSeed seeds the Random policy for reproducible tests.
	RandomSeed int64
}

// Config configures a new Engine (spec.md §6).
type Config struct {
	// HashPower is log2 of the primary hash-table bucket count.
	HashPower uint8

	// OverflowFactor is the ratio of overflow buckets to primary.
	OverflowFactor float64

	// SegmentSize is bytes per segment; must be in [1KiB, 1GiB].
	SegmentSize uint32

	// HeapSize is the total datapool size; truncated down to a
	// multiple of SegmentSize.
	HeapSize uint64

	// Eviction selects the eviction policy.
	Eviction EvictionConfig

	// DatapoolPath, if set, makes the datapool file-backed; otherwise
	// it is anonymous memory.
	DatapoolPath string

	// HashSeed seeds the hash function (enables deterministic tests).
	HashSeed uint64

	// Restore, if true and DatapoolPath is file-backed with a matching
	// header, reattaches segments and rebuilds the hash table by a
	// full scan instead of reinitializing.
	Restore bool

	// Logger receives structured warnings, in particular the
	// once-per-kind internal invariant violation log (spec.md §7). A
	// no-op logger is used if nil.
	Logger *zap.SugaredLogger

	// Now returns the current time; defaults to time.Now. Tests inject
	// a deterministic clock here.
	Now func() time.Time
}

const (
	minSegmentSize = 1024
	maxSegmentSize = 1 << 30
)

// ApplyDefaults fills in unset fields with spec-documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	if c.OverflowFactor <= 0 {
		c.OverflowFactor = 0.1
	}
	if c.Eviction.LiveRatioThreshold <= 0 {
		c.Eviction.LiveRatioThreshold = eviction.DefaultLiveRatioThreshold
	}
	if c.Eviction.MergeK <= 0 {
		c.Eviction.MergeK = 4
	}
}

func (c Config) validate() error {
	if c.SegmentSize < minSegmentSize || c.SegmentSize > maxSegmentSize {
		return errors.Wrapf(ErrInvalidConfig, "segment_size %d out of range [%d, %d]", c.SegmentSize, minSegmentSize, maxSegmentSize)
	}
	if c.HashPower == 0 || c.HashPower > 32 {
		return errors.Wrapf(ErrInvalidConfig, "hash_power %d out of range", c.HashPower)
	}
	if c.HeapSize < uint64(c.SegmentSize) {
		return errors.Wrapf(ErrInvalidConfig, "heap_size %d smaller than one segment (%d)", c.HeapSize, c.SegmentSize)
	}
	return nil
}

// Engine is the Segcache facade (spec.md §4.7): get/insert/delete/
// cas/incr/decr/expire, orchestrating the segment heap, TTL bucket
// index, and hash table.
type Engine struct {
	cfg Config
	log *zap.SugaredLogger

	pool    datapool.Datapool
	segs    *segment.Segments
	buckets *ttlbucket.Buckets
	table   *hashtable.Table
	policy  eviction.Policy

	guard *invariantGuard
	stats Stats

	closed bool
}

// New constructs an Engine from cfg. Configuration errors are fatal:
// the engine is not created (spec.md §7).
func New(cfg Config) (*Engine, error) {
	cfg.ApplyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	segmentCount := uint32(cfg.HeapSize / uint64(cfg.SegmentSize))
	if segmentCount == 0 {
		return nil, errors.Wrap(ErrInvalidConfig, "heap_size truncates to zero segments")
	}

	e := &Engine{
		cfg:   cfg,
		log:   cfg.Logger,
		guard: newInvariantGuard(cfg.Logger),
	}

	pool, base, restoring, err := e.openDatapool(segmentCount)
	if err != nil {
		return nil, err
	}
	e.pool = pool

	if restoring {
		segs, err := segment.Attach(pool, base, cfg.SegmentSize, segmentCount)
		if err != nil {
			pool.Close() //nolint:errcheck
			return nil, err
		}
		segs.ReclaimFree()
		e.segs = segs
	} else {
		segs, err := segment.New(pool, base, cfg.SegmentSize, segmentCount)
		if err != nil {
			pool.Close() //nolint:errcheck
			return nil, err
		}
		e.segs = segs
	}

	q := ttlbucket.NewQuantizer(ttlbucket.DefaultWidths, ttlbucket.DefaultBinsPerTier)
	e.buckets = ttlbucket.New(q, e.segs)
	if restoring {
		e.buckets.Reconstruct(e.segs)
	}

	table, err := hashtable.New(cfg.HashPower, cfg.OverflowFactor, cfg.HashSeed)
	if err != nil {
		pool.Close() //nolint:errcheck
		return nil, err
	}
	e.table = table

	if restoring {
		e.rebuildHashTable()
	}

	e.policy = newPolicy(cfg.Eviction)

	return e, nil
}

func newPolicy(cfg EvictionConfig) eviction.Policy {
	switch cfg.Kind {
	case EvictionRandom:
		return eviction.NewRandom(cfg.RandomSeed)
	case EvictionFifo:
		return eviction.Fifo{}
	case EvictionCte:
		return eviction.NewCte(cfg.LiveRatioThreshold)
	case EvictionMerge:
		return eviction.NewMerge(cfg.MergeK, cfg.LiveRatioThreshold)
	case EvictionNone:
		fallthrough
	default:
		return eviction.None{}
	}
}

func (e *Engine) openDatapool(segmentCount uint32) (datapool.Datapool, int, bool, error) {
	if e.cfg.DatapoolPath == "" {
		pool, err := datapool.NewAnonymous(int(e.cfg.SegmentSize) * int(segmentCount))
		if err != nil {
			return nil, 0, false, errors.Wrap(ErrStorageUnavailable, err.Error())
		}
		return pool, 0, false, nil
	}

	if e.cfg.Restore {
		fb, hdr, err := datapool.OpenFileBacked(e.cfg.DatapoolPath)
		if err == nil {
			if hdr.SegmentSize != e.cfg.SegmentSize || hdr.SegmentCount != segmentCount {
				fb.Close() //nolint:errcheck
				return nil, 0, false, errors.Wrap(ErrInvalidConfig, "datapool: persisted layout does not match configuration")
			}
			return fb, datapool.HeaderSize, true, nil
		}
		e.log.Warnw("restore failed, reinitializing datapool", "path", e.cfg.DatapoolPath, "error", err.Error())
	}

	seed := e.cfg.HashSeed
	if seed == 0 {
		seed = randomSeedFromUUID()
	}
	fb, _, err := datapool.CreateFileBacked(e.cfg.DatapoolPath, e.cfg.SegmentSize, segmentCount, seed)
	if err != nil {
		return nil, 0, false, errors.Wrap(ErrStorageUnavailable, err.Error())
	}
	return fb, datapool.HeaderSize, false, nil
}

func (e *Engine) rebuildHashTable() {
	for id := uint32(0); id < e.segs.Count(); id++ {
		h := e.segs.Header(id)
		if !h.Accessible {
			continue
		}
		segID := id
		_ = e.segs.Walk(segID, func(offset uint32, rec item.Record) bool {
			if rec.Deleted() {
				return true
			}
			_ = e.table.Upsert(rec.Key(), segID, offset, rec.CAS(), e.fetchKey, nil)
			return true
		})
	}
}

// randomSeedFromUUID derives a 64-bit hash seed from a fresh UUID,
// used only when Config.HashSeed is left at its zero value and no
// deterministic seed was requested (spec.md §6 `hash_seed`).
func randomSeedFromUUID() uint64 {
	id := uuid.New()
	var v uint64
	for _, b := range id[:8] {
		v = v<<8 | uint64(b)
	}
	return v
}

func (e *Engine) nowSeconds() uint32 {
	return uint32(e.cfg.Now().Unix())
}

// Close flushes the datapool once and releases OS resources (spec.md
// §5: flush only on explicit shutdown). Afterwards, Insert, Cas, Incr,
// Decr and Close return ErrClosed; Get and Delete report a miss, and
// Expire and FlushAll do nothing.
func (e *Engine) Close() error {
	if e.closed {
		return ErrClosed
	}
	e.closed = true

	if err := e.pool.Flush(); err != nil {
		return errors.Wrap(ErrStorageUnavailable, err.Error())
	}
	if err := e.pool.Close(); err != nil {
		return errors.Wrap(ErrStorageUnavailable, err.Error())
	}
	return nil
}

// Stats returns a snapshot of the engine's operation counters.
func (e *Engine) Stats() Stats {
	return e.stats
}
