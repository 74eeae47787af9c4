// Command segcache-bench drives a single Engine through a synthetic
// get/insert/delete workload and reports the resulting counters,
// the way a developer would sanity-check a build before running a
// real benchmark harness against it.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/pkg/profile"
	"go.uber.org/zap"

	"github.com/segcache/segcache"
)

var (
	app = kingpin.New("segcache-bench", "Synthetic workload driver for the segcache engine.")

	segmentSize = app.Flag("segment-size", "Bytes per segment.").Default("1048576").Uint32()
	heapSize    = app.Flag("heap-size", "Total datapool size in bytes.").Default("67108864").Uint64()
	hashPower   = app.Flag("hash-power", "log2 of the primary hash-table bucket count.").Default("16").Uint8()
	keyCount    = app.Flag("keys", "Number of distinct keys in the workload.").Default("10000").Int()
	ops         = app.Flag("ops", "Total operations to issue.").Default("200000").Int()
	valueSize   = app.Flag("value-size", "Bytes per value.").Default("100").Int()
	ttlSeconds  = app.Flag("ttl", "TTL, in seconds, applied to every insert.").Default("300").Uint32()
	eviction    = app.Flag("eviction", "Eviction policy: none, random, fifo, cte, merge.").Default("fifo").Enum("none", "random", "fifo", "cte", "merge")
	seed        = app.Flag("seed", "Workload RNG seed.").Default("1").Int64()
	verbose     = app.Flag("verbose", "Log invariant violations and restore diagnostics.").Bool()

	profileDir      = app.Flag("profile-dir", "Write a pprof profile to the specified directory.").Hidden().String()
	profileCPU      = app.Flag("profile-cpu", "Enable CPU profiling.").Hidden().Bool()
	profileMemory   = app.Flag("profile-memory", "Enable memory profiling.").Hidden().Bool()
	profileBlocking = app.Flag("profile-blocking", "Enable block profiling.").Hidden().Bool()
	profileMutex    = app.Flag("profile-mutex", "Enable mutex profiling.").Hidden().Bool()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	if err := withProfiling(run); err != nil {
		fmt.Fprintln(os.Stderr, "segcache-bench:", err)
		os.Exit(1)
	}
}

// withProfiling runs callback with profiling enabled per the
// profile-* flags, the same opt-in shape the teacher's CLI uses.
func withProfiling(callback func() error) error {
	if *profileDir == "" {
		return callback()
	}

	opts := []func(*profile.Profile){profile.ProfilePath(*profileDir)}
	if *profileMemory {
		opts = append(opts, profile.MemProfile)
	}
	if *profileCPU {
		opts = append(opts, profile.CPUProfile)
	}
	if *profileBlocking {
		opts = append(opts, profile.BlockProfile)
	}
	if *profileMutex {
		opts = append(opts, profile.MutexProfile)
	}

	defer profile.Start(opts...).Stop()

	return callback()
}

func run() error {
	log := zap.NewNop().Sugar()
	if *verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		log = l.Sugar()
	}

	cfg := segcache.Config{
		HashPower:   *hashPower,
		SegmentSize: *segmentSize,
		HeapSize:    *heapSize,
		HashSeed:    uint64(*seed),
		Eviction:    segcache.EvictionConfig{Kind: parseEvictionKind(*eviction)},
		Logger:      log,
	}

	e, err := segcache.New(cfg)
	if err != nil {
		return err
	}
	defer e.Close() //nolint:errcheck

	rng := rand.New(rand.NewSource(*seed)) //nolint:gosec
	value := make([]byte, *valueSize)
	rng.Read(value) //nolint:errcheck

	start := time.Now()
	for i := 0; i < *ops; i++ {
		key := []byte(strconv.Itoa(rng.Intn(*keyCount)))

		switch rng.Intn(10) {
		case 0, 1:
			e.Get(key)
		case 2:
			e.Delete(key)
		default:
			if _, _, err := e.Insert(key, value, *ttlSeconds, 0); err != nil {
				log.Warnw("insert failed", "error", err)
			}
		}
	}
	elapsed := time.Since(start)

	stats := e.Stats()
	fmt.Printf("ops=%d elapsed=%s throughput=%.0f ops/s\n", *ops, elapsed, float64(*ops)/elapsed.Seconds())
	fmt.Printf("get_hit=%d get_miss=%d insert_stored=%d insert_no_space=%d\n",
		stats.GetHit, stats.GetMiss, stats.InsertStored, stats.InsertNoSpace)
	fmt.Printf("delete_ok=%d delete_not_found=%d segments_evicted=%d\n",
		stats.DeleteOK, stats.DeleteNotFound, stats.SegmentsEvicted)

	return nil
}

func parseEvictionKind(s string) segcache.EvictionKind {
	switch s {
	case "random":
		return segcache.EvictionRandom
	case "fifo":
		return segcache.EvictionFifo
	case "cte":
		return segcache.EvictionCte
	case "merge":
		return segcache.EvictionMerge
	default:
		return segcache.EvictionNone
	}
}
