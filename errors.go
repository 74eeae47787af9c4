package segcache

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Sentinel errors returned by Engine operations. Callers should compare
// with errors.Is, since internal helpers wrap these with context via
// errors.Wrap.
var (
	// ErrNotFound is returned when a key has no live item.
	ErrNotFound = errors.New("not found")

	// ErrExists names a CAS mismatch. Engine.Cas reports a mismatch as
	// the CasExists result with a nil error, not as this error.
	ErrExists = errors.New("exists")

	// ErrNotNumeric is returned when incr/decr targets a non-numeric item.
	ErrNotNumeric = errors.New("not numeric")

	// ErrOverflow is returned when incr/decr would wrap a signed 64-bit value.
	ErrOverflow = errors.New("overflow")

	// ErrNoSpace is returned when no segment can be allocated and the
	// configured eviction policy yields no victim.
	ErrNoSpace = errors.New("no space")

	// ErrValueTooLarge is returned when an item cannot fit in any segment.
	ErrValueTooLarge = errors.New("value too large")

	// ErrStorageUnavailable wraps datapool I/O failures during creation,
	// restore, or flush.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrClosed is returned by Insert, Cas, Incr, Decr and Close when
	// called after Engine.Close.
	ErrClosed = errors.New("engine closed")

	// ErrInvalidConfig is returned by New for a malformed Config.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// invariantGuard logs each distinct internal-invariant violation once,
// per spec.md §7: violations never crash the engine and are treated as
// a miss at the call site.
type invariantGuard struct {
	mu    sync.Mutex
	seen  map[string]*sync.Once
	log   *zap.SugaredLogger
}

func newInvariantGuard(log *zap.SugaredLogger) *invariantGuard {
	return &invariantGuard{
		seen: map[string]*sync.Once{},
		log:  log,
	}
}

func (g *invariantGuard) violation(kind, msg string, args ...interface{}) {
	g.mu.Lock()
	once, ok := g.seen[kind]
	if !ok {
		once = &sync.Once{}
		g.seen[kind] = once
	}
	g.mu.Unlock()

	once.Do(func() {
		g.log.Warnw("internal invariant violation", "kind", kind, "detail", fmt.Sprintf(msg, args...))
	})
}
