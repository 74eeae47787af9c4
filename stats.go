package segcache

// Stats are cheap, single-writer per-operation counters kept in
// process (spec's supplemented ambient stack, §2 SPEC_FULL.md §4):
// no exporter, no HTTP surface, no Prometheus registration — those
// remain out of scope per spec.md §1. Counter names mirror spec.md
// §8's testable properties so a reader can map one to the other.
type Stats struct {
	GetHit  uint64
	GetMiss uint64

	InsertStored  uint64
	InsertNoSpace uint64

	DeleteOK       uint64
	DeleteNotFound uint64

	CasStored   uint64
	CasExists   uint64
	CasNotFound uint64

	IncrOK         uint64
	IncrNotFound   uint64
	IncrNotNumeric uint64
	IncrOverflow   uint64

	SegmentsEvicted uint64
	SegmentsExpired uint64
	ItemsExpired    uint64
}
