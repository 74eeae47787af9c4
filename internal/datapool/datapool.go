// Package datapool implements the byte-addressable backing store
// underlying all segments (spec §4.1). Two variants are provided:
// anonymous memory and a file-backed mmap with a persisted header.
package datapool

import (
	"github.com/pkg/errors"
)

// ErrStorageUnavailable wraps I/O failures during creation, restore, or
// flush of a file-backed pool.
var ErrStorageUnavailable = errors.New("datapool: storage unavailable")

// Datapool is the collaborator contract from spec §4.1/§6: any object
// exposing these four operations with these semantics is pluggable.
type Datapool interface {
	// Bytes returns the full backing region as a mutable slice. The
	// slice is valid for the lifetime of the pool; callers index into
	// it directly (segment_id*segment_size : segment_id*segment_size+segment_size).
	Bytes() []byte

	// Size returns len(Bytes()).
	Size() int

	// Flush synchronizes dirty pages to the backing store. No-op for
	// anonymous pools.
	Flush() error

	// Close releases OS resources (unmaps, closes file handles).
	Close() error
}
