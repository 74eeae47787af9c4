package datapool

import (
	"os"

	"github.com/pkg/errors"
)

// Anonymous is an in-memory datapool with no backing file. It is
// prefaulted at construction time by touching the first byte of every
// page, so later writes never pay first-touch page-fault latency.
type Anonymous struct {
	buf []byte
}

// NewAnonymous allocates a zeroed, prefaulted region of exactly size
// bytes. size must be positive.
func NewAnonymous(size int) (*Anonymous, error) {
	if size <= 0 {
		return nil, errors.Errorf("datapool: invalid anonymous pool size %d", size)
	}

	buf := make([]byte, size)

	pageSize := os.Getpagesize()
	for off := 0; off < size; off += pageSize {
		buf[off] = 0
	}

	return &Anonymous{buf: buf}, nil
}

// Bytes implements Datapool.
func (a *Anonymous) Bytes() []byte { return a.buf }

// Size implements Datapool.
func (a *Anonymous) Size() int { return len(a.buf) }

// Flush implements Datapool. Anonymous pools have no backing store.
func (a *Anonymous) Flush() error { return nil }

// Close implements Datapool. Anonymous pools hold no OS resources
// beyond the Go heap allocation.
func (a *Anonymous) Close() error { return nil }
