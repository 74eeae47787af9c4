// Package item implements encoding and decoding of on-segment item
// records (spec §4.6): a fixed 16-byte header followed by the key
// bytes, the value bytes, and an optional trailing data region used
// here to carry the 32-bit flags value (spec's supplemented "flags
// passthrough" feature).
package item

import (
	"encoding/binary"
	"strconv"

	"github.com/pkg/errors"
)

// HeaderSize is the fixed size of an item's on-segment header.
const HeaderSize = 16

// MaxValueLen is the item header's 24-bit value-length bound
// (spec §9 Open Question (a)): 2^24 - 1 bytes.
const MaxValueLen = 1<<24 - 1

const (
	offKlen      = 0
	offOlen      = 1
	offVlenFlags = 4
	offCas       = 8

	vlenMask    = 1<<24 - 1
	numFlagBit  = 1 << 24
	delFlagBit  = 1 << 25
)

var (
	// ErrMalformed is returned by Decode when a record's header fails
	// a basic sanity check (klen==0, or lengths overrun the buffer).
	ErrMalformed = errors.New("item: malformed record")
)

// FlagsLen is the fixed size of the optional trailing flags region.
const FlagsLen = 4

// Record is a decoded, zero-copy view into an encoded item: Key(),
// Value(), and Flags() all return slices of the original buffer.
type Record struct {
	buf  []byte
	klen uint8
	olen uint8
	vlen uint32
	num  bool
	del  bool
	cas  uint32
}

// Size returns the total encoded size of this record in bytes.
func Size(klen, vlen int, withFlags bool) int {
	olen := 0
	if withFlags {
		olen = FlagsLen
	}
	return HeaderSize + klen + vlen + olen
}

// Encode builds the on-segment bytes for one item. value is raw bytes
// unless isNum is true, in which case value must be exactly 8 bytes
// (the little-endian int64 to store) and vlen is forced to 8.
// flags, if non-zero or forceFlags is set, is stored in a trailing
// FlagsLen region.
func Encode(key, value []byte, isNum bool, cas uint32, flags uint32, forceFlags bool) ([]byte, error) {
	if len(key) == 0 || len(key) > 0xFF {
		return nil, errors.Wrapf(ErrMalformed, "invalid key length %d", len(key))
	}
	if len(value) > MaxValueLen {
		return nil, errors.Wrapf(ErrMalformed, "value length %d exceeds %d", len(value), MaxValueLen)
	}

	withFlags := forceFlags || flags != 0
	total := Size(len(key), len(value), withFlags)
	buf := make([]byte, total)

	buf[offKlen] = uint8(len(key))
	olen := uint8(0)
	if withFlags {
		olen = FlagsLen
	}
	buf[offOlen] = olen

	vlenFlags := uint32(len(value)) & vlenMask
	if isNum {
		vlenFlags |= numFlagBit
	}
	binary.LittleEndian.PutUint32(buf[offVlenFlags:], vlenFlags)
	binary.LittleEndian.PutUint32(buf[offCas:], cas)

	pos := HeaderSize
	copy(buf[pos:pos+len(key)], key)
	pos += len(key)
	copy(buf[pos:pos+len(value)], value)
	pos += len(value)
	if withFlags {
		binary.LittleEndian.PutUint32(buf[pos:pos+FlagsLen], flags)
	}

	return buf, nil
}

// EncodeNumeric encodes a numeric item from an int64 value.
func EncodeNumeric(key []byte, v int64, cas uint32, flags uint32, forceFlags bool) ([]byte, error) {
	var vbuf [8]byte
	binary.LittleEndian.PutUint64(vbuf[:], uint64(v))
	return Encode(key, vbuf[:], true, cas, flags, forceFlags)
}

// ParseNumeric reports whether value is a parseable signed decimal
// integer, per spec §4.6 step 2's "put" auto-numeric rule.
func ParseNumeric(value []byte) (int64, bool) {
	n, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Decode parses a record header at the start of buf and returns a
// Record whose accessors view the remaining bytes of buf. buf may be
// longer than one record (e.g. the remainder of a segment's payload);
// Decode only reads what the header says it needs.
func Decode(buf []byte) (Record, error) {
	if len(buf) < HeaderSize {
		return Record{}, errors.Wrap(ErrMalformed, "buffer shorter than item header")
	}

	klen := buf[offKlen]
	olen := buf[offOlen]
	vlenFlags := binary.LittleEndian.Uint32(buf[offVlenFlags:])
	vlen := vlenFlags & vlenMask
	cas := binary.LittleEndian.Uint32(buf[offCas:])

	if klen == 0 {
		return Record{}, errors.Wrap(ErrMalformed, "zero-length key")
	}

	need := HeaderSize + int(klen) + int(vlen) + int(olen)
	if need > len(buf) {
		return Record{}, errors.Wrapf(ErrMalformed, "record needs %d bytes, have %d", need, len(buf))
	}

	return Record{
		buf:  buf[:need],
		klen: klen,
		olen: olen,
		vlen: vlen,
		num:  vlenFlags&numFlagBit != 0,
		del:  vlenFlags&delFlagBit != 0,
		cas:  cas,
	}, nil
}

// TotalLen returns the number of bytes this record occupies on-segment.
func (r Record) TotalLen() int { return len(r.buf) }

// Key returns the item's key bytes (a view into the segment payload).
func (r Record) Key() []byte {
	return r.buf[HeaderSize : HeaderSize+int(r.klen)]
}

// Value returns the item's raw value bytes.
func (r Record) Value() []byte {
	start := HeaderSize + int(r.klen)
	return r.buf[start : start+int(r.vlen)]
}

// Flags returns the item's stored flags, or 0 if none were stored.
func (r Record) Flags() uint32 {
	if r.olen == 0 {
		return 0
	}
	start := HeaderSize + int(r.klen) + int(r.vlen)
	return binary.LittleEndian.Uint32(r.buf[start : start+int(r.olen)])
}

// Numeric returns the item's value as int64 and true, or (0, false)
// if this record was not stored as a numeric value.
func (r Record) Numeric() (int64, bool) {
	if !r.num {
		return 0, false
	}
	return int64(binary.LittleEndian.Uint64(r.Value())), true
}

// IsNumeric reports whether the value region holds a little-endian
// int64 rather than opaque bytes.
func (r Record) IsNumeric() bool { return r.num }

// Deleted reports whether this record's deleted bit is set.
func (r Record) Deleted() bool { return r.del }

// CAS returns the record's per-item generation counter.
func (r Record) CAS() uint32 { return r.cas }

// MarkDeleted sets the deleted bit in place, in the original backing
// buffer, per spec §3 "Deletions set deleted and decrement live_items/
// live_bytes" (the decrement itself is the segment's job).
func MarkDeleted(buf []byte) {
	vlenFlags := binary.LittleEndian.Uint32(buf[offVlenFlags:])
	vlenFlags |= delFlagBit
	binary.LittleEndian.PutUint32(buf[offVlenFlags:], vlenFlags)
}

// RewriteCAS overwrites the record's cas field in place. The engine's
// insert path does not call it: it encodes each item with its final
// cas before appending.
func RewriteCAS(buf []byte, cas uint32) {
	binary.LittleEndian.PutUint32(buf[offCas:], cas)
}

// PutInt64 overwrites a numeric record's value in place, used by
// incr/decr's saturating update (spec §4.6) which never changes length.
func PutInt64(buf []byte, v int64) {
	binary.LittleEndian.PutUint64(buf[HeaderSize+int(buf[offKlen]):], uint64(v))
}
