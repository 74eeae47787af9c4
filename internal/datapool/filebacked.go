package datapool

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	mmapgo "github.com/edsrzf/mmap-go"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
	xmmap "golang.org/x/exp/mmap"
)

const (
	// HeaderSize is the fixed size of the persisted file header
	// (spec §6): magic, version, segment_size, segment_count, hash_seed, CRC.
	HeaderSize = 64

	magic          = "SEGC"
	currentVersion = uint32(1)
)

// Header describes the persisted layout of a file-backed datapool.
type Header struct {
	Version      uint32
	SegmentSize  uint32
	SegmentCount uint32
	HashSeed     uint64
	InstanceID   uuid.UUID
}

func (h Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.SegmentSize)
	binary.LittleEndian.PutUint32(buf[12:16], h.SegmentCount)
	binary.LittleEndian.PutUint64(buf[16:24], h.HashSeed)
	copy(buf[24:40], h.InstanceID[:])
	crc := crc32.ChecksumIEEE(buf[0:40])
	binary.LittleEndian.PutUint32(buf[40:44], crc)
	return buf
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errors.New("datapool: truncated header")
	}
	if string(buf[0:4]) != magic {
		return Header{}, errors.Errorf("datapool: bad magic %q", buf[0:4])
	}

	wantCRC := binary.LittleEndian.Uint32(buf[40:44])
	gotCRC := crc32.ChecksumIEEE(buf[0:40])
	if wantCRC != gotCRC {
		return Header{}, errors.New("datapool: header CRC mismatch")
	}

	var h Header
	h.Version = binary.LittleEndian.Uint32(buf[4:8])
	h.SegmentSize = binary.LittleEndian.Uint32(buf[8:12])
	h.SegmentCount = binary.LittleEndian.Uint32(buf[12:16])
	h.HashSeed = binary.LittleEndian.Uint64(buf[16:24])
	copy(h.InstanceID[:], buf[24:40])

	if h.Version != currentVersion {
		return Header{}, errors.Errorf("datapool: unsupported version %d", h.Version)
	}

	return h, nil
}

// FileBacked is a persistent, mmap-backed datapool. The first
// HeaderSize bytes of the file are the persisted header; the
// remainder holds segment_count*segment_size bytes of segment payload.
type FileBacked struct {
	path   string
	file   *os.File
	lock   *flock.Flock
	region mmapgo.MMap
	header Header
}

// CreateFileBacked creates (or truncates) a new file-backed datapool
// of segmentCount*segmentSize bytes plus the header. The sidecar .meta
// copy of the header is written atomically via a temp-file-then-rename
// so a crash mid-write never leaves it half-written (spec §6); the
// embedded copy is then written directly into the mapped region.
// Callers derive segmentCount from heap_size (spec §6's truncation
// rule); this function does no truncation of its own.
func CreateFileBacked(path string, segmentSize, segmentCount uint32, hashSeed uint64) (*FileBacked, Header, error) {
	lk := flock.New(path + ".lock")
	locked, err := lk.TryLock()
	if err != nil {
		return nil, Header{}, errors.Wrap(ErrStorageUnavailable, err.Error())
	}
	if !locked {
		return nil, Header{}, errors.Wrap(ErrStorageUnavailable, "datapool: file is in use by another engine")
	}

	hdr := Header{
		Version:      currentVersion,
		SegmentSize:  segmentSize,
		SegmentCount: segmentCount,
		HashSeed:     hashSeed,
		InstanceID:   uuid.New(),
	}

	// Write the sidecar meta file atomically, so restore can validate
	// the header cheaply without mmapping the (possibly large) heap.
	metaPath := metaPathFor(path)
	if err := atomic.WriteFile(metaPath, newHeaderReader(hdr)); err != nil {
		lk.Unlock() //nolint:errcheck
		return nil, Header{}, errors.Wrap(ErrStorageUnavailable, err.Error())
	}

	totalSize := int64(HeaderSize) + int64(segmentSize)*int64(segmentCount)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		lk.Unlock() //nolint:errcheck
		return nil, Header{}, errors.Wrap(ErrStorageUnavailable, err.Error())
	}

	if err := f.Truncate(totalSize); err != nil {
		f.Close() //nolint:errcheck
		lk.Unlock() //nolint:errcheck
		return nil, Header{}, errors.Wrap(ErrStorageUnavailable, err.Error())
	}

	region, err := mmapgo.Map(f, mmapgo.RDWR, 0)
	if err != nil {
		f.Close() //nolint:errcheck
		lk.Unlock() //nolint:errcheck
		return nil, Header{}, errors.Wrap(ErrStorageUnavailable, err.Error())
	}

	copy(region[:HeaderSize], hdr.encode())

	return &FileBacked{path: path, file: f, lock: lk, region: region, header: hdr}, hdr, nil
}

// OpenFileBacked reattaches to an existing file-backed datapool
// (spec §6 `restore`). It validates the sidecar meta header, then
// performs a read-only integrity scan of the embedded header via a
// separate memory mapping before handing back the writable region.
// A magic/version mismatch is fatal, per spec §6.
func OpenFileBacked(path string) (*FileBacked, Header, error) {
	lk := flock.New(path + ".lock")
	locked, err := lk.TryLock()
	if err != nil {
		return nil, Header{}, errors.Wrap(ErrStorageUnavailable, err.Error())
	}
	if !locked {
		return nil, Header{}, errors.Wrap(ErrStorageUnavailable, "datapool: file is in use by another engine")
	}

	metaBuf, err := os.ReadFile(metaPathFor(path))
	if err != nil {
		lk.Unlock() //nolint:errcheck
		return nil, Header{}, errors.Wrap(ErrStorageUnavailable, err.Error())
	}

	metaHdr, err := decodeHeader(metaBuf)
	if err != nil {
		lk.Unlock() //nolint:errcheck
		return nil, Header{}, err
	}

	if err := verifyEmbeddedHeader(path, metaHdr); err != nil {
		lk.Unlock() //nolint:errcheck
		return nil, Header{}, err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		lk.Unlock() //nolint:errcheck
		return nil, Header{}, errors.Wrap(ErrStorageUnavailable, err.Error())
	}

	region, err := mmapgo.Map(f, mmapgo.RDWR, 0)
	if err != nil {
		f.Close() //nolint:errcheck
		lk.Unlock() //nolint:errcheck
		return nil, Header{}, errors.Wrap(ErrStorageUnavailable, err.Error())
	}

	return &FileBacked{path: path, file: f, lock: lk, region: region, header: metaHdr}, metaHdr, nil
}

// verifyEmbeddedHeader opens path read-only via golang.org/x/exp/mmap
// (grounded on block/simple_committed_block_index.go, the teacher's one
// consumer of that package) and confirms the embedded header matches
// the sidecar meta header, catching a torn write between the two.
func verifyEmbeddedHeader(path string, want Header) error {
	ra, err := xmmap.Open(path)
	if err != nil {
		return errors.Wrap(ErrStorageUnavailable, err.Error())
	}
	defer ra.Close() //nolint:errcheck

	buf := make([]byte, HeaderSize)
	if _, err := ra.ReadAt(buf, 0); err != nil {
		return errors.Wrap(ErrStorageUnavailable, err.Error())
	}

	got, err := decodeHeader(buf)
	if err != nil {
		return err
	}

	if got.SegmentSize != want.SegmentSize || got.SegmentCount != want.SegmentCount || got.InstanceID != want.InstanceID {
		return errors.New("datapool: embedded header does not match sidecar meta; restore aborted")
	}

	return nil
}

func newHeaderReader(h Header) io.Reader {
	return bytes.NewReader(h.encode())
}

func metaPathFor(path string) string {
	return filepath.Join(filepath.Dir(path), filepath.Base(path)+".meta")
}

// Bytes implements Datapool. The returned slice is the full
// HeaderSize+segments region; callers must offset past HeaderSize.
func (f *FileBacked) Bytes() []byte { return f.region }

// Size implements Datapool.
func (f *FileBacked) Size() int { return len(f.region) }

// Header returns the persisted header as last validated.
func (f *FileBacked) Header() Header { return f.header }

// Flush synchronizes dirty pages to the backing file.
func (f *FileBacked) Flush() error {
	if err := f.region.Flush(); err != nil {
		return errors.Wrap(ErrStorageUnavailable, err.Error())
	}
	return nil
}

// Close unmaps the region, closes the file, and releases the lock.
func (f *FileBacked) Close() error {
	var firstErr error
	if err := f.region.Unmap(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := f.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return errors.Wrap(ErrStorageUnavailable, firstErr.Error())
	}
	return nil
}
