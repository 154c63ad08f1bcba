package sharedmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	// ErrCapacityExceeded is returned when a push does not fit in the
	// remaining forward (append) or backward (prepend) capacity. The caller
	// must pre-size or chunk; data is never silently overwritten.
	ErrCapacityExceeded = errors.New("shm buffer capacity exceeded")

	// ErrReadOnly is returned when a readonly attachment attempts to write.
	ErrReadOnly = errors.New("shm buffer attached readonly")

	// ErrBadSegment is returned when an attached file is not a valid segment.
	ErrBadSegment = errors.New("not a valid shm segment")
)

// DefaultSize is the default capacity in records: three days of 1s bars,
// enough near-term history for chart seeding.
const DefaultSize = 3 * 24 * 60 * 60

// Dir returns the directory holding segment files. /dev/shm gives true
// shared memory on Linux; elsewhere we degrade to the temp dir (still
// mmap-shareable between processes, just not guaranteed RAM-backed).
func Dir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm/piker"
	}
	return filepath.Join(os.TempDir(), "piker")
}

func segmentPath(key string) string {
	// fqsn keys may contain dots but never path separators
	return filepath.Join(Dir(), strings.ReplaceAll(key, string(os.PathSeparator), "_"))
}

// Array is one mapped OHLCV ring buffer. A single writer process appends
// (or prepends) records; any number of processes may attach readonly.
//
// Within the writer process multiple goroutines touch the same buffer
// (the quote fold loop and the sample clock's incrementer), so record
// access is serialized by a per-Array mutex. The mmap'd bytes live
// outside the Go heap where the race detector cannot see them; the lock
// is the only thing preventing a reader from decoding a half-encoded
// record. Cross-process readers are protected by cursor ordering alone:
// record bytes are fully written before the cursor that exposes them.
type Array struct {
	token    Token
	file     *os.File
	data     []byte
	readonly bool

	mu       sync.Mutex
	firstPtr *int64
	lastPtr  *int64
}

// Create allocates a fresh segment for key. The read/write cursors start at
// startOffset so history can later be prepended without shifting data.
func Create(key string, capacity, startOffset int64) (*Array, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %d", capacity)
	}
	if startOffset < 0 || startOffset >= capacity {
		return nil, fmt.Errorf("start offset %d out of range [0, %d)", startOffset, capacity)
	}

	if err := os.MkdirAll(Dir(), 0o755); err != nil {
		return nil, fmt.Errorf("create shm dir: %w", err)
	}

	path := segmentPath(key)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create segment %s: %w", path, err)
	}

	size := int64(headerSize) + capacity*RecordSize
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("size segment: %w", err)
	}

	a, err := mapSegment(f, false)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	binary.LittleEndian.PutUint64(a.data[offMagic:], segMagic)
	binary.LittleEndian.PutUint32(a.data[offVersion:], segVersion)
	binary.LittleEndian.PutUint32(a.data[offRecordSize:], RecordSize)
	binary.LittleEndian.PutUint64(a.data[offCapacity:], uint64(capacity))
	atomic.StoreInt64(a.firstPtr, startOffset)
	atomic.StoreInt64(a.lastPtr, startOffset)

	a.token = Token{Key: key, DtypeDescr: BaseOHLCVDescr(), Size: capacity}
	return a, nil
}

// Attach maps an existing segment by token. Readonly attachments cannot
// push. The token layout is validated against this process's compiled-in
// record layout before any record is interpreted.
func Attach(tok Token, readonly bool) (*Array, error) {
	if err := tok.validateDtype(); err != nil {
		return nil, err
	}

	flags := os.O_RDWR
	if readonly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(segmentPath(tok.Key), flags, 0)
	if err != nil {
		return nil, fmt.Errorf("open segment for %q: %w", tok.Key, err)
	}

	a, err := mapSegment(f, readonly)
	if err != nil {
		f.Close()
		return nil, err
	}

	if binary.LittleEndian.Uint64(a.data[offMagic:]) != segMagic {
		a.close()
		return nil, fmt.Errorf("%w: bad magic for %q", ErrBadSegment, tok.Key)
	}
	if binary.LittleEndian.Uint32(a.data[offVersion:]) != segVersion {
		a.close()
		return nil, fmt.Errorf("%w: version mismatch for %q", ErrBadSegment, tok.Key)
	}
	if binary.LittleEndian.Uint32(a.data[offRecordSize:]) != RecordSize {
		a.close()
		return nil, fmt.Errorf("%w: record size mismatch for %q", ErrBadSegment, tok.Key)
	}
	capacity := int64(binary.LittleEndian.Uint64(a.data[offCapacity:]))
	if capacity != tok.Size {
		a.close()
		return nil, fmt.Errorf("%w: capacity %d != token size %d", ErrBadSegment, capacity, tok.Size)
	}

	a.token = Token{Key: tok.Key, DtypeDescr: BaseOHLCVDescr(), Size: capacity}
	return a, nil
}

// MaybeOpen returns the writable buffer for key, creating it when absent.
// The created flag tells the caller whether history backfill is needed or
// the segment survived from an earlier run.
func MaybeOpen(key string, capacity int64) (a *Array, created bool, err error) {
	a, err = Create(key, capacity, capacity/2)
	if err == nil {
		return a, true, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return nil, false, err
	}

	a, err = Attach(
		Token{Key: key, DtypeDescr: BaseOHLCVDescr(), Size: capacity},
		false,
	)
	if err != nil {
		return nil, false, err
	}
	return a, false, nil
}

func mapSegment(f *os.File, readonly bool) (*Array, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() < headerSize {
		return nil, fmt.Errorf("%w: segment too small", ErrBadSegment)
	}

	prot := unix.PROT_READ
	if !readonly {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap segment: %w", err)
	}

	return &Array{
		file:     f,
		data:     data,
		readonly: readonly,
		firstPtr: (*int64)(unsafe.Pointer(&data[offFirst])),
		lastPtr:  (*int64)(unsafe.Pointer(&data[offLast])),
	}, nil
}

// Token returns the shareable identity of this buffer.
func (a *Array) Token() Token { return a.token }

// Key returns the segment key.
func (a *Array) Key() string { return a.token.Key }

// First returns the read-start cursor.
func (a *Array) First() int64 { return atomic.LoadInt64(a.firstPtr) }

// Index returns the next append slot (one past the newest record).
func (a *Array) Index() int64 { return atomic.LoadInt64(a.lastPtr) }

// Len returns the number of readable records.
func (a *Array) Len() int64 { return a.Index() - a.First() }

// Push appends records at the write cursor. With prepend=true records are
// written backward from the read start instead, extending history without
// shifting existing data. Either direction fails with ErrCapacityExceeded
// when the remaining room is insufficient.
func (a *Array) Push(records []OHLCV, prepend bool) error {
	if a.readonly {
		return ErrReadOnly
	}
	if len(records) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	n := int64(len(records))
	if prepend {
		first := atomic.LoadInt64(a.firstPtr)
		if first-n < 0 {
			return fmt.Errorf("%w: prepend %d records, %d slots before read start",
				ErrCapacityExceeded, n, first)
		}
		start := first - n
		for i, r := range records {
			slot := start + int64(i)
			r.Index = slot
			encodeRecord(a.recordBytes(slot), r)
		}
		atomic.StoreInt64(a.firstPtr, start)
		return nil
	}

	last := atomic.LoadInt64(a.lastPtr)
	if last+n > a.token.Size {
		return fmt.Errorf("%w: append %d records, %d slots remain",
			ErrCapacityExceeded, n, a.token.Size-last)
	}
	for i, r := range records {
		slot := last + int64(i)
		r.Index = slot
		encodeRecord(a.recordBytes(slot), r)
	}
	// publish only after the record bytes are written
	atomic.StoreInt64(a.lastPtr, last+n)
	return nil
}

// At reads the record at slot i, which must lie in [First, Index).
func (a *Array) At(i int64) (OHLCV, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i < a.First() || i >= a.Index() {
		return OHLCV{}, fmt.Errorf("slot %d outside [%d, %d)", i, a.First(), a.Index())
	}
	return decodeRecord(a.recordBytes(i)), nil
}

// Last returns the newest record, if any.
func (a *Array) Last() (OHLCV, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	last := a.Index()
	if last == a.First() {
		return OHLCV{}, false
	}
	return decodeRecord(a.recordBytes(last - 1)), true
}

// WriteAt overwrites the record at slot i in place. This is how the sample
// loop folds live ticks into the current bar.
func (a *Array) WriteAt(i int64, r OHLCV) error {
	if a.readonly {
		return ErrReadOnly
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if i < a.First() || i >= a.Index() {
		return fmt.Errorf("slot %d outside [%d, %d)", i, a.First(), a.Index())
	}
	r.Index = i
	encodeRecord(a.recordBytes(i), r)
	return nil
}

// Array copies out all readable records, oldest first.
func (a *Array) Array() []OHLCV {
	a.mu.Lock()
	defer a.mu.Unlock()
	first, last := a.First(), a.Index()
	out := make([]OHLCV, 0, last-first)
	for i := first; i < last; i++ {
		out = append(out, decodeRecord(a.recordBytes(i)))
	}
	return out
}

func (a *Array) recordBytes(slot int64) []byte {
	off := int64(headerSize) + slot*RecordSize
	return a.data[off : off+RecordSize]
}

// Close unmaps the segment. The file (and its contents) survives for later
// reattachment; buffers are torn down only with the hosting process or via
// Destroy.
func (a *Array) Close() error { return a.close() }

func (a *Array) close() error {
	var errs []error
	if a.data != nil {
		if err := unix.Munmap(a.data); err != nil {
			errs = append(errs, err)
		}
		a.data = nil
	}
	if a.file != nil {
		if err := a.file.Close(); err != nil {
			errs = append(errs, err)
		}
		a.file = nil
	}
	return errors.Join(errs...)
}

// Destroy unmaps and removes the backing segment file. Writer-side only.
func (a *Array) Destroy() error {
	if a.readonly {
		return ErrReadOnly
	}
	path := segmentPath(a.token.Key)
	if err := a.close(); err != nil {
		return err
	}
	return os.Remove(path)
}
