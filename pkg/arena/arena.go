package arena

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/omnigres/dshash/internal/fs"
)

// Options configures opening or creating a segment.
type Options struct {
	// Path is the filesystem path of the segment file.
	//
	// Required. For shared memory without disk traffic, place it on a tmpfs
	// such as /dev/shm. A lock file is also created at Path+".lock".
	Path string

	// Capacity is the segment size in bytes, header included.
	//
	// Required when creating; rounded up to a multiple of the header size.
	// When opening an existing segment, 0 accepts whatever capacity it has,
	// any other value must match or [Open] returns [ErrIncompatible].
	Capacity uint64

	// Logger receives debug events (segment creation). Nil discards.
	Logger *slog.Logger
}

// Arena is an open, mapped segment.
type Arena struct {
	// mu guards allocator metadata against other goroutines of this process
	// and the closed state. Lock ordering: mu → allocator range lock.
	mu sync.Mutex

	path     string
	file     fs.File
	data     []byte
	capacity uint64
	locker   *fs.RangeLocker
	logger   *slog.Logger
	closed   bool
}

var realFS = fs.NewReal()

// segLocker serializes segment creation across processes.
var segLocker = fs.NewLocker(realFS)

// Open opens or creates the segment at opts.Path and maps it.
//
// Possible errors:
//   - [ErrInvalidInput]: missing path, capacity out of range
//   - [ErrIncompatible]: magic/version mismatch, capacity mismatch
//   - [ErrCorrupt]: header inconsistent with the file
//   - syscall errors: open, ftruncate, write, rename, mmap
func Open(opts Options) (*Arena, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("path is required: %w", ErrInvalidInput)
	}

	if opts.Capacity != 0 {
		capacity, err := normalizeCapacity(opts.Capacity)
		if err != nil {
			return nil, err
		}

		opts.Capacity = capacity
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	exists, err := realFS.Exists(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("stat segment: %w", err)
	}

	if !exists {
		err = createUnderLock(opts, logger)
		if err != nil {
			return nil, err
		}
	}

	return openExisting(opts, logger)
}

func normalizeCapacity(capacity uint64) (uint64, error) {
	if capacity < minCapacity {
		return 0, fmt.Errorf("capacity %d below minimum %d: %w", capacity, minCapacity, ErrInvalidInput)
	}

	if capacity > maxCapacity {
		return 0, fmt.Errorf("capacity %d exceeds max %d: %w", capacity, maxCapacity, ErrInvalidInput)
	}

	rounded := (capacity + segHeaderSize - 1) / segHeaderSize * segHeaderSize
	if rounded > uint64(maxInt) {
		return 0, fmt.Errorf("capacity %d exceeds max int: %w", rounded, ErrInvalidInput)
	}

	return rounded, nil
}

const maxInt = int(^uint(0) >> 1)

// createUnderLock creates the segment with temp + rename while holding the
// creation lock, so concurrent creators end up on the same inode.
func createUnderLock(opts Options, logger *slog.Logger) error {
	if opts.Capacity == 0 {
		return fmt.Errorf("capacity is required to create %q: %w", opts.Path, ErrInvalidInput)
	}

	lock, err := segLocker.Lock(opts.Path)
	if err != nil {
		return fmt.Errorf("acquire creation lock: %w", err)
	}
	defer func() { _ = lock.Close() }()

	exists, err := realFS.Exists(opts.Path)
	if err != nil {
		return fmt.Errorf("stat segment: %w", err)
	}

	if exists {
		// Another process created it while we waited.
		return nil
	}

	dir := filepath.Dir(opts.Path)

	err = realFS.MkdirAll(dir, 0o750)
	if err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	randBytes := make([]byte, 8)
	_, _ = rand.Read(randBytes)
	tmpPath := fmt.Sprintf("%s.tmp.%x", opts.Path, randBytes)

	tmp, err := realFS.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	cleanup := func() {
		_ = tmp.Close()
		_ = realFS.Remove(tmpPath)
	}

	// Sparse: pages are only backed once touched.
	err = unix.Ftruncate(int(tmp.Fd()), int64(opts.Capacity))
	if err != nil {
		cleanup()

		return fmt.Errorf("ftruncate: %w", err)
	}

	header := newHeader(opts.Capacity)

	_, err = tmp.Write(encodeHeader(&header))
	if err != nil {
		cleanup()

		return fmt.Errorf("write header: %w", err)
	}

	err = tmp.Close()
	if err != nil {
		_ = realFS.Remove(tmpPath)

		return fmt.Errorf("close temp file: %w", err)
	}

	err = realFS.Rename(tmpPath, opts.Path)
	if err != nil {
		_ = realFS.Remove(tmpPath)

		return fmt.Errorf("rename: %w", err)
	}

	logger.Debug("arena: created segment", "path", opts.Path, "capacity", opts.Capacity)

	return nil
}

func openExisting(opts Options, logger *slog.Logger) (*Arena, error) {
	file, err := realFS.OpenFile(opts.Path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	a, err := mapSegment(file, opts, logger)
	if err != nil {
		_ = file.Close()

		return nil, err
	}

	return a, nil
}

func mapSegment(file fs.File, opts Options, logger *slog.Logger) (*Arena, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat segment: %w", err)
	}

	size := info.Size()
	if size < segHeaderSize {
		return nil, fmt.Errorf("file size %d is less than header size %d: %w", size, segHeaderSize, ErrCorrupt)
	}

	if uint64(size) > maxCapacity || size > int64(maxInt) {
		return nil, fmt.Errorf("file size %d exceeds max capacity: %w", size, ErrInvalidInput)
	}

	headerBuf := make([]byte, segHeaderSize)

	n, err := unix.Pread(int(file.Fd()), headerBuf, 0)
	if err != nil || n != segHeaderSize {
		return nil, fmt.Errorf("read header: %w", errors.Join(err, ErrCorrupt))
	}

	header := decodeHeader(headerBuf)

	err = validateHeader(&header, size)
	if err != nil {
		return nil, err
	}

	if opts.Capacity != 0 && opts.Capacity != header.Capacity {
		return nil, fmt.Errorf("capacity %d, segment has %d: %w", opts.Capacity, header.Capacity, ErrIncompatible)
	}

	locker, err := fs.OpenRangeLocker(realFS, opts.Path)
	if err != nil {
		return nil, err
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = locker.Close()

		return nil, fmt.Errorf("mmap: %w", err)
	}

	return &Arena{
		path:     opts.Path,
		file:     file,
		data:     data,
		capacity: header.Capacity,
		locker:   locker,
		logger:   logger,
	}, nil
}

// Path returns the segment file path.
func (a *Arena) Path() string {
	return a.path
}

// Capacity returns the segment size in bytes, header included.
func (a *Arena) Capacity() uint64 {
	return a.capacity
}

// Close unmaps the segment and closes its descriptors. Slices returned by
// [Arena.Resolve] must not be used afterwards. Close is idempotent.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}

	a.closed = true

	munmapErr := unix.Munmap(a.data)
	a.data = nil

	lockerErr := a.locker.Close()
	closeErr := a.file.Close()

	if munmapErr != nil {
		munmapErr = fmt.Errorf("munmap: %w", munmapErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("close segment: %w", closeErr)
	}

	return errors.Join(munmapErr, lockerErr, closeErr)
}

// Stats describes allocator usage of a segment.
type Stats struct {
	Capacity        uint64
	HighWater       uint64 // bytes handed out by the bump pointer, header included
	LiveBytes       uint64 // requested bytes of live allocations
	LiveAllocations uint64
}

// Stats returns a consistent snapshot of allocator counters.
func (a *Arena) Stats() (Stats, error) {
	var st Stats

	err := a.withAllocatorLock(func() error {
		st = Stats{
			Capacity:        a.capacity,
			HighWater:       getU64(a.data, offBump),
			LiveBytes:       getU64(a.data, offLiveBytes),
			LiveAllocations: getU64(a.data, offLiveCount),
		}

		return nil
	})

	return st, err
}

// withAllocatorLock runs fn holding both the in-process mutex and the
// cross-process allocator lock.
func (a *Arena) withAllocatorLock(fn func() error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	err := a.locker.Lock(offAllocLock, fs.Exclusive)
	if err != nil {
		return fmt.Errorf("lock allocator: %w", err)
	}

	fnErr := fn()

	unlockErr := a.locker.Unlock(offAllocLock)
	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlock allocator: %w", unlockErr)
	}

	return errors.Join(fnErr, unlockErr)
}
