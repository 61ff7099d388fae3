package dshash

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/omnigres/dshash/internal/fs"
	"github.com/omnigres/dshash/pkg/arena"
)

// Area is the shared-memory allocator a table lives in. [arena.Arena]
// implements it.
//
// Offsets must be byte offsets into the file at Path: partition locks are
// fcntl byte-range locks on bytes of the control block in that file.
type Area interface {
	Allocate(size uint64) (arena.Offset, error)
	AllocateZeroed(size uint64) (arena.Offset, error)
	Free(off arena.Offset) error

	// Resolve returns the bytes of a live allocation. It returns nil for
	// arena.InvalidOffset and may panic for offsets that name no allocation.
	Resolve(off arena.Offset) []byte

	Path() string
}

var _ Area = (*arena.Arena)(nil)

// Identity names a table inside its area. It is the offset of the control
// block and is what another process passes to [Attach].
type Identity uint64

const (
	controlMagic   = 0x75ff6a20
	controlVersion = 1
)

// Control block layout (little endian).
const (
	ctlOffMagic      = 0x00 // uint32
	ctlOffVersion    = 0x04 // uint32
	ctlOffKeySize    = 0x08 // uint32
	ctlOffEntrySize  = 0x0C // uint32
	ctlOffSizeLog2   = 0x10 // uint64, written with all partitions held
	ctlOffBuckets    = 0x18 // uint64 bucket array offset, same rule
	ctlOffPartitions = 0x20 // [numPartitions]partition

	partOffCount    = 0 // uint64, guarded by the partition lock
	partOffLock     = 8 // lock word, never written
	partitionStride = 16

	controlSize = ctlOffPartitions + numPartitions*partitionStride
)

// Handle is one attachment to a table.
//
// A Handle is not safe for concurrent use. Goroutines that need concurrent
// access attach their own handles: each handle is a separate lock owner, so
// handles in one process exclude each other exactly like separate processes
// do (on Linux; see [fs.RangeLocker]).
type Handle struct {
	area    Area
	control arena.Offset
	ctl     []byte

	// Cached view of the control block, refreshed under a partition lock.
	buckets  []byte
	sizeLog2 uint

	keySize   int
	entrySize int
	hash      HashFunc
	equal     EqualFunc
	arg       any

	locker *fs.RangeLocker
	held   [numPartitions]fs.LockMode
	nheld  int

	logger *slog.Logger
}

var realFS = fs.NewReal()

// Create allocates a new, empty table in area and returns a handle attached
// to it.
//
// Possible errors:
//   - [ErrInvalidInput]: params out of range
//   - arena errors: the control block or bucket array does not fit
func Create(area Area, params Params) (*Handle, error) {
	params, err := params.withDefaults()
	if err != nil {
		return nil, err
	}

	sizeLog2 := uint(params.InitialSizeLog2)

	control, err := area.AllocateZeroed(controlSize)
	if err != nil {
		return nil, fmt.Errorf("allocate control block: %w", err)
	}

	buckets, err := area.AllocateZeroed(uint64(8) << sizeLog2)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("allocate bucket array: %w", err), area.Free(control))
	}

	ctl := area.Resolve(control)
	binary.LittleEndian.PutUint32(ctl[ctlOffVersion:], controlVersion)
	binary.LittleEndian.PutUint32(ctl[ctlOffKeySize:], uint32(params.KeySize))
	binary.LittleEndian.PutUint32(ctl[ctlOffEntrySize:], uint32(params.EntrySize))
	binary.LittleEndian.PutUint64(ctl[ctlOffSizeLog2:], uint64(sizeLog2))
	binary.LittleEndian.PutUint64(ctl[ctlOffBuckets:], uint64(buckets))
	binary.LittleEndian.PutUint32(ctl[ctlOffMagic:], controlMagic)

	h, err := newHandle(area, control, ctl, params)
	if err != nil {
		return nil, errors.Join(err, area.Free(buckets), area.Free(control))
	}

	params.Logger.Debug("dshash: created table",
		"identity", control, "size_log2", sizeLog2,
		"key_size", params.KeySize, "entry_size", params.EntrySize)

	return h, nil
}

// Attach attaches to the table named by id. params must carry the key and
// entry sizes the table was created with; InitialSizeLog2 is ignored.
//
// Possible errors:
//   - [ErrInvalidInput]: params out of range
//   - [ErrCorrupt]: id does not name a table control block
//   - [ErrIncompatible]: key size, entry size or layout version differ
func Attach(area Area, id Identity, params Params) (*Handle, error) {
	params.InitialSizeLog2 = 0

	params, err := params.withDefaults()
	if err != nil {
		return nil, err
	}

	control := arena.Offset(id)

	ctl, err := resolveControl(area, control)
	if err != nil {
		return nil, err
	}

	version := binary.LittleEndian.Uint32(ctl[ctlOffVersion:])
	if version != controlVersion {
		return nil, fmt.Errorf("control block version %d, want %d: %w", version, controlVersion, ErrIncompatible)
	}

	keySize := int(binary.LittleEndian.Uint32(ctl[ctlOffKeySize:]))
	entrySize := int(binary.LittleEndian.Uint32(ctl[ctlOffEntrySize:]))

	if keySize != params.KeySize || entrySize != params.EntrySize {
		return nil, fmt.Errorf("table has key/entry size %d/%d, handle wants %d/%d: %w",
			keySize, entrySize, params.KeySize, params.EntrySize, ErrIncompatible)
	}

	return newHandle(area, control, ctl, params)
}

// resolveControl resolves and checks the control block at off, turning a
// resolve panic on a bogus offset into ErrCorrupt.
func resolveControl(area Area, off arena.Offset) (ctl []byte, err error) {
	if !off.Valid() {
		return nil, fmt.Errorf("invalid identity: %w", ErrCorrupt)
	}

	defer func() {
		if r := recover(); r != nil {
			ctl = nil
			err = fmt.Errorf("identity %d: %v: %w", off, r, ErrCorrupt)
		}
	}()

	ctl = area.Resolve(off)

	if len(ctl) != controlSize {
		return nil, fmt.Errorf("identity %d names a %d byte object: %w", off, len(ctl), ErrCorrupt)
	}

	if magic := binary.LittleEndian.Uint32(ctl[ctlOffMagic:]); magic != controlMagic {
		return nil, fmt.Errorf("identity %d has magic 0x%08x: %w", off, magic, ErrCorrupt)
	}

	return ctl, nil
}

func newHandle(area Area, control arena.Offset, ctl []byte, params Params) (*Handle, error) {
	locker, err := fs.OpenRangeLocker(realFS, area.Path())
	if err != nil {
		return nil, fmt.Errorf("open partition locks: %w", err)
	}

	return &Handle{
		area:      area,
		control:   control,
		ctl:       ctl,
		keySize:   params.KeySize,
		entrySize: params.EntrySize,
		hash:      params.Hash,
		equal:     params.Equal,
		arg:       params.Arg,
		locker:    locker,
		logger:    params.Logger,
	}, nil
}

// Identity returns the value other processes pass to [Attach].
func (h *Handle) Identity() Identity {
	return Identity(h.control)
}

// KeySize returns the fixed key length.
func (h *Handle) KeySize() int {
	return h.keySize
}

// ValueSize returns the fixed value length.
func (h *Handle) ValueSize() int {
	return h.entrySize - h.keySize
}

// Detach releases the handle. The table itself is unaffected. Detach is
// idempotent.
//
// Detaching a handle that still holds partition locks (an unreleased [Item]
// or an open [Scan]) is a programming error and panics, but only after the
// handle is detached: closing the locker drops the kernel locks, so other
// handles are not left blocked.
func (h *Handle) Detach() error {
	if h.locker == nil {
		return nil
	}

	held := h.nheld

	err := h.locker.Close()
	h.locker = nil
	h.ctl = nil
	h.buckets = nil
	h.held = [numPartitions]fs.LockMode{}
	h.nheld = 0

	if held != 0 {
		panic(fmt.Sprintf("dshash: detached with %d partition locks held", held))
	}

	return err
}

func (h *Handle) checkAttached() error {
	if h.locker == nil {
		return ErrDetached
	}

	return nil
}

// ensureCurrent refreshes the cached bucket array if the table was resized
// since this handle last looked. Caller holds at least one partition lock.
func (h *Handle) ensureCurrent() error {
	if magic := binary.LittleEndian.Uint32(h.ctl[ctlOffMagic:]); magic != controlMagic {
		return fmt.Errorf("control block %d has magic 0x%08x: %w", h.control, magic, ErrCorrupt)
	}

	sizeLog2 := uint(binary.LittleEndian.Uint64(h.ctl[ctlOffSizeLog2:]))
	if h.buckets != nil && sizeLog2 == h.sizeLog2 {
		return nil
	}

	h.buckets = h.area.Resolve(arena.Offset(binary.LittleEndian.Uint64(h.ctl[ctlOffBuckets:])))
	h.sizeLog2 = sizeLog2

	return nil
}

func (h *Handle) partitionCount(p int) uint64 {
	return binary.LittleEndian.Uint64(h.ctl[ctlOffPartitions+p*partitionStride+partOffCount:])
}

func (h *Handle) addPartitionCount(p int, delta int64) {
	off := ctlOffPartitions + p*partitionStride + partOffCount
	binary.LittleEndian.PutUint64(h.ctl[off:], uint64(int64(binary.LittleEndian.Uint64(h.ctl[off:]))+delta))
}

func (h *Handle) bucketHead(b uint64) arena.Offset {
	return arena.Offset(binary.LittleEndian.Uint64(h.buckets[b*8:]))
}

func (h *Handle) setBucketHead(b uint64, off arena.Offset) {
	binary.LittleEndian.PutUint64(h.buckets[b*8:], uint64(off))
}
