package arena

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// Offset names a location inside a segment: the file offset of an
// allocation's first payload byte. Offsets are identical in every process
// that maps the segment.
type Offset uint64

// InvalidOffset is the null offset. It lies inside the segment header, so no
// allocation can ever be named by it.
const InvalidOffset Offset = 0

// Valid reports whether off is not [InvalidOffset].
func (off Offset) Valid() bool {
	return off != InvalidOffset
}

// DSA1 segment format constants.
const (
	segMagic   = "DSA1"
	segVersion = 1

	// Fixed header size in bytes. Allocation starts right after it.
	segHeaderSize = 4096

	// Each cell is an 8-byte header followed by a 2^class byte payload.
	cellHeaderSize = 8

	// Smallest payload class (16 bytes). Free cells store the next free
	// offset in their first 8 payload bytes.
	minClass = 4

	// Number of free-list heads in the header.
	numClasses = 48
)

// Header field offsets (bytes from file start).
const (
	offMagic      = 0x000 // [4]byte
	offVersion    = 0x004 // uint32
	offHeaderSize = 0x008 // uint32
	offFlags      = 0x00C // uint32, reserved, must be zero
	offCapacity   = 0x010 // uint64
	offBump       = 0x018 // uint64, next unused file offset
	offLiveBytes  = 0x020 // uint64, requested bytes of live allocations
	offLiveCount  = 0x028 // uint64, number of live allocations
	offAllocLock  = 0x030 // lock word for the allocator range lock
	offFreeLists  = 0x040 // [numClasses]uint64 free-list heads
)

// Cell header field offsets (relative to cell start = payload - 8).
const (
	cellOffSize  = 0 // uint32, requested size
	cellOffClass = 4 // uint16
	cellOffState = 6 // uint16
)

// Cell states.
const (
	cellAllocated uint16 = 0xA110
	cellFree      uint16 = 0xF4EE
)

// segHeader is the decoded form of the fixed fields of the segment header.
type segHeader struct {
	Magic      [4]byte
	Version    uint32
	HeaderSize uint32
	Flags      uint32
	Capacity   uint64
	Bump       uint64
}

func newHeader(capacity uint64) segHeader {
	var h segHeader

	copy(h.Magic[:], segMagic)
	h.Version = segVersion
	h.HeaderSize = segHeaderSize
	h.Capacity = capacity
	h.Bump = segHeaderSize

	return h
}

// encodeHeader serializes the header to a segHeaderSize-byte slice.
// Counters and free lists start out zero.
func encodeHeader(h *segHeader) []byte {
	buf := make([]byte, segHeaderSize)

	copy(buf[offMagic:], h.Magic[:])
	binary.LittleEndian.PutUint32(buf[offVersion:], h.Version)
	binary.LittleEndian.PutUint32(buf[offHeaderSize:], h.HeaderSize)
	binary.LittleEndian.PutUint32(buf[offFlags:], h.Flags)
	binary.LittleEndian.PutUint64(buf[offCapacity:], h.Capacity)
	binary.LittleEndian.PutUint64(buf[offBump:], h.Bump)

	return buf
}

func decodeHeader(buf []byte) segHeader {
	var h segHeader

	copy(h.Magic[:], buf[offMagic:offMagic+4])
	h.Version = binary.LittleEndian.Uint32(buf[offVersion:])
	h.HeaderSize = binary.LittleEndian.Uint32(buf[offHeaderSize:])
	h.Flags = binary.LittleEndian.Uint32(buf[offFlags:])
	h.Capacity = binary.LittleEndian.Uint64(buf[offCapacity:])
	h.Bump = binary.LittleEndian.Uint64(buf[offBump:])

	return h
}

// validateHeader checks the header of an existing segment of fileSize bytes.
//
// Possible errors:
//   - [ErrIncompatible]: magic, version, header size or flags not recognized
//   - [ErrCorrupt]: capacity or bump pointer inconsistent with the file
func validateHeader(h *segHeader, fileSize int64) error {
	if string(h.Magic[:]) != segMagic {
		return fmt.Errorf("invalid magic %q, expected %s: %w", h.Magic[:], segMagic, ErrIncompatible)
	}

	if h.Version != segVersion {
		return fmt.Errorf("unsupported version %d, expected %d: %w", h.Version, segVersion, ErrIncompatible)
	}

	if h.HeaderSize != segHeaderSize {
		return fmt.Errorf("unsupported header_size %d, expected %d: %w", h.HeaderSize, segHeaderSize, ErrIncompatible)
	}

	if h.Flags != 0 {
		return fmt.Errorf("unknown flags 0x%x: %w", h.Flags, ErrIncompatible)
	}

	if fileSize < 0 || h.Capacity != uint64(fileSize) {
		return fmt.Errorf("capacity %d does not match file size %d: %w", h.Capacity, fileSize, ErrCorrupt)
	}

	if h.Bump < segHeaderSize || h.Bump > h.Capacity || h.Bump%8 != 0 {
		return fmt.Errorf("bump pointer %d outside [%d, %d]: %w", h.Bump, segHeaderSize, h.Capacity, ErrCorrupt)
	}

	return nil
}

// classFor returns the smallest payload class that fits size bytes.
func classFor(size uint64) int {
	class := bits.Len64(size - 1)

	return max(class, minClass)
}

// cellStride is the number of bytes a cell of the given class occupies.
func cellStride(class int) uint64 {
	return cellHeaderSize + uint64(1)<<class
}

func freeListOffset(class int) int {
	return offFreeLists + class*8
}

func getU64(data []byte, off uint64) uint64 {
	return binary.LittleEndian.Uint64(data[off:])
}

func putU64(data []byte, off uint64, v uint64) {
	binary.LittleEndian.PutUint64(data[off:], v)
}

func getU32(data []byte, off uint64) uint32 {
	return binary.LittleEndian.Uint32(data[off:])
}

func putU32(data []byte, off uint64, v uint32) {
	binary.LittleEndian.PutUint32(data[off:], v)
}

func getU16(data []byte, off uint64) uint16 {
	return binary.LittleEndian.Uint16(data[off:])
}

func putU16(data []byte, off uint64, v uint16) {
	binary.LittleEndian.PutUint16(data[off:], v)
}
