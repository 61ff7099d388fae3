package arena

import (
	"fmt"
)

// Allocate reserves size bytes and returns the offset of the first byte.
// The content of a fresh allocation is unspecified; use
// [Arena.AllocateZeroed] when it matters.
//
// Possible errors:
//   - [ErrInvalidInput]: size is 0 or exceeds the maximum allocation size
//   - [ErrFull]: no free cell of the right class and the segment is exhausted
//   - [ErrClosed]: the arena was closed
func (a *Arena) Allocate(size uint64) (Offset, error) {
	return a.allocate(size, false)
}

// AllocateZeroed is [Arena.Allocate] followed by zeroing the allocation.
func (a *Arena) AllocateZeroed(size uint64) (Offset, error) {
	return a.allocate(size, true)
}

func (a *Arena) allocate(size uint64, zero bool) (Offset, error) {
	if size == 0 {
		return InvalidOffset, fmt.Errorf("allocation size must be > 0: %w", ErrInvalidInput)
	}

	if size > MaxAllocationSize {
		return InvalidOffset, fmt.Errorf("allocation size %d exceeds max %d: %w", size, MaxAllocationSize, ErrInvalidInput)
	}

	class := classFor(size)

	var payload uint64

	err := a.withAllocatorLock(func() error {
		var err error

		payload, err = a.takeCell(class, size)

		return err
	})
	if err != nil {
		return InvalidOffset, err
	}

	if zero {
		clear(a.data[payload : payload+size])
	}

	return Offset(payload), nil
}

// takeCell pops a free cell of class, or carves a new one from the bump
// pointer. Caller holds the allocator lock.
func (a *Arena) takeCell(class int, size uint64) (uint64, error) {
	head := uint64(freeListOffset(class))
	payload := getU64(a.data, head)

	if payload != 0 {
		cell := payload - cellHeaderSize

		err := a.checkCell(payload, cellFree)
		if err != nil {
			return 0, fmt.Errorf("free list %d: %w", class, err)
		}

		if int(getU16(a.data, cell+cellOffClass)) != class {
			return 0, fmt.Errorf("free list %d holds cell @%d of class %d: %w",
				class, payload, getU16(a.data, cell+cellOffClass), ErrCorrupt)
		}

		putU64(a.data, head, getU64(a.data, payload))
	} else {
		bump := getU64(a.data, offBump)
		stride := cellStride(class)

		if bump+stride > a.capacity || bump+stride < bump {
			return 0, fmt.Errorf("allocate %d bytes (cell %d) at %d of %d: %w", size, stride, bump, a.capacity, ErrFull)
		}

		payload = bump + cellHeaderSize
		putU64(a.data, offBump, bump+stride)
		putU16(a.data, bump+cellOffClass, uint16(class))
	}

	cell := payload - cellHeaderSize
	putU32(a.data, cell+cellOffSize, uint32(size))
	putU16(a.data, cell+cellOffState, cellAllocated)

	putU64(a.data, offLiveBytes, getU64(a.data, offLiveBytes)+size)
	putU64(a.data, offLiveCount, getU64(a.data, offLiveCount)+1)

	return payload, nil
}

// Free returns the allocation at off to its size-class free list.
//
// Possible errors:
//   - [ErrBadOffset]: off does not name a live allocation (double free included)
//   - [ErrClosed]: the arena was closed
func (a *Arena) Free(off Offset) error {
	payload := uint64(off)

	return a.withAllocatorLock(func() error {
		err := a.checkCell(payload, cellAllocated)
		if err != nil {
			return err
		}

		cell := payload - cellHeaderSize
		class := int(getU16(a.data, cell+cellOffClass))
		size := uint64(getU32(a.data, cell+cellOffSize))
		head := uint64(freeListOffset(class))

		putU16(a.data, cell+cellOffState, cellFree)
		putU64(a.data, payload, getU64(a.data, head))
		putU64(a.data, head, payload)

		putU64(a.data, offLiveBytes, getU64(a.data, offLiveBytes)-size)
		putU64(a.data, offLiveCount, getU64(a.data, offLiveCount)-1)

		return nil
	})
}

// Resolve returns the bytes of the allocation at off, sized to the length it
// was allocated with. The slice aliases shared memory: writes are visible to
// every process mapping the segment.
//
// Resolve returns nil for [InvalidOffset] and panics if off does not name a
// live allocation.
func (a *Arena) Resolve(off Offset) []byte {
	if off == InvalidOffset {
		return nil
	}

	payload := uint64(off)

	err := a.checkCell(payload, cellAllocated)
	if err != nil {
		panic(fmt.Sprintf("arena: resolve %d: %v", payload, err))
	}

	size := uint64(getU32(a.data, payload-cellHeaderSize+cellOffSize))

	return a.data[payload : payload+size : payload+size]
}

// checkCell verifies that payload is a plausible payload offset whose cell is
// in the wanted state.
func (a *Arena) checkCell(payload uint64, want uint16) error {
	if payload%8 != 0 || payload < segHeaderSize+cellHeaderSize || payload >= a.capacity {
		return fmt.Errorf("offset %d outside allocation range: %w", payload, ErrBadOffset)
	}

	cell := payload - cellHeaderSize

	state := getU16(a.data, cell+cellOffState)
	if state != want {
		return fmt.Errorf("cell @%d has state 0x%04x, want 0x%04x: %w", payload, state, want, ErrBadOffset)
	}

	class := int(getU16(a.data, cell+cellOffClass))
	if class < minClass || class >= numClasses || payload+uint64(1)<<class > a.capacity {
		return fmt.Errorf("cell @%d has class %d: %w", payload, class, ErrCorrupt)
	}

	return nil
}
