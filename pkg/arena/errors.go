package arena

import "errors"

// Sentinel errors returned by arena operations.
//
// Callers should use [errors.Is] to check error types.
var (
	// ErrFull indicates the segment has no room left for the allocation.
	//
	// Freed cells are reused only for allocations of the same size class.
	//
	// Recovery: free memory, or recreate the segment with a larger
	// [Options.Capacity].
	ErrFull = errors.New("arena: out of memory")

	// ErrCorrupt indicates the segment header is damaged.
	//
	// Recovery: delete and recreate the segment.
	ErrCorrupt = errors.New("arena: corrupt")

	// ErrIncompatible indicates a format or configuration mismatch, for
	// example a different format version or capacity.
	ErrIncompatible = errors.New("arena: incompatible")

	// ErrInvalidInput indicates invalid arguments were provided.
	//
	// This is a programming error.
	ErrInvalidInput = errors.New("arena: invalid input")

	// ErrBadOffset indicates an offset that does not name a live allocation,
	// for example a double free.
	ErrBadOffset = errors.New("arena: bad offset")

	// ErrClosed indicates the [Arena] has already been closed.
	ErrClosed = errors.New("arena: closed")
)
