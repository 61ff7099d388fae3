package arena

// Hardcoded implementation limits.
//
// All limit violations are treated as programming/configuration errors and
// return ErrInvalidInput.
const (
	// Smallest segment that can be created, header included.
	minCapacity = 64 << 10 // 64 KiB

	// Largest segment that can be created. mmap does not load the file into
	// memory, but mappings beyond this are outside what we test.
	maxCapacity = uint64(1) << 40 // 1 TiB
)

// MaxAllocationSize is the largest single allocation in bytes. Cell headers
// store the size as a uint32.
const MaxAllocationSize = 1 << 31 // 2 GiB
