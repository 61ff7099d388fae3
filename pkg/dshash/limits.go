package dshash

// Hardcoded implementation limits.
//
// Parameter violations return ErrInvalidInput.
const (
	// Largest key size in bytes.
	maxKeySize = 1 << 16

	// Largest entry (key + value) size in bytes.
	maxEntrySize = 1 << 24

	// Smallest table: one bucket per partition.
	minSizeLog2 = partitionBits

	// Growth stops here; chains get longer instead. The bucket array is then
	// 8 << maxSizeLog2 bytes, the largest allocation the arena serves.
	maxSizeLog2 = 28
)
