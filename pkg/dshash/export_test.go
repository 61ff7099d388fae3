package dshash

// Test-only exports.

const (
	NumPartitions = numPartitions
	MaxSizeLog2   = maxSizeLog2
)

// HeldLocks returns the number of partition locks h holds.
func HeldLocks(h *Handle) int {
	return h.nheld
}

// Resize runs the growth protocol for target directly.
func Resize(h *Handle, target uint) error {
	return h.resize(target)
}

// PartitionForHash exposes the partition index function.
func PartitionForHash(hash uint64) int {
	return partitionForHash(hash)
}

// BucketForHash exposes the bucket index function.
func BucketForHash(hash uint64, sizeLog2 uint) uint64 {
	return bucketForHash(hash, sizeLog2)
}

// PartitionForBucket exposes the bucket to partition mapping.
func PartitionForBucket(bucket uint64, sizeLog2 uint) int {
	return partitionForBucket(bucket, sizeLog2)
}

// MaxPerPartition exposes the growth threshold.
func MaxPerPartition(sizeLog2 uint) uint64 {
	return maxPerPartition(sizeLog2)
}
