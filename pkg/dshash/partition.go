package dshash

import (
	"errors"
	"fmt"

	"github.com/omnigres/dshash/internal/fs"
)

const (
	partitionBits = 7
	numPartitions = 1 << partitionBits
)

// partitionForHash uses the top partitionBits of the hash, independent of
// the table size, so a key never changes partition.
func partitionForHash(hash uint64) int {
	return int(hash >> (64 - partitionBits))
}

func bucketForHash(hash uint64, sizeLog2 uint) uint64 {
	return hash >> (64 - sizeLog2)
}

func bucketsPerPartition(sizeLog2 uint) uint64 {
	return uint64(1) << (sizeLog2 - partitionBits)
}

func partitionForBucket(bucket uint64, sizeLog2 uint) int {
	return int(bucket >> (sizeLog2 - partitionBits))
}

// maxPerPartition is the item count above which a partition triggers growth:
// three quarters of its bucket span.
func maxPerPartition(sizeLog2 uint) uint64 {
	span := bucketsPerPartition(sizeLog2)

	return span/2 + span/4
}

func modeFor(exclusive bool) fs.LockMode {
	if exclusive {
		return fs.Exclusive
	}

	return fs.Shared
}

// lockWord is the file offset of the byte locked for partition p.
func (h *Handle) lockWord(p int) int64 {
	return int64(h.control) + ctlOffPartitions + int64(p)*partitionStride + partOffLock
}

// lock blocks until partition p is held in mode. Locking a partition this
// handle already holds is a programming error.
func (h *Handle) lock(p int, mode fs.LockMode) error {
	if h.held[p] != 0 {
		panic(fmt.Sprintf("dshash: partition %d already held (%s)", p, h.held[p]))
	}

	err := h.locker.Lock(h.lockWord(p), mode)
	if err != nil {
		return fmt.Errorf("lock partition %d: %w", p, err)
	}

	h.held[p] = mode
	h.nheld++

	return nil
}

func (h *Handle) unlock(p int) error {
	if h.held[p] == 0 {
		panic(fmt.Sprintf("dshash: partition %d not held", p))
	}

	h.held[p] = 0
	h.nheld--

	err := h.locker.Unlock(h.lockWord(p))
	if err != nil {
		return fmt.Errorf("unlock partition %d: %w", p, err)
	}

	return nil
}

// lockAll acquires every partition in ascending order. On failure the
// partitions acquired so far are released again.
func (h *Handle) lockAll(mode fs.LockMode) error {
	h.assertNoLocksHeld()

	for p := range numPartitions {
		err := h.lock(p, mode)
		if err != nil {
			return errors.Join(err, h.unlockAll())
		}
	}

	return nil
}

// unlockAll releases every partition this handle holds.
func (h *Handle) unlockAll() error {
	var errs []error

	for p := range numPartitions {
		if h.held[p] != 0 {
			errs = append(errs, h.unlock(p))
		}
	}

	return errors.Join(errs...)
}

func (h *Handle) assertNoLocksHeld() {
	if h.nheld != 0 {
		panic(fmt.Sprintf("dshash: %d partition locks held", h.nheld))
	}
}

func (h *Handle) assertHeld(p int, mode fs.LockMode) {
	if h.held[p] != mode {
		panic(fmt.Sprintf("dshash: partition %d held %s, want %s", p, h.held[p], mode))
	}
}
