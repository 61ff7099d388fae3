package dshash

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/omnigres/dshash/internal/fs"
	"github.com/omnigres/dshash/pkg/arena"
)

// Find looks up key. When found, the item's partition stays locked (shared,
// or exclusive if exclusive is true) and the caller must call
// [Item.Release] or [Item.Delete]. When not found it returns nil, nil and
// holds no lock.
func (h *Handle) Find(key []byte, exclusive bool) (it *Item, err error) {
	err = h.checkKey(key)
	if err != nil {
		return nil, err
	}

	hash := h.hash(key, h.arg)
	p := partitionForHash(hash)
	mode := modeFor(exclusive)

	err = h.lock(p, mode)
	if err != nil {
		return nil, err
	}

	// Ownership of the lock passes to the returned item; every other exit,
	// including a panicking EqualFunc, unlocks.
	defer func() {
		if it == nil {
			err = errors.Join(err, h.unlock(p))
		}
	}()

	err = h.ensureCurrent()
	if err != nil {
		return nil, err
	}

	off := h.lookup(key, hash)
	if !off.Valid() {
		return nil, nil
	}

	return &Item{h: h, off: off, partition: p, mode: mode}, nil
}

// Get returns a copy of the entry for key, holding the partition lock only
// for the duration of the call.
func (h *Handle) Get(key []byte) (Entry, bool, error) {
	it, err := h.Find(key, false)
	if err != nil || it == nil {
		return Entry{}, false, err
	}

	e := it.Entry()

	return e, true, it.Release()
}

// Insert adds key with value unless key is present. It returns a copy of
// the entry now in the table and whether it was inserted.
//
// Growth runs after the partition lock is released. If growth fails the
// entry stays inserted and the growth error (for example arena.ErrFull) is
// returned together with inserted == true.
func (h *Handle) Insert(key, value []byte) (Entry, bool, error) {
	err := h.checkKey(key)
	if err != nil {
		return Entry{}, false, err
	}

	if len(value) != h.entrySize-h.keySize {
		return Entry{}, false, fmt.Errorf("value length %d, want %d: %w", len(value), h.entrySize-h.keySize, ErrInvalidInput)
	}

	e, inserted, target, err := h.insertLocked(key, value, h.hash(key, h.arg))
	if err != nil || target == 0 {
		return e, inserted, err
	}

	return e, true, h.resize(target)
}

// insertLocked is the part of Insert that runs under the partition lock.
// target is the size to grow to afterwards, or 0.
func (h *Handle) insertLocked(key, value []byte, hash uint64) (e Entry, inserted bool, target uint, err error) {
	p := partitionForHash(hash)

	err = h.lock(p, fs.Exclusive)
	if err != nil {
		return Entry{}, false, 0, err
	}

	defer func() {
		err = errors.Join(err, h.unlock(p))
	}()

	err = h.ensureCurrent()
	if err != nil {
		return Entry{}, false, 0, err
	}

	off := h.lookup(key, hash)
	if off.Valid() {
		return h.entryAt(off), false, 0, nil
	}

	off, err = h.insertItem(p, key, value, hash)
	if err != nil {
		return Entry{}, false, 0, err
	}

	if h.partitionCount(p) > maxPerPartition(h.sizeLog2) {
		target = h.sizeLog2 + 1
	}

	return h.entryAt(off), true, target, nil
}

// FindOrInsert returns the item for key, inserting it with a zeroed value
// if absent. The item is returned locked exclusively; the caller must call
// [Item.Release] or [Item.Delete].
//
// Unlike [Handle.Insert], an overloaded partition is grown before the new
// item is added, so a growth failure leaves the table unchanged.
func (h *Handle) FindOrInsert(key []byte) (*Item, bool, error) {
	err := h.checkKey(key)
	if err != nil {
		return nil, false, err
	}

	hash := h.hash(key, h.arg)

	for {
		it, inserted, target, err := h.findOrInsertLocked(key, hash)
		if err != nil || target == 0 {
			return it, inserted, err
		}

		err = h.resize(target)
		if err != nil {
			return nil, false, err
		}
	}
}

// findOrInsertLocked returns the locked item for key, or a growth target
// with the partition unlocked when key is absent and its partition is
// overloaded.
func (h *Handle) findOrInsertLocked(key []byte, hash uint64) (it *Item, inserted bool, target uint, err error) {
	p := partitionForHash(hash)

	err = h.lock(p, fs.Exclusive)
	if err != nil {
		return nil, false, 0, err
	}

	defer func() {
		if it == nil {
			err = errors.Join(err, h.unlock(p))
		}
	}()

	err = h.ensureCurrent()
	if err != nil {
		return nil, false, 0, err
	}

	off := h.lookup(key, hash)
	if off.Valid() {
		return &Item{h: h, off: off, partition: p, mode: fs.Exclusive}, false, 0, nil
	}

	if h.partitionCount(p) > maxPerPartition(h.sizeLog2) && h.sizeLog2 < maxSizeLog2 {
		return nil, false, h.sizeLog2 + 1, nil
	}

	off, err = h.insertItem(p, key, nil, hash)
	if err != nil {
		return nil, false, 0, err
	}

	return &Item{h: h, off: off, partition: p, mode: fs.Exclusive}, true, 0, nil
}

// Delete removes key and reports whether it was present.
func (h *Handle) Delete(key []byte) (found bool, err error) {
	err = h.checkKey(key)
	if err != nil {
		return false, err
	}

	hash := h.hash(key, h.arg)
	p := partitionForHash(hash)

	err = h.lock(p, fs.Exclusive)
	if err != nil {
		return false, err
	}

	defer func() {
		err = errors.Join(err, h.unlock(p))
	}()

	err = h.ensureCurrent()
	if err != nil {
		return false, err
	}

	off := h.lookup(key, hash)
	if !off.Valid() {
		return false, nil
	}

	return true, h.deleteItem(p, bucketForHash(hash, h.sizeLog2), off)
}

func (h *Handle) entryAt(off arena.Offset) Entry {
	it := Item{h: h, off: off}

	return it.Entry()
}

func (h *Handle) checkKey(key []byte) error {
	err := h.checkAttached()
	if err != nil {
		return err
	}

	if len(key) != h.keySize {
		return fmt.Errorf("key length %d, want %d: %w", len(key), h.keySize, ErrInvalidInput)
	}

	return nil
}

// lookup walks the chain for hash. Caller holds the partition lock.
func (h *Handle) lookup(key []byte, hash uint64) arena.Offset {
	off := h.bucketHead(bucketForHash(hash, h.sizeLog2))

	for off.Valid() {
		it := h.area.Resolve(off)
		if itemHash(it) == hash && h.equal(key, it[itemHeaderSize:itemHeaderSize+h.keySize], h.arg) {
			return off
		}

		off = itemNext(it)
	}

	return arena.InvalidOffset
}

// insertItem allocates an item and links it at the head of its bucket. A
// nil value leaves the value bytes zeroed. Caller holds partition p
// exclusively.
func (h *Handle) insertItem(p int, key, value []byte, hash uint64) (arena.Offset, error) {
	off, err := h.area.AllocateZeroed(uint64(itemHeaderSize + h.entrySize))
	if err != nil {
		return arena.InvalidOffset, fmt.Errorf("allocate item: %w", err)
	}

	b := bucketForHash(hash, h.sizeLog2)
	it := h.area.Resolve(off)

	binary.LittleEndian.PutUint64(it[itemOffHash:], hash)
	copy(it[itemHeaderSize:], key)
	copy(it[itemHeaderSize+h.keySize:], value)
	setItemNext(it, h.bucketHead(b))

	h.setBucketHead(b, off)
	h.addPartitionCount(p, 1)

	return off, nil
}

// deleteItem unlinks the item at off from bucket b and frees it. Caller
// holds partition p exclusively.
func (h *Handle) deleteItem(p int, b uint64, off arena.Offset) error {
	h.assertHeld(p, fs.Exclusive)

	var prev []byte

	cur := h.bucketHead(b)
	for cur.Valid() {
		it := h.area.Resolve(cur)
		next := itemNext(it)

		if cur == off {
			if prev == nil {
				h.setBucketHead(b, next)
			} else {
				setItemNext(prev, next)
			}

			h.addPartitionCount(p, -1)

			err := h.area.Free(off)
			if err != nil {
				return fmt.Errorf("free item: %w", err)
			}

			return nil
		}

		prev = it
		cur = next
	}

	panic(fmt.Sprintf("dshash: item %d not found in bucket %d", off, b))
}

// resize grows the bucket array to 2^target buckets. The caller must hold
// no partition locks. If another handle already grew the table to target or
// beyond, resize does nothing.
func (h *Handle) resize(target uint) (err error) {
	h.assertNoLocksHeld()

	if target > maxSizeLog2 {
		h.logger.Debug("dshash: resize beyond limit skipped", "target", target)

		return nil
	}

	err = h.lock(0, fs.Exclusive)
	if err != nil {
		return err
	}

	defer func() {
		err = errors.Join(err, h.unlockAll())
	}()

	err = h.ensureCurrent()
	if err != nil {
		return err
	}

	if h.sizeLog2 >= target {
		h.logger.Debug("dshash: resize already done", "size_log2", h.sizeLog2, "target", target)

		return nil
	}

	for p := 1; p < numPartitions; p++ {
		err = h.lock(p, fs.Exclusive)
		if err != nil {
			return err
		}
	}

	return h.relink(target)
}

// relink moves every item into a new bucket array of 2^target buckets and
// swaps it in. Caller holds every partition exclusively. Items are re-linked,
// never copied. The table is unchanged if the new array cannot be allocated.
func (h *Handle) relink(target uint) error {
	oldSizeLog2 := h.sizeLog2
	oldBuckets := h.buckets
	oldOff := arena.Offset(binary.LittleEndian.Uint64(h.ctl[ctlOffBuckets:]))

	newOff, err := h.area.AllocateZeroed(uint64(8) << target)
	if err != nil {
		return fmt.Errorf("resize to size_log2 %d: %w", target, err)
	}

	newBuckets := h.area.Resolve(newOff)

	var moved uint64

	for b := range uint64(1) << oldSizeLog2 {
		cur := arena.Offset(binary.LittleEndian.Uint64(oldBuckets[b*8:]))

		for cur.Valid() {
			it := h.area.Resolve(cur)
			next := itemNext(it)
			nb := bucketForHash(itemHash(it), target)

			setItemNext(it, arena.Offset(binary.LittleEndian.Uint64(newBuckets[nb*8:])))
			binary.LittleEndian.PutUint64(newBuckets[nb*8:], uint64(cur))

			moved++
			cur = next
		}
	}

	binary.LittleEndian.PutUint64(h.ctl[ctlOffBuckets:], uint64(newOff))
	binary.LittleEndian.PutUint64(h.ctl[ctlOffSizeLog2:], uint64(target))

	h.buckets = newBuckets
	h.sizeLog2 = target

	h.logger.Debug("dshash: resized",
		"identity", h.control, "from", oldSizeLog2, "to", target, "items", moved)

	err = h.area.Free(oldOff)
	if err != nil {
		return fmt.Errorf("free old bucket array: %w", err)
	}

	return nil
}

// Destroy frees every item, the bucket array and the control block, then
// detaches the handle.
//
// Every other handle attached to the table must be detached first. A handle
// that is still attached may report [ErrCorrupt] from its next operation,
// but once the freed control block is reused by a later allocation that
// check is no longer reliable.
func (h *Handle) Destroy() error {
	err := h.checkAttached()
	if err != nil {
		return err
	}

	freed, err := h.freeTable()
	if !freed {
		return err
	}

	h.logger.Debug("dshash: destroyed table", "identity", h.control)

	return errors.Join(err, h.Detach())
}

// freeTable frees the table's memory under every partition lock. freed
// reports whether the control block was released.
func (h *Handle) freeTable() (freed bool, err error) {
	err = h.lockAll(fs.Exclusive)
	if err != nil {
		return false, err
	}

	defer func() {
		err = errors.Join(err, h.unlockAll())
	}()

	err = h.ensureCurrent()
	if err != nil {
		return false, err
	}

	var errs []error

	for b := range uint64(1) << h.sizeLog2 {
		cur := h.bucketHead(b)

		for cur.Valid() {
			next := itemNext(h.area.Resolve(cur))
			errs = append(errs, h.area.Free(cur))
			cur = next
		}
	}

	bucketsOff := arena.Offset(binary.LittleEndian.Uint64(h.ctl[ctlOffBuckets:]))
	binary.LittleEndian.PutUint32(h.ctl[ctlOffMagic:], 0)

	errs = append(errs, h.area.Free(bucketsOff), h.area.Free(h.control))

	return true, errors.Join(errs...)
}

// Stats describes the table shape.
type Stats struct {
	SizeLog2        uint
	Buckets         uint64
	Items           uint64
	PartitionCounts []uint64
	MaxPartition    uint64 // largest partition count
	LongestChain    int
}

// Stats takes every partition lock in shared mode and reports the table
// shape. It is a consistent snapshot.
func (h *Handle) Stats() (st Stats, err error) {
	err = h.checkAttached()
	if err != nil {
		return Stats{}, err
	}

	err = h.lockAll(fs.Shared)
	if err != nil {
		return Stats{}, err
	}

	defer func() {
		err = errors.Join(err, h.unlockAll())
	}()

	err = h.ensureCurrent()
	if err != nil {
		return Stats{}, err
	}

	st = Stats{
		SizeLog2:        h.sizeLog2,
		Buckets:         uint64(1) << h.sizeLog2,
		PartitionCounts: make([]uint64, numPartitions),
	}

	for p := range numPartitions {
		n := h.partitionCount(p)
		st.PartitionCounts[p] = n
		st.Items += n
		st.MaxPartition = max(st.MaxPartition, n)
	}

	for b := range st.Buckets {
		chain := 0
		for cur := h.bucketHead(b); cur.Valid(); cur = itemNext(h.area.Resolve(cur)) {
			chain++
		}

		st.LongestChain = max(st.LongestChain, chain)
	}

	return st, nil
}

// Len returns the number of items, summed under all partition locks.
func (h *Handle) Len() (n uint64, err error) {
	err = h.checkAttached()
	if err != nil {
		return 0, err
	}

	err = h.lockAll(fs.Shared)
	if err != nil {
		return 0, err
	}

	defer func() {
		err = errors.Join(err, h.unlockAll())
	}()

	err = h.ensureCurrent()
	if err != nil {
		return 0, err
	}

	for p := range numPartitions {
		n += h.partitionCount(p)
	}

	return n, nil
}
