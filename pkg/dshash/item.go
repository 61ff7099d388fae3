package dshash

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/omnigres/dshash/internal/fs"
	"github.com/omnigres/dshash/pkg/arena"
)

// Item layout: {hash uint64, next offset uint64} followed by key ++ value.
const (
	itemOffHash    = 0
	itemOffNext    = 8
	itemHeaderSize = 16
)

func itemHash(it []byte) uint64 {
	return binary.LittleEndian.Uint64(it[itemOffHash:])
}

func itemNext(it []byte) arena.Offset {
	return arena.Offset(binary.LittleEndian.Uint64(it[itemOffNext:]))
}

func setItemNext(it []byte, next arena.Offset) {
	binary.LittleEndian.PutUint64(it[itemOffNext:], uint64(next))
}

// Entry is a copy of a key/value pair, detached from shared memory.
type Entry struct {
	Key   []byte
	Value []byte
	Hash  uint64
}

// Item is a locked reference to an entry in shared memory.
//
// The partition holding the item stays locked until [Item.Release] or
// [Item.Delete] is called (or, for items returned by a [Scan], until the
// scan moves on). Slices returned by Key and Value alias shared memory and
// must not be used after that.
type Item struct {
	h         *Handle
	off       arena.Offset
	partition int
	mode      fs.LockMode
	scan      *Scan
	done      bool
}

func (it *Item) bytes() []byte {
	if it.done {
		panic("dshash: use of released item")
	}

	return it.h.area.Resolve(it.off)
}

// Key returns the key bytes.
func (it *Item) Key() []byte {
	b := it.bytes()

	return b[itemHeaderSize : itemHeaderSize+it.h.keySize]
}

// Value returns the value bytes. Writing through the slice requires the
// item to be held exclusively.
func (it *Item) Value() []byte {
	b := it.bytes()

	return b[itemHeaderSize+it.h.keySize : itemHeaderSize+it.h.entrySize]
}

// Hash returns the cached hash of the key.
func (it *Item) Hash() uint64 {
	return itemHash(it.bytes())
}

// Exclusive reports whether the item's partition is held exclusively.
func (it *Item) Exclusive() bool {
	return it.mode == fs.Exclusive
}

// SetValue overwrites the value. The item must be held exclusively.
func (it *Item) SetValue(value []byte) error {
	if it.mode != fs.Exclusive {
		panic("dshash: SetValue on item held in shared mode")
	}

	dst := it.Value()
	if len(value) != len(dst) {
		return fmt.Errorf("value length %d, want %d: %w", len(value), len(dst), ErrInvalidInput)
	}

	copy(dst, value)

	return nil
}

// Entry returns a copy of the item's key and value.
func (it *Item) Entry() Entry {
	return Entry{
		Key:   append([]byte(nil), it.Key()...),
		Value: append([]byte(nil), it.Value()...),
		Hash:  it.Hash(),
	}
}

// Release unlocks the item's partition. Items returned by a [Scan] are
// released by the scan and must not be released individually.
func (it *Item) Release() error {
	it.checkStandalone("Release")

	it.done = true

	return it.h.unlock(it.partition)
}

// Delete removes the item from the table and unlocks its partition. The
// item must be held exclusively. Use [Scan.DeleteCurrent] for scan items.
func (it *Item) Delete() (err error) {
	it.checkStandalone("Delete")

	if it.mode != fs.Exclusive {
		panic("dshash: Delete on item held in shared mode")
	}

	h := it.h
	b := bucketForHash(it.Hash(), h.sizeLog2)

	defer func() {
		it.done = true
		err = errors.Join(err, h.unlock(it.partition))
	}()

	return h.deleteItem(it.partition, b, it.off)
}

func (it *Item) checkStandalone(op string) {
	if it.scan != nil {
		panic(fmt.Sprintf("dshash: %s on item owned by a scan", op))
	}

	if it.done {
		panic(fmt.Sprintf("dshash: %s on released item", op))
	}
}
