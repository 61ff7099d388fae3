package testutil

import (
	"encoding/binary"
	"fmt"
)

// SeedBuilder builds deterministic byte seeds for OpGenerator without
// hand-writing raw byte sequences. It encodes values in the order
// OpGenerator consumes them.
type SeedBuilder struct {
	cfg  OpGenConfig
	data []byte
}

// NewSeedBuilder creates a new builder for the given OpGenerator config.
func NewSeedBuilder(cfg *OpGenConfig) *SeedBuilder {
	if cfg == nil {
		panic("seed builder: cfg must not be nil")
	}

	return &SeedBuilder{cfg: *cfg}
}

// Bytes returns a copy of the built seed bytes.
func (b *SeedBuilder) Bytes() []byte {
	return append([]byte(nil), b.data...)
}

// Insert appends an insert of key with value v.
func (b *SeedBuilder) Insert(key, v uint64) *SeedBuilder {
	return b.op(kindInsert).key(key).value(v)
}

// Upsert appends an upsert of key with value v.
func (b *SeedBuilder) Upsert(key, v uint64) *SeedBuilder {
	return b.op(kindUpsert).key(key).value(v)
}

// Touch appends a find-or-insert of key.
func (b *SeedBuilder) Touch(key uint64) *SeedBuilder {
	return b.op(kindTouch).key(key)
}

// Get appends a lookup of key.
func (b *SeedBuilder) Get(key uint64) *SeedBuilder {
	return b.op(kindGet).key(key)
}

// Delete appends a delete of key.
func (b *SeedBuilder) Delete(key uint64) *SeedBuilder {
	return b.op(kindDelete).key(key)
}

// FindDelete appends a find-then-delete of key.
func (b *SeedBuilder) FindDelete(key uint64) *SeedBuilder {
	return b.op(kindFindDelete).key(key)
}

// Purge appends a scan deleting keys k with k%mod == rem. mod is in [2, 7].
func (b *SeedBuilder) Purge(mod, rem uint64) *SeedBuilder {
	if mod < 2 || mod > 7 || rem >= mod {
		panic(fmt.Sprintf("seed builder: invalid purge %d/%d", mod, rem))
	}

	b.op(kindPurge)
	b.data = append(b.data, byte(mod-2), byte(rem))

	return b
}

// Reattach appends a handle swap.
func (b *SeedBuilder) Reattach() *SeedBuilder {
	return b.op(kindReattach)
}

// Len appends a count.
func (b *SeedBuilder) Len() *SeedBuilder {
	return b.op(kindLen)
}

// InsertRange appends inserts of keys [from, to) with the key as value.
func (b *SeedBuilder) InsertRange(from, to uint64) *SeedBuilder {
	for k := from; k < to; k++ {
		b.Insert(k, k)
	}

	return b
}

func (b *SeedBuilder) op(kind opKind) *SeedBuilder {
	start := 0

	for i, rate := range b.cfg.rates() {
		if opKind(i) == kind {
			if rate == 0 {
				panic(fmt.Sprintf("seed builder: op kind %d has rate 0", kind))
			}

			b.data = append(b.data, byte(start))

			return b
		}

		start += rate
	}

	if start >= 100 {
		panic("seed builder: rates leave no room for Len")
	}

	b.data = append(b.data, byte(start))

	return b
}

func (b *SeedBuilder) key(k uint64) *SeedBuilder {
	if k >= uint64(b.cfg.KeySpace) {
		panic(fmt.Sprintf("seed builder: key %d outside key space %d", k, b.cfg.KeySpace))
	}

	b.data = append(b.data, byte(k))

	return b
}

func (b *SeedBuilder) value(v uint64) *SeedBuilder {
	b.data = binary.BigEndian.AppendUint64(b.data, v)

	return b
}
