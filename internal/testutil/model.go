package testutil

import (
	"maps"
	"slices"
)

// Model is the reference behavior of a table: a plain map from key number to
// value.
type Model struct {
	entries map[uint64][]byte
}

// NewModel returns an empty model.
func NewModel() *Model {
	return &Model{entries: make(map[uint64][]byte)}
}

// Insert stores value unless key is present. It returns the value the key
// maps to afterwards and whether it was inserted.
func (m *Model) Insert(key uint64, value []byte) ([]byte, bool) {
	if v, ok := m.entries[key]; ok {
		return v, false
	}

	m.entries[key] = slices.Clone(value)

	return m.entries[key], true
}

// Put stores value whether or not key is present.
func (m *Model) Put(key uint64, value []byte) bool {
	_, existed := m.entries[key]
	m.entries[key] = slices.Clone(value)

	return !existed
}

// Get returns the value for key.
func (m *Model) Get(key uint64) ([]byte, bool) {
	v, ok := m.entries[key]

	return v, ok
}

// Delete removes key and reports whether it was present.
func (m *Model) Delete(key uint64) bool {
	_, ok := m.entries[key]
	delete(m.entries, key)

	return ok
}

// DeleteFunc removes every key for which del returns true and returns the
// number removed.
func (m *Model) DeleteFunc(del func(key uint64) bool) int {
	n := 0

	for k := range m.entries {
		if del(k) {
			delete(m.entries, k)

			n++
		}
	}

	return n
}

// Len returns the number of entries.
func (m *Model) Len() int {
	return len(m.entries)
}

// Snapshot returns a copy of all entries.
func (m *Model) Snapshot() map[uint64][]byte {
	return maps.Clone(m.entries)
}
