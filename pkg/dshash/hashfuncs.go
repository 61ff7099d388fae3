package dshash

import (
	"bytes"
	"hash/fnv"

	"github.com/cespare/xxhash/v2"
)

// XXHash hashes the whole key with xxHash64. It is the default [HashFunc].
func XXHash(key []byte, _ any) uint64 {
	return xxhash.Sum64(key)
}

// FNVHash hashes the whole key with 64-bit FNV-1a.
//
// FNV-1a mixes the high bits poorly for short keys; prefer [XXHash] unless
// another component already hashes the same keys with FNV.
func FNVHash(key []byte, _ any) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(key)

	return h.Sum64()
}

// MemEqual compares keys byte for byte. It is the default [EqualFunc].
func MemEqual(a, b []byte, _ any) bool {
	return bytes.Equal(a, b)
}

// StringHash hashes a NUL-terminated string stored in a fixed-size key,
// ignoring everything from the first NUL on. Pair it with [StringEqual].
func StringHash(key []byte, _ any) uint64 {
	return xxhash.Sum64(cString(key))
}

// StringEqual compares two NUL-terminated strings stored in fixed-size keys.
func StringEqual(a, b []byte, _ any) bool {
	return bytes.Equal(cString(a), cString(b))
}

func cString(key []byte) []byte {
	if i := bytes.IndexByte(key, 0); i >= 0 {
		return key[:i]
	}

	return key
}
