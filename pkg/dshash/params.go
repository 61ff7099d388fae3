package dshash

import (
	"fmt"
	"io"
	"log/slog"
)

// HashFunc hashes a key of [Params.KeySize] bytes. arg is [Params.Arg].
//
// Partitions are chosen by the top bits of the hash and buckets by the top
// size_log2 bits, so the high bits must be well mixed.
type HashFunc func(key []byte, arg any) uint64

// EqualFunc reports whether two keys of [Params.KeySize] bytes are equal.
// arg is [Params.Arg].
type EqualFunc func(a, b []byte, arg any) bool

// Params describes the table shape and the process-local callbacks.
//
// KeySize and EntrySize are stored in the table at [Create] and checked by
// [Attach]. Hash, Equal and Arg are process-local: every attaching process
// must supply functions that agree with the creator's.
type Params struct {
	// KeySize is the fixed key length in bytes. Required.
	KeySize int

	// EntrySize is the fixed length of key + value in bytes. Must be at least
	// KeySize; the value length is EntrySize - KeySize (possibly zero).
	EntrySize int

	// Hash defaults to [XXHash].
	Hash HashFunc

	// Equal defaults to [MemEqual].
	Equal EqualFunc

	// Arg is passed to Hash and Equal.
	Arg any

	// InitialSizeLog2 is the initial bucket count exponent, used by [Create]
	// only. Values below 7 (one bucket per partition) are raised to 7.
	InitialSizeLog2 int

	// Logger receives resize events at debug level. Nil discards.
	Logger *slog.Logger
}

// ValueSize returns the length of the value part of an entry.
func (p Params) ValueSize() int {
	return p.EntrySize - p.KeySize
}

// withDefaults validates p and fills in defaults.
func (p Params) withDefaults() (Params, error) {
	if p.KeySize <= 0 || p.KeySize > maxKeySize {
		return p, fmt.Errorf("key size %d out of range [1, %d]: %w", p.KeySize, maxKeySize, ErrInvalidInput)
	}

	if p.EntrySize < p.KeySize || p.EntrySize > maxEntrySize {
		return p, fmt.Errorf("entry size %d out of range [%d, %d]: %w", p.EntrySize, p.KeySize, maxEntrySize, ErrInvalidInput)
	}

	if p.InitialSizeLog2 < 0 || p.InitialSizeLog2 > maxSizeLog2 {
		return p, fmt.Errorf("initial size_log2 %d out of range [0, %d]: %w", p.InitialSizeLog2, maxSizeLog2, ErrInvalidInput)
	}

	p.InitialSizeLog2 = max(p.InitialSizeLog2, minSizeLog2)

	if p.Hash == nil {
		p.Hash = XXHash
	}

	if p.Equal == nil {
		p.Equal = MemEqual
	}

	if p.Logger == nil {
		p.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return p, nil
}
