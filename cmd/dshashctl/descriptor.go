package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/omnigres/dshash/internal/fs"
	"github.com/omnigres/dshash/pkg/dshash"
)

const (
	hashXX     = "xxhash"
	hashFNV    = "fnv"
	hashString = "string"
)

var errDescriptorInvalid = errors.New("invalid table descriptor")

// callbacksFor maps a hash name from the config or descriptor to the table
// callbacks.
func callbacksFor(name string) (dshash.HashFunc, dshash.EqualFunc, error) {
	switch name {
	case hashXX, "":
		return dshash.XXHash, dshash.MemEqual, nil
	case hashFNV:
		return dshash.FNVHash, dshash.MemEqual, nil
	case hashString:
		return dshash.StringHash, dshash.StringEqual, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", errUnknownHash, name)
	}
}

// Descriptor tells other processes how to attach to a table: where it lives
// in the segment and which shape and callbacks it was created with.
//
//nolint:tagliatelle // snake_case for the descriptor file
type Descriptor struct {
	Identity  uint64 `json:"identity"`
	KeySize   int    `json:"key_size"`
	EntrySize int    `json:"entry_size"`
	Hash      string `json:"hash"`
}

func descriptorPath(segmentPath string) string {
	return segmentPath + ".table.json"
}

// Params returns the attach parameters the descriptor implies.
func (d Descriptor) Params() (dshash.Params, error) {
	hash, equal, err := callbacksFor(d.Hash)
	if err != nil {
		return dshash.Params{}, err
	}

	return dshash.Params{
		KeySize:   d.KeySize,
		EntrySize: d.EntrySize,
		Hash:      hash,
		Equal:     equal,
	}, nil
}

// writeDescriptor replaces the descriptor atomically, so a concurrently
// attaching process never reads half of it.
func writeDescriptor(fsys fs.FS, segmentPath string, d Descriptor) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}

	data = append(data, '\n')

	return fsys.WriteFileAtomic(descriptorPath(segmentPath), data, 0o644)
}

func readDescriptor(fsys fs.FS, segmentPath string) (Descriptor, error) {
	path := descriptorPath(segmentPath)

	data, err := fsys.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read descriptor: %w", err)
	}

	var d Descriptor

	err = json.Unmarshal(data, &d)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w %s: %w", errDescriptorInvalid, path, err)
	}

	if d.Identity == 0 || d.KeySize <= 0 || d.EntrySize < d.KeySize {
		return Descriptor{}, fmt.Errorf("%w %s: identity %d, key_size %d, entry_size %d",
			errDescriptorInvalid, path, d.Identity, d.KeySize, d.EntrySize)
	}

	return d, nil
}
