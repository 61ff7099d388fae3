package testutil

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/omnigres/dshash/pkg/arena"
	"github.com/omnigres/dshash/pkg/dshash"
)

// Table shape used by behavior tests. Keys are big-endian key numbers.
const (
	KeySize   = 8
	ValueSize = 8

	harnessCapacity = 8 << 20
)

// Harness wires together a real table in a fresh segment and the model.
type Harness struct {
	TB     testing.TB
	Seg    *arena.Arena
	Table  *dshash.Handle
	Model  *Model
	params dshash.Params
}

// NewHarness creates a segment in a temp dir and a table in it. A nil hash
// selects the table default.
func NewHarness(tb testing.TB, hash dshash.HashFunc) *Harness {
	tb.Helper()

	seg, err := arena.Open(arena.Options{
		Path:     filepath.Join(tb.TempDir(), "behavior.seg"),
		Capacity: harnessCapacity,
	})
	if err != nil {
		tb.Fatalf("arena.Open: %v", err)
	}

	params := dshash.Params{KeySize: KeySize, EntrySize: KeySize + ValueSize, Hash: hash}

	table, err := dshash.Create(seg, params)
	if err != nil {
		_ = seg.Close()

		tb.Fatalf("dshash.Create: %v", err)
	}

	h := &Harness{TB: tb, Seg: seg, Table: table, Model: NewModel(), params: params}

	tb.Cleanup(func() {
		_ = h.Table.Detach()
		_ = h.Seg.Close()
	})

	return h
}

// Reattach swaps the table handle for a freshly attached one.
func (h *Harness) Reattach() error {
	id := h.Table.Identity()

	err := h.Table.Detach()
	if err != nil {
		return err
	}

	table, err := dshash.Attach(h.Seg, id, h.params)
	if err != nil {
		return err
	}

	h.Table = table

	return nil
}

// EncodeKey returns the table key for a key number.
func EncodeKey(k uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, KeySize), k)
}

// DecodeKey is the inverse of [EncodeKey].
func DecodeKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key)
}
