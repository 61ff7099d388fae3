package dshash_test

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omnigres/dshash/pkg/arena"
	"github.com/omnigres/dshash/pkg/dshash"
)

const (
	testCapacity  = 16 << 20
	testKeySize   = 8
	testEntrySize = 16
)

func skipUnlessOFD(t *testing.T) {
	t.Helper()

	if runtime.GOOS != "linux" {
		t.Skip("requires open file description locks (Linux)")
	}
}

func testParams() dshash.Params {
	return dshash.Params{KeySize: testKeySize, EntrySize: testEntrySize}
}

func openTestArena(t *testing.T, capacity uint64) *arena.Arena {
	t.Helper()

	seg, err := arena.Open(arena.Options{
		Path:     filepath.Join(t.TempDir(), "table.seg"),
		Capacity: capacity,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = seg.Close() })

	return seg
}

// newTestTable creates a table in a fresh arena. The handle is detached on
// cleanup unless the test already did.
func newTestTable(t *testing.T, params dshash.Params) (*arena.Arena, *dshash.Handle) {
	t.Helper()

	seg := openTestArena(t, testCapacity)

	h, err := dshash.Create(seg, params)
	require.NoError(t, err)

	t.Cleanup(func() { _ = h.Detach() })

	return seg, h
}

func attachTestHandle(t *testing.T, area dshash.Area, id dshash.Identity, params dshash.Params) *dshash.Handle {
	t.Helper()

	h, err := dshash.Attach(area, id, params)
	require.NoError(t, err)

	t.Cleanup(func() { _ = h.Detach() })

	return h
}

func u64Key(i uint64) []byte {
	key := make([]byte, testKeySize)
	binary.BigEndian.PutUint64(key, i)

	return key
}

func u64Value(i uint64) []byte {
	value := make([]byte, testEntrySize-testKeySize)
	binary.LittleEndian.PutUint64(value, i*31+7)

	return value
}

// keyInPartition returns the first key at or after start whose default hash
// lands in partition p.
func keyInPartition(p int, start uint64) []byte {
	for i := start; ; i++ {
		key := u64Key(i)
		if dshash.PartitionForHash(dshash.XXHash(key, nil)) == p {
			return key
		}
	}
}

func requireNoLocks(t *testing.T, h *dshash.Handle) {
	t.Helper()

	if n := dshash.HeldLocks(h); n != 0 {
		t.Fatalf("handle holds %d partition locks, want 0", n)
	}
}

// limitedArea fails zeroed allocations larger than limit with arena.ErrFull.
// Bucket arrays are the only large zeroed allocations, so this fails growth
// while items can still be added.
type limitedArea struct {
	*arena.Arena

	limit uint64
}

func (a *limitedArea) AllocateZeroed(size uint64) (arena.Offset, error) {
	if size > a.limit {
		return arena.InvalidOffset, fmt.Errorf("zeroed allocation of %d bytes over limit %d: %w", size, a.limit, arena.ErrFull)
	}

	return a.Arena.AllocateZeroed(size)
}
