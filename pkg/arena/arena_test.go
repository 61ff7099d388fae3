package arena_test

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnigres/dshash/pkg/arena"
)

const testCapacity = 1 << 20

func openTestArena(t *testing.T) *arena.Arena {
	t.Helper()

	a, err := arena.Open(arena.Options{
		Path:     filepath.Join(t.TempDir(), "test.seg"),
		Capacity: testCapacity,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = a.Close() })

	return a
}

func Test_Open_Returns_ErrInvalidInput_When_Options_Are_Invalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	tests := []struct {
		name string
		opts arena.Options
	}{
		{name: "EmptyPath", opts: arena.Options{Capacity: testCapacity}},
		{name: "CapacityTooSmall", opts: arena.Options{Path: filepath.Join(dir, "small.seg"), Capacity: 1024}},
		{name: "CapacityTooLarge", opts: arena.Options{Path: filepath.Join(dir, "large.seg"), Capacity: 1 << 50}},
		{name: "MissingCapacityOnCreate", opts: arena.Options{Path: filepath.Join(dir, "missing.seg")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := arena.Open(tt.opts)
			require.ErrorIs(t, err, arena.ErrInvalidInput)
		})
	}
}

func Test_Open_Rounds_Capacity_Up_To_Header_Multiple_When_Creating(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "round.seg")

	a, err := arena.Open(arena.Options{Path: path, Capacity: 64<<10 + 1})
	require.NoError(t, err)

	defer func() { _ = a.Close() }()

	assert.Equal(t, uint64(64<<10+4096), a.Capacity())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(a.Capacity()), info.Size())
}

func Test_Open_Accepts_Existing_Capacity_When_Capacity_Is_Zero(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "reopen.seg")

	first, err := arena.Open(arena.Options{Path: path, Capacity: testCapacity})
	require.NoError(t, err)

	off, err := first.Allocate(100)
	require.NoError(t, err)
	copy(first.Resolve(off), "persisted")

	require.NoError(t, first.Close())

	second, err := arena.Open(arena.Options{Path: path})
	require.NoError(t, err)

	defer func() { _ = second.Close() }()

	assert.Equal(t, uint64(testCapacity), second.Capacity())
	assert.Equal(t, "persisted", string(second.Resolve(off)[:9]))
}

func Test_Open_Returns_ErrIncompatible_When_Capacity_Differs(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mismatch.seg")

	a, err := arena.Open(arena.Options{Path: path, Capacity: testCapacity})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	_, err = arena.Open(arena.Options{Path: path, Capacity: 2 * testCapacity})
	require.ErrorIs(t, err, arena.ErrIncompatible)
}

func Test_Open_Returns_ErrIncompatible_When_Magic_Is_Wrong(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "magic.seg")

	a, err := arena.Open(arena.Options{Path: path, Capacity: testCapacity})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)

	_, err = f.WriteAt([]byte("NOPE"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = arena.Open(arena.Options{Path: path})
	require.ErrorIs(t, err, arena.ErrIncompatible)
}

func Test_Open_Returns_ErrCorrupt_When_File_Was_Truncated(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "truncated.seg")

	a, err := arena.Open(arena.Options{Path: path, Capacity: testCapacity})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	require.NoError(t, os.Truncate(path, testCapacity/2))

	_, err = arena.Open(arena.Options{Path: path})
	require.ErrorIs(t, err, arena.ErrCorrupt)
}

func Test_Open_Returns_ErrCorrupt_When_Bump_Pointer_Is_Out_Of_Range(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bump.seg")

	a, err := arena.Open(arena.Options{Path: path, Capacity: testCapacity})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 2*testCapacity)
	_, err = f.WriteAt(buf, 0x18)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = arena.Open(arena.Options{Path: path})
	require.ErrorIs(t, err, arena.ErrCorrupt)
}

func Test_Open_Creates_One_Segment_When_Goroutines_Race(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "race.seg")

	const openers = 8

	arenas := make([]*arena.Arena, openers)
	errs := make([]error, openers)

	var wg sync.WaitGroup

	for i := range openers {
		wg.Go(func() {
			arenas[i], errs[i] = arena.Open(arena.Options{Path: path, Capacity: testCapacity})
		})
	}

	wg.Wait()

	for i := range openers {
		require.NoError(t, errs[i], "opener %d", i)

		defer func() { _ = arenas[i].Close() }()
	}

	// All openers must map the same inode: an allocation made through one is
	// visible through all of them.
	off, err := arenas[0].Allocate(16)
	require.NoError(t, err)
	copy(arenas[0].Resolve(off), "shared")

	for i := 1; i < openers; i++ {
		assert.Equal(t, "shared", string(arenas[i].Resolve(off)[:6]), "opener %d", i)
	}
}

func Test_Allocate_Returns_Resolvable_Offset_When_Size_Fits(t *testing.T) {
	t.Parallel()

	a := openTestArena(t)

	off, err := a.Allocate(100)
	require.NoError(t, err)
	require.True(t, off.Valid())

	buf := a.Resolve(off)
	require.Len(t, buf, 100)

	copy(buf, "hello")
	assert.Equal(t, "hello", string(a.Resolve(off)[:5]))
}

func Test_Allocate_Returns_ErrInvalidInput_When_Size_Is_Zero(t *testing.T) {
	t.Parallel()

	a := openTestArena(t)

	_, err := a.Allocate(0)
	require.ErrorIs(t, err, arena.ErrInvalidInput)
}

func Test_Allocate_Returns_ErrFull_When_Segment_Is_Exhausted(t *testing.T) {
	t.Parallel()

	a := openTestArena(t)

	_, err := a.Allocate(testCapacity)
	require.ErrorIs(t, err, arena.ErrFull)

	var full error

	for range testCapacity / 1024 {
		_, full = a.Allocate(1000)
		if full != nil {
			break
		}
	}

	require.ErrorIs(t, full, arena.ErrFull)

	// Small allocations still fit in the tail.
	_, err = a.Allocate(8)
	require.NoError(t, err)
}

func Test_AllocateZeroed_Returns_Zeroed_Bytes_When_Cell_Is_Reused(t *testing.T) {
	t.Parallel()

	a := openTestArena(t)

	off, err := a.Allocate(64)
	require.NoError(t, err)

	buf := a.Resolve(off)
	for i := range buf {
		buf[i] = 0xFF
	}

	require.NoError(t, a.Free(off))

	reused, err := a.AllocateZeroed(64)
	require.NoError(t, err)
	require.Equal(t, off, reused, "same size class must reuse the freed cell")

	assert.Equal(t, make([]byte, 64), a.Resolve(reused))
}

func Test_Free_Reuses_Cell_When_Size_Class_Matches(t *testing.T) {
	t.Parallel()

	a := openTestArena(t)

	first, err := a.Allocate(40)
	require.NoError(t, err)

	before, err := a.Stats()
	require.NoError(t, err)

	require.NoError(t, a.Free(first))

	second, err := a.Allocate(60) // same 64-byte class
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, a.Resolve(second), 60)

	after, err := a.Stats()
	require.NoError(t, err)
	assert.Equal(t, before.HighWater, after.HighWater)
}

func Test_Free_Returns_ErrBadOffset_When_Offset_Is_Not_Live(t *testing.T) {
	t.Parallel()

	a := openTestArena(t)

	off, err := a.Allocate(32)
	require.NoError(t, err)
	require.NoError(t, a.Free(off))

	tests := []struct {
		name string
		off  arena.Offset
	}{
		{name: "DoubleFree", off: off},
		{name: "Invalid", off: arena.InvalidOffset},
		{name: "InsideHeader", off: 64},
		{name: "Misaligned", off: off + 3},
		{name: "PastEnd", off: arena.Offset(testCapacity + 8)},
	}

	for _, tt := range tests {
		err := a.Free(tt.off)
		require.ErrorIs(t, err, arena.ErrBadOffset, tt.name)
	}
}

func Test_Resolve_Returns_Nil_When_Offset_Is_Invalid(t *testing.T) {
	t.Parallel()

	a := openTestArena(t)

	assert.Nil(t, a.Resolve(arena.InvalidOffset))
}

func Test_Resolve_Panics_When_Offset_Was_Freed(t *testing.T) {
	t.Parallel()

	a := openTestArena(t)

	off, err := a.Allocate(32)
	require.NoError(t, err)
	require.NoError(t, a.Free(off))

	assert.Panics(t, func() { a.Resolve(off) })
}

func Test_Stats_Tracks_Live_Allocations_When_Allocating_And_Freeing(t *testing.T) {
	t.Parallel()

	a := openTestArena(t)

	offs := make([]arena.Offset, 0, 10)

	for i := range 10 {
		off, err := a.Allocate(uint64(10 + i))
		require.NoError(t, err)

		offs = append(offs, off)
	}

	for _, off := range offs[:4] {
		require.NoError(t, a.Free(off))
	}

	st, err := a.Stats()
	require.NoError(t, err)

	want := arena.Stats{
		Capacity:        testCapacity,
		HighWater:       4096 + 7*(8+16) + 3*(8+32), // sizes 17..19 take the 32-byte class
		LiveBytes:       14 + 15 + 16 + 17 + 18 + 19,
		LiveAllocations: 6,
	}

	if diff := cmp.Diff(want, st); diff != "" {
		t.Fatalf("Stats mismatch (-want +got):\n%s", diff)
	}
}

func Test_Methods_Return_ErrClosed_When_Arena_Is_Closed(t *testing.T) {
	t.Parallel()

	a, err := arena.Open(arena.Options{
		Path:     filepath.Join(t.TempDir(), "closed.seg"),
		Capacity: testCapacity,
	})
	require.NoError(t, err)

	off, err := a.Allocate(16)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "Close must be idempotent")

	_, err = a.Allocate(16)
	require.ErrorIs(t, err, arena.ErrClosed)

	err = a.Free(off)
	require.ErrorIs(t, err, arena.ErrClosed)

	_, err = a.Stats()
	require.ErrorIs(t, err, arena.ErrClosed)
}

func Test_Allocate_Hands_Out_Distinct_Cells_When_Goroutines_Race(t *testing.T) {
	t.Parallel()

	a := openTestArena(t)

	const (
		workers   = 8
		perWorker = 200
	)

	results := make([][]arena.Offset, workers)

	var wg sync.WaitGroup

	for w := range workers {
		wg.Go(func() {
			for range perWorker {
				off, err := a.Allocate(16)
				if err != nil {
					t.Errorf("worker %d: %v", w, err)

					return
				}

				results[w] = append(results[w], off)
			}
		})
	}

	wg.Wait()

	seen := make(map[arena.Offset]bool)

	for _, offs := range results {
		for _, off := range offs {
			require.False(t, seen[off], "offset %d handed out twice", off)
			seen[off] = true
		}
	}

	require.Len(t, seen, workers*perWorker)
}

func Test_Allocate_Hands_Out_Distinct_Cells_When_Another_Process_Allocates(t *testing.T) {
	t.Parallel()

	const perProcess = 500

	if os.Getenv("DSHASH_ARENA_ALLOC_HELPER") == "1" {
		path := os.Getenv("DSHASH_ARENA_PATH")
		if path == "" {
			t.Fatal("DSHASH_ARENA_PATH not set")
		}

		a, err := arena.Open(arena.Options{Path: path})
		if err != nil {
			t.Fatalf("subprocess Open: %v", err)
		}

		defer func() { _ = a.Close() }()

		for i := range perProcess {
			_, err := a.Allocate(16)
			if err != nil {
				t.Fatalf("subprocess Allocate %d: %v", i, err)
			}
		}

		return
	}

	path := filepath.Join(t.TempDir(), "crossproc.seg")

	a, err := arena.Open(arena.Options{Path: path, Capacity: testCapacity})
	require.NoError(t, err)

	defer func() { _ = a.Close() }()

	timeoutCtx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(timeoutCtx, os.Args[0],
		"-test.run=^Test_Allocate_Hands_Out_Distinct_Cells_When_Another_Process_Allocates$", "-test.v")
	cmd.Env = append(os.Environ(),
		"DSHASH_ARENA_ALLOC_HELPER=1",
		"DSHASH_ARENA_PATH="+path,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	require.NoError(t, cmd.Start())

	for i := range perProcess {
		_, err := a.Allocate(16)
		require.NoError(t, err, "parent Allocate %d", i)
	}

	runErr := cmd.Wait()
	if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
		t.Fatal("subprocess timed out")
	}

	require.NoError(t, runErr)

	st, err := a.Stats()
	require.NoError(t, err)

	// A lost update of the bump pointer would leave HighWater short.
	assert.Equal(t, uint64(2*perProcess), st.LiveAllocations)
	assert.Equal(t, uint64(4096+2*perProcess*(8+16)), st.HighWater)
}
