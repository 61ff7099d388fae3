// Package arena provides a fixed-capacity shared-memory segment with an
// offset-based allocator.
//
// A segment is a file mapped MAP_SHARED by every process that opens it.
// Allocations are named by [Offset], a file offset, never by address: each
// process may map the segment at a different base address, and
// [Arena.Resolve] turns an offset into a slice of the local mapping.
//
// # Basic Usage
//
//	a, err := arena.Open(arena.Options{
//	    Path:     "/dev/shm/app.seg",
//	    Capacity: 64 << 20,
//	})
//	if err != nil {
//	    // handle [ErrCorrupt]/[ErrIncompatible] by deleting and recreating
//	}
//	defer a.Close()
//
//	off, err := a.AllocateZeroed(128)
//	buf := a.Resolve(off) // len(buf) == 128
//	_ = a.Free(off)
//
// # Concurrency
//
// An [Arena] is safe for concurrent use by multiple goroutines. Allocator
// metadata in the segment header is guarded by an in-process mutex and by an
// fcntl byte-range lock on the header, which excludes other processes.
//
// The memory behind an allocation is not synchronized by the arena. Callers
// that share allocations between processes bring their own locking.
//
// # Persistence
//
// The segment is a transport for shared pages, not a database. Nothing is
// synced to disk and there is no recovery: on [ErrCorrupt] delete the file.
package arena
