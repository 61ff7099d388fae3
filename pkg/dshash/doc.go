// Package dshash implements a concurrent, resizable hash table that lives in
// memory shared by independent processes.
//
// Everything the table stores (control block, bucket array, items) is
// allocated from an [Area] and referenced by offset, never by address, so
// every process may map the area at a different base address.
//
// # Basic Usage
//
//	seg, err := arena.Open(arena.Options{Path: "/dev/shm/app.seg", Capacity: 64 << 20})
//	if err != nil {
//	    // handle error
//	}
//	defer seg.Close()
//
//	h, err := dshash.Create(seg, dshash.Params{KeySize: 8, EntrySize: 16})
//	if err != nil {
//	    // handle error
//	}
//	defer h.Detach()
//
//	id := h.Identity() // hand this to other processes
//
//	_, inserted, err := h.Insert(key, value)
//
//	it, err := h.Find(key, false)
//	if it != nil {
//	    use(it.Value())
//	    _ = it.Release()
//	}
//
// Another process attaches with the same key and entry sizes:
//
//	h, err := dshash.Attach(seg, id, dshash.Params{KeySize: 8, EntrySize: 16})
//
// # Partitions and Locking
//
// The table is split into 128 partitions chosen by the top 7 bits of the key
// hash. Each partition has a reader/writer lock and an item counter in the
// control block. The lock is an fcntl byte-range lock on a byte of the
// control block inside the area's file, so it works across processes.
//
// A key's partition never changes. Its bucket is chosen by the top size_log2
// bits of the hash, so the buckets of a partition are contiguous and double
// with every resize.
//
// [Handle.Find] and [Handle.FindOrInsert] return an [Item] whose partition is
// still locked; the caller releases it. All other operations release their
// locks before returning, on error paths too.
//
// # Growth
//
// When an insert leaves a partition holding more items than three quarters
// of its buckets, the bucket array doubles. Resizing locks every partition in
// ascending order, re-checks the size under the first lock so that handles
// racing to the same size produce a single doubling, re-links every item into
// a new array and frees the old one. The table never shrinks.
//
// # Scans
//
// [Handle.Scan] walks the table partition by partition, holding one
// partition lock at a time (two while crossing a boundary, in ascending
// order). An exclusive scan may delete the item it is positioned on.
//
// # Handles and goroutines
//
// A [Handle] is not safe for concurrent use. Give each goroutine its own
// handle. On Linux each handle is a separate lock owner, so goroutines with
// their own handles exclude each other like separate processes. On other
// Unix systems fcntl locks are owned by the process and goroutines of one
// process must not share a table through different handles concurrently.
package dshash
