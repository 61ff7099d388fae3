package dshash

import (
	"errors"

	"github.com/omnigres/dshash/internal/fs"
	"github.com/omnigres/dshash/pkg/arena"
)

type scanState int

const (
	scanNotStarted scanState = iota
	scanScanning
	scanDone
)

// Scan walks every item of the table, partition by partition.
//
// While a scan is positioned inside a partition it holds that partition's
// lock, which also keeps the table from being resized. Moving into the next
// partition locks it before the previous one is released. Always call
// [Scan.Close], including after an early break.
//
// The handle that owns a scan must not be used for operations that can
// grow the table while the scan is open.
type Scan struct {
	h     *Handle
	mode  fs.LockMode
	state scanState

	sizeLog2  uint
	nbuckets  uint64
	bucket    uint64
	partition int

	cur  *Item
	next arena.Offset
}

// Scan starts a sequential scan. With exclusive set, items may be modified
// and removed with [Scan.DeleteCurrent].
func (h *Handle) Scan(exclusive bool) *Scan {
	return &Scan{h: h, mode: modeFor(exclusive)}
}

// Next returns the next item, or ok == false at the end of the scan, after
// which the scan holds no lock. The item is valid until the next call to
// Next or Close.
func (s *Scan) Next() (*Item, bool, error) {
	h := s.h

	switch s.state {
	case scanDone:
		return nil, false, nil
	case scanNotStarted:
		err := h.checkAttached()
		if err != nil {
			return nil, false, err
		}

		h.assertNoLocksHeld()

		err = h.lock(0, s.mode)
		if err != nil {
			s.state = scanDone

			return nil, false, err
		}

		s.state = scanScanning
		s.partition = 0

		err = h.ensureCurrent()
		if err != nil {
			return nil, false, errors.Join(err, s.Close())
		}

		// No resize can start while any partition is held.
		s.sizeLog2 = h.sizeLog2
		s.nbuckets = uint64(1) << s.sizeLog2
		s.bucket = 0
		s.next = h.bucketHead(0)
	case scanScanning:
		s.retireCurrent()
	}

	for !s.next.Valid() {
		s.bucket++
		if s.bucket >= s.nbuckets {
			return nil, false, s.Close()
		}

		np := partitionForBucket(s.bucket, s.sizeLog2)
		if np != s.partition {
			err := h.lock(np, s.mode)
			if err != nil {
				return nil, false, errors.Join(err, s.Close())
			}

			err = h.unlock(s.partition)
			s.partition = np

			if err != nil {
				return nil, false, errors.Join(err, s.Close())
			}
		}

		s.next = h.bucketHead(s.bucket)
	}

	off := s.next

	// Cache the successor so deleting the returned item does not break
	// the walk.
	s.next = itemNext(h.area.Resolve(off))
	s.cur = &Item{h: h, off: off, partition: s.partition, mode: s.mode, scan: s}

	return s.cur, true, nil
}

// DeleteCurrent removes the item most recently returned by Next. The scan
// must be exclusive and positioned on an item.
func (s *Scan) DeleteCurrent() error {
	if s.state != scanScanning {
		panic("dshash: DeleteCurrent outside of a running scan")
	}

	if s.mode != fs.Exclusive {
		panic("dshash: DeleteCurrent on a shared scan")
	}

	if s.cur == nil {
		panic("dshash: DeleteCurrent without a current item")
	}

	off := s.cur.off
	s.retireCurrent()

	return s.h.deleteItem(s.partition, s.bucket, off)
}

// Close releases any held partition lock. Close is idempotent and may be
// called in any state.
func (s *Scan) Close() error {
	if s.state == scanDone {
		return nil
	}

	s.retireCurrent()

	wasScanning := s.state == scanScanning
	s.state = scanDone

	if wasScanning {
		return s.h.unlock(s.partition)
	}

	return nil
}

func (s *Scan) retireCurrent() {
	if s.cur != nil {
		s.cur.done = true
		s.cur = nil
	}
}

// Range runs fn for every item until fn returns false, then closes the scan.
// fn may call [Scan.DeleteCurrent] on s when exclusive is true.
func (h *Handle) Range(exclusive bool, fn func(s *Scan, it *Item) bool) (err error) {
	s := h.Scan(exclusive)

	defer func() {
		err = errors.Join(err, s.Close())
	}()

	for {
		it, ok, err := s.Next()
		if err != nil || !ok {
			return err
		}

		if !fn(s, it) {
			return nil
		}
	}
}
