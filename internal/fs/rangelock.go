package fs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrLockerClosed is returned by [RangeLocker] methods after Close.
var ErrLockerClosed = errors.New("range locker closed")

// LockMode selects between shared (reader) and exclusive (writer) range locks.
type LockMode int

const (
	// Shared allows any number of concurrent shared holders.
	Shared LockMode = iota + 1
	// Exclusive excludes every other holder, shared or exclusive.
	Exclusive
)

func (m LockMode) String() string {
	switch m {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("LockMode(%d)", int(m))
	}
}

// RangeLocker takes fcntl(2) byte-range locks on a shared file through its
// own open file description.
//
// Each lock covers exactly one byte at the given offset, so a file can host
// any number of independent reader/writer locks. The lock word is simply a
// byte of the file; nothing is ever written to it.
//
// On Linux the locks are open file description locks (F_OFD_SETLKW): the
// owner is the RangeLocker, not the process. Two RangeLockers in the same
// process exclude each other exactly like two processes do. On other Unix
// systems classic POSIX record locks are used and all RangeLockers of one
// process share ownership; see rangelock_other.go.
//
// A RangeLocker does not track what it holds. Locking a byte it already holds
// converts the lock mode instead of blocking, so callers must do their own
// bookkeeping. Methods are safe to call from multiple goroutines, but the
// lock ownership semantics above still apply.
type RangeLocker struct {
	mu   sync.RWMutex
	file File
	path string
}

// OpenRangeLocker opens path read-write and returns a locker bound to that new
// open file description. The file must already exist.
func OpenRangeLocker(fsys FS, path string) (*RangeLocker, error) {
	file, err := fsys.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %q for range locking: %w", path, err)
	}

	return &RangeLocker{file: file, path: path}, nil
}

// Path returns the path of the locked file.
func (rl *RangeLocker) Path() string {
	return rl.path
}

// Lock blocks until the byte at off is locked in mode.
func (rl *RangeLocker) Lock(off int64, mode LockMode) error {
	return rl.setLock(off, lockTypeFor(mode), cmdSetLockWait)
}

// TryLock locks the byte at off in mode, or returns [ErrWouldBlock] if a
// conflicting lock is held by another owner.
func (rl *RangeLocker) TryLock(off int64, mode LockMode) error {
	return rl.setLock(off, lockTypeFor(mode), cmdSetLock)
}

// Unlock releases the lock on the byte at off. Unlocking a byte that is not
// locked is a no-op at the kernel level.
func (rl *RangeLocker) Unlock(off int64) error {
	return rl.setLock(off, unix.F_UNLCK, cmdSetLock)
}

// Close closes the file description, which drops every lock it holds.
// Close is idempotent.
func (rl *RangeLocker) Close() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.file == nil {
		return nil
	}

	err := rl.file.Close()
	rl.file = nil

	if err != nil {
		return fmt.Errorf("closing range locker %q: %w", rl.path, err)
	}

	return nil
}

func (rl *RangeLocker) setLock(off int64, lockType int16, cmd int) error {
	if off < 0 {
		return fmt.Errorf("negative lock offset %d", off)
	}

	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if rl.file == nil {
		return ErrLockerClosed
	}

	lk := unix.Flock_t{
		Type:   lockType,
		Whence: io.SeekStart,
		Start:  off,
		Len:    1,
	}

	fd := rl.file.Fd()

	err := retryEINTR(func() error { return unix.FcntlFlock(fd, cmd, &lk) })
	if err != nil {
		if cmd == cmdSetLock && isWouldBlock(err) {
			return ErrWouldBlock
		}

		return fmt.Errorf("fcntl lock %q@%d: %w", rl.path, off, err)
	}

	return nil
}

func lockTypeFor(mode LockMode) int16 {
	switch mode {
	case Shared:
		return unix.F_RDLCK
	case Exclusive:
		return unix.F_WRLCK
	default:
		panic(fmt.Sprintf("fs: invalid lock mode %d", int(mode)))
	}
}
