package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by the non-blocking lock calls when another
// owner holds a conflicting lock.
var ErrWouldBlock = errors.New("lock would block")

// errLockFileReplaced means the lock file at the path is no longer the inode
// that was flocked.
var errLockFileReplaced = errors.New("lock file replaced")

// LockSuffix is appended to a segment path to name its creation lock file.
const LockSuffix = ".lock"

const (
	lockFilePerm = 0o600
	lockDirPerm  = 0o755
)

// Locker serializes creation of segment files across processes.
//
// Creating a segment writes a temp file and renames it into place. Two
// processes doing that at once would each map their own inode, so creators
// first take an exclusive flock(2) on the sibling file <segment>.lock and
// then check again whether the segment exists. The lock file is never
// removed; deleting it while a creator waits is detected because the waiter
// compares the inode it locked with whatever the path names now, and starts
// over on a mismatch.
//
// Attaching to an existing segment needs no creation lock.
type Locker struct {
	fs    FS
	flock func(fd int, how int) error
}

// NewLocker returns a Locker that opens lock files through fsys.
func NewLocker(fsys FS) *Locker {
	return &Locker{fs: fsys, flock: unix.Flock}
}

// Lock is a held creation lock.
type Lock struct {
	mu    sync.Mutex
	file  File
	flock func(fd int, how int) error
}

// Close unlocks and closes the lock file. Close is idempotent.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	fd := int(lk.file.Fd())

	var errs []error

	err := retryEINTR(func() error { return lk.flock(fd, unix.LOCK_UN) })
	if err != nil {
		errs = append(errs, fmt.Errorf("unlocking lock: %w", err))
	}

	err = lk.file.Close()
	if err != nil {
		errs = append(errs, fmt.Errorf("closing lock fd: %w", err))
	}

	lk.file = nil

	return errors.Join(errs...)
}

// Lock blocks until the creation lock of segment is held. The lock file and
// any missing parent directories are created.
func (l *Locker) Lock(segment string) (*Lock, error) {
	return l.lock(segment+LockSuffix, unix.LOCK_EX)
}

// TryLock takes the creation lock of segment if it is free, and returns
// [ErrWouldBlock] if another creator holds it.
func (l *Locker) TryLock(segment string) (*Lock, error) {
	return l.lock(segment+LockSuffix, unix.LOCK_EX|unix.LOCK_NB)
}

func (l *Locker) lock(path string, how int) (*Lock, error) {
	for {
		file, err := l.openLockFile(path)
		if err != nil {
			return nil, fmt.Errorf("opening lockfile: %w", err)
		}

		err = l.flockCurrent(file, path, how)

		switch {
		case err == nil:
			return &Lock{file: file, flock: l.flock}, nil
		case errors.Is(err, errLockFileReplaced):
			_ = file.Close()
		default:
			_ = file.Close()

			return nil, err
		}
	}
}

// flockCurrent flocks file, then makes sure path still names it. The lock is
// dropped again if it does not.
func (l *Locker) flockCurrent(file File, path string, how int) error {
	fd := int(file.Fd())

	err := retryEINTR(func() error { return l.flock(fd, how) })
	if isWouldBlock(err) {
		return ErrWouldBlock
	}

	if err != nil {
		return fmt.Errorf("flock %q: %w", path, err)
	}

	current, err := l.isCurrent(file, path)
	if err == nil && current {
		return nil
	}

	_ = retryEINTR(func() error { return l.flock(fd, unix.LOCK_UN) })

	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking lock file %q: %w", path, err)
	}

	return errLockFileReplaced
}

// isCurrent reports whether path still refers to the open file.
func (l *Locker) isCurrent(file File, path string) (bool, error) {
	held, err := file.Stat()
	if err != nil {
		return false, err
	}

	named, err := l.fs.Stat(path)
	if err != nil {
		return false, err
	}

	return os.SameFile(held, named), nil
}

func (l *Locker) openLockFile(path string) (File, error) {
	f, err := l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
	if !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	err = l.fs.MkdirAll(filepath.Dir(path), lockDirPerm)
	if err != nil {
		return nil, err
	}

	return l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES)
}

// retryEINTR repeats a lock syscall interrupted by a signal, a bounded
// number of times.
func retryEINTR(call func() error) error {
	const maxAttempts = 10000

	var err error

	for range maxAttempts {
		err = call()
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
