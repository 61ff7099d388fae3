//go:build unix && !linux

package fs

import "golang.org/x/sys/unix"

// Classic POSIX record locks. Ownership is per process, so two RangeLockers
// in one process do not exclude each other, and closing any descriptor of the
// file drops all of the process's locks on it. Cross-process exclusion, which
// is what the shared table needs, is unaffected.
const (
	cmdSetLock     = unix.F_SETLK
	cmdSetLockWait = unix.F_SETLKW
)
