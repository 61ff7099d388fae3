//go:build linux

package fs

import "golang.org/x/sys/unix"

// Open file description locks: ownership follows the descriptor.
const (
	cmdSetLock     = unix.F_OFD_SETLK
	cmdSetLockWait = unix.F_OFD_SETLKW
)
