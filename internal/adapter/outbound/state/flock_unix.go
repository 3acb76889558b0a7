//go:build !windows

package state

import "golang.org/x/sys/unix"

// flockLock takes an exclusive advisory lock, blocking until available.
func flockLock(fd uintptr) error {
	return unix.Flock(int(fd), unix.LOCK_EX)
}

// flockUnlock releases the advisory lock.
func flockUnlock(fd uintptr) error {
	return unix.Flock(int(fd), unix.LOCK_UN)
}
