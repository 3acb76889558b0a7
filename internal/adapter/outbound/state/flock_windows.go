//go:build windows

package state

import "golang.org/x/sys/windows"

// LockFileEx with the exclusive flag blocks like LOCK_EX does on
// Unix, so the store's locking semantics hold on both platforms.
func flockLock(fd uintptr) error {
	var ol windows.Overlapped
	return windows.LockFileEx(windows.Handle(fd), windows.LOCKFILE_EXCLUSIVE_LOCK, 0, 1, 0, &ol)
}

func flockUnlock(fd uintptr) error {
	var ol windows.Overlapped
	return windows.UnlockFileEx(windows.Handle(fd), 0, 1, 0, &ol)
}
