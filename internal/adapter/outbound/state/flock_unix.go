//go:build !windows

package state

import "syscall"

// lockFile takes an exclusive advisory lock shared with other latch
// processes touching the same credentials file.
func lockFile(fd uintptr) error {
	return syscall.Flock(int(fd), syscall.LOCK_EX)
}

func unlockFile(fd uintptr) error {
	return syscall.Flock(int(fd), syscall.LOCK_UN)
}
