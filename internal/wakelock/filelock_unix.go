//go:build unix

package wakelock

import (
	"os"

	"golang.org/x/sys/unix"
)

// tryLockFile takes an exclusive advisory lock without waiting.
func tryLockFile(f *os.File) error {
	flock := unix.Flock_t{Type: unix.F_WRLCK, Whence: int16(0)}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLK, &flock)
}

func unlockFile(f *os.File) error {
	flock := unix.Flock_t{Type: unix.F_UNLCK, Whence: int16(0)}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLK, &flock)
}
