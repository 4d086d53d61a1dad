//go:build unix

package lock

import (
	"os"
	"syscall"
)

// tryLock attempts to acquire an exclusive lock without blocking.
func (l *fileLock) tryLock() error {
	return syscall.Flock(int(l.file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
}

func (l *fileLock) unlock() {
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
}

// isProcessAlive sends signal 0, since FindProcess always succeeds on Unix.
func isProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
