//go:build windows

package lock

import (
	"golang.org/x/sys/windows"
)

// tryLock locks the first byte with LOCKFILE_FAIL_IMMEDIATELY so it never blocks.
func (l *fileLock) tryLock() error {
	ol := new(windows.Overlapped)
	return windows.LockFileEx(
		windows.Handle(l.file.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0, // reserved
		1, // lock 1 byte
		0, // high bits of length
		ol,
	)
}

func (l *fileLock) unlock() {
	ol := new(windows.Overlapped)
	windows.UnlockFileEx(windows.Handle(l.file.Fd()), 0, 1, 0, ol)
}

// isProcessAlive checks the exit code; STILL_ACTIVE (259) means running.
func isProcessAlive(pid int) bool {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false
	}
	return exitCode == 259
}
