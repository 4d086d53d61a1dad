// Package lock provides the per-peer exchange lock. Each peer id maps to at
// most one holder inside the process, and optionally to an OS file lock so
// that the CLI and the server never exchange with the same peer at once.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/marcus/medsync/internal/syncerr"
)

// Registry hands out exchange locks keyed by peer id.
type Registry struct {
	mu   sync.Mutex
	held map[string]*fileLock
	dir  string
}

// NewRegistry returns a registry. When dir is non-empty, every lock is also
// backed by a file lock in dir, shared across processes.
func NewRegistry(dir string) *Registry {
	return &Registry{held: make(map[string]*fileLock), dir: dir}
}

// TryAcquire takes the lock for peerID without waiting. It fails with
// CannotRunParallel if an exchange with the peer is already running.
// The returned func releases the lock and is safe to call more than once.
func (r *Registry) TryAcquire(peerID string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.held[peerID]; busy {
		return nil, syncerr.New(syncerr.CannotRunParallel, "exchange with peer %s already running", peerID).
			With("peer_id", peerID)
	}

	var fl *fileLock
	if r.dir != "" {
		if err := os.MkdirAll(r.dir, 0755); err != nil {
			return nil, fmt.Errorf("create lock dir: %w", err)
		}
		fl = &fileLock{path: filepath.Join(r.dir, lockFileName(peerID))}
		if err := fl.tryAcquire(); err != nil {
			return nil, err
		}
	}
	r.held[peerID] = fl

	var once sync.Once
	return func() {
		once.Do(func() { r.release(peerID) })
	}, nil
}

// Held reports whether an exchange with peerID is in progress in this process.
func (r *Registry) Held(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.held[peerID]
	return ok
}

func (r *Registry) release(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fl := r.held[peerID]; fl != nil {
		fl.release()
	}
	delete(r.held, peerID)
}

func lockFileName(peerID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, peerID)
	return "exchange-" + safe + ".lock"
}

// fileLock is an exclusive OS lock on a file. The lock is released
// automatically when the process exits, including crashes.
type fileLock struct {
	path string
	file *os.File
}

func (l *fileLock) tryAcquire() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	l.file = f

	if err := l.tryLock(); err != nil {
		holder := l.readHolder()
		l.file.Close()
		l.file = nil
		return syncerr.New(syncerr.CannotRunParallel, "exchange lock %s is held by %s", filepath.Base(l.path), holder)
	}
	l.writeHolder()
	return nil
}

func (l *fileLock) release() {
	if l.file == nil {
		return
	}
	l.file.Truncate(0)
	l.unlock()
	l.file.Close()
	l.file = nil
}

// writeHolder writes current process info to the lock file for debugging.
func (l *fileLock) writeHolder() {
	l.file.Truncate(0)
	l.file.Seek(0, 0)
	fmt.Fprintf(l.file, "pid:%d\ntime:%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	l.file.Sync()
}

// readHolder reads the current holder info from the lock file.
func (l *fileLock) readHolder() string {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return "unknown"
	}

	var pid, timestamp string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if strings.HasPrefix(line, "pid:") {
			pid = strings.TrimPrefix(line, "pid:")
		} else if strings.HasPrefix(line, "time:") {
			timestamp = strings.TrimPrefix(line, "time:")
		}
	}
	if pid == "" {
		return "unknown"
	}

	pidInt, err := strconv.Atoi(pid)
	if err == nil && !isProcessAlive(pidInt) {
		return fmt.Sprintf("pid:%s since %s (STALE - process dead)", pid, timestamp)
	}
	return fmt.Sprintf("pid:%s since %s", pid, timestamp)
}

// tryLock and unlock are implemented in platform-specific files:
// - lock_unix.go for Unix systems (flock)
// - lock_windows.go for Windows (LockFileEx)
