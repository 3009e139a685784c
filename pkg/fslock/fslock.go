package fslock

import (
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Lock is an advisory cross-process lock with a bounded lease, paired with an
// in-process mutex so it is re-entrant-safe across goroutines of one worker.
// Workers sharing a dependency cache over a shared filesystem wrap every
// read-modify-write of the cache state file in Acquire/Release.
type Lock struct {
	path  string
	lease time.Duration

	mu   sync.Mutex
	file *os.File
}

// New returns a lock backed by the file at path. lease bounds how long a
// single holder may keep the flock; it is never held indefinitely.
func New(path string, lease time.Duration) *Lock {
	return &Lock{path: path, lease: lease}
}

// Acquire takes the in-process mutex, then polls for the file lock until it
// is granted or the lease window elapses.
func (l *Lock) Acquire() error {
	l.mu.Lock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	deadline := time.Now().Add(l.lease)
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if err != unix.EWOULDBLOCK {
			f.Close()
			l.mu.Unlock()
			return fmt.Errorf("failed to flock %s: %w", l.path, err)
		}
		if time.Now().After(deadline) {
			f.Close()
			l.mu.Unlock()
			return fmt.Errorf("timed out acquiring lock %s after %s", l.path, l.lease)
		}
		time.Sleep(50 * time.Millisecond)
	}

	l.file = f
	return nil
}

// Release drops the file lock and the in-process mutex. Safe to call once
// per successful Acquire.
func (l *Lock) Release() error {
	var err error
	if l.file != nil {
		if ferr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); ferr != nil {
			err = fmt.Errorf("failed to unlock %s: %w", l.path, ferr)
		}
		l.file.Close()
		l.file = nil
	}
	l.mu.Unlock()
	return err
}

// With runs fn while holding the lock.
func (l *Lock) With(fn func() error) error {
	if err := l.Acquire(); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
