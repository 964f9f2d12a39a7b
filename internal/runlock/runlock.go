// Package runlock provides the run-identity lock: one coordinator per task
// collection. The lock is an flock(2)-held file recording the run ID and
// PID, released on every exit path; because flock drops with the process,
// a crashed coordinator never leaves a stale lock behind.
package runlock

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

const lockFileName = "run.lock"

// Lock is the run-identity lock for a collection directory.
type Lock struct {
	path string
	file *os.File
}

// New creates a Lock for the given directory. The lock file is created
// inside dir as "run.lock". Call Acquire/Release around the run.
func New(dir string) *Lock {
	return &Lock{path: filepath.Join(dir, lockFileName)}
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// Acquire takes the lock without blocking and records the run identity.
// Returns an error naming the competing run if another coordinator holds
// the lock.
func (l *Lock) Acquire(runID string) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := readIdentity(f)
		_ = f.Close()
		if err == syscall.EWOULDBLOCK {
			if holder != "" {
				return fmt.Errorf("another run (%s) holds the lock at %s", holder, l.path)
			}
			return fmt.Errorf("another run holds the lock at %s", l.path)
		}
		return fmt.Errorf("flock: %w", err)
	}

	// Record identity for diagnostics; the flock itself is the exclusion.
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(fmt.Sprintf("%s pid=%d\n", runID, os.Getpid())), 0)
		_ = f.Sync()
	}

	l.file = f
	return nil
}

// Release drops the lock and removes the identity file. Safe to call when
// the lock was never acquired; intended for defer so every exit path,
// including cancellation, releases it.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}

	// Remove before unlocking so no window exists where the file is
	// unlocked but still claims an identity.
	_ = os.Remove(l.path)

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = l.file.Close()
		l.file = nil
		return fmt.Errorf("funlock: %w", err)
	}

	err := l.file.Close()
	l.file = nil
	return err
}

func readIdentity(f *os.File) string {
	buf := make([]byte, 128)
	n, err := f.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return ""
	}
	return strings.TrimSpace(string(buf[:n]))
}
