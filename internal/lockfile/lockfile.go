// Package lockfile implements the marker-file lock that keeps two backup runs from
// overlapping. The lock is advisory: the file is never inspected for a pid, so a lock
// left behind by a crashed run has to be removed by the operator.
package lockfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

var (
	// ErrLocked is returned when the marker file already exists
	ErrLocked = errors.New("lock file already present")
	// ErrNotLocked is returned when unlocking a lock that is not held
	ErrNotLocked = errors.New("lock file not present")
)

// Lock is a single marker file; its existence means a run is in progress
type Lock struct {
	path string
}

func New(path string) *Lock {
	return &Lock{path: path}
}

// Path returns the marker file location
func (l *Lock) Path() string { return l.path }

// Locked reports whether the marker file exists
func (l *Lock) Locked() (bool, error) {
	_, err := os.Stat(l.path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat lock file: %w", err)
}

// Lock creates the marker file. It fails with ErrLocked if the file exists.
// Creation is a single create-exclusive open, so two racing callers cannot both succeed.
func (l *Lock) Lock() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrLocked
		}
		return fmt.Errorf("create lock file: %w", err)
	}

	// Informational only; nothing reads it back.
	host, _ := os.Hostname()
	_, werr := fmt.Fprintf(f, "locked\npid=%d\nhost=%s\nsince=%s\n", os.Getpid(), host, time.Now().Format(time.RFC3339))
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(l.path)
		return fmt.Errorf("write lock file: %w", errors.Join(werr, cerr))
	}
	return nil
}

// TryLock acquires the lock if it is free. It returns false, nil when another holder exists.
func (l *Lock) TryLock() (bool, error) {
	err := l.Lock()
	if errors.Is(err, ErrLocked) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Unlock removes the marker file. It fails with ErrNotLocked if the file is absent.
func (l *Lock) Unlock() error {
	err := os.Remove(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotLocked
	}
	if err != nil {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}
