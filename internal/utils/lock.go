package utils

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const (
	lockFileSuffix = ".lock"
)

// WriteLock is a cross-process file lock guarding writes to a store.
type WriteLock struct {
	lock *flock.Flock
	path string
}

// NewWriteLock creates a lock next to the given store path.
func NewWriteLock(storePath string) (*WriteLock, error) {
	absPath, err := filepath.Abs(storePath)
	if err != nil {
		return nil, fmt.Errorf("could not get absolute store path: %w", err)
	}
	lockPath := absPath + lockFileSuffix
	return &WriteLock{
		lock: flock.New(lockPath),
		path: lockPath,
	}, nil
}

// Path returns the lock file location.
func (l *WriteLock) Path() string { return l.path }

// Lock acquires the lock, waiting if necessary.
// It will print a message if it has to wait.
func (l *WriteLock) Lock() error {
	locked, err := l.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock on %s: %w", l.path, err)
	}

	if !locked {
		fmt.Fprintf(os.Stderr, "Another menurecon process is writing, waiting for it to finish...\n")
		if err := l.lock.Lock(); err != nil {
			return fmt.Errorf("failed to acquire lock on %s after waiting: %w", l.path, err)
		}
	}
	return nil
}

// Unlock releases the lock.
func (l *WriteLock) Unlock() error {
	if err := l.lock.Unlock(); err != nil {
		// Suppress error if the lock file doesn't exist, as it means we don't hold the lock.
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to release lock on %s: %w", l.path, err)
	}
	return nil
}

// GetAbsDBPath resolves the SQLite database path. Postgres DSNs are
// returned unchanged.
func GetAbsDBPath(dbPath string) (string, error) {
	if IsPostgresDSN(dbPath) {
		return dbPath, nil
	}
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".config", "menurecon", "menurecon.sqlite"), nil
	}
	return filepath.Abs(dbPath)
}

// DefaultLockPath derives the override lock location from the DB setting.
// Postgres deployments lock a file in the user's config directory.
func DefaultLockPath(dbPath string) (string, error) {
	if IsPostgresDSN(dbPath) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".config", "menurecon", "overrides"), nil
	}
	return GetAbsDBPath(dbPath)
}
