package wakelock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// File holds an exclusive advisory lock on a file while acquired, so
// cooperating processes on the host can see that a reassignment is in flight.
type File struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// NewFile returns a File lock on path. The parent directory must exist.
func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("wakelock: lock file path required")
	}
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("wakelock: lock directory: %w", err)
	}
	return &File{path: path}, nil
}

// Path returns the lock file path.
func (l *File) Path() string { return l.path }

func (l *File) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f != nil {
		return nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("wakelock: open %s: %w", l.path, err)
	}
	if err := tryLockFile(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("wakelock: lock %s: %w", l.path, err)
	}
	l.f = f
	return nil
}

func (l *File) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	uerr := unlockFile(l.f)
	cerr := l.f.Close()
	l.f = nil
	if uerr != nil {
		return fmt.Errorf("wakelock: unlock %s: %w", l.path, uerr)
	}
	return cerr
}

func (l *File) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f != nil
}
