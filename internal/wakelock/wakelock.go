// Package wakelock provides the keep-awake resource held for the duration of
// a capability reassignment. Acquire and Release are not reference counted:
// a second Acquire on a held lock is a no-op and one Release frees it.
package wakelock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
)

// Lock is a non-reference-counted keep-awake resource.
type Lock interface {
	Acquire() error
	Release() error
	Held() bool
}

// Local is an in-process lock that records state and counters only. It is
// the default on hosts without a kernel wakelock interface.
type Local struct {
	held     atomic.Bool
	acquires atomic.Int64
	releases atomic.Int64
}

// NewLocal returns an unheld Local lock.
func NewLocal() *Local { return &Local{} }

func (l *Local) Acquire() error {
	if l.held.CompareAndSwap(false, true) {
		l.acquires.Add(1)
	}
	return nil
}

func (l *Local) Release() error {
	if l.held.CompareAndSwap(true, false) {
		l.releases.Add(1)
	}
	return nil
}

func (l *Local) Held() bool { return l.held.Load() }

// Acquires returns how many times the lock went from free to held.
func (l *Local) Acquires() int64 { return l.acquires.Load() }

// Releases returns how many times the lock went from held to free.
func (l *Local) Releases() int64 { return l.releases.Load() }

// Noop never holds anything.
type Noop struct{}

func (Noop) Acquire() error { return nil }
func (Noop) Release() error { return nil }
func (Noop) Held() bool     { return false }

// DefaultSysfsRoot is where the kernel exposes the wakelock control files.
const DefaultSysfsRoot = "/sys/power"

// Sysfs drives a named kernel wakelock by writing to wake_lock and
// wake_unlock under Root.
type Sysfs struct {
	root string
	name string

	mu   sync.Mutex
	held bool
}

// NewSysfs returns a Sysfs lock. An empty root uses DefaultSysfsRoot.
func NewSysfs(root, name string) (*Sysfs, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("wakelock: name required")
	}
	if strings.ContainsAny(name, " \t\n") {
		return nil, fmt.Errorf("wakelock: name %q must not contain whitespace", name)
	}
	if root == "" {
		root = DefaultSysfsRoot
	}
	if _, err := os.Stat(filepath.Join(root, "wake_lock")); err != nil {
		return nil, fmt.Errorf("wakelock: sysfs interface unavailable: %w", err)
	}
	return &Sysfs{root: root, name: name}, nil
}

func (s *Sysfs) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held {
		return nil
	}
	if err := s.write("wake_lock"); err != nil {
		return err
	}
	s.held = true
	return nil
}

func (s *Sysfs) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.held {
		return nil
	}
	if err := s.write("wake_unlock"); err != nil {
		return err
	}
	s.held = false
	return nil
}

func (s *Sysfs) Held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

func (s *Sysfs) write(file string) error {
	f, err := os.OpenFile(filepath.Join(s.root, file), os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("wakelock: open %s: %w", file, err)
	}
	_, werr := f.WriteString(s.name)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("wakelock: write %s: %w", file, werr)
	}
	if cerr != nil {
		return fmt.Errorf("wakelock: close %s: %w", file, cerr)
	}
	return nil
}

// New constructs a lock by kind: "local", "sysfs", "file" or "none". target
// is the kernel wakelock name for sysfs and the lock file path for file.
func New(kind, target string) (Lock, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "local":
		return NewLocal(), nil
	case "sysfs":
		return NewSysfs("", target)
	case "file":
		return NewFile(target)
	case "none":
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("wakelock: unknown kind %q", kind)
	}
}
