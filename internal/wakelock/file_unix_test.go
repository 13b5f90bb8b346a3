//go:build unix

package wakelock

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileLockAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rcswitch.lock")
	l, err := New("file", path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := l.Acquire(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := l.Acquire(); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if !l.Held() {
		t.Fatal("expected held")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lock file not created: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if l.Held() {
		t.Fatal("single release should free the lock")
	}
	if err := l.Release(); err != nil {
		t.Fatalf("release of free lock: %v", err)
	}
}

func TestFileLockMissingDirectory(t *testing.T) {
	if _, err := NewFile(filepath.Join(t.TempDir(), "missing", "x.lock")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
