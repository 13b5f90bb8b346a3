package phone

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/pslog"
)

func TestParseAliases(t *testing.T) {
	got, err := ParseAliases([]string{"10=0", " 11 = 1 ", ""})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got[10] != 0 || got[11] != 1 || len(got) != 2 {
		t.Fatalf("unexpected aliases %v", got)
	}
	for _, bad := range []string{"10", "a=0", "10=b"} {
		if _, err := ParseAliases([]string{bad}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestAliasesResolve(t *testing.T) {
	a := NewAliases(map[int]int{10: 0, 11: 1})
	if a.Resolve(10) != 0 || a.Resolve(11) != 1 || a.Resolve(2) != 2 {
		t.Fatalf("unexpected resolution %v", a.Snapshot())
	}
	a.Replace(map[int]int{10: 1, 12: 0})
	if a.Resolve(10) != 1 || a.Resolve(11) != 1 || a.Resolve(12) != 0 {
		t.Fatalf("file layer not applied: %v", a.Snapshot())
	}
	a.Replace(nil)
	if a.Resolve(10) != 0 || a.Resolve(12) != 12 {
		t.Fatalf("file layer not cleared: %v", a.Snapshot())
	}
	var nilAliases *Aliases
	if nilAliases.Resolve(5) != 5 {
		t.Fatal("nil aliases should be identity")
	}
}

func TestAliasesValidate(t *testing.T) {
	a := NewAliases(map[int]int{10: 3})
	if err := a.Validate(2); err == nil {
		t.Fatal("expected out of range alias error")
	}
	if err := a.Validate(4); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadAliasFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aliases.yaml")
	if err := os.WriteFile(path, []byte("aliases:\n  10: 0\n  11: 1\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := LoadAliasFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got[10] != 0 || got[11] != 1 {
		t.Fatalf("unexpected aliases %v", got)
	}
	if err := os.WriteFile(path, []byte("aliases: [\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadAliasFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestWatchFileReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aliases.yaml")
	if err := os.WriteFile(path, []byte("aliases:\n  10: 0\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	a := NewAliases(nil)
	logger := pslog.NewStructured(context.Background(), io.Discard)
	if err := a.WatchFile(ctx, path, 2, logger); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if a.Resolve(10) != 0 {
		t.Fatalf("initial load missing: %v", a.Snapshot())
	}
	if err := os.WriteFile(path, []byte("aliases:\n  10: 1\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for a.Resolve(10) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("alias file change not picked up: %v", a.Snapshot())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatchFileRejectsOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aliases.yaml")
	if err := os.WriteFile(path, []byte("aliases:\n  10: 5\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	a := NewAliases(nil)
	if err := a.WatchFile(context.Background(), path, 2, nil); err == nil {
		t.Fatal("expected validation error")
	}
}
