package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"pkt.systems/rcswitch"
)

func TestConfigGenStdout(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var doc configDefaults
	if err := yaml.Unmarshal([]byte(stdout), &doc); err != nil {
		t.Fatalf("parse generated yaml: %v", err)
	}
	if doc.Listen != rcswitch.DefaultListen || doc.Phones != rcswitch.DefaultPhones {
		t.Fatalf("unexpected defaults %+v", doc)
	}
	if len(doc.InitialRAF) != rcswitch.DefaultPhones || doc.InitialRAF[0] != rcswitch.DefaultRAF.String() {
		t.Fatalf("unexpected initial-raf %v", doc.InitialRAF)
	}
}

func TestConfigGenWritesFileAndRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	stdout, _, err := executeRootCommand(t, "config", "gen", "--out", path)
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if !strings.Contains(stdout, path) {
		t.Fatalf("unexpected output %q", stdout)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stat generated file: %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", path); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", path, "--force"); err != nil {
		t.Fatalf("config gen --force: %v", err)
	}
}

func TestConfigGenDefaultsToConfigDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RCSWITCH_CONFIG_DIR", dir)
	if _, _, err := executeRootCommand(t, "config", "gen"); err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, rcswitch.DefaultConfigFileName)); err != nil {
		t.Fatalf("expected config in %s: %v", dir, err)
	}
}

func TestConfigGenRejectsStdoutWithOut(t *testing.T) {
	_, _, err := executeRootCommand(t, "config", "gen", "--stdout", "--out", "x.yaml")
	if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Fatalf("expected mutually exclusive error, got %v", err)
	}
}
