package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/rcswitch"
	"pkt.systems/rcswitch/api"
)

func newTestRoot(t *testing.T) *cobra.Command {
	t.Helper()
	t.Setenv("RCSWITCH_CONFIG_DIR", t.TempDir())
	viper.Reset()
	t.Cleanup(viper.Reset)
	return newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
}

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := newTestRoot(t)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestInvocationTargetsRootCommand(t *testing.T) {
	root := newTestRoot(t)
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--phones", "3"}, want: true},
		{name: "root flag with equals", args: []string{"--modem=http"}, want: true},
		{name: "root shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "global client shorthand with value", args: []string{"-s", "127.0.0.1:9380"}, want: true},
		{name: "subcommand", args: []string{"status"}, want: false},
		{name: "subcommand after root flag", args: []string{"--config", "/tmp/cfg.yaml", "status"}, want: false},
		{name: "nested subcommand", args: []string{"config", "gen"}, want: false},
		{name: "unknown shorthand no subcommand", args: []string{"-z"}, want: true},
		{name: "unknown shorthand before subcommand", args: []string{"-z", "status"}, want: false},
		{name: "unknown long before subcommand", args: []string{"--bogus", "watch"}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := invocationTargetsRootCommand(root, tc.args)
			if got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestRootHasGlobalClientShorthands(t *testing.T) {
	root := newTestRoot(t)
	if flag := root.PersistentFlags().ShorthandLookup("v"); flag == nil || flag.Name != "verbose" {
		t.Fatalf("expected global -v shorthand for --verbose, got %#v", flag)
	}
	if flag := root.PersistentFlags().ShorthandLookup("s"); flag == nil || flag.Name != "server" {
		t.Fatalf("expected global -s shorthand for --server, got %#v", flag)
	}
	if flag := root.PersistentFlags().Lookup("phones"); flag != nil {
		t.Fatalf("expected --phones to be root-only, got %#v", flag)
	}
}

func TestBindConfigFromFlags(t *testing.T) {
	root := newTestRoot(t)
	err := root.ParseFlags([]string{
		"--phones", "3",
		"--initial-raf", "LTE,GSM|GPRS",
		"--aliases", "10=2",
		"--sim-fail", "1:apply:drop",
		"--wakelock", "NONE",
		"--txn-timeout", "5s",
	})
	if err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	var cfg rcswitch.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	want := []api.RadioAccessFamily{api.RAFLTE, api.RAFGSM | api.RAFGPRS}
	if !reflect.DeepEqual(cfg.InitialRAF, want) {
		t.Fatalf("initial raf %v want %v", cfg.InitialRAF, want)
	}
	if cfg.Phones != 3 || cfg.WakeLock != rcswitch.WakeLockNone || cfg.TxnTimeout.String() != "5s" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestBindConfigRejectsUnknownTechnology(t *testing.T) {
	root := newTestRoot(t)
	if err := root.ParseFlags([]string{"--initial-raf", "LTE|WIMAX"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	var cfg rcswitch.Config
	err := bindConfig(&cfg)
	if err == nil || !strings.Contains(err.Error(), "initial-raf") {
		t.Fatalf("expected initial-raf error, got %v", err)
	}
}

func TestGeneratedConfigLoadsAndValidates(t *testing.T) {
	root := newTestRoot(t)
	data, err := defaultConfigYAML(func(d *configDefaults) {
		d.Phones = 3
		d.InitialRAF = []string{"LTE", "GROUP_GSM", "NR"}
		d.ModemIDs = nil
		d.WakeLock = rcswitch.WakeLockNone
	})
	if err != nil {
		t.Fatalf("defaultConfigYAML: %v", err)
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := root.ParseFlags([]string{"--config", path}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	loaded, err := loadConfigFile()
	if err != nil {
		t.Fatalf("loadConfigFile: %v", err)
	}
	if loaded != path {
		t.Fatalf("loaded %q want %q", loaded, path)
	}
	var cfg rcswitch.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Phones != 3 || cfg.InitialRAF[2] != api.RAFNR || cfg.WakeLock != rcswitch.WakeLockNone {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadConfigFileMissingExplicitPath(t *testing.T) {
	root := newTestRoot(t)
	if err := root.ParseFlags([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml")}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if _, err := loadConfigFile(); err == nil {
		t.Fatal("expected error for explicit missing config file")
	}
}

func TestSubmainInvalidFlagLikeTokenBeforeSubcommand(t *testing.T) {
	t.Setenv("RCSWITCH_CONFIG_DIR", t.TempDir())
	viper.Reset()
	t.Cleanup(viper.Reset)
	origArgs := os.Args
	defer func() { os.Args = origArgs }()
	os.Args = []string{"rcswitch", "-z", "status"}

	stderr := captureStderr(t, func() {
		if exitCode := submain(context.Background()); exitCode != 1 {
			t.Fatalf("submain() exitCode=%d want 1", exitCode)
		}
	})
	if !strings.Contains(stderr, "unknown shorthand flag") {
		t.Fatalf("expected parser failure routed to stderr, got %q", stderr)
	}
}

func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	os.Stderr = w
	defer func() {
		os.Stderr = orig
	}()

	done := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(r)
		done <- string(data)
	}()

	fn()
	_ = w.Close()
	return <-done
}
