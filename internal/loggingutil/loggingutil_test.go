package loggingutil

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	if got := Subsystem("capswitch", "", ".txn."); got != "capswitch.txn" {
		t.Fatalf("unexpected subsystem %q", got)
	}
	if got := Subsystem(); got != "" {
		t.Fatalf("expected empty subsystem, got %q", got)
	}
}

func TestWithSubsystemTagsEntries(t *testing.T) {
	var buf bytes.Buffer
	logger := WithSubsystem(pslog.NewStructured(context.Background(), &buf), "modem.sim")
	logger.Info("rcswitch.test")
	if !strings.Contains(buf.String(), "modem.sim") {
		t.Fatalf("expected subsystem in output, got %q", buf.String())
	}
}

func TestWithSubsystemNilLogger(t *testing.T) {
	logger := WithSubsystem(nil, "capswitch")
	if logger == nil {
		t.Fatal("expected a disabled logger")
	}
	logger.Info("discarded")
}
