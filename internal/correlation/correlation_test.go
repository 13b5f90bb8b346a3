package correlation

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestWithAndID(t *testing.T) {
	ctx := With(context.Background(), "  req-42 ")
	if got := ID(ctx); got != "req-42" {
		t.Fatalf("unexpected id %q", got)
	}
}

func TestWithRejectsInvalidIDs(t *testing.T) {
	for _, id := range []string{"", "   ", "bad\nid", strings.Repeat("x", MaxIDLength+1)} {
		if got := ID(With(context.Background(), id)); got != "" {
			t.Fatalf("expected %q to be rejected, got %q", id, got)
		}
	}
}

func TestEnsureGeneratesUUIDv7(t *testing.T) {
	ctx, id := Ensure(context.Background())
	if ID(ctx) != id {
		t.Fatalf("context does not carry generated id")
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("parse generated id: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected UUIDv7, got version %d", parsed.Version())
	}
	again, same := Ensure(ctx)
	if same != id || ID(again) != id {
		t.Fatalf("Ensure replaced an existing id")
	}
}
