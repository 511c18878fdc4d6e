package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
)

// TestGeneratorNewID ensures generated IDs are unique and valid UUIDs.
func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	id2, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected unique IDs, got %s and %s", id1, id2)
	}
	parsed, err := goUUID.Parse(id1)
	if err != nil {
		t.Fatalf("id1 not valid UUID: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
}

func TestGeneratorCompact(t *testing.T) {
	t.Parallel()

	id, err := NewCompact().NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	if !ValidCompact(id) {
		t.Fatalf("expected 32 hex chars, got %q", id)
	}
	if _, err := goUUID.Parse(id); err != nil {
		t.Fatalf("compact id should still parse: %v", err)
	}
	for _, bad := range []string{"", "../etc", "ABCDEF0123456789ABCDEF0123456789", id + "0"} {
		if ValidCompact(bad) {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}
