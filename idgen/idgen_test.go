package idgen

import (
	"strings"
	"testing"
)

func TestUUIDv7_Format(t *testing.T) {
	id := UUIDv7()()
	if len(id) != 36 || strings.Count(id, "-") != 4 {
		t.Fatalf("UUIDv7: unexpected format %q", id)
	}
	if id[14] != '7' {
		t.Fatalf("UUIDv7: version nibble %q, want 7", id[14])
	}
}

func TestUUIDv7_Sortable(t *testing.T) {
	// WHAT: Successive ids sort in generation order.
	// WHY: Change history is ordered by id.
	gen := UUIDv7()
	prev := gen()
	for i := 0; i < 100; i++ {
		next := gen()
		if next <= prev {
			t.Fatalf("not monotonic: %q then %q", prev, next)
		}
		prev = next
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("chg_", UUIDv7())()
	if !strings.HasPrefix(id, "chg_") {
		t.Fatalf("missing prefix: %q", id)
	}
	if _, err := Parse(id); err != nil {
		t.Fatalf("Parse(%q): %v", id, err)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse("chg_not-a-uuid"); err == nil {
		t.Fatal("expected error")
	}
}
