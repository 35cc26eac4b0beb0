package ident

import "testing"

func TestRoundTrip(t *testing.T) {
	id, err := New("cc.omuchat", "chat", "messages")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	key := id.Key()
	parsed, err := Parse(key)
	if err != nil {
		t.Fatalf("Parse(%q): %v", key, err)
	}
	if !id.Equal(parsed) {
		t.Fatalf("round trip mismatch: %v != %v", id, parsed)
	}
}

func TestIsSubpartOf(t *testing.T) {
	parent := MustNew("x:svc", "data")
	parent.Namespace = "x" // normalize for readability below
	a := MustNew("x", "svc")
	b := MustNew("x", "svc", "data")
	c := MustNew("x", "svc", "data", "nested")
	other := MustNew("y", "svc")

	if !a.IsSubpartOf(a) {
		t.Error("reflexive: a should be subpart of itself")
	}
	if !b.IsSubpartOf(a) {
		t.Error("b should be a subpart of a")
	}
	if !c.IsSubpartOf(a) {
		t.Error("c should be a subpart of a (transitive)")
	}
	if a.IsSubpartOf(b) {
		t.Error("a should not be a subpart of its child b")
	}
	if other.IsSubpartOf(a) {
		t.Error("different namespace must not be a subpart")
	}
}

func TestJoin(t *testing.T) {
	base := MustNew("x", "svc")
	joined := base.Join("data", "items")
	want := MustNew("x", "svc", "data", "items")
	if !joined.Equal(want) {
		t.Fatalf("Join got %v want %v", joined, want)
	}
	// base must be unmodified (value semantics).
	if len(base.Path) != 1 {
		t.Fatalf("Join mutated receiver: %v", base)
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{"", "no-colon", "ns:", ":seg"}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Errorf("Parse(%q) expected error, got nil", c)
		}
	}
}
