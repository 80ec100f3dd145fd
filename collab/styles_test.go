package collab

import "testing"

func TestColorForIsDeterministic(t *testing.T) {
	a := ColorFor("user-123")
	for i := 0; i < 10; i++ {
		if got := ColorFor("user-123"); got != a {
			t.Fatalf("color changed between calls: %s vs %s", a, got)
		}
	}
	found := false
	for _, c := range palette {
		if c == a {
			found = true
		}
	}
	if !found {
		t.Fatalf("color %s not from the palette", a)
	}
}

func TestStyleRegistryDeduplicatesByUser(t *testing.T) {
	r := NewStyleRegistry()
	first := r.Ensure("u1", "Ada")
	again := r.Ensure("u1", "Ada (second window)")
	if first != again {
		t.Fatal("same user should reuse the existing rule")
	}
	r.Ensure("u2", "Grace")
	if r.Len() != 2 {
		t.Fatalf("expected 2 rules, got %d", r.Len())
	}

	rules := r.Rules()
	if rules[0].UserID != "u1" || rules[1].UserID != "u2" {
		t.Fatalf("rules out of appearance order: %+v", rules)
	}
}
