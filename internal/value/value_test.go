package value

import "testing"

func TestGetSetPath(t *testing.T) {
	root := Object().Set("customer", Object().Set("address", Object().Set("city", String("Seattle"))))

	got, ok := Get(root, "customer.address.city")
	if !ok || got.String() != "Seattle" {
		t.Fatalf("Get() = %v, %v, want Seattle, true", got, ok)
	}

	updated, err := SetPath(root, "customer.address.zip", String("98101"))
	if err != nil {
		t.Fatalf("SetPath() error = %v", err)
	}
	got, ok = Get(updated, "customer.address.zip")
	if !ok || got.String() != "98101" {
		t.Fatalf("Get() after SetPath = %v, %v, want 98101, true", got, ok)
	}
	// original tree must be unaffected (copy-on-write)
	if _, ok := Get(root, "customer.address.zip"); ok {
		t.Fatalf("original tree was mutated by SetPath")
	}
}

func TestGetMissingPath(t *testing.T) {
	root := Object().Set("a", Number(1))
	if _, ok := Get(root, "a.b.c"); ok {
		t.Fatalf("Get() through a scalar should fail")
	}
	if _, ok := Get(root, "missing"); ok {
		t.Fatalf("Get() of an absent field should fail")
	}
}

func TestListIndexPath(t *testing.T) {
	root := Object().Set("items", List([]Value{String("a"), String("b")}))
	got, ok := Get(root, "items.1")
	if !ok || got.String() != "b" {
		t.Fatalf("Get() list index = %v, %v, want b, true", got, ok)
	}

	updated, err := SetPath(root, "items.0", String("z"))
	if err != nil {
		t.Fatalf("SetPath() error = %v", err)
	}
	got, _ = Get(updated, "items.0")
	if got.String() != "z" {
		t.Fatalf("SetPath() on list index = %v, want z", got.String())
	}
}

func TestSetPathOutOfRange(t *testing.T) {
	root := Object().Set("items", List([]Value{String("a")}))
	if _, err := SetPath(root, "items.5", String("x")); err == nil {
		t.Fatalf("SetPath() with out-of-range index should error")
	}
}

func TestToGoFromGoRoundTrip(t *testing.T) {
	original := Object().
		Set("name", String("widget")).
		Set("count", Number(3)).
		Set("active", Bool(true)).
		Set("tags", List([]Value{String("a"), String("b")}))

	goVal := ToGo(original)
	back := FromGo(goVal)

	for _, path := range []string{"name", "count", "active", "tags.0", "tags.1"} {
		want, _ := Get(original, path)
		got, ok := Get(back, path)
		if !ok || got.Kind() != want.Kind() {
			t.Fatalf("round-trip mismatch at %q: got %v, want %v", path, got, want)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	original := Object().Set("nested", Object().Set("x", Number(1)))
	clone := original.Clone()
	mutated := clone.Set("nested", Object().Set("x", Number(2)))

	orig, _ := Get(original, "nested.x")
	got, _ := Get(mutated, "nested.x")
	if orig.Number() != 1 || got.Number() != 2 {
		t.Fatalf("Clone() did not isolate nested structures: orig=%v mutated=%v", orig.Number(), got.Number())
	}
}
