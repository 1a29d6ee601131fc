package attr

import "testing"

func TestSetGet(t *testing.T) {
	bag := NewBag()
	key := NewKey[string]("user")

	if _, ok := Get(bag, key); ok {
		t.Fatal("Get on empty bag returned ok")
	}

	Set(bag, key, "alice")
	v, ok := Get(bag, key)
	if !ok || v != "alice" {
		t.Fatalf("Get = (%q, %v), want (alice, true)", v, ok)
	}

	Set(bag, key, "bob")
	if v, _ := Get(bag, key); v != "bob" {
		t.Errorf("after overwrite Get = %q, want bob", v)
	}
	if bag.Len() != 1 {
		t.Errorf("Len = %d, want 1", bag.Len())
	}
}

func TestSameNameDifferentTypes(t *testing.T) {
	bag := NewBag()
	sk := NewKey[string]("id")
	ik := NewKey[int]("id")

	Set(bag, sk, "s")
	Set(bag, ik, 7)

	if v, _ := Get(bag, sk); v != "s" {
		t.Errorf("string slot = %q, want s", v)
	}
	if v, _ := Get(bag, ik); v != 7 {
		t.Errorf("int slot = %d, want 7", v)
	}
	if bag.Len() != 2 {
		t.Errorf("Len = %d, want 2", bag.Len())
	}
}

func TestEqualKeysAlias(t *testing.T) {
	bag := NewBag()
	Set(bag, NewKey[int]("n"), 1)
	if v, ok := Get(bag, NewKey[int]("n")); !ok || v != 1 {
		t.Fatalf("separately constructed equal key did not alias: (%d, %v)", v, ok)
	}
}

func TestDeleteAndGetOr(t *testing.T) {
	bag := NewBag()
	key := NewKey[int]("count")

	if got := GetOr(bag, key, 42); got != 42 {
		t.Errorf("GetOr fallback = %d, want 42", got)
	}

	Set(bag, key, 3)
	if got := GetOr(bag, key, 42); got != 3 {
		t.Errorf("GetOr = %d, want 3", got)
	}

	Delete(bag, key)
	if _, ok := Get(bag, key); ok {
		t.Error("Get after Delete returned ok")
	}
}
