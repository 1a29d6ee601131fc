// Package attr provides a typed attribute bag keyed by name and static
// type. Two keys with the same name but different payload types address
// different slots. Bags are not safe for concurrent mutation; callers that
// share a bag across goroutines must coordinate.
package attr

import "reflect"

// Key addresses a slot of type T in a Bag. Keys with equal names and equal
// type parameters address the same slot.
type Key[T any] struct {
	name string
}

// NewKey returns a key for values of type T under the given name.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

// Name returns the key's name.
func (k Key[T]) Name() string { return k.name }

type slot struct {
	name string
	typ  reflect.Type
}

// Bag holds per-request or per-session attributes.
type Bag struct {
	values map[slot]any
}

// NewBag returns an empty bag.
func NewBag() *Bag {
	return &Bag{}
}

// Set stores value under key, replacing any previous value.
func Set[T any](b *Bag, key Key[T], value T) {
	if b.values == nil {
		b.values = make(map[slot]any, 4)
	}
	b.values[slot{key.name, typeOf[T]()}] = value
}

// Get returns the value stored under key.
func Get[T any](b *Bag, key Key[T]) (T, bool) {
	v, ok := b.values[slot{key.name, typeOf[T]()}]
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// GetOr returns the value stored under key, or fallback when absent.
func GetOr[T any](b *Bag, key Key[T], fallback T) T {
	if v, ok := Get(b, key); ok {
		return v
	}
	return fallback
}

// Delete removes the value stored under key.
func Delete[T any](b *Bag, key Key[T]) {
	delete(b.values, slot{key.name, typeOf[T]()})
}

// Len returns the number of stored attributes.
func (b *Bag) Len() int { return len(b.values) }

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
