// handle/handle.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// Package handle provides the small integer IDs that stand in for device
// objects in command streams, and the tables that map them back.
package handle

import (
	"fmt"
	"iter"
	"maps"
	"sync/atomic"

	"golang.org/x/exp/constraints"
)

// ID identifies an object on the worker side. Zero is never allocated.
type ID uint32

const Invalid ID = 0

func (id ID) Valid() bool { return id != Invalid }

// Allocator hands out IDs. It is safe for concurrent use, though in
// practice IDs are allocated on the client thread.
type Allocator struct {
	next atomic.Uint32
}

func (a *Allocator) CreateID() ID {
	return ID(a.next.Add(1))
}

// Table maps IDs to values. It is not safe for concurrent use.
type Table[K constraints.Integer, V any] struct {
	name string
	m    map[K]V
}

func NewTable[K constraints.Integer, V any](name string) *Table[K, V] {
	return &Table[K, V]{name: name, m: make(map[K]V)}
}

func (t *Table[K, V]) Set(id K, v V) {
	if id == 0 {
		panic(fmt.Sprintf("%s: set of invalid id", t.name))
	}
	t.m[id] = v
}

// Get returns the value for id; a lookup of an id that was never set (or
// has been deleted) is a protocol error and panics.
func (t *Table[K, V]) Get(id K) V {
	v, ok := t.m[id]
	if !ok {
		panic(fmt.Sprintf("%s: stale or unknown id %d", t.name, id))
	}
	return v
}

func (t *Table[K, V]) Lookup(id K) (V, bool) {
	v, ok := t.m[id]
	return v, ok
}

// Delete removes id from the table and returns its value, if any.
func (t *Table[K, V]) Delete(id K) (V, bool) {
	v, ok := t.m[id]
	delete(t.m, id)
	return v, ok
}

func (t *Table[K, V]) Len() int {
	return len(t.m)
}

func (t *Table[K, V]) All() iter.Seq2[K, V] {
	return maps.All(t.m)
}

func (t *Table[K, V]) Name() string {
	return t.name
}
