// props/props.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// Package props holds named, live property values such as animated
// shader constants. Display lists refer to properties by ID and pick up
// their current values each time they are replayed.
package props

import (
	"fmt"
	"log/slog"

	"github.com/mmp/gfxthread/math"
	"github.com/mmp/gfxthread/renderer"
	"github.com/mmp/gfxthread/ringbuf"
)

type ID uint32

const Invalid ID = 0

// Kind is the type of a property value, which is also the type of the
// region a display list patch overwrites.
type Kind uint8

const (
	KindFloat Kind = iota
	KindVector
	KindMatrix
	KindBuffer
	KindTexEnv
)

func (k Kind) String() string {
	return [...]string{"float", "vector", "matrix", "buffer", "texenv"}[k]
}

// Size returns the size in bytes of a value of the given kind; buffers
// have no fixed size and return 0.
func (k Kind) Size() int {
	switch k {
	case KindFloat:
		return 4
	case KindVector:
		return 16
	case KindMatrix:
		return 64
	case KindTexEnv:
		return 24
	default:
		return 0
	}
}

type property struct {
	name string
	kind Kind
	data []byte
}

// Sheet is a set of named properties. It is only accessed from the client
// thread; every change bumps its generation so that cached resolutions
// can tell when they are stale.
type Sheet struct {
	names map[string]ID
	props []property
	gen   uint64
}

func NewSheet() *Sheet {
	return &Sheet{names: make(map[string]ID)}
}

// Define returns the ID of the named property, creating it with a zero
// value if it does not exist yet. size is only used for buffers.
func (s *Sheet) Define(name string, kind Kind, size int) ID {
	if id, ok := s.names[name]; ok {
		if p := s.props[id-1]; p.kind != kind {
			panic(fmt.Sprintf("property %q redefined as %s (was %s)", name, kind, p.kind))
		}
		return id
	}

	if kind != KindBuffer {
		size = kind.Size()
	}
	s.props = append(s.props, property{name: name, kind: kind, data: make([]byte, size)})
	id := ID(len(s.props))
	s.names[name] = id
	s.gen++
	return id
}

func (s *Sheet) Lookup(name string) (ID, bool) {
	id, ok := s.names[name]
	return id, ok
}

func (s *Sheet) get(id ID) *property {
	if id == Invalid || int(id) > len(s.props) {
		panic(fmt.Sprintf("invalid property id %d", id))
	}
	return &s.props[id-1]
}

func (s *Sheet) Name(id ID) string { return s.get(id).name }
func (s *Sheet) Kind(id ID) Kind   { return s.get(id).kind }

// Bytes returns the raw value of the property; the slice aliases the
// sheet's storage.
func (s *Sheet) Bytes(id ID) []byte { return s.get(id).data }

func (s *Sheet) Generation() uint64 { return s.gen }

func (s *Sheet) set(id ID, kind Kind) *property {
	p := s.get(id)
	if p.kind != kind {
		panic(fmt.Sprintf("property %q is a %s, not a %s", p.name, p.kind, kind))
	}
	s.gen++
	return p
}

func (s *Sheet) SetFloat(id ID, v float32) {
	ringbuf.PutValue(s.set(id, KindFloat).data, 0, &v)
}

func (s *Sheet) SetVector(id ID, v math.Vector4) {
	ringbuf.PutValue(s.set(id, KindVector).data, 0, &v)
}

func (s *Sheet) SetMatrix(id ID, m math.Matrix4) {
	ringbuf.PutValue(s.set(id, KindMatrix).data, 0, &m)
}

func (s *Sheet) SetTexEnv(id ID, env renderer.TexEnv) {
	ringbuf.PutValue(s.set(id, KindTexEnv).data, 0, &env)
}

func (s *Sheet) SetBuffer(id ID, b []byte) {
	p := s.set(id, KindBuffer)
	if len(b) != len(p.data) {
		panic(fmt.Sprintf("property %q: %d byte value for %d byte buffer", p.name, len(b), len(p.data)))
	}
	copy(p.data, b)
}

func (s *Sheet) Float(id ID) float32 {
	return ringbuf.GetValue[float32](s.get(id).data, 0)
}

func (s *Sheet) Vector(id ID) math.Vector4 {
	return ringbuf.GetValue[math.Vector4](s.get(id).data, 0)
}

func (s *Sheet) Matrix(id ID) math.Matrix4 {
	return ringbuf.GetValue[math.Matrix4](s.get(id).data, 0)
}

func (s *Sheet) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("properties", len(s.props)),
		slog.Uint64("generation", s.gen))
}
