// dlist/patch.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package dlist

import (
	"fmt"
	"slices"
	"unsafe"

	"github.com/mmp/gfxthread/math"
	"github.com/mmp/gfxthread/props"
	"github.com/mmp/gfxthread/protocol"
	"github.com/mmp/gfxthread/renderer"
	"github.com/mmp/gfxthread/ringbuf"
	"github.com/mmp/gfxthread/util"
)

// Source says where a patch's value comes from when a list is replayed:
// either a named property, looked up in the current property sheet, or
// memory owned by the caller that was captured when the list was
// recorded.
type Source struct {
	Prop props.ID
	ptr  unsafe.Pointer
}

func Named(id props.ID) Source { return Source{Prop: id} }

// FloatPtr returns a Source that reads *p when the list is replayed; the
// same goes for the other *Ptr functions. The value must only be modified
// on the client thread.
func FloatPtr(p *float32) Source { return Source{ptr: unsafe.Pointer(p)} }

func VectorPtr(p *math.Vector4) Source { return Source{ptr: unsafe.Pointer(p)} }

func MatrixPtr(p *math.Matrix4) Source { return Source{ptr: unsafe.Pointer(p)} }

func TexEnvPtr(p *renderer.TexEnv) Source { return Source{ptr: unsafe.Pointer(p)} }

func BufferPtr(b []byte) Source { return Source{ptr: unsafe.Pointer(unsafe.SliceData(b))} }

func (s Source) IsNamed() bool { return s.ptr == nil }

func (s Source) String() string {
	if s.IsNamed() {
		return fmt.Sprintf("prop#%d", s.Prop)
	}
	return fmt.Sprintf("ptr:%p", s.ptr)
}

// Patch identifies a region of a recorded list whose value is filled in
// at replay time.
type Patch struct {
	Offset int
	Size   int
	Kind   props.Kind
	Source Source
}

func (p Patch) End() int { return p.Offset + p.Size }

// Value returns the current value for the patch. For named sources the
// result aliases the sheet's storage.
func (p Patch) Value(sheet *props.Sheet) []byte {
	if p.Source.IsNamed() {
		v := sheet.Bytes(p.Source.Prop)
		if len(v) != p.Size {
			panic(fmt.Sprintf("property %q is %d bytes, patch is %d", sheet.Name(p.Source.Prop), len(v), p.Size))
		}
		return v
	}
	return unsafe.Slice((*byte)(p.Source.ptr), p.Size)
}

// ValidatePatches checks that all of the patches are within a list of n
// bytes and that no two of them overlap. It sorts patches by offset.
func ValidatePatches(patches []Patch, n int) error {
	slices.SortFunc(patches, func(a, b Patch) int { return a.Offset - b.Offset })
	for i, p := range patches {
		if p.Offset < 0 || p.Size <= 0 || p.End() > n {
			return fmt.Errorf("patch at %d+%d outside %d byte list", p.Offset, p.Size, n)
		}
		if k := p.Kind.Size(); k != 0 && k != p.Size {
			return fmt.Errorf("%s patch at %d has size %d", p.Kind, p.Offset, p.Size)
		}
		if i > 0 && patches[i-1].End() > p.Offset {
			return fmt.Errorf("patches at %d and %d overlap", patches[i-1].Offset, p.Offset)
		}
	}
	return nil
}

// Resolve returns a copy of data with every patch's current value written
// into it. It has no side effects.
func Resolve(data []byte, patches []Patch, sheet *props.Sheet) []byte {
	r := slices.Clone(data)
	for _, p := range patches {
		copy(r[p.Offset:p.End()], p.Value(sheet))
	}
	return r
}

// ParamBlock returns a CallDisplayList parameter block holding the
// current value of every patch.
func ParamBlock(patches []Patch, sheet *props.Sheet) []byte {
	var block []byte
	for _, p := range patches {
		block = protocol.AppendParam(block, p.Offset, p.Value(sheet))
	}
	return block
}

// ParamValueOffsets returns, for each patch, the offset of its value
// within the block that ParamBlock would produce.
func ParamValueOffsets(patches []Patch) []int {
	offsets := make([]int, len(patches))
	off := 0
	for i, p := range patches {
		off += int(unsafe.Sizeof(protocol.ParamEntry{}))
		offsets[i] = off
		off += util.AlignUp(p.Size, ringbuf.Align)
	}
	return offsets
}
