// dlist/state.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package dlist

import (
	"log/slog"
	"slices"

	"github.com/mmp/gfxthread/handle"
	"github.com/mmp/gfxthread/math"
	"github.com/mmp/gfxthread/renderer"

	"github.com/brunoga/deep"
)

// StateMask records which parts of a ShadowState have been changed.
type StateMask uint32

const (
	DirtyWorld StateMask = 1 << iota
	DirtyView
	DirtyProjection
	DirtyViewport
	DirtyScissor
	DirtyWireframe
	DirtySRGBWrite
	DirtyRenderTargets
	DirtyFog
	DirtyColor
	DirtyStages
)

// ShadowState is the client's copy of device state, maintained so that
// queries can be answered without a round trip to the worker. Display
// lists carry the parts of it they change so that calling a list updates
// the caller's shadow state to match what the worker will see.
type ShadowState struct {
	Transforms     [renderer.NumTransforms]math.Matrix4
	Viewport       renderer.Viewport
	Scissor        renderer.Rect
	ScissorEnabled bool
	Wireframe      bool
	SRGBWrite      bool
	RenderTargets  []handle.ID
	DepthTarget    handle.ID
	Fog            renderer.FogDesc
	Color          renderer.RGBA
	// Bit i is set if shader stage i has had constants set.
	ActiveStages uint8
}

func DefaultShadowState() ShadowState {
	return ShadowState{
		Transforms: [renderer.NumTransforms]math.Matrix4{math.Identity4x4(), math.Identity4x4(), math.Identity4x4()},
		Color:      renderer.RGBA{R: 1, G: 1, B: 1, A: 1},
	}
}

// Clone returns a deep copy of s.
func (s ShadowState) Clone() ShadowState {
	return deep.MustCopy(s)
}

// Apply copies the fields of src selected by mask into s.
func (s *ShadowState) Apply(src *ShadowState, mask StateMask) {
	for i, bit := range []StateMask{DirtyWorld, DirtyView, DirtyProjection} {
		if mask&bit != 0 {
			s.Transforms[i] = src.Transforms[i]
		}
	}
	if mask&DirtyViewport != 0 {
		s.Viewport = src.Viewport
	}
	if mask&DirtyScissor != 0 {
		s.Scissor, s.ScissorEnabled = src.Scissor, src.ScissorEnabled
	}
	if mask&DirtyWireframe != 0 {
		s.Wireframe = src.Wireframe
	}
	if mask&DirtySRGBWrite != 0 {
		s.SRGBWrite = src.SRGBWrite
	}
	if mask&DirtyRenderTargets != 0 {
		s.RenderTargets = slices.Clone(src.RenderTargets)
		s.DepthTarget = src.DepthTarget
	}
	if mask&DirtyFog != 0 {
		s.Fog = src.Fog
	}
	if mask&DirtyColor != 0 {
		s.Color = src.Color
	}
	if mask&DirtyStages != 0 {
		s.ActiveStages |= src.ActiveStages
	}
}

func (s ShadowState) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("viewport", s.Viewport),
		slog.Bool("scissor", s.ScissorEnabled),
		slog.Bool("wireframe", s.Wireframe),
		slog.Bool("srgb", s.SRGBWrite),
		slog.Int("render_targets", len(s.RenderTargets)),
		slog.Any("color", s.Color),
		slog.Int("active_stages", int(s.ActiveStages)))
}
