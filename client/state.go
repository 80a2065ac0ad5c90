// client/state.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package client

import (
	"slices"

	"github.com/mmp/gfxthread/dlist"
	"github.com/mmp/gfxthread/handle"
	"github.com/mmp/gfxthread/math"
	"github.com/mmp/gfxthread/protocol"
	"github.com/mmp/gfxthread/renderer"
)

// shadow returns the shadow state that setters should update: the
// recording's while a display list is being recorded.
func (d *Device) shadow() *dlist.ShadowState {
	if d.rec != nil {
		return d.rec.State()
	}
	return &d.state
}

func (d *Device) dirty(m dlist.StateMask) {
	if d.rec != nil {
		d.rec.MarkDirty(m)
	}
}

// State returns a copy of the current shadow state.
func (d *Device) State() dlist.ShadowState { return d.shadow().Clone() }

func (d *Device) WorldMatrix() math.Matrix4 {
	return d.shadow().Transforms[renderer.TransformWorld]
}

func (d *Device) ViewMatrix() math.Matrix4 {
	return d.shadow().Transforms[renderer.TransformView]
}

func (d *Device) ProjectionMatrix() math.Matrix4 {
	return d.shadow().Transforms[renderer.TransformProjection]
}

func (d *Device) Viewport() renderer.Viewport { return d.shadow().Viewport }

// ScissorRect returns the scissor rectangle and whether scissoring is
// enabled.
func (d *Device) ScissorRect() (renderer.Rect, bool) {
	s := d.shadow()
	return s.Scissor, s.ScissorEnabled
}

func (d *Device) Wireframe() bool { return d.shadow().Wireframe }

func (d *Device) SRGBWrite() bool { return d.shadow().SRGBWrite }

func (d *Device) Color() renderer.RGBA { return d.shadow().Color }

func (d *Device) Fog() renderer.FogDesc { return d.shadow().Fog }

func (d *Device) RenderTargets() ([]handle.ID, handle.ID) {
	s := d.shadow()
	return slices.Clone(s.RenderTargets), s.DepthTarget
}

// StageActive reports whether any constants have been set for the given
// shader stage.
func (d *Device) StageActive(stage renderer.ShaderStage) bool {
	return d.shadow().ActiveStages&(1<<stage) != 0
}

///////////////////////////////////////////////////////////////////////////
// Fixed state

func (d *Device) setTransform(kind renderer.TransformKind, m math.Matrix4) {
	d.shadow().Transforms[kind] = m
	d.dirty(dlist.DirtyWorld << kind)
	tag := [...]protocol.Tag{protocol.CmdSetWorldMatrix, protocol.CmdSetViewMatrix, protocol.CmdSetProjectionMatrix}[kind]
	send(d, tag, &protocol.SetMatrix{M: m})
}

func (d *Device) SetWorldMatrix(m math.Matrix4)      { d.setTransform(renderer.TransformWorld, m) }
func (d *Device) SetViewMatrix(m math.Matrix4)       { d.setTransform(renderer.TransformView, m) }
func (d *Device) SetProjectionMatrix(m math.Matrix4) { d.setTransform(renderer.TransformProjection, m) }

func (d *Device) SetViewport(vp renderer.Viewport) {
	d.shadow().Viewport = vp
	d.dirty(dlist.DirtyViewport)
	send(d, protocol.CmdSetViewport, &protocol.SetViewport{Viewport: vp})
}

func (d *Device) SetScissorRect(r renderer.Rect) {
	s := d.shadow()
	s.Scissor, s.ScissorEnabled = r, true
	d.dirty(dlist.DirtyScissor)
	send(d, protocol.CmdSetScissorRect, &protocol.SetScissorRect{Rect: r})
}

func (d *Device) DisableScissor() {
	d.shadow().ScissorEnabled = false
	d.dirty(dlist.DirtyScissor)
	send(d, protocol.CmdDisableScissor, &protocol.DisableScissor{})
}

func (d *Device) SetWireframe(w bool) {
	d.shadow().Wireframe = w
	d.dirty(dlist.DirtyWireframe)
	send(d, protocol.CmdSetWireframe, &protocol.SetBool{Enable: w})
}

func (d *Device) SetSRGBWrite(s bool) {
	d.shadow().SRGBWrite = s
	d.dirty(dlist.DirtySRGBWrite)
	send(d, protocol.CmdSetSRGBWrite, &protocol.SetBool{Enable: s})
}

func (d *Device) SetColor(c renderer.RGBA) {
	d.shadow().Color = c
	d.dirty(dlist.DirtyColor)
	send(d, protocol.CmdSetColor, &protocol.SetColor{Color: c})
}

func (d *Device) SetFog(f renderer.FogDesc) {
	d.shadow().Fog = f
	d.dirty(dlist.DirtyFog)
	send(d, protocol.CmdSetFog, &protocol.SetFog{Fog: f})
}

// SetRenderTargets binds render surfaces; a nil color slice and an
// invalid depth handle restore the default framebuffer.
func (d *Device) SetRenderTargets(color []handle.ID, depth handle.ID) {
	if len(color) > renderer.MaxRenderTargets {
		panic("too many render targets")
	}
	s := d.shadow()
	s.RenderTargets, s.DepthTarget = slices.Clone(color), depth
	d.dirty(dlist.DirtyRenderTargets)

	p := protocol.SetRenderTargets{Count: uint32(len(color)), Depth: depth}
	copy(p.Color[:], color)
	send(d, protocol.CmdSetRenderTargets, &p)
}

func (d *Device) SetTexture(stage int, tex handle.ID) {
	send(d, protocol.CmdSetTexture, &protocol.SetTexture{Stage: uint32(stage), Texture: tex})
}

func (d *Device) SetTexEnv(stage int, env renderer.TexEnv) {
	send(d, protocol.CmdSetTexEnv, &protocol.SetTexEnv{Stage: uint32(stage), Env: env})
}

///////////////////////////////////////////////////////////////////////////
// State objects

// CreateBlendState returns the handle of a blend state with the given
// description, creating it only the first time that description is
// seen. Creating state objects does not affect a recording in progress.
func (d *Device) CreateBlendState(desc renderer.BlendDesc) handle.ID {
	if id, ok := d.blendStates[desc]; ok {
		return id
	}
	id := d.ids.CreateID()
	live(d, protocol.CmdCreateBlendState, &protocol.CreateBlendState{ID: id, Desc: desc})
	d.blendStates[desc] = id
	return id
}

func (d *Device) CreateDepthState(desc renderer.DepthDesc) handle.ID {
	if id, ok := d.depthStates[desc]; ok {
		return id
	}
	id := d.ids.CreateID()
	live(d, protocol.CmdCreateDepthState, &protocol.CreateDepthState{ID: id, Desc: desc})
	d.depthStates[desc] = id
	return id
}

func (d *Device) CreateRasterState(desc renderer.RasterDesc) handle.ID {
	if id, ok := d.rasterStates[desc]; ok {
		return id
	}
	id := d.ids.CreateID()
	live(d, protocol.CmdCreateRasterState, &protocol.CreateRasterState{ID: id, Desc: desc})
	d.rasterStates[desc] = id
	return id
}

// CreateTextureCombiner is like CreateBlendState, but the device may
// reject the description, in which case handle.Invalid is returned.
// Since that needs a reply from the worker, the first creation of a
// given combiner fails any recording in progress.
func (d *Device) CreateTextureCombiner(desc renderer.CombinerDesc) handle.ID {
	if id, ok := d.combiners[desc]; ok {
		return id
	}
	id := d.ids.CreateID()
	status, _ := request(d, protocol.CmdCreateTextureCombiner, &protocol.CreateTextureCombiner{ID: id, Desc: desc})
	if status != protocol.StatusOK {
		d.lg.Warnf("texture combiner with %d stages rejected by device", desc.NumStages)
		return handle.Invalid
	}
	d.combiners[desc] = id
	return id
}

func (d *Device) SetBlendState(id handle.ID) {
	send(d, protocol.CmdSetBlendState, &protocol.SetState{ID: id})
}

func (d *Device) SetDepthState(id handle.ID) {
	send(d, protocol.CmdSetDepthState, &protocol.SetState{ID: id})
}

func (d *Device) SetRasterState(id handle.ID) {
	send(d, protocol.CmdSetRasterState, &protocol.SetState{ID: id})
}

func (d *Device) SetTextureCombiner(id handle.ID) {
	send(d, protocol.CmdSetTextureCombiner, &protocol.SetState{ID: id})
}
