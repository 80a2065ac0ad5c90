// protocol/payload.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package protocol

import (
	"github.com/mmp/gfxthread/handle"
	"github.com/mmp/gfxthread/math"
	"github.com/mmp/gfxthread/renderer"
)

// Streamed payloads implement StreamLen so that generic code can find out
// how much data follows them.
type Streamer interface {
	StreamLen() uint32
}

///////////////////////////////////////////////////////////////////////////
// Frame lifecycle and control

type BeginFrame struct{}
type EndFrame struct{}
type PresentFrame struct{}
type Quit struct{}
type AcquireThread struct{}
type EndOfList struct{}

type Clear struct {
	Flags   renderer.ClearFlags
	Color   renderer.RGBA
	Depth   float32
	Stencil uint32
}

///////////////////////////////////////////////////////////////////////////
// State objects

type CreateBlendState struct {
	ID   handle.ID
	Desc renderer.BlendDesc
}

type CreateDepthState struct {
	ID   handle.ID
	Desc renderer.DepthDesc
}

type CreateRasterState struct {
	ID   handle.ID
	Desc renderer.RasterDesc
}

type CreateTextureCombiner struct {
	ID   handle.ID
	Desc renderer.CombinerDesc
}

// SetState binds a previously-created state object.
type SetState struct {
	ID handle.ID
}

///////////////////////////////////////////////////////////////////////////
// Fixed state

type SetMatrix struct {
	M math.Matrix4
}

type SetViewport struct {
	Viewport renderer.Viewport
}

type SetScissorRect struct {
	Rect renderer.Rect
}

type DisableScissor struct{}

type SetBool struct {
	Enable bool
}

type SetColor struct {
	Color renderer.RGBA
}

type SetFog struct {
	Fog renderer.FogDesc
}

type SetRenderTargets struct {
	Count uint32
	Color [renderer.MaxRenderTargets]handle.ID
	Depth handle.ID
}

type SetTexture struct {
	Stage   uint32
	Texture handle.ID
}

type SetTexEnv struct {
	Stage uint32
	Env   renderer.TexEnv
}

///////////////////////////////////////////////////////////////////////////
// Shader constants

type SetConstantFloat struct {
	Stage renderer.ShaderStage
	Slot  uint32
	Value float32
}

type SetConstantVector struct {
	Stage renderer.ShaderStage
	Slot  uint32
	Value math.Vector4
}

type SetConstantMatrix struct {
	Stage renderer.ShaderStage
	Slot  uint32
	Value math.Matrix4
}

type SetConstantBuffer struct {
	DataLen uint32
	Stage   renderer.ShaderStage
	Slot    uint32
}

func (p *SetConstantBuffer) StreamLen() uint32 { return p.DataLen }

///////////////////////////////////////////////////////////////////////////
// Resources

type Destroy struct {
	ID handle.ID
}

type CreateTexture struct {
	ID   handle.ID
	Desc renderer.TextureDesc
}

type UploadTexture struct {
	DataLen uint32
	ID      handle.ID
	Level   uint32
}

func (p *UploadTexture) StreamLen() uint32 { return p.DataLen }

type CreateVBO struct {
	ID   handle.ID
	Desc renderer.VBODesc
}

// UpdateBuffer writes streamed data into a vertex or compute buffer.
type UpdateBuffer struct {
	DataLen uint32
	ID      handle.ID
	Offset  uint32
}

func (p *UpdateBuffer) StreamLen() uint32 { return p.DataLen }

type CreateRenderSurface struct {
	ID   handle.ID
	Desc renderer.SurfaceDesc
}

type CreateComputeBuffer struct {
	ID   handle.ID
	Desc renderer.ComputeBufferDesc
}

type ReadComputeBuffer struct {
	ID     handle.ID
	Offset uint32
	Size   uint32
}

type CreateComputeProgram struct {
	DataLen uint32
	ID      handle.ID
}

func (p *CreateComputeProgram) StreamLen() uint32 { return p.DataLen }

type DispatchCompute struct {
	Program    handle.ID
	NumBuffers uint32
	Buffers    [renderer.MaxComputeBuffers]handle.ID
	X, Y, Z    uint32
}

type Draw struct {
	Prim  renderer.Primitive
	VBO   handle.ID
	First uint32
	Count uint32
}

///////////////////////////////////////////////////////////////////////////
// Readbacks and queries

type ReadPixels struct {
	Rect renderer.Rect
}

type Query struct{}

// Status values carried in replies.
const (
	StatusOK uint32 = iota
	StatusFailed
)

// Reply is written to the reply transport by commands with the Reply
// flag; for readbacks DataLen bytes of streamed data follow it.
type Reply struct {
	DataLen uint32
	Status  uint32
}

func (p *Reply) StreamLen() uint32 { return p.DataLen }

type CapsReply struct {
	Caps renderer.Caps
}

///////////////////////////////////////////////////////////////////////////
// Display lists

// CreateDisplayList uploads the bytes of a recorded list to the worker.
type CreateDisplayList struct {
	DataLen uint32
	ID      handle.ID
}

func (p *CreateDisplayList) StreamLen() uint32 { return p.DataLen }

// CallDisplayList runs a list that was uploaded with CreateDisplayList.
// The streamed data is a parameter block: a sequence of ParamEntry
// headers, each followed by Size bytes of value padded to 8 bytes, that
// are written into a copy of the list before it runs.
type CallDisplayList struct {
	DataLen uint32
	List    handle.ID
}

func (p *CallDisplayList) StreamLen() uint32 { return p.DataLen }

type ParamEntry struct {
	Offset uint32
	Size   uint32
}
