// renderer/device.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package renderer

import (
	"github.com/mmp/gfxthread/math"
)

// Object is an opaque resource owned by a Device: a state object, a
// texture, a buffer, and so forth. Device implementations define what it
// actually is; callers only hand it back to the same Device.
type Object any

// Device defines the interface to the native graphics device. All of its
// methods must be called from a single thread, the one that owns the
// native context. There is no requirement that the implementation be
// thread-safe.
type Device interface {
	// BeginFrame, EndFrame, and Present bracket the rendering of a frame.
	BeginFrame() error
	EndFrame()
	Present() error

	Clear(flags ClearFlags, color RGBA, depth float32, stencil uint32)

	// State-object factories and setters.
	CreateBlendState(BlendDesc) (Object, error)
	CreateDepthState(DepthDesc) (Object, error)
	CreateRasterState(RasterDesc) (Object, error)
	CreateTextureCombiner(CombinerDesc) (Object, error)
	SetBlendState(Object)
	SetDepthState(Object)
	SetRasterState(Object)
	SetTextureCombiner(Object)

	SetTransform(TransformKind, math.Matrix4)
	SetViewport(Viewport)
	SetScissor(r Rect, enable bool)
	SetWireframe(bool)
	SetSRGBWrite(bool)
	SetColor(RGBA)
	SetFog(FogDesc)
	SetRenderTargets(color []Object, depth Object)
	SetTexture(stage int, tex Object)
	SetTexEnv(stage int, env TexEnv)

	// Shader constants.
	SetConstantFloat(stage ShaderStage, slot int, v float32)
	SetConstantVector(stage ShaderStage, slot int, v math.Vector4)
	SetConstantMatrix(stage ShaderStage, slot int, m math.Matrix4)
	SetConstantBuffer(stage ShaderStage, slot int, data []byte)

	// Resources. Data slices are only valid for the duration of the call.
	CreateTexture(TextureDesc) (Object, error)
	UploadTexture(tex Object, level int, data []byte) error
	CreateVBO(VBODesc) (Object, error)
	UpdateVBO(vbo Object, offset int, data []byte) error
	CreateRenderSurface(SurfaceDesc) (Object, error)
	CreateComputeBuffer(ComputeBufferDesc) (Object, error)
	UpdateComputeBuffer(buf Object, offset int, data []byte) error
	ReadComputeBuffer(buf Object, offset int, dst []byte) error
	CreateComputeProgram(code []byte) (Object, error)
	DispatchCompute(prog Object, buffers []Object, x, y, z uint32)
	Destroy(Object)

	Draw(prim Primitive, vbo Object, first, count int)

	// ReadPixels copies the given region of the current color target into
	// dst as packed RGBA8.
	ReadPixels(r Rect, dst []byte) error

	Caps() Caps

	// IsValid reports whether the device is usable; it returns false after
	// the native device has been lost. Reset attempts to restore it.
	IsValid() bool
	Reset() error
}
