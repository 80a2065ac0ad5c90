// renderer/trace.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package renderer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/mmp/gfxthread/log"
	"github.com/mmp/gfxthread/math"
)

var (
	ErrDeviceLost = errors.New("graphics device lost")
	ErrBadDesc    = errors.New("invalid resource descriptor")
)

// TraceObject is the Object type created by TraceDevice.
type TraceObject struct {
	ID        int
	Kind      string
	Desc      any
	Data      []byte
	Destroyed bool
}

func (o *TraceObject) String() string {
	return fmt.Sprintf("%s#%d", o.Kind, o.ID)
}

// TraceCall records a single Device method invocation.
type TraceCall struct {
	Op   string
	Args []any
}

type ConstantKey struct {
	Stage ShaderStage
	Slot  int
}

// TraceState is a snapshot of the state TraceDevice has been given.
type TraceState struct {
	Transforms     [NumTransforms]math.Matrix4
	Viewport       Viewport
	Scissor        Rect
	ScissorEnabled bool
	Wireframe      bool
	SRGBWrite      bool
	Color          RGBA
	Fog            FogDesc
	Blend          Object
	Depth          Object
	Raster         Object
	Combiner       Object
	Textures       [MaxTextureStages]Object
	TexEnv         [MaxTextureStages]TexEnv
	Constants      map[ConstantKey]any
	RenderTargets  []Object
	DepthTarget    Object
	ClearColor     RGBA
	InFrame        bool
}

// TraceDevice is a software Device that keeps track of the state it has
// been given and, optionally, a log of every call made to it. It does no
// rendering; ReadPixels returns the most recent clear color and compute
// dispatches add one to every byte of the bound buffers.
type TraceDevice struct {
	mu      sync.Mutex
	record  bool
	calls   []TraceCall
	state   TraceState
	objects []*TraceObject
	caps    Caps
	valid   bool
	stats   Stats
	lg      *log.Logger
}

func NewTraceDevice(record bool, lg *log.Logger) *TraceDevice {
	return &TraceDevice{
		record: record,
		state: TraceState{
			Transforms: [NumTransforms]math.Matrix4{math.Identity4x4(), math.Identity4x4(), math.Identity4x4()},
			Constants:  make(map[ConstantKey]any),
		},
		caps: Caps{
			MaxTextureSize:    4096,
			MaxTextureStages:  MaxTextureStages,
			MaxRenderTargets:  MaxRenderTargets,
			MaxComputeBuffers: MaxComputeBuffers,
			Compute:           true,
			SRGBWrite:         true,
		},
		valid: true,
		lg:    lg,
	}
}

func (d *TraceDevice) log(op string, args ...any) {
	if d.record {
		d.calls = append(d.calls, TraceCall{Op: op, Args: args})
	}
}

func (d *TraceDevice) newObject(kind string, desc any, size int) *TraceObject {
	obj := &TraceObject{ID: len(d.objects) + 1, Kind: kind, Desc: desc}
	if size > 0 {
		obj.Data = make([]byte, size)
	}
	d.objects = append(d.objects, obj)
	return obj
}

func traceObject(o Object) *TraceObject {
	if o == nil {
		return nil
	}
	t, ok := o.(*TraceObject)
	if !ok {
		panic(fmt.Sprintf("%T: not a TraceDevice object", o))
	}
	return t
}

// Calls returns a copy of the call log.
func (d *TraceDevice) Calls() []TraceCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.calls)
}

// Ops returns just the names of the logged calls, in order.
func (d *TraceDevice) Ops() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ops := make([]string, len(d.calls))
	for i, c := range d.calls {
		ops[i] = c.Op
	}
	return ops
}

func (d *TraceDevice) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}

func (d *TraceDevice) State() TraceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.state
	s.Constants = maps.Clone(d.state.Constants)
	s.RenderTargets = slices.Clone(d.state.RenderTargets)
	return s
}

func (d *TraceDevice) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Objects returns all of the objects the device has created, including
// destroyed ones.
func (d *TraceDevice) Objects() []*TraceObject {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.objects)
}

// Lose simulates the loss of the native device.
func (d *TraceDevice) Lose() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lg.Warn("trace device lost")
	d.valid = false
}

func (d *TraceDevice) SetCaps(c Caps) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.caps = c
}

///////////////////////////////////////////////////////////////////////////
// Device implementation

func (d *TraceDevice) BeginFrame() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("BeginFrame")
	if !d.valid {
		return ErrDeviceLost
	}
	d.state.InFrame = true
	return nil
}

func (d *TraceDevice) EndFrame() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("EndFrame")
	d.state.InFrame = false
	d.stats.Frames++
}

func (d *TraceDevice) Present() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("Present")
	if !d.valid {
		return ErrDeviceLost
	}
	return nil
}

func (d *TraceDevice) Clear(flags ClearFlags, color RGBA, depth float32, stencil uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("Clear", flags, color, depth, stencil)
	if flags&ClearColor != 0 {
		d.state.ClearColor = color
	}
}

func (d *TraceDevice) CreateBlendState(desc BlendDesc) (Object, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("CreateBlendState", desc)
	return d.newObject("blend", desc, 0), nil
}

func (d *TraceDevice) CreateDepthState(desc DepthDesc) (Object, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("CreateDepthState", desc)
	return d.newObject("depth", desc, 0), nil
}

func (d *TraceDevice) CreateRasterState(desc RasterDesc) (Object, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("CreateRasterState", desc)
	return d.newObject("raster", desc, 0), nil
}

func (d *TraceDevice) CreateTextureCombiner(desc CombinerDesc) (Object, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("CreateTextureCombiner", desc)
	if desc.NumStages == 0 || desc.NumStages > d.caps.MaxTextureStages {
		return nil, fmt.Errorf("%d combiner stages: %w", desc.NumStages, ErrBadDesc)
	}
	return d.newObject("combiner", desc, 0), nil
}

func (d *TraceDevice) setState(op string, dst *Object, o Object) {
	d.log(op, o)
	*dst = o
	d.stats.StateChanges++
}

func (d *TraceDevice) SetBlendState(o Object) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setState("SetBlendState", &d.state.Blend, o)
}

func (d *TraceDevice) SetDepthState(o Object) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setState("SetDepthState", &d.state.Depth, o)
}

func (d *TraceDevice) SetRasterState(o Object) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setState("SetRasterState", &d.state.Raster, o)
}

func (d *TraceDevice) SetTextureCombiner(o Object) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setState("SetTextureCombiner", &d.state.Combiner, o)
}

func (d *TraceDevice) SetTransform(kind TransformKind, m math.Matrix4) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("SetTransform", kind, m)
	d.state.Transforms[kind] = m
	d.stats.StateChanges++
}

func (d *TraceDevice) SetViewport(vp Viewport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("SetViewport", vp)
	d.state.Viewport = vp
}

func (d *TraceDevice) SetScissor(r Rect, enable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("SetScissor", r, enable)
	d.state.Scissor, d.state.ScissorEnabled = r, enable
}

func (d *TraceDevice) SetWireframe(w bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("SetWireframe", w)
	d.state.Wireframe = w
}

func (d *TraceDevice) SetSRGBWrite(s bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("SetSRGBWrite", s)
	d.state.SRGBWrite = s
}

func (d *TraceDevice) SetColor(c RGBA) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("SetColor", c)
	d.state.Color = c
}

func (d *TraceDevice) SetFog(f FogDesc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("SetFog", f)
	d.state.Fog = f
}

func (d *TraceDevice) SetRenderTargets(color []Object, depth Object) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("SetRenderTargets", slices.Clone(color), depth)
	d.state.RenderTargets = slices.Clone(color)
	d.state.DepthTarget = depth
}

func (d *TraceDevice) SetTexture(stage int, tex Object) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("SetTexture", stage, tex)
	d.state.Textures[stage] = tex
}

func (d *TraceDevice) SetTexEnv(stage int, env TexEnv) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("SetTexEnv", stage, env)
	d.state.TexEnv[stage] = env
}

func (d *TraceDevice) SetConstantFloat(stage ShaderStage, slot int, v float32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("SetConstantFloat", stage, slot, v)
	d.state.Constants[ConstantKey{stage, slot}] = v
}

func (d *TraceDevice) SetConstantVector(stage ShaderStage, slot int, v math.Vector4) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("SetConstantVector", stage, slot, v)
	d.state.Constants[ConstantKey{stage, slot}] = v
}

func (d *TraceDevice) SetConstantMatrix(stage ShaderStage, slot int, m math.Matrix4) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("SetConstantMatrix", stage, slot, m)
	d.state.Constants[ConstantKey{stage, slot}] = m
}

func (d *TraceDevice) SetConstantBuffer(stage ShaderStage, slot int, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("SetConstantBuffer", stage, slot, slices.Clone(data))
	d.state.Constants[ConstantKey{stage, slot}] = slices.Clone(data)
}

func (d *TraceDevice) CreateTexture(desc TextureDesc) (Object, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("CreateTexture", desc)
	if desc.Width == 0 || desc.Height == 0 || desc.Width > d.caps.MaxTextureSize || desc.Height > d.caps.MaxTextureSize {
		return nil, fmt.Errorf("%dx%d texture: %w", desc.Width, desc.Height, ErrBadDesc)
	}
	return d.newObject("texture", desc, int(desc.Width*desc.Height)*desc.Format.BytesPerPixel()), nil
}

func (d *TraceDevice) UploadTexture(tex Object, level int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("UploadTexture", tex, level, len(data))
	t := traceObject(tex)
	if level == 0 {
		copy(t.Data, data)
	}
	d.stats.Uploads++
	d.stats.UploadBytes += len(data)
	return nil
}

func (d *TraceDevice) CreateVBO(desc VBODesc) (Object, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("CreateVBO", desc)
	if desc.Size == 0 {
		return nil, fmt.Errorf("empty vertex buffer: %w", ErrBadDesc)
	}
	return d.newObject("vbo", desc, int(desc.Size)), nil
}

func (d *TraceDevice) UpdateVBO(vbo Object, offset int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("UpdateVBO", vbo, offset, len(data))
	v := traceObject(vbo)
	if offset+len(data) > len(v.Data) {
		return fmt.Errorf("update of %d bytes at %d overflows %s", len(data), offset, v)
	}
	copy(v.Data[offset:], data)
	d.stats.Uploads++
	d.stats.UploadBytes += len(data)
	return nil
}

func (d *TraceDevice) CreateRenderSurface(desc SurfaceDesc) (Object, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("CreateRenderSurface", desc)
	if desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("%dx%d surface: %w", desc.Width, desc.Height, ErrBadDesc)
	}
	return d.newObject("surface", desc, 0), nil
}

func (d *TraceDevice) CreateComputeBuffer(desc ComputeBufferDesc) (Object, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("CreateComputeBuffer", desc)
	if !d.caps.Compute {
		return nil, fmt.Errorf("compute unsupported: %w", ErrBadDesc)
	}
	return d.newObject("computebuffer", desc, int(desc.Size)), nil
}

func (d *TraceDevice) UpdateComputeBuffer(buf Object, offset int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("UpdateComputeBuffer", buf, offset, len(data))
	b := traceObject(buf)
	if offset+len(data) > len(b.Data) {
		return fmt.Errorf("update of %d bytes at %d overflows %s", len(data), offset, b)
	}
	copy(b.Data[offset:], data)
	d.stats.Uploads++
	d.stats.UploadBytes += len(data)
	return nil
}

func (d *TraceDevice) ReadComputeBuffer(buf Object, offset int, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("ReadComputeBuffer", buf, offset, len(dst))
	b := traceObject(buf)
	if offset+len(dst) > len(b.Data) {
		return fmt.Errorf("read of %d bytes at %d overflows %s", len(dst), offset, b)
	}
	copy(dst, b.Data[offset:])
	d.stats.Readbacks++
	return nil
}

func (d *TraceDevice) CreateComputeProgram(code []byte) (Object, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("CreateComputeProgram", len(code))
	if len(code) == 0 {
		return nil, fmt.Errorf("empty compute program: %w", ErrBadDesc)
	}
	return d.newObject("computeprogram", nil, 0), nil
}

func (d *TraceDevice) DispatchCompute(prog Object, buffers []Object, x, y, z uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("DispatchCompute", prog, slices.Clone(buffers), x, y, z)
	for _, b := range buffers {
		if tb := traceObject(b); tb != nil {
			for i := range tb.Data {
				tb.Data[i]++
			}
		}
	}
	d.stats.Dispatches++
}

func (d *TraceDevice) Destroy(o Object) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("Destroy", o)
	if t := traceObject(o); t != nil {
		if t.Destroyed {
			d.lg.Error("object destroyed twice", slog.String("object", t.String()))
		}
		t.Destroyed = true
	}
}

func (d *TraceDevice) Draw(prim Primitive, vbo Object, first, count int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("Draw", prim, vbo, first, count)
	d.stats.DrawCalls++
	d.stats.Vertices += count
}

func (d *TraceDevice) ReadPixels(r Rect, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("ReadPixels", r)
	n := r.Width() * r.Height()
	if n < 0 || len(dst) < 4*n {
		return fmt.Errorf("%d byte buffer too small for %dx%d pixels", len(dst), r.Width(), r.Height())
	}
	px := d.state.ClearColor.Packed()
	for i := range n {
		binary.LittleEndian.PutUint32(dst[4*i:], px)
	}
	d.stats.Readbacks++
	return nil
}

func (d *TraceDevice) Caps() Caps {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("Caps")
	return d.caps
}

func (d *TraceDevice) IsValid() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.valid
}

func (d *TraceDevice) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("Reset")
	d.valid = true
	// Dynamic vertex buffer contents don't survive a reset.
	for _, o := range d.objects {
		if desc, ok := o.Desc.(VBODesc); ok && desc.Dynamic {
			clear(o.Data)
		}
	}
	d.lg.Info("trace device reset")
	return nil
}

var _ Device = (*TraceDevice)(nil)
