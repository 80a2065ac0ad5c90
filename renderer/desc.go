// renderer/desc.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package renderer

// The descriptor types here are plain, comparable, pointer-free values:
// they are used as map keys for state-object deduplication and are copied
// byte-for-byte into command payloads.

const (
	MaxTextureStages  = 8
	MaxRenderTargets  = 4
	MaxComputeBuffers = 8
)

type BlendFactor uint8

const (
	BlendZero BlendFactor = iota
	BlendOne
	BlendSrcAlpha
	BlendOneMinusSrcAlpha
	BlendDstColor
	BlendOneMinusDstColor
)

type BlendOp uint8

const (
	BlendOpAdd BlendOp = iota
	BlendOpSubtract
	BlendOpMin
	BlendOpMax
)

type BlendDesc struct {
	Enable    bool
	Src, Dst  BlendFactor
	Op        BlendOp
	WriteMask uint8
}

type CompareFunc uint8

const (
	CompareNever CompareFunc = iota
	CompareLess
	CompareLessEqual
	CompareEqual
	CompareGreater
	CompareAlways
)

type DepthDesc struct {
	Test  bool
	Write bool
	Func  CompareFunc
}

type CullMode uint8

const (
	CullNone CullMode = iota
	CullFront
	CullBack
)

type RasterDesc struct {
	Cull      CullMode
	FrontCCW  bool
	DepthBias float32
}

type CombineOp uint8

const (
	CombineDisable CombineOp = iota
	CombineReplace
	CombineModulate
	CombineAdd
	CombineInterpolate
)

type CombineArg uint8

const (
	ArgTexture CombineArg = iota
	ArgPrevious
	ArgDiffuse
	ArgConstant
)

type CombinerStage struct {
	ColorOp, AlphaOp CombineOp
	Arg0, Arg1       CombineArg
}

// CombinerDesc describes a fixed-function texture combiner setup; creating
// one may require the device to compile something, so it is the one state
// object whose creation needs a reply from the device.
type CombinerDesc struct {
	NumStages uint32
	Stages    [MaxTextureStages]CombinerStage
}

type PixelFormat uint8

const (
	FormatRGBA8 PixelFormat = iota
	FormatBGRA8
	FormatR8
	FormatRGBA16F
	FormatRGBA32F
	FormatDepth24Stencil8
)

// BytesPerPixel returns the size of a single pixel of the given format.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case FormatR8:
		return 1
	case FormatRGBA16F:
		return 8
	case FormatRGBA32F:
		return 16
	default:
		return 4
	}
}

type TextureDesc struct {
	Width, Height uint32
	Levels        uint32
	Format        PixelFormat
	RenderTarget  bool
}

type VBODesc struct {
	Size    uint32
	Stride  uint32
	Dynamic bool
}

type SurfaceDesc struct {
	Width, Height uint32
	Format        PixelFormat
	Depth         bool
}

type ComputeBufferDesc struct {
	Size     uint32
	ReadBack bool
}

type Primitive uint8

const (
	PrimPoints Primitive = iota
	PrimLines
	PrimTriangles
	PrimTriangleStrip
)

func (p Primitive) String() string {
	return [...]string{"points", "lines", "triangles", "tristrip"}[p]
}

type TransformKind uint8

const (
	TransformWorld TransformKind = iota
	TransformView
	TransformProjection
	NumTransforms
)

func (t TransformKind) String() string {
	return [...]string{"world", "view", "projection"}[t]
}

type ShaderStage uint8

const (
	StageVertex ShaderStage = iota
	StageFragment
	StageCompute
	NumShaderStages
)

func (s ShaderStage) String() string {
	return [...]string{"vertex", "fragment", "compute"}[s]
}

type Viewport struct {
	X, Y, Width, Height int32
	MinZ, MaxZ          float32
}

type Rect struct {
	X0, Y0, X1, Y1 int32
}

func (r Rect) Width() int  { return int(r.X1 - r.X0) }
func (r Rect) Height() int { return int(r.Y1 - r.Y0) }

type FogMode uint8

const (
	FogNone FogMode = iota
	FogLinear
	FogExp
	FogExp2
)

type FogDesc struct {
	Mode       FogMode
	Color      RGBA
	Start, End float32
	Density    float32
}

type TexEnvMode uint32

const (
	TexEnvModulate TexEnvMode = iota
	TexEnvReplace
	TexEnvDecal
	TexEnvBlend
	TexEnvAdd
)

// TexEnv is the per-stage texture environment. It is one of the values a
// display list may leave unresolved until replay.
type TexEnv struct {
	Mode  TexEnvMode
	Color RGBA
	Scale float32
}

type ClearFlags uint32

const (
	ClearColor ClearFlags = 1 << iota
	ClearDepth
	ClearStencil
)

type Caps struct {
	MaxTextureSize    uint32
	MaxTextureStages  uint32
	MaxRenderTargets  uint32
	MaxComputeBuffers uint32
	Compute           bool
	SRGBWrite         bool
}
