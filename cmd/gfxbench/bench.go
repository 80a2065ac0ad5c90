// cmd/gfxbench/bench.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package main

import (
	"fmt"
	gomath "math"
	"os"

	"github.com/mmp/gfxthread/client"
	"github.com/mmp/gfxthread/dlist"
	"github.com/mmp/gfxthread/handle"
	"github.com/mmp/gfxthread/math"
	"github.com/mmp/gfxthread/props"
	"github.com/mmp/gfxthread/renderer"
)

const (
	vboSize  = 64 << 10
	texSize  = 64
	viewSize = 1024
)

// bench draws a grid of objects that share a material, either with
// immediate calls or through display lists whose parameters come from
// the property sheet.
type bench struct {
	d        *client.Device
	objects  int
	readback bool

	vbo, tex handle.ID
	blend    handle.ID
	depth    handle.ID
	combiner handle.ID
	vertices []byte

	model, tint, fade props.ID
	material, object  *dlist.DisplayList
}

func newBench(d *client.Device, objects int, useLists, readback bool) *bench {
	b := &bench{d: d, objects: objects, readback: readback}

	b.vbo = d.CreateVBO(renderer.VBODesc{Size: vboSize, Stride: 16, Dynamic: true})
	b.vertices = make([]byte, vboSize/4)
	b.tex = d.CreateTexture(renderer.TextureDesc{Width: texSize, Height: texSize, Levels: 1})
	d.UploadTexture(b.tex, 0, make([]byte, texSize*texSize*4))
	b.blend = d.CreateBlendState(renderer.BlendDesc{Enable: true, Src: renderer.BlendSrcAlpha,
		Dst: renderer.BlendOneMinusSrcAlpha})
	b.depth = d.CreateDepthState(renderer.DepthDesc{Test: true, Write: true, Func: renderer.CompareLess})
	b.combiner = d.CreateTextureCombiner(renderer.CombinerDesc{NumStages: 1})

	sheet := d.Sheet()
	b.model = sheet.Define("model", props.KindMatrix, 0)
	b.tint = sheet.Define("tint", props.KindVector, 0)
	b.fade = sheet.Define("fade", props.KindTexEnv, 0)

	if useLists {
		b.record()
	}
	return b
}

func (b *bench) setMaterial() {
	d := b.d
	d.SetBlendState(b.blend)
	d.SetDepthState(b.depth)
	d.SetTextureCombiner(b.combiner)
	d.SetTexture(0, b.tex)
	d.SetTexEnvParam(0, dlist.Named(b.fade))
}

func (b *bench) drawObject() {
	d := b.d
	d.SetShaderParam(renderer.StageVertex, 0, props.KindMatrix, 0, dlist.Named(b.model))
	d.SetShaderParam(renderer.StageFragment, 0, props.KindVector, 0, dlist.Named(b.tint))
	d.Draw(renderer.PrimTriangles, b.vbo, 0, 36)
}

func (b *bench) record() {
	d := b.d
	if err := d.BeginRecording(); err != nil {
		panic(err)
	}
	b.setMaterial()
	b.material = d.EndRecording()

	if err := d.BeginRecording(); err != nil {
		panic(err)
	}
	if b.material != nil {
		d.CallDisplayList(b.material)
	} else {
		b.setMaterial()
	}
	b.drawObject()
	b.object = d.EndRecording()
}

func (b *bench) frame(n int) error {
	d := b.d
	sheet := d.Sheet()
	t := float32(n) / 60

	d.BeginFrame()
	d.SetViewport(renderer.Viewport{Width: viewSize, Height: viewSize, MaxZ: 1})
	d.SetProjectionMatrix(math.Identity4x4().Ortho(0, viewSize, 0, viewSize, -1, 1))
	d.SetViewMatrix(math.Identity4x4().Translate(0, 0, -t))
	d.Clear(renderer.ClearColor|renderer.ClearDepth, renderer.RGBA{R: 0.1, G: 0.1, B: 0.1, A: 1}, 1, 0)

	b.vertices[n%len(b.vertices)]++
	d.UpdateVBO(b.vbo, 0, b.vertices)
	sheet.SetTexEnv(b.fade, renderer.TexEnv{Mode: renderer.TexEnvModulate, Scale: 0.5 + 0.5*sin(t)})

	if b.object == nil {
		b.setMaterial()
	}
	side := int(gomath.Ceil(gomath.Sqrt(float64(b.objects))))
	for i := range b.objects {
		x, y := float32(i%side), float32(i/side)
		sheet.SetMatrix(b.model, math.Identity4x4().Translate(x*16, y*16, 0).RotateZ(t+x))
		sheet.SetVector(b.tint, math.Vector4{x / float32(side), y / float32(side), sin(t), 1})
		if b.object != nil {
			d.CallDisplayList(b.object)
		} else {
			b.drawObject()
		}
	}

	d.EndFrame()
	d.PresentFrame()

	if b.readback {
		px, err := d.ReadPixels(renderer.Rect{X1: 16, Y1: 16})
		if err != nil {
			return err
		}
		if len(px) != 16*16*4 {
			return fmt.Errorf("%d bytes of pixels, expected %d", len(px), 16*16*4)
		}
	}
	if n%60 == 59 && !d.IsDeviceValid() {
		if err := d.ResetDevice(); err != nil {
			return err
		}
		d.UpdateVBO(b.vbo, 0, b.vertices)
	}
	return nil
}

func (b *bench) save(path string) error {
	if b.object == nil {
		return fmt.Errorf("%s: no display list to save", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := b.object.Save(f, b.d.Sheet()); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}

func (b *bench) release() {
	for _, l := range []*dlist.DisplayList{b.object, b.material} {
		if l != nil {
			l.Release()
		}
	}
	b.d.DestroyTexture(b.tex)
	b.d.DestroyVBO(b.vbo)
}

func sin(t float32) float32 { return float32(gomath.Sin(float64(t))) }
