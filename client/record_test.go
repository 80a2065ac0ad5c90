// client/record_test.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package client

import (
	"bytes"
	"errors"
	"testing"

	"github.com/mmp/gfxthread/dlist"
	"github.com/mmp/gfxthread/math"
	"github.com/mmp/gfxthread/props"
	"github.com/mmp/gfxthread/protocol"
	"github.com/mmp/gfxthread/renderer"
)

func beginRecording(t *testing.T, d *Device) {
	t.Helper()
	if err := d.BeginRecording(); err != nil {
		t.Fatalf("BeginRecording: %v", err)
	}
}

func endRecording(t *testing.T, d *Device) *dlist.DisplayList {
	t.Helper()
	l := d.EndRecording()
	if l == nil {
		t.Fatalf("recording failed")
	}
	return l
}

func constant(h *harness, stage renderer.ShaderStage, slot int) any {
	return h.dev.State().Constants[renderer.ConstantKey{Stage: stage, Slot: slot}]
}

func TestNestedDisplayLists(t *testing.T) {
	forEachMode(t, func(t *testing.T, h *harness) {
		d := h.d
		sheet := d.Sheet()
		alpha := sheet.Define("alpha", props.KindFloat, 0)
		tint := sheet.Define("tint", props.KindTexEnv, 0)
		scale := float32(1)
		vbo := d.CreateVBO(renderer.VBODesc{Size: 36})
		red := renderer.RGBA{R: 1, A: 1}
		world := math.Identity4x4().Translate(0, 0, -5)

		beginRecording(t, d)
		d.SetShaderParam(renderer.StageFragment, 0, props.KindFloat, 0, dlist.Named(alpha))
		d.SetShaderParam(renderer.StageVertex, 1, props.KindFloat, 0, dlist.FloatPtr(&scale))
		d.SetTexEnvParam(0, dlist.Named(tint))
		d.SetColor(red)
		d.Draw(renderer.PrimTriangles, vbo, 0, 3)
		inner := endRecording(t, d)

		beginRecording(t, d)
		d.SetWorldMatrix(world)
		d.CallDisplayList(inner)
		d.Draw(renderer.PrimLines, vbo, 0, 2)
		middle := endRecording(t, d)

		beginRecording(t, d)
		d.CallDisplayList(middle)
		d.CallDisplayList(middle)
		outer := endRecording(t, d)

		// Recording changes neither the device nor the shadow state.
		h.sync(t)
		if h.dev.Stats().DrawCalls != 0 {
			t.Errorf("recording reached the device")
		}
		if d.Color() != dlist.DefaultShadowState().Color || d.StageActive(renderer.StageFragment) {
			t.Errorf("recording changed the shadow state")
		}

		for i, v := range []float32{0.25, 0.75} {
			sheet.SetFloat(alpha, v)
			env := renderer.TexEnv{Mode: renderer.TexEnvAdd, Scale: v}
			sheet.SetTexEnv(tint, env)
			scale = 2 * v

			d.CallDisplayList(outer)
			h.sync(t)

			if got := constant(h, renderer.StageFragment, 0); got != v {
				t.Errorf("call %d: named constant = %v, want %v", i, got, v)
			}
			if got := constant(h, renderer.StageVertex, 1); got != 2*v {
				t.Errorf("call %d: direct constant = %v, want %v", i, got, 2*v)
			}
			st := h.dev.State()
			if st.TexEnv[0] != env {
				t.Errorf("call %d: texenv = %+v, want %+v", i, st.TexEnv[0], env)
			}
			if st.Color != red || st.Transforms[renderer.TransformWorld] != world {
				t.Errorf("call %d: device state %v / %v", i, st.Color, st.Transforms[renderer.TransformWorld])
			}
			if n := h.dev.Stats().DrawCalls; n != 4*(i+1) {
				t.Errorf("call %d: %d draw calls, want %d", i, n, 4*(i+1))
			}
		}

		// The lists' state changes are reflected in the shadow state.
		if d.Color() != red || d.WorldMatrix() != world {
			t.Errorf("shadow state = %v / %v", d.Color(), d.WorldMatrix())
		}
		if !d.StageActive(renderer.StageFragment) || !d.StageActive(renderer.StageVertex) {
			t.Errorf("stages not active after list call")
		}

		inner.Release()
		middle.Release()
		if inner.Refs() != 1 || middle.Refs() != 2 {
			t.Errorf("refs = %d, %d; want 1, 2", inner.Refs(), middle.Refs())
		}
		outer.Release()
		if inner.Refs() != 0 || middle.Refs() != 0 {
			t.Errorf("refs = %d, %d after releasing outer", inner.Refs(), middle.Refs())
		}

		d.BeginFrame()
		h.sync(t)
		if n := h.exec.Stats().Commands[protocol.CmdDestroyDisplayList]; n != 3 {
			t.Errorf("%d lists destroyed on the worker, want 3", n)
		}
	})
}

func TestFailedRecording(t *testing.T) {
	forEachMode(t, func(t *testing.T, h *harness) {
		d := h.d
		blue := renderer.RGBA{B: 1, A: 1}

		beginRecording(t, d)
		if err := d.BeginRecording(); !errors.Is(err, ErrRecording) {
			t.Errorf("nested BeginRecording = %v, want ErrRecording", err)
		}
		d.SetColor(blue)
		tex := d.CreateTexture(renderer.TextureDesc{Width: 2, Height: 2})
		d.UploadTexture(tex, 0, make([]byte, 16))
		if l := d.EndRecording(); l != nil {
			t.Fatalf("recording with a texture upload succeeded")
		}

		// The incompatible calls ran; the recorded one did not.
		h.sync(t)
		if s := h.dev.Stats(); s.Uploads != 1 {
			t.Errorf("%d uploads, want 1", s.Uploads)
		}
		if c := h.dev.State().Color; c == blue {
			t.Errorf("recorded SetColor reached the device")
		}
		if d.Color() == blue {
			t.Errorf("failed recording changed the shadow state")
		}

		// A readback fails a recording too, but still returns its result.
		beginRecording(t, d)
		d.Clear(renderer.ClearColor, blue, 0, 0)
		if _, err := d.ReadPixels(renderer.Rect{X1: 1, Y1: 1}); err != nil {
			t.Errorf("ReadPixels: %v", err)
		}
		if l := d.EndRecording(); l != nil {
			t.Errorf("recording with a readback succeeded")
		}

		// State object creation does not.
		beginRecording(t, d)
		d.SetBlendState(d.CreateBlendState(renderer.BlendDesc{Enable: true}))
		endRecording(t, d).Release()
	})
}

func TestResolveCache(t *testing.T) {
	forEachMode(t, func(t *testing.T, h *harness) {
		d := h.d
		v := d.Sheet().Define("v", props.KindVector, 0)

		beginRecording(t, d)
		d.SetShaderParam(renderer.StageVertex, 3, props.KindVector, 0, dlist.Named(v))
		l := endRecording(t, d)
		defer l.Release()

		for range 3 {
			d.CallDisplayList(l)
		}
		c := d.ResolveCache()
		if c.Misses() != 1 || c.Hits() != 2 {
			t.Errorf("cache misses/hits = %d/%d, want 1/2", c.Misses(), c.Hits())
		}

		want := math.Vector4{1, 2, 3, 4}
		d.Sheet().SetVector(v, want)
		d.CallDisplayList(l)
		if c.Misses() != 2 {
			t.Errorf("cache misses = %d after property change, want 2", c.Misses())
		}
		h.sync(t)
		if got := constant(h, renderer.StageVertex, 3); got != want {
			t.Errorf("constant = %v, want %v", got, want)
		}
	})
}

func TestShaderParamBuffer(t *testing.T) {
	forEachMode(t, func(t *testing.T, h *harness) {
		d := h.d
		light := d.Sheet().Define("light", props.KindBuffer, 24)
		direct := []byte{1, 2, 3, 4, 5}

		beginRecording(t, d)
		d.SetShaderParam(renderer.StageFragment, 1, props.KindBuffer, 0, dlist.Named(light))
		d.SetShaderParam(renderer.StageFragment, 2, props.KindBuffer, len(direct), dlist.BufferPtr(direct))
		l := endRecording(t, d)
		defer l.Release()

		val := bytes.Repeat([]byte{9}, 24)
		d.Sheet().SetBuffer(light, val)
		direct[4] = 50
		d.CallDisplayList(l)
		h.sync(t)

		if got, ok := constant(h, renderer.StageFragment, 1).([]byte); !ok || !bytes.Equal(got, val) {
			t.Errorf("named buffer = %v, want %v", got, val)
		}
		if got, ok := constant(h, renderer.StageFragment, 2).([]byte); !ok || !bytes.Equal(got, direct) {
			t.Errorf("direct buffer = %v, want %v", got, direct)
		}
	})
}

func TestImportDisplayList(t *testing.T) {
	forEachMode(t, func(t *testing.T, h *harness) {
		d := h.d
		alpha := d.Sheet().Define("alpha", props.KindFloat, 0)

		beginRecording(t, d)
		d.SetShaderParam(renderer.StageFragment, 0, props.KindFloat, 0, dlist.Named(alpha))
		d.SetWireframe(true)
		inner := endRecording(t, d)
		beginRecording(t, d)
		d.CallDisplayList(inner)
		d.SetSRGBWrite(true)
		outer := endRecording(t, d)

		var buf bytes.Buffer
		if err := outer.Save(&buf, d.Sheet()); err != nil {
			t.Fatalf("Save: %v", err)
		}
		inner.Release()
		outer.Release()

		loaded, err := dlist.Load(&buf, d.Sheet())
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if err := d.ImportDisplayList(loaded); err != nil {
			t.Fatalf("ImportDisplayList: %v", err)
		}
		if err := d.ImportDisplayList(loaded); err == nil {
			t.Errorf("second import succeeded")
		}
		if loaded.ID() == outer.ID() || !loaded.ID().Valid() {
			t.Errorf("loaded list ID %d", loaded.ID())
		}

		d.Sheet().SetFloat(alpha, 0.5)
		d.CallDisplayList(loaded)
		h.sync(t)
		if got := constant(h, renderer.StageFragment, 0); got != float32(0.5) {
			t.Errorf("constant = %v, want 0.5", got)
		}
		if st := h.dev.State(); !st.Wireframe || !st.SRGBWrite {
			t.Errorf("loaded list state not applied: %+v", st)
		}
		if !d.Wireframe() || !d.SRGBWrite() {
			t.Errorf("loaded list client data not applied")
		}
		loaded.Release()
	})
}
