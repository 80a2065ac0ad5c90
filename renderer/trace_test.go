// renderer/trace_test.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package renderer

import (
	"encoding/binary"
	"errors"
	"slices"
	"testing"

	"github.com/mmp/gfxthread/math"
)

func TestTraceDeviceState(t *testing.T) {
	d := NewTraceDevice(true, nil)

	m := math.Identity4x4().Translate(1, 2, 3)
	d.SetTransform(TransformWorld, m)
	d.SetColor(RGBA{1, 0, 0, 1})
	d.SetConstantFloat(StageVertex, 3, 0.5)
	d.Draw(PrimTriangles, nil, 0, 6)

	s := d.State()
	if s.Transforms[TransformWorld] != m {
		t.Errorf("world = %v, want %v", s.Transforms[TransformWorld], m)
	}
	if s.Color != (RGBA{1, 0, 0, 1}) {
		t.Errorf("color = %v, want red", s.Color)
	}
	if v := s.Constants[ConstantKey{StageVertex, 3}]; v != float32(0.5) {
		t.Errorf("constant = %v, want 0.5", v)
	}
	if ops := d.Ops(); !slices.Equal(ops, []string{"SetTransform", "SetColor", "SetConstantFloat", "Draw"}) {
		t.Errorf("Ops() = %v", ops)
	}
	if st := d.Stats(); st.DrawCalls != 1 || st.Vertices != 6 {
		t.Errorf("stats = %s", st.String())
	}
}

func TestTraceDeviceResources(t *testing.T) {
	d := NewTraceDevice(false, nil)

	if _, err := d.CreateTexture(TextureDesc{Width: 0, Height: 4}); !errors.Is(err, ErrBadDesc) {
		t.Errorf("CreateTexture(0x4) error = %v, want ErrBadDesc", err)
	}

	buf, err := d.CreateComputeBuffer(ComputeBufferDesc{Size: 4, ReadBack: true})
	if err != nil {
		t.Fatalf("CreateComputeBuffer: %v", err)
	}
	if err := d.UpdateComputeBuffer(buf, 0, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("UpdateComputeBuffer: %v", err)
	}
	prog, _ := d.CreateComputeProgram([]byte("add1"))
	d.DispatchCompute(prog, []Object{buf}, 1, 1, 1)

	out := make([]byte, 4)
	if err := d.ReadComputeBuffer(buf, 0, out); err != nil {
		t.Fatalf("ReadComputeBuffer: %v", err)
	}
	if !slices.Equal(out, []byte{2, 3, 4, 5}) {
		t.Errorf("ReadComputeBuffer = %v, want [2 3 4 5]", out)
	}
	if len(d.Calls()) != 0 {
		t.Errorf("non-recording device logged %d calls", len(d.Calls()))
	}
}

func TestTraceDeviceReadPixels(t *testing.T) {
	d := NewTraceDevice(false, nil)
	c := RGBA{0, 1, 0, 1}
	d.Clear(ClearColor|ClearDepth, c, 1, 0)

	px := make([]byte, 4*2*2)
	if err := d.ReadPixels(Rect{0, 0, 2, 2}, px); err != nil {
		t.Fatalf("ReadPixels: %v", err)
	}
	for i := range 4 {
		if v := binary.LittleEndian.Uint32(px[4*i:]); v != c.Packed() {
			t.Errorf("pixel %d = %08x, want %08x", i, v, c.Packed())
		}
	}
	if err := d.ReadPixels(Rect{0, 0, 4, 4}, px); err == nil {
		t.Errorf("expected error for undersized buffer")
	}
}

func TestTraceDeviceLoss(t *testing.T) {
	d := NewTraceDevice(false, nil)
	vbo, _ := d.CreateVBO(VBODesc{Size: 4, Dynamic: true})
	_ = d.UpdateVBO(vbo, 0, []byte{9, 9, 9, 9})

	d.Lose()
	if d.IsValid() {
		t.Errorf("IsValid() = true after Lose")
	}
	if err := d.BeginFrame(); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("BeginFrame error = %v, want ErrDeviceLost", err)
	}
	if err := d.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !d.IsValid() {
		t.Errorf("IsValid() = false after Reset")
	}
	if data := vbo.(*TraceObject).Data; !slices.Equal(data, []byte{0, 0, 0, 0}) {
		t.Errorf("dynamic VBO contents = %v after reset, want zeroed", data)
	}
}

func TestRGBAPacked(t *testing.T) {
	for _, tc := range []struct {
		c    RGBA
		want uint32
	}{
		{RGBA{0, 0, 0, 0}, 0},
		{RGBA{1, 0, 0, 1}, 0xff0000ff},
		{RGBA{2, -1, 0, 1}, 0xff0000ff},
	} {
		if got := tc.c.Packed(); got != tc.want {
			t.Errorf("%v.Packed() = %08x, want %08x", tc.c, got, tc.want)
		}
	}
}
