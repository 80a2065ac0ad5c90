// client/params.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package client

import (
	"fmt"
	"unsafe"

	"github.com/mmp/gfxthread/dlist"
	"github.com/mmp/gfxthread/math"
	"github.com/mmp/gfxthread/props"
	"github.com/mmp/gfxthread/protocol"
	"github.com/mmp/gfxthread/renderer"
	"github.com/mmp/gfxthread/ringbuf"
)

func (d *Device) activate(stage renderer.ShaderStage) {
	if stage >= renderer.NumShaderStages {
		panic(fmt.Sprintf("invalid shader stage %d", stage))
	}
	d.shadow().ActiveStages |= 1 << stage
	d.dirty(dlist.DirtyStages)
}

// field returns the recording offset of a payload field given the
// payload's offset, passing through -1 for commands that weren't
// recorded.
func field(payload int, offset uintptr) int {
	if payload < 0 {
		return -1
	}
	return payload + int(offset)
}

func (d *Device) constantFloat(stage renderer.ShaderStage, slot int, v float32) int {
	d.activate(stage)
	p := protocol.SetConstantFloat{Stage: stage, Slot: uint32(slot), Value: v}
	return field(send(d, protocol.CmdSetConstantFloat, &p), unsafe.Offsetof(p.Value))
}

func (d *Device) constantVector(stage renderer.ShaderStage, slot int, v math.Vector4) int {
	d.activate(stage)
	p := protocol.SetConstantVector{Stage: stage, Slot: uint32(slot), Value: v}
	return field(send(d, protocol.CmdSetConstantVector, &p), unsafe.Offsetof(p.Value))
}

func (d *Device) constantMatrix(stage renderer.ShaderStage, slot int, m math.Matrix4) int {
	d.activate(stage)
	p := protocol.SetConstantMatrix{Stage: stage, Slot: uint32(slot), Value: m}
	return field(send(d, protocol.CmdSetConstantMatrix, &p), unsafe.Offsetof(p.Value))
}

func (d *Device) constantBuffer(stage renderer.ShaderStage, slot int, b []byte) int {
	d.activate(stage)
	p := protocol.SetConstantBuffer{DataLen: uint32(len(b)), Stage: stage, Slot: uint32(slot)}
	return sendStream(d, protocol.CmdSetConstantBuffer, &p, b)
}

func (d *Device) SetShaderConstantFloat(stage renderer.ShaderStage, slot int, v float32) {
	d.constantFloat(stage, slot, v)
}

func (d *Device) SetShaderConstantVector(stage renderer.ShaderStage, slot int, v math.Vector4) {
	d.constantVector(stage, slot, v)
}

func (d *Device) SetShaderConstantMatrix(stage renderer.ShaderStage, slot int, m math.Matrix4) {
	d.constantMatrix(stage, slot, m)
}

func (d *Device) SetShaderConstantBuffer(stage renderer.ShaderStage, slot int, b []byte) {
	d.constantBuffer(stage, slot, b)
}

// SetShaderParam sets a shader constant from src. Outside of a recording
// it is the same as setting the constant to src's current value; in a
// display list, the value is read again each time the list is called.
// size is only needed for buffers taken directly from memory; otherwise
// it comes from the kind or the named property.
func (d *Device) SetShaderParam(stage renderer.ShaderStage, slot int, kind props.Kind, size int, src dlist.Source) {
	switch {
	case src.IsNamed():
		if k := d.sheet.Kind(src.Prop); k != kind {
			panic(fmt.Sprintf("property %q is a %s, not a %s", d.sheet.Name(src.Prop), k, kind))
		}
		size = len(d.sheet.Bytes(src.Prop))
	case kind != props.KindBuffer:
		size = kind.Size()
	}
	v := dlist.Patch{Size: size, Kind: kind, Source: src}.Value(d.sheet)

	var off int
	switch kind {
	case props.KindFloat:
		off = d.constantFloat(stage, slot, ringbuf.GetValue[float32](v, 0))
	case props.KindVector:
		off = d.constantVector(stage, slot, ringbuf.GetValue[math.Vector4](v, 0))
	case props.KindMatrix:
		off = d.constantMatrix(stage, slot, ringbuf.GetValue[math.Matrix4](v, 0))
	case props.KindBuffer:
		off = d.constantBuffer(stage, slot, v)
	default:
		panic(fmt.Sprintf("%s is not a shader constant kind", kind))
	}

	if off >= 0 {
		d.rec.AddPatch(off, kind, size, src)
	}
}

// SetTexEnvParam is the SetShaderParam equivalent for a texture stage's
// environment.
func (d *Device) SetTexEnvParam(stage int, src dlist.Source) {
	if src.IsNamed() && d.sheet.Kind(src.Prop) != props.KindTexEnv {
		panic(fmt.Sprintf("property %q is not a texenv", d.sheet.Name(src.Prop)))
	}
	v := dlist.Patch{Size: props.KindTexEnv.Size(), Kind: props.KindTexEnv, Source: src}.Value(d.sheet)

	p := protocol.SetTexEnv{Stage: uint32(stage), Env: ringbuf.GetValue[renderer.TexEnv](v, 0)}
	if off := field(send(d, protocol.CmdSetTexEnv, &p), unsafe.Offsetof(p.Env)); off >= 0 {
		d.rec.AddPatch(off, props.KindTexEnv, props.KindTexEnv.Size(), src)
	}
}
