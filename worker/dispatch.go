// worker/dispatch.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"unsafe"

	"github.com/mmp/gfxthread/handle"
	"github.com/mmp/gfxthread/protocol"
	"github.com/mmp/gfxthread/renderer"
	"github.com/mmp/gfxthread/ringbuf"
)

// Handlers indexed by tag: dispatch decodes from a buffer, directs takes
// a payload that the caller already has in hand.
var (
	dispatch [protocol.NumTags]func(*Executor, *ringbuf.Buffer)
	directs  [protocol.NumTags]func(*Executor, unsafe.Pointer, []byte)
)

func checkPayload[T any](tag protocol.Tag) {
	if dispatch[tag] != nil {
		panic(fmt.Sprintf("%s: handler registered twice", tag))
	}
	if t := reflect.TypeFor[T](); protocol.Lookup(tag).Type != t {
		panic(fmt.Sprintf("%s: handler takes %s, command carries %s", tag, t, protocol.Lookup(tag).Type))
	}
}

// on registers the handler for a command without streamed data. The
// payload is copied out of the buffer and released before h runs.
func on[T any](tag protocol.Tag, h func(e *Executor, p *T)) {
	checkPayload[T](tag)
	dispatch[tag] = func(e *Executor, b *ringbuf.Buffer) {
		p := *ringbuf.ReadValue[T](b)
		b.ReadReleaseData()
		h(e, &p)
	}
	directs[tag] = func(e *Executor, p unsafe.Pointer, _ []byte) {
		h(e, (*T)(p))
	}
}

// onStream registers the handler for a streamed command. The data passed
// to h is only valid until h returns.
func onStream[T any, P interface {
	*T
	protocol.Streamer
}](tag protocol.Tag, h func(e *Executor, p *T, data []byte)) {
	checkPayload[T](tag)
	dispatch[tag] = func(e *Executor, b *ringbuf.Buffer) {
		p := *ringbuf.ReadValue[T](b)
		b.ReadReleaseData()
		data := e.streamBuffer(int(P(&p).StreamLen()))
		b.ReadStreamingData(data)
		e.stats.StreamedBytes += int64(len(data))
		h(e, &p, data)
	}
	directs[tag] = func(e *Executor, p unsafe.Pointer, data []byte) {
		if n := int(P((*T)(p)).StreamLen()); n != len(data) {
			e.fatal(tag, fmt.Sprintf("DataLen %d but %d bytes of data", n, len(data)))
		}
		h(e, (*T)(p), data)
	}
}

func init() {
	// Frame lifecycle and control. Quit, AcquireThread and EndOfList are
	// acted on by whoever is driving the executor.
	on(protocol.CmdBeginFrame, func(e *Executor, _ *protocol.BeginFrame) {
		if err := e.dev.BeginFrame(); err != nil {
			e.deviceError("BeginFrame", err)
		}
	})
	on(protocol.CmdEndFrame, func(e *Executor, _ *protocol.EndFrame) {
		e.dev.EndFrame()
	})
	on(protocol.CmdPresentFrame, func(e *Executor, _ *protocol.PresentFrame) {
		if err := e.dev.Present(); err != nil {
			e.deviceError("Present", err)
		}
		e.stats.Frames++
	})
	on(protocol.CmdQuit, func(*Executor, *protocol.Quit) {})
	on(protocol.CmdAcquireThread, func(*Executor, *protocol.AcquireThread) {})
	on(protocol.CmdEndOfList, func(*Executor, *protocol.EndOfList) {})
	on(protocol.CmdClear, func(e *Executor, p *protocol.Clear) {
		e.dev.Clear(p.Flags, p.Color, p.Depth, p.Stencil)
	})

	// State objects
	on(protocol.CmdCreateBlendState, func(e *Executor, p *protocol.CreateBlendState) {
		o, err := e.dev.CreateBlendState(p.Desc)
		e.create(e.blend, p.ID, o, err)
	})
	on(protocol.CmdCreateDepthState, func(e *Executor, p *protocol.CreateDepthState) {
		o, err := e.dev.CreateDepthState(p.Desc)
		e.create(e.depth, p.ID, o, err)
	})
	on(protocol.CmdCreateRasterState, func(e *Executor, p *protocol.CreateRasterState) {
		o, err := e.dev.CreateRasterState(p.Desc)
		e.create(e.raster, p.ID, o, err)
	})
	on(protocol.CmdCreateTextureCombiner, func(e *Executor, p *protocol.CreateTextureCombiner) {
		o, err := e.dev.CreateTextureCombiner(p.Desc)
		e.create(e.combiners, p.ID, o, err)
		e.sendReply(statusOf(err), nil)
	})
	on(protocol.CmdSetBlendState, func(e *Executor, p *protocol.SetState) {
		e.dev.SetBlendState(e.object(e.blend, p.ID))
	})
	on(protocol.CmdSetDepthState, func(e *Executor, p *protocol.SetState) {
		e.dev.SetDepthState(e.object(e.depth, p.ID))
	})
	on(protocol.CmdSetRasterState, func(e *Executor, p *protocol.SetState) {
		e.dev.SetRasterState(e.object(e.raster, p.ID))
	})
	on(protocol.CmdSetTextureCombiner, func(e *Executor, p *protocol.SetState) {
		e.dev.SetTextureCombiner(e.object(e.combiners, p.ID))
	})

	// Fixed state
	on(protocol.CmdSetWorldMatrix, func(e *Executor, p *protocol.SetMatrix) {
		e.dev.SetTransform(renderer.TransformWorld, p.M)
	})
	on(protocol.CmdSetViewMatrix, func(e *Executor, p *protocol.SetMatrix) {
		e.dev.SetTransform(renderer.TransformView, p.M)
	})
	on(protocol.CmdSetProjectionMatrix, func(e *Executor, p *protocol.SetMatrix) {
		e.dev.SetTransform(renderer.TransformProjection, p.M)
	})
	on(protocol.CmdSetViewport, func(e *Executor, p *protocol.SetViewport) {
		e.dev.SetViewport(p.Viewport)
	})
	on(protocol.CmdSetScissorRect, func(e *Executor, p *protocol.SetScissorRect) {
		e.dev.SetScissor(p.Rect, true)
	})
	on(protocol.CmdDisableScissor, func(e *Executor, _ *protocol.DisableScissor) {
		e.dev.SetScissor(renderer.Rect{}, false)
	})
	on(protocol.CmdSetWireframe, func(e *Executor, p *protocol.SetBool) {
		e.dev.SetWireframe(p.Enable)
	})
	on(protocol.CmdSetSRGBWrite, func(e *Executor, p *protocol.SetBool) {
		e.dev.SetSRGBWrite(p.Enable)
	})
	on(protocol.CmdSetColor, func(e *Executor, p *protocol.SetColor) {
		e.dev.SetColor(p.Color)
	})
	on(protocol.CmdSetFog, func(e *Executor, p *protocol.SetFog) {
		e.dev.SetFog(p.Fog)
	})
	on(protocol.CmdSetRenderTargets, func(e *Executor, p *protocol.SetRenderTargets) {
		if p.Count > renderer.MaxRenderTargets {
			e.fatal(protocol.CmdSetRenderTargets, fmt.Sprintf("%d render targets", p.Count))
		}
		color := make([]renderer.Object, p.Count)
		for i, id := range p.Color[:p.Count] {
			color[i] = e.object(e.surfaces, id)
		}
		e.dev.SetRenderTargets(color, e.object(e.surfaces, p.Depth))
	})
	on(protocol.CmdSetTexture, func(e *Executor, p *protocol.SetTexture) {
		e.checkStage(p.Stage)
		e.dev.SetTexture(int(p.Stage), e.object(e.textures, p.Texture))
	})
	on(protocol.CmdSetTexEnv, func(e *Executor, p *protocol.SetTexEnv) {
		e.checkStage(p.Stage)
		e.dev.SetTexEnv(int(p.Stage), p.Env)
	})

	// Shader constants
	on(protocol.CmdSetConstantFloat, func(e *Executor, p *protocol.SetConstantFloat) {
		e.dev.SetConstantFloat(p.Stage, int(p.Slot), p.Value)
	})
	on(protocol.CmdSetConstantVector, func(e *Executor, p *protocol.SetConstantVector) {
		e.dev.SetConstantVector(p.Stage, int(p.Slot), p.Value)
	})
	on(protocol.CmdSetConstantMatrix, func(e *Executor, p *protocol.SetConstantMatrix) {
		e.dev.SetConstantMatrix(p.Stage, int(p.Slot), p.Value)
	})
	onStream(protocol.CmdSetConstantBuffer, func(e *Executor, p *protocol.SetConstantBuffer, data []byte) {
		e.dev.SetConstantBuffer(p.Stage, int(p.Slot), data)
	})

	// Resources
	on(protocol.CmdCreateTexture, func(e *Executor, p *protocol.CreateTexture) {
		o, err := e.dev.CreateTexture(p.Desc)
		e.create(e.textures, p.ID, o, err)
	})
	onStream(protocol.CmdUploadTexture, func(e *Executor, p *protocol.UploadTexture, data []byte) {
		if tex := e.object(e.textures, p.ID); tex != nil {
			if err := e.dev.UploadTexture(tex, int(p.Level), data); err != nil {
				e.deviceError("UploadTexture", err)
			}
		}
	})
	on(protocol.CmdDestroyTexture, func(e *Executor, p *protocol.Destroy) {
		e.destroy(e.textures, p.ID)
	})
	on(protocol.CmdCreateVBO, func(e *Executor, p *protocol.CreateVBO) {
		o, err := e.dev.CreateVBO(p.Desc)
		e.create(e.vbos, p.ID, o, err)
	})
	onStream(protocol.CmdUpdateVBO, func(e *Executor, p *protocol.UpdateBuffer, data []byte) {
		if vbo := e.object(e.vbos, p.ID); vbo != nil {
			if err := e.dev.UpdateVBO(vbo, int(p.Offset), data); err != nil {
				e.deviceError("UpdateVBO", err)
			}
		}
	})
	on(protocol.CmdDestroyVBO, func(e *Executor, p *protocol.Destroy) {
		e.destroy(e.vbos, p.ID)
	})
	on(protocol.CmdCreateRenderSurface, func(e *Executor, p *protocol.CreateRenderSurface) {
		o, err := e.dev.CreateRenderSurface(p.Desc)
		e.create(e.surfaces, p.ID, o, err)
	})
	on(protocol.CmdDestroyRenderSurface, func(e *Executor, p *protocol.Destroy) {
		e.destroy(e.surfaces, p.ID)
	})
	on(protocol.CmdCreateComputeBuffer, func(e *Executor, p *protocol.CreateComputeBuffer) {
		o, err := e.dev.CreateComputeBuffer(p.Desc)
		e.create(e.computeBuffers, p.ID, o, err)
	})
	onStream(protocol.CmdUpdateComputeBuffer, func(e *Executor, p *protocol.UpdateBuffer, data []byte) {
		if buf := e.object(e.computeBuffers, p.ID); buf != nil {
			if err := e.dev.UpdateComputeBuffer(buf, int(p.Offset), data); err != nil {
				e.deviceError("UpdateComputeBuffer", err)
			}
		}
	})
	on(protocol.CmdReadComputeBuffer, func(e *Executor, p *protocol.ReadComputeBuffer) {
		buf := e.object(e.computeBuffers, p.ID)
		if buf == nil {
			e.sendReply(protocol.StatusFailed, nil)
			return
		}
		dst := e.streamBuffer(int(p.Size))
		if err := e.dev.ReadComputeBuffer(buf, int(p.Offset), dst); err != nil {
			e.deviceError("ReadComputeBuffer", err)
			e.sendReply(protocol.StatusFailed, nil)
			return
		}
		e.sendReply(protocol.StatusOK, dst)
	})
	on(protocol.CmdDestroyComputeBuffer, func(e *Executor, p *protocol.Destroy) {
		e.destroy(e.computeBuffers, p.ID)
	})
	onStream(protocol.CmdCreateComputeProgram, func(e *Executor, p *protocol.CreateComputeProgram, data []byte) {
		o, err := e.dev.CreateComputeProgram(data)
		e.create(e.computePrograms, p.ID, o, err)
	})
	on(protocol.CmdDestroyComputeProgram, func(e *Executor, p *protocol.Destroy) {
		e.destroy(e.computePrograms, p.ID)
	})
	on(protocol.CmdDispatchCompute, func(e *Executor, p *protocol.DispatchCompute) {
		if p.NumBuffers > renderer.MaxComputeBuffers {
			e.fatal(protocol.CmdDispatchCompute, fmt.Sprintf("%d compute buffers", p.NumBuffers))
		}
		prog := e.object(e.computePrograms, p.Program)
		if prog == nil {
			return
		}
		bufs := make([]renderer.Object, p.NumBuffers)
		for i, id := range p.Buffers[:p.NumBuffers] {
			bufs[i] = e.object(e.computeBuffers, id)
		}
		e.dev.DispatchCompute(prog, bufs, p.X, p.Y, p.Z)
	})

	on(protocol.CmdDraw, func(e *Executor, p *protocol.Draw) {
		if vbo := e.object(e.vbos, p.VBO); vbo != nil {
			e.dev.Draw(p.Prim, vbo, int(p.First), int(p.Count))
		}
	})

	// Readbacks and queries
	on(protocol.CmdReadPixels, func(e *Executor, p *protocol.ReadPixels) {
		n := p.Rect.Width() * p.Rect.Height()
		if n < 0 {
			e.sendReply(protocol.StatusFailed, nil)
			return
		}
		dst := e.streamBuffer(4 * n)
		if err := e.dev.ReadPixels(p.Rect, dst); err != nil {
			e.deviceError("ReadPixels", err)
			e.sendReply(protocol.StatusFailed, nil)
			return
		}
		e.sendReply(protocol.StatusOK, dst)
	})
	on(protocol.CmdQueryCaps, func(e *Executor, _ *protocol.Query) {
		r := protocol.CapsReply{Caps: e.dev.Caps()}
		b := make([]byte, unsafe.Sizeof(r))
		ringbuf.PutValue(b, 0, &r)
		e.sendReply(protocol.StatusOK, b)
	})
	on(protocol.CmdQueryDeviceValid, func(e *Executor, _ *protocol.Query) {
		if e.dev.IsValid() {
			e.sendReply(protocol.StatusOK, nil)
		} else {
			e.sendReply(protocol.StatusFailed, nil)
		}
	})
	on(protocol.CmdResetDevice, func(e *Executor, _ *protocol.Query) {
		err := e.dev.Reset()
		if err != nil {
			e.deviceError("Reset", err)
		} else {
			e.lg.Info("device reset")
		}
		e.sendReply(statusOf(err), nil)
	})

	// Display lists
	onStream(protocol.CmdCreateDisplayList, func(e *Executor, p *protocol.CreateDisplayList, data []byte) {
		e.lists.Set(p.ID, slices.Clone(data))
	})
	on(protocol.CmdDestroyDisplayList, func(e *Executor, p *protocol.Destroy) {
		if _, ok := e.lists.Delete(p.ID); !ok {
			e.fatal(protocol.CmdDestroyDisplayList, fmt.Sprintf("destroy of unknown display list %d", p.ID))
		}
	})
	onStream(protocol.CmdCallDisplayList, func(e *Executor, p *protocol.CallDisplayList, params []byte) {
		e.callDisplayList(p.List, params)
	})
}

func statusOf(err error) uint32 {
	if err != nil {
		return protocol.StatusFailed
	}
	return protocol.StatusOK
}

func (e *Executor) checkStage(stage uint32) {
	if stage >= renderer.MaxTextureStages {
		e.fatal(e.curTag, fmt.Sprintf("texture stage %d out of range", stage))
	}
}

// deviceError logs a failed device call; a lost device is expected to be
// noticed and reset by the client, so it is only a warning.
func (e *Executor) deviceError(op string, err error) {
	e.stats.DeviceErrors++
	if errors.Is(err, renderer.ErrDeviceLost) {
		e.lg.Warn(op+": device lost", slog.Any("error", err))
	} else {
		e.lg.Error(op+" failed", slog.Any("error", err))
	}
}

// callDisplayList runs the list registered as id. If there are any
// parameters, they are applied to a copy of the list so that the
// registered bytes stay as they were recorded.
func (e *Executor) callDisplayList(id handle.ID, params []byte) {
	data, ok := e.lists.Lookup(id)
	if !ok {
		e.fatal(protocol.CmdCallDisplayList, fmt.Sprintf("call of unknown display list %d", id))
	}
	if len(params) > 0 {
		data = slices.Clone(data)
		if err := protocol.ApplyParams(data, params); err != nil {
			e.fatal(protocol.CmdCallDisplayList, err.Error())
		}
	}
	e.ExecuteList(data)
}
