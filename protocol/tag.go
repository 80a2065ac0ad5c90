// protocol/tag.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// Package protocol defines the commands that the client sends to the
// worker: a Header carrying the command's Tag, followed by a fixed-layout
// payload struct and, for streamed commands, DataLen bytes of data.
//
// All payload types are plain values without pointers so that they can be
// copied byte-for-byte through a ringbuf.Buffer.
package protocol

import (
	"fmt"
	"reflect"
)

// Tag identifies a command.
type Tag uint32

const (
	CmdInvalid Tag = iota

	// Frame lifecycle and control
	CmdBeginFrame
	CmdEndFrame
	CmdPresentFrame
	CmdQuit
	CmdAcquireThread
	CmdClear

	// State objects
	CmdCreateBlendState
	CmdCreateDepthState
	CmdCreateRasterState
	CmdCreateTextureCombiner
	CmdSetBlendState
	CmdSetDepthState
	CmdSetRasterState
	CmdSetTextureCombiner

	// Fixed state
	CmdSetWorldMatrix
	CmdSetViewMatrix
	CmdSetProjectionMatrix
	CmdSetViewport
	CmdSetScissorRect
	CmdDisableScissor
	CmdSetWireframe
	CmdSetSRGBWrite
	CmdSetColor
	CmdSetFog
	CmdSetRenderTargets
	CmdSetTexture
	CmdSetTexEnv

	// Shader constants
	CmdSetConstantFloat
	CmdSetConstantVector
	CmdSetConstantMatrix
	CmdSetConstantBuffer

	// Resources
	CmdCreateTexture
	CmdUploadTexture
	CmdDestroyTexture
	CmdCreateVBO
	CmdUpdateVBO
	CmdDestroyVBO
	CmdCreateRenderSurface
	CmdDestroyRenderSurface
	CmdCreateComputeBuffer
	CmdUpdateComputeBuffer
	CmdReadComputeBuffer
	CmdDestroyComputeBuffer
	CmdCreateComputeProgram
	CmdDestroyComputeProgram
	CmdDispatchCompute

	CmdDraw

	// Readbacks and device queries
	CmdReadPixels
	CmdQueryCaps
	CmdQueryDeviceValid
	CmdResetDevice

	// Display lists
	CmdCreateDisplayList
	CmdDestroyDisplayList
	CmdCallDisplayList
	CmdEndOfList

	NumTags
)

type Flags uint8

const (
	// Streamed commands' payloads start with a DataLen field giving the
	// number of bytes of data that follow.
	Streamed Flags = 1 << iota
	// Control commands are handled by the worker loop itself and do not
	// signal lockstep completion.
	Control
	// Replies marks commands that write a result to the reply transport
	// and signal the completion event.
	Replies
	// Recordable commands may be captured in a display list.
	Recordable
)

// Info describes a command's payload.
type Info struct {
	Name  string
	Size  int
	Type  reflect.Type
	Flags Flags
}

func (i Info) Streamed() bool   { return i.Flags&Streamed != 0 }
func (i Info) Control() bool    { return i.Flags&Control != 0 }
func (i Info) Reply() bool      { return i.Flags&Replies != 0 }
func (i Info) Recordable() bool { return i.Flags&Recordable != 0 }

func info[T any](name string, flags Flags) Info {
	t := reflect.TypeFor[T]()
	return Info{Name: name, Size: int(t.Size()), Type: t, Flags: flags}
}

var infos = [...]Info{
	CmdInvalid: {Name: "Invalid"},

	CmdBeginFrame:    info[BeginFrame]("BeginFrame", 0),
	CmdEndFrame:      info[EndFrame]("EndFrame", 0),
	CmdPresentFrame:  info[PresentFrame]("PresentFrame", 0),
	CmdQuit:          info[Quit]("Quit", Control),
	CmdAcquireThread: info[AcquireThread]("AcquireThread", Control),
	CmdClear:         info[Clear]("Clear", Recordable),

	CmdCreateBlendState:      info[CreateBlendState]("CreateBlendState", 0),
	CmdCreateDepthState:      info[CreateDepthState]("CreateDepthState", 0),
	CmdCreateRasterState:     info[CreateRasterState]("CreateRasterState", 0),
	CmdCreateTextureCombiner: info[CreateTextureCombiner]("CreateTextureCombiner", Replies),
	CmdSetBlendState:         info[SetState]("SetBlendState", Recordable),
	CmdSetDepthState:         info[SetState]("SetDepthState", Recordable),
	CmdSetRasterState:        info[SetState]("SetRasterState", Recordable),
	CmdSetTextureCombiner:    info[SetState]("SetTextureCombiner", Recordable),

	CmdSetWorldMatrix:      info[SetMatrix]("SetWorldMatrix", Recordable),
	CmdSetViewMatrix:       info[SetMatrix]("SetViewMatrix", Recordable),
	CmdSetProjectionMatrix: info[SetMatrix]("SetProjectionMatrix", Recordable),
	CmdSetViewport:         info[SetViewport]("SetViewport", Recordable),
	CmdSetScissorRect:      info[SetScissorRect]("SetScissorRect", Recordable),
	CmdDisableScissor:      info[DisableScissor]("DisableScissor", Recordable),
	CmdSetWireframe:        info[SetBool]("SetWireframe", Recordable),
	CmdSetSRGBWrite:        info[SetBool]("SetSRGBWrite", Recordable),
	CmdSetColor:            info[SetColor]("SetColor", Recordable),
	CmdSetFog:              info[SetFog]("SetFog", Recordable),
	CmdSetRenderTargets:    info[SetRenderTargets]("SetRenderTargets", Recordable),
	CmdSetTexture:          info[SetTexture]("SetTexture", Recordable),
	CmdSetTexEnv:           info[SetTexEnv]("SetTexEnv", Recordable),

	CmdSetConstantFloat:  info[SetConstantFloat]("SetConstantFloat", Recordable),
	CmdSetConstantVector: info[SetConstantVector]("SetConstantVector", Recordable),
	CmdSetConstantMatrix: info[SetConstantMatrix]("SetConstantMatrix", Recordable),
	CmdSetConstantBuffer: info[SetConstantBuffer]("SetConstantBuffer", Streamed|Recordable),

	CmdCreateTexture:         info[CreateTexture]("CreateTexture", 0),
	CmdUploadTexture:         info[UploadTexture]("UploadTexture", Streamed),
	CmdDestroyTexture:        info[Destroy]("DestroyTexture", 0),
	CmdCreateVBO:             info[CreateVBO]("CreateVBO", 0),
	CmdUpdateVBO:             info[UpdateBuffer]("UpdateVBO", Streamed|Recordable),
	CmdDestroyVBO:            info[Destroy]("DestroyVBO", 0),
	CmdCreateRenderSurface:   info[CreateRenderSurface]("CreateRenderSurface", 0),
	CmdDestroyRenderSurface:  info[Destroy]("DestroyRenderSurface", 0),
	CmdCreateComputeBuffer:   info[CreateComputeBuffer]("CreateComputeBuffer", 0),
	CmdUpdateComputeBuffer:   info[UpdateBuffer]("UpdateComputeBuffer", Streamed|Recordable),
	CmdReadComputeBuffer:     info[ReadComputeBuffer]("ReadComputeBuffer", Replies),
	CmdDestroyComputeBuffer:  info[Destroy]("DestroyComputeBuffer", 0),
	CmdCreateComputeProgram:  info[CreateComputeProgram]("CreateComputeProgram", Streamed),
	CmdDestroyComputeProgram: info[Destroy]("DestroyComputeProgram", 0),
	CmdDispatchCompute:       info[DispatchCompute]("DispatchCompute", Recordable),

	CmdDraw: info[Draw]("Draw", Recordable),

	CmdReadPixels:       info[ReadPixels]("ReadPixels", Replies),
	CmdQueryCaps:        info[Query]("QueryCaps", Replies),
	CmdQueryDeviceValid: info[Query]("QueryDeviceValid", Replies),
	CmdResetDevice:      info[Query]("ResetDevice", Replies),

	CmdCreateDisplayList:  info[CreateDisplayList]("CreateDisplayList", Streamed),
	CmdDestroyDisplayList: info[Destroy]("DestroyDisplayList", 0),
	CmdCallDisplayList:    info[CallDisplayList]("CallDisplayList", Streamed|Recordable),
	CmdEndOfList:          info[EndOfList]("EndOfList", Control),
}

// Lookup returns the Info for tag.
func Lookup(tag Tag) Info {
	if tag >= NumTags {
		return Info{Name: fmt.Sprintf("Tag(%d)", uint32(tag))}
	}
	return infos[tag]
}

func (t Tag) String() string {
	return Lookup(t).Name
}

func (t Tag) Valid() bool {
	return t > CmdInvalid && t < NumTags
}

// Header precedes every command's payload.
type Header struct {
	Tag Tag
}
