// dlist/context.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// Package dlist implements display lists: recorded sequences of commands
// that can be replayed many times, with some of their parameters (the
// patches) re-evaluated each time they are.
package dlist

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/mmp/gfxthread/handle"
	"github.com/mmp/gfxthread/log"
	"github.com/mmp/gfxthread/props"
	"github.com/mmp/gfxthread/protocol"
	"github.com/mmp/gfxthread/ringbuf"
)

// Context accumulates a display list while it is being recorded.
type Context struct {
	buf        *ringbuf.Buffer
	patches    []Patch
	callees    []*DisplayList
	state      ShadowState
	dirty      StateMask
	failed     bool
	failReason string
	lg         *log.Logger
}

// NewContext starts a recording; state is the caller's current shadow
// state, which the recording tracks changes against.
func NewContext(state ShadowState, lg *log.Logger) *Context {
	return &Context{
		buf:   ringbuf.NewGrowable(4096, ringbuf.WithLogger(lg)),
		state: state.Clone(),
		lg:    lg,
	}
}

// Buffer returns the buffer that commands are recorded into.
func (c *Context) Buffer() *ringbuf.Buffer { return c.buf }

// State returns the recording's shadow state, which callers should
// update as they record state changes (and then call MarkDirty).
func (c *Context) State() *ShadowState { return &c.state }

func (c *Context) MarkDirty(m StateMask) { c.dirty |= m }

func (c *Context) Dirty() StateMask { return c.dirty }

// AddPatch records that size bytes at offset in the list are to be
// filled in from src each time the list is replayed.
func (c *Context) AddPatch(offset int, kind props.Kind, size int, src Source) {
	c.patches = append(c.patches, Patch{Offset: offset, Size: size, Kind: kind, Source: src})
}

func (c *Context) Patches() []Patch { return c.patches }

// Fail marks the recording as failed; EndRecording will discard it.
func (c *Context) Fail(reason string) {
	if !c.failed {
		c.lg.Info("display list recording failed", slog.String("reason", reason))
		c.failed, c.failReason = true, reason
	}
}

func (c *Context) Failed() bool { return c.failed }

func (c *Context) FailReason() string { return c.failReason }

// RecordCall records a call to l. l's patches become patches of the list
// being recorded that target the call's parameter block, so that they are
// still resolved when the outer list is replayed.
func (c *Context) RecordCall(l *DisplayList, sheet *props.Sheet) {
	block := ParamBlock(l.patches, sheet)
	p := protocol.CallDisplayList{DataLen: uint32(len(block)), List: l.id}
	protocol.Encode(c.buf, protocol.CmdCallDisplayList, &p)
	base := c.buf.Len()
	c.buf.WriteStreamingData(block)
	c.buf.WriteSubmitData()

	for i, off := range ParamValueOffsets(l.patches) {
		lp := l.patches[i]
		c.AddPatch(base+off, lp.Kind, lp.Size, lp.Source)
	}

	l.Retain()
	c.callees = append(c.callees, l)

	c.state.Apply(&l.state, l.dirty)
	c.dirty |= l.dirty
}

// Freeze finishes the recording and returns the list, with a single
// reference held by the caller.
func (c *Context) Freeze(id handle.ID) (*DisplayList, error) {
	if c.failed {
		c.Abandon()
		return nil, fmt.Errorf("recording failed: %s", c.failReason)
	}

	protocol.Encode(c.buf, protocol.CmdEndOfList, &protocol.EndOfList{})
	c.buf.WriteSubmitData()

	data := slices.Clone(c.buf.Bytes())
	patches := slices.Clone(c.patches)
	if err := ValidatePatches(patches, len(data)); err != nil {
		c.Abandon()
		return nil, err
	}

	l := &DisplayList{
		id:       id,
		data:     data,
		patches:  patches,
		callees:  c.callees,
		state:    c.state,
		dirty:    c.dirty,
		allNamed: !slices.ContainsFunc(patches, func(p Patch) bool { return !p.Source.IsNamed() }),
	}
	l.refs.Store(1)
	c.callees = nil

	return l, nil
}

// Abandon releases everything the recording holds.
func (c *Context) Abandon() {
	for _, l := range c.callees {
		l.Release()
	}
	c.callees = nil
}
