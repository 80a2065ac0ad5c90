// client/record.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package client

import (
	"fmt"
	"log/slog"

	"github.com/mmp/gfxthread/dlist"
	"github.com/mmp/gfxthread/handle"
	"github.com/mmp/gfxthread/protocol"
)

// BeginRecording starts capturing calls into a display list. Recordings
// do not nest.
func (d *Device) BeginRecording() error {
	if d.rec != nil {
		return fmt.Errorf("BeginRecording: %w already in progress", ErrRecording)
	}
	d.flushDestroys()
	d.rec = dlist.NewContext(d.state, d.lg)
	return nil
}

func (d *Device) Recording() bool { return d.rec != nil }

// EndRecording finishes the recording and returns the new display list,
// holding one reference. It returns nil if the recording failed; the
// calls that caused the failure have already run.
func (d *Device) EndRecording() *dlist.DisplayList {
	if d.rec == nil {
		panic("EndRecording called without BeginRecording")
	}
	rec := d.rec
	d.rec = nil

	l, err := rec.Freeze(d.ids.CreateID())
	if err != nil {
		d.lg.Info("display list discarded", slog.Any("error", err))
		return nil
	}

	d.register(l)
	d.lg.Debug("recorded display list", slog.Any("list", l))
	return l
}

// register uploads a frozen list to the worker and arranges for it to be
// destroyed there when its last reference is released.
func (d *Device) register(l *dlist.DisplayList) {
	data := l.Data()
	liveStream(d, protocol.CmdCreateDisplayList,
		&protocol.CreateDisplayList{DataLen: uint32(len(data)), ID: l.ID()}, data)
	l.OnDispose(d.queueDestroy)
}

func (d *Device) queueDestroy(l *dlist.DisplayList) {
	if !l.ID().Valid() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pendingDestroy = append(d.pendingDestroy, l.ID())
}

func (d *Device) flushDestroys() {
	d.mu.Lock()
	ids := d.pendingDestroy
	d.pendingDestroy = nil
	d.mu.Unlock()

	if len(ids) > 0 {
		d.lg.Debugf("destroying %d display lists", len(ids))
	}
	for _, id := range ids {
		live(d, protocol.CmdDestroyDisplayList, &protocol.Destroy{ID: id})
	}
}

// CallDisplayList runs a display list, with its patches taking their
// current values. The list's state changes are applied to the shadow
// state immediately.
func (d *Device) CallDisplayList(l *dlist.DisplayList) {
	if !l.ID().Valid() {
		panic("call of an unregistered display list")
	}

	if d.rec != nil {
		d.stats.Recorded++
		d.rec.RecordCall(l, d.sheet)
		return
	}

	d.flushDestroys()
	cd, mask := l.ClientData()
	d.state.Apply(&cd, mask)

	if d.direct() {
		d.stats.Direct++
		d.exec.ExecuteList(l.PatchImmediate(d.sheet, d.cache))
		return
	}
	params := l.WriteParameters(d.sheet, d.cache)
	liveStream(d, protocol.CmdCallDisplayList,
		&protocol.CallDisplayList{DataLen: uint32(len(params)), List: l.ID()}, params)
}

// ImportDisplayList registers a list read with dlist.Load, along with
// the lists it calls, so that it can be called.
func (d *Device) ImportDisplayList(l *dlist.DisplayList) error {
	if l.ID().Valid() {
		return fmt.Errorf("display list %d is already registered", l.ID())
	}
	return d.importList(l, make(map[handle.ID]handle.ID))
}

func (d *Device) importList(l *dlist.DisplayList, remap map[handle.ID]handle.ID) error {
	for _, c := range l.Callees() {
		if _, ok := remap[c.SavedID()]; !ok {
			if err := d.importList(c, remap); err != nil {
				return err
			}
		}
	}
	if err := l.RemapCalls(remap); err != nil {
		return fmt.Errorf("saved list %d: %w", l.SavedID(), err)
	}

	l.Assign(d.ids.CreateID())
	remap[l.SavedID()] = l.ID()
	d.register(l)
	return nil
}
