// dlist/list.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package dlist

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/mmp/gfxthread/handle"
	"github.com/mmp/gfxthread/props"
	"github.com/mmp/gfxthread/protocol"
	"github.com/mmp/gfxthread/ringbuf"
)

// DisplayList is a frozen recording. Lists are reference counted; when
// the last reference is released the list's callees are released and its
// dispose callback runs.
type DisplayList struct {
	id       handle.ID
	savedID  handle.ID
	data     []byte
	patches  []Patch
	callees  []*DisplayList
	state    ShadowState
	dirty    StateMask
	allNamed bool

	refs      atomic.Int32
	onDispose func(*DisplayList)
}

func (l *DisplayList) ID() handle.ID { return l.id }

// Data returns the list's recorded commands, ending with CmdEndOfList,
// with patch regions holding the values they had when recorded. It must
// not be modified.
func (l *DisplayList) Data() []byte { return l.data }

func (l *DisplayList) Patches() []Patch { return l.patches }

func (l *DisplayList) Callees() []*DisplayList { return l.callees }

// ClientData returns the shadow state the list leaves behind and which
// parts of it the list changes.
func (l *DisplayList) ClientData() (ShadowState, StateMask) { return l.state, l.dirty }

// AllNamed reports whether all of the list's patches refer to named
// properties, in which case its resolution can be cached.
func (l *DisplayList) AllNamed() bool { return l.allNamed }

// OnDispose sets a function to be called when the list's reference count
// drops to zero.
func (l *DisplayList) OnDispose(f func(*DisplayList)) { l.onDispose = f }

func (l *DisplayList) Refs() int { return int(l.refs.Load()) }

func (l *DisplayList) Retain() {
	if l.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("display list %d retained after disposal", l.id))
	}
}

func (l *DisplayList) Release() {
	switch n := l.refs.Add(-1); {
	case n == 0:
		for _, c := range l.callees {
			c.Release()
		}
		if l.onDispose != nil {
			l.onDispose(l)
		}
	case n < 0:
		panic(fmt.Sprintf("display list %d released too many times", l.id))
	}
}

// PatchImmediate returns a copy of the list's data with every patch's
// current value filled in, ready to be executed directly.
func (l *DisplayList) PatchImmediate(sheet *props.Sheet, cache *ResolveCache) []byte {
	if l.allNamed && cache != nil {
		return cache.get(cacheKey{List: l.id, Gen: sheet.Generation()}, func() []byte {
			return Resolve(l.data, l.patches, sheet)
		})
	}
	return Resolve(l.data, l.patches, sheet)
}

// WriteParameters returns the parameter block to send along with a
// CallDisplayList command for the list.
func (l *DisplayList) WriteParameters(sheet *props.Sheet, cache *ResolveCache) []byte {
	if len(l.patches) == 0 {
		return nil
	}
	if l.allNamed && cache != nil {
		return cache.get(cacheKey{List: l.id, Gen: sheet.Generation(), Block: true}, func() []byte {
			return ParamBlock(l.patches, sheet)
		})
	}
	return ParamBlock(l.patches, sheet)
}

// Assign gives a loaded list the ID it has been registered under.
func (l *DisplayList) Assign(id handle.ID) {
	l.id = id
}

// SavedID returns the ID a loaded list had when it was saved.
func (l *DisplayList) SavedID() handle.ID { return l.savedID }

// RemapCalls rewrites the list IDs of CallDisplayList commands in the
// list's data according to m. It is used after loading a saved list,
// since its callees are registered under new IDs.
func (l *DisplayList) RemapCalls(m map[handle.ID]handle.ID) error {
	return protocol.Walk(l.data, func(cmd protocol.Command) error {
		if cmd.Tag != protocol.CmdCallDisplayList {
			return nil
		}
		p := ringbuf.GetValue[protocol.CallDisplayList](cmd.Payload, 0)
		id, ok := m[p.List]
		if !ok {
			return fmt.Errorf("call of unknown display list %d", p.List)
		}
		p.List = id
		ringbuf.PutValue(l.data, cmd.Offset, &p)
		return nil
	})
}

func (l *DisplayList) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("id", int(l.id)),
		slog.Int("bytes", len(l.data)),
		slog.Int("patches", len(l.patches)),
		slog.Int("callees", len(l.callees)),
		slog.Int("refs", l.Refs()))
}
