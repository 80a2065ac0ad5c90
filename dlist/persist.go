// dlist/persist.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package dlist

import (
	"errors"
	"fmt"
	"io"

	"github.com/mmp/gfxthread/handle"
	"github.com/mmp/gfxthread/props"
	"github.com/mmp/gfxthread/util"
)

// ErrDirectPatch is returned when saving a list with patches that read
// directly from memory; only lists whose patches all refer to named
// properties can be saved.
var ErrDirectPatch = errors.New("display list has direct-pointer patches")

const savedListVersion = 1

type savedPatch struct {
	Offset int
	Size   int
	Kind   props.Kind
	Prop   string
}

type savedList struct {
	ID      handle.ID
	Data    []byte
	Patches []savedPatch
	Callees []savedList
	State   ShadowState
	Dirty   StateMask
}

type savedFile struct {
	Version int
	List    savedList
}

func (l *DisplayList) save(sheet *props.Sheet) (savedList, error) {
	s := savedList{
		ID:    l.id,
		Data:  l.data,
		State: l.state,
		Dirty: l.dirty,
	}
	for _, p := range l.patches {
		if !p.Source.IsNamed() {
			return savedList{}, fmt.Errorf("list %d: %w", l.id, ErrDirectPatch)
		}
		s.Patches = append(s.Patches, savedPatch{
			Offset: p.Offset,
			Size:   p.Size,
			Kind:   p.Kind,
			Prop:   sheet.Name(p.Source.Prop),
		})
	}
	for _, c := range l.callees {
		sc, err := c.save(sheet)
		if err != nil {
			return savedList{}, err
		}
		s.Callees = append(s.Callees, sc)
	}
	return s, nil
}

// Save writes the list and all of the lists it calls to w. Property
// references are stored by name.
func (l *DisplayList) Save(w io.Writer, sheet *props.Sheet) error {
	s, err := l.save(sheet)
	if err != nil {
		return err
	}
	return util.EncodeCompressed(w, savedFile{Version: savedListVersion, List: s})
}

// define returns the property the patch refers to, defining it in sheet
// if it does not exist yet.
func (sp savedPatch) define(sheet *props.Sheet) (props.ID, error) {
	if sp.Kind > props.KindTexEnv {
		return props.Invalid, fmt.Errorf("property %q has unknown kind %d", sp.Prop, sp.Kind)
	}
	id, ok := sheet.Lookup(sp.Prop)
	if !ok {
		return sheet.Define(sp.Prop, sp.Kind, sp.Size), nil
	}
	if k := sheet.Kind(id); k != sp.Kind {
		return props.Invalid, fmt.Errorf("property %q is a %s but is used as a %s", sp.Prop, k, sp.Kind)
	}
	if sp.Kind == props.KindBuffer && len(sheet.Bytes(id)) != sp.Size {
		return props.Invalid, fmt.Errorf("buffer property %q has %d bytes but is used with %d",
			sp.Prop, len(sheet.Bytes(id)), sp.Size)
	}
	return id, nil
}

func (s *savedList) load(sheet *props.Sheet) (*DisplayList, error) {
	l := &DisplayList{
		savedID:  s.ID,
		data:     s.Data,
		state:    s.State,
		dirty:    s.Dirty,
		allNamed: true,
	}
	for _, sp := range s.Patches {
		id, err := sp.define(sheet)
		if err != nil {
			return nil, fmt.Errorf("list %d: %w", s.ID, err)
		}
		l.patches = append(l.patches, Patch{Offset: sp.Offset, Size: sp.Size, Kind: sp.Kind, Source: Named(id)})
	}
	if err := ValidatePatches(l.patches, len(l.data)); err != nil {
		return nil, fmt.Errorf("list %d: %w", s.ID, err)
	}
	for i := range s.Callees {
		c, err := s.Callees[i].load(sheet)
		if err != nil {
			return nil, err
		}
		l.callees = append(l.callees, c)
	}
	l.refs.Store(1)
	return l, nil
}

// Load reads a list written by Save. Properties the list refers to are
// defined in sheet if they do not already exist. The returned lists have
// no IDs; they must be registered with a client before they can be
// called.
func Load(r io.Reader, sheet *props.Sheet) (*DisplayList, error) {
	var f savedFile
	if err := util.DecodeCompressed(r, &f); err != nil {
		return nil, err
	}
	if f.Version != savedListVersion {
		return nil, fmt.Errorf("saved display list version %d, expected %d", f.Version, savedListVersion)
	}
	return f.List.load(sheet)
}
