// protocol/encode.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package protocol

import (
	"errors"
	"fmt"
	"reflect"
	"unsafe"

	"github.com/mmp/gfxthread/ringbuf"
	"github.com/mmp/gfxthread/util"
)

var ErrMalformed = errors.New("malformed command stream")

// Encode writes a command's header and payload to b and returns the offset
// of the payload. It does not submit.
func Encode[T any](b *ringbuf.Buffer, tag Tag, p *T) int {
	h := Header{Tag: tag}
	ringbuf.WriteValue(b, &h)
	return ringbuf.WriteValue(b, p)
}

// EncodeStreamed writes a command followed by its streamed data; p's
// DataLen field must already be set to len(data). Streamed data is
// submitted as it is written.
func EncodeStreamed[T any, P interface {
	*T
	Streamer
}](b *ringbuf.Buffer, tag Tag, p P, data []byte) int {
	if int(p.StreamLen()) != len(data) {
		panic(fmt.Sprintf("%s: DataLen %d but %d bytes of data", tag, p.StreamLen(), len(data)))
	}
	off := Encode(b, tag, (*T)(p))
	b.WriteStreamingData(data)
	return off
}

///////////////////////////////////////////////////////////////////////////
// Parameter blocks

const paramEntrySize = int(unsafe.Sizeof(ParamEntry{}))

// AppendParam adds an entry to a CallDisplayList parameter block that
// writes value at the given offset of the list.
func AppendParam(block []byte, offset int, value []byte) []byte {
	e := ParamEntry{Offset: uint32(offset), Size: uint32(len(value))}
	start := len(block)
	block = append(block, make([]byte, paramEntrySize+util.AlignUp(len(value), ringbuf.Align))...)
	ringbuf.PutValue(block, start, &e)
	copy(block[start+paramEntrySize:], value)
	return block
}

// WalkParams calls fn for each entry of a parameter block.
func WalkParams(block []byte, fn func(offset int, value []byte) error) error {
	for len(block) > 0 {
		if len(block) < paramEntrySize {
			return fmt.Errorf("%d trailing bytes in parameter block: %w", len(block), ErrMalformed)
		}
		e := ringbuf.GetValue[ParamEntry](block, 0)
		n := paramEntrySize + util.AlignUp(int(e.Size), ringbuf.Align)
		if n > len(block) {
			return fmt.Errorf("parameter of %d bytes overruns block: %w", e.Size, ErrMalformed)
		}
		if err := fn(int(e.Offset), block[paramEntrySize:paramEntrySize+int(e.Size)]); err != nil {
			return err
		}
		block = block[n:]
	}
	return nil
}

// ApplyParams writes each of the block's values into data.
func ApplyParams(data, block []byte) error {
	return WalkParams(block, func(offset int, value []byte) error {
		if offset < 0 || offset+len(value) > len(data) {
			return fmt.Errorf("parameter at %d+%d outside %d byte list: %w", offset, len(value),
				len(data), ErrMalformed)
		}
		copy(data[offset:], value)
		return nil
	})
}

///////////////////////////////////////////////////////////////////////////
// Generic decoding

// Command is a decoded command from a complete command stream.
type Command struct {
	Tag     Tag
	Offset  int // of the payload
	Payload []byte
	Data    []byte // streamed data, if any
}

// Walk decodes the commands in data, which holds a complete command
// stream such as a display list, calling fn for each. Decoding stops
// after CmdEndOfList.
func Walk(data []byte, fn func(Command) error) (err error) {
	r := ringbuf.NewReadOnly(data)
	defer func() {
		// The read-only buffer panics on a read past the end.
		if e := recover(); e != nil {
			err = fmt.Errorf("%v: %w", e, ErrMalformed)
		}
	}()

	for !r.Done() {
		h := *ringbuf.ReadValue[Header](r)
		if !h.Tag.Valid() {
			return fmt.Errorf("invalid tag %d at offset %d: %w", uint32(h.Tag), r.ReadPos(), ErrMalformed)
		}
		info := Lookup(h.Tag)
		cmd := Command{Tag: h.Tag, Offset: r.ReadPos()}
		cmd.Payload = r.ReadBytes(info.Size)
		if info.Streamed() {
			n := int(ringbuf.GetValue[uint32](cmd.Payload, 0))
			cmd.Data = r.ReadBytes(n)
		}
		if err := fn(cmd); err != nil {
			return err
		}
		if h.Tag == CmdEndOfList {
			return nil
		}
	}
	return nil
}

// Decode returns a copy of the command's payload as a value of its
// payload type, for printing.
func (c Command) Decode() any {
	info := Lookup(c.Tag)
	if info.Type == nil {
		return nil
	}
	v := reflect.New(info.Type)
	if info.Size > 0 {
		copy(unsafe.Slice((*byte)(v.UnsafePointer()), info.Size), c.Payload)
	}
	return v.Elem().Interface()
}
