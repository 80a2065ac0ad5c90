// client/resources.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package client

import (
	"fmt"
	"log/slog"
	"slices"
	"unsafe"

	"github.com/mmp/gfxthread/handle"
	"github.com/mmp/gfxthread/protocol"
	"github.com/mmp/gfxthread/renderer"
	"github.com/mmp/gfxthread/ringbuf"
)

// Resource creation does not wait for the worker, so only descriptions
// that are invalid on their face return handle.Invalid; if the device
// itself fails, the worker logs it and later uses of the handle do
// nothing.

func (d *Device) CreateTexture(desc renderer.TextureDesc) handle.ID {
	if desc.Width == 0 || desc.Height == 0 {
		d.lg.Warn("invalid texture description", slog.Any("desc", desc))
		return handle.Invalid
	}
	id := d.ids.CreateID()
	send(d, protocol.CmdCreateTexture, &protocol.CreateTexture{ID: id, Desc: desc})
	return id
}

func (d *Device) UploadTexture(tex handle.ID, level int, data []byte) {
	p := protocol.UploadTexture{DataLen: uint32(len(data)), ID: tex, Level: uint32(level)}
	sendStream(d, protocol.CmdUploadTexture, &p, data)
}

func (d *Device) DestroyTexture(tex handle.ID) {
	send(d, protocol.CmdDestroyTexture, &protocol.Destroy{ID: tex})
}

func (d *Device) CreateVBO(desc renderer.VBODesc) handle.ID {
	if desc.Size == 0 {
		d.lg.Warn("invalid vertex buffer description", slog.Any("desc", desc))
		return handle.Invalid
	}
	id := d.ids.CreateID()
	send(d, protocol.CmdCreateVBO, &protocol.CreateVBO{ID: id, Desc: desc})
	d.vbos[id] = desc
	return id
}

// UpdateVBO writes data at the given offset of the buffer. Updating a
// buffer marks it as no longer lost.
func (d *Device) UpdateVBO(vbo handle.ID, offset int, data []byte) {
	p := protocol.UpdateBuffer{DataLen: uint32(len(data)), ID: vbo, Offset: uint32(offset)}
	sendStream(d, protocol.CmdUpdateVBO, &p, data)
	if i := slices.Index(d.lost, vbo); i != -1 {
		d.lost = slices.Delete(d.lost, i, i+1)
	}
}

func (d *Device) DestroyVBO(vbo handle.ID) {
	send(d, protocol.CmdDestroyVBO, &protocol.Destroy{ID: vbo})
	delete(d.vbos, vbo)
	if i := slices.Index(d.lost, vbo); i != -1 {
		d.lost = slices.Delete(d.lost, i, i+1)
	}
}

func (d *Device) CreateRenderSurface(desc renderer.SurfaceDesc) handle.ID {
	if desc.Width == 0 || desc.Height == 0 {
		d.lg.Warn("invalid render surface description", slog.Any("desc", desc))
		return handle.Invalid
	}
	id := d.ids.CreateID()
	send(d, protocol.CmdCreateRenderSurface, &protocol.CreateRenderSurface{ID: id, Desc: desc})
	return id
}

func (d *Device) DestroyRenderSurface(s handle.ID) {
	send(d, protocol.CmdDestroyRenderSurface, &protocol.Destroy{ID: s})
}

///////////////////////////////////////////////////////////////////////////
// Compute

func (d *Device) CreateComputeBuffer(desc renderer.ComputeBufferDesc) handle.ID {
	if desc.Size == 0 {
		d.lg.Warn("invalid compute buffer description", slog.Any("desc", desc))
		return handle.Invalid
	}
	id := d.ids.CreateID()
	send(d, protocol.CmdCreateComputeBuffer, &protocol.CreateComputeBuffer{ID: id, Desc: desc})
	return id
}

func (d *Device) UpdateComputeBuffer(buf handle.ID, offset int, data []byte) {
	p := protocol.UpdateBuffer{DataLen: uint32(len(data)), ID: buf, Offset: uint32(offset)}
	sendStream(d, protocol.CmdUpdateComputeBuffer, &p, data)
}

// ReadComputeBuffer returns size bytes starting at offset from the
// buffer once every command before it has run.
func (d *Device) ReadComputeBuffer(buf handle.ID, offset, size int) ([]byte, error) {
	status, data := request(d, protocol.CmdReadComputeBuffer,
		&protocol.ReadComputeBuffer{ID: buf, Offset: uint32(offset), Size: uint32(size)})
	if status != protocol.StatusOK {
		return nil, fmt.Errorf("compute buffer %d: %w", buf, ErrReadback)
	}
	return data, nil
}

func (d *Device) DestroyComputeBuffer(buf handle.ID) {
	send(d, protocol.CmdDestroyComputeBuffer, &protocol.Destroy{ID: buf})
}

func (d *Device) CreateComputeProgram(code []byte) handle.ID {
	if len(code) == 0 {
		d.lg.Warn("empty compute program")
		return handle.Invalid
	}
	id := d.ids.CreateID()
	sendStream(d, protocol.CmdCreateComputeProgram, &protocol.CreateComputeProgram{DataLen: uint32(len(code)), ID: id}, code)
	return id
}

func (d *Device) DestroyComputeProgram(prog handle.ID) {
	send(d, protocol.CmdDestroyComputeProgram, &protocol.Destroy{ID: prog})
}

func (d *Device) DispatchCompute(prog handle.ID, buffers []handle.ID, x, y, z int) {
	if len(buffers) > renderer.MaxComputeBuffers {
		panic(fmt.Sprintf("%d compute buffers; at most %d may be bound", len(buffers), renderer.MaxComputeBuffers))
	}
	p := protocol.DispatchCompute{Program: prog, NumBuffers: uint32(len(buffers)), X: uint32(x), Y: uint32(y), Z: uint32(z)}
	copy(p.Buffers[:], buffers)
	send(d, protocol.CmdDispatchCompute, &p)
}

///////////////////////////////////////////////////////////////////////////
// Readbacks and device state

// ReadPixels returns the RGBA8 contents of the given rectangle of the
// current render target.
func (d *Device) ReadPixels(r renderer.Rect) ([]byte, error) {
	status, data := request(d, protocol.CmdReadPixels, &protocol.ReadPixels{Rect: r})
	if status != protocol.StatusOK {
		return nil, fmt.Errorf("ReadPixels %v: %w", r, ErrReadback)
	}
	return data, nil
}

// Caps returns the device's capabilities; they are only queried from the
// device the first time.
func (d *Device) Caps() renderer.Caps {
	if d.caps == nil {
		status, data := request(d, protocol.CmdQueryCaps, &protocol.Query{})
		if status != protocol.StatusOK || len(data) < int(unsafe.Sizeof(protocol.CapsReply{})) {
			d.lg.Errorf("unable to query device caps")
			return renderer.Caps{}
		}
		caps := ringbuf.GetValue[protocol.CapsReply](data, 0).Caps
		d.caps = &caps
	}
	return *d.caps
}

func (d *Device) IsDeviceValid() bool {
	status, _ := request(d, protocol.CmdQueryDeviceValid, &protocol.Query{})
	return status == protocol.StatusOK
}

// ResetDevice recovers from a lost device. The worker is parked while the
// device is reset. Dynamic vertex buffers lose their contents; they are
// reported by LostBuffers until they are updated again.
func (d *Device) ResetDevice() error {
	owned := false
	if !d.cross {
		if err := d.AcquireThreadOwnership(); err != nil {
			return err
		}
		owned = true
	}

	status, _ := request(d, protocol.CmdResetDevice, &protocol.Query{})

	if owned {
		d.ReleaseThreadOwnership()
	}
	if status != protocol.StatusOK {
		return fmt.Errorf("device reset: %w", renderer.ErrDeviceLost)
	}

	for id, desc := range d.vbos {
		if desc.Dynamic && !slices.Contains(d.lost, id) {
			d.lost = append(d.lost, id)
		}
	}
	slices.Sort(d.lost)
	d.caps = nil
	d.lg.Info("device reset", slog.Int("lost_buffers", len(d.lost)))
	return nil
}

// LostBuffers returns the dynamic vertex buffers whose contents must be
// provided again after a device reset.
func (d *Device) LostBuffers() []handle.ID {
	return slices.Clone(d.lost)
}
