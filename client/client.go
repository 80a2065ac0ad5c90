// client/client.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// Package client provides the graphics device that application code
// calls. Depending on how it is configured and whether the caller holds
// thread ownership, each call either runs immediately against the shared
// worker.Executor or is encoded into the command ring for the worker
// thread; while a display list is being recorded, calls are captured
// instead.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/mmp/gfxthread/config"
	"github.com/mmp/gfxthread/dlist"
	"github.com/mmp/gfxthread/handle"
	"github.com/mmp/gfxthread/log"
	"github.com/mmp/gfxthread/props"
	"github.com/mmp/gfxthread/protocol"
	"github.com/mmp/gfxthread/renderer"
	"github.com/mmp/gfxthread/ringbuf"
	"github.com/mmp/gfxthread/worker"
)

var (
	// ErrCrossProcess is returned for operations that need the worker's
	// executor when the worker runs in another process.
	ErrCrossProcess = errors.New("not available when the worker is in another process")
	ErrReadback     = errors.New("device readback failed")
	ErrRecording    = errors.New("display list recording")
)

// Options describe how a Device reaches the worker.
type Options struct {
	Config config.Config
	// Executor is shared with the worker; it is nil when the worker runs
	// in another process.
	Executor *worker.Executor
	// Worker, Ring and Reply are nil unless Config.Threaded is set.
	// Worker is also nil for a worker in another process.
	Worker *worker.Worker
	Ring   *ringbuf.Buffer
	Reply  *ringbuf.Buffer
	// Sheet holds the named properties that display list patches refer
	// to; a new one is made if it is nil.
	Sheet  *props.Sheet
	Logger *log.Logger
}

type Stats struct {
	Queued    int64
	Direct    int64
	Recorded  int64
	Readbacks int64
	Waits     int64 // lockstep
}

func (s Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("queued", s.Queued),
		slog.Int64("direct", s.Direct),
		slog.Int64("recorded", s.Recorded),
		slog.Int64("readbacks", s.Readbacks),
		slog.Int64("lockstep_waits", s.Waits))
}

// Device is the client side of the graphics device. It must only be used
// from a single goroutine, which should be locked to its OS thread.
type Device struct {
	exec   *worker.Executor
	worker *worker.Worker
	ring   *ringbuf.Buffer
	reply  *ringbuf.Buffer
	event  <-chan struct{}

	lockstep config.LockstepMode
	cross    bool
	owns     int

	ids   handle.Allocator
	state dlist.ShadowState
	rec   *dlist.Context
	sheet *props.Sheet
	cache *dlist.ResolveCache

	blendStates  map[renderer.BlendDesc]handle.ID
	depthStates  map[renderer.DepthDesc]handle.ID
	rasterStates map[renderer.RasterDesc]handle.ID
	combiners    map[renderer.CombinerDesc]handle.ID

	vbos map[handle.ID]renderer.VBODesc
	lost []handle.ID
	caps *renderer.Caps

	// Display lists may be disposed on any goroutine; their IDs wait here
	// until the next call that flushes them.
	mu             sync.Mutex
	pendingDestroy []handle.ID

	stats Stats
	lg    *log.Logger
}

func New(opts Options) (*Device, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Threaded && (opts.Ring == nil || opts.Reply == nil) {
		return nil, fmt.Errorf("threaded device needs command and reply rings: %w", config.ErrInvalid)
	}
	if !cfg.CrossProcess && opts.Executor == nil {
		return nil, fmt.Errorf("no executor: %w", config.ErrInvalid)
	}
	if cfg.Threaded && !cfg.CrossProcess && opts.Worker == nil {
		return nil, fmt.Errorf("threaded device has no worker: %w", config.ErrInvalid)
	}

	cache, err := dlist.NewResolveCache(cfg.ResolveCacheSize)
	if err != nil {
		return nil, err
	}

	d := &Device{
		lockstep:     cfg.Lockstep,
		cross:        cfg.CrossProcess,
		state:        dlist.DefaultShadowState(),
		sheet:        opts.Sheet,
		cache:        cache,
		blendStates:  make(map[renderer.BlendDesc]handle.ID),
		depthStates:  make(map[renderer.DepthDesc]handle.ID),
		rasterStates: make(map[renderer.RasterDesc]handle.ID),
		combiners:    make(map[renderer.CombinerDesc]handle.ID),
		vbos:         make(map[handle.ID]renderer.VBODesc),
		lg:           opts.Logger,
	}
	if d.sheet == nil {
		d.sheet = props.NewSheet()
	}
	if !d.cross {
		d.exec = opts.Executor
	}
	if cfg.Threaded {
		d.worker, d.ring, d.reply = opts.Worker, opts.Ring, opts.Reply
		if d.exec != nil {
			d.event = d.exec.Event()
		}
	}

	d.lg.Info("client device created", slog.Any("config", cfg))
	return d, nil
}

func (d *Device) Sheet() *props.Sheet { return d.sheet }

func (d *Device) Stats() Stats { return d.stats }

func (d *Device) ResolveCache() *dlist.ResolveCache { return d.cache }

// Threaded reports whether commands are sent to a worker thread.
func (d *Device) Threaded() bool { return d.ring != nil }

// direct reports whether commands run immediately on the calling
// goroutine.
func (d *Device) direct() bool {
	return d.exec != nil && (d.ring == nil || d.owns > 0)
}

///////////////////////////////////////////////////////////////////////////
// Sending commands

// send records the command if a display list is being recorded and
// otherwise runs or queues it; it returns the offset of the payload in
// the recording, or -1 if it was not recorded. Commands that can't be
// recorded fail the recording and run immediately.
func send[T any](d *Device, tag protocol.Tag, p *T) int {
	if d.rec != nil {
		if protocol.Lookup(tag).Recordable() {
			d.stats.Recorded++
			return protocol.Encode(d.rec.Buffer(), tag, p)
		}
		d.rec.Fail(tag.String() + " cannot be recorded")
	}
	live(d, tag, p)
	return -1
}

// live runs or queues a command regardless of any recording.
func live[T any](d *Device, tag protocol.Tag, p *T) {
	if d.direct() {
		d.stats.Direct++
		d.exec.Direct(tag, unsafe.Pointer(p), nil)
		return
	}
	protocol.Encode(d.ring, tag, p)
	d.submit(tag)
}

// sendStream is the equivalent of send for commands with streamed data;
// it returns the offset in the recording of the first byte of data.
func sendStream[T any, P interface {
	*T
	protocol.Streamer
}](d *Device, tag protocol.Tag, p P, data []byte) int {
	if d.rec != nil {
		if protocol.Lookup(tag).Recordable() {
			d.stats.Recorded++
			b := d.rec.Buffer()
			protocol.Encode(b, tag, (*T)(p))
			off := b.Len()
			b.WriteStreamingData(data)
			return off
		}
		d.rec.Fail(tag.String() + " cannot be recorded")
	}
	liveStream(d, tag, p, data)
	return -1
}

func liveStream[T any, P interface {
	*T
	protocol.Streamer
}](d *Device, tag protocol.Tag, p P, data []byte) {
	if d.direct() {
		d.stats.Direct++
		d.exec.Direct(tag, unsafe.Pointer(p), data)
		return
	}
	protocol.EncodeStreamed(d.ring, tag, p, data)
	d.submit(tag)
}

func (d *Device) submit(tag protocol.Tag) {
	d.ring.WriteSubmitData()
	d.stats.Queued++
	d.waitLockstep(tag)
}

func (d *Device) waitLockstep(tag protocol.Tag) {
	if d.worker != nil && worker.WaitsFor(d.lockstep, tag) {
		d.stats.Waits++
		d.await(d.worker.Completed(), "lockstep completion")
	}
}

// await blocks until ch is signaled. A worker that exits first will never
// signal it; that is fatal.
func (d *Device) await(ch <-chan struct{}, what string) {
	select {
	case <-ch:
	case <-d.worker.Done():
		select {
		case <-ch:
			return
		default:
		}
		d.lg.Error("worker exited while client waited", slog.String("for", what))
		panic("client: worker exited while waiting for " + what)
	}
}

// request runs a command that replies and returns the reply. It fails any
// recording in progress: replies are synchronous.
func request[T any](d *Device, tag protocol.Tag, p *T) (uint32, []byte) {
	if d.rec != nil {
		d.rec.Fail(tag.String() + " cannot be recorded")
	}
	d.stats.Readbacks++

	if d.direct() {
		d.stats.Direct++
		d.exec.Direct(tag, unsafe.Pointer(p), nil)
		return readReply(d.exec.DirectReply())
	}

	protocol.Encode(d.ring, tag, p)
	d.ring.WriteSubmitData()
	d.stats.Queued++

	// The reply is read before waiting for the event (or for lockstep
	// completion) since it may be larger than the reply ring.
	status, data := readReply(d.reply)
	if d.event != nil {
		<-d.event
	}
	d.waitLockstep(tag)
	return status, data
}

func readReply(b *ringbuf.Buffer) (uint32, []byte) {
	r := *ringbuf.ReadValue[protocol.Reply](b)
	b.ReadReleaseData()
	data := make([]byte, r.DataLen)
	b.ReadStreamingData(data)
	return r.Status, data
}

///////////////////////////////////////////////////////////////////////////
// Thread ownership

// AcquireThreadOwnership blocks until the worker has run every command
// queued so far and parked; until the matching ReleaseThreadOwnership,
// calls run directly on the calling goroutine. Calls nest.
func (d *Device) AcquireThreadOwnership() error {
	if d.cross {
		return ErrCrossProcess
	}
	d.owns++
	if d.owns == 1 && d.ring != nil {
		protocol.Encode(d.ring, protocol.CmdAcquireThread, &protocol.AcquireThread{})
		d.ring.WriteSubmitData()
		d.await(d.worker.Granted(), "thread ownership")
		d.lg.Debug("acquired thread ownership")
	}
	return nil
}

func (d *Device) ReleaseThreadOwnership() {
	if d.owns == 0 {
		panic("ReleaseThreadOwnership called without ownership")
	}
	d.owns--
	if d.owns == 0 && d.ring != nil {
		d.worker.Release()
		d.lg.Debug("released thread ownership")
	}
}

// OwnsThread reports whether calls currently run directly.
func (d *Device) OwnsThread() bool { return d.owns > 0 }

///////////////////////////////////////////////////////////////////////////
// Frames

func (d *Device) BeginFrame() {
	d.flushDestroys()
	send(d, protocol.CmdBeginFrame, &protocol.BeginFrame{})
}

func (d *Device) EndFrame() {
	d.flushDestroys()
	send(d, protocol.CmdEndFrame, &protocol.EndFrame{})
}

func (d *Device) PresentFrame() {
	send(d, protocol.CmdPresentFrame, &protocol.PresentFrame{})
}

func (d *Device) Clear(flags renderer.ClearFlags, color renderer.RGBA, depth float32, stencil uint32) {
	send(d, protocol.CmdClear, &protocol.Clear{Flags: flags, Color: color, Depth: depth, Stencil: stencil})
}

func (d *Device) Draw(prim renderer.Primitive, vbo handle.ID, first, count int) {
	send(d, protocol.CmdDraw, &protocol.Draw{Prim: prim, VBO: vbo, First: uint32(first), Count: uint32(count)})
}

// Quit tells the worker to exit once it has run everything before it. The
// Device must not be used afterward.
func (d *Device) Quit() {
	if d.rec != nil {
		d.rec.Abandon()
		d.rec = nil
	}
	d.flushDestroys()
	for d.owns > 0 {
		d.ReleaseThreadOwnership()
	}

	d.lg.Info("client quitting", slog.Any("stats", d.stats), slog.Any("resolve_cache", d.cache))
	if d.ring != nil {
		protocol.Encode(d.ring, protocol.CmdQuit, &protocol.Quit{})
		d.ring.WriteSubmitData()
	} else {
		d.exec.Shutdown()
	}
}
