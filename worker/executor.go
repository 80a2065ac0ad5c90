// worker/executor.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// Package worker executes graphics commands against a renderer.Device.
//
// An Executor decodes commands and runs them; a Worker runs an Executor
// on a dedicated goroutine locked to its own OS thread, reading commands
// from a ring buffer until it is told to quit.
package worker

import (
	"fmt"
	"log/slog"
	"slices"
	"unsafe"

	"github.com/mmp/gfxthread/handle"
	"github.com/mmp/gfxthread/log"
	"github.com/mmp/gfxthread/protocol"
	"github.com/mmp/gfxthread/renderer"
	"github.com/mmp/gfxthread/ringbuf"
	"github.com/mmp/gfxthread/util"
)

type objectTable = handle.Table[handle.ID, renderer.Object]

// Executor owns the device and all of the state needed to run commands
// on it. It is not safe for concurrent use: at any time, either the
// worker or a client that holds thread ownership may use it.
type Executor struct {
	dev renderer.Device
	lg  *log.Logger

	blend           *objectTable
	depth           *objectTable
	raster          *objectTable
	combiners       *objectTable
	textures        *objectTable
	vbos            *objectTable
	surfaces        *objectTable
	computeBuffers  *objectTable
	computePrograms *objectTable
	lists           *handle.Table[handle.ID, []byte]

	// Buffers of the display lists currently executing, innermost last.
	stack        []*ringbuf.Buffer
	maxCallDepth int

	reply       *ringbuf.Buffer
	directReply *ringbuf.Buffer
	event       chan struct{}
	direct      bool

	history *util.RingBuffer[protocol.Tag]
	// curTag is the command being executed and lastTag the one before it.
	curTag  protocol.Tag
	lastTag protocol.Tag
	stats   Stats
	scratch []byte
}

type ExecutorOptions struct {
	MaxCallDepth int
	HistorySize  int
	// Reply is the transport results are written to; it may be nil if
	// the Executor will only be used directly.
	Reply *ringbuf.Buffer
}

func NewExecutor(dev renderer.Device, opts ExecutorOptions, lg *log.Logger) *Executor {
	if opts.MaxCallDepth <= 0 {
		opts.MaxCallDepth = 16
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 64
	}

	return &Executor{
		dev:             dev,
		lg:              lg,
		blend:           handle.NewTable[handle.ID, renderer.Object]("blend states"),
		depth:           handle.NewTable[handle.ID, renderer.Object]("depth states"),
		raster:          handle.NewTable[handle.ID, renderer.Object]("raster states"),
		combiners:       handle.NewTable[handle.ID, renderer.Object]("texture combiners"),
		textures:        handle.NewTable[handle.ID, renderer.Object]("textures"),
		vbos:            handle.NewTable[handle.ID, renderer.Object]("vertex buffers"),
		surfaces:        handle.NewTable[handle.ID, renderer.Object]("render surfaces"),
		computeBuffers:  handle.NewTable[handle.ID, renderer.Object]("compute buffers"),
		computePrograms: handle.NewTable[handle.ID, renderer.Object]("compute programs"),
		lists:           handle.NewTable[handle.ID, []byte]("display lists"),
		maxCallDepth:    opts.MaxCallDepth,
		reply:           opts.Reply,
		directReply:     ringbuf.NewGrowable(1024, ringbuf.WithLogger(lg)),
		event:           make(chan struct{}, 1),
		history:         util.NewRingBuffer[protocol.Tag](opts.HistorySize),
	}
}

func (e *Executor) Device() renderer.Device { return e.dev }

// Event is signaled after each command with the Reply flag has written
// its result.
func (e *Executor) Event() <-chan struct{} { return e.event }

// DirectReply returns the buffer that replies are written to by commands
// run with Direct.
func (e *Executor) DirectReply() *ringbuf.Buffer { return e.directReply }

func (e *Executor) Stats() *Stats { return &e.stats }

// CallDepth returns the number of display lists currently executing.
func (e *Executor) CallDepth() int { return len(e.stack) }

// History returns the most recently executed commands, oldest first.
func (e *Executor) History() []protocol.Tag {
	return slices.Collect(e.history.All())
}

// ExecuteOne decodes and runs the next command in b and returns its tag.
// The worker loop handles the control commands itself after ExecuteOne
// returns.
func (e *Executor) ExecuteOne(b *ringbuf.Buffer) protocol.Tag {
	tag := ringbuf.ReadValue[protocol.Header](b).Tag
	e.lastTag, e.curTag = e.curTag, tag
	if !tag.Valid() || dispatch[tag] == nil {
		e.fatal(tag, "unknown command")
	}

	e.history.Add(tag)
	dispatch[tag](e, b)
	e.stats.Commands[tag]++

	return tag
}

// Direct runs the handler for tag with the given payload (of the type
// that tag's Info specifies) on the calling goroutine, without any
// serialization. Replies are written to DirectReply.
func (e *Executor) Direct(tag protocol.Tag, p unsafe.Pointer, data []byte) {
	e.lastTag, e.curTag = e.curTag, tag
	if !tag.Valid() || directs[tag] == nil {
		e.fatal(tag, "unknown command")
	}

	saved := e.reply
	e.reply, e.direct = e.directReply, true
	e.directReply.Reset()

	e.history.Add(tag)
	directs[tag](e, p, data)
	e.stats.Commands[tag]++
	e.stats.Direct++

	e.reply, e.direct = saved, false
}

// ExecuteList runs the commands in data, which must end with
// CmdEndOfList.
func (e *Executor) ExecuteList(data []byte) {
	if len(e.stack) >= e.maxCallDepth {
		e.fatal(protocol.CmdCallDisplayList, fmt.Sprintf("display list call depth %d exceeded", e.maxCallDepth))
	}

	b := ringbuf.NewReadOnly(data, ringbuf.WithLogger(e.lg))
	e.stack = append(e.stack, b)
	e.stats.Lists++
	e.stats.MaxDepth = max(e.stats.MaxDepth, len(e.stack))

	for {
		if b.Done() {
			e.fatal(e.curTag, "display list ended without EndOfList")
		}
		tag := e.ExecuteOne(b)
		if tag == protocol.CmdEndOfList {
			break
		}
		if protocol.Lookup(tag).Control() {
			e.fatal(tag, "control command in display list")
		}
	}

	e.stack = e.stack[:len(e.stack)-1]
}

// streamBuffer returns a scratch buffer of n bytes for streamed data; its
// contents are only valid until the next command is decoded.
func (e *Executor) streamBuffer(n int) []byte {
	if n > cap(e.scratch) {
		e.scratch = make([]byte, n, max(n, 2*cap(e.scratch)))
	}
	return e.scratch[:n]
}

func (e *Executor) sendReply(status uint32, data []byte) {
	if e.reply == nil {
		e.fatal(e.curTag, "reply with no reply transport")
	}
	r := protocol.Reply{DataLen: uint32(len(data)), Status: status}
	ringbuf.WriteValue(e.reply, &r)
	e.reply.WriteStreamingData(data)
	e.reply.WriteSubmitData()
	if !e.direct {
		select {
		case e.event <- struct{}{}:
		default:
		}
	}
}

func (e *Executor) fatal(tag protocol.Tag, msg string) {
	args := []any{
		slog.String("tag", tag.String()),
		slog.String("previous", e.lastTag.String()),
		slog.Any("history", e.History()),
		slog.Int("call_depth", len(e.stack)),
	}
	if n := len(e.stack); n > 0 {
		args = append(args, slog.Any("list_state", e.stack[n-1].State()))
	}
	e.lg.Error(msg, args...)
	panic(fmt.Sprintf("%s: %s (previous %s)", msg, tag, e.lastTag))
}

// object returns the object for id in the given table; handle.Invalid
// maps to nil, which unbinds.
func (e *Executor) object(t *objectTable, id handle.ID) renderer.Object {
	if id == handle.Invalid {
		return nil
	}
	o, ok := t.Lookup(id)
	if !ok {
		e.fatal(e.curTag, fmt.Sprintf("%s: stale or unknown id %d", t.Name(), id))
	}
	return o
}

func (e *Executor) create(t *objectTable, id handle.ID, o renderer.Object, err error) {
	if err != nil {
		e.lg.Error("unable to create device object", slog.String("kind", t.Name()),
			slog.Int("id", int(id)), slog.Any("error", err))
		o = nil
	}
	t.Set(id, o)
}

func (e *Executor) destroy(t *objectTable, id handle.ID) {
	if o, ok := t.Delete(id); !ok {
		e.fatal(e.curTag, fmt.Sprintf("%s: destroy of unknown id %d", t.Name(), id))
	} else if o != nil {
		e.dev.Destroy(o)
	}
}

// Shutdown destroys every object the executor still holds.
func (e *Executor) Shutdown() {
	n := 0
	for _, t := range []*objectTable{e.blend, e.depth, e.raster, e.combiners, e.textures, e.vbos,
		e.surfaces, e.computeBuffers, e.computePrograms} {
		for id, o := range t.All() {
			if o != nil {
				e.dev.Destroy(o)
				n++
			}
			t.Delete(id)
		}
	}
	e.lg.Info("executor shut down", slog.Int("objects_destroyed", n), slog.Any("stats", &e.stats))
}
