// worker/worker.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package worker

import (
	"log/slog"
	"runtime"

	"github.com/mmp/gfxthread/config"
	"github.com/mmp/gfxthread/log"
	"github.com/mmp/gfxthread/protocol"
	"github.com/mmp/gfxthread/ringbuf"
)

// Worker runs an Executor on the commands arriving in a ring buffer.
type Worker struct {
	exec     *Executor
	ring     *ringbuf.Buffer
	lockstep config.LockstepMode
	lg       *log.Logger

	completed chan struct{}
	granted   chan struct{}
	released  chan struct{}
	done      chan struct{}
}

func New(exec *Executor, ring *ringbuf.Buffer, lockstep config.LockstepMode, lg *log.Logger) *Worker {
	return &Worker{
		exec:      exec,
		ring:      ring,
		lockstep:  lockstep,
		lg:        lg,
		completed: make(chan struct{}, 1),
		granted:   make(chan struct{}),
		released:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (w *Worker) Executor() *Executor { return w.exec }

func (w *Worker) Lockstep() config.LockstepMode { return w.lockstep }

// Completed is signaled each time the worker finishes a command that the
// lockstep mode waits for.
func (w *Worker) Completed() <-chan struct{} { return w.completed }

// Granted is signaled when the worker has parked after
// CmdAcquireThread; until Release is called, the caller may use the
// Executor directly.
func (w *Worker) Granted() <-chan struct{} { return w.granted }

// Release lets a parked worker resume.
func (w *Worker) Release() { w.released <- struct{}{} }

// Done is closed when Run returns.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Run processes commands until CmdQuit. It should be called on its own
// goroutine; that goroutine is locked to its OS thread for the duration,
// since native graphics contexts are bound to the thread that made them
// current.
func (w *Worker) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)
	defer func() {
		if err := recover(); err != nil {
			w.lg.ReportCrash(err)
			panic(err)
		}
	}()

	w.lg.Info("worker started", slog.String("lockstep", w.lockstep.String()),
		slog.Any("ring", w.ring.State()))

	for {
		tag := w.exec.ExecuteOne(w.ring)

		switch tag {
		case protocol.CmdQuit:
			w.exec.Shutdown()
			w.lg.Info("worker exiting", slog.Any("stats", w.exec.Stats()))
			return

		case protocol.CmdAcquireThread:
			w.lg.Debug("worker parked")
			w.granted <- struct{}{}
			<-w.released
			w.lg.Debug("worker resumed")

		case protocol.CmdEndOfList:
			w.exec.fatal(tag, "EndOfList outside of a display list")

		default:
			if WaitsFor(w.lockstep, tag) {
				w.completed <- struct{}{}
			}
		}
	}
}

// WaitsFor reports whether a client running in the given lockstep mode
// waits for Completed after submitting tag.
func WaitsFor(mode config.LockstepMode, tag protocol.Tag) bool {
	switch mode {
	case config.LockstepCommand:
		return !protocol.Lookup(tag).Control()
	case config.LockstepFrame:
		return tag == protocol.CmdEndFrame || tag == protocol.CmdPresentFrame
	default:
		return false
	}
}
