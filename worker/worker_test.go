// worker/worker_test.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package worker

import (
	"encoding/json"
	"io"
	"slices"
	"strings"
	"testing"
	"time"
	"unsafe"

	"github.com/mmp/gfxthread/config"
	"github.com/mmp/gfxthread/handle"
	"github.com/mmp/gfxthread/log"
	"github.com/mmp/gfxthread/math"
	"github.com/mmp/gfxthread/protocol"
	"github.com/mmp/gfxthread/renderer"
	"github.com/mmp/gfxthread/ringbuf"
)

func testLogger() *log.Logger {
	return log.NewWithWriter(io.Discard, "error")
}

func newTestExecutor(depth int) (*Executor, *renderer.TraceDevice, *ringbuf.Buffer) {
	lg := testLogger()
	dev := renderer.NewTraceDevice(true, lg)
	reply := ringbuf.NewGrowable(1024, ringbuf.WithLogger(lg))
	e := NewExecutor(dev, ExecutorOptions{MaxCallDepth: depth, HistorySize: 16, Reply: reply}, lg)
	return e, dev, reply
}

// runAll executes everything that has been submitted to b.
func runAll(e *Executor, b *ringbuf.Buffer) []protocol.Tag {
	var tags []protocol.Tag
	for !b.Done() {
		tags = append(tags, e.ExecuteOne(b))
	}
	return tags
}

func expectPanic(t *testing.T, name string, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic", name)
		}
	}()
	f()
}

func colorBytes(c renderer.RGBA) []byte {
	b := make([]byte, unsafe.Sizeof(c))
	ringbuf.PutValue(b, 0, &c)
	return b
}

func TestDispatchTableComplete(t *testing.T) {
	for tag := protocol.CmdInvalid + 1; tag < protocol.NumTags; tag++ {
		if dispatch[tag] == nil {
			t.Errorf("%s: no dispatch handler", tag)
		}
		if directs[tag] == nil {
			t.Errorf("%s: no direct handler", tag)
		}
	}
	if dispatch[protocol.CmdInvalid] != nil {
		t.Errorf("CmdInvalid has a handler")
	}
}

func TestExecuteScenario(t *testing.T) {
	e, dev, _ := newTestExecutor(4)
	b := ringbuf.NewGrowable(256)

	world := math.Identity4x4().Translate(1, 2, 3)
	color := renderer.RGBA{R: 1, G: 0.5, A: 1}
	protocol.Encode(b, protocol.CmdCreateVBO, &protocol.CreateVBO{ID: 1, Desc: renderer.VBODesc{Size: 96, Stride: 12}})
	protocol.Encode(b, protocol.CmdSetWorldMatrix, &protocol.SetMatrix{M: world})
	protocol.Encode(b, protocol.CmdSetColor, &protocol.SetColor{Color: color})
	protocol.Encode(b, protocol.CmdDraw, &protocol.Draw{Prim: renderer.PrimTriangles, VBO: 1, Count: 3})
	b.WriteSubmitData()

	tags := runAll(e, b)
	wantTags := []protocol.Tag{protocol.CmdCreateVBO, protocol.CmdSetWorldMatrix, protocol.CmdSetColor, protocol.CmdDraw}
	if !slices.Equal(tags, wantTags) {
		t.Errorf("tags = %v, want %v", tags, wantTags)
	}

	if ops, want := dev.Ops(), []string{"CreateVBO", "SetTransform", "SetColor", "Draw"}; !slices.Equal(ops, want) {
		t.Errorf("device ops = %v, want %v", ops, want)
	}
	st := dev.State()
	if st.Transforms[renderer.TransformWorld] != world {
		t.Errorf("world matrix = %v, want %v", st.Transforms[renderer.TransformWorld], world)
	}
	if st.Color != color {
		t.Errorf("color = %v, want %v", st.Color, color)
	}
	if s := dev.Stats(); s.DrawCalls != 1 || s.Vertices != 3 {
		t.Errorf("draw stats = %d/%d, want 1/3", s.DrawCalls, s.Vertices)
	}
	if !slices.Equal(e.History(), wantTags) {
		t.Errorf("history = %v, want %v", e.History(), wantTags)
	}
}

func TestFailedCreation(t *testing.T) {
	e, dev, _ := newTestExecutor(4)
	b := ringbuf.NewGrowable(256)

	// A zero-sized VBO fails on the device; drawing with it is a no-op.
	protocol.Encode(b, protocol.CmdCreateVBO, &protocol.CreateVBO{ID: 7})
	protocol.Encode(b, protocol.CmdDraw, &protocol.Draw{VBO: 7, Count: 3})
	protocol.Encode(b, protocol.CmdDestroyVBO, &protocol.Destroy{ID: 7})
	b.WriteSubmitData()
	runAll(e, b)

	if s := dev.Stats(); s.DrawCalls != 0 {
		t.Errorf("draw calls = %d, want 0", s.DrawCalls)
	}
	if n := e.vbos.Len(); n != 0 {
		t.Errorf("%d VBOs left in table", n)
	}
}

func TestTextureCombinerReply(t *testing.T) {
	e, _, reply := newTestExecutor(4)
	b := ringbuf.NewGrowable(256)

	good := renderer.CombinerDesc{NumStages: 1}
	protocol.Encode(b, protocol.CmdCreateTextureCombiner, &protocol.CreateTextureCombiner{ID: 1, Desc: good})
	protocol.Encode(b, protocol.CmdCreateTextureCombiner, &protocol.CreateTextureCombiner{ID: 2})
	b.WriteSubmitData()
	runAll(e, b)

	for i, want := range []uint32{protocol.StatusOK, protocol.StatusFailed} {
		r := *ringbuf.ReadValue[protocol.Reply](reply)
		if r.Status != want || r.DataLen != 0 {
			t.Errorf("reply %d = %+v, want status %d", i, r, want)
		}
	}
	select {
	case <-e.Event():
	default:
		t.Errorf("reply event not signaled")
	}
}

func TestReadbacks(t *testing.T) {
	e, _, reply := newTestExecutor(4)
	b := ringbuf.NewGrowable(256)

	c := renderer.RGBA{R: 1, B: 1, A: 1}
	protocol.Encode(b, protocol.CmdClear, &protocol.Clear{Flags: renderer.ClearColor, Color: c})
	protocol.Encode(b, protocol.CmdReadPixels, &protocol.ReadPixels{Rect: renderer.Rect{X1: 4, Y1: 2}})
	protocol.Encode(b, protocol.CmdCreateComputeBuffer, &protocol.CreateComputeBuffer{ID: 3,
		Desc: renderer.ComputeBufferDesc{Size: 16, ReadBack: true}})
	protocol.EncodeStreamed(b, protocol.CmdCreateComputeProgram, &protocol.CreateComputeProgram{DataLen: 4, ID: 4},
		[]byte("prog"))
	disp := protocol.DispatchCompute{Program: 4, NumBuffers: 1, X: 1, Y: 1, Z: 1}
	disp.Buffers[0] = 3
	protocol.Encode(b, protocol.CmdDispatchCompute, &disp)
	protocol.Encode(b, protocol.CmdReadComputeBuffer, &protocol.ReadComputeBuffer{ID: 3, Offset: 8, Size: 8})
	b.WriteSubmitData()
	runAll(e, b)

	r := *ringbuf.ReadValue[protocol.Reply](reply)
	if r.Status != protocol.StatusOK || r.DataLen != 32 {
		t.Fatalf("ReadPixels reply = %+v", r)
	}
	px := make([]byte, r.DataLen)
	reply.ReadStreamingData(px)
	for i := 0; i < len(px); i += 4 {
		if got := ringbuf.GetValue[uint32](px, i); got != c.Packed() {
			t.Errorf("pixel %d = %#x, want %#x", i/4, got, c.Packed())
		}
	}

	r = *ringbuf.ReadValue[protocol.Reply](reply)
	if r.Status != protocol.StatusOK || r.DataLen != 8 {
		t.Fatalf("ReadComputeBuffer reply = %+v", r)
	}
	data := make([]byte, r.DataLen)
	reply.ReadStreamingData(data)
	if want := []byte{1, 1, 1, 1, 1, 1, 1, 1}; !slices.Equal(data, want) {
		t.Errorf("compute buffer = %v, want %v", data, want)
	}
}

func TestDirect(t *testing.T) {
	e, dev, reply := newTestExecutor(4)

	c := renderer.RGBA{G: 1, A: 1}
	e.Direct(protocol.CmdSetColor, unsafe.Pointer(&protocol.SetColor{Color: c}), nil)
	if got := dev.State().Color; got != c {
		t.Errorf("color = %v, want %v", got, c)
	}

	e.Direct(protocol.CmdQueryCaps, unsafe.Pointer(&protocol.Query{}), nil)
	r := *ringbuf.ReadValue[protocol.Reply](e.DirectReply())
	if r.Status != protocol.StatusOK {
		t.Fatalf("caps reply status %d", r.Status)
	}
	caps := ringbuf.ReadValue[protocol.CapsReply](e.DirectReply()).Caps
	if caps != dev.Caps() {
		t.Errorf("caps = %+v, want %+v", caps, dev.Caps())
	}

	select {
	case <-e.Event():
		t.Errorf("direct reply signaled the event")
	default:
	}
	if !reply.Done() {
		t.Errorf("direct reply went to the queued reply transport")
	}
	if e.Stats().Direct != 2 {
		t.Errorf("direct count = %d, want 2", e.Stats().Direct)
	}

	p := protocol.SetConstantBuffer{DataLen: 3, Stage: renderer.StageFragment, Slot: 1}
	expectPanic(t, "DataLen mismatch", func() {
		e.Direct(protocol.CmdSetConstantBuffer, unsafe.Pointer(&p), []byte{1, 2})
	})
}

// encodeList returns a display list that sets the color and draws,
// along with the offset of the color in the list.
func encodeList(c renderer.RGBA, vbo handle.ID) ([]byte, int) {
	b := ringbuf.NewGrowable(256)
	off := protocol.Encode(b, protocol.CmdSetColor, &protocol.SetColor{Color: c})
	protocol.Encode(b, protocol.CmdDraw, &protocol.Draw{VBO: vbo, Count: 6})
	protocol.Encode(b, protocol.CmdEndOfList, &protocol.EndOfList{})
	b.WriteSubmitData()
	return slices.Clone(b.Bytes()), off
}

func TestDisplayLists(t *testing.T) {
	e, dev, _ := newTestExecutor(4)
	b := ringbuf.NewGrowable(256)

	recorded := renderer.RGBA{R: 1, A: 1}
	inner, colorOffset := encodeList(recorded, 1)

	// The outer list calls the inner one with a parameter block that
	// replaces its color, then draws again.
	patched := renderer.RGBA{B: 1, A: 1}
	block := protocol.AppendParam(nil, colorOffset, colorBytes(patched))
	ob := ringbuf.NewGrowable(256)
	protocol.EncodeStreamed(ob, protocol.CmdCallDisplayList, &protocol.CallDisplayList{DataLen: uint32(len(block)), List: 10}, block)
	protocol.Encode(ob, protocol.CmdDraw, &protocol.Draw{VBO: 1, Count: 3})
	protocol.Encode(ob, protocol.CmdEndOfList, &protocol.EndOfList{})
	ob.WriteSubmitData()
	outer := slices.Clone(ob.Bytes())

	protocol.Encode(b, protocol.CmdCreateVBO, &protocol.CreateVBO{ID: 1, Desc: renderer.VBODesc{Size: 64}})
	protocol.EncodeStreamed(b, protocol.CmdCreateDisplayList, &protocol.CreateDisplayList{DataLen: uint32(len(inner)), ID: 10}, inner)
	protocol.EncodeStreamed(b, protocol.CmdCreateDisplayList, &protocol.CreateDisplayList{DataLen: uint32(len(outer)), ID: 11}, outer)
	protocol.EncodeStreamed(b, protocol.CmdCallDisplayList, &protocol.CallDisplayList{List: 11}, nil)
	b.WriteSubmitData()
	runAll(e, b)

	if got := dev.State().Color; got != patched {
		t.Errorf("color = %v, want %v", got, patched)
	}
	if s := dev.Stats(); s.DrawCalls != 2 || s.Vertices != 9 {
		t.Errorf("draw stats = %d/%d, want 2/9", s.DrawCalls, s.Vertices)
	}
	if e.CallDepth() != 0 {
		t.Errorf("call depth = %d after lists finished", e.CallDepth())
	}
	if e.Stats().MaxDepth != 2 || e.Stats().Lists != 2 {
		t.Errorf("list stats = %d lists, depth %d; want 2, 2", e.Stats().Lists, e.Stats().MaxDepth)
	}

	// The registered copy of the inner list must not have been patched.
	data, _ := e.lists.Lookup(10)
	if got := ringbuf.GetValue[renderer.RGBA](data, colorOffset); got != recorded {
		t.Errorf("registered list color = %v, want %v", got, recorded)
	}

	// Running it again without parameters gets the recorded color.
	e.Direct(protocol.CmdCallDisplayList, unsafe.Pointer(&protocol.CallDisplayList{List: 10}), nil)
	if got := dev.State().Color; got != recorded {
		t.Errorf("color = %v, want %v", got, recorded)
	}
}

func TestDisplayListErrors(t *testing.T) {
	t.Run("Recursion", func(t *testing.T) {
		e, _, _ := newTestExecutor(4)
		b := ringbuf.NewGrowable(64)
		protocol.EncodeStreamed(b, protocol.CmdCallDisplayList, &protocol.CallDisplayList{List: 1}, nil)
		protocol.Encode(b, protocol.CmdEndOfList, &protocol.EndOfList{})
		b.WriteSubmitData()
		self := slices.Clone(b.Bytes())
		e.Direct(protocol.CmdCreateDisplayList, unsafe.Pointer(&protocol.CreateDisplayList{DataLen: uint32(len(self)), ID: 1}), self)

		expectPanic(t, "recursion", func() {
			e.Direct(protocol.CmdCallDisplayList, unsafe.Pointer(&protocol.CallDisplayList{List: 1}), nil)
		})
		if e.Stats().MaxDepth != 4 {
			t.Errorf("max depth = %d, want 4", e.Stats().MaxDepth)
		}
	})

	t.Run("MissingEnd", func(t *testing.T) {
		e, _, _ := newTestExecutor(4)
		b := ringbuf.NewGrowable(64)
		protocol.Encode(b, protocol.CmdSetWireframe, &protocol.SetBool{Enable: true})
		b.WriteSubmitData()
		expectPanic(t, "missing EndOfList", func() { e.ExecuteList(b.Bytes()) })
	})

	t.Run("ControlCommand", func(t *testing.T) {
		e, _, _ := newTestExecutor(4)
		b := ringbuf.NewGrowable(64)
		protocol.Encode(b, protocol.CmdQuit, &protocol.Quit{})
		protocol.Encode(b, protocol.CmdEndOfList, &protocol.EndOfList{})
		b.WriteSubmitData()
		expectPanic(t, "Quit in list", func() { e.ExecuteList(b.Bytes()) })
	})

	t.Run("UnknownList", func(t *testing.T) {
		e, _, _ := newTestExecutor(4)
		expectPanic(t, "unknown list", func() {
			e.Direct(protocol.CmdCallDisplayList, unsafe.Pointer(&protocol.CallDisplayList{List: 99}), nil)
		})
	})

	t.Run("UnknownTag", func(t *testing.T) {
		e, _, _ := newTestExecutor(4)
		b := ringbuf.NewGrowable(64)
		ringbuf.WriteValue(b, &protocol.Header{Tag: protocol.NumTags + 5})
		b.WriteSubmitData()
		expectPanic(t, "unknown tag", func() { e.ExecuteOne(b) })
	})

	t.Run("StaleHandle", func(t *testing.T) {
		e, _, _ := newTestExecutor(4)
		expectPanic(t, "stale texture", func() {
			e.Direct(protocol.CmdSetTexture, unsafe.Pointer(&protocol.SetTexture{Stage: 0, Texture: 42}), nil)
		})
	})

	t.Run("MessageNamesCommands", func(t *testing.T) {
		e, _, _ := newTestExecutor(4)
		b := ringbuf.NewGrowable(64)
		protocol.Encode(b, protocol.CmdSetColor, &protocol.SetColor{})
		protocol.Encode(b, protocol.CmdDestroyTexture, &protocol.Destroy{ID: 999})
		b.WriteSubmitData()

		e.ExecuteOne(b)
		var msg string
		func() {
			defer func() { msg, _ = recover().(string) }()
			e.ExecuteOne(b)
		}()
		if !strings.Contains(msg, "DestroyTexture (previous SetColor)") {
			t.Errorf("fatal message = %q, want it to name DestroyTexture and SetColor", msg)
		}
	})
}

func TestStatsJSON(t *testing.T) {
	e, _, _ := newTestExecutor(4)
	b := ringbuf.NewGrowable(64)
	protocol.Encode(b, protocol.CmdSetColor, &protocol.SetColor{})
	protocol.Encode(b, protocol.CmdBeginFrame, &protocol.BeginFrame{})
	protocol.Encode(b, protocol.CmdSetColor, &protocol.SetColor{})
	b.WriteSubmitData()
	runAll(e, b)

	js, err := json.Marshal(e.Stats())
	if err != nil {
		t.Fatal(err)
	}
	s := string(js)
	if !strings.Contains(s, `"total":3`) {
		t.Errorf("%s: missing total", s)
	}
	// Commands are listed in tag order, not execution order.
	if bf, sc := strings.Index(s, `"BeginFrame":1`), strings.Index(s, `"SetColor":2`); bf == -1 || sc == -1 || bf > sc {
		t.Errorf("%s: commands not in tag order", s)
	}
	if strings.Contains(s, "Draw") {
		t.Errorf("%s: includes commands that weren't run", s)
	}
}

func startWorker(t *testing.T, mode config.LockstepMode) (*Worker, *renderer.TraceDevice, *ringbuf.Buffer) {
	lg := testLogger()
	dev := renderer.NewTraceDevice(false, lg)
	ring := ringbuf.NewThreaded(4096, ringbuf.WithStep(512), ringbuf.WithLogger(lg))
	reply := ringbuf.NewThreaded(4096, ringbuf.WithLogger(lg))
	e := NewExecutor(dev, ExecutorOptions{Reply: reply}, lg)
	w := New(e, ring, mode, lg)
	go w.Run()
	return w, dev, ring
}

func waitDone(t *testing.T, w *Worker) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not exit")
	}
}

func TestWorkerRun(t *testing.T) {
	for _, mode := range []config.LockstepMode{config.LockstepOff, config.LockstepCommand, config.LockstepFrame} {
		t.Run(mode.String(), func(t *testing.T) {
			w, dev, ring := startWorker(t, mode)

			n := 2000
			if log.RaceEnabled {
				n = 200
			}
			send := func(tag protocol.Tag, submit func()) {
				submit()
				ring.WriteSubmitData()
				if WaitsFor(mode, tag) {
					<-w.Completed()
				}
			}

			send(protocol.CmdCreateVBO, func() {
				protocol.Encode(ring, protocol.CmdCreateVBO, &protocol.CreateVBO{ID: 1, Desc: renderer.VBODesc{Size: 4096, Dynamic: true}})
			})
			verts := make([]byte, 3000)
			for i := range n {
				send(protocol.CmdBeginFrame, func() { protocol.Encode(ring, protocol.CmdBeginFrame, &protocol.BeginFrame{}) })
				send(protocol.CmdUpdateVBO, func() {
					protocol.EncodeStreamed(ring, protocol.CmdUpdateVBO, &protocol.UpdateBuffer{DataLen: uint32(len(verts)), ID: 1}, verts)
				})
				send(protocol.CmdSetColor, func() {
					protocol.Encode(ring, protocol.CmdSetColor, &protocol.SetColor{Color: renderer.RGBA{R: float32(i)}})
				})
				send(protocol.CmdDraw, func() { protocol.Encode(ring, protocol.CmdDraw, &protocol.Draw{VBO: 1, Count: 3}) })
				send(protocol.CmdEndFrame, func() { protocol.Encode(ring, protocol.CmdEndFrame, &protocol.EndFrame{}) })
			}
			send(protocol.CmdQuit, func() { protocol.Encode(ring, protocol.CmdQuit, &protocol.Quit{}) })
			waitDone(t, w)

			s := w.Executor().Stats()
			if s.Commands[protocol.CmdDraw] != int64(n) {
				t.Errorf("draws = %d, want %d", s.Commands[protocol.CmdDraw], n)
			}
			if got, want := dev.State().Color.R, float32(n-1); got != want {
				t.Errorf("last color = %v, want %v", got, want)
			}
			if s := dev.Stats(); s.Frames != n || s.UploadBytes != n*len(verts) {
				t.Errorf("device stats = %+v", s)
			}
			// Quit destroys everything that is left.
			for _, o := range dev.Objects() {
				if !o.Destroyed {
					t.Errorf("%s not destroyed at exit", o)
				}
			}
		})
	}
}

func TestWorkerAcquireThread(t *testing.T) {
	w, dev, ring := startWorker(t, config.LockstepOff)

	protocol.Encode(ring, protocol.CmdSetWireframe, &protocol.SetBool{Enable: true})
	protocol.Encode(ring, protocol.CmdAcquireThread, &protocol.AcquireThread{})
	ring.WriteSubmitData()

	select {
	case <-w.Granted():
	case <-time.After(10 * time.Second):
		t.Fatal("thread ownership not granted")
	}

	// Everything before the acquire has run and we may use the executor.
	if !dev.State().Wireframe {
		t.Errorf("wireframe not set before ownership was granted")
	}
	c := renderer.RGBA{R: 0.25, A: 1}
	w.Executor().Direct(protocol.CmdSetColor, unsafe.Pointer(&protocol.SetColor{Color: c}), nil)
	w.Release()

	protocol.Encode(ring, protocol.CmdQuit, &protocol.Quit{})
	ring.WriteSubmitData()
	waitDone(t, w)

	if got := dev.State().Color; got != c {
		t.Errorf("color = %v, want %v", got, c)
	}
}

func TestWaitsFor(t *testing.T) {
	for _, test := range []struct {
		mode config.LockstepMode
		tag  protocol.Tag
		want bool
	}{
		{config.LockstepOff, protocol.CmdDraw, false},
		{config.LockstepCommand, protocol.CmdDraw, true},
		{config.LockstepCommand, protocol.CmdQuit, false},
		{config.LockstepCommand, protocol.CmdAcquireThread, false},
		{config.LockstepFrame, protocol.CmdDraw, false},
		{config.LockstepFrame, protocol.CmdEndFrame, true},
		{config.LockstepFrame, protocol.CmdPresentFrame, true},
	} {
		if got := WaitsFor(test.mode, test.tag); got != test.want {
			t.Errorf("WaitsFor(%s, %s) = %v, want %v", test.mode, test.tag, got, test.want)
		}
	}
}
