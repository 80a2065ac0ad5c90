// ringbuf/ringbuf_test.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package ringbuf

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"reflect"
	"slices"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/mmp/gfxthread/log"
)

type testValue struct {
	Seq   uint32
	Kind  uint16
	Flags uint8
	Pad   uint8
	Value [4]float32
}

func TestRoundTrip(t *testing.T) {
	b := NewThreaded(1024)

	in := []testValue{
		{Seq: 1, Kind: 7, Value: [4]float32{1, 2, 3, 4}},
		{Seq: 2, Kind: 9, Flags: 3, Value: [4]float32{-1, 0.5}},
	}
	for i := range in {
		WriteValue(b, &in[i])
	}
	WriteArray(b, []uint16{10, 20, 30})
	b.WriteSubmitData()

	for i := range in {
		if v := ReadValue[testValue](b); *v != in[i] {
			t.Errorf("ReadValue = %+v, want %+v", *v, in[i])
		}
	}
	if a := ReadArray[uint16](b, 3); !slices.Equal(a, []uint16{10, 20, 30}) {
		t.Errorf("ReadArray = %v, want [10 20 30]", a)
	}
	b.ReadReleaseData()

	s := b.State()
	if s.WritePos != s.ReadPos || s.Submitted != s.Released || s.Submitted != s.WritePos {
		t.Errorf("cursors not equal after full round trip: %+v", s)
	}
}

func TestWrapSkipsToNextLap(t *testing.T) {
	// 24-byte values in a 64-byte ring: the third value won't fit in the
	// remaining 16 bytes, so it must go at the start of the next lap.
	b := NewThreaded(64)

	var offsets []int
	for i := range 12 {
		offsets = append(offsets, WriteValue(b, &[3]uint64{uint64(i), 0, 0}))
		b.WriteSubmitData()

		r := ReadValue[[3]uint64](b)
		if r[0] != uint64(i) {
			t.Errorf("read seq %d, want %d", r[0], i)
		}
		b.ReadReleaseData()
	}

	want := []int{0, 24, 0, 24, 0, 24, 0, 24, 0, 24, 0, 24}
	if !slices.Equal(offsets, want) {
		t.Errorf("offsets = %v, want %v", offsets, want)
	}
	if s := b.State(); s.WriteWrap != 5 || s.ReadWrap != 5 {
		t.Errorf("wraps = %d/%d, want 5/5 (%+v)", s.WriteWrap, s.ReadWrap, s)
	}
}

func TestVisibility(t *testing.T) {
	b := NewThreaded(256)

	v := testValue{Seq: 42}
	WriteValue(b, &v)
	if s := b.State(); s.Submitted != 0 {
		t.Fatalf("data submitted before WriteSubmitData: %+v", s)
	}

	got := make(chan uint32)
	go func() {
		got <- ReadValue[testValue](b).Seq
		b.ReadReleaseData()
	}()

	select {
	case <-got:
		t.Fatalf("reader saw unsubmitted data")
	case <-time.After(50 * time.Millisecond):
	}

	b.WriteSubmitData()
	select {
	case seq := <-got:
		if seq != 42 {
			t.Errorf("seq = %d, want 42", seq)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("reader never saw submitted data")
	}
}

func TestWriterBlocksOnSpace(t *testing.T) {
	b := NewThreaded(64)

	// Fill the ring.
	for i := range 2 {
		WriteValue(b, &[3]uint64{uint64(i)})
	}
	b.WriteSubmitData()

	done := make(chan struct{})
	go func() {
		WriteValue(b, &[3]uint64{2})
		b.WriteSubmitData()
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("writer overwrote unreleased data")
	case <-time.After(50 * time.Millisecond):
	}

	ReadValue[[3]uint64](b)
	b.ReadReleaseData()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("writer never unblocked")
	}
	for i := 1; i < 3; i++ {
		if v := ReadValue[[3]uint64](b); v[0] != uint64(i) {
			t.Errorf("read %d, want %d", v[0], i)
		}
	}
	b.ReadReleaseData()
}

func TestConcurrentCapacityInvariant(t *testing.T) {
	const capacity = 1024
	n := 200000
	if log.RaceEnabled {
		n = 20000
	}

	b := NewThreaded(capacity)
	r := rand.New(rand.NewPCG(1, 2))
	sizes := make([]int, n)
	for i := range sizes {
		sizes[i] = 1 + r.IntN(6)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i, sz := range sizes {
			vals := make([]uint32, sz*2)
			for j := range vals {
				vals[j] = uint32(i)
			}
			WriteArray(b, vals)
			if i%3 == 0 {
				b.WriteSubmitData()
			}
			if d := b.wpos - b.released.Load(); d > capacity {
				t.Errorf("wpos - released = %d > capacity", d)
				return
			}
		}
		b.WriteSubmitData()
	}()

	for i, sz := range sizes {
		vals := ReadArray[uint32](b, sz*2)
		for _, v := range vals {
			if v != uint32(i) {
				t.Fatalf("item %d: read %d", i, v)
			}
		}
		if b.rpos > b.submitted.Load() {
			t.Fatalf("rpos %d > submitted %d", b.rpos, b.submitted.Load())
		}
		if i%5 == 0 {
			b.ReadReleaseData()
		}
	}
	b.ReadReleaseData()
	wg.Wait()
}

func TestStreaming(t *testing.T) {
	for _, step := range []int{8, 24, 64, 1000} {
		t.Run(fmt.Sprintf("step%d", step), func(t *testing.T) {
			b := NewThreaded(128, WithStep(step))
			if b.Step()%Align != 0 || b.Step() > 64 {
				t.Fatalf("Step() = %d", b.Step())
			}

			data := make([]byte, 1003)
			for i := range data {
				data[i] = byte(i * 7)
			}

			go func() {
				hdr := uint32(len(data))
				WriteValue(b, &hdr)
				b.WriteStreamingData(data)
				b.WriteSubmitData()
			}()

			n := *ReadValue[uint32](b)
			got := make([]byte, n)
			b.ReadStreamingData(got)
			if !bytes.Equal(got, data) {
				t.Errorf("streamed data mismatch with step %d", step)
			}
		})
	}
}

func TestStreamingAfterUnsubmittedHeader(t *testing.T) {
	// A half-ring step with a pending header that ends just past the
	// midpoint: the chunk has to skip to the next lap.
	b := NewThreaded(256)
	if b.Step() != 128 {
		t.Fatalf("Step() = %d, want 128", b.Step())
	}

	data := make([]byte, 128)
	for i := range data {
		data[i] = byte(255 - i)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 15 {
			WriteValue(b, &[1]uint64{uint64(i)})
		}
		b.WriteSubmitData()

		hdr := [2]uint64{uint64(len(data)), 42}
		WriteValue(b, &hdr)
		b.WriteStreamingData(data)
		b.WriteSubmitData()
	}()

	for i := range 15 {
		if v := ReadValue[[1]uint64](b)[0]; v != uint64(i) {
			t.Errorf("value %d = %d, want %d", i, v, i)
		}
	}
	b.ReadReleaseData()

	hdr := *ReadValue[[2]uint64](b)
	b.ReadReleaseData()
	if hdr[1] != 42 {
		t.Errorf("header tag = %d, want 42", hdr[1])
	}
	got := make([]byte, hdr[0])
	b.ReadStreamingData(got)
	if !bytes.Equal(got, data) {
		t.Errorf("streamed data mismatch after pending header")
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not finish")
	}
	if s := b.State(); s.WritePos != s.Released {
		t.Errorf("cursors after drain: %+v", s)
	}
}

func TestStreamingLayoutIndependentOfStep(t *testing.T) {
	data := make([]byte, 77)
	for i := range data {
		data[i] = byte(i + 1)
	}

	var layouts [][]byte
	for _, step := range []int{8, 16, 1 << 20} {
		g := NewGrowable(16, WithStep(step))
		v := uint32(len(data))
		WriteValue(g, &v)
		g.WriteStreamingData(data)
		g.WriteSubmitData()
		layouts = append(layouts, slices.Clone(g.Bytes()))
	}
	for i := 1; i < len(layouts); i++ {
		if !bytes.Equal(layouts[0], layouts[i]) {
			t.Errorf("layout %d differs from layout 0", i)
		}
	}

	r := NewReadOnly(layouts[0])
	if n := *ReadValue[uint32](r); n != 77 {
		t.Fatalf("length = %d, want 77", n)
	}
	got := make([]byte, 77)
	r.ReadStreamingData(got)
	if !bytes.Equal(got, data) || !r.Done() {
		t.Errorf("read-only decode mismatch (done %v)", r.Done())
	}
}

func TestGrowable(t *testing.T) {
	g := NewGrowable(8)

	var offsets []int
	for i := range 100 {
		v := testValue{Seq: uint32(i)}
		offsets = append(offsets, WriteValue(g, &v))
	}
	g.WriteSubmitData()

	for i, off := range offsets {
		if off != i*24 {
			t.Errorf("offset %d = %d, want %d", i, off, i*24)
			break
		}
	}

	// Patch a value in place.
	PutValue(g.Bytes(), offsets[10], &testValue{Seq: 1000})

	r := NewReadOnly(g.Bytes())
	for i := range 100 {
		want := uint32(i)
		if i == 10 {
			want = 1000
		}
		if v := ReadValue[testValue](r); v.Seq != want {
			t.Errorf("value %d: seq %d, want %d", i, v.Seq, want)
		}
	}
	if !r.Done() {
		t.Errorf("Done() = false after reading everything")
	}
	if v := GetValue[testValue](g.Bytes(), offsets[3]); v.Seq != 3 {
		t.Errorf("GetValue seq = %d, want 3", v.Seq)
	}

	g.Reset()
	if g.Len() != 0 || len(g.Bytes()) != 0 {
		t.Errorf("Reset left %d bytes", g.Len())
	}
}

func TestReadOnlyUnaligned(t *testing.T) {
	g := NewGrowable(64)
	WriteValue(g, &testValue{Seq: 5})
	g.WriteSubmitData()

	buf := make([]byte, len(g.Bytes())+1)
	copy(buf[1:], g.Bytes())
	r := NewReadOnly(buf[1:])
	if v := ReadValue[testValue](r); v.Seq != 5 {
		t.Errorf("seq = %d, want 5", v.Seq)
	}
}

// panicsWithin runs f on its own goroutine and reports whether it panicked
// before the timeout.
func panicsWithin(f func(), timeout time.Duration) bool {
	ch := make(chan bool, 1)
	go func() {
		defer func() { ch <- recover() != nil }()
		f()
	}()
	select {
	case p := <-ch:
		return p
	case <-time.After(timeout):
		return false
	}
}

func TestClosedPeer(t *testing.T) {
	t.Run("Writer", func(t *testing.T) {
		b := NewThreaded(64)
		v := uint64(7)
		WriteValue(b, &v)
		b.WriteSubmitData()
		b.CloseWriter()

		if got := *ReadValue[uint64](b); got != 7 {
			t.Errorf("read %d after close, want 7", got)
		}
		b.ReadReleaseData()
		if !panicsWithin(func() { ReadValue[uint64](b) }, 5*time.Second) {
			t.Errorf("read past closed writer did not fail")
		}
	})

	t.Run("WriterWhileWaiting", func(t *testing.T) {
		b := NewThreaded(64)
		go func() {
			time.Sleep(10 * time.Millisecond)
			b.CloseWriter()
		}()
		if !panicsWithin(func() { ReadValue[uint64](b) }, 5*time.Second) {
			t.Errorf("blocked reader not woken by CloseWriter")
		}
	})

	t.Run("Reader", func(t *testing.T) {
		b := NewThreaded(64)
		go func() {
			time.Sleep(10 * time.Millisecond)
			b.CloseReader()
		}()
		fill := func() {
			for i := range 16 {
				v := uint64(i)
				WriteValue(b, &v)
				b.WriteSubmitData()
			}
		}
		if !panicsWithin(fill, 5*time.Second) {
			t.Errorf("blocked writer not woken by CloseReader")
		}
	})

	t.Run("Shared", func(t *testing.T) {
		mem := unsafeBytes(make([]uint64, (SharedHeaderSize+64)/8))
		w := NewThreaded(64, WithStorage(mem, true))
		r := NewThreaded(64, WithStorage(mem, true))
		w.CloseWriter()
		if !panicsWithin(func() { ReadValue[uint64](r) }, 5*time.Second) {
			t.Errorf("shared reader did not see the closed writer")
		}
	})
}

func TestFatalErrors(t *testing.T) {
	expectPanic := func(name string, f func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Errorf("%s: expected panic", name)
			}
		}()
		f()
	}

	expectPanic("oversize", func() {
		b := NewThreaded(64)
		WriteValue(b, &[16]uint64{})
	})
	expectPanic("unsubmitted", func() {
		b := NewThreaded(64)
		for range 3 {
			WriteValue(b, &[3]uint64{})
		}
	})
	expectPanic("read-only write", func() {
		WriteValue(NewReadOnly(make([]byte, 8)), &[1]uint64{})
	})
	expectPanic("read past end", func() {
		r := NewReadOnly(make([]byte, 8))
		ReadValue[[2]uint64](r)
	})
	expectPanic("bad capacity", func() {
		NewThreaded(100)
	})
}

func TestSharedStorage(t *testing.T) {
	words := make([]uint64, (SharedHeaderSize+256)/8)
	mem := unsafeBytes(words)

	w := NewThreaded(256, WithStorage(mem, true))
	r := NewThreaded(256, WithStorage(mem, true))

	go func() {
		for i := range 100 {
			v := testValue{Seq: uint32(i)}
			WriteValue(w, &v)
			w.WriteSubmitData()
		}
	}()
	for i := range 100 {
		if v := ReadValue[testValue](r); v.Seq != uint32(i) {
			t.Fatalf("seq %d, want %d", v.Seq, i)
		}
		r.ReadReleaseData()
	}
}

func TestIsPointerFree(t *testing.T) {
	for _, tc := range []struct {
		v    any
		want bool
	}{
		{testValue{}, true},
		{[4][4]float32{}, true},
		{struct{ P *int }{}, false},
		{struct{ S []byte }{}, false},
		{struct{ S string }{}, false},
		{struct{ A [2]struct{ M map[int]int } }{}, false},
	} {
		if got := IsPointerFree(reflect.TypeOf(tc.v)); got != tc.want {
			t.Errorf("IsPointerFree(%T) = %v, want %v", tc.v, got, tc.want)
		}
	}
}

func unsafeBytes(words []uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), 8*len(words))
}
