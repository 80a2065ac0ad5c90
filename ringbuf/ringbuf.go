// ringbuf/ringbuf.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// Package ringbuf provides the byte transport used to carry graphics
// commands between the client thread and the worker thread.
//
// A Buffer has a single writer and a single reader. Values are written
// into 8-byte aligned slots; a slot never straddles the physical end of
// the buffer: if one would, the cursor skips ahead to the start of the
// next wrap. Readers apply the same rule, so as long as the reader asks
// for the same sequence of sizes as the writer wrote, the two agree on
// where everything is.
//
// Cursors are monotonically increasing 64-bit logical positions; the
// physical offset is pos%capacity and the wrap count is pos/capacity.
// Written data is not visible to the reader until WriteSubmitData is
// called and read data is not reclaimed until ReadReleaseData is called.
package ringbuf

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/mmp/gfxthread/log"
	"github.com/mmp/gfxthread/util"
)

type Mode uint8

const (
	// ModeThreaded is a fixed-size ring shared by a writer goroutine and
	// a reader goroutine.
	ModeThreaded Mode = iota
	// ModeGrowable is used by a single goroutine to accumulate commands;
	// it reallocates as needed and never blocks.
	ModeGrowable
	// ModeReadOnly sequentially decodes a complete buffer that was
	// written elsewhere.
	ModeReadOnly
)

func (m Mode) String() string {
	return [...]string{"threaded", "growable", "readonly"}[m]
}

const (
	Align = 8

	// SharedHeaderSize is the number of bytes at the start of shared
	// storage that hold the published cursors.
	SharedHeaderSize = 128
)

type Buffer struct {
	mode     Mode
	data     []byte
	words    []uint64 // owns data's memory when it was allocated here
	capacity uint64
	step     int

	// Only touched by the writer.
	wpos uint64
	_    [56]byte

	// Only touched by the reader.
	rpos uint64
	_    [56]byte

	// Published cursors and the closed flags. They point either at the
	// fields below or into the header of shared storage.
	submitted    *atomic.Uint64
	writerClosed *atomic.Uint64
	released     *atomic.Uint64
	readerClosed *atomic.Uint64
	local        struct {
		submitted    atomic.Uint64
		writerClosed atomic.Uint64
		_            [48]byte
		released     atomic.Uint64
		readerClosed atomic.Uint64
	}
	shared bool

	// Coalesced semaphores: a pending token means "re-check the cursors".
	dataReady  chan struct{}
	spaceReady chan struct{}
	waiter     func(ch <-chan struct{}, what string)

	lg *log.Logger
}

// State is a snapshot of a Buffer's cursors.
type State struct {
	Mode      Mode
	Capacity  uint64
	WritePos  uint64
	Submitted uint64
	ReadPos   uint64
	Released  uint64
	WriteWrap uint64
	ReadWrap  uint64
}

func (s State) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("mode", s.Mode.String()),
		slog.Uint64("capacity", s.Capacity),
		slog.Uint64("write_pos", s.WritePos),
		slog.Uint64("submitted", s.Submitted),
		slog.Uint64("read_pos", s.ReadPos),
		slog.Uint64("released", s.Released),
		slog.Uint64("write_wrap", s.WriteWrap),
		slog.Uint64("read_wrap", s.ReadWrap))
}

type Option func(*Buffer)

// WithStorage has the buffer use the provided memory for its data rather
// than allocating its own. If shared is true, the first SharedHeaderSize
// bytes of mem hold the published cursors so that a reader and writer in
// different processes can coordinate; in that case waits poll rather than
// blocking on semaphores.
func WithStorage(mem []byte, shared bool) Option {
	return func(b *Buffer) {
		if uintptr(unsafe.Pointer(unsafe.SliceData(mem)))%Align != 0 {
			panic("ringbuf: storage must be 8-byte aligned")
		}
		if shared {
			if len(mem) < SharedHeaderSize {
				panic("ringbuf: shared storage too small for header")
			}
			b.submitted = (*atomic.Uint64)(unsafe.Pointer(&mem[0]))
			b.writerClosed = (*atomic.Uint64)(unsafe.Pointer(&mem[8]))
			b.released = (*atomic.Uint64)(unsafe.Pointer(&mem[64]))
			b.readerClosed = (*atomic.Uint64)(unsafe.Pointer(&mem[72]))
			mem = mem[SharedHeaderSize:]
			b.shared = true
		}
		b.data = mem
	}
}

// WithStep sets the chunk size used for streaming data. It is rounded
// down to a multiple of 8 and clamped to half the capacity.
func WithStep(step int) Option {
	return func(b *Buffer) {
		b.step = step
	}
}

func WithLogger(lg *log.Logger) Option {
	return func(b *Buffer) {
		b.lg = lg
	}
}

// WithWaitReporter routes blocking waits through the given reporter so
// that long stalls are logged.
func WithWaitReporter(w *util.WaitReporter) Option {
	return func(b *Buffer) {
		b.waiter = w.Wait
	}
}

func allocAligned(n int) ([]uint64, []byte) {
	words := make([]uint64, (n+Align-1)/Align)
	if len(words) == 0 {
		return words, nil
	}
	return words, unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*Align)
}

func (b *Buffer) useLocalCursors() {
	b.submitted, b.writerClosed = &b.local.submitted, &b.local.writerClosed
	b.released, b.readerClosed = &b.local.released, &b.local.readerClosed
}

func blockingWait(ch <-chan struct{}, what string) {
	<-ch
}

// NewThreaded returns a ring of the given capacity, which must be a power
// of two and a multiple of 8, for use by one writer goroutine and one
// reader goroutine.
func NewThreaded(capacity int, opts ...Option) *Buffer {
	if !util.IsPowerOfTwo(capacity) || capacity < 2*Align {
		panic(fmt.Sprintf("ringbuf: capacity %d must be a power of two >= %d", capacity, 2*Align))
	}

	b := &Buffer{
		mode:       ModeThreaded,
		capacity:   uint64(capacity),
		step:       capacity / 2,
		dataReady:  make(chan struct{}, 1),
		spaceReady: make(chan struct{}, 1),
		waiter:     blockingWait,
	}
	b.useLocalCursors()

	for _, opt := range opts {
		opt(b)
	}

	if b.data == nil {
		b.words, b.data = allocAligned(capacity)
	} else if len(b.data) < capacity {
		panic(fmt.Sprintf("ringbuf: %d bytes of storage, need %d", len(b.data), capacity))
	} else {
		b.data = b.data[:capacity]
	}
	if b.shared {
		// Pick up where an existing peer left off.
		b.wpos, b.rpos = b.submitted.Load(), b.released.Load()
	}
	b.step = max(Align, min(b.step&^(Align-1), capacity/2))

	return b
}

// NewGrowable returns a buffer for use by a single goroutine that grows
// as needed. Offsets returned by the write methods are absolute offsets
// from the start of the buffer.
func NewGrowable(initialSize int, opts ...Option) *Buffer {
	b := &Buffer{mode: ModeGrowable, step: 1 << 30}
	b.useLocalCursors()
	for _, opt := range opts {
		opt(b)
	}
	b.words, b.data = allocAligned(max(initialSize, 64))
	b.capacity = uint64(len(b.data))
	return b
}

// NewReadOnly returns a buffer that decodes the given data, which is
// typically the result of a growable buffer's Bytes method.
func NewReadOnly(data []byte, opts ...Option) *Buffer {
	b := &Buffer{mode: ModeReadOnly, step: 1 << 30}
	b.useLocalCursors()
	for _, opt := range opts {
		opt(b)
	}
	if len(data) > 0 && uintptr(unsafe.Pointer(&data[0]))%Align != 0 {
		var copied []byte
		b.words, copied = allocAligned(len(data))
		copy(copied, data)
		data = copied[:len(data)]
	}
	b.data = data
	b.capacity = uint64(len(data))
	b.submitted.Store(uint64(len(data)))
	return b
}

func (b *Buffer) Mode() Mode { return b.mode }

// Capacity returns the size of the data area in bytes.
func (b *Buffer) Capacity() int { return int(b.capacity) }

// Step returns the chunk size used for streaming data.
func (b *Buffer) Step() int { return b.step }

func (b *Buffer) State() State {
	s := State{
		Mode:      b.mode,
		Capacity:  b.capacity,
		WritePos:  b.wpos,
		Submitted: b.submitted.Load(),
		ReadPos:   b.rpos,
		Released:  b.released.Load(),
	}
	if b.mode == ModeThreaded {
		s.WriteWrap, s.ReadWrap = s.WritePos/b.capacity, s.ReadPos/b.capacity
	}
	return s
}

// Bytes returns the submitted contents of a growable or read-only
// buffer. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte {
	if b.mode == ModeThreaded {
		b.fatal("Bytes called on threaded buffer")
	}
	return b.data[:b.submitted.Load()]
}

// Len returns the number of bytes written to a growable buffer.
func (b *Buffer) Len() int {
	return int(b.wpos)
}

// ReadPos returns the reader's current position; for growable and
// read-only buffers it is the offset of the next slot to be read.
func (b *Buffer) ReadPos() int {
	return int(b.rpos)
}

// Done reports whether all submitted data has been read.
func (b *Buffer) Done() bool {
	return b.rpos >= b.submitted.Load()
}

// Reset empties a growable buffer, retaining its storage.
func (b *Buffer) Reset() {
	if b.mode != ModeGrowable {
		b.fatal("Reset called on " + b.mode.String() + " buffer")
	}
	b.wpos, b.rpos = 0, 0
	b.submitted.Store(0)
	b.released.Store(0)
}

func (b *Buffer) fatal(msg string) {
	b.lg.Error("ringbuf: "+msg, slog.Any("state", b.State()))
	panic("ringbuf: " + msg)
}

func (b *Buffer) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (b *Buffer) wait(ch chan struct{}, what string) {
	if b.shared {
		time.Sleep(20 * time.Microsecond)
		return
	}
	b.waiter(ch, what)
}

func (b *Buffer) grow(n uint64) {
	if n <= uint64(len(b.data)) {
		return
	}
	sz := max(n, 2*uint64(len(b.data)))
	words, data := allocAligned(int(sz))
	copy(data, b.data[:b.wpos])
	b.words, b.data = words, data
	b.capacity = uint64(len(data))
}

// reserve returns the offset of and a slice for a new slot of n bytes.
func (b *Buffer) reserve(n int) (int, []byte) {
	size := uint64(util.AlignUp(n, Align))

	switch b.mode {
	case ModeReadOnly:
		b.fatal("write to read-only buffer")

	case ModeGrowable:
		pos := b.wpos
		b.grow(pos + size)
		b.wpos = pos + size
		s := b.data[pos : pos+size]
		clear(s[n:])
		return int(pos), s[:n]
	}

	if size > b.capacity {
		b.fatal(fmt.Sprintf("%d byte value larger than %d byte buffer", n, b.capacity))
	}

	pos := b.wpos
	if off := pos % b.capacity; off+size > b.capacity {
		pos += b.capacity - off
	}
	if pos+size-b.submitted.Load() > b.capacity {
		b.fatal(fmt.Sprintf("%d bytes unsubmitted data exceeds capacity", pos+size-b.submitted.Load()))
	}
	for pos+size-b.released.Load() > b.capacity {
		if b.readerClosed.Load() != 0 && pos+size-b.released.Load() > b.capacity {
			b.fatal("reader closed while waiting for ring space")
		}
		b.wait(b.spaceReady, "ring space")
	}
	b.wpos = pos + size

	off := pos % b.capacity
	s := b.data[off : off+size]
	clear(s[n:])
	return int(off), s[:n]
}

// take returns a slice for the next n-byte slot to be read, waiting for
// it to be submitted if necessary.
func (b *Buffer) take(n int) []byte {
	size := uint64(util.AlignUp(n, Align))

	switch b.mode {
	case ModeReadOnly, ModeGrowable:
		pos := b.rpos
		end := b.submitted.Load()
		if pos+uint64(n) > end {
			b.fatal(fmt.Sprintf("read of %d bytes at %d past end %d", n, pos, end))
		}
		b.rpos = min(pos+size, end)
		return b.data[pos : pos+uint64(n)]
	}

	if size > b.capacity {
		b.fatal(fmt.Sprintf("%d byte value larger than %d byte buffer", n, b.capacity))
	}

	pos := b.rpos
	if off := pos % b.capacity; off+size > b.capacity {
		pos += b.capacity - off
	}
	for pos+size > b.submitted.Load() {
		if b.writerClosed.Load() != 0 && pos+size > b.submitted.Load() {
			b.fatal("writer closed while waiting for ring data")
		}
		b.wait(b.dataReady, "ring data")
	}
	b.rpos = pos + size

	off := pos % b.capacity
	return b.data[off : off+uint64(n)]
}

// WriteSubmitData makes everything written so far visible to the reader.
func (b *Buffer) WriteSubmitData() {
	if b.mode == ModeReadOnly {
		b.fatal("submit on read-only buffer")
	}
	b.submitted.Store(b.wpos)
	if b.mode == ModeThreaded {
		b.signal(b.dataReady)
	}
}

// ReadReleaseData retires everything read so far; slices and pointers
// returned by earlier reads must not be used afterward.
func (b *Buffer) ReadReleaseData() {
	if b.rpos > b.submitted.Load() {
		b.fatal("release past submitted data")
	}
	b.released.Store(b.rpos)
	if b.mode == ModeThreaded {
		b.signal(b.spaceReady)
	}
}

// CloseWriter records that the writer will submit nothing more, so that a
// reader waiting for data fails rather than blocking forever. Data
// already submitted can still be read.
func (b *Buffer) CloseWriter() {
	b.writerClosed.Store(1)
	if b.mode == ModeThreaded {
		b.signal(b.dataReady)
	}
}

// CloseReader records that the reader will release nothing more; a writer
// waiting for space fails.
func (b *Buffer) CloseReader() {
	b.readerClosed.Store(1)
	if b.mode == ModeThreaded {
		b.signal(b.spaceReady)
	}
}

// WriteBytes writes p as a single slot and returns its offset.
func (b *Buffer) WriteBytes(p []byte) int {
	off, dst := b.reserve(len(p))
	copy(dst, p)
	return off
}

// ReadBytes returns the next n-byte slot.
func (b *Buffer) ReadBytes(n int) []byte {
	return b.take(n)
}

// WriteStreamingData writes p in chunks of Step bytes, submitting each one
// as it goes, so that p may be larger than the buffer itself. Anything
// written but not yet submitted is submitted before the first chunk so
// that a chunk that skips to the next lap still fits.
func (b *Buffer) WriteStreamingData(p []byte) {
	if b.mode == ModeThreaded && len(p) > 0 && b.wpos > b.submitted.Load() {
		b.WriteSubmitData()
	}
	for len(p) > 0 {
		n := min(len(p), b.step)
		_, dst := b.reserve(n)
		copy(dst, p[:n])
		p = p[n:]
		b.WriteSubmitData()
	}
}

// ReadStreamingData is the counterpart to WriteStreamingData; it fills
// dst, releasing each chunk (and anything read before it) as it goes.
func (b *Buffer) ReadStreamingData(dst []byte) {
	for len(dst) > 0 {
		n := min(len(dst), b.step)
		copy(dst, b.take(n))
		dst = dst[n:]
		b.ReadReleaseData()
	}
}

///////////////////////////////////////////////////////////////////////////
// Typed access

func asBytes[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}

// WriteValue copies *v into the next slot and returns the slot's offset.
// T must not contain pointers.
func WriteValue[T any](b *Buffer, v *T) int {
	off, dst := b.reserve(int(unsafe.Sizeof(*v)))
	copy(dst, asBytes(v))
	return off
}

// WriteArray copies the elements of v into a single slot and returns its
// offset.
func WriteArray[T any](b *Buffer, v []T) int {
	if len(v) == 0 {
		return -1
	}
	n := len(v) * int(unsafe.Sizeof(v[0]))
	off, dst := b.reserve(n)
	copy(dst, unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), n))
	return off
}

// ReadValue returns a pointer to the next value in the buffer. The pointer
// is only valid until the next call to ReadReleaseData.
func ReadValue[T any](b *Buffer) *T {
	var zero T
	n := int(unsafe.Sizeof(zero))
	if n == 0 {
		return &zero
	}
	return (*T)(unsafe.Pointer(&b.take(n)[0]))
}

// ReadArray returns a slice of the next n values in the buffer; it has the
// same lifetime as the result of ReadValue.
func ReadArray[T any](b *Buffer, n int) []T {
	if n == 0 {
		return nil
	}
	var zero T
	p := b.take(n * int(unsafe.Sizeof(zero)))
	return unsafe.Slice((*T)(unsafe.Pointer(&p[0])), n)
}

// PutValue overwrites the value at the given offset of a growable or
// read-only buffer's data. It is used to patch values into recorded
// command streams.
func PutValue[T any](data []byte, offset int, v *T) {
	copy(data[offset:offset+int(unsafe.Sizeof(*v))], asBytes(v))
}

// GetValue returns a copy of the value at the given offset.
func GetValue[T any](data []byte, offset int) T {
	var v T
	copy(asBytes(&v), data[offset:])
	return v
}

// IsPointerFree reports whether values of type t can be safely copied
// through a buffer: the garbage collector does not see pointers stored
// in byte slices.
func IsPointerFree(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return t.Len() == 0 || IsPointerFree(t.Elem())
	case reflect.Struct:
		for i := range t.NumField() {
			if !IsPointerFree(t.Field(i).Type) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
