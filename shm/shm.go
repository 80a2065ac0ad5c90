// shm/shm.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// Package shm provides file-backed shared memory that holds the command
// and reply rings when the client and the worker are in different
// processes.
package shm

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/mmp/gfxthread/ringbuf"
	"github.com/mmp/gfxthread/util"
)

var ErrUnsupported = errors.New("shared memory is not supported on this platform")

// Size returns the number of bytes a region needs to hold a command ring
// and a reply ring of the given capacities, including their headers.
func Size(ringSize, replySize int) int {
	return 2*ringbuf.SharedHeaderSize + ringSize + replySize
}

// Region is a mapping of a shared memory file.
type Region struct {
	path    string
	data    []byte
	created bool
	closer  func() error
}

func (r *Region) Path() string  { return r.path }
func (r *Region) Bytes() []byte { return r.data }
func (r *Region) Len() int      { return len(r.data) }

// Created reports whether Open made the file rather than finding an
// existing one.
func (r *Region) Created() bool { return r.created }

// Close unmaps the region; slices returned by Bytes or Rings must not be
// used afterward. The file is left in place.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	r.data = nil
	return r.closer()
}

// Rings splits the region into storage for a command ring and a reply
// ring, each preceded by its shared header. Both processes must pass the
// same sizes.
func (r *Region) Rings(ringSize, replySize int) (cmd, reply []byte, err error) {
	if !util.IsPowerOfTwo(ringSize) || !util.IsPowerOfTwo(replySize) {
		return nil, nil, fmt.Errorf("ring sizes %d and %d must be powers of two", ringSize, replySize)
	}
	if n := Size(ringSize, replySize); n > len(r.data) {
		return nil, nil, fmt.Errorf("%s: %d byte region too small for %d bytes of rings", r.path, len(r.data), n)
	}

	n := ringbuf.SharedHeaderSize + ringSize
	cmd = r.data[:n:n]
	reply = r.data[n : n+ringbuf.SharedHeaderSize+replySize]
	return cmd, reply, nil
}

func (r *Region) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("path", r.path),
		slog.Int("size", len(r.data)),
		slog.Bool("created", r.created))
}
