// renderer/stats.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package renderer

import (
	"fmt"
	"log/slog"
)

// Stats encapsulates assorted statistics from rendering.
type Stats struct {
	Frames       int
	DrawCalls    int
	Vertices     int
	StateChanges int
	Uploads      int
	UploadBytes  int
	Readbacks    int
	Dispatches   int
}

func (s *Stats) String() string {
	return fmt.Sprintf("%d frames, %d draw calls (%d vertices), %d state changes, %d uploads (%.2f MB), %d readbacks, %d dispatches",
		s.Frames, s.DrawCalls, s.Vertices, s.StateChanges, s.Uploads, float32(s.UploadBytes)/(1024*1024),
		s.Readbacks, s.Dispatches)
}

func (s *Stats) Merge(o Stats) {
	s.Frames += o.Frames
	s.DrawCalls += o.DrawCalls
	s.Vertices += o.Vertices
	s.StateChanges += o.StateChanges
	s.Uploads += o.Uploads
	s.UploadBytes += o.UploadBytes
	s.Readbacks += o.Readbacks
	s.Dispatches += o.Dispatches
}

func (s Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("frames", s.Frames),
		slog.Int("draw_calls", s.DrawCalls),
		slog.Int("vertices", s.Vertices),
		slog.Int("state_changes", s.StateChanges),
		slog.Int("uploads", s.Uploads),
		slog.Int("upload_bytes", s.UploadBytes),
		slog.Int("readbacks", s.Readbacks),
		slog.Int("dispatches", s.Dispatches),
	)
}
