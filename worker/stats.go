// worker/stats.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package worker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/iancoleman/orderedmap"
	"github.com/mmp/gfxthread/protocol"
)

// Stats counts what an Executor has done.
type Stats struct {
	Commands      [protocol.NumTags]int64
	Direct        int64 // commands run via Direct
	Lists         int64 // display list executions, including nested ones
	MaxDepth      int
	StreamedBytes int64
	Frames        int64
	DeviceErrors  int64
}

func (s *Stats) Total() int64 {
	var n int64
	for _, c := range s.Commands {
		n += c
	}
	return n
}

// MarshalJSON encodes the per-command counts in tag order, omitting
// commands that were never run.
func (s *Stats) MarshalJSON() ([]byte, error) {
	cmds := orderedmap.New()
	for tag, n := range s.Commands {
		if n > 0 {
			cmds.Set(protocol.Tag(tag).String(), n)
		}
	}

	m := orderedmap.New()
	m.Set("total", s.Total())
	m.Set("direct", s.Direct)
	m.Set("lists", s.Lists)
	m.Set("max_depth", s.MaxDepth)
	m.Set("streamed_bytes", s.StreamedBytes)
	m.Set("frames", s.Frames)
	m.Set("device_errors", s.DeviceErrors)
	m.Set("commands", cmds)
	return json.Marshal(m)
}

func (s *Stats) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d commands (%d direct), %d lists (max depth %d), %d frames\n",
		s.Total(), s.Direct, s.Lists, s.MaxDepth, s.Frames)
	for tag, n := range s.Commands {
		if n > 0 {
			fmt.Fprintf(&sb, "  %-24s %d\n", protocol.Tag(tag), n)
		}
	}
	return sb.String()
}

func (s *Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("commands", s.Total()),
		slog.Int64("direct", s.Direct),
		slog.Int64("lists", s.Lists),
		slog.Int("max_depth", s.MaxDepth),
		slog.Int64("streamed_bytes", s.StreamedBytes),
		slog.Int64("frames", s.Frames),
		slog.Int64("device_errors", s.DeviceErrors))
}
