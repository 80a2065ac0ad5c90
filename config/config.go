// config/config.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// Package config holds the settings that control how the client and the
// worker are connected.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mmp/gfxthread/util"

	"github.com/pelletier/go-toml/v2"
)

var ErrInvalid = errors.New("invalid configuration")

// LockstepMode controls whether the client waits for the worker to catch
// up. It is meant for debugging ordering problems.
type LockstepMode int

const (
	LockstepOff LockstepMode = iota
	// LockstepCommand waits for every command to finish executing.
	LockstepCommand
	// LockstepFrame waits at the end of each frame.
	LockstepFrame
)

func (m LockstepMode) String() string {
	switch m {
	case LockstepOff:
		return "off"
	case LockstepCommand:
		return "command"
	case LockstepFrame:
		return "frame"
	default:
		return fmt.Sprintf("LockstepMode(%d)", int(m))
	}
}

func (m LockstepMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *LockstepMode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "off", "":
		*m = LockstepOff
	case "command":
		*m = LockstepCommand
	case "frame":
		*m = LockstepFrame
	default:
		return fmt.Errorf("%q: unknown lockstep mode: %w", string(b), ErrInvalid)
	}
	return nil
}

type Config struct {
	// Threaded runs device commands on a dedicated worker thread; if
	// false, every call executes immediately on the calling thread.
	Threaded bool `toml:"threaded"`
	// CrossProcess has the client and worker share nothing but the
	// command and reply rings (and so no handle tables).
	CrossProcess bool `toml:"cross_process"`
	// SharedMemoryPath, if set, is a file that backs the command ring.
	SharedMemoryPath string `toml:"shm_path"`

	RingSize         int          `toml:"ring_size"`
	ReplySize        int          `toml:"reply_size"`
	StreamStep       int          `toml:"stream_step"`
	Lockstep         LockstepMode `toml:"lockstep"`
	MaxCallDepth     int          `toml:"max_call_depth"`
	HistorySize      int          `toml:"history_size"`
	ResolveCacheSize int          `toml:"resolve_cache_size"`
	StallThresholdMS int          `toml:"stall_threshold_ms"`

	LogLevel string `toml:"log_level"`
	LogDir   string `toml:"log_dir"`
}

func Default() Config {
	return Config{
		Threaded:         true,
		RingSize:         1 << 20,
		ReplySize:        1 << 16,
		StreamStep:       1 << 14,
		Lockstep:         LockstepOff,
		MaxCallDepth:     16,
		HistorySize:      64,
		ResolveCacheSize: 256,
		StallThresholdMS: 10000,
		LogLevel:         "info",
	}
}

func (c Config) StallThreshold() time.Duration {
	return time.Duration(c.StallThresholdMS) * time.Millisecond
}

// Parse returns the default configuration overridden by the settings in
// the given TOML.
func Parse(b []byte) (Config, error) {
	c := Default()
	if err := toml.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return c, c.Validate()
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	c, err := Parse(b)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Encode returns the configuration as TOML.
func (c Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}

func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format+": %w", append(args, ErrInvalid)...))
		}
	}

	check(util.IsPowerOfTwo(c.RingSize) && c.RingSize >= 4096, "ring_size %d must be a power of two >= 4096", c.RingSize)
	check(util.IsPowerOfTwo(c.ReplySize) && c.ReplySize >= 4096, "reply_size %d must be a power of two >= 4096", c.ReplySize)
	check(c.StreamStep >= 8 && c.StreamStep%8 == 0, "stream_step %d must be a positive multiple of 8", c.StreamStep)
	check(c.StreamStep <= c.RingSize/2 && c.StreamStep <= c.ReplySize/2,
		"stream_step %d must be at most half of the ring sizes", c.StreamStep)
	check(c.Lockstep >= LockstepOff && c.Lockstep <= LockstepFrame, "lockstep mode %d", int(c.Lockstep))
	check(c.MaxCallDepth >= 1 && c.MaxCallDepth <= 256, "max_call_depth %d must be in [1,256]", c.MaxCallDepth)
	check(c.HistorySize >= 2, "history_size %d must be at least 2", c.HistorySize)
	check(c.ResolveCacheSize >= 1, "resolve_cache_size %d must be positive", c.ResolveCacheSize)
	check(c.StallThresholdMS > 0, "stall_threshold_ms %d must be positive", c.StallThresholdMS)
	check(!c.CrossProcess || c.Threaded, "cross_process requires threaded")
	check(c.SharedMemoryPath == "" || c.Threaded, "shm_path requires threaded")
	check(c.Lockstep == LockstepOff || !c.CrossProcess, "lockstep %s is not available with cross_process", c.Lockstep)

	return errors.Join(errs...)
}

func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("threaded", c.Threaded),
		slog.Bool("cross_process", c.CrossProcess),
		slog.String("shm_path", c.SharedMemoryPath),
		slog.Int("ring_size", c.RingSize),
		slog.Int("reply_size", c.ReplySize),
		slog.Int("stream_step", c.StreamStep),
		slog.String("lockstep", c.Lockstep.String()),
		slog.Int("max_call_depth", c.MaxCallDepth))
}
