// util/sync.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package util

import (
	"log/slog"
	gomath "math"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/mmp/gfxthread/log"

	"github.com/shirou/gopsutil/cpu"
)

///////////////////////////////////////////////////////////////////////////
// WaitReporter

// WaitReporter blocks on semaphore channels and reports waits that take
// longer than a threshold, along with CPU and memory usage to help tell a
// stalled peer apart from an overloaded machine.
type WaitReporter struct {
	Name      string
	Threshold time.Duration
	lg        *log.Logger
	stalls    atomic.Int64
	longest   atomic.Int64 // nanoseconds
}

func NewWaitReporter(name string, threshold time.Duration, lg *log.Logger) *WaitReporter {
	if threshold <= 0 {
		threshold = 10 * time.Second
	}
	return &WaitReporter{Name: name, Threshold: threshold, lg: lg}
}

// Wait returns once a value can be received from ch. If that takes longer
// than the threshold, the stall is logged (repeatedly, every threshold
// interval) until the wait completes.
func (w *WaitReporter) Wait(ch <-chan struct{}, what string) {
	select {
	case <-ch:
		return
	default:
	}

	if DebuggerIsRunning() {
		<-ch
		return
	}

	start := time.Now()
	t := time.NewTimer(w.Threshold)
	defer t.Stop()

	stalled := false
	for {
		select {
		case <-ch:
			if stalled {
				d := time.Since(start)
				w.lg.Warn("long wait completed", slog.String("reporter", w.Name),
					slog.String("what", what), slog.Duration("wait", d))
				if int64(d) > w.longest.Load() {
					w.longest.Store(int64(d))
				}
			}
			return

		case <-t.C:
			if !stalled {
				w.stalls.Add(1)
				stalled = true
			}

			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			usage, _ := cpu.Percent(100*time.Millisecond, false)
			pct := 0
			if len(usage) > 0 {
				pct = int(gomath.Round(usage[0]))
			}

			w.lg.Error("stalled waiting", slog.String("reporter", w.Name), slog.String("what", what),
				slog.Duration("wait", time.Since(start)))
			w.lg.Errorf("CPU: %d%% alloc: %dMB total alloc: %dMB sys mem: %dMB goroutines: %d",
				pct, m.Alloc/(1024*1024), m.TotalAlloc/(1024*1024), m.Sys/(1024*1024),
				runtime.NumGoroutine())

			t.Reset(w.Threshold)
		}
	}
}

// Stalls returns the number of waits that exceeded the threshold.
func (w *WaitReporter) Stalls() int64 {
	return w.stalls.Load()
}

func (w *WaitReporter) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", w.Name),
		slog.Duration("threshold", w.Threshold),
		slog.Int64("stalls", w.stalls.Load()),
		slog.Duration("longest", time.Duration(w.longest.Load())))
}
