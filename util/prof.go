// util/prof.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package util

import (
	"errors"
	"fmt"
	"os"
	"runtime/pprof"
)

// Profiler writes CPU and heap profiles for a benchmark run. Either file
// name may be empty.
type Profiler struct {
	cpu, mem *os.File
}

func StartProfiler(cpu, mem string) (*Profiler, error) {
	p := &Profiler{}
	if cpu != "" {
		f, err := os.Create(cpu)
		if err != nil {
			return nil, fmt.Errorf("%s: unable to create CPU profile: %w", cpu, err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return nil, fmt.Errorf("unable to start CPU profile: %w", err)
		}
		p.cpu = f
	}
	if mem != "" {
		f, err := os.Create(mem)
		if err != nil {
			p.Stop()
			return nil, fmt.Errorf("%s: unable to create memory profile: %w", mem, err)
		}
		p.mem = f
	}
	return p, nil
}

// Stop finishes the CPU profile and writes the heap profile. It may be
// called more than once.
func (p *Profiler) Stop() error {
	var errs []error
	if p.cpu != nil {
		pprof.StopCPUProfile()
		errs = append(errs, p.cpu.Close())
		p.cpu = nil
	}
	if p.mem != nil {
		if err := pprof.WriteHeapProfile(p.mem); err != nil {
			errs = append(errs, fmt.Errorf("unable to write memory profile: %w", err))
		}
		errs = append(errs, p.mem.Close())
		p.mem = nil
	}
	return errors.Join(errs...)
}
