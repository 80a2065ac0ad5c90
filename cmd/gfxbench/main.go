// cmd/gfxbench/main.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// gfxbench runs a scripted multi-frame workload through a client device
// against the trace device and reports throughput and statistics.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/mmp/gfxthread/config"
	"github.com/mmp/gfxthread/gfx"
	"github.com/mmp/gfxthread/log"
	"github.com/mmp/gfxthread/renderer"
	"github.com/mmp/gfxthread/util"

	"github.com/apenwarr/fixconsole"
	"github.com/goforj/godump"
)

var (
	configFile   = flag.String("config", "", "TOML configuration file")
	threaded     = flag.Bool("threaded", true, "run device commands on a worker thread")
	crossProcess = flag.Bool("crossprocess", false, "share only the rings between the client and the worker")
	shmPath      = flag.String("shm", "", "file to hold the rings in shared memory")
	lockstep     = flag.String("lockstep", "off", "lockstep mode: off, command, frame")
	ringSize     = flag.Int("ringsize", 0, "command ring size in bytes (power of two)")
	frames       = flag.Int("frames", 600, "number of frames to run")
	objects      = flag.Int("objects", 200, "objects drawn per frame")
	useLists     = flag.Bool("lists", true, "draw objects with display lists")
	readback     = flag.Bool("readback", false, "read back the frame after each present")
	saveList     = flag.String("savelist", "", "save the per-object display list to this file")
	dump         = flag.Bool("dump", false, "dump detailed statistics")
	writeConfig  = flag.Bool("writeconfig", false, "print the effective configuration and exit")
	logLevel     = flag.String("loglevel", "info", "logging level: debug, info, warn, error")
	logDir       = flag.String("logdir", "", "log file directory")
	cpuprofile   = flag.String("cpuprofile", "", "write CPU profile to file")
	memprofile   = flag.String("memprofile", "", "write memory profile to this file")
)

func init() {
	// The client thread stands in for an application's main thread.
	runtime.LockOSThread()
}

// loadConfig returns the configuration from the config file, if any, with
// the flags that were given on the command line applied on top.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			return cfg, err
		}
	}

	var err error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "threaded":
			cfg.Threaded = *threaded
		case "crossprocess":
			cfg.CrossProcess = *crossProcess
		case "shm":
			cfg.SharedMemoryPath = *shmPath
		case "lockstep":
			err = errors.Join(err, cfg.Lockstep.UnmarshalText([]byte(*lockstep)))
		case "ringsize":
			cfg.RingSize = *ringSize
		case "loglevel":
			cfg.LogLevel = *logLevel
		case "logdir":
			cfg.LogDir = *logDir
		}
	})
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func main() {
	flag.Parse()

	if err := fixconsole.FixConsoleIfNeeded(); err != nil {
		fmt.Printf("FixConsole: %v\n", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gfxbench: %v\n", err)
		os.Exit(1)
	}
	if *writeConfig {
		b, err := cfg.Encode()
		if err != nil {
			fmt.Fprintf(os.Stderr, "gfxbench: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(b)
		return
	}

	lg := log.New(cfg.LogLevel, cfg.LogDir)
	defer lg.CatchAndReportCrash()

	prof, err := util.StartProfiler(*cpuprofile, *memprofile)
	if err != nil {
		lg.Errorf("%v", err)
		fmt.Fprintf(os.Stderr, "gfxbench: %v\n", err)
		os.Exit(1)
	}

	dev := renderer.NewTraceDevice(false, lg.With(slog.String("component", "device")))
	sys, err := gfx.Start(cfg, dev, nil, lg)
	if err != nil {
		lg.Errorf("%v", err)
		fmt.Fprintf(os.Stderr, "gfxbench: %v\n", err)
		os.Exit(1)
	}

	b := newBench(sys.Client, *objects, *useLists, *readback)
	start := time.Now()
	for i := range *frames {
		if err := b.frame(i); err != nil {
			lg.Errorf("frame %d: %v", i, err)
			fmt.Fprintf(os.Stderr, "gfxbench: frame %d: %v\n", i, err)
			break
		}
	}
	clientTime := time.Since(start)
	lg.Infof("submitted %d frames in %s", *frames, clientTime)

	if *saveList != "" {
		if err := b.save(*saveList); err != nil {
			lg.Errorf("%v", err)
			fmt.Fprintf(os.Stderr, "gfxbench: %v\n", err)
		}
	}
	b.release()

	if err := sys.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "gfxbench: %v\n", err)
	}
	total := time.Since(start)
	if err := prof.Stop(); err != nil {
		lg.Errorf("%v", err)
	}

	report(cfg, sys, dev, clientTime, total)
}

func report(cfg config.Config, sys *gfx.System, dev *renderer.TraceDevice, clientTime, total time.Duration) {
	rs := dev.Stats()
	cs := sys.Client.Stats()
	fmt.Printf("%d frames in %s (client %s): %.1f frames/s, %.0f draws/s\n", rs.Frames,
		total.Round(time.Millisecond), clientTime.Round(time.Millisecond),
		float64(rs.Frames)/total.Seconds(), float64(rs.DrawCalls)/total.Seconds())
	fmt.Printf("mode: threaded=%v cross_process=%v lockstep=%s\n", cfg.Threaded, cfg.CrossProcess, cfg.Lockstep)
	fmt.Printf("device: %s\n", rs.String())
	fmt.Printf("client: queued %d, direct %d, recorded %d, readbacks %d, waits %d\n",
		cs.Queued, cs.Direct, cs.Recorded, cs.Readbacks, cs.Waits)

	if exec := sys.Executor(); exec != nil {
		fmt.Printf("worker: %s\n", exec.Stats())
		if *dump {
			if b, err := exec.Stats().MarshalJSON(); err == nil {
				fmt.Printf("%s\n", b)
			}
		}
	}
	if *dump {
		godump.Dump(cs)
		godump.Dump(map[string]int64{
			"resolve_cache_hits":   sys.Client.ResolveCache().Hits(),
			"resolve_cache_misses": sys.Client.ResolveCache().Misses(),
		})
		godump.Dump(rs)
	}
}
