// gfx/gfx.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// Package gfx connects a client device to a worker according to a
// configuration and manages the worker's lifetime.
package gfx

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/mmp/gfxthread/client"
	"github.com/mmp/gfxthread/config"
	"github.com/mmp/gfxthread/log"
	"github.com/mmp/gfxthread/props"
	"github.com/mmp/gfxthread/protocol"
	"github.com/mmp/gfxthread/renderer"
	"github.com/mmp/gfxthread/ringbuf"
	"github.com/mmp/gfxthread/shm"
	"github.com/mmp/gfxthread/util"
	"github.com/mmp/gfxthread/worker"

	"golang.org/x/sync/errgroup"
)

var ErrWorkerCrashed = errors.New("worker crashed")

// System is a running client/worker pair, or one half of a pair split
// across processes.
type System struct {
	// Client is nil on the worker side of a cross-process pair.
	Client *client.Device

	cfg      config.Config
	exec     *worker.Executor
	worker   *worker.Worker
	region   *shm.Region
	stalls   []*util.WaitReporter
	eg       errgroup.Group
	finished bool
	lg       *log.Logger
}

// Start creates a client device that runs commands on dev. If the
// configuration is threaded, a worker is started on its own goroutine.
// With cross_process set, the client and worker still run in this
// process but share only the rings.
func Start(cfg config.Config, dev renderer.Device, sheet *props.Sheet, lg *log.Logger) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &System{cfg: cfg, lg: lg}
	var ring, reply *ringbuf.Buffer
	if cfg.Threaded {
		var err error
		if ring, reply, err = s.makeRings(); err != nil {
			return nil, err
		}
	}

	s.exec = s.newExecutor(dev, reply)
	if cfg.Threaded {
		s.startWorker(ring, reply)
	}

	opts := client.Options{
		Config: cfg,
		Ring:   ring,
		Reply:  reply,
		Sheet:  sheet,
		Logger: lg.With(slog.String("component", "client")),
	}
	if !cfg.CrossProcess {
		opts.Executor, opts.Worker = s.exec, s.worker
	}
	d, err := client.New(opts)
	if err != nil {
		s.abort(ring)
		return nil, err
	}
	s.Client = d

	lg.Info("graphics system started", slog.Any("config", cfg))
	return s, nil
}

// Serve runs the worker half of a cross-process pair on dev, using the
// shared memory file named in the configuration. The caller waits for
// the client to quit with Wait.
func Serve(cfg config.Config, dev renderer.Device, lg *log.Logger) (*System, error) {
	if err := checkCrossProcess(cfg); err != nil {
		return nil, err
	}

	s := &System{cfg: cfg, lg: lg}
	ring, reply, err := s.makeRings()
	if err != nil {
		return nil, err
	}
	s.exec = s.newExecutor(dev, reply)
	s.startWorker(ring, reply)

	lg.Info("graphics worker serving", slog.Any("region", s.region))
	return s, nil
}

// Connect creates the client half of a cross-process pair. The worker
// side must use the same ring configuration.
func Connect(cfg config.Config, sheet *props.Sheet, lg *log.Logger) (*System, error) {
	if err := checkCrossProcess(cfg); err != nil {
		return nil, err
	}

	s := &System{cfg: cfg, lg: lg}
	ring, reply, err := s.makeRings()
	if err != nil {
		return nil, err
	}
	d, err := client.New(client.Options{
		Config: cfg,
		Ring:   ring,
		Reply:  reply,
		Sheet:  sheet,
		Logger: lg.With(slog.String("component", "client")),
	})
	if err != nil {
		s.closeRegion()
		return nil, err
	}
	s.Client = d

	lg.Info("graphics client connected", slog.Any("region", s.region))
	return s, nil
}

func checkCrossProcess(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !cfg.CrossProcess || cfg.SharedMemoryPath == "" {
		return fmt.Errorf("cross_process and shm_path must both be set: %w", config.ErrInvalid)
	}
	return nil
}

// makeRings returns the command and reply rings, backed by the shared
// memory file if one is configured.
func (s *System) makeRings() (ring, reply *ringbuf.Buffer, err error) {
	cfg := s.cfg
	ringStalls := util.NewWaitReporter("command ring", cfg.StallThreshold(), s.lg)
	replyStalls := util.NewWaitReporter("reply ring", cfg.StallThreshold(), s.lg)
	s.stalls = []*util.WaitReporter{ringStalls, replyStalls}

	ringOpts := []ringbuf.Option{ringbuf.WithStep(cfg.StreamStep), ringbuf.WithLogger(s.lg),
		ringbuf.WithWaitReporter(ringStalls)}
	replyOpts := []ringbuf.Option{ringbuf.WithStep(cfg.StreamStep), ringbuf.WithLogger(s.lg),
		ringbuf.WithWaitReporter(replyStalls)}

	if cfg.SharedMemoryPath != "" {
		s.region, err = shm.Open(cfg.SharedMemoryPath, shm.Size(cfg.RingSize, cfg.ReplySize))
		if err != nil {
			return nil, nil, err
		}
		cmdMem, replyMem, err := s.region.Rings(cfg.RingSize, cfg.ReplySize)
		if err != nil {
			s.closeRegion()
			return nil, nil, err
		}
		ringOpts = append(ringOpts, ringbuf.WithStorage(cmdMem, true))
		replyOpts = append(replyOpts, ringbuf.WithStorage(replyMem, true))
	}

	return ringbuf.NewThreaded(cfg.RingSize, ringOpts...), ringbuf.NewThreaded(cfg.ReplySize, replyOpts...), nil
}

func (s *System) newExecutor(dev renderer.Device, reply *ringbuf.Buffer) *worker.Executor {
	return worker.NewExecutor(dev, worker.ExecutorOptions{
		MaxCallDepth: s.cfg.MaxCallDepth,
		HistorySize:  s.cfg.HistorySize,
		Reply:        reply,
	}, s.lg.With(slog.String("component", "executor")))
}

// startWorker runs the worker on ring. If it crashes, both rings are
// closed on the worker's side so that a client blocked on either one
// fails instead of waiting forever.
func (s *System) startWorker(ring, reply *ringbuf.Buffer) {
	s.worker = worker.New(s.exec, ring, s.cfg.Lockstep, s.lg.With(slog.String("component", "worker")))
	s.eg.Go(func() (err error) {
		defer func() {
			// Run has already logged the crash.
			if r := recover(); r != nil {
				ring.CloseReader()
				reply.CloseWriter()
				err = fmt.Errorf("%w: %v", ErrWorkerCrashed, r)
			}
		}()
		s.worker.Run()
		return nil
	})
}

// abort stops a worker whose client could not be created.
func (s *System) abort(ring *ringbuf.Buffer) {
	if s.worker != nil {
		protocol.Encode(ring, protocol.CmdQuit, &protocol.Quit{})
		ring.WriteSubmitData()
		_ = s.eg.Wait()
	}
	s.closeRegion()
}

func (s *System) closeRegion() {
	if s.region != nil {
		if err := s.region.Close(); err != nil {
			s.lg.Warn("unable to unmap shared memory", slog.Any("error", err))
		}
		s.region = nil
	}
}

func (s *System) Config() config.Config { return s.cfg }

// Executor returns the executor that runs commands in this process, if
// any.
func (s *System) Executor() *worker.Executor { return s.exec }

// Wait blocks until the worker has exited and then releases the
// system's resources.
func (s *System) Wait() error {
	err := s.eg.Wait()
	if !s.finished {
		s.finished = true
		s.closeRegion()
		for _, st := range s.stalls {
			if st.Stalls() > 0 {
				s.lg.Warn("ring stalls", slog.Any("stalls", st))
			}
		}
		if s.exec != nil {
			s.lg.Info("worker stats", slog.Any("stats", s.exec.Stats()))
		}
	}
	return err
}

// Shutdown tells the worker to quit and waits for it to exit.
func (s *System) Shutdown() error {
	if s.Client != nil {
		s.Client.Quit()
	}
	return s.Wait()
}
