package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/keshon/chiwawa/internal/config"
	"github.com/keshon/chiwawa/internal/logger"
	"github.com/keshon/chiwawa/pkg/jobmgr"
)

// Supervisor runs one Context at a time and replaces it on Restart. Callers
// always see either the old or the new generation, never a half-built one.
type Supervisor struct {
	cfg     atomic.Pointer[config.Config]
	current atomic.Pointer[Context]
	restart chan struct{}
	mu      sync.Mutex // serializes config updates
	log     zerolog.Logger
}

func NewSupervisor(cfg *config.Config) *Supervisor {
	s := &Supervisor{
		restart: make(chan struct{}, 1),
		log:     logger.Component("supervisor"),
	}
	s.cfg.Store(cfg)
	return s
}

// Current returns the running generation, or nil before the first start.
func (s *Supervisor) Current() *Context {
	return s.current.Load()
}

func (s *Supervisor) Config() *config.Config {
	return s.cfg.Load()
}

// Run builds and runs generations until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	jobs := jobmgr.NewManager(ctx, logger.Component("jobs"))
	if err := jobs.StartAsync("config-watch", func(ctx context.Context) error {
		return config.Watch(ctx, s.Config().Path, s.reload)
	}); err != nil {
		return err
	}
	defer jobs.Wait()

	for generation := 1; ; generation++ {
		cfg := s.Config()
		c, err := Build(ctx, cfg, s)
		if err != nil {
			jobs.StopAll()
			return fmt.Errorf("build generation %d: %w", generation, err)
		}

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- c.Run(runCtx) }()
		s.current.Store(c)
		s.log.Info().Int("generation", generation).Msg("application generation running")

		select {
		case <-ctx.Done():
			cancel()
			<-done
			return nil
		case <-s.restart:
			s.log.Info().Int("generation", generation).Msg("restarting application")
			cancel()
			<-done
		case err := <-done:
			cancel()
			jobs.StopAll()
			return err
		}
	}
}

// Restart asks Run to replace the current generation. Requests made while a
// restart is pending are merged.
func (s *Supervisor) Restart() {
	select {
	case s.restart <- struct{}{}:
	default:
	}
}

// UpdateConfig applies an admin-supplied config, persists it and restarts.
func (s *Supervisor) UpdateConfig(next *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated, err := s.Config().Update(next)
	if err != nil {
		return err
	}
	if err := updated.Save(); err != nil {
		return fmt.Errorf("persist config: %w", err)
	}
	s.cfg.Store(updated)
	s.Restart()
	return nil
}

// reload picks up external edits of the config file. Writes made by
// UpdateConfig produce an identical fingerprint and are ignored.
func (s *Supervisor) reload() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.Config()
	next, err := config.LoadFile(cur)
	if err != nil {
		s.log.Error().Err(err).Str("path", cur.Path).Msg("ignoring config file change")
		return
	}
	if next.Fingerprint() == cur.Fingerprint() {
		return
	}
	s.log.Info().Str("path", cur.Path).Msg("config file changed")
	s.cfg.Store(next)
	s.Restart()
}
