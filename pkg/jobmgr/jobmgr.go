// Package jobmgr runs named background jobs under a shared parent context,
// with cancellation, lifecycle logging and in-memory tracking of running jobs.
//
// Typical usage:
//
//	jm := jobmgr.NewManager(ctx, log)
//
//	err := jm.StartAsync("catalog", func(ctx context.Context) error {
//	    // do work until ctx is cancelled
//	    return nil
//	})
//
//	// later...
//	jm.StopAll()
//	jm.Wait()
//
// No retry logic, no workers, no persistence. Jobs are removed on completion.
package jobmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Job represents a running unit of work.
type Job struct {
	Name   string
	Cancel context.CancelFunc
	done   chan struct{}
}

// Manager orchestrates starting, stopping and tracking jobs.
// It is safe for concurrent use.
type Manager struct {
	ctx  context.Context
	log  zerolog.Logger
	mu   sync.Mutex
	jobs map[string]*Job
	wg   sync.WaitGroup
}

// NewManager creates a Manager whose jobs are cancelled with ctx.
func NewManager(ctx context.Context, log zerolog.Logger) *Manager {
	return &Manager{
		ctx:  ctx,
		log:  log,
		jobs: make(map[string]*Job),
	}
}

// StartAsync runs a job in a separate goroutine and returns immediately.
// If a job with the same name is already running, an error is returned.
func (m *Manager) StartAsync(name string, runner func(ctx context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[name]; exists {
		return fmt.Errorf("job '%s' is already running", name)
	}
	if err := m.ctx.Err(); err != nil {
		return fmt.Errorf("job '%s' not started: %w", name, err)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	job := &Job{Name: name, Cancel: cancel, done: make(chan struct{})}
	m.jobs[name] = job
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		defer close(job.done)
		defer cancel()

		m.log.Debug().Str("job", name).Msg("job running")

		err := runner(ctx)
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			m.log.Error().Err(err).Str("job", name).Msg("job failed")
		default:
			m.log.Debug().Str("job", name).Msg("job done")
		}

		m.mu.Lock()
		if m.jobs[name] == job {
			delete(m.jobs, name)
		}
		m.mu.Unlock()
	}()

	return nil
}

// Stop cancels a running job by name and waits for it to return.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	job, ok := m.jobs[name]
	if ok {
		delete(m.jobs, name)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("job '%s' not running", name)
	}
	job.Cancel()
	<-job.done
	return nil
}

// StopAll cancels every running job without waiting.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, job := range m.jobs {
		job.Cancel()
		delete(m.jobs, name)
	}
}

// Wait blocks until every job started so far has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// List returns the sorted names of active jobs.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.jobs))
	for k := range m.jobs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Status returns a human-readable summary of active jobs, e.g.
// "Running jobs: authcodes, catalog".
func (m *Manager) Status() string {
	active := m.List()
	if len(active) == 0 {
		return "No jobs are running."
	}
	return fmt.Sprintf("Running jobs: %s", strings.Join(active, ", "))
}
