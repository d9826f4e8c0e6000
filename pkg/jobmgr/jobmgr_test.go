package jobmgr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func block(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestStartAsync_RejectsDuplicate(t *testing.T) {
	m := NewManager(context.Background(), zerolog.Nop())
	defer func() { m.StopAll(); m.Wait() }()

	require.NoError(t, m.StartAsync("a", block))
	assert.Error(t, m.StartAsync("a", block))
	assert.Equal(t, []string{"a"}, m.List())
	assert.Equal(t, "Running jobs: a", m.Status())
}

func TestStop_CancelsAndWaits(t *testing.T) {
	m := NewManager(context.Background(), zerolog.Nop())

	stopped := make(chan struct{})
	require.NoError(t, m.StartAsync("a", func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return nil
	}))

	require.NoError(t, m.Stop("a"))
	select {
	case <-stopped:
	default:
		t.Fatal("Stop returned before the job")
	}
	assert.Error(t, m.Stop("a"))
	assert.Equal(t, "No jobs are running.", m.Status())
}

func TestParentCancellationStopsJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(ctx, zerolog.Nop())

	require.NoError(t, m.StartAsync("a", block))
	require.NoError(t, m.StartAsync("b", block))
	cancel()
	m.Wait()

	assert.Empty(t, m.List())
	assert.Error(t, m.StartAsync("c", block), "no jobs start after the parent is done")
}

func TestFinishedJobsAreRemoved(t *testing.T) {
	m := NewManager(context.Background(), zerolog.Nop())

	require.NoError(t, m.StartAsync("a", func(context.Context) error { return errors.New("boom") }))
	m.Wait()
	assert.Empty(t, m.List())

	require.NoError(t, m.StartAsync("a", func(context.Context) error { return nil }), "name is free again")
	assert.Eventually(t, func() bool { return len(m.List()) == 0 }, time.Second, time.Millisecond)
	m.Wait()
}
