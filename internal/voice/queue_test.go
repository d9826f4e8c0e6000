package voice

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingConn holds every Play until released.
type blockingConn struct {
	fakeConn
	started chan string
	release chan struct{}
	once    sync.Once
}

func newBlockingConn() *blockingConn {
	return &blockingConn{started: make(chan string, 8), release: make(chan struct{})}
}

func (c *blockingConn) Play(ctx context.Context, audio []byte) error {
	c.started <- string(audio)
	select {
	case <-c.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.fakeConn.Play(ctx, audio)
}

func (c *blockingConn) Release() { c.once.Do(func() { close(c.release) }) }

func filled(audio string) *Clip {
	c := NewClip()
	c.Fill([]byte(audio))
	return c
}

func TestQueue_PlaysInOrderAndSkipsEmpty(t *testing.T) {
	conn := &fakeConn{}
	q := NewQueue(conn, zerolog.Nop())

	pending := NewClip()
	q.Push(pending)
	q.Push(filled(""))
	q.Push(filled("b"))
	assert.Equal(t, Playing, q.State())

	pending.Fill([]byte("a"))
	eventuallyPlayed(t, conn, "a", "b")
	require.Eventually(t, func() bool { return q.State() == Idle }, time.Second, time.Millisecond)
	assert.Zero(t, q.Len())

	// Idle queues restart on push.
	q.Push(filled("c"))
	eventuallyPlayed(t, conn, "a", "b", "c")
}

func TestQueue_NeverOverlaps(t *testing.T) {
	conn := newBlockingConn()
	q := NewQueue(conn, zerolog.Nop())

	q.Push(filled("a"))
	q.Push(filled("b"))

	assert.Equal(t, "a", <-conn.started)
	select {
	case got := <-conn.started:
		t.Fatalf("second clip %q started while first was playing", got)
	case <-time.After(30 * time.Millisecond):
	}

	conn.Release()
	assert.Equal(t, "b", <-conn.started)
	eventuallyPlayed(t, &conn.fakeConn, "a", "b")
}

func TestQueue_DestroyDiscardsAndReleasesOnce(t *testing.T) {
	conn := newBlockingConn()
	q := NewQueue(conn, zerolog.Nop())

	q.Push(filled("a"))
	q.Push(filled("b"))
	<-conn.started

	q.Destroy()
	q.Destroy()

	require.Eventually(t, func() bool { return conn.Closed() == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, conn.Played())
	assert.Zero(t, q.Len())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, conn.Closed())
	assert.Len(t, conn.started, 0)
}

func TestQueue_DestroyWhileWaitingForAudio(t *testing.T) {
	conn := &fakeConn{}
	q := NewQueue(conn, zerolog.Nop())

	clip := NewClip()
	q.Push(clip)
	q.Destroy()

	require.Eventually(t, func() bool { return conn.Closed() == 1 }, time.Second, time.Millisecond)

	// A late result is dropped.
	clip.Fill([]byte("late"))
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, conn.Played())
}

func TestQueue_DestroyIdleClosesImmediately(t *testing.T) {
	conn := &fakeConn{}
	q := NewQueue(conn, zerolog.Nop())
	q.Destroy()
	assert.Equal(t, 1, conn.Closed())
}

func TestQueue_PushAfterDestroyPanics(t *testing.T) {
	q := NewQueue(&fakeConn{}, zerolog.Nop())
	q.Destroy()
	assert.Panics(t, func() { q.Push(NewClip()) })
}

func TestClip_FirstFillWins(t *testing.T) {
	c := NewClip()
	c.Fill([]byte("a"))
	c.Fill([]byte("b"))

	audio, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", string(audio))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewClip().Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResample(t *testing.T) {
	in := []int16{0, 0, 100, 200}
	out := Resample(in, 24000, 48000)
	require.Len(t, out, 8)
	assert.Equal(t, []int16{0, 0, 50, 100, 100, 200, 100, 200}, out)

	assert.Equal(t, in, Resample(in, 48000, 48000))
}
