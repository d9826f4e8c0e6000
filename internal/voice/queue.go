package voice

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Conn is a live audio connection to one voice channel.
type Conn interface {
	// Play renders one MP3 clip and returns when it finished or ctx is done.
	Play(ctx context.Context, audio []byte) error
	Close() error
}

type QueueState int

const (
	Idle QueueState = iota
	Playing
)

func (s QueueState) String() string {
	if s == Playing {
		return "playing"
	}
	return "idle"
}

// Queue plays clips on a connection one after another. It owns the
// connection and releases it on Destroy.
type Queue struct {
	conn Conn
	log  zerolog.Logger

	// played is called after each non-empty clip; may be nil.
	played func(err error)

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pending   []*Clip
	state     QueueState
	destroyed bool

	release sync.Once
}

func NewQueue(conn Conn, log zerolog.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{conn: conn, log: log, ctx: ctx, cancel: cancel}
}

// State reports whether a clip is being played or awaited.
func (q *Queue) State() QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Len returns the number of clips not yet finished, including the current one.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Push appends clip and starts playback when idle. Pushing to a destroyed
// queue is a programming error.
func (q *Queue) Push(clip *Clip) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.destroyed {
		panic("voice: push to destroyed queue")
	}
	q.pending = append(q.pending, clip)
	if q.state == Idle {
		q.state = Playing
		go q.run()
	}
}

// Destroy drops pending clips, stops playback and closes the connection.
// Safe to call more than once.
func (q *Queue) Destroy() {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return
	}
	q.destroyed = true
	q.pending = nil
	idle := q.state == Idle
	q.mu.Unlock()

	q.cancel()
	if idle {
		q.closeConn()
	}
	// Otherwise run closes the connection once playback has stopped.
}

func (q *Queue) run() {
	for {
		q.mu.Lock()
		if q.destroyed || len(q.pending) == 0 {
			q.state = Idle
			destroyed := q.destroyed
			q.mu.Unlock()
			if destroyed {
				q.closeConn()
			}
			return
		}
		clip := q.pending[0]
		q.mu.Unlock()

		audio, err := clip.Wait(q.ctx)
		if err == nil && len(audio) > 0 {
			err = q.conn.Play(q.ctx, audio)
			if err != nil && q.ctx.Err() == nil {
				q.log.Error().Err(err).Msg("failed to play clip")
			}
			if q.played != nil && q.ctx.Err() == nil {
				q.played(err)
			}
		}

		q.mu.Lock()
		if !q.destroyed {
			q.pending = q.pending[1:]
		}
		q.mu.Unlock()
	}
}

func (q *Queue) closeConn() {
	q.release.Do(func() {
		if err := q.conn.Close(); err != nil {
			q.log.Warn().Err(err).Msg("failed to close voice connection")
		}
	})
}
