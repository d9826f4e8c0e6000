package voice

import (
	"context"
	"sync"
)

// Clip is a queued announcement whose audio may still be synthesizing. The
// queue keeps clips in push order and waits for each one to be filled.
type Clip struct {
	once  sync.Once
	done  chan struct{}
	audio []byte
}

func NewClip() *Clip {
	return &Clip{done: make(chan struct{})}
}

// Fill sets the audio. Only the first call has an effect; nil or empty audio
// makes the queue skip the clip.
func (c *Clip) Fill(audio []byte) {
	c.once.Do(func() {
		c.audio = audio
		close(c.done)
	})
}

// Wait blocks until the clip is filled or ctx is done.
func (c *Clip) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-c.done:
		return c.audio, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
