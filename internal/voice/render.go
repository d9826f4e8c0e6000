package voice

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hajimehoshi/go-mp3"
	"layeh.com/gopus"
)

const (
	channels   = 2
	sampleRate = 48000
	frameSize  = 960 // 20ms at 48kHz
	maxPacket  = frameSize * channels * 2

	// Discord needs a few silent frames after speech to avoid interpolation
	// glitches on the receiving side.
	trailingSilence = 5
	sendTimeout     = time.Second
)

var silenceFrame = []byte{0xF8, 0xFF, 0xFE}

// DiscordConn plays MP3 clips on a discordgo voice connection.
type DiscordConn struct {
	vc *discordgo.VoiceConnection
}

func NewDiscordConn(vc *discordgo.VoiceConnection) *DiscordConn {
	return &DiscordConn{vc: vc}
}

func (c *DiscordConn) Play(ctx context.Context, audio []byte) error {
	pcm, err := DecodeMP3(audio)
	if err != nil {
		return err
	}

	encoder, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		return fmt.Errorf("encoder error: %w", err)
	}

	if err := c.vc.Speaking(true); err != nil {
		return fmt.Errorf("speaking: %w", err)
	}
	defer c.vc.Speaking(false)

	frame := make([]int16, frameSize*channels)
	for off := 0; off < len(pcm); off += len(frame) {
		n := copy(frame, pcm[off:])
		clear(frame[n:])

		packet, err := encoder.Encode(frame, frameSize, maxPacket)
		if err != nil {
			return fmt.Errorf("encode error: %w", err)
		}
		if err := c.send(ctx, packet); err != nil {
			return err
		}
	}

	for range trailingSilence {
		if err := c.send(ctx, silenceFrame); err != nil {
			return err
		}
	}
	return nil
}

func (c *DiscordConn) send(ctx context.Context, packet []byte) error {
	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()

	select {
	case c.vc.OpusSend <- packet:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("voice connection stalled")
	}
}

func (c *DiscordConn) Close() error {
	return c.vc.Disconnect()
}

// DecodeMP3 returns interleaved 48kHz stereo samples for an MP3 clip.
func DecodeMP3(audio []byte) ([]int16, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(audio))
	if err != nil {
		return nil, fmt.Errorf("mp3 decode: %w", err)
	}

	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("mp3 decode: %w", err)
	}

	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return Resample(samples, dec.SampleRate(), sampleRate), nil
}

// Resample converts interleaved stereo samples between rates by linear
// interpolation.
func Resample(in []int16, from, to int) []int16 {
	if from == to || from <= 0 || len(in) < channels {
		return in
	}

	frames := len(in) / channels
	outFrames := int(int64(frames) * int64(to) / int64(from))
	out := make([]int16, outFrames*channels)

	for i := range outFrames {
		pos := float64(i) * float64(from) / float64(to)
		j := int(pos)
		frac := pos - float64(j)
		next := min(j+1, frames-1)
		for ch := range channels {
			a := float64(in[j*channels+ch])
			b := float64(in[next*channels+ch])
			out[i*channels+ch] = int16(a + (b-a)*frac)
		}
	}
	return out
}
