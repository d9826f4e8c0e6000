package tts

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// Message is one announcement to speak.
type Message struct {
	Content  string
	Language string
	// Voice is a display name within Language, or a numeric index into its
	// voice list.
	Voice string
}

// Synthesizer turns messages into MP3 audio. It never fails loudly: any
// problem is logged and yields no audio.
type Synthesizer struct {
	opts    Options
	log     zerolog.Logger
	tokens  *TokenCache
	catalog *Catalog
}

func NewSynthesizer(opts Options, tokens *TokenCache, catalog *Catalog, log zerolog.Logger) *Synthesizer {
	return &Synthesizer{opts: opts.withDefaults(), log: log, tokens: tokens, catalog: catalog}
}

// Synthesize returns MP3 bytes for msg, or nil when the feature is disabled
// or the backend call fails.
func (s *Synthesizer) Synthesize(ctx context.Context, msg Message) []byte {
	if !s.opts.Enabled() || s.catalog.Empty() {
		return nil
	}

	language, voice, ok := s.Resolve(msg.Language, msg.Voice)
	if !ok {
		s.log.Warn().Str("language", msg.Language).Msg("no voice available")
		return nil
	}

	token := s.tokens.Token(ctx)

	var audio []byte
	err := s.opts.Limiter.Do(ctx, func(ctx context.Context) error {
		var err error
		audio, err = s.request(ctx, token, language, voice.ShortName, msg.Content)
		return err
	})
	if err != nil {
		s.log.Error().Err(err).Str("voice", voice.ShortName).Msg("synthesis failed")
		return nil
	}
	return audio
}

// Resolve picks the locale and voice for a requested pair. Unknown locales
// fall back to the default language; unknown voices are read as an index.
func (s *Synthesizer) Resolve(language, selector string) (string, Voice, bool) {
	if !s.catalog.Has(language) {
		language = s.opts.DefaultLanguage
	}
	voices := s.catalog.Voices(language)
	if len(voices) == 0 {
		return language, Voice{}, false
	}

	if i := indexByName(voices, selector); i >= 0 {
		return language, voices[i], true
	}

	i := leadingInt(selector)
	if i < 0 || i >= len(voices) {
		i = 0
	}
	return language, voices[i], true
}

// leadingInt parses the integer prefix of s the way JavaScript parseInt
// does, returning 0 when there is none.
func leadingInt(s string) int {
	s = strings.TrimLeft(s, " \t\n\r\v\f")
	neg := false
	if s != "" && (s[0] == '-' || s[0] == '+') {
		neg = s[0] == '-'
		s = s[1:]
	}

	n, digits := 0, 0
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
		digits++
		if n > 1<<20 {
			// Far beyond any catalog; clamped by the caller.
			break
		}
	}
	if digits == 0 {
		return 0
	}
	if neg {
		return -n
	}
	return n
}

func (s *Synthesizer) request(ctx context.Context, token, language, voice, content string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	body, err := ssml(language, voice, content)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.SynthesisURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build synthesis request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", s.opts.Key)
	req.Header.Set("Content-Type", "application/ssml+xml")
	req.Header.Set("X-Microsoft-OutputFormat", outputFormat)
	req.Header.Set("User-Agent", userAgent)

	return do(s.opts.HTTPClient, req)
}

func ssml(language, voice, content string) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(`<speak version="1.0" xmlns="http://www.w3.org/2001/10/synthesis" xml:lang="`)
	if err := xml.EscapeText(&b, []byte(language)); err != nil {
		return nil, err
	}
	b.WriteString(`"><voice name="`)
	if err := xml.EscapeText(&b, []byte(voice)); err != nil {
		return nil, err
	}
	b.WriteString(`">`)
	if err := xml.EscapeText(&b, []byte(content)); err != nil {
		return nil, err
	}
	b.WriteString(`</voice></speak>`)
	return b.Bytes(), nil
}
