// Package tts talks to the Azure Cognitive Services speech backend: it keeps
// a short-lived bearer token, caches the voice catalog and turns announcement
// messages into MP3 audio.
package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/keshon/chiwawa/internal/logger"
	"github.com/keshon/chiwawa/pkg/throttle"
)

// RequestTimeout bounds every call to the backend.
const RequestTimeout = 8 * time.Second

const (
	outputFormat = "audio-24khz-48kbitrate-mono-mp3"
	userAgent    = "Chiwawa"
	maxErrorBody = 512
)

var ErrDisabled = errors.New("tts is disabled")

// Options configures the backend account.
type Options struct {
	Region          string
	Key             string // subscription key
	DefaultLanguage string

	// Endpoint overrides, derived from Region when empty.
	TokenURL     string
	VoicesURL    string
	SynthesisURL string

	HTTPClient *http.Client
	Limiter    *throttle.Limiter
}

// Enabled reports whether the account has credentials.
func (o Options) Enabled() bool {
	return o.Region != "" && o.Key != ""
}

func (o Options) withDefaults() Options {
	if o.TokenURL == "" {
		o.TokenURL = fmt.Sprintf("https://%s.api.cognitive.microsoft.com/sts/v1.0/issueToken", o.Region)
	}
	if o.VoicesURL == "" {
		o.VoicesURL = fmt.Sprintf("https://%s.tts.speech.microsoft.com/cognitiveservices/voices/list", o.Region)
	}
	if o.SynthesisURL == "" {
		o.SynthesisURL = fmt.Sprintf("https://%s.tts.speech.microsoft.com/cognitiveservices/v1", o.Region)
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: RequestTimeout}
	}
	if o.Limiter == nil {
		o.Limiter = throttle.New(5, 1, 20, 1, 0.5)
	}
	return o
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tts backend returned %d: %s", e.Code, e.Body)
}

func (e *StatusError) StatusCode() int { return e.Code }

// Engine bundles the three backend components sharing one account.
type Engine struct {
	Tokens  *TokenCache
	Catalog *Catalog
	Synth   *Synthesizer
}

// NewEngine builds the token cache, catalog and synthesizer for opts.
func NewEngine(opts Options) *Engine {
	opts = opts.withDefaults()
	log := logger.Component("tts")

	tokens := NewTokenCache(opts, log)
	catalog := NewCatalog(opts, log)
	return &Engine{
		Tokens:  tokens,
		Catalog: catalog,
		Synth:   NewSynthesizer(opts, tokens, catalog, log),
	}
}

// do sends req and returns the body of a 2xx response.
func do(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

// detached returns a context that survives the caller's cancellation but is
// still bounded by RequestTimeout. Used for shared work that outlives one
// caller.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), RequestTimeout)
}
