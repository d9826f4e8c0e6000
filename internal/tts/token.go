package tts

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// An empty token (failed issuance) is retried sooner than a real one.
	emptyTokenTTL = time.Minute
	tokenTTL      = 5 * time.Minute
)

// TokenCache hands out a bearer token for the speech backend, reissuing it
// when stale. Concurrent refreshes collapse into one request.
type TokenCache struct {
	opts Options
	log  zerolog.Logger
	now  func() time.Time

	// issue fetches a fresh token; replaced in tests.
	issue func(ctx context.Context) (string, error)

	mu       sync.RWMutex
	token    string
	issuedAt time.Time
	issued   bool

	group singleflight.Group
}

// NewTokenCache creates a cache for opts. No request is made until Token is
// called.
func NewTokenCache(opts Options, log zerolog.Logger) *TokenCache {
	opts = opts.withDefaults()
	c := &TokenCache{opts: opts, log: log, now: time.Now}
	c.issue = c.request
	return c
}

// Token returns the cached token, refreshing it first when stale. A failed
// refresh yields "" and is remembered for a minute.
func (c *TokenCache) Token(ctx context.Context) string {
	if !c.opts.Enabled() {
		return ""
	}

	c.mu.RLock()
	token, issuedAt, issued := c.token, c.issuedAt, c.issued
	c.mu.RUnlock()

	if issued && !stale(token, issuedAt, c.now()) {
		return token
	}

	v, _, _ := c.group.Do("token", func() (any, error) {
		ctx, cancel := detached(ctx)
		defer cancel()

		token, err := c.issue(ctx)
		if err != nil {
			c.log.Error().Err(err).Msg("failed to issue tts token")
			token = ""
		}

		c.mu.Lock()
		c.token, c.issuedAt, c.issued = token, c.now(), true
		c.mu.Unlock()
		return token, nil
	})
	return v.(string)
}

// IssuedAt returns when the current token was stored, zero if never.
func (c *TokenCache) IssuedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.issuedAt
}

func stale(token string, issuedAt, now time.Time) bool {
	ttl := tokenTTL
	if token == "" {
		ttl = emptyTokenTTL
	}
	return issuedAt.Add(ttl).Before(now)
}

func (c *TokenCache) request(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.TokenURL, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.opts.Key)
	req.Header.Set("User-Agent", userAgent)

	body, err := do(c.opts.HTTPClient, req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}
