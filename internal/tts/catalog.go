package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Voice is one entry of the backend catalog.
type Voice struct {
	DisplayName string `json:"DisplayName"`
	ShortName   string `json:"ShortName"`
	Locale      string `json:"Locale"`
}

type catalogSnapshot struct {
	locales []string           // first-seen order
	voices  map[string][]Voice // locale -> voices in backend order
}

// Catalog caches the backend's voice list grouped by locale. Readers never
// block; Load swaps in a complete snapshot.
type Catalog struct {
	opts Options
	log  zerolog.Logger

	// fetch returns the raw voice list; replaced in tests.
	fetch func(ctx context.Context) ([]Voice, error)

	snap atomic.Pointer[catalogSnapshot]
}

// NewCatalog returns an empty catalog for opts.
func NewCatalog(opts Options, log zerolog.Logger) *Catalog {
	opts = opts.withDefaults()
	c := &Catalog{opts: opts, log: log}
	c.fetch = c.request
	c.snap.Store(&catalogSnapshot{voices: map[string][]Voice{}})
	return c
}

// Load fetches the voice list and replaces the cached catalog. On failure
// the previous catalog is kept.
func (c *Catalog) Load(ctx context.Context) error {
	if !c.opts.Enabled() {
		return ErrDisabled
	}

	list, err := c.fetch(ctx)
	if err != nil {
		return fmt.Errorf("load voice catalog: %w", err)
	}

	snap := &catalogSnapshot{voices: make(map[string][]Voice)}
	for _, v := range list {
		voices, seen := snap.voices[v.Locale]
		if !seen {
			snap.locales = append(snap.locales, v.Locale)
		}
		if i := indexByName(voices, v.DisplayName); i >= 0 {
			voices[i].ShortName = v.ShortName
			continue
		}
		snap.voices[v.Locale] = append(voices, v)
	}
	c.snap.Store(snap)

	c.log.Info().Int("locales", len(snap.locales)).Int("voices", len(list)).Msg("voice catalog loaded")
	return nil
}

// Empty reports whether nothing has been loaded.
func (c *Catalog) Empty() bool {
	return len(c.snap.Load().locales) == 0
}

// Languages returns locale -> display name -> short name.
func (c *Catalog) Languages() map[string]map[string]string {
	snap := c.snap.Load()
	out := make(map[string]map[string]string, len(snap.voices))
	for locale, voices := range snap.voices {
		names := make(map[string]string, len(voices))
		for _, v := range voices {
			names[v.DisplayName] = v.ShortName
		}
		out[locale] = names
	}
	return out
}

// Locales lists locales in the order the backend reported them.
func (c *Catalog) Locales() []string {
	return append([]string(nil), c.snap.Load().locales...)
}

// Voices returns the ordered voices of locale.
func (c *Catalog) Voices(locale string) []Voice {
	return append([]Voice(nil), c.snap.Load().voices[locale]...)
}

// Has reports whether locale is in the catalog.
func (c *Catalog) Has(locale string) bool {
	_, ok := c.snap.Load().voices[locale]
	return ok
}

func indexByName(voices []Voice, name string) int {
	for i, v := range voices {
		if v.DisplayName == name {
			return i
		}
	}
	return -1
}

func (c *Catalog) request(ctx context.Context) ([]Voice, error) {
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.VoicesURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build voices request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.opts.Key)
	req.Header.Set("User-Agent", userAgent)

	body, err := do(c.opts.HTTPClient, req)
	if err != nil {
		return nil, err
	}

	var list []Voice
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("decode voices: %w", err)
	}
	return list, nil
}
