// Package authcode holds the short-lived login codes handed out in chat when
// the dashboard runs without OAuth2.
package authcode

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	TTL           = 30 * time.Second
	SweepInterval = 5 * time.Second
	MaxEntries    = 256
)

// Prompt points at the chat message that carried the code.
type Prompt struct {
	ChannelID string
	MessageID string
}

type Entry struct {
	Code      string
	UserID    string
	Prompt    Prompt
	ExpiresAt time.Time
}

// Store maps codes to the users that requested them. Every entry leaves the
// store exactly once (consumed, expired or evicted) and its prompt is deleted
// at that moment.
type Store struct {
	deletePrompt func(Prompt)
	now          func() time.Time

	mu      sync.Mutex
	entries map[string]Entry
	order   []string // insertion order, may hold removed codes
}

// New creates a store. deletePrompt may be nil.
func New(deletePrompt func(Prompt)) *Store {
	if deletePrompt == nil {
		deletePrompt = func(Prompt) {}
	}
	return &Store{
		deletePrompt: deletePrompt,
		now:          time.Now,
		entries:      make(map[string]Entry),
	}
}

// NewCode returns a fresh random code.
func NewCode() string {
	return uuid.NewString()
}

// Add registers code for userID. The oldest entry is evicted when full.
func (s *Store) Add(code, userID string, prompt Prompt) {
	var removed []Entry

	s.mu.Lock()
	if old, ok := s.entries[code]; ok {
		delete(s.entries, code)
		removed = append(removed, old)
	}
	for len(s.entries) >= MaxEntries && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		if e, ok := s.entries[oldest]; ok {
			delete(s.entries, oldest)
			removed = append(removed, e)
		}
	}
	s.entries[code] = Entry{Code: code, UserID: userID, Prompt: prompt, ExpiresAt: s.now().Add(TTL)}
	s.order = append(s.order, code)
	s.mu.Unlock()

	s.drop(removed)
}

// Authorize consumes code. Expired codes are removed but not honoured.
func (s *Store) Authorize(code string) (Entry, bool) {
	s.mu.Lock()
	e, ok := s.entries[code]
	if ok {
		delete(s.entries, code)
	}
	s.mu.Unlock()

	if !ok {
		return Entry{}, false
	}
	s.drop([]Entry{e})
	return e, !s.now().After(e.ExpiresAt)
}

// Sweep removes entries expired at now and returns how many it removed.
func (s *Store) Sweep(now time.Time) int {
	var removed []Entry

	s.mu.Lock()
	seen := make(map[string]bool, len(s.entries))
	live := s.order[:0]
	for _, code := range s.order {
		e, ok := s.entries[code]
		if !ok || seen[code] {
			continue
		}
		seen[code] = true
		if now.After(e.ExpiresAt) {
			delete(s.entries, code)
			removed = append(removed, e)
			continue
		}
		live = append(live, code)
	}
	clear(s.order[len(live):])
	s.order = live
	s.mu.Unlock()

	s.drop(removed)
	return len(removed)
}

// Run sweeps every SweepInterval until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) drop(entries []Entry) {
	for _, e := range entries {
		s.deletePrompt(e.Prompt)
	}
}
