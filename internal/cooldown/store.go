// Package cooldown keeps the last confirmed send time of every notification
// channel and persists it so restarts do not reset the anti-spam intervals.
package cooldown

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/aq-notify/internal/errs"
)

// ColdStartAge is how far in the past a missing record is placed
const ColdStartAge = 24 * time.Hour

// ErrNotFound is returned by a Persister that has no record for a channel
var ErrNotFound = errors.New("cooldown record not found")

// Channel identifies one independently rate-limited notification stream
type Channel int

const (
	AdhocText Channel = iota
	AdhocEmail
	DailyText
	DailyEmail
)

// Channels lists every channel in a stable order
func Channels() []Channel {
	return []Channel{AdhocText, AdhocEmail, DailyText, DailyEmail}
}

func (c Channel) String() string {
	switch c {
	case AdhocText:
		return "adhoc_text"
	case AdhocEmail:
		return "adhoc_email"
	case DailyText:
		return "daily_text"
	case DailyEmail:
		return "daily_email"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// IsDaily reports whether the channel carries the daily summary
func (c Channel) IsDaily() bool {
	return c == DailyText || c == DailyEmail
}

// ParseChannel is the inverse of Channel.String
func ParseChannel(s string) (Channel, error) {
	for _, c := range Channels() {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown cooldown channel %q", s)
}

// Persister loads and stores one timestamp per channel. Store must be atomic:
// after a crash a reader sees either the old or the new value.
type Persister interface {
	Load(ch Channel) (time.Time, error)
	Store(ch Channel, at time.Time) error
}

// Store is the in-memory view of the cooldown timestamps, safe for
// concurrent use.
type Store struct {
	mu        sync.RWMutex
	last      map[Channel]time.Time
	persister Persister
	logger    zerolog.Logger
}

// Load reads every channel from p. Missing or unreadable records fall back
// to now minus ColdStartAge so the channel may notify immediately.
func Load(p Persister, now time.Time, logger zerolog.Logger) *Store {
	s := &Store{
		last:      make(map[Channel]time.Time, 4),
		persister: p,
		logger:    logger,
	}
	coldStart := now.UTC().Add(-ColdStartAge)

	for _, ch := range Channels() {
		at, err := p.Load(ch)
		switch {
		case err == nil:
			s.last[ch] = at.UTC()
		case errors.Is(err, ErrNotFound):
			logger.Info().
				Str("channel", ch.String()).
				Time("assumed", coldStart).
				Msg("No cooldown record, using cold start")
			s.last[ch] = coldStart
		default:
			logger.Warn().
				Err(errs.Persistence("cooldown.load", err)).
				Str("channel", ch.String()).
				Time("assumed", coldStart).
				Msg("Cooldown record unreadable, using cold start")
			s.last[ch] = coldStart
		}
	}
	return s
}

// Last returns the last confirmed send time of ch
func (s *Store) Last(ch Channel) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last[ch]
}

// Elapsed returns how long ago ch last sent, measured from now
func (s *Store) Elapsed(ch Channel, now time.Time) time.Duration {
	return now.Sub(s.Last(ch))
}

// Confirm records a successful send on ch. The in-memory value always
// advances; a persistence failure is returned as a Persistence error.
func (s *Store) Confirm(ch Channel, at time.Time) error {
	at = at.UTC()

	s.mu.Lock()
	s.last[ch] = at
	s.mu.Unlock()

	if err := s.persister.Store(ch, at); err != nil {
		return errs.Persistence("cooldown.confirm", fmt.Errorf("%s: %w", ch, err))
	}
	s.logger.Debug().
		Str("channel", ch.String()).
		Time("at", at).
		Msg("Cooldown confirmed")
	return nil
}

// Snapshot returns a copy of all timestamps
func (s *Store) Snapshot() map[Channel]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[Channel]time.Time, len(s.last))
	for k, v := range s.last {
		out[k] = v
	}
	return out
}
