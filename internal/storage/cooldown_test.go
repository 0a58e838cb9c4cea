package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/aq-notify/internal/cooldown"
)

func TestCooldownPersister_RoundTrip(t *testing.T) {
	p := NewCooldownPersister(setupTestDB(t))

	if _, err := p.Load(cooldown.DailyEmail); !errors.Is(err, cooldown.ErrNotFound) {
		t.Fatalf("Load(empty) err = %v, want ErrNotFound", err)
	}

	at := time.Date(2024, 1, 15, 22, 0, 0, 123456789, time.UTC)
	if err := p.Store(cooldown.DailyEmail, at); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	later := at.Add(14 * time.Hour)
	if err := p.Store(cooldown.DailyEmail, later); err != nil {
		t.Fatalf("second Store failed: %v", err)
	}

	got, err := p.Load(cooldown.DailyEmail)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !got.Equal(later) {
		t.Errorf("Load = %v, want %v", got, later)
	}
	if _, err := p.Load(cooldown.AdhocText); !errors.Is(err, cooldown.ErrNotFound) {
		t.Errorf("other channel err = %v, want ErrNotFound", err)
	}
}

func TestCooldownPersister_WithStore(t *testing.T) {
	p := NewCooldownPersister(setupTestDB(t))
	now := time.Date(2024, 1, 15, 22, 0, 0, 0, time.UTC)

	s := cooldown.Load(p, now, zerolog.Nop())
	if got := s.Last(cooldown.AdhocText); !got.Equal(now.Add(-cooldown.ColdStartAge)) {
		t.Errorf("cold start = %v", got)
	}
	if err := s.Confirm(cooldown.AdhocText, now); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}

	reloaded := cooldown.Load(p, now.Add(time.Hour), zerolog.Nop())
	if got := reloaded.Last(cooldown.AdhocText); !got.Equal(now) {
		t.Errorf("reloaded Last = %v, want %v", got, now)
	}
}
