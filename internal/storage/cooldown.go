package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/relvacode/iso8601"

	"github.com/afroash/aq-notify/internal/cooldown"
)

// CooldownPersister stores cooldown timestamps in the cooldowns table. Each
// Store is a single upsert, so readers see the old or the new value.
type CooldownPersister struct {
	store *SQLiteStore
}

var _ cooldown.Persister = (*CooldownPersister)(nil)

func NewCooldownPersister(store *SQLiteStore) *CooldownPersister {
	return &CooldownPersister{store: store}
}

// Load returns cooldown.ErrNotFound when the channel has no row
func (p *CooldownPersister) Load(ch cooldown.Channel) (time.Time, error) {
	var raw string
	err := p.store.db.QueryRow("SELECT last_sent FROM cooldowns WHERE channel = ?", ch.String()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, cooldown.ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load cooldown %s: %w", ch, err)
	}

	at, err := iso8601.ParseString(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s timestamp %q: %w", ch, raw, err)
	}
	return at.UTC(), nil
}

func (p *CooldownPersister) Store(ch cooldown.Channel, at time.Time) error {
	_, err := p.store.db.Exec(`
		INSERT INTO cooldowns (channel, last_sent, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(channel) DO UPDATE SET last_sent = excluded.last_sent, updated_at = CURRENT_TIMESTAMP
	`, ch.String(), at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to store cooldown %s: %w", ch, err)
	}
	return nil
}
