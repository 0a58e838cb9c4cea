package notify

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/afroash/aq-notify/internal/cooldown"
)

// RecipientLists holds one list per channel. Empty daily lists fall back
// to the matching ad-hoc list.
type RecipientLists struct {
	Text       []string `yaml:"text"`
	Email      []string `yaml:"email"`
	DailyText  []string `yaml:"daily_text"`
	DailyEmail []string `yaml:"daily_email"`
}

// For returns the list serving ch
func (l RecipientLists) For(ch cooldown.Channel) []string {
	switch ch {
	case cooldown.AdhocText:
		return l.Text
	case cooldown.AdhocEmail:
		return l.Email
	case cooldown.DailyText:
		if len(l.DailyText) > 0 {
			return l.DailyText
		}
		return l.Text
	case cooldown.DailyEmail:
		if len(l.DailyEmail) > 0 {
			return l.DailyEmail
		}
		return l.Email
	}
	return nil
}

func (l RecipientLists) empty() bool {
	return len(l.Text)+len(l.Email)+len(l.DailyText)+len(l.DailyEmail) == 0
}

// LoadRecipientsFile reads a YAML recipients file
func LoadRecipientsFile(path string) (RecipientLists, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RecipientLists{}, err
	}
	var lists RecipientLists
	if err := yaml.Unmarshal(data, &lists); err != nil {
		return RecipientLists{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if lists.empty() {
		return RecipientLists{}, fmt.Errorf("%s: no recipients", path)
	}
	return lists, nil
}

// RecipientFilter rewrites lists before they are installed
type RecipientFilter func(RecipientLists) RecipientLists

// Recipients is a concurrency-safe, reloadable set of recipient lists
type Recipients struct {
	mu     sync.RWMutex
	lists  RecipientLists
	filter RecipientFilter
	logger zerolog.Logger
}

func NewRecipients(lists RecipientLists, logger zerolog.Logger) *Recipients {
	return NewFilteredRecipients(lists, nil, logger)
}

// NewFilteredRecipients applies filter to lists now and to every later Set,
// reloads included
func NewFilteredRecipients(lists RecipientLists, filter RecipientFilter, logger zerolog.Logger) *Recipients {
	r := &Recipients{filter: filter, logger: logger}
	r.Set(lists)
	return r
}

// For returns a copy of the list serving ch
func (r *Recipients) For(ch cooldown.Channel) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.lists.For(ch)...)
}

// Set replaces every list, passing them through the filter first
func (r *Recipients) Set(lists RecipientLists) {
	if r.filter != nil {
		lists = r.filter(lists)
	}
	r.mu.Lock()
	r.lists = lists
	r.mu.Unlock()
}

// Lists returns the installed lists
func (r *Recipients) Lists() RecipientLists {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lists
}

// Watch reloads path on every write until ctx is cancelled. A reload that
// fails keeps the previous lists.
func (r *Recipients) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}
	r.logger.Info().Str("path", path).Msg("Watching recipients file")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// editors often save by rename, which shows up as create
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			lists, err := LoadRecipientsFile(path)
			if err != nil {
				r.logger.Error().Err(err).Str("path", path).Msg("Recipients reload failed, keeping previous lists")
				continue
			}
			r.Set(lists)
			installed := r.Lists()
			r.logger.Info().
				Int("text", len(installed.Text)).
				Int("email", len(installed.Email)).
				Msg("Recipients reloaded")

			// the inode may have been replaced
			_ = watcher.Add(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Error().Err(err).Msg("Recipients watcher error")
		}
	}
}
