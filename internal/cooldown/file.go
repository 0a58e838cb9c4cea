package cooldown

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/relvacode/iso8601"
)

// FileStore keeps one ISO-8601 timestamp per channel, each in its own file
// under Dir.
type FileStore struct {
	Dir string
}

var _ Persister = (*FileStore)(nil)

// NewFileStore creates dir if needed
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cooldown dir: %w", err)
	}
	return &FileStore{Dir: dir}, nil
}

func (f *FileStore) path(ch Channel) string {
	return filepath.Join(f.Dir, "last_"+ch.String()+".txt")
}

// Load parses the channel's file
func (f *FileStore) Load(ch Channel) (time.Time, error) {
	data, err := os.ReadFile(f.path(ch))
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read %s: %w", ch, err)
	}

	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return time.Time{}, ErrNotFound
	}
	at, err := iso8601.ParseString(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s timestamp %q: %w", ch, raw, err)
	}
	return at.UTC(), nil
}

// Store writes the timestamp to a temp file in the same directory, syncs it
// and renames it over the previous value.
func (f *FileStore) Store(ch Channel, at time.Time) error {
	tmp, err := os.CreateTemp(f.Dir, ".last_"+ch.String()+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(at.UTC().Format(time.RFC3339Nano) + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path(ch)); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}

	if dir, err := os.Open(f.Dir); err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}
