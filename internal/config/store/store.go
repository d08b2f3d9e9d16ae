// Package store owns the durable settings file. All reads and writes
// funnel through a single Store so concurrent updates serialise into a
// read-merge-validate-write cycle, and every successful change is
// multicast to observers through a replaying feed.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tapoview/tapoview/internal/feed"
)

// Options configures Open.
type Options struct {
	// Path locates the settings file. Required.
	Path   string
	Logger zerolog.Logger
}

// Store is the serialization point for the settings file.
type Store struct {
	path    string
	lg      zerolog.Logger
	changes *feed.Feed[Settings]

	mu       sync.Mutex
	lastStat fileStat
}

// fileStat identifies one on-disk version of the settings file, used to
// tell external edits apart from the store's own writes.
type fileStat struct {
	modTime time.Time
	size    int64
	valid   bool
}

// Open prepares the store: the settings file is created with defaults
// when absent, the current record is loaded, and the change feed is
// seeded with it. Permission problems on the settings path are fatal
// and returned as-is.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("store: settings path is required")
	}

	s := &Store{
		path:    opts.Path,
		lg:      opts.Logger.With().Str("component", "store").Logger(),
		changes: feed.New[Settings](),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); err != nil {
		if isPermission(err) {
			return nil, fmt.Errorf("store: access settings file %s: %w", s.path, err)
		}
		if err := s.persistLocked(DefaultSettings()); err != nil {
			return nil, fmt.Errorf("store: create settings file: %w", err)
		}
		s.lg.Info().Str("path", s.path).Msg("settings file created with defaults")
	}

	settings, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(s.path); err == nil {
		s.lastStat = fileStat{modTime: info.ModTime(), size: info.Size(), valid: true}
	}
	s.changes.Publish(settings.clone())
	return s, nil
}

// Load reads the settings file and returns a fully populated record.
// A missing file is recreated with defaults. An unreadable or invalid
// file yields in-memory defaults and leaves the file untouched; only
// permission errors propagate.
func (s *Store) Load() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Update merges u onto the latest persisted record, validates, persists
// and publishes the result. Concurrent calls serialise; overlapping
// fields are last-write-wins.
func (s *Store) Update(ctx context.Context, u Update) (Settings, error) {
	if err := ctx.Err(); err != nil {
		return Settings{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadLocked()
	if err != nil {
		return Settings{}, err
	}

	merged := current.merge(u)
	if err := validate(merged); err != nil {
		return Settings{}, fmt.Errorf("store: update rejected: %w", err)
	}

	if err := s.persistLocked(merged); err != nil {
		return Settings{}, fmt.Errorf("store: persist settings: %w", err)
	}

	s.changes.Publish(merged.clone())
	return merged, nil
}

// Changes exposes the settings feed: the current record is replayed to
// every new subscriber, then one emission follows each successful
// Update and each detected external file modification.
func (s *Store) Changes() *feed.Feed[Settings] {
	return s.changes
}

// Close terminates the change feed.
func (s *Store) Close() error {
	s.changes.Close()
	return nil
}

// Path returns the settings file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) loadLocked() (Settings, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if isPermission(err) {
			return Settings{}, fmt.Errorf("store: read settings file %s: %w", s.path, err)
		}
		if os.IsNotExist(err) {
			if err := s.persistLocked(DefaultSettings()); err != nil {
				return Settings{}, fmt.Errorf("store: recreate settings file: %w", err)
			}
			s.lg.Info().Str("path", s.path).Msg("settings file recreated with defaults")
			data, err = os.ReadFile(s.path)
			if err != nil {
				return Settings{}, fmt.Errorf("store: reread settings file: %w", err)
			}
		} else {
			s.lg.Warn().Err(err).Msg("settings file unreadable, falling back to defaults")
			return DefaultSettings(), nil
		}
	}

	// Absent keys keep their defaults; explicit nulls overwrite them.
	settings := DefaultSettings()
	if err := json.Unmarshal(data, &settings); err != nil {
		s.lg.Warn().Err(err).Msg("settings file is not valid JSON, falling back to defaults")
		return DefaultSettings(), nil
	}
	if err := validate(settings); err != nil {
		s.lg.Warn().Err(err).Msg("settings file failed validation, falling back to defaults")
		return DefaultSettings(), nil
	}
	return settings, nil
}

func (s *Store) persistLocked(settings Settings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	// Remember our own write so the watcher does not report it as an
	// external modification.
	if info, err := os.Stat(s.path); err == nil {
		s.lastStat = fileStat{modTime: info.ModTime(), size: info.Size(), valid: true}
	} else {
		s.lastStat = fileStat{}
	}
	return nil
}

func isPermission(err error) bool {
	return errors.Is(err, fs.ErrPermission)
}
