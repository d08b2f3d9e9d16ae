package store

import (
	"context"
	"os"
	"time"
)

// Watch polls the settings file for external modifications and emits a
// fresh record on the change feed for each one. The store's own writes
// are not reported. The caller cancels ctx to stop the watcher. The
// interval is clamped to a minimum of 500ms to avoid excessive polling.
func (s *Store) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	if interval < 500*time.Millisecond {
		interval = 500 * time.Millisecond
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.checkFile()
			}
		}
	}()
}

func (s *Store) checkFile() {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		// A deleted file is handled lazily: the next load recreates it.
		return
	}

	current := fileStat{modTime: info.ModTime(), size: info.Size(), valid: true}
	if s.lastStat.valid && s.lastStat.modTime.Equal(current.modTime) && s.lastStat.size == current.size {
		return
	}

	settings, err := s.loadLocked()
	if err != nil {
		s.lg.Error().Err(err).Msg("reload after external settings change failed")
		return
	}

	s.lastStat = current
	s.lg.Info().Msg("settings file changed externally, republishing")
	s.changes.Publish(settings.clone())
}
