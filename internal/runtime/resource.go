package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tapoview/tapoview/internal/config/store"
	"github.com/tapoview/tapoview/internal/feed"
	"github.com/tapoview/tapoview/internal/observability"
)

// ResourceConfig parameterises a ResourceManager. Extract derives the
// dependent-config fingerprint from a settings snapshot; ok=false means
// the fingerprint is unresolvable and no resource should be live.
type ResourceConfig[K comparable, H any] struct {
	Name     string
	Settings *feed.Feed[store.Settings]
	Extract  func(store.Settings) (K, bool)
	Acquire  func(ctx context.Context, key K) (H, error)
	Release  func(ctx context.Context, handle H) error
	Logger   zerolog.Logger
	Metrics  *observability.Metrics
}

// ResourceManager keeps exactly one live handle in sync with the
// fingerprint derived from the latest settings snapshot:
//
//   - unresolvable fingerprint → release, hold none
//   - changed fingerprint → release old, then acquire new
//   - unchanged fingerprint → no action
//   - acquire failure → hold none until the next qualifying change
//   - shutdown → release whatever is live
//
// The old handle is always released before the new one is acquired, so
// two live handles never coexist; a brief gap with none is accepted.
type ResourceManager[K comparable, H any] struct {
	cfg ResourceConfig[K, H]
	lg  zerolog.Logger

	mu     sync.Mutex
	live   bool
	key    K
	handle H

	sub    *feed.Subscription[store.Settings]
	cancel context.CancelFunc
	done   chan struct{}
}

// NewResourceManager validates the configuration and builds the manager.
func NewResourceManager[K comparable, H any](cfg ResourceConfig[K, H]) (*ResourceManager[K, H], error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("runtime: resource name is required")
	}
	if cfg.Settings == nil || cfg.Extract == nil || cfg.Acquire == nil || cfg.Release == nil {
		return nil, fmt.Errorf("runtime: resource %q: settings, extract, acquire and release are required", cfg.Name)
	}
	return &ResourceManager[K, H]{
		cfg: cfg,
		lg:  cfg.Logger.With().Str("component", "resource").Str("resource", cfg.Name).Logger(),
	}, nil
}

// Start subscribes to the settings feed and begins supervising. The
// current settings snapshot is replayed by the feed, so the first
// reconciliation happens immediately.
func (m *ResourceManager[K, H]) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.sub = m.cfg.Settings.Subscribe()

	go func() {
		defer close(m.done)
		for {
			select {
			case <-loopCtx.Done():
				return
			case settings, ok := <-m.sub.C():
				if !ok {
					return
				}
				m.reconcile(loopCtx, settings)
			}
		}
	}()

	return nil
}

// Shutdown stops supervising and releases the live handle, if any.
func (m *ResourceManager[K, H]) Shutdown(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	if m.sub != nil {
		m.sub.Close()
	}
	if m.done != nil {
		select {
		case <-m.done:
		case <-ctx.Done():
		}
	}
	return m.releaseCurrent(ctx)
}

// Live reports whether a handle is currently held, and for which key.
func (m *ResourceManager[K, H]) Live() (K, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.key, m.live
}

func (m *ResourceManager[K, H]) reconcile(ctx context.Context, settings store.Settings) {
	key, ok := m.cfg.Extract(settings)
	if !ok {
		if err := m.releaseCurrent(ctx); err != nil {
			m.lg.Error().Err(err).Msg("release on unresolvable fingerprint failed")
		}
		return
	}

	m.mu.Lock()
	unchanged := m.live && key == m.key
	m.mu.Unlock()
	if unchanged {
		return
	}

	if err := m.releaseCurrent(ctx); err != nil {
		m.lg.Error().Err(err).Msg("release before reacquire failed")
	}

	handle, err := m.cfg.Acquire(ctx, key)
	if err != nil {
		m.lg.Error().Err(err).Msg("resource acquire failed, holding none")
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.ResourceFailures.WithLabelValues(m.cfg.Name).Inc()
		}
		return
	}

	m.mu.Lock()
	m.handle = handle
	m.key = key
	m.live = true
	m.mu.Unlock()

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ResourceAcquires.WithLabelValues(m.cfg.Name).Inc()
	}
	m.lg.Info().Msg("resource acquired")
}

func (m *ResourceManager[K, H]) releaseCurrent(ctx context.Context) error {
	m.mu.Lock()
	if !m.live {
		m.mu.Unlock()
		return nil
	}
	handle := m.handle
	var zeroH H
	var zeroK K
	m.handle = zeroH
	m.key = zeroK
	m.live = false
	m.mu.Unlock()

	releaseCtx := ctx
	if releaseCtx == nil || releaseCtx.Err() != nil {
		// Shutdown paths arrive with cancelled contexts; releasing still
		// needs a usable deadline.
		var cancel context.CancelFunc
		releaseCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	if err := m.cfg.Release(releaseCtx, handle); err != nil {
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.ResourceFailures.WithLabelValues(m.cfg.Name).Inc()
		}
		return fmt.Errorf("runtime: release resource %q: %w", m.cfg.Name, err)
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ResourceReleases.WithLabelValues(m.cfg.Name).Inc()
	}
	m.lg.Info().Msg("resource released")
	return nil
}
