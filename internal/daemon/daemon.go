// Package daemon is the composition root: it opens the settings store,
// wires the credential, sensor, listener and relay services together
// and runs them under the service host until shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tapoview/tapoview/internal/config/store"
	"github.com/tapoview/tapoview/internal/credentials"
	"github.com/tapoview/tapoview/internal/observability"
	"github.com/tapoview/tapoview/internal/relay"
	"github.com/tapoview/tapoview/internal/runtime"
	"github.com/tapoview/tapoview/internal/sensors"
	"github.com/tapoview/tapoview/internal/server"
	"github.com/tapoview/tapoview/internal/tapo"
)

const (
	serviceOpTimeout     = 10 * time.Second
	defaultWatchInterval = time.Second
)

// Options configures New.
type Options struct {
	// SettingsPath locates the watched settings file.
	SettingsPath string

	// WatchInterval is the settings file poll cadence;
	// defaultWatchInterval when zero.
	WatchInterval time.Duration

	Logger zerolog.Logger
}

// Daemon owns the full service graph.
type Daemon struct {
	lg            zerolog.Logger
	watchInterval time.Duration

	store     *store.Store
	metrics   *observability.Metrics
	host      *runtime.ServiceHost
	lifecycle *runtime.Lifecycle

	ctx    context.Context
	cancel context.CancelFunc
}

// New opens the settings store and wires every service. Nothing runs
// until Run.
func New(opts Options) (*Daemon, error) {
	lg := opts.Logger.With().Str("component", "daemon").Logger()

	watchInterval := opts.WatchInterval
	if watchInterval <= 0 {
		watchInterval = defaultWatchInterval
	}

	settingsStore, err := store.Open(store.Options{
		Path:   opts.SettingsPath,
		Logger: opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: open settings store: %w", err)
	}

	metrics := observability.New()
	client := tapo.NewClient(tapo.WithLogger(opts.Logger))

	creds := credentials.New(settingsStore, client, credentials.Options{
		Logger:  opts.Logger,
		Metrics: metrics,
	})
	aggregator := sensors.New(client, creds.Credentials(), settingsStore.Changes(), sensors.Options{
		Logger:  opts.Logger,
		Metrics: metrics,
	})

	streams := server.NewStreamRegistry()
	httpServer := server.New(server.Config{
		Settings:    settingsStore.Changes(),
		Updater:     settingsStore,
		Devices:     aggregator.Devices(),
		Temperature: aggregator.Temperature(),
		Streams:     streams,
		Metrics:     metrics,
		Logger:      opts.Logger,
	})

	listenerManager, err := server.NewListenerManager(settingsStore.Changes(), httpServer.Router(), opts.Logger, metrics)
	if err != nil {
		settingsStore.Close()
		return nil, fmt.Errorf("daemon: build listener manager: %w", err)
	}
	relayManager, err := relay.NewManager(settingsStore.Changes(), streams, relay.Options{
		Logger:  opts.Logger,
		Metrics: metrics,
	})
	if err != nil {
		settingsStore.Close()
		return nil, fmt.Errorf("daemon: build relay manager: %w", err)
	}

	host := runtime.NewServiceHost()
	registrations := []struct {
		name    string
		service runtime.Service
	}{
		{"credentials", creds},
		{"sensors", aggregator},
		{"listener", listenerManager},
		{"relay", relayManager},
	}
	for _, reg := range registrations {
		service := reg.service
		err := host.Register(reg.name, func(ctx context.Context) (runtime.Service, error) {
			return service, nil
		})
		if err != nil {
			settingsStore.Close()
			return nil, fmt.Errorf("daemon: register %s: %w", reg.name, err)
		}
	}

	return &Daemon{
		lg:            lg,
		watchInterval: watchInterval,
		store:         settingsStore,
		metrics:       metrics,
		host:          host,
		lifecycle:     runtime.NewLifecycle(),
	}, nil
}

// Run starts every service and blocks until Shutdown is called. The
// returned error is the first start failure, or nil.
func (d *Daemon) Run() error {
	d.ctx, d.cancel = context.WithCancel(context.Background())

	if err := d.host.Start(d.ctx); err != nil {
		d.cancel()
		d.store.Close()
		return fmt.Errorf("daemon: start services: %w", err)
	}
	d.store.Watch(d.ctx, d.watchInterval)
	go d.watchHostErrors()

	d.lg.Info().Str("settings", d.store.Path()).Msg("daemon running")
	<-d.lifecycle.Done()

	d.cancel()

	stopCtx, cancel := context.WithTimeout(context.Background(), serviceOpTimeout)
	defer cancel()
	if err := d.host.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		d.lg.Error().Err(err).Msg("service shutdown error")
	}

	if err := d.store.Close(); err != nil {
		d.lg.Error().Err(err).Msg("settings store close error")
	}
	return nil
}

// Shutdown signals Run to stop. Safe to call more than once.
func (d *Daemon) Shutdown() {
	d.lifecycle.Shutdown()
}

func (d *Daemon) watchHostErrors() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case err, ok := <-d.host.Errors():
			if !ok {
				return
			}
			d.lg.Error().Err(err).Msg("service error")
		}
	}
}
