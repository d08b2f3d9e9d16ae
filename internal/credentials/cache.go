// Package credentials derives the cloud credential from the settings
// record and caches it behind a replaying feed. Tokens are fetched at
// most once per login/password pair and persisted back into the
// settings file, so a daemon restart reuses the cached token instead of
// re-authenticating.
package credentials

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tapoview/tapoview/internal/config/store"
	"github.com/tapoview/tapoview/internal/feed"
	"github.com/tapoview/tapoview/internal/observability"
)

// Credential is the full cloud credential. It is only ever published
// with all three fields non-empty.
type Credential struct {
	Login    string
	Password string
	Token    string
}

// Issuer performs the remote token-issuance call.
type Issuer interface {
	IssueToken(ctx context.Context, login, password string) (string, error)
}

// SettingsStore is the slice of the config store the cache needs.
type SettingsStore interface {
	Update(ctx context.Context, u store.Update) (store.Settings, error)
	Changes() *feed.Feed[store.Settings]
}

// Options configures New.
type Options struct {
	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// Cache turns settings emissions into credential emissions:
//
//  1. login or password missing → nil credential ("none available")
//  2. token missing → issue one remotely, persist it via the store, and
//     emit nothing; the persisted change re-enters the pipeline
//  3. otherwise → emit {login, password, token}
//
// One worker goroutine consumes the settings subscription, so at most
// one issuance call is in flight; a settings change arriving mid-fetch
// supersedes the fetch, whose result is discarded on arrival.
type Cache struct {
	store   SettingsStore
	issuer  Issuer
	out     *feed.Feed[*Credential]
	lg      zerolog.Logger
	metrics *observability.Metrics

	sub    *feed.Subscription[store.Settings]
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs the cache. Nothing runs until Start.
func New(settingsStore SettingsStore, issuer Issuer, opts Options) *Cache {
	return &Cache{
		store:   settingsStore,
		issuer:  issuer,
		out:     feed.New[*Credential](),
		lg:      opts.Logger.With().Str("component", "credentials").Logger(),
		metrics: opts.Metrics,
	}
}

// Credentials exposes the derived credential feed. The latest value
// (nil for "none available") is replayed to new subscribers.
func (c *Cache) Credentials() *feed.Feed[*Credential] {
	return c.out
}

// Start subscribes to settings changes and begins deriving.
func (c *Cache) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.sub = c.store.Changes().Subscribe()

	go func() {
		defer close(c.done)
		for {
			select {
			case <-loopCtx.Done():
				return
			case settings, ok := <-c.sub.C():
				if !ok {
					return
				}
				c.handle(loopCtx, settings)
			}
		}
	}()

	return nil
}

// Shutdown stops the worker and closes the credential feed.
func (c *Cache) Shutdown(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.sub != nil {
		c.sub.Close()
	}
	if c.done != nil {
		select {
		case <-c.done:
		case <-ctx.Done():
		}
	}
	c.out.Close()
	return nil
}

// handle derives from settings, restarting on snapshots that superseded
// an in-flight fetch.
func (c *Cache) handle(ctx context.Context, settings store.Settings) {
	for {
		newer, superseded := c.derive(ctx, settings)
		if !superseded {
			return
		}
		settings = newer
	}
}

// derive runs one pipeline pass. When a token fetch completes but a
// newer settings snapshot arrived meanwhile, the fetched token is
// discarded and the newer snapshot is returned with superseded=true.
func (c *Cache) derive(ctx context.Context, settings store.Settings) (store.Settings, bool) {
	login, password, ok := settings.CloudLogin()
	if !ok {
		if c.out.PublishDistinct(nil, credentialsEqual) {
			c.lg.Info().Msg("cloud login/password not configured, no credential available")
		}
		return store.Settings{}, false
	}

	token := settings.TokenValue()
	if token == "" {
		if c.metrics != nil {
			c.metrics.TokenRefreshes.Inc()
		}
		issued, err := c.issuer.IssueToken(ctx, login, password)

		// A change that arrived during the fetch wins over its result.
		select {
		case newer, open := <-c.sub.C():
			if !open {
				return store.Settings{}, false
			}
			c.lg.Debug().Msg("settings changed during token fetch, discarding fetched token")
			return newer, true
		default:
		}

		if err != nil {
			if c.metrics != nil {
				c.metrics.TokenRefreshFails.Inc()
			}
			c.lg.Error().Err(err).Msg("token issuance failed, waiting for next settings change")
			return store.Settings{}, false
		}

		if _, err := c.store.Update(ctx, store.Update{Token: &issued}); err != nil {
			c.lg.Error().Err(err).Msg("persisting issued token failed")
			return store.Settings{}, false
		}
		// The update's own settings emission re-enters the pipeline and
		// completes step 3 there.
		return store.Settings{}, false
	}

	cred := &Credential{Login: login, Password: password, Token: token}
	if c.out.PublishDistinct(cred, credentialsEqual) {
		c.lg.Info().Str("login", login).Msg("credential refreshed")
	}
	return store.Settings{}, false
}

func credentialsEqual(a, b *Credential) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
