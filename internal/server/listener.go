package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/tapoview/tapoview/internal/config/store"
	"github.com/tapoview/tapoview/internal/feed"
	"github.com/tapoview/tapoview/internal/observability"
	"github.com/tapoview/tapoview/internal/runtime"
)

// Listener is one live HTTP listener handle.
type Listener struct {
	port int
	srv  *http.Server
	ln   net.Listener
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// NewListenerManager builds the resource manager that keeps one HTTP
// listener bound to the configured port. A null port releases the
// listener; a port change rebinds.
func NewListenerManager(settings *feed.Feed[store.Settings], handler http.Handler, lg zerolog.Logger, metrics *observability.Metrics) (*runtime.ResourceManager[int, *Listener], error) {
	serveLg := lg.With().Str("component", "listener").Logger()

	return runtime.NewResourceManager(runtime.ResourceConfig[int, *Listener]{
		Name:     "listener",
		Settings: settings,
		Extract: func(s store.Settings) (int, bool) {
			return s.PortValue()
		},
		Acquire: func(ctx context.Context, port int) (*Listener, error) {
			ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
			if err != nil {
				return nil, fmt.Errorf("server: bind port %d: %w", port, err)
			}

			srv := &http.Server{Handler: handler}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveLg.Error().Err(err).Int("port", port).Msg("listener serve failed")
				}
			}()

			serveLg.Info().Int("port", port).Msg("listening")
			return &Listener{port: port, srv: srv, ln: ln}, nil
		},
		Release: func(ctx context.Context, l *Listener) error {
			if err := l.srv.Shutdown(ctx); err != nil {
				return fmt.Errorf("server: shutdown listener on port %d: %w", l.port, err)
			}
			return nil
		},
		Logger:  lg,
		Metrics: metrics,
	})
}
