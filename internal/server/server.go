// Package server exposes the HTTP/websocket surface: live feed
// endpoints, the settings form endpoint, the stream registry and the
// metrics exposition, all mounted on a chi router served by the
// managed listener.
package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tapoview/tapoview/internal/config/store"
	"github.com/tapoview/tapoview/internal/feed"
	"github.com/tapoview/tapoview/internal/observability"
	"github.com/tapoview/tapoview/internal/sensors"
)

//go:embed index.html
var indexPage []byte

const (
	writeWait  = 10 * time.Second
	pingPeriod = 54 * time.Second
)

// SettingsUpdater is the slice of the config store the settings
// endpoint needs.
type SettingsUpdater interface {
	Update(ctx context.Context, u store.Update) (store.Settings, error)
}

// Config wires the server to the daemon's feeds and services.
type Config struct {
	Settings    *feed.Feed[store.Settings]
	Updater     SettingsUpdater
	Devices     *feed.Feed[[]sensors.Device]
	Temperature *feed.Feed[*float64]
	Streams     *StreamRegistry
	Metrics     *observability.Metrics
	Logger      zerolog.Logger
}

// Server carries the handler state behind the router.
type Server struct {
	cfg      Config
	lg       zerolog.Logger
	upgrader websocket.Upgrader
	router   chi.Router
}

// New builds the server and its route table.
func New(cfg Config) *Server {
	s := &Server{
		cfg: cfg,
		lg:  cfg.Logger.With().Str("component", "server").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The daemon serves a trusted LAN; browsers hit it directly.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/api/temperature", s.handleTemperature)
	r.Get("/api/sensors", s.handleSensors)
	r.Get("/api/settings", s.handleSettingsFeed)
	r.Post("/api/settings", s.handleSettingsUpdate)
	if cfg.Streams != nil {
		r.Get("/api/stream", cfg.Streams.ServeHTTP)
	}
	if cfg.Metrics != nil {
		r.Get("/metrics", cfg.Metrics.Handler().ServeHTTP)
	}

	s.router = r
	return s
}

// Router returns the mounted handler for the managed listener.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexPage)
}

func (s *Server) handleTemperature(w http.ResponseWriter, r *http.Request) {
	serveFeed(s, "temperature", w, r, s.cfg.Temperature, func(t *float64) ([]byte, error) {
		return json.Marshal(t)
	})
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	serveFeed(s, "sensors", w, r, s.cfg.Devices, func(devices []sensors.Device) ([]byte, error) {
		if devices == nil {
			devices = []sensors.Device{}
		}
		return json.Marshal(devices)
	})
}

// redactedSettings is the client-visible settings subset. Passwords and
// cloud credentials never leave the daemon.
type redactedSettings struct {
	CameraHost  *string `json:"cameraHost"`
	CameraLogin *string `json:"cameraLogin"`
}

func (s *Server) handleSettingsFeed(w http.ResponseWriter, r *http.Request) {
	serveFeed(s, "settings", w, r, s.cfg.Settings, func(settings store.Settings) ([]byte, error) {
		return json.Marshal(redactedSettings{
			CameraHost:  settings.CameraHost,
			CameraLogin: settings.CameraLogin,
		})
	})
}

func (s *Server) handleSettingsUpdate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form data", http.StatusBadRequest)
		return
	}

	sensorID := r.PostFormValue("sensorDeviceId")
	if sensorID == "" {
		http.Error(w, "sensorDeviceId is required", http.StatusBadRequest)
		return
	}
	update := store.Update{TemperatureSensorDeviceID: &sensorID}

	// Camera fields apply all-or-nothing; a partial trio is ignored so a
	// half-filled form cannot break a working camera setup.
	host := r.PostFormValue("cameraHost")
	login := r.PostFormValue("cameraLogin")
	password := r.PostFormValue("cameraPassword")
	if host != "" && login != "" && password != "" {
		update.CameraHost = &host
		update.CameraLogin = &login
		update.CameraPassword = &password
	}

	if _, err := s.cfg.Updater.Update(r.Context(), update); err != nil {
		if store.IsInvalid(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.lg.Error().Err(err).Msg("settings update failed")
		http.Error(w, "settings update failed", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// serveFeed upgrades the request and streams feed values as JSON text
// frames until either side goes away. The read pump only watches for
// the close handshake.
func serveFeed[T any](s *Server, name string, w http.ResponseWriter, r *http.Request, f *feed.Feed[T], encode func(T) ([]byte, error)) {
	if f == nil {
		http.Error(w, "feed unavailable", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.lg.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := f.Subscribe(feed.WithBuffer(8))
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.FeedClients.WithLabelValues(name).Inc()
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			sub.Close()
			conn.Close()
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.FeedClients.WithLabelValues(name).Dec()
			}
		}()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-closed:
				return
			case value, ok := <-sub.C():
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if !ok {
					conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				payload, err := encode(value)
				if err != nil {
					s.lg.Error().Err(err).Msg("feed value encoding failed")
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()
}
