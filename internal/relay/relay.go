// Package relay manages the camera stream resource: an ffmpeg
// subprocess transcoding the camera's RTSP feed to MPEG-TS, fanned out
// to websocket clients through the stream registry.
package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tapoview/tapoview/internal/config/store"
	"github.com/tapoview/tapoview/internal/feed"
	"github.com/tapoview/tapoview/internal/observability"
	"github.com/tapoview/tapoview/internal/runtime"
	"github.com/tapoview/tapoview/internal/server"
)

// DefaultFFmpegPath is resolved against PATH.
const DefaultFFmpegPath = "ffmpeg"

const (
	writeWait  = 10 * time.Second
	pingPeriod = 54 * time.Second

	// clientBuffer bounds per-client backlog before chunks drop.
	clientBuffer = 64
)

// Fingerprint identifies one camera stream configuration. Flags are
// newline-joined so the struct stays comparable.
type Fingerprint struct {
	Host     string
	Login    string
	Password string
	Flags    string
}

func (f Fingerprint) flagList() []string {
	if f.Flags == "" {
		return nil
	}
	return strings.Split(f.Flags, "\n")
}

// rtspURL builds the camera endpoint; Tapo cameras expose the main
// stream at /stream1.
func (f Fingerprint) rtspURL() string {
	u := url.URL{
		Scheme: "rtsp",
		User:   url.UserPassword(f.Login, f.Password),
		Host:   f.Host,
		Path:   "/stream1",
	}
	return u.String()
}

// ExtractFingerprint derives the relay fingerprint from a settings
// snapshot. ok is false unless the full camera trio is configured.
func ExtractFingerprint(s store.Settings) (Fingerprint, bool) {
	camera, ok := s.Camera()
	if !ok {
		return Fingerprint{}, false
	}
	return Fingerprint{
		Host:     camera.Host,
		Login:    camera.Login,
		Password: camera.Password,
		Flags:    strings.Join(s.FFmpegFlags, "\n"),
	}, true
}

// Relay is one live stream: the ffmpeg process plus its broadcaster.
type Relay struct {
	cmd         *exec.Cmd
	broadcaster *Broadcaster
	done        chan struct{}
}

// Options configures NewManager.
type Options struct {
	// FFmpegPath overrides the transcoder binary; DefaultFFmpegPath
	// when empty.
	FFmpegPath string
	Logger     zerolog.Logger
	Metrics    *observability.Metrics
}

// NewManager builds the resource manager that keeps one relay in sync
// with the camera settings. Acquiring spawns ffmpeg and registers the
// stream handler; releasing deregisters it and kills the process.
func NewManager(settings *feed.Feed[store.Settings], registry *server.StreamRegistry, opts Options) (*runtime.ResourceManager[Fingerprint, *Relay], error) {
	ffmpegPath := opts.FFmpegPath
	if ffmpegPath == "" {
		ffmpegPath = DefaultFFmpegPath
	}
	lg := opts.Logger.With().Str("component", "relay").Logger()

	return runtime.NewResourceManager(runtime.ResourceConfig[Fingerprint, *Relay]{
		Name:     "relay",
		Settings: settings,
		Extract:  ExtractFingerprint,
		Acquire: func(ctx context.Context, fp Fingerprint) (*Relay, error) {
			relay, err := spawn(ffmpegPath, fp, lg)
			if err != nil {
				return nil, err
			}
			registry.Register(NewStreamHandler(relay.broadcaster, lg, opts.Metrics))
			lg.Info().Str("host", fp.Host).Msg("camera relay started")
			return relay, nil
		},
		Release: func(ctx context.Context, relay *Relay) error {
			registry.Deregister()
			return relay.stop(ctx)
		},
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
}

// spawn starts ffmpeg and the broadcaster goroutine feeding off its
// stdout.
func spawn(ffmpegPath string, fp Fingerprint, lg zerolog.Logger) (*Relay, error) {
	args := []string{"-rtsp_transport", "tcp", "-i", fp.rtspURL()}
	args = append(args, fp.flagList()...)
	args = append(args, "-f", "mpegts", "-codec:v", "mpeg1video", "-an", "pipe:1")

	cmd := exec.Command(ffmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("relay: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("relay: start %s: %w", ffmpegPath, err)
	}

	relay := &Relay{
		cmd:         cmd,
		broadcaster: NewBroadcaster(),
		done:        make(chan struct{}),
	}

	go func() {
		defer close(relay.done)
		if err := relay.broadcaster.Run(stdout); err != nil {
			lg.Warn().Err(err).Msg("stream read ended")
		}
		cmd.Wait()
	}()

	return relay, nil
}

// stop kills the transcoder and waits for the broadcaster to drain.
func (r *Relay) stop(ctx context.Context) error {
	if r.cmd.Process != nil {
		r.cmd.Process.Kill()
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay: stop: %w", ctx.Err())
	}
}

// NewStreamHandler serves the MPEG-TS stream over websocket binary
// frames, one client per connection.
func NewStreamHandler(b *Broadcaster, lg zerolog.Logger, metrics *observability.Metrics) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: chunkSize,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			lg.Debug().Err(err).Msg("stream upgrade failed")
			return
		}

		chunks, detach := b.Attach(clientBuffer)
		if metrics != nil {
			metrics.StreamClients.Inc()
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
				detach()
				conn.Close()
				if metrics != nil {
					metrics.StreamClients.Dec()
				}
			}()

			ticker := time.NewTicker(pingPeriod)
			defer ticker.Stop()

			for {
				select {
				case <-closed:
					return
				case chunk, ok := <-chunks:
					conn.SetWriteDeadline(time.Now().Add(writeWait))
					if !ok {
						conn.WriteMessage(websocket.CloseMessage, []byte{})
						return
					}
					if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
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
	})
}
