// Package sensors polls the Tapo cloud for hub-attached
// temperature/humidity sensors and publishes the aggregated readings.
package sensors

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/rs/zerolog"

	"github.com/tapoview/tapoview/internal/config/store"
	"github.com/tapoview/tapoview/internal/credentials"
	"github.com/tapoview/tapoview/internal/feed"
	"github.com/tapoview/tapoview/internal/observability"
	"github.com/tapoview/tapoview/internal/tapo"
)

// DefaultInterval is the poll cadence.
const DefaultInterval = time.Second

// Device is one aggregated sensor reading as served to clients.
// Temperature is nil while the sensor has not reported one.
type Device struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Temperature *float64 `json:"temperature"`
	Online      bool     `json:"online"`
	Selected    bool     `json:"selected"`
}

// API is the slice of the cloud client the aggregator uses.
type API interface {
	ListDevices(ctx context.Context, token string) ([]tapo.CloudDevice, error)
	HubChildDevices(ctx context.Context, login, password string, hub tapo.CloudDevice) ([]tapo.ChildDevice, error)
}

// Options configures New.
type Options struct {
	// Interval between polls; DefaultInterval when zero.
	Interval time.Duration
	Logger   zerolog.Logger
	Metrics  *observability.Metrics
}

// Aggregator drives the poll loop. One goroutine owns all state and
// selects over the poll ticker, the credential feed and the settings
// feed. A failed poll keeps the previous readings; a selection change
// re-marks the cached readings without waiting for the next poll.
type Aggregator struct {
	api      API
	creds    *feed.Feed[*credentials.Credential]
	settings *feed.Feed[store.Settings]
	interval time.Duration
	lg       zerolog.Logger
	metrics  *observability.Metrics

	devices     *feed.Feed[[]Device]
	temperature *feed.Feed[*float64]

	// Owned by the worker goroutine.
	cred       *credentials.Credential
	selectedID string
	readings   []reading
	polled     bool

	credSub     *feed.Subscription[*credentials.Credential]
	settingsSub *feed.Subscription[store.Settings]
	cancel      context.CancelFunc
	done        chan struct{}
}

// reading is a raw sensor observation before selection marking.
type reading struct {
	id          string
	name        string
	temperature *float64
	online      bool
}

// New constructs the aggregator. Nothing runs until Start.
func New(api API, creds *feed.Feed[*credentials.Credential], settings *feed.Feed[store.Settings], opts Options) *Aggregator {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Aggregator{
		api:         api,
		creds:       creds,
		settings:    settings,
		interval:    interval,
		lg:          opts.Logger.With().Str("component", "sensors").Logger(),
		metrics:     opts.Metrics,
		devices:     feed.New[[]Device](),
		temperature: feed.New[*float64](),
	}
}

// Devices exposes the aggregated device list feed. A snapshot is
// emitted after every successful poll and after selection re-marks.
func (a *Aggregator) Devices() *feed.Feed[[]Device] {
	return a.devices
}

// Temperature exposes the selected sensor's reading,
// distinct-until-changed. Nil means no reading is available.
func (a *Aggregator) Temperature() *feed.Feed[*float64] {
	return a.temperature
}

// Start launches the poll loop.
func (a *Aggregator) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.credSub = a.creds.Subscribe()
	a.settingsSub = a.settings.Subscribe()

	go a.run(loopCtx)
	return nil
}

// Shutdown stops the loop and closes the output feeds.
func (a *Aggregator) Shutdown(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.credSub != nil {
		a.credSub.Close()
	}
	if a.settingsSub != nil {
		a.settingsSub.Close()
	}
	if a.done != nil {
		select {
		case <-a.done:
		case <-ctx.Done():
		}
	}
	a.devices.Close()
	a.temperature.Close()
	return nil
}

func (a *Aggregator) run(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case cred, ok := <-a.credSub.C():
			if !ok {
				return
			}
			a.cred = cred
			// A fresh credential polls right away rather than waiting
			// out the current tick.
			a.poll(ctx)
		case settings, ok := <-a.settingsSub.C():
			if !ok {
				return
			}
			id := settings.SensorDeviceID()
			if id != a.selectedID {
				a.selectedID = id
				a.publish()
			}
		case <-ticker.C:
			a.poll(ctx)
		}
	}
}

// poll fetches the full sensor picture. On any failure the previous
// readings stand and the loop waits for the next tick.
func (a *Aggregator) poll(ctx context.Context) {
	// A credential that arrived just before the tick wins over the
	// cached one.
	select {
	case cred, ok := <-a.credSub.C():
		if ok {
			a.cred = cred
		}
	default:
	}

	if a.cred == nil {
		return
	}
	if a.metrics != nil {
		a.metrics.PollsTotal.Inc()
	}

	cloudDevices, err := a.api.ListDevices(ctx, a.cred.Token)
	if err != nil {
		a.pollFailed(err)
		return
	}

	var readings []reading
	for _, device := range cloudDevices {
		if !device.IsHub() {
			continue
		}
		children, err := a.api.HubChildDevices(ctx, a.cred.Login, a.cred.Password, device)
		if err != nil {
			a.pollFailed(err)
			return
		}
		for _, child := range children {
			if !child.IsTemperatureSensor() {
				continue
			}
			readings = append(readings, reading{
				id:          child.DeviceID,
				name:        decodeNickname(child.Nickname),
				temperature: child.CurrentTemp,
				online:      child.IsOnline(),
			})
		}
	}

	a.readings = readings
	a.polled = true
	a.publish()
}

func (a *Aggregator) pollFailed(err error) {
	if a.metrics != nil {
		a.metrics.PollFailures.Inc()
	}
	a.lg.Warn().Err(err).Msg("sensor poll failed, keeping previous readings")
}

// publish marks the selection on the cached readings and emits both
// feeds. The selected flag is set only when exactly one reading
// matches the configured device id.
func (a *Aggregator) publish() {
	if !a.polled {
		return
	}

	matches := 0
	if a.selectedID != "" {
		for _, r := range a.readings {
			if r.id == a.selectedID {
				matches++
			}
		}
	}

	devices := make([]Device, 0, len(a.readings))
	var selectedTemp *float64
	for _, r := range a.readings {
		selected := matches == 1 && r.id == a.selectedID
		if selected {
			selectedTemp = r.temperature
		}
		devices = append(devices, Device{
			ID:          r.id,
			Name:        r.name,
			Temperature: r.temperature,
			Online:      r.online,
			Selected:    selected,
		})
	}

	a.devices.Publish(devices)
	a.temperature.PublishDistinct(selectedTemp, temperaturesEqual)
}

func temperaturesEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// decodeNickname undoes the cloud's base64 nickname encoding; the raw
// value is kept when it does not decode.
func decodeNickname(nickname string) string {
	decoded, err := base64.StdEncoding.DecodeString(nickname)
	if err != nil {
		return nickname
	}
	return string(decoded)
}
