package store

import (
	"errors"
	"fmt"
)

// SchemaRef is the schema reference written into every settings file.
const SchemaRef = "./settings.schema.json"

// DefaultPort is the listener port applied when a settings file does
// not specify one.
const DefaultPort = 2024

// Settings is the full configuration record. Pointer fields distinguish
// an explicit JSON null from an absent key: absent keys take defaults
// on load, explicit nulls are preserved as "no value".
type Settings struct {
	Schema                    string   `json:"$schema"`
	Login                     *string  `json:"login"`
	Password                  *string  `json:"password"`
	Token                     *string  `json:"token"`
	CameraHost                *string  `json:"cameraHost"`
	CameraLogin               *string  `json:"cameraLogin"`
	CameraPassword            *string  `json:"cameraPassword"`
	TemperatureSensorDeviceID *string  `json:"temperatureSensorDeviceId"`
	Port                      *int     `json:"port"`
	FFmpegFlags               []string `json:"ffmpegFlags"`
}

// Update carries a partial settings change. Nil fields are left
// untouched by Store.Update.
type Update struct {
	Login                     *string
	Password                  *string
	Token                     *string
	CameraHost                *string
	CameraLogin               *string
	CameraPassword            *string
	TemperatureSensorDeviceID *string
	Port                      *int
	FFmpegFlags               []string
}

// ErrInvalidSettings marks a schema validation failure on load or update.
var ErrInvalidSettings = errors.New("settings validation failed")

// IsInvalid reports whether err stems from settings validation.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidSettings)
}

// DefaultSettings returns a fresh, fully populated record with the
// documented defaults. Every call allocates new pointers so callers can
// mutate the result freely.
func DefaultSettings() Settings {
	port := DefaultPort
	return Settings{
		Schema: SchemaRef,
		Port:   &port,
		FFmpegFlags: []string{
			"-q", "1",
			"-qmin", "1",
			"-qmax", "1",
			"-qdiff", "1",
			"-mbd", "2",
			"-b:v", "10000k",
		},
	}
}

// CloudLogin returns the cloud account credentials. ok is false when
// either half is missing.
func (s Settings) CloudLogin() (login, password string, ok bool) {
	login = deref(s.Login)
	password = deref(s.Password)
	return login, password, login != "" && password != ""
}

// TokenValue returns the cached cloud token, or "" when absent.
func (s Settings) TokenValue() string {
	return deref(s.Token)
}

// SensorDeviceID returns the selected sensor id, or "" when none is
// configured.
func (s Settings) SensorDeviceID() string {
	return deref(s.TemperatureSensorDeviceID)
}

// PortValue returns the configured listener port. ok is false when the
// port is null.
func (s Settings) PortValue() (int, bool) {
	if s.Port == nil {
		return 0, false
	}
	return *s.Port, true
}

// CameraConfig is the camera connection subset of the settings record.
type CameraConfig struct {
	Host     string
	Login    string
	Password string
}

// Camera returns the camera connection settings. ok is false unless
// host, login and password are all present.
func (s Settings) Camera() (CameraConfig, bool) {
	cfg := CameraConfig{
		Host:     deref(s.CameraHost),
		Login:    deref(s.CameraLogin),
		Password: deref(s.CameraPassword),
	}
	if cfg.Host == "" || cfg.Login == "" || cfg.Password == "" {
		return CameraConfig{}, false
	}
	return cfg, true
}

// clone deep-copies the record so published snapshots stay immutable.
func (s Settings) clone() Settings {
	out := s
	out.Login = clonePtr(s.Login)
	out.Password = clonePtr(s.Password)
	out.Token = clonePtr(s.Token)
	out.CameraHost = clonePtr(s.CameraHost)
	out.CameraLogin = clonePtr(s.CameraLogin)
	out.CameraPassword = clonePtr(s.CameraPassword)
	out.TemperatureSensorDeviceID = clonePtr(s.TemperatureSensorDeviceID)
	out.Port = clonePtr(s.Port)
	if s.FFmpegFlags != nil {
		out.FFmpegFlags = append([]string(nil), s.FFmpegFlags...)
	}
	return out
}

// merge applies the non-nil fields of u on top of s.
func (s Settings) merge(u Update) Settings {
	out := s.clone()
	if u.Login != nil {
		out.Login = clonePtr(u.Login)
	}
	if u.Password != nil {
		out.Password = clonePtr(u.Password)
	}
	if u.Token != nil {
		out.Token = clonePtr(u.Token)
	}
	if u.CameraHost != nil {
		out.CameraHost = clonePtr(u.CameraHost)
	}
	if u.CameraLogin != nil {
		out.CameraLogin = clonePtr(u.CameraLogin)
	}
	if u.CameraPassword != nil {
		out.CameraPassword = clonePtr(u.CameraPassword)
	}
	if u.TemperatureSensorDeviceID != nil {
		out.TemperatureSensorDeviceID = clonePtr(u.TemperatureSensorDeviceID)
	}
	if u.Port != nil {
		out.Port = clonePtr(u.Port)
	}
	if u.FFmpegFlags != nil {
		out.FFmpegFlags = append([]string(nil), u.FFmpegFlags...)
	}
	return out
}

// validate enforces the settings schema.
func validate(s Settings) error {
	if s.Schema == "" {
		return fmt.Errorf("%w: $schema must not be empty", ErrInvalidSettings)
	}
	if s.Port != nil && (*s.Port < 1 || *s.Port > 65535) {
		return fmt.Errorf("%w: port %d out of range [1,65535]", ErrInvalidSettings, *s.Port)
	}
	for i, flag := range s.FFmpegFlags {
		if flag == "" {
			return fmt.Errorf("%w: ffmpegFlags[%d] is empty", ErrInvalidSettings, i)
		}
	}
	return nil
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
