package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "5s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the native duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Settings are the adapter's own tunables, read from an optional TOML file.
// The launch configuration (per-session) is separate; see Launch.
type Settings struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`

	// DialTimeout bounds one device connection attempt.
	DialTimeout Duration `toml:"dial_timeout"`

	// DialRetries is the number of connection attempts.
	DialRetries int `toml:"dial_retries"`

	// RequestTimeout bounds each device request.
	RequestTimeout Duration `toml:"request_timeout"`

	// CleanupTimeout bounds background disconnect work.
	CleanupTimeout Duration `toml:"cleanup_timeout"`

	// TransferChunkSize is the deployment chunk size in bytes.
	TransferChunkSize int `toml:"transfer_chunk_size"`
}

// DefaultSettings returns the settings used when no file is present.
func DefaultSettings() Settings {
	return Settings{
		LogLevel:          "info",
		DialTimeout:       Duration(5 * time.Second),
		DialRetries:       3,
		RequestTimeout:    Duration(10 * time.Second),
		CleanupTimeout:    Duration(5 * time.Second),
		TransferChunkSize: 32 * 1024,
	}
}

// SettingsPath resolves the settings file location.
// Resolution order: $MCUDAP_CONFIG > $XDG_CONFIG_HOME/mcudap/config.toml >
// ~/.config/mcudap/config.toml
func SettingsPath() string {
	if path := os.Getenv("MCUDAP_CONFIG"); path != "" {
		return path
	}
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, "mcudap", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "mcudap", "config.toml")
	}
	return filepath.Join(home, ".config", "mcudap", "config.toml")
}

// LoadSettings reads the settings file at path, falling back to defaults for
// absent fields. A missing file is not an error.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return settings, fmt.Errorf("read settings: %w", err)
	}

	if err := toml.Unmarshal(data, &settings); err != nil {
		return DefaultSettings(), fmt.Errorf("parse settings: %w", err)
	}

	if settings.DialTimeout <= 0 {
		settings.DialTimeout = DefaultSettings().DialTimeout
	}
	if settings.RequestTimeout <= 0 {
		settings.RequestTimeout = DefaultSettings().RequestTimeout
	}
	if settings.CleanupTimeout <= 0 {
		settings.CleanupTimeout = DefaultSettings().CleanupTimeout
	}
	if settings.DialRetries <= 0 {
		settings.DialRetries = DefaultSettings().DialRetries
	}
	if settings.TransferChunkSize <= 0 {
		settings.TransferChunkSize = DefaultSettings().TransferChunkSize
	}

	return settings, nil
}
