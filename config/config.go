package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Duration is a time.Duration written as a string ("10ms", "5s") in TOML.
type Duration time.Duration

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Daemon contains listener configuration.
type Daemon struct {
	Socket        string `toml:"socket"`
	WebSocketAddr string `toml:"websocket_addr"`
}

// Plugins contains discovery, liveness and restart policy settings.
type Plugins struct {
	Dirs                []string `toml:"dirs"`
	RegistrationTimeout Duration `toml:"registration_timeout"`
	LivenessInterval    Duration `toml:"liveness_interval"`
	LivenessThreshold   int      `toml:"liveness_threshold"`
	MaxRestarts         int      `toml:"max_restarts"`
	RestartBackoff      Duration `toml:"restart_backoff"`
	MaxBackoff          Duration `toml:"max_backoff"`
	RestartWindow       Duration `toml:"restart_window"`
	StopGrace           Duration `toml:"stop_grace"`
}

// Routing contains dispatch and batching settings.
type Routing struct {
	BatchWindow    Duration `toml:"batch_window"`
	RequestTimeout Duration `toml:"request_timeout"`
	MaxInFlight    int      `toml:"max_in_flight"`
}

// Connections contains per front-end connection bounds.
type Connections struct {
	InboundQueue   int `toml:"inbound_queue"`
	OutboundQueue  int `toml:"outbound_queue"`
	MaxMessageSize int `toml:"max_message_size"`
}

// Actions holds the command vectors used to execute match actions.
type Actions struct {
	Open      []string `toml:"open"`
	Clipboard []string `toml:"clipboard"`
	Launch    []string `toml:"launch"`
}

// Logging contains configuration for log output.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config encapsulates all configuration values for quickd.
type Config struct {
	Daemon      Daemon      `toml:"daemon"`
	Plugins     Plugins     `toml:"plugins"`
	Routing     Routing     `toml:"routing"`
	Connections Connections `toml:"connections"`
	Actions     Actions     `toml:"actions"`
	Logging     Logging     `toml:"logging"`
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() (string, error) {
	if base, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "quickd", "config.toml"), nil
	}
	return expandPath("~/.config/quickd/config.toml")
}

// Load locates, parses, and validates a configuration file. A missing file is
// not an error: defaults and environment overrides apply. The resolved path
// and whether it existed are returned alongside the config.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return nil, "", false, fmt.Errorf("parse config: %s", strict.String())
			}
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if len(cfg.Plugins.Dirs) == 0 {
		cfg.Plugins.Dirs = DefaultPluginDirs()
	}
	cfg.applyEnv(os.LookupEnv)

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		var err error
		if path, err = DefaultConfigPath(); err != nil {
			return "", false, err
		}
	}
	expanded, err := expandPath(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return expanded, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %s is a directory", expanded)
	}
	return expanded, true, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) {
	if value, ok := lookup("QUICKD_PLUGIN_DIR"); ok && strings.TrimSpace(value) != "" {
		c.Plugins.Dirs = append([]string{strings.TrimSpace(value)}, c.Plugins.Dirs...)
	}
	if value, ok := lookup("QUICKD_SOCKET"); ok && strings.TrimSpace(value) != "" {
		c.Daemon.Socket = strings.TrimSpace(value)
	}
	if value, ok := lookup("QUICKD_WEBSOCKET_ADDR"); ok {
		c.Daemon.WebSocketAddr = strings.TrimSpace(value)
	}
	if value, ok := lookup("QUICKD_LOG_LEVEL"); ok && strings.TrimSpace(value) != "" {
		c.Logging.Level = value
	}
	if value, ok := lookup("QUICKD_LOG_FORMAT"); ok && strings.TrimSpace(value) != "" {
		c.Logging.Format = value
	}
}

// Encode renders the effective configuration as TOML
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && pathValue[1] == '/' {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}
