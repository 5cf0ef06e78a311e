// Package config loads the engine's YAML configuration and wires up
// structured logging, in the style of the teacher's tui/config package:
// a flat Config struct, an embedded zeroconfig.Config for logging, and a
// load/save pair that tolerates a missing file on first run.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exerrors"
	"go.mau.fi/util/ptr"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

// Config is the engine's top-level configuration.
type Config struct {
	Homeserver string `yaml:"homeserver"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`

	SyncTimeout    time.Duration `yaml:"sync_timeout"`
	MinBackoff     time.Duration `yaml:"min_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	QueueCapacity  int           `yaml:"queue_capacity"`

	LogConfig zeroconfig.Config `yaml:"log_config"`

	Dir string `yaml:"-"`
}

func GetConfigDirectory() string {
	if root := os.Getenv("MATRIX_TUI_CONFIG_HOME"); root != "" {
		return root
	}
	return filepath.Join(exerrors.Must(os.UserConfigDir()), "matrix-tui")
}

func GetStateDirectory() string {
	if root := os.Getenv("MATRIX_TUI_STATE_HOME"); root != "" {
		return root
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(exerrors.Must(os.UserHomeDir()), "Library", "Application Support", "matrix-tui")
	case "windows":
		return filepath.Join(exerrors.Must(os.UserCacheDir()), "matrix-tui")
	default:
		if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
			return filepath.Join(xdg, "matrix-tui")
		}
		return filepath.Join(exerrors.Must(os.UserHomeDir()), ".local", "state", "matrix-tui")
	}
}

func GetLogDirectory() string {
	if root := os.Getenv("MATRIX_TUI_LOG_HOME"); root != "" {
		return root
	}
	return os.TempDir()
}

// New returns a Config with defaults applied, before Load overlays the
// on-disk YAML.
func New() *Config {
	return &Config{
		Dir:           GetConfigDirectory(),
		SyncTimeout:   30 * time.Second,
		MinBackoff:    time.Second,
		MaxBackoff:    30 * time.Second,
		QueueCapacity: 16,
		LogConfig: zeroconfig.Config{
			Writers: []zeroconfig.WriterConfig{{
				Type:   zeroconfig.WriterTypeFile,
				Format: zeroconfig.LogFormatJSON,
				FileConfig: zeroconfig.FileConfig{
					Filename:   filepath.Join(GetLogDirectory(), "matrix-tui.log"),
					MaxSize:    50,
					MaxBackups: 5,
				},
			}},
			MinLevel: ptr.Ptr(zerolog.InfoLevel),
		},
	}
}

// Load overlays config.yaml from Dir onto the receiver, leaving defaults in
// place for any field the file doesn't set. A missing file is not an error
// (first-run case).
func (c *Config) Load() error {
	path := filepath.Join(c.Dir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

// Save writes the current config back to config.yaml, creating Dir if
// needed.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.Dir, 0700); err != nil {
		return fmt.Errorf("create config dir %q: %w", c.Dir, err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := filepath.Join(c.Dir, "config.yaml")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config %q: %w", path, err)
	}
	return nil
}
