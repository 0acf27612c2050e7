// Package config loads nbtty settings from NBTTY_* environment variables
// and derives the runtime paths of named sessions.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"nbtty/internal/channel"
)

// Prefix is the environment variable prefix for every setting.
const Prefix = "NBTTY"

// Settings holds every tunable. Command-line flags override these after
// Load returns.
type Settings struct {
	// Home holds sockets, control files and logs of named sessions.
	// Defaults to ~/.nbtty. The variable is NBTTY_RUNTIME_DIR because
	// envconfig falls back to the unprefixed name, and $HOME is always set.
	Home string `envconfig:"RUNTIME_DIR"`

	// PollInterval is the minimum time between two window-size queries.
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"5s"`

	// Framing is "raw" or "framed".
	Framing string `envconfig:"FRAMING" default:"raw"`

	// Redraw is the session's default redraw method: none, ctrl-l or winch.
	Redraw string `envconfig:"REDRAW" default:"ctrl-l"`

	// Scrollback is how many bytes of output are replayed on reattach.
	Scrollback int `envconfig:"SCROLLBACK" default:"65536"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// LogDevelopment writes console-formatted log lines instead of JSON.
	LogDevelopment bool `envconfig:"LOG_DEVELOPMENT" default:"false"`

	// LogPath overrides the per-session log file. For the attach side it
	// enables logging at all.
	LogPath string `envconfig:"LOG_PATH"`

	// ReopenInterval is how long to wait between attempts to reopen a named
	// terminal device.
	ReopenInterval time.Duration `envconfig:"REOPEN_INTERVAL" default:"1s"`
}

// Load reads the environment and validates the result.
func Load() (Settings, error) {
	var settings Settings
	if err := envconfig.Process(Prefix, &settings); err != nil {
		return Settings{}, fmt.Errorf("load configuration: %w", err)
	}
	if settings.Home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Settings{}, fmt.Errorf("locate home directory: %w", err)
		}
		settings.Home = filepath.Join(home, ".nbtty")
	}
	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// Validate checks values that envconfig cannot.
func (s Settings) Validate() error {
	if _, err := channel.ParseMode(s.Framing); err != nil {
		return err
	}
	if _, err := channel.ParseRedrawMethod(s.Redraw); err != nil {
		return err
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", s.PollInterval)
	}
	if s.ReopenInterval <= 0 {
		return fmt.Errorf("reopen interval must be positive, got %s", s.ReopenInterval)
	}
	if s.Scrollback < 0 {
		return fmt.Errorf("scrollback must not be negative, got %d", s.Scrollback)
	}
	return nil
}

// Mode returns the parsed framing mode. Validate must have succeeded.
func (s Settings) Mode() channel.Mode {
	mode, _ := channel.ParseMode(s.Framing)
	return mode
}

// RedrawMethod returns the parsed redraw method. Validate must have
// succeeded.
func (s Settings) RedrawMethod() channel.RedrawMethod {
	method, _ := channel.ParseRedrawMethod(s.Redraw)
	return method
}

// ValidateName rejects session names that would escape Home.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return fmt.Errorf("invalid session name %q", name)
	}
	return nil
}

// SocketPath is where a named session listens for reattaching clients.
func (s Settings) SocketPath(name string) string { return filepath.Join(s.Home, name+".sock") }

// ControlPath is the control file describing a named session.
func (s Settings) ControlPath(name string) string { return filepath.Join(s.Home, name+".ctl") }

// LogFile is the supervisor log of a named session, or LogPath when set.
func (s Settings) LogFile(name string) string {
	if s.LogPath != "" {
		return s.LogPath
	}
	return filepath.Join(s.Home, name+".log")
}
