package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"nbtty/internal/channel"
	"nbtty/internal/config"
	"nbtty/internal/logging"
)

// errHelp stops a subcommand after its help was printed.
var errHelp = errors.New("help requested")

// bridgeFlags are shared by the commands that attach a terminal.
type bridgeFlags struct {
	device string
	gated  bool
}

// newFlagSet returns a flag set whose defaults are the environment's
// settings, so that only flags given explicitly override them.
func newFlagSet(name string, settings *config.Settings, bridge *bridgeFlags) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.SortFlags = false
	flags.StringVar(&settings.Framing, "framing", settings.Framing, "client channel: raw or framed")
	flags.StringVar(&settings.Redraw, "redraw", settings.Redraw, "redraw method: none, ctrl-l or winch")
	flags.StringVar(&settings.LogLevel, "log-level", settings.LogLevel, "log level: debug, info, warn or error")
	flags.StringVar(&settings.LogPath, "log-path", settings.LogPath, "log file (default: per session under the runtime directory)")
	flags.BoolVar(&settings.LogDevelopment, "log-development", settings.LogDevelopment, "write console log lines instead of JSON")
	if bridge != nil {
		flags.StringVarP(&bridge.device, "device", "t", "", "attach this terminal device instead of standard input")
		flags.BoolVarP(&bridge.gated, "gated", "g", false, "hold input until Enter is pressed")
		flags.DurationVar(&settings.ReopenInterval, "reopen-interval", settings.ReopenInterval, "retry interval while the terminal device is missing")
	}
	return flags
}

// parse parses args and validates the resulting settings.
func parse(flags *pflag.FlagSet, settings *config.Settings, args []string) error {
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return errHelp
		}
		return err
	}
	return settings.Validate()
}

// attachRedraw is the redraw method a reattaching bridge asks for. Without
// an explicit --redraw the session's own method applies.
func attachRedraw(flags *pflag.FlagSet, settings config.Settings) channel.RedrawMethod {
	if !flags.Changed("redraw") {
		return channel.RedrawUnspecified
	}
	return settings.RedrawMethod()
}

// bridgeLogger logs nowhere unless a log path is configured: the bridge's
// terminal is in raw mode.
func bridgeLogger(settings config.Settings) *zap.Logger {
	if settings.LogPath == "" {
		return zap.NewNop()
	}
	logger, err := logging.New(logging.FileConfig(settings.LogPath, settings.LogLevel, settings.LogDevelopment))
	if err != nil {
		fmt.Fprintf(os.Stderr, "nbtty: logging disabled: %v\n", err)
		return zap.NewNop()
	}
	return logger
}
