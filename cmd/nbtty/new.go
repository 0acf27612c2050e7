package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"nbtty/internal/ansi"
	"nbtty/internal/attach"
	"nbtty/internal/bootstrap"
	"nbtty/internal/config"
	"nbtty/internal/tty"
)

// launchTimeout bounds how long new waits for the supervisor's status.
const launchTimeout = 10 * time.Second

func cmdNew(args []string) error {
	settings, err := config.Load()
	if err != nil {
		return err
	}
	var bridge bridgeFlags
	flags := newFlagSet("nbtty new", &settings, &bridge)
	name := flags.StringP("name", "n", "", "make the session reattachable under this name")
	detached := flags.BoolP("detached", "d", false, "start the session without attaching (requires --name)")
	flags.DurationVar(&settings.PollInterval, "poll-interval", settings.PollInterval, "minimum time between window-size queries")
	flags.IntVar(&settings.Scrollback, "scrollback", settings.Scrollback, "bytes of output replayed on reattach (0 disables)")
	// Everything after the command name belongs to the command.
	flags.SetInterspersed(false)
	if err := parse(flags, &settings, args); err != nil {
		return err
	}

	argv := flags.Args()
	if len(argv) == 0 {
		return errors.New("no command given")
	}
	if *detached && *name == "" {
		return errors.New("--detached needs --name, or the session could never be reached")
	}

	request := bootstrap.Request{
		Argv:           argv,
		Framing:        settings.Mode(),
		Redraw:         settings.RedrawMethod(),
		PollInterval:   settings.PollInterval,
		Scrollback:     settings.Scrollback,
		LogPath:        settings.LogPath,
		LogLevel:       settings.LogLevel,
		LogDevelopment: settings.LogDevelopment,
	}

	// The child starts with the attributes and size of our terminal.
	stdin := int(os.Stdin.Fd())
	if attributes, err := tty.GetAttributes(stdin); err == nil {
		request.Attributes = attributes
		if width, height, err := term.GetSize(stdin); err == nil {
			request.Size = ansi.Winsize{Rows: uint16(height), Cols: uint16(width)}
		}
	} else if !*detached && bridge.device == "" {
		return attach.ErrNoTerminal
	}

	if *name != "" {
		if err := prepareNamed(settings, *name); err != nil {
			return err
		}
		request.Name = *name
		request.SocketPath = settings.SocketPath(*name)
		request.ControlPath = settings.ControlPath(*name)
		request.LogPath = settings.LogFile(*name)
	}

	if *detached {
		ctx, cancel := context.WithTimeout(context.Background(), launchTimeout)
		defer cancel()
		pid, err := bootstrap.Launch(ctx, request, bootstrap.Options{})
		if err != nil {
			return err
		}
		fmt.Printf("Session %s started (pid %d)\n", *name, pid)
		return nil
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("create session socket: %w", err)
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	local := os.NewFile(uintptr(fds[0]), "session")
	remote := os.NewFile(uintptr(fds[1]), "supervisor")
	defer local.Close()

	ctx, cancel := context.WithTimeout(context.Background(), launchTimeout)
	_, err = bootstrap.Launch(ctx, request, bootstrap.Options{Client: remote})
	cancel()
	remote.Close()
	if err != nil {
		return err
	}

	logger := bridgeLogger(settings)
	defer logger.Sync()
	return attach.New(local, attach.Options{
		Device:         bridge.device,
		ReopenInterval: settings.ReopenInterval,
		Gated:          bridge.gated,
		Framing:        settings.Mode(),
		Redraw:         settings.RedrawMethod(),
		Logger:         logger,
	}).Run(context.Background())
}

// prepareNamed refuses to start a second session under a name in use and
// clears what a dead one left behind.
func prepareNamed(settings config.Settings, name string) error {
	if err := config.ValidateName(name); err != nil {
		return err
	}
	if control, err := bootstrap.ReadControl(settings.ControlPath(name)); err == nil && control.Alive() {
		return fmt.Errorf("session %s is already running (pid %d)", name, control.PID)
	}
	// Stale files from a session that died.
	os.Remove(settings.ControlPath(name))
	os.Remove(settings.SocketPath(name))
	if err := os.MkdirAll(settings.Home, 0o700); err != nil {
		return fmt.Errorf("create runtime directory: %w", err)
	}
	return nil
}
