package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"nbtty/internal/attach"
	"nbtty/internal/bootstrap"
	"nbtty/internal/config"
)

func cmdAttach(args []string) error {
	settings, err := config.Load()
	if err != nil {
		return err
	}
	var bridge bridgeFlags
	flags := newFlagSet("nbtty attach", &settings, &bridge)
	if err := parse(flags, &settings, args); err != nil {
		return err
	}
	name, err := sessionName(flags.Args())
	if err != nil {
		return err
	}

	control, err := liveSession(settings, name)
	if err != nil {
		return err
	}
	socket, err := dial(settings.SocketPath(name))
	if err != nil {
		return err
	}
	defer socket.Close()

	logger := bridgeLogger(settings)
	defer logger.Sync()
	// The session decides the framing it speaks.
	return attach.New(socket, attach.Options{
		Device:         bridge.device,
		ReopenInterval: settings.ReopenInterval,
		Gated:          bridge.gated,
		Framing:        control.Framing,
		Redraw:         attachRedraw(flags, settings),
		Logger:         logger,
	}).Run(context.Background())
}

// dial connects to a session socket and returns the connection as a plain
// file for the bridge's readiness loop.
func dial(path string) (*os.File, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("connect to session: %w", err)
	}
	defer conn.Close()
	file, err := conn.(*net.UnixConn).File()
	if err != nil {
		return nil, fmt.Errorf("connect to session: %w", err)
	}
	return file, nil
}

func sessionName(args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("expected exactly one session name")
	}
	if err := config.ValidateName(args[0]); err != nil {
		return "", err
	}
	return args[0], nil
}

// liveSession reads the control file of a running session. Files left by a
// session that died are removed.
func liveSession(settings config.Settings, name string) (*bootstrap.Control, error) {
	control, err := bootstrap.ReadControl(settings.ControlPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no session named %s", name)
	}
	if err != nil {
		return nil, err
	}
	if !control.Alive() {
		os.Remove(settings.ControlPath(name))
		os.Remove(settings.SocketPath(name))
		return nil, fmt.Errorf("session %s is not running", name)
	}
	return control, nil
}
