package main

import (
	"errors"
	"os"
	"time"

	"go.uber.org/zap"

	"nbtty/internal/bootstrap"
	"nbtty/internal/logging"
	"nbtty/internal/master"
)

// runSupervisor is the hidden "run" command: the background half of a
// session, started by bootstrap.Launch.
func runSupervisor() error {
	handshake, err := bootstrap.Receive()
	if err != nil {
		return err
	}
	request := handshake.Request

	logger := zap.NewNop()
	if request.LogPath != "" {
		if l, err := logging.New(logging.FileConfig(request.LogPath, request.LogLevel, request.LogDevelopment)); err == nil {
			logger = l
		}
	}
	defer logger.Sync()
	logger = logger.With(zap.String("session", request.Name), zap.Int("supervisor_pid", os.Getpid()))

	master.IgnoreTerminalSignals()

	var listener *master.Listener
	if request.Name != "" {
		listener, err = master.Listen(request.SocketPath)
		if err != nil {
			handshake.Fail("listen", err)
			return err
		}
	}

	session, err := master.Spawn(master.Command{
		Argv:       request.Argv,
		Attributes: request.Attributes,
		Size:       request.Size,
	})
	if err != nil {
		step := master.StepPty
		var spawnErr *master.SpawnError
		if errors.As(err, &spawnErr) {
			step, err = spawnErr.Step, spawnErr.Err
		}
		handshake.Fail(step, err)
		if listener != nil {
			listener.Close()
		}
		logger.Error("session failed to start", zap.String("step", step), zap.Error(err))
		return err
	}

	supervisor, err := master.New(session, handshake.Client, listener, master.Options{
		Framing:      request.Framing,
		Redraw:       request.Redraw,
		PollInterval: request.PollInterval,
		Scrollback:   request.Scrollback,
		Logger:       logger,
	})
	if handshake.Client != nil {
		handshake.Client.Close()
	}
	if err != nil {
		handshake.Fail("client", err)
		session.Hangup()
		session.Close()
		return err
	}

	if request.Name != "" {
		control := bootstrap.Control{
			PID:      os.Getpid(),
			ChildPID: session.Pid(),
			Framing:  request.Framing,
			Command:  request.Argv,
			Started:  time.Now(),
		}
		if err := bootstrap.WriteControl(request.ControlPath, control); err != nil {
			logger.Warn("session will not be reattachable", zap.Error(err))
		}
	}
	if err := handshake.Ready(session.Pid()); err != nil {
		logger.Warn("could not report readiness", zap.Error(err))
	}
	logger.Info("session started",
		zap.Strings("command", request.Argv),
		zap.Int("pid", session.Pid()),
		zap.Uint16("rows", request.Size.Rows),
		zap.Uint16("cols", request.Size.Cols),
		zap.String("framing", string(request.Framing)))

	stop := master.HandleTermination(logger, func() { abandon(session, request) })
	defer stop()

	err = supervisor.Run()
	supervisor.Close()
	session.Close()
	if request.ControlPath != "" {
		os.Remove(request.ControlPath)
	}
	if errors.Is(err, master.ErrSessionEnded) {
		return nil
	}
	logger.Error("supervisor failed", zap.Error(err))
	return err
}

// abandon runs on the signal goroutine while the event loop may still be
// polling, so it leaves the loop's descriptors alone: it hangs up the child
// and removes the session's files. The descriptors go with the process.
func abandon(session *master.Session, request bootstrap.Request) {
	session.Hangup()
	for _, path := range []string{request.SocketPath, request.ControlPath} {
		if path != "" {
			os.Remove(path)
		}
	}
}
