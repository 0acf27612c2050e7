package master

import (
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// IgnoreTerminalSignals stops signals that belong to the terminal the
// supervisor left behind from killing it. SIGCHLD keeps its default: the
// child's exit shows up as the end of the pty.
func IgnoreTerminalSignals() {
	signal.Ignore(syscall.SIGHUP, syscall.SIGTTIN, syscall.SIGTTOU, syscall.SIGPIPE, syscall.SIGXFSZ)
}

// HandleTermination runs cleanup and exits with status 1 when the
// supervisor receives SIGINT or SIGTERM. cleanup runs on its own goroutine
// and must not touch the Supervisor, whose loop may still be running. The
// returned function uninstalls the handler.
func HandleTermination(logger *zap.Logger, cleanup func()) (stop func()) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-signals:
			logger.Info("received signal, shutting down", zap.Stringer("signal", sig))
			cleanup()
			logger.Sync()
			os.Exit(1)
		case <-done:
		}
	}()
	return func() {
		signal.Stop(signals)
		close(done)
	}
}
