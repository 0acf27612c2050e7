// Package attach connects a human terminal to a session supervisor.
//
// The bridge puts the terminal in raw mode and copies bytes between it and
// the session socket until the socket closes, the terminal goes away or a
// signal arrives. Whatever happens, the terminal's original attributes are
// restored and the cursor is made visible again.
package attach

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"nbtty/internal/channel"
	"nbtty/internal/tty"
)

// ErrNoTerminal is returned when the bridge has no terminal to attach.
var ErrNoTerminal = errors.New("Attaching to a session requires a terminal.")

const (
	// endOfScreen moves the cursor to the bottom line.
	endOfScreen = "\033[999H"

	clearScreen = "\033[H\033[J"
	showCursor  = "\033[?25h"

	bufSize = 4096

	// signalCheckInterval bounds how long a pending signal goes unnoticed
	// while the loop waits for input.
	signalCheckInterval = 100 * time.Millisecond

	defaultReopenInterval = time.Second
)

// ExitError ends a bridge with a non-zero status. Message, when set, has
// already been shown on the terminal.
type ExitError struct {
	Status  int
	Message string
}

// ExitCode is the process exit status the bridge asks for.
func (e *ExitError) ExitCode() int { return e.Status }

func (e *ExitError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("exit status %d", e.Status)
	}
	return e.Message
}

// Options configure a Bridge.
type Options struct {
	// Device names a terminal to open instead of standard input and
	// output. While it is missing it is reopened every ReopenInterval.
	Device         string
	ReopenInterval time.Duration

	// Gated holds input until the first carriage return.
	Gated bool

	Framing channel.Mode

	// Redraw is sent with the initial ForceRedraw in framed mode.
	Redraw channel.RedrawMethod

	// Input and Output default to os.Stdin and os.Stdout.
	Input  *os.File
	Output *os.File

	Logger *zap.Logger
}

// Bridge is one terminal attached to one session.
type Bridge struct {
	socket  *os.File
	options Options
	logger  *zap.Logger

	input  *os.File
	output *os.File
	device *os.File
	saved  *term.State

	gate    gate
	signals chan os.Signal
}

// New returns a bridge that talks to the session over socket. The caller
// keeps ownership of socket.
func New(socket *os.File, options Options) *Bridge {
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.ReopenInterval <= 0 {
		options.ReopenInterval = defaultReopenInterval
	}
	if options.Framing == "" {
		options.Framing = channel.ModeRaw
	}
	if options.Input == nil {
		options.Input = os.Stdin
	}
	if options.Output == nil {
		options.Output = os.Stdout
	}
	return &Bridge{
		socket:  socket,
		options: options,
		logger:  options.Logger,
		gate:    gate{open: !options.Gated},
		signals: make(chan os.Signal, 4),
	}
}

// Run attaches the terminal and serves it until the session ends. A clean
// end of the session returns nil. Everything else returns an *ExitError,
// except failing to find a terminal at all, which returns ErrNoTerminal.
// ctx only bounds waiting for a named device.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.openTerminal(ctx); err != nil {
		return err
	}
	if err := b.enterRaw(); err != nil {
		b.closeDevice()
		return err
	}
	defer b.restore()

	signal.Notify(b.signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGWINCH)
	defer signal.Stop(b.signals)

	b.output.Write([]byte(clearScreen))
	if b.options.Framing == channel.ModeFramed {
		rows, cols := b.size()
		if err := channel.WriteMessage(b.socket, channel.NewForceRedraw(b.options.Redraw, rows, cols)); err != nil {
			return b.fail("[write failed]", err)
		}
	}

	buf := make([]byte, bufSize)
	fds := make([]unix.PollFd, 2)
	for {
		select {
		case sig := <-b.signals:
			if err := b.handleSignal(sig.(syscall.Signal)); err != nil {
				return err
			}
			continue
		default:
		}

		fds[0] = unix.PollFd{Fd: int32(b.socket.Fd()), Events: unix.POLLIN}
		fds[1] = unix.PollFd{Fd: int32(b.input.Fd()), Events: unix.POLLIN}
		n, err := unix.Poll(fds, int(signalCheckInterval/time.Millisecond))
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return b.fail("[poll failed]", err)
		}
		if n == 0 {
			continue
		}

		if fds[0].Revents != 0 {
			done, err := b.sessionActivity(buf)
			if done || err != nil {
				return err
			}
		}
		if fds[1].Revents != 0 {
			if err := b.terminalActivity(ctx, buf); err != nil {
				return err
			}
		}
	}
}

// sessionActivity copies session output to the terminal. done is true when
// the session has closed the socket.
func (b *Bridge) sessionActivity(buf []byte) (done bool, err error) {
	n, err := unix.Read(int(b.socket.Fd()), buf)
	if err == unix.EINTR || err == unix.EAGAIN {
		return false, nil
	}
	if err != nil {
		return true, b.fail("[read returned an error]", err)
	}
	if n == 0 {
		b.status("[EOF - nbtty terminating]")
		return true, nil
	}
	if _, err := b.output.Write(buf[:n]); err != nil {
		b.logger.Debug("terminal write failed", zap.Error(err))
	}
	return false, nil
}

// terminalActivity sends keyboard input to the session. A named device
// that goes away is reopened; losing standard input is fatal.
func (b *Bridge) terminalActivity(ctx context.Context, buf []byte) error {
	n, err := unix.Read(int(b.input.Fd()), buf)
	if err == unix.EINTR || err == unix.EAGAIN {
		return nil
	}
	if n <= 0 || err != nil {
		if b.options.Device == "" {
			return &ExitError{Status: 1}
		}
		return b.reopen(ctx, err)
	}

	data := b.gate.pass(buf[:n])
	if len(data) == 0 {
		return nil
	}
	if b.options.Framing == channel.ModeFramed {
		err = channel.WriteMessage(b.socket, channel.NewPush(data))
	} else {
		_, err = b.socket.Write(data)
	}
	if err != nil {
		return b.fail("[write failed]", err)
	}
	return nil
}

func (b *Bridge) handleSignal(sig syscall.Signal) error {
	switch sig {
	case syscall.SIGWINCH:
		if b.options.Framing != channel.ModeFramed {
			return nil
		}
		rows, cols := b.size()
		if err := channel.WriteMessage(b.socket, channel.NewWindowChange(rows, cols)); err != nil {
			return b.fail("[write failed]", err)
		}
		return nil
	case syscall.SIGHUP, syscall.SIGINT:
		b.status("[detached]")
	default:
		b.status(fmt.Sprintf("[got signal %d - dying]", int(sig)))
	}
	return &ExitError{Status: 1, Message: fmt.Sprintf("terminated by %s", sig)}
}

func (b *Bridge) openTerminal(ctx context.Context) error {
	if b.options.Device == "" {
		if !term.IsTerminal(int(b.options.Input.Fd())) {
			return ErrNoTerminal
		}
		b.input, b.output = b.options.Input, b.options.Output
		return nil
	}
	device, err := tty.OpenDevice(ctx, b.options.Device, b.options.ReopenInterval, b.logger)
	if err != nil {
		return err
	}
	b.device = device
	b.input, b.output = device, device
	return nil
}

func (b *Bridge) enterRaw() error {
	state, err := term.MakeRaw(int(b.input.Fd()))
	if err != nil {
		return fmt.Errorf("enter raw mode: %w", err)
	}
	b.saved = state
	return nil
}

// restore returns the terminal to the state Run found it in.
func (b *Bridge) restore() {
	if b.saved != nil {
		term.Restore(int(b.input.Fd()), b.saved)
		b.saved = nil
	}
	b.output.Write([]byte(showCursor))
	b.closeDevice()
}

func (b *Bridge) closeDevice() {
	if b.device != nil {
		b.device.Close()
		b.device = nil
	}
}

// reopen replaces a named device that stopped answering.
func (b *Bridge) reopen(ctx context.Context, cause error) error {
	b.logger.Info("terminal went away, reopening",
		zap.String("device", b.options.Device), zap.NamedError("cause", cause))
	b.saved = nil
	b.closeDevice()
	if err := b.openTerminal(ctx); err != nil {
		return &ExitError{Status: 1, Message: err.Error()}
	}
	return b.enterRaw()
}

// size returns the terminal's window size, or 0x0 if unknown.
func (b *Bridge) size() (rows, cols uint16) {
	width, height, err := term.GetSize(int(b.output.Fd()))
	if err != nil {
		b.logger.Debug("window size unknown", zap.Error(err))
		return 0, 0
	}
	return uint16(height), uint16(width)
}

// status prints a status line at the bottom of the screen.
func (b *Bridge) status(message string) {
	b.output.Write([]byte(endOfScreen + "\r\n" + message + "\r\n"))
}

func (b *Bridge) fail(message string, err error) error {
	b.status(message)
	b.logger.Debug("bridge failed", zap.String("status", message), zap.Error(err))
	return &ExitError{Status: 1, Message: message}
}
