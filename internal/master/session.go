package master

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"nbtty/internal/ansi"
	"nbtty/internal/channel"
	"nbtty/internal/tty"
)

// Steps a SpawnError can name.
const (
	StepPty  = "pty"
	StepExec = "exec"
)

// SpawnError says which part of starting a session failed.
type SpawnError struct {
	Step string
	Err  error
}

func (e *SpawnError) Error() string { return e.Step + ": " + e.Err.Error() }
func (e *SpawnError) Unwrap() error { return e.Err }

// Command describes the program a session runs.
type Command struct {
	Argv []string

	// Attributes are applied to the new terminal before the child starts.
	// Nil keeps the pty defaults.
	Attributes *unix.Termios

	// Size is the initial window size. A zero size is left unset.
	Size ansi.Winsize

	// Env and Dir behave as in exec.Cmd.
	Env []string
	Dir string
}

// Session is a child process running on a pty. It is owned by a single
// Supervisor and is not safe for concurrent use.
type Session struct {
	pty *os.File
	fd  int
	cmd *exec.Cmd

	size       ansi.Winsize
	attributes *unix.Termios
}

// Spawn allocates a pty and starts command on it as the leader of a new
// session with the pty as its controlling terminal. Failures are returned
// as *SpawnError.
func Spawn(command Command) (*Session, error) {
	if len(command.Argv) == 0 {
		return nil, &SpawnError{Step: StepExec, Err: errors.New("empty command")}
	}

	ptmx, slave, err := pty.Open()
	if err != nil {
		return nil, &SpawnError{Step: StepPty, Err: err}
	}
	// The child has its own copy once started.
	defer slave.Close()

	if command.Attributes != nil {
		if err := tty.SetAttributes(int(slave.Fd()), command.Attributes); err != nil {
			ptmx.Close()
			return nil, &SpawnError{Step: StepPty, Err: err}
		}
	}
	if command.Size.Rows != 0 && command.Size.Cols != 0 {
		if err := pty.Setsize(ptmx, &pty.Winsize{Rows: command.Size.Rows, Cols: command.Size.Cols}); err != nil {
			ptmx.Close()
			return nil, &SpawnError{Step: StepPty, Err: err}
		}
	}

	cmd := exec.Command(command.Argv[0], command.Argv[1:]...)
	cmd.Env = command.Env
	cmd.Dir = command.Dir
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}
	if err := cmd.Start(); err != nil {
		ptmx.Close()
		return nil, &SpawnError{Step: StepExec, Err: err}
	}

	s := &Session{
		pty:  ptmx,
		fd:   int(ptmx.Fd()),
		cmd:  cmd,
		size: command.Size,
	}
	if err := s.refreshAttributes(); err != nil {
		s.Close()
		return nil, &SpawnError{Step: StepPty, Err: err}
	}
	return s, nil
}

// Pid returns the child's process id.
func (s *Session) Pid() int { return s.cmd.Process.Pid }

// Fd returns the pty master descriptor.
func (s *Session) Fd() int { return s.fd }

// Size returns the last window size applied to the pty.
func (s *Session) Size() ansi.Winsize { return s.size }

// Attributes returns the terminal attributes cached by the last pty read.
func (s *Session) Attributes() *unix.Termios { return s.attributes }

// Resize applies size to the pty. The kernel signals the foreground
// process group with SIGWINCH.
func (s *Session) Resize(size ansi.Winsize) error {
	s.size = size
	if err := unix.IoctlSetWinsize(s.fd, unix.TIOCSWINSZ, &unix.Winsize{Row: size.Rows, Col: size.Cols}); err != nil {
		return fmt.Errorf("resize pty to %dx%d: %w", size.Cols, size.Rows, err)
	}
	return nil
}

// Repaint asks the child to redraw its screen. RedrawCtrlL only types ^L
// when the child reads character-at-a-time without echo, where it cannot
// be mistaken for input. Other methods do nothing.
func (s *Session) Repaint(method channel.RedrawMethod) error {
	switch method {
	case channel.RedrawCtrlL:
		if s.attributes != nil && tty.CharacterMode(s.attributes) {
			if _, err := writeAll(s.fd, []byte{'\f'}); err != nil {
				return fmt.Errorf("write redraw: %w", err)
			}
		}
	case channel.RedrawWinch:
		return s.signalForeground(unix.SIGWINCH)
	}
	return nil
}

// signalForeground delivers sig to the pty's foreground process group,
// falling back to the child's own group.
func (s *Session) signalForeground(sig unix.Signal) error {
	pgrp, err := unix.IoctlGetInt(s.fd, unix.TIOCGPGRP)
	if err == nil && pgrp > 0 {
		if err := unix.Kill(-pgrp, sig); err == nil {
			return nil
		}
	}
	if err := unix.Kill(-s.Pid(), sig); err != nil {
		return fmt.Errorf("signal %s: %w", sig, err)
	}
	return nil
}

// Hangup sends SIGHUP to the child's process group.
func (s *Session) Hangup() error {
	return unix.Kill(-s.Pid(), unix.SIGHUP)
}

func (s *Session) refreshAttributes() error {
	attributes, err := tty.GetAttributes(s.fd)
	if err != nil {
		return err
	}
	s.attributes = attributes
	return nil
}

// Wait reaps the child and returns its exit status.
func (s *Session) Wait() (int, error) {
	err := s.cmd.Wait()
	if s.cmd.ProcessState == nil {
		return -1, err
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return -1, err
	}
	return s.cmd.ProcessState.ExitCode(), nil
}

var errReapTimeout = errors.New("child did not exit")

// Reap waits up to timeout for the child to exit. A child that closed the
// terminal but keeps running is left behind.
func (s *Session) Reap(timeout time.Duration) (int, error) {
	type result struct {
		status int
		err    error
	}
	done := make(chan result, 1)
	go func() {
		status, err := s.Wait()
		done <- result{status, err}
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.status, r.err
	case <-timer.C:
		return -1, errReapTimeout
	}
}

// Close closes the pty master. The child sees a hangup.
func (s *Session) Close() error {
	return s.pty.Close()
}

// writeAll writes data to a blocking descriptor, retrying on EINTR and
// short writes.
func writeAll(fd int, data []byte) (int, error) {
	written := 0
	for written < len(data) {
		n, err := unix.Write(fd, data[written:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}
