// Package bootstrap starts a session supervisor in the background and
// carries its one-shot handshake.
//
// The launcher re-executes the current binary with the "run" subcommand in
// a new session, with stdio on /dev/null and three inherited descriptors:
//
//	fd 3  read end of the request pipe (one CBOR Request, then EOF)
//	fd 4  write end of the status pipe (one CBOR Status)
//	fd 5  the supervisor's end of the client socket, when Request.Attached
//
// Launch returns only after the supervisor has reported that the child is
// running, or why it is not.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"nbtty/internal/ansi"
	"nbtty/internal/channel"
)

const (
	requestFD = 3
	statusFD  = 4
	clientFD  = 5
)

// RunCommand is the hidden subcommand the launcher invokes.
const RunCommand = "run"

// Request is everything a supervisor needs to know that it cannot learn
// on its own after it has left the caller's terminal.
type Request struct {
	Argv []string

	// Attributes of the caller's terminal, applied to the new pty. Nil
	// keeps the pty defaults.
	Attributes *unix.Termios
	Size       ansi.Winsize

	// Name, when set, makes the session reattachable: the supervisor
	// listens on SocketPath and describes itself in ControlPath.
	Name        string
	SocketPath  string
	ControlPath string

	// Attached says whether fd 5 carries an initial client.
	Attached bool

	Framing      channel.Mode
	Redraw       channel.RedrawMethod
	PollInterval time.Duration
	Scrollback   int

	LogPath        string
	LogLevel       string
	LogDevelopment bool
}

// Status is the supervisor's single answer.
type Status struct {
	OK  bool
	PID int

	// Step names what failed, such as "pty" or "exec".
	Step  string
	Error string
}

// FailureError is a failure the supervisor reported over the status pipe.
type FailureError struct {
	Step    string
	Message string
}

func (e *FailureError) Error() string {
	return e.Step + ": " + e.Message
}

// Options configure Launch.
type Options struct {
	// Executable defaults to os.Executable().
	Executable string

	// Args follow the executable. Defaults to {RunCommand}.
	Args []string

	// Env is appended to the current environment.
	Env []string

	// Client is the supervisor's end of the client socket, or nil.
	Client *os.File
}

// Launch starts a supervisor, hands it request and waits for its status.
// The returned pid is the child's, not the supervisor's. When ctx has a
// deadline it bounds the wait for the status.
func Launch(ctx context.Context, request Request, options Options) (int, error) {
	executable := options.Executable
	if executable == "" {
		var err error
		executable, err = os.Executable()
		if err != nil {
			return 0, fmt.Errorf("find executable: %w", err)
		}
	}
	args := options.Args
	if args == nil {
		args = []string{RunCommand}
	}
	request.Attached = options.Client != nil

	requestRead, requestWrite, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("create request pipe: %w", err)
	}
	defer requestWrite.Close()
	statusRead, statusWrite, err := os.Pipe()
	if err != nil {
		requestRead.Close()
		return 0, fmt.Errorf("create status pipe: %w", err)
	}
	defer statusRead.Close()

	extra := []*os.File{requestRead, statusWrite}
	if options.Client != nil {
		extra = append(extra, options.Client)
	}

	command := exec.Command(executable, args...)
	command.Env = append(os.Environ(), options.Env...)
	command.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	// Detach all stdio so the supervisor doesn't hold the terminal open.
	command.Stdin = nil
	command.Stdout = nil
	command.Stderr = nil
	command.ExtraFiles = extra

	err = command.Start()
	// The supervisor has its own copies now.
	requestRead.Close()
	statusWrite.Close()
	if err != nil {
		return 0, fmt.Errorf("start supervisor: %w", err)
	}

	if err := encMode.NewEncoder(requestWrite).Encode(request); err != nil {
		command.Process.Kill()
		command.Wait()
		return 0, fmt.Errorf("send bootstrap request: %w", err)
	}
	requestWrite.Close()

	if deadline, ok := ctx.Deadline(); ok {
		statusRead.SetReadDeadline(deadline)
	}
	var status Status
	if err := decMode.NewDecoder(statusRead).Decode(&status); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			command.Process.Kill()
		}
		command.Wait()
		if errors.Is(err, io.EOF) {
			return 0, errors.New("supervisor exited before reporting status")
		}
		return 0, fmt.Errorf("read supervisor status: %w", err)
	}
	if !status.OK {
		command.Wait()
		return 0, &FailureError{Step: status.Step, Message: status.Error}
	}

	// Reap the supervisor when it eventually exits.
	go command.Wait()
	return status.PID, nil
}

// Handshake is the supervisor's side of the bootstrap.
type Handshake struct {
	Request Request

	// Client is the initial client socket, nil unless Request.Attached.
	Client *os.File

	status *os.File
}

// Receive reads the request from the inherited descriptors. It must be
// called at most once, by a process started through Launch.
func Receive() (*Handshake, error) {
	for _, fd := range []int{requestFD, statusFD} {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
			return nil, fmt.Errorf("fd %d not available (this command is started by nbtty itself): %w", fd, err)
		}
	}
	requestFile := os.NewFile(requestFD, "bootstrap-request")
	statusFile := os.NewFile(statusFD, "bootstrap-status")
	return receive(requestFile, statusFile, func() *os.File {
		return os.NewFile(clientFD, "client-socket")
	})
}

func receive(requestFile, statusFile *os.File, client func() *os.File) (*Handshake, error) {
	defer requestFile.Close()
	unix.CloseOnExec(int(statusFile.Fd()))

	var request Request
	if err := decMode.NewDecoder(requestFile).Decode(&request); err != nil {
		statusFile.Close()
		return nil, fmt.Errorf("read bootstrap request: %w", err)
	}
	if len(request.Argv) == 0 {
		statusFile.Close()
		return nil, errors.New("bootstrap request has no command")
	}

	handshake := &Handshake{Request: request, status: statusFile}
	if request.Attached {
		handshake.Client = client()
		unix.CloseOnExec(int(handshake.Client.Fd()))
	}
	return handshake, nil
}

// Ready reports that the child with pid is running.
func (h *Handshake) Ready(pid int) error {
	return h.report(Status{OK: true, PID: pid})
}

// Fail reports that step failed with err.
func (h *Handshake) Fail(step string, err error) error {
	return h.report(Status{Step: step, Error: err.Error()})
}

func (h *Handshake) report(status Status) error {
	if h.status == nil {
		return errors.New("bootstrap status already reported")
	}
	defer func() {
		h.status.Close()
		h.status = nil
	}()
	if err := encMode.NewEncoder(h.status).Encode(status); err != nil {
		return fmt.Errorf("write bootstrap status: %w", err)
	}
	return nil
}
