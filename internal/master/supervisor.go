// Package master runs a session: a child process on a pty, and the single
// client currently attached to it.
//
// The Supervisor is a single-threaded readiness loop over at most two
// descriptors: the pty and either the attached client or, while nobody is
// attached, the listener of a named session. The pty ending ends the
// session; the client going away does not.
package master

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"nbtty/internal/ansi"
	"nbtty/internal/channel"
	"nbtty/internal/ring"
)

// BufSize bounds a single read from either side.
const BufSize = 4096

const reapTimeout = time.Second

// ErrSessionEnded is returned by Run when the child has gone away.
var ErrSessionEnded = errors.New("session ended")

// Options configure a Supervisor.
type Options struct {
	Framing channel.Mode

	// Redraw is used for ForceRedraw requests that leave the method
	// unspecified. The zero value means RedrawCtrlL.
	Redraw channel.RedrawMethod

	// PollInterval is the minimum time between window-size queries.
	PollInterval time.Duration

	// Scrollback is how many bytes of output are replayed to a client
	// that attaches through the listener. Zero disables replay.
	Scrollback int

	Logger *zap.Logger
}

// Supervisor moves bytes between a session and its client.
type Supervisor struct {
	session  *Session
	listener *Listener
	framing  channel.Mode
	redraw   channel.RedrawMethod
	logger   *zap.Logger

	// client is -1 while detached.
	client  int
	parser  ansi.Parser
	decoder channel.Decoder
	poll    *pollTimer
	history *ring.Buffer

	readBuffer   []byte
	outputBuffer []byte
	dropped      int

	resize func(ansi.Winsize) error
}

// New prepares a supervisor for session. client, when not nil, is the
// initial client; New takes a private duplicate of its descriptor and the
// caller keeps ownership of the file. listener may be nil, in which case
// the session cannot be reattached once the client leaves.
func New(session *Session, client *os.File, listener *Listener, options Options) (*Supervisor, error) {
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.Framing == "" {
		options.Framing = channel.ModeRaw
	}
	if options.Redraw == channel.RedrawUnspecified {
		options.Redraw = channel.RedrawCtrlL
	}

	s := &Supervisor{
		session:      session,
		listener:     listener,
		framing:      options.Framing,
		redraw:       options.Redraw,
		logger:       options.Logger,
		client:       -1,
		poll:         newPollTimer(options.PollInterval, nil),
		history:      ring.New(options.Scrollback),
		readBuffer:   make([]byte, BufSize),
		outputBuffer: make([]byte, 0, BufSize+ansi.MaxResponseLen),
	}
	s.resize = session.Resize

	if client != nil {
		fd, err := unix.Dup(int(client.Fd()))
		if err != nil {
			return nil, fmt.Errorf("duplicate client descriptor: %w", err)
		}
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("set client non-blocking: %w", err)
		}
		s.attach(fd)
	}
	return s, nil
}

// Attached reports whether a client is connected.
func (s *Supervisor) Attached() bool { return s.client >= 0 }

// Dropped returns how many output bytes were discarded because the client
// could not keep up.
func (s *Supervisor) Dropped() int { return s.dropped }

// Run serves the session until the child goes away, then reaps it and
// returns an error wrapping ErrSessionEnded. Any other error means the
// loop itself failed.
func (s *Supervisor) Run() error {
	fds := make([]unix.PollFd, 0, 2)
	for {
		fds = append(fds[:0], unix.PollFd{Fd: int32(s.session.Fd()), Events: unix.POLLIN})
		listening := false
		switch {
		case s.client >= 0:
			fds = append(fds, unix.PollFd{Fd: int32(s.client), Events: unix.POLLIN})
		case s.listener != nil:
			fds = append(fds, unix.PollFd{Fd: int32(s.listener.Fd()), Events: unix.POLLIN})
			listening = true
		}

		timeout := -1
		if s.querying() {
			timeout = s.poll.timeout()
		}

		n, err := unix.Poll(fds, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("wait for activity: %w", err)
		}
		if n == 0 {
			s.pollExpired()
			continue
		}

		if len(fds) > 1 && fds[1].Revents != 0 {
			if listening {
				s.accept()
			} else {
				s.clientActivity()
			}
		}
		if fds[0].Revents != 0 {
			if err := s.ptyActivity(); err != nil {
				return err
			}
		}
	}
}

// Close releases the client and the listener. The session is left alone.
func (s *Supervisor) Close() error {
	if s.client >= 0 {
		unix.Close(s.client)
		s.client = -1
	}
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// querying reports whether window-size queries are sent at all: only raw
// clients need them, and only while one is attached.
func (s *Supervisor) querying() bool {
	return s.framing == channel.ModeRaw && s.client >= 0
}

func (s *Supervisor) ptyActivity() error {
	n, err := unix.Read(s.session.Fd(), s.readBuffer[:BufSize-len(ansi.QuerySequence)])
	if err == unix.EINTR || err == unix.EAGAIN {
		return nil
	}
	if n <= 0 || err != nil {
		return s.end(err)
	}
	if err := s.session.refreshAttributes(); err != nil {
		return s.end(err)
	}

	data := s.readBuffer[:n]
	s.history.Write(data)
	if s.client < 0 {
		return nil
	}

	out := append(s.outputBuffer[:0], data...)
	if s.querying() && s.poll.take() {
		out = append(out, ansi.QuerySequence...)
	}
	s.outputBuffer = out[:0]
	s.deliver(out)
	if s.querying() && bytes.IndexByte(data, '\n') >= 0 {
		s.poll.arm()
	}
	return nil
}

// pollExpired sends a due window-size query on its own when the child has
// been quiet.
func (s *Supervisor) pollExpired() {
	if s.querying() && s.poll.take() {
		s.deliver([]byte(ansi.QuerySequence))
	}
}

func (s *Supervisor) end(readErr error) error {
	status, waitErr := s.session.Reap(reapTimeout)
	s.logger.Info("session ended",
		zap.Int("pid", s.session.Pid()),
		zap.Int("status", status),
		zap.NamedError("read_error", readErr),
		zap.NamedError("wait_error", waitErr),
		zap.Int("dropped_bytes", s.dropped))
	return fmt.Errorf("%w: child exited with status %d", ErrSessionEnded, status)
}

func (s *Supervisor) clientActivity() {
	n, err := unix.Read(s.client, s.readBuffer[:BufSize-ansi.MaxResponseLen])
	if err == unix.EAGAIN || err == unix.EINTR {
		return
	}
	if n <= 0 || err != nil {
		s.detach(err)
		return
	}

	data := s.readBuffer[:n]
	if s.framing == channel.ModeRaw {
		s.forward(data)
		return
	}
	messages, err := s.decoder.Feed(data)
	for _, message := range messages {
		s.dispatch(message)
	}
	if err != nil {
		s.logger.Warn("dropping client", zap.Error(err))
		s.detach(nil)
	}
}

// forward scans client input for window-size reports and writes the rest
// to the child.
func (s *Supervisor) forward(data []byte) {
	out, sizes := s.parser.Process(s.outputBuffer[:0], data, s.session.Size())
	s.outputBuffer = out[:0]
	for _, size := range sizes {
		s.applySize(size)
	}
	if len(out) == 0 {
		return
	}
	if _, err := writeAll(s.session.Fd(), out); err != nil {
		s.logger.Warn("write to pty failed", zap.Error(err))
	}
}

func (s *Supervisor) dispatch(message channel.Message) {
	switch message.Type {
	case channel.MessagePush:
		s.forward(message.Payload)
	case channel.MessageWindowChange:
		rows, cols, err := channel.ParseWindowChange(message.Payload)
		if err != nil {
			s.logger.Warn("ignoring window change", zap.Error(err))
			return
		}
		s.applySize(ansi.Winsize{Rows: rows, Cols: cols})
	case channel.MessageForceRedraw:
		method, rows, cols, err := channel.ParseForceRedraw(message.Payload)
		if err != nil {
			s.logger.Warn("ignoring redraw request", zap.Error(err))
			return
		}
		s.forceRedraw(method, ansi.Winsize{Rows: rows, Cols: cols})
	}
}

func (s *Supervisor) forceRedraw(method channel.RedrawMethod, size ansi.Winsize) {
	if method == channel.RedrawUnspecified {
		method = s.redraw
	}
	if method == channel.RedrawNone {
		return
	}
	s.applySize(size)
	if err := s.session.Repaint(method); err != nil {
		s.logger.Warn("redraw failed", zap.Stringer("method", method), zap.Error(err))
	}
}

func (s *Supervisor) applySize(size ansi.Winsize) {
	if err := s.resize(size); err != nil {
		s.logger.Warn("resize failed", zap.Error(err))
		return
	}
	s.logger.Debug("window resized", zap.Uint16("rows", size.Rows), zap.Uint16("cols", size.Cols))
}

// deliver writes output to the client without stalling the loop. EINTR is
// retried as often as it happens. A short or would-block write is retried
// once; after a second one the rest is dropped.
func (s *Supervisor) deliver(data []byte) {
	if s.client < 0 {
		return
	}
	retried := false
	for len(data) > 0 {
		n, err := unix.Write(s.client, data)
		if err == unix.EINTR {
			continue
		}
		if n > 0 {
			data = data[n:]
		}
		if len(data) == 0 {
			return
		}
		if (err != nil && err != unix.EAGAIN) || retried {
			break
		}
		retried = true
	}
	s.dropped += len(data)
	s.logger.Debug("client is not keeping up, output dropped",
		zap.Int("bytes", len(data)),
		zap.Int("total", s.dropped))
}

func (s *Supervisor) accept() {
	fd, err := s.listener.Accept()
	if err == unix.EAGAIN || err == unix.EINTR || err == unix.ECONNABORTED {
		return
	}
	if err != nil {
		s.logger.Warn("accept failed", zap.Error(err))
		return
	}
	s.attach(fd)
	if replay := s.history.Contents(); len(replay) > 0 {
		s.deliver(replay)
	}
}

// attach makes fd the client. Each client starts with a fresh parser and
// decoder and an armed window-size query.
func (s *Supervisor) attach(fd int) {
	s.client = fd
	s.parser.Reset()
	s.decoder.Reset()
	s.poll.arm()
	s.logger.Info("client attached", zap.Int("fd", fd))
}

func (s *Supervisor) detach(err error) {
	unix.Close(s.client)
	s.client = -1
	s.parser.Reset()
	s.decoder.Reset()
	s.logger.Info("client detached", zap.NamedError("reason", err))
}
