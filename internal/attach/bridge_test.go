package attach

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"nbtty/internal/channel"
	"nbtty/internal/tty"
)

// terminal is a pty pair standing in for a human at a terminal: the test
// types into and reads from master while the bridge uses slave.
type terminal struct {
	master *os.File
	slave  *os.File
	seen   strings.Builder
}

func newTerminal(t *testing.T) *terminal {
	t.Helper()
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() {
		slave.Close()
		master.Close()
	})
	return &terminal{master: master, slave: slave}
}

// waitFor reads the screen until it shows want.
func (term *terminal) waitFor(t *testing.T, want string) {
	t.Helper()
	require.NoError(t, term.master.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 1024)
	for !strings.Contains(term.seen.String(), want) {
		n, err := term.master.Read(buf)
		require.NoError(t, err, "screen so far: %q", term.seen.String())
		term.seen.Write(buf[:n])
	}
}

func (term *terminal) typeText(t *testing.T, text string) {
	t.Helper()
	_, err := term.master.Write([]byte(text))
	require.NoError(t, err)
}

// sessionPair returns the bridge's end of a socket pair and the session's
// end as a net.Conn.
func sessionPair(t *testing.T) (*os.File, net.Conn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	bridgeEnd := os.NewFile(uintptr(fds[0]), "bridge")
	peer := os.NewFile(uintptr(fds[1]), "session")
	conn, err := net.FileConn(peer)
	peer.Close()
	require.NoError(t, err)
	t.Cleanup(func() {
		bridgeEnd.Close()
		conn.Close()
	})
	return bridgeEnd, conn
}

func readExactly(t *testing.T, conn net.Conn, n int) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, n)
	read := 0
	for read < n {
		m, err := conn.Read(buf[read:])
		require.NoError(t, err)
		read += m
	}
	return string(buf)
}

func runBridge(t *testing.T, bridge *Bridge) chan error {
	t.Helper()
	errs := make(chan error, 1)
	go func() { errs <- bridge.Run(context.Background()) }()
	return errs
}

func waitResult(t *testing.T, errs chan error) error {
	t.Helper()
	select {
	case err := <-errs:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop")
		return nil
	}
}

func TestBridge_CopiesBothWaysUntilEOF(t *testing.T) {
	screen := newTerminal(t)
	socket, session := sessionPair(t)
	bridge := New(socket, Options{Input: screen.slave, Output: screen.slave, Logger: zaptest.NewLogger(t)})
	errs := runBridge(t, bridge)

	screen.waitFor(t, clearScreen)

	screen.typeText(t, "ls\r")
	assert.Equal(t, "ls\r", readExactly(t, session, 3), "raw mode keeps the carriage return")

	_, err := session.Write([]byte("file.txt\r\n"))
	require.NoError(t, err)
	screen.waitFor(t, "file.txt\r\n")

	require.NoError(t, session.Close())
	assert.NoError(t, waitResult(t, errs))
	screen.waitFor(t, endOfScreen+"\r\n[EOF - nbtty terminating]\r\n")
	screen.waitFor(t, showCursor)

	attributes, err := tty.GetAttributes(int(screen.slave.Fd()))
	require.NoError(t, err)
	assert.False(t, tty.CharacterMode(attributes), "original attributes restored")
}

func TestBridge_GatedInput(t *testing.T) {
	screen := newTerminal(t)
	socket, session := sessionPair(t)
	bridge := New(socket, Options{Input: screen.slave, Output: screen.slave, Gated: true})
	errs := runBridge(t, bridge)
	screen.waitFor(t, clearScreen)

	screen.typeText(t, "early")
	require.NoError(t, session.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err := session.Read(make([]byte, 16))
	require.Error(t, err, "nothing passes the gate before Enter")

	screen.typeText(t, "\r")
	assert.Equal(t, "early\r", readExactly(t, session, len("early\r")))
	screen.typeText(t, "z")
	assert.Equal(t, "z", readExactly(t, session, 1))

	session.Close()
	assert.NoError(t, waitResult(t, errs))
}

func TestBridge_Signals(t *testing.T) {
	cases := []struct {
		signal syscall.Signal
		screen string
	}{
		{syscall.SIGHUP, "[detached]"},
		{syscall.SIGINT, "[detached]"},
		{syscall.SIGTERM, "[got signal 15 - dying]"},
		{syscall.SIGQUIT, "[got signal 3 - dying]"},
	}
	for _, tc := range cases {
		t.Run(tc.signal.String(), func(t *testing.T) {
			screen := newTerminal(t)
			socket, _ := sessionPair(t)
			bridge := New(socket, Options{Input: screen.slave, Output: screen.slave})
			bridge.signals <- tc.signal
			errs := runBridge(t, bridge)

			err := waitResult(t, errs)
			var exitErr *ExitError
			require.ErrorAs(t, err, &exitErr)
			assert.Equal(t, 1, exitErr.Status)
			screen.waitFor(t, endOfScreen+"\r\n"+tc.screen+"\r\n")
			screen.waitFor(t, showCursor)
		})
	}
}

func TestBridge_FramedSizeMessages(t *testing.T) {
	screen := newTerminal(t)
	require.NoError(t, pty.Setsize(screen.master, &pty.Winsize{Rows: 30, Cols: 100}))
	socket, session := sessionPair(t)
	bridge := New(socket, Options{
		Input:   screen.slave,
		Output:  screen.slave,
		Framing: channel.ModeFramed,
		Redraw:  channel.RedrawWinch,
	})
	errs := runBridge(t, bridge)

	var decoder channel.Decoder
	next := func() channel.Message {
		t.Helper()
		require.NoError(t, session.SetReadDeadline(time.Now().Add(5*time.Second)))
		buf := make([]byte, 64)
		for {
			n, err := session.Read(buf)
			require.NoError(t, err)
			messages, err := decoder.Feed(buf[:n])
			require.NoError(t, err)
			if len(messages) > 0 {
				require.Len(t, messages, 1)
				return messages[0]
			}
		}
	}

	first := next()
	require.Equal(t, channel.MessageForceRedraw, first.Type)
	method, rows, cols, err := channel.ParseForceRedraw(first.Payload)
	require.NoError(t, err)
	assert.Equal(t, channel.RedrawWinch, method)
	assert.Equal(t, uint16(30), rows)
	assert.Equal(t, uint16(100), cols)

	require.NoError(t, pty.Setsize(screen.master, &pty.Winsize{Rows: 40, Cols: 120}))
	bridge.signals <- syscall.SIGWINCH
	change := next()
	require.Equal(t, channel.MessageWindowChange, change.Type)
	rows, cols, err = channel.ParseWindowChange(change.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(40), rows)
	assert.Equal(t, uint16(120), cols)

	screen.typeText(t, "q")
	push := next()
	assert.Equal(t, channel.MessagePush, push.Type)
	assert.Equal(t, "q", string(push.Payload))

	session.Close()
	assert.NoError(t, waitResult(t, errs))
}

func TestBridge_RequiresTerminal(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	socket, _ := sessionPair(t)

	err = New(socket, Options{Input: r, Output: w}).Run(context.Background())
	assert.ErrorIs(t, err, ErrNoTerminal)
	assert.Equal(t, "Attaching to a session requires a terminal.", err.Error())
}

func TestBridge_LosingStandardInputIsFatal(t *testing.T) {
	screen := newTerminal(t)
	socket, _ := sessionPair(t)
	errs := runBridge(t, New(socket, Options{Input: screen.slave, Output: screen.slave}))
	screen.waitFor(t, clearScreen)

	require.NoError(t, screen.master.Close())
	err := waitResult(t, errs)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Status)
}

func TestBridge_ReopensNamedDevice(t *testing.T) {
	first := newTerminal(t)
	second := newTerminal(t)
	link := filepath.Join(t.TempDir(), "console")
	require.NoError(t, os.Symlink(first.slave.Name(), link))

	socket, session := sessionPair(t)
	bridge := New(socket, Options{
		Device:         link,
		ReopenInterval: 20 * time.Millisecond,
		Logger:         zaptest.NewLogger(t),
	})
	errs := runBridge(t, bridge)
	first.waitFor(t, clearScreen)

	first.typeText(t, "1")
	assert.Equal(t, "1", readExactly(t, session, 1))

	// Unplug the first terminal and put the second one in its place.
	replacement := link + ".new"
	require.NoError(t, os.Symlink(second.slave.Name(), replacement))
	require.NoError(t, os.Rename(replacement, link))
	first.slave.Close()
	require.NoError(t, first.master.Close())

	require.Eventually(t, func() bool {
		attributes, err := tty.GetAttributes(int(second.slave.Fd()))
		return err == nil && tty.CharacterMode(attributes)
	}, 5*time.Second, 10*time.Millisecond, "bridge switched to the second terminal")

	second.typeText(t, "2")
	assert.Equal(t, "2", readExactly(t, session, 1))

	_, err := session.Write([]byte("back"))
	require.NoError(t, err)
	second.waitFor(t, "back")

	session.Close()
	assert.NoError(t, waitResult(t, errs))
}
