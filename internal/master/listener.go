package master

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Listener accepts reattaching clients on a unix socket. Its descriptor is
// polled by the Supervisor while no client is attached.
type Listener struct {
	path     string
	listener *net.UnixListener
	file     *os.File
	fd       int
}

// Listen creates the session socket at path, replacing a stale one. Only
// the owner may connect.
func Listen(path string) (*Listener, error) {
	os.Remove(path)
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("restrict %s: %w", path, err)
	}

	// The event loop polls a plain descriptor, not the runtime's.
	file, err := listener.File()
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("listener descriptor: %w", err)
	}
	fd := int(file.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		file.Close()
		listener.Close()
		return nil, fmt.Errorf("listener descriptor: %w", err)
	}
	return &Listener{path: path, listener: listener, file: file, fd: fd}, nil
}

// Path returns the socket path.
func (l *Listener) Path() string { return l.path }

// Fd returns the descriptor to poll for pending connections.
func (l *Listener) Fd() int { return l.fd }

// Accept returns one pending connection as a non-blocking, close-on-exec
// descriptor. It returns unix.EAGAIN when the connection went away after
// the listener was reported readable.
func (l *Listener) Accept() (int, error) {
	fd, _, err := unix.Accept(l.fd)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set client non-blocking: %w", err)
	}
	return fd, nil
}

// Close stops listening and removes the socket.
func (l *Listener) Close() error {
	l.file.Close()
	return l.listener.Close()
}
