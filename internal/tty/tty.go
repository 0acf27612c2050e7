// Package tty reads and writes terminal attributes and opens terminal
// devices that may come and go.
package tty

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrNotTerminal is returned when a descriptor that must be a terminal is
// not one.
var ErrNotTerminal = errors.New("not a terminal")

// GetAttributes snapshots the termios settings of fd.
func GetAttributes(fd int) (*unix.Termios, error) {
	if !term.IsTerminal(fd) {
		return nil, ErrNotTerminal
	}
	attrs, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return nil, fmt.Errorf("get terminal attributes: %w", err)
	}
	return attrs, nil
}

// SetAttributes applies attrs to fd once pending output has drained.
func SetAttributes(fd int, attrs *unix.Termios) error {
	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, attrs); err != nil {
		return fmt.Errorf("set terminal attributes: %w", err)
	}
	return nil
}

// CharacterMode reports whether attrs describe a program reading one
// character at a time without echo, the mode full-screen programs use.
func CharacterMode(attrs *unix.Termios) bool {
	return attrs.Lflag&(unix.ECHO|unix.ICANON) == 0 && attrs.Cc[unix.VMIN] == 1
}

// OpenDevice opens a terminal device by path without making it the
// controlling terminal. While the device is missing or unusable it retries
// every interval until ctx is done.
func OpenDevice(ctx context.Context, path string, interval time.Duration, logger *zap.Logger) (*os.File, error) {
	for attempt := 1; ; attempt++ {
		file, err := os.OpenFile(path, os.O_RDWR|syscall.O_NOCTTY, 0)
		if err == nil {
			if term.IsTerminal(int(file.Fd())) {
				return file, nil
			}
			file.Close()
			err = fmt.Errorf("%s: %w", path, ErrNotTerminal)
		}
		if attempt == 1 {
			logger.Info("waiting for terminal device", zap.String("path", path), zap.Error(err))
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("open %s: %w", path, ctx.Err())
		case <-timer.C:
		}
	}
}
