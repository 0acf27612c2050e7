//go:build linux

package tty

import "golang.org/x/sys/unix"

const (
	ioctlGetTermios = unix.TCGETS
	// TCSETSW waits for queued output to drain, like tcsetattr(TCSADRAIN).
	ioctlSetTermios = unix.TCSETSW
)
