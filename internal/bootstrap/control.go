package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"nbtty/internal/channel"
)

// Control describes a running named session. The supervisor writes it next
// to the session socket so that attach, status and stop can find the
// process and speak the right framing.
type Control struct {
	// PID is the supervisor's pid.
	PID      int
	ChildPID int
	Framing  channel.Mode
	Command  []string
	Started  time.Time
}

// WriteControl atomically replaces the control file at path.
func WriteControl(path string, control Control) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create runtime directory: %w", err)
	}
	data, err := encMode.Marshal(control)
	if err != nil {
		return fmt.Errorf("encode control file: %w", err)
	}
	temporary := path + ".tmp"
	if err := os.WriteFile(temporary, data, 0o600); err != nil {
		return fmt.Errorf("write control file: %w", err)
	}
	if err := os.Rename(temporary, path); err != nil {
		os.Remove(temporary)
		return fmt.Errorf("write control file: %w", err)
	}
	return nil
}

// ReadControl reads a control file. A missing file is reported with an
// error wrapping os.ErrNotExist.
func ReadControl(path string) (*Control, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var control Control
	if err := decMode.Unmarshal(data, &control); err != nil {
		return nil, fmt.Errorf("decode control file %s: %w", path, err)
	}
	return &control, nil
}

// Alive reports whether the supervisor described by c still exists.
func (c *Control) Alive() bool {
	return ProcessAlive(c.PID)
}

// ProcessAlive reports whether a process with pid exists. A process owned
// by another user counts as alive.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
