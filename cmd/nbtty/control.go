package main

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"nbtty/internal/bootstrap"
	"nbtty/internal/config"
)

// stopTimeout is how long stop waits after SIGTERM before using SIGKILL.
const stopTimeout = 5 * time.Second

// notRunningError makes status exit 1 without an error message.
type notRunningError struct{}

func (notRunningError) Error() string { return "not running" }
func (notRunningError) ExitCode() int { return 1 }

func cmdStatus(args []string) error {
	settings, name, err := namedCommand("nbtty status", args)
	if err != nil {
		return err
	}
	control, err := bootstrap.ReadControl(settings.ControlPath(name))
	if err != nil || !control.Alive() {
		fmt.Printf("Session %s is not running\n", name)
		return notRunningError{}
	}
	fmt.Printf("Session %s is running (pid %d, child pid %d, %s framing, up %s)\n",
		name, control.PID, control.ChildPID, control.Framing, time.Since(control.Started).Round(time.Second))
	fmt.Printf("  %s\n", strings.Join(control.Command, " "))
	return nil
}

func cmdStop(args []string) error {
	settings, name, err := namedCommand("nbtty stop", args)
	if err != nil {
		return err
	}
	control, err := bootstrap.ReadControl(settings.ControlPath(name))
	if err != nil || !control.Alive() {
		fmt.Printf("Session %s is not running\n", name)
		os.Remove(settings.ControlPath(name))
		os.Remove(settings.SocketPath(name))
		return nil
	}

	// The supervisor hangs up the child and cleans up on SIGTERM.
	syscall.Kill(control.PID, syscall.SIGTERM)
	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		if !bootstrap.ProcessAlive(control.PID) {
			fmt.Printf("Session %s stopped (was pid %d)\n", name, control.PID)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintf(os.Stderr, "Session %s did not stop within %s, sending SIGKILL\n", name, stopTimeout)
	syscall.Kill(control.PID, syscall.SIGKILL)
	syscall.Kill(-control.ChildPID, syscall.SIGHUP)
	time.Sleep(200 * time.Millisecond)
	os.Remove(settings.ControlPath(name))
	os.Remove(settings.SocketPath(name))
	return nil
}

func namedCommand(command string, args []string) (config.Settings, string, error) {
	settings, err := config.Load()
	if err != nil {
		return config.Settings{}, "", err
	}
	flags := pflag.NewFlagSet(command, pflag.ContinueOnError)
	if err := parse(flags, &settings, args); err != nil {
		return config.Settings{}, "", err
	}
	name, err := sessionName(flags.Args())
	if err != nil {
		return config.Settings{}, "", err
	}
	return settings, name, nil
}
