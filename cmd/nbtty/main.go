// nbtty keeps an interactive program running on its own pseudo-terminal
// after the terminal that started it goes away, and lets a terminal attach
// to it again later.
//
// Usage:
//
//	nbtty [new] [flags] [--] command [args...]
//	nbtty attach [flags] name
//	nbtty status name
//	nbtty stop name
package main

import (
	"errors"
	"fmt"
	"os"

	"nbtty/internal/attach"
	"nbtty/internal/bootstrap"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, errHelp) {
			return
		}
		if errors.Is(err, attach.ErrNoTerminal) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "nbtty: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "new":
			return cmdNew(args[1:])
		case "attach":
			return cmdAttach(args[1:])
		case "status":
			return cmdStatus(args[1:])
		case "stop":
			return cmdStop(args[1:])
		case bootstrap.RunCommand:
			return runSupervisor()
		case "help", "-h", "--help":
			printUsage()
			return nil
		}
	}
	return cmdNew(args)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage:
  nbtty [new] [flags] [--] command [args...]   start a session and attach to it
  nbtty attach [flags] name                    attach to a named session
  nbtty status name                            report whether a session runs
  nbtty stop name                              end a named session

Settings come from NBTTY_* environment variables; flags override them.
Run "nbtty new --help" or "nbtty attach --help" for flags.
`)
}
