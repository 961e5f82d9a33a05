package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"refgen_worker/core"
)

func main() {
	// A missing .env is normal in containers; the environment is set directly.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: could not read .env: %v\n", err)
	}

	root := newRootCommand(os.Stdin, os.Stdout)
	if err := root.ExecuteContext(context.Background()); err != nil {
		code := exitCodeFor(err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if code != core.ExitCodeError {
			fmt.Fprintf(os.Stderr, "Exiting with code %d (%s)\n", code, core.ExitCodeName(code))
		}
		os.Exit(code)
	}
}

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

// exitCodeFor maps a command error to the process exit code.
func exitCodeFor(err error) int {
	if err == nil {
		return core.ExitCodeSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return core.ExitCodeError
}
