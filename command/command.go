// Package command runs the external package-manager binaries with an
// enforced per-call timeout. A timed-out child is killed, not
// abandoned.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/wolfeidau/pkgdash"
)

// waitDelay bounds how long we wait for pipes to drain after the child
// is killed.
const waitDelay = 5 * time.Second

// Output is the captured result of a completed command. A nonzero exit
// code is reported here, not as an error; callers decide whether it is
// fatal for their phase.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Success reports whether the command exited zero.
func (o *Output) Success() bool {
	return o.ExitCode == 0
}

// Runner executes external commands. Implementations must enforce the
// timeout by terminating the child process.
type Runner interface {
	Run(ctx context.Context, program string, args []string, timeout time.Duration) (*Output, error)

	// Available reports whether program can be found on PATH.
	Available(program string) bool
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

var _ Runner = ExecRunner{}

// Run executes program with args, capturing stdout and stderr. A
// missing binary maps to pkgdash.ErrUnavailable, an exceeded deadline
// to pkgdash.ErrTimeout.
func (ExecRunner) Run(ctx context.Context, program string, args []string, timeout time.Duration) (*Output, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, program, args...)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	switch {
	case err == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, fmt.Errorf("%s timed out after %s: %w", program, timeout, pkgdash.ErrTimeout)
	case errors.Is(err, exec.ErrNotFound):
		return nil, fmt.Errorf("%s: %w", program, pkgdash.ErrUnavailable)
	default:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("running %s: %w", program, err)
		}
		// Nonzero exit: fall through and report it in the output.
	}

	return &Output{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: cmd.ProcessState.ExitCode(),
	}, nil
}

// Available reports whether program resolves on PATH.
func (ExecRunner) Available(program string) bool {
	_, err := exec.LookPath(program)
	return err == nil
}
