// Package runner invokes the external tools the pipeline depends on:
// registration solvers, the perfusion estimator, and surface mapping
// utilities. The pipeline only consumes their output files; a non-zero
// exit status aborts the calling stage.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Result holds the captured output of one external invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExternalProcessError reports a non-zero exit from an external tool.
type ExternalProcessError struct {
	Program  string
	ExitCode int
	Stderr   string
}

func (e *ExternalProcessError) Error() string {
	return fmt.Sprintf("%s exited with status %d: %s", e.Program, e.ExitCode, e.Stderr)
}

// Options configures one invocation.
type Options struct {
	// WorkingDir is the directory the process runs in; empty means
	// inherit.
	WorkingDir string

	// Env holds variables appended to the inherited environment.
	Env map[string]string

	// Echo mirrors the child's output to this process's stdout and
	// stderr as well as capturing it.
	Echo bool
}

// Runner executes external programs. Stages depend on this interface
// so tests can substitute a recording fake.
type Runner interface {
	Run(ctx context.Context, program string, args []string, opts Options) (*Result, error)
}

// Command is the Runner backed by the operating system.
type Command struct{}

// Run executes the program and waits for it to exit. A non-zero exit
// status is returned as an ExternalProcessError along with the
// captured result.
func (Command) Run(ctx context.Context, program string, args []string, opts Options) (*Result, error) {
	cmd := exec.CommandContext(ctx, program, args...)
	if opts.WorkingDir != "" {
		cmd.Dir = opts.WorkingDir
	}
	if len(opts.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range opts.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if opts.Echo {
		cmd.Stdout = io.MultiWriter(&stdout, os.Stdout)
		cmd.Stderr = io.MultiWriter(&stderr, os.Stderr)
	}

	err := cmd.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, &ExternalProcessError{Program: program, ExitCode: res.ExitCode, Stderr: res.Stderr}
	default:
		res.ExitCode = -1
		return res, fmt.Errorf("failed to run %s: %w", program, err)
	}
}
