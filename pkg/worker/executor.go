// Copyright © 2018 One Concern

package worker

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/oneconcern/buildfarm/pkg/errors"
)

var (
	// ErrTimeout is returned when a command outlives the action timeout
	ErrTimeout = errors.New("command timed out")

	// ErrExecution is returned when a command could not be started
	ErrExecution = errors.New("command could not run")
)

const waitDelay = 2 * time.Second

// ExecRequest is the command to run in a prepared execution root
type ExecRequest struct {
	Dir         string
	Arguments   []string
	Environment map[string]string
	Timeout     time.Duration
}

// ExecResult captures what the command did
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Executor runs a command and captures its exit code and output.
//
// A command exiting with a non-zero code is an ExecResult, not an error.
type Executor interface {
	Run(context.Context, ExecRequest) (ExecResult, error)
}

// ExecutorFunc adapts a function to the Executor interface
type ExecutorFunc func(context.Context, ExecRequest) (ExecResult, error)

// Run the command
func (f ExecutorFunc) Run(ctx context.Context, req ExecRequest) (ExecResult, error) {
	return f(ctx, req)
}

// ProcessExecutor runs commands as local processes. It provides no isolation.
type ProcessExecutor struct {
	// InheritEnv passes the worker environment to commands, under the action environment
	InheritEnv bool
}

// Run the command as a child process
func (p ProcessExecutor) Run(ctx context.Context, req ExecRequest) (ExecResult, error) {
	if len(req.Arguments) == 0 {
		return ExecResult{}, ErrExecution.WrapMessage("empty command")
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, req.Arguments[0], req.Arguments[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = p.environment(req.Environment)
	// orphaned grand-children must not keep Wait blocked on the output pipes
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	switch ctx.Err() {
	case nil:
	case context.DeadlineExceeded:
		return ExecResult{}, ErrTimeout.Wrap(ctx.Err())
	default:
		return ExecResult{}, ErrExecution.Wrap(ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return ExecResult{}, ErrExecution.Wrap(err)
		}
	}
	return ExecResult{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

func (p ProcessExecutor) environment(env map[string]string) []string {
	var base []string
	if p.InheritEnv {
		base = os.Environ()
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	result := make([]string, 0, len(base)+len(keys))
	result = append(result, base...)
	for _, k := range keys {
		result = append(result, k+"="+env[k])
	}
	return result
}
