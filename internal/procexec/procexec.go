// Package procexec runs external engines (transcoders, recognizers,
// synthesizers) with a timeout, separate stdout/stderr capture and
// exit-status mapping.
package procexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

var (
	// ErrTimeout is returned when the process outlives its deadline.
	ErrTimeout = errors.New("procexec: process timed out")
	// ErrNotFound is returned when the executable cannot be located.
	ErrNotFound = errors.New("procexec: executable not found")
	// ErrEmptyCommand is returned for blank command lines.
	ErrEmptyCommand = errors.New("procexec: command is empty")
)

// ExitError reports a process that ran and exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExitError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("%s exited with status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Command, e.ExitCode, stderr)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Result holds the captured streams of a finished process.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Runner executes commands. The zero timeout means the caller's context
// is the only deadline.
type Runner struct {
	timeout time.Duration
	logger  *slog.Logger
}

func NewRunner(timeout time.Duration, logger *slog.Logger) *Runner {
	return &Runner{timeout: timeout, logger: logger}
}

// Parse splits a command line the way a shell would, without invoking one.
func Parse(command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", command, err)
	}
	if len(args) == 0 {
		return nil, ErrEmptyCommand
	}
	return args, nil
}

// Expand replaces {name} placeholders in each argument. Arguments are
// substituted after parsing so paths with spaces stay a single argument.
func Expand(args []string, values map[string]string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		for key, value := range values {
			arg = strings.ReplaceAll(arg, "{"+key+"}", value)
		}
		out[i] = arg
	}
	return out
}

// Run starts argv[0] with the remaining arguments and waits for it.
// stdin may be nil.
func (r *Runner) Run(ctx context.Context, argv []string, stdin io.Reader) (Result, error) {
	if len(argv) == 0 {
		return Result{}, ErrEmptyCommand
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	command := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if stdin != nil {
		command.Stdin = stdin
	}

	start := time.Now()
	err := command.Run()
	result := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Duration: time.Since(start)}

	if r.logger != nil {
		r.logger.Debug("process finished",
			slog.String("command", argv[0]),
			slog.Duration("duration", result.Duration),
			slog.Int("stdout_bytes", stdout.Len()),
			slog.Int("stderr_bytes", stderr.Len()))
	}

	if err == nil {
		return result, nil
	}
	return result, mapError(ctx, argv[0], err, stderr.String())
}

func mapError(ctx context.Context, name string, err error, stderr string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", name, ErrTimeout)
		}
		return fmt.Errorf("%s: %w", name, ctxErr)
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Command: name, ExitCode: exitErr.ExitCode(), Stderr: stderr, Err: err}
	}
	return fmt.Errorf("run %s: %w", name, err)
}
