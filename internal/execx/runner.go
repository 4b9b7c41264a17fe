// Package execx runs external commands for the scheduler adapters and the
// post-provision registrar.
package execx

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/alessio/shellescape"
)

// Runner runs one command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExitError carries the command line and its standard error.
type ExitError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Command, e.Err, msg)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	// BinDir is prepended to relative command names when set.
	BinDir string
	Logger *slog.Logger
}

// Run implements Runner. The process is killed when ctx is done.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if r.BinDir != "" && !filepath.IsAbs(name) && !strings.Contains(name, "/") {
		name = filepath.Join(r.BinDir, name)
	}

	line := Quote(name, args...)
	logger.Debug("running command", "command", line)

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return stdout.Bytes(), &ExitError{Command: line, Stderr: stderr.String(), Err: err}
	}
	return stdout.Bytes(), nil
}

// Quote renders a command line safe to paste into a shell.
func Quote(name string, args ...string) string {
	return shellescape.QuoteCommand(append([]string{name}, args...))
}

// Compile-time interface check
var _ Runner = (*ExecRunner)(nil)
