// Package runner shells out to the local toolchain (docker, pip). The
// deployment workflow drives operator-installed binaries rather than
// embedding their SDKs, so everything that leaves the process goes
// through this single seam, which tests replace with fakes.
package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// Runner executes a local command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	RunWithStdin(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error)
}

// Exec is the real Runner backed by os/exec.
type Exec struct {
	logger *slog.Logger
}

// NewExec creates a Runner that executes commands on the local machine.
func NewExec(logger *slog.Logger) *Exec {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exec{logger: logger}
}

// Run executes name with args and returns combined stdout/stderr.
func (e *Exec) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return e.RunWithStdin(ctx, nil, name, args...)
}

// RunWithStdin is Run with the command's stdin attached to the reader.
func (e *Exec) RunWithStdin(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	e.logger.DebugContext(ctx, "running command",
		slog.String("command", name),
		slog.String("args", strings.Join(args, " ")),
	)

	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, firstLine(out))
	}
	return out, nil
}

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
