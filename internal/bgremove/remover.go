// Package bgremove runs the external background-removal tool.
//
// The tool is invoked as `{binary} {args...} {src} {dst}`. On success it writes
// dst, prints a success marker on stdout and exits 0. On failure it prints an
// `ERROR: <message>` line on stderr and exits non-zero. A run only counts as
// successful when the exit code is 0, the marker was printed and dst exists.
package bgremove

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"garment_processor/internal/logging"
	"garment_processor/internal/models"
)

// Remover strips the background from src and writes the result to dst.
type Remover interface {
	Remove(ctx context.Context, src, dst string) error
}

// Result is the captured outcome of one process run.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Executor abstracts process execution for tests. Run must return
// ctx.Err() (possibly wrapped) when the context ended the process.
type Executor interface {
	Run(ctx context.Context, binary string, args []string) (Result, error)
}

// Option configures the remover.
type Option func(*CommandRemover)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(r *CommandRemover) {
		if exec != nil {
			r.exec = exec
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *CommandRemover) {
		r.logger = logging.OrDefault(logger)
	}
}

// CommandRemover implements Remover on top of an external process.
type CommandRemover struct {
	binary  string
	args    []string
	timeout time.Duration
	marker  string
	exec    Executor
	logger  *slog.Logger
}

func New(cfg models.PipelineConfig, opts ...Option) (*CommandRemover, error) {
	binary := strings.TrimSpace(cfg.RemoverPath)
	if binary == "" {
		return nil, errors.New("background removal tool path required")
	}
	if cfg.RemoverTimeout <= 0 {
		return nil, errors.New("background removal timeout must be positive")
	}
	if cfg.SuccessMarker == "" {
		return nil, errors.New("background removal success marker required")
	}
	r := &CommandRemover{
		binary:  binary,
		args:    append([]string(nil), cfg.RemoverArgs...),
		timeout: cfg.RemoverTimeout,
		marker:  cfg.SuccessMarker,
		exec:    commandExecutor{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Remove runs the tool once. Whatever the failure, dst does not exist afterwards.
func (r *CommandRemover) Remove(ctx context.Context, src, dst string) (err error) {
	const op = "bgremove.Remove"

	if _, statErr := os.Stat(src); statErr != nil {
		return fmt.Errorf("%s: %w: source: %v", op, models.ErrSubprocessFailure, statErr)
	}
	if mkErr := os.MkdirAll(filepath.Dir(dst), 0o755); mkErr != nil {
		return fmt.Errorf("%s: %w: prepare destination: %v", op, models.ErrSubprocessFailure, mkErr)
	}
	// A leftover from an earlier attempt must not pass the existence check.
	if rmErr := os.Remove(dst); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		return fmt.Errorf("%s: %w: clear destination: %v", op, models.ErrSubprocessFailure, rmErr)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := append(append([]string(nil), r.args...), src, dst)
	started := time.Now()
	res, runErr := r.exec.Run(runCtx, r.binary, args)
	elapsed := time.Since(started)

	r.logger.Debug("background removal finished",
		"binary", r.binary,
		"exit_code", res.ExitCode,
		"duration", elapsed,
		"stdout", truncate(res.Stdout, 512),
		"stderr", truncate(res.Stderr, 512),
	)

	if runErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%s: %w: timed out after %s", op, models.ErrSubprocessTimeout, r.timeout)
	}
	if runErr != nil && ctx.Err() != nil {
		return fmt.Errorf("%s: %w: %v", op, models.ErrSubprocessFailure, ctx.Err())
	}
	if runErr != nil || res.ExitCode != 0 {
		return fmt.Errorf("%s: %w: exit code %d: %s", op, models.ErrSubprocessFailure, res.ExitCode, diagnostic(res, runErr))
	}
	if !hasMarker(res.Stdout, r.marker) {
		return fmt.Errorf("%s: %w: success marker %q not printed", op, models.ErrSubprocessFailure, r.marker)
	}
	info, statErr := os.Stat(dst)
	if statErr != nil {
		return fmt.Errorf("%s: %w: output file missing: %v", op, models.ErrSubprocessFailure, statErr)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%s: %w: output file is empty", op, models.ErrSubprocessFailure)
	}
	return nil
}

func hasMarker(stdout, marker string) bool {
	for _, line := range strings.Split(stdout, "\n") {
		if strings.TrimSpace(line) == marker {
			return true
		}
	}
	return false
}

// diagnostic prefers the tool's last `ERROR:` line, then the stderr tail,
// then the execution error.
func diagnostic(res Result, runErr error) string {
	lines := strings.Split(strings.TrimSpace(res.Stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if msg, ok := strings.CutPrefix(line, "ERROR:"); ok {
			return strings.TrimSpace(msg)
		}
	}
	if tail := strings.TrimSpace(lines[len(lines)-1]); tail != "" {
		return truncate(tail, 256)
	}
	if runErr != nil {
		return runErr.Error()
	}
	return "no diagnostic output"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
