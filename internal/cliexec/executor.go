package cliexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	pkgerr "github.com/taskmill/taskmill-backend/internal/pkg/errors"
	"github.com/taskmill/taskmill-backend/internal/pkg/logger"
)

// MaxOutputBytes caps the combined stdout+stderr captured per task. The
// source system never bounded this; we truncate and append a marker so the
// stored row stays sane for pathological commands.
const MaxOutputBytes = 1 << 20

const truncationMarker = "\n[output truncated]"

// ExecutionResult is everything the orchestrator records about one attempt.
type ExecutionResult struct {
	Success      bool
	ExitCode     int
	Output       string
	ErrorMessage string
}

// Spec describes one command invocation. Commands are shell-interpreted
// (`sh -c`), matching the behavior task authors rely on.
type Spec struct {
	Command          string
	WorkingDirectory string
	Timeout          time.Duration
}

// Runner executes a resolved command. Pure by contract: no persistence, no
// retry logic, no queue interaction.
type Runner interface {
	Run(ctx context.Context, spec Spec) ExecutionResult
}

type shellRunner struct {
	log *logger.Logger
}

func NewRunner(baseLog *logger.Logger) Runner {
	return &shellRunner{log: baseLog.With("component", "CommandExecutor")}
}

func (r *shellRunner) Run(ctx context.Context, spec Spec) ExecutionResult {
	command := strings.TrimSpace(spec.Command)
	if command == "" {
		return ExecutionResult{
			Success:      false,
			ExitCode:     -1,
			ErrorMessage: fmt.Sprintf("%v: empty command", pkgerr.ErrExecution),
		}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	if spec.WorkingDirectory != "" {
		cmd.Dir = spec.WorkingDirectory
	}

	var buf bytes.Buffer
	out := &cappedWriter{buf: &buf, limit: MaxOutputBytes}
	cmd.Stdout = out
	cmd.Stderr = out
	// Give the child a moment to die on context cancellation before SIGKILL.
	cmd.WaitDelay = 5 * time.Second

	started := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(started)

	output := out.String()

	if runCtx.Err() == context.DeadlineExceeded {
		r.log.Warn("command timed out", "command", command, "timeout", spec.Timeout, "elapsed", elapsed)
		return ExecutionResult{
			Success:      false,
			ExitCode:     -1,
			Output:       output,
			ErrorMessage: fmt.Sprintf("%v after %s", pkgerr.ErrExecutionTimeout, spec.Timeout),
		}
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			code := exitErr.ExitCode()
			return ExecutionResult{
				Success:      false,
				ExitCode:     code,
				Output:       output,
				ErrorMessage: fmt.Sprintf("%v: exit code %d", pkgerr.ErrNonZeroExit, code),
			}
		}
		// Could not start at all: binary missing, permission denied, bad dir.
		r.log.Warn("command failed to start", "command", command, "error", runErr)
		return ExecutionResult{
			Success:      false,
			ExitCode:     -1,
			Output:       output,
			ErrorMessage: fmt.Sprintf("%v: %v", pkgerr.ErrExecution, runErr),
		}
	}

	return ExecutionResult{
		Success:  true,
		ExitCode: 0,
		Output:   output,
	}
}

// cappedWriter keeps the first limit bytes and discards the rest.
type cappedWriter struct {
	buf       *bytes.Buffer
	limit     int
	truncated bool
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		w.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		w.truncated = true
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	return w.buf.Write(p)
}

func (w *cappedWriter) String() string {
	if w.truncated {
		return w.buf.String() + truncationMarker
	}
	return w.buf.String()
}
