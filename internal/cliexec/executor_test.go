package cliexec

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/taskmill/taskmill-backend/internal/pkg/logger"
)

func newTestRunner() Runner {
	return NewRunner(logger.Nop())
}

func TestRunSuccessCapturesOutput(t *testing.T) {
	res := newTestRunner().Run(context.Background(), Spec{Command: "echo hello"})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
	if strings.TrimSpace(res.Output) != "hello" {
		t.Fatalf("output = %q", res.Output)
	}
}

func TestRunShellInterpretation(t *testing.T) {
	res := newTestRunner().Run(context.Background(), Spec{Command: "echo a && echo b | tr 'b' 'c'"})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if !strings.Contains(res.Output, "a") || !strings.Contains(res.Output, "c") {
		t.Fatalf("output = %q", res.Output)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	res := newTestRunner().Run(context.Background(), Spec{Command: "exit 3"})
	if res.Success {
		t.Fatalf("expected failure, got %+v", res)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.ErrorMessage, "exit code 3") {
		t.Fatalf("error message = %q", res.ErrorMessage)
	}
}

func TestRunCapturesStderr(t *testing.T) {
	res := newTestRunner().Run(context.Background(), Spec{Command: "echo oops >&2; exit 1"})
	if res.Success {
		t.Fatalf("expected failure, got %+v", res)
	}
	if !strings.Contains(res.Output, "oops") {
		t.Fatalf("stderr not captured, output = %q", res.Output)
	}
}

func TestRunTimeout(t *testing.T) {
	start := time.Now()
	res := newTestRunner().Run(context.Background(), Spec{
		Command: "sleep 10",
		Timeout: 200 * time.Millisecond,
	})
	if res.Success {
		t.Fatalf("expected timeout failure, got %+v", res)
	}
	if res.ExitCode != -1 {
		t.Fatalf("exit code = %d, want -1", res.ExitCode)
	}
	if !strings.Contains(res.ErrorMessage, "timeout") {
		t.Fatalf("error message = %q", res.ErrorMessage)
	}
	if time.Since(start) > 8*time.Second {
		t.Fatalf("timeout did not interrupt the command")
	}
}

func TestRunEmptyCommand(t *testing.T) {
	res := newTestRunner().Run(context.Background(), Spec{Command: "   "})
	if res.Success || res.ExitCode != -1 {
		t.Fatalf("expected start failure, got %+v", res)
	}
}

func TestRunWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	res := newTestRunner().Run(context.Background(), Spec{Command: "pwd", WorkingDirectory: dir})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if !strings.Contains(res.Output, dir) {
		t.Fatalf("pwd = %q, want %q", res.Output, dir)
	}
}

func TestRunBadWorkingDirectory(t *testing.T) {
	res := newTestRunner().Run(context.Background(), Spec{
		Command:          "echo hi",
		WorkingDirectory: "/no/such/dir/at/all",
	})
	if res.Success {
		t.Fatalf("expected start failure, got %+v", res)
	}
	if res.ExitCode != -1 {
		t.Fatalf("exit code = %d, want -1 for start failure", res.ExitCode)
	}
}

func TestRunOutputTruncation(t *testing.T) {
	// head -c would exit early; yes keeps writing until the pipe is cut.
	res := newTestRunner().Run(context.Background(), Spec{
		Command: "head -c 2097152 /dev/zero | tr '\\0' 'x'",
	})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if len(res.Output) > MaxOutputBytes+len(truncationMarker) {
		t.Fatalf("output length %d exceeds cap", len(res.Output))
	}
	if !strings.HasSuffix(res.Output, truncationMarker) {
		t.Fatalf("truncated output missing marker")
	}
}

func TestCappedWriterUnderLimit(t *testing.T) {
	res := newTestRunner().Run(context.Background(), Spec{Command: "echo short"})
	if strings.Contains(res.Output, "[output truncated]") {
		t.Fatalf("short output must not carry the truncation marker")
	}
}
