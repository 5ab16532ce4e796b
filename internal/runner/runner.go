// Package runner executes external command-line tools as subprocesses.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/clipmix/api/internal/log"
)

// maxCapturedOutput bounds how much process output is kept in a ProcessError.
const maxCapturedOutput = 4096

// waitDelay bounds how long Run waits for output pipes after the process is killed.
const waitDelay = 5 * time.Second

// ErrTimeout is matched by ProcessError values caused by the timeout elapsing.
var ErrTimeout = errors.New("process timed out")

// Runner runs an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error) {
	return f(ctx, timeout, name, args...)
}

// ProcessError reports a failed external process invocation.
type ProcessError struct {
	Command    string
	ExitReason string
	Output     string
	err        error
}

func (e *ProcessError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s: %s", e.Command, e.ExitReason)
	}
	return fmt.Sprintf("%s: %s: %s", e.Command, e.ExitReason, e.Output)
}

func (e *ProcessError) Unwrap() error { return e.err }

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	logger log.Logger
}

// NewExecRunner creates a runner that spawns real processes.
func NewExecRunner(logger log.Logger) *ExecRunner {
	if logger == nil {
		logger = log.Noop
	}
	return &ExecRunner{logger: logger.WithValues(log.Kv{"svc": "runner.Exec"})}
}

// Run launches name with args and waits for it to exit or for timeout to
// elapse. A non-positive timeout means no timeout beyond ctx.
func (r *ExecRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error) {
	if strings.TrimSpace(name) == "" {
		return nil, &ProcessError{Command: name, ExitReason: "empty command"}
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.WaitDelay = waitDelay
	output, err := cmd.CombinedOutput()
	elapsed := time.Since(start)

	if err == nil {
		r.logger.Debugf("%s finished in %s", name, elapsed.Round(time.Millisecond))
		return output, nil
	}

	perr := &ProcessError{
		Command: name,
		Output:  tail(strings.TrimSpace(string(output)), maxCapturedOutput),
		err:     err,
	}

	var exitErr *exec.ExitError
	switch {
	case timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		perr.ExitReason = fmt.Sprintf("timeout after %s", timeout)
		perr.err = ErrTimeout
	case ctx.Err() != nil:
		perr.ExitReason = "canceled"
		perr.err = ctx.Err()
	case errors.As(err, &exitErr):
		perr.ExitReason = fmt.Sprintf("exit status %d", exitErr.ExitCode())
	default:
		perr.ExitReason = fmt.Sprintf("spawn failed: %v", err)
	}

	r.logger.Warningf("%s failed after %s: %s", name, elapsed.Round(time.Millisecond), perr.ExitReason)
	return output, perr
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
