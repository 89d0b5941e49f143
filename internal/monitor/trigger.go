package monitor

import (
	"context"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/guestfit/guestfit/internal/guestexec"
	"github.com/guestfit/guestfit/internal/window"
)

// Executor runs a guest command to completion.
type Executor interface {
	RunAndWait(ctx context.Context, cmd guestexec.Command) (guestexec.Result, error)
}

// Trigger runs the guest resize command once per debounced resize.
type Trigger struct {
	executor Executor
	command  guestexec.Command
	logger   *log.Logger
}

// NewTrigger binds the executor and command used for every resize.
func NewTrigger(executor Executor, command guestexec.Command, logger *log.Logger) *Trigger {
	if logger == nil {
		logger = log.Default()
	}
	return &Trigger{
		executor: executor,
		command:  command,
		logger:   logger,
	}
}

// Fire runs the guest command. The size is only logged: the guest command
// asks the guest's display server to pick up the new mode itself.
// Failures are logged and contained here. ctx bounds the whole guest-exec
// exchange.
func (t *Trigger) Fire(ctx context.Context, size window.Size) {
	logger := t.logger.With("size", size)
	logger.Info("executing guest resize command", "command", t.command.String())

	result, err := t.executor.RunAndWait(ctx, t.command)
	if err != nil {
		logger.Error("guest resize command failed", "err", err)
		return
	}
	Report(logger, result)
}

// Report logs captured output and the terminal status of a guest command.
func Report(logger *log.Logger, result guestexec.Result) {
	if stdout := strings.TrimSpace(string(result.Stdout)); stdout != "" {
		logger.Info("guest stdout:\n" + stdout)
	}
	if stderr := strings.TrimSpace(string(result.Stderr)); stderr != "" {
		logger.Warn("guest stderr:\n" + stderr)
	}
	if result.OutTruncated || result.ErrTruncated {
		logger.Warn("guest output was truncated by the agent",
			"stdout_truncated", result.OutTruncated, "stderr_truncated", result.ErrTruncated)
	}

	logger.Info("guest-exec finished",
		"pid", result.PID,
		"exited", result.Exited,
		"signal", result.Signaled,
		"exitcode", result.ExitCode)
}
