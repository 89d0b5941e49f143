// Package guestexec runs a program inside a guest through the QEMU guest
// agent and waits for it to finish.
//
// An invocation moves through Starting (guest-exec), Running (guest-exec-status
// polls) and ends either Terminal, when the agent reports the process exited
// or was signaled, or failed on the first transport or protocol error. No
// step is retried; a failed poll leaves the guest process running
// unmonitored.
package guestexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/guestfit/guestfit/internal/virsh"
)

// DefaultPollInterval spaces guest-exec-status queries.
const DefaultPollInterval = 2 * time.Second

var (
	// ErrMissingPID reports a guest-exec reply without a process id.
	ErrMissingPID = errors.New("guest-exec reply has no pid")
	// ErrExecTimeout reports that the optional overall wait elapsed.
	ErrExecTimeout = errors.New("guest command did not finish in time")
)

// ProtocolError reports an agent reply that could not be parsed.
type ProtocolError struct {
	Command string
	Raw     string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("parse %s reply: %v", e.Command, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Channel sends one guest-agent command and returns the agent's reply.
type Channel interface {
	Invoke(ctx context.Context, payload []byte) (virsh.Response, error)
}

// Result is the terminal outcome of a guest command.
//
// Stdout and Stderr are nil when nothing was captured. When a stream could
// not be decoded it is reported as absent and the cause is kept in
// StdoutErr or StderrErr.
type Result struct {
	PID          int
	Exited       bool
	Signaled     bool
	Signal       int
	ExitCode     int
	Stdout       []byte
	Stderr       []byte
	StdoutErr    error
	StderrErr    error
	OutTruncated bool
	ErrTruncated bool
}

// Success reports whether the command exited normally with status zero.
func (r Result) Success() bool {
	return r.Exited && !r.Signaled && r.ExitCode == 0
}

// Status is one guest-exec-status observation.
type Status struct {
	Done   bool
	Result Result
}

// Options configures a Runner.
type Options struct {
	Channel      Channel
	PollInterval time.Duration
	// MaxWait caps one RunAndWait call. Zero polls until the guest reports
	// a terminal state.
	MaxWait time.Duration
	Logger  *log.Logger
}

// Runner starts guest commands and polls them to completion.
type Runner struct {
	channel      Channel
	pollInterval time.Duration
	maxWait      time.Duration
	logger       *log.Logger
	sleep        func(ctx context.Context, d time.Duration) error
	newID        func() string
}

// New creates a Runner with defaults where options are omitted.
func New(opts Options) (*Runner, error) {
	if opts.Channel == nil {
		return nil, errors.New("agent channel is required")
	}

	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	maxWait := opts.MaxWait
	if maxWait < 0 {
		maxWait = 0
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Runner{
		channel:      opts.Channel,
		pollInterval: interval,
		maxWait:      maxWait,
		logger:       logger,
		sleep:        sleepContext,
		newID:        uuid.NewString,
	}, nil
}

// RunAndWait starts cmd in the guest and polls until it exits or is
// signaled. Every failure ends the invocation.
func (r *Runner) RunAndWait(ctx context.Context, cmd Command) (Result, error) {
	if r == nil {
		return Result{}, errors.New("guest exec runner is nil")
	}

	logger := r.logger.With("exec_id", r.newID())
	if r.maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.maxWait)
		defer cancel()
	}

	pid, err := r.start(ctx, cmd, logger)
	if err != nil {
		return Result{}, err
	}
	logger = logger.With("pid", pid)
	logger.Info("guest-exec started in guest")

	for {
		if err := r.sleep(ctx, r.pollInterval); err != nil {
			return Result{PID: pid}, r.contextError(err)
		}

		status, err := r.status(ctx, pid, logger)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{PID: pid}, r.contextError(ctxErr)
			}
			return Result{PID: pid}, err
		}
		if status.Done {
			return status.Result, nil
		}
		logger.Debug("guest-exec-status: running")
	}
}

// Start issues guest-exec for cmd and returns the guest process id.
func (r *Runner) Start(ctx context.Context, cmd Command) (int, error) {
	if r == nil {
		return 0, errors.New("guest exec runner is nil")
	}
	return r.start(ctx, cmd, r.logger)
}

// Status queries guest-exec-status once.
func (r *Runner) Status(ctx context.Context, pid int) (Status, error) {
	if r == nil {
		return Status{}, errors.New("guest exec runner is nil")
	}
	return r.status(ctx, pid, r.logger.With("pid", pid))
}

// Ping checks that the guest agent answers.
func (r *Runner) Ping(ctx context.Context) error {
	if r == nil {
		return errors.New("guest exec runner is nil")
	}
	payload, err := encodeRequest(commandPing, nil)
	if err != nil {
		return err
	}
	resp, err := r.channel.Invoke(ctx, payload)
	if err != nil {
		return fmt.Errorf("%s: %w", commandPing, err)
	}
	var reply struct {
		Return json.RawMessage `json:"return"`
	}
	if err := json.Unmarshal([]byte(resp.Stdout), &reply); err != nil {
		return &ProtocolError{Command: commandPing, Raw: resp.Stdout, Err: err}
	}
	if reply.Return == nil {
		return &ProtocolError{Command: commandPing, Raw: resp.Stdout, Err: errors.New(`missing "return"`)}
	}
	return nil
}

func (r *Runner) start(ctx context.Context, cmd Command, logger *log.Logger) (int, error) {
	if strings.TrimSpace(cmd.Path) == "" {
		return 0, errors.New("guest command path is required")
	}
	payload, err := encodeExec(cmd)
	if err != nil {
		return 0, err
	}

	resp, err := r.channel.Invoke(ctx, payload)
	if err != nil {
		logger.Error("bridge failed starting guest-exec",
			"status", resp.Status, "stderr", strings.TrimSpace(resp.Stderr), "err", err)
		return 0, fmt.Errorf("start %s: %w", commandExec, err)
	}

	var reply execReply
	if err := json.Unmarshal([]byte(resp.Stdout), &reply); err != nil {
		logger.Error("could not parse guest-exec reply", "err", err)
		logger.Debug("raw guest-exec reply", "stdout", resp.Stdout)
		return 0, &ProtocolError{Command: commandExec, Raw: resp.Stdout, Err: err}
	}
	if reply.Return == nil || reply.Return.PID == nil || *reply.Return.PID <= 0 {
		logger.Error("did not get pid from guest-exec reply", "stdout", strings.TrimSpace(resp.Stdout))
		return 0, &ProtocolError{Command: commandExec, Raw: resp.Stdout, Err: ErrMissingPID}
	}
	return *reply.Return.PID, nil
}

func (r *Runner) status(ctx context.Context, pid int, logger *log.Logger) (Status, error) {
	payload, err := encodeStatus(pid)
	if err != nil {
		return Status{}, err
	}

	resp, err := r.channel.Invoke(ctx, payload)
	if err != nil {
		logger.Error("bridge failed querying guest-exec-status",
			"status", resp.Status, "stderr", strings.TrimSpace(resp.Stderr), "err", err)
		return Status{}, fmt.Errorf("query %s: %w", commandExecStatus, err)
	}

	var reply statusReply
	if err := json.Unmarshal([]byte(resp.Stdout), &reply); err != nil {
		logger.Error("could not parse guest-exec-status reply", "err", err)
		logger.Debug("raw guest-exec-status reply", "stdout", resp.Stdout)
		return Status{}, &ProtocolError{Command: commandExecStatus, Raw: resp.Stdout, Err: err}
	}
	if reply.Return == nil {
		logger.Error("guest-exec-status reply has no return value", "stdout", strings.TrimSpace(resp.Stdout))
		return Status{}, &ProtocolError{Command: commandExecStatus, Raw: resp.Stdout, Err: errors.New(`missing "return"`)}
	}

	ret := *reply.Return
	signaled, signal := ret.signaled()
	if !ret.Exited && !signaled {
		return Status{}, nil
	}

	result := Result{
		PID:          pid,
		Exited:       ret.Exited,
		Signaled:     signaled,
		Signal:       signal,
		ExitCode:     ret.ExitCode,
		OutTruncated: ret.OutTruncated,
		ErrTruncated: ret.ErrTruncated,
	}
	result.Stdout, result.StdoutErr = decodeOutput(ret.OutData)
	if result.StdoutErr != nil {
		logger.Warn("could not decode guest stdout", "err", result.StdoutErr)
	}
	result.Stderr, result.StderrErr = decodeOutput(ret.ErrData)
	if result.StderrErr != nil {
		logger.Warn("could not decode guest stderr", "err", result.StderrErr)
	}
	return Status{Done: true, Result: result}, nil
}

func (r *Runner) contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && r.maxWait > 0 {
		return fmt.Errorf("%w after %s", ErrExecTimeout, r.maxWait)
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
