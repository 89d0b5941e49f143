// Package virsh sends guest-agent commands to a libvirt domain through
// `virsh qemu-agent-command`.
package virsh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBinary is the bridge tool looked up on PATH.
	DefaultBinary = "virsh"
	// DefaultConnectionURI is the libvirt system connection.
	DefaultConnectionURI = "qemu:///system"
	// DefaultAgentTimeout bounds how long the bridge waits for the guest agent to answer.
	DefaultAgentTimeout = 5 * time.Second

	// StatusNotFound is the shell convention for a missing executable.
	StatusNotFound = 127

	// processGrace lets virsh report its own agent timeout before the local
	// process deadline kills it.
	processGrace = 10 * time.Second
)

// ErrBridgeUnavailable reports that the bridge binary is not installed.
var ErrBridgeUnavailable = errors.New("bridge tool not found")

// BridgeError reports that the bridge ran but did not succeed.
type BridgeError struct {
	Status int
	Stderr string
}

func (e *BridgeError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("bridge exited with status %d", e.Status)
	}
	return fmt.Sprintf("bridge exited with status %d: %s", e.Status, stderr)
}

// Response is the raw outcome of one bridge invocation.
type Response struct {
	Status int
	Stdout string
	Stderr string
}

// CommandRunner executes the bridge process.
//
// Implementations report a non-zero exit through Response.Status with a nil
// error; errors are reserved for failures to run the process at all.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (Response, error)
}

type defaultCommandRunner struct{}

func (defaultCommandRunner) Run(ctx context.Context, name string, args ...string) (Response, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	resp := Response{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return resp, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		resp.Status = exitErr.ExitCode()
		if resp.Status < 0 {
			// Killed by a signal, usually the context deadline.
			resp.Status = 1
			if ctxErr := ctx.Err(); ctxErr != nil {
				return resp, fmt.Errorf("run %s: %w", name, ctxErr)
			}
		}
		return resp, nil
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		resp.Status = StatusNotFound
		resp.Stderr = fmt.Sprintf("%s not found", name)
		return resp, fmt.Errorf("%w: %s: %w", ErrBridgeUnavailable, name, err)
	}

	resp.Status = 1
	return resp, fmt.Errorf("run %s: %w", name, err)
}

// Options configures a Channel.
type Options struct {
	Runner        CommandRunner
	Binary        string
	ConnectionURI string
	Domain        string
	AgentTimeout  time.Duration
}

// Channel issues guest-agent commands to one libvirt domain.
// It keeps no state between invocations.
type Channel struct {
	runner        CommandRunner
	binary        string
	connectionURI string
	domain        string
	agentTimeout  time.Duration
}

// New creates a channel with default dependencies where omitted.
func New(opts Options) (*Channel, error) {
	domain := strings.TrimSpace(opts.Domain)
	if domain == "" {
		return nil, errors.New("domain name is required")
	}

	runner := opts.Runner
	if runner == nil {
		runner = defaultCommandRunner{}
	}

	binary := strings.TrimSpace(opts.Binary)
	if binary == "" {
		binary = DefaultBinary
	}

	uri := strings.TrimSpace(opts.ConnectionURI)
	if uri == "" {
		uri = DefaultConnectionURI
	}

	timeout := opts.AgentTimeout
	if timeout <= 0 {
		timeout = DefaultAgentTimeout
	}

	return &Channel{
		runner:        runner,
		binary:        binary,
		connectionURI: uri,
		domain:        domain,
		agentTimeout:  timeout,
	}, nil
}

// Domain returns the libvirt domain commands are sent to.
func (c *Channel) Domain() string {
	return c.domain
}

// Binary returns the bridge tool name.
func (c *Channel) Binary() string {
	return c.binary
}

// Invoke sends one JSON guest-agent command and waits for the agent's reply.
//
// The response is returned even on failure so callers can log the raw
// status and stderr. ErrBridgeUnavailable marks a missing bridge tool
// (status 127); *BridgeError marks a bridge that ran and failed.
func (c *Channel) Invoke(ctx context.Context, payload []byte) (Response, error) {
	if c == nil {
		return Response{}, errors.New("virsh channel is nil")
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return Response{}, errors.New("agent command payload is required")
	}

	runCtx, cancel := context.WithTimeout(ctx, c.agentTimeout+processGrace)
	defer cancel()

	resp, err := c.runner.Run(runCtx, c.binary, c.args(payload)...)
	if err != nil {
		return resp, err
	}
	if resp.Status != 0 {
		return resp, &BridgeError{Status: resp.Status, Stderr: resp.Stderr}
	}
	return resp, nil
}

func (c *Channel) args(payload []byte) []string {
	return []string{
		"-c", c.connectionURI,
		"qemu-agent-command", c.domain, string(payload),
		"--timeout", strconv.FormatInt(c.agentTimeout.Milliseconds(), 10),
	}
}

var _ CommandRunner = defaultCommandRunner{}
