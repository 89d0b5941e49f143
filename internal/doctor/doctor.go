// Package doctor runs preflight checks for a watch session.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

const defaultCheckTimeout = 15 * time.Second

const (
	// CheckBridge verifies the bridge tool is on PATH.
	CheckBridge = "bridge"
	// CheckDisplay verifies the X display accepts a connection.
	CheckDisplay = "display"
	// CheckAgent verifies the guest agent answers guest-ping.
	CheckAgent = "agent"
)

// Check is the outcome of one preflight check.
type Check struct {
	Name   string
	OK     bool
	Detail string
}

// Report collects every check in the order it ran.
type Report struct {
	Checks []Check
}

// Healthy reports whether every check passed.
func (r Report) Healthy() bool {
	for _, check := range r.Checks {
		if !check.OK {
			return false
		}
	}
	return len(r.Checks) > 0
}

// Write renders the report one check per line.
func (r Report) Write(w io.Writer) error {
	for _, check := range r.Checks {
		mark := "ok"
		if !check.OK {
			mark = "FAIL"
		}
		if _, err := fmt.Fprintf(w, "%-4s %-8s %s\n", mark, check.Name, check.Detail); err != nil {
			return err
		}
	}
	return nil
}

// Options wires the probes used by Run. A nil probe skips its check.
type Options struct {
	Bridge   string
	LookPath func(file string) (string, error)
	// DialDisplay opens and closes a display connection, returning a short
	// description of what it reached.
	DialDisplay func() (string, error)
	PingAgent   func(ctx context.Context) error
	Timeout     time.Duration
}

// Run executes the bridge, display and agent checks. The agent check is
// skipped when the bridge tool is missing since it cannot succeed.
func Run(ctx context.Context, opts Options) Report {
	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}

	report := Report{}
	bridgeOK := true
	if bridge := strings.TrimSpace(opts.Bridge); bridge != "" {
		check := checkBridge(bridge, lookPath)
		bridgeOK = check.OK
		report.Checks = append(report.Checks, check)
	}

	if opts.DialDisplay != nil {
		report.Checks = append(report.Checks, checkDisplay(opts.DialDisplay))
	}

	if opts.PingAgent != nil {
		if !bridgeOK {
			report.Checks = append(report.Checks, Check{
				Name:   CheckAgent,
				Detail: "skipped: bridge tool unavailable",
			})
		} else {
			pingCtx, cancel := context.WithTimeout(ctx, timeout)
			report.Checks = append(report.Checks, checkAgent(pingCtx, opts.PingAgent))
			cancel()
		}
	}

	return report
}

func checkBridge(bridge string, lookPath func(string) (string, error)) Check {
	path, err := lookPath(bridge)
	if err != nil {
		return Check{Name: CheckBridge, Detail: fmt.Sprintf("%s not found on PATH", bridge)}
	}
	return Check{Name: CheckBridge, OK: true, Detail: path}
}

func checkDisplay(dial func() (string, error)) Check {
	reached, err := dial()
	if err != nil {
		return Check{Name: CheckDisplay, Detail: err.Error()}
	}
	return Check{Name: CheckDisplay, OK: true, Detail: reached}
}

func checkAgent(ctx context.Context, ping func(context.Context) error) Check {
	if err := ping(ctx); err != nil {
		detail := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			detail = "guest agent did not answer in time"
		}
		return Check{Name: CheckAgent, Detail: detail}
	}
	return Check{Name: CheckAgent, OK: true, Detail: "guest-ping answered"}
}
