package virsh

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestInvokeBuildsQemuAgentCommand(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{response: Response{Stdout: `{"return":{}}`}}
	channel, err := New(Options{Runner: runner, Domain: "kali1"})
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}

	resp, err := channel.Invoke(context.Background(), []byte(`{"execute":"guest-ping"}`))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Stdout != `{"return":{}}` {
		t.Fatalf("stdout = %q", resp.Stdout)
	}

	call := runner.lastCall(t)
	if call.name != "virsh" {
		t.Fatalf("binary = %q, want virsh", call.name)
	}
	want := []string{"-c", "qemu:///system", "qemu-agent-command", "kali1", `{"execute":"guest-ping"}`, "--timeout", "5000"}
	if strings.Join(call.args, "|") != strings.Join(want, "|") {
		t.Fatalf("args = %v, want %v", call.args, want)
	}
}

func TestInvokeHonoursOptions(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	channel, err := New(Options{
		Runner:        runner,
		Binary:        "/usr/local/bin/virsh",
		ConnectionURI: "qemu:///session",
		Domain:        "win11",
		AgentTimeout:  1500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}

	if _, err := channel.Invoke(context.Background(), []byte(`{}`)); err != nil {
		t.Fatalf("invoke: %v", err)
	}

	call := runner.lastCall(t)
	if call.name != "/usr/local/bin/virsh" {
		t.Fatalf("binary = %q", call.name)
	}
	if call.args[1] != "qemu:///session" || call.args[3] != "win11" || call.args[6] != "1500" {
		t.Fatalf("args = %v", call.args)
	}
	if !call.hadDeadline {
		t.Fatal("expected bridge call to carry a deadline")
	}
}

func TestInvokeNonZeroStatusIsBridgeError(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{response: Response{Status: 1, Stderr: "error: Guest agent is not responding\n"}}
	channel, err := New(Options{Runner: runner, Domain: "kali1"})
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}

	resp, err := channel.Invoke(context.Background(), []byte(`{}`))
	var bridgeErr *BridgeError
	if !errors.As(err, &bridgeErr) {
		t.Fatalf("error = %v, want *BridgeError", err)
	}
	if bridgeErr.Status != 1 || resp.Status != 1 {
		t.Fatalf("status = %d/%d, want 1", bridgeErr.Status, resp.Status)
	}
	if !strings.Contains(err.Error(), "Guest agent is not responding") {
		t.Fatalf("error text = %q", err.Error())
	}
}

func TestInvokeMissingBinaryIsUnavailable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		binary string
	}{
		{name: "name on PATH", binary: "guestfit-missing-bridge-binary"},
		{name: "absolute path", binary: filepath.Join(t.TempDir(), "bin", "virsh")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			channel, err := New(Options{Binary: tc.binary, Domain: "kali1"})
			if err != nil {
				t.Fatalf("new channel: %v", err)
			}

			resp, err := channel.Invoke(context.Background(), []byte(`{}`))
			if !errors.Is(err, ErrBridgeUnavailable) {
				t.Fatalf("error = %v, want ErrBridgeUnavailable", err)
			}
			if resp.Status != StatusNotFound {
				t.Fatalf("status = %d, want %d", resp.Status, StatusNotFound)
			}
		})
	}
}

func TestInvokeRejectsEmptyPayload(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	channel, err := New(Options{Runner: runner, Domain: "kali1"})
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	if _, err := channel.Invoke(context.Background(), []byte("  ")); err == nil {
		t.Fatal("expected empty payload error")
	}
	if len(runner.calls) != 0 {
		t.Fatalf("runner called %d times, want 0", len(runner.calls))
	}
}

func TestNewRequiresDomain(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{}); err == nil {
		t.Fatal("expected missing domain error")
	}
}

type runnerCall struct {
	name        string
	args        []string
	hadDeadline bool
}

type fakeRunner struct {
	mu       sync.Mutex
	calls    []runnerCall
	response Response
	err      error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, hasDeadline := ctx.Deadline()
	f.calls = append(f.calls, runnerCall{
		name:        name,
		args:        append([]string(nil), args...),
		hadDeadline: hasDeadline,
	})
	return f.response, f.err
}

func (f *fakeRunner) lastCall(t *testing.T) runnerCall {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("runner was not called")
	}
	return f.calls[len(f.calls)-1]
}

var _ CommandRunner = (*fakeRunner)(nil)
