package doctor

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestRunAllChecksPass(t *testing.T) {
	t.Parallel()

	report := Run(context.Background(), Options{
		Bridge:      "virsh",
		LookPath:    fakeLookPath(map[string]bool{"virsh": true}),
		DialDisplay: func() (string, error) { return ":0 root=0x4f0", nil },
		PingAgent:   func(context.Context) error { return nil },
	})

	if !report.Healthy() {
		t.Fatalf("report unhealthy: %#v", report)
	}
	if len(report.Checks) != 3 {
		t.Fatalf("check count = %d, want 3", len(report.Checks))
	}
	names := []string{report.Checks[0].Name, report.Checks[1].Name, report.Checks[2].Name}
	if strings.Join(names, ",") != "bridge,display,agent" {
		t.Fatalf("check order = %v", names)
	}
	if report.Checks[0].Detail != "/usr/bin/virsh" {
		t.Fatalf("bridge detail = %q", report.Checks[0].Detail)
	}
}

func TestRunMissingBridgeSkipsAgent(t *testing.T) {
	t.Parallel()

	pinged := false
	report := Run(context.Background(), Options{
		Bridge:   "virsh",
		LookPath: fakeLookPath(map[string]bool{}),
		PingAgent: func(context.Context) error {
			pinged = true
			return nil
		},
	})

	if report.Healthy() {
		t.Fatal("expected unhealthy report")
	}
	if pinged {
		t.Fatal("agent ping should be skipped without a bridge")
	}
	if !strings.Contains(report.Checks[1].Detail, "skipped") {
		t.Fatalf("agent detail = %q", report.Checks[1].Detail)
	}
}

func TestRunReportsDisplayAndAgentFailures(t *testing.T) {
	t.Parallel()

	report := Run(context.Background(), Options{
		Bridge:      "virsh",
		LookPath:    fakeLookPath(map[string]bool{"virsh": true}),
		DialDisplay: func() (string, error) { return "", errors.New("x display connection failed: no such file") },
		PingAgent:   func(context.Context) error { return errors.New("guest agent is not connected") },
	})

	if report.Healthy() {
		t.Fatal("expected unhealthy report")
	}
	if report.Checks[1].OK || report.Checks[2].OK {
		t.Fatalf("checks = %#v", report.Checks)
	}

	var out bytes.Buffer
	if err := report.Write(&out); err != nil {
		t.Fatalf("write report: %v", err)
	}
	if strings.Count(out.String(), "FAIL") != 2 {
		t.Fatalf("report output = %q", out.String())
	}
}

func TestEmptyReportIsNotHealthy(t *testing.T) {
	t.Parallel()

	if (Report{}).Healthy() {
		t.Fatal("empty report should not be healthy")
	}
}

func fakeLookPath(available map[string]bool) func(string) (string, error) {
	return func(file string) (string, error) {
		if available[file] {
			return "/usr/bin/" + file, nil
		}
		return "", errors.New("not found")
	}
}
