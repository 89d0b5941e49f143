package x11

import (
	"errors"
	"testing"
)

func TestResolveEnvDefaults(t *testing.T) {
	t.Parallel()

	env := resolveEnv("", "", emptyEnv, existsIn("/home/kali/.Xauthority"), home("/home/kali"), 1000)

	if env.Display != ":0" {
		t.Fatalf("display = %q, want %q", env.Display, ":0")
	}
	if env.XAuthority != "/home/kali/.Xauthority" {
		t.Fatalf("xauthority = %q", env.XAuthority)
	}
}

func TestResolveEnvFallsBackToGDMPath(t *testing.T) {
	t.Parallel()

	env := resolveEnv("", "", emptyEnv, existsIn("/run/user/1000/gdm/Xauthority"), home("/home/kali"), 1000)

	if env.XAuthority != "/run/user/1000/gdm/Xauthority" {
		t.Fatalf("xauthority = %q", env.XAuthority)
	}
}

func TestResolveEnvPrefersEnvironment(t *testing.T) {
	t.Parallel()

	getenv := func(key string) string {
		switch key {
		case "DISPLAY":
			return ":1"
		case "XAUTHORITY":
			return "/tmp/xauth"
		}
		return ""
	}

	env := resolveEnv("", "", getenv, existsIn("/home/kali/.Xauthority"), home("/home/kali"), 1000)

	if env.Display != ":1" || env.XAuthority != "/tmp/xauth" {
		t.Fatalf("env = %#v", env)
	}
}

func TestResolveEnvExplicitValuesWin(t *testing.T) {
	t.Parallel()

	getenv := func(string) string { return ":9" }
	env := resolveEnv(" :2 ", "/etc/xauth", getenv, existsIn(), home("/home/kali"), 1000)

	if env.Display != ":2" || env.XAuthority != "/etc/xauth" {
		t.Fatalf("env = %#v", env)
	}
}

func TestResolveEnvLeavesXAuthorityEmptyWhenNothingExists(t *testing.T) {
	t.Parallel()

	noHome := func() (string, error) { return "", errors.New("no home") }
	env := resolveEnv("", "", emptyEnv, existsIn(), noHome, 0)

	if env.XAuthority != "" {
		t.Fatalf("xauthority = %q, want empty", env.XAuthority)
	}
}

func TestSplitClass(t *testing.T) {
	t.Parallel()

	got := splitClass([]byte("kali1\x00Qemu-system-x86_64\x00"))
	if len(got) != 2 || got[0] != "kali1" || got[1] != "Qemu-system-x86_64" {
		t.Fatalf("splitClass = %#v", got)
	}
}

func emptyEnv(string) string { return "" }

func existsIn(paths ...string) func(string) bool {
	set := map[string]bool{}
	for _, path := range paths {
		set[path] = true
	}
	return func(path string) bool { return set[path] }
}

func home(dir string) func() (string, error) {
	return func() (string, error) { return dir, nil }
}
