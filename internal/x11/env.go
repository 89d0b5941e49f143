package x11

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const defaultDisplay = ":0"

// Env is the display environment a connection is opened with.
type Env struct {
	Display    string
	XAuthority string
}

// ResolveEnv fills DISPLAY and XAUTHORITY the way a desktop session would
// when the process was started outside of one (systemd unit, ssh, cron).
// Explicit values win over the environment, which wins over defaults.
func ResolveEnv(display, xauthority string) Env {
	return resolveEnv(display, xauthority, os.Getenv, fileExists, os.UserHomeDir, os.Getuid())
}

// Apply exports the environment so the X client library picks it up.
func (e Env) Apply() error {
	if e.Display != "" {
		if err := os.Setenv("DISPLAY", e.Display); err != nil {
			return fmt.Errorf("set DISPLAY: %w", err)
		}
	}
	if e.XAuthority != "" {
		if err := os.Setenv("XAUTHORITY", e.XAuthority); err != nil {
			return fmt.Errorf("set XAUTHORITY: %w", err)
		}
	}
	return nil
}

func resolveEnv(
	display string,
	xauthority string,
	getenv func(string) string,
	exists func(string) bool,
	homeDir func() (string, error),
	uid int,
) Env {
	env := Env{
		Display:    strings.TrimSpace(display),
		XAuthority: strings.TrimSpace(xauthority),
	}

	if env.Display == "" {
		env.Display = strings.TrimSpace(getenv("DISPLAY"))
	}
	if env.Display == "" {
		env.Display = defaultDisplay
	}

	if env.XAuthority == "" {
		env.XAuthority = strings.TrimSpace(getenv("XAUTHORITY"))
	}
	if env.XAuthority == "" {
		for _, candidate := range xauthorityCandidates(homeDir, uid) {
			if exists(candidate) {
				env.XAuthority = candidate
				break
			}
		}
	}
	return env
}

func xauthorityCandidates(homeDir func() (string, error), uid int) []string {
	candidates := make([]string, 0, 2)
	if home, err := homeDir(); err == nil && strings.TrimSpace(home) != "" {
		candidates = append(candidates, filepath.Join(home, ".Xauthority"))
	}
	candidates = append(candidates, fmt.Sprintf("/run/user/%d/gdm/Xauthority", uid))
	return candidates
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
