package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultConnectionURI  = "qemu:///system"
	defaultBridge         = "virsh"
	defaultAgentTimeout   = 5 * time.Second
	defaultDebounce       = 2 * time.Second
	defaultPollInterval   = 2 * time.Second
	defaultLocateAttempts = 30
	defaultLocateInterval = time.Second
	defaultGuestOutput    = "Virtual-1"
	defaultGuestDisplay   = ":0"
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"

	configDirName  = ".guestfit"
	configFileName = "config.toml"
	envPrefix      = "GUESTFIT_"
)

// Config stores runtime settings loaded from TOML files and the environment.
type Config struct {
	VMName         string
	WindowMatch    string
	ConnectionURI  string
	Bridge         string
	AgentTimeout   time.Duration
	Debounce       time.Duration
	PollInterval   time.Duration
	ExecTimeout    time.Duration
	LocateAttempts int
	LocateInterval time.Duration
	Display        string
	XAuthority     string
	Guest          GuestConfig
	LogLevel       string
	LogFormat      string
	LogFile        string
}

// GuestConfig describes the command run inside the guest after a resize.
//
// When Path is empty the command is an xrandr auto-resize of Output on the
// guest's Display, run as User when one is set.
type GuestConfig struct {
	User    string
	Output  string
	Display string
	Path    string
	Args    []string
}

// GuestCommand is the resolved program and argument vector for the guest agent.
type GuestCommand struct {
	Path string
	Args []string
}

type fileConfig struct {
	VM             *string          `toml:"vm"`
	Window         *string          `toml:"window"`
	Connect        *string          `toml:"connect"`
	Bridge         *string          `toml:"bridge"`
	AgentTimeout   *string          `toml:"agent_timeout"`
	Debounce       *string          `toml:"debounce"`
	PollInterval   *string          `toml:"poll_interval"`
	ExecTimeout    *string          `toml:"exec_timeout"`
	LocateAttempts *int             `toml:"locate_attempts"`
	LocateInterval *string          `toml:"locate_interval"`
	Display        *string          `toml:"display"`
	XAuthority     *string          `toml:"xauthority"`
	Guest          *guestFileConfig `toml:"guest"`
	LogLevel       *string          `toml:"log_level"`
	LogFormat      *string          `toml:"log_format"`
	LogFile        *string          `toml:"log_file"`
}

type guestFileConfig struct {
	User    *string   `toml:"user"`
	Output  *string   `toml:"output"`
	Display *string   `toml:"display"`
	Path    *string   `toml:"path"`
	Args    *[]string `toml:"args"`
}

// Load reads ~/.guestfit/config.toml, overlays a project-local
// .guestfit/config.toml, then applies GUESTFIT_* environment variables.
func Load(ctx context.Context) (*Config, error) {
	cfg := defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, configDirName, configFileName),
		filepath.Join(workingDir, configDirName, configFileName),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	if err := overlayFromEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	_ = ctx
	return &cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return defaults()
}

func defaults() Config {
	return Config{
		ConnectionURI:  defaultConnectionURI,
		Bridge:         defaultBridge,
		AgentTimeout:   defaultAgentTimeout,
		Debounce:       defaultDebounce,
		PollInterval:   defaultPollInterval,
		LocateAttempts: defaultLocateAttempts,
		LocateInterval: defaultLocateInterval,
		Guest: GuestConfig{
			Output:  defaultGuestOutput,
			Display: defaultGuestDisplay,
		},
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("decode config file %q: unsupported key %q", path, undecoded[0].String())
	}

	applyScalarOverrides(cfg, decoded)
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	applyGuestOverrides(cfg, decoded.Guest)
	return nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig) {
	setString(&cfg.VMName, decoded.VM)
	setString(&cfg.WindowMatch, decoded.Window)
	setString(&cfg.ConnectionURI, decoded.Connect)
	setString(&cfg.Bridge, decoded.Bridge)
	setString(&cfg.Display, decoded.Display)
	setString(&cfg.XAuthority, decoded.XAuthority)
	setString(&cfg.LogFile, decoded.LogFile)
	if decoded.LogLevel != nil {
		cfg.LogLevel = normalizeKey(*decoded.LogLevel)
	}
	if decoded.LogFormat != nil {
		cfg.LogFormat = normalizeKey(*decoded.LogFormat)
	}
	if decoded.LocateAttempts != nil {
		cfg.LocateAttempts = *decoded.LocateAttempts
	}
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	durations := []struct {
		key    string
		value  *string
		target *time.Duration
	}{
		{key: "agent_timeout", value: decoded.AgentTimeout, target: &cfg.AgentTimeout},
		{key: "debounce", value: decoded.Debounce, target: &cfg.Debounce},
		{key: "poll_interval", value: decoded.PollInterval, target: &cfg.PollInterval},
		{key: "exec_timeout", value: decoded.ExecTimeout, target: &cfg.ExecTimeout},
		{key: "locate_interval", value: decoded.LocateInterval, target: &cfg.LocateInterval},
	}
	for _, d := range durations {
		if d.value == nil {
			continue
		}
		parsed, err := parseDuration(*d.value, d.key, path)
		if err != nil {
			return err
		}
		*d.target = parsed
	}
	return nil
}

func applyGuestOverrides(cfg *Config, guest *guestFileConfig) {
	if guest == nil {
		return
	}
	setString(&cfg.Guest.User, guest.User)
	setString(&cfg.Guest.Output, guest.Output)
	setString(&cfg.Guest.Display, guest.Display)
	setString(&cfg.Guest.Path, guest.Path)
	if guest.Args != nil {
		cfg.Guest.Args = append([]string(nil), (*guest.Args)...)
	}
}

func overlayFromEnv(cfg *Config, lookup func(string) (string, bool)) error {
	texts := []struct {
		name   string
		target *string
	}{
		{name: "VM", target: &cfg.VMName},
		{name: "WINDOW", target: &cfg.WindowMatch},
		{name: "CONNECT", target: &cfg.ConnectionURI},
		{name: "LOG_LEVEL", target: &cfg.LogLevel},
	}
	for _, text := range texts {
		if value, ok := lookup(envPrefix + text.name); ok {
			*text.target = trimmed(value)
		}
	}
	cfg.LogLevel = normalizeKey(cfg.LogLevel)

	durations := []struct {
		name   string
		target *time.Duration
	}{
		{name: "DEBOUNCE", target: &cfg.Debounce},
		{name: "POLL_INTERVAL", target: &cfg.PollInterval},
	}
	for _, d := range durations {
		value, ok := lookup(envPrefix + d.name)
		if !ok {
			continue
		}
		parsed, err := parseDuration(value, envPrefix+d.name, "environment")
		if err != nil {
			return err
		}
		*d.target = parsed
	}
	return nil
}

// Validate checks that the configuration can drive a watch session and
// fills derived defaults.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	c.VMName = trimmed(c.VMName)
	if c.VMName == "" {
		return errors.New("vm name is required (set vm in config.toml, GUESTFIT_VM or --vm)")
	}
	if trimmed(c.WindowMatch) == "" {
		c.WindowMatch = c.VMName
	}

	positive := []struct {
		key   string
		value time.Duration
	}{
		{key: "agent_timeout", value: c.AgentTimeout},
		{key: "debounce", value: c.Debounce},
		{key: "poll_interval", value: c.PollInterval},
		{key: "locate_interval", value: c.LocateInterval},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be > 0, got %s", p.key, p.value)
		}
	}
	if c.ExecTimeout < 0 {
		return fmt.Errorf("exec_timeout must be >= 0, got %s", c.ExecTimeout)
	}
	if c.LocateAttempts < 1 {
		return fmt.Errorf("locate_attempts must be >= 1, got %d", c.LocateAttempts)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if trimmed(c.Guest.Path) == "" {
		if trimmed(c.Guest.Output) == "" {
			return errors.New("guest.output is required when guest.path is not set")
		}
		// These values are spliced into the default bash script.
		words := []struct {
			key      string
			value    string
			optional bool
		}{
			{key: "guest.user", value: trimmed(c.Guest.User), optional: true},
			{key: "guest.output", value: trimmed(c.Guest.Output)},
			{key: "guest.display", value: trimmed(c.Guest.Display)},
		}
		for _, w := range words {
			if w.optional && w.value == "" {
				continue
			}
			if !shellWord.MatchString(w.value) {
				return fmt.Errorf("%s must match %s, got %q", w.key, shellWord, w.value)
			}
		}
	}
	return nil
}

var shellWord = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

// GuestCommand resolves the program run in the guest after a resize.
func (c *Config) GuestCommand() GuestCommand {
	if path := trimmed(c.Guest.Path); path != "" {
		return GuestCommand{Path: path, Args: append([]string(nil), c.Guest.Args...)}
	}

	prefix := ""
	if user := trimmed(c.Guest.User); user != "" {
		prefix = fmt.Sprintf("sudo -u %s XAUTHORITY=/home/%s/.Xauthority ", user, user)
	}
	xrandr := func(args string) string {
		return fmt.Sprintf("%sDISPLAY=%s /usr/bin/xrandr %s", prefix, trimmed(c.Guest.Display), args)
	}
	script := xrandr("--output "+trimmed(c.Guest.Output)+" --auto") + " || " + xrandr("--auto")

	return GuestCommand{
		Path: "/usr/bin/env",
		Args: []string{"bash", "-lc", script},
	}
}

func parseDuration(value, key, source string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, source, err)
	}
	return parsed, nil
}

func setString(target *string, value *string) {
	if value != nil {
		*target = trimmed(*value)
	}
}

func trimmed(value string) string {
	return strings.TrimSpace(value)
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
