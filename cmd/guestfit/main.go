package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/guestfit/guestfit/internal/config"
	"github.com/guestfit/guestfit/internal/logging"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(ctx,
		logging.WithLevel(cfg.LogLevel),
		logging.WithFormat(cfg.LogFormat),
		logging.WithFile(cfg.LogFile),
	)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	cmd := newRootCommand(ctx, cfg, logger.Logger)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		return err
	}

	return nil
}

type flagValues struct {
	vm           string
	window       string
	connect      string
	logLevel     string
	debounce     time.Duration
	pollInterval time.Duration
}

func newRootCommand(ctx context.Context, cfg *config.Config, logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "guestfit",
		Short:         "Keep a VM guest's display resolution in step with its host window",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	values := &flagValues{}
	bindFlags(root.PersistentFlags(), values)

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newWatchCommand(cfg, logger),
		newExecCommand(cfg, logger),
		newLocateCommand(cfg, logger),
		newDoctorCommand(cfg, logger),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		if err := applyFlags(cfg, cmd.Flags(), *values); err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			level, err := log.ParseLevel(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("parse --log-level: %w", err)
			}
			logger.SetLevel(level)
		}
		logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}

	_ = ctx
	return root
}

func bindFlags(flags *pflag.FlagSet, values *flagValues) {
	flags.StringVar(&values.vm, "vm", "", "libvirt domain name")
	flags.StringVar(&values.window, "window", "", "window title or class substring (defaults to the vm name)")
	flags.StringVarP(&values.connect, "connect", "c", "", "libvirt connection URI")
	flags.StringVar(&values.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.DurationVar(&values.debounce, "debounce", 0, "quiet period after the last resize")
	flags.DurationVar(&values.pollInterval, "poll-interval", 0, "interval between guest-exec-status polls")
}

// applyFlags overrides configuration with flags the user set explicitly.
func applyFlags(cfg *config.Config, flags *pflag.FlagSet, values flagValues) error {
	if flags.Changed("vm") {
		cfg.VMName = values.vm
	}
	if flags.Changed("window") {
		cfg.WindowMatch = values.window
	}
	if flags.Changed("connect") {
		cfg.ConnectionURI = values.connect
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = values.logLevel
	}
	if flags.Changed("debounce") {
		if values.debounce <= 0 {
			return fmt.Errorf("--debounce must be > 0, got %s", values.debounce)
		}
		cfg.Debounce = values.debounce
	}
	if flags.Changed("poll-interval") {
		if values.pollInterval <= 0 {
			return fmt.Errorf("--poll-interval must be > 0, got %s", values.pollInterval)
		}
		cfg.PollInterval = values.pollInterval
	}
	return nil
}
