package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/guestfit/guestfit/internal/config"
	"github.com/guestfit/guestfit/internal/debounce"
	"github.com/guestfit/guestfit/internal/doctor"
	"github.com/guestfit/guestfit/internal/guestexec"
	"github.com/guestfit/guestfit/internal/monitor"
	"github.com/guestfit/guestfit/internal/virsh"
	"github.com/guestfit/guestfit/internal/window"
	"github.com/guestfit/guestfit/internal/x11"
)

// displayConn is the slice of an X connection the commands use.
type displayConn interface {
	window.Tree
	monitor.EventSource
	Root() window.ID
	Close() error
}

var (
	connectDisplayFn = func(cfg *config.Config) (displayConn, error) {
		env := x11.ResolveEnv(cfg.Display, cfg.XAuthority)
		if err := env.Apply(); err != nil {
			return nil, err
		}
		display, err := x11.Connect(env.Display)
		if err != nil {
			return nil, err
		}
		return display, nil
	}
	newChannelFn = func(cfg *config.Config) (guestexec.Channel, error) {
		return virsh.New(virsh.Options{
			Binary:        cfg.Bridge,
			ConnectionURI: cfg.ConnectionURI,
			Domain:        cfg.VMName,
			AgentTimeout:  cfg.AgentTimeout,
		})
	}
)

func newWatchCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Resize the guest display whenever its host window is resized",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd.Context(), cfg, logger)
		},
	}
}

func newExecCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "exec",
		Short: "Run the guest resize command once and print its output",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExec(cmd.Context(), cfg, logger, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func newLocateCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "locate",
		Short: "Find the VM window and print its id, title and size",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLocate(cmd.Context(), cfg, logger, cmd.OutOrStdout())
		},
	}
}

func newDoctorCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the bridge tool, X display and guest agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.Context(), cfg, logger, cmd.OutOrStdout())
		},
	}
}

func runWatch(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger = logger.With("vm", cfg.VMName)

	display, handle, err := connectAndLocate(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer display.Close()

	runner, err := newRunner(cfg, logger)
	if err != nil {
		return err
	}

	trigger := monitor.NewTrigger(runner, guestCommand(cfg), logger)
	scheduler := debounce.New(cfg.Debounce, func(size window.Size) {
		trigger.Fire(ctx, size)
	})
	defer scheduler.Stop()

	loop, err := monitor.New(monitor.Options{
		Source:   display,
		Window:   handle,
		Notifier: scheduler,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	// Closing the connection is what unblocks the pending NextEvent.
	stop := context.AfterFunc(ctx, func() {
		_ = display.Close()
	})
	defer stop()

	return loop.Run(ctx)
}

func runExec(ctx context.Context, cfg *config.Config, logger *log.Logger, out io.Writer, errOut io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger = logger.With("vm", cfg.VMName)

	runner, err := newRunner(cfg, logger)
	if err != nil {
		return err
	}

	cmd := guestCommand(cfg)
	logger.Info("executing guest command", "command", cmd.String())
	result, err := runner.RunAndWait(ctx, cmd)
	if err != nil {
		return fmt.Errorf("run guest command: %w", err)
	}
	monitor.Report(logger, result)

	if len(result.Stdout) > 0 {
		if _, err := out.Write(result.Stdout); err != nil {
			return fmt.Errorf("write guest stdout: %w", err)
		}
	}
	if len(result.Stderr) > 0 {
		if _, err := errOut.Write(result.Stderr); err != nil {
			return fmt.Errorf("write guest stderr: %w", err)
		}
	}

	switch {
	case result.Signaled:
		return fmt.Errorf("guest command was terminated by a signal")
	case result.ExitCode != 0:
		return fmt.Errorf("guest command exited with code %d", result.ExitCode)
	}
	return nil
}

func runLocate(ctx context.Context, cfg *config.Config, logger *log.Logger, out io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	display, handle, err := connectAndLocate(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer display.Close()

	if _, err := fmt.Fprintf(out, "%s\t%s\t%q\n", handle.ID, handle.Size, handle.Title); err != nil {
		return fmt.Errorf("write window: %w", err)
	}
	return nil
}

func runDoctor(ctx context.Context, cfg *config.Config, logger *log.Logger, out io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	runner, err := newRunner(cfg, logger)
	if err != nil {
		return err
	}

	report := doctor.Run(ctx, doctor.Options{
		Bridge: cfg.Bridge,
		DialDisplay: func() (string, error) {
			display, err := connectDisplayFn(cfg)
			if err != nil {
				return "", err
			}
			defer display.Close()
			return fmt.Sprintf("root window %s", display.Root()), nil
		},
		PingAgent: runner.Ping,
		Timeout:   cfg.AgentTimeout * 2,
	})
	if err := report.Write(out); err != nil {
		return fmt.Errorf("write doctor report: %w", err)
	}
	if !report.Healthy() {
		return errors.New("doctor found problems")
	}
	return nil
}

func connectAndLocate(ctx context.Context, cfg *config.Config, logger *log.Logger) (displayConn, window.Handle, error) {
	display, err := connectDisplayFn(cfg)
	if err != nil {
		logger.Error("could not connect to X display", "err", err)
		return nil, window.Handle{}, fmt.Errorf("connect display: %w", err)
	}

	locator, err := window.NewLocator(window.Options{
		Tree:     display,
		Attempts: cfg.LocateAttempts,
		Interval: cfg.LocateInterval,
		Logger:   logger,
	})
	if err != nil {
		_ = display.Close()
		return nil, window.Handle{}, err
	}

	handle, err := locator.Locate(ctx, display.Root(), cfg.WindowMatch)
	if err != nil {
		_ = display.Close()
		if errors.Is(err, window.ErrNotFound) {
			logger.Error("window still not found; exiting", "match", cfg.WindowMatch)
		}
		return nil, window.Handle{}, fmt.Errorf("locate window: %w", err)
	}
	return display, handle, nil
}

func newRunner(cfg *config.Config, logger *log.Logger) (*guestexec.Runner, error) {
	channel, err := newChannelFn(cfg)
	if err != nil {
		return nil, fmt.Errorf("create agent channel: %w", err)
	}
	return guestexec.New(guestexec.Options{
		Channel:      channel,
		PollInterval: cfg.PollInterval,
		MaxWait:      cfg.ExecTimeout,
		Logger:       logger,
	})
}

func guestCommand(cfg *config.Config) guestexec.Command {
	resolved := cfg.GuestCommand()
	return guestexec.Command{
		Path: strings.TrimSpace(resolved.Path),
		Args: resolved.Args,
	}
}
