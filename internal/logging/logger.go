package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const (
	// FormatText renders human-readable log lines.
	FormatText = "text"
	// FormatJSON renders one JSON object per record.
	FormatJSON = "json"
)

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	runID  string
	level  string
	format string
	output io.Writer
	file   string
}

// WithRunID configures the run_id field used in emitted log records.
func WithRunID(runID string) Option {
	return func(opts *newOptions) {
		opts.runID = strings.TrimSpace(runID)
	}
}

// WithLevel sets the minimum level (debug, info, warn, error).
func WithLevel(level string) Option {
	return func(opts *newOptions) {
		opts.level = strings.TrimSpace(level)
	}
}

// WithFormat selects FormatText or FormatJSON.
func WithFormat(format string) Option {
	return func(opts *newOptions) {
		opts.format = strings.ToLower(strings.TrimSpace(format))
	}
}

// WithOutput sends records to w instead of stderr.
func WithOutput(w io.Writer) Option {
	return func(opts *newOptions) {
		opts.output = w
	}
}

// WithFile appends records to the file at path instead of stderr.
func WithFile(path string) Option {
	return func(opts *newOptions) {
		opts.file = strings.TrimSpace(path)
	}
}

// RuntimeLogger owns the process logger and the file it writes to, if any.
type RuntimeLogger struct {
	Logger     *log.Logger
	file       *os.File
	path       string
	baseLogger *log.Logger
	runID      string
}

// New initializes logging on stderr, or on the configured output or file.
// A run_id is generated when none is given.
func New(ctx context.Context, options ...Option) (*RuntimeLogger, error) {
	resolved := resolveOptions(options)

	level := log.InfoLevel
	if resolved.level != "" {
		parsed, err := log.ParseLevel(resolved.level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", resolved.level, err)
		}
		level = parsed
	}

	output := resolved.output
	var file *os.File
	if resolved.file != "" {
		if err := os.MkdirAll(filepath.Dir(resolved.file), 0o750); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		// #nosec G304 -- path comes from the operator's own configuration.
		opened, err := os.OpenFile(resolved.file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		file = opened
		output = opened
	}
	if output == nil {
		output = os.Stderr
	}

	logger := log.NewWithOptions(output, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	switch resolved.format {
	case "", FormatText:
		logger.SetFormatter(log.TextFormatter)
	case FormatJSON:
		logger.SetFormatter(log.JSONFormatter)
	default:
		if file != nil {
			_ = file.Close()
		}
		return nil, fmt.Errorf("unsupported log format %q", resolved.format)
	}

	runID := resolved.runID
	if runID == "" {
		runID = uuid.NewString()
	}

	runtimeLogger := &RuntimeLogger{
		file:       file,
		path:       resolved.file,
		baseLogger: logger,
		runID:      runID,
	}
	runtimeLogger.rebuildLogger()
	runtimeLogger.Logger.Debug("logger initialized", "level", level.String())

	_ = ctx
	return runtimeLogger, nil
}

// SetLevel changes the minimum level of subsequent records.
func (r *RuntimeLogger) SetLevel(level string) error {
	if r == nil {
		return nil
	}
	parsed, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}
	r.baseLogger.SetLevel(parsed)
	r.Logger.SetLevel(parsed)
	return nil
}

// RunID returns the run_id attached to every record.
func (r *RuntimeLogger) RunID() string {
	if r == nil {
		return ""
	}
	return r.runID
}

// Close closes the log file when logging to one.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the log file path, or "" when logging to a stream.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

func (r *RuntimeLogger) rebuildLogger() {
	if r == nil || r.baseLogger == nil {
		return
	}
	r.Logger = r.baseLogger.With("run_id", r.runID)
}

func resolveOptions(options []Option) newOptions {
	resolved := newOptions{}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	return resolved
}
