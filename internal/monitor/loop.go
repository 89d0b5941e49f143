// Package monitor follows a located window's size and hands genuine size
// changes to a debouncer.
package monitor

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/guestfit/guestfit/internal/window"
)

// ErrStreamLost reports that the display event stream ended while the
// loop was still expected to run, for example after the X server died.
var ErrStreamLost = errors.New("display event stream lost")

// EventSource delivers display events one at a time, blocking until the
// next one arrives. It returns window.ErrClosed once the stream has ended.
type EventSource interface {
	NextEvent() (window.Event, error)
}

// Notifier receives the latest size after each genuine resize.
type Notifier interface {
	Notify(size window.Size)
}

// Options configures a Loop.
type Options struct {
	Source   EventSource
	Window   window.Handle
	Notifier Notifier
	Logger   *log.Logger
}

// Loop consumes display events for one tracked window. It owns the window
// handle and is the only writer of its last known size.
type Loop struct {
	source   EventSource
	handle   window.Handle
	notifier Notifier
	logger   *log.Logger
}

// New creates a Loop for a located window.
func New(opts Options) (*Loop, error) {
	if opts.Source == nil {
		return nil, errors.New("event source is required")
	}
	if opts.Notifier == nil {
		return nil, errors.New("notifier is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Loop{
		source:   opts.Source,
		handle:   opts.Window,
		notifier: opts.Notifier,
		logger:   logger.With("window", opts.Window.ID),
	}, nil
}

// Run processes events in arrival order until ctx is done. Closing the
// source is the way to unblock a pending NextEvent; a close that is not
// caused by ctx is returned as ErrStreamLost.
func (l *Loop) Run(ctx context.Context) error {
	if l == nil {
		return errors.New("monitor loop is nil")
	}
	l.logger.Info("monitoring window for changes", "size", l.handle.Size)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		event, err := l.source.NextEvent()
		if err != nil {
			if errors.Is(err, window.ErrClosed) {
				if ctx.Err() != nil {
					l.logger.Info("display event stream closed")
					return nil
				}
				return fmt.Errorf("%w: %w", ErrStreamLost, err)
			}
			l.logger.Warn("display event error", "err", err)
			continue
		}
		l.Handle(event)
	}
}

// Handle applies one event and reports whether it produced a notification.
func (l *Loop) Handle(event window.Event) bool {
	if event.Type != window.EventConfigure || event.Window != l.handle.ID {
		return false
	}
	if event.Size == l.handle.Size {
		l.logger.Debug("configure event without size change", "size", event.Size)
		return false
	}

	l.handle.Size = event.Size
	l.logger.Info("resize detected", "size", event.Size)
	l.notifier.Notify(event.Size)
	return true
}

// Window returns the tracked window with its last recorded size.
func (l *Loop) Window() window.Handle {
	return l.handle
}
