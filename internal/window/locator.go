package window

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// DefaultAttempts is the number of retries after an unsuccessful first search.
	DefaultAttempts = 30
	// DefaultInterval spaces consecutive search retries.
	DefaultInterval = time.Second
)

// Options configures a Locator.
type Options struct {
	Tree     Tree
	Attempts int
	Interval time.Duration
	Logger   *log.Logger
}

// Locator searches the window hierarchy for a window by title or class.
type Locator struct {
	tree     Tree
	attempts int
	interval time.Duration
	logger   *log.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewLocator builds a Locator with defaults where options are omitted.
func NewLocator(opts Options) (*Locator, error) {
	if opts.Tree == nil {
		return nil, errors.New("window tree is required")
	}

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Locator{
		tree:     opts.Tree,
		attempts: attempts,
		interval: interval,
		logger:   logger,
		sleep:    sleepContext,
	}, nil
}

// Locate finds the first window under root whose title or class contains
// match, retrying on an interval until the attempt budget is spent.
//
// On success the window is subscribed for structural-change notifications.
// A subscription failure is logged and the handle is still returned.
func (l *Locator) Locate(ctx context.Context, root ID, match string) (Handle, error) {
	if l == nil {
		return Handle{}, errors.New("window locator is nil")
	}
	match = strings.TrimSpace(match)
	if match == "" {
		return Handle{}, errors.New("window match string is required")
	}

	logger := l.logger.With("match", match)
	logger.Info("searching for window")

	id, found := Find(l.tree, root, match)
	if !found {
		logger.Info("window not found immediately; waiting for it to appear",
			"attempts", l.attempts, "interval", l.interval)
		for attempt := 1; attempt <= l.attempts && !found; attempt++ {
			if err := l.sleep(ctx, l.interval); err != nil {
				return Handle{}, err
			}
			id, found = Find(l.tree, root, match)
			if !found {
				logger.Debug("window search attempt missed", "attempt", attempt)
			}
		}
	}
	if !found {
		return Handle{}, fmt.Errorf("%w: no window title or class contains %q", ErrNotFound, match)
	}

	handle := Handle{ID: id}
	handle.Title, _ = l.tree.Title(id)
	if size, ok := l.tree.Geometry(id); ok {
		handle.Size = size
	}
	logger.Info("found window", "window", id, "title", handle.Title, "size", handle.Size)

	if err := l.tree.EnableChangeNotifications(id); err != nil {
		logger.Warn("could not subscribe to window changes; resizes will not be detected",
			"window", id, "err", err)
	}

	return handle, nil
}

// Find performs one depth-first pass from root, checking each window before
// its children in the order the tree reports them.
func Find(tree Tree, root ID, match string) (ID, bool) {
	if tree == nil {
		return 0, false
	}
	return find(tree, root, strings.ToLower(match))
}

func find(tree Tree, id ID, match string) (ID, bool) {
	title, _ := tree.Title(id)
	classes, _ := tree.ClassHints(id)
	if matchesLower(title, classes, match) {
		return id, true
	}

	children, ok := tree.Children(id)
	if !ok {
		return 0, false
	}
	for _, child := range children {
		if found, ok := find(tree, child, match); ok {
			return found, true
		}
	}
	return 0, false
}

// Matches reports whether match is a case-insensitive substring of the title
// or of any class hint.
func Matches(title string, classes []string, match string) bool {
	return matchesLower(title, classes, strings.ToLower(match))
}

func matchesLower(title string, classes []string, match string) bool {
	if match == "" {
		return false
	}
	if strings.Contains(strings.ToLower(title), match) {
		return true
	}
	for _, class := range classes {
		if strings.Contains(strings.ToLower(class), match) {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
