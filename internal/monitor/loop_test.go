package monitor

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestfit/guestfit/internal/debounce"
	"github.com/guestfit/guestfit/internal/window"
)

const trackedWindow = window.ID(0x3a00007)

func TestHandleIgnoresOtherWindows(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{}
	loop := newTestLoop(t, nil, notifier, window.Size{Width: 800, Height: 600})

	triggered := loop.Handle(window.Event{
		Type:   window.EventConfigure,
		Window: trackedWindow + 1,
		Size:   window.Size{Width: 1024, Height: 768},
	})

	assert.False(t, triggered)
	assert.Empty(t, notifier.sizes())
	assert.Equal(t, window.Size{Width: 800, Height: 600}, loop.Window().Size)
}

func TestHandleIgnoresNonConfigureEvents(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{}
	loop := newTestLoop(t, nil, notifier, window.Size{})

	assert.False(t, loop.Handle(window.Event{Type: window.EventOther, Window: trackedWindow}))
	assert.Empty(t, notifier.sizes())
}

func TestHandleIgnoresUnchangedSize(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{}
	loop := newTestLoop(t, nil, notifier, window.Size{Width: 800, Height: 600})

	triggered := loop.Handle(configure(800, 600))

	assert.False(t, triggered)
	assert.Empty(t, notifier.sizes())
}

func TestHandleRecordsAndNotifiesChangedSize(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{}
	loop := newTestLoop(t, nil, notifier, window.Size{Width: 800, Height: 600})

	require.True(t, loop.Handle(configure(1280, 720)))
	require.False(t, loop.Handle(configure(1280, 720)))
	require.True(t, loop.Handle(configure(1920, 1080)))

	assert.Equal(t, []window.Size{{Width: 1280, Height: 720}, {Width: 1920, Height: 1080}}, notifier.sizes())
	assert.Equal(t, window.Size{Width: 1920, Height: 1080}, loop.Window().Size)
}

func TestHandleFirstEventWithUnknownSizeNotifies(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{}
	loop := newTestLoop(t, nil, notifier, window.Size{})

	assert.True(t, loop.Handle(configure(640, 480)))
}

func TestRunReportsUnexpectedStreamEnd(t *testing.T) {
	t.Parallel()

	source := &scriptedSource{items: []sourceItem{
		{event: configure(1024, 768)},
		{err: errors.New("BadWindow")},
		{event: window.Event{Type: window.EventConfigure, Window: 42, Size: window.Size{Width: 1, Height: 1}}},
		{event: configure(1024, 768)},
		{event: configure(1280, 1024)},
	}}
	notifier := &recordingNotifier{}
	loop := newTestLoop(t, source, notifier, window.Size{})

	err := loop.Run(context.Background())
	require.ErrorIs(t, err, ErrStreamLost)
	require.ErrorIs(t, err, window.ErrClosed)
	assert.Equal(t, []window.Size{{Width: 1024, Height: 768}, {Width: 1280, Height: 1024}}, notifier.sizes())
}

func TestRunTreatsCloseAfterCancelAsShutdown(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	source := &cancelingSource{cancel: cancel}
	loop := newTestLoop(t, source, &recordingNotifier{}, window.Size{})

	require.NoError(t, loop.Run(ctx))
}

func TestRunStopsWhenContextDone(t *testing.T) {
	t.Parallel()

	source := &scriptedSource{items: []sourceItem{{event: configure(1024, 768)}}}
	notifier := &recordingNotifier{}
	loop := newTestLoop(t, source, notifier, window.Size{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, loop.Run(ctx))
	assert.Empty(t, notifier.sizes())
}

func TestBurstOfResizesRunsGuestCommandOnce(t *testing.T) {
	t.Parallel()

	executor := &countingExecutor{done: make(chan struct{}, 8)}
	trigger := NewTrigger(executor, testCommand, quietLogger())
	scheduler := debounce.New(30*time.Millisecond, func(size window.Size) {
		trigger.Fire(context.Background(), size)
	})
	loop := newTestLoop(t, nil, scheduler, window.Size{Width: 800, Height: 600})

	for width := 801; width <= 820; width++ {
		loop.Handle(configure(width, 600))
	}

	select {
	case <-executor.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for guest command")
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, executor.count())
}

func newTestLoop(t *testing.T, source EventSource, notifier Notifier, size window.Size) *Loop {
	t.Helper()

	if source == nil {
		source = &scriptedSource{}
	}
	loop, err := New(Options{
		Source:   source,
		Window:   window.Handle{ID: trackedWindow, Title: "kali1 on QEMU/KVM", Size: size},
		Notifier: notifier,
		Logger:   quietLogger(),
	})
	require.NoError(t, err)
	return loop
}

func configure(width, height int) window.Event {
	return window.Event{
		Type:   window.EventConfigure,
		Window: trackedWindow,
		Size:   window.Size{Width: width, Height: height},
	}
}

func quietLogger() *log.Logger {
	return log.NewWithOptions(&bytes.Buffer{}, log.Options{})
}

type recordingNotifier struct {
	mu       sync.Mutex
	recorded []window.Size
}

func (r *recordingNotifier) Notify(size window.Size) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded = append(r.recorded, size)
}

func (r *recordingNotifier) sizes() []window.Size {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]window.Size(nil), r.recorded...)
}

type sourceItem struct {
	event window.Event
	err   error
}

type scriptedSource struct {
	items []sourceItem
}

func (s *scriptedSource) NextEvent() (window.Event, error) {
	if len(s.items) == 0 {
		return window.Event{}, window.ErrClosed
	}
	item := s.items[0]
	s.items = s.items[1:]
	return item.event, item.err
}

// cancelingSource mimics a shutdown: ctx is canceled and the connection
// closed before the pending read returns.
type cancelingSource struct {
	cancel context.CancelFunc
}

func (s *cancelingSource) NextEvent() (window.Event, error) {
	s.cancel()
	return window.Event{}, window.ErrClosed
}

var (
	_ EventSource = (*cancelingSource)(nil)
	_ EventSource = (*scriptedSource)(nil)
	_ Notifier    = (*recordingNotifier)(nil)
	_ Notifier    = (*debounce.Scheduler[window.Size])(nil)
)
