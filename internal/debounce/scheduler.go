// Package debounce collapses bursts of notifications into one delayed call.
package debounce

import (
	"sync"
	"time"
)

// DefaultDelay is the quiet period that must pass before the callback fires.
const DefaultDelay = 2 * time.Second

// Scheduler holds at most one pending trigger. Every Notify replaces the
// pending trigger, so the callback runs once per burst with the most
// recent value.
//
// The callback runs on the timer's goroutine, never on the caller of Notify.
type Scheduler[T any] struct {
	mu         sync.Mutex
	delay      time.Duration
	fire       func(T)
	afterFunc  func(time.Duration, func()) *time.Timer
	timer      *time.Timer
	generation uint64
	stopped    bool
}

// New creates a scheduler that calls fire after delay of quiet.
func New[T any](delay time.Duration, fire func(T)) *Scheduler[T] {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if fire == nil {
		fire = func(T) {}
	}
	return &Scheduler[T]{
		delay:     delay,
		fire:      fire,
		afterFunc: time.AfterFunc,
	}
}

// Notify cancels any pending trigger and schedules a new one carrying value.
func (s *Scheduler[T]) Notify(value T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.generation++
	generation := s.generation
	s.timer = s.afterFunc(s.delay, func() {
		s.expire(generation, value)
	})
}

// Pending reports whether a trigger is scheduled and has not fired yet.
func (s *Scheduler[T]) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Stop cancels the pending trigger and ignores later notifications.
// A callback that is already running is not interrupted.
func (s *Scheduler[T]) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler[T]) expire(generation uint64, value T) {
	s.mu.Lock()
	// A timer that fired while Notify or Stop held the lock has been
	// superseded even though Stop could not cancel it.
	if generation != s.generation {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	s.fire(value)
}
