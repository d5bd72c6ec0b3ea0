package sched

import (
	"context"
	"sync/atomic"
	"time"
)

// Scheduler serializes timer callbacks and externally posted work onto a
// single dispatch goroutine. Controllers are written for one logical
// thread of control: everything they do runs here, so they need no locks
// among themselves. Timers are one-shot; a callback that wants to keep
// polling reschedules itself.
type Scheduler struct {
	work chan func()
	quit chan struct{}
}

// New creates a scheduler. Nothing runs until Run is called; work posted
// before that simply queues.
func New() *Scheduler {
	return &Scheduler{
		work: make(chan func(), 256),
		quit: make(chan struct{}),
	}
}

// Run executes queued work until ctx is cancelled. It must be called
// exactly once and blocks for the scheduler's lifetime.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.quit)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-s.work:
			fn()
		}
	}
}

// Post queues fn to run on the dispatch goroutine. Safe to call from any
// goroutine. Work posted after Run has returned is dropped.
func (s *Scheduler) Post(fn func()) {
	select {
	case s.work <- fn:
	case <-s.quit:
	}
}

// Timer is a one-shot scheduled callback. Stop prevents the callback from
// running even if the underlying timer has already fired.
type Timer struct {
	stopped atomic.Bool
	t       *time.Timer
}

// Schedule arms fn to run on the dispatch goroutine after d.
func (s *Scheduler) Schedule(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		s.Post(func() {
			if tm.stopped.Load() {
				return
			}
			fn()
		})
	})
	return tm
}

// Stop cancels the timer. It is safe to call on a timer that already
// fired; the pending callback is suppressed.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.stopped.Store(true)
	t.t.Stop()
}
