// Package eventloop provides the single control thread of a voice session.
//
// Every state mutation of the session runs as a task on the loop. Callbacks from
// the network, the recognizers and the audio player are posted as tasks rather
// than executed inline, so handlers never re-enter each other. Delays are named
// timers owned by the loop; a timer that was cancelled or re-armed never runs
// its task, even if its underlying clock timer already fired.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ErrStopped is returned when work is submitted to a loop that is no longer running
var ErrStopped = errors.New("event loop stopped")

type timerEntry struct {
	seq   uint64
	timer *clock.Timer
}

// Loop serializes tasks onto one goroutine
type Loop struct {
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	pending []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}

	// Only touched from the loop goroutine.
	timers map[string]timerEntry
	seq    uint64
}

// New creates a loop driven by clk
func New(clk clock.Clock, logger *zap.Logger) *Loop {
	if clk == nil {
		clk = clock.New()
	}
	return &Loop{
		clock:  clk,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		timers: make(map[string]timerEntry),
	}
}

// Clock returns the loop's clock
func (l *Loop) Clock() clock.Clock {
	return l.clock
}

// Post enqueues fn from any goroutine. It never blocks and reports false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to finish
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes tasks until ctx is cancelled. Pending timers are cancelled before it returns.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.pending = nil
		l.mu.Unlock()
		l.CancelAll()
		close(l.done)
	}()

	for {
		for {
			task, ok := l.next()
			if !ok {
				break
			}
			l.run(task)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Done is closed once Run has returned
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return nil, false
	}
	task := l.pending[0]
	l.pending[0] = nil
	l.pending = l.pending[1:]
	return task, true
}

func (l *Loop) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Event loop task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}

// After arms the timer called name, replacing any pending one with the same name.
// Must be called from the loop goroutine.
func (l *Loop) After(name string, d time.Duration, fn func()) {
	l.Cancel(name)

	l.seq++
	seq := l.seq
	timer := l.clock.AfterFunc(d, func() {
		l.Post(func() {
			entry, ok := l.timers[name]
			if !ok || entry.seq != seq {
				l.logger.Debug("Dropping stale timer", zap.String("timer", name))
				return
			}
			delete(l.timers, name)
			fn()
		})
	})
	l.timers[name] = timerEntry{seq: seq, timer: timer}
}

// Cancel stops the timer called name. Must be called from the loop goroutine.
func (l *Loop) Cancel(name string) {
	if entry, ok := l.timers[name]; ok {
		entry.timer.Stop()
		delete(l.timers, name)
	}
}

// CancelAll stops every pending timer
func (l *Loop) CancelAll() {
	for name, entry := range l.timers {
		entry.timer.Stop()
		delete(l.timers, name)
	}
}

// Pending reports whether the timer called name is armed. Must be called from the loop goroutine.
func (l *Loop) Pending(name string) bool {
	_, ok := l.timers[name]
	return ok
}
