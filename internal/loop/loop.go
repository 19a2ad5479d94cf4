// Package loop provides the single-goroutine event loop that every real-time
// component runs on. Network readers and timers never touch component state
// directly; they post closures to the loop, which executes them one at a time.
// Components built on top of a Loop therefore need no locking.
package loop

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultQueueSize is the number of posted tasks that may be buffered before
// Post blocks.
const DefaultQueueSize = 1024

// Loop executes posted tasks sequentially on the goroutine that calls Run.
type Loop struct {
	tasks    chan func()
	done     chan struct{}
	stopOnce sync.Once
	log      *zap.Logger
}

// New creates a Loop with the given task buffer size. A non-positive size
// selects DefaultQueueSize.
func New(queueSize int, log *zap.Logger) *Loop {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{
		tasks: make(chan func(), queueSize),
		done:  make(chan struct{}),
		log:   log.Named("loop"),
	}
}

// Post schedules fn to run on the loop. It is safe to call from any goroutine.
// It returns false if the loop has stopped and fn will never run.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}

	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Call posts fn and waits until it has run. It must not be called from the
// loop goroutine itself. It returns false if the loop stopped first.
func (l *Loop) Call(fn func()) bool {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}

	select {
	case <-finished:
		return true
	case <-l.done:
		return false
	}
}

// Run executes posted tasks until ctx is cancelled. A task that panics is
// recovered and logged; the loop keeps running.
func (l *Loop) Run(ctx context.Context) error {
	defer l.stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.tasks:
			l.run(fn)
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Now implements Scheduler.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// AfterFunc implements Scheduler. The timer fires on a runtime goroutine which
// only posts fn to the loop; the stopped check happens on the loop, so a timer
// stopped after it fired but before its task ran never calls fn.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped {
				return
			}
			t.stopped = true
			fn()
		})
	})
	return t
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

func (l *Loop) stop() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
}

type loopTimer struct {
	timer   *time.Timer
	stopped bool // owned by the loop goroutine
}

func (t *loopTimer) Stop() bool {
	if t.stopped {
		return false
	}
	t.stopped = true
	t.timer.Stop()
	return true
}
