package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// EventLoop is a real-time Loop: one goroutine drains an unbounded queue of
// callbacks. Goroutines owning sockets post into it; sessions only ever run
// on it.
type EventLoop struct {
	start time.Time

	mu      sync.Mutex
	pending []func()
	closed  bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	stopOnce sync.Once
}

// NewEventLoop creates a loop. Callbacks posted before Run are kept.
func NewEventLoop() *EventLoop {
	return &EventLoop{
		start: time.Now(),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Post queues fn. Posting to a closed loop drops fn.
func (l *EventLoop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// AfterFunc runs fn on the loop once d has elapsed.
func (l *EventLoop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.fired.CompareAndSwap(false, true) {
				fn()
			}
		})
	})
	return t
}

// Now returns the time since the loop was created.
func (l *EventLoop) Now() time.Duration {
	return time.Since(l.start)
}

// Run processes callbacks until ctx is cancelled or Close is called.
func (l *EventLoop) Run(ctx context.Context) error {
	defer close(l.done)

	for {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()

		for _, fn := range batch {
			l.invoke(fn)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			l.markClosed()
			return ctx.Err()
		case <-l.stop:
			return nil
		case <-l.wake:
		}
	}
}

func (l *EventLoop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Event loop callback panicked")
		}
	}()
	fn()
}

// Sync runs fn on the loop and waits for it to return.
func (l *EventLoop) Sync(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.mu.Unlock()

	l.Post(func() {
		defer close(ran)
		fn()
	})

	select {
	case <-ran:
		return nil
	case <-l.done:
		return ErrLoopClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop after the callback in progress. Queued callbacks are
// discarded.
func (l *EventLoop) Close() {
	l.markClosed()
	l.stopOnce.Do(func() { close(l.stop) })
}

// Done is closed when Run returns.
func (l *EventLoop) Done() <-chan struct{} {
	return l.done
}

func (l *EventLoop) markClosed() {
	l.mu.Lock()
	l.closed = true
	l.pending = nil
	l.mu.Unlock()
}

type loopTimer struct {
	timer *time.Timer
	fired atomic.Bool
}

func (t *loopTimer) Stop() bool {
	if !t.fired.CompareAndSwap(false, true) {
		return false
	}
	t.timer.Stop()
	return true
}
