// Package transporttest provides deterministic, single-goroutine stand-ins
// for the transport collaborators: a manually advanced loop and a network
// whose connections are driven step by step from the test.
package transporttest

import (
	"sort"
	"time"

	"webtraffic-generator/internal/transport"
)

// Loop is a transport.Loop whose clock only moves when the test says so.
// It is not safe for concurrent use.
type Loop struct {
	now    time.Duration
	posted []func()
	timers []*timer
	seq    int
}

func NewLoop() *Loop {
	return &Loop{}
}

func (l *Loop) Post(fn func()) {
	l.posted = append(l.posted, fn)
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) transport.Timer {
	if d < 0 {
		d = 0
	}
	t := &timer{loop: l, at: l.now + d, seq: l.seq, fn: fn}
	l.seq++
	l.timers = append(l.timers, t)
	return t
}

func (l *Loop) Now() time.Duration {
	return l.now
}

// Drain runs posted callbacks, including ones they post, until none are left.
// It returns how many ran.
func (l *Loop) Drain() int {
	n := 0
	for len(l.posted) > 0 {
		fn := l.posted[0]
		l.posted = l.posted[1:]
		fn()
		n++
	}
	return n
}

// Advance moves the clock forward by d, firing due timers in deadline order
// and draining posted callbacks after each.
func (l *Loop) Advance(d time.Duration) {
	end := l.now + d
	l.Drain()
	for {
		t := l.next()
		if t == nil || t.at > end {
			break
		}
		l.now = t.at
		l.remove(t)
		t.fired = true
		t.fn()
		l.Drain()
	}
	l.now = end
}

// FireNext jumps to the earliest pending timer and runs it. It reports false
// if no timer is pending.
func (l *Loop) FireNext() bool {
	t := l.next()
	if t == nil {
		return false
	}
	l.Advance(t.at - l.now)
	return true
}

// PendingTimers is the number of scheduled, unstopped timers.
func (l *Loop) PendingTimers() int {
	return len(l.timers)
}

// NextDeadline returns the delay until the earliest pending timer.
func (l *Loop) NextDeadline() (time.Duration, bool) {
	t := l.next()
	if t == nil {
		return 0, false
	}
	return t.at - l.now, true
}

func (l *Loop) next() *timer {
	if len(l.timers) == 0 {
		return nil
	}
	sort.SliceStable(l.timers, func(i, j int) bool {
		if l.timers[i].at != l.timers[j].at {
			return l.timers[i].at < l.timers[j].at
		}
		return l.timers[i].seq < l.timers[j].seq
	})
	return l.timers[0]
}

func (l *Loop) remove(t *timer) {
	for i, p := range l.timers {
		if p == t {
			l.timers = append(l.timers[:i], l.timers[i+1:]...)
			return
		}
	}
}

type timer struct {
	loop    *Loop
	at      time.Duration
	seq     int
	fn      func()
	fired   bool
	stopped bool
}

func (t *timer) Stop() bool {
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	t.loop.remove(t)
	return true
}
