// Package sim runs traffic sessions in virtual time: a discrete-event
// scheduler on top of evtm and an in-memory stream network with latency,
// bandwidth and segmentation.
package sim

import (
	"time"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"

	"webtraffic-generator/internal/transport"
)

// Scheduler is a transport.Loop in virtual time. Posted callbacks run in
// FIFO order at the current instant; timers run at their deadline.
type Scheduler struct {
	mgr *evtm.EventManager

	posted   []func()
	draining bool

	active int
}

func NewScheduler() *Scheduler {
	return &Scheduler{mgr: evtm.New()}
}

// Post queues fn behind every callback already posted at this instant.
func (s *Scheduler) Post(fn func()) {
	s.posted = append(s.posted, fn)
	if s.draining {
		return
	}
	s.draining = true
	s.mgr.Schedule(s, nil, drainPosted, vrtime.SecondsToTime(0))
}

func drainPosted(_ *evtm.EventManager, context any, _ any) any {
	s := context.(*Scheduler)
	for len(s.posted) > 0 {
		fn := s.posted[0]
		s.posted[0] = nil
		s.posted = s.posted[1:]
		fn()
	}
	s.draining = false
	return nil
}

// AfterFunc schedules fn d after the current virtual time. A stopped timer
// stays in the event list and is skipped when its time comes.
func (s *Scheduler) AfterFunc(d time.Duration, fn func()) transport.Timer {
	if d < 0 {
		d = 0
	}
	t := &simTimer{sched: s, fn: fn}
	s.active++
	s.mgr.Schedule(t, nil, fireTimer, vrtime.SecondsToTime(d.Seconds()))
	return t
}

func fireTimer(_ *evtm.EventManager, context any, _ any) any {
	t := context.(*simTimer)
	if t.done {
		return nil
	}
	t.done = true
	t.sched.active--
	t.fn()
	return nil
}

// Now returns the current virtual time.
func (s *Scheduler) Now() time.Duration {
	return Seconds(s.mgr.CurrentSeconds())
}

// Run processes events until virtual time reaches limit or none are left.
func (s *Scheduler) Run(limit time.Duration) {
	s.mgr.Run(limit.Seconds())
}

// Pending is the number of timers scheduled and not yet fired or stopped.
func (s *Scheduler) Pending() int {
	return s.active
}

// Seconds converts floating-point seconds to a Duration.
func Seconds(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}

type simTimer struct {
	sched *Scheduler
	fn    func()
	done  bool
}

func (t *simTimer) Stop() bool {
	if t.done {
		return false
	}
	t.done = true
	t.sched.active--
	return true
}
