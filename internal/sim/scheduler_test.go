package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduler_PostRunsInOrder(t *testing.T) {
	s := NewScheduler()

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		s.Post(func() { got = append(got, i) })
	}
	s.Run(time.Second)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestScheduler_NestedPostSameInstant(t *testing.T) {
	s := NewScheduler()

	var got []string
	var at time.Duration
	s.AfterFunc(100*time.Millisecond, func() {
		s.Post(func() {
			got = append(got, "nested")
			at = s.Now()
		})
		got = append(got, "timer")
	})
	s.Run(time.Second)

	assert.Equal(t, []string{"timer", "nested"}, got)
	assert.InDelta(t, 0.1, at.Seconds(), 1e-9)
}

func TestScheduler_TimersFireAtDeadline(t *testing.T) {
	s := NewScheduler()

	var fired []float64
	for _, d := range []time.Duration{300 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond} {
		s.AfterFunc(d, func() { fired = append(fired, s.Now().Seconds()) })
	}
	assert.Equal(t, 3, s.Pending())

	s.Run(time.Second)

	if assert.Len(t, fired, 3) {
		assert.InDelta(t, 0.1, fired[0], 1e-9)
		assert.InDelta(t, 0.2, fired[1], 1e-9)
		assert.InDelta(t, 0.3, fired[2], 1e-9)
	}
	assert.Equal(t, 0, s.Pending())
}

func TestScheduler_StopCancels(t *testing.T) {
	s := NewScheduler()

	fired := false
	tm := s.AfterFunc(50*time.Millisecond, func() { fired = true })
	assert.Equal(t, 1, s.Pending())

	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())
	assert.Equal(t, 0, s.Pending())

	s.Run(time.Second)
	assert.False(t, fired)
}

func TestScheduler_RunStopsAtLimit(t *testing.T) {
	s := NewScheduler()

	early, late := false, false
	s.AfterFunc(time.Second, func() { early = true })
	s.AfterFunc(10*time.Second, func() { late = true })
	s.Run(5 * time.Second)

	assert.True(t, early)
	assert.False(t, late)
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, Seconds(1.5))
}
