package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *EventLoop {
	t.Helper()
	l := NewEventLoop()
	go l.Run(context.Background())
	t.Cleanup(l.Close)
	return l
}

func TestEventLoop_RunsInPostOrder(t *testing.T) {
	l := startLoop(t)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	require.NoError(t, l.Sync(context.Background(), func() {}))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestEventLoop_NeverRunsConcurrently(t *testing.T) {
	l := startLoop(t)

	var (
		wg      sync.WaitGroup
		active  int
		overlap bool
		count   int
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				l.Post(func() {
					active++
					if active > 1 {
						overlap = true
					}
					count++
					active--
				})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, l.Sync(context.Background(), func() {}))

	assert.False(t, overlap)
	assert.Equal(t, 1600, count)
}

func TestEventLoop_PostFromCallback(t *testing.T) {
	l := startLoop(t)

	done := make(chan struct{})
	l.Post(func() {
		l.Post(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested post never ran")
	}
}

func TestEventLoop_AfterFuncFires(t *testing.T) {
	l := startLoop(t)

	fired := make(chan time.Duration, 1)
	l.AfterFunc(20*time.Millisecond, func() { fired <- l.Now() })

	select {
	case at := <-fired:
		assert.GreaterOrEqual(t, at, 20*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestEventLoop_TimerStop(t *testing.T) {
	l := startLoop(t)

	fired := make(chan struct{}, 1)
	var tm Timer
	require.NoError(t, l.Sync(context.Background(), func() {
		tm = l.AfterFunc(30*time.Millisecond, func() { fired <- struct{}{} })
	}))

	var stopped, again bool
	require.NoError(t, l.Sync(context.Background(), func() {
		stopped = tm.Stop()
		again = tm.Stop()
	}))
	assert.True(t, stopped)
	assert.False(t, again)

	select {
	case <-fired:
		t.Fatal("stopped timer fired")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestEventLoop_StopAfterFire(t *testing.T) {
	l := startLoop(t)

	fired := make(chan struct{})
	tm := l.AfterFunc(time.Millisecond, func() { close(fired) })
	<-fired

	var stopped bool
	require.NoError(t, l.Sync(context.Background(), func() { stopped = tm.Stop() }))
	assert.False(t, stopped)
}

func TestEventLoop_CloseRejectsSync(t *testing.T) {
	l := NewEventLoop()
	go l.Run(context.Background())
	l.Close()
	<-l.Done()

	err := l.Sync(context.Background(), func() {})
	assert.ErrorIs(t, err, ErrLoopClosed)
}

func TestEventLoop_ContextCancel(t *testing.T) {
	l := NewEventLoop()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestEventLoop_RecoversPanics(t *testing.T) {
	l := startLoop(t)

	l.Post(func() { panic("boom") })
	ran := false
	require.NoError(t, l.Sync(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}

func TestEventLoop_SyncReturnsWhenCallbackPanics(t *testing.T) {
	l := startLoop(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, l.Sync(ctx, func() { panic("boom") }))
	assert.Less(t, time.Since(start), time.Second)

	ran := false
	require.NoError(t, l.Sync(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}

func TestRequireStream(t *testing.T) {
	assert.NoError(t, RequireStream(NewTCP(NewEventLoop(), time.Second)))
	assert.Error(t, RequireStream(nil))
}

func TestKindError_IsNotStream(t *testing.T) {
	err := error(&KindError{Kind: Datagram})
	assert.ErrorIs(t, err, ErrNotStream)
	assert.Contains(t, err.Error(), "datagram")
}
