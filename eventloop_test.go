package neptune

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/dreamans/neptune/poller"
)

// startLoop runs a loop on its own goroutine for the duration of the test.
func startLoop(t *testing.T, kind poller.Kind) *EventLoop {
	t.Helper()
	th := NewEventLoopThread(nil, t.Name())
	th.kind = kind
	loop, err := th.StartLoop()
	require.NoError(t, err)
	t.Cleanup(th.Stop)
	return loop
}

// inLoop runs fn on loop and waits for it to return.
func inLoop(t *testing.T, loop *EventLoop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	loop.RunInLoop(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("functor did not run on the loop")
	}
}

func socketPair(t *testing.T) [2]int {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds
}

func TestEventLoopOnePerGoroutine(t *testing.T) {
	assert.Nil(t, EventLoopOfCurrentThread())

	loop, err := NewEventLoop()
	require.NoError(t, err)
	assert.Same(t, loop, EventLoopOfCurrentThread())
	assert.True(t, loop.IsInLoopThread())

	assert.Panics(t, func() { _, _ = NewEventLoop() })

	require.NoError(t, loop.Close())
	assert.Nil(t, EventLoopOfCurrentThread())
	assert.ErrorIs(t, loop.Close(), ErrLoopClosed)

	again, err := NewEventLoopWithPoller(poller.KindPoll)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestEventLoopWrongGoroutinePanics(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)
	defer loop.Close()

	fds := socketPair(t)
	ch := NewChannel(loop, fds[0])

	type result struct {
		inLoop     bool
		assertion  bool
		update     bool
		remove     bool
		hasChannel bool
	}
	done := make(chan result)
	go func() {
		var r result
		r.inLoop = loop.IsInLoopThread()
		r.assertion = didPanic(loop.AssertInLoopThread)
		r.update = didPanic(func() { loop.UpdateChannel(ch) })
		r.remove = didPanic(func() { loop.RemoveChannel(ch) })
		r.hasChannel = didPanic(func() { loop.HasChannel(ch) })
		done <- r
	}()
	r := <-done
	assert.False(t, r.inLoop)
	assert.True(t, r.assertion)
	assert.True(t, r.update)
	assert.True(t, r.remove)
	assert.True(t, r.hasChannel)

	assert.NotPanics(t, loop.AssertInLoopThread)
	ch.EnableReading()
	assert.True(t, loop.HasChannel(ch))
	ch.DisableAll()
	ch.Remove()
	ch.Release()
}

func didPanic(fn func()) (panicked bool) {
	defer func() {
		if recover() != nil {
			panicked = true
		}
	}()
	fn()
	return false
}

func TestEventLoopQuitBeforeLoop(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)

	loop.Quit()
	loop.Quit()
	loop.Loop()
	assert.Zero(t, loop.Iteration())
	assert.Panics(t, loop.Loop)
	require.NoError(t, loop.Close())
}

func TestEventLoopQuitFromFunctor(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)

	var ran atomic.Int32
	queued := make(chan struct{})
	go func() {
		loop.QueueInLoop(func() {
			ran.Add(1)
			loop.Quit()
		})
		close(queued)
	}()
	<-queued

	loop.Loop()
	assert.EqualValues(t, 1, ran.Load())
	assert.EqualValues(t, 1, loop.Iteration())
	require.NoError(t, loop.Close())
}

func TestEventLoopQuitIsIdempotent(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)

	finished := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(10 * time.Millisecond)
			loop.Quit()
			loop.Quit()
		}()
	}
	go func() {
		wg.Wait()
		close(finished)
	}()

	start := time.Now()
	loop.Loop()
	assert.Less(t, time.Since(start), defaultPollTimeout)
	<-finished
	loop.Quit()
	require.NoError(t, loop.Close())
}

func TestRunInLoopFromLoopGoroutineIsSynchronous(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)
	defer loop.Close()

	ran := false
	loop.RunInLoop(func() { ran = true })
	assert.True(t, ran)

	queued := false
	loop.QueueInLoop(func() { queued = true })
	assert.False(t, queued)
	assert.Equal(t, 1, loop.QueueSize())
}

func TestQueueInLoopAfterCloseDropsFunctor(t *testing.T) {
	th := NewEventLoopThread(nil, t.Name())
	loop, err := th.StartLoop()
	require.NoError(t, err)
	th.Stop()

	ran := false
	loop.QueueInLoop(func() { ran = true })
	assert.False(t, ran)
	assert.Equal(t, 0, loop.QueueSize())
}

func TestRunInLoopWakesBlockedPoll(t *testing.T) {
	loop := startLoop(t, poller.KindDefault)

	// let the loop settle into its ten second poll
	time.Sleep(50 * time.Millisecond)

	var count atomic.Int32
	done := make(chan bool, 1)
	start := time.Now()
	loop.RunInLoop(func() {
		count.Add(1)
		done <- loop.IsInLoopThread() && !loop.EventHandling()
	})

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("functor did not wake the loop")
	}
	assert.Less(t, time.Since(start), time.Second)

	inLoop(t, loop, func() {})
	assert.EqualValues(t, 1, count.Load())
}

func TestFunctorsRunAfterDispatch(t *testing.T) {
	loop := startLoop(t, poller.KindDefault)
	fds := socketPair(t)

	type observation struct {
		iteration     uint64
		eventHandling bool
	}
	fromRead := make(chan observation, 1)
	fromFunctor := make(chan observation, 1)

	var ch *Channel
	inLoop(t, loop, func() {
		ch = NewChannel(loop, fds[0])
		ch.SetReadCallback(func(time.Time) {
			drainFd(fds[0])
			fromRead <- observation{loop.Iteration(), loop.EventHandling()}
			loop.QueueInLoop(func() {
				fromFunctor <- observation{loop.Iteration(), loop.EventHandling()}
			})
		})
		ch.EnableReading()
	})

	_, err := unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	r := <-fromRead
	f := <-fromFunctor
	assert.True(t, r.eventHandling)
	assert.False(t, f.eventHandling)
	assert.Equal(t, r.iteration, f.iteration)

	inLoop(t, loop, func() {
		ch.DisableAll()
		ch.Remove()
		ch.Release()
	})
}

func TestQueueInLoopFromFunctorRunsNextIteration(t *testing.T) {
	loop := startLoop(t, poller.KindDefault)

	first := make(chan uint64, 1)
	second := make(chan uint64, 1)
	loop.QueueInLoop(func() {
		first <- loop.Iteration()
		loop.QueueInLoop(func() {
			second <- loop.Iteration()
		})
	})

	a := <-first
	select {
	case b := <-second:
		assert.Equal(t, a+1, b)
	case <-time.After(time.Second):
		t.Fatal("nested functor never ran")
	}
}

func TestEventLoopSetPollTimeout(t *testing.T) {
	loop := startLoop(t, poller.KindDefault)

	var before, after uint64
	inLoop(t, loop, func() {
		loop.SetPollTimeout(5 * time.Millisecond)
		before = loop.Iteration()
	})
	time.Sleep(200 * time.Millisecond)
	inLoop(t, loop, func() { after = loop.Iteration() })
	assert.GreaterOrEqual(t, after-before, uint64(10))
}
