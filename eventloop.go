package neptune

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/errclass"
	"github.com/bassosimone/runtimex"
	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/dreamans/neptune/evlog"
	"github.com/dreamans/neptune/poller"
)

var loopIDs atomic.Uint64

// EventLoop is a reactor bound to the goroutine that created it. Loop must be
// called from that goroutine, at most once; Quit, RunInLoop, QueueInLoop and
// the timer methods may be called from anywhere.
type EventLoop struct {
	id   uint64
	goid uint64

	looping  atomic.Bool
	quit     atomic.Bool
	finished bool
	closed   atomic.Bool

	eventHandling          bool
	callingPendingFunctors atomic.Bool
	iteration              uint64
	pollReturnTime         time.Time
	pollTimeoutMs          int

	poller         poller.Poller
	timerQueue     *timerQueue
	activeChannels []poller.Channel
	current        *Channel

	wakeupFd      int
	wakeupWriteFd int
	wakeupChannel *Channel

	mu              sync.Mutex
	pendingFunctors *queue.Queue
	spareFunctors   *queue.Queue

	packet []byte
}

// NewEventLoop creates a loop with the platform's default poller.
func NewEventLoop() (*EventLoop, error) {
	return NewEventLoopWithPoller(poller.KindDefault)
}

// NewEventLoopWithPoller creates a loop bound to the calling goroutine. It
// panics if the goroutine already owns a loop.
func NewEventLoopWithPoller(kind poller.Kind) (*EventLoop, error) {
	goid := goroutineID()
	if other, ok := currentLoops.Load(goid); ok {
		evlog.Errorf("[NewEventLoop]: another EventLoop %v exists in goroutine %d", other, goid)
		panic(fmt.Sprintf("neptune: goroutine %d already owns an EventLoop", goid))
	}

	l := &EventLoop{
		id:              loopIDs.Add(1),
		goid:            goid,
		pollTimeoutMs:   int(defaultPollTimeout / time.Millisecond),
		pendingFunctors: queue.New(),
		spareFunctors:   queue.New(),
		packet:          make([]byte, packetBufSize),
	}

	p, err := poller.New(kind, l)
	if err != nil {
		return nil, err
	}
	l.poller = p

	rfd, wfd, err := createWakeupFds()
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("wakeup fd: %w", err)
	}
	l.wakeupFd, l.wakeupWriteFd = rfd, wfd

	tq, err := newTimerQueue(l)
	if err != nil {
		closeWakeupFds(rfd, wfd)
		_ = p.Close()
		return nil, fmt.Errorf("timer queue: %w", err)
	}
	l.timerQueue = tq

	l.wakeupChannel = NewChannel(l, l.wakeupFd)
	l.wakeupChannel.SetReadCallback(l.handleWakeupRead)
	l.wakeupChannel.EnableReading()

	currentLoops.Store(goid, l)
	evlog.Debugf("[NewEventLoop]: loop %d created in goroutine %d with %s poller", l.id, goid, kind)
	return l, nil
}

// Loop runs the dispatch cycle until Quit is observed at the top of an
// iteration. It locks the calling goroutine to its OS thread for the
// duration.
func (l *EventLoop) Loop() {
	runtimex.Assert(!l.looping.Load())
	runtimex.Assert(!l.finished)
	runtimex.Assert(!l.closed.Load())
	l.AssertInLoopThread()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.looping.Store(true)
	l.logger().Debugf("[EventLoop.Loop]: start looping")

	var tempDelay time.Duration
	for !l.quit.Load() {
		l.activeChannels = l.activeChannels[:0]
		now, active, err := l.poller.Poll(l.pollTimeoutMs, l.activeChannels)
		l.activeChannels = active
		l.pollReturnTime = now
		l.iteration++

		if err != nil {
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if max := 500 * time.Millisecond; tempDelay > max {
				tempDelay = max
			}
			l.logger().Errorf("[Poller.Poll]: %s (%s)", err.Error(), errclass.New(err))
			time.Sleep(tempDelay)
		} else {
			tempDelay = 0
		}

		l.eventHandling = true
		for _, ch := range l.activeChannels {
			l.current = ch.(*Channel)
			l.current.HandleEvent(now)
		}
		l.current = nil
		l.eventHandling = false

		l.doPendingFunctors()
	}

	for i := range l.activeChannels {
		l.activeChannels[i] = nil
	}
	l.activeChannels = l.activeChannels[:0]
	l.looping.Store(false)
	l.finished = true
	l.logger().Debugf("[EventLoop.Loop]: stop looping after %d iterations", l.iteration)
}

// Quit asks the loop to stop after the current iteration. It is idempotent
// and safe to call from any goroutine.
func (l *EventLoop) Quit() {
	l.quit.Store(true)
	if !l.IsInLoopThread() {
		l.wakeup()
	}
}

// RunInLoop runs fn immediately when called from the loop goroutine and
// queues it otherwise.
func (l *EventLoop) RunInLoop(fn Functor) {
	if l.IsInLoopThread() {
		fn()
		return
	}
	l.QueueInLoop(fn)
}

// QueueInLoop always defers fn to the end of the current or next iteration.
// Once the loop is closed fn is dropped and the drop is logged.
func (l *EventLoop) QueueInLoop(fn Functor) {
	l.mu.Lock()
	if l.closed.Load() {
		l.mu.Unlock()
		l.logger().Warningf("[EventLoop.QueueInLoop]: loop closed, functor dropped")
		return
	}
	l.pendingFunctors.Add(fn)
	l.mu.Unlock()

	if !l.IsInLoopThread() || l.callingPendingFunctors.Load() {
		l.wakeup()
	}
}

func (l *EventLoop) QueueSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pendingFunctors.Length()
}

// RunAt schedules cb at when on the loop goroutine.
func (l *EventLoop) RunAt(when time.Time, cb TimerCallback) TimerID {
	return l.timerQueue.addTimer(cb, when, 0)
}

func (l *EventLoop) RunAfter(delay time.Duration, cb TimerCallback) TimerID {
	return l.RunAt(time.Now().Add(delay), cb)
}

// RunEvery schedules cb every interval, the first run one interval from now.
func (l *EventLoop) RunEvery(interval time.Duration, cb TimerCallback) TimerID {
	return l.timerQueue.addTimer(cb, time.Now().Add(interval), interval)
}

func (l *EventLoop) Cancel(id TimerID) {
	l.timerQueue.cancel(id)
}

func (l *EventLoop) UpdateChannel(ch *Channel) {
	runtimex.Assert(ch.OwnerLoop() == l)
	l.AssertInLoopThread()
	l.poller.UpdateChannel(ch)
}

func (l *EventLoop) RemoveChannel(ch *Channel) {
	runtimex.Assert(ch.OwnerLoop() == l)
	l.AssertInLoopThread()
	if l.eventHandling {
		runtimex.Assert(l.current == ch || !l.isActive(ch))
	}
	l.poller.RemoveChannel(ch)
}

func (l *EventLoop) HasChannel(ch *Channel) bool {
	runtimex.Assert(ch.OwnerLoop() == l)
	l.AssertInLoopThread()
	return l.poller.HasChannel(ch)
}

func (l *EventLoop) AssertInLoopThread() {
	if !l.IsInLoopThread() {
		l.abortNotInLoopThread()
	}
}

func (l *EventLoop) IsInLoopThread() bool {
	return goroutineID() == l.goid
}

func (l *EventLoop) ID() uint64                { return l.id }
func (l *EventLoop) Iteration() uint64         { return l.iteration }
func (l *EventLoop) PollReturnTime() time.Time { return l.pollReturnTime }
func (l *EventLoop) EventHandling() bool       { return l.eventHandling }

func (l *EventLoop) SetPollTimeout(d time.Duration) {
	l.pollTimeoutMs = int(d / time.Millisecond)
}

func (l *EventLoop) PollTimeout() time.Duration {
	return time.Duration(l.pollTimeoutMs) * time.Millisecond
}

func (l *EventLoop) String() string {
	return fmt.Sprintf("EventLoop(%d)", l.id)
}

// Close releases the loop's descriptors and unbinds it from its goroutine.
// It must be called from the loop goroutine after Loop has returned (or if
// Loop never ran). Functors queued after the last iteration are run first.
func (l *EventLoop) Close() error {
	runtimex.Assert(!l.looping.Load())
	l.AssertInLoopThread()
	if l.closed.Load() {
		return ErrLoopClosed
	}

	l.doPendingFunctors()

	l.timerQueue.close()
	l.wakeupChannel.DisableAll()
	l.wakeupChannel.Remove()
	l.wakeupChannel.Release()

	l.mu.Lock()
	l.closed.Store(true)
	closeWakeupFds(l.wakeupFd, l.wakeupWriteFd)
	l.mu.Unlock()
	l.doPendingFunctors()

	err := l.poller.Close()
	currentLoops.CompareAndDelete(l.goid, l)
	l.logger().Debugf("[EventLoop.Close]: closed")
	return err
}

func (l *EventLoop) wakeup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return
	}
	if _, err := unix.Write(l.wakeupWriteFd, wakeupBytes); err != nil && !errors.Is(err, unix.EAGAIN) {
		l.logger().Errorf("[EventLoop.wakeup]: %s", err.Error())
	}
}

func (l *EventLoop) handleWakeupRead(now time.Time) {
	drainFd(l.wakeupFd)
}

func (l *EventLoop) doPendingFunctors() {
	l.callingPendingFunctors.Store(true)
	defer l.callingPendingFunctors.Store(false)

	l.mu.Lock()
	fns := l.pendingFunctors
	l.pendingFunctors = l.spareFunctors
	l.mu.Unlock()

	for fns.Length() > 0 {
		fns.Remove().(Functor)()
	}
	l.spareFunctors = fns
}

func (l *EventLoop) isActive(ch *Channel) bool {
	for _, c := range l.activeChannels {
		if c == poller.Channel(ch) {
			return true
		}
	}
	return false
}

func (l *EventLoop) abortNotInLoopThread() {
	gid := goroutineID()
	l.logger().Errorf("[EventLoop.AssertInLoopThread]: loop %d was created in goroutine %d, current goroutine is %d", l.id, l.goid, gid)
	panic(fmt.Sprintf("neptune: EventLoop %d used from goroutine %d, owner is goroutine %d", l.id, gid, l.goid))
}

func (l *EventLoop) logger() evlog.Logger {
	return evlog.WithFields(evlog.Fields{"loop": l.id})
}

// drainFd reads a non-blocking descriptor until it would block.
func drainFd(fd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if err != nil || n <= 0 {
			return
		}
	}
}
