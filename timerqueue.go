package neptune

import (
	"container/heap"
	"sync/atomic"
	"time"

	"github.com/bassosimone/errclass"
)

var timerSeq atomic.Uint64

// TimerID identifies a timer for Cancel. The zero value matches no timer.
type TimerID struct {
	seq uint64
}

func (id TimerID) Valid() bool { return id.seq != 0 }

type timer struct {
	cb       TimerCallback
	when     time.Time
	interval time.Duration
	seq      uint64
	index    int
}

func (t *timer) repeat() bool { return t.interval > 0 }

type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// timerSource is a descriptor that becomes readable when armed time passes.
type timerSource interface {
	fd() int
	arm(when time.Time) error
	drain()
	close() error
}

// timerQueue keeps the loop's timers in a min-heap and drives them through a
// single always-readable Channel over a timerSource.
type timerQueue struct {
	loop    *EventLoop
	source  timerSource
	channel *Channel
	timers  timerHeap
	active  map[uint64]*timer

	callingExpiredTimers bool
	cancelingTimers      map[uint64]struct{}
}

func newTimerQueue(loop *EventLoop) (*timerQueue, error) {
	src, err := newTimerSource()
	if err != nil {
		return nil, err
	}
	tq := &timerQueue{
		loop:            loop,
		source:          src,
		active:          make(map[uint64]*timer),
		cancelingTimers: make(map[uint64]struct{}),
	}
	tq.channel = NewChannel(loop, src.fd())
	tq.channel.SetReadCallback(tq.handleRead)
	tq.channel.EnableReading()
	return tq, nil
}

func (tq *timerQueue) addTimer(cb TimerCallback, when time.Time, interval time.Duration) TimerID {
	t := &timer{
		cb:       cb,
		when:     when,
		interval: interval,
		seq:      timerSeq.Add(1),
		index:    -1,
	}
	tq.loop.RunInLoop(func() {
		tq.addTimerInLoop(t)
	})
	return TimerID{seq: t.seq}
}

func (tq *timerQueue) cancel(id TimerID) {
	tq.loop.RunInLoop(func() {
		tq.cancelInLoop(id)
	})
}

func (tq *timerQueue) addTimerInLoop(t *timer) {
	tq.loop.AssertInLoopThread()
	if tq.insert(t) {
		tq.rearm(t.when)
	}
}

func (tq *timerQueue) cancelInLoop(id TimerID) {
	tq.loop.AssertInLoopThread()
	if t, ok := tq.active[id.seq]; ok {
		heap.Remove(&tq.timers, t.index)
		delete(tq.active, id.seq)
		return
	}
	if tq.callingExpiredTimers {
		tq.cancelingTimers[id.seq] = struct{}{}
	}
}

func (tq *timerQueue) handleRead(now time.Time) {
	tq.loop.AssertInLoopThread()
	tq.source.drain()

	now = time.Now()
	expired := tq.getExpired(now)

	tq.callingExpiredTimers = true
	clear(tq.cancelingTimers)
	for _, t := range expired {
		t.cb()
	}
	tq.callingExpiredTimers = false

	tq.reset(expired, now)
}

func (tq *timerQueue) getExpired(now time.Time) []*timer {
	var expired []*timer
	for len(tq.timers) > 0 && !tq.timers[0].when.After(now) {
		t := heap.Pop(&tq.timers).(*timer)
		delete(tq.active, t.seq)
		expired = append(expired, t)
	}
	return expired
}

func (tq *timerQueue) reset(expired []*timer, now time.Time) {
	for _, t := range expired {
		if _, canceled := tq.cancelingTimers[t.seq]; t.repeat() && !canceled {
			t.when = now.Add(t.interval)
			tq.insert(t)
		}
	}
	if len(tq.timers) > 0 {
		tq.rearm(tq.timers[0].when)
	}
}

// insert reports whether t became the earliest timer.
func (tq *timerQueue) insert(t *timer) bool {
	heap.Push(&tq.timers, t)
	tq.active[t.seq] = t
	return tq.timers[0] == t
}

func (tq *timerQueue) rearm(when time.Time) {
	if err := tq.source.arm(when); err != nil {
		tq.loop.logger().Errorf("[timerQueue.rearm]: %s (%s)", err.Error(), errclass.New(err))
	}
}

func (tq *timerQueue) size() int {
	return len(tq.timers)
}

func (tq *timerQueue) close() {
	tq.channel.DisableAll()
	tq.channel.Remove()
	tq.channel.Release()
	_ = tq.source.close()
	tq.timers = nil
	clear(tq.active)
}

const minTimerDelay = 100 * time.Microsecond

func delayUntil(when time.Time) time.Duration {
	d := time.Until(when)
	if d < minTimerDelay {
		d = minTimerDelay
	}
	return d
}
