package neptune

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/bassosimone/runtimex"
	"golang.org/x/sync/errgroup"

	"github.com/dreamans/neptune/evlog"
	"github.com/dreamans/neptune/poller"
)

// EventLoopThread runs one EventLoop on a dedicated goroutine locked to its
// OS thread.
type EventLoopThread struct {
	name     string
	kind     poller.Kind
	callback ThreadInitCallback

	mu   sync.Mutex
	loop *EventLoop
	done chan struct{}
}

func NewEventLoopThread(cb ThreadInitCallback, name string) *EventLoopThread {
	return &EventLoopThread{
		name:     name,
		callback: cb,
	}
}

// StartLoop starts the goroutine and returns its loop once it is ready to
// accept functors.
func (t *EventLoopThread) StartLoop() (*EventLoop, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	runtimex.Assert(t.done == nil)

	type result struct {
		loop *EventLoop
		err  error
	}
	ready := make(chan result, 1)
	t.done = make(chan struct{})

	go func() {
		defer close(t.done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		loop, err := NewEventLoopWithPoller(t.kind)
		if err != nil {
			ready <- result{err: err}
			return
		}
		if t.callback != nil {
			t.callback(loop)
		}
		ready <- result{loop: loop}

		loop.Loop()
		if err := loop.Close(); err != nil {
			evlog.Errorf("[EventLoopThread]: %s: close loop: %s", t.name, err.Error())
		}
	}()

	r := <-ready
	if r.err != nil {
		return nil, fmt.Errorf("event loop thread %s: %w", t.name, r.err)
	}
	t.loop = r.loop
	return r.loop, nil
}

// Stop quits the loop and waits for its goroutine to exit.
func (t *EventLoopThread) Stop() {
	t.mu.Lock()
	loop, done := t.loop, t.done
	t.loop = nil
	t.mu.Unlock()

	if loop == nil {
		return
	}
	loop.Quit()
	<-done
}

func (t *EventLoopThread) Name() string { return t.name }

// EventLoopThreadPool hands out worker loops round-robin. With zero threads
// every caller gets the base loop.
type EventLoopThreadPool struct {
	baseLoop   *EventLoop
	name       string
	kind       poller.Kind
	started    bool
	numThreads int
	next       int
	threads    []*EventLoopThread
	loops      []*EventLoop
}

func NewEventLoopThreadPool(baseLoop *EventLoop, name string) *EventLoopThreadPool {
	return &EventLoopThreadPool{
		baseLoop: baseLoop,
		name:     name,
	}
}

func (p *EventLoopThreadPool) SetThreadNum(num int) {
	p.numThreads = num
}

func (p *EventLoopThreadPool) SetPoller(kind poller.Kind) {
	p.kind = kind
}

func (p *EventLoopThreadPool) Start(cb ThreadInitCallback) error {
	runtimex.Assert(!p.started)
	p.baseLoop.AssertInLoopThread()
	p.started = true

	for i := 0; i < p.numThreads; i++ {
		t := NewEventLoopThread(cb, fmt.Sprintf("%s%d", p.name, i))
		t.kind = p.kind
		loop, err := t.StartLoop()
		if err != nil {
			p.Stop()
			return err
		}
		p.threads = append(p.threads, t)
		p.loops = append(p.loops, loop)
	}
	if p.numThreads == 0 && cb != nil {
		cb(p.baseLoop)
	}
	return nil
}

func (p *EventLoopThreadPool) GetNextLoop() *EventLoop {
	p.baseLoop.AssertInLoopThread()
	runtimex.Assert(p.started)
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	loop := p.loops[p.next]
	p.next = (p.next + 1) % len(p.loops)
	return loop
}

// GetLoopForHash picks a worker loop deterministically from hashCode.
func (p *EventLoopThreadPool) GetLoopForHash(hashCode uint64) *EventLoop {
	p.baseLoop.AssertInLoopThread()
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	return p.loops[hashCode%uint64(len(p.loops))]
}

func (p *EventLoopThreadPool) GetAllLoops() []*EventLoop {
	p.baseLoop.AssertInLoopThread()
	runtimex.Assert(p.started)
	if len(p.loops) == 0 {
		return []*EventLoop{p.baseLoop}
	}
	return append([]*EventLoop(nil), p.loops...)
}

func (p *EventLoopThreadPool) Started() bool { return p.started }
func (p *EventLoopThreadPool) Name() string  { return p.name }

// Stop quits every worker loop and waits for all of them to exit.
func (p *EventLoopThreadPool) Stop() {
	var g errgroup.Group
	for _, t := range p.threads {
		g.Go(func() error {
			t.Stop()
			return nil
		})
	}
	_ = g.Wait()
	p.threads = nil
	p.loops = nil
}
