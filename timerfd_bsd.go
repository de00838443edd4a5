//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package neptune

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pipeTimer emulates a timerfd with a pipe written by a runtime timer.
type pipeTimer struct {
	mu     sync.Mutex
	rfd    int
	wfd    int
	timer  *time.Timer
	closed bool
}

func newTimerSource() (timerSource, error) {
	rfd, wfd, err := nonblockingPipe()
	if err != nil {
		return nil, err
	}
	return &pipeTimer{rfd: rfd, wfd: wfd}, nil
}

func (t *pipeTimer) fd() int { return t.rfd }

func (t *pipeTimer) arm(when time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(delayUntil(when), t.fire)
	return nil
}

func (t *pipeTimer) fire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		_, _ = unix.Write(t.wfd, []byte{1})
	}
}

func (t *pipeTimer) drain() {
	drainFd(t.rfd)
}

func (t *pipeTimer) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.closed = true
	_ = unix.Close(t.wfd)
	return unix.Close(t.rfd)
}
