package neptune

import (
	"time"

	"golang.org/x/sys/unix"
)

type timerFd struct {
	tfd int
}

func newTimerSource() (timerSource, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &timerFd{tfd: fd}, nil
}

func (t *timerFd) fd() int { return t.tfd }

func (t *timerFd) arm(when time.Time) error {
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(int64(delayUntil(when))),
	}
	return unix.TimerfdSettime(t.tfd, 0, &spec, nil)
}

func (t *timerFd) drain() {
	drainFd(t.tfd)
}

func (t *timerFd) close() error {
	return unix.Close(t.tfd)
}
