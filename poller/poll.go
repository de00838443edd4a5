//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package poller

import (
	"errors"
	"time"

	"github.com/bassosimone/runtimex"
	"golang.org/x/sys/unix"
)

// PollPoller is the poll(2) backend. Channel.Index is the slot in pollfds.
// A slot whose Channel has no interest keeps its entry with the fd encoded
// as -fd-1 so the kernel ignores it until RemoveChannel drops it.
type PollPoller struct {
	owner    Owner
	pollfds  []unix.PollFd
	channels map[int]Channel
}

func NewPollPoller(owner Owner) *PollPoller {
	if owner == nil {
		owner = noopOwner{}
	}
	return &PollPoller{
		owner:    owner,
		channels: make(map[int]Channel),
	}
}

func (p *PollPoller) Poll(timeoutMs int, active []Channel) (time.Time, []Channel, error) {
	n, err := unix.Poll(p.pollfds, timeoutMs)
	now := time.Now()
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return now, active, nil
		}
		return now, active, err
	}
	if n > 0 {
		active = p.fillActiveChannels(n, active)
	}
	return now, active, nil
}

func (p *PollPoller) fillActiveChannels(numEvents int, active []Channel) []Channel {
	for i := 0; i < len(p.pollfds) && numEvents > 0; i++ {
		pfd := &p.pollfds[i]
		if pfd.Revents == 0 {
			continue
		}
		numEvents--
		ch, ok := p.channels[int(pfd.Fd)]
		runtimex.Assert(ok)
		runtimex.Assert(ch.Fd() == int(pfd.Fd))
		ch.SetRevents(fromPollEvents(pfd.Revents))
		active = append(active, ch)
	}
	return active
}

func (p *PollPoller) UpdateChannel(ch Channel) {
	p.owner.AssertInLoopThread()
	fd := ch.Fd()
	if ch.Index() < 0 {
		_, exists := p.channels[fd]
		runtimex.Assert(!exists)
		pfd := unix.PollFd{Fd: int32(fd), Events: toPollEvents(ch.Events())}
		if ch.IsNoneEvent() {
			pfd.Fd = int32(-fd - 1)
		}
		p.pollfds = append(p.pollfds, pfd)
		ch.SetIndex(len(p.pollfds) - 1)
		p.channels[fd] = ch
		return
	}

	runtimex.Assert(p.channels[fd] == ch)
	idx := ch.Index()
	runtimex.Assert(idx >= 0 && idx < len(p.pollfds))
	pfd := &p.pollfds[idx]
	runtimex.Assert(int(pfd.Fd) == fd || int(pfd.Fd) == -fd-1)
	pfd.Fd = int32(fd)
	pfd.Events = toPollEvents(ch.Events())
	pfd.Revents = 0
	if ch.IsNoneEvent() {
		pfd.Fd = int32(-fd - 1)
	}
}

func (p *PollPoller) RemoveChannel(ch Channel) {
	p.owner.AssertInLoopThread()
	fd := ch.Fd()
	runtimex.Assert(p.channels[fd] == ch)
	runtimex.Assert(ch.IsNoneEvent())
	idx := ch.Index()
	runtimex.Assert(idx >= 0 && idx < len(p.pollfds))
	runtimex.Assert(int(p.pollfds[idx].Fd) == -fd-1)

	delete(p.channels, fd)
	last := len(p.pollfds) - 1
	if idx != last {
		moved := int(p.pollfds[last].Fd)
		if moved < 0 {
			moved = -moved - 1
		}
		p.pollfds[idx] = p.pollfds[last]
		p.channels[moved].SetIndex(idx)
	}
	p.pollfds = p.pollfds[:last]
	ch.SetIndex(-1)
}

func (p *PollPoller) HasChannel(ch Channel) bool {
	p.owner.AssertInLoopThread()
	c, ok := p.channels[ch.Fd()]
	return ok && c == ch
}

func (p *PollPoller) Close() error {
	p.pollfds = nil
	p.channels = make(map[int]Channel)
	return nil
}

func toPollEvents(e Event) int16 {
	var ev int16
	if e&EventIn != 0 {
		ev |= unix.POLLIN
	}
	if e&EventPri != 0 {
		ev |= unix.POLLPRI
	}
	if e&EventOut != 0 {
		ev |= unix.POLLOUT
	}
	if e&EventRdHup != 0 {
		ev |= pollRdHup
	}
	return ev
}

func fromPollEvents(revents int16) Event {
	var e Event
	if revents&unix.POLLIN != 0 {
		e |= EventIn
	}
	if revents&unix.POLLPRI != 0 {
		e |= EventPri
	}
	if revents&unix.POLLOUT != 0 {
		e |= EventOut
	}
	if revents&unix.POLLERR != 0 {
		e |= EventErr
	}
	if revents&unix.POLLHUP != 0 {
		e |= EventHup
	}
	if revents&unix.POLLNVAL != 0 {
		e |= EventNval
	}
	if pollRdHup != 0 && revents&pollRdHup != 0 {
		e |= EventRdHup
	}
	return e
}
