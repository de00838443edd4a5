package poller

import (
	"errors"
	"fmt"
	"time"

	"github.com/bassosimone/errclass"
	"github.com/bassosimone/runtimex"
	"golang.org/x/sys/unix"

	"github.com/dreamans/neptune/evlog"
)

// Channel.Index states for the epoll backend.
const (
	indexNew     = -1
	indexAdded   = 1
	indexDeleted = 2
)

const platformKind = KindEpoll

// Epoll is the epoll(7) backend, level triggered. Active channels are
// reported in the order epoll_wait returns them.
type Epoll struct {
	fd       int
	owner    Owner
	events   []unix.EpollEvent
	channels map[int]Channel
}

func NewEpoll(owner Owner) (*Epoll, error) {
	if owner == nil {
		owner = noopOwner{}
	}
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &Epoll{
		fd:       fd,
		owner:    owner,
		events:   make([]unix.EpollEvent, initEventListSize),
		channels: make(map[int]Channel),
	}, nil
}

func newPlatformPoller(kind Kind, owner Owner) (Poller, error) {
	if kind != KindEpoll {
		return nil, ErrUnsupportedKind
	}
	return NewEpoll(owner)
}

func (ep *Epoll) Poll(timeoutMs int, active []Channel) (time.Time, []Channel, error) {
	n, err := unix.EpollWait(ep.fd, ep.events, timeoutMs)
	now := time.Now()
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return now, active, nil
		}
		return now, active, err
	}
	for i := 0; i < n; i++ {
		fd := int(ep.events[i].Fd)
		ch, ok := ep.channels[fd]
		if !ok {
			continue
		}
		ch.SetRevents(fromEpollEvents(ep.events[i].Events))
		active = append(active, ch)
	}
	if n == len(ep.events) {
		ep.events = make([]unix.EpollEvent, len(ep.events)*2)
	}
	return now, active, nil
}

func (ep *Epoll) UpdateChannel(ch Channel) {
	ep.owner.AssertInLoopThread()
	fd := ch.Fd()
	switch ch.Index() {
	case indexNew, indexDeleted:
		if ch.Index() == indexNew {
			_, exists := ep.channels[fd]
			runtimex.Assert(!exists)
			ep.channels[fd] = ch
		} else {
			runtimex.Assert(ep.channels[fd] == ch)
		}
		if ch.IsNoneEvent() {
			ch.SetIndex(indexDeleted)
			return
		}
		ch.SetIndex(indexAdded)
		ep.ctl(unix.EPOLL_CTL_ADD, ch)
	default:
		runtimex.Assert(ep.channels[fd] == ch)
		runtimex.Assert(ch.Index() == indexAdded)
		if ch.IsNoneEvent() {
			ep.ctl(unix.EPOLL_CTL_DEL, ch)
			ch.SetIndex(indexDeleted)
			return
		}
		ep.ctl(unix.EPOLL_CTL_MOD, ch)
	}
}

func (ep *Epoll) RemoveChannel(ch Channel) {
	ep.owner.AssertInLoopThread()
	fd := ch.Fd()
	runtimex.Assert(ep.channels[fd] == ch)
	runtimex.Assert(ch.IsNoneEvent())
	idx := ch.Index()
	runtimex.Assert(idx == indexAdded || idx == indexDeleted)
	delete(ep.channels, fd)
	if idx == indexAdded {
		ep.ctl(unix.EPOLL_CTL_DEL, ch)
	}
	ch.SetIndex(indexNew)
}

func (ep *Epoll) HasChannel(ch Channel) bool {
	ep.owner.AssertInLoopThread()
	c, ok := ep.channels[ch.Fd()]
	return ok && c == ch
}

func (ep *Epoll) Close() error {
	return unix.Close(ep.fd)
}

func (ep *Epoll) ctl(op int, ch Channel) {
	ev := &unix.EpollEvent{
		Events: toEpollEvents(ch.Events()),
		Fd:     int32(ch.Fd()),
	}
	if err := unix.EpollCtl(ep.fd, op, ch.Fd(), ev); err != nil {
		evlog.Errorf("[unix.EpollCtl]: op=%s fd=%d: %s (%s)", epollOpName(op), ch.Fd(), err.Error(), errclass.New(err))
	}
}

func epollOpName(op int) string {
	switch op {
	case unix.EPOLL_CTL_ADD:
		return "ADD"
	case unix.EPOLL_CTL_MOD:
		return "MOD"
	case unix.EPOLL_CTL_DEL:
		return "DEL"
	default:
		return "UNKNOWN"
	}
}

func toEpollEvents(e Event) uint32 {
	var ev uint32
	if e&EventIn != 0 {
		ev |= unix.EPOLLIN
	}
	if e&EventPri != 0 {
		ev |= unix.EPOLLPRI
	}
	if e&EventOut != 0 {
		ev |= unix.EPOLLOUT
	}
	if e&EventRdHup != 0 {
		ev |= unix.EPOLLRDHUP
	}
	return ev
}

func fromEpollEvents(events uint32) Event {
	var e Event
	if events&unix.EPOLLIN != 0 {
		e |= EventIn
	}
	if events&unix.EPOLLPRI != 0 {
		e |= EventPri
	}
	if events&unix.EPOLLOUT != 0 {
		e |= EventOut
	}
	if events&unix.EPOLLERR != 0 {
		e |= EventErr
	}
	if events&unix.EPOLLHUP != 0 {
		e |= EventHup
	}
	if events&unix.EPOLLRDHUP != 0 {
		e |= EventRdHup
	}
	return e
}
