//go:build darwin || freebsd || netbsd || openbsd || dragonfly

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

const platformKind = KindKqueue

// KQueue is the kqueue(2) backend. Interest changes are applied to the kernel
// immediately as EVFILT_READ/EVFILT_WRITE add/delete pairs. Channel.Index is
// the slot in an internal table that uses the same swap-to-end removal as
// PollPoller. A descriptor readable and writable in the same wait is reported
// once, at the position of its first kevent.
type KQueue struct {
	fd         int
	owner      Owner
	events     []unix.Kevent_t
	slots      []Channel
	channels   map[int]Channel
	registered map[int]Event
	seen       map[int]int
}

func NewKQueue(owner Owner) (*KQueue, error) {
	if owner == nil {
		owner = noopOwner{}
	}
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue create: %w", err)
	}
	unix.CloseOnExec(fd)
	return &KQueue{
		fd:         fd,
		owner:      owner,
		events:     make([]unix.Kevent_t, initEventListSize),
		channels:   make(map[int]Channel),
		registered: make(map[int]Event),
		seen:       make(map[int]int),
	}, nil
}

func newPlatformPoller(kind Kind, owner Owner) (Poller, error) {
	if kind != KindKqueue {
		return nil, ErrUnsupportedKind
	}
	return NewKQueue(owner)
}

func (kq *KQueue) Poll(timeoutMs int, active []Channel) (time.Time, []Channel, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * int64(time.Millisecond))
		ts = &t
	}
	n, err := unix.Kevent(kq.fd, nil, kq.events, ts)
	now := time.Now()
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return now, active, nil
		}
		return now, active, err
	}
	active = kq.fillActiveChannels(n, active)
	if n == len(kq.events) {
		kq.events = make([]unix.Kevent_t, len(kq.events)*2)
	}
	return now, active, nil
}

func (kq *KQueue) fillActiveChannels(n int, active []Channel) []Channel {
	clear(kq.seen)
	for i := 0; i < n; i++ {
		ev := &kq.events[i]
		fd := int(ev.Ident)
		ch, ok := kq.channels[fd]
		if !ok {
			continue
		}
		revents := fromKevent(ev)
		if pos, dup := kq.seen[fd]; dup {
			active[pos].SetRevents(active[pos].Revents() | revents)
			continue
		}
		kq.seen[fd] = len(active)
		ch.SetRevents(revents)
		active = append(active, ch)
	}
	return active
}

func (kq *KQueue) UpdateChannel(ch Channel) {
	kq.owner.AssertInLoopThread()
	fd := ch.Fd()
	if ch.Index() < 0 {
		_, exists := kq.channels[fd]
		runtimex.Assert(!exists)
		kq.slots = append(kq.slots, ch)
		ch.SetIndex(len(kq.slots) - 1)
		kq.channels[fd] = ch
	} else {
		runtimex.Assert(kq.channels[fd] == ch)
		runtimex.Assert(ch.Index() < len(kq.slots) && kq.slots[ch.Index()] == ch)
	}
	kq.sync(fd, ch.Events())
}

func (kq *KQueue) RemoveChannel(ch Channel) {
	kq.owner.AssertInLoopThread()
	fd := ch.Fd()
	runtimex.Assert(kq.channels[fd] == ch)
	runtimex.Assert(ch.IsNoneEvent())
	idx := ch.Index()
	runtimex.Assert(idx >= 0 && idx < len(kq.slots))

	kq.sync(fd, EventNone)
	delete(kq.channels, fd)
	delete(kq.registered, fd)
	last := len(kq.slots) - 1
	if idx != last {
		kq.slots[idx] = kq.slots[last]
		kq.slots[idx].SetIndex(idx)
	}
	kq.slots[last] = nil
	kq.slots = kq.slots[:last]
	ch.SetIndex(-1)
}

func (kq *KQueue) HasChannel(ch Channel) bool {
	kq.owner.AssertInLoopThread()
	c, ok := kq.channels[ch.Fd()]
	return ok && c == ch
}

func (kq *KQueue) Close() error {
	return unix.Close(kq.fd)
}

// sync diffs the wanted filters against what the kernel has for fd.
func (kq *KQueue) sync(fd int, events Event) {
	have := kq.registered[fd]
	var want Event
	if events&(EventIn|EventPri) != 0 {
		want |= EventIn
	}
	if events&EventOut != 0 {
		want |= EventOut
	}

	var changes []unix.Kevent_t
	changes = appendFilterChange(changes, fd, unix.EVFILT_READ, have&EventIn != 0, want&EventIn != 0)
	changes = appendFilterChange(changes, fd, unix.EVFILT_WRITE, have&EventOut != 0, want&EventOut != 0)
	kq.registered[fd] = want
	if len(changes) == 0 {
		return
	}
	if _, err := unix.Kevent(kq.fd, changes, nil, nil); err != nil && !errors.Is(err, unix.ENOENT) {
		evlog.Errorf("[unix.Kevent]: fd=%d: %s (%s)", fd, err.Error(), errclass.New(err))
	}
}

func appendFilterChange(changes []unix.Kevent_t, fd, filter int, have, want bool) []unix.Kevent_t {
	var ev unix.Kevent_t
	switch {
	case want && !have:
		unix.SetKevent(&ev, fd, filter, unix.EV_ADD)
	case have && !want:
		unix.SetKevent(&ev, fd, filter, unix.EV_DELETE)
	default:
		return changes
	}
	return append(changes, ev)
}

func fromKevent(ev *unix.Kevent_t) Event {
	var e Event
	switch ev.Filter {
	case unix.EVFILT_READ:
		e |= EventIn
		if ev.Flags&unix.EV_EOF != 0 {
			e |= EventRdHup
		}
	case unix.EVFILT_WRITE:
		e |= EventOut
		if ev.Flags&unix.EV_EOF != 0 {
			e |= EventHup
		}
	}
	if ev.Flags&unix.EV_ERROR != 0 {
		e |= EventErr
	}
	return e
}
