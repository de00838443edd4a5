// Package poller implements the readiness multiplexing backends used by the
// neptune event loop. Every backend tracks a set of Channels keyed by file
// descriptor and turns one blocking OS wait into an ordered list of Channels
// with outstanding events.
//
// A Poller is owned by exactly one event loop and is not safe for concurrent
// use; the owner's AssertInLoopThread is checked on every mutation.
package poller

import (
	"errors"
	"os"
	"strings"
	"time"
)

type Event uint32

const (
	EventIn Event = 1 << iota
	EventPri
	EventOut
	EventErr
	EventHup
	EventNval
	EventRdHup
)

const (
	EventNone   Event = 0
	ReadEvents        = EventIn | EventPri
	WriteEvents       = EventOut
)

func (e Event) String() string {
	if e == EventNone {
		return "NONE"
	}
	names := []struct {
		bit  Event
		name string
	}{
		{EventIn, "IN"},
		{EventPri, "PRI"},
		{EventOut, "OUT"},
		{EventHup, "HUP"},
		{EventRdHup, "RDHUP"},
		{EventErr, "ERR"},
		{EventNval, "NVAL"},
	}
	var parts []string
	for _, n := range names {
		if e&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Channel is the per-descriptor state a Poller needs. Index is owned by the
// Poller: it is -1 until the Channel is first tracked.
type Channel interface {
	Fd() int
	Events() Event
	Revents() Event
	SetRevents(Event)
	Index() int
	SetIndex(int)
	IsNoneEvent() bool
}

// Owner is the event loop a Poller belongs to.
type Owner interface {
	AssertInLoopThread()
}

type Poller interface {
	// Poll blocks for at most timeoutMs milliseconds (forever when negative),
	// appends every Channel with pending events to active and returns the
	// time the wait returned.
	Poll(timeoutMs int, active []Channel) (time.Time, []Channel, error)
	UpdateChannel(ch Channel)
	RemoveChannel(ch Channel)
	HasChannel(ch Channel) bool
	Close() error
}

type Kind uint8

const (
	KindDefault Kind = iota
	KindPoll
	KindEpoll
	KindKqueue
)

func (k Kind) String() string {
	switch k {
	case KindPoll:
		return "poll"
	case KindEpoll:
		return "epoll"
	case KindKqueue:
		return "kqueue"
	default:
		return "default"
	}
}

// UsePollEnv forces the poll(2) backend when set to a non-empty value.
const UsePollEnv = "NEPTUNE_USE_POLL"

const initEventListSize = 16

var (
	ErrUnsupportedKind = errors.New("poller: backend not supported on this platform")
)

// DefaultKind returns the backend New picks for KindDefault.
func DefaultKind() Kind {
	if os.Getenv(UsePollEnv) != "" {
		return KindPoll
	}
	return platformKind
}

// New creates a backend of the given kind owned by owner. A nil owner skips
// thread checks, which is only useful in tests.
func New(kind Kind, owner Owner) (Poller, error) {
	if owner == nil {
		owner = noopOwner{}
	}
	if kind == KindDefault {
		kind = DefaultKind()
	}
	switch kind {
	case KindPoll:
		return NewPollPoller(owner), nil
	default:
		return newPlatformPoller(kind, owner)
	}
}

type noopOwner struct{}

func (noopOwner) AssertInLoopThread() {}
