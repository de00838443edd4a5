package neptune

import (
	"fmt"
	"time"
	"weak"

	"github.com/bassosimone/runtimex"

	"github.com/dreamans/neptune/evlog"
	"github.com/dreamans/neptune/poller"
)

// TieOwner is an object whose teardown must suppress any event still pending
// on one of its Channels.
type TieOwner interface {
	Alive() bool
}

// Channel binds one file descriptor's interest set to a set of callbacks. It
// never owns or closes the descriptor. A Channel belongs to a single
// EventLoop and must only be used from that loop's goroutine.
type Channel struct {
	loop    *EventLoop
	fd      int
	events  poller.Event
	revents poller.Event
	index   int
	logHup  bool

	owner func() TieOwner
	tied  bool

	eventHandling bool
	addedToLoop   bool
	released      bool

	readCallback  ReadEventCallback
	writeCallback EventCallback
	closeCallback EventCallback
	errorCallback EventCallback
}

func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{
		loop:   loop,
		fd:     fd,
		index:  -1,
		logHup: true,
	}
}

func (c *Channel) SetReadCallback(cb ReadEventCallback) { c.readCallback = cb }
func (c *Channel) SetWriteCallback(cb EventCallback)    { c.writeCallback = cb }
func (c *Channel) SetCloseCallback(cb EventCallback)    { c.closeCallback = cb }
func (c *Channel) SetErrorCallback(cb EventCallback)    { c.errorCallback = cb }

// Tie keeps a weak reference to owner. HandleEvent becomes a no-op once the
// owner has been collected or reports it is no longer alive.
func Tie[T any, P interface {
	*T
	TieOwner
}](c *Channel, owner P) {
	wp := weak.Make((*T)(owner))
	c.owner = func() TieOwner {
		if p := wp.Value(); p != nil {
			return P(p)
		}
		return nil
	}
	c.tied = true
}

func (c *Channel) Fd() int                         { return c.fd }
func (c *Channel) Events() poller.Event            { return c.events }
func (c *Channel) Revents() poller.Event           { return c.revents }
func (c *Channel) SetRevents(revents poller.Event) { c.revents = revents }
func (c *Channel) Index() int                      { return c.index }
func (c *Channel) SetIndex(idx int)                { c.index = idx }
func (c *Channel) IsNoneEvent() bool               { return c.events == poller.EventNone }
func (c *Channel) IsWriting() bool                 { return c.events&poller.WriteEvents != 0 }
func (c *Channel) IsReading() bool                 { return c.events&poller.ReadEvents != 0 }
func (c *Channel) OwnerLoop() *EventLoop           { return c.loop }
func (c *Channel) DoNotLogHup()                    { c.logHup = false }

func (c *Channel) EnableReading() {
	c.events |= poller.ReadEvents
	c.update()
}

func (c *Channel) DisableReading() {
	c.events &^= poller.ReadEvents
	c.update()
}

func (c *Channel) EnableWriting() {
	c.events |= poller.WriteEvents
	c.update()
}

func (c *Channel) DisableWriting() {
	c.events &^= poller.WriteEvents
	c.update()
}

func (c *Channel) DisableAll() {
	c.events = poller.EventNone
	c.update()
}

// Remove drops the Channel from its loop's poller. Interest must already be
// empty.
func (c *Channel) Remove() {
	runtimex.Assert(c.IsNoneEvent())
	c.addedToLoop = false
	c.loop.RemoveChannel(c)
}

// Release marks the Channel as finished. It panics if the Channel is still
// registered with its loop or is in the middle of dispatching an event.
func (c *Channel) Release() {
	runtimex.Assert(!c.eventHandling)
	runtimex.Assert(!c.addedToLoop)
	c.released = true
}

func (c *Channel) update() {
	runtimex.Assert(!c.released)
	c.addedToLoop = true
	c.loop.UpdateChannel(c)
}

// HandleEvent dispatches the last observed revents. A hang-up without
// pending input fires the close callback, and readable input is still
// delivered when the peer has hung up so remaining data can be drained.
func (c *Channel) HandleEvent(now time.Time) {
	if c.tied {
		owner := c.owner()
		if owner == nil || !owner.Alive() {
			return
		}
	}
	c.handleEventWithGuard(now)
}

func (c *Channel) handleEventWithGuard(now time.Time) {
	c.eventHandling = true
	defer func() { c.eventHandling = false }()

	revents := c.revents
	if revents&poller.EventHup != 0 && revents&poller.EventIn == 0 {
		if c.logHup {
			evlog.Warningf("[Channel.HandleEvent]: fd = %d POLLHUP", c.fd)
		}
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}
	if revents&poller.EventNval != 0 {
		evlog.Warningf("[Channel.HandleEvent]: fd = %d POLLNVAL", c.fd)
	}
	if revents&(poller.EventErr|poller.EventNval) != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
	if revents&(poller.EventIn|poller.EventPri|poller.EventRdHup|poller.EventHup) != 0 {
		if c.readCallback != nil {
			c.readCallback(now)
		}
	}
	if revents&poller.EventOut != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}

func (c *Channel) String() string {
	return fmt.Sprintf("%d: %s", c.fd, c.revents)
}

func (c *Channel) EventsString() string {
	return fmt.Sprintf("%d: %s", c.fd, c.events)
}
