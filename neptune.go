// Package neptune is a one-loop-per-thread reactor. An EventLoop owns a
// readiness poller and dispatches events to Channels; TCPServer accepts
// connections on its own loop and hands each TCPConnection to a worker loop
// picked round-robin. All Channel and poller state is touched only from the
// goroutine that owns the loop; RunInLoop and QueueInLoop are the only way in
// from other goroutines.
package neptune

import (
	"bytes"
	"errors"
	"net"
	"time"

	"github.com/dreamans/neptune/evlog"
	"github.com/dreamans/neptune/poller"
)

var (
	ErrServerClosed     = errors.New("neptune: server closed")
	ErrServerStarted    = errors.New("neptune: server already started")
	ErrConnectionClosed = errors.New("neptune: connection closed")
	ErrLoopClosed       = errors.New("neptune: event loop closed")
)

type (
	Functor               func()
	TimerCallback         func()
	EventCallback         func()
	ReadEventCallback     func(now time.Time)
	ThreadInitCallback    func(loop *EventLoop)
	NewConnectionCallback func(fd int, peer *net.TCPAddr)
	ConnectionCallback    func(c *TCPConnection)
	CloseCallback         func(c *TCPConnection)
	WriteCompleteCallback func(c *TCPConnection)
	HighWaterMarkCallback func(c *TCPConnection, queued int)
	MessageCallback       func(c *TCPConnection, buf *bytes.Buffer, now time.Time)
)

const (
	defaultPollTimeout   = 10 * time.Second
	defaultHighWaterMark = 64 * 1024 * 1024
	packetBufSize        = 0xFFFF
)

func defaultConnectionCallback(c *TCPConnection) {
	state := "DOWN"
	if c.Connected() {
		state = "UP"
	}
	evlog.Debugf("[Connection]: %s -> %s is %s", c.LocalAddr(), c.RemoteAddr(), state)
}

func defaultMessageCallback(c *TCPConnection, buf *bytes.Buffer, now time.Time) {
	buf.Reset()
}

type Options struct {
	Name        string
	Addr        string
	NumLoops    int
	ReusePort   bool
	PollTimeout time.Duration
	Poller      poller.Kind
}

func NewOptions() *Options {
	return &Options{}
}

func (opts *Options) SetName(name string) *Options {
	opts.Name = name
	return opts
}

func (opts *Options) SetAddr(addr string) *Options {
	opts.Addr = addr
	return opts
}

// SetNumLoops sets the number of worker loops. Zero keeps every connection on
// the server's own loop.
func (opts *Options) SetNumLoops(num int) *Options {
	opts.NumLoops = num
	return opts
}

func (opts *Options) SetReusePort(on bool) *Options {
	opts.ReusePort = on
	return opts
}

func (opts *Options) SetPollTimeout(d time.Duration) *Options {
	opts.PollTimeout = d
	return opts
}

func (opts *Options) SetPoller(kind poller.Kind) *Options {
	opts.Poller = kind
	return opts
}
