package neptune

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/errclass"
	"github.com/bassosimone/runtimex"
	"golang.org/x/sys/unix"

	"github.com/dreamans/neptune/evlog"
	"github.com/dreamans/neptune/sockets"
)

type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

var connBufferPool = sync.Pool{
	New: func() interface{} {
		return &bytes.Buffer{}
	},
}

// TCPConnection is one accepted socket bound to a single EventLoop for its
// whole life. Send, Shutdown and ForceClose may be called from any goroutine;
// everything else runs on the owning loop.
type TCPConnection struct {
	loop    *EventLoop
	name    string
	state   atomic.Int32
	reading bool

	fd        int
	channel   *Channel
	localAddr *net.TCPAddr
	peerAddr  *net.TCPAddr

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	closeCallback         CloseCallback
	highWaterMark         int

	inputBuffer  *bytes.Buffer
	outputBuffer *bytes.Buffer

	ctx       context.Context
	destroyed atomic.Bool
}

func newTCPConnection(loop *EventLoop, name string, fd int, localAddr, peerAddr *net.TCPAddr) *TCPConnection {
	c := &TCPConnection{
		loop:               loop,
		name:               name,
		fd:                 fd,
		localAddr:          localAddr,
		peerAddr:           peerAddr,
		connectionCallback: defaultConnectionCallback,
		messageCallback:    defaultMessageCallback,
		highWaterMark:      defaultHighWaterMark,
		inputBuffer:        connBufferPool.Get().(*bytes.Buffer),
		outputBuffer:       connBufferPool.Get().(*bytes.Buffer),
		ctx:                context.Background(),
	}
	c.inputBuffer.Reset()
	c.outputBuffer.Reset()
	c.state.Store(int32(StateConnecting))

	c.channel = NewChannel(loop, fd)
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)

	if err := sockets.SetKeepAlive(fd, true); err != nil {
		evlog.Warningf("[TCPConnection]: %s: set keepalive: %s", name, err.Error())
	}
	evlog.Debugf("[NewConnection]: %s fd=%d loc %s <--> remote %s", name, fd, localAddr, peerAddr)
	return c
}

func (c *TCPConnection) Loop() *EventLoop { return c.loop }
func (c *TCPConnection) Name() string     { return c.name }
func (c *TCPConnection) Fd() int          { return c.fd }
func (c *TCPConnection) State() ConnState { return ConnState(c.state.Load()) }
func (c *TCPConnection) Connected() bool  { return c.State() == StateConnected }

func (c *TCPConnection) Disconnected() bool { return c.State() == StateDisconnected }

// Alive reports whether the connection has not been destroyed yet; it guards
// event dispatch on the connection's Channel.
func (c *TCPConnection) Alive() bool { return !c.destroyed.Load() }

func (c *TCPConnection) LocalAddr() net.Addr  { return c.localAddr }
func (c *TCPConnection) RemoteAddr() net.Addr { return c.peerAddr }

func (c *TCPConnection) Context() context.Context { return c.ctx }

func (c *TCPConnection) SetContext(ctx context.Context) { c.ctx = ctx }

// InputBuffer is only safe to use on the loop goroutine.
func (c *TCPConnection) InputBuffer() *bytes.Buffer { return c.inputBuffer }

func (c *TCPConnection) SetConnectionCallback(cb ConnectionCallback) { c.connectionCallback = cb }
func (c *TCPConnection) SetMessageCallback(cb MessageCallback)       { c.messageCallback = cb }

func (c *TCPConnection) SetWriteCompleteCallback(cb WriteCompleteCallback) {
	c.writeCompleteCallback = cb
}

func (c *TCPConnection) SetHighWaterMarkCallback(cb HighWaterMarkCallback, highWaterMark int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = highWaterMark
}

func (c *TCPConnection) setCloseCallback(cb CloseCallback) { c.closeCallback = cb }

func (c *TCPConnection) SetTCPNoDelay(on bool) error {
	return sockets.SetTCPNoDelay(c.fd, on)
}

// Send queues data for writing. The slice is copied when the call is made
// off the loop goroutine.
func (c *TCPConnection) Send(data []byte) error {
	if c.State() != StateConnected {
		return ErrConnectionClosed
	}
	if len(data) == 0 {
		return nil
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(data)
		return nil
	}
	buf := append([]byte(nil), data...)
	c.loop.RunInLoop(func() {
		c.sendInLoop(buf)
	})
	return nil
}

func (c *TCPConnection) SendString(s string) error {
	return c.Send([]byte(s))
}

func (c *TCPConnection) sendInLoop(data []byte) {
	c.loop.AssertInLoopThread()
	if c.State() == StateDisconnected {
		evlog.Warningf("[TCPConnection.sendInLoop]: %s disconnected, give up writing", c.name)
		return
	}

	var nwrote int
	remaining := len(data)
	faultError := false
	if !c.channel.IsWriting() && c.outputBuffer.Len() == 0 {
		n, err := sockets.Write(c.fd, data)
		if err == nil && n >= 0 {
			nwrote = n
			remaining -= n
			if remaining == 0 && c.writeCompleteCallback != nil {
				c.loop.QueueInLoop(func() {
					c.writeCompleteCallback(c)
				})
			}
		} else if !errors.Is(err, unix.EAGAIN) {
			evlog.Errorf("[TCPConnection.sendInLoop]: %s: write: %s (%s)", c.name, err.Error(), errclass.New(err))
			if errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET) {
				faultError = true
			}
		}
	}

	runtimex.Assert(remaining <= len(data))
	if faultError || remaining == 0 {
		return
	}
	oldLen := c.outputBuffer.Len()
	if oldLen+remaining >= c.highWaterMark && oldLen < c.highWaterMark && c.highWaterMarkCallback != nil {
		queued := oldLen + remaining
		c.loop.QueueInLoop(func() {
			c.highWaterMarkCallback(c, queued)
		})
	}
	c.outputBuffer.Write(data[nwrote:])
	if !c.channel.IsWriting() {
		c.channel.EnableWriting()
	}
}

// Shutdown half-closes the connection once queued output has been written.
func (c *TCPConnection) Shutdown() {
	if c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnecting)) {
		c.loop.RunInLoop(c.shutdownInLoop)
	}
}

func (c *TCPConnection) shutdownInLoop() {
	c.loop.AssertInLoopThread()
	if !c.channel.IsWriting() {
		if err := sockets.ShutdownWrite(c.fd); err != nil {
			evlog.Errorf("[TCPConnection.shutdownInLoop]: %s: %s", c.name, err.Error())
		}
	}
}

// ForceClose closes the connection without waiting for queued output.
func (c *TCPConnection) ForceClose() {
	st := c.State()
	if st == StateConnected || st == StateDisconnecting {
		c.state.Store(int32(StateDisconnecting))
		c.loop.QueueInLoop(c.forceCloseInLoop)
	}
}

func (c *TCPConnection) ForceCloseWithDelay(delay time.Duration) {
	st := c.State()
	if st == StateConnected || st == StateDisconnecting {
		c.state.Store(int32(StateDisconnecting))
		c.loop.RunAfter(delay, c.ForceClose)
	}
}

func (c *TCPConnection) forceCloseInLoop() {
	c.loop.AssertInLoopThread()
	st := c.State()
	if st == StateConnected || st == StateDisconnecting {
		c.handleClose()
	}
}

func (c *TCPConnection) StartRead() {
	c.loop.RunInLoop(func() {
		if !c.reading || !c.channel.IsReading() {
			c.channel.EnableReading()
			c.reading = true
		}
	})
}

func (c *TCPConnection) StopRead() {
	c.loop.RunInLoop(func() {
		if c.reading || c.channel.IsReading() {
			c.channel.DisableReading()
			c.reading = false
		}
	})
}

func (c *TCPConnection) IsReading() bool { return c.reading }

// connectEstablished runs on the connection's loop once, right after accept.
func (c *TCPConnection) connectEstablished() {
	c.loop.AssertInLoopThread()
	runtimex.Assert(c.State() == StateConnecting)
	c.state.Store(int32(StateConnected))
	Tie(c.channel, c)
	c.channel.EnableReading()
	c.reading = true
	c.connectionCallback(c)
}

// connectDestroyed is the last thing that happens to a connection: the
// Channel leaves the poller and the socket is closed.
func (c *TCPConnection) connectDestroyed() {
	c.loop.AssertInLoopThread()
	if c.destroyed.Load() {
		return
	}
	if c.State() == StateConnected {
		c.state.Store(int32(StateDisconnected))
		c.channel.DisableAll()
		c.connectionCallback(c)
	}
	if !c.channel.IsNoneEvent() {
		c.channel.DisableAll()
	}
	c.channel.Remove()
	c.channel.Release()
	c.destroyed.Store(true)

	if err := sockets.Close(c.fd); err != nil {
		evlog.Errorf("[TCPConnection.connectDestroyed]: %s: close: %s", c.name, err.Error())
	}
	connBufferPool.Put(c.inputBuffer)
	connBufferPool.Put(c.outputBuffer)
	evlog.Debugf("[HandleClose]: %s loc %s <-x-> remote %s", c.name, c.localAddr, c.peerAddr)
}

func (c *TCPConnection) handleRead(now time.Time) {
	c.loop.AssertInLoopThread()
	buf := c.loop.packet
	n, err := sockets.Read(c.fd, buf)
	switch {
	case n > 0:
		c.inputBuffer.Write(buf[:n])
		c.messageCallback(c, c.inputBuffer, now)
	case err == nil:
		c.handleClose()
	case sockets.TemporaryErr(err):
	default:
		evlog.Errorf("[TCPConnection.handleRead]: %s: read: %s (%s)", c.name, err.Error(), errclass.New(err))
		c.handleClose()
	}
}

func (c *TCPConnection) handleWrite() {
	c.loop.AssertInLoopThread()
	if !c.channel.IsWriting() {
		evlog.Debugf("[TCPConnection.handleWrite]: %s fd=%d is down, no more writing", c.name, c.fd)
		return
	}
	n, err := sockets.Write(c.fd, c.outputBuffer.Bytes())
	if err != nil {
		if !sockets.TemporaryErr(err) {
			evlog.Errorf("[TCPConnection.handleWrite]: %s: write: %s (%s)", c.name, err.Error(), errclass.New(err))
		}
		return
	}
	c.outputBuffer.Next(n)
	if c.outputBuffer.Len() > 0 {
		return
	}
	c.channel.DisableWriting()
	if c.writeCompleteCallback != nil {
		c.loop.QueueInLoop(func() {
			c.writeCompleteCallback(c)
		})
	}
	if c.State() == StateDisconnecting {
		c.shutdownInLoop()
	}
}

// handleClose may be reached twice in one dispatch (hang-up and then a zero
// byte read); only the first call does anything.
func (c *TCPConnection) handleClose() {
	c.loop.AssertInLoopThread()
	st := c.State()
	if st == StateDisconnected {
		return
	}
	runtimex.Assert(st == StateConnected || st == StateDisconnecting)
	c.state.Store(int32(StateDisconnected))
	c.channel.DisableAll()

	c.connectionCallback(c)
	if c.closeCallback != nil {
		c.closeCallback(c)
	}
}

func (c *TCPConnection) handleError() {
	err := sockets.GetSocketError(c.fd)
	if err == nil {
		return
	}
	evlog.Errorf("[TCPConnection.handleError]: %s: SO_ERROR = %s (%s)", c.name, err.Error(), errclass.New(err))
}
