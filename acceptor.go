package neptune

import (
	"errors"
	"net"
	"time"

	"github.com/bassosimone/errclass"
	"github.com/joeycumines/go-catrate"
	"golang.org/x/sys/unix"

	"github.com/dreamans/neptune/evlog"
	"github.com/dreamans/neptune/sockets"
)

const (
	maxAcceptPerEvent = 64
	minAcceptBackoff  = 5 * time.Millisecond
	maxAcceptBackoff  = time.Second
)

// acceptErrLimiter caps accept failure logs per error class.
var acceptErrLimiter = catrate.NewLimiter(map[time.Duration]int{
	time.Second: 2,
	time.Minute: 20,
})

// Acceptor owns a listening socket and turns its readability into
// NewConnectionCallback invocations. When accept fails because the process is
// out of descriptors, read interest is dropped and restored after a backoff
// instead of spinning on a listener that stays readable.
type Acceptor struct {
	loop      *EventLoop
	fd        int
	addr      *net.TCPAddr
	channel   *Channel
	listening bool
	closed    bool
	backoff   time.Duration
	paused    bool

	newConnectionCallback NewConnectionCallback
}

func NewAcceptor(loop *EventLoop, listenAddr *net.TCPAddr, reusePort bool) (*Acceptor, error) {
	family, _, err := sockets.TCPAddrToSockaddr(listenAddr)
	if err != nil {
		return nil, err
	}
	fd, err := sockets.CreateNonblocking(family)
	if err != nil {
		return nil, err
	}
	if err := sockets.SetReuseAddr(fd, true); err != nil {
		_ = sockets.Close(fd)
		return nil, err
	}
	if reusePort {
		if err := sockets.SetReusePort(fd, true); err != nil {
			_ = sockets.Close(fd)
			return nil, err
		}
	}
	if err := sockets.Bind(fd, listenAddr); err != nil {
		_ = sockets.Close(fd)
		return nil, err
	}
	addr, err := sockets.LocalAddr(fd)
	if err != nil {
		_ = sockets.Close(fd)
		return nil, err
	}

	a := &Acceptor{
		loop: loop,
		fd:   fd,
		addr: addr,
	}
	a.channel = NewChannel(loop, fd)
	a.channel.SetReadCallback(a.handleRead)
	return a, nil
}

func (a *Acceptor) SetNewConnectionCallback(cb NewConnectionCallback) {
	a.newConnectionCallback = cb
}

func (a *Acceptor) Listen() error {
	a.loop.AssertInLoopThread()
	if err := sockets.Listen(a.fd); err != nil {
		return err
	}
	a.listening = true
	a.channel.EnableReading()
	return nil
}

func (a *Acceptor) Listening() bool { return a.listening }

// Addr is the bound address, with the kernel-assigned port when the caller
// asked for port 0.
func (a *Acceptor) Addr() *net.TCPAddr { return a.addr }

func (a *Acceptor) handleRead(now time.Time) {
	a.loop.AssertInLoopThread()
	for i := 0; i < maxAcceptPerEvent; i++ {
		connfd, sa, err := sockets.Accept(a.fd)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED), errors.Is(err, unix.EPROTO):
				continue
			case sockets.ResourceExhausted(err):
				a.pauseAccepting(err)
			default:
				logAcceptError(err, "")
			}
			return
		}
		a.backoff = 0

		peer := sockets.SockaddrToTCPAddr(sa)
		if a.newConnectionCallback == nil {
			_ = sockets.Close(connfd)
			continue
		}
		a.newConnectionCallback(connfd, peer)
	}
}

func (a *Acceptor) pauseAccepting(err error) {
	if a.backoff == 0 {
		a.backoff = minAcceptBackoff
	} else {
		a.backoff *= 2
	}
	if a.backoff > maxAcceptBackoff {
		a.backoff = maxAcceptBackoff
	}
	logAcceptError(err, ", pausing for "+a.backoff.String())

	a.paused = true
	a.channel.DisableReading()
	a.loop.RunAfter(a.backoff, a.resumeAccepting)
}

func (a *Acceptor) resumeAccepting() {
	if a.closed || !a.paused {
		return
	}
	a.paused = false
	a.channel.EnableReading()
}

// Close stops listening and closes the socket. It must run on the loop.
func (a *Acceptor) Close() error {
	a.loop.AssertInLoopThread()
	if a.closed {
		return nil
	}
	a.closed = true
	a.listening = false
	a.channel.DisableAll()
	a.channel.Remove()
	a.channel.Release()
	return sockets.Close(a.fd)
}

func logAcceptError(err error, suffix string) {
	class := errclass.New(err)
	if _, ok := acceptErrLimiter.Allow(class); ok {
		evlog.Errorf("[Acceptor.handleRead]: accept: %s (%s)%s", err.Error(), class, suffix)
		return
	}
	evlog.Debugf("[Acceptor.handleRead]: accept: %s (%s)%s", err.Error(), class, suffix)
}
