package neptune

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"

	"github.com/dreamans/neptune/evlog"
	"github.com/dreamans/neptune/sockets"
)

// TCPServer accepts connections on its own loop and spreads them over a pool
// of worker loops. The connection map is only touched on the server's loop.
type TCPServer struct {
	loop       *EventLoop
	name       string
	ipPort     string
	acceptor   *Acceptor
	threadPool *EventLoopThreadPool

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	threadInitCallback    ThreadInitCallback

	pollTimeout time.Duration
	started     atomic.Bool
	closed      bool
	nextConnID  uint64
	connections map[string]*TCPConnection
}

// NewTCPServer binds the listening socket immediately so Addr is known before
// Start. It must be called on loop's goroutine.
func NewTCPServer(loop *EventLoop, opts *Options) (*TCPServer, error) {
	runtimex.Assert(loop != nil)
	loop.AssertInLoopThread()
	if opts == nil {
		opts = NewOptions()
	}

	listenAddr, err := sockets.ResolveListenAddr(opts.Addr)
	if err != nil {
		return nil, err
	}
	acceptor, err := NewAcceptor(loop, listenAddr, opts.ReusePort)
	if err != nil {
		return nil, err
	}

	name := opts.Name
	if name == "" {
		name = runtimex.PanicOnError1(uuid.NewV7()).String()
	}
	s := &TCPServer{
		loop:               loop,
		name:               name,
		ipPort:             acceptor.Addr().String(),
		acceptor:           acceptor,
		threadPool:         NewEventLoopThreadPool(loop, name),
		pollTimeout:        opts.PollTimeout,
		connectionCallback: defaultConnectionCallback,
		messageCallback:    defaultMessageCallback,
		connections:        make(map[string]*TCPConnection),
	}
	s.threadPool.SetThreadNum(opts.NumLoops)
	s.threadPool.SetPoller(opts.Poller)
	acceptor.SetNewConnectionCallback(s.newConnection)
	return s, nil
}

func (s *TCPServer) Name() string       { return s.name }
func (s *TCPServer) IPPort() string     { return s.ipPort }
func (s *TCPServer) Addr() *net.TCPAddr { return s.acceptor.Addr() }
func (s *TCPServer) Loop() *EventLoop   { return s.loop }

func (s *TCPServer) ThreadPool() *EventLoopThreadPool { return s.threadPool }

// SetThreadNum must be called before Start.
func (s *TCPServer) SetThreadNum(num int) {
	runtimex.Assert(num >= 0)
	s.threadPool.SetThreadNum(num)
}

func (s *TCPServer) SetConnectionCallback(cb ConnectionCallback) { s.connectionCallback = cb }
func (s *TCPServer) SetMessageCallback(cb MessageCallback)       { s.messageCallback = cb }
func (s *TCPServer) SetThreadInitCallback(cb ThreadInitCallback) { s.threadInitCallback = cb }

func (s *TCPServer) SetWriteCompleteCallback(cb WriteCompleteCallback) {
	s.writeCompleteCallback = cb
}

// Start launches the worker loops and starts listening. It must be called on
// the server's loop; calling it twice returns ErrServerStarted.
func (s *TCPServer) Start() error {
	s.loop.AssertInLoopThread()
	if s.closed {
		return ErrServerClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrServerStarted
	}
	if err := s.threadPool.Start(s.threadInitCallback); err != nil {
		return err
	}
	if s.pollTimeout > 0 {
		s.loop.SetPollTimeout(s.pollTimeout)
		for _, loop := range s.threadPool.GetAllLoops() {
			loop.RunInLoop(func() {
				loop.SetPollTimeout(s.pollTimeout)
			})
		}
	}
	if err := s.acceptor.Listen(); err != nil {
		return err
	}
	evlog.Infof("[TCPServer.Start]: %s listening on %s with %d worker loops", s.name, s.ipPort, len(s.threadPool.loops))
	return nil
}

// ConnectionCount returns the number of live connections. It must be called
// on the server's loop.
func (s *TCPServer) ConnectionCount() int {
	s.loop.AssertInLoopThread()
	return len(s.connections)
}

func (s *TCPServer) newConnection(fd int, peer *net.TCPAddr) {
	s.loop.AssertInLoopThread()
	ioLoop := s.threadPool.GetNextLoop()
	s.nextConnID++
	connName := fmt.Sprintf("%s-%s#%d", s.name, s.ipPort, s.nextConnID)

	local, err := sockets.LocalAddr(fd)
	if err != nil {
		evlog.Errorf("[TCPServer.newConnection]: %s: getsockname: %s", connName, err.Error())
	}
	evlog.Infof("[TCPServer.newConnection]: [%s] new connection [%s] from %s", s.name, connName, peer)

	conn := newTCPConnection(ioLoop, connName, fd, local, peer)
	s.connections[connName] = conn
	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	conn.setCloseCallback(s.removeConnection)
	ioLoop.RunInLoop(conn.connectEstablished)
}

// removeConnection is the close callback of every connection; it runs on
// the connection's loop and hops to the server's loop.
func (s *TCPServer) removeConnection(conn *TCPConnection) {
	s.loop.RunInLoop(func() {
		s.removeConnectionInLoop(conn)
	})
}

func (s *TCPServer) removeConnectionInLoop(conn *TCPConnection) {
	s.loop.AssertInLoopThread()
	if _, ok := s.connections[conn.Name()]; !ok {
		return
	}
	evlog.Infof("[TCPServer.removeConnection]: [%s] connection %s", s.name, conn.Name())
	delete(s.connections, conn.Name())
	conn.Loop().QueueInLoop(conn.connectDestroyed)
}

// Close destroys every live connection, stops listening and joins the worker
// loops. It must be called on the server's loop.
func (s *TCPServer) Close() error {
	s.loop.AssertInLoopThread()
	if s.closed {
		return ErrServerClosed
	}
	s.closed = true
	evlog.Debugf("[TCPServer.Close]: [%s] closing", s.name)

	for name, conn := range s.connections {
		delete(s.connections, name)
		conn.Loop().RunInLoop(conn.connectDestroyed)
	}
	err := s.acceptor.Close()
	s.threadPool.Stop()
	return err
}
