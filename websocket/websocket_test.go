package websocket

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamans/neptune"
)

type closeEvent struct {
	code int
	text string
}

// recorder echoes data messages and reports every callback on channels.
type recorder struct {
	opened   chan string
	messages chan string
	pings    chan string
	closes   chan closeEvent
	errors   chan error
}

func newRecorder() *recorder {
	return &recorder{
		opened:   make(chan string, 8),
		messages: make(chan string, 64),
		pings:    make(chan string, 8),
		closes:   make(chan closeEvent, 8),
		errors:   make(chan error, 8),
	}
}

func (r *recorder) OnOpen(c *Conn) { r.opened <- c.Request().URL.Path }

func (r *recorder) OnMessage(c *Conn, opCode OpCode, data []byte) {
	r.messages <- string(data)
	_ = c.WriteMessage(opCode, data)
}

func (r *recorder) OnClose(c *Conn, code int, text string) { r.closes <- closeEvent{code, text} }
func (r *recorder) OnError(c *Conn, err error)             { r.errors <- err }

func (r *recorder) OnPing(c *Conn, b []byte) {
	r.pings <- string(b)
	_ = c.WritePongMessage(b)
}

func (r *recorder) OnPong(c *Conn, b []byte) {}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for callback")
		var zero T
		return zero
	}
}

// startServer runs a websocket server on its own loop and returns its
// address.
func startServer(t *testing.T, ws *Server, numLoops int) string {
	t.Helper()
	th := neptune.NewEventLoopThread(nil, "websocket-test")
	loop, err := th.StartLoop()
	require.NoError(t, err)
	t.Cleanup(th.Stop)

	type result struct {
		srv *neptune.TCPServer
		err error
	}
	ready := make(chan result, 1)
	loop.RunInLoop(func() {
		srv, err := neptune.NewTCPServer(loop, neptune.NewOptions().SetAddr("127.0.0.1:0").SetNumLoops(numLoops))
		if err == nil {
			ws.Attach(srv)
			err = srv.Start()
		}
		ready <- result{srv, err}
	})
	r := recv(t, ready)
	require.NoError(t, r.err)
	t.Cleanup(func() {
		done := make(chan struct{})
		loop.RunInLoop(func() {
			_ = r.srv.Close()
			close(done)
		})
		<-done
	})
	return r.srv.IPPort()
}

func dial(t *testing.T, addr string, dialer *gws.Dialer) *gws.Conn {
	t.Helper()
	if dialer == nil {
		dialer = gws.DefaultDialer
	}
	conn, resp, err := dialer.Dial("ws://"+addr+"/chat", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEcho(t *testing.T) {
	rec := newRecorder()
	addr := startServer(t, &Server{Handler: rec}, 0)
	conn := dial(t, addr, nil)
	assert.Equal(t, "/chat", recv(t, rec.opened))

	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte("hello")))
	assert.Equal(t, "hello", recv(t, rec.messages))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, gws.TextMessage, mt)
	assert.Equal(t, "hello", string(data))

	payload := bytes.Repeat([]byte{0, 1, 2, 3, 250}, 20000)
	require.NoError(t, conn.WriteMessage(gws.BinaryMessage, payload))
	assert.Len(t, recv(t, rec.messages), len(payload))
	mt, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, gws.BinaryMessage, mt)
	assert.Equal(t, payload, data)
}

func TestFragmentedClientMessage(t *testing.T) {
	rec := newRecorder()
	addr := startServer(t, &Server{Handler: rec, MaxFramePayloadSize: 1000}, 2)
	conn := dial(t, addr, &gws.Dialer{WriteBufferSize: 1024, HandshakeTimeout: 5 * time.Second})
	recv(t, rec.opened)

	msg := strings.Repeat("neptune-", 1000)
	w, err := conn.NextWriter(gws.TextMessage)
	require.NoError(t, err)
	for i := 0; i < 1000; i++ {
		_, err := w.Write([]byte("neptune-"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	assert.Equal(t, msg, recv(t, rec.messages))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, msg, string(data))
}

func TestPingPong(t *testing.T) {
	rec := newRecorder()
	addr := startServer(t, &Server{Handler: rec}, 0)
	conn := dial(t, addr, nil)
	recv(t, rec.opened)

	pongs := make(chan string, 1)
	conn.SetPongHandler(func(data string) error {
		pongs <- data
		return nil
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.NoError(t, conn.WriteControl(gws.PingMessage, []byte("are you there"), time.Now().Add(time.Second)))
	assert.Equal(t, "are you there", recv(t, rec.pings))
	assert.Equal(t, "are you there", recv(t, pongs))
}

func TestCloseHandshake(t *testing.T) {
	rec := newRecorder()
	addr := startServer(t, &Server{Handler: rec}, 1)
	conn := dial(t, addr, nil)
	recv(t, rec.opened)

	msg := gws.FormatCloseMessage(gws.CloseNormalClosure, "bye")
	require.NoError(t, conn.WriteMessage(gws.CloseMessage, msg))
	assert.Equal(t, closeEvent{CloseNormalClosure, "bye"}, recv(t, rec.closes))

	_, _, err := conn.ReadMessage()
	assert.True(t, gws.IsCloseError(err, gws.CloseNormalClosure), "got %v", err)

	select {
	case ev := <-rec.closes:
		t.Fatalf("OnClose fired twice: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAbnormalClosure(t *testing.T) {
	rec := newRecorder()
	addr := startServer(t, &Server{Handler: rec}, 0)
	conn := dial(t, addr, nil)
	recv(t, rec.opened)

	require.NoError(t, conn.UnderlyingConn().Close())
	assert.Equal(t, CloseAbnormalClosure, recv(t, rec.closes).code)
}

func TestServerInitiatedClose(t *testing.T) {
	var mu sync.Mutex
	var server *Conn
	rec := newRecorder()
	h := &openHook{recorder: rec, onOpen: func(c *Conn) {
		mu.Lock()
		server = c
		mu.Unlock()
	}}
	addr := startServer(t, &Server{Handler: h}, 0)
	conn := dial(t, addr, nil)
	recv(t, rec.opened)

	mu.Lock()
	c := server
	mu.Unlock()
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.WriteText("late"), ErrCloseSent)

	_, _, err := conn.ReadMessage()
	assert.True(t, gws.IsCloseError(err, gws.CloseNormalClosure), "got %v", err)
	assert.Equal(t, CloseNormalClosure, recv(t, rec.closes).code)
}

type openHook struct {
	*recorder
	onOpen func(*Conn)
}

func (h *openHook) OnOpen(c *Conn) {
	h.onOpen(c)
	h.recorder.OnOpen(c)
}

func TestBroadcast(t *testing.T) {
	rec := newRecorder()
	ws := &Server{Handler: rec}
	addr := startServer(t, ws, 2)
	a := dial(t, addr, nil)
	b := dial(t, addr, nil)
	recv(t, rec.opened)
	recv(t, rec.opened)

	ws.Broadcast(OpText, []byte("news"))
	for _, conn := range []*gws.Conn{a, b} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, "news", string(data))
	}
}

func TestRejectedHandshake(t *testing.T) {
	rec := newRecorder()
	addr := startServer(t, &Server{Handler: rec}, 0)

	cases := []struct {
		name    string
		request string
		status  int
	}{
		{"plain http", "GET / HTTP/1.1\r\nHost: x\r\n\r\n", http.StatusBadRequest},
		{"post", "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 0\r\n\r\n", http.StatusMethodNotAllowed},
		{"missing key", "GET / HTTP/1.1\r\nHost: x\r\nConnection: Upgrade\r\nUpgrade: websocket\r\nSec-WebSocket-Version: 13\r\n\r\n", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn, err := net.Dial("tcp", addr)
			require.NoError(t, err)
			defer conn.Close()
			require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

			_, err = conn.Write([]byte(tc.request))
			require.NoError(t, err)
			resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, "13", resp.Header.Get("Sec-Websocket-Version"))
		})
	}

	select {
	case p := <-rec.opened:
		t.Fatalf("rejected handshake opened %s", p)
	default:
	}
}

func TestCheckOrigin(t *testing.T) {
	rec := newRecorder()
	addr := startServer(t, &Server{Handler: rec, CheckOrigin: func(r *http.Request) bool {
		return r.Header.Get("Origin") == "http://allowed.example"
	}}, 0)

	_, resp, err := gws.DefaultDialer.Dial("ws://"+addr+"/", http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := gws.DefaultDialer.Dial("ws://"+addr+"/", http.Header{"Origin": {"http://allowed.example"}})
	require.NoError(t, err)
	conn.Close()
}

func TestHandshakeTimeout(t *testing.T) {
	addr := startServer(t, &Server{HandshakeTimeout: 20 * time.Millisecond}, 0)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestUnmaskedFrameIsProtocolError(t *testing.T) {
	rec := newRecorder()
	addr := startServer(t, &Server{Handler: rec}, 0)
	conn := dial(t, addr, nil)
	recv(t, rec.opened)

	raw := conn.UnderlyingConn()
	_, err := raw.Write(appendFrameHeader(nil, true, OpText, 2))
	require.NoError(t, err)
	_, err = raw.Write([]byte("hi"))
	require.NoError(t, err)

	err = recv(t, rec.errors)
	var ce *CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CloseProtocolError, ce.Code)

	_, _, err = conn.ReadMessage()
	assert.True(t, gws.IsCloseError(err, gws.CloseProtocolError), "got %v", err)
}

func TestNilHandler(t *testing.T) {
	addr := startServer(t, &Server{}, 0)
	conn := dial(t, addr, nil)
	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte("ignored")))
	require.NoError(t, conn.WriteMessage(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseGoingAway, "")))
	_, _, err := conn.ReadMessage()
	assert.True(t, gws.IsCloseError(err, gws.CloseGoingAway), "got %v", err)
}
