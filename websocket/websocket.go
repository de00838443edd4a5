// Package websocket serves RFC 6455 websockets on top of a neptune TCPServer.
// Handshake and frame decoding run on each connection's event loop, straight
// out of its input buffer.
package websocket

import (
	"bytes"
	"context"
	"encoding/binary"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dreamans/neptune"
	"github.com/dreamans/neptune/evlog"
)

// Handler callbacks run on the connection's event loop. Payload slices are
// only valid until the callback returns.
type Handler interface {
	OnOpen(*Conn)
	OnMessage(*Conn, OpCode, []byte)
	OnClose(*Conn, int, string)
	OnError(*Conn, error)
	OnPing(*Conn, []byte)
	OnPong(*Conn, []byte)
}

type Server struct {
	HandshakeTimeout    time.Duration
	MaxFramePayloadSize int
	MaxMessageSize      int64
	CheckOrigin         func(r *http.Request) bool
	Handler             Handler

	connections sync.Map
}

// Attach installs the server's callbacks on srv. It must be called before
// srv.Start.
func (ws *Server) Attach(srv *neptune.TCPServer) {
	srv.SetConnectionCallback(ws.OnConnection)
	srv.SetMessageCallback(ws.OnMessage)
}

// OnConnection is a neptune.ConnectionCallback.
func (ws *Server) OnConnection(c *neptune.TCPConnection) {
	if c.Connected() {
		conn := newConn(c, ws.MaxFramePayloadSize, ws.MaxMessageSize)
		c.SetContext(context.WithValue(c.Context(), connContextKey{}, conn))
		ws.connections.Store(c.Name(), conn)
		if ws.HandshakeTimeout > 0 {
			conn.handshakeTimer = c.Loop().RunAfter(ws.HandshakeTimeout, func() {
				if !conn.upgraded && c.Connected() {
					evlog.Warningf("[websocket]: %s handshake timed out after %s", c.Name(), ws.HandshakeTimeout)
					c.ForceClose()
				}
			})
		}
		return
	}

	v, ok := ws.connections.LoadAndDelete(c.Name())
	if !ok {
		return
	}
	conn := v.(*Conn)
	conn.open.Store(false)
	if conn.handshakeTimer.Valid() {
		c.Loop().Cancel(conn.handshakeTimer)
	}
	if conn.upgraded && !conn.closeReceived {
		ws.handler().OnClose(conn, CloseAbnormalClosure, "")
	}
}

// OnMessage is a neptune.MessageCallback.
func (ws *Server) OnMessage(c *neptune.TCPConnection, buf *bytes.Buffer, now time.Time) {
	conn := ConnFromContext(c.Context())
	if conn == nil || conn.failed {
		buf.Reset()
		return
	}

	if !conn.upgraded {
		done, err := conn.upgrade(buf, ws.CheckOrigin)
		if err != nil {
			evlog.Warningf("[websocket]: %s handshake rejected: %s", c.Name(), err.Error())
			return
		}
		if !done {
			return
		}
		if conn.handshakeTimer.Valid() {
			c.Loop().Cancel(conn.handshakeTimer)
			conn.handshakeTimer = neptune.TimerID{}
		}
		ws.handler().OnOpen(conn)
		if buf.Len() == 0 {
			return
		}
	}

	h := ws.handler()
	err := conn.readFrames(buf, func(opCode OpCode, b []byte) {
		switch opCode {
		case OpBinary, OpText:
			h.OnMessage(conn, opCode, b)
		case OpPing:
			h.OnPing(conn, b)
		case OpPong:
			h.OnPong(conn, b)
		case OpClose:
			ws.handleClose(conn, b)
		}
	})
	if err != nil {
		buf.Reset()
		h.OnError(conn, err)
		conn.fail(err)
	}
}

func (ws *Server) handleClose(conn *Conn, b []byte) {
	closeCode := CloseNoStatusReceived
	closeText := ""
	switch {
	case len(b) == 1:
		closeCode = CloseProtocolError
	case len(b) >= 2:
		closeCode = int(binary.BigEndian.Uint16(b))
		closeText = string(b[2:])
		if !isValidReceivedCloseCode(closeCode) {
			ws.handler().OnError(conn, protocolError("invalid close code"))
			closeCode = CloseProtocolError
		} else if !utf8.ValidString(closeText) {
			ws.handler().OnError(conn, &CloseError{Code: CloseInvalidFramePayloadData, Text: "invalid utf8 payload in close frame"})
			closeCode = CloseInvalidFramePayloadData
		}
	}
	ws.handler().OnClose(conn, closeCode, closeText)

	_ = conn.WriteCloseMessage(closeCode, "")
	conn.conn.Shutdown()
}

// Broadcast sends a data message to every upgraded connection.
func (ws *Server) Broadcast(opCode OpCode, data []byte) {
	ws.connections.Range(func(_, v interface{}) bool {
		conn := v.(*Conn)
		if conn.open.Load() {
			if err := conn.WriteMessage(opCode, data); err != nil {
				evlog.Debugf("[websocket.Broadcast]: %s: %s", conn.Name(), err.Error())
			}
		}
		return true
	})
}

func (ws *Server) handler() Handler {
	if ws.Handler == nil {
		return nopHandler{}
	}
	return ws.Handler
}

type nopHandler struct{}

func (nopHandler) OnOpen(*Conn)                    {}
func (nopHandler) OnMessage(*Conn, OpCode, []byte) {}
func (nopHandler) OnClose(*Conn, int, string)      {}
func (nopHandler) OnError(*Conn, error)            {}
func (nopHandler) OnPing(*Conn, []byte)            {}
func (nopHandler) OnPong(*Conn, []byte)            {}
