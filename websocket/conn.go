package websocket

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"unicode/utf8"

	"github.com/dreamans/neptune"
)

const (
	defaultMaxPayloadSize = 4096
	defaultMaxMessageSize = 16 << 20
)

type connContextKey struct{}

// ConnFromContext returns the Conn stored on a TCPConnection's context by
// Server.
func ConnFromContext(ctx context.Context) *Conn {
	c, _ := ctx.Value(connContextKey{}).(*Conn)
	return c
}

// Conn is the websocket state of one TCPConnection. Reads happen on the
// connection's loop; the Write methods may be called from any goroutine.
type Conn struct {
	conn           *neptune.TCPConnection
	request        *http.Request
	maxPayloadSize int
	maxMessageSize int64

	upgraded       bool
	open           atomic.Bool
	failed         bool
	handshakeTimer neptune.TimerID
	closeReceived  bool
	closeSent      atomic.Bool

	fragmentOp OpCode
	fragmented bool
	fragments  []byte
}

func newConn(c *neptune.TCPConnection, maxPayloadSize int, maxMessageSize int64) *Conn {
	if maxPayloadSize <= 0 {
		maxPayloadSize = defaultMaxPayloadSize
	}
	if maxMessageSize <= 0 {
		maxMessageSize = defaultMaxMessageSize
	}
	return &Conn{
		conn:           c,
		maxPayloadSize: maxPayloadSize,
		maxMessageSize: maxMessageSize,
	}
}

func (c *Conn) Name() string                          { return c.conn.Name() }
func (c *Conn) TCPConnection() *neptune.TCPConnection { return c.conn }
func (c *Conn) LocalAddr() net.Addr                   { return c.conn.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr                  { return c.conn.RemoteAddr() }

// Request is the HTTP upgrade request, nil before the handshake completes.
func (c *Conn) Request() *http.Request { return c.request }

// readFrames consumes every complete frame in buf and hands each complete
// message or control frame to dispatch. The payload passed to dispatch is
// only valid until dispatch returns.
func (c *Conn) readFrames(buf *bytes.Buffer, dispatch func(OpCode, []byte)) error {
	for !c.closeReceived {
		h, ok, err := parseFrameHeader(buf.Bytes())
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := h.validate(c.fragmented); err != nil {
			return err
		}
		if h.length > c.maxMessageSize || (h.opCode == OpContinuation && int64(len(c.fragments))+h.length > c.maxMessageSize) {
			return ErrReadLimit
		}
		if int64(buf.Len()-h.size) < h.length {
			return nil
		}

		buf.Next(h.size)
		payload := buf.Next(int(h.length))
		maskBytes(h.key, 0, payload)

		switch {
		case h.opCode.isControl():
			if h.opCode == OpClose {
				c.closeReceived = true
			}
			dispatch(h.opCode, payload)
		case h.final && h.opCode != OpContinuation:
			if h.opCode == OpText && !utf8.Valid(payload) {
				return &CloseError{Code: CloseInvalidFramePayloadData, Text: "invalid utf8 payload in text frame"}
			}
			dispatch(h.opCode, payload)
		default:
			if h.opCode != OpContinuation {
				c.fragmentOp = h.opCode
				c.fragmented = true
			}
			c.fragments = append(c.fragments, payload...)
			if !h.final {
				continue
			}
			op, msg := c.fragmentOp, c.fragments
			c.fragments = c.fragments[:0]
			c.fragmented = false
			if op == OpText && !utf8.Valid(msg) {
				return &CloseError{Code: CloseInvalidFramePayloadData, Text: "invalid utf8 payload in text frame"}
			}
			dispatch(op, msg)
		}
	}
	buf.Reset()
	return nil
}

func (c *Conn) writeFrame(final bool, opCode OpCode, data []byte) error {
	frame := make([]byte, 0, maxFrameHeaderSize+len(data))
	frame = appendFrameHeader(frame, final, opCode, len(data))
	frame = append(frame, data...)
	return c.conn.Send(frame)
}

// WriteMessage sends a text or binary message, split into frames of at most
// the configured payload size.
func (c *Conn) WriteMessage(opCode OpCode, data []byte) error {
	if !opCode.isData() {
		return ErrBadWriteOpCode
	}
	if c.closeSent.Load() {
		return ErrCloseSent
	}
	if len(data) <= c.maxPayloadSize {
		return c.writeFrame(true, opCode, data)
	}

	for len(data) > 0 {
		n := min(len(data), c.maxPayloadSize)
		if err := c.writeFrame(n == len(data), opCode, data[:n]); err != nil {
			return err
		}
		data = data[n:]
		opCode = OpContinuation
	}
	return nil
}

func (c *Conn) WriteText(s string) error {
	return c.WriteMessage(OpText, []byte(s))
}

func (c *Conn) writeControl(opCode OpCode, b []byte) error {
	if len(b) > maxControlFramePayloadSize {
		return errInvalidControlFrame
	}
	if c.closeSent.Load() {
		return ErrCloseSent
	}
	return c.writeFrame(true, opCode, b)
}

// WriteCloseMessage sends a close frame. Nothing but the close frame can be
// written afterwards.
func (c *Conn) WriteCloseMessage(closeCode int, text string) error {
	payload := FormatCloseMessage(closeCode, text)
	if len(payload) > maxControlFramePayloadSize {
		return errInvalidControlFrame
	}
	if !c.closeSent.CompareAndSwap(false, true) {
		return ErrCloseSent
	}
	return c.writeFrame(true, OpClose, payload)
}

func (c *Conn) WritePingMessage(b []byte) error {
	return c.writeControl(OpPing, b)
}

func (c *Conn) WritePongMessage(b []byte) error {
	return c.writeControl(OpPong, b)
}

// Close sends a normal close frame if none was sent yet and half-closes the
// TCP connection once it is flushed.
func (c *Conn) Close() error {
	err := c.WriteCloseMessage(CloseNormalClosure, "")
	c.conn.Shutdown()
	if errors.Is(err, ErrCloseSent) {
		return nil
	}
	return err
}

// fail reports a protocol error to the peer and shuts the connection down.
func (c *Conn) fail(err error) {
	c.failed = true
	_ = c.WriteCloseMessage(closeCodeOf(err), "")
	c.conn.Shutdown()
}
