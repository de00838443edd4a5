package websocket

import (
	"errors"
	"strconv"
)

var (
	ErrReadLimit           = &CloseError{Code: CloseMessageTooBig, Text: "read limit exceeded"}
	ErrBadWriteOpCode      = errors.New("websocket: bad write message type")
	ErrCloseSent           = errors.New("websocket: close sent")
	errInvalidControlFrame = errors.New("websocket: invalid control frame")
)

// CloseError is a protocol failure, carrying the close code sent to the peer.
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string {
	return "websocket: " + e.Text + " (close " + strconv.Itoa(e.Code) + ")"
}

func protocolError(message string) error {
	return &CloseError{Code: CloseProtocolError, Text: message}
}

func closeCodeOf(err error) int {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CloseInternalServerErr
}
