package websocket

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

type OpCode byte

const (
	OpContinuation OpCode = 0x0
	OpText         OpCode = 0x1
	OpBinary       OpCode = 0x2
	OpClose        OpCode = 0x8
	OpPing         OpCode = 0x9
	OpPong         OpCode = 0xA
)

const (
	CloseNormalClosure           = 1000
	CloseGoingAway               = 1001
	CloseProtocolError           = 1002
	CloseUnsupportedData         = 1003
	CloseNoStatusReceived        = 1005
	CloseAbnormalClosure         = 1006
	CloseInvalidFramePayloadData = 1007
	ClosePolicyViolation         = 1008
	CloseMessageTooBig           = 1009
	CloseMandatoryExtension      = 1010
	CloseInternalServerErr       = 1011
	CloseServiceRestart          = 1012
	CloseTryAgainLater           = 1013
)

func (op OpCode) isControl() bool {
	return op == OpClose || op == OpPing || op == OpPong
}

func (op OpCode) isData() bool {
	return op == OpText || op == OpBinary
}

func (op OpCode) String() string {
	switch op {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return "opcode(" + strconv.Itoa(int(op)) + ")"
	}
}

const (
	finalBit = 1 << 7
	rsv1Bit  = 1 << 6
	rsv2Bit  = 1 << 5
	rsv3Bit  = 1 << 4
	maskBit  = 1 << 7

	maxFrameHeaderSize         = 14
	maxControlFramePayloadSize = 125
)

type frameHeader struct {
	final  bool
	rsv    byte
	opCode OpCode
	masked bool
	length int64
	key    [4]byte
	size   int
}

// parseFrameHeader decodes the header at the start of b. It returns ok=false
// when b does not yet hold the whole header.
func parseFrameHeader(b []byte) (h frameHeader, ok bool, err error) {
	if len(b) < 2 {
		return h, false, nil
	}
	h.final = b[0]&finalBit != 0
	h.rsv = b[0] & (rsv1Bit | rsv2Bit | rsv3Bit)
	h.opCode = OpCode(b[0] & 0xF)
	h.masked = b[1]&maskBit != 0
	h.length = int64(b[1] & 0x7F)
	h.size = 2

	switch h.length {
	case 126:
		if len(b) < 4 {
			return h, false, nil
		}
		h.length = int64(binary.BigEndian.Uint16(b[2:4]))
		h.size = 4
	case 127:
		if len(b) < 10 {
			return h, false, nil
		}
		n := binary.BigEndian.Uint64(b[2:10])
		if n>>63 != 0 {
			return h, false, protocolError("frame length overflows 63 bits")
		}
		h.length = int64(n)
		h.size = 10
	}

	if h.masked {
		if len(b) < h.size+4 {
			return h, false, nil
		}
		copy(h.key[:], b[h.size:h.size+4])
		h.size += 4
	}
	return h, true, nil
}

// validate applies the server-side checks to a client frame header.
// fragmented reports whether a fragmented data message is in progress.
func (h *frameHeader) validate(fragmented bool) error {
	if h.rsv != 0 {
		return protocolError("unexpected reserved bits 0x" + strconv.FormatInt(int64(h.rsv), 16))
	}
	if !h.masked {
		return protocolError("incorrect mask flag")
	}
	switch h.opCode {
	case OpClose, OpPing, OpPong:
		if h.length > maxControlFramePayloadSize {
			return protocolError("control frame length > 125")
		}
		if !h.final {
			return protocolError("control frame not final")
		}
	case OpText, OpBinary:
		if fragmented {
			return protocolError("message start before final message frame")
		}
	case OpContinuation:
		if !fragmented {
			return protocolError("continuation after final message frame")
		}
	default:
		return protocolError(fmt.Sprintf("unknown opcode %d", h.opCode))
	}
	return nil
}

// appendFrameHeader appends an unmasked server frame header.
func appendFrameHeader(b []byte, final bool, opCode OpCode, length int) []byte {
	var b0 byte
	if final {
		b0 |= finalBit
	}
	b0 |= byte(opCode)
	b = append(b, b0)

	switch {
	case length > 65535:
		b = append(b, 127)
		b = binary.BigEndian.AppendUint64(b, uint64(length))
	case length > 125:
		b = append(b, 126)
		b = binary.BigEndian.AppendUint16(b, uint16(length))
	default:
		b = append(b, byte(length))
	}
	return b
}

// FormatCloseMessage builds a close frame payload. CloseNoStatusReceived
// yields an empty payload.
func FormatCloseMessage(closeCode int, text string) []byte {
	if closeCode == CloseNoStatusReceived {
		return []byte{}
	}
	buf := make([]byte, 2+len(text))
	binary.BigEndian.PutUint16(buf, uint16(closeCode))
	copy(buf[2:], text)
	return buf
}

func isValidReceivedCloseCode(code int) bool {
	switch {
	case code == CloseNoStatusReceived, code == CloseAbnormalClosure, code == 1015:
		return false
	case code >= 1000 && code <= 1014:
		return code != 1004
	case code >= 3000 && code <= 4999:
		return true
	}
	return false
}
