package websocket

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

const maxHandshakeSize = 8192

var (
	crlfcrlf = []byte("\r\n\r\n")
	keyGUID  = []byte("258EAFA5-E914-47DA-95CA-C5AB0DC85B11")
)

// upgrade consumes the HTTP upgrade request from buf once it is complete and
// answers it. It returns done=false while the request is still incomplete.
// A non-nil error means the handshake was rejected and the connection is
// being shut down.
func (c *Conn) upgrade(buf *bytes.Buffer, checkOrigin func(r *http.Request) bool) (done bool, err error) {
	idx := bytes.Index(buf.Bytes(), crlfcrlf)
	if idx == -1 {
		if buf.Len() > maxHandshakeSize {
			buf.Reset()
			return false, c.returnHandshakeError(http.StatusRequestHeaderFieldsTooLarge, "request header too large")
		}
		return false, nil
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(buf.Next(idx + len(crlfcrlf)))))
	if err != nil {
		buf.Reset()
		return false, c.returnHandshakeError(http.StatusBadRequest, "malformed request: "+err.Error())
	}
	if req.Method != http.MethodGet {
		return false, c.returnHandshakeError(http.StatusMethodNotAllowed, "request method is not GET")
	}
	if !tokenListContainsValue(req.Header, "Connection", "upgrade") {
		return false, c.returnHandshakeError(http.StatusBadRequest, "'upgrade' token not found in 'Connection' header")
	}
	if !tokenListContainsValue(req.Header, "Upgrade", "websocket") {
		return false, c.returnHandshakeError(http.StatusBadRequest, "'websocket' token not found in 'Upgrade' header")
	}
	if !tokenListContainsValue(req.Header, "Sec-Websocket-Version", "13") {
		return false, c.returnHandshakeError(http.StatusBadRequest, "websocket: unsupported version: 13 not found in 'Sec-Websocket-Version' header")
	}
	challengeKey := req.Header.Get("Sec-Websocket-Key")
	if challengeKey == "" {
		return false, c.returnHandshakeError(http.StatusBadRequest, "websocket: not a websocket handshake: 'Sec-WebSocket-Key' header is missing or blank")
	}
	if checkOrigin != nil && !checkOrigin(req) {
		return false, c.returnHandshakeError(http.StatusForbidden, "websocket: request origin not allowed")
	}

	c.request = req
	c.upgraded = true
	c.open.Store(true)
	headers := map[string]string{
		"Connection":           "Upgrade",
		"Upgrade":              "websocket",
		"Sec-WebSocket-Accept": computeAcceptKey(challengeKey),
	}
	return true, c.httpRender(http.StatusSwitchingProtocols, headers, nil, false)
}

func (c *Conn) returnHandshakeError(status int, message string) error {
	headers := map[string]string{
		"Content-Type":           "text/plain; charset=UTF-8",
		"X-Content-Type-Options": "nosniff",
		"Sec-Websocket-Version":  "13",
	}
	_ = c.httpRender(status, headers, []byte(message), true)
	return errors.New(message)
}

func computeAcceptKey(challengeKey string) string {
	h := sha1.New()
	h.Write([]byte(challengeKey))
	h.Write(keyGUID)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// tokenListContainsValue reports whether a comma separated header contains
// value, ignoring case.
func tokenListContainsValue(header http.Header, name, value string) bool {
	for _, v := range header.Values(name) {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), value) {
				return true
			}
		}
	}
	return false
}

func (c *Conn) httpRender(status int, headers map[string]string, body []byte, close bool) error {
	if status != http.StatusSwitchingProtocols {
		headers["Content-Length"] = strconv.Itoa(len(body))
	}
	headers["Date"] = time.Now().UTC().Format(http.TimeFormat)

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b []byte
	b = append(b, "HTTP/1.1 "...)
	b = append(b, strconv.Itoa(status)...)
	b = append(b, ' ')
	b = append(b, http.StatusText(status)...)
	b = append(b, "\r\n"...)
	for _, k := range keys {
		b = append(b, k...)
		b = append(b, ": "...)
		b = append(b, headers[k]...)
		b = append(b, "\r\n"...)
	}
	b = append(b, "\r\n"...)
	b = append(b, body...)

	err := c.conn.Send(b)
	if close {
		c.failed = true
		c.conn.Shutdown()
	}
	return err
}
