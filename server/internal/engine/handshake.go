// SPDX-License-Identifier: ice License 1.0

package engine

import (
	"bytes"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gobwas/httphead"
	"github.com/gobwas/ws"
)

type requestHead struct {
	header    map[string]string
	method    string
	uri       string
	protocols []string
	upgrade   bool
}

var headTerminator = []byte("\r\n\r\n")

func (c *conn) handleHandshakeInput(data []byte) error {
	c.in = append(c.in, data...)
	end := bytes.Index(c.in, headTerminator)
	if end < 0 {
		if len(c.in) > maxHeaderSize {
			return errors.Errorf("request head exceeds %v bytes", maxHeaderSize)
		}

		return nil
	}
	end += len(headTerminator)
	raw := c.in[:end]
	rest := append([]byte(nil), c.in[end:]...)
	c.in = nil
	head, err := parseRequestHead(raw)
	if err != nil {
		return c.reject("400 Bad Request", err)
	}
	if head.method != "GET" {
		return c.reject("405 Method Not Allowed", errors.Errorf("method %v not allowed", head.method))
	}
	if head.upgrade {
		return c.upgrade(raw, head, rest)
	}
	c.state = stateHTTPResponse

	return c.dispatch(HTTPRequest{Method: head.method, URI: head.uri})
}

func parseRequestHead(raw []byte) (*requestHead, error) {
	lines := bytes.Split(bytes.TrimSuffix(raw, headTerminator), []byte("\r\n"))
	line, ok := httphead.ParseRequestLine(lines[0])
	if !ok {
		return nil, errors.Errorf("malformed request line %q", lines[0])
	}
	head := &requestHead{
		method: string(line.Method),
		uri:    string(line.URI),
		header: make(map[string]string, len(lines)-1),
	}
	if idx := strings.IndexByte(head.uri, '?'); idx >= 0 {
		head.uri = head.uri[:idx]
	}
	for _, hl := range lines[1:] {
		k, v, valid := httphead.ParseHeaderLine(hl)
		if !valid {
			return nil, errors.Errorf("malformed header line %q", hl)
		}
		key := strings.ToLower(string(k))
		if prev, dup := head.header[key]; dup {
			head.header[key] = prev + ", " + string(v)
		} else {
			head.header[key] = string(v)
		}
	}
	if strings.EqualFold(head.header["upgrade"], "websocket") {
		head.upgrade = true
		httphead.ScanTokens([]byte(head.header["sec-websocket-protocol"]), func(token []byte) bool {
			head.protocols = append(head.protocols, string(token))

			return true
		})
	}

	return head, nil
}

func (c *conn) upgrade(raw []byte, head *requestHead, rest []byte) error {
	var selected *Protocol
	for _, name := range head.protocols {
		if selected = c.ctx.protocolByName(name); selected != nil {
			break
		}
	}
	if selected == nil {
		return c.reject("400 Bad Request", errors.Errorf("no supported subprotocol in %v", head.protocols))
	}
	if err := selected.Handler.Callback(nil, FilterProtocolConnection{Header: head.header, Protocols: head.protocols}); err != nil {
		return c.reject("403 Forbidden", errors.Wrapf(err, "%v connection vetoed", selected.Name))
	}
	var resp bytes.Buffer
	upgrader := ws.Upgrader{Protocol: func(p []byte) bool { return string(p) == selected.Name }}
	if _, err := upgrader.Upgrade(readWriter{Reader: bytes.NewReader(raw), Writer: &resp}); err != nil {
		if resp.Len() == 0 {
			return c.reject("400 Bad Request", errors.Wrap(err, "websocket upgrade failed"))
		}
		c.ctx.logf("INFO", "websocket upgrade from %v failed: %v", c.peerIP, err)
		c.state = stateClosing
		if err = c.send(resp.Bytes()); err != nil {
			return err
		}

		return c.closeWhenFlushed()
	}
	if err := c.send(resp.Bytes()); err != nil {
		return errors.Wrap(err, "failed to send upgrade response")
	}
	c.state = stateWebsocket
	c.protocol = selected
	c.session = nil
	if selected.NewSession != nil {
		c.session = selected.NewSession()
	}
	if err := c.dispatch(Established{}); err != nil {
		return err
	}
	if len(rest) > 0 {
		return c.processFrames(rest)
	}

	return nil
}

func (c *conn) reject(status string, cause error) error {
	c.ctx.logf("INFO", "rejecting request from %v: %v", c.peerIP, cause)
	c.state = stateClosing
	if err := c.send([]byte("HTTP/1.0 " + status + "\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")); err != nil {
		return errors.Wrapf(err, "failed to send %v", status)
	}

	return c.closeWhenFlushed()
}

func (c *conn) closeWhenFlushed() error {
	if c.out.Length() == 0 {
		return ErrHangup
	}
	c.closeAfterFlush = true

	return nil
}
