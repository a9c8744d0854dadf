// SPDX-License-Identifier: ice License 1.0

package engine

import (
	"bytes"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/gobwas/ws"
)

func (c *conn) messageLimit() int {
	if c.protocol.RxBufferSize > 0 {
		return c.protocol.RxBufferSize
	}

	return defaultRxBufferSize
}

func (c *conn) processFrames(data []byte) error {
	if c.discard > 0 {
		skip := min(c.discard, int64(len(data)))
		c.discard -= skip
		data = data[skip:]
	}
	c.in = append(c.in, data...)
	for len(c.in) > 0 && c.state == stateWebsocket {
		rd := bytes.NewReader(c.in)
		h, err := ws.ReadHeader(rd)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}

			return errors.Wrap(err, "malformed frame header")
		}
		state := ws.StateServerSide
		if c.fragmented {
			state = state.Set(ws.StateFragmented)
		}
		if err = ws.CheckHeader(h, state); err != nil {
			return errors.Wrap(err, "invalid frame header")
		}
		headerLen := len(c.in) - rd.Len()
		if h.Length > int64(c.messageLimit()) {
			c.ctx.logf("WARN", "dropping %v byte frame from %v", h.Length, c.peerIP)
			c.fragments = c.fragments[:0]
			c.fragmented = !h.Fin
			c.dropMessage = !h.Fin
			available := int64(len(c.in) - headerLen)
			if available >= h.Length {
				c.in = c.in[headerLen+int(h.Length):]

				continue
			}
			c.discard = h.Length - available
			c.in = c.in[:0]

			break
		}
		if int64(rd.Len()) < h.Length {
			break
		}
		payload := c.in[headerLen : headerLen+int(h.Length)]
		if h.Masked {
			ws.Cipher(payload, h.Mask, 0)
		}
		if err = c.handleFrame(h, payload); err != nil {
			return err
		}
		c.in = c.in[headerLen+int(h.Length):]
	}
	if len(c.in) == 0 {
		c.in = nil
	}

	return nil
}

func (c *conn) handleFrame(h ws.Header, payload []byte) error {
	switch h.OpCode {
	case ws.OpPing:
		return c.writeFrame(ws.NewPongFrame(payload))
	case ws.OpPong:
		return nil
	case ws.OpClose:
		if err := c.writeFrame(ws.NewCloseFrame(payload)); err != nil {
			return err
		}
		c.state = stateClosing

		return c.closeWhenFlushed()
	case ws.OpText, ws.OpBinary, ws.OpContinuation:
		if h.OpCode != ws.OpContinuation {
			c.fragments = c.fragments[:0]
			c.dropMessage = false
		}
		c.fragmented = !h.Fin
		if !c.dropMessage {
			if len(c.fragments)+len(payload) > c.messageLimit() {
				c.ctx.logf("WARN", "dropping oversized message from %v", c.peerIP)
				c.fragments = c.fragments[:0]
				c.dropMessage = true
			} else {
				c.fragments = append(c.fragments, payload...)
			}
		}
		if !h.Fin {
			return nil
		}
		if c.dropMessage {
			c.dropMessage = false

			return nil
		}
		msg := c.fragments
		c.fragments = c.fragments[:0]

		return c.dispatch(Receive{Payload: msg})
	default:
		return errors.Errorf("unsupported opcode %v", h.OpCode)
	}
}

func (c *conn) writeFrame(f ws.Frame) error {
	c.frame.Reset()
	if err := ws.WriteFrame(&c.frame, f); err != nil {
		return errors.Wrap(err, "failed to encode frame")
	}
	return c.send(c.frame.Bytes())
}
