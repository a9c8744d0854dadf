// SPDX-License-Identifier: ice License 1.0

package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	gomime "github.com/cubewise-code/go-mime"
	"github.com/gobwas/ws"
	"golang.org/x/sys/unix"
)

func (c *conn) ID() string {
	return c.id
}

func (c *conn) FD() int {
	return c.fd
}

func (c *conn) Protocol() string {
	return c.protocol.Name
}

func (c *conn) Session() any {
	return c.session
}

// PeerAddresses reports the numeric address for both values, reverse lookups are never made.
func (c *conn) PeerAddresses() (name, ip string) {
	return c.peerIP, c.peerIP
}

func (c *conn) Write(p []byte, mode WriteMode) (int, error) {
	if c.state == stateClosed {
		return 0, ErrConnectionClosed
	}
	switch mode {
	case WriteHTTP:
		if c.state == stateWebsocket {
			return 0, ErrInvalidWriteState
		}
		if c.out.Length() > 0 {
			return 0, nil
		}
		n, err := c.writeRaw(p)
		if err != nil {
			return 0, err
		}

		return n, nil
	case WriteText, WriteBinary:
		if c.state != stateWebsocket {
			return 0, ErrInvalidWriteState
		}
		f := ws.NewBinaryFrame(p)
		if mode == WriteText {
			f = ws.NewTextFrame(p)
		}
		if err := c.writeFrame(f); err != nil {
			return 0, err
		}

		return len(p), nil
	default:
		return 0, errors.Errorf("unknown write mode %v", mode)
	}
}

// send writes as much of p as the socket takes and queues a copy of the rest.
// A failed write is returned so the caller closes the connection right away.
func (c *conn) send(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if c.out.Length() == 0 {
		n, err := c.writeRaw(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	if len(p) > 0 {
		c.out.Add(append([]byte(nil), p...))
		c.setMode(unix.POLLOUT)
	}

	return nil
}

func (c *conn) flush() error {
	for c.out.Length() > 0 {
		chunk := c.out.Peek().([]byte) //nolint:forcetypeassert,errcheck // Only []byte is queued.
		n, err := c.writeRaw(chunk[c.outOff:])
		if err != nil {
			return err
		}
		c.outOff += n
		if c.outOff < len(chunk) {
			return nil
		}
		c.out.Remove()
		c.outOff = 0
	}

	return nil
}

// writeRaw returns the number of bytes the kernel accepted, 0 when the socket buffer is full.
func (c *conn) writeRaw(p []byte) (int, error) {
	for {
		n, err := unix.Write(c.fd, p)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, nil
		default:
			return 0, errors.Wrapf(err, "write to %v failed", c.fd)
		}
	}
}

func (c *conn) SendPipeChoked() bool {
	if c.out.Length() > 0 {
		return true
	}
	probe := c.ctx.probe
	probe[0] = unix.PollFd{Fd: int32(c.fd), Events: unix.POLLOUT} //nolint:gosec // Descriptors fit in int32.
	n, err := unix.Poll(probe, 0)
	if err != nil || n == 0 {
		return true
	}

	return probe[0].Revents&unix.POLLOUT == 0
}

func (c *conn) CallbackOnWritable() {
	if c.state == stateClosed || c.state == stateClosing {
		return
	}
	c.writableRequested = true
	c.setMode(unix.POLLOUT)
}

func (c *conn) setMode(events int16) {
	if c.state == stateClosed || c.events&events == events {
		return
	}
	c.events |= events
	if err := c.ctx.notifyPoll(c, SetModePollFD{FD: c.fd, Events: events}); err != nil {
		c.ctx.logf("ERROR", "failed to set poll mode %#x for %v: %v", events, c.fd, err)
	}
}

func (c *conn) clearMode(events int16) {
	if c.state == stateClosed || c.events&events == 0 {
		return
	}
	c.events &^= events
	if err := c.ctx.notifyPoll(c, ClearModePollFD{FD: c.fd, Events: events}); err != nil {
		c.ctx.logf("ERROR", "failed to clear poll mode %#x for %v: %v", events, c.fd, err)
	}
}

// ServeHTTPFile sends the response header and streams the file as the socket drains.
// HTTPFileCompletion follows once the whole file was handed to the kernel.
func (c *conn) ServeHTTPFile(path, mimeType string) error {
	if c.state != stateHTTPResponse {
		return ErrInvalidWriteState
	}
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %v", path)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close() //nolint:errcheck // .

		return errors.Wrapf(err, "failed to stat %v", path)
	}
	if mimeType == "" {
		if mimeType = gomime.TypeByExtension(filepath.Ext(path)); mimeType == "" {
			mimeType = "application/octet-stream"
		}
	}
	c.file = f
	c.state = stateHTTPFile
	if err = c.send(fmt.Appendf(nil, "HTTP/1.0 200 OK\r\nServer: %s\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n",
		c.ctx.serverName, mimeType, info.Size())); err != nil {
		return errors.Wrapf(err, "failed to send header for %v", path)
	}
	c.CallbackOnWritable()

	return nil
}

func (ctx *Context) closeConn(c *conn, cause error) error {
	if c.state == stateClosed {
		return nil
	}
	if cause != nil && !errors.Is(cause, ErrHangup) && !errors.Is(cause, ErrConnectionClosed) {
		ctx.logf("INFO", "closing connection %v from %v: %v", c.fd, c.peerIP, cause)
	}
	if c.state == stateWebsocket {
		c.frame.Reset()
		if ws.WriteFrame(&c.frame, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, ""))) == nil {
			_, _ = c.writeRaw(c.frame.Bytes()) //nolint:errcheck // Best effort.
		}
	}
	if c.file != nil {
		_ = c.file.Close() //nolint:errcheck // .
		c.file = nil
	}
	if err := c.dispatch(Closed{}); err != nil && !errors.Is(err, ErrHangup) {
		ctx.logf("WARN", "closed callback for %v failed: %v", c.fd, err)
	}
	c.state = stateClosed
	delete(ctx.conns, c.fd)
	err := ctx.notifyPoll(c, DelPollFD{FD: c.fd})
	if cErr := unix.Close(c.fd); cErr != nil {
		err = errors.CombineErrors(err, errors.Wrapf(cErr, "failed to close %v", c.fd))
	}

	return errors.Wrapf(err, "failed to release connection %v", c.fd)
}
