// SPDX-License-Identifier: ice License 1.0

package engine

import (
	"net"

	"github.com/cockroachdb/errors"
	"github.com/eapache/queue"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// ServiceFD handles whatever readiness pfd.Revents reports for pfd.Fd.
// Connection level failures are handled by closing the connection; the returned error is fatal for the context.
func (ctx *Context) ServiceFD(pfd unix.PollFd) error {
	if ctx.destroyed {
		return ErrContextDestroyed
	}
	fd := int(pfd.Fd)
	if fd == ctx.listenFD {
		if pfd.Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			return errors.Errorf("listening socket %v failed with revents %#x", fd, pfd.Revents)
		}
		if pfd.Revents&unix.POLLIN == 0 {
			return nil
		}

		return ctx.acceptAll()
	}
	c, found := ctx.conns[fd]
	if !found {
		return nil
	}
	if pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 && pfd.Revents&unix.POLLIN == 0 {
		return ctx.hangup(c, ErrConnectionClosed)
	}
	if pfd.Revents&unix.POLLOUT != 0 {
		if err := c.handleWritable(); err != nil {
			return ctx.hangup(c, err)
		}
	}
	if c.state != stateClosed && pfd.Revents&unix.POLLIN != 0 {
		if err := c.handleReadable(); err != nil {
			return ctx.hangup(c, err)
		}
	}

	return nil
}

// hangup closes c, a requested hangup waits for queued output to drain first.
func (ctx *Context) hangup(c *conn, cause error) error {
	if errors.Is(cause, ErrHangup) && c.state != stateClosed && c.out.Length() > 0 {
		c.closeAfterFlush = true
		c.setMode(unix.POLLOUT)

		return nil
	}
	if err := ctx.closeConn(c, cause); err != nil {
		ctx.logf("ERROR", "failed to close connection %v: %v", c.fd, err)
	}

	return nil
}

func (ctx *Context) acceptAll() error {
	for {
		fd, sa, err := unix.Accept(ctx.listenFD)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
				return nil
			case errors.Is(err, unix.ECONNABORTED), errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE):
				ctx.logf("WARN", "accept failed: %v", err)

				return nil
			default:
				return errors.Wrap(err, "accept failed")
			}
		}
		ctx.accepted(fd, sa)
	}
}

func (ctx *Context) accepted(fd int, sa unix.Sockaddr) {
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		ctx.logf("ERROR", "failed to make socket %v non-blocking: %v", fd, err)
		_ = unix.Close(fd) //nolint:errcheck // .

		return
	}
	ip := peerIP(sa)
	if err := ctx.protocols[0].Handler.Callback(nil, FilterNetworkConnection{FD: fd, PeerName: ip, PeerIP: ip}); err != nil {
		ctx.logf("INFO", "connection from %v rejected: %v", ip, err)
		_ = unix.Close(fd) //nolint:errcheck // .

		return
	}
	c := ctx.newConn(fd, ip, ctx.protocols[0])
	if err := ctx.notifyPoll(c, AddPollFD{FD: fd, Events: unix.POLLIN}); err != nil {
		ctx.logf("ERROR", "failed to track socket %v: %v", fd, err)
		_ = unix.Close(fd) //nolint:errcheck // .

		return
	}
	c.events = unix.POLLIN
	ctx.conns[fd] = c
}

func (ctx *Context) newConn(fd int, ip string, protocol *Protocol) *conn {
	c := &conn{
		ctx:      ctx,
		fd:       fd,
		id:       uuid.NewString(),
		peerIP:   ip,
		protocol: protocol,
		out:      queue.New(),
		state:    stateHTTPRequest,
	}
	if protocol.NewSession != nil {
		c.session = protocol.NewSession()
	}

	return c
}

func peerIP(sa unix.Sockaddr) string {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(addr.Addr[:]).String()
	case *unix.SockaddrInet6:
		return net.IP(addr.Addr[:]).String()
	default:
		return ""
	}
}

func (c *conn) handleReadable() error {
	n, err := unix.Read(c.fd, c.ctx.rx)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil
		}

		return errors.Wrapf(err, "read from %v failed", c.fd)
	}
	if n == 0 {
		return ErrConnectionClosed
	}
	data := c.ctx.rx[:n]
	switch c.state {
	case stateHTTPRequest:
		return c.handleHandshakeInput(data)
	case stateWebsocket:
		return c.processFrames(data)
	default:
		// Pipelined requests are not supported, input after the request head is dropped.
		return nil
	}
}

func (c *conn) handleWritable() error {
	if err := c.flush(); err != nil {
		return err
	}
	if c.out.Length() > 0 {
		return nil
	}
	if c.closeAfterFlush {
		return ErrHangup
	}
	if !c.writableRequested {
		c.clearMode(unix.POLLOUT)

		return nil
	}
	c.writableRequested = false
	c.clearMode(unix.POLLOUT)
	switch c.state {
	case stateHTTPFile:
		return c.continueFileTransfer()
	case stateHTTPResponse:
		return c.dispatch(HTTPWriteable{})
	case stateWebsocket:
		return c.dispatch(ServerWriteable{})
	default:
		return nil
	}
}

func (c *conn) dispatch(ev Event) error {
	return c.protocol.Handler.Callback(c, ev) //nolint:wrapcheck // Handler errors are ours.
}
