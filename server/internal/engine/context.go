// SPDX-License-Identifier: ice License 1.0

package engine

import (
	"log"
	"net"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

// CreateContext binds the listening socket and announces it through AddPollFD on protocol 0.
func CreateContext(info *CreationInfo) (*Context, error) {
	if err := validate(info); err != nil {
		return nil, errors.Wrap(err, "invalid engine creation info")
	}
	ctx := &Context{
		logger:     info.Logger,
		conns:      make(map[int]*conn),
		serverName: info.ServerName,
		protocols:  info.Protocols,
		rx:         make([]byte, defaultRxBufferSize),
		chunk:      make([]byte, fileChunkSize),
		probe:      make([]unix.PollFd, 1),
		listenFD:   -1,
		debug:      info.Debug,
	}
	if ctx.logger == nil {
		ctx.logger = log.Default()
	}
	if ctx.serverName == "" {
		ctx.serverName = "notification-server"
	}
	fd, port, err := listen(info.Interface, info.Port)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %v:%v", info.Interface, info.Port)
	}
	ctx.listenFD, ctx.port = fd, port
	if err = ctx.notifyPoll(nil, AddPollFD{FD: fd, Events: unix.POLLIN}); err != nil {
		_ = unix.Close(fd) //nolint:errcheck // .

		return nil, errors.Wrapf(err, "failed to track listening socket %v", fd)
	}
	ctx.logf("INFO", "listening on port %v", port)

	return ctx, nil
}

func validate(info *CreationInfo) error {
	if info == nil || len(info.Protocols) == 0 {
		return errors.New("at least one protocol is required")
	}
	names := make(map[string]struct{}, len(info.Protocols))
	for i, p := range info.Protocols {
		if p == nil || p.Handler == nil || p.Name == "" {
			return errors.Errorf("protocol #%v has no name or handler", i)
		}
		if _, dup := names[p.Name]; dup {
			return errors.Errorf("duplicate protocol %v", p.Name)
		}
		names[p.Name] = struct{}{}
	}
	if info.Port < 0 || info.Port > 65535 {
		return errors.Errorf("invalid port %v", info.Port)
	}

	return nil
}

func listen(iface string, port int) (fd, boundPort int, err error) {
	addr := &unix.SockaddrInet4{Port: port}
	if iface != "" {
		ip := net.ParseIP(iface).To4()
		if ip == nil {
			return -1, 0, errors.Errorf("interface %v is not an ipv4 address", iface)
		}
		copy(addr.Addr[:], ip)
	}
	if fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0); err != nil {
		return -1, 0, errors.Wrap(err, "socket failed")
	}
	unix.CloseOnExec(fd)
	fail := func(err error, msg string) (int, int, error) {
		_ = unix.Close(fd) //nolint:errcheck // .

		return -1, 0, errors.Wrap(err, msg)
	}
	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail(err, "setsockopt(SO_REUSEADDR) failed")
	}
	if err = unix.SetNonblock(fd, true); err != nil {
		return fail(err, "failed to make listening socket non-blocking")
	}
	if err = unix.Bind(fd, addr); err != nil {
		return fail(err, "bind failed")
	}
	if err = unix.Listen(fd, listenBacklog); err != nil {
		return fail(err, "listen failed")
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return fail(err, "getsockname failed")
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		boundPort = in4.Port
	}

	return fd, boundPort, nil
}

func (ctx *Context) Port() int {
	return ctx.port
}

func (ctx *Context) ConnectionCount() int {
	return len(ctx.conns)
}

// CallbackOnWritableAllProtocol books a ServerWriteable event for every websocket speaking the protocol.
func (ctx *Context) CallbackOnWritableAllProtocol(name string) {
	for _, c := range ctx.conns {
		if c.state == stateWebsocket && c.protocol.Name == name {
			c.CallbackOnWritable()
		}
	}
}

// Destroy closes every connection and the listening socket, each announced through DelPollFD.
func (ctx *Context) Destroy() error {
	if ctx.destroyed {
		return nil
	}
	var mErr *multierror.Error
	for _, c := range ctx.conns {
		mErr = multierror.Append(mErr, ctx.closeConn(c, nil))
	}
	if ctx.listenFD >= 0 {
		mErr = multierror.Append(mErr, ctx.notifyPoll(nil, DelPollFD{FD: ctx.listenFD}))
		if err := unix.Close(ctx.listenFD); err != nil {
			mErr = multierror.Append(mErr, errors.Wrapf(err, "failed to close listening socket %v", ctx.listenFD))
		}
		ctx.listenFD = -1
	}
	ctx.destroyed = true

	return errors.Wrap(mErr.ErrorOrNil(), "engine context destroy failed")
}

func (ctx *Context) notifyPoll(c *conn, ev Event) error {
	var target Conn
	if c != nil {
		target = c
	}

	return ctx.protocols[0].Handler.Callback(target, ev) //nolint:wrapcheck // Handler errors are ours.
}

func (ctx *Context) protocolByName(name string) *Protocol {
	for _, p := range ctx.protocols[1:] {
		if p.Name == name {
			return p
		}
	}

	return nil
}

func (ctx *Context) logf(level, format string, args ...any) {
	if level == "INFO" && !ctx.debug {
		return
	}
	ctx.logger.Printf(level+": "+format, args...)
}
