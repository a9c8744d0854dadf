// SPDX-License-Identifier: ice License 1.0

package server

import (
	"context"
	"log"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	httpserver "github.com/ice-blockchain/notification-server/server/http"
	"github.com/ice-blockchain/notification-server/server/internal/engine"
	"github.com/ice-blockchain/notification-server/server/internal/pollset"
	"github.com/ice-blockchain/notification-server/server/statistics"
	wsserver "github.com/ice-blockchain/notification-server/server/ws"
)

// Init binds the configured port and prepares everything Tick needs.
// The returned server is owned by the calling goroutine, only ApplyLimits may be used from elsewhere.
func Init(ctx context.Context, cfg *Config, host Host) (*Server, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "context failed")
	}
	s := &Server{cfg: cfg.withDefaults(), limits: make(chan Limits, 1)}
	capacity := s.cfg.MaxPollElements
	if capacity <= 0 {
		size, err := pollset.DescriptorTableSize()
		if err != nil {
			return nil, errors.Wrap(err, "failed to size the poll set")
		}
		capacity = size
	}
	s.mirror = pollset.New(capacity)
	s.ready = make([]unix.PollFd, 0, min(capacity, 1024))
	s.stats = statistics.New(&statistics.Config{
		Enabled:      s.cfg.StatusPort != 0 || s.cfg.MetricsTick > 0,
		DumpPath:     s.cfg.MetricsFile,
		DumpInterval: s.cfg.MetricsTick,
	})
	httpProtocol, err := httpserver.NewProtocol(&httpserver.Config{
		ResourcePath:  s.cfg.ResourcePath,
		ServerName:    s.cfg.ServerName,
		DenyAddresses: s.cfg.DenyAddresses,
	}, s.mirror, s.stats)
	if err != nil {
		return nil, errors.Wrap(multierror.Append(err, s.stats.Close()).ErrorOrNil(), "invalid http configuration")
	}
	s.notifier = wsserver.NewHandler(s.cfg.Limits(), s.stats, s.cfg.Debug)
	if s.engine, err = engine.CreateContext(&engine.CreationInfo{
		Logger:     host,
		ServerName: s.cfg.ServerName,
		Interface:  s.cfg.Interface,
		Port:       s.cfg.Port,
		Debug:      s.cfg.Debug,
		Protocols:  []*engine.Protocol{httpProtocol, s.notifier.Protocol(s.cfg.MaxMessageSize)},
	}); err != nil {
		return nil, errors.Wrap(multierror.Append(err, s.stats.Close()).ErrorOrNil(), "failed to create engine context")
	}
	if s.cfg.StatusPort != 0 {
		if err = s.startStatusServer(); err != nil {
			return nil, errors.Wrap(multierror.Append(err, s.engine.Destroy(), s.stats.Close()).ErrorOrNil(),
				"failed to start status server")
		}
	}

	return s, nil
}

func (cfg *Config) withDefaults() Config {
	c := *cfg
	if c.ResourcePath == "" {
		c.ResourcePath = defaultResourcePath
	}
	if c.ServerName == "" {
		c.ServerName = defaultServerName
	}
	if c.NotifyInterval <= 0 {
		c.NotifyInterval = DefaultNotifyInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.CloseTestingLimit <= 0 {
		c.CloseTestingLimit = wsserver.DefaultCloseTestingLimit
	}

	return c
}

func (cfg *Config) Limits() Limits {
	return Limits{CloseTesting: cfg.CloseTesting, CloseTestingLimit: cfg.CloseTestingLimit}
}

func (s *Server) startStatusServer() error {
	status, err := httpserver.NewStatusServer(s.cfg.Interface, s.cfg.StatusPort, s.stats, &httpserver.Info{
		ServerName: s.cfg.ServerName,
		Software:   defaultServerName,
		Protocols:  []string{httpserver.ProtocolName, wsserver.ProtocolName},
		Port:       s.engine.Port(),
	})
	if err != nil {
		return errors.Wrap(err, "failed to create status server")
	}
	s.status = status
	s.statusDone = make(chan error, 1)
	go func() { s.statusDone <- status.Serve() }()

	return nil
}

// Port reports the bound port, useful when the configured one is 0.
func (s *Server) Port() int {
	return s.engine.Port()
}

func (s *Server) StatusAddr() string {
	if s.status == nil {
		return ""
	}

	return s.status.Addr().String()
}

// ApplyLimits replaces the close-testing limits, they take effect on the next Tick.
func (s *Server) ApplyLimits(limits Limits) {
	for {
		select {
		case s.limits <- limits:
			return
		default:
			select {
			case <-s.limits:
			default:
			}
		}
	}
}

// Tick broadcasts the writable request once per notify interval, polls once and services every ready descriptor.
// Any returned error is fatal for the server.
func (s *Server) Tick(now time.Time) error {
	started := time.Now()
	defer func() { s.stats.ObserveTick(time.Since(started)) }()
	select {
	case limits := <-s.limits:
		s.notifier.SetLimits(limits)
		if s.cfg.Debug {
			log.Printf("INFO: close testing limits changed to %+v", s.notifier.Limits())
		}
	default:
	}
	if now.Sub(s.lastBroadcast) >= s.cfg.NotifyInterval {
		s.engine.CallbackOnWritableAllProtocol(wsserver.ProtocolName)
		s.lastBroadcast = now
	}
	n, err := s.mirror.Poll(s.cfg.PollTimeout)
	if err != nil {
		return errors.Wrap(err, "poll failed")
	}
	if n == 0 {
		return nil
	}
	s.ready = s.ready[:0]
	for _, pfd := range s.mirror.Entries() {
		if pfd.Revents != 0 {
			s.ready = append(s.ready, pfd)
		}
	}
	for _, pfd := range s.ready {
		if err = s.engine.ServiceFD(pfd); err != nil {
			return errors.Wrapf(err, "failed to service fd %v", pfd.Fd)
		}
	}

	return nil
}

// Run ticks until ctx is done or a tick fails, then closes the server.
func (s *Server) Run(ctx context.Context) error {
	var tickErr error
	for ctx.Err() == nil {
		if tickErr = s.Tick(time.Now()); tickErr != nil {
			break
		}
	}

	return multierror.Append(tickErr, s.Close()).ErrorOrNil() //nolint:wrapcheck // Already wrapped.
}

// Close closes every connection, the listening socket and the status server.
func (s *Server) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var mErr *multierror.Error
	if s.status != nil {
		ctx, cancel := context.WithTimeout(context.Background(), statusShutdownTimeout)
		defer cancel()
		mErr = multierror.Append(mErr, s.status.Shutdown(ctx), <-s.statusDone)
		s.status = nil
	}
	mErr = multierror.Append(mErr, s.engine.Destroy(), s.stats.Close())

	return errors.Wrap(mErr.ErrorOrNil(), "failed to close server")
}
