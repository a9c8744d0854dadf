// SPDX-License-Identifier: ice License 1.0

package http

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/ice-blockchain/notification-server/server/statistics"
)

const statusReadHeaderTimeout = 5 * time.Second

// NewStatusServer exposes the statistics and the server description, port 0 picks an ephemeral one.
func NewStatusServer(iface string, port int, stats statistics.Statistics, info *Info) (*StatusServer, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(iface, fmt.Sprint(port)))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen for status requests on %v", port)
	}
	s := &StatusServer{listener: listener, stats: stats, info: info}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", s.Metrics())
	router.GET("/info", s.Info())
	s.server = &http.Server{Handler: router, ReadHeaderTimeout: statusReadHeaderTimeout}

	return s, nil
}

func (s *StatusServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve blocks until Shutdown.
func (s *StatusServer) Serve() error {
	defer log.Printf("status server stopped listening")
	log.Printf("status server started listening on %v...", s.listener.Addr())
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "status server failed")
	}

	return nil
}

func (s *StatusServer) Shutdown(ctx context.Context) error {
	return errors.Wrap(s.server.Shutdown(ctx), "status server shutdown failed")
}

func (s *StatusServer) Metrics() gin.HandlerFunc {
	return func(gCtx *gin.Context) {
		gCtx.JSON(http.StatusOK, s.stats.Snapshot())
	}
}

func (s *StatusServer) Info() gin.HandlerFunc {
	return func(gCtx *gin.Context) {
		gCtx.JSON(http.StatusOK, s.info)
	}
}
