// SPDX-License-Identifier: ice License 1.0

package server

import (
	"time"

	"golang.org/x/sys/unix"

	httpserver "github.com/ice-blockchain/notification-server/server/http"
	"github.com/ice-blockchain/notification-server/server/internal/engine"
	"github.com/ice-blockchain/notification-server/server/internal/pollset"
	"github.com/ice-blockchain/notification-server/server/statistics"
	wsserver "github.com/ice-blockchain/notification-server/server/ws"
)

type (
	Config struct {
		Interface         string        `yaml:"interface"`
		ResourcePath      string        `yaml:"resourcePath"`
		ServerName        string        `yaml:"serverName"`
		MetricsFile       string        `yaml:"metricsFile"`
		DenyAddresses     []string      `yaml:"denyAddresses"`
		Port              int           `yaml:"port"`
		CloseTestingLimit int           `yaml:"closeTestingLimit"`
		NotifyInterval    time.Duration `yaml:"notifyInterval"`
		PollTimeout       time.Duration `yaml:"pollTimeout"`
		MetricsTick       time.Duration `yaml:"metricsTick"`
		MaxPollElements   int           `yaml:"maxPollElements"`
		MaxMessageSize    int           `yaml:"maxMessageSize"`
		// StatusPort serves /metrics and /info, 0 disables it.
		StatusPort   int  `yaml:"statusPort"`
		CloseTesting bool `yaml:"closeTesting"`
		Debug        bool `yaml:"debug"`
	}
	// Host is the logger of the embedding process.
	Host   = engine.Logger
	Limits = wsserver.Limits

	Server struct {
		engine        *engine.Context
		mirror        *pollset.PollSet
		notifier      *wsserver.Handler
		stats         statistics.Statistics
		status        *httpserver.StatusServer
		statusDone    chan error
		limits        chan Limits
		lastBroadcast time.Time
		ready         []unix.PollFd
		cfg           Config
		closed        bool
	}
)

const (
	DefaultPort           = 7681
	DefaultNotifyInterval = time.Second
	DefaultPollTimeout    = 50 * time.Millisecond
	DefaultMaxMessageSize = 512
	defaultResourcePath   = "."
	defaultServerName     = "notification-server"
	statusShutdownTimeout = 5 * time.Second
)
