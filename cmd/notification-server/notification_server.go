// SPDX-License-Identifier: ice License 1.0

package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/ice-blockchain/notification-server/cfg"
	"github.com/ice-blockchain/notification-server/server"
)

var (
	configPath        string
	port              int
	resourcePath      string
	closeTesting      bool
	closeTestingLimit int
	statusPort        int
	debug             bool
	metricsTick       time.Duration
	notificationSrv   = &cobra.Command{
		Use:   "notification-server",
		Short: "http/websocket notification test server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			if configPath != "" {
				cfg.MustInit(configPath)
			} else {
				cfg.MustInit()
			}
			config := loadConfig(cmd)
			srv, err := server.Init(ctx, config, log.Default())
			if err != nil {
				return errors.Wrap(err, "failed to start notification server")
			}
			log.Printf("notification server listening on port %v (resources at %v)", srv.Port(), config.ResourcePath)
			cfg.Watch(func(ev fsnotify.Event) {
				if limits, ok := reloadLimits(cmd, ev); ok {
					srv.ApplyLimits(limits)
				}
			})

			return errors.Wrap(srv.Run(ctx), "notification server stopped")
		},
	}
	initFlags = func() {
		notificationSrv.Flags().StringVar(&configPath, "config", "", "path to the application.yaml")
		notificationSrv.Flags().IntVar(&port, "port", server.DefaultPort, "port to communicate with clients (http/websocket), 0 picks one")
		notificationSrv.Flags().StringVar(&resourcePath, "resource-path", ".", "directory with the served files")
		notificationSrv.Flags().BoolVar(&closeTesting, "close-testing", false, "hang up on clients after a fixed number of notifications")
		notificationSrv.Flags().IntVar(&closeTestingLimit, "close-testing-limit", 50, "notifications sent before hanging up in close testing mode")
		notificationSrv.Flags().IntVar(&statusPort, "status-port", 0, "port for /metrics and /info, 0 disables it")
		notificationSrv.Flags().BoolVar(&debug, "debug", false, "enable debugging info")
		notificationSrv.Flags().DurationVar(&metricsTick, "metrics.tick", 0, "how often statistics are dumped, 0 disables it")
	}
)

func init() {
	initFlags()
	notificationSrv.SilenceUsage = true
}

func main() {
	if err := notificationSrv.Execute(); err != nil {
		log.Panic(err)
	}
}

// loadConfig reads the yaml section and lets explicitly set flags win over it.
func loadConfig(cmd *cobra.Command) *server.Config {
	config := cfg.MustGet[server.Config]()
	flags := cmd.Flags()
	if flags.Changed("port") || !cfg.IsSet[server.Config]("port") {
		config.Port = port
	}
	if flags.Changed("resource-path") || config.ResourcePath == "" {
		config.ResourcePath = resourcePath
	}
	if flags.Changed("close-testing") {
		config.CloseTesting = closeTesting
	}
	if flags.Changed("close-testing-limit") || config.CloseTestingLimit == 0 {
		config.CloseTestingLimit = closeTestingLimit
	}
	if flags.Changed("status-port") {
		config.StatusPort = statusPort
	}
	if flags.Changed("debug") {
		config.Debug = debug
	}
	if flags.Changed("metrics.tick") {
		config.MetricsTick = metricsTick
	}

	return config
}

func reloadLimits(cmd *cobra.Command, ev fsnotify.Event) (limits server.Limits, ok bool) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return limits, false
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: failed to reload %v: %v", ev.Name, r)
			ok = false
		}
	}()
	config := loadConfig(cmd)
	log.Printf("reloaded %v, close testing: %v, limit: %v", ev.Name, config.CloseTesting, config.CloseTestingLimit)

	return config.Limits(), true
}
