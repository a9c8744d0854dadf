// SPDX-License-Identifier: ice License 1.0

package main

import (
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ice-blockchain/notification-server/cfg"
	"github.com/ice-blockchain/notification-server/server"
)

func TestMain(m *testing.M) {
	cfg.MustInit(".testdata/application.yaml")
	m.Run()
}

//nolint:paralleltest // Flags are global.
func TestLoadConfig(t *testing.T) {
	config := loadConfig(notificationSrv)
	assert.Equal(t, &server.Config{
		Interface:         "127.0.0.1",
		ResourcePath:      "/srv/notifications",
		DenyAddresses:     []string{"10.0.0.1", "192.168.0.0/16"},
		Port:              0,
		CloseTestingLimit: 7,
		NotifyInterval:    250 * time.Millisecond,
		PollTimeout:       20 * time.Millisecond,
		MetricsTick:       time.Minute,
		CloseTesting:      true,
	}, config)

	require.NoError(t, notificationSrv.Flags().Set("port", "9000"))
	require.NoError(t, notificationSrv.Flags().Set("close-testing-limit", "3"))
	require.NoError(t, notificationSrv.Flags().Set("debug", "true"))
	config = loadConfig(notificationSrv)
	assert.Equal(t, 9000, config.Port)
	assert.Equal(t, 3, config.CloseTestingLimit)
	assert.True(t, config.Debug)
	assert.Equal(t, "/srv/notifications", config.ResourcePath)

	limits, ok := reloadLimits(notificationSrv, fsnotify.Event{Name: "application.yaml", Op: fsnotify.Write})
	require.True(t, ok)
	assert.Equal(t, server.Limits{CloseTesting: true, CloseTestingLimit: 3}, limits)
	_, ok = reloadLimits(notificationSrv, fsnotify.Event{Name: "application.yaml", Op: fsnotify.Chmod})
	assert.False(t, ok)
}
