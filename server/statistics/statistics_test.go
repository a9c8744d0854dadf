// SPDX-License-Identifier: ice License 1.0

package statistics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// The go-metrics meter arbiter ticks for the lifetime of the process.
	goleak.VerifyTestMain(m, goleak.IgnoreAnyFunction("github.com/rcrowley/go-metrics.(*meterArbiter).tick"))
}

func TestNoopWhenDisabled(t *testing.T) {
	t.Parallel()
	s := New(&Config{})
	s.Inc(NotificationsSent)
	s.ObserveTick(time.Millisecond)
	assert.Empty(t, s.Snapshot().Metrics)
	assert.Nil(t, s.Snapshot().Tick)
	require.NoError(t, s.Close())
	require.NoError(t, New(nil).Close())
}

func TestCountersAndTicks(t *testing.T) {
	t.Parallel()
	dump := filepath.Join(t.TempDir(), "stats.json")
	s := New(&Config{Enabled: true, DumpPath: dump})
	assert.Nil(t, s.Snapshot().Tick)
	for range 3 {
		s.Inc(NotificationsSent)
	}
	s.Inc(NotificationsReset)
	s.Inc("custom")
	s.ObserveFile(1024)
	for _, d := range []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond} {
		s.ObserveTick(d)
	}

	snapshot := s.Snapshot()
	assert.EqualValues(t, 3, snapshot.Metrics[NotificationsSent]["count"])
	assert.EqualValues(t, 1, snapshot.Metrics[NotificationsReset]["count"])
	assert.EqualValues(t, 1, snapshot.Metrics["custom"]["count"])
	assert.EqualValues(t, 1, snapshot.Metrics[FilesServed]["count"])
	assert.EqualValues(t, 0, snapshot.Metrics[ConnectionsAccepted]["count"])
	require.NotNil(t, snapshot.Tick)
	assert.Equal(t, 3, snapshot.Tick.Count)
	assert.Equal(t, 2*time.Millisecond, snapshot.Tick.P50)
	assert.Equal(t, 3*time.Millisecond, snapshot.Tick.Max)

	require.NoError(t, s.Close())
	raw, err := os.ReadFile(dump)
	require.NoError(t, err)
	var dumped map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &dumped))
	assert.EqualValues(t, 3, dumped[NotificationsSent]["count"])
}

func TestPeriodicDump(t *testing.T) {
	t.Parallel()
	dump := filepath.Join(t.TempDir(), "stats.json")
	s := New(&Config{Enabled: true, DumpPath: dump, DumpInterval: 10 * time.Millisecond})
	s.Inc(ConnectionsAccepted)
	require.Eventually(t, func() bool {
		_, err := os.Stat(dump)

		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Close())
}
