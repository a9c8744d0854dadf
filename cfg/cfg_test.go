// SPDX-License-Identifier: ice License 1.0

package cfg

import (
	"path/filepath"
	"testing"
	stdlibtime "time"

	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	mustInit(filepath.Join(".testdata", "application.yaml"))
	m.Run()
}

func TestMustGet(t *testing.T) {
	t.Parallel()
	type testCfg struct{ A string }
	require.Equal(t, "b", MustGet[testCfg]().A)
}

func TestMustGetDecodeHooks(t *testing.T) {
	t.Parallel()
	type testCfg struct {
		Timeout stdlibtime.Duration `mapstructure:"timeout"`
		Peers   []string            `mapstructure:"peers"`
	}
	got := MustGet[testCfg]()
	require.Equal(t, 1500*stdlibtime.Millisecond, got.Timeout)
	require.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, got.Peers)
}

func TestKey(t *testing.T) {
	t.Parallel()
	type testCfg struct{}
	require.Equal(t, "cfg", Key[testCfg]())
}

func TestIsSet(t *testing.T) {
	t.Parallel()
	type testCfg struct{}
	require.True(t, IsSet[testCfg]("timeout"))
	require.False(t, IsSet[testCfg]("missing"))
}

func TestMustInitFallsBackToDefault(t *testing.T) {
	mustInit(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Equal(t, defaultYAMLConfigurationFilePath, yamlConfigurationFilePath)
	mustInit(filepath.Join(".testdata", "application.yaml"))
	require.Equal(t, filepath.Join(".testdata", "application.yaml"), yamlConfigurationFilePath)
}
