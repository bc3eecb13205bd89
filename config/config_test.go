package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nokia/moler/config"
)

func writeTempConfig(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "moler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))
	return path
}

func TestLoadAppliesDefaultsAndMergesConnectionDesc(t *testing.T) {
	path := writeTempConfig(t, `
default_connection:
  io_type: local
devices:
  dut:
    device_class: UNIX
    initial_state: UNIX_LOCAL
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, config.LoggerModeAppend, cfg.Logger.Mode)
	assert.Equal(t, "15:04:05.000", cfg.Logger.DateFormat)

	dut := cfg.Devices["dut"]
	require.NotNil(t, dut.ConnectionDesc)
	assert.Equal(t, "local", dut.ConnectionDesc.IOType)
}

func TestLoadRejectsEmptyDeviceList(t *testing.T) {
	path := writeTempConfig(t, `
devices: {}
`)
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadRejectsDeviceMissingRequiredFields(t *testing.T) {
	path := writeTempConfig(t, `
devices:
  dut:
    device_class: UNIX
`)
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadRejectsInvalidLoggerModeByFallingBackToDefault(t *testing.T) {
	path := writeTempConfig(t, `
logger:
  mode: bogus
devices:
  dut:
    device_class: UNIX
    initial_state: UNIX_LOCAL
    connection_desc:
      io_type: local
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.LoggerModeAppend, cfg.Logger.Mode)
}
