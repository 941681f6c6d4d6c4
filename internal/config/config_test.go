package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "DEV", cfg.OperatorMode)
	require.NotEmpty(t, cfg.SocketPath)
	require.NotEmpty(t, cfg.DBPath)
	require.Positive(t, cfg.QueueDepth)
	require.Positive(t, cfg.SessionTTL)
	require.Positive(t, cfg.FlashBlockSize)
}

func TestLoadLayersFileOverDefaults(t *testing.T) {
	t.Setenv("ECUD_OPERATOR_MODE", "")
	path := filepath.Join(t.TempDir(), "ecud.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
operator_mode: WORKSHOP
serial_device: /dev/ttyUSB0
queue_depth: 64
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "WORKSHOP", cfg.OperatorMode)
	require.Equal(t, "/dev/ttyUSB0", cfg.SerialDevice)
	require.Equal(t, 64, cfg.QueueDepth)
	// Untouched keys keep their defaults.
	require.Equal(t, DefaultConfig().FlashBlockSize, cfg.FlashBlockSize)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ecud.yaml")
	require.NoError(t, os.WriteFile(path, []byte("operator_mode: WORKSHOP\n"), 0o600))

	t.Setenv("ECUD_OPERATOR_MODE", "LAB")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "LAB", cfg.OperatorMode)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
