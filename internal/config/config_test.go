package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "camerad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: 0.0.0.0:7000\nring:\n  base_capacity: 8\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:7000", cfg.Listen)
	require.Equal(t, 8, cfg.Ring.BaseCapacity)
	// Unset fields keep their defaults.
	require.Equal(t, 32, cfg.Ring.MaxCapacity)
	require.Equal(t, 4, cfg.DefaultBuffers)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/camerad.yaml")
	require.Error(t, err)
}
