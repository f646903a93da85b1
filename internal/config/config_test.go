package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8100, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Supervisor.MinInstances)
	assert.Equal(t, 4, cfg.Supervisor.MaxInstances)
	assert.Equal(t, "2s", cfg.Client.PollInterval)
	assert.Equal(t, "info", cfg.Logging.LogLevel)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, defaultPort, cfg.Server.Port)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = 9000
storage_root = "/srv/syncbox"

[supervisor]
min_instances = 3
max_instances = 6
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Supervisor.MinInstances)
	// Store directories derive from the storage root.
	assert.Equal(t, filepath.Join("/srv/syncbox", "files"), cfg.Server.FilesDir)
	assert.Equal(t, filepath.Join("/srv/syncbox", "versions"), cfg.Server.VersionsDir)
	assert.Equal(t, filepath.Join("/srv/syncbox", "chunks"), cfg.Server.ChunksDir)
	assert.Equal(t, filepath.Join("/srv/syncbox", "metadata", "conflicts"), cfg.Server.ConflictsDir)
}

func TestLoad_UnknownKeysRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
prot = 9000
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keys")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = 9000
`), 0o644))

	t.Setenv(EnvPort, "9001")
	t.Setenv(EnvStorageRoot, "/mnt/shared")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, "/mnt/shared", cfg.Server.StorageRoot)
}

func TestApplyEnvOverrides_IgnoresMalformedPort(t *testing.T) {
	t.Setenv(EnvPort, "not-a-port")

	cfg := DefaultConfig()
	ApplyEnvOverrides(cfg)

	assert.Equal(t, defaultPort, cfg.Server.Port)
}

func TestValidate_InstanceBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Supervisor.MinInstances = 4
	cfg.Supervisor.MaxInstances = 2

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_instances")
}

func TestValidate_LogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.LogLevel = "loud"

	require.Error(t, cfg.Validate())
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"0", 0},
		{"1024", 1024},
		{"10MiB", 10 * 1024 * 1024},
		{"1GB", 1000 * 1000 * 1000},
		{"512KiB", 512 * 1024},
		{"2B", 2},
	}

	for _, tt := range tests {
		got, err := parseSize(tt.in)
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestParseSize_Invalid(t *testing.T) {
	_, err := parseSize("lots")
	require.Error(t, err)
}

func TestDurationAccessors(t *testing.T) {
	cfg := DefaultConfig()

	hc, err := cfg.HealthCheckInterval()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, hc)

	poll, err := cfg.PollInterval()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, poll)

	cfg.Client.PollInterval = "-1s"
	_, err = cfg.PollInterval()
	require.Error(t, err)
}
