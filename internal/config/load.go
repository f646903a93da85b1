package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Load resolves the effective configuration: defaults, then the TOML file at
// path (if it exists), then environment overrides. An empty path falls back
// to $SYNCBOX_CONFIG, then to the default location under the user config dir.
// A missing config file is not an error — defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	resolved, err := resolvePath(path)
	if err != nil {
		return nil, err
	}

	if resolved != "" {
		if decodeErr := decodeFile(resolved, cfg); decodeErr != nil {
			return nil, decodeErr
		}
	}

	ApplyEnvOverrides(cfg)
	cfg.applyStoreDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// resolvePath determines which config file to read. Returns "" when no file
// exists anywhere in the chain.
func resolvePath(path string) (string, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config: stat %s: %w", path, err)
		}

		return path, nil
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		// No user config dir (e.g. stripped-down containers) — run on defaults.
		return "", nil //nolint:nilerr // intentional fallback
	}

	candidate := filepath.Join(dir, "syncbox", "config.toml")
	if _, statErr := os.Stat(candidate); statErr != nil {
		return "", nil
	}

	return candidate, nil
}

// decodeFile decodes the TOML file at path over the existing config values.
func decodeFile(path string, cfg *Config) error {
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}

		return fmt.Errorf("config: unknown keys in %s: %v", path, keys)
	}

	return nil
}

// applyStoreDefaults derives unset store directories from the storage root.
// Called after environment overrides so an explicitly-set directory wins.
func (c *Config) applyStoreDefaults() {
	if c.Server.StorageRoot == "" {
		return
	}

	if c.Server.FilesDir == "" {
		c.Server.FilesDir = filepath.Join(c.Server.StorageRoot, "files")
	}

	if c.Server.VersionsDir == "" {
		c.Server.VersionsDir = filepath.Join(c.Server.StorageRoot, "versions")
	}

	if c.Server.MetadataDir == "" {
		c.Server.MetadataDir = filepath.Join(c.Server.StorageRoot, "metadata")
	}

	if c.Server.ChunksDir == "" {
		c.Server.ChunksDir = filepath.Join(c.Server.StorageRoot, "chunks")
	}

	if c.Server.ConflictsDir == "" {
		c.Server.ConflictsDir = filepath.Join(c.Server.StorageRoot, "metadata", "conflicts")
	}
}

// MaxUploadBytes returns the parsed upload size limit in bytes.
func (c *Config) MaxUploadBytes() (int64, error) {
	return parseSize(c.Server.MaxUploadSize)
}

// HealthCheckInterval returns the parsed supervisor health check interval.
func (c *Config) HealthCheckInterval() (time.Duration, error) {
	return parseDuration(c.Supervisor.HealthCheckInterval, "supervisor.health_check_interval")
}

// UnhealthyTimeout returns how long a worker may stay unhealthy before the
// supervisor terminates and respawns it.
func (c *Config) UnhealthyTimeout() (time.Duration, error) {
	return parseDuration(c.Supervisor.UnhealthyTimeout, "supervisor.unhealthy_timeout")
}

// ShutdownGrace returns the grace window between gentle and hard worker
// termination at supervisor shutdown.
func (c *Config) ShutdownGrace() (time.Duration, error) {
	return parseDuration(c.Supervisor.ShutdownGrace, "supervisor.shutdown_grace")
}

// PollInterval returns the parsed client reconciler interval.
func (c *Config) PollInterval() (time.Duration, error) {
	return parseDuration(c.Client.PollInterval, "client.poll_interval")
}

// parseDuration wraps time.ParseDuration with the config key in the error.
func parseDuration(s, key string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("config: %s is empty", key)
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: parsing %s: %w", key, err)
	}

	if d <= 0 {
		return 0, errors.New("config: " + key + " must be positive")
	}

	return d, nil
}
