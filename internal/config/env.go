package config

import (
	"os"
	"strconv"
)

// Environment variable names consumed by a worker at startup. The supervisor
// sets all of these when spawning workers so that every worker resolves the
// same absolute store directories.
const (
	EnvPort         = "PORT"
	EnvHost         = "HOST"
	EnvStorageRoot  = "SHARED_STORAGE_ROOT"
	EnvFilesDir     = "FILES_DIR"
	EnvVersionsDir  = "VERSIONS_DIR"
	EnvMetadataDir  = "METADATA_DIR"
	EnvChunksDir    = "CHUNKS_DIR"
	EnvConflictsDir = "CONFLICTS_DIR"
	EnvConfigPath   = "SYNCBOX_CONFIG"
	EnvServerURL    = "SYNCBOX_SERVER_URL"
	EnvClientName   = "SYNCBOX_CLIENT_NAME"
)

// ApplyEnvOverrides overlays environment variables onto the config.
// Unset variables leave the corresponding fields untouched; a malformed
// PORT is ignored rather than failing startup, because the supervisor is
// the only writer of these variables and always writes valid values.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvHost); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv(EnvPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv(EnvStorageRoot); v != "" {
		cfg.Server.StorageRoot = v
	}

	if v := os.Getenv(EnvFilesDir); v != "" {
		cfg.Server.FilesDir = v
	}

	if v := os.Getenv(EnvVersionsDir); v != "" {
		cfg.Server.VersionsDir = v
	}

	if v := os.Getenv(EnvMetadataDir); v != "" {
		cfg.Server.MetadataDir = v
	}

	if v := os.Getenv(EnvChunksDir); v != "" {
		cfg.Server.ChunksDir = v
	}

	if v := os.Getenv(EnvConflictsDir); v != "" {
		cfg.Server.ConflictsDir = v
	}

	if v := os.Getenv(EnvServerURL); v != "" {
		cfg.Client.ServerURL = v
	}

	if v := os.Getenv(EnvClientName); v != "" {
		cfg.Client.ClientName = v
	}
}
