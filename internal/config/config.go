// Package config implements TOML configuration loading, validation, and
// environment overrides for syncbox. Values resolve through a three-layer
// chain (defaults -> config file -> environment), with CLI flags applied
// last by the command layer because flags always win.
package config

// Config is the top-level configuration structure parsed from a TOML file.
// Each section covers one process role; a single file can configure a
// worker, the supervisor, and a client at the same time.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Client     ClientConfig     `toml:"client"`
	Logging    LoggingConfig    `toml:"logging"`
}

// ServerConfig controls a single backend worker: listen address and the
// on-disk store layout. The five store directories default to subdirectories
// of StorageRoot; supervised workers receive them via environment variables
// so that every worker points at the same absolute paths.
type ServerConfig struct {
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	StorageRoot   string `toml:"storage_root"`
	FilesDir      string `toml:"files_dir"`
	VersionsDir   string `toml:"versions_dir"`
	MetadataDir   string `toml:"metadata_dir"`
	ChunksDir     string `toml:"chunks_dir"`
	ConflictsDir  string `toml:"conflicts_dir"`
	MaxUploadSize string `toml:"max_upload_size"`
	DeleteCascade bool   `toml:"delete_cascade"`
}

// SupervisorConfig controls the process supervisor: the public listener,
// worker instance bounds, and health checking cadence.
type SupervisorConfig struct {
	Port                int    `toml:"port"`
	BindAddress         string `toml:"bind_address"`
	MinInstances        int    `toml:"min_instances"`
	MaxInstances        int    `toml:"max_instances"`
	WorkerBasePort      int    `toml:"worker_base_port"`
	HealthCheckInterval string `toml:"health_check_interval"`
	UnhealthyTimeout    string `toml:"unhealthy_timeout"`
	ShutdownGrace       string `toml:"shutdown_grace"`
}

// ClientConfig controls the sync client: server endpoint, local sync
// directory, stable client identity, and the reconciler cadence. DBPath
// points at the client's SQLite state ledger; empty derives it from the
// sync directory.
type ClientConfig struct {
	ServerURL    string `toml:"server_url"`
	SyncDir      string `toml:"sync_dir"`
	ClientName   string `toml:"client_name"`
	PollInterval string `toml:"poll_interval"`
	DBPath       string `toml:"db_path"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel string `toml:"log_level"`
}
