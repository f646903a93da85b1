package config

import (
	"errors"
	"fmt"
)

// Validate checks cross-field constraints that TOML decoding cannot express.
// Only structural errors are reported here; unset optional values (e.g. an
// empty storage root for a client-only process) are legal.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}

	if c.Supervisor.MinInstances < 1 {
		return errors.New("config: supervisor.min_instances must be at least 1")
	}

	if c.Supervisor.MaxInstances < c.Supervisor.MinInstances {
		return fmt.Errorf("config: supervisor.max_instances %d below min_instances %d",
			c.Supervisor.MaxInstances, c.Supervisor.MinInstances)
	}

	if _, err := parseSize(c.Server.MaxUploadSize); err != nil {
		return err
	}

	switch c.Logging.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Logging.LogLevel)
	}

	return nil
}
