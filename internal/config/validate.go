package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *DaemonConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	enabled := 0
	for name, b := range c.Brokers {
		if name == "" {
			return errors.New("brokers must be keyed by backend name")
		}
		if b.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return errors.New("at least one broker backend must be enabled")
	}

	if c.Sampling.DefaultPeriod <= 0 {
		return errors.New("sampling.default_period must be positive")
	}
	if c.Sampling.ShmSize < 2 {
		return errors.New("sampling.shm_size must be >= 2")
	}

	if c.Storage.Enabled {
		if err := c.Storage.validate("storage"); err != nil {
			return err
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func (s *StorageConfig) validate(prefix string) error {
	if s.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if s.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if s.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if s.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if s.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if s.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if s.MinConns > s.MaxConns {
		return fmt.Errorf("%s.min_conns must be <= max_conns", prefix)
	}
	if s.BatchSize < 1 {
		return fmt.Errorf("%s.batch_size must be >= 1", prefix)
	}
	return nil
}
