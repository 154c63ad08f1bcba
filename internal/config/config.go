package config

import "time"

// DaemonConfig is the top-level configuration for the feed daemon.
type DaemonConfig struct {
	Instance InstanceConfig          `yaml:"instance"`
	Server   ServerConfig            `yaml:"server"`
	Brokers  map[string]BrokerConfig `yaml:"brokers"`
	Sampling SamplingConfig          `yaml:"sampling"`
	Storage  StorageConfig           `yaml:"storage"`
	Logging  LoggingConfig           `yaml:"logging"`
}

// InstanceConfig identifies this daemon instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ServerConfig holds the feed RPC listener settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// BrokerConfig enables one broker backend and carries its backend-specific
// options verbatim.
type BrokerConfig struct {
	Enabled bool              `yaml:"enabled"`
	Options map[string]string `yaml:"options"`
}

// SamplingConfig tunes bar sampling and shared buffer sizing.
type SamplingConfig struct {
	// DefaultPeriod is the bar period assumed when history is too thin to
	// infer one.
	DefaultPeriod time.Duration `yaml:"default_period"`

	// ShmSize is the shared buffer capacity in records.
	ShmSize int64 `yaml:"shm_size"`
}

// StorageConfig holds the optional TimescaleDB persistence settings.
type StorageConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	Name          string        `yaml:"name"`
	User          string        `yaml:"user"`
	Password      string        `yaml:"password"`
	SSLMode       string        `yaml:"ssl_mode"`
	MinConns      int           `yaml:"min_conns"`
	MaxConns      int           `yaml:"max_conns"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// LoggingConfig controls daemon log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
