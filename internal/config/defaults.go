package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultServerHost       = "127.0.0.1"
	DefaultServerPort       = 6969
	DefaultReadTimeout      = 30 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultHandshakeTimeout = 15 * time.Second
	DefaultSamplePeriod     = 1 * time.Second
	DefaultShmSize          = 3 * 24 * 60 * 60
	DefaultDBPort           = 5432
	DefaultDBSSLMode        = "prefer"
	DefaultMinConns         = 2
	DefaultMaxConns         = 10
	DefaultBatchSize        = 1000
	DefaultFlushInterval    = 1 * time.Second
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
)

func (c *DaemonConfig) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = DefaultServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.HandshakeTimeout == 0 {
		c.Server.HandshakeTimeout = DefaultHandshakeTimeout
	}

	if c.Sampling.DefaultPeriod == 0 {
		c.Sampling.DefaultPeriod = DefaultSamplePeriod
	}
	if c.Sampling.ShmSize == 0 {
		c.Sampling.ShmSize = DefaultShmSize
	}

	if c.Storage.Port == 0 {
		c.Storage.Port = DefaultDBPort
	}
	if c.Storage.SSLMode == "" {
		c.Storage.SSLMode = DefaultDBSSLMode
	}
	if c.Storage.MinConns == 0 {
		c.Storage.MinConns = DefaultMinConns
	}
	if c.Storage.MaxConns == 0 {
		c.Storage.MaxConns = DefaultMaxConns
	}
	if c.Storage.BatchSize == 0 {
		c.Storage.BatchSize = DefaultBatchSize
	}
	if c.Storage.FlushInterval == 0 {
		c.Storage.FlushInterval = DefaultFlushInterval
	}

	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}
